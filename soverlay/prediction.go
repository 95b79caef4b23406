package soverlay

import (
	"math"

	"github.com/benbjohnson/clock"

	"github.com/stm-dev/stm/sterm"
)

// Echo-delay thresholds for the flagging hysteresis, in milliseconds.
// Above the high mark new predictions are underlined;
// below the low mark they are not;
// in between, the previous decision stands.
const (
	flagHigh = 150
	flagLow  = 100
)

// PredictionEngine speculatively echoes user keystrokes onto the
// framebuffer before the server confirms them, and measures the
// server's echo delay to decide how long a guess stays credible.
//
// Invariant: if any elements exist, the first is a
// [KindConditionalCursorMove] tracking where the next keystroke lands.
type PredictionEngine struct {
	clk clock.Clock

	elements []Element

	// Consecutive confirmed predictions; gates speculative rendering.
	score uint

	// Smoothed echo delay estimator.
	srtt, rttvar float64
	rttHit       bool

	// Whether new predictions are rendered underlined.
	flagging bool
}

// NewPredictionEngine returns an engine with no predictions
// and an unprimed echo-delay estimator.
// A nil clk means the system clock.
func NewPredictionEngine(clk clock.Clock) *PredictionEngine {
	if clk == nil {
		clk = clock.New()
	}
	return &PredictionEngine{clk: clk}
}

func (p *PredictionEngine) now() int64 {
	return p.clk.Now().UnixMilli()
}

// Score returns the count of consecutive confirmed predictions.
func (p *PredictionEngine) Score() uint { return p.score }

// Flagging reports whether new predictions are being underlined.
func (p *PredictionEngine) Flagging() bool { return p.flagging }

// PredictionLen returns how long a new prediction stays credible,
// in milliseconds: ceil(1.25·SRTT + 8·RTTVAR) over the echo-delay
// estimator, clamped to [20, 2000].
func (p *PredictionEngine) PredictionLen() int64 {
	rto := int64(math.Ceil(1.25*p.srtt + 8*p.rttvar))
	if rto < 20 {
		rto = 20
	}
	if rto > 2000 {
		rto = 2000
	}
	return rto
}

// NewUserByte records one byte of user input as a speculative edit
// against fb.
//
// Printable ASCII advances the predicted cursor and overlays the
// predicted glyph; anything else clears all predictions, since the
// engine cannot guess how the server will interpret it.
func (p *PredictionEngine) NewUserByte(b byte, fb *sterm.Framebuffer) {
	now := p.now()

	if len(p.elements) == 0 {
		// Starting from scratch: anchor at the current cursor.
		p.elements = append(p.elements, Element{
			Kind:           KindConditionalCursorMove,
			ExpirationTime: now + p.PredictionLen(),
			PredictionTime: now,
			Row:            fb.CursorRow(),
			Col:            fb.CursorCol(),
		})
	}

	ccm := &p.elements[0]
	if !fb.InBounds(ccm.Row, ccm.Col) {
		return
	}

	if b >= 0x20 && b <= 0x7e && ccm.Col < fb.Width()-2 {
		existing := fb.At(ccm.Row, ccm.Col)

		replacement := existing.Clone()
		replacement.Contents = []rune{rune(b)}
		replacement.Width = 1

		el := Element{
			Kind:           KindConditionalCell,
			ExpirationTime: now + p.PredictionLen(),
			PredictionTime: now,
			Row:            ccm.Row,
			Col:            ccm.Col,

			Replacement:      replacement,
			OriginalContents: existing,

			Flag: p.flagging,
		}

		// A pending prediction already covering this cell is
		// superseded in place rather than left to contradict the
		// new one.
		replaced := false
		for i := 1; i < len(p.elements); i++ {
			prior := &p.elements[i]
			if prior.Kind == KindConditionalCell && prior.Row == el.Row && prior.Col == el.Col {
				el.OriginalContents = prior.OriginalContents
				*prior = el
				replaced = true
				break
			}
		}
		if !replaced {
			p.elements = append(p.elements, el)
		}

		// Re-index: the append may have moved the backing array.
		p.elements[0].Col++
		p.elements[0].ExpirationTime = now + p.PredictionLen()
		return
	}

	// Unpredictable input.
	p.clear()
	p.score = 0
}

// CalculateScore walks the predictions against fb:
// each confirmed prediction raises the confidence score,
// and the first refuted or expired one resets it to zero
// and clears everything.
func (p *PredictionEngine) CalculateScore(fb *sterm.Framebuffer) {
	now := p.now()
	for i := range p.elements {
		switch p.elements[i].Validity(fb, now) {
		case Pending:
			// Keep walking.
		case Correct:
			p.score++
		case IncorrectOrExpired:
			p.score = 0
			p.clear()
			return
		}
	}
}

// Cull feeds confirmed predictions into the echo-delay estimator,
// removes every element no longer Pending, and updates the
// flagging hysteresis.
func (p *PredictionEngine) Cull(fb *sterm.Framebuffer) {
	now := p.now()

	kept := p.elements[:0]
	for i := range p.elements {
		el := &p.elements[i]
		v := el.Validity(fb, now)

		if v == Correct {
			p.rttSample(float64(now - el.PredictionTime))
		}

		if v == Pending {
			kept = append(kept, *el)
		}
	}
	p.elements = kept

	if p.srtt > flagHigh {
		p.flagging = true
	}
	if p.srtt < flagLow {
		p.flagging = false
	}
}

func (p *PredictionEngine) rttSample(r float64) {
	if !p.rttHit {
		p.srtt = r
		p.rttvar = r / 2
		p.rttHit = true
		return
	}

	const alpha = 1.0 / 8.0
	const beta = 1.0 / 4.0
	p.rttvar = (1-beta)*p.rttvar + beta*math.Abs(p.srtt-r)
	p.srtt = (1-alpha)*p.srtt + alpha*r
}

// Apply draws all pending predictions onto fb.
func (p *PredictionEngine) Apply(fb *sterm.Framebuffer) {
	for i := range p.elements {
		p.elements[i].Apply(fb)
	}
}

func (p *PredictionEngine) clear() {
	p.elements = p.elements[:0]
}
