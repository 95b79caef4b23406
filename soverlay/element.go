// Package soverlay renders speculative local-echo predictions and
// status notifications on top of an authoritative terminal framebuffer.
//
// The overlay engines make probabilistic guesses about how the server
// will mutate the framebuffer, display them when confidence is high,
// and retract them when the authoritative state proves them wrong.
package soverlay

import (
	"github.com/stm-dev/stm/sterm"
)

// Validity classifies a speculative element against the
// authoritative framebuffer.
type Validity int

const (
	// The framebuffer neither confirms nor refutes the element yet.
	Pending Validity = iota

	// The server produced exactly what the element predicted.
	Correct

	// The element was contradicted or outlived its expiration.
	IncorrectOrExpired
)

// Kind discriminates the overlay element variants.
type Kind int

const (
	// An unconditional cell replacement.
	KindCell Kind = iota

	// An unconditional cursor move.
	KindCursorMove

	// A cell replacement that remembers what it overwrote,
	// so it can be checked against the authoritative state.
	KindConditionalCell

	// A cursor move checked against the authoritative cursor.
	KindConditionalCursorMove
)

// Element is one speculative edit: a cell write or a cursor move,
// optionally conditional on the authoritative state.
//
// Elements live by value inside their engine's slice;
// the engine is their only owner and cull is their only deletion site.
type Element struct {
	Kind Kind

	// Local clock ms after which the element is no longer Pending.
	ExpirationTime int64

	// When the guess was made, for RTT sampling on confirmation.
	PredictionTime int64

	// Cell target, or cursor target for the cursor-move kinds.
	Row, Col int

	// The predicted cell contents (cell kinds only).
	Replacement sterm.Cell

	// Snapshot of the targeted cell at creation
	// (conditional cell kind only).
	OriginalContents sterm.Cell

	// Render the replacement underlined, cueing the user
	// that the echo is speculative.
	Flag bool
}

// Validity classifies e against fb at local time now (ms).
func (e *Element) Validity(fb *sterm.Framebuffer, now int64) Validity {
	switch e.Kind {
	case KindCell, KindCursorMove:
		if now < e.ExpirationTime {
			return Pending
		}
		return IncorrectOrExpired

	case KindConditionalCell:
		if !fb.InBounds(e.Row, e.Col) {
			return IncorrectOrExpired
		}
		current := fb.At(e.Row, e.Col)
		if now < e.ExpirationTime && current.Equal(e.OriginalContents) {
			return Pending
		}
		if current.Equal(e.Replacement) {
			return Correct
		}
		return IncorrectOrExpired

	case KindConditionalCursorMove:
		if !fb.InBounds(e.Row, e.Col) {
			return IncorrectOrExpired
		}
		// Pending wins while unexpired, even if the cursor already
		// matches: the leading cursor move must outlive the cell
		// predictions that follow it.
		if now < e.ExpirationTime {
			return Pending
		}
		if fb.CursorRow() == e.Row && fb.CursorCol() == e.Col {
			return Correct
		}
		return IncorrectOrExpired
	}

	return IncorrectOrExpired
}

// Apply draws e onto fb. Targets outside the framebuffer are no-ops.
func (e *Element) Apply(fb *sterm.Framebuffer) {
	switch e.Kind {
	case KindCell, KindConditionalCell:
		if !fb.InBounds(e.Row, e.Col) {
			return
		}
		if fb.At(e.Row, e.Col).Equal(e.Replacement) {
			return
		}
		fb.Set(e.Row, e.Col, e.Replacement)
		if e.Flag {
			fb.Underline(e.Row, e.Col)
		}

	case KindCursorMove, KindConditionalCursorMove:
		if !fb.InBounds(e.Row, e.Col) {
			return
		}
		fb.MoveCursor(e.Row, e.Col)
	}
}
