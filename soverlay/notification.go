package soverlay

import (
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/mattn/go-runewidth"

	"github.com/stm-dev/stm/sterm"
)

const (
	// How long a notification message stays on screen.
	messageLifetime = 1100

	// Minimum interval between re-renders of the bar,
	// unless something forces one.
	renderInterval = 250

	// A gap in peer contact longer than this forces a re-render
	// when contact resumes, so the warning disappears promptly.
	contactResumeGap = 4000

	// Contact older than this is reported on the bar.
	contactStaleAfter = 5000
)

// Renditions for the notification bar: bold white on blue.
var barRenditions = sterm.Renditions{
	ForegroundColor: 37,
	BackgroundColor: 44,
	Bold:            true,
}

// NotificationEngine paints a one-line status overlay across the top
// of the framebuffer: an application message, a warning when the peer
// has gone quiet, or both.
type NotificationEngine struct {
	clk clock.Clock

	elements []Element

	needsRender bool

	// Local ms of the last successful peer contact.
	lastWord int64

	lastRender int64

	message           []rune
	messageExpiration int64
}

// NewNotificationEngine returns an engine that treats construction time
// as the moment of last peer contact.
// A nil clk means the system clock.
func NewNotificationEngine(clk clock.Clock) *NotificationEngine {
	if clk == nil {
		clk = clock.New()
	}
	return &NotificationEngine{
		clk: clk,

		needsRender: true,

		lastWord: clk.Now().UnixMilli(),
	}
}

func (n *NotificationEngine) now() int64 {
	return n.clk.Now().UnixMilli()
}

// ServerPing records a successful peer contact at local time t (ms).
func (n *NotificationEngine) ServerPing(t int64) {
	if t-n.lastWord > contactResumeGap {
		n.needsRender = true
	}
	n.lastWord = t
}

// SetNotificationString replaces the bar message.
// The message expires after a short lifetime.
func (n *NotificationEngine) SetNotificationString(msg string) {
	n.message = []rune(msg)
	n.messageExpiration = n.now() + messageLifetime
	n.needsRender = true
}

// render rebuilds the bar's overlay elements.
// Rate-limited unless something has forced a render.
func (n *NotificationEngine) render() {
	now := n.now()

	if now-n.lastRender < renderInterval && !n.needsRender {
		return
	}
	n.needsRender = false
	n.lastRender = now

	n.elements = n.elements[:0]

	if now >= n.messageExpiration {
		n.message = nil
	}

	stale := now-n.lastWord > contactStaleAfter

	var text string
	switch {
	case len(n.message) == 0 && !stale:
		return
	case len(n.message) == 0 && stale:
		text = fmt.Sprintf(
			"[stm] No contact for %.0f seconds. [To quit: Ctrl-^ .]",
			float64(now-n.lastWord)/1000.0,
		)
	case len(n.message) != 0 && !stale:
		text = fmt.Sprintf("[stm] %s", string(n.message))
	default:
		text = fmt.Sprintf(
			"[stm] %s [To quit: Ctrl-^ .] (No contact for %.0f seconds.)",
			string(n.message),
			float64(now-n.lastWord)/1000.0,
		)
	}

	n.elements = appendTextCells(n.elements, text, now+messageLifetime)
}

// appendTextCells converts text into row-0 overlay cells,
// attaching combining characters to the preceding cell and
// advancing two columns for wide characters.
func appendTextCells(elements []Element, text string, expiration int64) []Element {
	template := Element{
		Kind:           KindCell,
		ExpirationTime: expiration,
		Row:            0,
		Col:            -1,
		Replacement: sterm.Cell{
			Renditions: barRenditions,
		},
	}

	col := 0
	current := template
	dirty := false

	for _, ch := range text {
		switch w := runewidth.RuneWidth(ch); w {
		case 1, 2:
			if dirty {
				elements = append(elements, current)
			}

			current = template
			current.Col = col
			current.Replacement.Contents = []rune{ch}
			current.Replacement.Width = w
			col += w
			dirty = true

		case 0:
			// A combining character joins the current cell.
			if len(current.Replacement.Contents) == 0 {
				// Text starting with a combining character:
				// fabricate a no-break-space carrier.
				current = template
				current.Col = col
				current.Replacement.Contents = []rune{0xa0}
				current.Replacement.Width = 1
				col++
				dirty = true
			}
			current.Replacement.Contents = append(current.Replacement.Contents, ch)
		}
	}

	if dirty {
		elements = append(elements, current)
	}
	return elements
}

// Apply paints the bar across row 0 of fb and draws the message cells.
// With no elements to draw, fb is untouched.
func (n *NotificationEngine) Apply(fb *sterm.Framebuffer) {
	if len(n.elements) == 0 {
		return
	}

	bar := sterm.Cell{
		Contents: []rune{0x20},
		Renditions: sterm.Renditions{
			ForegroundColor: 37,
			BackgroundColor: 44,
		},
		Width: 1,
	}
	for col := 0; col < fb.Width(); col++ {
		fb.Set(0, col, bar)
	}

	if fb.CursorRow() == 0 {
		fb.CursorVisible = false
	}

	for i := range n.elements {
		n.elements[i].Apply(fb)
	}
}

// minExpiration returns the earliest element expiration, or false.
func (n *NotificationEngine) minExpiration() (int64, bool) {
	if len(n.elements) == 0 {
		return 0, false
	}
	m := n.elements[0].ExpirationTime
	for _, el := range n.elements[1:] {
		if el.ExpirationTime < m {
			m = el.ExpirationTime
		}
	}
	return m, true
}
