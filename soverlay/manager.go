package soverlay

import (
	"math"

	"github.com/benbjohnson/clock"

	"github.com/stm-dev/stm/sterm"
)

// Predictions are rendered only once the score exceeds this many
// consecutive confirmations, so cold or erratic connections never flash guesses.
const scoreThreshold = 3

// Manager composes the prediction and notification engines onto a
// framebuffer on each render tick.
//
// Methods on Manager are not safe for concurrent use.
type Manager struct {
	clk clock.Clock

	predictions   *PredictionEngine
	notifications *NotificationEngine
}

// NewManager returns a Manager with fresh engines.
// A nil clk means the system clock.
func NewManager(clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		clk: clk,

		predictions:   NewPredictionEngine(clk),
		notifications: NewNotificationEngine(clk),
	}
}

// Predictions returns the prediction engine.
func (m *Manager) Predictions() *PredictionEngine { return m.predictions }

// Notifications returns the notification engine.
func (m *Manager) Notifications() *NotificationEngine { return m.notifications }

// NewUserByte records one byte of user input against fb.
func (m *Manager) NewUserByte(b byte, fb *sterm.Framebuffer) {
	m.predictions.NewUserByte(b, fb)
}

// SetNotificationString replaces the status-bar message.
func (m *Manager) SetNotificationString(msg string) {
	m.notifications.SetNotificationString(msg)
}

// ServerPing records a successful peer contact at local time t (ms).
func (m *Manager) ServerPing(t int64) {
	m.notifications.ServerPing(t)
}

// Apply scores and culls the predictions against fb, draws them if
// confidence is high enough, then draws the notification bar on top.
//
// fb should be a copy of the authoritative framebuffer;
// Apply mutates it.
func (m *Manager) Apply(fb *sterm.Framebuffer) {
	m.predictions.CalculateScore(fb)

	// Eliminate predictions proven correct or incorrect,
	// and update the echo timers.
	m.predictions.Cull(fb)

	if m.predictions.score > scoreThreshold {
		m.predictions.Apply(fb)
	}

	m.notifications.render()
	m.notifications.Apply(fb)
}

// WaitTime returns milliseconds until the earliest overlay element
// expires, or a large sentinel if nothing is due to expire.
func (m *Manager) WaitTime() int {
	now := m.clk.Now().UnixMilli()

	next := int64(math.MaxInt64)
	for i := range m.predictions.elements {
		if e := m.predictions.elements[i].ExpirationTime; e < next {
			next = e
		}
	}
	if e, ok := m.notifications.minExpiration(); ok && e < next {
		next = e
	}

	if next == math.MaxInt64 || next < now {
		return math.MaxInt32
	}
	return int(next - now)
}
