package soverlay

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/stm-dev/stm/sterm"
)

// renderedText reconstructs the bar contents from the engine's elements.
func renderedText(n *NotificationEngine) string {
	var out []rune
	for i := range n.elements {
		out = append(out, n.elements[i].Replacement.Contents...)
	}
	return string(out)
}

func TestNotificationEngine_messageBar(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	n := NewNotificationEngine(mock)

	n.SetNotificationString("hi")
	n.render()

	require.Equal(t, "[stm] hi", renderedText(n))

	fb := sterm.NewFramebuffer(40, 5)
	n.Apply(fb)

	// The message cells are bold white on blue.
	first := fb.At(0, 0)
	require.Equal(t, []rune{'['}, first.Contents)
	require.True(t, first.Renditions.Bold)
	require.Equal(t, 37, first.Renditions.ForegroundColor)
	require.Equal(t, 44, first.Renditions.BackgroundColor)

	// The rest of the row is painted as a bar.
	rest := fb.At(0, 20)
	require.Equal(t, []rune{0x20}, rest.Contents)
	require.Equal(t, 44, rest.Renditions.BackgroundColor)
}

func TestNotificationEngine_messageExpires(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	n := NewNotificationEngine(mock)

	n.SetNotificationString("hi")
	n.render()
	require.NotEmpty(t, n.elements)

	mock.Add(1200 * time.Millisecond)
	n.render()
	require.Empty(t, n.elements)

	fb := sterm.NewFramebuffer(40, 5)
	n.Apply(fb)
	require.Nil(t, fb.At(0, 0).Contents)
}

func TestNotificationEngine_reportsLostContact(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	n := NewNotificationEngine(mock)

	mock.Add(6 * time.Second)
	n.render()

	require.Equal(t,
		"[stm] No contact for 6 seconds. [To quit: Ctrl-^ .]",
		renderedText(n))
}

func TestNotificationEngine_messageAndLostContactCombine(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	n := NewNotificationEngine(mock)

	mock.Add(10 * time.Second)
	n.SetNotificationString("reconnecting")
	n.render()

	require.Equal(t,
		"[stm] reconnecting [To quit: Ctrl-^ .] (No contact for 10 seconds.)",
		renderedText(n))
}

func TestNotificationEngine_renderIsRateLimited(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	n := NewNotificationEngine(mock)

	n.SetNotificationString("hi")
	n.render()
	renderedAt := n.lastRender

	mock.Add(100 * time.Millisecond)
	n.render()
	require.Equal(t, renderedAt, n.lastRender)

	// A forced render ignores the limit.
	n.SetNotificationString("again")
	n.render()
	require.NotEqual(t, renderedAt, n.lastRender)
}

func TestNotificationEngine_pingAfterLongGapForcesRender(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	n := NewNotificationEngine(mock)
	n.render()
	require.False(t, n.needsRender)

	mock.Add(5 * time.Second)
	n.ServerPing(mock.Now().UnixMilli())

	require.True(t, n.needsRender)
	require.Equal(t, mock.Now().UnixMilli(), n.lastWord)
}

func TestNotificationEngine_combiningCharactersJoinCells(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	n := NewNotificationEngine(mock)

	n.SetNotificationString("é!")
	n.render()

	var accented *Element
	for i := range n.elements {
		if n.elements[i].Replacement.Contents[0] == 'e' {
			accented = &n.elements[i]
		}
	}
	require.NotNil(t, accented)
	require.Equal(t, []rune{'e', 0x0301}, accented.Replacement.Contents)
}

func TestNotificationEngine_leadingCombiningCharacterGetsCarrier(t *testing.T) {
	t.Parallel()

	// Only reachable through the cell builder directly,
	// since the bar always prefixes its messages.
	elements := appendTextCells(nil, "́x", 100)

	require.Len(t, elements, 2)
	require.Equal(t, []rune{0xa0, 0x0301}, elements[0].Replacement.Contents)
	require.Equal(t, []rune{'x'}, elements[1].Replacement.Contents)
	require.Equal(t, 1, elements[1].Col)
}

func TestNotificationEngine_wideCharactersAdvanceTwoColumns(t *testing.T) {
	t.Parallel()

	elements := appendTextCells(nil, "漢x", 100)

	require.Len(t, elements, 2)
	require.Equal(t, 2, elements[0].Replacement.Width)
	require.Equal(t, 0, elements[0].Col)
	require.Equal(t, 2, elements[1].Col)
}

func TestNotificationEngine_barHidesCursorOnTopRow(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	n := NewNotificationEngine(mock)

	n.SetNotificationString("hi")
	n.render()

	fb := sterm.NewFramebuffer(40, 5)
	fb.MoveCursor(0, 3)
	n.Apply(fb)
	require.False(t, fb.CursorVisible)

	fb2 := sterm.NewFramebuffer(40, 5)
	fb2.MoveCursor(2, 3)
	n.Apply(fb2)
	require.True(t, fb2.CursorVisible)
}
