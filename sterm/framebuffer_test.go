package sterm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stm-dev/stm/sterm"
)

func TestFramebuffer_setAndGet(t *testing.T) {
	t.Parallel()

	fb := sterm.NewFramebuffer(10, 4)

	c := sterm.Cell{Contents: []rune{'x'}, Width: 1}
	fb.Set(2, 3, c)
	require.True(t, fb.At(2, 3).Equal(c))

	// Out-of-bounds access is harmless.
	fb.Set(50, 50, c)
	require.Equal(t, sterm.Cell{}, fb.At(50, 50))
}

func TestFramebuffer_cursorClamped(t *testing.T) {
	t.Parallel()

	fb := sterm.NewFramebuffer(10, 4)

	fb.MoveCursor(100, -5)
	require.Equal(t, 3, fb.CursorRow())
	require.Equal(t, 0, fb.CursorCol())
}

func TestFramebuffer_cloneIsIndependent(t *testing.T) {
	t.Parallel()

	fb := sterm.NewFramebuffer(10, 4)
	fb.Set(1, 1, sterm.Cell{Contents: []rune{'a'}, Width: 1})

	cp := fb.Clone()
	cp.Set(1, 1, sterm.Cell{Contents: []rune{'b'}, Width: 1})
	cp.MoveCursor(2, 2)

	require.Equal(t, []rune{'a'}, fb.At(1, 1).Contents)
	require.Equal(t, 0, fb.CursorRow())
}

func TestCell_equal(t *testing.T) {
	t.Parallel()

	a := sterm.Cell{Contents: []rune{'x'}, Width: 1}
	require.True(t, a.Equal(a.Clone()))

	b := a.Clone()
	b.Renditions.Bold = true
	require.False(t, a.Equal(b))

	c := a.Clone()
	c.Contents = []rune{'x', 0x0301}
	require.False(t, a.Equal(c))
}
