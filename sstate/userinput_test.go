package sstate_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stm-dev/stm/sstate"
)

func TestUserInput_diffRoundTrip(t *testing.T) {
	t.Parallel()

	var s0 sstate.UserInput
	s1 := s0.Push([]byte("a")).Push([]byte("bc"))

	diff := s1.DiffFrom(s0)

	got, err := s0.ApplyDiff(diff)
	require.NoError(t, err)
	require.True(t, got.Equal(s1))
	require.Equal(t, [][]byte{[]byte("a"), []byte("bc")}, got.Chunks())
}

func TestUserInput_diffAgainstIntermediateState(t *testing.T) {
	t.Parallel()

	var s0 sstate.UserInput
	s1 := s0.Push([]byte("one"))
	s2 := s1.Push([]byte("two")).Push([]byte("three"))

	// The peer already holds s1, so the diff carries only the rest.
	diff := s2.DiffFrom(s1)

	got, err := s1.ApplyDiff(diff)
	require.NoError(t, err)
	require.True(t, got.Equal(s2))
	require.Equal(t, uint64(3), got.Count())
}

func TestUserInput_applyDiffSkipsChunksAlreadyHeld(t *testing.T) {
	t.Parallel()

	var s0 sstate.UserInput
	s1 := s0.Push([]byte("x"))
	s2 := s1.Push([]byte("y"))

	// A retransmitted diff spanning both chunks,
	// applied to a state that already has the first.
	diff := s2.DiffFrom(s0)

	got, err := s1.ApplyDiff(diff)
	require.NoError(t, err)
	require.True(t, got.Equal(s2))
	require.Len(t, got.Chunks(), 2)
}

func TestUserInput_applyDiffRejectsGap(t *testing.T) {
	t.Parallel()

	var s0 sstate.UserInput
	s2 := s0.Push([]byte("x")).Push([]byte("y")).Push([]byte("z"))

	// A diff starting beyond the chunks we hold cannot apply.
	gapDiff := s2.DiffFrom(s0.Push([]byte("x")).Push([]byte("y")))
	_, err := s0.ApplyDiff(gapDiff)
	require.Error(t, err)
}

func TestUserInput_subtractShedsAcknowledgedChunks(t *testing.T) {
	t.Parallel()

	var s0 sstate.UserInput
	s1 := s0.Push([]byte("a"))
	s3 := s1.Push([]byte("b")).Push([]byte("c"))

	shed := s3.Subtract(s1)

	require.True(t, shed.Equal(s3))
	require.Equal(t, [][]byte{[]byte("b"), []byte("c")}, shed.Chunks())

	// Diffs against states at or above the subtracted prefix still work.
	diff := shed.DiffFrom(s1)
	got, err := s1.ApplyDiff(diff)
	require.NoError(t, err)
	require.True(t, got.Equal(s3))
}

func TestUserInput_equalityIsByCount(t *testing.T) {
	t.Parallel()

	var s0 sstate.UserInput
	s1 := s0.Push([]byte("a"))

	require.True(t, s0.Equal(sstate.UserInput{}))
	require.False(t, s0.Equal(s1))
	require.True(t, s1.Equal(s1.Subtract(s1)))
}

func TestUserInput_pushDoesNotMutatePrior(t *testing.T) {
	t.Parallel()

	var s0 sstate.UserInput
	s1 := s0.Push([]byte("a"))
	_ = s1.Push([]byte("b"))
	_ = s1.Push([]byte("c"))

	require.Equal(t, [][]byte{[]byte("a")}, s1.Chunks())
}
