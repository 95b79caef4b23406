package sfrag_test

import (
	"bytes"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stm-dev/stm/internal/stest"
	"github.com/stm-dev/stm/sfrag"
	"github.com/stm-dev/stm/swire"
)

func fragmentsForTest(t *testing.T, f *sfrag.Fragmenter, inst swire.Instruction) []sfrag.Fragment {
	t.Helper()

	frags, err := f.Fragment(inst, 500)
	require.NoError(t, err)
	return frags
}

func TestAssembly_inOrder(t *testing.T) {
	t.Parallel()

	f := sfrag.NewFragmenter()
	a := sfrag.NewAssembly()

	inst := swire.Instruction{OldNum: 1, NewNum: 2, Diff: stest.RandomDataForTest(t, 1800)}

	frags := fragmentsForTest(t, f, inst)
	require.Greater(t, len(frags), 1)

	for i, fr := range frags {
		got, ok, err := a.Add(fr)
		require.NoError(t, err)

		if i < len(frags)-1 {
			require.False(t, ok)
			continue
		}
		require.True(t, ok)
		require.Equal(t, inst, got)
	}
}

func TestAssembly_anyOrder(t *testing.T) {
	t.Parallel()

	f := sfrag.NewFragmenter()
	a := sfrag.NewAssembly()

	inst := swire.Instruction{NewNum: 9, Diff: stest.RandomDataForTest(t, 3000)}

	frags := fragmentsForTest(t, f, inst)
	require.Greater(t, len(frags), 2)

	seed := [32]byte{}
	copy(seed[:], t.Name())
	rand.New(rand.NewChaCha8(seed)).Shuffle(len(frags), func(i, j int) {
		frags[i], frags[j] = frags[j], frags[i]
	})

	var (
		got      swire.Instruction
		complete bool
	)
	for _, fr := range frags {
		var err error
		got, complete, err = a.Add(fr)
		require.NoError(t, err)
		if complete {
			break
		}
	}
	require.True(t, complete)
	require.Equal(t, inst, got)
}

func TestAssembly_compressedRoundTrip(t *testing.T) {
	t.Parallel()

	f := sfrag.NewFragmenter()
	a := sfrag.NewAssembly()

	inst := swire.Instruction{NewNum: 3, Diff: bytes.Repeat([]byte("overlay"), 2000)}

	frags := fragmentsForTest(t, f, inst)
	require.True(t, frags[0].Compressed)

	var (
		got      swire.Instruction
		complete bool
	)
	for _, fr := range frags {
		var err error
		got, complete, err = a.Add(fr)
		require.NoError(t, err)
	}
	require.True(t, complete)
	require.Equal(t, inst, got)
}

func TestAssembly_newerIDAbandonsInProgress(t *testing.T) {
	t.Parallel()

	f := sfrag.NewFragmenter()
	a := sfrag.NewAssembly()

	old := fragmentsForTest(t, f, swire.Instruction{NewNum: 1, Diff: stest.RandomDataForTest(t, 1500)})
	require.Greater(t, len(old), 1)

	// A partial delivery of the first transmission...
	_, ok, err := a.Add(old[0])
	require.NoError(t, err)
	require.False(t, ok)

	// ...is abandoned once any fragment of a newer one arrives.
	replacement := swire.Instruction{NewNum: 2, Diff: []byte("small")}
	frags := fragmentsForTest(t, f, replacement)

	got, ok, err := a.Add(frags[0])
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, replacement, got)

	// The straggler from the old transmission is now stale.
	_, ok, err = a.Add(old[1])
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAssembly_duplicateFragmentIgnored(t *testing.T) {
	t.Parallel()

	f := sfrag.NewFragmenter()
	a := sfrag.NewAssembly()

	frags := fragmentsForTest(t, f, swire.Instruction{NewNum: 4, Diff: stest.RandomDataForTest(t, 1200)})
	require.Greater(t, len(frags), 1)

	_, ok, err := a.Add(frags[0])
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = a.Add(frags[0])
	require.NoError(t, err)
	require.False(t, ok)

	for _, fr := range frags[1:] {
		var err error
		_, ok, err = a.Add(fr)
		require.NoError(t, err)
	}
	require.True(t, ok)
}
