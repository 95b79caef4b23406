package swire_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stm-dev/stm/internal/stest"
	"github.com/stm-dev/stm/swire"
)

func TestInstruction_roundTrip(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		inst swire.Instruction
	}{
		{
			name: "zero value",
			inst: swire.Instruction{},
		},
		{
			name: "typical delta",
			inst: swire.Instruction{
				OldNum:       3,
				NewNum:       7,
				AckNum:       12,
				ThrowawayNum: 2,

				Timestamp:      4811,
				TimestampReply: 1204,

				Diff: []byte("one-character insert"),
			},
		},
		{
			name: "shutdown request",
			inst: swire.Instruction{
				OldNum: 9,
				NewNum: swire.ShutdownNum,
				AckNum: 4,

				Timestamp: 65535,
			},
		},
		{
			name: "shutdown acknowledgement",
			inst: swire.Instruction{
				OldNum: 9,
				NewNum: 9,
				AckNum: swire.ShutdownNum,
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := swire.DecodeInstruction(tc.inst.Encode())
			require.NoError(t, err)
			require.Equal(t, tc.inst, got)
		})
	}
}

func TestInstruction_roundTripLargeDiff(t *testing.T) {
	t.Parallel()

	inst := swire.Instruction{
		OldNum: 1,
		NewNum: 2,

		Diff: stest.RandomDataForTest(t, 64*1024),
	}

	got, err := swire.DecodeInstruction(inst.Encode())
	require.NoError(t, err)
	require.Equal(t, inst, got)
}

func TestDecodeInstruction_short(t *testing.T) {
	t.Parallel()

	_, err := swire.DecodeInstruction(make([]byte, 35))
	require.ErrorAs(t, err, new(swire.ShortInstructionError))
}

func TestDecodeInstruction_diffDoesNotAliasInput(t *testing.T) {
	t.Parallel()

	b := swire.Instruction{Diff: []byte("abc")}.Encode()
	got, err := swire.DecodeInstruction(b)
	require.NoError(t, err)

	b[len(b)-1] = 'z'
	require.Equal(t, []byte("abc"), got.Diff)
}

func TestTimestampDiff_wraparound(t *testing.T) {
	t.Parallel()

	require.Equal(t, uint16(5), swire.TimestampDiff(105, 100))

	// A reading taken just after the 16-bit clock wrapped
	// still measures correctly against one taken just before.
	require.Equal(t, uint16(10), swire.TimestampDiff(4, 65530))
}
