package sfrag

import (
	"bytes"
	"fmt"
	"io"

	"github.com/bits-and-blooms/bitset"
	"github.com/klauspost/compress/zlib"

	"github.com/stm-dev/stm/swire"
)

// Assembly reassembles fragments into instructions.
//
// Fragments may arrive in any order.
// A fragment bearing a newer id than the transmission in progress
// abandons that transmission and starts over;
// a fragment bearing an older id is discarded.
//
// Methods on Assembly are not safe for concurrent use.
type Assembly struct {
	id      uint64
	started bool

	payloads [][]byte
	have     *bitset.BitSet

	// Index of the final fragment, or -1 while unknown.
	finalIndex int

	compressed bool
}

// NewAssembly returns an empty Assembly.
func NewAssembly() *Assembly {
	return &Assembly{
		have:       bitset.New(8),
		finalIndex: -1,
	}
}

// Add accepts one fragment.
//
// When the fragment completes a transmission,
// Add returns the decoded instruction and true.
// Otherwise the instruction is zero and the bool is false,
// which includes the silent-drop cases of stale and duplicate fragments.
//
// A decoding failure abandons the transmission in progress;
// the peer's retransmission will carry a fresh id.
func (a *Assembly) Add(f Fragment) (swire.Instruction, bool, error) {
	if a.started {
		if f.ID < a.id {
			// Stale transmission.
			return swire.Instruction{}, false, nil
		}
		if f.ID > a.id {
			a.reset(f.ID)
		}
	} else {
		a.reset(f.ID)
	}

	idx := uint(f.Index)
	if a.have.Test(idx) {
		// Duplicate fragment.
		return swire.Instruction{}, false, nil
	}

	for uint(len(a.payloads)) <= idx {
		a.payloads = append(a.payloads, nil)
	}
	p := make([]byte, len(f.Payload))
	copy(p, f.Payload)
	a.payloads[idx] = p
	a.have.Set(idx)

	if f.Final {
		a.finalIndex = int(f.Index)
	}
	a.compressed = a.compressed || f.Compressed

	if a.finalIndex < 0 {
		return swire.Instruction{}, false, nil
	}

	// Complete only once indices 0..finalIndex are all present.
	for i := uint(0); i <= uint(a.finalIndex); i++ {
		if !a.have.Test(i) {
			return swire.Instruction{}, false, nil
		}
	}

	payload := bytes.Join(a.payloads[:a.finalIndex+1], nil)
	compressed := a.compressed

	// The transmission is consumed regardless of whether decoding succeeds.
	// Late duplicates of the same id can reassemble it again;
	// the receiver drops the repeat by sequence number.
	a.reset(a.id)

	if compressed {
		r, err := zlib.NewReader(bytes.NewReader(payload))
		if err != nil {
			return swire.Instruction{}, false, fmt.Errorf(
				"failed to decompress instruction: %w", err,
			)
		}
		payload, err = io.ReadAll(r)
		if err != nil {
			return swire.Instruction{}, false, fmt.Errorf(
				"failed to decompress instruction: %w", err,
			)
		}
	}

	inst, err := swire.DecodeInstruction(payload)
	if err != nil {
		return swire.Instruction{}, false, fmt.Errorf(
			"failed to decode reassembled instruction: %w", err,
		)
	}
	return inst, true, nil
}

func (a *Assembly) reset(id uint64) {
	a.id = id
	a.started = true
	a.payloads = a.payloads[:0]
	a.have.ClearAll()
	a.finalIndex = -1
	a.compressed = false
}
