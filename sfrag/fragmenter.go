package sfrag

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zlib"
	"github.com/multiformats/go-varint"

	"github.com/stm-dev/stm/swire"
)

// Encoded instructions larger than this are zlib-compressed
// before being split into fragments.
const compressionThreshold = 1024

// Fragmenter turns instructions into wire fragments.
//
// Methods on Fragmenter are not safe for concurrent use.
type Fragmenter struct {
	// Next transmission id. Strictly increasing,
	// including across retransmissions of the same instruction,
	// so the peer's assembler never mixes two encodings.
	nextID uint64
}

// NewFragmenter returns a Fragmenter whose ids start at zero.
func NewFragmenter() *Fragmenter {
	return new(Fragmenter)
}

// Fragment encodes inst and splits it into fragments
// whose encoded size does not exceed mtu.
func (f *Fragmenter) Fragment(inst swire.Instruction, mtu int) ([]Fragment, error) {
	payload := inst.Encode()

	compressed := false
	if len(payload) > compressionThreshold {
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return nil, fmt.Errorf("failed to compress instruction: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to compress instruction: %w", err)
		}
		payload = buf.Bytes()
		compressed = true
	}

	id := f.nextID
	f.nextID++

	overhead := varint.UvarintSize(id) + 2
	chunkSz := mtu - overhead
	if chunkSz <= 0 {
		return nil, fmt.Errorf(
			"mtu %d leaves no room for payload after %d header bytes",
			mtu, overhead,
		)
	}

	var frags []Fragment
	for idx := uint16(0); ; idx++ {
		n := min(chunkSz, len(payload))
		frag := Fragment{
			ID:         id,
			Index:      idx,
			Final:      n == len(payload),
			Compressed: compressed,
			Payload:    payload[:n],
		}
		payload = payload[n:]
		frags = append(frags, frag)

		if frag.Final {
			return frags, nil
		}
		if idx == indexMask {
			return nil, FragmentIndexError{Index: idx}
		}
	}
}
