// Package sfrag splits encoded instructions into MTU-sized fragments
// and reassembles them on the receiving side.
//
// Fragments of one transmission share an id.
// The id increases with every transmission,
// which lets the assembler abandon a partially received transmission
// as soon as a newer one appears;
// the delta chain recovers through normal retransmission.
package sfrag

import (
	"encoding/binary"
	"fmt"

	"github.com/multiformats/go-varint"
)

const (
	finalBit      = 0x8000
	compressedBit = 0x4000
	indexMask     = 0x3fff
)

// Fragment is one piece of an encoded instruction.
type Fragment struct {
	// Transmission identifier shared by all fragments of one instruction.
	ID uint64

	// Zero-based position of this fragment within the transmission.
	Index uint16

	// Whether this is the last fragment of the transmission.
	Final bool

	// Whether the reassembled payload is zlib-compressed.
	Compressed bool

	Payload []byte
}

// Encode serializes f for the wire:
// a uvarint id, then a big-endian uint16 whose top two bits
// carry the final and compressed flags and whose low bits are the index,
// then the payload.
func (f Fragment) Encode() ([]byte, error) {
	if f.Index > indexMask {
		return nil, FragmentIndexError{Index: f.Index}
	}

	b := make([]byte, varint.UvarintSize(f.ID)+2+len(f.Payload))
	n := varint.PutUvarint(b, f.ID)

	flags := f.Index
	if f.Final {
		flags |= finalBit
	}
	if f.Compressed {
		flags |= compressedBit
	}
	binary.BigEndian.PutUint16(b[n:], flags)

	copy(b[n+2:], f.Payload)
	return b, nil
}

// DecodeFragment parses a received fragment.
// The returned fragment's payload aliases b.
func DecodeFragment(b []byte) (Fragment, error) {
	id, n, err := varint.FromUvarint(b)
	if err != nil {
		return Fragment{}, fmt.Errorf("failed to read fragment id: %w", err)
	}
	if len(b) < n+2 {
		return Fragment{}, ShortFragmentError{Len: len(b)}
	}

	flags := binary.BigEndian.Uint16(b[n:])

	return Fragment{
		ID:         id,
		Index:      flags & indexMask,
		Final:      flags&finalBit != 0,
		Compressed: flags&compressedBit != 0,
		Payload:    b[n+2:],
	}, nil
}

// FragmentIndexError is returned when a fragment index
// does not fit in the header's index field.
type FragmentIndexError struct {
	Index uint16
}

func (e FragmentIndexError) Error() string {
	return fmt.Sprintf(
		"fragment index %d exceeds maximum of %d", e.Index, indexMask,
	)
}

// ShortFragmentError is returned from [DecodeFragment]
// when the input ends inside the fragment header.
type ShortFragmentError struct {
	Len int
}

func (e ShortFragmentError) Error() string {
	return fmt.Sprintf("encoded fragment too short: %d bytes", e.Len)
}
