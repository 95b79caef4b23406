package sstate

import (
	"fmt"

	"github.com/multiformats/go-varint"
)

// UserInput is the input-side transport state:
// an append-only sequence of keystroke chunks.
//
// Only the unacknowledged tail is held in memory.
// Count tracks every chunk appended since the session began,
// and [UserInput.Subtract] drops chunks the peer has acknowledged.
//
// UserInput is an immutable value; mutators return a new value.
type UserInput struct {
	// Chunks appended since the session began.
	count uint64

	// The most recent chunks, those not yet covered by a Subtract.
	// Element i holds chunk number count - len(tail) + i.
	tail [][]byte
}

// Push returns u with one keystroke chunk appended.
func (u UserInput) Push(b []byte) UserInput {
	chunk := make([]byte, len(b))
	copy(chunk, b)

	tail := make([][]byte, len(u.tail), len(u.tail)+1)
	copy(tail, u.tail)

	return UserInput{
		count: u.count + 1,
		tail:  append(tail, chunk),
	}
}

// Count returns the number of chunks appended since the session began.
func (u UserInput) Count() uint64 { return u.count }

// Chunks returns the retained (unacknowledged) chunks, oldest first.
// The caller must not modify the returned slices.
func (u UserInput) Chunks() [][]byte { return u.tail }

// Bytes serializes the retained window: the base chunk number,
// the chunk count, then each chunk length-prefixed.
func (u UserInput) Bytes() []byte {
	return encodeChunkRun(u.count-uint64(len(u.tail)), u.tail)
}

// DiffFrom returns the chunks present in u but not in prior.
//
// prior must be an ancestor of u whose chunks have not been
// discarded by Subtract; the transport guarantees this by only
// diffing against states at or above its acknowledgement anchor.
func (u UserInput) DiffFrom(prior UserInput) []byte {
	n := u.count - prior.count
	if n > uint64(len(u.tail)) {
		panic(fmt.Sprintf(
			"user input diff needs %d chunks but only %d retained", n, len(u.tail),
		))
	}
	return encodeChunkRun(prior.count, u.tail[uint64(len(u.tail))-n:])
}

// ApplyDiff appends the chunks in diff that u does not already hold.
func (u UserInput) ApplyDiff(diff []byte) (UserInput, error) {
	base, chunks, err := decodeChunkRun(diff)
	if err != nil {
		return UserInput{}, err
	}

	if base > u.count {
		return UserInput{}, fmt.Errorf(
			"user input diff starts at chunk %d but state has only %d", base, u.count,
		)
	}

	out := u
	for i, chunk := range chunks {
		num := base + uint64(i)
		if num < u.count {
			// Already held.
			continue
		}
		out = out.Push(chunk)
	}
	return out, nil
}

// Subtract discards the chunks covered by prior,
// which the peer has promised never to need again.
func (u UserInput) Subtract(prior UserInput) UserInput {
	retained := u.count - prior.count
	if retained >= uint64(len(u.tail)) {
		return u
	}
	return UserInput{
		count: u.count,
		tail:  u.tail[uint64(len(u.tail))-retained:],
	}
}

// Equal reports whether the two states cover the same chunk sequence.
// Two values with equal counts hold identical chunks by construction.
func (u UserInput) Equal(o UserInput) bool {
	return u.count == o.count
}

func encodeChunkRun(base uint64, chunks [][]byte) []byte {
	sz := varint.UvarintSize(base) + varint.UvarintSize(uint64(len(chunks)))
	for _, c := range chunks {
		sz += varint.UvarintSize(uint64(len(c))) + len(c)
	}

	b := make([]byte, 0, sz)
	b = append(b, varint.ToUvarint(base)...)
	b = append(b, varint.ToUvarint(uint64(len(chunks)))...)
	for _, c := range chunks {
		b = append(b, varint.ToUvarint(uint64(len(c)))...)
		b = append(b, c...)
	}
	return b
}

func decodeChunkRun(b []byte) (base uint64, chunks [][]byte, err error) {
	base, n, err := varint.FromUvarint(b)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read chunk run base: %w", err)
	}
	b = b[n:]

	count, n, err := varint.FromUvarint(b)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read chunk run count: %w", err)
	}
	b = b[n:]

	chunks = make([][]byte, 0, min(count, 64))
	for i := uint64(0); i < count; i++ {
		sz, n, err := varint.FromUvarint(b)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to read chunk %d length: %w", i, err)
		}
		b = b[n:]

		if uint64(len(b)) < sz {
			return 0, nil, fmt.Errorf(
				"chunk %d truncated: need %d bytes, have %d", i, sz, len(b),
			)
		}
		chunk := make([]byte, sz)
		copy(chunk, b[:sz])
		chunks = append(chunks, chunk)
		b = b[sz:]
	}
	return base, chunks, nil
}
