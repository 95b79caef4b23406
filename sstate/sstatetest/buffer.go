// Package sstatetest provides trivial [sstate.Payload] implementations
// for exercising the transport in tests.
package sstatetest

// Buffer is a string-valued state whose diff is a whole-state replacement.
type Buffer struct {
	s string
}

// NewBuffer returns a Buffer holding s.
func NewBuffer(s string) Buffer {
	return Buffer{s: s}
}

func (b Buffer) String() string { return b.s }

func (b Buffer) Bytes() []byte { return []byte(b.s) }

// DiffFrom ignores the prior value: the diff is simply
// the full replacement contents.
func (b Buffer) DiffFrom(prior Buffer) []byte {
	return []byte(b.s)
}

func (b Buffer) ApplyDiff(diff []byte) (Buffer, error) {
	return Buffer{s: string(diff)}, nil
}

// Subtract is a no-op: a Buffer carries no history.
func (b Buffer) Subtract(prior Buffer) Buffer {
	return b
}

func (b Buffer) Equal(o Buffer) bool {
	return b.s == o.s
}
