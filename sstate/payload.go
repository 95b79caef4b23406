// Package sstate defines the capability set the transport requires
// of the user-defined state types it synchronizes,
// plus concrete implementations of it.
//
// The transport never inspects a state's internals:
// it only serializes states, asks them to diff against prior values,
// and applies those diffs on the far side.
package sstate

// Payload is the state-protocol constraint for types
// synchronized by the transport.
//
// The type parameter is the implementing type itself,
// e.g. `type UserInput struct{ ... }` satisfies Payload[UserInput].
type Payload[T any] interface {
	// Bytes serializes the full state.
	Bytes() []byte

	// DiffFrom returns an opaque byte string representing
	// the change from prior to the receiver.
	// Only the same concrete type can interpret it.
	DiffFrom(prior T) []byte

	// ApplyDiff applies a diff produced by DiffFrom
	// and returns the resulting state.
	ApplyDiff(diff []byte) (T, error)

	// Subtract returns the receiver with any bookkeeping
	// covered by prior discarded.
	// The transport calls this as acknowledgements arrive,
	// so states that accumulate history can shed the acknowledged prefix.
	// Implementations with no history to shed return the receiver unchanged.
	Subtract(prior T) T

	// Equal reports value equality.
	Equal(T) bool
}

// Timestamped pairs a state with the sequence number its producer
// assigned and the local wall-clock milliseconds at creation or receipt.
//
// Timestamped values are ordered by Num.
type Timestamped[T any] struct {
	Num       uint64
	Timestamp int64
	State     T
}
