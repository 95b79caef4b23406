// Package swire defines the transport instruction record
// and its fixed binary encoding.
//
// An instruction is the application-layer unit carried by the transport:
// one state delta plus the acknowledgement and timing metadata
// needed to drive retransmission and RTT estimation.
package swire

import (
	"encoding/binary"
	"fmt"
)

// ShutdownNum is the sentinel sequence number signaling connection shutdown.
//
// An instruction whose NewNum is ShutdownNum requests shutdown;
// one whose AckNum is ShutdownNum acknowledges it.
const ShutdownNum = ^uint64(0)

// headerLen is the encoded size of an instruction's fixed fields.
const headerLen = 4*8 + 2*2

// Instruction is one transport message.
//
// OldNum and NewNum identify the states the Diff runs between.
// Timestamp and TimestampReply are 16-bit millisecond clock values
// that wrap; see [TimestampDiff].
type Instruction struct {
	// The state the diff is computed against.
	OldNum uint64

	// The state reached by applying the diff.
	NewNum uint64

	// Highest peer state number the sender of this instruction has received.
	AckNum uint64

	// The sender's diffs will never again be based on states
	// below this number, so the peer may discard its copies of them.
	ThrowawayNum uint64

	// The sender's clock at transmit time.
	Timestamp uint16

	// Echo of the most recent Timestamp heard from the peer,
	// adjusted upward by the time it was held before this reply.
	// Zero means there is nothing to echo.
	TimestampReply uint16

	// The state delta, opaque to the transport.
	Diff []byte
}

// Encode serializes i.
// The four sequence fields and the two timestamps are little-endian,
// followed by the raw diff bytes.
func (i Instruction) Encode() []byte {
	b := make([]byte, headerLen+len(i.Diff))
	binary.LittleEndian.PutUint64(b[0:], i.OldNum)
	binary.LittleEndian.PutUint64(b[8:], i.NewNum)
	binary.LittleEndian.PutUint64(b[16:], i.AckNum)
	binary.LittleEndian.PutUint64(b[24:], i.ThrowawayNum)
	binary.LittleEndian.PutUint16(b[32:], i.Timestamp)
	binary.LittleEndian.PutUint16(b[34:], i.TimestampReply)
	copy(b[headerLen:], i.Diff)
	return b
}

// DecodeInstruction parses an encoded instruction.
// The returned instruction's Diff does not alias b.
func DecodeInstruction(b []byte) (Instruction, error) {
	if len(b) < headerLen {
		return Instruction{}, ShortInstructionError{Len: len(b)}
	}

	i := Instruction{
		OldNum:       binary.LittleEndian.Uint64(b[0:]),
		NewNum:       binary.LittleEndian.Uint64(b[8:]),
		AckNum:       binary.LittleEndian.Uint64(b[16:]),
		ThrowawayNum: binary.LittleEndian.Uint64(b[24:]),

		Timestamp:      binary.LittleEndian.Uint16(b[32:]),
		TimestampReply: binary.LittleEndian.Uint16(b[34:]),
	}
	if len(b) > headerLen {
		i.Diff = make([]byte, len(b)-headerLen)
		copy(i.Diff, b[headerLen:])
	}
	return i, nil
}

// ShortInstructionError is returned from [DecodeInstruction]
// when the input is smaller than the fixed instruction header.
type ShortInstructionError struct {
	Len int
}

func (e ShortInstructionError) Error() string {
	return fmt.Sprintf(
		"encoded instruction too short: %d bytes, need at least %d",
		e.Len, headerLen,
	)
}

// Timestamp16 reduces a millisecond clock reading
// to the 16-bit wrapping form carried on the wire.
func Timestamp16(ms int64) uint16 {
	return uint16(ms)
}

// TimestampDiff returns the elapsed milliseconds between two
// 16-bit clock readings, accounting for wraparound.
// The result is only meaningful for intervals under 65536 ms.
func TimestampDiff(now, then uint16) uint16 {
	return now - then
}
