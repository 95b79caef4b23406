package stm

import (
	"errors"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/stm-dev/stm/sconn"
	"github.com/stm-dev/stm/sfrag"
	"github.com/stm-dev/stm/sstate"
	"github.com/stm-dev/stm/swire"
)

// Config carries the optional knobs for constructing a [Transport].
// The zero value is ready to use.
type Config struct {
	// Clock used for pacing, retransmission, and receipt timestamps.
	// Nil means the system clock.
	Clock clock.Clock

	// Maximum payload bytes per datagram.
	// Zero means [sconn.DefaultMTU].
	MTU int
}

// Transport synchronizes a pair of opaque states over an encrypted
// datagram channel: the local state of type S flows to the peer,
// and the peer's state of type R flows back.
//
// Methods on Transport are not safe for concurrent use;
// the host event loop serializes all access.
type Transport[S sstate.Payload[S], R sstate.Payload[R]] struct {
	log *slog.Logger

	conn *sconn.Connection
	clk  clock.Clock

	snd *sender[S]

	// Invariant: non-empty; the last entry is the most recent
	// fully received remote state. Older entries are retained
	// only while the peer may still diff against them.
	receivedStates []sstate.Timestamped[R]

	// The remote state as of the last GetRemoteDiff call.
	lastReceiverState R

	asm *sfrag.Assembly

	// Highest acknowledgement number seen on any inbound instruction,
	// including ones dropped as duplicates.
	sentStateLateAcked uint64

	verbose bool
}

// NewServerTransport binds a datagram socket on desiredIP
// and generates a session key. It returns without waiting for the client;
// the peer address is learned from the client's first authenticated datagram.
// The key is available from [*Transport.Key] for delivery to the client
// out of band.
func NewServerTransport[S sstate.Payload[S], R sstate.Payload[R]](
	log *slog.Logger,
	initialState S,
	initialRemote R,
	desiredIP string,
	cfg Config,
) (*Transport[S, R], error) {
	conn, err := sconn.NewServerConnection(log.With("sys", "sconn"), desiredIP)
	if err != nil {
		return nil, err
	}
	return newTransport[S, R](log, conn, initialState, initialRemote, cfg), nil
}

// NewClientTransport connects to a server transport at ip:port
// using the key string the server produced.
func NewClientTransport[S sstate.Payload[S], R sstate.Payload[R]](
	log *slog.Logger,
	initialState S,
	initialRemote R,
	keyStr, ip string,
	port int,
	cfg Config,
) (*Transport[S, R], error) {
	conn, err := sconn.NewClientConnection(log.With("sys", "sconn"), keyStr, ip, port)
	if err != nil {
		return nil, err
	}
	return newTransport[S, R](log, conn, initialState, initialRemote, cfg), nil
}

func newTransport[S sstate.Payload[S], R sstate.Payload[R]](
	log *slog.Logger,
	conn *sconn.Connection,
	initialState S,
	initialRemote R,
	cfg Config,
) *Transport[S, R] {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	if cfg.MTU > 0 {
		conn.SetMTU(cfg.MTU)
	}

	return &Transport[S, R]{
		log: log,

		conn: conn,
		clk:  clk,

		snd: newSender(log.With("sys", "sender"), conn, clk, initialState),

		receivedStates: []sstate.Timestamped[R]{{
			Num:       0,
			Timestamp: clk.Now().UnixMilli(),
			State:     initialRemote,
		}},

		lastReceiverState: initialRemote,

		asm: sfrag.NewAssembly(),
	}
}

// Tick sends a state delta or acknowledgement if one is due.
func (t *Transport[S, R]) Tick() error {
	return t.snd.tick()
}

// WaitTime returns the number of milliseconds until [*Transport.Tick]
// would next have work to do.
func (t *Transport[S, R]) WaitTime() int {
	return t.snd.waitTime()
}

// Recv blocks up to [*Transport.WaitTime] for inbound datagrams
// and processes every datagram ready on the socket.
// Benign losses and protocol drops return nil;
// only a fatal socket error surfaces.
func (t *Transport[S, R]) Recv() error {
	timeout := time.Duration(t.WaitTime()) * time.Millisecond

	payload, err := t.conn.Recv(timeout)
	if errors.Is(err, sconn.ErrNoDatagram) {
		return nil
	}
	if err != nil {
		return err
	}

	for {
		t.processPayload(payload)

		payload, err = t.conn.Recv(0)
		if errors.Is(err, sconn.ErrNoDatagram) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (t *Transport[S, R]) processPayload(b []byte) {
	frag, err := sfrag.DecodeFragment(b)
	if err != nil {
		t.log.Debug("Dropping undecodable fragment", "err", err)
		return
	}

	inst, ok, err := t.asm.Add(frag)
	if err != nil {
		t.log.Debug("Dropping unassemblable instruction", "err", err)
		return
	}
	if !ok {
		return
	}

	t.processInstruction(inst)
}

func (t *Transport[S, R]) processInstruction(inst swire.Instruction) {
	now := t.clk.Now().UnixMilli()

	t.snd.remoteHeard(inst.Timestamp, now)
	if inst.TimestampReply != 0 {
		r := swire.TimestampDiff(swire.Timestamp16(now), inst.TimestampReply)
		t.snd.rttSample(float64(r))
	}

	if inst.AckNum != swire.ShutdownNum && inst.AckNum > t.sentStateLateAcked {
		t.sentStateLateAcked = inst.AckNum
	}
	t.snd.processAcknowledgmentThrough(inst.AckNum)

	if inst.NewNum == swire.ShutdownNum {
		t.snd.peerShutdown()
		return
	}

	t.applyInstruction(inst, now)

	// Acknowledge whatever we hold now, even if this instruction
	// was itself a duplicate: the peer may have missed our earlier ack.
	t.snd.setAckNum(t.latest().Num)
	if len(inst.Diff) > 0 {
		t.snd.scheduleAck(now)
	}

	if t.verbose {
		t.log.Debug(
			"Processed instruction",
			"old", inst.OldNum,
			"new", inst.NewNum,
			"ack", inst.AckNum,
			"remoteStateNum", t.latest().Num,
		)
	}
}

func (t *Transport[S, R]) applyInstruction(inst swire.Instruction, now int64) {
	if inst.NewNum <= t.latest().Num {
		// Duplicate or out-of-order delivery.
		return
	}

	// Locate the state the diff is based on.
	var anchor *sstate.Timestamped[R]
	for i := range t.receivedStates {
		if t.receivedStates[i].Num == inst.OldNum {
			anchor = &t.receivedStates[i]
			break
		}
	}
	if anchor == nil {
		// The diff cannot be applied here; the peer will eventually
		// retransmit against an anchor we do hold.
		t.log.Debug("Dropping instruction with unknown anchor", "oldNum", inst.OldNum)
		return
	}

	newState, err := anchor.State.ApplyDiff(inst.Diff)
	if err != nil {
		t.log.Warn("Failed to apply remote diff", "err", err)
		return
	}

	t.receivedStates = append(t.receivedStates, sstate.Timestamped[R]{
		Num:       inst.NewNum,
		Timestamp: now,
		State:     newState,
	})

	t.processThrowawayUntil(inst.ThrowawayNum)
}

// processThrowawayUntil discards received states the peer has promised
// never to base a diff on again.
func (t *Transport[S, R]) processThrowawayUntil(n uint64) {
	first := 0
	for first < len(t.receivedStates)-1 && t.receivedStates[first].Num < n {
		first++
	}
	if first > 0 {
		t.receivedStates = append(t.receivedStates[:0], t.receivedStates[first:]...)
	}
}

func (t *Transport[S, R]) latest() *sstate.Timestamped[R] {
	return &t.receivedStates[len(t.receivedStates)-1]
}

// GetRemoteDiff returns the delta from the remote state as of the
// previous call to the current remote state. Applying it to whatever
// the caller built from the previous call yields the current
// authoritative state.
func (t *Transport[S, R]) GetRemoteDiff() []byte {
	latest := t.latest()
	diff := latest.State.DiffFrom(t.lastReceiverState)
	t.lastReceiverState = latest.State
	return diff
}

// CurrentState returns the local state most recently set.
func (t *Transport[S, R]) CurrentState() S {
	return t.snd.back().State
}

// SetCurrentState replaces the local state to be synchronized.
// Illegal once shutdown has begun.
func (t *Transport[S, R]) SetCurrentState(s S) {
	t.snd.setCurrentState(s)
}

// StartShutdown begins the in-band shutdown handshake.
func (t *Transport[S, R]) StartShutdown() {
	t.snd.startShutdown()
}

// ShutdownInProgress reports whether a local shutdown has started.
func (t *Transport[S, R]) ShutdownInProgress() bool {
	switch t.snd.shutdown {
	case shutdownSending, shutdownAcked, shutdownTimedOut:
		return true
	}
	return false
}

// ShutdownAcknowledged reports whether the peer has acknowledged
// our shutdown.
func (t *Transport[S, R]) ShutdownAcknowledged() bool {
	return t.snd.shutdown == shutdownAcked
}

// ShutdownAckTimedOut reports whether our shutdown went unacknowledged
// for the full shutdown timeout.
func (t *Transport[S, R]) ShutdownAckTimedOut() bool {
	return t.snd.shutdown == shutdownTimedOut
}

// CounterpartyShutdownAckSent reports whether the peer requested
// shutdown and we have acknowledged it.
func (t *Transport[S, R]) CounterpartyShutdownAckSent() bool {
	return t.snd.shutdown == counterpartyShutdownAcked
}

// Attached reports whether the peer's address is known.
func (t *Transport[S, R]) Attached() bool {
	return t.conn.Attached()
}

// Port returns the local UDP port.
func (t *Transport[S, R]) Port() int {
	return t.conn.Port()
}

// Key returns the session key string for out-of-band delivery
// to the client.
func (t *Transport[S, R]) Key() string {
	return t.conn.Key()
}

// Fd returns the socket's file descriptor for external event loops.
func (t *Transport[S, R]) Fd() (int, error) {
	return t.conn.Fd()
}

// Close releases the underlying socket.
func (t *Transport[S, R]) Close() error {
	return t.conn.Close()
}

// RemoteStateNum returns the sequence number of the most recent
// fully received remote state.
func (t *Transport[S, R]) RemoteStateNum() uint64 {
	return t.latest().Num
}

// LatestRemoteState returns the most recent fully received remote state.
func (t *Transport[S, R]) LatestRemoteState() sstate.Timestamped[R] {
	return *t.latest()
}

// SentStateAcked returns the sequence number of the newest local state
// the peer has acknowledged.
func (t *Transport[S, R]) SentStateAcked() uint64 {
	return t.snd.anchor().Num
}

// SentStateLast returns the sequence number of the current local state.
func (t *Transport[S, R]) SentStateLast() uint64 {
	return t.snd.back().Num
}

// SentStateLateAcked returns the highest acknowledgement number
// observed on any inbound instruction.
func (t *Transport[S, R]) SentStateLateAcked() uint64 {
	return t.sentStateLateAcked
}

// SendInterval returns the current pacing interval in milliseconds.
func (t *Transport[S, R]) SendInterval() int {
	return int(t.snd.sendInterval())
}

// SetSendDelay overrides the collation delay floor, in milliseconds.
func (t *Transport[S, R]) SetSendDelay(ms int) {
	t.snd.sendMinDelay = int64(ms)
}

// SetVerbose enables per-instruction debug logging.
func (t *Transport[S, R]) SetVerbose() {
	t.verbose = true
	t.snd.verbose = true
}
