package stm

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/benbjohnson/clock"

	"github.com/stm-dev/stm/sconn"
	"github.com/stm-dev/stm/sfrag"
	"github.com/stm-dev/stm/sstate"
	"github.com/stm-dev/stm/swire"
)

// Pacing and retransmission constants, in milliseconds.
const (
	sendIntervalMin = 20
	sendIntervalMax = 250

	// Deadline for emitting a coalesced acknowledgement once one is owed.
	ackInterval = 100

	// Collation delay between a state change and its first transmission,
	// so a burst of rapid changes rides in one instruction.
	defaultSendMinDelay = 8

	rtoMin = 50
	rtoMax = 1000

	// How long to keep emitting shutdown instructions
	// before giving up on the peer's acknowledgement.
	shutdownTimeout = 5000

	// Plausibility ceiling for RTT samples from timestamp echoes.
	rttSampleMax = 5000

	// WaitTime result when nothing is scheduled.
	idleWait = math.MaxInt32
)

type shutdownState int

const (
	// Normal operation.
	shutdownNone shutdownState = iota

	// Local shutdown requested; emitting sentinel instructions
	// until the peer acknowledges.
	shutdownSending

	// The peer acknowledged our shutdown. Terminal.
	shutdownAcked

	// The peer requested shutdown; one acknowledgement owed.
	counterpartyShutdown

	// Acknowledgement of the peer's shutdown sent. Terminal.
	counterpartyShutdownAcked

	// The peer never acknowledged our shutdown. Terminal.
	shutdownTimedOut
)

// sender owns the outbound half of a transport:
// the sent-state history, pacing, retransmission,
// acknowledgement emission, and the shutdown state machine.
type sender[S sstate.Payload[S]] struct {
	log *slog.Logger

	conn *sconn.Connection
	clk  clock.Clock

	frag *sfrag.Fragmenter

	// Invariant: non-empty. The first entry is the anchor —
	// the newest state the peer has acknowledged, and the base
	// for every outgoing diff. The last entry is the current local state.
	sentStates []sstate.Timestamped[S]

	// Num of the newest state actually transmitted.
	lastSentNum uint64

	// Clock milliseconds of the last outbound instruction,
	// or -1 if nothing has been sent yet.
	lastSendTime int64

	// Acknowledgement owed to the peer, and its emission deadline.
	pendingAck bool
	ackDue     int64

	// Highest remote state number received, carried on every instruction.
	ackNum uint64

	// Timestamp echo bookkeeping: the peer's most recent clock reading
	// and when it arrived. Zero savedTimestampAt means nothing to echo.
	savedTimestamp   uint16
	savedTimestampAt int64

	// Smoothed RTT estimate fed by instruction timestamp echoes.
	srtt, rttvar float64
	rttHit       bool

	sendMinDelay int64

	shutdown      shutdownState
	shutdownStart int64

	verbose bool
}

func newSender[S sstate.Payload[S]](
	log *slog.Logger,
	conn *sconn.Connection,
	clk clock.Clock,
	initial S,
) *sender[S] {
	return &sender[S]{
		log: log,

		conn: conn,
		clk:  clk,

		frag: sfrag.NewFragmenter(),

		sentStates: []sstate.Timestamped[S]{{
			Num:       0,
			Timestamp: clk.Now().UnixMilli(),
			State:     initial,
		}},

		lastSendTime: -1,

		// Conservative seed until the first echo arrives.
		srtt:   1000,
		rttvar: 500,

		sendMinDelay: defaultSendMinDelay,
	}
}

func (s *sender[S]) now() int64 {
	return s.clk.Now().UnixMilli()
}

func (s *sender[S]) anchor() *sstate.Timestamped[S] {
	return &s.sentStates[0]
}

func (s *sender[S]) back() *sstate.Timestamped[S] {
	return &s.sentStates[len(s.sentStates)-1]
}

// sendInterval is the minimum spacing between outbound instructions:
// half the smoothed RTT, floored by the configured send delay,
// and bounded to keep the connection responsive without flooding.
func (s *sender[S]) sendInterval() int64 {
	lo := int64(sendIntervalMin)
	if s.sendMinDelay > lo {
		lo = s.sendMinDelay
	}
	hi := int64(sendIntervalMax)
	if lo > hi {
		hi = lo
	}

	i := int64(math.Ceil(s.srtt / 2))
	if i < lo {
		i = lo
	}
	if i > hi {
		i = hi
	}
	return i
}

func (s *sender[S]) rto() int64 {
	rto := int64(math.Ceil(s.srtt + 4*s.rttvar))
	if rto < rtoMin {
		rto = rtoMin
	}
	if rto > rtoMax {
		rto = rtoMax
	}
	return rto
}

// rttSample feeds one round-trip measurement into the estimator.
func (s *sender[S]) rttSample(r float64) {
	if r >= rttSampleMax {
		// A stale or corrupt echo; an honest sample can't be this old.
		return
	}

	if !s.rttHit {
		s.srtt = r
		s.rttvar = r / 2
		s.rttHit = true
		return
	}

	const alpha = 1.0 / 8.0
	const beta = 1.0 / 4.0
	s.rttvar = (1-beta)*s.rttvar + beta*math.Abs(s.srtt-r)
	s.srtt = (1-alpha)*s.srtt + alpha*r
}

// remoteHeard records the peer's clock reading for later echo.
func (s *sender[S]) remoteHeard(ts uint16, now int64) {
	s.savedTimestamp = ts
	s.savedTimestampAt = now
}

// timestampReply produces the echo value for an outbound instruction:
// the saved peer timestamp advanced by its sojourn here,
// so the peer's RTT measurement excludes our hold time.
// Each saved timestamp is echoed at most once.
func (s *sender[S]) timestampReply(now int64) uint16 {
	if s.savedTimestampAt == 0 || now-s.savedTimestampAt >= 1000 {
		return 0
	}
	reply := s.savedTimestamp + uint16(now-s.savedTimestampAt)
	s.savedTimestampAt = 0
	return reply
}

func (s *sender[S]) setAckNum(n uint64) {
	s.ackNum = n
}

// scheduleAck arms the coalesced-acknowledgement deadline.
func (s *sender[S]) scheduleAck(now int64) {
	if !s.pendingAck {
		s.pendingAck = true
		s.ackDue = now + ackInterval
	}
}

// setCurrentState records a new local state.
// A state equal to the current one refreshes nothing;
// a changed state gets the next sequence number.
// Forbidden once shutdown has begun.
func (s *sender[S]) setCurrentState(st S) {
	if s.shutdown != shutdownNone {
		s.log.Warn("Ignoring state change after shutdown started")
		return
	}

	now := s.now()
	back := s.back()

	if st.Equal(back.State) {
		back.State = st
		return
	}

	if len(s.sentStates) > 1 && back.Num > s.lastSentNum {
		// The newest entry was never transmitted,
		// so it can absorb this change instead of growing the history.
		back.Num++
		back.Timestamp = now
		back.State = st
		return
	}

	s.sentStates = append(s.sentStates, sstate.Timestamped[S]{
		Num:       back.Num + 1,
		Timestamp: now,
		State:     st,
	})
}

// processAcknowledgmentThrough advances the anchor to ack
// and discards history the peer will never again be diffed against.
func (s *sender[S]) processAcknowledgmentThrough(ack uint64) {
	if ack == swire.ShutdownNum {
		if s.shutdown == shutdownSending {
			s.shutdown = shutdownAcked
		}
		return
	}

	// Ignore an ack for a state we no longer (or never) retain.
	found := false
	for i := range s.sentStates {
		if s.sentStates[i].Num == ack {
			found = true
			break
		}
	}
	if !found {
		return
	}

	first := 0
	for first < len(s.sentStates)-1 && s.sentStates[first].Num < ack {
		first++
	}
	if first == 0 {
		return
	}
	s.sentStates = append(s.sentStates[:0], s.sentStates[first:]...)

	// Shed acknowledged bookkeeping from every retained state.
	anchorState := s.sentStates[0].State
	for i := range s.sentStates {
		s.sentStates[i].State = s.sentStates[i].State.Subtract(anchorState)
	}
}

// peerShutdown reacts to the peer's shutdown sentinel.
func (s *sender[S]) peerShutdown() {
	if s.shutdown == shutdownNone {
		s.shutdown = counterpartyShutdown
	}
}

// startShutdown arms the shutdown state machine.
func (s *sender[S]) startShutdown() {
	if s.shutdown != shutdownNone {
		return
	}
	s.shutdown = shutdownSending
	s.shutdownStart = s.now()
}

// tick sends a state delta, a retransmission, an acknowledgement,
// or a shutdown instruction if one is due. Otherwise it returns
// without sending.
func (s *sender[S]) tick() error {
	now := s.now()

	switch s.shutdown {
	case shutdownAcked, counterpartyShutdownAcked, shutdownTimedOut:
		return nil

	case counterpartyShutdown:
		// Exactly one acknowledgement of the peer's shutdown.
		if err := s.sendInstruction(now, s.lastSentNum, nil); err != nil {
			return err
		}
		s.shutdown = counterpartyShutdownAcked
		return nil

	case shutdownSending:
		if now-s.shutdownStart >= shutdownTimeout {
			s.shutdown = shutdownTimedOut
			s.log.Warn("Shutdown never acknowledged by peer")
			return nil
		}
		if s.lastSendTime < s.shutdownStart || now-s.lastSendTime >= s.rto() {
			return s.sendInstruction(now, swire.ShutdownNum, nil)
		}
		return nil
	}

	back := s.back()

	if back.Num != s.lastSentNum {
		due := back.Timestamp + s.sendMinDelay
		if s.lastSendTime >= 0 {
			if spaced := s.lastSendTime + s.sendInterval(); spaced > due {
				due = spaced
			}
		}
		if now >= due {
			return s.sendData(now)
		}
		return nil
	}

	if s.lastSentNum > s.anchor().Num && now-s.lastSendTime >= s.rto() {
		// No acknowledgement advance within an RTO; the peer either
		// missed the instruction or its ack was lost. Re-send.
		return s.sendData(now)
	}

	if s.pendingAck && now >= s.ackDue &&
		(s.lastSendTime < 0 || now-s.lastSendTime >= s.sendInterval()) {
		// An ack-only instruction: old and new sequence both name the
		// latest sent state, so the peer extracts the ack and drops the rest.
		return s.sendInstruction(now, s.lastSentNum, nil)
	}

	return nil
}

func (s *sender[S]) sendData(now int64) error {
	back := s.back()
	diff := back.State.DiffFrom(s.anchor().State)
	if err := s.sendInstruction(now, back.Num, diff); err != nil {
		return err
	}
	s.lastSentNum = back.Num
	return nil
}

func (s *sender[S]) sendInstruction(now int64, newNum uint64, diff []byte) error {
	oldNum := s.anchor().Num
	if newNum == s.lastSentNum && diff == nil {
		// Ack-only: anchor the empty diff on the acked state itself
		// so the peer can never mistake it for a real delta.
		oldNum = newNum
	}

	inst := swire.Instruction{
		OldNum:       oldNum,
		NewNum:       newNum,
		AckNum:       s.ackNum,
		ThrowawayNum: s.anchor().Num,

		Timestamp:      swire.Timestamp16(now),
		TimestampReply: s.timestampReply(now),

		Diff: diff,
	}
	if s.shutdown == counterpartyShutdown {
		inst.AckNum = swire.ShutdownNum
	}

	frags, err := s.frag.Fragment(inst, s.conn.MTU())
	if err != nil {
		return fmt.Errorf("failed to fragment instruction: %w", err)
	}
	for _, fr := range frags {
		b, err := fr.Encode()
		if err != nil {
			return fmt.Errorf("failed to encode fragment: %w", err)
		}
		if err := s.conn.Send(b); err != nil {
			return err
		}
	}

	s.lastSendTime = now
	s.pendingAck = false

	if s.verbose {
		s.log.Debug(
			"Sent instruction",
			"old", inst.OldNum,
			"new", inst.NewNum,
			"ack", inst.AckNum,
			"throwaway", inst.ThrowawayNum,
			"diffLen", len(inst.Diff),
			"fragments", len(frags),
		)
	}

	return nil
}

// waitTime returns milliseconds until tick would next have work,
// or idleWait if nothing is scheduled.
func (s *sender[S]) waitTime() int {
	now := s.now()

	var deadline int64 = math.MaxInt64

	switch s.shutdown {
	case shutdownAcked, counterpartyShutdownAcked, shutdownTimedOut:
		return idleWait

	case counterpartyShutdown:
		return 0

	case shutdownSending:
		deadline = s.lastSendTime + s.rto()
		if s.lastSendTime < s.shutdownStart {
			deadline = now
		}
		if end := s.shutdownStart + shutdownTimeout; end < deadline {
			deadline = end
		}

	default:
		if s.back().Num != s.lastSentNum {
			deadline = s.back().Timestamp + s.sendMinDelay
			if s.lastSendTime >= 0 {
				if spaced := s.lastSendTime + s.sendInterval(); spaced > deadline {
					deadline = spaced
				}
			}
		} else if s.lastSentNum > s.anchor().Num {
			deadline = s.lastSendTime + s.rto()
		}

		if s.pendingAck {
			ackAt := s.ackDue
			if s.lastSendTime >= 0 {
				if spaced := s.lastSendTime + s.sendInterval(); spaced > ackAt {
					ackAt = spaced
				}
			}
			if ackAt < deadline {
				deadline = ackAt
			}
		}
	}

	if deadline == math.MaxInt64 {
		return idleWait
	}
	d := deadline - now
	if d < 0 {
		d = 0
	}
	if d > idleWait {
		d = idleWait
	}
	return int(d)
}
