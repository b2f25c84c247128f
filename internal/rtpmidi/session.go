package rtpmidi

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowpbx/midihub/internal/journal"
	"github.com/flowpbx/midihub/internal/midi"
)

// State is a session's position in the AppleMIDI handshake, clock-sync,
// and teardown lifecycle (spec.md §4.3).
type State string

const (
	StateIdle           State = "idle"
	StateControlInvited State = "control_invited"
	StateDataInvited     State = "data_invited"
	StateSyncingCK0      State = "syncing_ck0"
	StateSyncingCK1      State = "syncing_ck1"
	StateSyncingCK2      State = "syncing_ck2"
	StateEstablished     State = "established"
	StateTerminating     State = "terminating"
	StateClosed          State = "closed"
)

const (
	minResyncInterval = 2 * time.Second
	maxResyncInterval = 60 * time.Second
	ckTimeout         = 3 * time.Second
	keepAliveTimeout  = 30 * time.Second
	initialBackoff    = 5 * time.Second
	maxBackoff        = 60 * time.Second
)

// Session is one AppleMIDI peer relationship: the two-port invitation
// handshake, CK0/CK1/CK2 clock synchronization, sequence tracking with
// recovery-journal application, and teardown. It is grounded on the
// per-peer connection bookkeeping in
// somesmallstudio-go-midi-rtp/session/session.go (sync.Map of connections
// keyed by SSRC) and the dialog state/mutex shape of
// flowpbx-flowpbx/internal/sip/dialog.go, generalized from a two-state SIP
// call to the richer AppleMIDI handshake.
type Session struct {
	mu sync.Mutex

	logger *slog.Logger

	Name      string
	LocalSSRC uint32
	token     uint32

	state        State
	remoteSSRC   uint32
	remoteName   string
	backoff      time.Duration
	unreachable  bool

	haveLastRx bool
	lastRxSeq  uint16
	txSeq      uint16

	latencyNS int64
	offsetNS  int64

	resyncInterval time.Duration
	lastSyncAt     time.Time

	journal *journal.Manager

	sampleRate uint32
	startedAt  time.Time

	appliedTotal            atomic.Uint64
	gapPacketsRecoveredTotal atomic.Uint64
	malformedTotal           atomic.Uint64
}

// NewSession creates a Session in StateIdle, ready to initiate or accept an
// invitation.
func NewSession(name string, localSSRC uint32, logger *slog.Logger) *Session {
	return &Session{
		logger:         logger.With("session", name),
		Name:           name,
		LocalSSRC:      localSSRC,
		token:          localSSRC, // token and SSRC share a source of randomness; kept distinct fields for clarity at call sites.
		state:          StateIdle,
		backoff:        initialBackoff,
		resyncInterval: minResyncInterval,
		journal:        journal.NewManager(),
	}
}

func (s *Session) setState(next State) {
	s.logger.Debug("session state transition", "from", s.state, "to", next)
	s.state = next
}

// State returns the session's current lifecycle state as a string, for
// metrics export (metrics.SessionProvider).
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.state)
}

// LatencyNS returns the last computed one-way network latency in
// nanoseconds, or 0 before the first successful clock sync.
func (s *Session) LatencyNS() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latencyNS
}

// ClockOffsetNS returns the last computed clock offset to the peer.
func (s *Session) ClockOffsetNS() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offsetNS
}

// SequenceNumber returns the most recently issued outbound sequence number
// (0 before NextSequence is first called).
func (s *Session) SequenceNumber() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txSeq
}

// Journal exposes the session's recovery journal manager so the send path
// can Observe outgoing commands and Encode a journal section per packet.
func (s *Session) Journal() *journal.Manager { return s.journal }

// BeginInvitation moves the session from Idle to ControlInvited, returning
// the IN message to send to the peer's control port.
func (s *Session) BeginInvitation() (Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return Invitation{}, fmt.Errorf("rtpmidi: cannot begin invitation from state %s", s.state)
	}
	s.setState(StateControlInvited)
	return Invitation{Command: cmdInvitation, Token: s.token, SSRC: s.LocalSSRC, Name: s.Name}, nil
}

// HandleControlAccept processes the OK received on the control port and
// returns the IN to send next on the data port.
func (s *Session) HandleControlAccept(inv Invitation) (Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateControlInvited {
		err := fmt.Errorf("rtpmidi: control OK received out of order in state %s", s.state)
		s.setState(StateIdle)
		return Invitation{}, err
	}
	s.remoteSSRC = inv.SSRC
	s.remoteName = inv.Name
	s.setState(StateDataInvited)
	return Invitation{Command: cmdInvitation, Token: s.token, SSRC: s.LocalSSRC, Name: s.Name}, nil
}

// HandleDataAccept processes the OK received on the data port and returns
// the CK0 message to start clock synchronization.
func (s *Session) HandleDataAccept(inv Invitation, now time.Time) (ClockSync, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDataInvited {
		err := fmt.Errorf("rtpmidi: data OK received out of order in state %s", s.state)
		s.setState(StateIdle)
		return ClockSync{}, err
	}
	s.setState(StateSyncingCK0)
	s.lastSyncAt = now
	return ClockSync{SSRC: s.LocalSSRC, Count: 0, T1: uint64(now.UnixNano())}, nil
}

// HandleInvitationReject moves the session back to Idle and marks the peer
// unreachable for a backoff period, doubling on each consecutive failure up
// to maxBackoff.
func (s *Session) HandleInvitationReject() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setState(StateIdle)
	s.unreachable = true
	wait := s.backoff
	s.backoff *= 2
	if s.backoff > maxBackoff {
		s.backoff = maxBackoff
	}
	return wait
}

// ResetBackoff clears the unreachable mark after a successful invitation,
// so the next failure starts again from initialBackoff.
func (s *Session) ResetBackoff() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unreachable = false
	s.backoff = initialBackoff
}

// HandleCK1 processes the peer's CK1 reply (echoing T1, appending T2) and
// returns the CK2 message to send.
func (s *Session) HandleCK1(ck1 ClockSync, now time.Time) (ClockSync, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSyncingCK0 {
		return ClockSync{}, fmt.Errorf("rtpmidi: CK1 received out of order in state %s", s.state)
	}
	s.setState(StateSyncingCK1)
	t3 := uint64(now.UnixNano())
	ck2 := ClockSync{SSRC: s.LocalSSRC, Count: 2, T1: ck1.T1, T2: ck1.T2, T3: t3}
	s.applyClockMath(ck1.T1, ck1.T2, t3)
	s.setState(StateEstablished)
	return ck2, nil
}

// applyClockMath computes latency and offset per spec.md §4.3, assuming
// the simple case where the peer's send-time T2' equals its receive-time
// T2 (no queuing delay modeled on the peer side).
func (s *Session) applyClockMath(t1, t2, t3 uint64) {
	// T2' (peer's send-time for CK1) is assumed equal to T2, collapsing
	// the general latency formula to half the round trip.
	latency := int64(t3-t1) / 2
	s.latencyNS = latency
	s.offsetNS = int64(t2) - (int64(t1) + latency)
}

// CKTimedOut reports whether the clock-sync exchange has exceeded its
// 3-second budget and the session should be torn down and restarted.
func (s *Session) CKTimedOut(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateSyncingCK0, StateSyncingCK1, StateSyncingCK2:
		return now.Sub(s.lastSyncAt) > ckTimeout
	default:
		return false
	}
}

// DueForResync reports whether it is time to re-run the clock sync
// exchange, per the [2s, 60s] interval spec.md §4.3 describes.
func (s *Session) DueForResync(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateEstablished && now.Sub(s.lastSyncAt) >= s.resyncInterval
}

// NoteJitter shrinks the resync interval back to the minimum after an
// observed jitter event; NoteStable doubles it, up to the maximum.
func (s *Session) NoteJitter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resyncInterval = minResyncInterval
}

func (s *Session) NoteStable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resyncInterval *= 2
	if s.resyncInterval > maxResyncInterval {
		s.resyncInterval = maxResyncInterval
	}
}

// NextSequence returns the next outbound sequence number and advances the
// internal counter.
func (s *Session) NextSequence() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txSeq++
	return s.txSeq
}

// StartClock records the RTP timestamp's epoch and units, per spec.md
// §3's RtpHeader invariant ("Timestamp: units of 1/sample_rate"). Called
// once at startup; Timestamp is meaningless before this is called.
func (s *Session) StartClock(sampleRate uint32, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sampleRate = sampleRate
	s.startedAt = now
}

// Timestamp computes the outgoing RTP header timestamp for now: elapsed
// time since StartClock, in sample_rate units.
func (s *Session) Timestamp(now time.Time) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sampleRate == 0 || s.startedAt.IsZero() {
		return 0
	}
	return uint32(now.Sub(s.startedAt).Seconds() * float64(s.sampleRate))
}

// DataPacketOutcome classifies an inbound data-port packet per spec.md
// §4.3's sequence-handling rule.
type DataPacketOutcome int

const (
	OutcomeNormal DataPacketOutcome = iota
	OutcomeGapRecovered
	OutcomeDroppedDuplicate
)

// HandleDataPacket applies the sequence-gap rule: packets that arrive in
// order are simply advanced past; packets that arrive after a gap have
// their journal applied to recover the missing state before advancing;
// duplicates and reorders are dropped. emit receives every MidiCommand the
// caller should act on, including any synthesized from journal recovery.
func (s *Session) HandleDataPacket(pkt Packet, emit func(midi.Command)) (DataPacketOutcome, error) {
	s.mu.Lock()
	seq := pkt.Header.SequenceNumber

	if s.haveLastRx && !SeqLess(s.lastRxSeq, seq) {
		s.mu.Unlock()
		return OutcomeDroppedDuplicate, nil
	}

	gap := s.haveLastRx && seq != s.lastRxSeq+1
	s.lastRxSeq = seq
	s.haveLastRx = true
	s.mu.Unlock()

	for _, tc := range pkt.Payload.Commands {
		emit(tc.Command)
	}

	if !gap {
		return OutcomeNormal, nil
	}

	if len(pkt.Payload.Journal) == 0 {
		s.malformedTotal.Add(1)
		s.logger.Warn("sequence gap with no journal section to recover from", "seq", seq)
		return OutcomeGapRecovered, nil
	}
	snap, err := journal.Decode(pkt.Payload.Journal)
	if err != nil {
		s.malformedTotal.Add(1)
		s.logger.Warn("malformed recovery journal", "seq", seq, "error", err)
		return OutcomeGapRecovered, nil
	}

	s.mu.Lock()
	s.journal.ConfirmCheckpoint(snap.CheckpointSeq)
	s.mu.Unlock()

	journal.Apply(snap, emit)
	s.appliedTotal.Add(1)
	s.gapPacketsRecoveredTotal.Add(1)
	return OutcomeGapRecovered, nil
}

// AppliedTotal, GapPacketsRecoveredTotal, and MalformedTotal implement
// metrics.JournalProvider.
func (s *Session) AppliedTotal() uint64             { return s.appliedTotal.Load() }
func (s *Session) GapPacketsRecoveredTotal() uint64 { return s.gapPacketsRecoveredTotal.Load() }
func (s *Session) MalformedTotal() uint64           { return s.malformedTotal.Load() }

// BeginTeardown moves the session to Terminating and returns the BY
// message to send.
func (s *Session) BeginTeardown() Teardown {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setState(StateTerminating)
	return Teardown{Token: s.token, SSRC: s.LocalSSRC}
}

// Close moves the session to Closed, its terminal state.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setState(StateClosed)
}

// Reset returns a Closed or Idle session to a fresh Idle state, clearing
// the peer relationship so a new invitation can be attempted. Called by
// the reconnection loop after a teardown or a peer loss reported by
// discovery (spec.md §4.7).
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setState(StateIdle)
	s.remoteSSRC = 0
	s.remoteName = ""
	s.haveLastRx = false
	s.unreachable = false
	s.resyncInterval = minResyncInterval
}

// KeepAliveExpired reports whether more than keepAliveTimeout has elapsed
// since the last data-port packet, per spec.md §4.3's teardown rule.
func (s *Session) KeepAliveExpired(lastPacketAt, now time.Time) bool {
	return now.Sub(lastPacketAt) > keepAliveTimeout
}
