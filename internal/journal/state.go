// Package journal implements the AppleMIDI recovery journal (spec.md §4.1):
// a per-channel record of state touched since the last confirmed checkpoint,
// appended to outgoing RTP-MIDI packets so a receiver can reconstruct the
// commands lost to a gap in the sequence without retransmission.
//
// The journal is a state delta, not a replay log: only the most recent
// value of each touched controller is kept, so its size is bounded by the
// breadth of controls touched since the checkpoint rather than by how many
// packets were lost.
package journal

import (
	"sync"
)

// noteEntry is the per-note record in a channel's N (note-on) and E
// (note-off) chapters.
type noteEntry struct {
	on       bool
	velocity uint8
}

// channelState accumulates the chapters for one MIDI channel since the most
// recent checkpoint. Nil maps/pointers mean "chapter untouched".
type channelState struct {
	programSet bool // P
	program    uint8

	controllers map[uint8]uint8 // C: controller -> most recent value

	pitchBendSet bool // W
	pitchBend    int16

	aftertouchSet bool // T
	aftertouch    uint8

	notes map[uint8]*noteEntry // N/E combined: current on/off + velocity per note

	polyAftertouch map[uint8]uint8 // A: note -> pressure
}

func newChannelState() *channelState {
	return &channelState{}
}

// reset clears all chapters, called once a checkpoint confirms the receiver
// has this channel's state and the delta can start fresh.
func (c *channelState) reset() {
	c.programSet = false
	c.controllers = nil
	c.pitchBendSet = false
	c.aftertouchSet = false
	c.notes = nil
	c.polyAftertouch = nil
}

func (c *channelState) touchedAny() bool {
	return c.programSet || len(c.controllers) > 0 || c.pitchBendSet ||
		c.aftertouchSet || len(c.notes) > 0 || len(c.polyAftertouch) > 0
}

// Manager tracks the logical MIDI state of every active channel for one
// session and produces/applies recovery journal sections. A Manager is safe
// for concurrent use: the encoder runs on the send path, the applier on the
// receive path, and both may run concurrently with the session's event loop.
type Manager struct {
	mu           sync.Mutex
	channels     map[uint8]*channelState
	sysexPending [][]byte // F: sysex fragments touched since checkpoint (spec.md §3 System journal)

	checkpoint uint16 // highest sequence the receiver has confirmed
}

// NewManager returns a Manager with no channel state yet recorded.
func NewManager() *Manager {
	return &Manager{channels: make(map[uint8]*channelState)}
}

func (m *Manager) channel(ch uint8) *channelState {
	cs, ok := m.channels[ch]
	if !ok {
		cs = newChannelState()
		m.channels[ch] = cs
	}
	return cs
}

// Checkpoint returns the sequence number below which journal entries have
// been confirmed received and may be dropped.
func (m *Manager) Checkpoint() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoint
}

// ConfirmCheckpoint records that the peer has processed every packet up to
// and including seq, per the checkpoint-echo convention described in
// spec.md §4.1 and §9 (Open Questions): the receiver echoes the highest
// sequence it has processed in its own outgoing journal header, and the
// sender treats that as an acknowledgment. All journal state recorded so
// far is dropped: every channel's chapters and the pending sysex fragments.
func (m *Manager) ConfirmCheckpoint(seq uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoint = seq
	for _, cs := range m.channels {
		cs.reset()
	}
	m.sysexPending = nil
}
