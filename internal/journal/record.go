package journal

import "github.com/flowpbx/midihub/internal/midi"

// Observe updates the journal state with a command the session is about to
// send. Only the most recent value per controller/note is retained per
// spec.md §4.1's tie-break rule; SystemExclusive commands are appended to
// the system journal's pending fragment list rather than collapsed, since
// each sysex message is a distinct event rather than a single-valued
// control.
func (m *Manager) Observe(c midi.Command) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.Kind == midi.SystemExclusive {
		frag := append([]byte(nil), c.SysEx...)
		m.sysexPending = append(m.sysexPending, frag)
		return
	}

	cs := m.channel(c.Channel)
	switch c.Kind {
	case midi.ProgramChange:
		cs.programSet = true
		cs.program = c.Program
	case midi.ControlChange:
		if cs.controllers == nil {
			cs.controllers = make(map[uint8]uint8)
		}
		cs.controllers[c.Controller] = c.Value
	case midi.PitchBend:
		cs.pitchBendSet = true
		cs.pitchBend = c.Bend
	case midi.ChannelPressure:
		cs.aftertouchSet = true
		cs.aftertouch = c.Pressure
	case midi.NoteOn, midi.NoteOff:
		if cs.notes == nil {
			cs.notes = make(map[uint8]*noteEntry)
		}
		on := c.Kind == midi.NoteOn && c.Velocity > 0
		cs.notes[c.Note] = &noteEntry{on: on, velocity: c.Velocity}
	}
}
