package journal

import "github.com/flowpbx/midihub/internal/midi"

// Apply synthesizes the MidiCommand sequence a receiver would have seen had
// the lost packets arrived, and feeds each to emit in a deterministic
// order (program change, then controllers, then pitch bend, then notes,
// then aftertouch). Poly aftertouch (chapter A) is tracked in the journal
// for protocol completeness but not synthesized here: MidiCommand's kind
// set (spec.md §3) has no polyphonic-aftertouch variant, so there is
// nothing downstream to emit it as.
//
// Per spec.md §4.1, applying the same snapshot twice is idempotent for the
// last-value chapters (P, C, W, T) and well-defined for N/E, since emit
// only ever receives the current bit and velocity, never a delta.
func Apply(snap Snapshot, emit func(midi.Command)) {
	for _, cs := range snap.Channels {
		applyChannel(cs, emit)
	}
}

func applyChannel(cs ChannelSnapshot, emit func(midi.Command)) {
	if cs.Program != nil {
		emit(midi.Command{Kind: midi.ProgramChange, Channel: cs.Channel, Program: *cs.Program})
	}
	for _, ctrl := range sortedControllerKeys(cs.Controllers) {
		emit(midi.Command{Kind: midi.ControlChange, Channel: cs.Channel, Controller: ctrl, Value: cs.Controllers[ctrl]})
	}
	if cs.PitchBend != nil {
		emit(midi.Command{Kind: midi.PitchBend, Channel: cs.Channel, Bend: *cs.PitchBend})
	}
	notes := make([]uint8, 0, len(cs.Notes))
	for n := range cs.Notes {
		notes = append(notes, n)
	}
	sortUint8(notes)
	for _, n := range notes {
		ns := cs.Notes[n]
		if ns.On {
			emit(midi.Command{Kind: midi.NoteOn, Channel: cs.Channel, Note: n, Velocity: ns.Velocity})
		} else {
			emit(midi.Command{Kind: midi.NoteOff, Channel: cs.Channel, Note: n, Velocity: 0})
		}
	}
	if cs.Aftertouch != nil {
		emit(midi.Command{Kind: midi.ChannelPressure, Channel: cs.Channel, Pressure: *cs.Aftertouch})
	}
}

func sortUint8(s []uint8) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
