package journal

import (
	"testing"

	"github.com/flowpbx/midihub/internal/midi"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := NewManager()
	m.ConfirmCheckpoint(41)
	m.Observe(midi.Command{Kind: midi.NoteOn, Channel: 0, Note: 60, Velocity: 100})
	m.Observe(midi.Command{Kind: midi.NoteOn, Channel: 0, Note: 64, Velocity: 90})
	m.Observe(midi.Command{Kind: midi.NoteOff, Channel: 0, Note: 60})
	m.Observe(midi.Command{Kind: midi.ControlChange, Channel: 0, Controller: 7, Value: 127})
	m.Observe(midi.Command{Kind: midi.ProgramChange, Channel: 0, Program: 5})
	m.Observe(midi.Command{Kind: midi.PitchBend, Channel: 0, Bend: 100})
	m.Observe(midi.Command{Kind: midi.ChannelPressure, Channel: 0, Pressure: 50})
	m.Observe(midi.Command{Kind: midi.NoteOn, Channel: 1, Note: 10, Velocity: 1})

	buf, err := m.Encode(false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	snap, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if snap.CheckpointSeq != 41 {
		t.Errorf("checkpoint mismatch: got %d, want 41", snap.CheckpointSeq)
	}
	if len(snap.Channels) != 2 {
		t.Fatalf("expected 2 channels, got %d", len(snap.Channels))
	}

	var ch0 *ChannelSnapshot
	for i := range snap.Channels {
		if snap.Channels[i].Channel == 0 {
			ch0 = &snap.Channels[i]
		}
	}
	if ch0 == nil {
		t.Fatal("channel 0 not found in snapshot")
	}
	if ch0.Program == nil || *ch0.Program != 5 {
		t.Errorf("program mismatch: %+v", ch0.Program)
	}
	if ch0.Controllers[7] != 127 {
		t.Errorf("controller 7 mismatch: got %d", ch0.Controllers[7])
	}
	if ch0.PitchBend == nil || *ch0.PitchBend != 100 {
		t.Errorf("pitch bend mismatch: %+v", ch0.PitchBend)
	}
	if ch0.Aftertouch == nil || *ch0.Aftertouch != 50 {
		t.Errorf("aftertouch mismatch: %+v", ch0.Aftertouch)
	}
	if n, ok := ch0.Notes[60]; !ok || n.On {
		t.Errorf("note 60 should be recorded off, got %+v ok=%v", n, ok)
	}
	if n, ok := ch0.Notes[64]; !ok || !n.On || n.Velocity != 90 {
		t.Errorf("note 64 should be recorded on with velocity 90, got %+v ok=%v", n, ok)
	}
}

func TestApplySynthesizesCommands(t *testing.T) {
	m := NewManager()
	m.Observe(midi.Command{Kind: midi.NoteOn, Channel: 2, Note: 48, Velocity: 64})
	m.Observe(midi.Command{Kind: midi.ControlChange, Channel: 2, Controller: 1, Value: 32})

	buf, err := m.Encode(true)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	snap, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !snap.SinglePacketLoss {
		t.Error("expected single-packet-loss flag preserved")
	}

	var emitted []midi.Command
	Apply(snap, func(c midi.Command) { emitted = append(emitted, c) })

	if len(emitted) != 2 {
		t.Fatalf("expected 2 synthesized commands, got %d", len(emitted))
	}
	if emitted[0].Kind != midi.ControlChange || emitted[1].Kind != midi.NoteOn {
		t.Errorf("expected CC before NoteOn in deterministic order, got %+v", emitted)
	}
}

func TestTieBreakKeepsMostRecentValue(t *testing.T) {
	m := NewManager()
	m.Observe(midi.Command{Kind: midi.ControlChange, Channel: 0, Controller: 7, Value: 10})
	m.Observe(midi.Command{Kind: midi.ControlChange, Channel: 0, Controller: 7, Value: 20})
	m.Observe(midi.Command{Kind: midi.ControlChange, Channel: 0, Controller: 7, Value: 30})

	buf, err := m.Encode(false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	snap, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if snap.Channels[0].Controllers[7] != 30 {
		t.Errorf("expected most recent CC value 30, got %d", snap.Channels[0].Controllers[7])
	}
}

func TestNoteOffResurrectsLingeringRelease(t *testing.T) {
	m := NewManager()
	m.Observe(midi.Command{Kind: midi.NoteOn, Channel: 0, Note: 60, Velocity: 100})
	m.Observe(midi.Command{Kind: midi.NoteOff, Channel: 0, Note: 60})

	buf, err := m.Encode(false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	snap, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	note, ok := snap.Channels[0].Notes[60]
	if !ok || note.On {
		t.Errorf("expected note 60 recorded as off, got %+v ok=%v", note, ok)
	}

	var emitted []midi.Command
	Apply(snap, func(c midi.Command) { emitted = append(emitted, c) })
	if len(emitted) != 1 || emitted[0].Kind != midi.NoteOff {
		t.Errorf("expected a single NoteOff to resurrect the release, got %+v", emitted)
	}
}

func TestSystemJournalSysExFragments(t *testing.T) {
	m := NewManager()
	m.Observe(midi.Command{Kind: midi.SystemExclusive, SysEx: []byte{0xF0, 0x01, 0xF7}})
	m.Observe(midi.Command{Kind: midi.SystemExclusive, SysEx: []byte{0xF0, 0x02, 0xF7}})

	buf, err := m.Encode(false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	snap, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(snap.SysEx) != 2 {
		t.Fatalf("expected 2 sysex fragments, got %d", len(snap.SysEx))
	}
}

func TestDecodeRejectsTruncatedSection(t *testing.T) {
	if _, err := Decode([]byte{0x01}); err == nil {
		t.Fatal("expected error decoding truncated journal section")
	}
}

func TestEncodeRejectsTooManyChannels(t *testing.T) {
	m := NewManager()
	for ch := uint8(0); ch <= 16; ch++ {
		m.Observe(midi.Command{Kind: midi.ControlChange, Channel: ch, Controller: 1, Value: 1})
	}
	if _, err := m.Encode(false); err == nil {
		t.Fatal("expected error encoding journal with more than 15 channels")
	}
}
