package midi

import (
	"reflect"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Command{
		{Kind: NoteOn, Channel: 0, Note: 60, Velocity: 100},
		{Kind: NoteOff, Channel: 15, Note: 127, Velocity: 0},
		{Kind: ControlChange, Channel: 3, Controller: 64, Value: 127},
		{Kind: PitchBend, Channel: 1, Bend: -8192},
		{Kind: PitchBend, Channel: 1, Bend: 8191},
		{Kind: ProgramChange, Channel: 9, Program: 42},
		{Kind: ChannelPressure, Channel: 2, Pressure: 80},
	}

	for _, c := range cases {
		raw, err := EncodeBytes(c)
		if err != nil {
			t.Fatalf("EncodeBytes(%+v): %v", c, err)
		}
		got, err := DecodeBytes(raw[0], raw[1:])
		if err != nil {
			t.Fatalf("DecodeBytes(%+v): %v", c, err)
		}
		if !reflect.DeepEqual(got, c) {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, c)
		}
	}
}

func TestSysExRoundTrip(t *testing.T) {
	c := Command{Kind: SystemExclusive, SysEx: []byte{0xF0, 0x7E, 0x00, 0xF7}}
	raw, err := EncodeBytes(c)
	if err != nil {
		t.Fatalf("EncodeBytes: %v", err)
	}
	got, err := DecodeBytes(raw[0], raw)
	if err != nil {
		t.Fatalf("DecodeBytes: %v", err)
	}
	if len(got.SysEx) != len(c.SysEx) {
		t.Fatalf("sysex length mismatch: got %d, want %d", len(got.SysEx), len(c.SysEx))
	}
}

func TestSysExTooLongRejected(t *testing.T) {
	c := Command{Kind: SystemExclusive, SysEx: make([]byte, MaxSysExLen+1)}
	if _, err := EncodeBytes(c); err == nil {
		t.Fatal("expected error for oversized sysex")
	}
}

func TestPitchBendOutOfRange(t *testing.T) {
	c := Command{Kind: PitchBend, Bend: 9000}
	if _, err := EncodeBytes(c); err == nil {
		t.Fatal("expected error for out-of-range pitch bend")
	}
}

func TestIsSustainPedal(t *testing.T) {
	pressed, ok := Command{Kind: ControlChange, Controller: 64, Value: 127}.IsSustainPedal()
	if !ok || !pressed {
		t.Errorf("expected sustain pedal pressed, got ok=%v pressed=%v", ok, pressed)
	}
	released, ok := Command{Kind: ControlChange, Controller: 64, Value: 0}.IsSustainPedal()
	if !ok || released {
		t.Errorf("expected sustain pedal released, got ok=%v pressed=%v", ok, released)
	}
	_, ok = Command{Kind: ControlChange, Controller: 1, Value: 127}.IsSustainPedal()
	if ok {
		t.Errorf("controller 1 should not be treated as sustain pedal")
	}
}

func TestDataLen(t *testing.T) {
	cases := map[byte]int{
		StatusNoteOn:          2,
		StatusNoteOff:         2,
		StatusControlChange:   2,
		StatusPitchBend:       2,
		StatusProgramChange:   1,
		StatusChannelPressure: 1,
	}
	for status, want := range cases {
		if got := DataLen(status); got != want {
			t.Errorf("DataLen(0x%02X) = %d, want %d", status, got, want)
		}
	}
}
