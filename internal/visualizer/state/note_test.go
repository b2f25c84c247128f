package state

import (
	"testing"
	"time"
)

func TestNoteOnThenOffFadesAndExpires(t *testing.T) {
	m := NewMachine(10, 100*time.Millisecond)
	t0 := time.Unix(0, 0)
	m.NoteOn(5, 100, t0)

	frame := m.Frame(t0)
	if frame[5] == (RGB{}) {
		t.Error("expected LED 5 lit immediately after NoteOn")
	}

	m.NoteOff(5, t0.Add(10*time.Millisecond))
	mid := t0.Add(60 * time.Millisecond)
	midFrame := m.Frame(mid)
	if midFrame[5] == (RGB{}) {
		t.Error("expected LED 5 still partially lit mid-fade")
	}

	after := t0.Add(200 * time.Millisecond)
	m.Advance(after)
	finalFrame := m.Frame(after)
	if finalFrame[5] != (RGB{}) {
		t.Errorf("expected LED 5 off after fade window elapsed, got %+v", finalFrame[5])
	}
}

func TestSustainPedalHoldsNoteUntilRelease(t *testing.T) {
	m := NewMachine(10, 100*time.Millisecond)
	t0 := time.Unix(0, 0)
	m.ControlChange(64, 127, t0) // sustain on
	m.NoteOn(3, 100, t0)
	m.NoteOff(3, t0.Add(5*time.Millisecond))

	// Still held: no fade should have started.
	held := m.Frame(t0.Add(50 * time.Millisecond))
	if held[3] == (RGB{}) {
		t.Error("expected sustained note to remain fully lit")
	}

	m.ControlChange(64, 0, t0.Add(60*time.Millisecond)) // sustain off
	m.Advance(t0.Add(170 * time.Millisecond))
	frame := m.Frame(t0.Add(170 * time.Millisecond))
	if frame[3] != (RGB{}) {
		t.Errorf("expected note to have faded out after sustain release, got %+v", frame[3])
	}
}

func TestPolyphonicBlendingSaturates(t *testing.T) {
	m := NewMachine(1, time.Second) // force both notes onto LED 0
	t0 := time.Unix(0, 0)
	m.NoteOn(0, 127, t0)
	m.NoteOn(128, 127, t0) // 128 mod 1 == 0, collides with note 0

	frame := m.Frame(t0)
	if frame[0].R == 0 && frame[0].G == 0 && frame[0].B == 0 {
		t.Error("expected blended LED to be lit")
	}
	// Both notes have hue 0 (pure red at full value), so R saturates at 255.
	if frame[0].R != 255 {
		t.Errorf("expected red channel to saturate at 255, got %d", frame[0].R)
	}
}

func TestDeterministicGivenSameInput(t *testing.T) {
	t0 := time.Unix(0, 0)
	build := func() []RGB {
		m := NewMachine(16, 200*time.Millisecond)
		m.NoteOn(60, 100, t0)
		m.NoteOn(64, 90, t0.Add(5*time.Millisecond))
		return m.Frame(t0.Add(20 * time.Millisecond))
	}
	a := build()
	b := build()
	if len(a) != len(b) {
		t.Fatal("frame length mismatch")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("frame mismatch at %d: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestScaleMapsVelocityRange(t *testing.T) {
	if v := scale(0, 50, 255); v != 50 {
		t.Errorf("expected min velocity to map to floor 50, got %d", v)
	}
	if v := scale(127, 50, 255); v != 255 {
		t.Errorf("expected max velocity to map to ceiling 255, got %d", v)
	}
}
