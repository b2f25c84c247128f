// Package state implements the embedded-side MIDI visualization state
// machine (spec.md §4.9): per-note lifecycle, sustain pedal handling, fade,
// and LED frame composition.
package state

import "time"

// RGB is a single LED color, additively blended when multiple notes share
// an LED index.
type RGB struct {
	R, G, B uint8
}

// NoteState is the lifecycle record for one MIDI note number.
type NoteState struct {
	Active       bool
	Velocity     uint8
	OnTick       time.Time
	FadeStart    time.Time
	Fading       bool
	SustainHeld  bool
}

// Machine tracks every note's lifecycle plus the sustain pedal, and
// composes LED frames from the current state. It holds no goroutines or
// locks of its own: the visualizer scheduler's render task owns it
// exclusively and calls its methods from a single goroutine, per spec.md
// §4.8's two-task model.
type Machine struct {
	StripLength int
	FadeWindow  time.Duration

	notes        map[uint8]*NoteState
	sustainPedal bool
}

// NewMachine creates a Machine for a strip of stripLength LEDs with the
// given fade window.
func NewMachine(stripLength int, fadeWindow time.Duration) *Machine {
	return &Machine{
		StripLength: stripLength,
		FadeWindow:  fadeWindow,
		notes:       make(map[uint8]*NoteState),
	}
}

// NoteOn begins a note's lifecycle at now.
func (m *Machine) NoteOn(note, velocity uint8, now time.Time) {
	m.notes[note] = &NoteState{
		Active:      true,
		Velocity:    velocity,
		OnTick:      now,
		SustainHeld: m.sustainPedal,
	}
}

// NoteOff ends a note's sounding, per spec.md §4.9: if the sustain pedal is
// held, the note is marked SustainHeld (no fade starts) until the pedal is
// released; otherwise its fade begins immediately.
func (m *Machine) NoteOff(note uint8, now time.Time) {
	ns, ok := m.notes[note]
	if !ok {
		return
	}
	if m.sustainPedal {
		ns.SustainHeld = true
		return
	}
	ns.Fading = true
	ns.FadeStart = now
}

// ControlChange applies controller 64 (sustain pedal); other controllers
// have no effect on the visualization state machine.
func (m *Machine) ControlChange(controller, value uint8, now time.Time) {
	if controller != 64 {
		return
	}
	held := value >= 64
	wasHeld := m.sustainPedal
	m.sustainPedal = held
	if wasHeld && !held {
		for _, ns := range m.notes {
			if ns.SustainHeld {
				ns.SustainHeld = false
				ns.Fading = true
				ns.FadeStart = now
			}
		}
	}
}

// Advance drops notes whose fade has completed as of now. Call once per
// render tick before composing a frame.
func (m *Machine) Advance(now time.Time) {
	for note, ns := range m.notes {
		if ns.Fading && now.Sub(ns.FadeStart) >= m.FadeWindow {
			delete(m.notes, note)
		}
	}
}

// intensity returns the current fade-scaled brightness value (0..255) for
// a note at now: full brightness while sounding or sustain-held, linearly
// attenuated to 0 across FadeWindow once fading.
func (ns *NoteState) intensity(now time.Time, fadeWindow time.Duration) uint8 {
	base := scale(ns.Velocity, 50, 255)
	if !ns.Fading {
		return base
	}
	elapsed := now.Sub(ns.FadeStart)
	if elapsed >= fadeWindow {
		return 0
	}
	remaining := 1.0 - float64(elapsed)/float64(fadeWindow)
	return uint8(float64(base) * remaining)
}

// scale maps a 0..127 MIDI value onto the [lo, hi] output range.
func scale(v uint8, lo, hi uint8) uint8 {
	return lo + uint8((float64(v)/127.0)*float64(hi-lo))
}

// Frame composes the current note states into an LED frame: note → LED
// index is note mod StripLength; multiple notes sharing an index are
// blended by saturating addition in RGB space, per spec.md §4.9.
func (m *Machine) Frame(now time.Time) []RGB {
	frame := make([]RGB, m.StripLength)
	for note, ns := range m.notes {
		idx := int(note) % m.StripLength
		c := noteColor(note, ns.intensity(now, m.FadeWindow))
		frame[idx] = blend(frame[idx], c)
	}
	return frame
}

// noteColor derives a color from a note number and intensity: hue =
// (note*2) mod 256, saturation fixed at max, value = intensity.
func noteColor(note uint8, value uint8) RGB {
	hue := (int(note) * 2) % 256
	r, g, b := hsvToRGB(hue, 255, int(value))
	return RGB{R: r, G: g, B: b}
}

func blend(a, b RGB) RGB {
	return RGB{R: saturatingAdd(a.R, b.R), G: saturatingAdd(a.G, b.G), B: saturatingAdd(a.B, b.B)}
}

func saturatingAdd(a, b uint8) uint8 {
	sum := int(a) + int(b)
	if sum > 255 {
		return 255
	}
	return uint8(sum)
}

// hsvToRGB converts 8-bit HSV (h, s, v each 0..255) to 8-bit RGB.
func hsvToRGB(h, s, v int) (r, g, b uint8) {
	if s == 0 {
		return uint8(v), uint8(v), uint8(v)
	}
	region := h / 43
	remainder := (h - region*43) * 6

	p := (v * (255 - s)) >> 8
	q := (v * (255 - (s*remainder)>>8)) >> 8
	t := (v * (255 - (s*(255-remainder))>>8)) >> 8

	switch region {
	case 0:
		return uint8(v), uint8(t), uint8(p)
	case 1:
		return uint8(q), uint8(v), uint8(p)
	case 2:
		return uint8(p), uint8(v), uint8(t)
	case 3:
		return uint8(p), uint8(q), uint8(v)
	case 4:
		return uint8(t), uint8(p), uint8(v)
	default:
		return uint8(v), uint8(p), uint8(q)
	}
}
