// Package translate implements the MIDI-to-OSC schema translation (spec.md
// §4.5): the stable wire contract mapping each MidiCommand kind to an OSC
// address, tag string, and argument list.
package translate

import (
	"github.com/flowpbx/midihub/internal/midi"
	"github.com/flowpbx/midihub/internal/osc"
)

// Translator maps inbound MidiCommand values onto the OSC sender per the
// schema in spec.md §4.5. It holds no state of its own beyond the channel
// prefix switch; ordering is guaranteed by the caller invoking Translate
// once per command in packet order.
type Translator struct {
	// EmitChannelPrefix, when true, prepends "/ch/<n>" to the /noteOn and
	// /noteOff addresses; /cc, /pitchBend and /config/setEffect are sent
	// without the prefix.
	// This is a configuration switch (internal/config.Config.EmitChannelPrefix),
	// never a protocol-level change to the schema itself.
	EmitChannelPrefix bool

	sender *osc.Sender
}

// NewTranslator returns a Translator that sends through sender.
func NewTranslator(sender *osc.Sender, emitChannelPrefix bool) *Translator {
	return &Translator{sender: sender, EmitChannelPrefix: emitChannelPrefix}
}

// Translate converts a single MidiCommand to its OSC message(s) and sends
// them. NoteOn with velocity 0 is normalized to /noteOff per the schema.
func (t *Translator) Translate(c midi.Command) {
	switch c.Kind {
	case midi.NoteOn:
		if c.Velocity == 0 {
			t.sender.SendNote(t.address("/noteOff", c.Channel), int32(c.Note))
			return
		}
		t.sender.SendNote(t.address("/noteOn", c.Channel), int32(c.Note), int32(c.Velocity))
	case midi.NoteOff:
		t.sender.SendNote(t.address("/noteOff", c.Channel), int32(c.Note))
	case midi.ControlChange:
		t.sender.SendControlChange(c.Channel, c.Controller, int32(c.Value))
	case midi.PitchBend:
		t.sender.SendPitchBend(scaleBend(c.Bend))
	case midi.ProgramChange:
		t.sender.SendProgramChange(int32(c.Program))
	case midi.ChannelPressure, midi.SystemExclusive:
		// Not part of the translation schema (spec.md §4.5 table): dropped
		// silently, same as any MIDI message with no OSC mapping.
	}
}

func (t *Translator) address(base string, channel uint8) string {
	if !t.EmitChannelPrefix {
		return base
	}
	return "/ch/" + itoa(channel) + base
}

// scaleBend maps a -8192..+8191 pitch bend to [-1.0, +1.0].
func scaleBend(v int16) float32 {
	if v < 0 {
		return float32(v) / 8192.0
	}
	return float32(v) / 8191.0
}

func itoa(n uint8) string {
	if n == 0 {
		return "0"
	}
	var buf [3]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
