package osc

import (
	"fmt"
	"log/slog"

	"github.com/hypebeast/go-osc/osc"

	"github.com/flowpbx/midihub/internal/midi"
)

// Receiver listens for OSC messages from the Hub and decodes them back
// into MidiCommand values for the visualizer's network task, inverting the
// schema in spec.md §4.5. It is the visualizer-side counterpart to
// Sender: the Hub owns translate.Translator's direction, the visualizer
// owns this one.
type Receiver struct {
	server     *osc.Server
	dispatcher *osc.StandardDispatcher
	logger     *slog.Logger
}

// NewReceiver creates a Receiver bound to addr (":8000" style), calling
// handle for every successfully decoded command.
func NewReceiver(addr string, logger *slog.Logger, handle func(midi.Command)) *Receiver {
	d := osc.NewStandardDispatcher()
	logger = logger.With("component", "osc_receiver")

	d.AddMsgHandler("/noteOn", func(msg *osc.Message) {
		c, err := decodeNoteOn(msg)
		if err != nil {
			logger.Warn("malformed /noteOn", "error", err)
			return
		}
		handle(c)
	})
	d.AddMsgHandler("/noteOff", func(msg *osc.Message) {
		c, err := decodeNoteOff(msg)
		if err != nil {
			logger.Warn("malformed /noteOff", "error", err)
			return
		}
		handle(c)
	})
	d.AddMsgHandler("/cc", func(msg *osc.Message) {
		c, err := decodeCC(msg)
		if err != nil {
			logger.Warn("malformed /cc", "error", err)
			return
		}
		handle(c)
	})
	d.AddMsgHandler("/pitchBend", func(msg *osc.Message) {
		c, err := decodePitchBend(msg)
		if err != nil {
			logger.Warn("malformed /pitchBend", "error", err)
			return
		}
		handle(c)
	})
	d.AddMsgHandler("/config/setEffect", func(msg *osc.Message) {
		c, err := decodeProgramChange(msg)
		if err != nil {
			logger.Warn("malformed /config/setEffect", "error", err)
			return
		}
		handle(c)
	})

	return &Receiver{
		server:     &osc.Server{Addr: addr, Dispatcher: d},
		dispatcher: d,
		logger:     logger,
	}
}

// ListenAndServe blocks serving OSC packets until the socket is closed.
func (r *Receiver) ListenAndServe() error {
	return r.server.ListenAndServe()
}

func decodeNoteOn(msg *osc.Message) (midi.Command, error) {
	if len(msg.Arguments) != 2 {
		return midi.Command{}, fmt.Errorf("expected 2 arguments, got %d", len(msg.Arguments))
	}
	note, ok1 := msg.Arguments[0].(int32)
	vel, ok2 := msg.Arguments[1].(int32)
	if !ok1 || !ok2 {
		return midi.Command{}, fmt.Errorf("expected (int32, int32) arguments")
	}
	return midi.Command{Kind: midi.NoteOn, Note: uint8(note), Velocity: uint8(vel)}, nil
}

func decodeNoteOff(msg *osc.Message) (midi.Command, error) {
	if len(msg.Arguments) != 1 {
		return midi.Command{}, fmt.Errorf("expected 1 argument, got %d", len(msg.Arguments))
	}
	note, ok := msg.Arguments[0].(int32)
	if !ok {
		return midi.Command{}, fmt.Errorf("expected int32 argument")
	}
	return midi.Command{Kind: midi.NoteOff, Note: uint8(note)}, nil
}

func decodeCC(msg *osc.Message) (midi.Command, error) {
	if len(msg.Arguments) != 2 {
		return midi.Command{}, fmt.Errorf("expected 2 arguments, got %d", len(msg.Arguments))
	}
	controller, ok1 := msg.Arguments[0].(int32)
	value, ok2 := msg.Arguments[1].(int32)
	if !ok1 || !ok2 {
		return midi.Command{}, fmt.Errorf("expected (int32, int32) arguments")
	}
	return midi.Command{Kind: midi.ControlChange, Controller: uint8(controller), Value: uint8(value)}, nil
}

func decodePitchBend(msg *osc.Message) (midi.Command, error) {
	if len(msg.Arguments) != 1 {
		return midi.Command{}, fmt.Errorf("expected 1 argument, got %d", len(msg.Arguments))
	}
	v, ok := msg.Arguments[0].(float32)
	if !ok {
		return midi.Command{}, fmt.Errorf("expected float32 argument")
	}
	bend := int16(v * 8191)
	return midi.Command{Kind: midi.PitchBend, Bend: bend}, nil
}

func decodeProgramChange(msg *osc.Message) (midi.Command, error) {
	if len(msg.Arguments) != 1 {
		return midi.Command{}, fmt.Errorf("expected 1 argument, got %d", len(msg.Arguments))
	}
	p, ok := msg.Arguments[0].(int32)
	if !ok {
		return midi.Command{}, fmt.Errorf("expected int32 argument")
	}
	return midi.Command{Kind: midi.ProgramChange, Program: uint8(p)}, nil
}
