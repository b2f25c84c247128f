// Package osc implements the OSC message encoder and UDP sender that
// forwards translated MIDI events to the visualizer (spec.md §4.4).
package osc

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hypebeast/go-osc/osc"
	"golang.org/x/time/rate"
)

// CoalesceWindow is the interval within which repeated ControlChange
// messages for the same (channel, controller) are collapsed to their
// latest value, per spec.md §4.4.
const CoalesceWindow = 5 * time.Millisecond

// ccKey identifies one coalescing bucket.
type ccKey struct {
	channel    uint8
	controller uint8
}

type pendingCC struct {
	timer   *time.Timer
	message *osc.Message
}

// Sender batches and transmits OSC messages to a single visualizer
// endpoint over UDP, using github.com/hypebeast/go-osc/osc for wire
// encoding and transport (the same library other_examples/jdginn-arpad
// and schollz-221e use for OSC to/from a tracker/DAW).
//
// A rate.Limiter caps sends only while burst mode is on (SetBurstMode).
// Burst mode starts off and nothing in this module turns it on, so sends
// are not rate-capped.
type Sender struct {
	mu      sync.Mutex
	client  *osc.Client
	logger  *slog.Logger
	pending map[ccKey]*pendingCC

	burstMode atomic.Bool
	limiter   *rate.Limiter

	sentTotal      atomic.Uint64
	droppedTotal   atomic.Uint64
	coalescedTotal atomic.Uint64
}

// NewSender creates a Sender targeting host:port.
func NewSender(host string, port int, logger *slog.Logger) *Sender {
	return &Sender{
		client:  osc.NewClient(host, port),
		logger:  logger.With("component", "osc_sender"),
		pending: make(map[ccKey]*pendingCC),
		limiter: rate.NewLimiter(rate.Limit(200), 50),
	}
}

// Retarget rebuilds the underlying OSC client against a new host:port,
// flushing any coalesced messages addressed to the old target first so
// they aren't lost on the switch. Called when mDNS reports a new or
// moved visualizer instance.
func (s *Sender) Retarget(host string, port int) {
	s.Flush()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = osc.NewClient(host, port)
	s.logger.Info("osc sender retargeted", "host", host, "port", port)
}

// SetBurstMode toggles whether sends are capped by the burst limiter. It
// has no caller in this module; burst mode stays off unless a caller
// enables it.
func (s *Sender) SetBurstMode(on bool) {
	s.burstMode.Store(on)
}

// SendNote transmits a /noteOn or /noteOff message immediately; note
// events are never coalesced.
func (s *Sender) SendNote(addr string, args ...interface{}) {
	msg := osc.NewMessage(addr)
	for _, a := range args {
		msg.Append(a)
	}
	s.send(msg)
}

// SendPitchBend transmits a /pitchBend message immediately.
func (s *Sender) SendPitchBend(value float32) {
	msg := osc.NewMessage("/pitchBend")
	msg.Append(value)
	s.send(msg)
}

// SendProgramChange transmits a /config/setEffect message immediately.
func (s *Sender) SendProgramChange(program int32) {
	msg := osc.NewMessage("/config/setEffect")
	msg.Append(program)
	s.send(msg)
}

// SendControlChange enqueues a /cc message, coalescing it with any other
// pending message for the same (channel, controller) within
// CoalesceWindow.
func (s *Sender) SendControlChange(channel, controller uint8, value int32) {
	msg := osc.NewMessage("/cc")
	msg.Append(int32(controller))
	msg.Append(value)

	key := ccKey{channel: channel, controller: controller}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pending[key]; ok {
		p.message = msg
		s.coalescedTotal.Add(1)
		return
	}

	entry := &pendingCC{message: msg}
	entry.timer = time.AfterFunc(CoalesceWindow, func() {
		s.mu.Lock()
		p, ok := s.pending[key]
		if ok {
			delete(s.pending, key)
		}
		s.mu.Unlock()
		if ok {
			s.send(p.message)
		}
	})
	s.pending[key] = entry
}

func (s *Sender) send(msg *osc.Message) {
	if s.burstMode.Load() {
		if err := s.limiter.Wait(context.Background()); err != nil {
			s.droppedTotal.Add(1)
			return
		}
	}
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if err := client.Send(msg); err != nil {
		s.droppedTotal.Add(1)
		s.logger.Warn("osc send failed", "address", msg.Address, "error", err)
		return
	}
	s.sentTotal.Add(1)
}

// Flush immediately sends any pending coalesced messages, stopping their
// timers. Used on shutdown so the visualizer sees the final CC value.
func (s *Sender) Flush() {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[ccKey]*pendingCC)
	s.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		s.send(p.message)
	}
}

// SentTotal, DroppedTotal, and CoalescedTotal implement metrics.OSCStatsProvider.
func (s *Sender) SentTotal() uint64      { return s.sentTotal.Load() }
func (s *Sender) DroppedTotal() uint64   { return s.droppedTotal.Load() }
func (s *Sender) CoalescedTotal() uint64 { return s.coalescedTotal.Load() }
