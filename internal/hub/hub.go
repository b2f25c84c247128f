// Package hub implements the orchestrator that fans a single inbound
// MidiCommand stream out to the RTP-MIDI session and the OSC translator
// without letting either sink block the other (spec.md §4.7), and that
// re-enters discovery with backoff on session teardown or peer removal.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flowpbx/midihub/internal/midi"
)

const (
	shutdownDeadline  = 500 * time.Millisecond
	reconnectInitial  = 1 * time.Second
	reconnectMax      = 30 * time.Second
)

// Sink is a destination for translated/relayed MidiCommand values. The
// RTP-MIDI session and the OSC translator both satisfy it (the session via
// a thin adapter that calls Journal().Observe and hands the command to its
// send path).
type Sink interface {
	Translate(c midi.Command)
}

// SessionSink adapts rtpmidi.Session's send path to the Sink interface: it
// records the command in the journal and then hands it to the supplied
// enqueue func for transmission.
type SessionSink struct {
	Observe func(midi.Command)
	Enqueue func(midi.Command)
}

func (s SessionSink) Translate(c midi.Command) {
	s.Observe(c)
	s.Enqueue(c)
}

// Orchestrator fans inbound commands out to the RTP-MIDI sink and the OSC
// sink, in that order, each on its own goroutine so a stall in one never
// delays the other. It is grounded on the cancellation/WaitGroup shutdown
// shape of flowpbx-flowpbx's cmd/flowpbx/main.go top-level wiring,
// generalized from "stop every SIP/media task" to "stop every Hub task".
type Orchestrator struct {
	logger *slog.Logger

	rtpSink Sink
	oscSink Sink

	in chan midi.Command

	wg     sync.WaitGroup
	cancel context.CancelFunc

	reconnectBackoff time.Duration
	mu               sync.Mutex
}

// NewOrchestrator creates an Orchestrator. Input is the single channel of
// inbound MidiCommand values the caller (the session's receive path) feeds.
func NewOrchestrator(rtpSink, oscSink Sink, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		logger:           logger.With("component", "hub_orchestrator"),
		rtpSink:          rtpSink,
		oscSink:          oscSink,
		in:               make(chan midi.Command, 256),
		reconnectBackoff: reconnectInitial,
	}
}

// Input returns the channel to feed inbound MidiCommand values into.
func (o *Orchestrator) Input() chan<- midi.Command { return o.in }

// Run starts the fan-out loop and blocks until ctx is cancelled. Each
// inbound command is dispatched to both sinks on independent goroutines so
// that neither sink's latency is imposed on the other; ordering per sink is
// preserved because each sink has its own single-worker dispatch queue.
func (o *Orchestrator) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	rtpQueue := make(chan midi.Command, 256)
	oscQueue := make(chan midi.Command, 256)

	o.wg.Add(2)
	go o.drain(ctx, rtpQueue, o.rtpSink, "rtp")
	go o.drain(ctx, oscQueue, o.oscSink, "osc")

	for {
		select {
		case <-ctx.Done():
			o.wg.Wait()
			return
		case c := <-o.in:
			select {
			case rtpQueue <- c:
			default:
				o.logger.Warn("rtp sink queue full, dropping command")
			}
			select {
			case oscQueue <- c:
			default:
				o.logger.Warn("osc sink queue full, dropping command")
			}
		}
	}
}

func (o *Orchestrator) drain(ctx context.Context, queue chan midi.Command, sink Sink, label string) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			o.drainDeadline(queue, sink, label)
			return
		case c := <-queue:
			sink.Translate(c)
		}
	}
}

// drainDeadline flushes whatever is already queued for sink within
// shutdownDeadline, then returns, per spec.md §4.7's 500ms drain rule.
func (o *Orchestrator) drainDeadline(queue chan midi.Command, sink Sink, label string) {
	deadline := time.After(shutdownDeadline)
	for {
		select {
		case c := <-queue:
			sink.Translate(c)
		case <-deadline:
			o.logger.Info("shutdown drain deadline reached", "sink", label)
			return
		default:
			return
		}
	}
}

// Stop cancels the orchestrator's context, triggering a bounded drain and
// shutdown of both sink goroutines.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
}

// NextReconnectDelay returns the current backoff delay and doubles it
// (capped at reconnectMax) for the following call, per spec.md §4.7.
func (o *Orchestrator) NextReconnectDelay() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	d := o.reconnectBackoff
	o.reconnectBackoff *= 2
	if o.reconnectBackoff > reconnectMax {
		o.reconnectBackoff = reconnectMax
	}
	return d
}

// ResetReconnectBackoff restores the backoff to its initial value after a
// successful reconnection.
func (o *Orchestrator) ResetReconnectBackoff() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reconnectBackoff = reconnectInitial
}
