package hub

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/midihub/internal/midi"
)

type recordingSink struct {
	mu       sync.Mutex
	received []midi.Command
	delay    time.Duration
}

func (r *recordingSink) Translate(c midi.Command) {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	r.received = append(r.received, c)
	r.mu.Unlock()
}

func (r *recordingSink) commands() []midi.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]midi.Command, len(r.received))
	copy(out, r.received)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFanOutDeliversToBothSinksInOrder(t *testing.T) {
	rtp := &recordingSink{}
	oscSink := &recordingSink{}
	o := NewOrchestrator(rtp, oscSink, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go o.Run(ctx)

	cmds := []midi.Command{
		{Kind: midi.NoteOn, Note: 1},
		{Kind: midi.NoteOn, Note: 2},
		{Kind: midi.NoteOn, Note: 3},
	}
	for _, c := range cmds {
		o.Input() <- c
	}

	time.Sleep(50 * time.Millisecond)
	cancel()
	o.Stop()
	time.Sleep(50 * time.Millisecond)

	rtpGot := rtp.commands()
	oscGot := oscSink.commands()
	if len(rtpGot) != 3 || len(oscGot) != 3 {
		t.Fatalf("expected 3 commands at each sink, got rtp=%d osc=%d", len(rtpGot), len(oscGot))
	}
	for i, c := range cmds {
		if rtpGot[i].Note != c.Note || oscGot[i].Note != c.Note {
			t.Errorf("order mismatch at %d: rtp=%+v osc=%+v want=%+v", i, rtpGot[i], oscGot[i], c)
		}
	}
}

func TestSlowSinkDoesNotBlockTheOther(t *testing.T) {
	rtp := &recordingSink{}
	slowOsc := &recordingSink{delay: 200 * time.Millisecond}
	o := NewOrchestrator(rtp, slowOsc, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	o.Input() <- midi.Command{Kind: midi.NoteOn, Note: 42}

	time.Sleep(30 * time.Millisecond)
	if len(rtp.commands()) != 1 {
		t.Errorf("expected rtp sink to receive its command promptly despite a slow osc sink, got %d", len(rtp.commands()))
	}
}

func TestReconnectBackoffDoublesAndCaps(t *testing.T) {
	o := NewOrchestrator(&recordingSink{}, &recordingSink{}, testLogger())
	first := o.NextReconnectDelay()
	second := o.NextReconnectDelay()
	if second != 2*first {
		t.Errorf("expected backoff to double, got %v then %v", first, second)
	}
	for i := 0; i < 10; i++ {
		o.NextReconnectDelay()
	}
	if d := o.NextReconnectDelay(); d != reconnectMax {
		t.Errorf("expected backoff capped at %v, got %v", reconnectMax, d)
	}
	o.ResetReconnectBackoff()
	if d := o.NextReconnectDelay(); d != reconnectInitial {
		t.Errorf("expected backoff reset to %v, got %v", reconnectInitial, d)
	}
}
