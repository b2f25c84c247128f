// Command visualizer runs the embedded-side process that receives the
// Hub's OSC stream and drives an LED strip: the network task decodes OSC
// into MidiCommand values and enqueues them, the render task drains the
// queue at a fixed cadence and composes frames (spec.md §4.8-4.9). This
// binary stands in for the real hardware target; FrameSink here logs frame
// summaries instead of addressing a physical LED strip.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/midihub/internal/config"
	"github.com/flowpbx/midihub/internal/discovery"
	"github.com/flowpbx/midihub/internal/httpapi"
	"github.com/flowpbx/midihub/internal/metrics"
	"github.com/flowpbx/midihub/internal/osc"
	"github.com/flowpbx/midihub/internal/visualizer/scheduler"
	"github.com/flowpbx/midihub/internal/visualizer/state"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)
	logger = logger.With("run_id", uuid.NewString())

	startTime := time.Now()

	logger.Info("starting midihub visualizer",
		"osc_port", cfg.OSCPort,
		"led_strip_length", cfg.LEDStripLength,
		"fade_ms", cfg.FadeMS,
		"discovery_enabled", cfg.DiscoveryEnabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	machine := state.NewMachine(cfg.LEDStripLength, time.Duration(cfg.FadeMS)*time.Millisecond)
	sink := newLoggingFrameSink(logger)
	sched := scheduler.NewScheduler(machine, sink, logger)

	addr := fmt.Sprintf(":%d", cfg.OSCPort)
	receiver := osc.NewReceiver(addr, logger, sched.Enqueue)

	discoverySvc := discovery.NewService(logger)
	if cfg.DiscoveryEnabled {
		if err := discoverySvc.Advertise(discovery.ServiceOSC, cfg.DiscoveryName, cfg.OSCPort, 2); err != nil {
			logger.Warn("mDNS advertise failed, continuing without discovery", "error", err)
		} else {
			defer discoverySvc.StopAdvertising()
		}
	}

	collector := metrics.NewCollector(nil, nil, nil, discoverySvc, sched, startTime)
	if err := prometheus.Register(collector); err != nil {
		logger.Warn("metrics registration failed", "error", err)
	}

	statusServer := httpapi.NewServer(visualizerStatus{discovery: discoverySvc, scheduler: sched}, startTime)
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPStatusPort),
		Handler:      statusServer,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.RunRenderTask(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("osc receiver listening", "addr", addr)
		if err := receiver.ListenAndServe(); err != nil {
			logger.Error("osc receiver stopped", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("http status server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http status server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http status server shutdown error", "error", err)
	}

	// The OSC receiver and render task have no graceful Stop of their own;
	// the process exit tears down the listening socket and ticker.
	logger.Info("midihub visualizer stopped")
}

// loggingFrameSink stands in for a hardware LED strip driver: it logs a
// frame summary every logEvery frames instead of addressing real
// hardware, since this binary has no physical strip to drive.
type loggingFrameSink struct {
	logger *slog.Logger
	count  atomic.Uint64
}

const logEvery = 300 // ~5s at 60Hz

func newLoggingFrameSink(logger *slog.Logger) *loggingFrameSink {
	return &loggingFrameSink{logger: logger.With("component", "frame_sink")}
}

func (s *loggingFrameSink) WriteFrame(frame []state.RGB) {
	n := s.count.Add(1)
	if n%logEvery != 0 {
		return
	}
	lit := 0
	for _, c := range frame {
		if c.R != 0 || c.G != 0 || c.B != 0 {
			lit++
		}
	}
	s.logger.Debug("frame composed", "frames_rendered", n, "leds_lit", lit, "strip_length", len(frame))
}

// visualizerStatus adapts the discovery service and scheduler to
// httpapi.StatusProvider.
type visualizerStatus struct {
	discovery *discovery.Service
	scheduler *scheduler.Scheduler
}

func (v visualizerStatus) SessionState() string   { return "n/a" }
func (v visualizerStatus) PeersKnown() int        { return v.discovery.PeersKnown() }
func (v visualizerStatus) SequenceNumber() uint16 { return uint16(v.scheduler.RenderedFramesTotal()) }
