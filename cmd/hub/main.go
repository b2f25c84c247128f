// Command hub runs the midihub AppleMIDI-to-OSC relay: it invites a single
// RTP-MIDI peer (a DAW or hardware controller), keeps the recovery journal
// and clock sync current once established, and fans every MIDI event out
// to the OSC translator for the embedded visualizer while advertising
// itself on mDNS so the peer can find it without static configuration.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/midihub/internal/config"
	"github.com/flowpbx/midihub/internal/discovery"
	"github.com/flowpbx/midihub/internal/hub"
	"github.com/flowpbx/midihub/internal/httpapi"
	"github.com/flowpbx/midihub/internal/metrics"
	"github.com/flowpbx/midihub/internal/midi"
	"github.com/flowpbx/midihub/internal/osc"
	"github.com/flowpbx/midihub/internal/rtpmidi"
	"github.com/flowpbx/midihub/internal/translate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	// A per-process run ID ties together every log line emitted by this
	// instance, the same correlation-ID idiom flowpbx-flowpbx's pgstore
	// uses uuid.NewString() for.
	logger = logger.With("run_id", uuid.NewString())

	startTime := time.Now()
	ssrc := randomSSRC()

	logger.Info("starting midihub",
		"session_name", cfg.SessionName,
		"rtp_control_port", cfg.RTPMIDIControlPort,
		"rtp_data_port", cfg.DataPort(),
		"osc_port", cfg.OSCPort,
		"discovery_enabled", cfg.DiscoveryEnabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session := rtpmidi.NewSession(cfg.SessionName, ssrc, logger)
	session.StartClock(cfg.SampleRate, startTime)

	controlConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: cfg.RTPMIDIControlPort})
	if err != nil {
		logger.Error("failed to bind control port", "error", err)
		os.Exit(1)
	}
	defer controlConn.Close()

	dataConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: cfg.DataPort()})
	if err != nil {
		logger.Error("failed to bind data port", "error", err)
		os.Exit(1)
	}
	defer dataConn.Close()

	oscTarget, oscTargetPort := cfg.OSCTargetAddress, cfg.OSCPort
	if oscTarget == "" {
		oscTarget = "127.0.0.1" // retargeted by browseForVisualizer once mDNS resolves an instance
	}
	sender := osc.NewSender(oscTarget, oscTargetPort, logger)
	translator := translate.NewTranslator(sender, cfg.EmitChannelPrefix)

	peers := &peerState{}

	rtpSink := hub.SessionSink{
		Observe: session.Journal().Observe,
		Enqueue: func(c midi.Command) {
			sendMIDIOut(dataConn, peers, session, c, logger)
		},
	}

	orchestrator := hub.NewOrchestrator(rtpSink, translator, logger)

	discoverySvc := discovery.NewService(logger)
	if cfg.DiscoveryEnabled {
		if err := discoverySvc.Advertise(discovery.ServiceAppleMIDI, cfg.DiscoveryName, cfg.RTPMIDIControlPort, 2); err != nil {
			logger.Warn("mDNS advertise failed, continuing without discovery", "error", err)
		} else {
			defer discoverySvc.StopAdvertising()
		}
	}

	if cfg.OSCTargetAddress == "" && cfg.DiscoveryEnabled {
		go browseForVisualizer(ctx, discoverySvc, sender, logger)
	}

	collector := metrics.NewCollector(session, session, sender, discoverySvc, nil, startTime)
	if err := prometheus.Register(collector); err != nil {
		logger.Warn("metrics registration failed", "error", err)
	}

	statusServer := httpapi.NewServer(hubStatus{session: session, discovery: discoverySvc}, startTime)
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
		orchestrator.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runControlListener(ctx, controlConn, dataConn, session, peers, logger)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runDataListener(ctx, dataConn, session, orchestrator, logger)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runMaintenance(ctx, dataConn, session, peers, logger)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		connectLoop(ctx, cfg, controlConn, discoverySvc, session, peers, orchestrator, logger)
	}()

	if cfg.DiscoveryEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			watchPeerRemoval(ctx, discoverySvc, session, peers, logger)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("http status server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http status server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	if addr := peers.controlAddr(); addr != nil {
		controlConn.WriteToUDP(rtpmidi.EncodeTeardown(session.BeginTeardown()), addr)
	}
	orchestrator.Stop()
	sender.Flush()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http status server shutdown error", "error", err)
	}

	wg.Wait()
	logger.Info("midihub stopped")
}

// peerState holds the resolved peer addresses once discovered or
// configured, guarded by a mutex because the connect loop, both UDP
// listeners, and the maintenance loop all read or write it.
type peerState struct {
	mu      sync.Mutex
	control *net.UDPAddr
	data    *net.UDPAddr
}

func (p *peerState) set(controlAddr *net.UDPAddr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.control = controlAddr
	p.data = &net.UDPAddr{IP: controlAddr.IP, Port: controlAddr.Port + 1}
}

func (p *peerState) controlAddr() *net.UDPAddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.control
}

func (p *peerState) dataAddr() *net.UDPAddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data
}

// invitationAttempts and invitationAttemptTimeout implement spec.md §6's
// Timeouts table entry "Invitation: 5 s per attempt, 3 attempts": a peer
// that never answers gets the same IN datagram sent this many times in
// total (the first send plus two resends) before the session is marked
// unreachable and control returns to discovery.
const (
	invitationAttempts       = 3
	invitationAttemptTimeout = 5 * time.Second
	statePollInterval        = 100 * time.Millisecond
)

// connectLoop owns the session's entire connect/hold/reconnect lifecycle:
// resolve a peer (static config or mDNS), run the invitation handshake
// with its timeout/retry budget, hold the loop while the session stays
// established, and on any loss re-enter discovery after an
// orchestrator-governed exponential backoff, per spec.md §4.7's
// Reconnection contract. It never returns before ctx is cancelled.
func connectLoop(ctx context.Context, cfg *config.Config, controlConn *net.UDPConn, discoverySvc *discovery.Service, session *rtpmidi.Session, peers *peerState, orchestrator *hub.Orchestrator, logger *slog.Logger) {
	for ctx.Err() == nil {
		addr, err := resolvePeerAddress(ctx, cfg, discoverySvc, logger)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := orchestrator.NextReconnectDelay()
			logger.Warn("no AppleMIDI peer address available, retrying discovery", "error", err, "wait", wait)
			if !sleepOrDone(ctx, wait) {
				return
			}
			continue
		}

		peers.set(addr)
		session.Reset()

		if !attemptInvitation(ctx, controlConn, session, addr, logger) {
			if ctx.Err() != nil {
				return
			}
			wait := orchestrator.NextReconnectDelay()
			logger.Warn("invitation handshake exhausted its attempts, backing off before retrying discovery", "wait", wait)
			if !sleepOrDone(ctx, wait) {
				return
			}
			continue
		}

		if !pollUntil(ctx, statePollInterval, 0, func() bool {
			s := session.State()
			return s == string(rtpmidi.StateEstablished) || s == string(rtpmidi.StateClosed) || s == string(rtpmidi.StateIdle)
		}) {
			return // ctx cancelled while waiting for the handshake to resolve
		}
		if session.State() != string(rtpmidi.StateEstablished) {
			wait := orchestrator.NextReconnectDelay()
			logger.Warn("clock sync failed to complete, backing off before retrying discovery", "wait", wait)
			if !sleepOrDone(ctx, wait) {
				return
			}
			continue
		}

		orchestrator.ResetReconnectBackoff()
		logger.Info("session established, holding connect loop until teardown")

		if !pollUntil(ctx, statePollInterval, 0, func() bool {
			return session.State() == string(rtpmidi.StateClosed)
		}) {
			return
		}
		logger.Info("session lost, re-entering discovery")
	}
}

// sleepOrDone waits for d or ctx cancellation, returning false in the
// latter case so callers can unwind instead of looping again.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// pollUntil polls cond at interval until it reports true, timeout
// elapses (if timeout > 0), or ctx is cancelled. Returns false only when
// ctx was cancelled, so callers can distinguish "gave up" from
// "shutting down".
func pollUntil(ctx context.Context, interval, timeout time.Duration, cond func() bool) bool {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if cond() {
			return true
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return true // timed out; caller inspects state to tell timeout from success
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// resolvePeerAddress uses the configured static peer address if present,
// otherwise blocks on mDNS discovery of the first AppleMIDI peer seen.
func resolvePeerAddress(ctx context.Context, cfg *config.Config, discoverySvc *discovery.Service, logger *slog.Logger) (*net.UDPAddr, error) {
	if cfg.RTPPeerAddress != "" {
		return net.ResolveUDPAddr("udp", cfg.RTPPeerAddress)
	}
	if !cfg.DiscoveryEnabled {
		return nil, fmt.Errorf("no rtp-peer-address configured and discovery disabled")
	}

	browseCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := discoverySvc.Browse(browseCtx, discovery.ServiceAppleMIDI)
	if err != nil {
		return nil, fmt.Errorf("browsing for AppleMIDI peers: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil, fmt.Errorf("discovery browse channel closed before a peer was found")
			}
			if ev.Kind == discovery.Removed {
				continue
			}
			logger.Info("discovered AppleMIDI peer via mDNS", "instance", ev.Peer.InstanceName, "address", ev.Peer.Address, "port", ev.Peer.Port)
			return &net.UDPAddr{IP: net.ParseIP(ev.Peer.Address), Port: ev.Peer.Port}, nil
		}
	}
}

// attemptInvitation sends the same IN datagram up to invitationAttempts
// times in total, invitationAttemptTimeout apart, until the session progresses past ControlInvited (OK received)
// or is rejected (NO received, handled by runControlListener). Returns
// false if every attempt goes unanswered, after which it marks the
// session unreachable and restores it to Idle via
// Session.HandleInvitationReject so the next connectLoop iteration can
// begin cleanly.
func attemptInvitation(ctx context.Context, conn *net.UDPConn, session *rtpmidi.Session, addr *net.UDPAddr, logger *slog.Logger) bool {
	inv, err := session.BeginInvitation()
	if err != nil {
		logger.Warn("cannot begin invitation from current state", "error", err)
		return false
	}
	buf := rtpmidi.EncodeInvitation(inv)

	for attempt := 1; attempt <= invitationAttempts; attempt++ {
		if _, err := conn.WriteToUDP(buf, addr); err != nil {
			logger.Warn("failed to send invitation", "error", err, "attempt", attempt)
		}

		pollUntil(ctx, statePollInterval, invitationAttemptTimeout, func() bool {
			return session.State() != string(rtpmidi.StateControlInvited)
		})
		if ctx.Err() != nil {
			return false
		}
		switch session.State() {
		case string(rtpmidi.StateControlInvited):
			logger.Warn("invitation attempt timed out awaiting control OK", "attempt", attempt)
			continue // no reply at all; resend the same IN
		case string(rtpmidi.StateIdle):
			// HandleInvitationReject already ran from runControlListener's
			// "NO" case and reset the session; don't keep retrying a
			// conscious rejection.
			logger.Info("invitation rejected by peer")
			return false
		default:
			return true // moved on to DataInvited or further
		}
	}

	session.HandleInvitationReject()
	logger.Warn("peer never answered the invitation after all attempts", "attempts", invitationAttempts)
	return false
}

// watchPeerRemoval tears the session down as soon as mDNS reports the
// currently connected peer has disappeared, rather than waiting out the
// CK keep-alive timeout, per spec.md §4.6's Resolution contract ("On
// Removed, dependent sessions are torn down").
func watchPeerRemoval(ctx context.Context, svc *discovery.Service, session *rtpmidi.Session, peers *peerState, logger *slog.Logger) {
	events, err := svc.Browse(ctx, discovery.ServiceAppleMIDI)
	if err != nil {
		logger.Warn("mDNS peer-removal watch failed to start", "error", err)
		return
	}
	for ev := range events {
		if ev.Kind != discovery.Removed {
			continue
		}
		addr := peers.controlAddr()
		if addr == nil || addr.IP.String() != ev.Peer.Address {
			continue
		}
		logger.Warn("connected AppleMIDI peer removed from mDNS, tearing down session", "instance", ev.Peer.InstanceName)
		session.Close()
	}
}

// sendMIDIOut assembles an outgoing RTP-MIDI packet carrying c, plus a
// fresh recovery-journal section covering every touched channel, and sends
// it to the peer's data port once the session is established.
func sendMIDIOut(conn *net.UDPConn, peers *peerState, session *rtpmidi.Session, c midi.Command, logger *slog.Logger) {
	addr := peers.dataAddr()
	if addr == nil {
		return
	}
	if session.State() != string(rtpmidi.StateEstablished) {
		return
	}

	seq := session.NextSequence()
	journalBytes, err := session.Journal().Encode(false)
	if err != nil {
		logger.Warn("journal encode failed, sending without recovery section", "error", err)
		journalBytes = nil
	}

	pkt := rtpmidi.Packet{
		Header: rtpmidi.Header{
			SequenceNumber: seq,
			Timestamp:      session.Timestamp(time.Now()),
			SSRC:           session.LocalSSRC,
		},
		Payload: rtpmidi.Payload{
			Commands: []rtpmidi.TimedCommand{{Command: c}},
			Journal:  journalBytes,
		},
	}
	buf, err := rtpmidi.Encode(pkt)
	if err != nil {
		logger.Warn("failed to encode outgoing packet", "error", err)
		return
	}
	if _, err := conn.WriteToUDP(buf, addr); err != nil {
		logger.Warn("failed to send outgoing packet", "error", err)
	}
}

// runControlListener owns the control-port side of the invitation
// handshake: it reads OK/NO/BY replies to our own IN and drives the
// session state machine onward (the second IN goes out on the data port).
// On NO it only returns the session to Idle via HandleInvitationReject;
// the retry and its backoff are left to connectLoop.
func runControlListener(ctx context.Context, controlConn, dataConn *net.UDPConn, session *rtpmidi.Session, peers *peerState, logger *slog.Logger) {
	buf := make([]byte, 1500)
	for {
		if ctx.Err() != nil {
			return
		}
		controlConn.SetReadDeadline(time.Now().Add(time.Second))
		n, remote, err := controlConn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		cmd, body, err := rtpmidi.ParseControlCommand(buf[:n])
		if err != nil {
			logger.Debug("dropping malformed control packet", "error", err)
			continue
		}

		switch cmd {
		case "OK":
			inv, err := rtpmidi.DecodeInvitation(cmd, body)
			if err != nil {
				logger.Warn("malformed control accept", "error", err)
				continue
			}
			logger.Info("control port invitation accepted", "peer", inv.Name)
			next, err := session.HandleControlAccept(inv)
			if err != nil {
				logger.Warn("unexpected control accept", "error", err)
				continue
			}
			dataAddr := peers.dataAddr()
			if dataAddr == nil {
				dataAddr = &net.UDPAddr{IP: remote.IP, Port: remote.Port + 1}
			}
			dataConn.WriteToUDP(rtpmidi.EncodeInvitation(next), dataAddr)
		case "NO":
			// Moves the session back to Idle; attemptInvitation's poll of
			// session.State() notices and connectLoop drives the
			// orchestrator-governed backoff and re-discovery from there.
			session.HandleInvitationReject()
			logger.Warn("invitation rejected by peer")
		case "BY":
			logger.Info("peer sent teardown on control port", "from", remote)
			session.Close()
		}
	}
}

// runDataListener owns the data-port side: the second-leg OK, CK clock
// sync, MIDI packets (applying sequence-gap recovery), and teardown.
func runDataListener(ctx context.Context, conn *net.UDPConn, session *rtpmidi.Session, orchestrator *hub.Orchestrator, logger *slog.Logger) {
	buf := make([]byte, 1500)
	for {
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}

		if looksLikeControlPacket(buf[:n]) {
			cmd, body, err := rtpmidi.ParseControlCommand(buf[:n])
			if err != nil {
				continue
			}
			switch cmd {
			case "OK":
				inv, err := rtpmidi.DecodeInvitation(cmd, body)
				if err != nil {
					continue
				}
				ck0, err := session.HandleDataAccept(inv, time.Now())
				if err != nil {
					logger.Warn("unexpected data accept", "error", err)
					continue
				}
				conn.WriteToUDP(rtpmidi.EncodeClockSync(ck0), remote)
			case "CK":
				ck1, err := rtpmidi.DecodeClockSync(body)
				if err != nil {
					continue
				}
				ck2, err := session.HandleCK1(ck1, time.Now())
				if err != nil {
					logger.Debug("clock sync out of order", "error", err)
					continue
				}
				conn.WriteToUDP(rtpmidi.EncodeClockSync(ck2), remote)
				session.ResetBackoff()
				logger.Info("session established", "latency_ns", session.LatencyNS(), "offset_ns", session.ClockOffsetNS())
			case "BY":
				logger.Info("peer sent teardown on data port", "from", remote)
				session.Close()
			}
			continue
		}

		pkt, err := rtpmidi.Decode(buf[:n])
		if err != nil {
			logger.Debug("dropping malformed data packet", "error", err)
			continue
		}
		outcome, err := session.HandleDataPacket(pkt, func(c midi.Command) {
			select {
			case orchestrator.Input() <- c:
			default:
				logger.Warn("orchestrator input full, dropping command")
			}
		})
		if err != nil {
			logger.Warn("error handling data packet", "error", err)
			continue
		}
		if outcome == rtpmidi.OutcomeGapRecovered {
			logger.Info("recovered from sequence gap via journal", "seq", pkt.Header.SequenceNumber)
		}
	}
}

// looksLikeControlPacket distinguishes the 0xFFFF-magic control messages
// AppleMIDI also sends on the data port (OK, CK, BY) from RTP-MIDI
// datagrams, which always begin with the RTP version bits.
func looksLikeControlPacket(buf []byte) bool {
	return len(buf) >= 2 && buf[0] == 0xFF && buf[1] == 0xFF
}

// runMaintenance drives periodic clock resync and CK-timeout teardown, per
// spec.md §4.3.
func runMaintenance(ctx context.Context, conn *net.UDPConn, session *rtpmidi.Session, peers *peerState, logger *slog.Logger) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if session.CKTimedOut(now) {
				logger.Warn("clock sync timed out, tearing down session")
				session.Close()
				continue
			}
			if session.DueForResync(now) {
				addr := peers.dataAddr()
				if addr == nil {
					continue
				}
				ck0 := rtpmidi.ClockSync{SSRC: session.LocalSSRC, Count: 0, T1: uint64(now.UnixNano())}
				conn.WriteToUDP(rtpmidi.EncodeClockSync(ck0), addr)
			}
		}
	}
}

// browseForVisualizer watches mDNS for the OSC visualizer's advertisement
// so the operator never has to configure a static visualizer address. On
// every Added/Updated sighting it rebuilds sender's target via Retarget,
// so emission resumes within one browse event of the advertisement
// reappearing (spec.md §4.4/Scenario F).
func browseForVisualizer(ctx context.Context, svc *discovery.Service, sender *osc.Sender, logger *slog.Logger) {
	events, err := svc.Browse(ctx, discovery.ServiceOSC)
	if err != nil {
		logger.Warn("mDNS browse for visualizer failed", "error", err)
		return
	}
	for ev := range events {
		switch ev.Kind {
		case discovery.Removed:
			logger.Info("visualizer disappeared from mDNS", "instance", ev.Peer.InstanceName)
		default:
			logger.Info("discovered visualizer", "instance", ev.Peer.InstanceName, "address", ev.Peer.Address, "port", ev.Peer.Port)
			sender.Retarget(ev.Peer.Address, ev.Peer.Port)
		}
	}
}

// randomSSRC generates a session SSRC from a cryptographically random
// source, as spec.md §4.3 requires ("random at session start").
func randomSSRC() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// hubStatus adapts the session and discovery service to httpapi.StatusProvider.
type hubStatus struct {
	session   *rtpmidi.Session
	discovery *discovery.Service
}

func (h hubStatus) SessionState() string   { return h.session.State() }
func (h hubStatus) PeersKnown() int        { return h.discovery.PeersKnown() }
func (h hubStatus) SequenceNumber() uint16 { return h.session.SequenceNumber() }
