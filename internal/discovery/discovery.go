// Package discovery implements mDNS/DNS-SD advertisement and browsing for
// AppleMIDI peers and OSC visualizers (spec.md §4.6), using
// github.com/grandcat/zeroconf for the underlying multicast protocol.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceAppleMIDI is the service type advertised/browsed for RTP-MIDI peers.
	ServiceAppleMIDI = "_apple-midi._udp"
	// ServiceOSC is the service type advertised/browsed for visualizers.
	ServiceOSC = "_osc._udp"

	domain = "local."
)

// EventKind distinguishes additions, refreshes, and removals of a peer.
type EventKind int

const (
	Added EventKind = iota
	Updated
	Removed
)

func (k EventKind) String() string {
	switch k {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Peer is one resolved mDNS/DNS-SD record.
type Peer struct {
	InstanceName string
	Address      string
	Port         int
	TXT          []string
}

// Event is a single Added/Updated/Removed notification from Browse.
type Event struct {
	Kind EventKind
	Peer Peer
}

// Service advertises this Hub's own endpoints and browses for peers and
// visualizers. If multicast is unavailable, callers should skip
// constructing a Service and instead configure a manual endpoint per
// spec.md §4.6's fallback clause; the session layer does not depend on
// discovery having run.
type Service struct {
	logger *slog.Logger

	mu        sync.Mutex
	known     map[string]Peer // keyed by instance name
	peerCount atomic.Int64

	server *zeroconf.Server
}

// NewService creates a discovery Service. It does not advertise or browse
// until Advertise/Browse are called.
func NewService(logger *slog.Logger) *Service {
	return &Service{
		logger: logger.With("component", "discovery"),
		known:  make(map[string]Peer),
	}
}

// Advertise registers this Hub's AppleMIDI (or OSC) endpoint on the local
// network with instance name, port, and a TXT record carrying the protocol
// version.
func (s *Service) Advertise(serviceType, instanceName string, port int, protocolVersion int) error {
	server, err := zeroconf.Register(
		instanceName,
		serviceType,
		domain,
		port,
		[]string{fmt.Sprintf("version=%d", protocolVersion)},
		nil,
	)
	if err != nil {
		return fmt.Errorf("discovery: advertise %s: %w", serviceType, err)
	}
	s.mu.Lock()
	s.server = server
	s.mu.Unlock()
	return nil
}

// StopAdvertising shuts down the mDNS responder for this Hub's own
// advertisement, if one was started.
func (s *Service) StopAdvertising() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		s.server.Shutdown()
		s.server = nil
	}
}

// Browse resolves instances of serviceType and streams Added/Updated/
// Removed events until ctx is cancelled. The caller drains the returned
// channel; on Removed, the caller is responsible for tearing down any
// dependent session and should expect re-discovery to follow with backoff
// handled by the hub orchestrator.
func (s *Service) Browse(ctx context.Context, serviceType string) (<-chan Event, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: new resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	events := make(chan Event)

	if err := resolver.Browse(ctx, serviceType, domain, entries); err != nil {
		return nil, fmt.Errorf("discovery: browse %s: %w", serviceType, err)
	}

	go func() {
		defer close(events)
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				s.handleEntry(entry, events)
			}
		}
	}()

	return events, nil
}

func (s *Service) handleEntry(entry *zeroconf.ServiceEntry, events chan<- Event) {
	peer := Peer{
		InstanceName: entry.Instance,
		Port:         entry.Port,
		TXT:          entry.Text,
	}
	if len(entry.AddrIPv4) > 0 {
		peer.Address = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		peer.Address = entry.AddrIPv6[0].String()
	}

	// zeroconf reports removal as a TTL-expired entry with no address; the
	// library does not distinguish Added from Updated, so a second sighting
	// of a known instance is treated as Updated.
	s.mu.Lock()
	_, known := s.known[peer.InstanceName]
	if peer.Address == "" {
		delete(s.known, peer.InstanceName)
		s.peerCount.Store(int64(len(s.known)))
		s.mu.Unlock()
		events <- Event{Kind: Removed, Peer: peer}
		return
	}
	s.known[peer.InstanceName] = peer
	s.peerCount.Store(int64(len(s.known)))
	s.mu.Unlock()

	kind := Added
	if known {
		kind = Updated
	}
	events <- Event{Kind: kind, Peer: peer}
}

// PeersKnown implements metrics.DiscoveryProvider.
func (s *Service) PeersKnown() int {
	return int(s.peerCount.Load())
}
