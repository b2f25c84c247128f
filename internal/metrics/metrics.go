// Package metrics exposes midihub's runtime state as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionProvider exposes the AppleMIDI session's current lifecycle state
// and clock-sync measurements for the gauge metrics below.
type SessionProvider interface {
	// State returns the session state machine's current state name
	// (e.g. "Idle", "Established", "Terminating").
	State() string
	LatencyNS() int64
	ClockOffsetNS() int64
	SequenceNumber() uint16
}

// JournalProvider exposes Recovery Journal bookkeeping counters.
type JournalProvider interface {
	AppliedTotal() uint64
	GapPacketsRecoveredTotal() uint64
	MalformedTotal() uint64
}

// OSCStatsProvider exposes OSC sender counters.
type OSCStatsProvider interface {
	SentTotal() uint64
	DroppedTotal() uint64
	CoalescedTotal() uint64
}

// DiscoveryProvider exposes the discovery service's view of known peers.
type DiscoveryProvider interface {
	PeersKnown() int
}

// VisualizerProvider exposes the embedded scheduler's queue health.
type VisualizerProvider interface {
	QueueDepth() int
	QueueDroppedTotal() uint64
	RenderedFramesTotal() uint64
}

// Collector is a prometheus.Collector that gathers midihub metrics at scrape time.
// Any provider may be nil if that subsystem is not running in this process
// (e.g. the visualizer metrics are absent in the Hub process).
type Collector struct {
	session    SessionProvider
	journal    JournalProvider
	osc        OSCStatsProvider
	discovery  DiscoveryProvider
	visualizer VisualizerProvider
	startTime  time.Time

	sessionStateDesc      *prometheus.Desc
	clockLatencyDesc      *prometheus.Desc
	clockOffsetDesc       *prometheus.Desc
	sequenceNumberDesc    *prometheus.Desc
	journalAppliedDesc    *prometheus.Desc
	journalRecoveredDesc  *prometheus.Desc
	journalMalformedDesc  *prometheus.Desc
	oscSentDesc           *prometheus.Desc
	oscDroppedDesc        *prometheus.Desc
	oscCoalescedDesc      *prometheus.Desc
	peersKnownDesc        *prometheus.Desc
	vizQueueDepthDesc     *prometheus.Desc
	vizQueueDroppedDesc   *prometheus.Desc
	vizRenderedFramesDesc *prometheus.Desc
	uptimeDesc            *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	session SessionProvider,
	journal JournalProvider,
	osc OSCStatsProvider,
	discovery DiscoveryProvider,
	visualizer VisualizerProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		session:    session,
		journal:    journal,
		osc:        osc,
		discovery:  discovery,
		visualizer: visualizer,
		startTime:  startTime,

		sessionStateDesc: prometheus.NewDesc(
			"midihub_session_state",
			"Current AppleMIDI session state (1=active for this label, 0=other)",
			[]string{"state"}, nil,
		),
		clockLatencyDesc: prometheus.NewDesc(
			"midihub_clock_latency_ns",
			"Estimated one-way network latency from the last CK exchange",
			nil, nil,
		),
		clockOffsetDesc: prometheus.NewDesc(
			"midihub_clock_offset_ns",
			"Estimated clock offset from the peer from the last CK exchange",
			nil, nil,
		),
		sequenceNumberDesc: prometheus.NewDesc(
			"midihub_rtp_sequence_number",
			"Most recently sent RTP-MIDI sequence number",
			nil, nil,
		),
		journalAppliedDesc: prometheus.NewDesc(
			"midihub_journal_applied_total",
			"Total number of recovery journals applied on packet gaps",
			nil, nil,
		),
		journalRecoveredDesc: prometheus.NewDesc(
			"midihub_journal_gap_packets_recovered_total",
			"Total number of lost packets recovered via journal application",
			nil, nil,
		),
		journalMalformedDesc: prometheus.NewDesc(
			"midihub_journal_malformed_total",
			"Total number of malformed journal sections encountered",
			nil, nil,
		),
		oscSentDesc: prometheus.NewDesc(
			"midihub_osc_sent_total",
			"Total OSC messages sent to the visualizer",
			nil, nil,
		),
		oscDroppedDesc: prometheus.NewDesc(
			"midihub_osc_dropped_total",
			"Total OSC messages dropped on socket send error",
			nil, nil,
		),
		oscCoalescedDesc: prometheus.NewDesc(
			"midihub_osc_coalesced_total",
			"Total ControlChange messages absorbed by coalescing",
			nil, nil,
		),
		peersKnownDesc: prometheus.NewDesc(
			"midihub_discovery_peers_known",
			"Number of peers currently known to the discovery service",
			nil, nil,
		),
		vizQueueDepthDesc: prometheus.NewDesc(
			"midihub_visualizer_queue_depth",
			"Current depth of the visualizer's bounded command queue",
			nil, nil,
		),
		vizQueueDroppedDesc: prometheus.NewDesc(
			"midihub_visualizer_queue_dropped_total",
			"Total commands dropped because the visualizer queue was full",
			nil, nil,
		),
		vizRenderedFramesDesc: prometheus.NewDesc(
			"midihub_visualizer_rendered_frames_total",
			"Total LED frames composed and written to the strip",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"midihub_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionStateDesc
	ch <- c.clockLatencyDesc
	ch <- c.clockOffsetDesc
	ch <- c.sequenceNumberDesc
	ch <- c.journalAppliedDesc
	ch <- c.journalRecoveredDesc
	ch <- c.journalMalformedDesc
	ch <- c.oscSentDesc
	ch <- c.oscDroppedDesc
	ch <- c.oscCoalescedDesc
	ch <- c.peersKnownDesc
	ch <- c.vizQueueDepthDesc
	ch <- c.vizQueueDroppedDesc
	ch <- c.vizRenderedFramesDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.session != nil {
		ch <- prometheus.MustNewConstMetric(
			c.sessionStateDesc, prometheus.GaugeValue, 1, c.session.State(),
		)
		ch <- prometheus.MustNewConstMetric(
			c.clockLatencyDesc, prometheus.GaugeValue, float64(c.session.LatencyNS()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.clockOffsetDesc, prometheus.GaugeValue, float64(c.session.ClockOffsetNS()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.sequenceNumberDesc, prometheus.GaugeValue, float64(c.session.SequenceNumber()),
		)
	}

	if c.journal != nil {
		ch <- prometheus.MustNewConstMetric(c.journalAppliedDesc, prometheus.CounterValue, float64(c.journal.AppliedTotal()))
		ch <- prometheus.MustNewConstMetric(c.journalRecoveredDesc, prometheus.CounterValue, float64(c.journal.GapPacketsRecoveredTotal()))
		ch <- prometheus.MustNewConstMetric(c.journalMalformedDesc, prometheus.CounterValue, float64(c.journal.MalformedTotal()))
	}

	if c.osc != nil {
		ch <- prometheus.MustNewConstMetric(c.oscSentDesc, prometheus.CounterValue, float64(c.osc.SentTotal()))
		ch <- prometheus.MustNewConstMetric(c.oscDroppedDesc, prometheus.CounterValue, float64(c.osc.DroppedTotal()))
		ch <- prometheus.MustNewConstMetric(c.oscCoalescedDesc, prometheus.CounterValue, float64(c.osc.CoalescedTotal()))
	}

	if c.discovery != nil {
		ch <- prometheus.MustNewConstMetric(c.peersKnownDesc, prometheus.GaugeValue, float64(c.discovery.PeersKnown()))
	}

	if c.visualizer != nil {
		ch <- prometheus.MustNewConstMetric(c.vizQueueDepthDesc, prometheus.GaugeValue, float64(c.visualizer.QueueDepth()))
		ch <- prometheus.MustNewConstMetric(c.vizQueueDroppedDesc, prometheus.CounterValue, float64(c.visualizer.QueueDroppedTotal()))
		ch <- prometheus.MustNewConstMetric(c.vizRenderedFramesDesc, prometheus.CounterValue, float64(c.visualizer.RenderedFramesTotal()))
	}

	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}
