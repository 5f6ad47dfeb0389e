// health.go — aggregated diagnostics surfaced both via the `health` tool
// call and via Prometheus gauges on a loopback /metrics route. Metric
// naming/registration style grounded on
// malbeclabs-doublezero/client/doublezerod/internal/liveness/metrics.go's
// promauto.NewGaugeVec convention, generalized from BFD session counters
// to relay peer/operation/tab counters.
package health

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatbridge_relay_peers",
		Help: "Currently connected peers.",
	})

	metricOperationsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatbridge_relay_operations",
			Help: "Current operations by state.",
		},
		[]string{"state"},
	)

	metricDebuggerSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatbridge_relay_debugger_sessions",
		Help: "Tabs with an attached debugger session.",
	})

	metricNetworkMonitoredTabs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatbridge_relay_network_monitored_tabs",
		Help: "Tabs with active network monitoring.",
	})

	metricInjectedObserverTabs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatbridge_relay_injected_observer_tabs",
		Help: "Tabs with an injected in-page observer.",
	})

	metricLogBufferSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatbridge_relay_log_buffer_size",
		Help: "Entries currently held in the in-memory log ring buffer.",
	})

	metricUptimeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatbridge_relay_uptime_seconds",
		Help: "Seconds since the relay process started.",
	})

	metricTransportFramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatbridge_relay_transport_frames_sent_total",
		Help: "Frames written to any peer connection.",
	})

	metricTransportFramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbridge_relay_transport_frames_dropped_total",
			Help: "Frames dropped by reason (peer_unreachable, frame_too_large).",
		},
		[]string{"reason"},
	)

	metricTransportFramesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatbridge_relay_transport_frames_received_total",
		Help: "Frames read from any peer connection.",
	})

	metricTransportReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatbridge_relay_transport_reconnects_total",
		Help: "Peer reconnects observed by Reconnection/Recovery.",
	})

	// Mirrors the promauto counters above in a form the `health` tool call
	// can read back synchronously (client_golang counters are write-only
	// from Go code; there is no Value() accessor without going through the
	// registry's Gather path).
	framesSentTotal     atomic.Uint64
	framesReceivedTotal atomic.Uint64
	reconnectsTotal     atomic.Uint64
)

// TransportCounters is the `messages sent/received, reconnect count,
// queue length` tuple spec.md §4.8 lists for the health payload.
type TransportCounters struct {
	MessagesSent     uint64 `json:"messagesSent"`
	MessagesReceived uint64 `json:"messagesReceived"`
	ReconnectCount   uint64 `json:"reconnectCount"`
	QueueLength      int    `json:"queueLength"`
}

// Snapshot is the aggregated diagnostics payload for the `health` tool
// call (spec.md §4.8).
type Snapshot struct {
	Peers                int               `json:"peers"`
	OperationsByState    map[string]int    `json:"operationsByState"`
	TabCoordinatorState  map[string]any    `json:"tabCoordinatorState,omitempty"`
	InjectedObserverTabs []string          `json:"injectedObserverTabs"`
	DebuggerSessionTabs  []string          `json:"debuggerSessionTabs"`
	DebuggerSessions     map[string]string `json:"debuggerSessions"`
	NetworkMonitoredTabs []string          `json:"networkMonitoredTabs"`
	LogBufferSize        int               `json:"logBufferSize"`
	UptimeSeconds        float64           `json:"uptimeSeconds"`
	Transport            TransportCounters `json:"transport"`
}

// Collector aggregates counters from the rest of the relay and publishes
// both the tool-call Snapshot and the Prometheus gauges. Each field is a
// pull function so Collector never needs write access to the owning
// component's internals.
type Collector struct {
	startedAt time.Time

	Peers                func() int
	OperationsByState    func() map[string]int
	InjectedObserverTabs func() []string
	DebuggerSessionTabs  func() []string
	DebuggerSessions     func() map[string]string
	NetworkMonitoredTabs func() []string
	LogBufferSize        func() int

	// QueueLength reports the total number of frames currently queued but
	// not yet delivered across every peer's outbound buffer (push peer
	// channel depth plus pull peer poll queues).
	QueueLength func() int
}

// New constructs a Collector with startedAt fixed to now.
func New(startedAt time.Time) *Collector {
	return &Collector{startedAt: startedAt}
}

// RecordFrameSent increments the sent-frame counter.
func RecordFrameSent() {
	metricTransportFramesSent.Inc()
	framesSentTotal.Add(1)
}

// RecordFrameReceived increments the received-frame counter.
func RecordFrameReceived() {
	metricTransportFramesReceived.Inc()
	framesReceivedTotal.Add(1)
}

// RecordFrameDropped increments the dropped-frame counter for a reason.
func RecordFrameDropped(reason string) { metricTransportFramesDropped.WithLabelValues(reason).Inc() }

// RecordReconnect increments the reconnect counter (Reconnection/Recovery,
// spec.md §4.10).
func RecordReconnect() {
	metricTransportReconnects.Inc()
	reconnectsTotal.Add(1)
}

// Snapshot collects the current diagnostics state, updating the
// Prometheus gauges as a side effect so /metrics and the health tool call
// never disagree.
func (c *Collector) Snapshot() Snapshot {
	peers := 0
	if c.Peers != nil {
		peers = c.Peers()
	}
	metricPeers.Set(float64(peers))

	byState := map[string]int{}
	if c.OperationsByState != nil {
		byState = c.OperationsByState()
	}
	for state, count := range byState {
		metricOperationsByState.WithLabelValues(state).Set(float64(count))
	}

	injected := stringsOrEmpty(c.InjectedObserverTabs)
	debugger := stringsOrEmpty(c.DebuggerSessionTabs)
	monitored := stringsOrEmpty(c.NetworkMonitoredTabs)
	metricInjectedObserverTabs.Set(float64(len(injected)))
	metricDebuggerSessions.Set(float64(len(debugger)))
	metricNetworkMonitoredTabs.Set(float64(len(monitored)))

	debuggerSessions := map[string]string{}
	if c.DebuggerSessions != nil {
		if m := c.DebuggerSessions(); m != nil {
			debuggerSessions = m
		}
	}

	logSize := 0
	if c.LogBufferSize != nil {
		logSize = c.LogBufferSize()
	}
	metricLogBufferSize.Set(float64(logSize))

	uptime := time.Since(c.startedAt).Seconds()
	metricUptimeSeconds.Set(uptime)

	queueLength := 0
	if c.QueueLength != nil {
		queueLength = c.QueueLength()
	}

	return Snapshot{
		Peers:                peers,
		OperationsByState:    byState,
		InjectedObserverTabs: injected,
		DebuggerSessionTabs:  debugger,
		DebuggerSessions:     debuggerSessions,
		NetworkMonitoredTabs: monitored,
		LogBufferSize:        logSize,
		UptimeSeconds:        uptime,
		Transport: TransportCounters{
			MessagesSent:     framesSentTotal.Load(),
			MessagesReceived: framesReceivedTotal.Load(),
			ReconnectCount:   reconnectsTotal.Load(),
			QueueLength:      queueLength,
		},
	}
}

func stringsOrEmpty(fn func() []string) []string {
	if fn == nil {
		return []string{}
	}
	out := fn()
	if out == nil {
		return []string{}
	}
	return out
}
