package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BridgeEnvelopes counts bridge envelopes by the terminal stage they reached.
	BridgeEnvelopes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_bridge_envelopes_total",
			Help: "Bridge envelopes by terminal stage",
		},
		[]string{"stage"},
	)

	// SecuritySignals counts rejections that indicate tampering or replay.
	SecuritySignals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_security_signals_total",
			Help: "Rejected bridge envelopes by security reason",
		},
		[]string{"reason"},
	)

	// BridgeLatency tracks the time spent moving one envelope through the pipeline.
	BridgeLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatrelay_bridge_latency_seconds",
			Help:    "Time spent verifying and routing one bridge envelope",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Deliveries counts emissions handed to the cluster by delivery kind.
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_deliveries_total",
			Help: "Emissions by kind (room, sender, outsider, legacy, global, admin)",
		},
		[]string{"kind"},
	)

	// DroppedFrames counts frames discarded because a client send buffer was full.
	DroppedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_dropped_frames_total",
			Help: "Frames dropped on full client buffers",
		},
	)

	// PresenceTimeouts counts presence queries that degraded to an empty set.
	PresenceTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_presence_timeouts_total",
			Help: "Presence queries that timed out or failed",
		},
	)

	// ActiveConnections tracks websocket sessions held by this node.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_active_connections",
			Help: "Websocket connections held by this node",
		},
	)

	// RoomSwitches counts group room switches by outcome.
	RoomSwitches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_room_switches_total",
			Help: "Room switch operations by outcome (joined, noop)",
		},
		[]string{"outcome"},
	)
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
