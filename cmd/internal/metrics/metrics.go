// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "livedesk"

var (
	// WSConnections counts live websocket sessions by role.
	WSConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "connections",
		Help:      "Live websocket connections.",
	}, []string{"role"})

	// OnlineUsers counts users with at least one live connection, by role.
	OnlineUsers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "presence",
		Name:      "online_users",
		Help:      "Users currently considered online.",
	}, []string{"role"})

	// QueueWaiting is the number of waiting queue entries.
	QueueWaiting = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "waiting",
		Help:      "Queue entries in waiting status.",
	})

	// QueueTransitions counts queue entry transitions by resulting status.
	QueueTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "transitions_total",
		Help:      "Queue entry status transitions.",
	}, []string{"status"})

	// AssignmentTransitions counts assignment transitions by source and resulting status.
	AssignmentTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "assignment",
		Name:      "transitions_total",
		Help:      "Assignment status transitions.",
	}, []string{"source", "status"})

	// AssignmentRejections counts failed create attempts by error code.
	AssignmentRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "assignment",
		Name:      "rejections_total",
		Help:      "Rejected assignment creations.",
	}, []string{"code"})

	// TransferOutcomes counts transfers by final status.
	TransferOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transfer",
		Name:      "outcomes_total",
		Help:      "Transfer outcomes.",
	}, []string{"status"})

	// MessagesSent counts accepted chat messages by type.
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chat",
		Name:      "messages_total",
		Help:      "Messages accepted by the broker.",
	}, []string{"type"})

	// BroadcastDrops counts envelopes dropped because a member queue was full.
	BroadcastDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chat",
		Name:      "broadcast_drops_total",
		Help:      "Envelopes dropped under backpressure.",
	})

	// EventsPublished counts outcome events handed to the broker by type and result.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Outcome events published.",
	}, []string{"type", "result"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
