// Package metrics holds the core's prometheus instrumentation: one
// package-level collector per concern plus a small Record* helper per
// metric, mirroring the pack's pkg/metrics convention.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive is the current size of the Connection Manager
	// registry.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sysmanage",
		Subsystem: "connmgr",
		Name:      "connections_active",
		Help:      "Number of agent WebSocket connections currently registered.",
	})

	// BroadcastSendsTotal counts broadcast sends by outcome.
	BroadcastSendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sysmanage",
		Subsystem: "connmgr",
		Name:      "broadcast_sends_total",
		Help:      "Broadcast sends by outcome (success, failure).",
	}, []string{"outcome"})

	// QueueDepth is the current count of rows per (direction, status).
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sysmanage",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Durable queue row count by direction and status.",
	}, []string{"direction", "status"})

	// MessagesEnqueuedTotal counts Enqueue calls by direction and message type.
	MessagesEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sysmanage",
		Subsystem: "queue",
		Name:      "messages_enqueued_total",
		Help:      "Messages enqueued by direction and message_type.",
	}, []string{"direction", "message_type"})

	// ProcessorTickDuration times one Inbound Processor tick.
	ProcessorTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sysmanage",
		Subsystem: "processor",
		Name:      "tick_duration_seconds",
		Help:      "Duration of one Inbound Processor tick.",
		Buckets:   prometheus.DefBuckets,
	})

	// ProcessorEntriesProcessedTotal counts entries the processor routed,
	// by terminal outcome (completed, failed, expired).
	ProcessorEntriesProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sysmanage",
		Subsystem: "processor",
		Name:      "entries_processed_total",
		Help:      "Queue entries reaching a terminal state, by outcome.",
	}, []string{"outcome"})

	// AuthTokensIssuedTotal counts connection-token issuance.
	AuthTokensIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sysmanage",
		Subsystem: "auth",
		Name:      "tokens_issued_total",
		Help:      "Connection tokens issued via /agent/auth.",
	})

	// AuthRateLimitedTotal counts rejected /agent/auth attempts.
	AuthRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sysmanage",
		Subsystem: "auth",
		Name:      "rate_limited_total",
		Help:      "Auth attempts rejected by the per-source-IP rate limiter.",
	})

	// ConfigPushesTotal counts config pushes by outcome.
	ConfigPushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sysmanage",
		Subsystem: "configpush",
		Name:      "pushes_total",
		Help:      "Config pushes by outcome (sent, transport_error).",
	}, []string{"outcome"})

	// ConfigPendingGauge is the current count of unacknowledged pushes.
	ConfigPendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sysmanage",
		Subsystem: "configpush",
		Name:      "pending",
		Help:      "Config pushes sent but not yet acknowledged.",
	})
)

// RecordBroadcast records the outcome of one BroadcastToAll/BroadcastToPlatform send.
func RecordBroadcast(success bool) {
	if success {
		BroadcastSendsTotal.WithLabelValues("success").Inc()
		return
	}
	BroadcastSendsTotal.WithLabelValues("failure").Inc()
}

// RecordEnqueue records one Enqueue call.
func RecordEnqueue(direction, messageType string) {
	MessagesEnqueuedTotal.WithLabelValues(direction, messageType).Inc()
}

// RecordProcessorTick records the wall-clock duration of one processor tick.
func RecordProcessorTick(d time.Duration) {
	ProcessorTickDuration.Observe(d.Seconds())
}

// RecordProcessorOutcome records a queue entry reaching a terminal state.
func RecordProcessorOutcome(outcome string) {
	ProcessorEntriesProcessedTotal.WithLabelValues(outcome).Inc()
}

// RecordConfigPush records the outcome of one push_config_to_agent call.
func RecordConfigPush(success bool) {
	if success {
		ConfigPushesTotal.WithLabelValues("sent").Inc()
		return
	}
	ConfigPushesTotal.WithLabelValues("transport_error").Inc()
}
