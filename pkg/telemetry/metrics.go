package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Connections ─────────────────────────────────────────────────────────────

	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "flowbus",
		Subsystem: "transport",
		Name:      "connections_active",
		Help:      "WebSocket connections currently registered.",
	})

	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowbus",
		Subsystem: "transport",
		Name:      "connections_rejected_total",
		Help:      "Handshakes refused, labelled by reason.",
	}, []string{"reason"})

	InboundFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowbus",
		Subsystem: "transport",
		Name:      "inbound_frames_total",
		Help:      "Inbound client frames, labelled by message type (\"invalid\" for undecodable frames).",
	}, []string{"type"})

	InboundDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowbus",
		Subsystem: "transport",
		Name:      "inbound_dropped_total",
		Help:      "Inbound frames dropped without processing, labelled by reason.",
	}, []string{"reason"})

	// ─── Router ──────────────────────────────────────────────────────────────────

	RouterMessagesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowbus",
		Subsystem: "router",
		Name:      "messages_delivered_total",
		Help:      "Messages handed to a connection's outbound queue, labelled by type.",
	}, []string{"type"})

	RouterDeliveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowbus",
		Subsystem: "router",
		Name:      "delivery_failures_total",
		Help:      "Per-connection delivery failures, labelled by type.",
	}, []string{"type"})

	// ─── Liveness ────────────────────────────────────────────────────────────────

	LivenessEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flowbus",
		Subsystem: "liveness",
		Name:      "evictions_total",
		Help:      "Connections evicted for missing heartbeats.",
	})

	LivenessPingFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flowbus",
		Subsystem: "liveness",
		Name:      "ping_failures_total",
		Help:      "Heartbeat pings that could not be written.",
	})

	// ─── Executions ──────────────────────────────────────────────────────────────

	ExecutionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowbus",
		Subsystem: "execution",
		Name:      "transitions_total",
		Help:      "Successful execution state transitions, labelled by operation and resulting status.",
	}, []string{"op", "to"})

	ExecutionInvalidTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowbus",
		Subsystem: "execution",
		Name:      "invalid_transitions_total",
		Help:      "Rejected transition attempts, labelled by operation.",
	}, []string{"op"})

	ExecutionDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "flowbus",
		Subsystem: "execution",
		Name:      "duration_seconds",
		Help:      "Execution duration from start to terminal status.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
	}, []string{"status"})

	ExecutionsAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flowbus",
		Subsystem: "execution",
		Name:      "abandoned_total",
		Help:      "Retrying executions reported as abandoned after the re-submission window.",
	})

	// ─── Ingest ──────────────────────────────────────────────────────────────────

	IngestMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowbus",
		Subsystem: "ingest",
		Name:      "messages_total",
		Help:      "Change events consumed from Kafka, labelled by kind and outcome.",
	}, []string{"kind", "outcome"})

	IngestDLQTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flowbus",
		Subsystem: "ingest",
		Name:      "dlq_total",
		Help:      "Undecodable change events forwarded to the dead-letter topic.",
	})
)
