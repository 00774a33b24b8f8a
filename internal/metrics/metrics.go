// Vigil - Hybrid Intrusion Detection Alert Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package metrics provides Prometheus instrumentation for the aggregation
// pipeline: intake, dedup, enrichment, correlation, sink delivery, and
// producer supervision. The registry is served on the ops HTTP listener.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline intake metrics
	AlertsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_alerts_received_total",
			Help: "Raw alerts received from producers, by source",
		},
		[]string{"source"},
	)

	AlertsMalformed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_alerts_malformed_total",
			Help: "Alerts dropped at the normalization boundary",
		},
	)

	AlertsSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_alerts_suppressed_total",
			Help: "Alerts suppressed by deduplication",
		},
	)

	AlertsDroppedIn = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_alerts_dropped_in_total",
			Help: "Alerts dropped because the intake queue was full",
		},
	)

	AlertsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_alerts_dispatched_total",
			Help: "Alerts delivered to all enabled sinks, by severity",
		},
		[]string{"severity"},
	)

	IntakeDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_intake_queue_depth",
			Help: "Current number of alerts waiting in the intake queue",
		},
	)

	// Sink metrics
	SinkDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_sink_deliveries_total",
			Help: "Successful sink deliveries, by sink",
		},
		[]string{"sink"},
	)

	SinkErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_sink_errors_total",
			Help: "Sink delivery failures after retry, by sink",
		},
		[]string{"sink"},
	)

	SinkDeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vigil_sink_delivery_duration_seconds",
			Help:    "Sink delivery latency in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"sink"},
	)

	// Correlator metrics
	CorrelatorEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_correlator_events_total",
			Help: "Events ingested into the correlation window",
		},
	)

	CorrelatorFirings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_correlator_firings_total",
			Help: "Correlation rule firings, by rule",
		},
		[]string{"rule_id"},
	)

	CorrelatorErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_correlator_rule_errors_total",
			Help: "Per-event rule evaluation errors",
		},
	)

	CorrelatorWindowSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_correlator_window_events",
			Help: "Events currently held in the correlation window",
		},
	)

	// Messaging metrics
	MessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_messages_published_total",
			Help: "Messages published to the broker, by subject",
		},
		[]string{"subject"},
	)

	MessagesDroppedOut = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_messages_dropped_out_total",
			Help: "Outbound messages dropped on buffer overflow, by subject",
		},
		[]string{"subject"},
	)

	// Supervisor metrics
	ProducerRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_producer_restarts_total",
			Help: "Producer child process restarts, by producer",
		},
		[]string{"producer"},
	)

	ProducerHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vigil_producer_healthy",
			Help: "Producer liveness (1 healthy, 0 unhealthy), by producer",
		},
		[]string{"producer"},
	)

	// WAL spool metrics
	WALPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_wal_pending_entries",
			Help: "Unconfirmed entries in the publisher WAL spool",
		},
	)

	WALReplays = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_wal_replays_total",
			Help: "WAL entries replayed to the downstream publisher",
		},
	)
)

// RecordSinkDelivery records one sink delivery attempt outcome.
func RecordSinkDelivery(sink string, duration time.Duration, err error) {
	SinkDeliveryDuration.WithLabelValues(sink).Observe(duration.Seconds())
	if err != nil {
		SinkErrors.WithLabelValues(sink).Inc()
		return
	}
	SinkDeliveries.WithLabelValues(sink).Inc()
}

// RecordFiring records a correlation rule firing.
func RecordFiring(ruleID string) {
	CorrelatorFirings.WithLabelValues(ruleID).Inc()
}
