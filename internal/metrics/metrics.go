// Package metrics registers the pipeline's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Connection metrics
var (
	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tutordash_ws_connections_current",
			Help: "WebSocket connections currently attached to this process",
		},
	)

	ConnectionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutordash_connection_events_total",
			Help: "Connection registry mutations",
		},
		[]string{"event"}, // registered, unregistered, gone, expired
	)
)

// Delivery metrics
var (
	PushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutordash_pushes_total",
			Help: "Per-connection push attempts by outcome",
		},
		[]string{"outcome"}, // ok, gone, error
	)

	PushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tutordash_push_duration_seconds",
			Help:    "Duration of a single push to one connection",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
	)

	BroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutordash_broadcasts_total",
			Help: "Snapshot broadcasts by result",
		},
		[]string{"result"}, // delivered, partial, failed, no_connections, error
	)

	BroadcastDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tutordash_broadcast_duration_seconds",
			Help:    "Duration of one tutor fan-out",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Dispatch metrics
var (
	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutordash_dispatches_total",
			Help: "Per-tutor dispatches by mode and result",
		},
		[]string{"mode", "result"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tutordash_dispatch_duration_seconds",
			Help:    "Collect and enqueue duration per tutor",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	SnapshotStudents = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tutordash_snapshot_students",
			Help:    "Students per collected snapshot",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
		},
	)
)

// Queue metrics
var (
	QueueEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutordash_queue_enqueued_total",
			Help: "Envelopes offered to the delivery queue",
		},
		[]string{"result"}, // ok, full, error
	)

	QueueProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutordash_queue_processed_total",
			Help: "Received queue messages by disposition",
		},
		[]string{"disposition"}, // acked, dropped, nacked, dead
	)
)

// Write path and scheduler metrics
var (
	StatusUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutordash_status_updates_total",
			Help: "Student status updates by result",
		},
		[]string{"result"},
	)

	ScheduledRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutordash_scheduled_runs_total",
			Help: "Scheduled task runs by task and result",
		},
		[]string{"task", "result"}, // ok, error, skipped
	)
)

// HTTP metrics
var (
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutordash_http_requests_total",
			Help: "HTTP API requests by route and status code",
		},
		[]string{"route", "code"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tutordash_http_request_duration_seconds",
			Help:    "HTTP API request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }
