package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting runtime metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Request flow by trigger and response shape (buffered, stream, SSE)
//   - Background task outcomes and drain durations
//   - State persistence operations by scope and save mode
//   - Error rates categorized by component
type Metrics struct {
	// RequestCounter tracks requests by trigger and response shape.
	// Labels: trigger (api|webhook|cron|...), shape (buffered|stream|sse), status (success|error)
	RequestCounter *prometheus.CounterVec

	// RequestDuration measures request handling latency in seconds.
	// Labels: shape
	RequestDuration *prometheus.HistogramVec

	// BackgroundTaskCounter counts background task completions.
	// Labels: status (success|error)
	BackgroundTaskCounter *prometheus.CounterVec

	// DrainDuration measures how long a request's task drain takes.
	DrainDuration prometheus.Histogram

	// PersistCounter counts state persistence operations.
	// Labels: scope (thread|session), mode (none|merge|full), status (success|error)
	PersistCounter *prometheus.CounterVec

	// StreamCompletions counts stream completion signal settlements.
	// Labels: outcome (resolved|rejected|ceiling)
	StreamCompletions *prometheus.CounterVec

	// ActiveRequests is a gauge tracking in-flight requests, including those
	// still draining background tasks after the response was sent.
	ActiveRequests prometheus.Gauge

	// ErrorCounter tracks errors by component and error type.
	// Labels: component (runtime|storage|gateway), error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
// This should be called once at application startup.
func NewMetrics() *Metrics {
	return &Metrics{
		RequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_requests_total",
				Help: "Total number of requests by trigger, response shape, and status",
			},
			[]string{"trigger", "shape", "status"},
		),

		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "strand_request_duration_seconds",
				Help:    "Duration of request handling in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"shape"},
		),

		BackgroundTaskCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_background_tasks_total",
				Help: "Total number of background task completions by status",
			},
			[]string{"status"},
		),

		DrainDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "strand_drain_duration_seconds",
				Help:    "Duration of background task drains in seconds",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
		),

		PersistCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_persist_operations_total",
				Help: "Total number of state persistence operations by scope, save mode, and status",
			},
			[]string{"scope", "mode", "status"},
		),

		StreamCompletions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_stream_completions_total",
				Help: "Total number of stream completion signal settlements by outcome",
			},
			[]string{"outcome"},
		),

		ActiveRequests: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "strand_active_requests",
				Help: "Current number of in-flight requests including deferred persistence",
			},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}
