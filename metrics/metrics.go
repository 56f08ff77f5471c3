// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the engine updates. Construct one per
// process and share it; collectors are safe for concurrent use.
type Metrics struct {
	// RunsStarted counts fetch runs started, by recipe.
	RunsStarted *prometheus.CounterVec
	// RunsFinished counts fetch runs finished, by recipe and outcome.
	RunsFinished *prometheus.CounterVec
	// RequestsProcessed counts successfully loaded requests, by recipe.
	RequestsProcessed *prometheus.CounterVec
	// RequestsFailed counts requests whose load failed, by recipe.
	RequestsFailed *prometheus.CounterVec
	// Retries counts retry attempts, by pool.
	Retries *prometheus.CounterVec
	// BundlesCompleted counts finalized bundles, by recipe.
	BundlesCompleted *prometheus.CounterVec
	// BundlesAbandoned counts abandoned bundles, by recipe.
	BundlesAbandoned *prometheus.CounterVec
	// NotificationsSent counts completion events published, by recipe.
	NotificationsSent *prometheus.CounterVec
	// QueueDepth tracks pending queue items, by run.
	QueueDepth *prometheus.GaugeVec
	// RequestDuration observes per-request load latency, by recipe.
	RequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg. Pass
// prometheus.DefaultRegisterer for process-wide metrics or a private
// registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dredge",
			Name:      "runs_started_total",
			Help:      "Fetch runs started.",
		}, []string{"recipe"}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dredge",
			Name:      "runs_finished_total",
			Help:      "Fetch runs finished.",
		}, []string{"recipe", "outcome"}),
		RequestsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dredge",
			Name:      "requests_processed_total",
			Help:      "Requests loaded successfully.",
		}, []string{"recipe"}),
		RequestsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dredge",
			Name:      "requests_failed_total",
			Help:      "Requests whose load failed.",
		}, []string{"recipe"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dredge",
			Name:      "retries_total",
			Help:      "Retry attempts against remote endpoints.",
		}, []string{"pool"}),
		BundlesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dredge",
			Name:      "bundles_completed_total",
			Help:      "Bundles finalized in storage.",
		}, []string{"recipe"}),
		BundlesAbandoned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dredge",
			Name:      "bundles_abandoned_total",
			Help:      "Bundles abandoned before finalization.",
		}, []string{"recipe"}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dredge",
			Name:      "notifications_sent_total",
			Help:      "Bundle completion events published.",
		}, []string{"recipe"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dredge",
			Name:      "queue_depth",
			Help:      "Pending requests in the work queue.",
		}, []string{"run"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dredge",
			Name:      "request_duration_seconds",
			Help:      "Per-request load latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"recipe"}),
	}
	reg.MustRegister(
		m.RunsStarted, m.RunsFinished,
		m.RequestsProcessed, m.RequestsFailed,
		m.Retries,
		m.BundlesCompleted, m.BundlesAbandoned,
		m.NotificationsSent,
		m.QueueDepth, m.RequestDuration,
	)
	return m
}

// Outcome labels for RunsFinished.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeCanceled = "canceled"
)
