package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Record outcome labels for RecordsTotal.
const (
	StatusPublished = "published"
	StatusFailed    = "failed"
	StatusFiltered  = "filtered"
	StatusEmpty     = "empty"
	StatusMalformed = "malformed"
)

// Metrics holds the relay's Prometheus metrics.
type Metrics struct {
	RecordsTotal       *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	ProcessingLag      *prometheus.HistogramVec
	PublishResults     *prometheus.CounterVec
	CommitErrors       *prometheus.CounterVec
	DLQTotal           *prometheus.CounterVec
	HookErrors         *prometheus.CounterVec
	WorkersActive      *prometheus.GaugeVec
}

// NewMetrics creates and registers all relay metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RecordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdc_relay_records_total",
			Help: "Input records handled, by outcome.",
		}, []string{"relay", "status"}),

		ProcessingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdc_relay_processing_duration_seconds",
			Help:    "Time spent per record phase.",
			Buckets: prometheus.DefBuckets,
		}, []string{"relay", "phase"}),

		ProcessingLag: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdc_relay_processing_lag_seconds",
			Help:    "Delay between the source change and its normalization.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"relay", "collection"}),

		PublishResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdc_relay_publish_results_total",
			Help: "Completed publishes by topic and result.",
		}, []string{"topic", "result"}),

		CommitErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdc_relay_commit_errors_total",
			Help: "Offset commit failures.",
		}, []string{"relay"}),

		DLQTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdc_relay_dlq_total",
			Help: "Records sent to the dead-letter topic.",
		}, []string{"relay"}),

		HookErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdc_relay_hook_errors_total",
			Help: "Post-publish hook failures.",
		}, []string{"collection"}),

		WorkersActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdc_relay_workers_active",
			Help: "Consumer workers currently polling.",
		}, []string{"relay"}),
	}
}
