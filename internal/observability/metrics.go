package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// ingestion pipeline.
type Metrics struct {
	PayloadsIngested   *prometheus.CounterVec // labels: channel, category
	ReadingsDecoded    prometheus.Counter
	DecodeErrors       prometheus.Counter
	ValidationFailures prometheus.Counter
	ReadingsStored     prometheus.Counter
	PipelineRunning    prometheus.Gauge

	ItemProcessingDuration prometheus.Histogram

	// Retry and dead-letter accounting.
	RetriesScheduled prometheus.Counter
	DeadLettered     *prometheus.CounterVec // labels: disposition={terminal,exhausted}

	// Alerting.
	AlertsEvaluated  *prometheus.CounterVec // labels: severity
	AlertsDispatched prometheus.Counter
	AlertsDropped    prometheus.Counter

	// External collaborators.
	ExternalFetches    *prometheus.CounterVec // labels: source, outcome={success,error,skipped}
	AssessmentRequests *prometheus.CounterVec // labels: outcome={success,error,rejected}
	AssessmentDuration prometheus.Histogram
}

// NewMetrics creates and registers all pipeline metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.PayloadsIngested,
		m.ReadingsDecoded,
		m.DecodeErrors,
		m.ValidationFailures,
		m.ReadingsStored,
		m.PipelineRunning,
		m.ItemProcessingDuration,
		m.RetriesScheduled,
		m.DeadLettered,
		m.AlertsEvaluated,
		m.AlertsDispatched,
		m.AlertsDropped,
		m.ExternalFetches,
		m.AssessmentRequests,
		m.AssessmentDuration,
	)
	return m
}

// NewMetricsForTesting creates Metrics without touching the default registry
// to avoid "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		PayloadsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reef_ingest",
			Name:      "payloads_ingested_total",
			Help:      "Raw payloads accepted from source adapters.",
		}, []string{"channel", "category"}),
		ReadingsDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reef_ingest",
			Name:      "readings_decoded_total",
			Help:      "Readings produced by the format dispatcher.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reef_ingest",
			Name:      "decode_errors_total",
			Help:      "Payloads rejected as malformed.",
		}),
		ValidationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reef_ingest",
			Name:      "validation_failures_total",
			Help:      "Readings rejected by a validation rule.",
		}),
		ReadingsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reef_ingest",
			Name:      "readings_stored_total",
			Help:      "Readings durably upserted into the reading store.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "reef_ingest",
			Name:      "pipeline_running",
			Help:      "1 when the pipeline is active, 0 when shut down.",
		}),
		ItemProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "reef_ingest",
			Name:      "item_processing_duration_seconds",
			Help:      "Duration of one payload's pass through decode-validate-enrich-store-alert.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
		}),
		RetriesScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reef_ingest",
			Name:      "retries_scheduled_total",
			Help:      "Retryable failures wrapped in a retry envelope.",
		}),
		DeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reef_ingest",
			Name:      "dead_lettered_total",
			Help:      "Items moved to the dead-letter sink by disposition.",
		}, []string{"disposition"}),
		AlertsEvaluated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reef_ingest",
			Name:      "alerts_evaluated_total",
			Help:      "Alert evaluations by computed severity.",
		}, []string{"severity"}),
		AlertsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reef_ingest",
			Name:      "alerts_dispatched_total",
			Help:      "Alert events delivered to the notification collaborator.",
		}),
		AlertsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reef_ingest",
			Name:      "alerts_dropped_total",
			Help:      "Alert events dropped after exhausting dispatch retries.",
		}),
		ExternalFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reef_ingest",
			Name:      "external_fetches_total",
			Help:      "External API fetches by source and outcome.",
		}, []string{"source", "outcome"}),
		AssessmentRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reef_ingest",
			Name:      "assessment_requests_total",
			Help:      "Health assessment service calls by outcome.",
		}, []string{"outcome"}),
		AssessmentDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "reef_ingest",
			Name:      "assessment_duration_seconds",
			Help:      "Health assessment request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
	}
}
