package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline's Prometheus instruments. A single value is
// created at startup and shared through the hub; tests build their own
// against a private registry.
type Metrics struct {
	EventsDropped     *prometheus.CounterVec
	EventsProduced    *prometheus.CounterVec
	IngestionWarnings *prometheus.CounterVec
	TransformFailures prometheus.Counter
	BatchRetries      prometheus.Counter
	DLQMessages       prometheus.Counter
	ProcessingSeconds prometheus.Histogram
	BatchesInFlight   prometheus.Gauge
}

// New creates and registers the pipeline metrics. reg may be nil to use the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestion_events_dropped_total",
			Help: "Events terminated as counted drops, by event type and cause.",
		}, []string{"event_type", "drop_cause"}),
		EventsProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestion_events_produced_total",
			Help: "Records emitted downstream, by destination topic.",
		}, []string{"topic"}),
		IngestionWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestion_warnings_total",
			Help: "Ingestion warnings emitted, by warning type.",
		}, []string{"type"}),
		TransformFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestion_transformation_failures_total",
			Help: "Transformation invocations that failed and were skipped.",
		}),
		BatchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestion_batch_retries_total",
			Help: "Consumer batch retry attempts.",
		}),
		DLQMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestion_dlq_messages_total",
			Help: "Messages routed to the dead letter queue.",
		}),
		ProcessingSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingestion_event_processing_seconds",
			Help:    "Wall time spent processing one event through the pipeline.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		BatchesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingestion_batches_in_flight",
			Help: "Consumer batches currently being processed.",
		}),
	}

	reg.MustRegister(
		m.EventsDropped,
		m.EventsProduced,
		m.IngestionWarnings,
		m.TransformFailures,
		m.BatchRetries,
		m.DLQMessages,
		m.ProcessingSeconds,
		m.BatchesInFlight,
	)
	return m
}

// Drop records one dropped event.
func (m *Metrics) Drop(eventType, cause string) {
	m.EventsDropped.WithLabelValues(eventType, cause).Inc()
}

// Warning records one ingestion warning.
func (m *Metrics) Warning(warningType string) {
	m.IngestionWarnings.WithLabelValues(warningType).Inc()
}
