// Package metrics provides Prometheus metrics for the usage pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics for the pipeline.
type Collector struct {
	// Queue metrics
	EventsEnqueued prometheus.Counter
	EventsFlushed  prometheus.Counter
	EventsDropped  prometheus.Counter
	QueueDepth     prometheus.Gauge
	FlushDuration  prometheus.Histogram

	// Backend metrics
	BackendErrors  *prometheus.CounterVec
	BackendRetries prometheus.Counter
	BreakerState   prometheus.Gauge
}

// New creates a collector registered on the default registry.
func New() *Collector {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith creates a collector registered on reg (tests pass a fresh registry
// to avoid duplicate registration).
func NewWith(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		EventsEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tokenusage",
			Name:      "events_enqueued_total",
			Help:      "Total number of events accepted into the buffer",
		}),
		EventsFlushed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tokenusage",
			Name:      "events_flushed_total",
			Help:      "Total number of events made durable by the backend",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tokenusage",
			Name:      "events_dropped_total",
			Help:      "Total number of events dropped after delivery gave up",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tokenusage",
			Name:      "queue_depth",
			Help:      "Number of events currently buffered",
		}),
		FlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tokenusage",
			Name:      "flush_duration_seconds",
			Help:      "Duration of batch deliveries to the backend",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		BackendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokenusage",
			Name:      "backend_errors_total",
			Help:      "Total backend call failures by operation",
		}, []string{"op"}),
		BackendRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tokenusage",
			Name:      "backend_retries_total",
			Help:      "Total retry attempts against the backend",
		}),
		BreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tokenusage",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
	}
}
