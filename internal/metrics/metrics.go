// Package metrics defines the Prometheus collectors ingestd exposes
// on the metrics endpoint: per-component counters and
// histograms covering event ingestion, the pipeline, the writer, and
// the alert engine. Unlike a package that registers into the global
// default registry at init time, Registry bundles a
// *prometheus.Registry explicitly constructed by main and passed to
// every component that needs to observe something, so tests can spin
// up an isolated registry per case instead of sharing global state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every collector ingestd exposes, along with the
// prometheus.Registry they're registered against.
type Registry struct {
	reg *prometheus.Registry

	EventsReceived  *prometheus.CounterVec
	EventsProcessed prometheus.Counter
	EventsDropped   *prometheus.CounterVec
	EventsFiltered  prometheus.Counter

	PipelineQueueDepth prometheus.Gauge

	BatchSize      prometheus.Histogram
	WriteDuration  prometheus.Histogram
	BatchAgeAtFlush prometheus.Histogram
	CompressionRatio prometheus.Gauge
	WriterRetries  prometheus.Counter
	CircuitState   prometheus.Gauge

	FilterCacheHitRatio   *prometheus.GaugeVec
	EnricherCacheHitRatio prometheus.Gauge

	AlertsTriggered     *prometheus.CounterVec
	AlertsNotifications *prometheus.CounterVec

	// lastWriterRetries tracks the last cumulative retry count observed
	// from writer.Stats(), since WriterRetries is a monotonic counter
	// but Stats() reports a running total rather than a delta.
	lastWriterRetries int64
	// lastSinkSent/lastSinkFailed track the last cumulative counts
	// observed from alert.Engine.SinkStats(), for the same reason.
	lastSinkSent   map[string]int64
	lastSinkFailed map[string]int64
}

// New constructs a Registry with all collectors registered against a
// fresh *prometheus.Registry (never the global
// prometheus.DefaultRegisterer), so callers decide exactly what ends
// up on /metrics and tests never collide over shared global state.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg:            reg,
		lastSinkSent:   make(map[string]int64),
		lastSinkFailed: make(map[string]int64),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestd_events_received_total",
			Help: "Total events received from the connection manager, by domain.",
		}, []string{"domain"}),
		EventsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestd_events_processed_total",
			Help: "Total events that completed pipeline processing.",
		}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestd_events_dropped_total",
			Help: "Total events dropped, by reason (duplicate, filtered, overflow, rate_limited).",
		}, []string{"reason"}),
		EventsFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestd_events_filtered_total",
			Help: "Total events removed by the filter chain.",
		}),
		PipelineQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingestd_pipeline_queue_depth",
			Help: "Current depth of the pipeline's in-memory work queue.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingestd_writer_batch_size",
			Help:    "Number of points per flushed batch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		WriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingestd_writer_write_duration_seconds",
			Help:    "Duration of a single batch write HTTP call.",
			Buckets: prometheus.DefBuckets,
		}),
		BatchAgeAtFlush: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingestd_writer_batch_age_seconds",
			Help:    "Age of the oldest point in a batch at flush time.",
			Buckets: prometheus.DefBuckets,
		}),
		CompressionRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingestd_writer_compression_ratio",
			Help: "Most recent compressed/uncompressed byte ratio.",
		}),
		WriterRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestd_writer_retry_total",
			Help: "Total batch delivery retry attempts.",
		}),
		CircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingestd_writer_circuit_state",
			Help: "Writer circuit breaker state (0=closed, 1=half_open, 2=open).",
		}),
		FilterCacheHitRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ingestd_pipeline_filter_cache_hit_ratio",
			Help: "Filter result cache hit ratio, by filter name.",
		}, []string{"filter"}),
		EnricherCacheHitRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingestd_pipeline_enricher_cache_hit_ratio",
			Help: "Enrichment lookup cache hit ratio.",
		}),
		AlertsTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestd_alerts_triggered_total",
			Help: "Total alert instances triggered, by severity.",
		}, []string{"severity"}),
		AlertsNotifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestd_alerts_notifications_sent_total",
			Help: "Total alert notifications sent, by sink kind and outcome.",
		}, []string{"sink", "outcome"}),
	}

	reg.MustRegister(
		r.EventsReceived, r.EventsProcessed, r.EventsDropped, r.EventsFiltered,
		r.PipelineQueueDepth,
		r.BatchSize, r.WriteDuration, r.BatchAgeAtFlush, r.CompressionRatio, r.WriterRetries, r.CircuitState,
		r.FilterCacheHitRatio, r.EnricherCacheHitRatio,
		r.AlertsTriggered, r.AlertsNotifications,
	)
	return r
}

// Handler returns the promhttp handler serving this registry's
// collectors, for mounting at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// CircuitStateValue maps a circuit breaker state name to the gauge
// value CircuitState expects.
func CircuitStateValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}
