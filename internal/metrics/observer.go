package metrics

import (
	"context"
	"time"

	"github.com/hausdata/ingestd/internal/alert"
	"github.com/hausdata/ingestd/internal/obs"
	"github.com/hausdata/ingestd/internal/pipeline"
	"github.com/hausdata/ingestd/internal/writer"
)

// StatsSource exposes the periodic snapshot methods main wiring already
// has on *pipeline.Pipeline, *writer.Writer, and *alert.Engine, so
// Observe can poll gauges without importing concrete types into every
// caller.
type StatsSource struct {
	Pipeline *pipeline.Pipeline
	Writer   *writer.Writer
	Alert    *alert.Engine
}

// Observe subscribes to bus for counter/histogram events and polls src
// on every tick for gauges, until ctx is cancelled. Run it in its own
// goroutine from main wiring.
func (r *Registry) Observe(ctx context.Context, bus *obs.Bus, src StatsSource, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}

	var events <-chan obs.Event
	if bus != nil {
		ch := bus.Subscribe(256)
		events = ch
		defer bus.Unsubscribe(ch)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			r.observeEvent(e)
		case <-ticker.C:
			r.pollGauges(src)
		}
	}
}

func (r *Registry) observeEvent(e obs.Event) {
	switch e.Kind {
	case obs.KindEventReceived:
		domain, _ := e.Data["domain"].(string)
		if domain == "" {
			domain = "unknown"
		}
		if e.Source == obs.SourceConnection {
			r.EventsReceived.WithLabelValues(domain).Inc()
		} else {
			r.EventsProcessed.Inc()
		}
	case obs.KindEventDropped:
		reason, _ := e.Data["reason"].(string)
		if reason == "" {
			reason = "unknown"
		}
		r.EventsDropped.WithLabelValues(reason).Inc()
		if reason == "filtered" {
			r.EventsFiltered.Inc()
		}
	case obs.KindBatchFlushed:
		if points, ok := e.Data["points"].(int); ok {
			r.BatchSize.Observe(float64(points))
		}
		if ageMS, ok := e.Data["age_ms"].(float64); ok {
			r.BatchAgeAtFlush.Observe(ageMS / 1000)
		}
		if writeMS, ok := e.Data["write_ms"].(float64); ok {
			r.WriteDuration.Observe(writeMS / 1000)
		}
	case obs.KindCircuitStateChange:
		if to, ok := e.Data["to"].(string); ok {
			r.CircuitState.Set(CircuitStateValue(to))
		}
	case obs.KindAlertTriggered:
		severity, _ := e.Data["severity"].(string)
		if severity == "" {
			severity = "unknown"
		}
		r.AlertsTriggered.WithLabelValues(severity).Inc()
	}
}

func (r *Registry) pollGauges(src StatsSource) {
	if src.Pipeline != nil {
		stats := src.Pipeline.Stats()
		r.PipelineQueueDepth.Set(float64(stats.QueueDepth))
		for name, ratio := range src.Pipeline.FilterCacheHitRatios() {
			r.FilterCacheHitRatio.WithLabelValues(name).Set(ratio)
		}
		if ratio, ok := src.Pipeline.EnricherCacheHitRatio(); ok {
			r.EnricherCacheHitRatio.Set(ratio)
		}
	}
	if src.Writer != nil {
		perf := src.Writer.BatchPerformance()
		r.CompressionRatio.Set(perf.CompressionRatio)
		cb := src.Writer.CircuitBreakerStatus()
		r.CircuitState.Set(CircuitStateValue(cb.State))
		wstats := src.Writer.Stats()
		if delta := wstats.RetryCount - r.lastWriterRetries; delta > 0 {
			r.WriterRetries.Add(float64(delta))
		}
		r.lastWriterRetries = wstats.RetryCount
	}
	if src.Alert != nil {
		for _, s := range src.Alert.SinkStats() {
			last := r.lastSinkSent[s.Name]
			if delta := s.Sent - last; delta > 0 {
				r.AlertsNotifications.WithLabelValues(s.Name, "sent").Add(float64(delta))
			}
			r.lastSinkSent[s.Name] = s.Sent

			lastFailed := r.lastSinkFailed[s.Name]
			if delta := s.Failed - lastFailed; delta > 0 {
				r.AlertsNotifications.WithLabelValues(s.Name, "failed").Add(float64(delta))
			}
			r.lastSinkFailed[s.Name] = s.Failed
		}
	}
}
