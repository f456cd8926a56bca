// Package pipeline implements the event processing pipeline:
// deduplication, a configurable filter chain, transform to
// storage points, optional enrichment, and dispatch to the writer and
// alert engine.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hausdata/ingestd/internal/config"
	"github.com/hausdata/ingestd/internal/model"
	"github.com/hausdata/ingestd/internal/obs"
)

// SubmitResult reports the outcome of a Submit call.
type SubmitResult int

const (
	Queued SubmitResult = iota
	DroppedOverflow
	RateLimited
)

func (r SubmitResult) String() string {
	switch r {
	case Queued:
		return "queued"
	case DroppedOverflow:
		return "dropped_overflow"
	case RateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// WriterSink receives the storage points a pipeline worker derives from
// an event. Implemented by *writer.Writer; kept as an interface so the
// pipeline can be tested without a real batching writer.
type WriterSink interface {
	WritePoints(points []model.Point) error
}

// AlertSink receives the (possibly transformed) event for rule
// evaluation. Implemented by *alert.Engine.
type AlertSink interface {
	Submit(e model.Event) error
}

// Stats is the snapshot returned by Pipeline.Stats.
type Stats struct {
	Processed    int64   `json:"processed"`
	Deduplicated int64   `json:"deduplicated"`
	Filtered     int64   `json:"filtered"`
	Transformed  int64   `json:"transformed"`
	Stored       int64   `json:"stored"`
	Failed       int64   `json:"failed"`
	RateLimited  int64   `json:"rate_limited"`
	Overflowed   int64   `json:"overflowed"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
	QueueDepth   int     `json:"queue_depth"`
}

// Pipeline absorbs events from the connection manager, drops
// duplicates, runs them through the filter/transform/enrichment chain,
// and dispatches the result to a writer and alert sink.
type Pipeline struct {
	cfg    config.PipelineConfig
	bus    *obs.Bus
	logger *slog.Logger

	dedup      *deduper
	chain      *Chain
	transforms *TransformRegistry
	enrich     *EnrichStage
	registry   RegistryLookup

	writer WriterSink
	alerts AlertSink

	limiter  *rate.Limiter
	queue    chan model.Event
	overflow *overflowBuffer

	mu sync.RWMutex // guards chain/transform registration vs. worker reads

	counters counters

	wg        sync.WaitGroup
	stopCh    chan struct{}
	drainDone chan struct{}
}

// New constructs a Pipeline. writer and alerts may be nil for testing
// stages in isolation; a nil sink simply drops what it would have
// received, and nothing is counted as stored or failed for it.
func New(cfg config.PipelineConfig, writer WriterSink, alerts AlertSink, bus *obs.Bus, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	qCap := cfg.QueueCapacity
	if qCap <= 0 {
		qCap = 10000
	}

	p := &Pipeline{
		cfg:        cfg,
		bus:        bus,
		logger:     logger,
		dedup:      newDeduper(cfg.DedupWindow, cfg.DedupCacheSize),
		chain:      NewChain(cfg.FilterCacheSize),
		transforms: NewTransformRegistry(),
		writer:     writer,
		alerts:     alerts,
		queue:      make(chan model.Event, qCap),
		overflow:   newOverflowBuffer(qCap, cfg.OverflowDir, cfg.OverflowMaxBytes, logger),
		stopCh:     make(chan struct{}),
		drainDone:  make(chan struct{}),
	}
	if cfg.RateLimitEventsPerSec > 0 {
		p.SetRateLimiter(cfg.RateLimitEventsPerSec)
	}
	return p
}

// SetEnricher installs (or clears, with nil) the enrichment stage.
func (p *Pipeline) SetEnricher(stage *EnrichStage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enrich = stage
}

// RegistryLookup resolves hub registry metadata (device/area/entity
// names) for an entity id, for merging into events before transform.
type RegistryLookup func(entityID string) map[string]model.Value

// SetRegistry installs (or clears, with nil) the registry metadata
// lookup.
func (p *Pipeline) SetRegistry(lookup RegistryLookup) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registry = lookup
}

// RegisterFilter appends f to the filter chain. Safe to call
// concurrently with Submit; the chain's filter slice is only ever
// appended to under the pipeline lock, and Run always reads a
// consistent snapshot because Go slices read under RLock see a stable
// backing array for already-appended elements.
func (p *Pipeline) RegisterFilter(f Filter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chain.Register(f)
}

// RegisterTransform sets the transform used for events of eventType.
func (p *Pipeline) RegisterTransform(eventType string, fn TransformFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transforms.Register(eventType, fn)
}

// Start launches the recovery pass (spilled-to-disk events from a
// prior run) and the worker pool. It returns once workers are running;
// Stop must be called to release them.
func (p *Pipeline) Start(ctx context.Context) {
	if recovered, err := p.overflow.Recover(); err != nil {
		p.logger.Warn("pipeline: overflow recovery failed", "error", err)
	} else if len(recovered) > 0 {
		p.logger.Info("pipeline: recovered events from overflow spill", "count", len(recovered))
		for _, e := range recovered {
			p.Submit(e)
		}
	}

	workers := p.cfg.Workers
	if workers <= 0 {
		workers = 10
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	go p.drainOverflowLoop()
}

// Stop signals workers to exit and waits for them to drain.
func (p *Pipeline) Stop() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	<-p.drainDone
	close(p.queue)
	p.wg.Wait()
}

// Submit is the non-blocking best-effort entry point events arrive
// through. It never blocks the connection manager's read loop.
func (p *Pipeline) Submit(e model.Event) SubmitResult {
	if p.limiter != nil && !p.limiter.Allow() {
		p.counters.rateLimited.Add(1)
		p.publishDropped("rate_limited")
		return RateLimited
	}

	select {
	case p.queue <- e:
		return Queued
	default:
	}

	if p.overflow.Push(e) {
		return Queued
	}

	p.counters.overflowed.Add(1)
	p.publishDropped("overflow")
	return DroppedOverflow
}

func (p *Pipeline) publishDropped(reason string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(obs.Event{
		Source: obs.SourcePipeline,
		Kind:   obs.KindEventDropped,
		Data:   map[string]any{"reason": reason},
	})
}

func (p *Pipeline) drainOverflowLoop() {
	defer close(p.drainDone)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			for _, e := range p.overflow.Drain(64) {
				select {
				case p.queue <- e:
				default:
					// Queue filled back up between Drain and send;
					// push back onto overflow rather than lose it.
					p.overflow.Push(e)
				}
			}
		}
	}
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for e := range p.queue {
		p.process(e)
	}
}

func (p *Pipeline) process(e model.Event) {
	start := time.Now()
	defer func() { p.counters.recordLatency(time.Since(start)) }()

	p.counters.processed.Add(1)

	if p.dedup.Seen(e.Identity()) {
		p.counters.deduplicated.Add(1)
		p.publishDropped("duplicate")
		return
	}

	p.mu.RLock()
	transforms := p.transforms
	enrich := p.enrich
	registry := p.registry
	transformedEvent, ok, _ := p.chain.Run(e)
	p.mu.RUnlock()

	if !ok {
		p.counters.filtered.Add(1)
		p.publishDropped("filtered")
		return
	}

	if registry != nil {
		transformedEvent = mergeRegistry(transformedEvent, registry)
	}

	if enrich != nil {
		transformedEvent = enrich.Enrich(context.Background(), transformedEvent)
	}

	p.mu.RLock()
	fn := transforms.For(transformedEvent.Type)
	p.mu.RUnlock()
	points, err := fn(transformedEvent)
	if err != nil {
		p.logger.Warn("pipeline: transform failed, passing event through unstored", "type", transformedEvent.Type, "error", err)
		p.counters.failed.Add(1)
		p.dispatchAlert(transformedEvent)
		return
	}
	p.counters.transformed.Add(1)

	if len(points) > 0 && p.writer != nil {
		if err := p.writer.WritePoints(points); err != nil {
			p.logger.Warn("pipeline: writer dispatch failed", "error", err)
			p.counters.failed.Add(1)
		} else {
			p.counters.stored.Add(1)
		}
	}

	p.dispatchAlert(transformedEvent)

	if p.bus != nil {
		p.bus.Publish(obs.Event{
			Source: obs.SourcePipeline,
			Kind:   obs.KindEventReceived,
			Data:   map[string]any{"domain": transformedEvent.Domain, "entity_id": transformedEvent.EntityID},
		})
	}
}

// mergeRegistry folds registry metadata for the event's entity into
// its attributes. Attributes the event already carries win over the
// registry's.
func mergeRegistry(e model.Event, lookup RegistryLookup) model.Event {
	meta := lookup(e.EntityID)
	if len(meta) == 0 {
		return e
	}
	e = e.Clone()
	ensureAttributes(&e)
	for k, v := range meta {
		if _, exists := e.Attributes[k]; !exists {
			e.Attributes[k] = v
		}
	}
	return e
}

func (p *Pipeline) dispatchAlert(e model.Event) {
	if p.alerts == nil {
		return
	}
	if err := p.alerts.Submit(e); err != nil {
		p.logger.Warn("pipeline: alert dispatch failed", "error", err)
	}
}

// Stats returns a snapshot of cumulative processing counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Processed:    p.counters.processed.Load(),
		Deduplicated: p.counters.deduplicated.Load(),
		Filtered:     p.counters.filtered.Load(),
		Transformed:  p.counters.transformed.Load(),
		Stored:       p.counters.stored.Load(),
		Failed:       p.counters.failed.Load(),
		RateLimited:  p.counters.rateLimited.Load(),
		Overflowed:   p.counters.overflowed.Load(),
		AvgLatencyMS: p.counters.avgLatencyMS(),
		QueueDepth:   len(p.queue),
	}
}

// FilterCacheHitRatios reports each registered filter's result-cache
// hit ratio since startup, keyed by filter name.
func (p *Pipeline) FilterCacheHitRatios() map[string]float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.chain.CacheHitRatios()
}

// EnricherCacheHitRatio reports the enrichment cache's hit ratio, or
// false when no enricher is installed.
func (p *Pipeline) EnricherCacheHitRatio() (float64, bool) {
	p.mu.RLock()
	stage := p.enrich
	p.mu.RUnlock()
	if stage == nil {
		return 0, false
	}
	return stage.CacheHitRatio(), true
}

// SetRateLimiter installs the submission-side token bucket that sheds
// submissions before they enter the queue. A nil limiter (the default)
// means unlimited.
func (p *Pipeline) SetRateLimiter(eventsPerSecond float64) {
	if eventsPerSecond <= 0 {
		p.limiter = nil
		return
	}
	p.limiter = rate.NewLimiter(rate.Limit(eventsPerSecond), int(eventsPerSecond))
}
