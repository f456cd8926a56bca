package pipeline

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/hausdata/ingestd/internal/model"
)

// Enricher looks up external data (e.g. weather) keyed on a location
// derived from an event, for attachment to that event's attributes.
type Enricher interface {
	Name() string
	// LocationKey derives the cache/rate-limit key for e, or ("",
	// false) if e carries nothing to enrich on.
	LocationKey(e model.Event) (string, bool)
	// Lookup fetches fresh data for key.
	Lookup(ctx context.Context, key string) (map[string]model.Value, error)
}

type enrichEntry struct {
	data    map[string]model.Value
	fetched time.Time
}

// EnrichStage wraps an Enricher with a TTL-bounded LRU cache, a
// token-bucket rate limiter on outbound lookups, and stale-on-failure
// fallback.
type EnrichStage struct {
	enricher Enricher
	ttl      time.Duration
	timeout  time.Duration
	fallback bool

	cache   *lru.Cache[string, enrichEntry]
	limiter *rate.Limiter

	mu          sync.Mutex
	inflight    map[string]struct{}
	failures    int64
	staleHits   int64
	cacheHits   int64
	cacheMisses int64
}

// NewEnrichStage constructs a stage around enricher. ttl bounds cache
// freshness; ratePerSec bounds outbound lookups; timeout bounds a
// single lookup call; fallback enables serving a stale cached value on
// lookup failure.
func NewEnrichStage(enricher Enricher, ttl time.Duration, cacheSize int, ratePerSec float64, timeout time.Duration, fallback bool) *EnrichStage {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if cacheSize <= 0 {
		cacheSize = 1000
	}
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	cache, _ := lru.New[string, enrichEntry](cacheSize)
	return &EnrichStage{
		enricher: enricher,
		ttl:      ttl,
		timeout:  timeout,
		fallback: fallback,
		cache:    cache,
		limiter:  rate.NewLimiter(rate.Limit(ratePerSec), 1),
		inflight: make(map[string]struct{}),
	}
}

// Enrich attaches enricher data to e under a namespaced attribute key
// ("enrich.<name>"), or marks the event with a failure tag if the
// lookup fails and no usable stale value exists. Enrichment never
// aborts the pipeline.
func (s *EnrichStage) Enrich(ctx context.Context, e model.Event) model.Event {
	if s == nil || s.enricher == nil {
		return e
	}
	key, ok := s.enricher.LocationKey(e)
	if !ok {
		return e
	}

	if entry, ok := s.cache.Get(key); ok && time.Since(entry.fetched) < s.ttl {
		s.mu.Lock()
		s.cacheHits++
		s.mu.Unlock()
		return attachEnrichment(e, s.enricher.Name(), entry.data)
	}
	s.mu.Lock()
	s.cacheMisses++
	s.mu.Unlock()

	if !s.limiter.Allow() {
		return s.fallbackOrMark(e, key)
	}

	lookupCtx := ctx
	var cancel context.CancelFunc
	if s.timeout > 0 {
		lookupCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	data, err := s.enricher.Lookup(lookupCtx, key)
	if err != nil {
		s.mu.Lock()
		s.failures++
		s.mu.Unlock()
		return s.fallbackOrMark(e, key)
	}

	s.cache.Add(key, enrichEntry{data: data, fetched: time.Now()})
	return attachEnrichment(e, s.enricher.Name(), data)
}

func (s *EnrichStage) fallbackOrMark(e model.Event, key string) model.Event {
	if s.fallback {
		if entry, ok := s.cache.Get(key); ok {
			s.mu.Lock()
			s.staleHits++
			s.mu.Unlock()
			tagged := attachEnrichment(e, s.enricher.Name(), entry.data)
			tagged.Attributes["enrich."+s.enricher.Name()+".stale"] = model.Bool(true)
			return tagged
		}
	}
	e = e.Clone()
	ensureAttributes(&e)
	e.Attributes["enrich."+s.enricher.Name()+".failed"] = model.Bool(true)
	return e
}

func attachEnrichment(e model.Event, name string, data map[string]model.Value) model.Event {
	e = e.Clone()
	ensureAttributes(&e)
	for k, v := range data {
		e.Attributes["enrich."+name+"."+k] = v
	}
	return e
}

func ensureAttributes(e *model.Event) {
	if e.Attributes == nil {
		e.Attributes = make(map[string]model.Value)
	}
}

// CacheHitRatio reports the fraction of enrichment attempts served
// from fresh cache. Returns 0 before any lookup.
func (s *EnrichStage) CacheHitRatio() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.cacheHits + s.cacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.cacheHits) / float64(total)
}

// Stats returns cumulative failure and stale-serve counts.
func (s *EnrichStage) Stats() (failures, staleHits int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures, s.staleHits
}
