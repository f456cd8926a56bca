package pipeline

import (
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hausdata/ingestd/internal/model"
)

// Filter is the capability set every filter kind implements: a
// predicate, a transform hook, and a name
// for stats attribution. ShouldProcess and Transform are both called by
// the chain; a filter that never rewrites events can return its input
// unchanged from Transform.
type Filter interface {
	Name() string
	ShouldProcess(e model.Event) bool
	Transform(e model.Event) model.Event
}

// Result is the per-event outcome of a single filter evaluation,
// attributed to that filter by name.
type Result struct {
	ShouldProcess    bool
	TransformedEvent model.Event
	FilterName       string
	ProcessingTimeMS float64
	CacheHit         bool
}

// Chain runs an ordered list of filters, short-circuiting on the first
// ShouldProcess=false. Each filter's own result cache is consulted
// before evaluating its predicate.
type Chain struct {
	filters []Filter
	caches  map[string]*resultCache
	cacheSz int
}

func NewChain(cacheSize int) *Chain {
	return &Chain{caches: make(map[string]*resultCache), cacheSz: cacheSize}
}

// Register appends f to the chain. Registration order is evaluation
// order; filters are never reordered once added.
func (c *Chain) Register(f Filter) {
	c.filters = append(c.filters, f)
	c.caches[f.Name()] = newResultCache(c.cacheSz)
}

// Len reports the number of registered filters.
func (c *Chain) Len() int { return len(c.filters) }

// CacheHitRatios reports each filter's cumulative result-cache hit
// ratio. Filters with no lookups yet are omitted.
func (c *Chain) CacheHitRatios() map[string]float64 {
	out := make(map[string]float64, len(c.caches))
	for name, rc := range c.caches {
		lookups := rc.lookups.Load()
		if lookups == 0 {
			continue
		}
		out[name] = float64(rc.hits.Load()) / float64(lookups)
	}
	return out
}

// Run evaluates the chain against e, returning the (possibly
// transformed) event, whether it survived every filter, and the
// per-filter results for stats attribution.
func (c *Chain) Run(e model.Event) (model.Event, bool, []Result) {
	results := make([]Result, 0, len(c.filters))
	cur := e
	fp := cur.FingerprintUint64()

	for _, f := range c.filters {
		start := time.Now()
		cache := c.caches[f.Name()]

		var ok bool
		var cacheHit bool
		if cached, found := cache.Get(fp); found {
			ok = cached
			cacheHit = true
		} else {
			ok = f.ShouldProcess(cur)
			cache.Add(fp, ok)
		}

		res := Result{
			ShouldProcess:    ok,
			FilterName:       f.Name(),
			ProcessingTimeMS: float64(time.Since(start)) / float64(time.Millisecond),
			CacheHit:         cacheHit,
		}

		if !ok {
			res.TransformedEvent = cur
			results = append(results, res)
			return cur, false, results
		}

		cur = f.Transform(cur)
		res.TransformedEvent = cur
		results = append(results, res)
	}

	return cur, true, results
}

// resultCache is the small LRU-capped predicate result cache each
// filter keeps, keyed by the event's stable fingerprint. Hits bypass
// predicate evaluation.
type resultCache struct {
	cache   *lru.Cache[uint64, bool]
	hits    atomic.Int64
	lookups atomic.Int64
}

func newResultCache(size int) *resultCache {
	if size <= 0 {
		size = 1000
	}
	c, _ := lru.New[uint64, bool](size)
	return &resultCache{cache: c}
}

func (r *resultCache) Get(fp uint64) (bool, bool) {
	r.lookups.Add(1)
	v, ok := r.cache.Get(fp)
	if ok {
		r.hits.Add(1)
	}
	return v, ok
}

func (r *resultCache) Add(fp uint64, v bool) {
	r.cache.Add(fp, v)
}

// patternCache maps literal entity ids to a compiled-pattern match
// result, avoiding a regex evaluation on the hot path for repeat
// entities.
type patternCache struct {
	cache *lru.Cache[string, bool]
}

func newPatternCache(size int) *patternCache {
	if size <= 0 {
		size = 1000
	}
	c, _ := lru.New[string, bool](size)
	return &patternCache{cache: c}
}

func (p *patternCache) Get(entityID string) (bool, bool) {
	return p.cache.Get(entityID)
}

func (p *patternCache) Add(entityID string, matched bool) {
	p.cache.Add(entityID, matched)
}

// --- Domain filter ---

// DomainFilter passes events whose Domain is a member of Domains.
type DomainFilter struct {
	Domains map[string]struct{}
}

func NewDomainFilter(domains ...string) *DomainFilter {
	set := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		set[d] = struct{}{}
	}
	return &DomainFilter{Domains: set}
}

func (f *DomainFilter) Name() string { return "domain" }
func (f *DomainFilter) ShouldProcess(e model.Event) bool {
	_, ok := f.Domains[e.Domain]
	return ok
}
func (f *DomainFilter) Transform(e model.Event) model.Event { return e }

// --- Entity filter ---

// EntityFilter passes events whose EntityID matches any of a set of
// glob or regex patterns (case-insensitive). Globs are compiled to
// regex at construction time.
type EntityFilter struct {
	patterns []*regexp.Regexp
	cache    *patternCache
}

// NewEntityFilter compiles patterns (glob syntax, "*" and "?") into
// case-insensitive regexes. Patterns beginning and ending with "/" are
// treated as already-regex and used verbatim (minus the delimiters).
func NewEntityFilter(patterns []string, cacheSize int) (*EntityFilter, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		src := p
		if len(p) >= 2 && strings.HasPrefix(p, "/") && strings.HasSuffix(p, "/") {
			src = p[1 : len(p)-1]
		} else {
			src = globToRegex(p)
		}
		re, err := regexp.Compile("(?i)^" + src + "$")
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, re)
	}
	return &EntityFilter{patterns: compiled, cache: newPatternCache(cacheSize)}, nil
}

func globToRegex(glob string) string {
	var b strings.Builder
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '.', '+', '(', ')', '|', '^', '$', '[', ']', '{', '}', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (f *EntityFilter) Name() string { return "entity" }

func (f *EntityFilter) ShouldProcess(e model.Event) bool {
	if cached, ok := f.cache.Get(e.EntityID); ok {
		return cached
	}
	matched := false
	for _, re := range f.patterns {
		if re.MatchString(e.EntityID) {
			matched = true
			break
		}
	}
	f.cache.Add(e.EntityID, matched)
	return matched
}

func (f *EntityFilter) Transform(e model.Event) model.Event { return e }

// --- Attribute filter ---

// AttributeOp identifies an attribute comparison operator.
type AttributeOp int

const (
	OpEqual AttributeOp = iota
	OpNotEqual
	OpLess
	OpLessEqual
	OpGreater
	OpGreaterEqual
	OpIn
	OpContains
	OpMatchesRegex
)

// AttributeFilter passes events where event.attributes[Key] compares
// true against Value under Op. UserFn, if set, overrides Op/Value
// entirely (the "user-fn" operator kind).
type AttributeFilter struct {
	Key    string
	Op     AttributeOp
	Value  model.Value
	Set    []model.Value
	Regex  *regexp.Regexp
	UserFn func(v model.Value) bool
}

func (f *AttributeFilter) Name() string { return "attribute:" + f.Key }

func (f *AttributeFilter) ShouldProcess(e model.Event) bool {
	v := e.ResolveAttr(f.Key)
	if f.UserFn != nil {
		return f.UserFn(v)
	}
	switch f.Op {
	case OpEqual:
		return v.Equal(f.Value)
	case OpNotEqual:
		return !v.Equal(f.Value)
	case OpLess, OpLessEqual, OpGreater, OpGreaterEqual:
		vf, ok1 := v.AsFloat()
		wf, ok2 := f.Value.AsFloat()
		if !ok1 || !ok2 {
			return false
		}
		switch f.Op {
		case OpLess:
			return vf < wf
		case OpLessEqual:
			return vf <= wf
		case OpGreater:
			return vf > wf
		default:
			return vf >= wf
		}
	case OpIn:
		for _, s := range f.Set {
			if v.Equal(s) {
				return true
			}
		}
		return false
	case OpContains:
		vs, ok1 := v.AsString()
		ws, ok2 := f.Value.AsString()
		return ok1 && ok2 && strings.Contains(vs, ws)
	case OpMatchesRegex:
		vs, ok := v.AsString()
		return ok && f.Regex != nil && f.Regex.MatchString(vs)
	default:
		return false
	}
}

func (f *AttributeFilter) Transform(e model.Event) model.Event { return e }

// --- Time filter ---

// TimeFilter passes events whose timestamp falls within an allowed
// time-of-day range and day-of-week set (both in the filter's
// Location, default UTC).
type TimeFilter struct {
	StartMinute int // minutes since midnight, inclusive
	EndMinute   int // minutes since midnight, exclusive; wraps past midnight if < StartMinute
	Days        map[time.Weekday]struct{}
	Location    *time.Location
}

func (f *TimeFilter) Name() string { return "time" }

func (f *TimeFilter) ShouldProcess(e model.Event) bool {
	loc := f.Location
	if loc == nil {
		loc = time.UTC
	}
	ts := e.Timestamp.In(loc)

	if len(f.Days) > 0 {
		if _, ok := f.Days[ts.Weekday()]; !ok {
			return false
		}
	}

	minute := ts.Hour()*60 + ts.Minute()
	if f.StartMinute == 0 && f.EndMinute == 0 {
		return true
	}
	if f.StartMinute <= f.EndMinute {
		return minute >= f.StartMinute && minute < f.EndMinute
	}
	// Wraps past midnight, e.g. 22:00-06:00.
	return minute >= f.StartMinute || minute < f.EndMinute
}

func (f *TimeFilter) Transform(e model.Event) model.Event { return e }

// --- Custom filter ---

// CustomFilter wraps a user-supplied predicate and optional transform.
type CustomFilter struct {
	FilterName string
	Predicate  func(e model.Event) bool
	TransformFn func(e model.Event) model.Event
}

func (f *CustomFilter) Name() string {
	if f.FilterName != "" {
		return f.FilterName
	}
	return "custom"
}

func (f *CustomFilter) ShouldProcess(e model.Event) bool {
	if f.Predicate == nil {
		return true
	}
	return f.Predicate(e)
}

func (f *CustomFilter) Transform(e model.Event) model.Event {
	if f.TransformFn == nil {
		return e
	}
	return f.TransformFn(e)
}
