package alert

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hausdata/ingestd/internal/config"
	"github.com/hausdata/ingestd/internal/model"
	"github.com/hausdata/ingestd/internal/obs"
)

// aggGroup accumulates triggers of the same (rule, severity) within a
// sliding window so a noisy rule produces one representative
// notification instead of one per trigger.
type aggGroup struct {
	ruleName string
	severity Severity
	count    int
	firstAt  time.Time
	lastAt   time.Time
	rep      Message
}

// Engine evaluates rules against submitted events, maintains alert
// lifecycle and history, and dispatches notifications. It implements
// pipeline.AlertSink.
type Engine struct {
	cfg    config.AlertConfig
	bus    *obs.Bus
	logger *slog.Logger
	sinks  []*namedSink

	mu            sync.Mutex
	rules         map[string]Rule
	series        map[string]*series
	active        map[string]*Instance
	lastTriggered map[string]time.Time
	hist          *history
	groups        map[string]*aggGroup

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New constructs an Engine. bus receives alert-triggered/resolved
// notifications for the observability layer; it may be nil.
func New(cfg config.AlertConfig, bus *obs.Bus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:           cfg,
		bus:           bus,
		logger:        logger,
		sinks:         buildSinks(cfg.Notify, logger),
		rules:         make(map[string]Rule),
		series:        make(map[string]*series),
		active:        make(map[string]*Instance),
		lastTriggered: make(map[string]time.Time),
		hist:          newHistory(cfg.HistoryBound),
		groups:        make(map[string]*aggGroup),
		stopCh:        make(chan struct{}),
	}
}

// AddRule installs or replaces a rule definition.
func (e *Engine) AddRule(r Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	r.UpdatedAt = time.Now()
	e.rules[r.Name] = r
}

// RemoveRule deletes a rule by name. Existing active alerts for it are
// left untouched until resolved or expired.
func (e *Engine) RemoveRule(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rules, name)
}

// Rules returns a snapshot of all installed rules.
func (e *Engine) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}
	return out
}

// Start launches the background expiry/aggregation sweep at
// cfg.CheckInterval.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.sweepLoop()
}

// Stop halts the background sweep and waits for it to exit.
func (e *Engine) Stop() {
	select {
	case <-e.stopCh:
	default:
		close(e.stopCh)
	}
	e.wg.Wait()
}

func (e *Engine) checkInterval() time.Duration {
	if e.cfg.CheckInterval > 0 {
		return e.cfg.CheckInterval
	}
	return 15 * time.Second
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.checkInterval())
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			e.expireStale(now)
			e.flushAggregation(now)
		}
	}
}

// Submit evaluates every enabled rule against e. It implements
// pipeline.AlertSink and never returns an error: a rule whose field is
// missing or non-numeric is skipped silently, never propagated, so a bad
// rule can't stall the pipeline.
func (e *Engine) Submit(evt model.Event) error {
	now := time.Now()
	if !evt.Timestamp.IsZero() {
		now = evt.Timestamp
	}

	e.mu.Lock()
	rules := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		if r.Enabled {
			rules = append(rules, r)
		}
	}
	e.mu.Unlock()

	// Evaluate against history first, then fold the event's own values
	// in: the current value is compared to the window, not part of it.
	for _, r := range rules {
		e.evaluateRule(r, evt, now)
	}
	e.seedSeries("", evt.Attributes, now)
	return nil
}

// seedSeries records every natively numeric attribute of an event as a
// data point, walking nested maps with dotted paths, so rules
// referencing those paths accumulate history without explicit wiring.
func (e *Engine) seedSeries(prefix string, attrs map[string]model.Value, now time.Time) {
	for k, v := range attrs {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if m, ok := v.AsMap(); ok {
			e.seedSeries(path, m, now)
			continue
		}
		switch v.Kind() {
		case model.KindInt, model.KindFloat:
			f, _ := v.AsFloat()
			e.AddDataPoint(path, f, now, nil)
		}
	}
}

func (e *Engine) evaluateRule(r Rule, evt model.Event, now time.Time) {
	if !r.MatchesPredicates(evt) {
		return
	}

	var current float64
	haveCurrent := false
	if r.FieldPath != "" {
		v := model.ResolvePath(evt.Attributes, r.FieldPath)
		f, ok := v.AsFloat()
		if !ok {
			return
		}
		current = f
		haveCurrent = true
	}

	if r.Threshold != nil {
		if !haveCurrent {
			return
		}
		s := e.fieldSeries(r.FieldPath)
		if !r.Threshold.Evaluate(s, current, now) {
			return
		}
	}

	e.trigger(r, evt, current, now)
}

// AddDataPoint records a sample for fieldPath without necessarily
// evaluating rules, so components other than Submit's event path (a
// future metrics feed, a test) can seed series history.
func (e *Engine) AddDataPoint(fieldPath string, value float64, ts time.Time, metadata map[string]model.Value) {
	if ts.IsZero() {
		ts = time.Now()
	}
	s := e.fieldSeries(fieldPath)
	s.Add(Sample{Timestamp: ts, Value: value, Metadata: metadata})
}

func (e *Engine) fieldSeries(fieldPath string) *series {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.series[fieldPath]
	if !ok {
		s = newSeries()
		e.series[fieldPath] = s
	}
	return s
}

// trigger fires r, honoring its cooldown: a rule that just fired stays
// quiet until the cooldown elapses, even if its condition remains true.
func (e *Engine) trigger(r Rule, evt model.Event, value float64, now time.Time) {
	cooldown := r.Cooldown(e.defaultCooldown())

	e.mu.Lock()
	if last, ok := e.lastTriggered[r.Name]; ok && now.Sub(last) < cooldown {
		e.mu.Unlock()
		return
	}
	e.lastTriggered[r.Name] = now

	inst := newInstance(r, value, describeTrigger(r, value), now, contextSnapshot(evt))
	e.active[r.Name] = inst
	e.mu.Unlock()

	if e.bus != nil {
		e.bus.Publish(obs.Event{
			Source: obs.SourceAlert,
			Kind:   obs.KindAlertTriggered,
			Data:   map[string]any{"rule": r.Name, "severity": r.Severity.String()},
		})
	}

	e.addToAggregation(r, inst, now)
}

// contextSnapshot captures the triggering event's identity and
// attributes for the alert instance, deep-copied so later transforms
// of the event can't mutate recorded history.
func contextSnapshot(evt model.Event) map[string]model.Value {
	snap := map[string]model.Value{
		"domain":     model.String(evt.Domain),
		"entity_id":  model.String(evt.EntityID),
		"event_type": model.String(evt.Type),
	}
	if len(evt.Attributes) > 0 {
		snap["attributes"] = model.Map(evt.Clone().Attributes)
	}
	return snap
}

func (e *Engine) defaultCooldown() time.Duration {
	if e.cfg.DefaultCooldown > 0 {
		return e.cfg.DefaultCooldown
	}
	return 5 * time.Minute
}

func describeTrigger(r Rule, value float64) string {
	if r.Description != "" {
		return r.Description
	}
	return r.Name + " triggered"
}

func (e *Engine) aggregationWindow() time.Duration {
	if e.cfg.AggregationWindow > 0 {
		return e.cfg.AggregationWindow
	}
	return 5 * time.Minute
}

// addToAggregation folds inst into the (rule, severity) group,
// notifying immediately on the group's first member only, so a burst
// within the window produces exactly one notification. The earliest
// trigger stays the group's representative: members of a group share
// one severity by construction, so the earliest-triggered-at tie-break
// always applies. Later triggers within the same window are folded into
// the group's count but never produce a second notification.
func (e *Engine) addToAggregation(r Rule, inst *Instance, now time.Time) {
	key := r.Name + "|" + r.Severity.String()
	msg := Message{
		Title:    "Alert: " + r.Name,
		Body:     inst.Message,
		Severity: r.Severity.String(),
		Alert:    *inst,
		Metadata: map[string]string{
			"rule":   r.Name,
			"status": inst.Status.String(),
		},
	}

	e.mu.Lock()
	g, exists := e.groups[key]
	if !exists {
		g = &aggGroup{ruleName: r.Name, severity: r.Severity, firstAt: now, rep: msg}
		e.groups[key] = g
	}
	g.count++
	g.lastAt = now
	if r.Severity.rank() > g.severity.rank() {
		g.rep = msg
	}
	first := !exists
	e.mu.Unlock()

	if first {
		e.notify(msg, r.Severity, r.NotifySinks)
	}
}

// flushAggregation prunes aggregation groups whose window has closed or
// that have gone idle. The group's single representative notification
// was already sent by addToAggregation when its first member arrived;
// once the window closes the group is dropped outright so the next
// trigger starts a fresh window and is notified again as that window's
// "first" member, rather than being folded silently into a group that
// has already notified. Groups idle for over an hour are pruned the
// same way.
func (e *Engine) flushAggregation(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, g := range e.groups {
		if now.Sub(g.lastAt) > time.Hour {
			delete(e.groups, key)
			continue
		}
		if now.Sub(g.firstAt) >= e.aggregationWindow() {
			delete(e.groups, key)
		}
	}
}

func (e *Engine) notify(msg Message, sev Severity, only []string) {
	dispatch(e.sinks, msg, sev, only, e.logger)
}

// Acknowledge marks the active alert for ruleName acknowledged. Returns
// false if there is no active alert for that rule.
func (e *Engine) Acknowledge(ruleName string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.active[ruleName]
	if !ok || inst.Status != StatusActive {
		return false
	}
	now := time.Now()
	inst.Status = StatusAcknowledged
	inst.AcknowledgedAt = now
	inst.UpdatedAt = now
	return true
}

// Resolve moves the active alert for ruleName to resolved history.
// Returns false if there is no active alert for that rule.
func (e *Engine) Resolve(ruleName string) bool {
	e.mu.Lock()
	inst, ok := e.active[ruleName]
	if !ok {
		e.mu.Unlock()
		return false
	}
	now := time.Now()
	inst.Status = StatusResolved
	inst.ResolvedAt = now
	inst.UpdatedAt = now
	delete(e.active, ruleName)
	e.hist.add(inst)
	e.mu.Unlock()

	if e.bus != nil {
		e.bus.Publish(obs.Event{
			Source: obs.SourceAlert,
			Kind:   obs.KindAlertResolved,
			Data:   map[string]any{"rule": ruleName, "status": "resolved"},
		})
	}
	return true
}

// expireStale moves active/acknowledged alerts whose ExpiresAt has
// passed into expired history. Instances without their own expiry (a
// rule with no time window) fall back to cfg.ExpireAfter measured from
// the last trigger.
func (e *Engine) expireStale(now time.Time) {
	expireAfter := e.cfg.ExpireAfter
	if expireAfter <= 0 {
		expireAfter = 24 * time.Hour
	}

	e.mu.Lock()
	var expired []*Instance
	for name, inst := range e.active {
		deadline := inst.ExpiresAt
		if deadline.IsZero() {
			last := e.lastTriggered[name]
			if last.IsZero() {
				last = inst.TriggeredAt
			}
			deadline = last.Add(expireAfter)
		}
		if now.After(deadline) {
			inst.Status = StatusExpired
			inst.UpdatedAt = now
			delete(e.active, name)
			e.hist.add(inst)
			expired = append(expired, inst)
		}
	}
	e.mu.Unlock()

	for _, inst := range expired {
		if e.bus != nil {
			e.bus.Publish(obs.Event{
				Source: obs.SourceAlert,
				Kind:   obs.KindAlertResolved,
				Data:   map[string]any{"rule": inst.RuleName, "status": "expired"},
			})
		}
	}
}

// Active returns a snapshot of currently active/acknowledged alerts.
func (e *Engine) Active() []*Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Instance, 0, len(e.active))
	for _, inst := range e.active {
		out = append(out, inst)
	}
	return out
}

// History returns a snapshot of resolved/expired alerts, oldest first.
func (e *Engine) History() []*Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hist.snapshot()
}

// SinkStats returns per-sink delivery counters for the metrics layer.
func (e *Engine) SinkStats() []SinkStats {
	return sinkStats(e.sinks)
}
