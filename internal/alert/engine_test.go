package alert

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hausdata/ingestd/internal/config"
	"github.com/hausdata/ingestd/internal/model"
)

func tempEvent(entity string, temp float64, ts time.Time) model.Event {
	return model.Event{
		Domain:     "climate",
		EntityID:   entity,
		Type:       "state_changed",
		Timestamp:  ts,
		Attributes: map[string]model.Value{"temperature": model.Float(temp)},
	}
}

func TestEngineThresholdOutlierTriggersAlert(t *testing.T) {
	cfg := config.AlertConfig{DefaultCooldown: time.Minute, ExpireAfter: time.Hour, CheckInterval: time.Hour}
	e := New(cfg, nil, nil)
	e.AddRule(Rule{
		Name:      "temp-outlier",
		Severity:  SeverityWarning,
		Enabled:   true,
		FieldPath: "temperature",
		Threshold: &Threshold{Type: ThresholdOutlier, Value: 3, TimeWindow: time.Minute, MinDataPoints: 3},
	})

	base := time.Unix(1700000000, 0)
	for i, v := range []float64{70, 71, 69, 70} {
		e.Submit(tempEvent("climate.den", v, base.Add(time.Duration(i)*time.Second)))
	}
	if active := e.Active(); len(active) != 0 {
		t.Fatalf("expected no alert from in-distribution samples, got %d", len(active))
	}

	e.Submit(tempEvent("climate.den", 500, base.Add(5*time.Second)))
	active := e.Active()
	if len(active) != 1 {
		t.Fatalf("expected 1 active alert after an outlier sample, got %d", len(active))
	}
	if active[0].RuleName != "temp-outlier" {
		t.Fatalf("unexpected active alert: %+v", active[0])
	}
}

func TestEngineCooldownSuppressesRefire(t *testing.T) {
	cfg := config.AlertConfig{DefaultCooldown: time.Hour, ExpireAfter: time.Hour, CheckInterval: time.Hour}
	e := New(cfg, nil, nil)
	e.AddRule(Rule{
		Name:      "always-hot",
		Severity:  SeverityCritical,
		Enabled:   true,
		Predicates: []Predicate{{FieldPath: "temperature", Op: OpGreater, Value: model.Float(0)}},
	})

	base := time.Unix(1700000000, 0)
	e.Submit(tempEvent("climate.den", 80, base))
	e.Submit(tempEvent("climate.den", 81, base.Add(time.Second)))
	e.Submit(tempEvent("climate.den", 82, base.Add(2*time.Second)))

	e.mu.Lock()
	count := e.groups["always-hot|critical"].count
	e.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected cooldown to suppress re-trigger within window, group count=%d", count)
	}
}

func TestEngineAcknowledgeAndResolve(t *testing.T) {
	cfg := config.AlertConfig{DefaultCooldown: time.Minute, ExpireAfter: time.Hour, CheckInterval: time.Hour}
	e := New(cfg, nil, nil)
	e.AddRule(Rule{
		Name:       "smoke",
		Severity:   SeverityCritical,
		Enabled:    true,
		Predicates: []Predicate{{FieldPath: "temperature", Op: OpGreater, Value: model.Float(0)}},
	})
	e.Submit(tempEvent("climate.den", 90, time.Unix(1700000000, 0)))

	if !e.Acknowledge("smoke") {
		t.Fatal("expected acknowledge to succeed for an active alert")
	}
	if e.Acknowledge("no-such-rule") {
		t.Fatal("expected acknowledge to fail for an unknown rule")
	}
	if !e.Resolve("smoke") {
		t.Fatal("expected resolve to succeed")
	}
	if len(e.Active()) != 0 {
		t.Fatal("expected no active alerts after resolve")
	}
	hist := e.History()
	if len(hist) != 1 || hist[0].Status != StatusResolved {
		t.Fatalf("expected resolved alert in history, got %+v", hist)
	}
	if hist[0].AcknowledgedAt.IsZero() || hist[0].ResolvedAt.IsZero() {
		t.Fatalf("expected acknowledged_at and resolved_at stamped, got %+v", hist[0])
	}
	if ctx := hist[0].Context; len(ctx) == 0 {
		t.Fatal("expected a context snapshot on the triggered instance")
	} else if entity, _ := ctx["entity_id"].AsString(); entity != "climate.den" {
		t.Fatalf("expected context entity_id climate.den, got %v", ctx["entity_id"])
	}
}

func TestEngineExpiresByRuleTimeWindow(t *testing.T) {
	// ExpireAfter is generous; only the rule's own time window should
	// drive expiry here.
	cfg := config.AlertConfig{DefaultCooldown: time.Minute, ExpireAfter: 24 * time.Hour, CheckInterval: time.Hour}
	e := New(cfg, nil, nil)
	e.AddRule(Rule{
		Name:       "windowed",
		Severity:   SeverityWarning,
		Enabled:    true,
		TimeWindow: 5 * time.Minute,
		Predicates: []Predicate{{FieldPath: "temperature", Op: OpGreater, Value: model.Float(0)}},
	})

	base := time.Unix(1700000000, 0)
	e.Submit(tempEvent("climate.den", 90, base))

	active := e.Active()
	if len(active) != 1 || !active[0].ExpiresAt.Equal(base.Add(5*time.Minute)) {
		t.Fatalf("expected expires_at = trigger + window, got %+v", active)
	}

	e.expireStale(base.Add(4 * time.Minute))
	if len(e.Active()) != 1 {
		t.Fatal("expected alert still active inside its window")
	}

	e.expireStale(base.Add(6 * time.Minute))
	if len(e.Active()) != 0 {
		t.Fatal("expected alert expired once its own window passed")
	}
	hist := e.History()
	if len(hist) != 1 || hist[0].Status != StatusExpired {
		t.Fatalf("expected expired alert in history, got %+v", hist)
	}
}

func TestEngineExpiresStaleAlerts(t *testing.T) {
	cfg := config.AlertConfig{DefaultCooldown: time.Millisecond, ExpireAfter: 10 * time.Millisecond, CheckInterval: time.Hour}
	e := New(cfg, nil, nil)
	e.AddRule(Rule{
		Name:       "leak",
		Severity:   SeverityError,
		Enabled:    true,
		Predicates: []Predicate{{FieldPath: "temperature", Op: OpGreater, Value: model.Float(0)}},
	})
	e.Submit(tempEvent("climate.den", 90, time.Unix(1700000000, 0)))
	if len(e.Active()) != 1 {
		t.Fatal("expected an active alert before expiry sweep")
	}

	time.Sleep(30 * time.Millisecond)
	e.expireStale(time.Now())

	if len(e.Active()) != 0 {
		t.Fatal("expected stale alert to be expired")
	}
	hist := e.History()
	if len(hist) != 1 || hist[0].Status != StatusExpired {
		t.Fatalf("expected expired alert in history, got %+v", hist)
	}
}

func TestEngineAggregationEmitsOneNotificationPerBurst(t *testing.T) {
	var delivered atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.AlertConfig{
		DefaultCooldown:   0,
		ExpireAfter:       time.Hour,
		CheckInterval:     time.Hour,
		AggregationWindow: 20 * time.Millisecond,
		Notify:            []config.NotifySinkConfig{{Kind: "webhook", URL: srv.URL}},
	}
	e := New(cfg, nil, nil)
	e.AddRule(Rule{
		Name:            "door-open",
		Severity:        SeverityWarning,
		Enabled:         true,
		CooldownMinutes: 0.000001, // effectively no cooldown for this burst test
		Predicates:      []Predicate{{FieldPath: "temperature", Op: OpGreater, Value: model.Float(0)}},
	})

	base := time.Unix(1700000000, 0)
	for i := 0; i < 4; i++ {
		e.Submit(tempEvent("binary_sensor.door", float64(i+1), base.Add(time.Duration(i)*time.Millisecond)))
	}
	if got := delivered.Load(); got != 1 {
		t.Fatalf("expected exactly 1 notification for the whole burst, got %d", got)
	}

	e.mu.Lock()
	count := e.groups["door-open|warning"].count
	e.mu.Unlock()
	if count != 4 {
		t.Fatalf("expected all 4 triggers folded into the group, count=%d", count)
	}

	// Closing the window must not emit a second notification for the
	// same burst.
	time.Sleep(30 * time.Millisecond)
	e.flushAggregation(base.Add(time.Hour))

	if got := delivered.Load(); got != 1 {
		t.Fatalf("expected no additional notification once the window closes, got %d", got)
	}

	// A fresh trigger after the window closed starts a new window and is
	// notified again as that window's first member.
	e.Submit(tempEvent("binary_sensor.door", 5, base.Add(2*time.Hour)))
	if got := delivered.Load(); got != 2 {
		t.Fatalf("expected a new window's first trigger to notify again, got %d", got)
	}
}
