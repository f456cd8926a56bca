package alert

import (
	"testing"
	"time"

	"github.com/hausdata/ingestd/internal/model"
)

func TestHistoryFIFOEviction(t *testing.T) {
	h := newHistory(3)
	base := time.Unix(1700000000, 0)
	for i := 0; i < 5; i++ {
		h.add(&Instance{ID: string(rune('a' + i)), TriggeredAt: base.Add(time.Duration(i) * time.Second)})
	}
	snap := h.snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected history capped at 3, got %d", len(snap))
	}
	if snap[0].ID != "c" || snap[2].ID != "e" {
		t.Fatalf("expected oldest-evicted FIFO order, got ids %v", idsOf(snap))
	}
}

func idsOf(items []*Instance) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestHistoryDefaultBound(t *testing.T) {
	h := newHistory(0)
	if h.bound != historyBound {
		t.Fatalf("expected default bound %d, got %d", historyBound, h.bound)
	}
}

func TestNewInstanceStartsActive(t *testing.T) {
	r := Rule{
		Name:       "high-temp",
		Severity:   SeverityWarning,
		TimeWindow: 10 * time.Minute,
		Tags:       map[string]string{"room": "den"},
	}
	now := time.Unix(1700000000, 0)
	ctx := map[string]model.Value{"entity_id": model.String("climate.den")}
	inst := newInstance(r, 42.0, "too hot", now, ctx)
	if inst.Status != StatusActive {
		t.Fatalf("expected new instance to start active, got %v", inst.Status)
	}
	if inst.ID == "" {
		t.Fatal("expected a generated instance ID")
	}
	if inst.RuleName != "high-temp" || inst.Severity != SeverityWarning {
		t.Fatalf("instance did not carry rule identity: %+v", inst)
	}
	if !inst.ExpiresAt.Equal(now.Add(10 * time.Minute)) {
		t.Fatalf("expected expires_at from the rule's time window, got %v", inst.ExpiresAt)
	}
	if inst.Tags["room"] != "den" {
		t.Fatalf("expected rule tags copied onto the instance, got %v", inst.Tags)
	}
	if got, _ := inst.Context["entity_id"].AsString(); got != "climate.den" {
		t.Fatalf("expected context snapshot carried, got %v", inst.Context)
	}
	if !inst.AcknowledgedAt.IsZero() || !inst.ResolvedAt.IsZero() {
		t.Fatalf("expected lifecycle timestamps zero on a fresh instance: %+v", inst)
	}
}

func TestNewInstanceWithoutTimeWindowNeverExpires(t *testing.T) {
	inst := newInstance(Rule{Name: "r"}, 0, "m", time.Unix(1700000000, 0), nil)
	if !inst.ExpiresAt.IsZero() {
		t.Fatalf("expected zero expires_at without a rule time window, got %v", inst.ExpiresAt)
	}
}
