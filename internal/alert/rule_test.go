package alert

import (
	"regexp"
	"testing"
	"time"

	"github.com/hausdata/ingestd/internal/config"
	"github.com/hausdata/ingestd/internal/model"
)

func eventWithAttrs(attrs map[string]model.Value) model.Event {
	return model.Event{Domain: "climate", EntityID: "climate.den", Attributes: attrs}
}

func TestPredicateExistsNotExists(t *testing.T) {
	e := eventWithAttrs(map[string]model.Value{"temp": model.Float(72)})
	exists := Predicate{FieldPath: "temp", Op: OpExists}
	if !exists.Match(e) {
		t.Error("expected exists to match present field")
	}
	notExists := Predicate{FieldPath: "humidity", Op: OpNotExists}
	if !notExists.Match(e) {
		t.Error("expected not_exists to match absent field")
	}
}

func TestPredicateComparisonOps(t *testing.T) {
	e := eventWithAttrs(map[string]model.Value{"temp": model.Float(72)})
	gt := Predicate{FieldPath: "temp", Op: OpGreater, Value: model.Float(70)}
	if !gt.Match(e) {
		t.Error("expected 72 > 70 to match")
	}
	lt := Predicate{FieldPath: "temp", Op: OpLess, Value: model.Float(70)}
	if lt.Match(e) {
		t.Error("expected 72 < 70 not to match")
	}
}

func TestPredicateInSet(t *testing.T) {
	e := eventWithAttrs(map[string]model.Value{"state": model.String("armed_home")})
	in := Predicate{FieldPath: "state", Op: OpIn, Set: []model.Value{model.String("armed_home"), model.String("armed_away")}}
	if !in.Match(e) {
		t.Error("expected state to be in the configured set")
	}
}

func TestPredicateRegex(t *testing.T) {
	e := eventWithAttrs(map[string]model.Value{"entity": model.String("sensor.kitchen_temp")})
	re := Predicate{FieldPath: "entity", Op: OpMatchesRegex, Regex: regexp.MustCompile(`^sensor\.`)}
	if !re.Match(e) {
		t.Error("expected regex to match sensor.* entity id")
	}
}

func TestPredicateMissingPathYieldsNull(t *testing.T) {
	e := eventWithAttrs(map[string]model.Value{"a": model.Map(map[string]model.Value{"b": model.Int(1)})})
	p := Predicate{FieldPath: "a.b.c", Op: OpNotExists}
	if !p.Match(e) {
		t.Error("expected a missing nested segment to resolve to null")
	}
}

func TestRuleMatchesPredicatesAND(t *testing.T) {
	e := eventWithAttrs(map[string]model.Value{"temp": model.Float(90), "occupied": model.Bool(true)})
	r := Rule{
		Predicates: []Predicate{
			{FieldPath: "temp", Op: OpGreater, Value: model.Float(80)},
			{FieldPath: "occupied", Op: OpEqual, Value: model.Bool(true)},
		},
	}
	if !r.MatchesPredicates(e) {
		t.Fatal("expected both predicates to AND-match")
	}

	r.Predicates[1].Value = model.Bool(false)
	if r.MatchesPredicates(e) {
		t.Fatal("expected AND to fail when one predicate fails")
	}
}

func TestRuleCooldownFallback(t *testing.T) {
	r := Rule{}
	if got := r.Cooldown(2 * time.Minute); got != 2*time.Minute {
		t.Fatalf("expected fallback cooldown, got %v", got)
	}
	r.CooldownMinutes = 10
	if got := r.Cooldown(2 * time.Minute); got != 10*time.Minute {
		t.Fatalf("expected rule's own cooldown, got %v", got)
	}
}

func TestRulesFromConfigParsesFullRule(t *testing.T) {
	cfgs := []config.AlertRuleConfig{{
		Name:     "den-too-hot",
		Severity: "warning",
		Predicates: []config.AlertPredicateConfig{
			{FieldPath: "domain", Op: "=", Value: "climate"},
			{FieldPath: "entity_id", Op: "matches", Pattern: `^climate\.den`},
		},
		FieldPath: "temperature",
		Threshold: &config.AlertThresholdConfig{
			Type: "outlier", Value: 2, TimeWindowMinutes: 10, MinDataPoints: 3,
		},
		TimeWindowMinutes: 30,
		CooldownMinutes:   15,
		Notify:            []string{"pager"},
	}}

	rules, err := RulesFromConfig(cfgs)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rules))
	}
	r := rules[0]
	if r.Severity != SeverityWarning || !r.Enabled {
		t.Fatalf("unexpected rule header: %+v", r)
	}
	if len(r.Predicates) != 2 || r.Predicates[1].Regex == nil {
		t.Fatalf("expected compiled predicates, got %+v", r.Predicates)
	}
	if r.Threshold == nil || r.Threshold.Type != ThresholdOutlier || r.Threshold.TimeWindow != 10*time.Minute {
		t.Fatalf("unexpected threshold: %+v", r.Threshold)
	}
	if r.TimeWindow != 30*time.Minute {
		t.Fatalf("expected top-level time window parsed, got %v", r.TimeWindow)
	}
	if r.CooldownMinutes != 15 || len(r.NotifySinks) != 1 {
		t.Fatalf("unexpected cooldown/notify: %+v", r)
	}
}

func TestRulesFromConfigRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.AlertRuleConfig
	}{
		{"empty name", config.AlertRuleConfig{}},
		{"bad severity", config.AlertRuleConfig{Name: "r", Severity: "panic"}},
		{"bad op", config.AlertRuleConfig{Name: "r", Predicates: []config.AlertPredicateConfig{{FieldPath: "x", Op: "~"}}}},
		{"bad regex", config.AlertRuleConfig{Name: "r", Predicates: []config.AlertPredicateConfig{{FieldPath: "x", Op: "matches", Pattern: "("}}}},
		{"threshold without field_path", config.AlertRuleConfig{Name: "r", Threshold: &config.AlertThresholdConfig{Type: "above"}}},
		{"bad threshold type", config.AlertRuleConfig{Name: "r", FieldPath: "x", Threshold: &config.AlertThresholdConfig{Type: "sideways"}}},
	}
	for _, tc := range cases {
		if _, err := RulesFromConfig([]config.AlertRuleConfig{tc.cfg}); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestRulesFromConfigRejectsDuplicateNames(t *testing.T) {
	cfgs := []config.AlertRuleConfig{{Name: "r"}, {Name: "r"}}
	if _, err := RulesFromConfig(cfgs); err == nil {
		t.Fatal("expected duplicate-name error")
	}
}
