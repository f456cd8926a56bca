// Package alert implements the alert engine: rule
// evaluation against each event, a threshold engine over time-windowed
// samples, cooldowns, alert lifecycle, noise-reducing aggregation, and
// fan-out to notification sinks.
package alert

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hausdata/ingestd/internal/config"
	"github.com/hausdata/ingestd/internal/model"
)

// Severity is one of the four alert severities.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "info"
	}
}

// MarshalJSON encodes the severity as its lowercase name, for alert
// snapshots delivered to external sinks.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a severity from its lowercase name, the inverse
// of MarshalJSON.
func (s *Severity) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	v, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// rank orders severities for aggregation's highest-severity-wins
// representative selection.
func (s Severity) rank() int { return int(s) }

// PredicateOp identifies a predicate comparison operator: the same set
// the pipeline's attribute filter supports, plus exists/not_exists.
type PredicateOp int

const (
	OpEqual PredicateOp = iota
	OpNotEqual
	OpLess
	OpLessEqual
	OpGreater
	OpGreaterEqual
	OpIn
	OpContains
	OpMatchesRegex
	OpExists
	OpNotExists
)

// Predicate is a single field-path condition a Rule requires to match.
type Predicate struct {
	FieldPath string
	Op        PredicateOp
	Value     model.Value
	Set       []model.Value
	Regex     *regexp.Regexp
}

// Match reports whether e satisfies p. Field paths are resolved
// left-to-right against e's attributes; missing segments yield null.
func (p Predicate) Match(e model.Event) bool {
	v := model.ResolvePath(e.Attributes, p.FieldPath)
	switch p.Op {
	case OpExists:
		return !v.IsNull()
	case OpNotExists:
		return v.IsNull()
	case OpEqual:
		return v.Equal(p.Value)
	case OpNotEqual:
		return !v.Equal(p.Value)
	case OpLess, OpLessEqual, OpGreater, OpGreaterEqual:
		vf, ok1 := v.AsFloat()
		wf, ok2 := p.Value.AsFloat()
		if !ok1 || !ok2 {
			return false
		}
		switch p.Op {
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
		for _, s := range p.Set {
			if v.Equal(s) {
				return true
			}
		}
		return false
	case OpContains:
		vs, ok1 := v.AsString()
		ws, ok2 := p.Value.AsString()
		return ok1 && ok2 && strings.Contains(vs, ws)
	case OpMatchesRegex:
		vs, ok := v.AsString()
		return ok && p.Regex != nil && p.Regex.MatchString(vs)
	default:
		return false
	}
}

// ThresholdType selects the numeric evaluation variant a threshold
// applies to its sample window.
type ThresholdType int

const (
	ThresholdAbove ThresholdType = iota
	ThresholdBelow
	ThresholdEquals
	ThresholdNotEquals
	ThresholdPercentChange
	ThresholdTrendUp
	ThresholdTrendDown
	ThresholdVolatility
	ThresholdOutlier
)

// BaselineAggregate selects the aggregate of in-window samples used as
// percent_change's baseline.
type BaselineAggregate int

const (
	BaselineLatest BaselineAggregate = iota
	BaselineAvg
	BaselineMin
	BaselineMax
	BaselineSum
)

// Threshold is a Rule's optional numeric condition.
type Threshold struct {
	Type          ThresholdType
	Value         float64
	Baseline      BaselineAggregate
	Sensitivity   float64 // trend_up/trend_down slope threshold
	TimeWindow    time.Duration
	MinDataPoints int
}

// Rule is an immutable alert rule definition.
type Rule struct {
	Name        string
	Description string
	Severity    Severity
	Enabled     bool

	Predicates []Predicate
	FieldPath  string // the numeric field path Threshold, if set, evaluates
	Threshold  *Threshold

	// TimeWindow bounds how long a triggered instance stays active
	// before the expiry sweep marks it expired. Zero means instances
	// of this rule never expire on their own clock.
	TimeWindow      time.Duration
	CooldownMinutes float64
	NotifySinks     []string
	Tags            map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Cooldown returns the rule's configured cooldown, or fallback if the
// rule didn't set one.
func (r Rule) Cooldown(fallback time.Duration) time.Duration {
	if r.CooldownMinutes <= 0 {
		return fallback
	}
	return time.Duration(r.CooldownMinutes * float64(time.Minute))
}

// MatchesPredicates reports whether every predicate in r matches e
// (AND semantics).
func (r Rule) MatchesPredicates(e model.Event) bool {
	for _, p := range r.Predicates {
		if !p.Match(e) {
			return false
		}
	}
	return true
}

// ParseSeverity converts a config severity string. Empty defaults to
// info.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return SeverityInfo, nil
	case "warning":
		return SeverityWarning, nil
	case "error":
		return SeverityError, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return SeverityInfo, fmt.Errorf("unknown severity %q", s)
	}
}

func parsePredicateOp(s string) (PredicateOp, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "=", "==", "eq":
		return OpEqual, nil
	case "!=", "ne":
		return OpNotEqual, nil
	case "<", "lt":
		return OpLess, nil
	case "<=", "le":
		return OpLessEqual, nil
	case ">", "gt":
		return OpGreater, nil
	case ">=", "ge":
		return OpGreaterEqual, nil
	case "in":
		return OpIn, nil
	case "contains":
		return OpContains, nil
	case "matches", "regex":
		return OpMatchesRegex, nil
	case "exists":
		return OpExists, nil
	case "not_exists":
		return OpNotExists, nil
	default:
		return OpEqual, fmt.Errorf("unknown predicate op %q", s)
	}
}

func parseThresholdType(s string) (ThresholdType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "above":
		return ThresholdAbove, nil
	case "below":
		return ThresholdBelow, nil
	case "equals":
		return ThresholdEquals, nil
	case "not_equals":
		return ThresholdNotEquals, nil
	case "percent_change":
		return ThresholdPercentChange, nil
	case "trend_up":
		return ThresholdTrendUp, nil
	case "trend_down":
		return ThresholdTrendDown, nil
	case "volatility":
		return ThresholdVolatility, nil
	case "outlier":
		return ThresholdOutlier, nil
	default:
		return ThresholdAbove, fmt.Errorf("unknown threshold type %q", s)
	}
}

func parseBaseline(s string) (BaselineAggregate, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "latest":
		return BaselineLatest, nil
	case "avg":
		return BaselineAvg, nil
	case "min":
		return BaselineMin, nil
	case "max":
		return BaselineMax, nil
	case "sum":
		return BaselineSum, nil
	default:
		return BaselineLatest, fmt.Errorf("unknown baseline aggregate %q", s)
	}
}

// RulesFromConfig parses config-declared rules into engine rules,
// compiling regex patterns once. Any malformed rule aborts the whole
// parse; rule errors are configuration errors and belong at startup,
// not in the evaluation hot path.
func RulesFromConfig(cfgs []config.AlertRuleConfig) ([]Rule, error) {
	out := make([]Rule, 0, len(cfgs))
	seen := make(map[string]struct{}, len(cfgs))
	for _, rc := range cfgs {
		if rc.Name == "" {
			return nil, fmt.Errorf("alert rule with empty name")
		}
		if _, dup := seen[rc.Name]; dup {
			return nil, fmt.Errorf("duplicate alert rule %q", rc.Name)
		}
		seen[rc.Name] = struct{}{}

		sev, err := ParseSeverity(rc.Severity)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rc.Name, err)
		}

		r := Rule{
			Name:            rc.Name,
			Description:     rc.Description,
			Severity:        sev,
			Enabled:         !rc.Disabled,
			FieldPath:       rc.FieldPath,
			TimeWindow:      time.Duration(rc.TimeWindowMinutes * float64(time.Minute)),
			CooldownMinutes: rc.CooldownMinutes,
			NotifySinks:     rc.Notify,
			Tags:            rc.Tags,
		}

		for _, pc := range rc.Predicates {
			if pc.FieldPath == "" {
				return nil, fmt.Errorf("rule %q: predicate with empty field_path", rc.Name)
			}
			op, err := parsePredicateOp(pc.Op)
			if err != nil {
				return nil, fmt.Errorf("rule %q: %w", rc.Name, err)
			}
			p := Predicate{FieldPath: pc.FieldPath, Op: op, Value: model.FromAny(pc.Value)}
			if op == OpIn {
				p.Set = make([]model.Value, len(pc.Set))
				for i, v := range pc.Set {
					p.Set[i] = model.FromAny(v)
				}
			}
			if op == OpMatchesRegex {
				re, err := regexp.Compile(pc.Pattern)
				if err != nil {
					return nil, fmt.Errorf("rule %q: bad pattern %q: %w", rc.Name, pc.Pattern, err)
				}
				p.Regex = re
			}
			r.Predicates = append(r.Predicates, p)
		}

		if tc := rc.Threshold; tc != nil {
			if r.FieldPath == "" {
				return nil, fmt.Errorf("rule %q: threshold requires field_path", rc.Name)
			}
			tt, err := parseThresholdType(tc.Type)
			if err != nil {
				return nil, fmt.Errorf("rule %q: %w", rc.Name, err)
			}
			base, err := parseBaseline(tc.Baseline)
			if err != nil {
				return nil, fmt.Errorf("rule %q: %w", rc.Name, err)
			}
			r.Threshold = &Threshold{
				Type:          tt,
				Value:         tc.Value,
				Baseline:      base,
				Sensitivity:   tc.Sensitivity,
				TimeWindow:    time.Duration(tc.TimeWindowMinutes * float64(time.Minute)),
				MinDataPoints: tc.MinDataPoints,
			}
		}

		out = append(out, r)
	}
	return out, nil
}
