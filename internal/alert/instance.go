package alert

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hausdata/ingestd/internal/model"
)

// Status is an alert instance's lifecycle state.
type Status int

const (
	StatusActive Status = iota
	StatusAcknowledged
	StatusResolved
	StatusExpired
)

// MarshalJSON encodes the status as its lowercase name, for alert
// snapshots delivered to external sinks.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a status from its lowercase name, the inverse
// of MarshalJSON.
func (s *Status) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for _, v := range []Status{StatusActive, StatusAcknowledged, StatusResolved, StatusExpired} {
		if v.String() == name {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown alert status %q", name)
}

func (s Status) String() string {
	switch s {
	case StatusAcknowledged:
		return "acknowledged"
	case StatusResolved:
		return "resolved"
	case StatusExpired:
		return "expired"
	default:
		return "active"
	}
}

// Instance is a single triggered alert. The lifecycle timestamps are
// zero until the corresponding transition happens; ExpiresAt is zero
// for rules with no time window, meaning the instance never expires on
// its own clock.
type Instance struct {
	ID          string    `json:"id"`
	RuleName    string    `json:"rule_name"`
	Severity    Severity  `json:"severity"`
	Status      Status    `json:"status"`
	Message     string    `json:"message"`
	TriggeredAt time.Time `json:"triggered_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	AcknowledgedAt time.Time `json:"acknowledged_at,omitzero"`
	ResolvedAt     time.Time `json:"resolved_at,omitzero"`
	ExpiresAt      time.Time `json:"expires_at,omitzero"`

	Value     float64 `json:"value"`
	FieldPath string  `json:"field_path,omitempty"`

	// Context snapshots the evaluation that raised the alert: the
	// event's identity and attributes at trigger time.
	Context map[string]model.Value `json:"context,omitempty"`
	// Tags carries the rule's free-form tag map.
	Tags map[string]string `json:"tags,omitempty"`
}

// newInstance constructs a freshly-triggered alert instance, stamping
// ExpiresAt from the rule's time window and copying the rule's tags.
func newInstance(rule Rule, value float64, message string, now time.Time, context map[string]model.Value) *Instance {
	inst := &Instance{
		ID:          uuid.NewString(),
		RuleName:    rule.Name,
		Severity:    rule.Severity,
		Status:      StatusActive,
		Message:     message,
		TriggeredAt: now,
		UpdatedAt:   now,
		Value:       value,
		FieldPath:   rule.FieldPath,
		Context:     context,
	}
	if rule.TimeWindow > 0 {
		inst.ExpiresAt = now.Add(rule.TimeWindow)
	}
	if len(rule.Tags) > 0 {
		inst.Tags = make(map[string]string, len(rule.Tags))
		for k, v := range rule.Tags {
			inst.Tags[k] = v
		}
	}
	return inst
}

// historyBound is the default FIFO cap on retained resolved/expired
// instances when the config doesn't set one.
const historyBound = 1000

// history is a FIFO-capped append log of alerts that have left the
// active state.
type history struct {
	bound int
	items []*Instance
}

func newHistory(bound int) *history {
	if bound <= 0 {
		bound = historyBound
	}
	return &history{bound: bound}
}

// add appends inst, evicting the oldest entry if the bound is exceeded.
func (h *history) add(inst *Instance) {
	h.items = append(h.items, inst)
	if over := len(h.items) - h.bound; over > 0 {
		h.items = append([]*Instance(nil), h.items[over:]...)
	}
}

// snapshot returns a copy of the retained history, oldest first.
func (h *history) snapshot() []*Instance {
	out := make([]*Instance, len(h.items))
	copy(out, h.items)
	return out
}
