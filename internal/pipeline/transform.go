package pipeline

import (
	"github.com/hausdata/ingestd/internal/model"
)

// TransformFunc converts a decoded event into zero or more storage
// points. Measurement is conventionally the event's domain; tags
// identify the series, fields carry the observed values.
type TransformFunc func(e model.Event) ([]model.Point, error)

// TransformRegistry maps an event's Type to the TransformFunc that
// turns it into storage points. It does no locking of its own; Pipeline
// calls Register and For under its lock.
type TransformRegistry struct {
	byType  map[string]TransformFunc
	fallback TransformFunc
}

func NewTransformRegistry() *TransformRegistry {
	return &TransformRegistry{
		byType:   make(map[string]TransformFunc),
		fallback: DefaultTransform,
	}
}

// Register sets the transform used for events of the given type,
// replacing any prior registration.
func (r *TransformRegistry) Register(eventType string, fn TransformFunc) {
	r.byType[eventType] = fn
}

// For returns the transform for e.Type, falling back to
// DefaultTransform when no specific transform is registered.
func (r *TransformRegistry) For(eventType string) TransformFunc {
	if fn, ok := r.byType[eventType]; ok {
		return fn
	}
	return r.fallback
}

// DefaultTransform renders an event as a single storage point: the
// domain as measurement, entity_id as its only tag, and all
// convertible attributes as fields. Attribute values that resolve to
// null are dropped rather than emitted as empty strings.
func DefaultTransform(e model.Event) ([]model.Point, error) {
	fields := make(map[string]model.FieldValue, len(e.Attributes))
	for k, v := range e.Attributes {
		if v.IsNull() {
			continue
		}
		fv, ok := model.FieldFromValue(v)
		if !ok {
			// Maps/lists have no field representation; drop the
			// attribute rather than invent a nested encoding.
			continue
		}
		fields[k] = fv
	}
	if len(fields) == 0 {
		fields["event"] = model.FieldBool(true)
	}

	p := model.Point{
		Measurement: e.Domain,
		Tags: map[string]string{
			"entity_id": e.EntityID,
		},
		Fields:      fields,
		TimestampNS: e.Timestamp.UnixNano(),
	}
	return []model.Point{p}, nil
}
