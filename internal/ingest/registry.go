package ingest

import (
	"sync"

	"github.com/hausdata/ingestd/internal/model"
)

// Registry is the in-memory device/area/entity metadata cache mutated
// by registry-update messages and consumed by the pipeline's transform
// step. Updates are an opaque attribute merge keyed by entity_id.
type Registry struct {
	mu       sync.RWMutex
	byEntity map[string]map[string]model.Value
}

// NewRegistry returns an empty registry cache.
func NewRegistry() *Registry {
	return &Registry{byEntity: make(map[string]map[string]model.Value)}
}

// Merge applies an opaque set of metadata fields to entityID, merging
// keys into any attributes already recorded for that entity rather
// than replacing them wholesale.
func (r *Registry) Merge(entityID string, fields map[string]model.Value) {
	if entityID == "" || len(fields) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byEntity[entityID]
	if !ok {
		cur = make(map[string]model.Value, len(fields))
		r.byEntity[entityID] = cur
	}
	for k, v := range fields {
		cur[k] = v
	}
}

// Lookup returns a copy of the metadata recorded for entityID, or nil
// if nothing has been merged for it yet.
func (r *Registry) Lookup(entityID string) map[string]model.Value {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cur, ok := r.byEntity[entityID]
	if !ok {
		return nil
	}
	out := make(map[string]model.Value, len(cur))
	for k, v := range cur {
		out[k] = v
	}
	return out
}

// Len reports the number of entities with recorded metadata.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byEntity)
}
