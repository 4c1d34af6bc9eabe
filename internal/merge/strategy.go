// Package merge implements the pluggable conflict-resolution policy for
// concurrent field writes. The engine is deliberately not a CRDT: two
// concurrent writes to one field are never combined, one of them wins and
// the loser is told about it.
package merge

import (
	"sync"

	"github.com/liveform/syncd/internal/models"
)

// Strategy decides whether an incoming field write supersedes the stored
// latest write. current is nil when the field has never been written.
type Strategy interface {
	Wins(incoming, current *models.FieldChange) bool
}

// LastWriteWins is the default strategy: the write with the greater
// timestamp wins, and exact ties break by lexical origin comparison.
// The outcome depends only on the two writes, never on arrival order,
// so every replica picks the same winner.
type LastWriteWins struct{}

func (LastWriteWins) Wins(incoming, current *models.FieldChange) bool {
	if current == nil {
		return true
	}
	return incoming.IsNewerThan(current)
}

// Registry attaches strategies per field or per entity type, falling back
// to a default. Lookup order: (entity, field), entity, default.
type Registry struct {
	mu       sync.RWMutex
	byField  map[string]Strategy
	byEntity map[string]Strategy
	fallback Strategy
}

// NewRegistry creates a registry with LastWriteWins as the fallback.
func NewRegistry() *Registry {
	return &Registry{
		byField:  make(map[string]Strategy),
		byEntity: make(map[string]Strategy),
		fallback: LastWriteWins{},
	}
}

// SetEntity attaches a strategy to every field of an entity type.
func (r *Registry) SetEntity(entity string, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byEntity[entity] = s
}

// SetField attaches a strategy to a single field of an entity type,
// taking precedence over any entity-level strategy.
func (r *Registry) SetField(entity, field string, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byField[fieldKey(entity, field)] = s
}

// For returns the strategy governing one field.
func (r *Registry) For(entity, field string) Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.byField[fieldKey(entity, field)]; ok {
		return s
	}
	if s, ok := r.byEntity[entity]; ok {
		return s
	}
	return r.fallback
}

func fieldKey(entity, field string) string {
	return entity + "\x00" + field
}
