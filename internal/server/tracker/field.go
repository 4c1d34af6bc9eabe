package tracker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/liveform/syncd/internal/merge"
	"github.com/liveform/syncd/internal/models"
	"github.com/liveform/syncd/internal/server/storage"
)

// FieldTracker records field-level mutations and resolves concurrent
// writes to the same field through the configured merge strategy. It is
// explicitly not a CRDT: one write wins, the loser gets a conflict
// report for client-side reconciliation.
type FieldTracker struct {
	logger     *slog.Logger
	store      storage.FieldStore
	strategies *merge.Registry
}

// NewFieldTracker creates a new field tracker
func NewFieldTracker(logger *slog.Logger, store storage.FieldStore, strategies *merge.Registry) *FieldTracker {
	if strategies == nil {
		strategies = merge.NewRegistry()
	}
	return &FieldTracker{
		logger:     logger,
		store:      store,
		strategies: strategies,
	}
}

// RecordFieldChange appends a single write, applying the merge policy.
// Returns whether the write became the latest value.
func (t *FieldTracker) RecordFieldChange(ctx context.Context, change *models.FieldChange) (bool, error) {
	wins := t.strategies.For(change.Entity, change.Field).Wins
	applied, _, err := t.store.SaveFieldChange(ctx, change, wins)
	if err != nil {
		return false, fmt.Errorf("failed to record field change: %w", err)
	}
	return applied, nil
}

// MergeFieldChanges applies a batch of incoming writes to one entity
// instance. Each write either wins (returned in applied, to be
// broadcast), is an exact duplicate of the stored value (silent no-op),
// or loses (returned as a conflict report for the origin).
func (t *FieldTracker) MergeFieldChanges(ctx context.Context, entity, entityID string, incoming []*models.FieldChange) ([]*models.FieldChange, []*models.ConflictReport, error) {
	var (
		applied   []*models.FieldChange
		conflicts []*models.ConflictReport
	)

	for _, change := range incoming {
		wins := t.strategies.For(entity, change.Field).Wins
		ok, prior, err := t.store.SaveFieldChange(ctx, change, wins)
		if err != nil {
			return applied, conflicts, fmt.Errorf("failed to merge field %q: %w", change.Field, err)
		}

		if ok {
			applied = append(applied, change)
			continue
		}

		// prior is non-nil here: a write with no prior value always wins.
		if change.SameValue(prior) {
			continue
		}

		t.logger.Debug("Field merge conflict",
			"entity", entity,
			"entity_id", entityID,
			"field", change.Field,
			"server_timestamp", prior.Timestamp,
			"client_timestamp", change.Timestamp,
		)

		conflicts = append(conflicts, &models.ConflictReport{
			Field:           change.Field,
			ServerValue:     prior.Value,
			ServerTimestamp: prior.Timestamp,
			ClientValue:     change.Value,
			ClientTimestamp: change.Timestamp,
		})
	}

	return applied, conflicts, nil
}

// LatestFields returns the current value of every field of an entity instance
func (t *FieldTracker) LatestFields(ctx context.Context, entity, entityID string) (map[string]*models.FieldChange, error) {
	fields, err := t.store.LatestFields(ctx, entity, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to read latest fields: %w", err)
	}
	return fields, nil
}
