// Package tracker implements the two mutation-recording services of the
// engine: entity-level change tracking with strict per-type ordering, and
// field-level tracking with deterministic conflict resolution.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/liveform/syncd/internal/models"
	"github.com/liveform/syncd/internal/server/storage"
)

// ChangeTracker records entity-level mutations into the ordered,
// versioned, append-only log and serves incremental catch-up queries.
// Version assignment is delegated to the store's transaction; the tracker
// keeps no counter of its own.
type ChangeTracker struct {
	logger *slog.Logger
	store  storage.ChangeStore

	mu    sync.Mutex
	acked map[string]map[string]int64 // connection id -> entity -> last acked version
}

// NewChangeTracker creates a new change tracker
func NewChangeTracker(logger *slog.Logger, store storage.ChangeStore) *ChangeTracker {
	return &ChangeTracker{
		logger: logger,
		store:  store,
		acked:  make(map[string]map[string]int64),
	}
}

// RecordChange atomically assigns the next version for the entity type,
// persists the entry and returns it for broadcast. A version-assignment
// collision is retried once; the second failure is surfaced to the
// caller, never swallowed.
func (t *ChangeTracker) RecordChange(ctx context.Context, entity, entityID, action string, payload json.RawMessage, origin string) (*models.ChangeLogEntry, error) {
	if !models.ValidAction(action) {
		return nil, fmt.Errorf("unknown action %q", action)
	}

	entry := &models.ChangeLogEntry{
		Entity:    entity,
		EntityID:  entityID,
		Action:    action,
		Payload:   payload,
		Origin:    origin,
		Timestamp: time.Now().UnixMilli(),
	}

	version, err := t.store.AppendChange(ctx, entry)
	if errors.Is(err, storage.ErrVersionConflict) {
		t.logger.Warn("Version conflict, retrying append",
			"entity", entity,
			"entity_id", entityID,
			"origin", origin,
		)
		version, err = t.store.AppendChange(ctx, entry)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record change: %w", err)
	}

	entry.Version = version

	t.logger.Debug("Change recorded",
		"entity", entity,
		"entity_id", entityID,
		"action", action,
		"version", version,
	)

	return entry, nil
}

// ChangesSince returns all entries with version greater than since, in
// ascending order. Backed by the durable store, so it remains resumable
// after a disconnect.
func (t *ChangeTracker) ChangesSince(ctx context.Context, entity string, since int64) ([]*models.ChangeLogEntry, error) {
	entries, err := t.store.ChangesSince(ctx, entity, since)
	if err != nil {
		return nil, fmt.Errorf("failed to read changes since %d: %w", since, err)
	}
	return entries, nil
}

// LatestVersion lets a client confirm it is fully caught up
func (t *ChangeTracker) LatestVersion(ctx context.Context, entity string) (int64, error) {
	version, err := t.store.LatestVersion(ctx, entity)
	if err != nil {
		return 0, fmt.Errorf("failed to read latest version: %w", err)
	}
	return version, nil
}

// Acknowledge records that a session has seen every entry of an entity
// type up to version. Acknowledgements only move forward.
func (t *ChangeTracker) Acknowledge(connID, entity string, version int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sessions, ok := t.acked[connID]
	if !ok {
		sessions = make(map[string]int64)
		t.acked[connID] = sessions
	}
	if current, ok := sessions[entity]; !ok || version > current {
		sessions[entity] = version
	}
}

// ForgetSession drops every acknowledgement of a disconnected session so
// it no longer holds back retention.
func (t *ChangeTracker) ForgetSession(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.acked, connID)
}

// CleanupOldEntries deletes entries older than the horizon AND at or
// below the minimum acknowledged version across known sessions, so no
// still-connected session can lose an entry it has not seen yet.
// Returns the number of deleted entries.
func (t *ChangeTracker) CleanupOldEntries(ctx context.Context, horizon time.Duration) (int64, error) {
	entities, err := t.store.EntityTypes(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list entity types: %w", err)
	}

	cutoff := time.Now().Add(-horizon).UnixMilli()

	var total int64
	for _, entity := range entities {
		deleted, err := t.store.DeleteChangesBefore(ctx, entity, cutoff, t.minAcknowledged(entity))
		if err != nil {
			return total, fmt.Errorf("failed to clean up %q: %w", entity, err)
		}
		total += deleted
	}

	if total > 0 {
		t.logger.Info("Retention sweep completed", "deleted", total)
	}

	return total, nil
}

// minAcknowledged returns the lowest acknowledged version of an entity
// type across sessions tracking it. With no such session nothing is held
// back and only the time horizon applies.
func (t *ChangeTracker) minAcknowledged(entity string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	min := int64(math.MaxInt64)
	for _, sessions := range t.acked {
		version, ok := sessions[entity]
		if !ok {
			continue
		}
		if version < min {
			min = version
		}
	}
	return min
}
