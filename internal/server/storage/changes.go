package storage

import (
	"context"

	"github.com/liveform/syncd/internal/models"
)

//go:generate moq -out changes_mock.go . ChangeStore

// ChangeStore defines the durable append-only change log. Version
// assignment must happen inside the store's own transaction, never an
// in-process counter: multiple server instances may write concurrently.
type ChangeStore interface {
	// AppendChange persists the entry, assigning the next version for its
	// entity type transactionally, and returns the assigned version.
	// Returns ErrVersionConflict when a concurrent writer took the version;
	// the entry was not written and the caller may retry.
	AppendChange(ctx context.Context, entry *models.ChangeLogEntry) (int64, error)

	// ChangesSince returns all entries of an entity type with version
	// strictly greater than since, in ascending version order.
	// Returns an empty slice when the caller is caught up.
	ChangesSince(ctx context.Context, entity string, since int64) ([]*models.ChangeLogEntry, error)

	// LatestVersion returns the highest committed version for an entity
	// type, 0 when no entry exists.
	LatestVersion(ctx context.Context, entity string) (int64, error)

	// EntityTypes returns every entity type present in the log.
	EntityTypes(ctx context.Context) ([]string, error)

	// DeleteChangesBefore deletes entries of an entity type older than
	// horizon (unix milliseconds) with version at or below maxVersion.
	// Returns the number of deleted entries.
	DeleteChangesBefore(ctx context.Context, entity string, horizon, maxVersion int64) (int64, error)
}
