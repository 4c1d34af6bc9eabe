package storage

import (
	"context"

	"github.com/liveform/syncd/internal/models"
)

// WinsFunc reports whether an incoming field write supersedes the stored
// latest write; current is nil when the field has never been written.
type WinsFunc func(incoming, current *models.FieldChange) bool

// FieldStore defines persistence for field-level writes. The
// read-evaluate-write of SaveFieldChange runs inside a single store
// transaction so concurrent writers cannot interleave between reading the
// current value and deciding the winner.
type FieldStore interface {
	// SaveFieldChange appends the write to the audit log and, when wins
	// reports it supersedes the stored latest write, makes it the latest.
	// Returns whether the write was applied and the latest write that was
	// stored before the call (nil when the field had never been written).
	SaveFieldChange(ctx context.Context, change *models.FieldChange, wins WinsFunc) (applied bool, prior *models.FieldChange, err error)

	// LatestField returns the latest write for a single field.
	// Returns ErrFieldNotFound when the field has never been written.
	LatestField(ctx context.Context, entity, entityID, field string) (*models.FieldChange, error)

	// LatestFields returns the latest write for every field of an entity
	// instance, keyed by field name. Returns an empty map when none exist.
	LatestFields(ctx context.Context, entity, entityID string) (map[string]*models.FieldChange, error)
}
