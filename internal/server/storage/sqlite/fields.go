package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/liveform/syncd/internal/models"
	"github.com/liveform/syncd/internal/server/storage"
)

// SaveFieldChange appends the write to the audit log and, when wins says
// it supersedes the stored latest write, upserts the latest-value row.
// Read, decision and writes share one transaction so concurrent writers
// to the same field cannot interleave.
func (s *Storage) SaveFieldChange(ctx context.Context, change *models.FieldChange, wins storage.WinsFunc) (bool, *models.FieldChange, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	prior, err := latestFieldTx(ctx, tx, change.Entity, change.EntityID, change.Field)
	if err != nil && !errors.Is(err, storage.ErrFieldNotFound) {
		return false, nil, err
	}

	// Every write lands in the audit log, winners and losers alike.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO field_changes (entity, entity_id, field, value, origin, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		change.Entity,
		change.EntityID,
		change.Field,
		change.Value,
		change.Origin,
		change.Timestamp,
	)
	if err != nil {
		return false, nil, fmt.Errorf("failed to insert field change: %w", err)
	}

	applied := wins(change, prior)
	if applied {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO field_latest (entity, entity_id, field, value, origin, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (entity, entity_id, field) DO UPDATE SET
			     value = excluded.value,
			     origin = excluded.origin,
			     timestamp = excluded.timestamp`,
			change.Entity,
			change.EntityID,
			change.Field,
			change.Value,
			change.Origin,
			change.Timestamp,
		)
		if err != nil {
			return false, nil, fmt.Errorf("failed to upsert latest field value: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, nil, fmt.Errorf("failed to commit field change: %w", err)
	}

	return applied, prior, nil
}

// LatestField returns the latest write for a single field
// Returns ErrFieldNotFound if the field has never been written
func (s *Storage) LatestField(ctx context.Context, entity, entityID, field string) (*models.FieldChange, error) {
	return latestFieldTx(ctx, s.db, entity, entityID, field)
}

// LatestFields returns the latest write for every field of an entity instance
func (s *Storage) LatestFields(ctx context.Context, entity, entityID string) (map[string]*models.FieldChange, error) {
	query := `
		SELECT entity, entity_id, field, value, origin, timestamp
		FROM field_latest
		WHERE entity = ? AND entity_id = ?
	`

	rows, err := s.db.QueryContext(ctx, query, entity, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest fields: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			err = cerr
		}
	}()

	fields := make(map[string]*models.FieldChange)
	for rows.Next() {
		change := &models.FieldChange{}
		err := rows.Scan(
			&change.Entity,
			&change.EntityID,
			&change.Field,
			&change.Value,
			&change.Origin,
			&change.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan field change: %w", err)
		}
		fields[change.Field] = change
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return fields, nil
}

// querier covers both *sql.DB and *sql.Tx
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func latestFieldTx(ctx context.Context, q querier, entity, entityID, field string) (*models.FieldChange, error) {
	query := `
		SELECT entity, entity_id, field, value, origin, timestamp
		FROM field_latest
		WHERE entity = ? AND entity_id = ? AND field = ?
	`

	change := &models.FieldChange{}
	err := q.QueryRowContext(ctx, query, entity, entityID, field).Scan(
		&change.Entity,
		&change.EntityID,
		&change.Field,
		&change.Value,
		&change.Origin,
		&change.Timestamp,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrFieldNotFound
		}
		return nil, fmt.Errorf("failed to get latest field: %w", err)
	}

	return change, nil
}
