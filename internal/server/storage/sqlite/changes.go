package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/liveform/syncd/internal/models"
	"github.com/liveform/syncd/internal/server/storage"
)

// AppendChange persists the entry, assigning the next version for its
// entity type inside a single transaction. The read-current/write-next
// pair plus the unique (entity, version) index turn a race between
// concurrent writers into ErrVersionConflict instead of a silent loss.
func (s *Storage) AppendChange(ctx context.Context, entry *models.ChangeLogEntry) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM change_log WHERE entity = ?`,
		entry.Entity,
	).Scan(&current)
	if err != nil {
		return 0, fmt.Errorf("failed to read current version: %w", err)
	}

	version := current + 1

	query := `
		INSERT INTO change_log (entity, entity_id, action, payload, origin, version, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = tx.ExecContext(ctx, query,
		entry.Entity,
		entry.EntityID,
		entry.Action,
		[]byte(entry.Payload),
		entry.Origin,
		version,
		entry.Timestamp,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return 0, storage.ErrVersionConflict
		}
		return 0, fmt.Errorf("failed to insert change: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isConstraintViolation(err) || isBusy(err) {
			return 0, storage.ErrVersionConflict
		}
		return 0, fmt.Errorf("failed to commit change: %w", err)
	}

	entry.Version = version
	return version, nil
}

// ChangesSince returns all entries of an entity type with version greater
// than since, in ascending version order.
func (s *Storage) ChangesSince(ctx context.Context, entity string, since int64) ([]*models.ChangeLogEntry, error) {
	query := `
		SELECT entity, entity_id, action, payload, origin, version, timestamp
		FROM change_log
		WHERE entity = ? AND version > ?
		ORDER BY version ASC
	`

	rows, err := s.db.QueryContext(ctx, query, entity, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes since version: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			err = cerr
		}
	}()

	return scanChanges(rows)
}

// LatestVersion returns the highest committed version for an entity type
func (s *Storage) LatestVersion(ctx context.Context, entity string) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM change_log WHERE entity = ?`,
		entity,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest version: %w", err)
	}

	return version, nil
}

// EntityTypes returns every entity type present in the change log
func (s *Storage) EntityTypes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT entity FROM change_log ORDER BY entity`)
	if err != nil {
		return nil, fmt.Errorf("failed to query entity types: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			err = cerr
		}
	}()

	var entities []string
	for rows.Next() {
		var entity string
		if err := rows.Scan(&entity); err != nil {
			return nil, fmt.Errorf("failed to scan entity type: %w", err)
		}
		entities = append(entities, entity)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return entities, nil
}

// DeleteChangesBefore deletes entries older than horizon with version at
// or below maxVersion. Both bounds must hold so no still-connected session
// loses an entry it has not acknowledged yet.
func (s *Storage) DeleteChangesBefore(ctx context.Context, entity string, horizon, maxVersion int64) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM change_log WHERE entity = ? AND timestamp < ? AND version <= ?`,
		entity, horizon, maxVersion,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old changes: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return deleted, nil
}

// scanChanges is a helper function to scan multiple entries from rows
func scanChanges(rows *sql.Rows) ([]*models.ChangeLogEntry, error) {
	var entries []*models.ChangeLogEntry

	for rows.Next() {
		entry := &models.ChangeLogEntry{}
		var payload []byte

		err := rows.Scan(
			&entry.Entity,
			&entry.EntityID,
			&entry.Action,
			&payload,
			&entry.Origin,
			&entry.Version,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change entry: %w", err)
		}

		entry.Payload = payload
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return entries, nil
}

func isConstraintViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}

func isBusy(err error) bool {
	return err != nil && strings.Contains(err.Error(), "database is locked")
}
