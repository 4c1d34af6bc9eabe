package boltdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/liveform/syncd/internal/models"
	"github.com/liveform/syncd/internal/server/storage"
)

// SaveFieldChange appends the write to the audit bucket and, when wins
// says it supersedes the stored latest write, overwrites the latest-value
// entry. bbolt serializes Update transactions, so the read-evaluate-write
// cannot interleave with a concurrent writer.
func (s *Storage) SaveFieldChange(ctx context.Context, change *models.FieldChange, wins storage.WinsFunc) (bool, *models.FieldChange, error) {
	if s.db == nil {
		return false, nil, storage.ErrStorageClosed
	}

	data, err := json.Marshal(change)
	if err != nil {
		return false, nil, fmt.Errorf("failed to marshal field change: %w", err)
	}

	var (
		applied bool
		prior   *models.FieldChange
	)

	key := fieldKey(change.Entity, change.EntityID, change.Field)

	err = s.db.Update(func(tx *bbolt.Tx) error {
		latest := tx.Bucket(bucketFieldLatest)

		if existing := latest.Get(key); existing != nil {
			prior = &models.FieldChange{}
			if err := json.Unmarshal(existing, prior); err != nil {
				return fmt.Errorf("failed to unmarshal latest field value: %w", err)
			}
		}

		audit := tx.Bucket(bucketFieldAudit)
		seq, err := audit.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get audit sequence: %w", err)
		}
		if err := audit.Put(append(key, seqSuffix(seq)...), data); err != nil {
			return fmt.Errorf("failed to append audit entry: %w", err)
		}

		applied = wins(change, prior)
		if applied {
			if err := latest.Put(key, data); err != nil {
				return fmt.Errorf("failed to save latest field value: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return false, nil, fmt.Errorf("transaction failed: %w", err)
	}

	return applied, prior, nil
}

// LatestField returns the latest write for a single field
// Returns ErrFieldNotFound if the field has never been written
func (s *Storage) LatestField(ctx context.Context, entity, entityID, field string) (*models.FieldChange, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var change *models.FieldChange

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketFieldLatest).Get(fieldKey(entity, entityID, field))
		if data == nil {
			return storage.ErrFieldNotFound
		}

		change = &models.FieldChange{}
		if err := json.Unmarshal(data, change); err != nil {
			return fmt.Errorf("failed to unmarshal field change: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return change, nil
}

// LatestFields returns the latest write for every field of an entity instance
func (s *Storage) LatestFields(ctx context.Context, entity, entityID string) (map[string]*models.FieldChange, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	fields := make(map[string]*models.FieldChange)
	prefix := fieldKey(entity, entityID, "")

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketFieldLatest).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var change models.FieldChange
			if err := json.Unmarshal(v, &change); err != nil {
				return fmt.Errorf("failed to unmarshal field change: %w", err)
			}
			fields[change.Field] = &change
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return fields, nil
}

// fieldKey builds a composite key; the NUL separator keeps prefix scans
// from bleeding into a neighboring entity id.
func fieldKey(entity, entityID, field string) []byte {
	return []byte(entity + "\x00" + entityID + "\x00" + field)
}

func seqSuffix(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}
