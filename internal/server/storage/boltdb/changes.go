package boltdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/liveform/syncd/internal/models"
	"github.com/liveform/syncd/internal/server/storage"
)

// AppendChange persists the entry, assigning the next version for its
// entity type. bbolt allows one writer at a time, so the read-max/write
// pair inside Update is atomic; the duplicate-key check still guards
// against a corrupted log.
func (s *Storage) AppendChange(ctx context.Context, entry *models.ChangeLogEntry) (int64, error) {
	if s.db == nil {
		return 0, storage.ErrStorageClosed
	}

	var version int64

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.Bucket(bucketChanges).CreateBucketIfNotExists([]byte(entry.Entity))
		if err != nil {
			return fmt.Errorf("failed to create entity bucket: %w", err)
		}

		version = 1
		if last, _ := bucket.Cursor().Last(); last != nil {
			version = int64(binary.BigEndian.Uint64(last)) + 1
		}

		key := versionKey(version)
		if bucket.Get(key) != nil {
			return storage.ErrVersionConflict
		}

		stored := entry.Clone()
		stored.Version = version

		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("failed to marshal change entry: %w", err)
		}

		if err := bucket.Put(key, data); err != nil {
			return fmt.Errorf("failed to save change entry: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	entry.Version = version
	return version, nil
}

// ChangesSince returns all entries of an entity type with version greater
// than since, in ascending version order.
func (s *Storage) ChangesSince(ctx context.Context, entity string, since int64) ([]*models.ChangeLogEntry, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var entries []*models.ChangeLogEntry

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketChanges).Bucket([]byte(entity))
		if bucket == nil {
			return nil
		}

		c := bucket.Cursor()
		for k, v := c.Seek(versionKey(since + 1)); k != nil; k, v = c.Next() {
			var entry models.ChangeLogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("failed to unmarshal change entry: %w", err)
			}
			entries = append(entries, &entry)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// LatestVersion returns the highest committed version for an entity type
func (s *Storage) LatestVersion(ctx context.Context, entity string) (int64, error) {
	if s.db == nil {
		return 0, storage.ErrStorageClosed
	}

	var version int64

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketChanges).Bucket([]byte(entity))
		if bucket == nil {
			return nil
		}

		if last, _ := bucket.Cursor().Last(); last != nil {
			version = int64(binary.BigEndian.Uint64(last))
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return version, nil
}

// EntityTypes returns every entity type present in the change log
func (s *Storage) EntityTypes(ctx context.Context) ([]string, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var entities []string

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketChanges).ForEachBucket(func(name []byte) error {
			entities = append(entities, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list entity types: %w", err)
	}

	return entities, nil
}

// DeleteChangesBefore deletes entries older than horizon with version at
// or below maxVersion. Returns the number of deleted entries.
func (s *Storage) DeleteChangesBefore(ctx context.Context, entity string, horizon, maxVersion int64) (int64, error) {
	if s.db == nil {
		return 0, storage.ErrStorageClosed
	}

	var deleted int64

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketChanges).Bucket([]byte(entity))
		if bucket == nil {
			return nil
		}

		c := bucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			version := int64(binary.BigEndian.Uint64(k))
			if version > maxVersion {
				break
			}

			var entry models.ChangeLogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("failed to unmarshal change entry: %w", err)
			}
			if entry.Timestamp >= horizon {
				continue
			}

			if err := c.Delete(); err != nil {
				return fmt.Errorf("failed to delete change entry: %w", err)
			}
			deleted++
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return deleted, nil
}

// versionKey encodes a version as a big-endian key so cursor order matches
// version order.
func versionKey(version int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(version))
	return key
}
