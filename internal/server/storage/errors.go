package storage

import "errors"

// Common storage errors
var (
	// ErrVersionConflict indicates a version-assignment collision between
	// concurrent writers. The write was not applied and may be retried.
	ErrVersionConflict = errors.New("version conflict")

	// ErrEntryNotFound indicates that a change-log entry was not found
	ErrEntryNotFound = errors.New("entry not found")

	// ErrFieldNotFound indicates that a field has never been written
	ErrFieldNotFound = errors.New("field not found")

	// ErrStorageClosed indicates that the storage was already closed
	ErrStorageClosed = errors.New("storage is closed")
)
