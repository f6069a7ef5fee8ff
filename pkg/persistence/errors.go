package persistence

import (
	"errors"
	"fmt"
)

var (
	// ErrSnapshotNotFound indicates no snapshot has been committed yet.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrSnapshotAlreadyExists indicates a snapshot with the same ID was already committed.
	ErrSnapshotAlreadyExists = errors.New("snapshot already exists")

	// ErrInvalidSnapshot indicates a snapshot failed validation before being stored.
	ErrInvalidSnapshot = errors.New("invalid snapshot")
)

// SnapshotError wraps snapshot storage errors with additional context.
type SnapshotError struct {
	Op         string // Operation being performed (e.g., "Save", "Load")
	SnapshotID string
	Err        error
}

func (e *SnapshotError) Error() string {
	if e.SnapshotID == "" {
		return fmt.Sprintf("%s operation failed: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("%s operation failed for snapshot %s: %v", e.Op, e.SnapshotID, e.Err)
}

func (e *SnapshotError) Unwrap() error {
	return e.Err
}

func (e *SnapshotError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewSnapshotError(op, snapshotID string, err error) *SnapshotError {
	return &SnapshotError{Op: op, SnapshotID: snapshotID, Err: err}
}

// IsSnapshotNotFound checks if an error indicates no snapshot exists.
func IsSnapshotNotFound(err error) bool {
	return errors.Is(err, ErrSnapshotNotFound)
}
