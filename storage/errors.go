package storage

import (
	"errors"
	"fmt"

	"github.com/maxpoletaev/vstore/internal/baseerror"
)

var (
	// ErrStore is the root of the store error taxonomy. Every error produced
	// by the stores of this module matches it with errors.Is.
	ErrStore = baseerror.New("store error")

	// ErrNotFound is returned when a key has never been written.
	ErrNotFound = ErrStore.New("record not found")

	// ErrUnavailable is returned when the backend cannot be reached. The
	// operation had no effect and is safe to retry.
	ErrUnavailable = ErrStore.New("store unavailable")

	// ErrAmbiguous is returned when a write may or may not have been applied
	// by the backend. The caller must re-read the key before retrying.
	ErrAmbiguous = ErrStore.New("ambiguous write outcome")

	// ErrVersionConflict is matched by VersionConflictError.
	ErrVersionConflict = ErrStore.New("version conflict")

	// ErrObsoleteWrite is returned by Repair when the record is older than
	// the stored one.
	ErrObsoleteWrite = ErrStore.New("obsolete write")

	// ErrInvalidKey is returned for keys with empty parts.
	ErrInvalidKey = ErrStore.New("invalid key")

	// ErrInternal covers unexpected failures, including corrupted data.
	ErrInternal = ErrStore.New("internal store error")
)

// VersionConflictError is returned by Put when the expected version does not
// match the current version of the key.
type VersionConflictError struct {
	Key      Key
	Expected uint64
	Actual   uint64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, actual %d", e.Key, e.Expected, e.Actual)
}

func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict || target == ErrStore
}

// AsVersionConflict extracts the VersionConflictError from err.
func AsVersionConflict(err error) (*VersionConflictError, bool) {
	var conflict *VersionConflictError
	if errors.As(err, &conflict) {
		return conflict, true
	}

	return nil, false
}

// IsRetryable reports whether the operation may be retried as is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
