package storage

//go:generate moq -out store_mock.go . Store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// NoVersion is the expected version of a key that has never been written.
// Versions of stored records start at 1.
const NoVersion uint64 = 0

// Key identifies a single logical record.
type Key struct {
	Namespace string
	Name      string
}

func (k Key) String() string {
	return k.Namespace + "/" + k.Name
}

// Validate returns an error if any part of the key is empty.
func (k Key) Validate() error {
	if k.Namespace == "" {
		return fmt.Errorf("%w: empty namespace", ErrInvalidKey)
	}

	if k.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidKey)
	}

	return nil
}

// Record is a single version of a key. The version is strictly increasing
// per key and is never reused for another write through Put.
//
// Synced is kept by local stores only: it is the highest version of the key
// that the remote replica is known to hold from this replica's history, or
// zero if the remote never confirmed any. Put leaves it unchanged.
type Record struct {
	Key       Key
	Version   uint64
	Payload   []byte
	Synced    uint64
	UpdatedAt time.Time
}

// Clone returns a copy of the record that does not share the payload buffer.
func (r Record) Clone() Record {
	if r.Payload != nil {
		r.Payload = append([]byte(nil), r.Payload...)
	}

	return r
}

// Store is the versioned record contract shared by the local and remote
// backends. Get returns ErrNotFound for keys that were never written. Put
// succeeds only if expected matches the current version of the key (NoVersion
// for the first write) and returns the new version, which is always the
// previous one plus one. A rejected Put never changes the stored state.
type Store interface {
	Get(ctx context.Context, key Key) (Record, error)
	Put(ctx context.Context, key Key, expected uint64, payload []byte) (uint64, error)
}

// Repairer is implemented by stores that can install a record at an exact
// version, which is what reconciliation needs to adopt the state of another
// replica. A record older than the stored one is rejected with ErrObsoleteWrite,
// so a repair never lowers the version of a key. A record with the same version
// replaces the stored payload. The Synced version is stored as given.
type Repairer interface {
	Repair(ctx context.Context, rec Record) error
}

// SyncTracker is implemented by local stores that persist the Synced version
// of their records. SetSynced fails with ErrNotFound for keys that were never
// written.
type SyncTracker interface {
	SetSynced(ctx context.Context, key Key, version uint64) error
}

// LatestReader is implemented by stores that can serve a read-through Get
// that consults their authoritative source before answering.
type LatestReader interface {
	GetLatest(ctx context.Context, key Key) (Record, error)
}

// GetLatest reads the key through LatestReader when the store supports it
// and falls back to a plain Get otherwise.
func GetLatest(ctx context.Context, s Store, key Key) (Record, error) {
	if lr, ok := s.(LatestReader); ok {
		return lr.GetLatest(ctx, key)
	}

	return s.Get(ctx, key)
}

// CurrentVersion returns the version of the key, or NoVersion if it does not
// exist yet.
func CurrentVersion(ctx context.Context, s Store, key Key) (uint64, error) {
	rec, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return NoVersion, nil
	} else if err != nil {
		return 0, err
	}

	return rec.Version, nil
}

// CheckVersion applies the conditional write rule: it returns a
// VersionConflictError unless expected equals current.
func CheckVersion(key Key, expected, current uint64) error {
	if expected != current {
		return &VersionConflictError{
			Key:      key,
			Expected: expected,
			Actual:   current,
		}
	}

	return nil
}
