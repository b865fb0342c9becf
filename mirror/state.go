package mirror

import (
	"fmt"

	"github.com/maxpoletaev/vstore/storage"
)

// State is the synchronization state of a key between the local and the
// remote store.
type State int

const (
	// StateUnknown is the state of keys that were not reconciled yet.
	StateUnknown State = iota

	// StateSynced means the local and the remote version are equal.
	StateSynced

	// StateStale means the remote copy could not be confirmed. A stale key
	// with a pending push has local writes the remote has not seen.
	StateStale

	// StateConflict means the local and the remote history diverged and
	// writes are rejected until Resolve is called.
	StateConflict
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateSynced:
		return "synced"
	case StateStale:
		return "stale"
	case StateConflict:
		return "conflict"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// KeyStatus describes the synchronization of one key.
type KeyStatus struct {
	State         State
	PendingPush   bool
	LocalVersion  uint64
	RemoteVersion uint64
	LastErr       error
}

type keyState struct {
	state         State
	pending       bool
	localVersion  uint64
	remoteVersion uint64
	remoteKnown   bool
	lastErr       error
	conflict      *ConflictError
}

func (ks *keyState) status() KeyStatus {
	return KeyStatus{
		State:         ks.state,
		PendingPush:   ks.pending,
		LocalVersion:  ks.localVersion,
		RemoteVersion: ks.remoteVersion,
		LastErr:       ks.lastErr,
	}
}

// degraded reports whether the last attempt to reach the remote failed in a
// way that is expected to pass on retry.
func (ks *keyState) degraded() bool {
	return ks.state == StateStale && (storage.IsRetryable(ks.lastErr) || isAmbiguous(ks.lastErr))
}

var (
	// ErrConflict is matched by ConflictError. It is a kind of version
	// conflict, so callers that retry on ErrVersionConflict re-read the key.
	ErrConflict = storage.ErrVersionConflict.New("diverged record")

	// ErrNotInConflict is returned by Resolve for keys that are not in
	// conflict.
	ErrNotInConflict = storage.ErrStore.New("key is not in conflict")
)

// ConflictError reports that the local and the remote copy of a key
// diverged. Local is the record that lost or is waiting for a decision.
// Remote is the record that the remote store holds, or the merged record
// that replaced the write.
type ConflictError struct {
	Key    storage.Key
	Local  storage.Record
	Remote storage.Record
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: local version %d, remote version %d", e.Key, e.Local.Version, e.Remote.Version)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict || target == storage.ErrVersionConflict || target == storage.ErrStore
}
