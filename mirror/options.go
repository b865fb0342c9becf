package mirror

import (
	"time"

	"github.com/go-kit/log"

	"github.com/maxpoletaev/vstore/storage"
)

// ConflictPolicy decides what happens to a key whose local and remote copies
// diverged when no merge function is registered for it.
type ConflictPolicy int

const (
	// RemoteWins replaces the local record with the remote one and reports
	// the discarded write to the caller with a ConflictError.
	RemoteWins ConflictPolicy = iota

	// Manual keeps both records and puts the key into StateConflict until
	// the caller decides with Resolve.
	Manual
)

// MergeFunc combines two diverged records into the payload that replaces
// both of them.
type MergeFunc func(key storage.Key, local, remote storage.Record) ([]byte, error)

type Option func(*Store)

func WithLogger(logger log.Logger) Option {
	return func(s *Store) {
		s.logger = log.With(logger, "component", "mirror")
	}
}

// WithMerge registers the merge function used for every key that has no
// merge function of its own.
func WithMerge(fn MergeFunc) Option {
	return func(s *Store) {
		s.defaultMerge = fn
	}
}

// WithKeyMerge registers a merge function for keys with the given name in
// any namespace.
func WithKeyMerge(name string, fn MergeFunc) Option {
	return func(s *Store) {
		s.merges[name] = fn
	}
}

func WithConflictPolicy(p ConflictPolicy) Option {
	return func(s *Store) {
		s.policy = p
	}
}

// WithStrict marks keys by name whose writes must reach the remote store.
// Put on such a key pushes first and commits locally only what the remote
// accepted, so a failed write is returned to the caller and never retried.
// Diverged copies of a strict key always adopt the remote record; merge
// functions do not apply to them.
func WithStrict(names ...string) Option {
	return func(s *Store) {
		for _, name := range names {
			s.strict[name] = struct{}{}
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithRefreshTimeout bounds the background refresh started by Get.
func WithRefreshTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.refreshTimeout = d
	}
}

// WithRetryInterval sets how often Run retries keys that are not synced.
func WithRetryInterval(d time.Duration) Option {
	return func(s *Store) {
		s.retryInterval = d
	}
}

// WithReconcileConcurrency limits the number of keys reconciled at once.
func WithReconcileConcurrency(n int) Option {
	return func(s *Store) {
		if n < 1 {
			n = 1
		}

		s.reconcileLimit = n
	}
}
