package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/singleflight"

	"github.com/maxpoletaev/vstore/internal/lockmap"
	"github.com/maxpoletaev/vstore/storage"
)

// LocalStore is the store that serves reads. It must be able to adopt remote
// records at their exact version and to remember which version the remote
// last confirmed.
type LocalStore interface {
	storage.Store
	storage.Repairer
	storage.SyncTracker
}

// Store keeps a local store in sync with a remote one. Writes are committed
// locally first and then pushed, so a write that the remote did not receive
// is never lost. Reads are served from the local store.
type Store struct {
	local  LocalStore
	remote storage.Store
	locks  *lockmap.Map[storage.Key]
	group  singleflight.Group

	mut    sync.Mutex
	keys   map[storage.Key]*keyState
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	defaultMerge   MergeFunc
	merges         map[string]MergeFunc
	strict         map[string]struct{}
	policy         ConflictPolicy
	logger         log.Logger
	metrics        *Metrics
	refreshTimeout time.Duration
	retryInterval  time.Duration
	reconcileLimit int
}

func New(local LocalStore, remote storage.Store, opts ...Option) *Store {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Store{
		local:          local,
		remote:         remote,
		locks:          lockmap.New[storage.Key](),
		keys:           make(map[storage.Key]*keyState),
		ctx:            ctx,
		cancel:         cancel,
		merges:         make(map[string]MergeFunc),
		strict:         make(map[string]struct{}),
		policy:         RemoteWins,
		logger:         log.NewNopLogger(),
		refreshTimeout: 10 * time.Second,
		retryInterval:  30 * time.Second,
		reconcileLimit: 4,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}

	return s
}

func (s *Store) update(key storage.Key, fn func(ks *keyState)) {
	s.mut.Lock()
	defer s.mut.Unlock()

	ks, ok := s.keys[key]
	if !ok {
		ks = &keyState{}
		s.keys[key] = ks
	}

	fn(ks)

	var pending, degraded int

	for _, ks := range s.keys {
		if ks.pending {
			pending++
		}

		if ks.degraded() {
			degraded = 1
		}
	}

	s.metrics.Pending.Set(float64(pending))
	s.metrics.Degraded.Set(float64(degraded))
}

func (s *Store) snapshot(key storage.Key) keyState {
	s.mut.Lock()
	defer s.mut.Unlock()

	if ks, ok := s.keys[key]; ok {
		return *ks
	}

	return keyState{}
}

// Status returns the synchronization status of the key.
func (s *Store) Status(key storage.Key) KeyStatus {
	st := s.snapshot(key)
	return st.status()
}

// Degraded reports whether the remote store is currently unreachable for at
// least one key. Operations keep being served from the local store.
func (s *Store) Degraded() bool {
	s.mut.Lock()
	defer s.mut.Unlock()

	for _, ks := range s.keys {
		if ks.degraded() {
			return true
		}
	}

	return false
}

func (s *Store) isStrict(key storage.Key) bool {
	_, ok := s.strict[key.Name]
	return ok
}

func (s *Store) mergeFor(key storage.Key) MergeFunc {
	if fn, ok := s.merges[key.Name]; ok {
		return fn
	}

	return s.defaultMerge
}

func (s *Store) lock(ctx context.Context, key storage.Key) error {
	if err := s.locks.Lock(ctx, key); err != nil {
		return storage.ErrUnavailable.Describef("lock %s: %v", key, err)
	}

	return nil
}

// Get returns the local copy of the key. If the key is not known to be in
// sync, a refresh from the remote store is started in the background. Get
// never waits for the remote store.
func (s *Store) Get(ctx context.Context, key storage.Key) (storage.Record, error) {
	if err := key.Validate(); err != nil {
		return storage.Record{}, err
	}

	rec, err := s.local.Get(ctx, key)

	if st := s.snapshot(key); st.state == StateUnknown || st.state == StateStale {
		s.refresh(key)
	}

	return rec, err
}

// GetLatest reconciles the key with the remote store and returns the result.
// If the remote store cannot be reached the local copy is returned.
func (s *Store) GetLatest(ctx context.Context, key storage.Key) (storage.Record, error) {
	if err := key.Validate(); err != nil {
		return storage.Record{}, err
	}

	if err := s.lock(ctx, key); err != nil {
		return storage.Record{}, err
	}
	defer s.locks.Unlock(key)

	if err := s.reconcileLocked(ctx, key); err != nil {
		var conflict *ConflictError
		if !errors.As(err, &conflict) {
			return storage.Record{}, err
		}
	}

	return s.local.Get(ctx, key)
}

// Put commits the write to the local store, then pushes it to the remote.
// A write that could not be pushed still succeeds and stays pending until a
// later operation or Flush delivers it. A ConflictError means the write was
// discarded or replaced because the remote copy diverged.
func (s *Store) Put(ctx context.Context, key storage.Key, expected uint64, payload []byte) (uint64, error) {
	if err := key.Validate(); err != nil {
		return 0, err
	}

	if err := s.lock(ctx, key); err != nil {
		return 0, err
	}
	defer s.locks.Unlock(key)

	if st := s.snapshot(key); st.state == StateConflict {
		return 0, st.conflict
	}

	if s.isStrict(key) {
		return s.putStrictLocked(ctx, key, expected, payload)
	}

	version, err := s.local.Put(ctx, key, expected, payload)
	if err != nil {
		return 0, err
	}

	s.update(key, func(ks *keyState) {
		ks.state = StateStale
		ks.pending = true
		ks.localVersion = version
	})

	final, err := s.syncLocked(ctx, key)
	if err != nil {
		return final, err
	}

	if final != version {
		current, err := s.localRecord(ctx, key)
		if err != nil {
			return 0, err
		}

		if !bytes.Equal(current.Payload, payload) {
			return final, &ConflictError{
				Key:    key,
				Local:  storage.Record{Key: key, Version: version, Payload: append([]byte(nil), payload...)},
				Remote: current,
			}
		}
	}

	return final, nil
}

// putStrictLocked writes a strict key to the remote store first and commits
// it locally only after the remote confirmed it. A failed write leaves no
// trace in the local store, so it is never pushed later. The key lock must be
// held.
func (s *Store) putStrictLocked(ctx context.Context, key storage.Key, expected uint64, payload []byte) (uint64, error) {
	local, err := s.localRecord(ctx, key)
	if err != nil {
		return 0, err
	}

	if err := storage.CheckVersion(key, expected, local.Version); err != nil {
		return 0, err
	}

	version, err := s.remote.Put(ctx, key, expected, payload)
	s.metrics.observePush(err)

	if err != nil {
		// A rejected write is left for the next read to reconcile, which
		// adopts the record that won.
		s.markStale(key, local.Version, false, err)
		return 0, err
	}

	rec := storage.Record{
		Key:     key,
		Version: version,
		Payload: append([]byte(nil), payload...),
		Synced:  version,
	}

	if err := s.local.Repair(ctx, rec); err != nil {
		return 0, fmt.Errorf("commit confirmed record: %w", err)
	}

	s.markSynced(key, version)

	return version, nil
}

func (s *Store) remoteErr(key storage.Key, st keyState) error {
	if st.lastErr != nil {
		return st.lastErr
	}

	return storage.ErrUnavailable.Describef("%s is not synced", key)
}

// refresh reconciles the key in the background. Concurrent refreshes of the
// same key are collapsed into one.
func (s *Store) refresh(key storage.Key) {
	s.mut.Lock()
	defer s.mut.Unlock()

	if s.closed {
		return
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		_, _, _ = s.group.Do(key.String(), func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(s.ctx, s.refreshTimeout)
			defer cancel()

			if err := s.lock(ctx, key); err != nil {
				return nil, err
			}
			defer s.locks.Unlock(key)

			if err := s.reconcileLocked(ctx, key); err != nil {
				level.Warn(s.logger).Log("msg", "background refresh failed", "key", key, "err", err)
				return nil, err
			}

			return nil, nil
		})
	}()
}

// Close stops background refreshes and the retry loop. Pending pushes are
// not flushed.
func (s *Store) Close() {
	s.mut.Lock()
	s.closed = true
	s.mut.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Store) localRecord(ctx context.Context, key storage.Key) (storage.Record, error) {
	rec, err := s.local.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Record{Key: key}, nil
	} else if err != nil {
		return storage.Record{}, fmt.Errorf("read local record: %w", err)
	}

	return rec, nil
}

func (s *Store) remoteRecord(ctx context.Context, key storage.Key) (storage.Record, error) {
	rec, err := s.remote.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Record{Key: key}, nil
	} else if err != nil {
		return storage.Record{}, err
	}

	return rec, nil
}

var (
	_ storage.Store        = (*Store)(nil)
	_ storage.LatestReader = (*Store)(nil)
)
