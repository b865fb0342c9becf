package inmemory

import (
	"context"
	"sync"
	"time"

	"github.com/maxpoletaev/vstore/internal/lockmap"
	"github.com/maxpoletaev/vstore/storage"
)

// Store keeps records in a map. It is used as a test double and as the local
// cache of processes that do not need durability.
type Store struct {
	mut   sync.RWMutex
	data  map[storage.Key]storage.Record
	locks *lockmap.Map[storage.Key]
	now   func() time.Time
}

func New() *Store {
	return &Store{
		data:  make(map[storage.Key]storage.Record),
		locks: lockmap.New[storage.Key](),
		now:   time.Now,
	}
}

func (s *Store) lock(ctx context.Context, key storage.Key) error {
	if err := s.locks.Lock(ctx, key); err != nil {
		return storage.ErrUnavailable.Describef("lock %s: %v", key, err)
	}

	return nil
}

func (s *Store) Get(ctx context.Context, key storage.Key) (storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return storage.Record{}, storage.ErrUnavailable.Describef("get %s: %v", key, err)
	}

	s.mut.RLock()
	rec, ok := s.data[key]
	s.mut.RUnlock()

	if !ok {
		return storage.Record{}, storage.ErrNotFound
	}

	return rec.Clone(), nil
}

func (s *Store) Put(ctx context.Context, key storage.Key, expected uint64, payload []byte) (uint64, error) {
	if err := key.Validate(); err != nil {
		return 0, err
	}

	// The version check and the update must happen under the same key lock,
	// otherwise two writers with the same expected version could both succeed.
	if err := s.lock(ctx, key); err != nil {
		return 0, err
	}
	defer s.locks.Unlock(key)

	s.mut.RLock()
	current := s.data[key]
	s.mut.RUnlock()

	if err := storage.CheckVersion(key, expected, current.Version); err != nil {
		return 0, err
	}

	rec := storage.Record{
		Key:       key,
		Version:   current.Version + 1,
		Payload:   append([]byte(nil), payload...),
		Synced:    current.Synced,
		UpdatedAt: s.now(),
	}

	s.mut.Lock()
	s.data[key] = rec
	s.mut.Unlock()

	return rec.Version, nil
}

func (s *Store) Repair(ctx context.Context, rec storage.Record) error {
	if err := rec.Key.Validate(); err != nil {
		return err
	}

	if err := s.lock(ctx, rec.Key); err != nil {
		return err
	}
	defer s.locks.Unlock(rec.Key)

	s.mut.Lock()
	defer s.mut.Unlock()

	if current, ok := s.data[rec.Key]; ok && rec.Version < current.Version {
		return storage.ErrObsoleteWrite
	}

	rec = rec.Clone()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now()
	}

	s.data[rec.Key] = rec

	return nil
}

func (s *Store) SetSynced(ctx context.Context, key storage.Key, version uint64) error {
	if err := s.lock(ctx, key); err != nil {
		return err
	}
	defer s.locks.Unlock(key)

	s.mut.Lock()
	defer s.mut.Unlock()

	rec, ok := s.data[key]
	if !ok {
		return storage.ErrNotFound
	}

	rec.Synced = version
	s.data[key] = rec

	return nil
}

// Keys returns the keys stored under the namespace.
func (s *Store) Keys(ctx context.Context, namespace string) ([]storage.Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.ErrUnavailable.Describef("list keys: %v", err)
	}

	s.mut.RLock()
	defer s.mut.RUnlock()

	keys := make([]storage.Key, 0)

	for key := range s.data {
		if key.Namespace == namespace {
			keys = append(keys, key)
		}
	}

	return keys, nil
}

var (
	_ storage.Store       = (*Store)(nil)
	_ storage.Repairer    = (*Store)(nil)
	_ storage.SyncTracker = (*Store)(nil)
)
