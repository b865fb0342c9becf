package mirror

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-kit/log/level"
	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"

	"github.com/maxpoletaev/vstore/internal/multierror"
	"github.com/maxpoletaev/vstore/storage"
)

// Reconcile compares the local and the remote copy of each key. A newer
// remote record replaces the local one. A key whose remote copy cannot be
// read stays stale and is served from the local store. The returned error
// collects local failures and conflicts per key.
func (s *Store) Reconcile(ctx context.Context, keys ...storage.Key) error {
	errs := multierror.New[storage.Key]()

	var g errgroup.Group
	g.SetLimit(s.reconcileLimit)

	for _, key := range keys {
		key := key

		g.Go(func() error {
			if err := key.Validate(); err != nil {
				errs.Add(key, err)
				return nil
			}

			if err := s.lock(ctx, key); err != nil {
				errs.Add(key, err)
				return nil
			}
			defer s.locks.Unlock(key)

			errs.Add(key, s.reconcileLocked(ctx, key))

			return nil
		})
	}

	_ = g.Wait()

	return errs.Combined()
}

// unsynced returns the stale and conflicting keys in a stable order.
func (s *Store) unsynced() []storage.Key {
	s.mut.Lock()
	keys := maps.Keys(s.keys)

	n := 0
	for _, key := range keys {
		if st := s.keys[key].state; st == StateStale || st == StateConflict {
			keys[n] = key
			n++
		}
	}
	s.mut.Unlock()

	keys = keys[:n]

	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})

	return keys
}

// Flush retries the pushes of all keys with pending writes and re-reads the
// keys whose remote copy is unknown. It returns an error for every key that
// is still not synced, including keys in conflict.
func (s *Store) Flush(ctx context.Context) error {
	errs := multierror.New[storage.Key]()

	for _, key := range s.unsynced() {
		if err := s.lock(ctx, key); err != nil {
			errs.Add(key, err)
			continue
		}

		err := s.reconcileLocked(ctx, key)
		st := s.snapshot(key)
		s.locks.Unlock(key)

		switch {
		case err != nil:
			errs.Add(key, err)
		case st.state == StateConflict:
			errs.Add(key, st.conflict)
		case st.state != StateSynced:
			errs.Add(key, s.remoteErr(key, st))
		}
	}

	if errs.Len() > 0 {
		level.Debug(s.logger).Log("msg", "flush incomplete", "keys", errs.Len(), "err", errs)
	}

	return errs.Combined()
}

// Resolve ends the conflict of the key by pushing payload on top of the last
// known remote version. The payload is committed locally first, so it is not
// lost if the push fails. It returns the new local version.
func (s *Store) Resolve(ctx context.Context, key storage.Key, payload []byte) (uint64, error) {
	if err := key.Validate(); err != nil {
		return 0, err
	}

	if err := s.lock(ctx, key); err != nil {
		return 0, err
	}
	defer s.locks.Unlock(key)

	st := s.snapshot(key)
	if st.state != StateConflict {
		return 0, fmt.Errorf("resolve %s: %w", key, ErrNotInConflict)
	}

	local, err := s.localRecord(ctx, key)
	if err != nil {
		return 0, err
	}

	level.Info(s.logger).Log("msg", "resolving conflict", "key", key, "remote_version", st.conflict.Remote.Version)

	return s.installLocked(ctx, key, append([]byte(nil), payload...), local.Version, st.conflict.Remote.Version)
}

// Run retries unsynced keys every retry interval until ctx is done or the
// store is closed.
func (s *Store) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if len(s.unsynced()) == 0 {
				continue
			}

			if err := s.Flush(ctx); err != nil {
				level.Debug(s.logger).Log("msg", "retry failed", "err", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return nil
		}
	}
}
