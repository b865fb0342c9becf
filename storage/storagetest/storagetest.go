// Package storagetest provides a conformance suite for storage.Store
// implementations.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpoletaev/vstore/storage"
)

// Factory returns an empty store. It is called once per sub-test.
type Factory func(t *testing.T) storage.Store

var testKey = storage.Key{Namespace: "node", Name: "channel_manager"}

// Run executes the conformance suite against stores created by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)

		_, err := s.Get(context.Background(), testKey)
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("FirstWrite", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		v, err := s.Put(ctx, testKey, storage.NoVersion, []byte("a"))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), v)

		rec, err := s.Get(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), rec.Version)
		assert.Equal(t, []byte("a"), rec.Payload)
		assert.Equal(t, testKey, rec.Key)
	})

	t.Run("FirstWriteWithVersionFails", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		_, err := s.Put(ctx, testKey, 3, []byte("a"))
		conflict, ok := storage.AsVersionConflict(err)
		require.True(t, ok, "expected version conflict, got %v", err)
		assert.Equal(t, storage.NoVersion, conflict.Actual)

		_, err = s.Get(ctx, testKey)
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("SequenceOfWrites", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		expected := storage.NoVersion
		for i := 0; i < 10; i++ {
			v, err := s.Put(ctx, testKey, expected, []byte(fmt.Sprintf("payload-%d", i)))
			require.NoError(t, err)
			require.Equal(t, expected+1, v)
			expected = v
		}

		rec, err := s.Get(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, uint64(10), rec.Version)
		assert.Equal(t, []byte("payload-9"), rec.Payload)
	})

	t.Run("StaleWriteLeavesStateUnchanged", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		_, err := s.Put(ctx, testKey, storage.NoVersion, []byte("a"))
		require.NoError(t, err)
		_, err = s.Put(ctx, testKey, 1, []byte("b"))
		require.NoError(t, err)

		before, err := s.Get(ctx, testKey)
		require.NoError(t, err)

		for _, stale := range []uint64{storage.NoVersion, 1, 5} {
			_, err = s.Put(ctx, testKey, stale, []byte("c"))
			conflict, ok := storage.AsVersionConflict(err)
			require.True(t, ok, "expected version conflict, got %v", err)
			assert.Equal(t, uint64(2), conflict.Actual)
		}

		after, err := s.Get(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, before.Version, after.Version)
		assert.Equal(t, before.Payload, after.Payload)
	})

	t.Run("KeysAreIndependent", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		other := storage.Key{Namespace: "other", Name: testKey.Name}

		_, err := s.Put(ctx, testKey, storage.NoVersion, []byte("a"))
		require.NoError(t, err)

		v, err := s.Put(ctx, other, storage.NoVersion, []byte("b"))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), v)
	})

	t.Run("ReturnedPayloadIsCopy", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		payload := []byte("abc")
		_, err := s.Put(ctx, testKey, storage.NoVersion, payload)
		require.NoError(t, err)
		payload[0] = 'x'

		rec, err := s.Get(ctx, testKey)
		require.NoError(t, err)
		rec.Payload[1] = 'y'

		rec, err = s.Get(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), rec.Payload)
	})

	t.Run("ConcurrentWritersOneWinner", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		const writers = 8

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			wins      int
			conflicts int
		)

		for i := 0; i < writers; i++ {
			wg.Add(1)

			go func(i int) {
				defer wg.Done()

				_, err := s.Put(ctx, testKey, storage.NoVersion, []byte{byte(i)})

				mu.Lock()
				defer mu.Unlock()

				switch {
				case err == nil:
					wins++
				case errors.Is(err, storage.ErrVersionConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}

		wg.Wait()

		assert.Equal(t, 1, wins)
		assert.Equal(t, writers-1, conflicts)
	})

	t.Run("Repair", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		repairer, ok := s.(storage.Repairer)
		if !ok {
			t.Skip("store does not implement storage.Repairer")
		}

		_, err := s.Put(ctx, testKey, storage.NoVersion, []byte("a"))
		require.NoError(t, err)

		err = repairer.Repair(ctx, storage.Record{Key: testKey, Version: 5, Payload: []byte("b")})
		require.NoError(t, err)

		rec, err := s.Get(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, uint64(5), rec.Version)
		assert.Equal(t, []byte("b"), rec.Payload)

		err = repairer.Repair(ctx, storage.Record{Key: testKey, Version: 4, Payload: []byte("c")})
		require.ErrorIs(t, err, storage.ErrObsoleteWrite)

		err = repairer.Repair(ctx, storage.Record{Key: testKey, Version: 5, Payload: []byte("d")})
		require.NoError(t, err)

		rec, err = s.Get(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, uint64(5), rec.Version)
		assert.Equal(t, []byte("d"), rec.Payload)

		v, err := s.Put(ctx, testKey, 5, []byte("e"))
		require.NoError(t, err)
		assert.Equal(t, uint64(6), v)
	})

	t.Run("RepairMissingKey", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		repairer, ok := s.(storage.Repairer)
		if !ok {
			t.Skip("store does not implement storage.Repairer")
		}

		err := repairer.Repair(ctx, storage.Record{Key: testKey, Version: 3, Payload: []byte("r")})
		require.NoError(t, err)

		rec, err := s.Get(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), rec.Version)
	})

	t.Run("InvalidKey", func(t *testing.T) {
		s := newStore(t)

		_, err := s.Put(context.Background(), storage.Key{Name: "x"}, storage.NoVersion, nil)
		require.ErrorIs(t, err, storage.ErrInvalidKey)
	})

	t.Run("SyncedVersion", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		tracker, ok := s.(storage.SyncTracker)
		if !ok {
			t.Skip("store does not implement storage.SyncTracker")
		}

		err := tracker.SetSynced(ctx, testKey, 1)
		require.ErrorIs(t, err, storage.ErrNotFound)

		_, err = s.Put(ctx, testKey, storage.NoVersion, []byte("a"))
		require.NoError(t, err)
		require.NoError(t, tracker.SetSynced(ctx, testKey, 1))

		// Local writes keep the last confirmed version.
		_, err = s.Put(ctx, testKey, 1, []byte("b"))
		require.NoError(t, err)

		rec, err := s.Get(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), rec.Version)
		assert.Equal(t, uint64(1), rec.Synced)

		repairer, ok := s.(storage.Repairer)
		if !ok {
			return
		}

		err = repairer.Repair(ctx, storage.Record{Key: testKey, Version: 4, Payload: []byte("r"), Synced: 4})
		require.NoError(t, err)

		rec, err = s.Get(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, uint64(4), rec.Synced)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		s := newStore(t)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := s.Put(ctx, testKey, storage.NoVersion, []byte("a"))
		require.ErrorIs(t, err, storage.ErrUnavailable)

		_, err = s.Get(ctx, testKey)
		require.ErrorIs(t, err, storage.ErrUnavailable)

		_, err = s.Get(context.Background(), testKey)
		require.ErrorIs(t, err, storage.ErrNotFound)
	})
}
