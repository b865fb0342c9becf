package mirror

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpoletaev/vstore/backup"
	"github.com/maxpoletaev/vstore/backup/backuptest"
	"github.com/maxpoletaev/vstore/storage"
	"github.com/maxpoletaev/vstore/storage/inmemory"
	"github.com/maxpoletaev/vstore/storage/storagetest"
)

var testKey = storage.Key{Namespace: "node", Name: "channel_manager"}

type fixture struct {
	local   *inmemory.Store
	svc     *backuptest.Service
	mirror  *Store
	metrics *Metrics
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	svc := backuptest.New()
	remote := backup.NewRemote(backup.WithPullRetries(2, time.Millisecond))
	remote.Bind(testKey, svc.Transport(testKey))
	remote.Bind(storage.Key{Namespace: "node", Name: "_lease"}, svc.Transport(storage.Key{Namespace: "node", Name: "_lease"}))

	metrics := NewMetrics(prometheus.NewRegistry())
	local := inmemory.New()

	m := New(local, remote, append([]Option{WithMetrics(metrics)}, opts...)...)
	t.Cleanup(m.Close)

	return &fixture{local: local, svc: svc, mirror: m, metrics: metrics}
}

// assertConsistent checks that a key reported as synced has the same version
// locally and remotely.
func (f *fixture) assertConsistent(t *testing.T, key storage.Key) {
	t.Helper()

	st := f.mirror.Status(key)
	if st.State != StateSynced {
		return
	}

	assert.Equal(t, st.LocalVersion, st.RemoteVersion)

	rec, err := f.local.Get(context.Background(), key)
	require.NoError(t, err)

	remote, ok := f.svc.State(key)
	require.True(t, ok)
	assert.Equal(t, rec.Version, remote.Version)
	assert.Equal(t, rec.Payload, remote.Data)
}

func TestStore_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		m := New(inmemory.New(), inmemory.New())
		t.Cleanup(m.Close)

		return m
	})
}

func TestReconcile_RemoteNewer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Local was in sync at version 3, then another device moved the remote on.
	require.NoError(t, f.local.Repair(ctx, storage.Record{Key: testKey, Version: 3, Payload: []byte("A"), Synced: 3}))
	f.svc.Seed(testKey, 5, []byte("B"))

	require.NoError(t, f.mirror.Reconcile(ctx, testKey))

	rec, err := f.mirror.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), rec.Version)
	assert.Equal(t, []byte("B"), rec.Payload)
	assert.Equal(t, uint64(5), rec.Synced)

	assert.Equal(t, StateSynced, f.mirror.Status(testKey).State)
	f.assertConsistent(t, testKey)
}

func TestReconcile_RemoteNewerWithUnpushedWrites(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.local.Repair(ctx, storage.Record{Key: testKey, Version: 3, Payload: []byte("A"), Synced: 2}))
	f.svc.Seed(testKey, 5, []byte("B"))

	err := f.mirror.Reconcile(ctx, testKey)

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []byte("A"), conflict.Local.Payload)
	assert.Equal(t, []byte("B"), conflict.Remote.Payload)

	rec, err := f.mirror.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), rec.Version)
	assert.Equal(t, []byte("B"), rec.Payload)
}

func TestReconcile_LocalAhead(t *testing.T) {
	tests := map[string]struct {
		synced     uint64
		wantErr    bool
		wantState  State
		wantRemote string
		wantRemVer uint64
	}{
		"RemoteAtConfirmedVersion": {
			synced:     2,
			wantState:  StateSynced,
			wantRemote: "a4",
			wantRemVer: 4,
		},
		"RemoteWrittenByOtherDevice": {
			synced:     1,
			wantErr:    true,
			wantState:  StateConflict,
			wantRemote: "b2",
			wantRemVer: 2,
		},
		"NeverConfirmed": {
			synced:     0,
			wantErr:    true,
			wantState:  StateConflict,
			wantRemote: "b2",
			wantRemVer: 2,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)

			require.NoError(t, f.local.Repair(ctx, storage.Record{Key: testKey, Version: 4, Payload: []byte("a4"), Synced: tt.synced}))
			f.svc.Seed(testKey, 2, []byte("b2"))

			err := f.mirror.Reconcile(ctx, testKey)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrConflict)
			} else {
				assert.NoError(t, err)
			}

			remote, _ := f.svc.State(testKey)
			assert.Equal(t, tt.wantRemVer, remote.Version)
			assert.Equal(t, tt.wantRemote, string(remote.Data))
			assert.Equal(t, tt.wantState, f.mirror.Status(testKey).State)
			f.assertConsistent(t, testKey)
		})
	}
}

func TestReconcile_RemoteUnavailable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.local.Repair(ctx, storage.Record{Key: testKey, Version: 3, Payload: []byte("A")}))
	f.svc.SetOffline(true)

	require.NoError(t, f.mirror.Reconcile(ctx, testKey))

	st := f.mirror.Status(testKey)
	assert.Equal(t, StateStale, st.State)
	assert.ErrorIs(t, st.LastErr, storage.ErrUnavailable)
	assert.True(t, f.mirror.Degraded())

	rec, err := f.mirror.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rec.Version)
}

func TestReconcile_InvalidKey(t *testing.T) {
	f := newFixture(t)

	err := f.mirror.Reconcile(context.Background(), storage.Key{Name: "x"})
	assert.ErrorIs(t, err, storage.ErrInvalidKey)
}

func TestPut_Synced(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	v, err := f.mirror.Put(ctx, testKey, storage.NoVersion, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	v, err = f.mirror.Put(ctx, testKey, v, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	st := f.mirror.Status(testKey)
	assert.Equal(t, StateSynced, st.State)
	assert.False(t, st.PendingPush)
	f.assertConsistent(t, testKey)

	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.Pushes.WithLabelValues("ok")))
}

func TestPut_StaleExpectedVersion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.mirror.Put(ctx, testKey, storage.NoVersion, []byte("a"))
	require.NoError(t, err)

	_, err = f.mirror.Put(ctx, testKey, storage.NoVersion, []byte("b"))
	conflict, ok := storage.AsVersionConflict(err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), conflict.Actual)

	remote, _ := f.svc.State(testKey)
	assert.Equal(t, []byte("a"), remote.Data)
}

func TestPut_DegradedThenFlush(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.svc.SetOffline(true)

	expected := storage.NoVersion
	for _, payload := range []string{"a", "b", "c"} {
		v, err := f.mirror.Put(ctx, testKey, expected, []byte(payload))
		require.NoError(t, err)
		expected = v
	}

	st := f.mirror.Status(testKey)
	assert.Equal(t, StateStale, st.State)
	assert.True(t, st.PendingPush)
	assert.Equal(t, uint64(3), st.LocalVersion)
	assert.True(t, f.mirror.Degraded())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Pending))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Degraded))

	err := f.mirror.Flush(ctx)
	assert.ErrorIs(t, err, storage.ErrUnavailable)

	f.svc.SetOffline(false)
	require.NoError(t, f.mirror.Flush(ctx))

	remote, ok := f.svc.State(testKey)
	require.True(t, ok)
	assert.Equal(t, uint64(3), remote.Version)
	assert.Equal(t, []byte("c"), remote.Data)

	st = f.mirror.Status(testKey)
	assert.Equal(t, StateSynced, st.State)
	assert.Equal(t, st.LocalVersion, st.RemoteVersion)
	assert.False(t, f.mirror.Degraded())
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.Pending))
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.Degraded))
	f.assertConsistent(t, testKey)
}

// TestPut_DivergedRemoteAfterRestart covers the first write of a fresh
// process: the remote holds a different record at the local version, so the
// push must not go through even though nothing is known in memory.
func TestPut_DivergedRemoteAfterRestart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithConflictPolicy(Manual))

	require.NoError(t, f.local.Repair(ctx, storage.Record{Key: testKey, Version: 2, Payload: []byte("a2"), Synced: 1}))
	f.svc.Seed(testKey, 2, []byte("b2"))

	_, err := f.mirror.Put(ctx, testKey, 2, []byte("a3"))
	require.ErrorIs(t, err, ErrConflict)

	remote, _ := f.svc.State(testKey)
	assert.Equal(t, uint64(2), remote.Version)
	assert.Equal(t, []byte("b2"), remote.Data)
	assert.Equal(t, StateConflict, f.mirror.Status(testKey).State)
}

func TestPut_ConfirmedVersionSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.mirror.Put(ctx, testKey, storage.NoVersion, []byte("a"))
	require.NoError(t, err)

	rec, err := f.local.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Synced)

	// A new process over the same local store continues from version 1.
	remote := backup.NewRemote(backup.WithPullRetries(1, time.Millisecond))
	remote.Bind(testKey, f.svc.Transport(testKey))

	restarted := New(f.local, remote)
	t.Cleanup(restarted.Close)

	v, err := restarted.Put(ctx, testKey, 1, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	state, _ := f.svc.State(testKey)
	assert.Equal(t, uint64(2), state.Version)
	assert.Equal(t, []byte("b"), state.Data)
}

func TestPut_AmbiguousPush(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.svc.DropNextResponse()

	v, err := f.mirror.Put(ctx, testKey, storage.NoVersion, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	st := f.mirror.Status(testKey)
	assert.Equal(t, StateStale, st.State)
	assert.ErrorIs(t, st.LastErr, storage.ErrAmbiguous)

	require.NoError(t, f.mirror.Flush(ctx))

	remote, _ := f.svc.State(testKey)
	assert.Equal(t, uint64(1), remote.Version)
	assert.Equal(t, StateSynced, f.mirror.Status(testKey).State)
	f.assertConsistent(t, testKey)
}

func TestPut_ConflictPolicies(t *testing.T) {
	type test struct {
		opts        []Option
		wantVersion uint64
		wantState   State
		wantLocal   string
		wantRemote  string
		wantErr     bool
	}

	concat := func(key storage.Key, local, remote storage.Record) ([]byte, error) {
		return append(append([]byte(nil), local.Payload...), remote.Payload...), nil
	}

	keepLocal := func(key storage.Key, local, remote storage.Record) ([]byte, error) {
		return local.Payload, nil
	}

	tests := map[string]test{
		"RemoteWins": {
			wantVersion: 2,
			wantState:   StateSynced,
			wantLocal:   "other",
			wantRemote:  "other",
			wantErr:     true,
		},
		"Manual": {
			opts:        []Option{WithConflictPolicy(Manual)},
			wantVersion: 0,
			wantState:   StateConflict,
			wantLocal:   "mine",
			wantRemote:  "other",
			wantErr:     true,
		},
		"MergeChangesWrite": {
			opts:        []Option{WithMerge(concat)},
			wantVersion: 3,
			wantState:   StateSynced,
			wantLocal:   "mineother",
			wantRemote:  "mineother",
			wantErr:     true,
		},
		"MergeKeepsWrite": {
			opts:        []Option{WithMerge(keepLocal)},
			wantVersion: 3,
			wantState:   StateSynced,
			wantLocal:   "mine",
			wantRemote:  "mine",
		},
		"KeyMergeOverridesPolicy": {
			opts:        []Option{WithConflictPolicy(Manual), WithKeyMerge(testKey.Name, keepLocal)},
			wantVersion: 3,
			wantState:   StateSynced,
			wantLocal:   "mine",
			wantRemote:  "mine",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, tt.opts...)

			_, err := f.mirror.Put(ctx, testKey, storage.NoVersion, []byte("base"))
			require.NoError(t, err)

			// Another device writes to the remote store.
			f.svc.Seed(testKey, 2, []byte("other"))

			v, err := f.mirror.Put(ctx, testKey, 1, []byte("mine"))
			assert.Equal(t, tt.wantVersion, v)

			if tt.wantErr {
				var conflict *ConflictError
				require.ErrorAs(t, err, &conflict)
				assert.ErrorIs(t, err, ErrConflict)
				assert.ErrorIs(t, err, storage.ErrVersionConflict)
				assert.Equal(t, []byte("mine"), conflict.Local.Payload)
			} else {
				require.NoError(t, err)
			}

			rec, err := f.local.Get(ctx, testKey)
			require.NoError(t, err)
			assert.Equal(t, tt.wantLocal, string(rec.Payload))

			remote, _ := f.svc.State(testKey)
			assert.Equal(t, tt.wantRemote, string(remote.Data))

			assert.Equal(t, tt.wantState, f.mirror.Status(testKey).State)
			assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Conflicts))
			f.assertConsistent(t, testKey)
		})
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithConflictPolicy(Manual))

	_, err := f.mirror.Put(ctx, testKey, storage.NoVersion, []byte("base"))
	require.NoError(t, err)

	_, err = f.mirror.Resolve(ctx, testKey, []byte("x"))
	require.ErrorIs(t, err, ErrNotInConflict)

	f.svc.Seed(testKey, 2, []byte("other"))

	_, err = f.mirror.Put(ctx, testKey, 1, []byte("mine"))
	require.ErrorIs(t, err, ErrConflict)

	// Writes are rejected while the key is in conflict.
	_, err = f.mirror.Put(ctx, testKey, 2, []byte("again"))
	require.ErrorIs(t, err, ErrConflict)

	err = f.mirror.Flush(ctx)
	require.ErrorIs(t, err, ErrConflict)

	v, err := f.mirror.Resolve(ctx, testKey, []byte("resolved"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v)

	remote, _ := f.svc.State(testKey)
	assert.Equal(t, uint64(3), remote.Version)
	assert.Equal(t, []byte("resolved"), remote.Data)
	assert.Equal(t, StateSynced, f.mirror.Status(testKey).State)
	f.assertConsistent(t, testKey)

	v, err = f.mirror.Put(ctx, testKey, 3, []byte("next"))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), v)
}

func TestResolve_RemoteUnavailable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithConflictPolicy(Manual))

	_, err := f.mirror.Put(ctx, testKey, storage.NoVersion, []byte("base"))
	require.NoError(t, err)

	f.svc.Seed(testKey, 2, []byte("other"))

	_, err = f.mirror.Put(ctx, testKey, 1, []byte("mine"))
	require.ErrorIs(t, err, ErrConflict)

	f.svc.SetOffline(true)

	v, err := f.mirror.Resolve(ctx, testKey, []byte("resolved"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v)

	st := f.mirror.Status(testKey)
	assert.Equal(t, StateStale, st.State)
	assert.True(t, st.PendingPush)

	f.svc.SetOffline(false)
	require.NoError(t, f.mirror.Flush(ctx))

	remote, _ := f.svc.State(testKey)
	assert.Equal(t, []byte("resolved"), remote.Data)
	f.assertConsistent(t, testKey)
}

func TestGet_BackgroundRefresh(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.svc.SetOffline(true)
	require.NoError(t, f.mirror.Reconcile(ctx, testKey))

	f.svc.SetOffline(false)
	f.svc.Seed(testKey, 4, []byte("remote"))

	_, err := f.mirror.Get(ctx, testKey)
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.Eventually(t, func() bool {
		return f.mirror.Status(testKey).State == StateSynced
	}, time.Second, 5*time.Millisecond)

	rec, err := f.mirror.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), rec.Version)
	assert.Equal(t, []byte("remote"), rec.Payload)
}

func TestGetLatest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.svc.Seed(testKey, 2, []byte("remote"))

	rec, err := storage.GetLatest(ctx, f.mirror, testKey)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Version)

	f.svc.SetOffline(true)

	rec, err = f.mirror.GetLatest(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Version)
}

func TestStrictKeys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithStrict("_lease"))
	key := storage.Key{Namespace: "node", Name: "_lease"}

	_, err := f.mirror.Put(ctx, key, storage.NoVersion, []byte("a"))
	require.NoError(t, err)

	f.svc.SetOffline(true)

	_, err = f.mirror.Put(ctx, key, 1, []byte("b"))
	require.ErrorIs(t, err, storage.ErrUnavailable)

	// The failed write is not kept for a later push.
	assert.False(t, f.mirror.Status(key).PendingPush)

	rec, err := f.mirror.GetLatest(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Version)
	assert.Equal(t, []byte("a"), rec.Payload)

	f.svc.SetOffline(false)
	require.NoError(t, f.mirror.Flush(ctx))

	remote, _ := f.svc.State(key)
	assert.Equal(t, uint64(1), remote.Version)
	assert.Equal(t, []byte("a"), remote.Data)

	// Non-strict keys keep working on the local copy.
	f.svc.SetOffline(true)

	_, err = f.mirror.Put(ctx, testKey, storage.NoVersion, []byte("a"))
	require.NoError(t, err)
}

func TestStrictKeys_AdoptRemoteOnConflict(t *testing.T) {
	ctx := context.Background()
	keepLocal := func(key storage.Key, local, remote storage.Record) ([]byte, error) {
		return local.Payload, nil
	}

	f := newFixture(t, WithStrict("_lease"), WithMerge(keepLocal))
	key := storage.Key{Namespace: "node", Name: "_lease"}

	_, err := f.mirror.Put(ctx, key, storage.NoVersion, []byte("mine"))
	require.NoError(t, err)

	// Another device took over, the local copy is behind.
	f.svc.Seed(key, 2, []byte("theirs"))

	_, err = f.mirror.Put(ctx, key, 1, []byte("mine again"))
	require.ErrorIs(t, err, storage.ErrVersionConflict)

	rec, err := f.mirror.GetLatest(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Version)
	assert.Equal(t, []byte("theirs"), rec.Payload)

	remote, _ := f.svc.State(key)
	assert.Equal(t, []byte("theirs"), remote.Data)
}

func TestRun_RetriesPendingPushes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t, WithRetryInterval(5*time.Millisecond))

	f.svc.SetOffline(true)

	_, err := f.mirror.Put(ctx, testKey, storage.NoVersion, []byte("a"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.mirror.Run(ctx) }()

	f.svc.SetOffline(false)

	require.Eventually(t, func() bool {
		return f.mirror.Status(testKey).State == StateSynced
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.True(t, errors.Is(<-done, context.Canceled))
	f.assertConsistent(t, testKey)
}

func TestRun_StopsOnClose(t *testing.T) {
	f := newFixture(t, WithRetryInterval(time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- f.mirror.Run(context.Background()) }()

	f.mirror.Close()
	assert.NoError(t, <-done)
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateUnknown:  "unknown",
		StateSynced:   "synced",
		StateStale:    "stale",
		StateConflict: "conflict",
		State(9):      "State(9)",
	}

	for state, want := range tests {
		assert.Equal(t, want, state.String())
	}
}
