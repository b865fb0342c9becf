package persist

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpoletaev/vstore/backup/backuptest"
	"github.com/maxpoletaev/vstore/config"
	"github.com/maxpoletaev/vstore/lease"
	"github.com/maxpoletaev/vstore/mirror"
	"github.com/maxpoletaev/vstore/storage"
)

func testConfig(t *testing.T, holder string) config.Config {
	t.Helper()

	cfg, err := config.LoadFrom(map[string]string{
		"VSTORE_DATA_PATH":    filepath.Join(t.TempDir(), "state.db"),
		"VSTORE_HOLDER_ID":    holder,
		"VSTORE_PULL_BACKOFF": "1ms",
	})
	require.NoError(t, err)

	return cfg
}

func TestOpen_WriteThroughLease(t *testing.T) {
	ctx := context.Background()
	svc := backuptest.New()
	cfg := testConfig(t, "device-a")

	h, err := Open(ctx, cfg, svc.Transport)
	require.NoError(t, err)

	tok, err := h.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("device-a"), tok.Holder.ID)

	key := h.Key("channel_manager")

	v, err := h.Lease.Put(ctx, tok, key, []byte("state-1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	remote, ok := svc.State(key)
	require.True(t, ok)
	assert.Equal(t, []byte("state-1"), remote.Data)

	_, ok = svc.State(lease.KeyFor(cfg.Namespace))
	assert.True(t, ok)

	assert.Equal(t, mirror.StateSynced, h.Mirror.Status(key).State)
	require.NoError(t, h.Close(ctx))
}

func TestOpen_ReconcilesWithRemote(t *testing.T) {
	ctx := context.Background()
	svc := backuptest.New()
	cfg := testConfig(t, "device-a")
	key := storage.Key{Namespace: cfg.Namespace, Name: "channel_manager"}

	h, err := Open(ctx, cfg, svc.Transport)
	require.NoError(t, err)

	tok, err := h.Acquire(ctx)
	require.NoError(t, err)

	_, err = h.Lease.Put(ctx, tok, key, []byte("A"))
	require.NoError(t, err)
	require.NoError(t, h.Close(ctx))

	// Another device moved the remote copy forward.
	svc.Seed(key, 5, []byte("B"))

	h, err = Open(ctx, cfg, svc.Transport)
	require.NoError(t, err)
	defer h.Close(ctx)

	rec, err := h.Mirror.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), rec.Version)
	assert.Equal(t, []byte("B"), rec.Payload)
}

func TestOpen_SecondDeviceSeesLease(t *testing.T) {
	ctx := context.Background()
	svc := backuptest.New()

	a, err := Open(ctx, testConfig(t, "device-a"), svc.Transport)
	require.NoError(t, err)
	defer a.Close(ctx)

	b, err := Open(ctx, testConfig(t, "device-b"), svc.Transport)
	require.NoError(t, err)
	defer b.Close(ctx)

	_, err = a.Acquire(ctx)
	require.NoError(t, err)

	_, err = b.Acquire(ctx)

	var held *lease.HeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, []byte("device-a"), held.Holder.ID)
}

func TestOpen_OfflineThenRecover(t *testing.T) {
	ctx := context.Background()
	svc := backuptest.New()
	cfg := testConfig(t, "device-a")

	h, err := Open(ctx, cfg, svc.Transport)
	require.NoError(t, err)

	tok, err := h.Acquire(ctx)
	require.NoError(t, err)

	key := h.Key("channel_manager")

	_, err = h.Lease.Put(ctx, tok, key, []byte("one"))
	require.NoError(t, err)

	svc.SetOffline(true)

	// The lease is still live locally, so the write is accepted and kept.
	v, err := h.Lease.PutVersion(ctx, tok, key, 1, []byte("two"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)
	assert.True(t, h.Mirror.Degraded())

	err = h.Close(ctx)
	require.ErrorIs(t, err, storage.ErrUnavailable)

	svc.SetOffline(false)

	h, err = Open(ctx, cfg, svc.Transport)
	require.NoError(t, err)
	defer h.Close(ctx)

	remote, _ := svc.State(key)
	assert.Equal(t, uint64(2), remote.Version)
	assert.Equal(t, []byte("two"), remote.Data)
}

func TestOpen_OfflineStart(t *testing.T) {
	ctx := context.Background()
	svc := backuptest.New()
	svc.SetOffline(true)

	reg := prometheus.NewRegistry()

	h, err := Open(ctx, testConfig(t, "device-a"), svc.Transport, WithRegisterer(reg), WithKeys("channel_manager"))
	require.NoError(t, err)
	defer h.Close(ctx)

	assert.True(t, h.Mirror.Degraded())
	expected := `
# HELP vstore_mirror_degraded 1 while the remote store is unreachable for at least one key
# TYPE vstore_mirror_degraded gauge
vstore_mirror_degraded 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "vstore_mirror_degraded"))

	// Taking the lease requires the remote store.
	_, err = h.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrUnavailable))
}

func TestOpen_InvalidConfig(t *testing.T) {
	cfg := testConfig(t, "device-a")
	cfg.Namespace = ""

	_, err := Open(context.Background(), cfg, backuptest.New().Transport)
	assert.Error(t, err)
}

func TestHandle_HolderIDGenerated(t *testing.T) {
	ctx := context.Background()

	h, err := Open(ctx, testConfig(t, ""), backuptest.New().Transport)
	require.NoError(t, err)
	defer h.Close(ctx)

	assert.NotEmpty(t, h.HolderID())

	tok, err := h.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, h.HolderID(), tok.Holder.ID)
	assert.WithinDuration(t, time.Now().Add(30*time.Second), tok.Holder.ExpiresAt, 5*time.Second)
}
