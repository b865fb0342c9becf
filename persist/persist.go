// Package persist assembles the local store, the remote backup, the mirror
// and the lease into one handle owned by the node runtime.
package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/maxpoletaev/vstore/backup"
	"github.com/maxpoletaev/vstore/config"
	"github.com/maxpoletaev/vstore/lease"
	"github.com/maxpoletaev/vstore/mirror"
	"github.com/maxpoletaev/vstore/storage"
	"github.com/maxpoletaev/vstore/storage/sqlite"
)

// Handle owns every store of one namespace. Writes of the node go through
// Lease with a token from Acquire.
type Handle struct {
	Local  *sqlite.Store
	Remote *backup.Remote
	Mirror *mirror.Store
	Lease  *lease.Store

	cfg      config.Config
	holderID []byte
	logger   log.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// Open opens the local database at cfg.DataPath and reconciles the stored
// keys of cfg.Namespace with the remote backup. Transports are created by
// newTransport on first use of a key. Keys that cannot be reached remotely
// are served locally and retried in the background.
func Open(ctx context.Context, cfg config.Config, newTransport backup.Factory, opts ...Option) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{
		logger: log.NewNopLogger(),
		merges: make(map[string]mirror.MergeFunc),
	}

	for _, opt := range opts {
		opt(o)
	}

	local, err := sqlite.Open(cfg.DataPath, sqlite.WithLogger(o.logger))
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	remote := backup.NewRemote(
		backup.WithFactory(newTransport),
		backup.WithLogger(o.logger),
		backup.WithPullRetries(cfg.PullAttempts, cfg.PullBackoff),
		backup.WithTimeouts(cfg.PullTimeout, cfg.PushTimeout),
	)

	policy := mirror.RemoteWins
	if cfg.ConflictPolicy == config.PolicyManual {
		policy = mirror.Manual
	}

	mirrorOpts := []mirror.Option{
		mirror.WithLogger(o.logger),
		mirror.WithMetrics(mirror.NewMetrics(o.registerer)),
		mirror.WithConflictPolicy(policy),
		mirror.WithRefreshTimeout(cfg.RefreshTimeout),
		mirror.WithRetryInterval(cfg.RetryInterval),
		mirror.WithStrict(lease.ReservedName),
	}

	for name, fn := range o.merges {
		mirrorOpts = append(mirrorOpts, mirror.WithKeyMerge(name, fn))
	}

	m := mirror.New(local, remote, mirrorOpts...)

	holderID := []byte(cfg.HolderID)
	if len(holderID) == 0 {
		holderID = lease.NewHolderID()
	}

	h := &Handle{
		Local:    local,
		Remote:   remote,
		Mirror:   m,
		Lease:    lease.New(m, cfg.Namespace, lease.WithLogger(o.logger)),
		cfg:      cfg,
		holderID: holderID,
		logger:   log.With(o.logger, "component", "persist"),
		done:     make(chan struct{}),
	}

	keys, err := h.startupKeys(ctx, o.keys)
	if err == nil {
		err = checkReconcile(h.logger, m.Reconcile(ctx, keys...))
	}

	if err != nil {
		m.Close()
		_ = local.Close()

		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	go func() {
		defer close(h.done)
		_ = m.Run(runCtx)
	}()

	level.Info(h.logger).Log("msg", "store opened", "namespace", cfg.Namespace, "keys", len(keys), "degraded", m.Degraded())

	return h, nil
}

// startupKeys returns the lease key, the keys stored locally and the extra
// named keys, without duplicates.
func (h *Handle) startupKeys(ctx context.Context, names []string) ([]storage.Key, error) {
	stored, err := h.Local.Keys(ctx, h.cfg.Namespace)
	if err != nil {
		return nil, fmt.Errorf("list local keys: %w", err)
	}

	seen := make(map[storage.Key]struct{})
	keys := make([]storage.Key, 0, len(stored)+len(names)+1)

	add := func(key storage.Key) {
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}

	add(lease.KeyFor(h.cfg.Namespace))

	for _, key := range stored {
		add(key)
	}

	for _, name := range names {
		add(storage.Key{Namespace: h.cfg.Namespace, Name: name})
	}

	return keys, nil
}

// checkReconcile fails on local errors. Conflicts are logged and left to the
// caller, who can inspect them with Mirror.Status.
func checkReconcile(logger log.Logger, err error) error {
	if err == nil {
		return nil
	}

	var multi interface{ Unwrap() []error }
	if !errors.As(err, &multi) {
		return fmt.Errorf("reconcile: %w", err)
	}

	for _, e := range multi.Unwrap() {
		var conflict *mirror.ConflictError
		if !errors.As(e, &conflict) {
			return fmt.Errorf("reconcile: %w", err)
		}

		level.Warn(logger).Log("msg", "conflict on open", "key", conflict.Key, "local_version", conflict.Local.Version, "remote_version", conflict.Remote.Version)
	}

	return nil
}

// HolderID returns the lease holder id of this handle.
func (h *Handle) HolderID() []byte {
	return append([]byte(nil), h.holderID...)
}

// Acquire takes the lease of the namespace for the configured ttl.
func (h *Handle) Acquire(ctx context.Context) (lease.Token, error) {
	return h.Lease.Acquire(ctx, h.holderID, h.cfg.LeaseTTL)
}

// Key returns the key of name in the namespace of the handle.
func (h *Handle) Key(name string) storage.Key {
	return storage.Key{Namespace: h.cfg.Namespace, Name: name}
}

// Close stops the retry loop, flushes pending pushes and closes the stores.
// The returned error lists the keys that could not be flushed; their writes
// are kept locally and pushed after the next Open.
func (h *Handle) Close(ctx context.Context) error {
	h.cancel()
	<-h.done

	flushErr := h.Mirror.Flush(ctx)
	if flushErr != nil {
		level.Warn(h.logger).Log("msg", "closing with unsynced keys", "err", flushErr)
	}

	h.Mirror.Close()

	if err := h.Local.Close(); err != nil {
		return fmt.Errorf("close local store: %w", err)
	}

	if flushErr != nil {
		return fmt.Errorf("flush: %w", flushErr)
	}

	return nil
}
