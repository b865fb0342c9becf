package backup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/maxpoletaev/vstore/internal/lockmap"
	"github.com/maxpoletaev/vstore/storage"
)

var tracer = otel.Tracer("github.com/maxpoletaev/vstore/backup")

// Remote adapts backup transports to the storage.Store contract. Each key is
// served by the transport bound to it. Transport errors are translated into
// the store error taxonomy, so callers never see transport error types.
//
// Pulls are retried on transient failures with exponential backoff. Pushes
// are never retried: a push that failed after being sent may have been
// applied, and repeating it could bump the version twice.
type Remote struct {
	mut        sync.RWMutex
	transports map[storage.Key]Transport
	observed   map[storage.Key]uint64
	locks      *lockmap.Map[storage.Key]
	factory    Factory
	logger     log.Logger

	pullAttempts int
	pullBackoff  time.Duration
	pullTimeout  time.Duration
	pushTimeout  time.Duration
}

func NewRemote(opts ...Option) *Remote {
	r := &Remote{
		transports:   make(map[storage.Key]Transport),
		observed:     make(map[storage.Key]uint64),
		locks:        lockmap.New[storage.Key](),
		logger:       log.NewNopLogger(),
		pullAttempts: 3,
		pullBackoff:  200 * time.Millisecond,
		pullTimeout:  10 * time.Second,
		pushTimeout:  30 * time.Second,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Bind sets the transport that serves the key.
func (r *Remote) Bind(key storage.Key, t Transport) {
	r.mut.Lock()
	defer r.mut.Unlock()

	r.transports[key] = t
}

// Keys returns the keys that have a transport bound.
func (r *Remote) Keys() []storage.Key {
	r.mut.RLock()
	defer r.mut.RUnlock()

	keys := make([]storage.Key, 0, len(r.transports))
	for key := range r.transports {
		keys = append(keys, key)
	}

	return keys
}

func (r *Remote) transport(key storage.Key) (Transport, error) {
	r.mut.RLock()
	t, ok := r.transports[key]
	r.mut.RUnlock()

	if ok {
		return t, nil
	}

	if r.factory == nil {
		return nil, storage.ErrInternal.Describef("no transport bound to %s", key)
	}

	r.mut.Lock()
	defer r.mut.Unlock()

	if t, ok = r.transports[key]; !ok {
		t = r.factory(key)
		r.transports[key] = t
	}

	return t, nil
}

// observe raises the high-water mark of the key and reports whether version
// is not below it.
func (r *Remote) observe(key storage.Key, version uint64) bool {
	r.mut.Lock()
	defer r.mut.Unlock()

	if version < r.observed[key] {
		return false
	}

	r.observed[key] = version

	return true
}

func withDefaultTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || d <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, d)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}

	span.End()
}

func (r *Remote) Get(ctx context.Context, key storage.Key) (rec storage.Record, err error) {
	ctx, span := tracer.Start(ctx, "backup.Pull", trace.WithAttributes(
		attribute.String("key", key.String()),
	))
	defer func() { endSpan(span, err) }()

	t, err := r.transport(key)
	if err != nil {
		return storage.Record{}, err
	}

	state, err := r.pull(ctx, key, t)
	if err != nil {
		return storage.Record{}, err
	}

	if state == nil {
		return storage.Record{}, storage.ErrNotFound
	}

	if state.Version == storage.NoVersion {
		return storage.Record{}, storage.ErrInternal.Describef("pull %s: service returned version zero", key)
	}

	if !r.observe(key, state.Version) {
		level.Warn(r.logger).Log("msg", "remote returned an older version than already observed", "key", key, "version", state.Version)
		return storage.Record{}, storage.ErrUnavailable.Describef("pull %s: stale version %d", key, state.Version)
	}

	span.SetAttributes(attribute.Int64("version", int64(state.Version)))

	return storage.Record{
		Key:     key,
		Version: state.Version,
		Payload: append([]byte(nil), state.Data...),
	}, nil
}

func (r *Remote) pull(ctx context.Context, key storage.Key, t Transport) (*State, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.pullBackoff
	b.MaxInterval = 10 * r.pullBackoff

	attempt := 0

	state, err := backoff.Retry(ctx, func() (*State, error) {
		attempt++

		callCtx, cancel := withDefaultTimeout(ctx, r.pullTimeout)
		defer cancel()

		state, err := t.Pull(callCtx)
		if err == nil {
			return state, nil
		}

		err = translate(opPull, key, 0, err)
		if !storage.IsRetryable(err) || ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}

		return nil, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.pullAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			level.Debug(r.logger).Log("msg", "pull failed, retrying", "key", key, "attempt", attempt, "next", next, "err", err)
		}),
	)

	if err != nil {
		if !errors.Is(err, storage.ErrStore) {
			// The retry loop itself gave up, e.g. the context expired between attempts.
			err = storage.ErrUnavailable.Describef("pull %s: %v", key, err)
		}

		return nil, err
	}

	return state, nil
}

func (r *Remote) Put(ctx context.Context, key storage.Key, expected uint64, payload []byte) (version uint64, err error) {
	ctx, span := tracer.Start(ctx, "backup.Push", trace.WithAttributes(
		attribute.String("key", key.String()),
		attribute.Int64("expected", int64(expected)),
	))
	defer func() { endSpan(span, err) }()

	if err := key.Validate(); err != nil {
		return 0, err
	}

	t, err := r.transport(key)
	if err != nil {
		return 0, err
	}

	if err := r.locks.Lock(ctx, key); err != nil {
		return 0, storage.ErrUnavailable.Describef("push %s: %v", key, err)
	}
	defer r.locks.Unlock(key)

	callCtx, cancel := withDefaultTimeout(ctx, r.pushTimeout)
	defer cancel()

	version, err = t.Push(callCtx, expected, payload)
	if err != nil {
		err = translate(opPush, key, expected, err)

		if conflict, ok := storage.AsVersionConflict(err); ok && conflict.Actual == unknownVersion {
			return 0, r.resolveConflict(ctx, key, t, conflict)
		}

		return 0, err
	}

	if version != expected+1 {
		level.Warn(r.logger).Log("msg", "unexpected version after push", "key", key, "expected", expected+1, "got", version)
	}

	r.observe(key, version)

	return version, nil
}

// resolveConflict fills in the actual version of a conflict reported without
// one. The push was rejected, so if the pull fails as well the caller is told
// the store is unavailable, which is safe to retry.
func (r *Remote) resolveConflict(ctx context.Context, key storage.Key, t Transport, conflict *storage.VersionConflictError) error {
	state, err := r.pull(ctx, key, t)
	if err != nil {
		return storage.ErrUnavailable.Describef("push %s rejected, reading current version: %v", key, err)
	}

	conflict.Actual = storage.NoVersion
	if state != nil {
		conflict.Actual = state.Version
	}

	return conflict
}

var _ storage.Store = (*Remote)(nil)
