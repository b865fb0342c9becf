package lease

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/maxpoletaev/vstore/storage"
)

// ReservedName is the name of the lease record within a namespace.
const ReservedName = "_lease"

// KeyFor returns the key of the lease record of the namespace.
func KeyFor(namespace string) storage.Key {
	return storage.Key{Namespace: namespace, Name: ReservedName}
}

// Token is the proof of a successful acquisition or renewal. Version is the
// version of the lease record written by that operation; a token is valid
// only while the lease record still has this version and has not expired.
type Token struct {
	Namespace string
	Holder    Holder
	Version   uint64
	TTL       time.Duration
}

// Store enforces single-writer access to one namespace of the wrapped store.
// The lease is an ordinary record under KeyFor(namespace), so every change to
// it goes through the conditional Put of the backend, and of all concurrent
// acquisitions at most one can win.
type Store struct {
	backend     storage.Store
	namespace   string
	key         storage.Key
	now         func() time.Time
	logger      log.Logger
	maxAttempts int
}

func New(backend storage.Store, namespace string, opts ...Option) *Store {
	s := &Store{
		backend:     backend,
		namespace:   namespace,
		key:         KeyFor(namespace),
		now:         time.Now,
		logger:      log.NewNopLogger(),
		maxAttempts: 3,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// current reads the lease record. A missing record is returned as found=false.
func (s *Store) current(ctx context.Context) (h Holder, version uint64, found bool, err error) {
	rec, err := storage.GetLatest(ctx, s.backend, s.key)
	if errors.Is(err, storage.ErrNotFound) {
		return Holder{}, storage.NoVersion, false, nil
	} else if err != nil {
		return Holder{}, 0, false, err
	}

	h, err = Unmarshal(rec.Payload)
	if err != nil {
		return Holder{}, 0, false, err
	}

	return h, rec.Version, true, nil
}

// Current returns the holder stored in the lease record, which may be expired.
func (s *Store) Current(ctx context.Context) (Holder, error) {
	h, _, found, err := s.current(ctx)
	if err != nil {
		return Holder{}, err
	}

	if !found {
		return Holder{}, storage.ErrNotFound
	}

	return h, nil
}

// Acquire claims the namespace for holderID for the duration of ttl. It fails
// with a HeldError if another holder has a live lease. When a competing
// acquisition wins the conditional write, the record is re-read and the
// attempt is repeated, up to the configured number of attempts.
func (s *Store) Acquire(ctx context.Context, holderID []byte, ttl time.Duration) (Token, error) {
	if len(holderID) == 0 {
		return Token{}, fmt.Errorf("holder id is required")
	}

	if ttl <= 0 {
		return Token{}, fmt.Errorf("lease ttl must be positive")
	}

	var lastErr error

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		cur, version, found, err := s.current(ctx)
		if err != nil {
			return Token{}, fmt.Errorf("read lease: %w", err)
		}

		now := s.now()
		sequence := uint64(1)

		if found {
			if !cur.IsExpired(now) && !bytes.Equal(cur.ID, holderID) {
				return Token{}, &HeldError{Holder: cur}
			}

			sequence = cur.Sequence + 1
		}

		next := Holder{
			ID:        append([]byte(nil), holderID...),
			Sequence:  sequence,
			ExpiresAt: now.Add(ttl),
		}

		newVersion, err := s.backend.Put(ctx, s.key, version, next.Marshal())
		if errors.Is(err, storage.ErrVersionConflict) {
			level.Debug(s.logger).Log("msg", "lost lease race, retrying", "attempt", attempt+1)
			lastErr = err

			continue
		} else if err != nil {
			return Token{}, fmt.Errorf("write lease: %w", err)
		}

		level.Info(s.logger).Log("msg", "lease acquired", "holder", next, "expires_at", next.ExpiresAt)

		return Token{
			Namespace: s.namespace,
			Holder:    next,
			Version:   newVersion,
			TTL:       ttl,
		}, nil
	}

	return Token{}, fmt.Errorf("acquire lease: %w", lastErr)
}

// validate checks that the token still describes the live lease.
func (s *Store) validate(ctx context.Context, tok Token) (Holder, uint64, error) {
	if tok.Namespace != s.namespace {
		return Holder{}, 0, fmt.Errorf("token of namespace %q used for %q: %w", tok.Namespace, s.namespace, ErrLeaseLost)
	}

	cur, version, found, err := s.current(ctx)
	if err != nil {
		return Holder{}, 0, fmt.Errorf("read lease: %w", err)
	}

	if !found || version != tok.Version || !cur.SameClaim(tok.Holder) {
		return Holder{}, 0, ErrLeaseLost
	}

	if cur.IsExpired(s.now()) {
		return Holder{}, 0, ErrLeaseLost
	}

	return cur, version, nil
}

// Renew extends the lease described by the token by its ttl. It fails with
// ErrLeaseLost if the lease expired or was superseded.
func (s *Store) Renew(ctx context.Context, tok Token) (Token, error) {
	cur, version, err := s.validate(ctx, tok)
	if err != nil {
		return Token{}, err
	}

	next := cur.Renew(s.now(), tok.TTL)

	newVersion, err := s.backend.Put(ctx, s.key, version, next.Marshal())
	if errors.Is(err, storage.ErrVersionConflict) {
		return Token{}, ErrLeaseLost
	} else if err != nil {
		return Token{}, fmt.Errorf("write lease: %w", err)
	}

	tok.Holder = next
	tok.Version = newVersion

	return tok, nil
}

// Release gives up the lease by writing it back as expired. A lease that has
// already been lost is not an error: expiry alone reclaims abandoned leases.
func (s *Store) Release(ctx context.Context, tok Token) error {
	cur, version, err := s.validate(ctx, tok)
	if errors.Is(err, ErrLeaseLost) {
		return nil
	} else if err != nil {
		return err
	}

	cur.ExpiresAt = s.now()

	_, err = s.backend.Put(ctx, s.key, version, cur.Marshal())
	if errors.Is(err, storage.ErrVersionConflict) {
		return nil
	} else if err != nil {
		return fmt.Errorf("write lease: %w", err)
	}

	level.Info(s.logger).Log("msg", "lease released", "holder", cur)

	return nil
}

func (s *Store) checkDataKey(key storage.Key) error {
	if key == s.key {
		return ErrReservedKey
	}

	if key.Namespace != s.namespace {
		return fmt.Errorf("%w: key %s is outside of namespace %q", storage.ErrInvalidKey, key, s.namespace)
	}

	return key.Validate()
}

// Put writes the payload over the current version of the key. The lease is
// checked against the lease record before every write.
func (s *Store) Put(ctx context.Context, tok Token, key storage.Key, payload []byte) (uint64, error) {
	if err := s.checkDataKey(key); err != nil {
		return 0, err
	}

	if _, _, err := s.validate(ctx, tok); err != nil {
		return 0, err
	}

	expected, err := storage.CurrentVersion(ctx, s.backend, key)
	if err != nil {
		return 0, err
	}

	return s.backend.Put(ctx, key, expected, payload)
}

// PutVersion is like Put but with an explicit expected version.
func (s *Store) PutVersion(ctx context.Context, tok Token, key storage.Key, expected uint64, payload []byte) (uint64, error) {
	if err := s.checkDataKey(key); err != nil {
		return 0, err
	}

	if _, _, err := s.validate(ctx, tok); err != nil {
		return 0, err
	}

	return s.backend.Put(ctx, key, expected, payload)
}

// Get reads a key of the backend. Reads do not require a lease.
func (s *Store) Get(ctx context.Context, key storage.Key) (storage.Record, error) {
	return s.backend.Get(ctx, key)
}
