package lease

import (
	"time"

	"github.com/go-kit/log"
)

type Option func(*Store)

// WithClock replaces the time source used to check and extend leases.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func WithLogger(logger log.Logger) Option {
	return func(s *Store) {
		s.logger = log.With(logger, "component", "lease", "namespace", s.namespace)
	}
}

// WithMaxAttempts limits how many times Acquire re-reads the lease record
// after losing a conditional write race.
func WithMaxAttempts(n int) Option {
	return func(s *Store) {
		if n < 1 {
			n = 1
		}

		s.maxAttempts = n
	}
}
