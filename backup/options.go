package backup

import (
	"time"

	"github.com/go-kit/log"

	"github.com/maxpoletaev/vstore/storage"
)

type Option func(*Remote)

func WithLogger(logger log.Logger) Option {
	return func(r *Remote) {
		r.logger = log.With(logger, "component", "backup")
	}
}

// WithPullRetries sets the maximum number of pull attempts and the delay
// before the first retry. Subsequent delays grow exponentially.
func WithPullRetries(attempts int, initialDelay time.Duration) Option {
	return func(r *Remote) {
		if attempts < 1 {
			attempts = 1
		}

		r.pullAttempts = attempts
		r.pullBackoff = initialDelay
	}
}

// WithTimeouts sets the deadlines applied to pulls and pushes whose context
// has no deadline of its own.
func WithTimeouts(pull, push time.Duration) Option {
	return func(r *Remote) {
		r.pullTimeout = pull
		r.pushTimeout = push
	}
}

// Factory creates the transport of a key that has none bound yet.
type Factory func(key storage.Key) Transport

// WithFactory makes the remote create transports on first use of a key
// instead of failing for unbound keys.
func WithFactory(f Factory) Option {
	return func(r *Remote) {
		r.factory = f
	}
}
