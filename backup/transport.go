package backup

//go:generate moq -out transport_mock.go . Transport

import (
	"context"
	"fmt"
)

// State is the latest version of a key as seen by the backup service.
type State struct {
	Version uint64
	Data    []byte
}

// Transport is the primitive offered by a versioned backup service for one
// remote key. It is implemented by the host integration.
//
// Pull returns nil if nothing has been stored yet. Push uploads data if hint
// equals the current version of the service (zero if nothing is stored) and
// returns the new version, which is hint plus one.
//
// Implementations report failures with Unreachable when the request is known
// not to have reached the service, AfterSend when it may have been applied,
// and Mismatch when the hint was rejected. gRPC status errors are understood
// as well.
type Transport interface {
	Pull(ctx context.Context) (*State, error)
	Push(ctx context.Context, hint uint64, data []byte) (uint64, error)
}

// SendError reports a transport failure together with whether the request is
// known to have reached the service.
type SendError struct {
	Sent bool
	Err  error
}

func (e *SendError) Error() string {
	if e.Sent {
		return fmt.Sprintf("failed after send: %v", e.Err)
	}

	return fmt.Sprintf("failed before send: %v", e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Unreachable marks err as a failure that happened before the request reached
// the service, e.g. a refused connection.
func Unreachable(err error) error {
	return &SendError{Sent: false, Err: err}
}

// AfterSend marks err as a failure that happened after the request was sent,
// e.g. a timeout while waiting for the response.
func AfterSend(err error) error {
	return &SendError{Sent: true, Err: err}
}

// MismatchError is returned by Push when the hint does not match the current
// version of the service.
type MismatchError struct {
	Current uint64
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("version hint mismatch, current version is %d", e.Current)
}

func Mismatch(current uint64) error {
	return &MismatchError{Current: current}
}
