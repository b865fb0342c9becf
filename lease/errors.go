package lease

import (
	"fmt"

	"github.com/maxpoletaev/vstore/storage"
)

var (
	// ErrLeaseHeld is matched by HeldError.
	ErrLeaseHeld = storage.ErrStore.New("lease held")

	// ErrLeaseLost is returned when the lease of the caller has expired or
	// has been superseded by another acquisition.
	ErrLeaseLost = storage.ErrStore.New("lease lost")

	// ErrCorruptLease is returned when the lease record cannot be decoded.
	ErrCorruptLease = storage.ErrInternal.New("corrupt lease record")

	// ErrReservedKey is returned on attempts to write the lease record as data.
	ErrReservedKey = storage.ErrInvalidKey.New("reserved key")
)

// HeldError is returned by Acquire when another holder has a live lease.
type HeldError struct {
	Holder Holder
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("lease held by %s until %s", e.Holder, e.Holder.ExpiresAt.Format("2006-01-02T15:04:05.000Z07:00"))
}

func (e *HeldError) Is(target error) bool {
	return target == ErrLeaseHeld || target == storage.ErrStore
}
