package lease

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Holder is a time-bounded exclusive claim on a namespace. Sequence works as a
// fencing counter: every new acquisition of the namespace gets the previous
// sequence plus one, renewals keep it.
type Holder struct {
	ID        []byte
	Sequence  uint64
	ExpiresAt time.Time
}

// NewHolderID returns a random holder id.
func NewHolderID() []byte {
	id := uuid.New()
	return id[:]
}

// IsExpired reports whether the claim is no longer valid at the given time.
// The claim is valid strictly before ExpiresAt.
func (h Holder) IsExpired(now time.Time) bool {
	return !now.Before(h.ExpiresAt)
}

// Renew returns a copy of the holder that expires ttl after now.
func (h Holder) Renew(now time.Time, ttl time.Duration) Holder {
	h.ID = append([]byte(nil), h.ID...)
	h.ExpiresAt = now.Add(ttl)

	return h
}

// Compare orders holders by sequence and then by holder id. It is used to
// break ties between acquisitions that raced at the same instant.
func (h Holder) Compare(other Holder) int {
	switch {
	case h.Sequence > other.Sequence:
		return 1
	case h.Sequence < other.Sequence:
		return -1
	}

	return bytes.Compare(h.ID, other.ID)
}

// SameClaim reports whether both holders describe the same acquisition.
func (h Holder) SameClaim(other Holder) bool {
	return h.Sequence == other.Sequence && bytes.Equal(h.ID, other.ID)
}

func (h Holder) String() string {
	return fmt.Sprintf("%x#%d", h.ID, h.Sequence)
}
