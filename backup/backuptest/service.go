// Package backuptest provides an in-memory versioned backup service for tests.
package backuptest

import (
	"context"
	"errors"
	"sync"

	"github.com/maxpoletaev/vstore/backup"
	"github.com/maxpoletaev/vstore/storage"
)

// ErrOffline is the cause of failures while the service is offline.
var ErrOffline = errors.New("connection refused")

// Service is a versioned blob service with failure injection. It applies the
// same conditional push rule as a real backup provider.
type Service struct {
	mut          sync.Mutex
	data         map[storage.Key]backup.State
	offline      bool
	pullErrs     []error
	pushErrs     []error
	dropResponse int
	pulls        int
	pushes       int
}

func New() *Service {
	return &Service{
		data: make(map[storage.Key]backup.State),
	}
}

// Transport returns a transport bound to the key.
func (s *Service) Transport(key storage.Key) backup.Transport {
	return &transport{svc: s, key: key}
}

// SetOffline makes every call fail before reaching the service.
func (s *Service) SetOffline(offline bool) {
	s.mut.Lock()
	s.offline = offline
	s.mut.Unlock()
}

// FailNextPull queues an error returned by one of the following pulls.
func (s *Service) FailNextPull(err error) {
	s.mut.Lock()
	s.pullErrs = append(s.pullErrs, err)
	s.mut.Unlock()
}

// FailNextPush queues an error returned by one of the following pushes.
func (s *Service) FailNextPush(err error) {
	s.mut.Lock()
	s.pushErrs = append(s.pushErrs, err)
	s.mut.Unlock()
}

// DropNextResponse makes the next push apply its update but report a
// timeout to the caller, as if the response was lost.
func (s *Service) DropNextResponse() {
	s.mut.Lock()
	s.dropResponse++
	s.mut.Unlock()
}

// Seed sets the state of the key directly.
func (s *Service) Seed(key storage.Key, version uint64, data []byte) {
	s.mut.Lock()
	defer s.mut.Unlock()

	s.data[key] = backup.State{Version: version, Data: append([]byte(nil), data...)}
}

// State returns the current state of the key.
func (s *Service) State(key storage.Key) (backup.State, bool) {
	s.mut.Lock()
	defer s.mut.Unlock()

	st, ok := s.data[key]
	st.Data = append([]byte(nil), st.Data...)

	return st, ok
}

// Calls returns the number of pulls and pushes that reached the service.
func (s *Service) Calls() (pulls, pushes int) {
	s.mut.Lock()
	defer s.mut.Unlock()

	return s.pulls, s.pushes
}

type transport struct {
	svc *Service
	key storage.Key
}

func (t *transport) Pull(ctx context.Context) (*backup.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, backup.Unreachable(err)
	}

	s := t.svc
	s.mut.Lock()
	defer s.mut.Unlock()

	if s.offline {
		return nil, backup.Unreachable(ErrOffline)
	}

	if len(s.pullErrs) > 0 {
		err := s.pullErrs[0]
		s.pullErrs = s.pullErrs[1:]

		return nil, err
	}

	s.pulls++

	st, ok := s.data[t.key]
	if !ok {
		return nil, nil
	}

	return &backup.State{Version: st.Version, Data: append([]byte(nil), st.Data...)}, nil
}

func (t *transport) Push(ctx context.Context, hint uint64, data []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, backup.Unreachable(err)
	}

	s := t.svc
	s.mut.Lock()
	defer s.mut.Unlock()

	if s.offline {
		return 0, backup.Unreachable(ErrOffline)
	}

	if len(s.pushErrs) > 0 {
		err := s.pushErrs[0]
		s.pushErrs = s.pushErrs[1:]

		return 0, err
	}

	s.pushes++

	current := s.data[t.key]
	if current.Version != hint {
		return 0, backup.Mismatch(current.Version)
	}

	next := backup.State{Version: hint + 1, Data: append([]byte(nil), data...)}
	s.data[t.key] = next

	if s.dropResponse > 0 {
		s.dropResponse--
		return 0, backup.AfterSend(context.DeadlineExceeded)
	}

	return next.Version, nil
}
