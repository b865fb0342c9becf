package lockmap

import (
	"context"
	"sync"
)

type entry struct {
	sem     chan struct{}
	waiters int
}

// Map is a set of mutexes, one per key. Entries are created on demand and
// dropped once nobody holds or waits for them.
type Map[K comparable] struct {
	mut   sync.Mutex
	locks map[K]*entry
}

func New[K comparable]() *Map[K] {
	return &Map[K]{
		locks: make(map[K]*entry),
	}
}

func (lm *Map[K]) acquire(key K) *entry {
	lm.mut.Lock()
	defer lm.mut.Unlock()

	e, ok := lm.locks[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		lm.locks[key] = e
	}

	e.waiters++

	return e
}

func (lm *Map[K]) release(key K, e *entry) {
	lm.mut.Lock()
	defer lm.mut.Unlock()

	e.waiters--
	if e.waiters == 0 {
		delete(lm.locks, key)
	}
}

// Lock blocks until the key is locked or the context is done. In the latter
// case the key is not locked and the context error is returned.
func (lm *Map[K]) Lock(ctx context.Context, key K) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e := lm.acquire(key)

	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		lm.release(key, e)
		return ctx.Err()
	}
}

// TryLock locks the key only if it is not locked already.
func (lm *Map[K]) TryLock(key K) bool {
	e := lm.acquire(key)

	select {
	case e.sem <- struct{}{}:
		return true
	default:
		lm.release(key, e)
		return false
	}
}

func (lm *Map[K]) Unlock(key K) {
	lm.mut.Lock()
	e, ok := lm.locks[key]
	lm.mut.Unlock()

	if !ok {
		panic("lockmap: unlock of unlocked key")
	}

	<-e.sem
	lm.release(key, e)
}

// Len returns the number of keys that are currently locked or awaited.
func (lm *Map[K]) Len() int {
	lm.mut.Lock()
	defer lm.mut.Unlock()

	return len(lm.locks)
}
