// Package keyed holds per-key state where each key has its own lock.
//
// The arena map is guarded by one RWMutex that is only held for lookups,
// inserts and deletes. Work on a value happens under the value's own mutex,
// so callers working on different keys never wait on each other. A value
// whose callback reports it empty is removed from the map before its lock
// is released; a waiter that then acquires the stale slot sees it marked
// dead and retries against a fresh one.
package keyed

import "sync"

type slot[T any] struct {
	mu   sync.Mutex
	val  T
	dead bool
}

// Arena maps string keys to values of type T created on demand.
type Arena[T any] struct {
	mu    sync.RWMutex
	slots map[string]*slot[T]
	init  func() T
}

// New creates an arena whose missing values are built by init.
func New[T any](init func() T) *Arena[T] {
	return &Arena[T]{
		slots: make(map[string]*slot[T]),
		init:  init,
	}
}

// Update runs fn with exclusive access to the value for key, creating it if
// needed. If fn returns true the value is considered empty and the key is
// dropped.
func (a *Arena[T]) Update(key string, fn func(v *T) (empty bool)) {
	a.update(key, true, fn)
}

// UpdateExisting is Update without creation. It reports whether the key existed.
func (a *Arena[T]) UpdateExisting(key string, fn func(v *T) (empty bool)) bool {
	return a.update(key, false, fn)
}

func (a *Arena[T]) update(key string, create bool, fn func(v *T) bool) bool {
	for {
		s := a.lookup(key, create)
		if s == nil {
			return false
		}

		s.mu.Lock()
		if s.dead {
			s.mu.Unlock()
			continue
		}

		if fn(&s.val) {
			a.mu.Lock()
			if a.slots[key] == s {
				delete(a.slots, key)
			}
			a.mu.Unlock()
			s.dead = true
		}
		s.mu.Unlock()
		return true
	}
}

// View runs fn with exclusive access to an existing value. It reports whether
// the key existed; fn must not make the value empty.
func (a *Arena[T]) View(key string, fn func(v *T)) bool {
	return a.update(key, false, func(v *T) bool {
		fn(v)
		return false
	})
}

// Keys returns a snapshot of the keys currently present.
func (a *Arena[T]) Keys() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	keys := make([]string, 0, len(a.slots))
	for k := range a.slots {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of keys currently present.
func (a *Arena[T]) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.slots)
}

func (a *Arena[T]) lookup(key string, create bool) *slot[T] {
	a.mu.RLock()
	s := a.slots[key]
	a.mu.RUnlock()
	if s != nil || !create {
		return s
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s = a.slots[key]; s == nil {
		s = &slot[T]{val: a.init()}
		a.slots[key] = s
	}
	return s
}
