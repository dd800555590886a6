// Package locks tracks which installations are busy. The package job queue and
// the scanner share one Set so a scan never rewrites the package rows of a site
// while a job on that site is running.
package locks

import (
	"context"
	"sync"
)

// Set is a set of held installation ids. Blocking Lock callers queue per id
// and are handed the id in arrival order on Unlock; while any caller is
// queued, TryLock refuses that id so non-blocking callers cannot starve them.
type Set struct {
	mu        sync.Mutex
	held      map[string]struct{}
	waiters   map[string][]chan struct{}
	listeners []func()
}

// New returns an empty set.
func New() *Set {
	return &Set{held: make(map[string]struct{}), waiters: make(map[string][]chan struct{})}
}

// OnRelease registers fn to run, outside the set's mutex, every time an id
// becomes free.
func (s *Set) OnRelease(fn func()) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// TryLock takes id if it is free and nobody is waiting for it, and reports
// whether it did.
func (s *Set) TryLock(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.held[id]; ok || len(s.waiters[id]) > 0 {
		return false
	}
	s.held[id] = struct{}{}
	return true
}

// Lock waits until id is handed over and takes it, or returns ctx's error.
func (s *Set) Lock(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.held[id]; !ok && len(s.waiters[id]) == 0 {
		s.held[id] = struct{}{}
		s.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	s.waiters[id] = append(s.waiters[id], ready)
	s.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	if s.removeWaiter(id, ready) {
		s.mu.Unlock()
		return ctx.Err()
	}
	s.mu.Unlock()
	// handed over while giving up: pass it on
	s.Unlock(id)
	return ctx.Err()
}

// removeWaiter drops ready from the queue of id. s.mu must be held.
func (s *Set) removeWaiter(id string, ready chan struct{}) bool {
	queue := s.waiters[id]
	for i, ch := range queue {
		if ch != ready {
			continue
		}
		queue = append(queue[:i:i], queue[i+1:]...)
		if len(queue) == 0 {
			delete(s.waiters, id)
		} else {
			s.waiters[id] = queue
		}
		return true
	}
	return false
}

// Unlock releases id, handing it to the longest waiting Lock caller if there
// is one. Releasing a free id is a no-op.
func (s *Set) Unlock(id string) {
	s.mu.Lock()
	if _, ok := s.held[id]; !ok {
		s.mu.Unlock()
		return
	}
	if queue := s.waiters[id]; len(queue) > 0 {
		next := queue[0]
		if len(queue) == 1 {
			delete(s.waiters, id)
		} else {
			s.waiters[id] = queue[1:]
		}
		close(next)
		s.mu.Unlock()
		return
	}
	delete(s.held, id)
	listeners := append([]func(){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// IsLocked reports whether id is held.
func (s *Set) IsLocked(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.held[id]
	return ok
}

// Len returns the number of held ids.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

func (s *Set) waiting(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters[id])
}
