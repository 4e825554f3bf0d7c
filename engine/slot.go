package engine

import (
	"sync"
	"time"
)

// Slot is a single-value rendezvous between one producer and one waiting consumer.
// It is not a queue: a second Deliver before the value is taken overwrites it.
type Slot[T any] struct {
	mu    sync.Mutex
	val   T
	full  bool
	ready chan struct{}
}

func NewSlot[T any]() *Slot[T] {
	return &Slot[T]{ready: make(chan struct{}, 1)}
}

// Deliver stores v and signals readiness. It never blocks.
func (s *Slot[T]) Deliver(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.val = v
	s.full = true
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Await blocks until a value is delivered or timeout elapses.
// The value is removed from the slot when it is returned.
func (s *Slot[T]) Await(timeout time.Duration) (T, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-s.ready:
		case <-timer.C:
			var zero T
			return zero, false
		}
		if v, ok := s.take(); ok {
			return v, true
		}
	}
}

func (s *Slot[T]) take() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	if !s.full {
		return zero, false
	}
	v := s.val
	s.val = zero
	s.full = false
	return v, true
}

// Reset empties the slot and clears a pending signal.
func (s *Slot[T]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	s.val = zero
	s.full = false
	select {
	case <-s.ready:
	default:
	}
}
