// Package latest implements single-slot "latest value" handoffs between
// pipeline stages. A publish overwrites any unconsumed value; consumers only
// ever see the newest one, so no backlog can build up.
package latest

import (
	"context"
	"sync"
)

// Stats reports slot traffic.
type Stats struct {
	Published uint64
	Consumed  uint64
	Dropped   uint64 // values overwritten before a consumer took them
}

// Slot is a mailbox with overwrite semantics and a single blocking consumer.
type Slot[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	value  T
	full   bool
	closed bool
	stats  Stats
}

func NewSlot[T any]() *Slot[T] {
	s := &Slot[T]{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Publish stores v, replacing an unconsumed value. It never blocks and
// reports false once the slot is closed.
func (s *Slot[T]) Publish(v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.full {
		s.stats.Dropped++
	}
	s.value = v
	s.full = true
	s.stats.Published++
	s.cond.Signal()
	return true
}

// Next blocks until a value is available, the slot is closed or ctx is done.
// The boolean is false in the latter two cases.
func (s *Slot[T]) Next(ctx context.Context) (T, bool) {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.full && !s.closed && ctx.Err() == nil {
		s.cond.Wait()
	}
	var zero T
	if s.closed || ctx.Err() != nil {
		return zero, false
	}
	return s.takeLocked(), true
}

// TryNext returns the pending value without blocking.
func (s *Slot[T]) TryNext() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.full || s.closed {
		var zero T
		return zero, false
	}
	return s.takeLocked(), true
}

func (s *Slot[T]) takeLocked() T {
	v := s.value
	var zero T
	s.value = zero
	s.full = false
	s.stats.Consumed++
	return v
}

// Discard drops a pending value, e.g. after the context it was produced
// under has been superseded.
func (s *Slot[T]) Discard() {
	s.mu.Lock()
	if s.full {
		var zero T
		s.value = zero
		s.full = false
		s.stats.Dropped++
	}
	s.mu.Unlock()
}

// Close wakes the consumer; subsequent publishes are ignored. Idempotent.
func (s *Slot[T]) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Slot[T]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
