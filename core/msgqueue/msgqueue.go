// File: core/msgqueue/msgqueue.go
// Package msgqueue provides the bounded FIFOs holding pending
// originations and recovery re-originations.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package msgqueue

import (
	"github.com/eapache/queue"
)

// FIFO is a bounded first-in first-out queue. Reactor-exclusive.
type FIFO[T any] struct {
	q   *queue.Queue
	max int
}

// New builds a FIFO holding at most max items.
func New[T any](max int) *FIFO[T] {
	return &FIFO[T]{q: queue.New(), max: max}
}

// Add appends item; reports false when the queue is saturated.
func (f *FIFO[T]) Add(item T) bool {
	if f.q.Length() >= f.max {
		return false
	}
	f.q.Add(item)
	return true
}

// Peek returns the oldest item without removing it.
func (f *FIFO[T]) Peek() (T, bool) {
	var zero T
	if f.q.Length() == 0 {
		return zero, false
	}
	return f.q.Peek().(T), true
}

// Remove drops the oldest item.
func (f *FIFO[T]) Remove() {
	if f.q.Length() > 0 {
		f.q.Remove()
	}
}

// Empty reports whether no items are queued.
func (f *FIFO[T]) Empty() bool { return f.q.Length() == 0 }

// Avail returns the remaining capacity.
func (f *FIFO[T]) Avail() int { return f.max - f.q.Length() }

// Len returns the number of queued items.
func (f *FIFO[T]) Len() int { return f.q.Length() }

// Reset discards all queued items.
func (f *FIFO[T]) Reset() { f.q = queue.New() }
