// File: reactor/reactor.go
// Package reactor implements the cooperative event loop owning all
// protocol state transitions. Handlers and timer callbacks run serially
// on the loop goroutine; nothing in the protocol core is mutated
// elsewhere.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// TimerKey names a one-shot timer. Timers are keyed: adding under an
// existing key deletes the pending instance first.
type TimerKey string

type timerEntry struct {
	key      TimerKey
	deadline time.Time
	fn       func()
	index    int
	dead     bool
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }

func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Reactor is a single-goroutine run loop with task dispatch and keyed
// one-shot timers. Dispatch is safe from any goroutine; timer and state
// access is loop-only.
type Reactor struct {
	clock  Clock
	tasks  chan func()
	kick   chan struct{}
	timers timerHeap
	byKey  map[TimerKey]*timerEntry

	runMu   sync.Mutex
	running bool
	done    chan struct{}
}

// New builds a reactor on the given clock.
func New(clock Clock) *Reactor {
	if clock == nil {
		clock = WallClock()
	}
	return &Reactor{
		clock: clock,
		tasks: make(chan func(), 1024),
		kick:  make(chan struct{}, 1),
		byKey: make(map[TimerKey]*timerEntry),
		done:  make(chan struct{}),
	}
}

// Dispatch queues fn to run on the loop goroutine.
func (r *Reactor) Dispatch(fn func()) {
	r.tasks <- fn
}

// Kick wakes the loop so it re-evaluates timer deadlines; used by
// manual clocks after advancing time.
func (r *Reactor) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// TimerAdd arms a one-shot timer under key, deleting any pending timer
// with the same key first. Loop context only.
func (r *Reactor) TimerAdd(key TimerKey, d time.Duration, fn func()) {
	r.TimerDel(key)
	e := &timerEntry{key: key, deadline: r.clock.Now().Add(d), fn: fn}
	heap.Push(&r.timers, e)
	r.byKey[key] = e
}

// TimerDel cancels the pending timer under key, if any. Loop context only.
func (r *Reactor) TimerDel(key TimerKey) {
	if e, ok := r.byKey[key]; ok {
		e.dead = true
		delete(r.byKey, key)
	}
}

// TimerPending reports whether key has a live pending timer.
func (r *Reactor) TimerPending(key TimerKey) bool {
	_, ok := r.byKey[key]
	return ok
}

// Run executes the loop until ctx is cancelled. Tasks and expired
// timers run serially, in order.
func (r *Reactor) Run(ctx context.Context) error {
	r.runMu.Lock()
	if r.running {
		r.runMu.Unlock()
		return nil
	}
	r.running = true
	r.runMu.Unlock()
	defer close(r.done)

	for {
		r.fireExpired()

		var wake <-chan time.Time
		if next := r.nextDeadline(); !next.IsZero() {
			d := next.Sub(r.clock.Now())
			if d < 0 {
				d = 0
			}
			wake = r.clock.After(d)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-r.tasks:
			fn()
		case <-r.kick:
		case <-wake:
		}
	}
}

// Done is closed when Run returns.
func (r *Reactor) Done() <-chan struct{} { return r.done }

func (r *Reactor) nextDeadline() time.Time {
	for len(r.timers) > 0 {
		if r.timers[0].dead {
			heap.Pop(&r.timers)
			continue
		}
		return r.timers[0].deadline
	}
	return time.Time{}
}

func (r *Reactor) fireExpired() {
	now := r.clock.Now()
	for len(r.timers) > 0 {
		e := r.timers[0]
		if e.dead {
			heap.Pop(&r.timers)
			continue
		}
		if e.deadline.After(now) {
			return
		}
		heap.Pop(&r.timers)
		delete(r.byKey, e.key)
		e.fn()
		// A callback may re-arm timers; recompute expiry against the
		// same observation of now on the next iteration.
	}
}

// Step runs queued tasks and expired timers once without blocking.
// Intended for tests driving the loop manually.
func (r *Reactor) Step() {
	for {
		select {
		case fn := <-r.tasks:
			fn()
		default:
			r.fireExpired()
			return
		}
	}
}
