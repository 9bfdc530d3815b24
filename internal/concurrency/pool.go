// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Fixed worker pool for packet sealing and transmission. Work items are
// placed round-robin; each worker owns a private inbox guarded by its
// own mutex and condition variable, plus whatever per-worker state the
// constructor builds (scratch buffer, framer PRNG). Drain blocks until
// every inbox is empty and every worker idle, which is how the token
// handler guarantees all packets of a rotation reached the kernel
// before the token is forwarded.

package concurrency

import (
	"sync"

	"github.com/eapache/queue"
)

// Pool runs fn on items with per-worker state S.
type Pool[S, T any] struct {
	workers       []*worker[S, T]
	lastScheduled int
	wg            sync.WaitGroup
}

type worker[S, T any] struct {
	mu    sync.Mutex
	cond  *sync.Cond
	inbox *queue.Queue
	busy  bool
	stop  bool
	state S
	fn    func(S, T)
}

// NewPool starts n workers. newState builds each worker's private
// state; fn processes one item on that worker's goroutine.
func NewPool[S, T any](n int, newState func() S, fn func(S, T)) *Pool[S, T] {
	p := &Pool[S, T]{}
	for i := 0; i < n; i++ {
		w := &worker[S, T]{inbox: queue.New(), state: newState(), fn: fn}
		w.cond = sync.NewCond(&w.mu)
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.run()
		}()
	}
	return p
}

// Submit enqueues item on the next worker, round-robin. Non-blocking.
func (p *Pool[S, T]) Submit(item T) {
	w := p.workers[p.lastScheduled]
	p.lastScheduled = (p.lastScheduled + 1) % len(p.workers)
	w.mu.Lock()
	w.inbox.Add(item)
	w.cond.Signal()
	w.mu.Unlock()
}

// Drain blocks until all per-worker queues are empty and no item is in
// flight.
func (p *Pool[S, T]) Drain() {
	for _, w := range p.workers {
		w.mu.Lock()
		for w.inbox.Length() > 0 || w.busy {
			w.cond.Wait()
		}
		w.mu.Unlock()
	}
}

// Close signals all workers to exit and joins them. Pending items are
// dropped; retransmission heals any resulting loss.
func (p *Pool[S, T]) Close() {
	for _, w := range p.workers {
		w.mu.Lock()
		w.stop = true
		w.cond.Broadcast()
		w.mu.Unlock()
	}
	p.wg.Wait()
}

func (w *worker[S, T]) run() {
	w.mu.Lock()
	for {
		for w.inbox.Length() == 0 && !w.stop {
			w.cond.Wait()
		}
		if w.stop {
			w.mu.Unlock()
			return
		}
		item := w.inbox.Remove().(T)
		w.busy = true
		w.mu.Unlock()

		w.fn(w.state, item)

		w.mu.Lock()
		w.busy = false
		w.cond.Broadcast()
	}
}
