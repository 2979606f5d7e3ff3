package pool

import (
	"sync"
	"time"
)

// waiter is one AcquireRequest queue entry (spec.md's shared-types
// section): sessionId, enqueuedAt, deadline, and a channel the pool
// wakes on release or expiry.
type waiter struct {
	sessionID  string
	enqueuedAt time.Time
	deadline   time.Time
	result     chan waiterResult
	once       sync.Once
}

type waiterResult struct {
	instance *managedInstance
	err      error
}

func newWaiter(sessionID string, deadline time.Time) *waiter {
	return &waiter{sessionID: sessionID, enqueuedAt: time.Now(), deadline: deadline, result: make(chan waiterResult, 1)}
}

// deliver wakes the waiter exactly once; subsequent calls are no-ops so
// a racing timeout and a racing release can't both succeed.
func (w *waiter) deliver(res waiterResult) bool {
	delivered := false
	w.once.Do(func() {
		w.result <- res
		delivered = true
	})
	return delivered
}

// fifoQueue is a simple slice-backed FIFO; cancellation removes a
// waiter in O(n) (n bounded by maxSize in practice) rather than O(1),
// an acceptable trade for the pool's small expected depth.
type fifoQueue struct {
	mu    sync.Mutex
	items []*waiter
}

func (q *fifoQueue) push(w *waiter) {
	q.mu.Lock()
	q.items = append(q.items, w)
	q.mu.Unlock()
}

// popFront removes and returns the oldest waiter, or nil if empty.
func (q *fifoQueue) popFront() *waiter {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	w := q.items[0]
	q.items = q.items[1:]
	return w
}

func (q *fifoQueue) remove(target *waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, w := range q.items {
		if w == target {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

func (q *fifoQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fifoQueue) drain() []*waiter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}
