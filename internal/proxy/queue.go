package proxy

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Dequeue once the queue is closed and drained.
var ErrQueueClosed = errors.New("request queue closed")

// RequestQueue is the ordered, unbounded holding area between the HTTP
// handlers (many producers) and the orchestrator loop (single consumer).
// Enqueue never blocks; Dequeue suspends until work arrives.
type RequestQueue struct {
	mu     sync.Mutex
	items  []Inbound
	wake   chan struct{}
	closed bool
}

// NewRequestQueue returns an empty open queue.
func NewRequestQueue() *RequestQueue {
	return &RequestQueue{wake: make(chan struct{})}
}

// Enqueue appends a model request. FIFO order is preserved for Dequeue.
func (q *RequestQueue) Enqueue(req *ModelRequest) {
	q.push(Inbound{Request: req})
}

// EnqueueSessionEnd appends the session-end marker. Requests enqueued before
// it are still observed first.
func (q *RequestQueue) EnqueueSessionEnd() {
	q.push(Inbound{SessionEnd: true})
}

func (q *RequestQueue) push(it Inbound) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, it)
	close(q.wake)
	q.wake = make(chan struct{})
}

// Dequeue blocks until an item is available, the queue is closed, or ctx is
// done. Items come out in enqueue order.
func (q *RequestQueue) Dequeue(ctx context.Context) (Inbound, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return it, nil
		}
		if q.closed {
			q.mu.Unlock()
			return Inbound{}, ErrQueueClosed
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Inbound{}, ctx.Err()
		case <-wake:
		}
	}
}

// Len reports the number of queued items.
func (q *RequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting new items and wakes blocked consumers. Items already
// queued are still dequeued before ErrQueueClosed is reported. Safe to call
// more than once.
func (q *RequestQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.wake)
	q.wake = make(chan struct{})
}
