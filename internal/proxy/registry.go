package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Registry correlates produced answers with the HTTP exchange waiting for
// them. Each admitted request gets a single-use entry; the first Deliver for
// an id wins and later ones are counted as stale.
//
// Register must happen before the request is visible to the orchestrator,
// otherwise an answer could arrive before anyone is waiting for it.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
	stale   uint64
}

type pendingEntry struct {
	id           string
	ch           chan *ModelResponse
	registeredAt time.Time
}

// ErrStaleDelivery reports an answer for an id that is not pending anymore
// (timed out, already answered, or never registered). Non-fatal by design.
var ErrStaleDelivery = errors.New("stale delivery: request not pending")

// ErrRequestTimeout reports that Await gave up before an answer arrived.
var ErrRequestTimeout = errors.New("timed out waiting for response")

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{pending: make(map[string]*pendingEntry)}
}

// Register creates the pending entry for a request id. Duplicate ids are
// rejected: ids are generated per call and never reused within an episode.
func (r *Registry) Register(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pending[id]; exists {
		return fmt.Errorf("request %s already registered", id)
	}
	r.pending[id] = &pendingEntry{
		id:           id,
		ch:           make(chan *ModelResponse, 1),
		registeredAt: time.Now().UTC(),
	}
	return nil
}

// Deliver stores the answer and fires the entry's signal exactly once.
// Delivering before the waiter calls Await still satisfies the waiter: the
// channel is buffered. A second Deliver for the same id returns
// ErrStaleDelivery and bumps the stale counter.
func (r *Registry) Deliver(id string, resp *ModelResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.pending[id]
	if !ok {
		r.stale++
		return ErrStaleDelivery
	}
	entry.ch <- resp
	delete(r.pending, id)
	return nil
}

// Await blocks until the answer arrives, the timeout elapses, or ctx is done.
// The entry is guaranteed to be removed by the time Await returns, so a late
// answer for it becomes a stale delivery rather than a second wakeup.
func (r *Registry) Await(ctx context.Context, id string, timeout time.Duration) (*ModelResponse, error) {
	r.mu.Lock()
	entry, ok := r.pending[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("request %s is not registered", id)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-entry.ch:
		return resp, nil
	case <-timer.C:
		r.remove(id)
		// Deliver may have raced the timer; honor the answer if it is
		// already buffered.
		select {
		case resp := <-entry.ch:
			return resp, nil
		default:
		}
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		r.remove(id)
		select {
		case resp := <-entry.ch:
			return resp, nil
		default:
		}
		return nil, ctx.Err()
	}
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// FailAll synthesizes an answer for every pending entry so no exchange hangs
// across shutdown. Returns the number of entries resolved.
func (r *Registry) FailAll(synth func(id string) *ModelResponse) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, entry := range r.pending {
		entry.ch <- synth(id)
		delete(r.pending, id)
		n++
	}
	return n
}

// Pending reports the number of outstanding entries.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// StaleDeliveries reports how many answers arrived for ids that were no
// longer pending. Exposed for timeout tuning; it does not alter behavior.
func (r *Registry) StaleDeliveries() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stale
}
