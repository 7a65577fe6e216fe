package proxy

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRegistryDeliverThenAwait(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("a"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Deliver("a", &ModelResponse{RequestID: "a", Text: "hi", Reason: ReasonStop}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	// The answer is buffered, so awaiting after delivery still succeeds.
	resp, err := r.Await(context.Background(), "a", time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if resp.Text != "hi" {
		t.Fatalf("got %q, want hi", resp.Text)
	}
	if r.Pending() != 0 {
		t.Fatalf("pending = %d after delivery", r.Pending())
	}
}

func TestRegistryAwaitThenDeliver(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("b"); err != nil {
		t.Fatalf("register: %v", err)
	}
	got := make(chan *ModelResponse, 1)
	go func() {
		resp, err := r.Await(context.Background(), "b", 5*time.Second)
		if err != nil {
			t.Errorf("await: %v", err)
		}
		got <- resp
	}()
	time.Sleep(20 * time.Millisecond)
	if err := r.Deliver("b", &ModelResponse{RequestID: "b", Text: "late", Reason: ReasonStop}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	select {
	case resp := <-got:
		if resp.Text != "late" {
			t.Fatalf("got %q, want late", resp.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("await never resolved")
	}
}

func TestRegistryDuplicateRegister(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("dup"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("dup"); err == nil {
		t.Fatal("duplicate register accepted")
	}
}

func TestRegistrySecondDeliverIsStale(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("c"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Deliver("c", &ModelResponse{RequestID: "c"}); err != nil {
		t.Fatalf("first deliver: %v", err)
	}
	err := r.Deliver("c", &ModelResponse{RequestID: "c"})
	if !errors.Is(err, ErrStaleDelivery) {
		t.Fatalf("second deliver err = %v, want ErrStaleDelivery", err)
	}
	if r.StaleDeliveries() != 1 {
		t.Fatalf("stale = %d, want 1", r.StaleDeliveries())
	}
}

func TestRegistryDeliverUnknownID(t *testing.T) {
	r := NewRegistry()
	if err := r.Deliver("ghost", &ModelResponse{}); !errors.Is(err, ErrStaleDelivery) {
		t.Fatalf("err = %v, want ErrStaleDelivery", err)
	}
	if r.StaleDeliveries() != 1 {
		t.Fatalf("stale = %d, want 1", r.StaleDeliveries())
	}
}

func TestRegistryAwaitTimeout(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("slow"); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := r.Await(context.Background(), "slow", 30*time.Millisecond)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("err = %v, want ErrRequestTimeout", err)
	}
	if r.Pending() != 0 {
		t.Fatalf("entry not removed after timeout")
	}
	// An answer arriving after the timeout is stale, not a second wakeup.
	if err := r.Deliver("slow", &ModelResponse{}); !errors.Is(err, ErrStaleDelivery) {
		t.Fatalf("late deliver err = %v, want ErrStaleDelivery", err)
	}
}

func TestRegistryAwaitContextCanceled(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("x"); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := r.Await(ctx, "x", time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if r.Pending() != 0 {
		t.Fatalf("entry not removed after cancel")
	}
}

func TestRegistryFailAll(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"p1", "p2", "p3"} {
		if err := r.Register(id); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	n := r.FailAll(func(id string) *ModelResponse {
		return &ModelResponse{RequestID: id, Reason: ReasonStop}
	})
	if n != 3 {
		t.Fatalf("failed %d, want 3", n)
	}
	if r.Pending() != 0 {
		t.Fatalf("pending = %d after FailAll", r.Pending())
	}
	// Synthesized answers are buffered for their waiters.
	resp, err := r.Await(context.Background(), "p1", time.Second)
	if err == nil {
		t.Fatalf("await after FailAll should report unregistered, got %+v", resp)
	}
}
