package hub

import (
	"context"
	"testing"
	"time"

	"github.com/holesch/not-my-board/internal/apperr"
)

func TestReserveImmediateWhenAvailable(t *testing.T) {
	e := NewEngine()
	id := e.RegisterPlace(Place{}, "exporter-1")

	got, err := e.Reserve(context.Background(), []int{id}, "agent-1")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if got != id {
		t.Errorf("Reserve = %d, want %d", got, id)
	}
}

func TestReserveNoSuchCandidatesSynchronous(t *testing.T) {
	e := NewEngine()
	_, err := e.Reserve(context.Background(), []int{999}, "agent-1")
	if err == nil {
		t.Fatal("expected an error for unknown candidates")
	}
	appErr, ok := err.(*apperr.Error)
	if !ok || appErr.Code != apperr.CodeNoSuchCandidates {
		t.Fatalf("Reserve error = %v, want NoSuchCandidates", err)
	}
}

// TestReserveBlocksThenHandsOff reproduces spec.md §8 scenario 2: A1
// reserves P1, A2's reserve([P1]) blocks, A1 returns, A2's call completes
// with P1 and never observes a "no candidates" error.
func TestReserveBlocksThenHandsOff(t *testing.T) {
	e := NewEngine()
	id := e.RegisterPlace(Place{}, "exporter-1")

	if _, err := e.Reserve(context.Background(), []int{id}, "agent-1"); err != nil {
		t.Fatalf("A1 reserve: %v", err)
	}

	type result struct {
		placeID int
		err     error
	}
	done := make(chan result, 1)
	go func() {
		placeID, err := e.Reserve(context.Background(), []int{id}, "agent-2")
		done <- result{placeID, err}
	}()

	time.Sleep(20 * time.Millisecond) // let A2's reserve enqueue

	handoff, err := e.ReturnReservation(id, "agent-1")
	if err != nil {
		t.Fatalf("A1 return: %v", err)
	}
	if handoff.HandedOffTo != "agent-2" {
		t.Fatalf("handoff.HandedOffTo = %q, want agent-2", handoff.HandedOffTo)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("A2 reserve failed: %v", r.err)
		}
		if r.placeID != id {
			t.Errorf("A2 reserve = %d, want %d", r.placeID, id)
		}
	case <-time.After(time.Second):
		t.Fatal("A2's reserve never completed")
	}
}

// TestAllCandidatesGoneOnRemoval reproduces spec.md §8 scenario 3: an
// enqueued reserve fails with AllCandidatesGone when its last live
// candidate is removed, and removal of an unrelated place leaves other
// waiters untouched.
func TestAllCandidatesGoneOnRemoval(t *testing.T) {
	e := NewEngine()
	id1 := e.RegisterPlace(Place{}, "exporter-1")
	id2 := e.RegisterPlace(Place{}, "exporter-2")

	if _, err := e.Reserve(context.Background(), []int{id1}, "agent-1"); err != nil {
		t.Fatalf("reserve id1: %v", err)
	}
	if _, err := e.Reserve(context.Background(), []int{id2}, "agent-2"); err != nil {
		t.Fatalf("reserve id2: %v", err)
	}

	type result struct {
		placeID int
		err     error
	}
	waiterA := make(chan result, 1)
	waiterB := make(chan result, 1)
	go func() {
		p, err := e.Reserve(context.Background(), []int{id1}, "agent-3")
		waiterA <- result{p, err}
	}()
	go func() {
		p, err := e.Reserve(context.Background(), []int{id2}, "agent-4")
		waiterB <- result{p, err}
	}()
	time.Sleep(20 * time.Millisecond)

	e.RemovePlace(id1)

	select {
	case r := <-waiterA:
		if r.err == nil {
			t.Fatal("expected AllCandidatesGone for waiter on removed place")
		}
		appErr, ok := r.err.(*apperr.Error)
		if !ok || appErr.Code != apperr.CodeAllCandidatesGone {
			t.Fatalf("waiterA error = %v, want AllCandidatesGone", r.err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiterA never completed")
	}

	select {
	case r := <-waiterB:
		t.Fatalf("waiterB should still be blocked, got %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := e.ReturnReservation(id2, "agent-2"); err != nil {
		t.Fatalf("return id2: %v", err)
	}
	select {
	case r := <-waiterB:
		if r.err != nil || r.placeID != id2 {
			t.Fatalf("waiterB = %+v, want (%d, nil)", r, id2)
		}
	case <-time.After(time.Second):
		t.Fatal("waiterB never completed after return")
	}
}

func TestReserveCancelledRemovesOnlyItsEntry(t *testing.T) {
	e := NewEngine()
	id := e.RegisterPlace(Place{}, "exporter-1")
	if _, err := e.Reserve(context.Background(), []int{id}, "agent-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancelledDone := make(chan error, 1)
	go func() {
		_, err := e.Reserve(ctx, []int{id}, "agent-2")
		cancelledDone <- err
	}()

	otherDone := make(chan result2, 1)
	go func() {
		p, err := e.Reserve(context.Background(), []int{id}, "agent-3")
		otherDone <- result2{p, err}
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-cancelledDone:
		if err == nil {
			t.Fatal("expected cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled reserve never unblocked")
	}

	if _, err := e.ReturnReservation(id, "agent-1"); err != nil {
		t.Fatalf("return: %v", err)
	}

	select {
	case r := <-otherDone:
		if r.err != nil || r.placeID != id {
			t.Fatalf("other waiter = %+v, want (%d, nil)", r, id)
		}
	case <-time.After(time.Second):
		t.Fatal("other waiter never completed; cancellation may have removed the wrong entry")
	}
}

type result2 struct {
	placeID int
	err     error
}
