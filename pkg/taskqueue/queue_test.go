// Copyright 2025 Intmax Protocol
//
// Unit tests for the task queue
// Exercises priority ordering, lease expiry, and result handling

package taskqueue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPriorityOrdering(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(time.Minute)

	for _, n := range []uint32{5, 2, 9, 1} {
		if err := q.AddTask(ctx, &Task{BlockNumber: n, Priority: float64(n)}); err != nil {
			t.Fatalf("add %d: %v", n, err)
		}
	}

	want := []uint32{1, 2, 5, 9}
	for _, expected := range want {
		task, err := q.LeaseTask(ctx, "w1")
		if err != nil {
			t.Fatalf("lease: %v", err)
		}
		if task.BlockNumber != expected {
			t.Errorf("leased block %d, want %d", task.BlockNumber, expected)
		}
	}
	if _, err := q.LeaseTask(ctx, "w1"); !errors.Is(err, ErrNoTask) {
		t.Errorf("expected ErrNoTask, got %v", err)
	}
}

func TestDuplicateAddIsNoop(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(time.Minute)

	if err := q.AddTask(ctx, &Task{BlockNumber: 3, Priority: 3}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := q.AddTask(ctx, &Task{BlockNumber: 3, Priority: 3}); err != nil {
		t.Fatalf("duplicate add: %v", err)
	}
	n, _ := q.PendingCount(ctx)
	if n != 1 {
		t.Errorf("pending count = %d, want 1", n)
	}
}

func TestExpiredLeaseIsRequeued(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(10 * time.Millisecond)

	if err := q.AddTask(ctx, &Task{BlockNumber: 1, Priority: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := q.LeaseTask(ctx, "w1"); err != nil {
		t.Fatalf("lease: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	requeued, err := q.CleanupInactiveTasks(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if requeued != 1 {
		t.Fatalf("requeued %d tasks, want 1", requeued)
	}

	// Another worker can pick it up again.
	task, err := q.LeaseTask(ctx, "w2")
	if err != nil {
		t.Fatalf("re-lease: %v", err)
	}
	if task.BlockNumber != 1 {
		t.Errorf("re-leased block %d, want 1", task.BlockNumber)
	}
}

func TestHeartbeatKeepsLease(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(30 * time.Millisecond)

	if err := q.AddTask(ctx, &Task{BlockNumber: 1, Priority: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := q.LeaseTask(ctx, "w1"); err != nil {
		t.Fatalf("lease: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := q.Heartbeat(ctx, 1, "w1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	requeued, err := q.CleanupInactiveTasks(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if requeued != 0 {
		t.Errorf("heartbeated lease was requeued")
	}

	// A stranger cannot heartbeat someone else's lease.
	if err := q.Heartbeat(ctx, 1, "w2"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestCompleteAndResult(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(time.Minute)

	if err := q.AddTask(ctx, &Task{BlockNumber: 7, Priority: 7}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := q.LeaseTask(ctx, "w1"); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := q.CompleteTask(ctx, &Result{BlockNumber: 7, Proof: []byte(`"p"`)}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	result, ok, err := q.GetResult(ctx, 7)
	if err != nil || !ok {
		t.Fatalf("get result: ok=%v err=%v", ok, err)
	}
	if result.Err != "" {
		t.Errorf("unexpected error in result: %s", result.Err)
	}

	// Completed tasks never come back, even through AddTask.
	if err := q.AddTask(ctx, &Task{BlockNumber: 7, Priority: 7}); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if _, err := q.LeaseTask(ctx, "w1"); !errors.Is(err, ErrNoTask) {
		t.Errorf("completed task was re-leased: %v", err)
	}

	if err := q.DeleteResult(ctx, 7); err != nil {
		t.Fatalf("delete result: %v", err)
	}
	if _, ok, _ := q.GetResult(ctx, 7); ok {
		t.Errorf("result survived deletion")
	}
}
