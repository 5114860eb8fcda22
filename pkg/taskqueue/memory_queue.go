// Copyright 2025 Intmax Protocol
//
// In-memory task queue for tests and single-process deployments.

package taskqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type pendingItem struct {
	blockNumber uint32
	priority    float64
}

type pendingHeap []pendingItem

func (h pendingHeap) Len() int            { return len(h) }
func (h pendingHeap) Less(i, j int) bool  { return h[i].priority < h[j].priority }
func (h pendingHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x interface{}) { *h = append(*h, x.(pendingItem)) }
func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type lease struct {
	workerID  string
	expiresAt time.Time
}

// MemoryQueue is a Queue held in process memory.
type MemoryQueue struct {
	mu           sync.Mutex
	pending      pendingHeap
	tasks        map[uint32]*Task
	leases       map[uint32]*lease
	results      map[uint32]*Result
	heartbeatTTL time.Duration
}

// NewMemoryQueue returns an empty in-memory queue.
func NewMemoryQueue(heartbeatTTL time.Duration) *MemoryQueue {
	if heartbeatTTL <= 0 {
		heartbeatTTL = 30 * time.Second
	}
	return &MemoryQueue{
		tasks:        make(map[uint32]*Task),
		leases:       make(map[uint32]*lease),
		results:      make(map[uint32]*Result),
		heartbeatTTL: heartbeatTTL,
	}
}

// AddTask enqueues a task; duplicate block numbers are ignored.
func (q *MemoryQueue) AddTask(ctx context.Context, task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.tasks[task.BlockNumber]; exists {
		return nil
	}
	if _, done := q.results[task.BlockNumber]; done {
		return nil
	}
	cp := *task
	q.tasks[task.BlockNumber] = &cp
	heap.Push(&q.pending, pendingItem{blockNumber: task.BlockNumber, priority: task.Priority})
	return nil
}

// LeaseTask pops the lowest-priority pending task and leases it.
func (q *MemoryQueue) LeaseTask(ctx context.Context, workerID string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.pending.Len() > 0 {
		item := heap.Pop(&q.pending).(pendingItem)
		task, ok := q.tasks[item.blockNumber]
		if !ok {
			continue
		}
		q.leases[item.blockNumber] = &lease{
			workerID:  workerID,
			expiresAt: time.Now().Add(q.heartbeatTTL),
		}
		cp := *task
		return &cp, nil
	}
	return nil, ErrNoTask
}

// Heartbeat extends a worker's lease.
func (q *MemoryQueue) Heartbeat(ctx context.Context, blockNumber uint32, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.leases[blockNumber]
	if !ok || l.workerID != workerID {
		return ErrTaskNotFound
	}
	l.expiresAt = time.Now().Add(q.heartbeatTTL)
	return nil
}

// CompleteTask stores the result and releases the lease.
func (q *MemoryQueue) CompleteTask(ctx context.Context, result *Result) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := *result
	q.results[result.BlockNumber] = &cp
	delete(q.leases, result.BlockNumber)
	delete(q.tasks, result.BlockNumber)
	return nil
}

// GetResult returns a completed task's result.
func (q *MemoryQueue) GetResult(ctx context.Context, blockNumber uint32) (*Result, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.results[blockNumber]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

// DeleteResult removes a consumed result.
func (q *MemoryQueue) DeleteResult(ctx context.Context, blockNumber uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.results, blockNumber)
	return nil
}

// CleanupInactiveTasks requeues tasks whose lease expired.
func (q *MemoryQueue) CleanupInactiveTasks(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	requeued := 0
	for blockNumber, l := range q.leases {
		if now.Before(l.expiresAt) {
			continue
		}
		delete(q.leases, blockNumber)
		if task, ok := q.tasks[blockNumber]; ok {
			heap.Push(&q.pending, pendingItem{blockNumber: blockNumber, priority: task.Priority})
			requeued++
		}
	}
	return requeued, nil
}

// PendingCount returns the number of pending tasks.
func (q *MemoryQueue) PendingCount(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(q.pending.Len()), nil
}
