// Copyright 2025 Intmax Protocol
//
// Transition-proof task queue. Tasks are prioritized by block number and
// leased to prover workers under a heartbeat TTL; a worker that stops
// heartbeating loses its lease and the task returns to the pending set.

package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Common errors
var (
	ErrTaskNotFound = errors.New("task not found")
	ErrNoTask       = errors.New("no pending task")
)

// Task is one unit of transition-proof work.
type Task struct {
	BlockNumber uint32          `json:"block_number"`
	Priority    float64         `json:"priority"`
	Payload     json.RawMessage `json:"payload"`
}

// Result is a completed task's output. Err is set when the worker failed
// permanently.
type Result struct {
	BlockNumber uint32          `json:"block_number"`
	Proof       json.RawMessage `json:"proof,omitempty"`
	Err         string          `json:"error,omitempty"`
}

// Queue is the task-queue interface the validity prover drives.
type Queue interface {
	// AddTask enqueues a task; re-adding an existing block number is a no-op.
	AddTask(ctx context.Context, task *Task) error
	// LeaseTask pops the lowest-priority pending task and starts its
	// heartbeat lease. Returns ErrNoTask when the queue is empty.
	LeaseTask(ctx context.Context, workerID string) (*Task, error)
	// Heartbeat extends the lease of a running task.
	Heartbeat(ctx context.Context, blockNumber uint32, workerID string) error
	// CompleteTask stores the result and drops the lease.
	CompleteTask(ctx context.Context, result *Result) error
	// GetResult returns a completed task's result, if present.
	GetResult(ctx context.Context, blockNumber uint32) (*Result, bool, error)
	// DeleteResult removes a consumed result.
	DeleteResult(ctx context.Context, blockNumber uint32) error
	// CleanupInactiveTasks returns expired leases to the pending set.
	CleanupInactiveTasks(ctx context.Context) (int, error)
	// PendingCount returns the number of pending tasks.
	PendingCount(ctx context.Context) (int64, error)
}

// =============================================================================
// REDIS QUEUE
// =============================================================================

// RedisQueue is the production Queue on Redis. Key layout (under prefix):
//
//	<p>:pending        ZSET  block number scored by priority
//	<p>:task:<n>       STRING serialized task, TTL = task TTL
//	<p>:lease:<n>      STRING worker id, TTL = heartbeat TTL
//	<p>:processing     SET   leased block numbers
//	<p>:result:<n>     STRING serialized result, TTL = task TTL
type RedisQueue struct {
	rdb          *redis.Client
	prefix       string
	taskTTL      time.Duration
	heartbeatTTL time.Duration
}

// RedisQueueConfig tunes the queue keys and TTLs.
type RedisQueueConfig struct {
	Prefix       string
	TaskTTL      time.Duration
	HeartbeatTTL time.Duration
}

// NewRedisQueue builds a queue over an existing Redis client.
func NewRedisQueue(rdb *redis.Client, cfg *RedisQueueConfig) *RedisQueue {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "taskqueue"
	}
	taskTTL := cfg.TaskTTL
	if taskTTL <= 0 {
		taskTTL = time.Hour
	}
	hbTTL := cfg.HeartbeatTTL
	if hbTTL <= 0 {
		hbTTL = 30 * time.Second
	}
	return &RedisQueue{rdb: rdb, prefix: prefix, taskTTL: taskTTL, heartbeatTTL: hbTTL}
}

func (q *RedisQueue) key(parts ...string) string {
	out := q.prefix
	for _, p := range parts {
		out += ":" + p
	}
	return out
}

func blockKey(n uint32) string { return fmt.Sprintf("%d", n) }

// AddTask enqueues a task; duplicate block numbers are ignored.
func (q *RedisQueue) AddTask(ctx context.Context, task *Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("serialize task: %w", err)
	}
	ok, err := q.rdb.SetNX(ctx, q.key("task", blockKey(task.BlockNumber)), raw, q.taskTTL).Result()
	if err != nil {
		return fmt.Errorf("store task: %w", err)
	}
	if !ok {
		return nil
	}
	if err := q.rdb.ZAdd(ctx, q.key("pending"), redis.Z{
		Score:  task.Priority,
		Member: blockKey(task.BlockNumber),
	}).Err(); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// LeaseTask pops the lowest-priority pending task and leases it.
func (q *RedisQueue) LeaseTask(ctx context.Context, workerID string) (*Task, error) {
	popped, err := q.rdb.ZPopMin(ctx, q.key("pending"), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("pop pending: %w", err)
	}
	if len(popped) == 0 {
		return nil, ErrNoTask
	}
	member := popped[0].Member.(string)

	raw, err := q.rdb.Get(ctx, q.key("task", member)).Bytes()
	if errors.Is(err, redis.Nil) {
		// Task payload expired while pending; drop the ghost entry.
		return nil, ErrNoTask
	}
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, q.key("lease", member), workerID, q.heartbeatTTL)
	pipe.SAdd(ctx, q.key("processing"), member)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("lease task: %w", err)
	}
	return &task, nil
}

// Heartbeat extends a worker's lease.
func (q *RedisQueue) Heartbeat(ctx context.Context, blockNumber uint32, workerID string) error {
	key := q.key("lease", blockKey(blockNumber))
	owner, err := q.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) || (err == nil && owner != workerID) {
		return ErrTaskNotFound
	}
	if err != nil {
		return fmt.Errorf("read lease: %w", err)
	}
	return q.rdb.Expire(ctx, key, q.heartbeatTTL).Err()
}

// CompleteTask stores the result and releases the lease.
func (q *RedisQueue) CompleteTask(ctx context.Context, result *Result) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("serialize result: %w", err)
	}
	member := blockKey(result.BlockNumber)
	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, q.key("result", member), raw, q.taskTTL)
	pipe.Del(ctx, q.key("lease", member))
	pipe.Del(ctx, q.key("task", member))
	pipe.SRem(ctx, q.key("processing"), member)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

// GetResult returns a completed task's result.
func (q *RedisQueue) GetResult(ctx context.Context, blockNumber uint32) (*Result, bool, error) {
	raw, err := q.rdb.Get(ctx, q.key("result", blockKey(blockNumber))).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get result: %w", err)
	}
	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, false, fmt.Errorf("decode result: %w", err)
	}
	return &result, true, nil
}

// DeleteResult removes a consumed result.
func (q *RedisQueue) DeleteResult(ctx context.Context, blockNumber uint32) error {
	return q.rdb.Del(ctx, q.key("result", blockKey(blockNumber))).Err()
}

// CleanupInactiveTasks requeues tasks whose lease expired.
func (q *RedisQueue) CleanupInactiveTasks(ctx context.Context) (int, error) {
	members, err := q.rdb.SMembers(ctx, q.key("processing")).Result()
	if err != nil {
		return 0, fmt.Errorf("list processing: %w", err)
	}
	requeued := 0
	for _, member := range members {
		exists, err := q.rdb.Exists(ctx, q.key("lease", member)).Result()
		if err != nil {
			return requeued, err
		}
		if exists > 0 {
			continue
		}
		raw, err := q.rdb.Get(ctx, q.key("task", member)).Bytes()
		if errors.Is(err, redis.Nil) {
			q.rdb.SRem(ctx, q.key("processing"), member)
			continue
		}
		if err != nil {
			return requeued, err
		}
		var task Task
		if err := json.Unmarshal(raw, &task); err != nil {
			return requeued, err
		}
		pipe := q.rdb.TxPipeline()
		pipe.ZAdd(ctx, q.key("pending"), redis.Z{Score: task.Priority, Member: member})
		pipe.SRem(ctx, q.key("processing"), member)
		if _, err := pipe.Exec(ctx); err != nil {
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}

// PendingCount returns the number of pending tasks.
func (q *RedisQueue) PendingCount(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, q.key("pending")).Result()
}
