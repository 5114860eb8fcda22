// Copyright 2025 Intmax Protocol
//
// Leader election on short-TTL distributed locks. Each prover job name is
// one lock: the leader renews it from a heartbeat goroutine, followers
// poll until the lock frees. Release is owner-checked and Lua-atomic so a
// slow leader can never delete a successor's lock.

package taskqueue

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotLeader is returned when a renewal finds the lock owned elsewhere.
var ErrNotLeader = errors.New("leadership lost")

// release only deletes the lock when the caller still owns it.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`

// extend only refreshes the TTL when the caller still owns the lock.
const extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`

// LeaderElection elects at most one leader per named job.
type LeaderElection struct {
	rdb        *redis.Client
	key        string
	instanceID string
	ttl        time.Duration
	retry      time.Duration
	logger     *log.Logger
}

// NewLeaderElection builds an election on the given lock key.
func NewLeaderElection(rdb *redis.Client, key string, ttl time.Duration, logger *log.Logger) *LeaderElection {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[LeaderElection] ", log.LstdFlags)
	}
	return &LeaderElection{
		rdb:        rdb,
		key:        key,
		instanceID: uuid.New().String(),
		ttl:        ttl,
		retry:      ttl / 3,
		logger:     logger,
	}
}

// InstanceID returns this process's election identity.
func (e *LeaderElection) InstanceID() string { return e.instanceID }

// TryAcquire attempts to take the lock once.
func (e *LeaderElection) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := e.rdb.SetNX(ctx, e.key, e.instanceID, e.ttl).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		// Re-entrant: we may already hold it.
		owner, err := e.rdb.Get(ctx, e.key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return false, err
		}
		return owner == e.instanceID, nil
	}
	return true, nil
}

// WaitForLeadership blocks until this instance holds the lock. Jobs call
// it at the top of every iteration; followers effectively no-op.
func (e *LeaderElection) WaitForLeadership(ctx context.Context) error {
	for {
		ok, err := e.TryAcquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.retry):
		}
	}
}

// Renew extends the lease; returns ErrNotLeader if ownership moved.
func (e *LeaderElection) Renew(ctx context.Context) error {
	res, err := e.rdb.Eval(ctx, extendScript, []string{e.key},
		e.instanceID, e.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrNotLeader
	}
	return nil
}

// Release drops the lock if still owned.
func (e *LeaderElection) Release(ctx context.Context) error {
	return e.rdb.Eval(ctx, releaseScript, []string{e.key}, e.instanceID).Err()
}

// KeepAlive renews the lease until ctx ends or leadership is lost. Run it
// in a goroutine while leader work is in flight; crashed leaders release
// within one TTL.
func (e *LeaderElection) KeepAlive(ctx context.Context) {
	ticker := time.NewTicker(e.retry)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Renew(ctx); err != nil {
				if errors.Is(err, ErrNotLeader) {
					e.logger.Printf("Leadership lost on %s", e.key)
					return
				}
				e.logger.Printf("Lease renewal error on %s: %v", e.key, err)
			}
		}
	}
}
