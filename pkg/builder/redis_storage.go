// Copyright 2025 Intmax Protocol
//
// Redis builder storage - the distributed variant of the Storage
// interface. Critical sections take SET NX EX named locks released by an
// owner-checked Lua script, every key carries a TTL to bound orphaned
// state, and the low-priority queue is drained with BLPOP.

package builder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/InternetMaximalism/intmax2-core/pkg/bls"
	"github.com/InternetMaximalism/intmax2-core/pkg/types"
)

// Named locks of the distributed builder.
const (
	lockProcessRegistrationRequests    = "process_registration_requests"
	lockProcessNonRegistrationRequests = "process_non_registration_requests"
	lockProcessSignatures              = "process_signatures"
	lockProcessFeeCollection           = "process_fee_collection"
	lockEnqueueEmptyBlock              = "enqueue_empty_block"
)

const lockTTL = 10 * time.Second

const redisReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`

// RedisStorage implements Storage on Redis for multi-instance builders.
type RedisStorage struct {
	rdb        *redis.Client
	config     *StorageConfig
	nonces     NonceManager
	prefix     string
	instanceID string
	keyTTL     time.Duration
	logger     *log.Logger
}

// NewRedisStorage builds a storage over an existing Redis client. Keys
// are namespaced by cluster and builder id through prefix.
func NewRedisStorage(rdb *redis.Client, config *StorageConfig, nonces NonceManager, prefix string, keyTTL time.Duration, logger *log.Logger) *RedisStorage {
	if logger == nil {
		logger = log.New(log.Writer(), "[RedisBuilderStorage] ", log.LstdFlags)
	}
	if keyTTL <= 0 {
		keyTTL = time.Hour
	}
	if prefix == "" {
		prefix = "builder"
	}
	return &RedisStorage{
		rdb:        rdb,
		config:     config,
		nonces:     nonces,
		prefix:     prefix,
		instanceID: uuid.New().String(),
		keyTTL:     keyTTL,
		logger:     logger,
	}
}

func (s *RedisStorage) key(parts ...string) string {
	out := s.prefix
	for _, p := range parts {
		out += ":" + p
	}
	return out
}

func pipeKey(isRegistration bool) string {
	if isRegistration {
		return "reg"
	}
	return "nonreg"
}

// withLock runs fn under a named SET NX EX lock. Lock misses skip the
// section: another instance is already doing the work.
func (s *RedisStorage) withLock(ctx context.Context, name string, fn func(context.Context) error) error {
	key := s.key("lock", name)
	ok, err := s.rdb.SetNX(ctx, key, s.instanceID, lockTTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	defer func() {
		if err := s.rdb.Eval(ctx, redisReleaseScript, []string{key}, s.instanceID).Err(); err != nil {
			s.logger.Printf("Failed to release lock %s: %v", name, err)
		}
	}()
	return fn(ctx)
}

// ============================================================================
// ADMISSION STATE
// ============================================================================

// AddTx admits one request atomically via WATCH on the request list.
func (s *RedisStorage) AddTx(ctx context.Context, isRegistration bool, req *TxRequest) error {
	listKey := s.key("requests", pipeKey(isRegistration))
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("serialize request: %w", err)
	}

	txf := func(tx *redis.Tx) error {
		items, err := tx.LRange(ctx, listKey, 0, -1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if len(items) >= types.NumSendersInBlock {
			return ErrBlockIsFull
		}
		for _, item := range items {
			var existing TxRequest
			if err := json.Unmarshal([]byte(item), &existing); err != nil {
				continue
			}
			if existing.Pubkey.Eq(req.Pubkey) {
				return ErrOnlyOneSenderAllowed
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, listKey, raw)
			pipe.Expire(ctx, listKey, s.keyTTL)
			return nil
		})
		return err
	}
	for i := 0; i < 5; i++ {
		err := s.rdb.Watch(ctx, txf, listKey)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("add_tx: too many concurrent writers")
}

// CountTxRequests returns the pipeline's queue length.
func (s *RedisStorage) CountTxRequests(ctx context.Context, isRegistration bool) (int, error) {
	n, err := s.rdb.LLen(ctx, s.key("requests", pipeKey(isRegistration))).Result()
	return int(n), err
}

// IsPubkeyContained reports whether the pubkey is already queued.
func (s *RedisStorage) IsPubkeyContained(ctx context.Context, isRegistration bool, pubkey *types.U256) (bool, error) {
	items, err := s.rdb.LRange(ctx, s.key("requests", pipeKey(isRegistration)), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	for _, item := range items {
		var existing TxRequest
		if err := json.Unmarshal([]byte(item), &existing); err != nil {
			continue
		}
		if existing.Pubkey.Eq(pubkey) {
			return true, nil
		}
	}
	return false, nil
}

// IsAccepting reports whether the pipeline accepts new requests. The
// distributed builder has no pause state: it always accepts.
func (s *RedisStorage) IsAccepting(ctx context.Context, isRegistration bool) (bool, error) {
	return true, nil
}

// ============================================================================
// WINDOW CLOSE
// ============================================================================

// ProcessRequests closes the window under the pipeline's named lock.
func (s *RedisStorage) ProcessRequests(ctx context.Context, isRegistration bool) error {
	lockName := lockProcessNonRegistrationRequests
	if isRegistration {
		lockName = lockProcessRegistrationRequests
	}
	return s.withLock(ctx, lockName, func(ctx context.Context) error {
		listKey := s.key("requests", pipeKey(isRegistration))
		lastKey := s.key("last_processed", pipeKey(isRegistration))

		count, err := s.rdb.LLen(ctx, listKey).Result()
		if err != nil {
			return err
		}
		if count == 0 {
			return nil
		}
		lastProcessed, err := s.rdb.Get(ctx, lastKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if errors.Is(err, redis.Nil) {
			// First tick of this pipeline: start the window now instead
			// of closing immediately.
			s.rdb.Set(ctx, lastKey, time.Now().Unix(), s.keyTTL)
			if count < types.NumSendersInBlock {
				return nil
			}
		}
		if count < types.NumSendersInBlock &&
			time.Since(time.Unix(lastProcessed, 0)) < s.config.AcceptingTxInterval {
			return nil
		}

		n := count
		if n > types.NumSendersInBlock {
			n = types.NumSendersInBlock
		}
		var drained []*TxRequest
		for i := int64(0); i < n; i++ {
			item, err := s.rdb.LPop(ctx, listKey).Result()
			if errors.Is(err, redis.Nil) {
				break
			}
			if err != nil {
				return err
			}
			var req TxRequest
			if err := json.Unmarshal([]byte(item), &req); err != nil {
				s.logger.Printf("Dropping undecodable tx request: %v", err)
				continue
			}
			drained = append(drained, &req)
		}
		if len(drained) == 0 {
			return nil
		}

		nonce, err := s.nonces.Reserve(ctx, isRegistration)
		if err != nil {
			return err
		}
		memo, err := NewProposalMemo(isRegistration, s.config.BuilderAddress, nonce, drained, s.config.TxTimeout)
		if err != nil {
			return err
		}
		rawMemo, err := json.Marshal(memo)
		if err != nil {
			return err
		}

		pipe := s.rdb.TxPipeline()
		pipe.Set(ctx, s.key("memo", memo.BlockID), rawMemo, s.keyTTL)
		pipe.Set(ctx, s.key("memo_is_reg", memo.BlockID), boolStr(isRegistration), s.keyTTL)
		pipe.SAdd(ctx, s.key("open_memos"), memo.BlockID)
		pipe.Expire(ctx, s.key("open_memos"), s.keyTTL)
		for _, r := range drained {
			pipe.Set(ctx, s.key("request_block", r.RequestID), memo.BlockID, s.keyTTL)
		}
		pipe.Set(ctx, lastKey, time.Now().Unix(), s.keyTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		s.logger.Printf("Constructed proposal %s (registration=%v, senders=%d, nonce=%d)",
			memo.BlockID, isRegistration, len(drained), nonce)
		return nil
	})
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (s *RedisStorage) loadMemo(ctx context.Context, blockID string) (*ProposalMemo, error) {
	raw, err := s.rdb.Get(ctx, s.key("memo", blockID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var memo ProposalMemo
	if err := json.Unmarshal(raw, &memo); err != nil {
		return nil, err
	}
	return &memo, nil
}

// QueryProposal returns a sender's proposal, or nil while pending.
func (s *RedisStorage) QueryProposal(ctx context.Context, requestID string) (*BlockProposal, error) {
	blockID, err := s.rdb.Get(ctx, s.key("request_block", requestID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	memo, err := s.loadMemo(ctx, blockID)
	if err != nil || memo == nil {
		return nil, err
	}
	for i, r := range memo.TxRequests {
		if r.RequestID == requestID {
			return memo.Proposals[i], nil
		}
	}
	return nil, ErrTxRequestNotFound
}

// AddSignature verifies and appends a sender's signature.
func (s *RedisStorage) AddSignature(ctx context.Context, requestID string, signature *types.UserSignature) error {
	blockID, err := s.rdb.Get(ctx, s.key("request_block", requestID)).Result()
	if errors.Is(err, redis.Nil) {
		return ErrTxRequestNotFound
	}
	if err != nil {
		return err
	}
	memo, err := s.loadMemo(ctx, blockID)
	if err != nil {
		return err
	}
	if memo == nil {
		return ErrNotProposing
	}
	valid, verr := bls.VerifyUserSignature(signature, memo.SignPayload, memo.PubkeyHash)
	if verr != nil || !valid {
		return ErrInvalidSignature
	}
	raw, err := json.Marshal(signature)
	if err != nil {
		return err
	}
	// Dedup keeps the first signature per pubkey: a set keyed by pubkey
	// guards the list append.
	guard := s.key("signed", blockID)
	added, err := s.rdb.SAdd(ctx, guard, types.Bytes32FromU256(signature.Pubkey).Hex()).Result()
	if err != nil {
		return err
	}
	if added == 0 {
		return nil
	}
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, s.key("signatures", blockID), raw)
	pipe.Expire(ctx, s.key("signatures", blockID), s.keyTTL)
	pipe.Expire(ctx, guard, s.keyTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// ProcessSignatures closes aged memos under the shared named lock.
func (s *RedisStorage) ProcessSignatures(ctx context.Context) error {
	return s.withLock(ctx, lockProcessSignatures, func(ctx context.Context) error {
		blockIDs, err := s.rdb.SMembers(ctx, s.key("open_memos")).Result()
		if err != nil {
			return err
		}
		// Memos close in nonce order so the posting worker never sees a
		// higher nonce queued ahead of a lower one.
		memos := make(map[string]*ProposalMemo, len(blockIDs))
		for _, blockID := range blockIDs {
			memo, err := s.loadMemo(ctx, blockID)
			if err != nil {
				return err
			}
			if memo == nil {
				s.rdb.SRem(ctx, s.key("open_memos"), blockID)
				continue
			}
			memos[blockID] = memo
		}
		blockIDs = blockIDs[:0]
		for blockID := range memos {
			blockIDs = append(blockIDs, blockID)
		}
		sort.Slice(blockIDs, func(i, j int) bool {
			return memos[blockIDs[i]].SignPayload.BlockBuilderNonce <
				memos[blockIDs[j]].SignPayload.BlockBuilderNonce
		})
		for _, blockID := range blockIDs {
			memo := memos[blockID]
			if time.Since(memo.CreatedAt) < s.config.ProposingBlockInterval {
				continue
			}
			isRegistration, err := s.rdb.Get(ctx, s.key("memo_is_reg", blockID)).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			isReg := isRegistration == "1"

			rawSigs, err := s.rdb.LRange(ctx, s.key("signatures", blockID), 0, -1).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			var sigs []*types.UserSignature
			for _, raw := range rawSigs {
				var sig types.UserSignature
				if err := json.Unmarshal([]byte(raw), &sig); err != nil {
					continue
				}
				sigs = append(sigs, &sig)
			}

			if len(sigs) > 0 {
				task := postTaskFromMemo(memo, isReg, sigs)
				rawTask, err := json.Marshal(task)
				if err != nil {
					return err
				}
				pipe := s.rdb.TxPipeline()
				pipe.RPush(ctx, s.key("tasks_hi"), rawTask)
				pipe.Expire(ctx, s.key("tasks_hi"), s.keyTTL)
				if s.config.FeeCollectionEnabled {
					signed := make([]string, 0, len(sigs))
					for _, sig := range sigs {
						signed = append(signed, types.Bytes32FromU256(sig.Pubkey).Hex())
					}
					rawFee, err := json.Marshal(&FeeCollectionTask{
						BlockID:        blockID,
						IsRegistration: isReg,
						Memo:           memo,
						SignedPubkeys:  signed,
					})
					if err != nil {
						return err
					}
					pipe.RPush(ctx, s.key("fee_tasks"), rawFee)
					pipe.Expire(ctx, s.key("fee_tasks"), s.keyTTL)
				}
				if _, err := pipe.Exec(ctx); err != nil {
					return err
				}
				s.logger.Printf("Closed signatures for %s (%d signatures)", blockID, len(sigs))
			} else {
				s.nonces.Release(ctx, isReg, memo.SignPayload.BlockBuilderNonce)
				s.logger.Printf("Dropped proposal %s without signatures", blockID)
			}

			pipe := s.rdb.TxPipeline()
			pipe.SRem(ctx, s.key("open_memos"), blockID)
			pipe.Del(ctx, s.key("memo", blockID))
			pipe.Del(ctx, s.key("memo_is_reg", blockID))
			pipe.Del(ctx, s.key("signatures", blockID))
			pipe.Del(ctx, s.key("signed", blockID))
			for _, r := range memo.TxRequests {
				pipe.Del(ctx, s.key("request_block", r.RequestID))
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}

// ============================================================================
// TASK QUEUES
// ============================================================================

// EnqueueEmptyBlock pushes a deposit-flush task under its named lock.
func (s *RedisStorage) EnqueueEmptyBlock(ctx context.Context) error {
	return s.withLock(ctx, lockEnqueueEmptyBlock, func(ctx context.Context) error {
		postedAt, err := s.rdb.Get(ctx, s.key("empty_block_posted_at")).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if time.Since(time.Unix(postedAt, 0)) < s.config.DepositCheckInterval {
			return nil
		}
		raw, err := json.Marshal(EmptyBlockPostTask(false))
		if err != nil {
			return err
		}
		pipe := s.rdb.TxPipeline()
		pipe.RPush(ctx, s.key("tasks_lo"), raw)
		pipe.Expire(ctx, s.key("tasks_lo"), s.keyTTL)
		pipe.Set(ctx, s.key("empty_block_posted_at"), time.Now().Unix(), s.keyTTL)
		_, err = pipe.Exec(ctx)
		return err
	})
}

// EnqueueLowPriority pushes a task onto the low-priority queue.
func (s *RedisStorage) EnqueueLowPriority(ctx context.Context, task *BlockPostTask) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, s.key("tasks_lo"), raw)
	pipe.Expire(ctx, s.key("tasks_lo"), s.keyTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// PeekHighPriority returns the head of the high-priority queue.
func (s *RedisStorage) PeekHighPriority(ctx context.Context) (*BlockPostTask, bool, error) {
	raw, err := s.rdb.LIndex(ctx, s.key("tasks_hi"), 0).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var task BlockPostTask
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, false, err
	}
	return &task, true, nil
}

// DequeueHighPriority pops the head of the high-priority queue.
func (s *RedisStorage) DequeueHighPriority(ctx context.Context) (*BlockPostTask, bool, error) {
	raw, err := s.rdb.LPop(ctx, s.key("tasks_hi")).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var task BlockPostTask
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, false, err
	}
	return &task, true, nil
}

// DequeueLowPriority pops a low-priority task with BLPOP.
func (s *RedisStorage) DequeueLowPriority(ctx context.Context, timeout time.Duration) (*BlockPostTask, bool, error) {
	res, err := s.rdb.BLPop(ctx, timeout, s.key("tasks_lo")).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if len(res) != 2 {
		return nil, false, nil
	}
	var task BlockPostTask
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return nil, false, err
	}
	return &task, true, nil
}

// DequeueFeeCollection pops one fee-collection task under its named lock.
func (s *RedisStorage) DequeueFeeCollection(ctx context.Context) (*FeeCollectionTask, bool, error) {
	var task *FeeCollectionTask
	err := s.withLock(ctx, lockProcessFeeCollection, func(ctx context.Context) error {
		raw, err := s.rdb.LPop(ctx, s.key("fee_tasks")).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var t FeeCollectionTask
		if err := json.Unmarshal(raw, &t); err != nil {
			return err
		}
		task = &t
		return nil
	})
	return task, task != nil, err
}

// Reset clears a pipeline's request queue.
func (s *RedisStorage) Reset(ctx context.Context, isRegistration bool) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.key("requests", pipeKey(isRegistration)))
	pipe.Set(ctx, s.key("last_processed", pipeKey(isRegistration)), time.Now().Unix(), s.keyTTL)
	_, err := pipe.Exec(ctx)
	return err
}
