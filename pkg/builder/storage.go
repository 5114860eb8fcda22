// Copyright 2025 Intmax Protocol
//
// Builder storage - pipeline queues, proposal memos and signatures.
//
// Two implementations share this interface: the in-memory storage below
// for single-instance builders, and the Redis storage for the
// distributed variant. The builder orchestration is identical over both.

package builder

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/InternetMaximalism/intmax2-core/pkg/bls"
	"github.com/InternetMaximalism/intmax2-core/pkg/types"
)

// StorageConfig tunes the request and signature windows.
type StorageConfig struct {
	AcceptingTxInterval    time.Duration
	ProposingBlockInterval time.Duration
	TxTimeout              time.Duration
	DepositCheckInterval   time.Duration
	BuilderAddress         common.Address
	FeeCollectionEnabled   bool
}

// Storage is the builder's state backend.
type Storage interface {
	// AddTx admits one request after re-validating the window invariants.
	AddTx(ctx context.Context, isRegistration bool, req *TxRequest) error
	// CountTxRequests returns the pipeline's queue length.
	CountTxRequests(ctx context.Context, isRegistration bool) (int, error)
	// IsPubkeyContained reports whether the pubkey is already queued.
	IsPubkeyContained(ctx context.Context, isRegistration bool, pubkey *types.U256) (bool, error)
	// IsAccepting reports whether the pipeline accepts new requests.
	IsAccepting(ctx context.Context, isRegistration bool) (bool, error)

	// ProcessRequests closes the window when full or aged and builds the
	// proposal memo.
	ProcessRequests(ctx context.Context, isRegistration bool) error
	// QueryProposal returns a sender's proposal, or nil while pending.
	QueryProposal(ctx context.Context, requestID string) (*BlockProposal, error)
	// AddSignature verifies and appends a sender's signature; duplicates
	// from the same pubkey keep the first.
	AddSignature(ctx context.Context, requestID string, signature *types.UserSignature) error
	// ProcessSignatures turns aged memos with >= 1 signature into post
	// tasks and drops the memos.
	ProcessSignatures(ctx context.Context) error

	// EnqueueEmptyBlock pushes a deposit-flush task if the pacing allows.
	EnqueueEmptyBlock(ctx context.Context) error
	// EnqueueLowPriority pushes a task (collateral blocks) onto the low
	// priority queue.
	EnqueueLowPriority(ctx context.Context, task *BlockPostTask) error

	// PeekHighPriority returns the head of the high-priority queue.
	PeekHighPriority(ctx context.Context) (*BlockPostTask, bool, error)
	// DequeueHighPriority pops the head of the high-priority queue.
	DequeueHighPriority(ctx context.Context) (*BlockPostTask, bool, error)
	// DequeueLowPriority pops a low-priority task, waiting up to timeout.
	DequeueLowPriority(ctx context.Context, timeout time.Duration) (*BlockPostTask, bool, error)
	// DequeueFeeCollection pops one pending fee-collection task.
	DequeueFeeCollection(ctx context.Context) (*FeeCollectionTask, bool, error)

	// Reset clears a pipeline back to accepting after a cycle error.
	Reset(ctx context.Context, isRegistration bool) error
}

// ============================================================================
// IN-MEMORY STORAGE
// ============================================================================

type pipelineState struct {
	requests      []*TxRequest
	lastProcessed time.Time
	accepting     bool
}

// InMemoryStorage keeps the whole builder state in process memory.
type InMemoryStorage struct {
	mu     sync.Mutex
	config *StorageConfig
	nonces NonceManager
	logger *log.Logger

	pipelines map[bool]*pipelineState

	requestToBlock map[string]string
	memos          map[string]*ProposalMemo
	memoIsReg      map[string]bool
	signatures     map[string][]*types.UserSignature

	tasksHi  []*BlockPostTask
	tasksLo  []*BlockPostTask
	feeTasks []*FeeCollectionTask

	emptyBlockPostedAt time.Time
}

// NewInMemoryStorage builds an empty storage. Both pipelines start
// accepting, with the window clock at construction time.
func NewInMemoryStorage(config *StorageConfig, nonces NonceManager, logger *log.Logger) *InMemoryStorage {
	if logger == nil {
		logger = log.New(log.Writer(), "[BuilderStorage] ", log.LstdFlags)
	}
	now := time.Now()
	return &InMemoryStorage{
		config: config,
		nonces: nonces,
		logger: logger,
		pipelines: map[bool]*pipelineState{
			true:  {lastProcessed: now, accepting: true},
			false: {lastProcessed: now, accepting: true},
		},
		requestToBlock: make(map[string]string),
		memos:          make(map[string]*ProposalMemo),
		memoIsReg:      make(map[string]bool),
		signatures:     make(map[string][]*types.UserSignature),
	}
}

// AddTx admits one request after re-validating the window invariants.
func (s *InMemoryStorage) AddTx(ctx context.Context, isRegistration bool, req *TxRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pipelines[isRegistration]
	if !p.accepting {
		return ErrNotAccepting
	}
	if len(p.requests) >= types.NumSendersInBlock {
		return ErrBlockIsFull
	}
	for _, r := range p.requests {
		if r.Pubkey.Eq(req.Pubkey) {
			return ErrOnlyOneSenderAllowed
		}
	}
	p.requests = append(p.requests, req)
	return nil
}

// CountTxRequests returns the pipeline's queue length.
func (s *InMemoryStorage) CountTxRequests(ctx context.Context, isRegistration bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pipelines[isRegistration].requests), nil
}

// IsPubkeyContained reports whether the pubkey is already queued.
func (s *InMemoryStorage) IsPubkeyContained(ctx context.Context, isRegistration bool, pubkey *types.U256) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.pipelines[isRegistration].requests {
		if r.Pubkey.Eq(pubkey) {
			return true, nil
		}
	}
	return false, nil
}

// IsAccepting reports whether the pipeline accepts new requests.
func (s *InMemoryStorage) IsAccepting(ctx context.Context, isRegistration bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipelines[isRegistration].accepting, nil
}

// ProcessRequests closes the window when full or aged. Requests drain in
// FIFO order, at most NumSendersInBlock per memo.
func (s *InMemoryStorage) ProcessRequests(ctx context.Context, isRegistration bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pipelines[isRegistration]

	if len(p.requests) == 0 {
		return nil
	}
	if len(p.requests) < types.NumSendersInBlock &&
		time.Since(p.lastProcessed) < s.config.AcceptingTxInterval {
		return nil
	}

	n := len(p.requests)
	if n > types.NumSendersInBlock {
		n = types.NumSendersInBlock
	}
	drained := p.requests[:n]
	p.requests = append([]*TxRequest(nil), p.requests[n:]...)

	nonce, err := s.nonces.Reserve(ctx, isRegistration)
	if err != nil {
		return err
	}
	memo, err := NewProposalMemo(isRegistration, s.config.BuilderAddress, nonce, drained, s.config.TxTimeout)
	if err != nil {
		return err
	}
	for _, r := range drained {
		s.requestToBlock[r.RequestID] = memo.BlockID
	}
	s.memos[memo.BlockID] = memo
	s.memoIsReg[memo.BlockID] = isRegistration
	p.lastProcessed = time.Now()

	s.logger.Printf("Constructed proposal %s (registration=%v, senders=%d, nonce=%d)",
		memo.BlockID, isRegistration, len(drained), nonce)
	return nil
}

// QueryProposal returns a sender's proposal, or nil while pending.
func (s *InMemoryStorage) QueryProposal(ctx context.Context, requestID string) (*BlockProposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blockID, ok := s.requestToBlock[requestID]
	if !ok {
		return nil, nil
	}
	memo, ok := s.memos[blockID]
	if !ok {
		return nil, nil
	}
	for i, r := range memo.TxRequests {
		if r.RequestID == requestID {
			return memo.Proposals[i], nil
		}
	}
	return nil, ErrTxRequestNotFound
}

// AddSignature verifies and appends a sender's signature. An unknown
// request id is rejected; duplicates from the same pubkey keep the first.
func (s *InMemoryStorage) AddSignature(ctx context.Context, requestID string, signature *types.UserSignature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	blockID, ok := s.requestToBlock[requestID]
	if !ok {
		return ErrTxRequestNotFound
	}
	memo, ok := s.memos[blockID]
	if !ok {
		return ErrNotProposing
	}
	valid, err := bls.VerifyUserSignature(signature, memo.SignPayload, memo.PubkeyHash)
	if err != nil || !valid {
		return ErrInvalidSignature
	}
	for _, existing := range s.signatures[blockID] {
		if existing.Pubkey.Eq(signature.Pubkey) {
			return nil
		}
	}
	s.signatures[blockID] = append(s.signatures[blockID], signature)
	return nil
}

// ProcessSignatures turns aged memos with at least one signature into
// high-priority post tasks (plus a fee-collection task when enabled) and
// drops the memos.
func (s *InMemoryStorage) ProcessSignatures(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Memos close in nonce order so the posting worker never sees a
	// higher nonce queued ahead of a lower one.
	blockIDs := make([]string, 0, len(s.memos))
	for blockID := range s.memos {
		blockIDs = append(blockIDs, blockID)
	}
	sort.Slice(blockIDs, func(i, j int) bool {
		return s.memos[blockIDs[i]].SignPayload.BlockBuilderNonce <
			s.memos[blockIDs[j]].SignPayload.BlockBuilderNonce
	})
	for _, blockID := range blockIDs {
		memo := s.memos[blockID]
		if time.Since(memo.CreatedAt) < s.config.ProposingBlockInterval {
			continue
		}
		sigs := s.signatures[blockID]
		isRegistration := s.memoIsReg[blockID]
		if len(sigs) > 0 {
			task := postTaskFromMemo(memo, isRegistration, sigs)
			s.tasksHi = append(s.tasksHi, task)
			if s.config.FeeCollectionEnabled {
				signed := make([]string, 0, len(sigs))
				for _, sig := range sigs {
					signed = append(signed, types.Bytes32FromU256(sig.Pubkey).Hex())
				}
				s.feeTasks = append(s.feeTasks, &FeeCollectionTask{
					BlockID:        blockID,
					IsRegistration: isRegistration,
					Memo:           memo,
					SignedPubkeys:  signed,
				})
			}
			s.logger.Printf("Closed signatures for %s (%d signatures)", blockID, len(sigs))
		} else {
			// Nobody signed: the reserved nonce must not block the queue.
			s.nonces.Release(ctx, isRegistration, memo.SignPayload.BlockBuilderNonce)
			s.logger.Printf("Dropped proposal %s without signatures", blockID)
		}
		delete(s.memos, blockID)
		delete(s.memoIsReg, blockID)
		delete(s.signatures, blockID)
		for _, r := range memo.TxRequests {
			delete(s.requestToBlock, r.RequestID)
		}
	}
	return nil
}

func postTaskFromMemo(memo *ProposalMemo, isRegistration bool, sigs []*types.UserSignature) *BlockPostTask {
	task := &BlockPostTask{
		IsRegistration:    isRegistration,
		SignPayload:       memo.SignPayload,
		Pubkeys:           memo.Pubkeys,
		PubkeyHash:        memo.PubkeyHash,
		Signatures:        sigs,
		BlockBuilderNonce: memo.SignPayload.BlockBuilderNonce,
		BlockID:           memo.BlockID,
	}
	if !isRegistration {
		ids := make([]uint64, 0, len(memo.TxRequests))
		for _, r := range memo.TxRequests {
			ids = append(ids, r.AccountID)
		}
		task.AccountIDs = ids
	}
	return task
}

// EnqueueEmptyBlock pushes a deposit-flush task if the pacing allows.
func (s *InMemoryStorage) EnqueueEmptyBlock(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.emptyBlockPostedAt) < s.config.DepositCheckInterval {
		return nil
	}
	s.tasksLo = append(s.tasksLo, EmptyBlockPostTask(false))
	s.emptyBlockPostedAt = time.Now()
	return nil
}

// EnqueueLowPriority pushes a task onto the low-priority queue.
func (s *InMemoryStorage) EnqueueLowPriority(ctx context.Context, task *BlockPostTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasksLo = append(s.tasksLo, task)
	return nil
}

// PeekHighPriority returns the head of the high-priority queue.
func (s *InMemoryStorage) PeekHighPriority(ctx context.Context) (*BlockPostTask, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasksHi) == 0 {
		return nil, false, nil
	}
	return s.tasksHi[0], true, nil
}

// DequeueHighPriority pops the head of the high-priority queue.
func (s *InMemoryStorage) DequeueHighPriority(ctx context.Context) (*BlockPostTask, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasksHi) == 0 {
		return nil, false, nil
	}
	task := s.tasksHi[0]
	s.tasksHi = s.tasksHi[1:]
	return task, true, nil
}

// DequeueLowPriority pops a low-priority task, polling up to timeout.
func (s *InMemoryStorage) DequeueLowPriority(ctx context.Context, timeout time.Duration) (*BlockPostTask, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		if len(s.tasksLo) > 0 {
			task := s.tasksLo[0]
			s.tasksLo = s.tasksLo[1:]
			s.mu.Unlock()
			return task, true, nil
		}
		s.mu.Unlock()
		if time.Now().After(deadline) {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// DequeueFeeCollection pops one pending fee-collection task.
func (s *InMemoryStorage) DequeueFeeCollection(ctx context.Context) (*FeeCollectionTask, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.feeTasks) == 0 {
		return nil, false, nil
	}
	task := s.feeTasks[0]
	s.feeTasks = s.feeTasks[1:]
	return task, true, nil
}

// Reset clears a pipeline back to accepting after a cycle error.
func (s *InMemoryStorage) Reset(ctx context.Context, isRegistration bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pipelines[isRegistration]
	p.requests = nil
	p.accepting = true
	p.lastProcessed = time.Now()
	return nil
}
