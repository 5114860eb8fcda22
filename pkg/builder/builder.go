// Copyright 2025 Intmax Protocol
//
// Block Builder - admits user tx requests, closes proposal windows,
// collects BLS signatures and posts signed blocks to the rollup contract.
//
// Two independent pipelines (registration / non-registration) take each
// request window through the same stages: admission, window close into a
// proposal, signature collection and posting. The stages run as timed
// loops over the storage; a pipeline stores no stage value, only an
// accepting flag that stays set. Posting preserves per-pipeline nonce
// order: the head
// of the high-priority queue is only taken when its nonce is the
// smallest outstanding reservation.

package builder

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/InternetMaximalism/intmax2-core/pkg/bls"
	"github.com/InternetMaximalism/intmax2-core/pkg/fee"
	"github.com/InternetMaximalism/intmax2-core/pkg/prover"
	"github.com/InternetMaximalism/intmax2-core/pkg/rollup"
	"github.com/InternetMaximalism/intmax2-core/pkg/types"
)

// ValidityProverClient is the builder's view of the validity prover.
type ValidityProverClient interface {
	GetAccountInfo(ctx context.Context, pubkey *types.U256) (*prover.AccountInfo, error)
}

// Config tunes the builder loops.
type Config struct {
	AcceptingTxInterval    time.Duration
	ProposingBlockInterval time.Duration
	TxTimeout              time.Duration
	NonceWaitingTime       time.Duration
	DepositCheckInterval   time.Duration
	HeartBeatInterval      time.Duration
	InitialHeartBeatDelay  time.Duration
	HeartBeatURL           string
	EmptyBlockEnabled      bool

	Beneficiary        *types.U256
	BuilderAddress     common.Address
	RegistrationFee    fee.FeeList
	NonRegistrationFee fee.FeeList
	CollateralFee      fee.FeeList

	Logger *log.Logger
}

// DefaultConfig returns builder defaults matching the protocol timings.
func DefaultConfig() *Config {
	return &Config{
		AcceptingTxInterval:    40 * time.Second,
		ProposingBlockInterval: 10 * time.Second,
		TxTimeout:              80 * time.Second,
		NonceWaitingTime:       5 * time.Second,
		DepositCheckInterval:   10 * time.Minute,
		HeartBeatInterval:      time.Hour,
		InitialHeartBeatDelay:  time.Minute,
		Logger:                 log.New(log.Writer(), "[BlockBuilder] ", log.LstdFlags),
	}
}

// BlockBuilder orchestrates the two pipelines over a storage backend.
type BlockBuilder struct {
	config   *Config
	storage  Storage
	nonces   NonceManager
	rollup   rollup.RollupContract
	prover   ValidityProverClient
	fees     *fee.Validator
	logger   *log.Logger

	postedBlocks  *prometheus.CounterVec
	admittedTxs   *prometheus.CounterVec
}

// New wires a block builder.
func New(cfg *Config, storage Storage, nonces NonceManager, rollupContract rollup.RollupContract, proverClient ValidityProverClient, feeValidator *fee.Validator) *BlockBuilder {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[BlockBuilder] ", log.LstdFlags)
	}
	return &BlockBuilder{
		config:  cfg,
		storage: storage,
		nonces:  nonces,
		rollup:  rollupContract,
		prover:  proverClient,
		fees:    feeValidator,
		logger:  cfg.Logger,
		postedBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "block_builder_posted_blocks_total",
			Help: "Blocks posted on chain per pipeline",
		}, []string{"pipeline"}),
		admittedTxs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "block_builder_admitted_txs_total",
			Help: "Admitted tx requests per pipeline",
		}, []string{"pipeline"}),
	}
}

// Collectors returns the builder's prometheus collectors.
func (b *BlockBuilder) Collectors() []prometheus.Collector {
	return []prometheus.Collector{b.postedBlocks, b.admittedTxs}
}

func pipelineLabel(isRegistration bool) string {
	if isRegistration {
		return "registration"
	}
	return "non_registration"
}

// ============================================================================
// ADMISSION
// ============================================================================

// SendTxRequest admits one request. Cheap checks run first against the
// storage, the prover round-trip happens outside any lock, and the
// storage re-validates everything atomically on insert.
func (b *BlockBuilder) SendTxRequest(ctx context.Context, isRegistration bool, req *TxRequest) error {
	// Pre-checks: fail fast before the expensive round-trips.
	accepting, err := b.storage.IsAccepting(ctx, isRegistration)
	if err != nil {
		return err
	}
	if !accepting {
		return ErrNotAccepting
	}
	count, err := b.storage.CountTxRequests(ctx, isRegistration)
	if err != nil {
		return err
	}
	if count >= types.NumSendersInBlock {
		return ErrBlockIsFull
	}
	contained, err := b.storage.IsPubkeyContained(ctx, isRegistration, req.Pubkey)
	if err != nil {
		return err
	}
	if contained {
		return ErrOnlyOneSenderAllowed
	}

	// Account checks against the prover, which must be at the rollup head.
	rollupBlock, err := b.rollup.GetLatestBlockNumber(ctx)
	if err != nil {
		return err
	}
	info, err := b.prover.GetAccountInfo(ctx, req.Pubkey)
	if err != nil {
		return err
	}
	if info.BlockNumber != rollupBlock {
		return &ValidityProverNotSyncedError{RollupBlock: rollupBlock, ProverBlock: info.BlockNumber}
	}
	if isRegistration {
		if info.IsRegistered {
			return &AccountAlreadyRegisteredError{
				Pubkey:    req.Pubkey.Hex(),
				AccountID: info.AccountID,
			}
		}
	} else {
		if !info.IsRegistered {
			return &AccountNotFoundError{Pubkey: req.Pubkey.Hex()}
		}
		req.AccountID = info.AccountID
	}

	// Optional fee proof.
	if b.fees != nil {
		requiredFee := b.requiredFee(isRegistration, req.FeeProof)
		collateralFee := b.collateralFee(req.FeeProof)
		if err := b.fees.ValidateFeeProof(ctx, b.config.Beneficiary, requiredFee, collateralFee,
			req.Pubkey, isRegistration, b.config.BuilderAddress, req.FeeProof); err != nil {
			return err
		}
	}

	// The storage re-checks the window invariants under its own lock.
	if err := b.storage.AddTx(ctx, isRegistration, req); err != nil {
		return err
	}
	b.admittedTxs.WithLabelValues(pipelineLabel(isRegistration)).Inc()
	return nil
}

func (b *BlockBuilder) requiredFee(isRegistration bool, proof *fee.FeeProof) *fee.Fee {
	schedule := b.config.NonRegistrationFee
	if isRegistration {
		schedule = b.config.RegistrationFee
	}
	if len(schedule) == 0 {
		return nil
	}
	if proof != nil && proof.FeeTransferWitness != nil {
		if f, ok := schedule.FindByToken(proof.FeeTransferWitness.Transfer.TokenIndex); ok {
			return f
		}
	}
	return &schedule[0]
}

func (b *BlockBuilder) collateralFee(proof *fee.FeeProof) *fee.Fee {
	if len(b.config.CollateralFee) == 0 || proof == nil || proof.CollateralBlock == nil {
		return nil
	}
	witness := proof.CollateralBlock.FeeTransferWitness
	if witness != nil {
		if f, ok := b.config.CollateralFee.FindByToken(witness.Transfer.TokenIndex); ok {
			return f
		}
	}
	return &b.config.CollateralFee[0]
}

// QueryProposal returns the proposal for a request, nil while pending.
func (b *BlockBuilder) QueryProposal(ctx context.Context, requestID string) (*BlockProposal, error) {
	return b.storage.QueryProposal(ctx, requestID)
}

// PostSignature verifies and stores a sender's signature. An unknown
// request id is rejected with ErrTxRequestNotFound.
func (b *BlockBuilder) PostSignature(ctx context.Context, requestID string, signature *types.UserSignature) error {
	return b.storage.AddSignature(ctx, requestID, signature)
}

// ============================================================================
// POSTING
// ============================================================================

// PostNextBlock runs one posting-worker iteration: the high-priority head
// posts only when its nonce is the smallest outstanding reservation; the
// low-priority queue drains while the high queue is empty.
func (b *BlockBuilder) PostNextBlock(ctx context.Context) (bool, error) {
	head, ok, err := b.storage.PeekHighPriority(ctx)
	if err != nil {
		return false, err
	}
	if ok {
		smallest, reserved, err := b.nonces.SmallestReserved(ctx, head.IsRegistration)
		if err != nil {
			return false, err
		}
		if reserved && head.BlockBuilderNonce != smallest {
			// A lower nonce is still in flight; keep order.
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(b.config.NonceWaitingTime):
			}
			return false, nil
		}
		task, _, err := b.storage.DequeueHighPriority(ctx)
		if err != nil {
			return false, err
		}
		if err := b.postTask(ctx, task); err != nil {
			b.nonces.Release(ctx, task.IsRegistration, task.BlockBuilderNonce)
			return false, err
		}
		b.nonces.Release(ctx, task.IsRegistration, task.BlockBuilderNonce)
		return true, nil
	}

	task, ok, err := b.storage.DequeueLowPriority(ctx, b.config.NonceWaitingTime)
	if err != nil || !ok {
		return false, err
	}
	// Empty and collateral blocks reserve their nonce at posting time.
	nonce, err := b.nonces.Reserve(ctx, task.IsRegistration)
	if err != nil {
		return false, err
	}
	task.BlockBuilderNonce = nonce
	if len(task.Signatures) == 0 {
		// Collateral blocks keep the nonce the sender signed over (zero);
		// only unsigned empty blocks adopt the reserved nonce.
		task.SignPayload.BlockBuilderNonce = nonce
	}
	if err := b.postTask(ctx, task); err != nil {
		b.nonces.Release(ctx, task.IsRegistration, nonce)
		return false, err
	}
	b.nonces.Release(ctx, task.IsRegistration, nonce)
	return true, nil
}

func (b *BlockBuilder) postTask(ctx context.Context, task *BlockPostTask) error {
	var aggPub, aggSig, msgPoint []byte
	senderFlag := types.Bytes32{}
	if len(task.Signatures) > 0 {
		var err error
		aggPub, aggSig, msgPoint, err = bls.AggregateBlockSignatures(task.Signatures, task.SignPayload, task.PubkeyHash)
		if err != nil {
			return err
		}
		senderFlag = b.senderFlag(task)
	}

	if task.IsRegistration {
		_, err := b.rollup.PostRegistrationBlock(ctx, &rollup.RegistrationBlockInput{
			TxTreeRoot:          task.SignPayload.TxTreeRoot,
			Expiry:              task.SignPayload.Expiry,
			BlockBuilderNonce:   task.BlockBuilderNonce,
			SenderFlag:          senderFlag,
			AggregatedPubkey:    aggPub,
			AggregatedSignature: aggSig,
			MessagePoint:        msgPoint,
			Pubkeys:             task.Pubkeys,
		})
		if err != nil {
			return err
		}
	} else {
		packed, err := types.PackAccountIDs(task.AccountIDs)
		if err != nil {
			return err
		}
		_, err = b.rollup.PostNonRegistrationBlock(ctx, &rollup.NonRegistrationBlockInput{
			TxTreeRoot:          task.SignPayload.TxTreeRoot,
			Expiry:              task.SignPayload.Expiry,
			BlockBuilderNonce:   task.BlockBuilderNonce,
			SenderFlag:          senderFlag,
			AggregatedPubkey:    aggPub,
			AggregatedSignature: aggSig,
			MessagePoint:        msgPoint,
			PubkeyHash:          task.PubkeyHash,
			PackedAccountIDs:    packed,
		})
		if err != nil {
			return err
		}
	}
	b.postedBlocks.WithLabelValues(pipelineLabel(task.IsRegistration)).Inc()
	b.logger.Printf("Posted block %s (registration=%v, nonce=%d, signatures=%d)",
		task.BlockID, task.IsRegistration, task.BlockBuilderNonce, len(task.Signatures))
	return nil
}

// senderFlag sets bit i iff sender i returned a signature.
func (b *BlockBuilder) senderFlag(task *BlockPostTask) types.Bytes32 {
	var flag types.Bytes32
	signed := make(map[string]bool, len(task.Signatures))
	for _, sig := range task.Signatures {
		signed[types.Bytes32FromU256(sig.Pubkey).Hex()] = true
	}
	for i, pk := range task.Pubkeys {
		if i >= types.NumSendersInBlock {
			break
		}
		if signed[types.Bytes32FromU256(pk).Hex()] {
			flag[i/8] |= 1 << (7 - uint(i)%8)
		}
	}
	return flag
}

// ============================================================================
// FEE COLLECTION
// ============================================================================

// ProcessFeeCollection settles one pending fee-collection task: signers'
// fee transfers go to the beneficiary's vault topic, non-signers'
// collateral blocks go to the low-priority queue.
func (b *BlockBuilder) ProcessFeeCollection(ctx context.Context) error {
	if b.fees == nil {
		return nil
	}
	task, ok, err := b.storage.DequeueFeeCollection(ctx)
	if err != nil || !ok {
		return err
	}
	signed := make(map[string]bool, len(task.SignedPubkeys))
	for _, pk := range task.SignedPubkeys {
		signed[pk] = true
	}
	senders := make([]*fee.SenderFee, 0, len(task.Memo.TxRequests))
	for _, r := range task.Memo.TxRequests {
		senders = append(senders, &fee.SenderFee{Pubkey: r.Pubkey, FeeProof: r.FeeProof})
	}
	collaterals, err := b.fees.CollectFees(ctx, b.config.Beneficiary, senders, signed)
	if err != nil {
		return err
	}
	for _, cb := range collaterals {
		sig := cb.Signature
		b.storage.EnqueueLowPriority(ctx, &BlockPostTask{
			IsRegistration: task.IsRegistration,
			SignPayload: &types.BlockSignPayload{
				IsRegistrationBlock: task.IsRegistration,
				TxTreeRoot:          types.MerkleRootFromLeaves(types.TxTreeHeight, []types.Bytes32{cb.FeeTransferWitness.Tx.Hash()}),
				Expiry:              cb.Expiry,
				BlockBuilderAddress: b.config.BuilderAddress,
			},
			Pubkeys:    types.PaddedPubkeys([]*types.U256{sig.Pubkey}),
			PubkeyHash: types.PubkeyHash([]*types.U256{sig.Pubkey}),
			Signatures: []*types.UserSignature{sig},
		})
	}
	return nil
}

// ============================================================================
// LOOPS
// ============================================================================

// cycle runs one pipeline pass; any error resets the pipeline.
func (b *BlockBuilder) cycle(ctx context.Context, isRegistration bool) {
	if err := b.storage.ProcessRequests(ctx, isRegistration); err != nil {
		b.logger.Printf("process_requests (registration=%v) failed: %v; resetting pipeline", isRegistration, err)
		b.storage.Reset(ctx, isRegistration)
	}
}

// Run spawns every builder loop.
func (b *BlockBuilder) Run(ctx context.Context) {
	tick := time.Second

	// Window-close loops, one per pipeline.
	for _, isRegistration := range []bool{true, false} {
		isRegistration := isRegistration
		go b.loop(ctx, tick, func(ctx context.Context) { b.cycle(ctx, isRegistration) })
	}

	// Signature close loop.
	go b.loop(ctx, tick, func(ctx context.Context) {
		if err := b.storage.ProcessSignatures(ctx); err != nil {
			b.logger.Printf("process_signatures failed: %v", err)
		}
	})

	// Posting worker.
	go b.loop(ctx, tick, func(ctx context.Context) {
		if _, err := b.PostNextBlock(ctx); err != nil {
			b.logger.Printf("post_block failed: %v", err)
		}
	})

	// Fee collection worker.
	go b.loop(ctx, tick, func(ctx context.Context) {
		if err := b.ProcessFeeCollection(ctx); err != nil {
			b.logger.Printf("fee_collection failed: %v", err)
		}
	})

	// Empty-block loop with jittered interval.
	if b.config.EmptyBlockEnabled {
		go b.emptyBlockLoop(ctx)
	}

	// On-chain heartbeat.
	if b.config.HeartBeatInterval > 0 {
		go b.heartBeatLoop(ctx)
	}

	b.logger.Println("Block builder started")
}

func (b *BlockBuilder) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// emptyBlockLoop pushes a deposit-flush task at random intervals in
// [0.5, 1.5] x DepositCheckInterval.
func (b *BlockBuilder) emptyBlockLoop(ctx context.Context) {
	for {
		base := b.config.DepositCheckInterval
		jittered := base/2 + time.Duration(rand.Int63n(int64(base)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(jittered):
			if err := b.storage.EnqueueEmptyBlock(ctx); err != nil {
				b.logger.Printf("enqueue_empty_block failed: %v", err)
			}
		}
	}
}

func (b *BlockBuilder) heartBeatLoop(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(b.config.InitialHeartBeatDelay):
	}
	ticker := time.NewTicker(b.config.HeartBeatInterval)
	defer ticker.Stop()
	for {
		if err := b.rollup.EmitHeartBeat(ctx, b.config.HeartBeatURL); err != nil {
			b.logger.Printf("heart beat failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
