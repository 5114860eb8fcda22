// Copyright 2025 Intmax Protocol
//
// Validity Prover - rolls the global trees forward to match the observer,
// emits one transition-proof task per block, and folds completed results
// into a single recursive validity proof.
//
// Every job acquires leadership before mutating anything, so any number
// of replicas can run; followers no-op.

package prover

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/InternetMaximalism/intmax2-core/pkg/bls"
	"github.com/InternetMaximalism/intmax2-core/pkg/circuits"
	"github.com/InternetMaximalism/intmax2-core/pkg/rollup"
	"github.com/InternetMaximalism/intmax2-core/pkg/taskqueue"
	"github.com/InternetMaximalism/intmax2-core/pkg/trees"
	"github.com/InternetMaximalism/intmax2-core/pkg/types"
)

// Election gates leader-only work. taskqueue.LeaderElection implements it;
// single-process deployments use NoopElection.
type Election interface {
	WaitForLeadership(ctx context.Context) error
}

// NoopElection always wins.
type NoopElection struct{}

// WaitForLeadership returns immediately.
func (NoopElection) WaitForLeadership(ctx context.Context) error { return nil }

// BlockSource is the slice of the observer's event log the prover reads.
type BlockSource interface {
	GetFullBlock(ctx context.Context, blockNumber uint32) (*rollup.FullBlockWithMeta, error)
	LastBlockNumber(ctx context.Context) (uint32, error)
	GetDepositLeafEvents(ctx context.Context, fromIndex, toIndex uint32) ([]*types.DepositLeafInsertedEvent, error)
	LastDepositIndex(ctx context.Context) (uint32, bool, error)
}

// StateStore is the slice of the prover repository the jobs drive.
type StateStore interface {
	LastSyncedBlockNumber(ctx context.Context) (uint32, error)
	SaveValidityWitness(ctx context.Context, blockNumber uint32, witness *ValidityWitness) error
	GetValidityWitness(ctx context.Context, blockNumber uint32) (*ValidityWitness, error)
	DeleteWitnessesFrom(ctx context.Context, blockNumber uint32) error
	SaveValidityProof(ctx context.Context, blockNumber uint32, proof []byte) error
	GetValidityProof(ctx context.Context, blockNumber uint32) ([]byte, error)
	LastProofBlockNumber(ctx context.Context) (uint32, error)
	UpsertTxTreeRoot(ctx context.Context, txTreeRoot types.Bytes32, blockNumber uint32) error
}

// Config holds prover tuning.
type Config struct {
	WitnessSyncInterval   time.Duration
	ValidityProofInterval time.Duration
	AddTasksInterval      time.Duration
	CleanupInterval       time.Duration
	RestartInterval       time.Duration
	Logger                *log.Logger
}

// DefaultConfig returns the default prover tuning.
func DefaultConfig() *Config {
	return &Config{
		WitnessSyncInterval:   5 * time.Second,
		ValidityProofInterval: 5 * time.Second,
		AddTasksInterval:      10 * time.Second,
		CleanupInterval:       time.Minute,
		RestartInterval:       30 * time.Second,
		Logger:                log.New(log.Writer(), "[ValidityProver] ", log.LstdFlags),
	}
}

// Elections carries one election per leader-gated job.
type Elections struct {
	WitnessSync   Election
	ValidityProof Election
	AddTasks      Election
	Cleanup       Election
}

// NoopElections returns always-winning elections for single-process runs.
func NoopElections() *Elections {
	return &Elections{
		WitnessSync:   NoopElection{},
		ValidityProof: NoopElection{},
		AddTasks:      NoopElection{},
		Cleanup:       NoopElection{},
	}
}

// Prover owns the three global trees and the proof pipeline.
type Prover struct {
	config    *Config
	blocks    BlockSource
	state     StateStore
	queue     taskqueue.Queue
	elections *Elections
	registry  *circuits.Registry
	logger    *log.Logger

	accountTree *trees.IndexedMerkleTree
	blockTree   *trees.IncrementalMerkleTree
	depositTree *trees.IncrementalMerkleTree

	syncedHeight prometheus.Gauge
	provenHeight prometheus.Gauge
}

// New wires a prover. The trees must share one store so that reset is a
// single transaction domain.
func New(cfg *Config, store trees.Store, blocks BlockSource, state StateStore, queue taskqueue.Queue, elections *Elections, registry *circuits.Registry) *Prover {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[ValidityProver] ", log.LstdFlags)
	}
	if elections == nil {
		elections = NoopElections()
	}
	return &Prover{
		config:      cfg,
		blocks:      blocks,
		state:       state,
		queue:       queue,
		elections:   elections,
		registry:    registry,
		logger:      cfg.Logger,
		accountTree: trees.NewIndexedMerkleTree(store, trees.TagAccountTree, types.AccountTreeHeight),
		blockTree:   trees.NewIncrementalMerkleTree(store, trees.TagBlockHashTree, types.BlockHashTreeHeight),
		depositTree: trees.NewIncrementalMerkleTree(store, trees.TagDepositTree, types.DepositTreeHeight),
		syncedHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "validity_prover_synced_block",
			Help: "Newest block with a persisted validity witness",
		}),
		provenHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "validity_prover_proven_block",
			Help: "Newest block with a folded validity proof",
		}),
	}
}

// Collectors returns the prover's prometheus collectors.
func (p *Prover) Collectors() []prometheus.Collector {
	return []prometheus.Collector{p.syncedHeight, p.provenHeight}
}

// Initialize seeds the trees: account sentinel and the genesis block hash.
func (p *Prover) Initialize(ctx context.Context) error {
	if err := p.accountTree.Initialize(ctx); err != nil {
		return err
	}
	n, err := p.blockTree.Len(ctx, 0)
	if err != nil {
		return err
	}
	if n == 0 {
		if err := p.blockTree.Push(ctx, 0, types.GenesisBlock().Hash()); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// FORWARD STEP
// ============================================================================

// SyncValidityWitness advances the trees block by block until they match
// the observer. A deposit-root mismatch resets the trees and aborts the
// tick.
func (p *Prover) SyncValidityWitness(ctx context.Context) error {
	lastSynced, err := p.state.LastSyncedBlockNumber(ctx)
	if err != nil {
		return err
	}
	lastObserved, err := p.blocks.LastBlockNumber(ctx)
	if err != nil {
		return err
	}
	for n := lastSynced + 1; n <= lastObserved; n++ {
		if err := p.stepForward(ctx, n); err != nil {
			if mismatch, ok := err.(*DepositTreeRootMismatchError); ok {
				p.logger.Printf("Deposit root mismatch at block %d; resetting state", mismatch.BlockNumber)
				if rerr := p.resetState(ctx, lastSynced); rerr != nil {
					return rerr
				}
				return nil
			}
			return err
		}
		p.syncedHeight.Set(float64(n))
	}
	return nil
}

func (p *Prover) stepForward(ctx context.Context, n uint32) error {
	meta, err := p.blocks.GetFullBlock(ctx, n)
	if err != nil {
		return err
	}
	block := meta.FullBlock

	// Push every deposit leaf settled up to this block.
	if err := p.syncDeposits(ctx, n, meta); err != nil {
		return err
	}
	root, err := p.depositTree.GetRoot(ctx, uint64(n))
	if err != nil {
		return err
	}
	if root != block.DepositTreeRoot {
		return &DepositTreeRootMismatchError{
			BlockNumber: n,
			TreeRoot:    root.Hex(),
			BlockRoot:   block.DepositTreeRoot.Hex(),
		}
	}

	witness, err := p.updateTrees(ctx, n, block)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWitnessGeneration, err)
	}
	if err := p.state.SaveValidityWitness(ctx, n, witness); err != nil {
		return err
	}
	if !block.TxTreeRoot.IsZero() && witness.Pis.IsValidBlock {
		if err := p.state.UpsertTxTreeRoot(ctx, block.TxTreeRoot, n); err != nil {
			return err
		}
	}
	return nil
}

// syncDeposits pushes leaf events settled at or before the block into the
// deposit tree under the block's timestamp.
func (p *Prover) syncDeposits(ctx context.Context, n uint32, meta *rollup.FullBlockWithMeta) error {
	treeLen, err := p.depositTree.Len(ctx, uint64(n))
	if err != nil {
		return err
	}
	lastIndex, ok, err := p.blocks.LastDepositIndex(ctx)
	if err != nil {
		return err
	}
	if !ok || uint64(lastIndex)+1 <= treeLen {
		return nil
	}
	events, err := p.blocks.GetDepositLeafEvents(ctx, uint32(treeLen), lastIndex)
	if err != nil {
		return err
	}
	for _, e := range events {
		// Leaves inserted after this block belong to a later timestamp.
		if e.EthBlockNumber > meta.EthBlockNumber ||
			(e.EthBlockNumber == meta.EthBlockNumber && e.EthTxIndex > meta.EthTxIndex) {
			break
		}
		if err := p.depositTree.Push(ctx, uint64(n), e.DepositHash); err != nil {
			return err
		}
	}
	return nil
}

// updateTrees applies the block to the account and block-hash trees under
// timestamp n and assembles the resulting witness.
func (p *Prover) updateTrees(ctx context.Context, n uint32, block *types.FullBlock) (*ValidityWitness, error) {
	prevAccountRoot, err := p.accountTree.GetRoot(ctx, uint64(n)-1)
	if err != nil {
		return nil, err
	}
	prevBlockRoot, err := p.blockTree.GetRoot(ctx, uint64(n)-1)
	if err != nil {
		return nil, err
	}
	depositRoot, err := p.depositTree.GetRoot(ctx, uint64(n))
	if err != nil {
		return nil, err
	}

	isValid := p.validateBlockSignature(block)

	// Registration blocks introduce their non-dummy senders into the
	// account tree; every sender's value is its last-sent block number.
	if isValid && block.IsRegistration() {
		for _, pk := range block.Senders.Pubkeys {
			if pk.Eq(types.DummyPubkey) {
				continue
			}
			if _, err := p.accountTree.Insert(ctx, uint64(n), pk, uint64(n)); err != nil {
				if err == trees.ErrKeyAlreadyExists {
					// A replayed registration is invalid but not fatal.
					isValid = false
					continue
				}
				return nil, err
			}
		}
	}

	if err := p.blockTree.Push(ctx, uint64(n), block.Hash()); err != nil {
		return nil, err
	}

	accountRoot, err := p.accountTree.GetRoot(ctx, uint64(n))
	if err != nil {
		return nil, err
	}
	blockRoot, err := p.blockTree.GetRoot(ctx, uint64(n))
	if err != nil {
		return nil, err
	}
	accountLen, err := p.accountTree.Len(ctx, uint64(n))
	if err != nil {
		return nil, err
	}

	var prevPis *circuits.ValidityPublicInputs
	if n == 1 {
		prevPis = GenesisValidityPis()
	} else {
		prevWitness, err := p.state.GetValidityWitness(ctx, n-1)
		if err != nil {
			return nil, err
		}
		prevPis = prevWitness.Pis
	}

	witness := &ValidityWitness{
		BlockWitness: &BlockWitness{
			Block:               block,
			PrevAccountTreeRoot: prevAccountRoot,
			PrevBlockTreeRoot:   prevBlockRoot,
			DepositTreeRoot:     depositRoot,
			AccountTreeLen:      accountLen,
		},
		PrevPis: prevPis,
		Pis: &circuits.ValidityPublicInputs{
			PublicState: &circuits.PublicState{
				BlockTreeRoot:       blockRoot,
				PrevAccountTreeRoot: prevAccountRoot,
				AccountTreeRoot:     accountRoot,
				DepositTreeRoot:     depositRoot,
				BlockHash:           block.Hash(),
				BlockNumber:         n,
				Timestamp:           block.Timestamp,
			},
			IsValidBlock: isValid,
		},
	}
	return witness, nil
}

// validateBlockSignature checks the aggregated BLS signature. Empty blocks
// (default tx tree root, no senders) are trivially valid.
func (p *Prover) validateBlockSignature(block *types.FullBlock) bool {
	if block.TxTreeRoot.IsZero() {
		return true
	}
	ok, err := bls.VerifyAggregated(
		block.Signature.AggregatedPubkey,
		block.Signature.AggregatedSig,
		&block.Signature.SignPayload,
		block.Senders.PubkeyHash,
	)
	return err == nil && ok
}

// resetState reverts the three trees and persisted witnesses to the last
// synced block, restoring tree/witness agreement.
func (p *Prover) resetState(ctx context.Context, lastSynced uint32) error {
	ts := uint64(lastSynced) + 1
	if err := p.accountTree.Reset(ctx, ts); err != nil {
		return err
	}
	if err := p.blockTree.Reset(ctx, ts); err != nil {
		return err
	}
	if err := p.depositTree.Reset(ctx, ts); err != nil {
		return err
	}
	return p.state.DeleteWitnessesFrom(ctx, lastSynced+1)
}

// ============================================================================
// TASK ENQUEUE AND PROOF FOLDING
// ============================================================================

// AddTasks enqueues one transition-proof task per unproven witness, with
// priority equal to the block number.
func (p *Prover) AddTasks(ctx context.Context) error {
	lastProof, err := p.state.LastProofBlockNumber(ctx)
	if err != nil {
		return err
	}
	lastSynced, err := p.state.LastSyncedBlockNumber(ctx)
	if err != nil {
		return err
	}
	for n := lastProof + 1; n <= lastSynced; n++ {
		witness, err := p.state.GetValidityWitness(ctx, n)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(&TransitionTaskPayload{
			BlockNumber:     n,
			PrevValidityPis: witness.PrevPis,
			ValidityWitness: witness,
		})
		if err != nil {
			return err
		}
		if err := p.queue.AddTask(ctx, &taskqueue.Task{
			BlockNumber: n,
			Priority:    float64(n),
			Payload:     payload,
		}); err != nil {
			return err
		}
	}
	return nil
}

// GenerateValidityProof folds completed transition proofs in strict block
// order. A missing result stops the pass; an errored result is fatal for
// the job (the restart loop applies).
func (p *Prover) GenerateValidityProof(ctx context.Context) error {
	for {
		lastProof, err := p.state.LastProofBlockNumber(ctx)
		if err != nil {
			return err
		}
		next := lastProof + 1

		result, ok, err := p.queue.GetResult(ctx, next)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if result.Err != "" {
			return fmt.Errorf("%w: block %d: %s", ErrTaskFailed, next, result.Err)
		}

		proof, err := circuits.DeserializeProof(result.Proof)
		if err != nil {
			return fmt.Errorf("%w: block %d: %v", ErrProofGeneration, next, err)
		}
		pis, err := circuits.ValidityPublicInputsFromProof(proof)
		if err != nil {
			return fmt.Errorf("%w: block %d: %v", ErrProofGeneration, next, err)
		}
		if pis.PublicState.BlockNumber != next {
			return fmt.Errorf("%w: proof block %d, expected %d",
				ErrProofGeneration, pis.PublicState.BlockNumber, next)
		}

		// The previous proof must be the direct predecessor; block 1 folds
		// onto the genesis public inputs.
		if next > 1 {
			if _, err := p.state.GetValidityProof(ctx, next-1); err != nil {
				return fmt.Errorf("%w: block %d", ErrPrevProofMissing, next-1)
			}
		}
		if err := p.registry.Validity.Verify(proof); err != nil {
			return fmt.Errorf("%w: block %d: %v", ErrProofGeneration, next, err)
		}

		if err := p.state.SaveValidityProof(ctx, next, result.Proof); err != nil {
			return err
		}
		if err := p.queue.DeleteResult(ctx, next); err != nil {
			return err
		}
		p.provenHeight.Set(float64(next))
		p.logger.Printf("Folded validity proof for block %d", next)
	}
}

// ============================================================================
// QUERY SURFACE
// ============================================================================

// AccountInfo is the builder's admission view of one account.
type AccountInfo struct {
	AccountID   uint64 `json:"account_id"`
	IsRegistered bool  `json:"is_registered"`
	BlockNumber uint32 `json:"block_number"` // prover's synced height
}

// GetAccountInfo reports account existence at the synced height.
func (p *Prover) GetAccountInfo(ctx context.Context, pubkey *types.U256) (*AccountInfo, error) {
	lastSynced, err := p.state.LastSyncedBlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	pos, ok, err := p.accountTree.Index(ctx, uint64(lastSynced), pubkey)
	if err != nil {
		return nil, err
	}
	return &AccountInfo{
		AccountID:    pos,
		IsRegistered: ok,
		BlockNumber:  lastSynced,
	}, nil
}

// UpdateWitness bundles what a client needs to roll its balance proof
// forward to a root block: the validity proof plus historical tree proofs.
type UpdateWitness struct {
	ValidityProof       []byte                  `json:"validity_proof"`
	BlockMerkleProof    *types.MerkleProof      `json:"block_merkle_proof"`
	AccountMembership   *trees.MembershipProof  `json:"account_membership"`
	RootBlockNumber     uint32                  `json:"root_block_number"`
	LeafBlockNumber     uint32                  `json:"leaf_block_number"`
}

// GetUpdateWitness proves leafBlock's inclusion under rootBlock's tree
// state together with the account's standing at rootBlock.
func (p *Prover) GetUpdateWitness(ctx context.Context, pubkey *types.U256, rootBlockNumber, leafBlockNumber uint32) (*UpdateWitness, error) {
	proof, err := p.state.GetValidityProof(ctx, rootBlockNumber)
	if err != nil {
		return nil, fmt.Errorf("%w: block %d", ErrValidityProofNotFound, rootBlockNumber)
	}
	blockProof, err := p.blockTree.Prove(ctx, uint64(rootBlockNumber), uint64(leafBlockNumber))
	if err != nil {
		return nil, err
	}
	membership, err := p.accountTree.ProveMembership(ctx, uint64(rootBlockNumber), pubkey)
	if err != nil {
		return nil, err
	}
	return &UpdateWitness{
		ValidityProof:     proof,
		BlockMerkleProof:  blockProof,
		AccountMembership: membership,
		RootBlockNumber:   rootBlockNumber,
		LeafBlockNumber:   leafBlockNumber,
	}, nil
}

// BlockTreeRoot exposes the block tree root at a synced height.
func (p *Prover) BlockTreeRoot(ctx context.Context, blockNumber uint32) (types.Bytes32, error) {
	return p.blockTree.GetRoot(ctx, uint64(blockNumber))
}

// DepositTreeRoot exposes the deposit tree root at a synced height.
func (p *Prover) DepositTreeRoot(ctx context.Context, blockNumber uint32) (types.Bytes32, error) {
	return p.depositTree.GetRoot(ctx, uint64(blockNumber))
}

// DepositMerkleProof proves one deposit leaf at a synced height.
func (p *Prover) DepositMerkleProof(ctx context.Context, blockNumber uint32, depositIndex uint32) (*types.MerkleProof, error) {
	return p.depositTree.Prove(ctx, uint64(blockNumber), uint64(depositIndex))
}

// ============================================================================
// JOBS
// ============================================================================

func (p *Prover) runJob(ctx context.Context, name string, election Election, interval time.Duration, work func(context.Context) error) {
	for {
		err := func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					if err := election.WaitForLeadership(ctx); err != nil {
						return err
					}
					if err := work(ctx); err != nil {
						return err
					}
				}
			}
		}()
		if ctx.Err() != nil {
			return
		}
		p.logger.Printf("Job %s stopped: %v; restarting in %s", name, err, p.config.RestartInterval)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.config.RestartInterval):
		}
	}
}

// StartAllJobs spawns the four prover jobs.
func (p *Prover) StartAllJobs(ctx context.Context) {
	go p.runJob(ctx, "sync_validity_witness", p.elections.WitnessSync, p.config.WitnessSyncInterval, p.SyncValidityWitness)
	go p.runJob(ctx, "generate_validity_proof", p.elections.ValidityProof, p.config.ValidityProofInterval, p.GenerateValidityProof)
	go p.runJob(ctx, "add_tasks", p.elections.AddTasks, p.config.AddTasksInterval, p.AddTasks)
	go p.runJob(ctx, "cleanup_inactive_tasks", p.elections.Cleanup, p.config.CleanupInterval, func(ctx context.Context) error {
		n, err := p.queue.CleanupInactiveTasks(ctx)
		if n > 0 {
			p.logger.Printf("Requeued %d inactive tasks", n)
		}
		return err
	})
	p.logger.Println("All validity prover jobs started")
}
