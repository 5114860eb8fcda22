// Copyright 2025 Intmax Protocol
//
// Unit tests for the validity prover
// Exercises the forward step, reset on deposit-root mismatch, and
// strict-order proof folding

package prover

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/InternetMaximalism/intmax2-core/pkg/circuits"
	"github.com/InternetMaximalism/intmax2-core/pkg/rollup"
	"github.com/InternetMaximalism/intmax2-core/pkg/taskqueue"
	"github.com/InternetMaximalism/intmax2-core/pkg/trees"
	"github.com/InternetMaximalism/intmax2-core/pkg/types"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeBlocks struct {
	blocks  map[uint32]*rollup.FullBlockWithMeta
	leaves  []*types.DepositLeafInsertedEvent
	lastNum uint32
}

func (f *fakeBlocks) GetFullBlock(ctx context.Context, n uint32) (*rollup.FullBlockWithMeta, error) {
	b, ok := f.blocks[n]
	if !ok {
		return nil, errors.New("block not found")
	}
	return b, nil
}

func (f *fakeBlocks) LastBlockNumber(ctx context.Context) (uint32, error) {
	return f.lastNum, nil
}

func (f *fakeBlocks) GetDepositLeafEvents(ctx context.Context, from, to uint32) ([]*types.DepositLeafInsertedEvent, error) {
	var out []*types.DepositLeafInsertedEvent
	for _, e := range f.leaves {
		if e.DepositIndex >= from && e.DepositIndex <= to {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeBlocks) LastDepositIndex(ctx context.Context) (uint32, bool, error) {
	if len(f.leaves) == 0 {
		return 0, false, nil
	}
	return f.leaves[len(f.leaves)-1].DepositIndex, true, nil
}

type fakeState struct {
	witnesses map[uint32]*ValidityWitness
	proofs    map[uint32][]byte
	txRoots   map[types.Bytes32]uint32
}

func newFakeState() *fakeState {
	return &fakeState{
		witnesses: make(map[uint32]*ValidityWitness),
		proofs:    make(map[uint32][]byte),
		txRoots:   make(map[types.Bytes32]uint32),
	}
}

func (f *fakeState) LastSyncedBlockNumber(ctx context.Context) (uint32, error) {
	var maxN uint32
	for n := range f.witnesses {
		if n > maxN {
			maxN = n
		}
	}
	return maxN, nil
}

func (f *fakeState) SaveValidityWitness(ctx context.Context, n uint32, w *ValidityWitness) error {
	f.witnesses[n] = w
	return nil
}

func (f *fakeState) GetValidityWitness(ctx context.Context, n uint32) (*ValidityWitness, error) {
	w, ok := f.witnesses[n]
	if !ok {
		return nil, errors.New("witness not found")
	}
	return w, nil
}

func (f *fakeState) DeleteWitnessesFrom(ctx context.Context, n uint32) error {
	for k := range f.witnesses {
		if k >= n {
			delete(f.witnesses, k)
		}
	}
	return nil
}

func (f *fakeState) SaveValidityProof(ctx context.Context, n uint32, proof []byte) error {
	f.proofs[n] = proof
	return nil
}

func (f *fakeState) GetValidityProof(ctx context.Context, n uint32) ([]byte, error) {
	p, ok := f.proofs[n]
	if !ok {
		return nil, errors.New("proof not found")
	}
	return p, nil
}

func (f *fakeState) LastProofBlockNumber(ctx context.Context) (uint32, error) {
	var maxN uint32
	for n := range f.proofs {
		if n > maxN {
			maxN = n
		}
	}
	return maxN, nil
}

func (f *fakeState) UpsertTxTreeRoot(ctx context.Context, root types.Bytes32, n uint32) error {
	f.txRoots[root] = n
	return nil
}

type okVerifier struct{}

func (okVerifier) Verify(p *circuits.Proof) error { return nil }

func testRegistry() *circuits.Registry {
	return &circuits.Registry{
		Validity:         okVerifier{},
		Transition:       okVerifier{},
		Balance:          okVerifier{},
		Spent:            okVerifier{},
		SingleWithdrawal: okVerifier{},
		SingleClaim:      okVerifier{},
	}
}

func emptyBlockAt(n uint32) *rollup.FullBlockWithMeta {
	return &rollup.FullBlockWithMeta{
		FullBlock: &types.FullBlock{
			BlockNumber:     n,
			DepositTreeRoot: types.GenesisBlock().DepositTreeRoot,
		},
		EthBlockNumber: uint64(n) * 10,
	}
}

func newTestProver(blocks *fakeBlocks, state *fakeState) (*Prover, taskqueue.Queue) {
	queue := taskqueue.NewMemoryQueue(time.Minute)
	p := New(DefaultConfig(), trees.NewMemoryStore(), blocks, state, queue, NoopElections(), testRegistry())
	return p, queue
}

// ============================================================================
// Tests
// ============================================================================

func TestForwardStepEmptyBlocks(t *testing.T) {
	ctx := context.Background()
	blocks := &fakeBlocks{
		blocks:  map[uint32]*rollup.FullBlockWithMeta{1: emptyBlockAt(1), 2: emptyBlockAt(2)},
		lastNum: 2,
	}
	state := newFakeState()
	p, _ := newTestProver(blocks, state)
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if err := p.SyncValidityWitness(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(state.witnesses) != 2 {
		t.Fatalf("persisted %d witnesses, want 2", len(state.witnesses))
	}
	w2 := state.witnesses[2]
	if w2.Pis.PublicState.BlockNumber != 2 {
		t.Errorf("witness 2 block number = %d", w2.Pis.PublicState.BlockNumber)
	}
	if !w2.Pis.IsValidBlock {
		t.Errorf("empty block should be valid")
	}
	// The block tree at height 2 contains genesis + blocks 1, 2.
	n, err := p.blockTree.Len(ctx, 2)
	if err != nil || n != 3 {
		t.Errorf("block tree len = %d, err %v; want 3", n, err)
	}
	// Witness chaining: witness 2's prev pis are witness 1's pis.
	if w2.PrevPis.PublicState.BlockNumber != 1 {
		t.Errorf("witness 2 prev block = %d, want 1", w2.PrevPis.PublicState.BlockNumber)
	}
}

func TestDepositRootMismatchResets(t *testing.T) {
	ctx := context.Background()
	poisoned := emptyBlockAt(1)
	poisoned.FullBlock.DepositTreeRoot = types.Bytes32{1} // wrong on purpose
	blocks := &fakeBlocks{
		blocks:  map[uint32]*rollup.FullBlockWithMeta{1: poisoned},
		lastNum: 1,
	}
	state := newFakeState()
	p, _ := newTestProver(blocks, state)
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	// The tick absorbs the mismatch: trees roll back, no witness persists.
	if err := p.SyncValidityWitness(ctx); err != nil {
		t.Fatalf("sync should absorb the mismatch, got %v", err)
	}
	if len(state.witnesses) != 0 {
		t.Fatalf("poisoned block must not persist a witness")
	}
	n, _ := p.blockTree.Len(ctx, 10)
	if n != 1 {
		t.Errorf("block tree len after reset = %d, want 1 (genesis)", n)
	}

	// Once the offending block is fixed, the next tick succeeds.
	blocks.blocks[1] = emptyBlockAt(1)
	if err := p.SyncValidityWitness(ctx); err != nil {
		t.Fatalf("healed sync: %v", err)
	}
	if len(state.witnesses) != 1 {
		t.Errorf("healed sync persisted %d witnesses, want 1", len(state.witnesses))
	}
}

func proofFor(n uint32, state *fakeState) []byte {
	pis := state.witnesses[n].Pis
	p := &circuits.Proof{Blob: []byte{1}, PublicInputs: pis.ToPublicInputs()}
	raw, _ := p.Serialize()
	return raw
}

func TestProofFoldingStrictOrder(t *testing.T) {
	ctx := context.Background()
	blocks := &fakeBlocks{
		blocks:  map[uint32]*rollup.FullBlockWithMeta{1: emptyBlockAt(1), 2: emptyBlockAt(2)},
		lastNum: 2,
	}
	state := newFakeState()
	p, queue := newTestProver(blocks, state)
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := p.SyncValidityWitness(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := p.AddTasks(ctx); err != nil {
		t.Fatalf("add tasks: %v", err)
	}
	if pending, _ := queue.PendingCount(ctx); pending != 2 {
		t.Fatalf("pending tasks = %d, want 2", pending)
	}

	// Only block 2's result is ready: folding must stop before it.
	if err := queue.CompleteTask(ctx, &taskqueue.Result{BlockNumber: 2, Proof: proofFor(2, state)}); err != nil {
		t.Fatalf("complete 2: %v", err)
	}
	if err := p.GenerateValidityProof(ctx); err != nil {
		t.Fatalf("fold: %v", err)
	}
	if len(state.proofs) != 0 {
		t.Fatalf("folded out of order: %d proofs", len(state.proofs))
	}

	// With block 1's result, both fold in order.
	if err := queue.CompleteTask(ctx, &taskqueue.Result{BlockNumber: 1, Proof: proofFor(1, state)}); err != nil {
		t.Fatalf("complete 1: %v", err)
	}
	if err := p.GenerateValidityProof(ctx); err != nil {
		t.Fatalf("fold: %v", err)
	}
	if len(state.proofs) != 2 {
		t.Fatalf("folded %d proofs, want 2", len(state.proofs))
	}
}

func TestErroredResultIsFatal(t *testing.T) {
	ctx := context.Background()
	blocks := &fakeBlocks{
		blocks:  map[uint32]*rollup.FullBlockWithMeta{1: emptyBlockAt(1)},
		lastNum: 1,
	}
	state := newFakeState()
	p, queue := newTestProver(blocks, state)
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := p.SyncValidityWitness(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := queue.CompleteTask(ctx, &taskqueue.Result{BlockNumber: 1, Err: "prover crashed"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := p.GenerateValidityProof(ctx); !errors.Is(err, ErrTaskFailed) {
		t.Errorf("expected ErrTaskFailed, got %v", err)
	}
}

func TestTaskPayloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	blocks := &fakeBlocks{
		blocks:  map[uint32]*rollup.FullBlockWithMeta{1: emptyBlockAt(1)},
		lastNum: 1,
	}
	state := newFakeState()
	p, queue := newTestProver(blocks, state)
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := p.SyncValidityWitness(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := p.AddTasks(ctx); err != nil {
		t.Fatalf("add tasks: %v", err)
	}

	task, err := queue.LeaseTask(ctx, "w1")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	var payload TransitionTaskPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.BlockNumber != 1 {
		t.Errorf("payload block = %d, want 1", payload.BlockNumber)
	}
	if payload.ValidityWitness.Pis.PublicState.BlockHash != state.witnesses[1].Pis.PublicState.BlockHash {
		t.Errorf("payload witness does not round-trip")
	}
}
