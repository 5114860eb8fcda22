// Copyright 2025 Intmax Protocol
//
// Unit tests for the observer
// Exercises genesis bootstrap, normal sync, and gap-detection rollback

package observer

import (
	"context"
	"sort"
	"testing"

	"github.com/InternetMaximalism/intmax2-core/pkg/rollup"
	"github.com/InternetMaximalism/intmax2-core/pkg/types"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeEventLog struct {
	checkpoints map[Stream]uint64
	blocks      map[uint32]*rollup.FullBlockWithMeta
	deposited   map[uint64]*types.DepositedEvent
	leaves      map[uint32]*types.DepositLeafInsertedEvent
}

func newFakeEventLog() *fakeEventLog {
	return &fakeEventLog{
		checkpoints: make(map[Stream]uint64),
		blocks:      make(map[uint32]*rollup.FullBlockWithMeta),
		deposited:   make(map[uint64]*types.DepositedEvent),
		leaves:      make(map[uint32]*types.DepositLeafInsertedEvent),
	}
}

func (f *fakeEventLog) GetCheckpoint(ctx context.Context, s Stream) (uint64, bool, error) {
	v, ok := f.checkpoints[s]
	return v, ok, nil
}

func (f *fakeEventLog) SetCheckpoint(ctx context.Context, s Stream, b uint64) error {
	f.checkpoints[s] = b
	return nil
}

func (f *fakeEventLog) CountBlocks(ctx context.Context) (int64, error) {
	return int64(len(f.blocks)), nil
}

func (f *fakeEventLog) InsertFullBlocks(ctx context.Context, blocks []*rollup.FullBlockWithMeta) error {
	for _, b := range blocks {
		if _, exists := f.blocks[b.FullBlock.BlockNumber]; !exists {
			f.blocks[b.FullBlock.BlockNumber] = b
		}
	}
	return nil
}

func (f *fakeEventLog) InsertDepositedEvents(ctx context.Context, events []*types.DepositedEvent) error {
	for _, e := range events {
		if _, exists := f.deposited[e.DepositID]; !exists {
			f.deposited[e.DepositID] = e
		}
	}
	return nil
}

func (f *fakeEventLog) InsertDepositLeafEvents(ctx context.Context, events []*types.DepositLeafInsertedEvent) error {
	for _, e := range events {
		if _, exists := f.leaves[e.DepositIndex]; !exists {
			f.leaves[e.DepositIndex] = e
		}
	}
	return nil
}

func (f *fakeEventLog) LastBlockNumber(ctx context.Context) (uint32, error) {
	var maxN uint32
	for n := range f.blocks {
		if n > maxN {
			maxN = n
		}
	}
	return maxN, nil
}

func (f *fakeEventLog) LastDepositID(ctx context.Context) (uint64, bool, error) {
	var maxID uint64
	for id := range f.deposited {
		if id > maxID {
			maxID = id
		}
	}
	return maxID, maxID > 0, nil
}

func (f *fakeEventLog) LastDepositIndex(ctx context.Context) (uint32, bool, error) {
	found := false
	var maxIdx uint32
	for idx := range f.leaves {
		found = true
		if idx > maxIdx {
			maxIdx = idx
		}
	}
	return maxIdx, found, nil
}

func (f *fakeEventLog) LastEventEthBlock(ctx context.Context, s Stream) (uint64, bool, error) {
	var maxEth uint64
	found := false
	switch s {
	case StreamDeposited:
		for _, e := range f.deposited {
			if e.EthBlockNumber > maxEth {
				maxEth = e.EthBlockNumber
			}
			found = true
		}
	case StreamDepositLeafInserted:
		for _, e := range f.leaves {
			if e.EthBlockNumber > maxEth {
				maxEth = e.EthBlockNumber
			}
			found = true
		}
	default:
		for _, b := range f.blocks {
			if b.EthBlockNumber > maxEth {
				maxEth = b.EthBlockNumber
			}
			if b.EthBlockNumber > 0 {
				found = true
			}
		}
	}
	if maxEth == 0 {
		return 0, false, nil
	}
	return maxEth, found, nil
}

type fakeChain struct {
	head        uint64
	latestBlock uint32
	nextDeposit uint32
	lastDeposit uint64
	blocks      []*rollup.FullBlockWithMeta
	leaves      []*types.DepositLeafInsertedEvent
	deposits    []*types.DepositedEvent
}

func (f *fakeChain) GetLatestBlockNumber(ctx context.Context) (uint32, error) {
	return f.latestBlock, nil
}

func (f *fakeChain) GetBlockHash(ctx context.Context, n uint32) (types.Bytes32, error) {
	return types.Bytes32{}, nil
}

func (f *fakeChain) GetNextDepositIndex(ctx context.Context) (uint32, error) {
	return f.nextDeposit, nil
}

func (f *fakeChain) PostRegistrationBlock(ctx context.Context, in *rollup.RegistrationBlockInput) (types.Bytes32, error) {
	return types.Bytes32{}, nil
}

func (f *fakeChain) PostNonRegistrationBlock(ctx context.Context, in *rollup.NonRegistrationBlockInput) (types.Bytes32, error) {
	return types.Bytes32{}, nil
}

func (f *fakeChain) FilterBlockPosted(ctx context.Context, from, to uint64) ([]*rollup.BlockPostedEvent, error) {
	return nil, nil
}

func (f *fakeChain) GetFullBlocks(ctx context.Context, from, to uint64) ([]*rollup.FullBlockWithMeta, error) {
	var out []*rollup.FullBlockWithMeta
	for _, b := range f.blocks {
		if b.EthBlockNumber >= from && b.EthBlockNumber < to {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EthBlockNumber < out[j].EthBlockNumber })
	return out, nil
}

func (f *fakeChain) FilterDepositLeafInserted(ctx context.Context, from, to uint64) ([]*types.DepositLeafInsertedEvent, error) {
	var out []*types.DepositLeafInsertedEvent
	for _, e := range f.leaves {
		if e.EthBlockNumber >= from && e.EthBlockNumber < to {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeChain) LatestEthBlockNumber(ctx context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeChain) EmitHeartBeat(ctx context.Context, url string) error { return nil }

func (f *fakeChain) GetLastDepositID(ctx context.Context) (uint64, error) {
	return f.lastDeposit, nil
}

func (f *fakeChain) FilterDeposited(ctx context.Context, from, to uint64) ([]*types.DepositedEvent, error) {
	var out []*types.DepositedEvent
	for _, e := range f.deposits {
		if e.EthBlockNumber >= from && e.EthBlockNumber < to {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeChain) L1BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, nil
}

func blockAt(n uint32, ethBlock uint64) *rollup.FullBlockWithMeta {
	return &rollup.FullBlockWithMeta{
		FullBlock:      &types.FullBlock{BlockNumber: n},
		EthBlockNumber: ethBlock,
	}
}

// ============================================================================
// Tests
// ============================================================================

func TestGenesisBootstrap(t *testing.T) {
	ctx := context.Background()
	eventLog := newFakeEventLog()
	chain := &fakeChain{}

	if _, err := New(ctx, DefaultConfig(), chain, chain, eventLog); err != nil {
		t.Fatalf("new observer: %v", err)
	}
	b, ok := eventLog.blocks[0]
	if !ok {
		t.Fatal("genesis block not inserted")
	}
	if b.EthBlockNumber != 0 || b.FullBlock.BlockNumber != 0 {
		t.Errorf("genesis block has wrong metadata: %+v", b)
	}
}

func TestBlockStreamSync(t *testing.T) {
	ctx := context.Background()
	eventLog := newFakeEventLog()
	chain := &fakeChain{
		head:        100,
		latestBlock: 3,
		blocks: []*rollup.FullBlockWithMeta{
			blockAt(1, 10), blockAt(2, 20), blockAt(3, 30),
		},
	}
	o, err := New(ctx, DefaultConfig(), chain, chain, eventLog)
	if err != nil {
		t.Fatalf("new observer: %v", err)
	}

	if err := o.SyncEvents(ctx, StreamBlockPosted); err != nil {
		t.Fatalf("sync: %v", err)
	}
	for n := uint32(1); n <= 3; n++ {
		if _, ok := eventLog.blocks[n]; !ok {
			t.Errorf("block %d not stored", n)
		}
	}
	synced, err := o.IsSynced(ctx, StreamBlockPosted)
	if err != nil || !synced {
		t.Errorf("stream should be synced: synced=%v err=%v", synced, err)
	}
}

func TestGapDetectionRollsBackCheckpoint(t *testing.T) {
	ctx := context.Background()
	eventLog := newFakeEventLog()
	cfg := DefaultConfig()
	cfg.EventBlockInterval = 1000
	cfg.BackwardBlockInterval = 40
	cfg.MaxQueryTimes = 1

	// Block 1 is missing from the window: only block 2 is visible.
	chain := &fakeChain{
		head:        100,
		latestBlock: 2,
		blocks:      []*rollup.FullBlockWithMeta{blockAt(2, 60)},
	}
	o, err := New(ctx, cfg, chain, chain, eventLog)
	if err != nil {
		t.Fatalf("new observer: %v", err)
	}
	// Pretend an earlier pass advanced the checkpoint past block 1.
	eventLog.checkpoints[StreamBlockPosted] = 50

	if err := o.SyncEvents(ctx, StreamBlockPosted); err != nil {
		t.Fatalf("sync: %v", err)
	}
	// Nothing stored, checkpoint rolled back by the backward interval.
	if _, ok := eventLog.blocks[2]; ok {
		t.Error("gapped event must not be stored")
	}
	if got := eventLog.checkpoints[StreamBlockPosted]; got != 10 {
		t.Errorf("checkpoint = %d, want 10 (50 - 40)", got)
	}

	// Once block 1 becomes visible the rescan heals the stream.
	chain.blocks = append(chain.blocks, blockAt(1, 55))
	if err := o.SyncEvents(ctx, StreamBlockPosted); err != nil {
		t.Fatalf("heal sync: %v", err)
	}
	if _, ok := eventLog.blocks[1]; !ok {
		t.Error("block 1 not stored after rescan")
	}
	if _, ok := eventLog.blocks[2]; !ok {
		t.Error("block 2 not stored after rescan")
	}
}

func TestDepositedStreamStartsAtOne(t *testing.T) {
	ctx := context.Background()
	eventLog := newFakeEventLog()
	chain := &fakeChain{
		head:        100,
		lastDeposit: 2,
		deposits: []*types.DepositedEvent{
			{DepositID: 1, Amount: types.NewU256(5), EthBlockNumber: 10},
			{DepositID: 2, Amount: types.NewU256(7), EthBlockNumber: 12},
		},
	}
	o, err := New(ctx, DefaultConfig(), chain, chain, eventLog)
	if err != nil {
		t.Fatalf("new observer: %v", err)
	}
	if err := o.SyncEvents(ctx, StreamDeposited); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(eventLog.deposited) != 2 {
		t.Errorf("stored %d deposited events, want 2", len(eventLog.deposited))
	}
}
