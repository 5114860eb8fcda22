// Copyright 2025 Intmax Protocol
//
// Observer - streams on-chain events into the canonical event log
//
// Three streams are tracked: Deposited (L1), DepositLeafInserted (L2) and
// BlockPosted (L2). Each stream keeps a checkpoint eth block and a
// gap-free, monotonically increasing event id sequence. A detected gap
// rolls the checkpoint backward and rescans; other errors restart the
// stream's job after a delay.

package observer

import (
	"context"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/InternetMaximalism/intmax2-core/pkg/rollup"
	"github.com/InternetMaximalism/intmax2-core/pkg/types"
)

// EventLog is the slice of the repository the observer needs. *Repository
// implements it; tests substitute an in-memory fake.
type EventLog interface {
	GetCheckpoint(ctx context.Context, stream Stream) (uint64, bool, error)
	SetCheckpoint(ctx context.Context, stream Stream, ethBlock uint64) error
	CountBlocks(ctx context.Context) (int64, error)
	InsertFullBlocks(ctx context.Context, blocks []*rollup.FullBlockWithMeta) error
	InsertDepositedEvents(ctx context.Context, events []*types.DepositedEvent) error
	InsertDepositLeafEvents(ctx context.Context, events []*types.DepositLeafInsertedEvent) error
	LastBlockNumber(ctx context.Context) (uint32, error)
	LastDepositID(ctx context.Context) (uint64, bool, error)
	LastDepositIndex(ctx context.Context) (uint32, bool, error)
	LastEventEthBlock(ctx context.Context, stream Stream) (uint64, bool, error)
}

// Config holds observer tuning. Block intervals count eth blocks;
// SyncInterval and RestartInterval are time.Duration values.
type Config struct {
	EventBlockInterval    uint64
	BackwardBlockInterval uint64
	MaxQueryTimes         int
	SyncInterval          time.Duration
	RestartInterval       time.Duration

	RollupDeployedEthBlock    uint64
	LiquidityDeployedEthBlock uint64

	Logger *log.Logger
}

// DefaultConfig returns the default observer tuning.
func DefaultConfig() *Config {
	return &Config{
		EventBlockInterval:    10000,
		BackwardBlockInterval: 1000,
		MaxQueryTimes:         5,
		SyncInterval:          10 * time.Second,
		RestartInterval:       30 * time.Second,
		Logger:                log.New(log.Writer(), "[Observer] ", log.LstdFlags),
	}
}

// Observer drives the three stream sync loops.
type Observer struct {
	config    *Config
	rollup    rollup.RollupContract
	liquidity rollup.LiquidityContract
	eventLog  EventLog
	logger    *log.Logger

	syncedEvents *prometheus.CounterVec
	gapRescans   *prometheus.CounterVec
}

// New creates an observer and bootstraps the genesis block if the block
// table is empty.
func New(ctx context.Context, cfg *Config, rollupContract rollup.RollupContract, liquidityContract rollup.LiquidityContract, eventLog EventLog) (*Observer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[Observer] ", log.LstdFlags)
	}

	o := &Observer{
		config:    cfg,
		rollup:    rollupContract,
		liquidity: liquidityContract,
		eventLog:  eventLog,
		logger:    cfg.Logger,
		syncedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "observer_synced_events_total",
			Help: "Events written to the canonical log per stream",
		}, []string{"stream"}),
		gapRescans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "observer_gap_rescans_total",
			Help: "Backward rescans triggered by event gaps per stream",
		}, []string{"stream"}),
	}

	count, err := eventLog.CountBlocks(ctx)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		genesis := &rollup.FullBlockWithMeta{
			FullBlock:      types.GenesisBlock(),
			EthBlockNumber: 0,
			EthTxIndex:     0,
		}
		if err := eventLog.InsertFullBlocks(ctx, []*rollup.FullBlockWithMeta{genesis}); err != nil {
			return nil, err
		}
		o.logger.Println("Bootstrapped genesis block")
	}
	return o, nil
}

// Collectors returns the observer's prometheus collectors for registration.
func (o *Observer) Collectors() []prometheus.Collector {
	return []prometheus.Collector{o.syncedEvents, o.gapRescans}
}

// ============================================================================
// EVENT ID BOOKKEEPING
// ============================================================================

func (o *Observer) localNextEventID(ctx context.Context, stream Stream) (uint64, error) {
	switch stream {
	case StreamDeposited:
		id, ok, err := o.eventLog.LastDepositID(ctx)
		if err != nil {
			return 0, err
		}
		if !ok {
			// Deposit ids start at 1 on chain.
			return 1, nil
		}
		return id + 1, nil
	case StreamDepositLeafInserted:
		idx, ok, err := o.eventLog.LastDepositIndex(ctx)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, nil
		}
		return uint64(idx) + 1, nil
	default:
		n, err := o.eventLog.LastBlockNumber(ctx)
		if err != nil {
			return 0, err
		}
		return uint64(n) + 1, nil
	}
}

func (o *Observer) onchainNextEventID(ctx context.Context, stream Stream) (uint64, error) {
	switch stream {
	case StreamDeposited:
		id, err := o.liquidity.GetLastDepositID(ctx)
		if err != nil {
			return 0, err
		}
		return id + 1, nil
	case StreamDepositLeafInserted:
		idx, err := o.rollup.GetNextDepositIndex(ctx)
		if err != nil {
			return 0, err
		}
		return uint64(idx), nil
	default:
		n, err := o.rollup.GetLatestBlockNumber(ctx)
		if err != nil {
			return 0, err
		}
		return uint64(n) + 1, nil
	}
}

// IsSynced reports whether the stream caught up with the chain.
func (o *Observer) IsSynced(ctx context.Context, stream Stream) (bool, error) {
	local, err := o.localNextEventID(ctx, stream)
	if err != nil {
		return false, err
	}
	onchain, err := o.onchainNextEventID(ctx, stream)
	if err != nil {
		return false, err
	}
	return local >= onchain, nil
}

func (o *Observer) defaultEthBlock(stream Stream) uint64 {
	if stream == StreamDeposited {
		return o.config.LiquidityDeployedEthBlock
	}
	return o.config.RollupDeployedEthBlock
}

func (o *Observer) currentEthBlock(ctx context.Context, stream Stream) (uint64, error) {
	if stream == StreamDeposited {
		return o.liquidity.L1BlockNumber(ctx)
	}
	return o.rollup.LatestEthBlockNumber(ctx)
}

// ============================================================================
// FETCH AND WRITE
// ============================================================================

func (o *Observer) fetchAndWrite(ctx context.Context, stream Stream, expectedNextEventID, fromEthBlock, toEthBlock uint64) (uint64, error) {
	switch stream {
	case StreamDeposited:
		events, err := o.liquidity.FilterDeposited(ctx, fromEthBlock, toEthBlock+1)
		if err != nil {
			return 0, err
		}
		fresh := events[:0]
		for _, e := range events {
			if e.DepositID >= expectedNextEventID {
				fresh = append(fresh, e)
			}
		}
		if len(fresh) == 0 {
			return expectedNextEventID, nil
		}
		if fresh[0].DepositID != expectedNextEventID {
			return 0, &EventGapError{Stream: stream, ExpectedEventID: expectedNextEventID, GotEventID: fresh[0].DepositID}
		}
		if err := o.eventLog.InsertDepositedEvents(ctx, fresh); err != nil {
			return 0, err
		}
		o.syncedEvents.WithLabelValues(string(stream)).Add(float64(len(fresh)))
		return fresh[len(fresh)-1].DepositID + 1, nil

	case StreamDepositLeafInserted:
		events, err := o.rollup.FilterDepositLeafInserted(ctx, fromEthBlock, toEthBlock+1)
		if err != nil {
			return 0, err
		}
		fresh := events[:0]
		for _, e := range events {
			if uint64(e.DepositIndex) >= expectedNextEventID {
				fresh = append(fresh, e)
			}
		}
		if len(fresh) == 0 {
			return expectedNextEventID, nil
		}
		if uint64(fresh[0].DepositIndex) != expectedNextEventID {
			return 0, &EventGapError{Stream: stream, ExpectedEventID: expectedNextEventID, GotEventID: uint64(fresh[0].DepositIndex)}
		}
		if err := o.eventLog.InsertDepositLeafEvents(ctx, fresh); err != nil {
			return 0, err
		}
		o.syncedEvents.WithLabelValues(string(stream)).Add(float64(len(fresh)))
		return uint64(fresh[len(fresh)-1].DepositIndex) + 1, nil

	default:
		blocks, err := o.rollup.GetFullBlocks(ctx, fromEthBlock, toEthBlock+1)
		if err != nil {
			return 0, err
		}
		fresh := blocks[:0]
		for _, b := range blocks {
			if uint64(b.FullBlock.BlockNumber) >= expectedNextEventID {
				fresh = append(fresh, b)
			}
		}
		if len(fresh) == 0 {
			return expectedNextEventID, nil
		}
		if uint64(fresh[0].FullBlock.BlockNumber) != expectedNextEventID {
			return 0, &EventGapError{Stream: stream, ExpectedEventID: expectedNextEventID, GotEventID: uint64(fresh[0].FullBlock.BlockNumber)}
		}
		if err := o.eventLog.InsertFullBlocks(ctx, fresh); err != nil {
			return 0, err
		}
		o.syncedEvents.WithLabelValues(string(stream)).Add(float64(len(fresh)))
		return uint64(fresh[len(fresh)-1].FullBlock.BlockNumber) + 1, nil
	}
}

// syncAndSaveCheckpoint runs one query window: read the checkpoint, fetch
// events, require continuity, then advance the checkpoint. On a gap the
// checkpoint rolls backward (bounded below by the last stored event's
// chain block) and the local id is returned unchanged.
func (o *Observer) syncAndSaveCheckpoint(ctx context.Context, stream Stream, localNextEventID uint64) (uint64, error) {
	checkpoint, haveCheckpoint, err := o.eventLog.GetCheckpoint(ctx, stream)
	if err != nil {
		return 0, err
	}
	lastEventEthBlock, haveLast, err := o.eventLog.LastEventEthBlock(ctx, stream)
	if err != nil {
		return 0, err
	}

	fromEthBlock := o.defaultEthBlock(stream)
	if haveCheckpoint && checkpoint > fromEthBlock {
		fromEthBlock = checkpoint
	}
	if haveLast && lastEventEthBlock > fromEthBlock {
		fromEthBlock = lastEventEthBlock
	}

	current, err := o.currentEthBlock(ctx, stream)
	if err != nil {
		return 0, err
	}
	toEthBlock := fromEthBlock + o.config.EventBlockInterval - 1
	if current < toEthBlock {
		toEthBlock = current
	}
	if fromEthBlock > toEthBlock {
		return localNextEventID, nil
	}

	next, err := o.fetchAndWrite(ctx, stream, localNextEventID, fromEthBlock, toEthBlock)
	if err == nil {
		if cerr := o.eventLog.SetCheckpoint(ctx, stream, toEthBlock); cerr != nil {
			return 0, cerr
		}
		return next, nil
	}
	if IsEventGap(err) {
		backward := fromEthBlock
		if backward > o.config.BackwardBlockInterval {
			backward -= o.config.BackwardBlockInterval
		} else {
			backward = 0
		}
		floor := o.defaultEthBlock(stream)
		if haveLast {
			floor = lastEventEthBlock
		}
		if backward < floor {
			backward = floor
		}
		if cerr := o.eventLog.SetCheckpoint(ctx, stream, backward); cerr != nil {
			return 0, cerr
		}
		o.gapRescans.WithLabelValues(string(stream)).Inc()
		o.logger.Printf("Event gap on %s: %v; checkpoint rolled back to %d", stream, err, backward)
		return localNextEventID, nil
	}
	return 0, err
}

// SyncEvents advances one stream as far as MaxQueryTimes windows allow.
func (o *Observer) SyncEvents(ctx context.Context, stream Stream) error {
	local, err := o.localNextEventID(ctx, stream)
	if err != nil {
		return err
	}
	onchain, err := o.onchainNextEventID(ctx, stream)
	if err != nil {
		return err
	}
	if local >= onchain {
		return nil
	}
	for i := 0; i < o.config.MaxQueryTimes; i++ {
		local, err = o.syncAndSaveCheckpoint(ctx, stream, local)
		if err != nil {
			return err
		}
		if local >= onchain {
			break
		}
	}
	o.logger.Printf("Synced %s: local next id %d, onchain next id %d", stream, local, onchain)
	return nil
}

// ============================================================================
// JOBS
// ============================================================================

func (o *Observer) syncLoop(ctx context.Context, stream Stream) error {
	ticker := time.NewTicker(o.config.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := o.SyncEvents(ctx, stream); err != nil {
				return err
			}
		}
	}
}

// RunStreamJob runs one stream's sync loop under the restart policy: any
// error sleeps RestartInterval and respawns the loop.
func (o *Observer) RunStreamJob(ctx context.Context, stream Stream) {
	for {
		err := o.syncLoop(ctx, stream)
		if ctx.Err() != nil {
			return
		}
		o.logger.Printf("Sync job for %s stopped: %v; restarting in %s", stream, err, o.config.RestartInterval)
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.config.RestartInterval):
		}
	}
}

// StartAllJobs spawns the three stream jobs.
func (o *Observer) StartAllJobs(ctx context.Context) {
	for _, stream := range []Stream{StreamDeposited, StreamDepositLeafInserted, StreamBlockPosted} {
		go o.RunStreamJob(ctx, stream)
	}
	o.logger.Println("All observer jobs started")
}
