// Copyright 2025 Intmax Protocol
//
// Event Log Repository - canonical storage of observed chain events
// Inserts are idempotent on the event's primary key so that at-least-once
// delivery from the sync loop never duplicates rows.

package observer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/InternetMaximalism/intmax2-core/pkg/database"
	"github.com/InternetMaximalism/intmax2-core/pkg/rollup"
	"github.com/InternetMaximalism/intmax2-core/pkg/types"
)

// Stream identifies one gap-free event sequence.
type Stream string

const (
	StreamDeposited           Stream = "deposited"
	StreamDepositLeafInserted Stream = "deposit_leaf_inserted"
	StreamBlockPosted         Stream = "block_posted"
)

// Repository reads and writes the observer's tables.
type Repository struct {
	client *database.Client
}

// NewRepository creates an event log repository.
func NewRepository(client *database.Client) *Repository {
	return &Repository{client: client}
}

// ============================================================================
// CHECKPOINTS
// ============================================================================

// GetCheckpoint returns the stream's checkpoint eth block, if set.
func (r *Repository) GetCheckpoint(ctx context.Context, stream Stream) (uint64, bool, error) {
	var v int64
	err := r.client.QueryRowContext(ctx,
		`SELECT checkpoint_eth_block FROM event_sync_state WHERE stream = $1`,
		string(stream),
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get checkpoint: %w", err)
	}
	return uint64(v), true, nil
}

// SetCheckpoint stores the stream's checkpoint eth block.
func (r *Repository) SetCheckpoint(ctx context.Context, stream Stream, ethBlock uint64) error {
	_, err := r.client.ExecContext(ctx, `
		INSERT INTO event_sync_state (stream, checkpoint_eth_block)
		VALUES ($1, $2)
		ON CONFLICT (stream) DO UPDATE SET checkpoint_eth_block = $2`,
		string(stream), int64(ethBlock),
	)
	if err != nil {
		return fmt.Errorf("set checkpoint: %w", err)
	}
	return nil
}

// ============================================================================
// FULL BLOCKS
// ============================================================================

// CountBlocks returns the number of stored blocks.
func (r *Repository) CountBlocks(ctx context.Context) (int64, error) {
	var n int64
	if err := r.client.QueryRowContext(ctx, `SELECT COUNT(*) FROM full_blocks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count blocks: %w", err)
	}
	return n, nil
}

// InsertFullBlocks stores posted blocks; duplicates are ignored.
func (r *Repository) InsertFullBlocks(ctx context.Context, blocks []*rollup.FullBlockWithMeta) error {
	return r.client.WithTx(ctx, func(tx *sql.Tx) error {
		for _, b := range blocks {
			raw, err := json.Marshal(b.FullBlock)
			if err != nil {
				return fmt.Errorf("serialize block %d: %w", b.FullBlock.BlockNumber, err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO full_blocks (block_number, eth_block_number, eth_tx_index, full_block)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (block_number) DO NOTHING`,
				int64(b.FullBlock.BlockNumber), int64(b.EthBlockNumber), int64(b.EthTxIndex), raw,
			)
			if err != nil {
				return fmt.Errorf("insert block %d: %w", b.FullBlock.BlockNumber, err)
			}
		}
		return nil
	})
}

// GetFullBlock returns one stored block.
func (r *Repository) GetFullBlock(ctx context.Context, blockNumber uint32) (*rollup.FullBlockWithMeta, error) {
	var (
		ethBlock int64
		ethTx    int64
		raw      []byte
	)
	err := r.client.QueryRowContext(ctx, `
		SELECT eth_block_number, eth_tx_index, full_block
		FROM full_blocks WHERE block_number = $1`,
		int64(blockNumber),
	).Scan(&ethBlock, &ethTx, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrBlockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get block %d: %w", blockNumber, err)
	}
	var fb types.FullBlock
	if err := json.Unmarshal(raw, &fb); err != nil {
		return nil, fmt.Errorf("decode block %d: %w", blockNumber, err)
	}
	return &rollup.FullBlockWithMeta{
		FullBlock:      &fb,
		EthBlockNumber: uint64(ethBlock),
		EthTxIndex:     uint64(ethTx),
	}, nil
}

// LastBlockNumber returns the newest stored block number.
func (r *Repository) LastBlockNumber(ctx context.Context) (uint32, error) {
	var n sql.NullInt64
	if err := r.client.QueryRowContext(ctx, `SELECT MAX(block_number) FROM full_blocks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("last block number: %w", err)
	}
	if !n.Valid {
		return 0, nil
	}
	return uint32(n.Int64), nil
}

// LastEventEthBlock returns the chain block of the newest stored event for
// a stream. The genesis sentinel at eth block 0 reads as absent.
func (r *Repository) LastEventEthBlock(ctx context.Context, stream Stream) (uint64, bool, error) {
	var query string
	switch stream {
	case StreamDeposited:
		query = `SELECT eth_block_number FROM deposited_events
			WHERE deposit_id = (SELECT MAX(deposit_id) FROM deposited_events)`
	case StreamDepositLeafInserted:
		query = `SELECT eth_block_number FROM deposit_leaf_events
			WHERE deposit_index = (SELECT MAX(deposit_index) FROM deposit_leaf_events)`
	case StreamBlockPosted:
		query = `SELECT eth_block_number FROM full_blocks
			WHERE block_number = (SELECT MAX(block_number) FROM full_blocks)`
	default:
		return 0, false, fmt.Errorf("unknown stream %q", stream)
	}
	var v sql.NullInt64
	err := r.client.QueryRowContext(ctx, query).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !v.Valid) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("last event eth block: %w", err)
	}
	if v.Int64 == 0 {
		// Genesis bootstrap row.
		return 0, false, nil
	}
	return uint64(v.Int64), true, nil
}

// ============================================================================
// DEPOSIT EVENTS
// ============================================================================

// InsertDepositedEvents stores L1 Deposited events; duplicates are ignored.
func (r *Repository) InsertDepositedEvents(ctx context.Context, events []*types.DepositedEvent) error {
	return r.client.WithTx(ctx, func(tx *sql.Tx) error {
		for _, e := range events {
			depositHash := e.Deposit().Hash()
			_, err := tx.ExecContext(ctx, `
				INSERT INTO deposited_events
					(deposit_id, depositor, pubkey_salt_hash, token_index, amount, is_eligible,
					 deposited_at, deposit_hash, tx_hash, eth_block_number, eth_tx_index)
				VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11)
				ON CONFLICT (deposit_id) DO NOTHING`,
				int64(e.DepositID), e.Depositor.Hex(), e.PubkeySaltHash.Bytes(),
				int64(e.TokenIndex), e.Amount.Dec(), e.IsEligible,
				int64(e.DepositedAt), depositHash.Bytes(), e.TxHash.Bytes(),
				int64(e.EthBlockNumber), int64(e.EthTxIndex),
			)
			if err != nil {
				return fmt.Errorf("insert deposited event %d: %w", e.DepositID, err)
			}
		}
		return nil
	})
}

// LastDepositID returns the newest stored deposit id.
func (r *Repository) LastDepositID(ctx context.Context) (uint64, bool, error) {
	var n sql.NullInt64
	if err := r.client.QueryRowContext(ctx, `SELECT MAX(deposit_id) FROM deposited_events`).Scan(&n); err != nil {
		return 0, false, fmt.Errorf("last deposit id: %w", err)
	}
	if !n.Valid {
		return 0, false, nil
	}
	return uint64(n.Int64), true, nil
}

// GetDepositedEvent returns one Deposited event by id.
func (r *Repository) GetDepositedEvent(ctx context.Context, depositID uint64) (*types.DepositedEvent, error) {
	row := r.client.QueryRowContext(ctx, `
		SELECT deposit_id, depositor, pubkey_salt_hash, token_index, amount, is_eligible,
		       deposited_at, tx_hash, eth_block_number, eth_tx_index
		FROM deposited_events WHERE deposit_id = $1`,
		int64(depositID),
	)
	e, err := scanDepositedEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	return e, err
}

// ============================================================================
// DEPOSIT LEAF EVENTS
// ============================================================================

// InsertDepositLeafEvents stores DepositLeafInserted events idempotently.
func (r *Repository) InsertDepositLeafEvents(ctx context.Context, events []*types.DepositLeafInsertedEvent) error {
	return r.client.WithTx(ctx, func(tx *sql.Tx) error {
		for _, e := range events {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO deposit_leaf_events (deposit_index, deposit_hash, eth_block_number, eth_tx_index)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (deposit_index) DO NOTHING`,
				int64(e.DepositIndex), e.DepositHash.Bytes(),
				int64(e.EthBlockNumber), int64(e.EthTxIndex),
			)
			if err != nil {
				return fmt.Errorf("insert deposit leaf %d: %w", e.DepositIndex, err)
			}
		}
		return nil
	})
}

// LastDepositIndex returns the newest stored deposit index.
func (r *Repository) LastDepositIndex(ctx context.Context) (uint32, bool, error) {
	var n sql.NullInt64
	if err := r.client.QueryRowContext(ctx, `SELECT MAX(deposit_index) FROM deposit_leaf_events`).Scan(&n); err != nil {
		return 0, false, fmt.Errorf("last deposit index: %w", err)
	}
	if !n.Valid {
		return 0, false, nil
	}
	return uint32(n.Int64), true, nil
}

// GetDepositLeafEvents returns leaf events in [fromIndex, toIndex].
func (r *Repository) GetDepositLeafEvents(ctx context.Context, fromIndex, toIndex uint32) ([]*types.DepositLeafInsertedEvent, error) {
	rows, err := r.client.QueryContext(ctx, `
		SELECT deposit_index, deposit_hash, eth_block_number, eth_tx_index
		FROM deposit_leaf_events
		WHERE deposit_index >= $1 AND deposit_index <= $2
		ORDER BY deposit_index ASC`,
		int64(fromIndex), int64(toIndex),
	)
	if err != nil {
		return nil, fmt.Errorf("get deposit leaf events: %w", err)
	}
	defer rows.Close()

	var out []*types.DepositLeafInsertedEvent
	for rows.Next() {
		var (
			index    int64
			hash     []byte
			ethBlock int64
			ethTx    int64
		)
		if err := rows.Scan(&index, &hash, &ethBlock, &ethTx); err != nil {
			return nil, err
		}
		h, err := types.Bytes32FromSlice(hash)
		if err != nil {
			return nil, err
		}
		out = append(out, &types.DepositLeafInsertedEvent{
			DepositIndex:   uint32(index),
			DepositHash:    h,
			EthBlockNumber: uint64(ethBlock),
			EthTxIndex:     uint64(ethTx),
		})
	}
	return out, rows.Err()
}

func scanDepositedEvent(row *sql.Row) (*types.DepositedEvent, error) {
	var (
		depositID   int64
		depositor   string
		saltHash    []byte
		tokenIndex  int64
		amount      string
		isEligible  bool
		depositedAt int64
		txHash      []byte
		ethBlock    int64
		ethTx       int64
	)
	if err := row.Scan(&depositID, &depositor, &saltHash, &tokenIndex, &amount,
		&isEligible, &depositedAt, &txHash, &ethBlock, &ethTx); err != nil {
		return nil, err
	}
	sh, err := types.Bytes32FromSlice(saltHash)
	if err != nil {
		return nil, err
	}
	th, err := types.Bytes32FromSlice(txHash)
	if err != nil {
		return nil, err
	}
	amt, err := types.U256FromDecimal(amount)
	if err != nil {
		return nil, err
	}
	return &types.DepositedEvent{
		DepositID:      uint64(depositID),
		Depositor:      common.HexToAddress(depositor),
		PubkeySaltHash: sh,
		TokenIndex:     uint32(tokenIndex),
		Amount:         amt,
		IsEligible:     isEligible,
		DepositedAt:    uint64(depositedAt),
		TxHash:         th,
		EthBlockNumber: uint64(ethBlock),
		EthTxIndex:     uint64(ethTx),
	}, nil
}
