// Copyright 2025 Intmax Protocol
//
// Validity State Repository - persisted witnesses, proofs and tx-tree
// root index for the validity prover.

package prover

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/InternetMaximalism/intmax2-core/pkg/database"
	"github.com/InternetMaximalism/intmax2-core/pkg/types"
)

// Repository reads and writes the prover's tables.
type Repository struct {
	client *database.Client
}

// NewRepository creates a validity state repository.
func NewRepository(client *database.Client) *Repository {
	return &Repository{client: client}
}

// LastSyncedBlockNumber returns the newest block with a persisted witness.
func (r *Repository) LastSyncedBlockNumber(ctx context.Context) (uint32, error) {
	var n sql.NullInt64
	if err := r.client.QueryRowContext(ctx, `SELECT MAX(block_number) FROM validity_state`).Scan(&n); err != nil {
		return 0, fmt.Errorf("last synced block: %w", err)
	}
	if !n.Valid {
		return 0, nil
	}
	return uint32(n.Int64), nil
}

// SaveValidityWitness persists the witness of one block.
func (r *Repository) SaveValidityWitness(ctx context.Context, blockNumber uint32, witness *ValidityWitness) error {
	raw, err := witness.Serialize()
	if err != nil {
		return fmt.Errorf("serialize witness %d: %w", blockNumber, err)
	}
	_, err = r.client.ExecContext(ctx, `
		INSERT INTO validity_state (block_number, validity_witness)
		VALUES ($1, $2)
		ON CONFLICT (block_number) DO UPDATE SET validity_witness = $2`,
		int64(blockNumber), raw,
	)
	if err != nil {
		return fmt.Errorf("save witness %d: %w", blockNumber, err)
	}
	return nil
}

// GetValidityWitness returns the witness of one block.
func (r *Repository) GetValidityWitness(ctx context.Context, blockNumber uint32) (*ValidityWitness, error) {
	var raw []byte
	err := r.client.QueryRowContext(ctx,
		`SELECT validity_witness FROM validity_state WHERE block_number = $1`,
		int64(blockNumber),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get witness %d: %w", blockNumber, err)
	}
	return DeserializeValidityWitness(raw)
}

// DeleteWitnessesFrom drops witnesses with block_number >= the given one.
// Used by resetState together with the tree rollbacks.
func (r *Repository) DeleteWitnessesFrom(ctx context.Context, blockNumber uint32) error {
	_, err := r.client.ExecContext(ctx,
		`DELETE FROM validity_state WHERE block_number >= $1`, int64(blockNumber))
	if err != nil {
		return fmt.Errorf("delete witnesses from %d: %w", blockNumber, err)
	}
	return nil
}

// SaveValidityProof persists the folded proof of one block.
func (r *Repository) SaveValidityProof(ctx context.Context, blockNumber uint32, proof []byte) error {
	_, err := r.client.ExecContext(ctx, `
		INSERT INTO validity_proofs (block_number, proof)
		VALUES ($1, $2)
		ON CONFLICT (block_number) DO UPDATE SET proof = $2`,
		int64(blockNumber), proof,
	)
	if err != nil {
		return fmt.Errorf("save proof %d: %w", blockNumber, err)
	}
	return nil
}

// GetValidityProof returns the folded proof of one block.
func (r *Repository) GetValidityProof(ctx context.Context, blockNumber uint32) ([]byte, error) {
	var raw []byte
	err := r.client.QueryRowContext(ctx,
		`SELECT proof FROM validity_proofs WHERE block_number = $1`,
		int64(blockNumber),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrProofNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get proof %d: %w", blockNumber, err)
	}
	return raw, nil
}

// LastProofBlockNumber returns the newest folded block.
func (r *Repository) LastProofBlockNumber(ctx context.Context) (uint32, error) {
	var n sql.NullInt64
	if err := r.client.QueryRowContext(ctx, `SELECT MAX(block_number) FROM validity_proofs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("last proof block: %w", err)
	}
	if !n.Valid {
		return 0, nil
	}
	return uint32(n.Int64), nil
}

// UpsertTxTreeRoot maps a tx tree root to the block that settled it.
func (r *Repository) UpsertTxTreeRoot(ctx context.Context, txTreeRoot types.Bytes32, blockNumber uint32) error {
	_, err := r.client.ExecContext(ctx, `
		INSERT INTO tx_tree_roots (tx_tree_root, block_number)
		VALUES ($1, $2)
		ON CONFLICT (tx_tree_root) DO UPDATE SET block_number = $2`,
		txTreeRoot.Bytes(), int64(blockNumber),
	)
	if err != nil {
		return fmt.Errorf("upsert tx tree root: %w", err)
	}
	return nil
}

// GetBlockNumberByTxTreeRoot resolves the block a tx tree root landed in.
func (r *Repository) GetBlockNumberByTxTreeRoot(ctx context.Context, txTreeRoot types.Bytes32) (uint32, error) {
	var n int64
	err := r.client.QueryRowContext(ctx,
		`SELECT block_number FROM tx_tree_roots WHERE tx_tree_root = $1`,
		txTreeRoot.Bytes(),
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, database.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get block by tx tree root: %w", err)
	}
	return uint32(n), nil
}
