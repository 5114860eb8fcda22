// Copyright 2025 Intmax Protocol
//
// Withdrawal / Claim Repository - CRUD over the withdrawals and claims
// tables. Upserts are idempotent on the content hash so retried requests
// never duplicate records.

package withdrawal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/InternetMaximalism/intmax2-core/pkg/database"
	"github.com/InternetMaximalism/intmax2-core/pkg/types"
)

// Repository persists withdrawal and claim records.
type Repository struct {
	client *database.Client
}

// NewRepository creates a withdrawal repository.
func NewRepository(client *database.Client) *Repository {
	return &Repository{client: client}
}

// UpsertWithdrawal stores a record, idempotent on withdrawal_hash. Runs
// inside the given transaction so nullifier registration and the record
// write commit together.
func (r *Repository) UpsertWithdrawal(ctx context.Context, tx *sql.Tx, record *WithdrawalRecord) error {
	cw, err := json.Marshal(record.ContractWithdrawal)
	if err != nil {
		return fmt.Errorf("serialize contract withdrawal: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO withdrawals
			(withdrawal_hash, pubkey, recipient, single_withdrawal_proof, contract_withdrawal, status)
		VALUES ($1, $2::numeric, $3, $4, $5, $6)
		ON CONFLICT (withdrawal_hash) DO NOTHING`,
		record.WithdrawalHash.Bytes(), record.Pubkey.Dec(), record.Recipient.Hex(),
		record.SingleWithdrawalProof, cw, string(record.Status),
	)
	if err != nil {
		return fmt.Errorf("upsert withdrawal: %w", err)
	}
	return nil
}

// UpsertClaim stores a record, idempotent on nullifier.
func (r *Repository) UpsertClaim(ctx context.Context, tx *sql.Tx, record *ClaimRecord) error {
	claim, err := json.Marshal(record.Claim)
	if err != nil {
		return fmt.Errorf("serialize claim: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO claims
			(nullifier, pubkey, recipient, single_claim_proof, claim, status)
		VALUES ($1, $2::numeric, $3, $4, $5, $6)
		ON CONFLICT (nullifier) DO NOTHING`,
		record.Nullifier.Bytes(), record.Pubkey.Dec(), record.Recipient.Hex(),
		record.SingleClaimProof, claim, string(record.Status),
	)
	if err != nil {
		return fmt.Errorf("upsert claim: %w", err)
	}
	return nil
}

// WithTx exposes the client's transaction helper to the server.
func (r *Repository) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return r.client.WithTx(ctx, fn)
}

// GetWithdrawal returns one record by hash.
func (r *Repository) GetWithdrawal(ctx context.Context, withdrawalHash types.Bytes32) (*WithdrawalRecord, error) {
	row := r.client.QueryRowContext(ctx, `
		SELECT withdrawal_hash, pubkey, recipient, single_withdrawal_proof,
		       contract_withdrawal, status, l1_tx_hash, created_at
		FROM withdrawals WHERE withdrawal_hash = $1`,
		withdrawalHash.Bytes(),
	)
	record, err := scanWithdrawal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrWithdrawalNotFound
	}
	return record, err
}

// UpdateWithdrawalStatus moves a record to a new status.
func (r *Repository) UpdateWithdrawalStatus(ctx context.Context, withdrawalHash types.Bytes32, status Status, l1TxHash string) error {
	_, err := r.client.ExecContext(ctx, `
		UPDATE withdrawals SET status = $2, l1_tx_hash = COALESCE(NULLIF($3, ''), l1_tx_hash)
		WHERE withdrawal_hash = $1`,
		withdrawalHash.Bytes(), string(status), l1TxHash,
	)
	if err != nil {
		return fmt.Errorf("update withdrawal status: %w", err)
	}
	return nil
}

// UpdateClaimStatus moves a claim record to a new status.
func (r *Repository) UpdateClaimStatus(ctx context.Context, nullifier types.Bytes32, status Status, l1TxHash string) error {
	_, err := r.client.ExecContext(ctx, `
		UPDATE claims SET status = $2, l1_tx_hash = COALESCE(NULLIF($3, ''), l1_tx_hash)
		WHERE nullifier = $1`,
		nullifier.Bytes(), string(status), l1TxHash,
	)
	if err != nil {
		return fmt.Errorf("update claim status: %w", err)
	}
	return nil
}

// queryFilter selects records by pubkey or recipient.
type queryFilter struct {
	Pubkey    *types.U256
	Recipient *common.Address
}

// ListWithdrawals pages records by created_at for one pubkey or recipient.
func (r *Repository) ListWithdrawals(ctx context.Context, filter queryFilter, cursor *time.Time, order QueryOrder, limit int) (*Page[*WithdrawalRecord], error) {
	if limit <= 0 || limit > MaxPageLimit {
		limit = MaxPageLimit
	}

	where := ""
	args := []interface{}{}
	switch {
	case filter.Pubkey != nil:
		where = `pubkey = $1::numeric`
		args = append(args, filter.Pubkey.Dec())
	case filter.Recipient != nil:
		where = `recipient = $1`
		args = append(args, filter.Recipient.Hex())
	default:
		return nil, fmt.Errorf("filter requires pubkey or recipient")
	}

	var total int
	if err := r.client.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM withdrawals WHERE `+where, args...,
	).Scan(&total); err != nil {
		return nil, fmt.Errorf("count withdrawals: %w", err)
	}

	query := `
		SELECT withdrawal_hash, pubkey, recipient, single_withdrawal_proof,
		       contract_withdrawal, status, l1_tx_hash, created_at
		FROM withdrawals WHERE ` + where
	if cursor != nil {
		if order == OrderDesc {
			query += ` AND created_at < $2`
		} else {
			query += ` AND created_at > $2`
		}
		args = append(args, *cursor)
	}
	if order == OrderDesc {
		query += ` ORDER BY created_at DESC`
	} else {
		query += ` ORDER BY created_at ASC`
	}
	query += fmt.Sprintf(` LIMIT %d`, limit+1)

	rows, err := r.client.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list withdrawals: %w", err)
	}
	defer rows.Close()

	var items []*WithdrawalRecord
	for rows.Next() {
		record, err := scanWithdrawalRows(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &Page[*WithdrawalRecord]{TotalCount: total}
	if len(items) > limit {
		page.HasMore = true
		items = items[:limit]
	}
	page.Items = items
	if len(items) > 0 {
		last := items[len(items)-1].CreatedAt
		page.NextCursor = &last
	}
	return page, nil
}

func scanWithdrawal(row *sql.Row) (*WithdrawalRecord, error) {
	var (
		hash      []byte
		pubkey    string
		recipient string
		proof     []byte
		cw        []byte
		status    string
		l1TxHash  sql.NullString
		createdAt time.Time
	)
	if err := row.Scan(&hash, &pubkey, &recipient, &proof, &cw, &status, &l1TxHash, &createdAt); err != nil {
		return nil, err
	}
	return buildWithdrawal(hash, pubkey, recipient, proof, cw, status, l1TxHash, createdAt)
}

func scanWithdrawalRows(rows *sql.Rows) (*WithdrawalRecord, error) {
	var (
		hash      []byte
		pubkey    string
		recipient string
		proof     []byte
		cw        []byte
		status    string
		l1TxHash  sql.NullString
		createdAt time.Time
	)
	if err := rows.Scan(&hash, &pubkey, &recipient, &proof, &cw, &status, &l1TxHash, &createdAt); err != nil {
		return nil, err
	}
	return buildWithdrawal(hash, pubkey, recipient, proof, cw, status, l1TxHash, createdAt)
}

func buildWithdrawal(hash []byte, pubkey, recipient string, proof, cw []byte, status string, l1TxHash sql.NullString, createdAt time.Time) (*WithdrawalRecord, error) {
	h, err := types.Bytes32FromSlice(hash)
	if err != nil {
		return nil, err
	}
	pk, err := types.U256FromDecimal(pubkey)
	if err != nil {
		return nil, err
	}
	var contractWithdrawal ContractWithdrawal
	if err := json.Unmarshal(cw, &contractWithdrawal); err != nil {
		return nil, fmt.Errorf("decode contract withdrawal: %w", err)
	}
	return &WithdrawalRecord{
		WithdrawalHash:        h,
		Pubkey:                pk,
		Recipient:             common.HexToAddress(recipient),
		SingleWithdrawalProof: proof,
		ContractWithdrawal:    &contractWithdrawal,
		Status:                Status(status),
		L1TxHash:              l1TxHash.String,
		CreatedAt:             createdAt,
	}, nil
}
