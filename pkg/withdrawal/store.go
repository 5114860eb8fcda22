// Copyright 2025 Intmax Protocol
//
// Record store abstraction for the withdrawal server. The SQL
// implementation commits the fee nullifiers and the record in one
// transaction; the memory implementation backs the unit tests with the
// same atomicity.

package withdrawal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/InternetMaximalism/intmax2-core/pkg/database"
	"github.com/InternetMaximalism/intmax2-core/pkg/fee"
	"github.com/InternetMaximalism/intmax2-core/pkg/types"
)

// RecordStore persists records atomically with their fee nullifiers.
type RecordStore interface {
	// SaveWithdrawal registers the fee transfers' nullifiers and upserts
	// the record in one atomic step. Idempotent on the withdrawal hash.
	SaveWithdrawal(ctx context.Context, record *WithdrawalRecord, feeTransfers []*types.Transfer) error
	// SaveClaim mirrors SaveWithdrawal for claims, keyed by nullifier.
	// An existing record for the nullifier is kept as it is.
	SaveClaim(ctx context.Context, record *ClaimRecord, feeTransfers []*types.Transfer) error
	// UsedNullifiers reports which of the given fee nullifiers are spent.
	UsedNullifiers(ctx context.Context, nullifiers []types.Bytes32) (map[types.Bytes32]bool, error)
	// HasClaim reports whether a claim nullifier already has a record.
	HasClaim(ctx context.Context, nullifier types.Bytes32) (bool, error)
	// ListWithdrawals pages records by pubkey or recipient.
	ListWithdrawals(ctx context.Context, pubkey *types.U256, recipient *common.Address, cursor *time.Time, order QueryOrder, limit int) (*Page[*WithdrawalRecord], error)
}

// ============================================================================
// SQL STORE
// ============================================================================

// SQLRecordStore is the production RecordStore.
type SQLRecordStore struct {
	client *database.Client
	repo   *Repository
}

// NewSQLRecordStore wraps the database client.
func NewSQLRecordStore(client *database.Client) *SQLRecordStore {
	return &SQLRecordStore{client: client, repo: NewRepository(client)}
}

func registerNullifiersTx(ctx context.Context, tx *sql.Tx, transfers []*types.Transfer) error {
	for _, tr := range transfers {
		raw, err := json.Marshal(tr)
		if err != nil {
			return fmt.Errorf("serialize transfer: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO used_payments (nullifier, transfer)
			VALUES ($1, $2)
			ON CONFLICT (nullifier) DO NOTHING`,
			tr.Nullifier().Bytes(), raw,
		)
		if err != nil {
			return fmt.Errorf("register nullifier: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fee.ErrDuplicateNullifier
		}
	}
	return nil
}

// SaveWithdrawal registers nullifiers and upserts the record atomically.
func (s *SQLRecordStore) SaveWithdrawal(ctx context.Context, record *WithdrawalRecord, feeTransfers []*types.Transfer) error {
	return s.client.WithTx(ctx, func(tx *sql.Tx) error {
		if err := registerNullifiersTx(ctx, tx, feeTransfers); err != nil {
			return err
		}
		return s.repo.UpsertWithdrawal(ctx, tx, record)
	})
}

// SaveClaim registers nullifiers and upserts the record atomically.
func (s *SQLRecordStore) SaveClaim(ctx context.Context, record *ClaimRecord, feeTransfers []*types.Transfer) error {
	return s.client.WithTx(ctx, func(tx *sql.Tx) error {
		if err := registerNullifiersTx(ctx, tx, feeTransfers); err != nil {
			return err
		}
		return s.repo.UpsertClaim(ctx, tx, record)
	})
}

// UsedNullifiers reports which of the given nullifiers are spent.
func (s *SQLRecordStore) UsedNullifiers(ctx context.Context, nullifiers []types.Bytes32) (map[types.Bytes32]bool, error) {
	out := make(map[types.Bytes32]bool, len(nullifiers))
	for _, n := range nullifiers {
		var exists bool
		err := s.client.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM used_payments WHERE nullifier = $1)`,
			n.Bytes(),
		).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("check nullifier: %w", err)
		}
		out[n] = exists
	}
	return out, nil
}

// HasClaim reports whether a claim nullifier already has a record.
func (s *SQLRecordStore) HasClaim(ctx context.Context, nullifier types.Bytes32) (bool, error) {
	var exists bool
	err := s.client.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM claims WHERE nullifier = $1)`,
		nullifier.Bytes(),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check claim: %w", err)
	}
	return exists, nil
}

// ListWithdrawals pages records by pubkey or recipient.
func (s *SQLRecordStore) ListWithdrawals(ctx context.Context, pubkey *types.U256, recipient *common.Address, cursor *time.Time, order QueryOrder, limit int) (*Page[*WithdrawalRecord], error) {
	return s.repo.ListWithdrawals(ctx, queryFilter{Pubkey: pubkey, Recipient: recipient}, cursor, order, limit)
}

// ============================================================================
// MEMORY STORE
// ============================================================================

// MemoryRecordStore is an in-memory RecordStore for tests.
type MemoryRecordStore struct {
	mu          sync.Mutex
	withdrawals map[types.Bytes32]*WithdrawalRecord
	claims      map[types.Bytes32]*ClaimRecord
	nullifiers  map[types.Bytes32]bool
	clock       time.Time
}

// NewMemoryRecordStore returns an empty store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		withdrawals: make(map[types.Bytes32]*WithdrawalRecord),
		claims:      make(map[types.Bytes32]*ClaimRecord),
		nullifiers:  make(map[types.Bytes32]bool),
		clock:       time.Now(),
	}
}

func (s *MemoryRecordStore) tick() time.Time {
	s.clock = s.clock.Add(time.Microsecond)
	return s.clock
}

// SaveWithdrawal registers nullifiers and upserts atomically.
func (s *MemoryRecordStore) SaveWithdrawal(ctx context.Context, record *WithdrawalRecord, feeTransfers []*types.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tr := range feeTransfers {
		if s.nullifiers[tr.Nullifier()] {
			return fee.ErrDuplicateNullifier
		}
	}
	for _, tr := range feeTransfers {
		s.nullifiers[tr.Nullifier()] = true
	}
	if _, exists := s.withdrawals[record.WithdrawalHash]; !exists {
		cp := *record
		cp.CreatedAt = s.tick()
		s.withdrawals[record.WithdrawalHash] = &cp
	}
	return nil
}

// SaveClaim registers nullifiers and upserts atomically.
func (s *MemoryRecordStore) SaveClaim(ctx context.Context, record *ClaimRecord, feeTransfers []*types.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tr := range feeTransfers {
		if s.nullifiers[tr.Nullifier()] {
			return fee.ErrDuplicateNullifier
		}
	}
	for _, tr := range feeTransfers {
		s.nullifiers[tr.Nullifier()] = true
	}
	if _, exists := s.claims[record.Nullifier]; !exists {
		cp := *record
		cp.CreatedAt = s.tick()
		s.claims[record.Nullifier] = &cp
	}
	return nil
}

// UsedNullifiers reports which nullifiers are spent.
func (s *MemoryRecordStore) UsedNullifiers(ctx context.Context, nullifiers []types.Bytes32) (map[types.Bytes32]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[types.Bytes32]bool, len(nullifiers))
	for _, n := range nullifiers {
		out[n] = s.nullifiers[n]
	}
	return out, nil
}

// HasClaim reports whether a claim nullifier has a record.
func (s *MemoryRecordStore) HasClaim(ctx context.Context, nullifier types.Bytes32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.claims[nullifier]
	return ok, nil
}

// ListWithdrawals pages records by pubkey or recipient.
func (s *MemoryRecordStore) ListWithdrawals(ctx context.Context, pubkey *types.U256, recipient *common.Address, cursor *time.Time, order QueryOrder, limit int) (*Page[*WithdrawalRecord], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	var all []*WithdrawalRecord
	for _, r := range s.withdrawals {
		switch {
		case pubkey != nil:
			if !r.Pubkey.Eq(pubkey) {
				continue
			}
		case recipient != nil:
			if r.Recipient != *recipient {
				continue
			}
		default:
			return nil, fmt.Errorf("filter requires pubkey or recipient")
		}
		all = append(all, r)
	}
	sortWithdrawals(all, order)
	total := len(all)

	if cursor != nil {
		filtered := all[:0]
		for _, r := range all {
			if order == OrderDesc {
				if r.CreatedAt.Before(*cursor) {
					filtered = append(filtered, r)
				}
			} else if r.CreatedAt.After(*cursor) {
				filtered = append(filtered, r)
			}
		}
		all = filtered
	}

	page := &Page[*WithdrawalRecord]{TotalCount: total}
	if len(all) > limit {
		page.HasMore = true
		all = all[:limit]
	}
	page.Items = all
	if len(all) > 0 {
		last := all[len(all)-1].CreatedAt
		page.NextCursor = &last
	}
	return page, nil
}

func sortWithdrawals(items []*WithdrawalRecord, order QueryOrder) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0; j-- {
			less := items[j].CreatedAt.Before(items[j-1].CreatedAt)
			if order == OrderDesc {
				less = items[j].CreatedAt.After(items[j-1].CreatedAt)
			}
			if !less {
				break
			}
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}
