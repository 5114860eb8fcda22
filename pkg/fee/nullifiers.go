// Copyright 2025 Intmax Protocol
//
// Nullifier registry over the used_payments table. A consumed fee
// transfer is keyed by its Poseidon nullifier; registration of any
// already-stored nullifier fails atomically before any side effect.

package fee

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/InternetMaximalism/intmax2-core/pkg/database"
	"github.com/InternetMaximalism/intmax2-core/pkg/types"
)

// NullifierStore persists consumed fee transfers.
type NullifierStore interface {
	// Contains reports whether any of the nullifiers is already used.
	Contains(ctx context.Context, nullifiers []types.Bytes32) (bool, error)
	// Register stores transfers by nullifier. If any nullifier is already
	// present the whole registration fails with ErrDuplicateNullifier and
	// nothing is written.
	Register(ctx context.Context, transfers []*types.Transfer) error
}

// SQLNullifierStore is the production store on used_payments.
type SQLNullifierStore struct {
	client *database.Client
}

// NewSQLNullifierStore wraps the database client.
func NewSQLNullifierStore(client *database.Client) *SQLNullifierStore {
	return &SQLNullifierStore{client: client}
}

// Contains reports whether any of the nullifiers is already used.
func (s *SQLNullifierStore) Contains(ctx context.Context, nullifiers []types.Bytes32) (bool, error) {
	for _, n := range nullifiers {
		var exists bool
		err := s.client.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM used_payments WHERE nullifier = $1)`,
			n.Bytes(),
		).Scan(&exists)
		if err != nil {
			return false, fmt.Errorf("check nullifier: %w", err)
		}
		if exists {
			return true, nil
		}
	}
	return false, nil
}

// Register stores transfers by nullifier, all-or-nothing.
func (s *SQLNullifierStore) Register(ctx context.Context, transfers []*types.Transfer) error {
	return s.client.WithTx(ctx, func(tx *sql.Tx) error {
		for _, tr := range transfers {
			nullifier := tr.Nullifier()
			raw, err := json.Marshal(tr)
			if err != nil {
				return fmt.Errorf("serialize transfer: %w", err)
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO used_payments (nullifier, transfer)
				VALUES ($1, $2)
				ON CONFLICT (nullifier) DO NOTHING`,
				nullifier.Bytes(), raw,
			)
			if err != nil {
				return fmt.Errorf("register nullifier: %w", err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 0 {
				// Conflict: roll the whole registration back.
				return ErrDuplicateNullifier
			}
		}
		return nil
	})
}

// MemoryNullifierStore is an in-memory store for tests.
type MemoryNullifierStore struct {
	mu   sync.Mutex
	used map[types.Bytes32]*types.Transfer
}

// NewMemoryNullifierStore returns an empty store.
func NewMemoryNullifierStore() *MemoryNullifierStore {
	return &MemoryNullifierStore{used: make(map[types.Bytes32]*types.Transfer)}
}

// Contains reports whether any of the nullifiers is already used.
func (s *MemoryNullifierStore) Contains(ctx context.Context, nullifiers []types.Bytes32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range nullifiers {
		if _, ok := s.used[n]; ok {
			return true, nil
		}
	}
	return false, nil
}

// Register stores transfers by nullifier, all-or-nothing.
func (s *MemoryNullifierStore) Register(ctx context.Context, transfers []*types.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tr := range transfers {
		if _, ok := s.used[tr.Nullifier()]; ok {
			return ErrDuplicateNullifier
		}
	}
	for _, tr := range transfers {
		s.used[tr.Nullifier()] = tr
	}
	return nil
}
