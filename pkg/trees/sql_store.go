// Copyright 2025 Intmax Protocol
//
// Postgres node store. Nodes are keyed by (tag, timestamp, bit_path) and
// reads resolve the newest write at or before the requested timestamp, so
// every historical timestamp stays a readable snapshot until Reset deletes
// it. All writes for one timestamp run inside a single transaction.

package trees

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/InternetMaximalism/intmax2-core/pkg/database"
	"github.com/InternetMaximalism/intmax2-core/pkg/types"
)

// SQLStore is a Store backed by the shared Postgres client.
type SQLStore struct {
	client *database.Client
}

// NewSQLStore wraps the database client as a tree node store.
func NewSQLStore(client *database.Client) *SQLStore {
	return &SQLStore{client: client}
}

// View runs fn over a read-only snapshot.
func (s *SQLStore) View(ctx context.Context, fn func(tx StoreTx) error) error {
	return s.client.WithTx(ctx, func(tx *sql.Tx) error {
		return fn(&sqlTx{tx: tx})
	})
}

// Update runs fn inside a single transaction; either every node write for
// the timestamp commits or none do.
func (s *SQLStore) Update(ctx context.Context, fn func(tx StoreTx) error) error {
	return s.client.WithTx(ctx, func(tx *sql.Tx) error {
		return fn(&sqlTx{tx: tx})
	})
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) GetNode(ctx context.Context, tag uint32, timestamp uint64, path BitPath) (types.Bytes32, bool, error) {
	var raw []byte
	err := t.tx.QueryRowContext(ctx, `
		SELECT hash_value FROM hash_nodes
		WHERE tag = $1 AND bit_path = $2 AND timestamp_value <= $3
		ORDER BY timestamp_value DESC
		LIMIT 1`,
		int32(tag), path.Bytes(), int64(timestamp),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Bytes32{}, false, nil
	}
	if err != nil {
		return types.Bytes32{}, false, fmt.Errorf("get node: %w", err)
	}
	h, err := types.Bytes32FromSlice(raw)
	if err != nil {
		return types.Bytes32{}, false, err
	}
	return h, true, nil
}

func (t *sqlTx) PutNode(ctx context.Context, tag uint32, timestamp uint64, path BitPath, hash types.Bytes32) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO hash_nodes (tag, timestamp_value, bit_path, hash_value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tag, timestamp_value, bit_path)
		DO UPDATE SET hash_value = $4`,
		int32(tag), int64(timestamp), path.Bytes(), hash.Bytes(),
	)
	if err != nil {
		return fmt.Errorf("put node: %w", err)
	}
	return nil
}

func (t *sqlTx) GetLeaf(ctx context.Context, tag uint32, timestamp uint64, position uint64) (types.Bytes32, bool, error) {
	var raw []byte
	err := t.tx.QueryRowContext(ctx, `
		SELECT leaf_hash FROM leaves
		WHERE tag = $1 AND position = $2 AND timestamp_value <= $3
		ORDER BY timestamp_value DESC
		LIMIT 1`,
		int32(tag), int64(position), int64(timestamp),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Bytes32{}, false, nil
	}
	if err != nil {
		return types.Bytes32{}, false, fmt.Errorf("get leaf: %w", err)
	}
	h, err := types.Bytes32FromSlice(raw)
	if err != nil {
		return types.Bytes32{}, false, err
	}
	return h, true, nil
}

func (t *sqlTx) PutLeaf(ctx context.Context, tag uint32, timestamp uint64, position uint64, hash types.Bytes32) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO leaves (timestamp_value, tag, position, leaf_hash, leaf_data)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (timestamp_value, tag, position)
		DO UPDATE SET leaf_hash = $4, leaf_data = $4`,
		int64(timestamp), int32(tag), int64(position), hash.Bytes(),
	)
	if err != nil {
		return fmt.Errorf("put leaf: %w", err)
	}
	return nil
}

func (t *sqlTx) GetIndexedLeaf(ctx context.Context, tag uint32, timestamp uint64, position uint64) (*IndexedLeaf, bool, error) {
	var (
		nextIndex int64
		key       string
		nextKey   string
		value     int64
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT next_index, key, next_key, value FROM indexed_leaves
		WHERE tag = $1 AND position = $2 AND timestamp_value <= $3
		ORDER BY timestamp_value DESC
		LIMIT 1`,
		int32(tag), int64(position), int64(timestamp),
	).Scan(&nextIndex, &key, &nextKey, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get indexed leaf: %w", err)
	}
	leaf, err := indexedLeafFromRow(nextIndex, key, nextKey, value)
	if err != nil {
		return nil, false, err
	}
	return leaf, true, nil
}

func (t *sqlTx) PutIndexedLeaf(ctx context.Context, tag uint32, timestamp uint64, position uint64, leaf *IndexedLeaf) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO indexed_leaves (timestamp_value, tag, position, leaf_hash, next_index, key, next_key, value)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (timestamp_value, tag, position)
		DO UPDATE SET leaf_hash = $4, next_index = $5, key = $6, next_key = $7, value = $8`,
		int64(timestamp), int32(tag), int64(position), leaf.Hash().Bytes(),
		int64(leaf.NextIndex), leaf.Key.Dec(), leaf.NextKey.Dec(), int64(leaf.Value),
	)
	if err != nil {
		return fmt.Errorf("put indexed leaf: %w", err)
	}
	return nil
}

func (t *sqlTx) LowIndexCandidates(ctx context.Context, tag uint32, timestamp uint64, key *types.U256) ([]uint64, []*IndexedLeaf, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT position, next_index, key, next_key, value FROM (
			SELECT DISTINCT ON (position)
				position, next_index, key, next_key, value
			FROM indexed_leaves
			WHERE tag = $1 AND timestamp_value <= $2
			ORDER BY position, timestamp_value DESC
		) current
		WHERE key <= $3::numeric AND (next_key = 0 OR next_key > $3::numeric)`,
		int32(tag), int64(timestamp), key.Dec(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("low index candidates: %w", err)
	}
	defer rows.Close()

	var positions []uint64
	var leaves []*IndexedLeaf
	for rows.Next() {
		var (
			position  int64
			nextIndex int64
			k, nk     string
			value     int64
		)
		if err := rows.Scan(&position, &nextIndex, &k, &nk, &value); err != nil {
			return nil, nil, err
		}
		leaf, err := indexedLeafFromRow(nextIndex, k, nk, value)
		if err != nil {
			return nil, nil, err
		}
		positions = append(positions, uint64(position))
		leaves = append(leaves, leaf)
	}
	return positions, leaves, rows.Err()
}

func (t *sqlTx) IndexByKey(ctx context.Context, tag uint32, timestamp uint64, key *types.U256) (uint64, bool, error) {
	var position int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT position FROM (
			SELECT DISTINCT ON (position) position, key
			FROM indexed_leaves
			WHERE tag = $1 AND timestamp_value <= $2
			ORDER BY position, timestamp_value DESC
		) current
		WHERE key = $3::numeric
		LIMIT 1`,
		int32(tag), int64(timestamp), key.Dec(),
	).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("index by key: %w", err)
	}
	return uint64(position), true, nil
}

func (t *sqlTx) GetLen(ctx context.Context, tag uint32, timestamp uint64) (uint64, error) {
	var length int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT len FROM leaves_len
		WHERE tag = $1 AND timestamp_value <= $2
		ORDER BY timestamp_value DESC
		LIMIT 1`,
		int32(tag), int64(timestamp),
	).Scan(&length)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get len: %w", err)
	}
	return uint64(length), nil
}

func (t *sqlTx) PutLen(ctx context.Context, tag uint32, timestamp uint64, length uint64) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO leaves_len (timestamp_value, tag, len)
		VALUES ($1, $2, $3)
		ON CONFLICT (timestamp_value, tag)
		DO UPDATE SET len = $3`,
		int64(timestamp), int32(tag), int64(length),
	)
	if err != nil {
		return fmt.Errorf("put len: %w", err)
	}
	return nil
}

func (t *sqlTx) Reset(ctx context.Context, tag uint32, timestamp uint64) error {
	stmts := []string{
		`DELETE FROM hash_nodes WHERE tag = $1 AND timestamp_value >= $2`,
		`DELETE FROM leaves WHERE tag = $1 AND timestamp_value >= $2`,
		`DELETE FROM indexed_leaves WHERE tag = $1 AND timestamp_value >= $2`,
		`DELETE FROM leaves_len WHERE tag = $1 AND timestamp_value >= $2`,
	}
	for _, q := range stmts {
		if _, err := t.tx.ExecContext(ctx, q, int32(tag), int64(timestamp)); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}
	return nil
}

func indexedLeafFromRow(nextIndex int64, key, nextKey string, value int64) (*IndexedLeaf, error) {
	k, err := types.U256FromDecimal(key)
	if err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}
	nk, err := types.U256FromDecimal(nextKey)
	if err != nil {
		return nil, fmt.Errorf("parse next_key: %w", err)
	}
	return &IndexedLeaf{
		Key:       k,
		NextKey:   nk,
		NextIndex: uint64(nextIndex),
		Value:     uint64(value),
	}, nil
}
