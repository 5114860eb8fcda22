// Copyright 2025 Intmax Protocol
//
// Postgres-backed vault store. Snapshot CAS locks the row with SELECT ...
// FOR UPDATE and compares digests inside a transaction; sequence appends are idempotent on the digest
// primary key.

package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/InternetMaximalism/intmax2-core/pkg/database"
	"github.com/InternetMaximalism/intmax2-core/pkg/types"
)

// SQLStore persists vault blobs in Postgres.
type SQLStore struct {
	client   *database.Client
	policies map[string]TopicPolicy
}

// NewSQLStore wraps the database client as a vault store.
func NewSQLStore(client *database.Client) *SQLStore {
	return &SQLStore{client: client, policies: DefaultPolicies()}
}

func (s *SQLStore) policy(topic string) TopicPolicy {
	if p, ok := s.policies[topic]; ok {
		return p
	}
	// Unknown topics default to the most restrictive rights.
	return TopicPolicy{Write: SingleAuthWrite, Read: AuthRead}
}

// SaveSnapshot stores a snapshot blob with CAS semantics.
func (s *SQLStore) SaveSnapshot(ctx context.Context, auth *Auth, topic string, pubkey *types.U256, prevDigest *types.Bytes32, digest types.Bytes32, data []byte) error {
	if err := CheckWrite(s.policy(topic), auth, pubkey, prevDigest); err != nil {
		return err
	}
	return s.client.WithTx(ctx, func(tx *sql.Tx) error {
		var stored []byte
		err := tx.QueryRowContext(ctx, `
			SELECT digest FROM vault_snapshots
			WHERE topic = $1 AND pubkey = $2::numeric
			FOR UPDATE`,
			topic, pubkey.Dec(),
		).Scan(&stored)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			if prevDigest != nil {
				return ErrLockConflict
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO vault_snapshots (topic, pubkey, digest, data, updated_at)
				VALUES ($1, $2::numeric, $3, $4, now())`,
				topic, pubkey.Dec(), digest.Bytes(), data,
			)
			if err != nil {
				return fmt.Errorf("insert snapshot: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("read snapshot digest: %w", err)
		}

		storedDigest, err := types.Bytes32FromSlice(stored)
		if err != nil {
			return err
		}
		if prevDigest == nil || storedDigest != *prevDigest {
			return ErrLockConflict
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE vault_snapshots
			SET digest = $3, data = $4, updated_at = now()
			WHERE topic = $1 AND pubkey = $2::numeric`,
			topic, pubkey.Dec(), digest.Bytes(), data,
		)
		if err != nil {
			return fmt.Errorf("update snapshot: %w", err)
		}
		return nil
	})
}

// GetSnapshot returns the current snapshot blob.
func (s *SQLStore) GetSnapshot(ctx context.Context, auth *Auth, topic string, pubkey *types.U256) (*DataWithMetaData, error) {
	if err := CheckRead(s.policy(topic), auth, pubkey); err != nil {
		return nil, err
	}
	var (
		digest    []byte
		data      []byte
		updatedAt time.Time
	)
	err := s.client.QueryRowContext(ctx, `
		SELECT digest, data, updated_at FROM vault_snapshots
		WHERE topic = $1 AND pubkey = $2::numeric`,
		topic, pubkey.Dec(),
	).Scan(&digest, &data, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	d, err := types.Bytes32FromSlice(digest)
	if err != nil {
		return nil, err
	}
	return &DataWithMetaData{
		Data: data,
		Meta: MetaData{Timestamp: uint64(updatedAt.UnixMicro()), Digest: d},
	}, nil
}

// AppendSequence appends a blob to a sequence topic, idempotent on digest.
func (s *SQLStore) AppendSequence(ctx context.Context, auth *Auth, topic string, pubkey *types.U256, digest types.Bytes32, data []byte) error {
	if err := CheckWrite(s.policy(topic), auth, pubkey, nil); err != nil {
		return err
	}
	_, err := s.client.ExecContext(ctx, `
		INSERT INTO vault_sequences (topic, pubkey, digest, data)
		VALUES ($1, $2::numeric, $3, $4)
		ON CONFLICT (topic, pubkey, digest) DO NOTHING`,
		topic, pubkey.Dec(), digest.Bytes(), data,
	)
	if err != nil {
		return fmt.Errorf("append sequence: %w", err)
	}
	return nil
}

// GetSequenceByDigest returns one sequence blob by its content digest.
func (s *SQLStore) GetSequenceByDigest(ctx context.Context, auth *Auth, topic string, pubkey *types.U256, digest types.Bytes32) (*DataWithMetaData, error) {
	if err := CheckRead(s.policy(topic), auth, pubkey); err != nil {
		return nil, err
	}
	var (
		data      []byte
		createdAt time.Time
	)
	err := s.client.QueryRowContext(ctx, `
		SELECT data, created_at FROM vault_sequences
		WHERE topic = $1 AND pubkey = $2::numeric AND digest = $3`,
		topic, pubkey.Dec(), digest.Bytes(),
	).Scan(&data, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSequenceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sequence by digest: %w", err)
	}
	return &DataWithMetaData{
		Data: data,
		Meta: MetaData{Timestamp: uint64(createdAt.UnixMicro()), Digest: digest},
	}, nil
}

// ReadSequence pages through a sequence topic by (created_at, digest).
func (s *SQLStore) ReadSequence(ctx context.Context, auth *Auth, topic string, pubkey *types.U256, cursor Cursor) ([]*DataWithMetaData, *CursorResponse, error) {
	if err := CheckRead(s.policy(topic), auth, pubkey); err != nil {
		return nil, nil, err
	}
	limit := cursor.Limit
	if limit <= 0 || limit > MaxBatchSize {
		if limit > MaxBatchSize {
			return nil, nil, ErrBatchTooLarge
		}
		limit = MaxBatchSize
	}

	var total int
	if err := s.client.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM vault_sequences
		WHERE topic = $1 AND pubkey = $2::numeric`,
		topic, pubkey.Dec(),
	).Scan(&total); err != nil {
		return nil, nil, fmt.Errorf("count sequence: %w", err)
	}

	query := `
		SELECT digest, data, created_at FROM vault_sequences
		WHERE topic = $1 AND pubkey = $2::numeric`
	args := []interface{}{topic, pubkey.Dec()}

	if cursor.Meta != nil {
		ts := time.UnixMicro(int64(cursor.Meta.Timestamp))
		if cursor.Order == Descending {
			query += ` AND (created_at, digest) < ($3, $4)`
		} else {
			query += ` AND (created_at, digest) > ($3, $4)`
		}
		args = append(args, ts, cursor.Meta.Digest.Bytes())
	}
	if cursor.Order == Descending {
		query += ` ORDER BY created_at DESC, digest DESC`
	} else {
		query += ` ORDER BY created_at ASC, digest ASC`
	}
	query += fmt.Sprintf(` LIMIT %d`, limit+1)

	rows, err := s.client.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("read sequence: %w", err)
	}
	defer rows.Close()

	var out []*DataWithMetaData
	for rows.Next() {
		var (
			digest    []byte
			data      []byte
			createdAt time.Time
		)
		if err := rows.Scan(&digest, &data, &createdAt); err != nil {
			return nil, nil, err
		}
		d, err := types.Bytes32FromSlice(digest)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, &DataWithMetaData{
			Data: data,
			Meta: MetaData{Timestamp: uint64(createdAt.UnixMicro()), Digest: d},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	resp := &CursorResponse{HasMore: hasMore, TotalCount: total}
	if len(out) > 0 {
		last := out[len(out)-1].Meta
		resp.NextCursor = &last
	}
	return out, resp, nil
}
