// Copyright 2025 Intmax Protocol
//
// Encrypted blob vault interface. Two storage modes:
//
//   - Snapshot topics: one blob per (topic, pubkey), replaced via CAS on
//     the previous digest.
//   - Sequence topics: append-only log per (topic, pubkey), read by cursor.
//
// Blobs are encrypted client-side; the vault only sees ciphertext and
// content digests.

package vault

import (
	"context"
	"errors"
	"time"

	"github.com/InternetMaximalism/intmax2-core/pkg/types"
)

// MaxBatchSize caps one page of sequence reads.
const MaxBatchSize = 1000

// Topics used by the core.
const (
	TopicDeposit        = "deposit"
	TopicTransfer       = "transfer"
	TopicWithdrawal     = "withdrawal"
	TopicTx             = "tx"
	TopicSenderProofSet = "sender_proof_set"
	TopicUserData       = "user_data"
)

// WriteRights controls who may write a topic and how.
type WriteRights int

const (
	// SingleAuthWrite: authenticated owner, first write only (no prev digest).
	SingleAuthWrite WriteRights = iota
	// SingleOpenWrite: anyone, first write only.
	SingleOpenWrite
	// AuthWrite: authenticated owner, CAS updates allowed.
	AuthWrite
	// OpenWrite: anyone, CAS updates allowed.
	OpenWrite
)

// ReadRights controls who may read a topic.
type ReadRights int

const (
	// AuthRead: only the authenticated owner.
	AuthRead ReadRights = iota
	// OpenRead: anyone.
	OpenRead
)

// Common errors
var (
	ErrLockConflict     = errors.New("snapshot digest conflict")
	ErrWriteDenied      = errors.New("write rights violation")
	ErrReadDenied       = errors.New("read rights violation")
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrBatchTooLarge    = errors.New("batch size exceeds limit")
)

// MetaData locates one blob in time.
type MetaData struct {
	Timestamp uint64        `json:"timestamp"`
	Digest    types.Bytes32 `json:"digest"`
}

// DataWithMetaData is one blob plus its metadata.
type DataWithMetaData struct {
	Data []byte   `json:"data"`
	Meta MetaData `json:"meta"`
}

// Cursor pages through a sequence topic.
type Cursor struct {
	// Meta is exclusive: reads start strictly after (ascending) or
	// strictly before (descending) this point. Nil starts at the edge.
	Meta  *MetaData `json:"meta"`
	Order Order     `json:"order"`
	Limit int       `json:"limit"`
}

// Order is the pagination direction.
type Order string

const (
	Ascending  Order = "asc"
	Descending Order = "desc"
)

// CursorResponse reports where a page ended.
type CursorResponse struct {
	NextCursor *MetaData `json:"next_cursor"`
	HasMore    bool      `json:"has_more"`
	TotalCount int       `json:"total_count"`
}

// Auth is a short-lived signed read/write authorization. Verification of
// the signature happens at the RPC boundary; the vault trusts Pubkey once
// the envelope checks out.
type Auth struct {
	Pubkey    *types.U256
	ExpiresAt time.Time
}

// Authenticated reports whether auth proves control of pubkey.
func (a *Auth) Authenticated(pubkey *types.U256) bool {
	return a != nil && a.Pubkey != nil && a.Pubkey.Eq(pubkey) && time.Now().Before(a.ExpiresAt)
}

// Store is the vault storage interface consumed by the builder, the
// withdrawal server and client sync.
type Store interface {
	// SaveSnapshot stores a snapshot blob with CAS semantics: the write
	// succeeds only when the stored digest equals prevDigest (both nil
	// meaning "no snapshot yet"). Returns ErrLockConflict otherwise.
	SaveSnapshot(ctx context.Context, auth *Auth, topic string, pubkey *types.U256, prevDigest *types.Bytes32, digest types.Bytes32, data []byte) error

	// GetSnapshot returns the current snapshot blob.
	GetSnapshot(ctx context.Context, auth *Auth, topic string, pubkey *types.U256) (*DataWithMetaData, error)

	// AppendSequence appends a blob to a sequence topic. Appends are
	// idempotent on (topic, pubkey, digest).
	AppendSequence(ctx context.Context, auth *Auth, topic string, pubkey *types.U256, digest types.Bytes32, data []byte) error

	// ReadSequence pages through a sequence topic.
	ReadSequence(ctx context.Context, auth *Auth, topic string, pubkey *types.U256, cursor Cursor) ([]*DataWithMetaData, *CursorResponse, error)

	// GetSequenceByDigest returns one sequence blob by its content digest.
	GetSequenceByDigest(ctx context.Context, auth *Auth, topic string, pubkey *types.U256, digest types.Bytes32) (*DataWithMetaData, error)
}

// ErrSequenceNotFound is returned when a digest lookup misses.
var ErrSequenceNotFound = errors.New("sequence entry not found")

// TopicPolicy fixes the rights of each topic.
type TopicPolicy struct {
	Write WriteRights
	Read  ReadRights
}

// DefaultPolicies returns the rights table of the core topics.
func DefaultPolicies() map[string]TopicPolicy {
	return map[string]TopicPolicy{
		TopicUserData:       {Write: AuthWrite, Read: AuthRead},
		TopicSenderProofSet: {Write: SingleOpenWrite, Read: OpenRead},
		TopicDeposit:        {Write: OpenWrite, Read: AuthRead},
		TopicTransfer:       {Write: OpenWrite, Read: AuthRead},
		TopicWithdrawal:     {Write: OpenWrite, Read: AuthRead},
		TopicTx:             {Write: AuthWrite, Read: AuthRead},
	}
}

// CheckWrite enforces the topic's write rights.
func CheckWrite(policy TopicPolicy, auth *Auth, pubkey *types.U256, prevDigest *types.Bytes32) error {
	switch policy.Write {
	case SingleAuthWrite:
		if !auth.Authenticated(pubkey) {
			return ErrWriteDenied
		}
		if prevDigest != nil {
			return ErrWriteDenied
		}
	case SingleOpenWrite:
		if prevDigest != nil {
			return ErrWriteDenied
		}
	case AuthWrite:
		if !auth.Authenticated(pubkey) {
			return ErrWriteDenied
		}
	case OpenWrite:
	}
	return nil
}

// CheckRead enforces the topic's read rights.
func CheckRead(policy TopicPolicy, auth *Auth, pubkey *types.U256) error {
	if policy.Read == AuthRead && !auth.Authenticated(pubkey) {
		return ErrReadDenied
	}
	return nil
}
