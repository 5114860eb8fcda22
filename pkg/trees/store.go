// Copyright 2025 Intmax Protocol
//
// Node storage for timestamp-snapshotted Merkle trees.
//
// Every node write is keyed by (tag, timestamp, bit_path); reads resolve
// to the newest node at or before the requested timestamp, so any
// previously-written timestamp remains a consistent snapshot. Reset
// deletes every write at or after a timestamp, restoring the tree to the
// preceding snapshot.

package trees

import (
	"context"

	"github.com/InternetMaximalism/intmax2-core/pkg/types"
)

// IndexedLeaf is one leaf of an indexed Merkle tree. The keys of all
// leaves form a sorted linked list: leaf.Key < leaf.NextKey, and NextKey
// is zero on the terminal leaf (meaning +infinity).
type IndexedLeaf struct {
	Key       *types.U256 `json:"key"`
	NextKey   *types.U256 `json:"next_key"`
	NextIndex uint64      `json:"next_index"`
	Value     uint64      `json:"value"`
}

// EmptyIndexedLeaf is the all-zero leaf occupying unwritten positions.
func EmptyIndexedLeaf() *IndexedLeaf {
	return &IndexedLeaf{Key: types.NewU256(0), NextKey: types.NewU256(0)}
}

// Hash returns the Poseidon leaf hash.
func (l *IndexedLeaf) Hash() types.Bytes32 {
	return hashIndexedLeaf(l)
}

// StoreTx is one consistent view of a tree's node storage. Writes for a
// single timestamp must happen through a single StoreTx so that the
// snapshot appears atomically.
type StoreTx interface {
	// GetNode returns the newest node hash at or before timestamp, or
	// (zero, false) if the node was never written.
	GetNode(ctx context.Context, tag uint32, timestamp uint64, path BitPath) (types.Bytes32, bool, error)
	// PutNode writes a node hash under the given timestamp.
	PutNode(ctx context.Context, tag uint32, timestamp uint64, path BitPath, hash types.Bytes32) error

	// GetLeaf returns the newest leaf hash at or before timestamp.
	GetLeaf(ctx context.Context, tag uint32, timestamp uint64, position uint64) (types.Bytes32, bool, error)
	// PutLeaf writes a leaf hash under the given timestamp.
	PutLeaf(ctx context.Context, tag uint32, timestamp uint64, position uint64, hash types.Bytes32) error

	// GetIndexedLeaf returns the newest indexed leaf at or before timestamp.
	GetIndexedLeaf(ctx context.Context, tag uint32, timestamp uint64, position uint64) (*IndexedLeaf, bool, error)
	// PutIndexedLeaf writes an indexed leaf (and its hash) under the timestamp.
	PutIndexedLeaf(ctx context.Context, tag uint32, timestamp uint64, position uint64, leaf *IndexedLeaf) error
	// LowIndexCandidates returns the positions of every current leaf l
	// with l.Key <= key < l.NextKey (NextKey zero meaning infinity),
	// as of the given timestamp. A healthy tree yields exactly one.
	LowIndexCandidates(ctx context.Context, tag uint32, timestamp uint64, key *types.U256) ([]uint64, []*IndexedLeaf, error)
	// IndexByKey returns the position of the current leaf with the exact key.
	IndexByKey(ctx context.Context, tag uint32, timestamp uint64, key *types.U256) (uint64, bool, error)

	// GetLen returns the newest leaf count at or before timestamp.
	GetLen(ctx context.Context, tag uint32, timestamp uint64) (uint64, error)
	// PutLen writes the leaf count under the given timestamp.
	PutLen(ctx context.Context, tag uint32, timestamp uint64, length uint64) error

	// Reset deletes every node, leaf and length record with
	// timestamp >= the given timestamp for the tag.
	Reset(ctx context.Context, tag uint32, timestamp uint64) error
}

// Store hands out transactional views.
type Store interface {
	// View runs fn over a read-only view.
	View(ctx context.Context, fn func(tx StoreTx) error) error
	// Update runs fn over a read-write view; all writes commit atomically
	// or not at all.
	Update(ctx context.Context, fn func(tx StoreTx) error) error
}
