// Copyright 2025 Intmax Protocol
//
// Incremental Merkle tree over a timestamp-snapshotted node store. Used
// for the block-hash tree and the deposit-hash tree: leaves are appended
// densely from position 0 and never move.

package trees

import (
	"context"
	"fmt"

	"github.com/InternetMaximalism/intmax2-core/pkg/poseidon"
	"github.com/InternetMaximalism/intmax2-core/pkg/types"
)

// IncrementalMerkleTree is a persistent append-only Merkle tree.
type IncrementalMerkleTree struct {
	store  Store
	tag    uint32
	height int
}

// NewIncrementalMerkleTree binds a tree to its store, tag and height.
func NewIncrementalMerkleTree(store Store, tag uint32, height int) *IncrementalMerkleTree {
	return &IncrementalMerkleTree{store: store, tag: tag, height: height}
}

// Tag returns the storage tag of the tree.
func (t *IncrementalMerkleTree) Tag() uint32 { return t.tag }

// Height returns the fixed height of the tree.
func (t *IncrementalMerkleTree) Height() int { return t.height }

// Len returns the leaf count of the snapshot at timestamp.
func (t *IncrementalMerkleTree) Len(ctx context.Context, timestamp uint64) (uint64, error) {
	var n uint64
	err := t.store.View(ctx, func(tx StoreTx) error {
		var err error
		n, err = tx.GetLen(ctx, t.tag, timestamp)
		return err
	})
	return n, err
}

// GetRoot returns the root of the snapshot at timestamp.
func (t *IncrementalMerkleTree) GetRoot(ctx context.Context, timestamp uint64) (types.Bytes32, error) {
	var root types.Bytes32
	err := t.store.View(ctx, func(tx StoreTx) error {
		var err error
		root, err = t.getNode(ctx, tx, timestamp, RootPath)
		return err
	})
	return root, err
}

// GetLeaf returns the leaf hash at the given position in the snapshot.
func (t *IncrementalMerkleTree) GetLeaf(ctx context.Context, timestamp uint64, position uint64) (types.Bytes32, error) {
	var leaf types.Bytes32
	err := t.store.View(ctx, func(tx StoreTx) error {
		h, ok, err := tx.GetLeaf(ctx, t.tag, timestamp, position)
		if err != nil {
			return err
		}
		if !ok {
			h = zeroHash(0)
		}
		leaf = h
		return nil
	})
	return leaf, err
}

// Push appends a leaf under the given timestamp and rewrites the root path.
func (t *IncrementalMerkleTree) Push(ctx context.Context, timestamp uint64, leaf types.Bytes32) error {
	return t.store.Update(ctx, func(tx StoreTx) error {
		length, err := tx.GetLen(ctx, t.tag, timestamp)
		if err != nil {
			return err
		}
		if length >= uint64(1)<<uint(t.height) {
			return ErrTreeFull
		}
		if err := t.writeLeaf(ctx, tx, timestamp, length, leaf); err != nil {
			return err
		}
		return tx.PutLen(ctx, t.tag, timestamp, length+1)
	})
}

// Update overwrites the leaf at position under the given timestamp.
func (t *IncrementalMerkleTree) Update(ctx context.Context, timestamp uint64, position uint64, leaf types.Bytes32) error {
	return t.store.Update(ctx, func(tx StoreTx) error {
		length, err := tx.GetLen(ctx, t.tag, timestamp)
		if err != nil {
			return err
		}
		if position >= length {
			return fmt.Errorf("%w: position %d, len %d", ErrIndexOutOfRange, position, length)
		}
		return t.writeLeaf(ctx, tx, timestamp, position, leaf)
	})
}

// Prove returns the Merkle proof for the leaf at position in the snapshot.
func (t *IncrementalMerkleTree) Prove(ctx context.Context, timestamp uint64, position uint64) (*types.MerkleProof, error) {
	var proof *types.MerkleProof
	err := t.store.View(ctx, func(tx StoreTx) error {
		var err error
		proof, err = t.prove(ctx, tx, timestamp, position)
		return err
	})
	return proof, err
}

// Reset deletes every write with timestamp >= the given timestamp.
// Snapshots strictly before it remain valid.
func (t *IncrementalMerkleTree) Reset(ctx context.Context, timestamp uint64) error {
	return t.store.Update(ctx, func(tx StoreTx) error {
		return tx.Reset(ctx, t.tag, timestamp)
	})
}

func (t *IncrementalMerkleTree) getNode(ctx context.Context, tx StoreTx, timestamp uint64, path BitPath) (types.Bytes32, error) {
	h, ok, err := tx.GetNode(ctx, t.tag, timestamp, path)
	if err != nil {
		return types.Bytes32{}, err
	}
	if !ok {
		h = zeroHash(t.height - int(path.Depth))
	}
	return h, nil
}

// writeLeaf stores the leaf and recomputes every ancestor up to the root.
func (t *IncrementalMerkleTree) writeLeaf(ctx context.Context, tx StoreTx, timestamp uint64, position uint64, leaf types.Bytes32) error {
	if err := tx.PutLeaf(ctx, t.tag, timestamp, position, leaf); err != nil {
		return err
	}
	path := LeafPath(t.height, position)
	if err := tx.PutNode(ctx, t.tag, timestamp, path, leaf); err != nil {
		return err
	}
	h := [32]byte(leaf)
	for path.Depth > 0 {
		sib, err := t.getNode(ctx, tx, timestamp, path.Sibling())
		if err != nil {
			return err
		}
		if path.IsRight() {
			h = poseidon.HashPair([32]byte(sib), h)
		} else {
			h = poseidon.HashPair(h, [32]byte(sib))
		}
		path = path.Parent()
		if err := tx.PutNode(ctx, t.tag, timestamp, path, types.Bytes32(h)); err != nil {
			return err
		}
	}
	return nil
}

func (t *IncrementalMerkleTree) prove(ctx context.Context, tx StoreTx, timestamp uint64, position uint64) (*types.MerkleProof, error) {
	path := LeafPath(t.height, position)
	siblings := make([]types.Bytes32, 0, t.height)
	for path.Depth > 0 {
		sib, err := t.getNode(ctx, tx, timestamp, path.Sibling())
		if err != nil {
			return nil, err
		}
		siblings = append(siblings, sib)
		path = path.Parent()
	}
	return &types.MerkleProof{Siblings: siblings}, nil
}
