// Copyright 2025 Intmax Protocol
//
// Indexed Merkle tree over a timestamp-snapshotted node store. Used for
// the account tree: leaf keys form a sorted linked list inside the tree,
// which lets the circuits prove both membership and non-membership.

package trees

import (
	"context"
	"fmt"

	"github.com/InternetMaximalism/intmax2-core/pkg/poseidon"
	"github.com/InternetMaximalism/intmax2-core/pkg/types"
)

// IndexedMerkleTree is a persistent indexed Merkle tree.
type IndexedMerkleTree struct {
	store  Store
	tag    uint32
	height int
}

// NewIndexedMerkleTree binds a tree to its store, tag and height.
func NewIndexedMerkleTree(store Store, tag uint32, height int) *IndexedMerkleTree {
	return &IndexedMerkleTree{store: store, tag: tag, height: height}
}

// Tag returns the storage tag of the tree.
func (t *IndexedMerkleTree) Tag() uint32 { return t.tag }

// Height returns the fixed height of the tree.
func (t *IndexedMerkleTree) Height() int { return t.height }

// Initialize writes the sentinel leaf at position 0 under timestamp 0 if
// the tree is empty. The sentinel's [0, inf) interval makes every lookup
// well-defined.
func (t *IndexedMerkleTree) Initialize(ctx context.Context) error {
	return t.store.Update(ctx, func(tx StoreTx) error {
		length, err := tx.GetLen(ctx, t.tag, 0)
		if err != nil {
			return err
		}
		if length > 0 {
			return nil
		}
		if err := t.writeIndexedLeaf(ctx, tx, 0, 0, EmptyIndexedLeaf()); err != nil {
			return err
		}
		return tx.PutLen(ctx, t.tag, 0, 1)
	})
}

// Len returns the leaf count of the snapshot at timestamp.
func (t *IndexedMerkleTree) Len(ctx context.Context, timestamp uint64) (uint64, error) {
	var n uint64
	err := t.store.View(ctx, func(tx StoreTx) error {
		var err error
		n, err = tx.GetLen(ctx, t.tag, timestamp)
		return err
	})
	return n, err
}

// GetRoot returns the root of the snapshot at timestamp.
func (t *IndexedMerkleTree) GetRoot(ctx context.Context, timestamp uint64) (types.Bytes32, error) {
	var root types.Bytes32
	err := t.store.View(ctx, func(tx StoreTx) error {
		var err error
		root, err = t.getNode(ctx, tx, timestamp, RootPath)
		return err
	})
	return root, err
}

// GetLeaf returns the indexed leaf at position in the snapshot.
func (t *IndexedMerkleTree) GetLeaf(ctx context.Context, timestamp uint64, position uint64) (*IndexedLeaf, error) {
	var leaf *IndexedLeaf
	err := t.store.View(ctx, func(tx StoreTx) error {
		l, ok, err := tx.GetIndexedLeaf(ctx, t.tag, timestamp, position)
		if err != nil {
			return err
		}
		if !ok {
			l = EmptyIndexedLeaf()
		}
		leaf = l
		return nil
	})
	return leaf, err
}

// LowIndex returns the position of the unique leaf whose [Key, NextKey)
// interval contains the query key in the snapshot at timestamp.
func (t *IndexedMerkleTree) LowIndex(ctx context.Context, timestamp uint64, key *types.U256) (uint64, error) {
	var pos uint64
	err := t.store.View(ctx, func(tx StoreTx) error {
		p, _, err := t.lowIndex(ctx, tx, timestamp, key)
		pos = p
		return err
	})
	return pos, err
}

// Index returns the position of the leaf holding exactly the given key.
func (t *IndexedMerkleTree) Index(ctx context.Context, timestamp uint64, key *types.U256) (uint64, bool, error) {
	var pos uint64
	var ok bool
	err := t.store.View(ctx, func(tx StoreTx) error {
		var err error
		pos, ok, err = tx.IndexByKey(ctx, t.tag, timestamp, key)
		return err
	})
	return pos, ok, err
}

// Key returns the key stored at the given position.
func (t *IndexedMerkleTree) Key(ctx context.Context, timestamp uint64, position uint64) (*types.U256, error) {
	leaf, err := t.GetLeaf(ctx, timestamp, position)
	if err != nil {
		return nil, err
	}
	return leaf.Key, nil
}

// Insert adds a new key under the given timestamp: the low-index leaf's
// pointers are rewritten and the new leaf lands at position len. Both
// writes share the timestamp so the snapshot moves atomically.
func (t *IndexedMerkleTree) Insert(ctx context.Context, timestamp uint64, key *types.U256, value uint64) (uint64, error) {
	var newPos uint64
	err := t.store.Update(ctx, func(tx StoreTx) error {
		lowPos, lowLeaf, err := t.lowIndex(ctx, tx, timestamp, key)
		if err != nil {
			return err
		}
		if lowLeaf.Key.Eq(key) {
			return ErrKeyAlreadyExists
		}

		length, err := tx.GetLen(ctx, t.tag, timestamp)
		if err != nil {
			return err
		}
		if length >= uint64(1)<<uint(t.height) {
			return ErrTreeFull
		}
		newPos = length

		newLeaf := &IndexedLeaf{
			Key:       new(types.U256).Set(key),
			NextKey:   new(types.U256).Set(lowLeaf.NextKey),
			NextIndex: lowLeaf.NextIndex,
			Value:     value,
		}
		updatedLow := &IndexedLeaf{
			Key:       new(types.U256).Set(lowLeaf.Key),
			NextKey:   new(types.U256).Set(key),
			NextIndex: newPos,
			Value:     lowLeaf.Value,
		}

		if err := t.writeIndexedLeaf(ctx, tx, timestamp, lowPos, updatedLow); err != nil {
			return err
		}
		if err := t.writeIndexedLeaf(ctx, tx, timestamp, newPos, newLeaf); err != nil {
			return err
		}
		return tx.PutLen(ctx, t.tag, timestamp, length+1)
	})
	return newPos, err
}

// Update rewrites the value of an existing key under the given timestamp.
func (t *IndexedMerkleTree) Update(ctx context.Context, timestamp uint64, key *types.U256, value uint64) error {
	return t.store.Update(ctx, func(tx StoreTx) error {
		pos, ok, err := tx.IndexByKey(ctx, t.tag, timestamp, key)
		if err != nil {
			return err
		}
		if !ok {
			return ErrKeyNotFound
		}
		leaf, _, err := tx.GetIndexedLeaf(ctx, t.tag, timestamp, pos)
		if err != nil {
			return err
		}
		leaf.Value = value
		return t.writeIndexedLeaf(ctx, tx, timestamp, pos, leaf)
	})
}

// Prove returns the Merkle proof for the leaf at position in the snapshot.
func (t *IndexedMerkleTree) Prove(ctx context.Context, timestamp uint64, position uint64) (*types.MerkleProof, error) {
	var proof *types.MerkleProof
	err := t.store.View(ctx, func(tx StoreTx) error {
		path := LeafPath(t.height, position)
		siblings := make([]types.Bytes32, 0, t.height)
		for path.Depth > 0 {
			sib, err := t.getNode(ctx, tx, timestamp, path.Sibling())
			if err != nil {
				return err
			}
			siblings = append(siblings, sib)
			path = path.Parent()
		}
		proof = &types.MerkleProof{Siblings: siblings}
		return nil
	})
	return proof, err
}

// MembershipProof proves membership (or non-membership via the low-index
// leaf) of a key at a historical timestamp.
type MembershipProof struct {
	IsIncluded bool               `json:"is_included"`
	Position   uint64             `json:"position"`
	Leaf       *IndexedLeaf       `json:"leaf"`
	Proof      *types.MerkleProof `json:"proof"`
}

// ProveMembership builds a membership or non-membership proof for key.
func (t *IndexedMerkleTree) ProveMembership(ctx context.Context, timestamp uint64, key *types.U256) (*MembershipProof, error) {
	pos, ok, err := t.Index(ctx, timestamp, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		var lerr error
		pos, lerr = t.LowIndex(ctx, timestamp, key)
		if lerr != nil {
			return nil, lerr
		}
	}
	leaf, err := t.GetLeaf(ctx, timestamp, pos)
	if err != nil {
		return nil, err
	}
	proof, err := t.Prove(ctx, timestamp, pos)
	if err != nil {
		return nil, err
	}
	return &MembershipProof{IsIncluded: ok, Position: pos, Leaf: leaf, Proof: proof}, nil
}

// Reset deletes every write with timestamp >= the given timestamp.
func (t *IndexedMerkleTree) Reset(ctx context.Context, timestamp uint64) error {
	return t.store.Update(ctx, func(tx StoreTx) error {
		return tx.Reset(ctx, t.tag, timestamp)
	})
}

func (t *IndexedMerkleTree) getNode(ctx context.Context, tx StoreTx, timestamp uint64, path BitPath) (types.Bytes32, error) {
	h, ok, err := tx.GetNode(ctx, t.tag, timestamp, path)
	if err != nil {
		return types.Bytes32{}, err
	}
	if !ok {
		h = zeroHash(t.height - int(path.Depth))
	}
	return h, nil
}

func (t *IndexedMerkleTree) lowIndex(ctx context.Context, tx StoreTx, timestamp uint64, key *types.U256) (uint64, *IndexedLeaf, error) {
	positions, leaves, err := tx.LowIndexCandidates(ctx, t.tag, timestamp, key)
	if err != nil {
		return 0, nil, err
	}
	switch len(positions) {
	case 0:
		return 0, nil, fmt.Errorf("%w: no low-index leaf for key %s", ErrLeafNotFound, key)
	case 1:
		return positions[0], leaves[0], nil
	default:
		return 0, nil, ErrTreeCorrupted
	}
}

// writeIndexedLeaf stores the leaf and recomputes ancestors to the root.
func (t *IndexedMerkleTree) writeIndexedLeaf(ctx context.Context, tx StoreTx, timestamp uint64, position uint64, leaf *IndexedLeaf) error {
	if err := tx.PutIndexedLeaf(ctx, t.tag, timestamp, position, leaf); err != nil {
		return err
	}
	path := LeafPath(t.height, position)
	h := [32]byte(leaf.Hash())
	if err := tx.PutNode(ctx, t.tag, timestamp, path, types.Bytes32(h)); err != nil {
		return err
	}
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
