// Copyright 2025 Intmax Protocol
//
// Unit tests for the snapshotted Merkle trees
// Exercises timestamped reads, resets, and indexed insertion

package trees

import (
	"context"
	"errors"
	"testing"

	"github.com/InternetMaximalism/intmax2-core/pkg/poseidon"
	"github.com/InternetMaximalism/intmax2-core/pkg/types"
)

func leafOf(b byte) types.Bytes32 {
	var h types.Bytes32
	h[31] = b
	return h
}

// ============================================================================
// Incremental Tree Tests
// ============================================================================

func TestIncrementalPushAndRoot(t *testing.T) {
	ctx := context.Background()
	tree := NewIncrementalMerkleTree(NewMemoryStore(), TagBlockHashTree, 8)

	if err := tree.Push(ctx, 1, leafOf(1)); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := tree.Push(ctx, 2, leafOf(2)); err != nil {
		t.Fatalf("push: %v", err)
	}

	n, err := tree.Len(ctx, 2)
	if err != nil || n != 2 {
		t.Fatalf("len at 2 = %d, err %v; want 2", n, err)
	}
	n, err = tree.Len(ctx, 1)
	if err != nil || n != 1 {
		t.Fatalf("len at 1 = %d, err %v; want 1", n, err)
	}

	// Root at timestamp 2 must match a freshly computed fixed-height root.
	root, err := tree.GetRoot(ctx, 2)
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	want := types.MerkleRootFromLeaves(8, []types.Bytes32{leafOf(1), leafOf(2)})
	if root != want {
		t.Errorf("root mismatch: got %s want %s", root, want)
	}

	// The snapshot at timestamp 1 must still only contain leaf 1.
	root1, err := tree.GetRoot(ctx, 1)
	if err != nil {
		t.Fatalf("root at 1: %v", err)
	}
	want1 := types.MerkleRootFromLeaves(8, []types.Bytes32{leafOf(1)})
	if root1 != want1 {
		t.Errorf("historical root mismatch: got %s want %s", root1, want1)
	}
}

func TestIncrementalProofVerifies(t *testing.T) {
	ctx := context.Background()
	tree := NewIncrementalMerkleTree(NewMemoryStore(), TagDepositTree, 8)

	for i := byte(1); i <= 5; i++ {
		if err := tree.Push(ctx, uint64(i), leafOf(i)); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	root, err := tree.GetRoot(ctx, 5)
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	for i := uint64(0); i < 5; i++ {
		proof, err := tree.Prove(ctx, 5, i)
		if err != nil {
			t.Fatalf("prove %d: %v", i, err)
		}
		if !proof.Verify(leafOf(byte(i+1)), i, root) {
			t.Errorf("proof for leaf %d does not verify", i)
		}
	}
}

func TestIncrementalReset(t *testing.T) {
	ctx := context.Background()
	tree := NewIncrementalMerkleTree(NewMemoryStore(), TagDepositTree, 8)

	for i := byte(1); i <= 4; i++ {
		if err := tree.Push(ctx, uint64(i), leafOf(i)); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	rootAt2, _ := tree.GetRoot(ctx, 2)

	if err := tree.Reset(ctx, 3); err != nil {
		t.Fatalf("reset: %v", err)
	}

	// Snapshots before the reset point survive.
	got, _ := tree.GetRoot(ctx, 2)
	if got != rootAt2 {
		t.Errorf("snapshot at 2 changed after reset")
	}
	// Later snapshots collapse back to the timestamp-2 state.
	n, _ := tree.Len(ctx, 10)
	if n != 2 {
		t.Errorf("len after reset = %d, want 2", n)
	}
	got, _ = tree.GetRoot(ctx, 10)
	if got != rootAt2 {
		t.Errorf("root after reset differs from snapshot at 2")
	}
}

func TestIncrementalTreeFull(t *testing.T) {
	ctx := context.Background()
	tree := NewIncrementalMerkleTree(NewMemoryStore(), TagDepositTree, 1)

	if err := tree.Push(ctx, 1, leafOf(1)); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := tree.Push(ctx, 1, leafOf(2)); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := tree.Push(ctx, 1, leafOf(3)); !errors.Is(err, ErrTreeFull) {
		t.Errorf("expected ErrTreeFull, got %v", err)
	}
}

// ============================================================================
// Indexed Tree Tests
// ============================================================================

func TestIndexedInsertAndLookup(t *testing.T) {
	ctx := context.Background()
	tree := NewIndexedMerkleTree(NewMemoryStore(), TagAccountTree, 8)
	if err := tree.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	keys := []uint64{50, 10, 90, 30}
	positions := make(map[uint64]uint64)
	for i, k := range keys {
		pos, err := tree.Insert(ctx, uint64(i+1), types.NewU256(k), uint64(i+1))
		if err != nil {
			t.Fatalf("insert %d: %v", k, err)
		}
		positions[k] = pos
	}

	// Exact lookups find each key at its insertion position.
	for k, wantPos := range positions {
		pos, ok, err := tree.Index(ctx, 4, types.NewU256(k))
		if err != nil || !ok {
			t.Fatalf("index(%d): ok=%v err=%v", k, ok, err)
		}
		if pos != wantPos {
			t.Errorf("index(%d) = %d, want %d", k, pos, wantPos)
		}
	}

	// The low-index leaf of 40 is the leaf holding 30.
	pos, err := tree.LowIndex(ctx, 4, types.NewU256(40))
	if err != nil {
		t.Fatalf("low index: %v", err)
	}
	if pos != positions[30] {
		t.Errorf("low index of 40 = %d, want position of key 30 (%d)", pos, positions[30])
	}

	// Historical snapshot: before key 30 existed, 40's low leaf held 10.
	pos, err = tree.LowIndex(ctx, 2, types.NewU256(40))
	if err != nil {
		t.Fatalf("historical low index: %v", err)
	}
	if pos != positions[10] {
		t.Errorf("historical low index of 40 = %d, want position of key 10 (%d)", pos, positions[10])
	}
}

func TestIndexedDuplicateInsert(t *testing.T) {
	ctx := context.Background()
	tree := NewIndexedMerkleTree(NewMemoryStore(), TagAccountTree, 8)
	if err := tree.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := tree.Insert(ctx, 1, types.NewU256(42), 1); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := tree.Insert(ctx, 2, types.NewU256(42), 2); !errors.Is(err, ErrKeyAlreadyExists) {
		t.Errorf("expected ErrKeyAlreadyExists, got %v", err)
	}
}

func TestIndexedLinkedListInvariant(t *testing.T) {
	ctx := context.Background()
	tree := NewIndexedMerkleTree(NewMemoryStore(), TagAccountTree, 8)
	if err := tree.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	for i, k := range []uint64{7, 3, 11, 5} {
		if _, err := tree.Insert(ctx, uint64(i+1), types.NewU256(k), 0); err != nil {
			t.Fatalf("insert %d: %v", k, err)
		}
	}

	// Walk the linked list from the sentinel; keys must be sorted and the
	// terminal leaf must point at infinity (NextKey = 0).
	n, _ := tree.Len(ctx, 4)
	visited := 0
	pos := uint64(0)
	prev := types.NewU256(0)
	for {
		leaf, err := tree.GetLeaf(ctx, 4, pos)
		if err != nil {
			t.Fatalf("get leaf %d: %v", pos, err)
		}
		if visited > 0 && !leaf.Key.Gt(prev) {
			t.Fatalf("linked list not sorted at position %d", pos)
		}
		prev = leaf.Key
		visited++
		if leaf.NextKey.IsZero() {
			break
		}
		pos = leaf.NextIndex
	}
	if uint64(visited) != n {
		t.Errorf("walked %d leaves, tree has %d", visited, n)
	}
}

func TestIndexedProofAgainstRoot(t *testing.T) {
	ctx := context.Background()
	tree := NewIndexedMerkleTree(NewMemoryStore(), TagAccountTree, 8)
	if err := tree.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := tree.Insert(ctx, 1, types.NewU256(42), 7); err != nil {
		t.Fatalf("insert: %v", err)
	}

	mp, err := tree.ProveMembership(ctx, 1, types.NewU256(42))
	if err != nil {
		t.Fatalf("prove membership: %v", err)
	}
	if !mp.IsIncluded {
		t.Fatalf("key 42 should be included")
	}
	root, err := tree.GetRoot(ctx, 1)
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	if !mp.Proof.Verify(mp.Leaf.Hash(), mp.Position, root) {
		t.Errorf("membership proof does not verify against root")
	}

	// Non-membership of 41 resolves to a low-index leaf whose interval
	// covers it.
	nm, err := tree.ProveMembership(ctx, 1, types.NewU256(41))
	if err != nil {
		t.Fatalf("prove non-membership: %v", err)
	}
	if nm.IsIncluded {
		t.Errorf("key 41 should not be included")
	}
	if !nm.Proof.Verify(nm.Leaf.Hash(), nm.Position, root) {
		t.Errorf("non-membership proof does not verify against root")
	}
}

func TestZeroHashChain(t *testing.T) {
	z0 := zeroHash(0)
	z1 := zeroHash(1)
	want := types.Bytes32(poseidon.HashPair([32]byte(z0), [32]byte(z0)))
	if z1 != want {
		t.Errorf("zeroHash(1) != H(z0, z0)")
	}
}
