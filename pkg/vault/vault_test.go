// Copyright 2025 Intmax Protocol
//
// Unit tests for the vault store
// Exercises snapshot CAS, write rights, and sequence pagination

package vault

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/InternetMaximalism/intmax2-core/pkg/poseidon"
	"github.com/InternetMaximalism/intmax2-core/pkg/types"
)

func authFor(pubkey *types.U256) *Auth {
	return &Auth{Pubkey: pubkey, ExpiresAt: time.Now().Add(time.Minute)}
}

func digestOf(data []byte) types.Bytes32 {
	return types.Bytes32(poseidon.Hash(data))
}

func TestSnapshotCAS(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	pubkey := types.NewU256(42)
	auth := authFor(pubkey)

	d1 := digestOf([]byte("v1"))
	if err := store.SaveSnapshot(ctx, auth, TopicUserData, pubkey, nil, d1, []byte("v1")); err != nil {
		t.Fatalf("initial save: %v", err)
	}

	// Update with the right prev digest succeeds.
	d2 := digestOf([]byte("v2"))
	if err := store.SaveSnapshot(ctx, auth, TopicUserData, pubkey, &d1, d2, []byte("v2")); err != nil {
		t.Fatalf("CAS update: %v", err)
	}

	// Update with a stale prev digest fails.
	d3 := digestOf([]byte("v3"))
	err := store.SaveSnapshot(ctx, auth, TopicUserData, pubkey, &d1, d3, []byte("v3"))
	if !errors.Is(err, ErrLockConflict) {
		t.Errorf("expected ErrLockConflict, got %v", err)
	}

	got, err := store.GetSnapshot(ctx, auth, TopicUserData, pubkey)
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if got.Meta.Digest != d2 {
		t.Errorf("snapshot digest = %s, want %s", got.Meta.Digest, d2)
	}
}

func TestConcurrentCASOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	pubkey := types.NewU256(7)
	auth := authFor(pubkey)

	d0 := digestOf([]byte("base"))
	if err := store.SaveSnapshot(ctx, auth, TopicUserData, pubkey, nil, d0, []byte("base")); err != nil {
		t.Fatalf("initial save: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := digestOf([]byte{byte(i)})
			errs[i] = store.SaveSnapshot(ctx, auth, TopicUserData, pubkey, &d0, d, []byte{byte(i)})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrLockConflict) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("%d concurrent CAS writes won, want exactly 1", wins)
	}
}

func TestWriteRights(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	owner := types.NewU256(1)
	stranger := authFor(types.NewU256(2))

	// user_data is AuthWrite: a stranger's auth must be rejected.
	d := digestOf([]byte("x"))
	err := store.SaveSnapshot(ctx, stranger, TopicUserData, owner, nil, d, []byte("x"))
	if !errors.Is(err, ErrWriteDenied) {
		t.Errorf("expected ErrWriteDenied, got %v", err)
	}

	// sender_proof_set is SingleOpenWrite: anyone may write once...
	if err := store.SaveSnapshot(ctx, nil, TopicSenderProofSet, owner, nil, d, []byte("x")); err != nil {
		t.Fatalf("single open write: %v", err)
	}
	// ...but never with a prev digest.
	d2 := digestOf([]byte("y"))
	err = store.SaveSnapshot(ctx, nil, TopicSenderProofSet, owner, &d, d2, []byte("y"))
	if !errors.Is(err, ErrWriteDenied) {
		t.Errorf("expected ErrWriteDenied on single-write update, got %v", err)
	}
}

func TestSequencePagination(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	pubkey := types.NewU256(9)
	auth := authFor(pubkey)

	for i := byte(0); i < 5; i++ {
		data := []byte{i}
		if err := store.AppendSequence(ctx, auth, TopicTransfer, pubkey, digestOf(data), data); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	// Duplicate append is a no-op.
	if err := store.AppendSequence(ctx, auth, TopicTransfer, pubkey, digestOf([]byte{0}), []byte{0}); err != nil {
		t.Fatalf("duplicate append: %v", err)
	}

	page1, resp, err := store.ReadSequence(ctx, auth, TopicTransfer, pubkey, Cursor{Order: Ascending, Limit: 2})
	if err != nil {
		t.Fatalf("read page 1: %v", err)
	}
	if len(page1) != 2 || !resp.HasMore || resp.TotalCount != 5 {
		t.Fatalf("page 1: len=%d hasMore=%v total=%d", len(page1), resp.HasMore, resp.TotalCount)
	}

	page2, resp, err := store.ReadSequence(ctx, auth, TopicTransfer, pubkey, Cursor{Meta: resp.NextCursor, Order: Ascending, Limit: 10})
	if err != nil {
		t.Fatalf("read page 2: %v", err)
	}
	if len(page2) != 3 || resp.HasMore {
		t.Fatalf("page 2: len=%d hasMore=%v", len(page2), resp.HasMore)
	}

	// Pages must not overlap.
	seen := map[types.Bytes32]bool{}
	for _, e := range append(page1, page2...) {
		if seen[e.Meta.Digest] {
			t.Errorf("digest %s appears in two pages", e.Meta.Digest)
		}
		seen[e.Meta.Digest] = true
	}

	// Oversized limit is rejected.
	if _, _, err := store.ReadSequence(ctx, auth, TopicTransfer, pubkey, Cursor{Limit: MaxBatchSize + 1}); !errors.Is(err, ErrBatchTooLarge) {
		t.Errorf("expected ErrBatchTooLarge, got %v", err)
	}
}
