// Copyright 2025 Intmax Protocol
//
// In-memory node store. Backs the unit tests; semantics mirror the SQL
// store exactly, including timestamped snapshots and resets.

package trees

import (
	"context"
	"sort"
	"sync"

	"github.com/InternetMaximalism/intmax2-core/pkg/types"
)

type memNodeKey struct {
	tag  uint32
	path BitPath
}

type memLeafKey struct {
	tag uint32
	pos uint64
}

type tsValue[T any] struct {
	timestamp uint64
	value     T
}

type tsSeries[T any] []tsValue[T]

func (s tsSeries[T]) latestAt(timestamp uint64) (T, bool) {
	// Series are append-mostly and kept sorted by timestamp.
	i := sort.Search(len(s), func(i int) bool { return s[i].timestamp > timestamp })
	if i == 0 {
		var zero T
		return zero, false
	}
	return s[i-1].value, true
}

func (s tsSeries[T]) put(timestamp uint64, v T) tsSeries[T] {
	i := sort.Search(len(s), func(i int) bool { return s[i].timestamp >= timestamp })
	if i < len(s) && s[i].timestamp == timestamp {
		s[i].value = v
		return s
	}
	s = append(s, tsValue[T]{})
	copy(s[i+1:], s[i:])
	s[i] = tsValue[T]{timestamp: timestamp, value: v}
	return s
}

func (s tsSeries[T]) dropFrom(timestamp uint64) tsSeries[T] {
	i := sort.Search(len(s), func(i int) bool { return s[i].timestamp >= timestamp })
	return s[:i]
}

// MemoryStore is a Store held entirely in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	nodes   map[memNodeKey]tsSeries[types.Bytes32]
	leaves  map[memLeafKey]tsSeries[types.Bytes32]
	indexed map[memLeafKey]tsSeries[*IndexedLeaf]
	lens    map[uint32]tsSeries[uint64]
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:   make(map[memNodeKey]tsSeries[types.Bytes32]),
		leaves:  make(map[memLeafKey]tsSeries[types.Bytes32]),
		indexed: make(map[memLeafKey]tsSeries[*IndexedLeaf]),
		lens:    make(map[uint32]tsSeries[uint64]),
	}
}

// View runs fn over a read-only view.
func (m *MemoryStore) View(ctx context.Context, fn func(tx StoreTx) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memTx{store: m})
}

// Update runs fn over a read-write view. The store lock makes the whole
// update atomic with respect to concurrent views.
func (m *MemoryStore) Update(ctx context.Context, fn func(tx StoreTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memTx{store: m, writable: true})
}

type memTx struct {
	store    *MemoryStore
	writable bool
}

func (t *memTx) GetNode(ctx context.Context, tag uint32, timestamp uint64, path BitPath) (types.Bytes32, bool, error) {
	v, ok := t.store.nodes[memNodeKey{tag: tag, path: path}].latestAt(timestamp)
	return v, ok, nil
}

func (t *memTx) PutNode(ctx context.Context, tag uint32, timestamp uint64, path BitPath, hash types.Bytes32) error {
	k := memNodeKey{tag: tag, path: path}
	t.store.nodes[k] = t.store.nodes[k].put(timestamp, hash)
	return nil
}

func (t *memTx) GetLeaf(ctx context.Context, tag uint32, timestamp uint64, position uint64) (types.Bytes32, bool, error) {
	v, ok := t.store.leaves[memLeafKey{tag: tag, pos: position}].latestAt(timestamp)
	return v, ok, nil
}

func (t *memTx) PutLeaf(ctx context.Context, tag uint32, timestamp uint64, position uint64, hash types.Bytes32) error {
	k := memLeafKey{tag: tag, pos: position}
	t.store.leaves[k] = t.store.leaves[k].put(timestamp, hash)
	return nil
}

func (t *memTx) GetIndexedLeaf(ctx context.Context, tag uint32, timestamp uint64, position uint64) (*IndexedLeaf, bool, error) {
	v, ok := t.store.indexed[memLeafKey{tag: tag, pos: position}].latestAt(timestamp)
	if !ok {
		return nil, false, nil
	}
	cp := *v
	cp.Key = new(types.U256).Set(v.Key)
	cp.NextKey = new(types.U256).Set(v.NextKey)
	return &cp, true, nil
}

func (t *memTx) PutIndexedLeaf(ctx context.Context, tag uint32, timestamp uint64, position uint64, leaf *IndexedLeaf) error {
	cp := *leaf
	cp.Key = new(types.U256).Set(leaf.Key)
	cp.NextKey = new(types.U256).Set(leaf.NextKey)
	k := memLeafKey{tag: tag, pos: position}
	t.store.indexed[k] = t.store.indexed[k].put(timestamp, &cp)
	return nil
}

func (t *memTx) LowIndexCandidates(ctx context.Context, tag uint32, timestamp uint64, key *types.U256) ([]uint64, []*IndexedLeaf, error) {
	var positions []uint64
	var leaves []*IndexedLeaf
	for k, series := range t.store.indexed {
		if k.tag != tag {
			continue
		}
		leaf, ok := series.latestAt(timestamp)
		if !ok {
			continue
		}
		if leaf.Key.Gt(key) {
			continue
		}
		if leaf.NextKey.IsZero() || leaf.NextKey.Gt(key) {
			positions = append(positions, k.pos)
			leaves = append(leaves, leaf)
		}
	}
	return positions, leaves, nil
}

func (t *memTx) IndexByKey(ctx context.Context, tag uint32, timestamp uint64, key *types.U256) (uint64, bool, error) {
	for k, series := range t.store.indexed {
		if k.tag != tag {
			continue
		}
		leaf, ok := series.latestAt(timestamp)
		if !ok {
			continue
		}
		if leaf.Key.Eq(key) {
			return k.pos, true, nil
		}
	}
	return 0, false, nil
}

func (t *memTx) GetLen(ctx context.Context, tag uint32, timestamp uint64) (uint64, error) {
	v, _ := t.store.lens[tag].latestAt(timestamp)
	return v, nil
}

func (t *memTx) PutLen(ctx context.Context, tag uint32, timestamp uint64, length uint64) error {
	t.store.lens[tag] = t.store.lens[tag].put(timestamp, length)
	return nil
}

func (t *memTx) Reset(ctx context.Context, tag uint32, timestamp uint64) error {
	for k, series := range t.store.nodes {
		if k.tag == tag {
			t.store.nodes[k] = series.dropFrom(timestamp)
		}
	}
	for k, series := range t.store.leaves {
		if k.tag == tag {
			t.store.leaves[k] = series.dropFrom(timestamp)
		}
	}
	for k, series := range t.store.indexed {
		if k.tag == tag {
			t.store.indexed[k] = series.dropFrom(timestamp)
		}
	}
	t.store.lens[tag] = t.store.lens[tag].dropFrom(timestamp)
	return nil
}
