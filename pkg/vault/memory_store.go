// Copyright 2025 Intmax Protocol
//
// In-memory vault store for tests and single-process deployments. CAS and
// cursor semantics match the Postgres store.

package vault

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/InternetMaximalism/intmax2-core/pkg/types"
)

type snapKey struct {
	topic  string
	pubkey types.Bytes32
}

type seqEntry struct {
	digest    types.Bytes32
	data      []byte
	timestamp uint64
}

// MemoryStore is a Store held entirely in process memory.
type MemoryStore struct {
	mu        sync.Mutex
	policies  map[string]TopicPolicy
	snapshots map[snapKey]*DataWithMetaData
	sequences map[snapKey][]seqEntry
	clock     uint64
}

// NewMemoryStore returns an empty in-memory vault.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies:  DefaultPolicies(),
		snapshots: make(map[snapKey]*DataWithMetaData),
		sequences: make(map[snapKey][]seqEntry),
	}
}

func (m *MemoryStore) policy(topic string) TopicPolicy {
	if p, ok := m.policies[topic]; ok {
		return p
	}
	return TopicPolicy{Write: SingleAuthWrite, Read: AuthRead}
}

func (m *MemoryStore) tick() uint64 {
	now := uint64(time.Now().UnixMicro())
	if now <= m.clock {
		now = m.clock + 1
	}
	m.clock = now
	return now
}

func keyOf(topic string, pubkey *types.U256) snapKey {
	return snapKey{topic: topic, pubkey: types.Bytes32FromU256(pubkey)}
}

// SaveSnapshot stores a snapshot blob with CAS semantics.
func (m *MemoryStore) SaveSnapshot(ctx context.Context, auth *Auth, topic string, pubkey *types.U256, prevDigest *types.Bytes32, digest types.Bytes32, data []byte) error {
	if err := CheckWrite(m.policy(topic), auth, pubkey, prevDigest); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k := keyOf(topic, pubkey)
	current, exists := m.snapshots[k]
	if exists {
		if prevDigest == nil || current.Meta.Digest != *prevDigest {
			return ErrLockConflict
		}
	} else if prevDigest != nil {
		return ErrLockConflict
	}

	blob := make([]byte, len(data))
	copy(blob, data)
	m.snapshots[k] = &DataWithMetaData{
		Data: blob,
		Meta: MetaData{Timestamp: m.tick(), Digest: digest},
	}
	return nil
}

// GetSnapshot returns the current snapshot blob.
func (m *MemoryStore) GetSnapshot(ctx context.Context, auth *Auth, topic string, pubkey *types.U256) (*DataWithMetaData, error) {
	if err := CheckRead(m.policy(topic), auth, pubkey); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.snapshots[keyOf(topic, pubkey)]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	blob := make([]byte, len(current.Data))
	copy(blob, current.Data)
	return &DataWithMetaData{Data: blob, Meta: current.Meta}, nil
}

// AppendSequence appends a blob, idempotent on digest.
func (m *MemoryStore) AppendSequence(ctx context.Context, auth *Auth, topic string, pubkey *types.U256, digest types.Bytes32, data []byte) error {
	if err := CheckWrite(m.policy(topic), auth, pubkey, nil); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k := keyOf(topic, pubkey)
	for _, e := range m.sequences[k] {
		if e.digest == digest {
			return nil
		}
	}
	blob := make([]byte, len(data))
	copy(blob, data)
	m.sequences[k] = append(m.sequences[k], seqEntry{
		digest:    digest,
		data:      blob,
		timestamp: m.tick(),
	})
	return nil
}

// GetSequenceByDigest returns one sequence blob by its content digest.
func (m *MemoryStore) GetSequenceByDigest(ctx context.Context, auth *Auth, topic string, pubkey *types.U256, digest types.Bytes32) (*DataWithMetaData, error) {
	if err := CheckRead(m.policy(topic), auth, pubkey); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.sequences[keyOf(topic, pubkey)] {
		if e.digest == digest {
			blob := make([]byte, len(e.data))
			copy(blob, e.data)
			return &DataWithMetaData{
				Data: blob,
				Meta: MetaData{Timestamp: e.timestamp, Digest: e.digest},
			}, nil
		}
	}
	return nil, ErrSequenceNotFound
}

// ReadSequence pages through a sequence topic.
func (m *MemoryStore) ReadSequence(ctx context.Context, auth *Auth, topic string, pubkey *types.U256, cursor Cursor) ([]*DataWithMetaData, *CursorResponse, error) {
	if err := CheckRead(m.policy(topic), auth, pubkey); err != nil {
		return nil, nil, err
	}
	limit := cursor.Limit
	if limit > MaxBatchSize {
		return nil, nil, ErrBatchTooLarge
	}
	if limit <= 0 {
		limit = MaxBatchSize
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entries := append([]seqEntry(nil), m.sequences[keyOf(topic, pubkey)]...)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].timestamp != entries[j].timestamp {
			return entries[i].timestamp < entries[j].timestamp
		}
		return string(entries[i].digest[:]) < string(entries[j].digest[:])
	})
	if cursor.Order == Descending {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}

	total := len(entries)
	if cursor.Meta != nil {
		start := 0
		for i, e := range entries {
			if e.timestamp == cursor.Meta.Timestamp && e.digest == cursor.Meta.Digest {
				start = i + 1
				break
			}
		}
		entries = entries[start:]
	}

	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}

	out := make([]*DataWithMetaData, 0, len(entries))
	for _, e := range entries {
		blob := make([]byte, len(e.data))
		copy(blob, e.data)
		out = append(out, &DataWithMetaData{
			Data: blob,
			Meta: MetaData{Timestamp: e.timestamp, Digest: e.digest},
		})
	}
	resp := &CursorResponse{HasMore: hasMore, TotalCount: total}
	if len(out) > 0 {
		last := out[len(out)-1].Meta
		resp.NextCursor = &last
	}
	return out, resp, nil
}
