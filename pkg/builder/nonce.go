// Copyright 2025 Intmax Protocol
//
// Builder nonce manager. Each pipeline reserves strictly increasing
// nonces; the posting worker only dequeues a task whose nonce equals the
// smallest outstanding reservation, which keeps posted blocks gap-free
// and ordered per pipeline.

package builder

import (
	"context"
	"sort"
	"sync"
)

// NonceManager hands out and tracks per-pipeline builder nonces.
type NonceManager interface {
	// Reserve returns the next nonce for the pipeline.
	Reserve(ctx context.Context, isRegistration bool) (uint32, error)
	// SmallestReserved returns the lowest outstanding nonce, if any.
	SmallestReserved(ctx context.Context, isRegistration bool) (uint32, bool, error)
	// Release drops a reservation after its block was posted.
	Release(ctx context.Context, isRegistration bool, nonce uint32) error
}

// InMemoryNonceManager tracks reservations in process memory.
type InMemoryNonceManager struct {
	mu       sync.Mutex
	next     map[bool]uint32
	reserved map[bool][]uint32
}

// NewInMemoryNonceManager starts both pipelines at the given next nonces
// (typically read from the rollup contract at boot).
func NewInMemoryNonceManager(nextRegistration, nextNonRegistration uint32) *InMemoryNonceManager {
	return &InMemoryNonceManager{
		next: map[bool]uint32{
			true:  nextRegistration,
			false: nextNonRegistration,
		},
		reserved: map[bool][]uint32{},
	}
}

// Reserve returns the next nonce for the pipeline.
func (m *InMemoryNonceManager) Reserve(ctx context.Context, isRegistration bool) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nonce := m.next[isRegistration]
	m.next[isRegistration] = nonce + 1
	m.reserved[isRegistration] = append(m.reserved[isRegistration], nonce)
	sort.Slice(m.reserved[isRegistration], func(i, j int) bool {
		return m.reserved[isRegistration][i] < m.reserved[isRegistration][j]
	})
	return nonce, nil
}

// SmallestReserved returns the lowest outstanding nonce.
func (m *InMemoryNonceManager) SmallestReserved(ctx context.Context, isRegistration bool) (uint32, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.reserved[isRegistration]
	if len(r) == 0 {
		return 0, false, nil
	}
	return r[0], true, nil
}

// Release drops a reservation.
func (m *InMemoryNonceManager) Release(ctx context.Context, isRegistration bool, nonce uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.reserved[isRegistration]
	for i, v := range r {
		if v == nonce {
			m.reserved[isRegistration] = append(r[:i], r[i+1:]...)
			return nil
		}
	}
	return nil
}
