package nonce

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore keeps nonces in process memory. It serializes operations within one gateway instance only.
type MemoryStore struct {
	mu    sync.Mutex
	next  map[common.Address]uint64
	locks map[common.Address]chan struct{}
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		next:  make(map[common.Address]uint64),
		locks: make(map[common.Address]chan struct{}),
	}
}

// Lock implements Store.
func (m *MemoryStore) Lock(ctx context.Context, account common.Address) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[account]
	if !ok {
		l = make(chan struct{}, 1)
		m.locks[account] = l
	}
	m.mu.Unlock()

	select {
	case l <- struct{}{}:
		return func() { <-l }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, account common.Address) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.next[account]

	return n, ok, nil
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, account common.Address, next uint64) error {
	m.mu.Lock()
	m.next[account] = next
	m.mu.Unlock()

	return nil
}
