package payload

import (
	"context"
	"sync"

	"github.com/elspeth-engine/elspeth/engine/canonical"
)

// MemStore is an in-memory Store for tests and single-shot runs.
//
// Blobs are keyed by content hash, so duplicate content is stored once
// and concurrent Puts of the same bytes are naturally idempotent.
type MemStore struct {
	mu    sync.RWMutex
	blobs map[Ref][]byte
}

// NewMemStore creates an empty in-memory payload store.
func NewMemStore() *MemStore {
	return &MemStore{blobs: make(map[Ref][]byte)}
}

// Put implements Store.
func (m *MemStore) Put(_ context.Context, data []byte) (Ref, error) {
	ref := Ref("mem:" + canonical.HashBytes(data))
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.blobs[ref]; !exists {
		cp := make([]byte, len(data))
		copy(cp, data)
		m.blobs[ref] = cp
	}
	return ref, nil
}

// Get implements Store.
func (m *MemStore) Get(_ context.Context, ref Ref) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[ref]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Purge implements Store.
func (m *MemStore) Purge(_ context.Context, ref Ref) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, ref)
	return nil
}

// Len returns the number of stored blobs. Useful in retention tests.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
