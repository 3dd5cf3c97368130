package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory document store for testing.
// Data is lost when the process exits.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]EventRecord // canonical key -> record
	closed bool
}

// NewMemoryStore creates a new in-memory document store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]EventRecord),
	}
}

// Get implements DocStore.
func (m *MemoryStore) Get(_ context.Context, canonicalKey string) (*EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	rec, ok := m.data[canonicalKey]
	if !ok {
		return nil, ErrNotFound
	}

	// Return a copy to prevent modification
	out := rec
	return &out, nil
}

// Create implements DocStore.
func (m *MemoryStore) Create(_ context.Context, rec *EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	if _, exists := m.data[rec.CanonicalKey]; exists {
		return ErrRecordExists
	}

	m.data[rec.CanonicalKey] = *rec
	return nil
}

// Update implements DocStore.
func (m *MemoryStore) Update(_ context.Context, rec *EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	if _, exists := m.data[rec.CanonicalKey]; !exists {
		return ErrNotFound
	}

	m.data[rec.CanonicalKey] = *rec
	return nil
}

// Delete implements DocStore.
func (m *MemoryStore) Delete(_ context.Context, canonicalKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	delete(m.data, canonicalKey)
	return nil
}

// ListByStatus implements DocStore.
func (m *MemoryStore) ListByStatus(_ context.Context, status Status) ([]*EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	var out []*EventRecord
	for _, rec := range m.data {
		if rec.Status == status {
			c := rec
			out = append(out, &c)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out, nil
}

// Close implements DocStore.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = nil
	return nil
}

// Len returns the number of stored records. Useful for testing.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
