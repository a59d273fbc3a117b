package breaker

import (
	"context"
	"sync"
)

// MemoryStore is a process-local Store used by tests and single-node
// deployments.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[key], nil
}

// CompareAndSwap implements Store.
func (s *MemoryStore) CompareAndSwap(_ context.Context, key string, expectedVersion int64, rec Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.records[key].Version != expectedVersion {
		return false, nil
	}
	s.records[key] = rec
	return true, nil
}

// Keys returns the known breaker keys, used by the sweep job.
func (s *MemoryStore) Keys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	return keys, nil
}
