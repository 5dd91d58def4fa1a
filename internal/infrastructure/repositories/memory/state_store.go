package memory

import (
	"context"
	"sync"

	"tabcast/internal/core/domain"
	"tabcast/internal/core/ports"
)

// MemoryStateStore keeps persisted state in process memory. It also counts
// writes per key, which tests use to observe debounce coalescing.
type MemoryStateStore struct {
	data   map[string][]byte
	writes map[string]int
	mu     sync.RWMutex
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		data:   make(map[string][]byte),
		writes: make(map[string]int),
	}
}

var _ ports.StateStore = (*MemoryStateStore)(nil)

func (s *MemoryStateStore) Load(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, exists := s.data[key]
	if !exists {
		return nil, domain.ErrKeyNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStateStore) Save(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = append([]byte(nil), data...)
	s.writes[key]++
	return nil
}

func (s *MemoryStateStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

func (s *MemoryStateStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStateStore) Close() error {
	return nil
}

// Writes returns how many times key was saved.
func (s *MemoryStateStore) Writes(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes[key]
}

// Seed stores raw bytes without counting a write.
func (s *MemoryStateStore) Seed(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
}
