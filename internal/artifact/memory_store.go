package artifact

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps artifacts in process memory. Used for dry runs and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	data  map[string][]byte
	saves map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string][]byte{}, saves: map[string]int{}}
}

func (s *MemoryStore) Load(_ context.Context, ref string) ([]byte, error) {
	clean, err := CleanRef(ref)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data[clean]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	return append([]byte(nil), b...), nil
}

func (s *MemoryStore) Save(ctx context.Context, ref string, content []byte) error {
	clean, err := CleanRef(ref)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[clean] = append([]byte(nil), content...)
	s.saves[clean]++
	return nil
}

// Saves reports how many times ref has been written.
func (s *MemoryStore) Saves(ref string) int {
	clean, err := CleanRef(ref)
	if err != nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves[clean]
}
