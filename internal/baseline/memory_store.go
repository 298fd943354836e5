package baseline

import (
	"context"
	"sync"

	"github.com/mbd888/tiltguard/internal/signals"
)

// MemoryStore is an in-memory Store for tests and demo mode.
type MemoryStore struct {
	mu        sync.RWMutex
	baselines map[string]signals.Baseline
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{baselines: make(map[string]signals.Baseline)}
}

func (s *MemoryStore) Get(_ context.Context, actorID string) (*signals.Baseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.baselines[actorID]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (s *MemoryStore) Save(_ context.Context, b *signals.Baseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baselines[b.ActorID] = *b
	return nil
}
