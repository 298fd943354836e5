package patterns

import (
	"context"
	"sync"
	"time"
)

// MemoryHistory is how many superseded generations MemoryStore keeps per
// actor behind the active one. Older generations are dropped.
const MemoryHistory = 4

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu          sync.RWMutex
	generations map[string][][]Pattern // actorID → oldest first, last is active
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory pattern store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		generations: make(map[string][][]Pattern),
	}
}

func (s *MemoryStore) Active(_ context.Context, actorID string) ([]Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	gens := s.generations[actorID]
	if len(gens) == 0 {
		return nil, nil
	}
	var out []Pattern
	for _, p := range gens[len(gens)-1] {
		out = append(out, p.clone())
	}
	return out, nil
}

func (s *MemoryStore) Replace(_ context.Context, actorID string, patterns []Pattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	gens := s.generations[actorID]
	if n := len(gens); n > 0 {
		for i := range gens[n-1] {
			t := now
			gens[n-1][i].SupersededAt = &t
		}
	}

	next := make([]Pattern, 0, len(patterns))
	for _, p := range patterns {
		p = p.clone()
		p.ActorID = actorID
		p.SupersededAt = nil
		next = append(next, p)
	}
	gens = append(gens, next)
	if over := len(gens) - (MemoryHistory + 1); over > 0 {
		gens = append([][]Pattern(nil), gens[over:]...)
	}
	s.generations[actorID] = gens
	return nil
}

func (s *MemoryStore) UpdateAccuracy(_ context.Context, actorID string, accuracy map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	gens := s.generations[actorID]
	if len(gens) == 0 {
		return nil
	}
	active := gens[len(gens)-1]
	for i := range active {
		if acc, ok := accuracy[active[i].ID]; ok {
			active[i].Accuracy = acc
		}
	}
	return nil
}

// All returns every pattern generation still held for the actor, oldest
// first.
func (s *MemoryStore) All(actorID string) []Pattern {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Pattern
	for _, gen := range s.generations[actorID] {
		for _, p := range gen {
			out = append(out, p.clone())
		}
	}
	return out
}
