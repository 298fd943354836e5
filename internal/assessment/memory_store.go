package assessment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/tiltguard/internal/baseline"
	"github.com/mbd888/tiltguard/internal/pagination"
	"github.com/mbd888/tiltguard/internal/patterns"
)

// MemoryStore is an in-memory Store for tests and demo mode.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments map[string]*Assessment
	byActor     map[string][]string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assessments: make(map[string]*Assessment),
		byActor:     make(map[string][]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, a *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assessments[a.ID] = a.clone()
	s.byActor[a.ActorID] = append(s.byActor[a.ActorID], a.ID)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, a *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assessments[a.ID]; !ok {
		return ErrNotFound
	}
	s.assessments[a.ID] = a.clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assessments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.clone(), nil
}

func (s *MemoryStore) List(_ context.Context, actorID string, limit int, cursor *pagination.Cursor) ([]*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Assessment
	for _, a := range s.newestFirst(actorID) {
		if !before(a, cursor) {
			continue
		}
		out = append(out, a.clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ActiveCooldown(_ context.Context, actorID string, now time.Time) (*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *Assessment
	for _, id := range s.byActor[actorID] {
		a := s.assessments[id]
		if !a.InCooldown(now) {
			continue
		}
		if latest == nil || a.CooldownUntil.After(*latest.CooldownUntil) {
			latest = a
		}
	}
	if latest == nil {
		return nil, nil
	}
	return latest.clone(), nil
}

func (s *MemoryStore) RecordTrade(_ context.Context, id string, t Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assessments[id]
	if !ok {
		return ErrNotFound
	}
	a.Trade = &t
	a.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) Observations(_ context.Context, actorID string, limit int) ([]patterns.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []patterns.Observation
	for _, a := range s.newestFirst(actorID) {
		if a.Status != StatusScored {
			continue
		}
		out = append(out, observation(a))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) TradeRecords(_ context.Context, actorID string, limit int) ([]baseline.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var withTrade []*Assessment
	for _, id := range s.byActor[actorID] {
		if a := s.assessments[id]; a.Trade != nil {
			withTrade = append(withTrade, a)
		}
	}
	sort.SliceStable(withTrade, func(i, j int) bool {
		return withTrade[i].Trade.ClosedAt.After(withTrade[j].Trade.ClosedAt)
	})
	if limit > 0 && len(withTrade) > limit {
		withTrade = withTrade[:limit]
	}
	out := make([]baseline.TradeRecord, len(withTrade))
	for i, a := range withTrade {
		out[i] = tradeRecord(a.clone())
	}
	return out, nil
}

func (s *MemoryStore) ActorsWithOutcomes(_ context.Context, since time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for actorID, ids := range s.byActor {
		for _, id := range ids {
			a := s.assessments[id]
			if a.Trade != nil && !a.Trade.ClosedAt.Before(since) {
				out = append(out, actorID)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// newestFirst must be called with mu held.
func (s *MemoryStore) newestFirst(actorID string) []*Assessment {
	ids := s.byActor[actorID]
	out := make([]*Assessment, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.assessments[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
