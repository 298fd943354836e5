package patterns

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/tiltguard/internal/signals"
	"github.com/mbd888/tiltguard/internal/syncutil"
)

// DefaultCacheTTL bounds how long a mined pattern set is reused before the
// actor's history is fetched and mined again.
const DefaultCacheTTL = 10 * time.Minute

// Matcher serves pattern predictions for actors, mining patterns from
// history on cache misses.
type Matcher struct {
	history HistorySource
	store   Store
	cache   *Cache[*actorState]
	locks   *syncutil.KeyedMutex
	limit   int
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

type actorState struct {
	history  int
	last     *Observation
	patterns []Pattern
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Matcher) { m.logger = l }
}

// WithCacheTTL overrides DefaultCacheTTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(m *Matcher) { m.ttl = ttl }
}

// WithClock injects the time source used for cache expiry and mining.
func WithClock(now func() time.Time) Option {
	return func(m *Matcher) { m.now = now }
}

// WithHistoryLimit bounds how many observations a recompute fetches.
func WithHistoryLimit(n int) Option {
	return func(m *Matcher) {
		if n > 0 {
			m.limit = n
		}
	}
}

// NewMatcher creates a matcher. A nil store keeps patterns in memory only.
func NewMatcher(history HistorySource, store Store, opts ...Option) *Matcher {
	m := &Matcher{
		history: history,
		store:   store,
		locks:   syncutil.NewKeyedMutex(),
		limit:   DefaultHistoryLimit,
		ttl:     DefaultCacheTTL,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		m.store = NewMemoryStore()
	}
	m.cache = NewCache[*actorState](m.ttl, m.now)
	return m
}

// Predict computes the pattern adjustment for an in-flight evaluation.
// baseScore is the composite score before adjustment; at is the
// evaluation time.
func (m *Matcher) Predict(ctx context.Context, actorID string, s signals.Summary, baseScore float64, at time.Time) (Prediction, error) {
	st, err := m.load(ctx, actorID)
	if err != nil {
		return Prediction{}, err
	}
	return Predict(st.history, current(s, baseScore, st.last, at), st.patterns), nil
}

// Observe records a newly scored observation. Matched patterns have their
// accuracy nudged toward how well they predicted obs.RiskScore, and the
// cached history advances so the next evaluation sees obs as the latest.
func (m *Matcher) Observe(ctx context.Context, obs Observation, pred Prediction) error {
	st, ok := m.cache.Get(obs.ActorID)
	var updates map[string]float64
	if ok {
		updates = Feedback(st.patterns, pred.Matches, obs.RiskScore)
	} else if len(pred.Matches) > 0 {
		active, err := m.store.Active(ctx, obs.ActorID)
		if err != nil {
			return fmt.Errorf("failed to load patterns: %w", err)
		}
		updates = Feedback(active, pred.Matches, obs.RiskScore)
	}

	if len(updates) > 0 {
		if err := m.store.UpdateAccuracy(ctx, obs.ActorID, updates); err != nil {
			return fmt.Errorf("failed to update pattern accuracy: %w", err)
		}
	}

	m.cache.Update(obs.ActorID, func(st *actorState) *actorState {
		next := &actorState{
			history:  st.history + 1,
			last:     &obs,
			patterns: make([]Pattern, len(st.patterns)),
		}
		for i, p := range st.patterns {
			p = p.clone()
			if acc, ok := updates[p.ID]; ok {
				p.Accuracy = acc
			}
			next.patterns[i] = p
		}
		return next
	})
	return nil
}

// Patterns returns the actor's current pattern set, mining it if needed.
func (m *Matcher) Patterns(ctx context.Context, actorID string) ([]Pattern, error) {
	st, err := m.load(ctx, actorID)
	if err != nil {
		return nil, err
	}
	out := make([]Pattern, len(st.patterns))
	for i, p := range st.patterns {
		out[i] = p.clone()
	}
	return out, nil
}

// Refresh discards the cached state and mines the actor's history again.
func (m *Matcher) Refresh(ctx context.Context, actorID string) ([]Pattern, error) {
	m.Invalidate(actorID)
	return m.Patterns(ctx, actorID)
}

// Invalidate evicts the actor's cached state.
func (m *Matcher) Invalidate(actorID string) {
	m.cache.Invalidate(actorID)
}

func (m *Matcher) load(ctx context.Context, actorID string) (*actorState, error) {
	if st, ok := m.cache.Get(actorID); ok {
		return st, nil
	}

	unlock, err := m.locks.Lock(ctx, actorID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if st, ok := m.cache.Get(actorID); ok {
		return st, nil
	}

	// The recompute runs to completion once started.
	fetchCtx := context.WithoutCancel(ctx)
	obs, err := m.history.Observations(fetchCtx, actorID, m.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}

	prior, err := m.store.Active(fetchCtx, actorID)
	if err != nil {
		m.logger.Warn("pattern store read failed", "actor", actorID, "error", err)
		prior = nil
	}

	st := &actorState{history: len(obs), patterns: prior}
	for i := range obs {
		if st.last == nil || obs[i].ObservedAt.After(st.last.ObservedAt) {
			o := obs[i]
			st.last = &o
		}
	}

	if mined := Mine(actorID, obs, prior, m.now()); mined != nil {
		if err := m.store.Replace(fetchCtx, actorID, mined); err != nil {
			m.logger.Warn("pattern store write failed", "actor", actorID, "error", err)
		}
		st.patterns = mined
		m.logger.Debug("patterns mined", "actor", actorID, "observations", len(obs), "patterns", len(mined))
	}

	m.cache.Put(actorID, st)
	return st, nil
}
