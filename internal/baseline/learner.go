package baseline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/tiltguard/internal/metrics"
	"github.com/mbd888/tiltguard/internal/signals"
	"github.com/mbd888/tiltguard/internal/syncutil"
	"github.com/mbd888/tiltguard/internal/traces"
)

// Learner result labels.
const (
	resultApplied = "applied"
	resultSkipped = "skipped"
	resultDefault = "default"
	resultError   = "error"
)

// Learner recommends and applies baseline updates from trade outcomes.
type Learner struct {
	source OutcomeSource
	store  Store
	logger *slog.Logger
	now    func() time.Time
	limit  int
	locks  *syncutil.KeyedMutex
}

// Option configures a Learner.
type Option func(*Learner)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(ln *Learner) { ln.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(ln *Learner) { ln.now = now }
}

// WithRecordLimit bounds how many records one run reads.
func WithRecordLimit(n int) Option {
	return func(ln *Learner) {
		if n > 0 {
			ln.limit = n
		}
	}
}

// NewLearner returns a Learner reading outcomes from source and baselines
// from store.
func NewLearner(source OutcomeSource, store Store, opts ...Option) *Learner {
	ln := &Learner{
		source: source,
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
		limit:  DefaultRecordLimit,
		locks:  syncutil.NewKeyedMutex(),
	}
	for _, opt := range opts {
		opt(ln)
	}
	return ln
}

// Optimize computes a recommendation without persisting it. A history
// fetch failure yields the default recommendation rather than an error.
func (ln *Learner) Optimize(ctx context.Context, actorID string) (Optimization, error) {
	if err := ctx.Err(); err != nil {
		return Optimization{}, err
	}

	current, err := ln.store.Get(ctx, actorID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Optimization{}, fmt.Errorf("failed to load baseline: %w", err)
	}

	records, err := ln.source.TradeRecords(ctx, actorID, ln.limit)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Optimization{}, ctxErr
		}
		ln.logger.Warn("learner: trade history unavailable, using defaults",
			"actor_id", actorID, "error", err)
		o := DefaultRecommendation(actorID, current, 0, "trade history unavailable")
		o.ComputedAt = ln.now()
		return o, nil
	}

	o := Recommend(actorID, records, current)
	o.ComputedAt = ln.now()
	return o, nil
}

// Run optimizes and, when ShouldApply holds, persists the smoothed update.
// Runs for one actor are serialized.
func (ln *Learner) Run(ctx context.Context, actorID string) (Optimization, error) {
	ctx, span := traces.StartSpan(ctx, "baseline.Learner.Run", traces.ActorID(actorID))
	defer span.End()

	unlock, err := ln.locks.Lock(ctx, actorID)
	if err != nil {
		return Optimization{}, err
	}
	defer unlock()

	o, err := ln.Optimize(ctx, actorID)
	if err != nil {
		metrics.LearnerRunsTotal.WithLabelValues(resultError).Inc()
		traces.RecordError(span, err)
		return Optimization{}, err
	}

	switch {
	case o.Default:
		metrics.LearnerRunsTotal.WithLabelValues(resultDefault).Inc()
		return o, nil
	case !ShouldApply(o):
		metrics.LearnerRunsTotal.WithLabelValues(resultSkipped).Inc()
		ln.logger.Debug("learner: recommendation below apply bar",
			"actor_id", actorID, "confidence", o.Confidence, "improvement_pct", o.EstimatedImprovement)
		return o, nil
	}

	current, err := ln.store.Get(ctx, actorID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		metrics.LearnerRunsTotal.WithLabelValues(resultError).Inc()
		traces.RecordError(span, err)
		return o, fmt.Errorf("failed to load baseline: %w", err)
	}
	updated := Apply(actorID, current, o, ln.now())
	if err := ln.store.Save(ctx, updated); err != nil {
		metrics.LearnerRunsTotal.WithLabelValues(resultError).Inc()
		traces.RecordError(span, err)
		return o, fmt.Errorf("failed to save baseline: %w", err)
	}

	o.Applied = true
	metrics.LearnerRunsTotal.WithLabelValues(resultApplied).Inc()
	ln.logger.Info("learner: baseline updated",
		"actor_id", actorID,
		"confidence", o.Confidence,
		"improvement_pct", o.EstimatedImprovement,
		"records", o.Records,
	)
	return o, nil
}

// RunAll runs the learner for every actor with an outcome since since and
// returns how many baselines were updated. Per-actor failures are logged and
// skipped.
func (ln *Learner) RunAll(ctx context.Context, since time.Time) (int, error) {
	actors, err := ln.source.ActorsWithOutcomes(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("failed to list actors: %w", err)
	}

	applied := 0
	for _, actorID := range actors {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		o, err := ln.Run(ctx, actorID)
		if err != nil {
			ln.logger.Warn("learner: run failed", "actor_id", actorID, "error", err)
			continue
		}
		if o.Applied {
			applied++
		}
	}
	return applied, nil
}

// Calibrate folds a calibration session into the stored baseline.
func (ln *Learner) Calibrate(ctx context.Context, actorID string, s Session) (*signals.Baseline, error) {
	unlock, err := ln.locks.Lock(ctx, actorID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := ln.store.Get(ctx, actorID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to load baseline: %w", err)
	}
	updated, err := Calibrate(actorID, current, s, ln.now())
	if err != nil {
		return nil, err
	}
	if err := ln.store.Save(ctx, updated); err != nil {
		return nil, fmt.Errorf("failed to save baseline: %w", err)
	}
	ln.logger.Info("baseline calibrated", "actor_id", actorID, "calibrations", updated.CalibrationCount)
	return updated, nil
}

// Baseline returns the stored baseline for actorID.
func (ln *Learner) Baseline(ctx context.Context, actorID string) (*signals.Baseline, error) {
	return ln.store.Get(ctx, actorID)
}
