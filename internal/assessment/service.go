package assessment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/mbd888/tiltguard/internal/baseline"
	"github.com/mbd888/tiltguard/internal/gate"
	"github.com/mbd888/tiltguard/internal/idgen"
	"github.com/mbd888/tiltguard/internal/llm"
	"github.com/mbd888/tiltguard/internal/metrics"
	"github.com/mbd888/tiltguard/internal/pagination"
	"github.com/mbd888/tiltguard/internal/patterns"
	"github.com/mbd888/tiltguard/internal/policy"
	"github.com/mbd888/tiltguard/internal/risk"
	"github.com/mbd888/tiltguard/internal/signals"
	"github.com/mbd888/tiltguard/internal/syncutil"
	"github.com/mbd888/tiltguard/internal/traces"
)

// Analyzer is an optional hosted scorer. Any error sends the evaluation
// down the heuristic path.
type Analyzer interface {
	Analyze(ctx context.Context, req llm.Request) (*llm.Analysis, error)
}

// PatternMatcher supplies history-based score adjustments.
type PatternMatcher interface {
	Predict(ctx context.Context, actorID string, s signals.Summary, baseScore float64, at time.Time) (patterns.Prediction, error)
	Observe(ctx context.Context, obs patterns.Observation, pred patterns.Prediction) error
}

// DefaultListLimit and MaxListLimit bound List page sizes.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Service runs evaluations and owns the assessment lifecycle.
type Service struct {
	store     Store
	baselines baseline.Store
	policies  policy.Provider
	matcher   PatternMatcher
	analyzer  Analyzer
	scorers   []signals.Scorer
	logger    *slog.Logger
	now       func() time.Time
	locks     *syncutil.KeyedMutex
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMatcher enables pattern adjustments.
func WithMatcher(m PatternMatcher) Option {
	return func(s *Service) { s.matcher = m }
}

// WithAnalyzer enables the hosted scorer.
func WithAnalyzer(a Analyzer) Option {
	return func(s *Service) { s.analyzer = a }
}

// WithScorers replaces the default modality scorers.
func WithScorers(scorers ...signals.Scorer) Option {
	return func(s *Service) { s.scorers = scorers }
}

// NewService returns a Service. baselines may be nil, in which case every
// actor is scored against absolute thresholds.
func NewService(store Store, baselines baseline.Store, policies policy.Provider, opts ...Option) *Service {
	s := &Service{
		store:     store,
		baselines: baselines,
		policies:  policies,
		scorers:   signals.DefaultScorers(),
		logger:    slog.Default(),
		now:       time.Now,
		locks:     syncutil.NewKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Evaluate scores a trade attempt and persists the assessment. While the
// actor has an active cooldown the existing assessment is returned with
// ShortCircuited set and nothing is recomputed.
func (s *Service) Evaluate(ctx context.Context, req Request) (*Outcome, error) {
	req.ActorID = strings.TrimSpace(req.ActorID)
	if req.ActorID == "" {
		return nil, fmt.Errorf("%w: actor id is required", ErrInvalidRequest)
	}

	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "assessment.Evaluate", traces.ActorID(req.ActorID))
	defer span.End()

	unlock, err := s.locks.Lock(ctx, req.ActorID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.clock()
	if out, err := s.shortCircuit(ctx, req.ActorID, "", now); out != nil || err != nil {
		return out, err
	}

	pol := s.policies.Active()
	res := evaluate(s.input(ctx, req.ActorID, req.Signals, req.Context, pol, now))

	a := &Assessment{
		ID:        idgen.Assessment(),
		ActorID:   req.ActorID,
		Signals:   req.Signals.Clone(),
		Context:   req.Context,
		CreatedAt: now,
	}
	apply(a, res, pol, now)

	if err := s.store.Create(ctx, a); err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("failed to save assessment: %w", err)
	}
	if a.Status == StatusScored {
		s.observe(ctx, a, res.prediction)
	}

	s.record(a, start)
	span.SetAttributes(
		traces.AssessmentID(a.ID),
		traces.Decision(string(a.Verdict.Decision)),
		traces.Score(a.Result.Score),
	)
	return &Outcome{Assessment: a}, nil
}

// Rescore merges late signals into a pending assessment and re-runs the
// evaluation. Scored assessments and those with a trade are rejected. An
// active cooldown from another of the actor's assessments answers the call
// without rescoring. Within the assessment's own cooldown the decision never
// drops below the earlier one and the deadline never shortens.
func (s *Service) Rescore(ctx context.Context, id string, u Update) (*Outcome, error) {
	existing, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "assessment.Rescore",
		traces.ActorID(existing.ActorID), traces.AssessmentID(id))
	defer span.End()

	unlock, err := s.locks.Lock(ctx, existing.ActorID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under the lock.
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Trade != nil {
		return nil, fmt.Errorf("%w: assessment %s already has a trade outcome", ErrInvalidRequest, id)
	}
	if a.Status != StatusPending {
		return nil, fmt.Errorf("%w: assessment %s is already scored", ErrInvalidRequest, id)
	}

	now := s.clock()
	if out, err := s.shortCircuit(ctx, a.ActorID, a.ID, now); out != nil || err != nil {
		return out, err
	}

	a.Signals = a.Signals.Merge(u.Signals)
	if u.Context != nil {
		a.Context = *u.Context
	}

	pol := s.policies.Active()
	res := evaluate(s.input(ctx, a.ActorID, a.Signals, a.Context, pol, now))
	prior := a.Verdict
	priorUntil := a.CooldownUntil
	apply(a, res, pol, now)
	if priorUntil != nil && priorUntil.After(now) {
		hold(a, prior, *priorUntil, now)
	}

	if err := s.store.Update(ctx, a); err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("failed to update assessment: %w", err)
	}
	if a.Status == StatusScored {
		s.observe(ctx, a, res.prediction)
	}

	s.record(a, start)
	span.SetAttributes(traces.Decision(string(a.Verdict.Decision)), traces.Score(a.Result.Score))
	return &Outcome{Assessment: a}, nil
}

// hold keeps an earlier verdict in force until its cooldown deadline.
func hold(a *Assessment, prior gate.Verdict, until, now time.Time) {
	if a.CooldownUntil == nil || until.After(*a.CooldownUntil) {
		a.CooldownUntil = &until
	}
	if a.Verdict.Decision.Severity() >= prior.Decision.Severity() {
		return
	}
	held := prior
	held.Reasons = append(slices.Clone(prior.Reasons),
		fmt.Sprintf("earlier %s verdict holds until %s", prior.Decision, until.Format(time.RFC3339)))
	held.PrimaryConcerns = slices.Clone(prior.PrimaryConcerns)
	held.Cooldown = until.Sub(now)
	held.CooldownSeconds = int(held.Cooldown.Round(time.Second) / time.Second)
	a.Verdict = held
}

// CreatePending persists a placeholder for a trade whose signals have not
// arrived yet. The placeholder blocks until Rescore supplies evidence but
// starts no cooldown of its own.
func (s *Service) CreatePending(ctx context.Context, actorID string, actx risk.ActionContext) (*Outcome, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return nil, fmt.Errorf("%w: actor id is required", ErrInvalidRequest)
	}

	unlock, err := s.locks.Lock(ctx, actorID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.clock()
	if out, err := s.shortCircuit(ctx, actorID, "", now); out != nil || err != nil {
		return out, err
	}

	pol := s.policies.Active()
	res := evaluate(evalInput{
		context: actx,
		policy:  pol,
		scorers: s.scorers,
		logger:  s.logger,
	})
	a := &Assessment{
		ID:        idgen.Assessment(),
		ActorID:   actorID,
		Context:   actx,
		CreatedAt: now,
	}
	apply(a, res, pol, now)
	a.Status = StatusPending
	a.CooldownUntil = nil

	if err := s.store.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to save assessment: %w", err)
	}
	s.logger.Info("pending assessment created", "assessment_id", a.ID, "actor_id", actorID)
	return &Outcome{Assessment: a}, nil
}

// RecordOutcome attaches the realized trade result to an assessment. A
// zero ClosedAt is set to now.
func (s *Service) RecordOutcome(ctx context.Context, id string, t Trade) (*Assessment, error) {
	if t.PnL != nil && (math.IsNaN(*t.PnL) || math.IsInf(*t.PnL, 0)) {
		return nil, fmt.Errorf("%w: pnl must be finite", ErrInvalidRequest)
	}
	if t.ClosedAt.IsZero() {
		t.ClosedAt = s.clock()
	}
	if err := s.store.RecordTrade(ctx, id, t); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to record outcome: %w", err)
	}
	return s.store.Get(ctx, id)
}

// Get returns one assessment.
func (s *Service) Get(ctx context.Context, id string) (*Assessment, error) {
	return s.store.Get(ctx, id)
}

// List returns one page of the actor's assessments, newest first.
func (s *Service) List(ctx context.Context, actorID string, limit int, cursor string) (pagination.Page[*Assessment], error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)
	c, err := pagination.Decode(cursor)
	if err != nil {
		return pagination.Page[*Assessment]{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	items, err := s.store.List(ctx, actorID, limit+1, c)
	if err != nil {
		return pagination.Page[*Assessment]{}, fmt.Errorf("failed to list assessments: %w", err)
	}
	return pagination.ComputePage(items, limit, func(a *Assessment) (time.Time, string) {
		return a.CreatedAt, a.ID
	}), nil
}

// clock returns the current time at the millisecond precision every store
// keeps, so cursors and cooldown deadlines survive a round trip.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// shortCircuit returns the active-cooldown outcome for actorID, if any. A
// cooldown owned by self does not count. Callers hold the actor lock.
func (s *Service) shortCircuit(ctx context.Context, actorID, self string, now time.Time) (*Outcome, error) {
	active, err := s.store.ActiveCooldown(ctx, actorID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to check cooldown: %w", err)
	}
	if active == nil || active.ID == self {
		return nil, nil
	}
	metrics.CooldownShortCircuits.Inc()
	remaining := active.CooldownUntil.Sub(now)
	s.logger.Info("evaluation short-circuited by cooldown",
		"actor_id", actorID, "assessment_id", active.ID, "remaining", remaining)
	return &Outcome{Assessment: active, ShortCircuited: true, Remaining: remaining}, nil
}

// input wires the baseline, pattern and hosted-model collaborators into an
// evaluation. Their failures are logged and counted, never returned.
func (s *Service) input(ctx context.Context, actorID string, sig signals.Signals, actx risk.ActionContext, pol policy.Policy, now time.Time) evalInput {
	in := evalInput{
		signals:  sig,
		context:  actx,
		baseline: s.baseline(ctx, actorID),
		policy:   pol,
		scorers:  s.scorers,
		logger:   s.logger.With("actor_id", actorID),
	}
	if s.matcher != nil {
		in.predict = func(summary signals.Summary, baseScore int) *patterns.Prediction {
			pred, err := s.matcher.Predict(ctx, actorID, summary, float64(baseScore), now)
			if err != nil {
				metrics.FallbacksTotal.WithLabelValues("patterns").Inc()
				s.logger.Warn("pattern prediction failed, using base score",
					"actor_id", actorID, "error", err)
				return nil
			}
			return &pred
		}
	}
	if s.analyzer != nil {
		in.analysis = func(summary signals.Summary, baseScore int) *llm.Analysis {
			a, err := s.analyzer.Analyze(ctx, llm.Request{
				ActorID:   actorID,
				Summary:   summary,
				Context:   actx,
				BaseScore: baseScore,
			})
			if err != nil {
				if !errors.Is(err, llm.ErrDisabled) {
					metrics.FallbacksTotal.WithLabelValues("llm").Inc()
					s.logger.Warn("hosted analysis failed, using heuristic",
						"actor_id", actorID, "error", err)
				}
				return nil
			}
			return a
		}
	}
	return in
}

func (s *Service) baseline(ctx context.Context, actorID string) *signals.Baseline {
	if s.baselines == nil {
		return nil
	}
	b, err := s.baselines.Get(ctx, actorID)
	if err != nil {
		if !errors.Is(err, baseline.ErrNotFound) {
			metrics.FallbacksTotal.WithLabelValues("baseline").Inc()
			s.logger.Warn("baseline unavailable, using absolute thresholds",
				"actor_id", actorID, "error", err)
		}
		return nil
	}
	return b
}

func (s *Service) observe(ctx context.Context, a *Assessment, pred *patterns.Prediction) {
	if s.matcher == nil {
		return
	}
	var p patterns.Prediction
	if pred != nil {
		p = *pred
	}
	if err := s.matcher.Observe(ctx, observation(a), p); err != nil {
		s.logger.Warn("pattern feedback failed", "assessment_id", a.ID, "error", err)
	}
}

func (s *Service) record(a *Assessment, start time.Time) {
	metrics.EvaluationsTotal.WithLabelValues(string(a.Verdict.Decision), string(a.Status)).Inc()
	metrics.RiskScore.Observe(float64(a.Result.Score))
	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	if a.Result.PatternAdjustment != nil {
		metrics.PatternAdjustment.Observe(*a.Result.PatternAdjustment)
	}

	attrs := []any{
		"assessment_id", a.ID,
		"actor_id", a.ActorID,
		"decision", a.Verdict.Decision,
		"score", a.Result.Score,
		"status", a.Status,
		"source", a.Source,
	}
	if a.Verdict.Decision.Blocking() {
		s.logger.Warn("trade blocked", append(attrs, "reasons", a.Verdict.Reasons)...)
		return
	}
	s.logger.Info("assessment scored", attrs...)
}

// apply copies an evaluation into a and sets the cooldown deadline.
func apply(a *Assessment, res evalOutput, pol policy.Policy, now time.Time) {
	a.Status = res.Status
	a.Summary = res.Summary
	a.Result = res.Result
	a.Verdict = res.Verdict
	a.Stress = res.Stress
	a.Confidence = res.Confidence
	a.Source = res.Source
	a.Analysis = res.analysis
	a.Prediction = res.prediction
	a.PolicyName = pol.Name
	a.UpdatedAt = now
	a.CooldownUntil = nil
	if res.Verdict.Cooldown > 0 {
		until := now.Add(res.Verdict.Cooldown)
		a.CooldownUntil = &until
	}
}
