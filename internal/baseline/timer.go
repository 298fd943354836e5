package baseline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultLookback is how far back the scheduled run looks for actors with
// new outcomes.
const DefaultLookback = 7 * 24 * time.Hour

// Timer runs the learner on a cron schedule for every actor with recent
// outcomes.
type Timer struct {
	learner  *Learner
	cron     *cron.Cron
	logger   *slog.Logger
	lookback time.Duration
	now      func() time.Time
	running  atomic.Bool

	// ctx is handed to scheduled runs; Stop cancels it.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewTimer returns a Timer. The schedule uses six fields, seconds first,
// or a descriptor such as "@daily".
func NewTimer(ln *Learner, schedule string, logger *slog.Logger) (*Timer, error) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Timer{
		ctx:      ctx,
		cancel:   cancel,
		learner:  ln,
		cron:     cron.New(cron.WithSeconds()),
		logger:   logger,
		lookback: DefaultLookback,
		now:      time.Now,
	}
	if _, err := t.cron.AddFunc(schedule, t.tick); err != nil {
		cancel()
		return nil, fmt.Errorf("register learner task: %w", err)
	}
	return t, nil
}

// Start begins scheduling. It does not block.
func (t *Timer) Start() {
	t.cron.Start()
	t.logger.Info("baseline learner scheduled")
}

// Stop halts scheduling, cancels a scheduled run in progress and waits
// for it to return, or for ctx.
func (t *Timer) Stop(ctx context.Context) {
	t.cancel()
	done := t.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Running reports whether a run is in progress.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// RunNow executes one learner pass synchronously.
func (t *Timer) RunNow(ctx context.Context) {
	t.safeDoWork(ctx, t.runAll)
}

func (t *Timer) tick() {
	t.RunNow(t.ctx)
}

func (t *Timer) safeDoWork(ctx context.Context, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in baseline learner", "panic", fmt.Sprint(r))
		}
	}()
	fn(ctx)
}

func (t *Timer) runAll(ctx context.Context) {
	if !t.running.CompareAndSwap(false, true) {
		t.logger.Warn("baseline learner still running, skipping tick")
		return
	}
	defer t.running.Store(false)

	start := t.now()
	applied, err := t.learner.RunAll(ctx, start.Add(-t.lookback))
	if err != nil {
		t.logger.Error("baseline learner pass failed", "error", err)
		return
	}
	t.logger.Info("baseline learner pass complete",
		"applied", applied, "duration", time.Since(start).String())
}
