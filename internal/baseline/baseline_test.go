package baseline

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tiltguard/internal/logging"
	"github.com/mbd888/tiltguard/internal/signals"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func f(v float64) *float64 { return &v }

func record(i int, stress, pnl float64) TradeRecord {
	return TradeRecord{
		AssessmentID:       "asm_" + string(rune('a'+i%26)),
		ActorID:            "trader-1",
		SelfReportedStress: f(stress),
		Executed:           true,
		PnL:                f(pnl),
		ClosedAt:           t0.Add(time.Duration(i) * time.Hour),
	}
}

// clearCut builds 30 trades where calm sessions win, stressed ones lose and
// moderate ones split.
func clearCut() []TradeRecord {
	var rs []TradeRecord
	for i := 0; i < 30; i++ {
		switch i % 3 {
		case 0:
			rs = append(rs, record(i, 3, 100))
		case 1:
			pnl := -20.0
			if (i/3)%2 == 0 {
				pnl = 20
			}
			rs = append(rs, record(i, 5, pnl))
		default:
			rs = append(rs, record(i, 8, -50))
		}
	}
	return rs
}

type fakeSource struct {
	mu      sync.Mutex
	records map[string][]TradeRecord
	err     error
}

func (s *fakeSource) TradeRecords(_ context.Context, actorID string, limit int) ([]TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	rs := s.records[actorID]
	if len(rs) > limit {
		rs = rs[:limit]
	}
	return append([]TradeRecord(nil), rs...), nil
}

func (s *fakeSource) ActorsWithOutcomes(context.Context, time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []string
	for id := range s.records {
		out = append(out, id)
	}
	return out, nil
}

func newLearner(src OutcomeSource, store Store) *Learner {
	return NewLearner(src, store,
		WithLogger(logging.Discard()),
		WithClock(func() time.Time { return t0 }),
	)
}

func TestUsable(t *testing.T) {
	rs := []TradeRecord{
		record(2, 4, 10),
		{Executed: false, PnL: f(5)},
		{Executed: true},
		{Executed: true, PnL: f(math.NaN())},
		record(1, 4, -10),
	}
	got := Usable(rs)
	require.Len(t, got, 2)
	assert.True(t, got[0].ClosedAt.Before(got[1].ClosedAt), "oldest first")
}

func TestComputeMetrics(t *testing.T) {
	var rs []TradeRecord
	for i, p := range []float64{10, -5, 20, -30, 5} {
		rs = append(rs, record(i, 5, p))
	}
	m := computeMetrics(rs)
	assert.Equal(t, 5, m.Trades)
	assert.InDelta(t, 0.6, m.WinRate, 1e-9)
	assert.InDelta(t, 0.0, m.MeanPnL, 1e-9)
	assert.InDelta(t, 30.0, m.MaxDrawdown, 1e-9)
	assert.InDelta(t, 0.0, m.Sharpe, 1e-9)
}

func TestRecommend_TooFewRecords(t *testing.T) {
	rs := clearCut()[:9]
	o := Recommend("trader-1", rs, nil)

	assert.True(t, o.Default)
	assert.Equal(t, DefaultConfidence, o.Confidence)
	assert.Equal(t, 9, o.Records)
	assert.InDelta(t, 0.09, o.LearningProgress, 1e-9)
	assert.Equal(t, DefaultThresholds(), o.Adjusted)
	assert.False(t, ShouldApply(o))
}

func TestRecommend_ClearStressSignal(t *testing.T) {
	o := Recommend("trader-1", clearCut(), nil)

	require.False(t, o.Default)
	assert.Equal(t, 30, o.Records)
	require.NotNil(t, o.OptimalStress)
	assert.Equal(t, StressRange{Min: 3, Max: 3}, *o.OptimalStress)
	assert.Equal(t, 3.0, o.Optimal.StressThreshold)
	assert.InDelta(t, 50.0, o.EstimatedImprovement, 1e-9)
	assert.InDelta(t, 0.30, o.LearningProgress, 1e-9)
	assert.InDelta(t, 0.80, o.Confidence, 0.01)
	assert.True(t, ShouldApply(o))

	// Moves toward the optimum by 5-10% of the gap.
	cur := DefaultThresholds().StressThreshold
	gap := cur - o.Optimal.StressThreshold
	moved := cur - o.Adjusted.StressThreshold
	assert.GreaterOrEqual(t, moved, 0.05*gap)
	assert.LessOrEqual(t, moved, 0.10*gap)

	// No biometrics recorded, so those thresholds stay put.
	assert.Equal(t, o.Current.ReactionTime, o.Adjusted.ReactionTime)
}

func TestRecommend_TopQuartileBiometrics(t *testing.T) {
	rs := clearCut()
	for i := range rs {
		if *rs[i].PnL > 0 {
			rs[i].ReactionTimeMean = f(420)
			rs[i].Accuracy = f(0.95)
		} else {
			rs[i].ReactionTimeMean = f(700)
			rs[i].Accuracy = f(0.7)
		}
	}
	o := Recommend("trader-1", rs, nil)
	assert.Equal(t, 420.0, o.Optimal.ReactionTime)
	assert.Equal(t, 0.95, o.Optimal.Accuracy)
}

func TestSmoothingFactor(t *testing.T) {
	assert.InDelta(t, 0.05, SmoothingFactor(0), 1e-9)
	assert.InDelta(t, 0.10, SmoothingFactor(1), 1e-9)
	assert.InDelta(t, 0.10, SmoothingFactor(3), 1e-9)
}

func TestShouldApply_Bars(t *testing.T) {
	base := Optimization{Confidence: 0.9, EstimatedImprovement: 10}
	assert.True(t, ShouldApply(base))

	o := base
	o.Confidence = 0.7
	assert.False(t, ShouldApply(o), "confidence must exceed 0.7")

	o = base
	o.EstimatedImprovement = 5
	assert.False(t, ShouldApply(o), "improvement must exceed 5%")

	o = base
	o.Default = true
	assert.False(t, ShouldApply(o))
}

func TestCalibrate(t *testing.T) {
	trials := func(rts []float64, correct int) []signals.Trial {
		out := make([]signals.Trial, len(rts))
		for i, rt := range rts {
			out[i] = signals.Trial{ReactionTimeMs: rt, Correct: i < correct}
		}
		return out
	}

	_, err := Calibrate("trader-1", nil, Session{CognitiveTrials: trials([]float64{400, 400, 400, 400, -1, 20000}, 4)}, t0)
	assert.ErrorIs(t, err, ErrInsufficientCalibration)

	b, err := Calibrate("trader-1", nil, Session{
		CognitiveTrials:  trials([]float64{400, 420, 380, 410, 390}, 5),
		PointerMovements: []float64{1, 1, 1, 1},
	}, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, b.CalibrationCount)
	assert.InDelta(t, 400, b.ReactionTimeMean, 1e-9)
	assert.InDelta(t, math.Sqrt(200), b.ReactionTimeStddev, 1e-9)
	assert.InDelta(t, 1.0, b.AccuracyMean, 1e-9)
	assert.InDelta(t, 1.0, b.PointerStabilityMean, 1e-9)
	assert.Equal(t, t0, b.LastCalibrated)

	b2, err := Calibrate("trader-1", b, Session{CognitiveTrials: trials([]float64{500, 500, 500, 500, 500}, 4)}, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, b2.CalibrationCount)
	assert.InDelta(t, 450, b2.ReactionTimeMean, 1e-9)
	assert.InDelta(t, 10, b2.ReactionTimeStddev, 1e-9)
	assert.InDelta(t, 0.9, b2.AccuracyMean, 1e-9)
	assert.InDelta(t, 0.1, b2.AccuracyStddev, 1e-9)
	assert.InDelta(t, 1.0, b2.PointerStabilityMean, 1e-9, "unmeasured this session")

	// Input untouched.
	assert.Equal(t, 1, b.CalibrationCount)
}

func TestLearner_RunApplies(t *testing.T) {
	src := &fakeSource{records: map[string][]TradeRecord{"trader-1": clearCut()}}
	store := NewMemoryStore()
	ln := newLearner(src, store)

	o, err := ln.Run(context.Background(), "trader-1")
	require.NoError(t, err)
	assert.True(t, o.Applied)
	assert.Equal(t, t0, o.ComputedAt)

	b, err := store.Get(context.Background(), "trader-1")
	require.NoError(t, err)
	assert.InDelta(t, o.Adjusted.StressThreshold, b.StressThreshold, 1e-9)
	assert.Less(t, b.StressThreshold, 6.0)
}

func TestLearner_FetchFailureIsDefault(t *testing.T) {
	src := &fakeSource{err: errors.New("db down")}
	store := NewMemoryStore()
	ln := newLearner(src, store)

	o, err := ln.Run(context.Background(), "trader-1")
	require.NoError(t, err)
	assert.True(t, o.Default)
	assert.False(t, o.Applied)
	assert.Equal(t, "trade history unavailable", o.Reason)

	_, err = store.Get(context.Background(), "trader-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLearner_CancelledContext(t *testing.T) {
	ln := newLearner(&fakeSource{}, NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ln.Optimize(ctx, "trader-1")
	assert.ErrorIs(t, err, context.Canceled)
}

// Random histories must never produce a write unless the recommendation
// clears both bars.
func TestLearner_NeverAppliesBelowBar(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 200; iter++ {
		n := rng.Intn(60)
		var rs []TradeRecord
		for i := 0; i < n; i++ {
			r := record(i, float64(rng.Intn(11)), rng.NormFloat64()*100)
			r.Executed = rng.Float64() < 0.9
			rs = append(rs, r)
		}
		src := &fakeSource{records: map[string][]TradeRecord{"a": rs}}
		store := NewMemoryStore()
		ln := newLearner(src, store)

		o, err := ln.Run(context.Background(), "a")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, o.Confidence, 0.0)
		assert.LessOrEqual(t, o.Confidence, 1.0)

		_, getErr := store.Get(context.Background(), "a")
		if o.Confidence <= ApplyConfidence || o.EstimatedImprovement <= ApplyImprovementPct || o.Default {
			assert.False(t, o.Applied)
			assert.ErrorIs(t, getErr, ErrNotFound)
		} else {
			assert.True(t, o.Applied)
			assert.NoError(t, getErr)
		}
	}
}

func TestLearner_RunAll(t *testing.T) {
	src := &fakeSource{records: map[string][]TradeRecord{
		"trader-1": clearCut(),
		"trader-2": clearCut()[:5],
	}}
	ln := newLearner(src, NewMemoryStore())

	applied, err := ln.RunAll(context.Background(), t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
}

func TestTimer_RunNow(t *testing.T) {
	src := &fakeSource{records: map[string][]TradeRecord{"trader-1": clearCut()}}
	store := NewMemoryStore()
	timer, err := NewTimer(newLearner(src, store), "@daily", logging.Discard())
	require.NoError(t, err)

	timer.RunNow(context.Background())
	assert.False(t, timer.Running())

	_, err = store.Get(context.Background(), "trader-1")
	assert.NoError(t, err)

	_, err = NewTimer(newLearner(src, store), "not a schedule", logging.Discard())
	assert.Error(t, err)
}

// blockingSource parks the first TradeRecords call until its context ends.
type blockingSource struct {
	started chan struct{}
	mu      sync.Mutex
	calls   int
}

func (s *blockingSource) TradeRecords(ctx context.Context, _ string, _ int) ([]TradeRecord, error) {
	s.mu.Lock()
	s.calls++
	first := s.calls == 1
	s.mu.Unlock()
	if first {
		close(s.started)
		<-ctx.Done()
	}
	return nil, ctx.Err()
}

func (s *blockingSource) ActorsWithOutcomes(context.Context, time.Time) ([]string, error) {
	return []string{"trader-1", "trader-2", "trader-3"}, nil
}

func TestTimer_StopCancelsRun(t *testing.T) {
	src := &blockingSource{started: make(chan struct{})}
	timer, err := NewTimer(newLearner(src, NewMemoryStore()), "@daily", logging.Discard())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		timer.tick()
		close(done)
	}()

	select {
	case <-src.started:
	case <-time.After(5 * time.Second):
		t.Fatal("learner pass never started")
	}
	assert.True(t, timer.Running())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	timer.Stop(ctx)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("learner pass ignored Stop")
	}
	assert.False(t, timer.Running())

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Equal(t, 1, src.calls, "remaining actors skipped after cancel")
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	src := &fakeSource{records: map[string][]TradeRecord{"trader-1": clearCut()}}
	store := NewMemoryStore()
	r := gin.New()
	NewHandler(newLearner(src, store)).RegisterRoutes(r.Group("/v1"))

	do := func(method, path, body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusNotFound, do(http.MethodGet, "/v1/actors/trader-1/baseline", "").Code)

	short := `{"cognitiveTrials":[{"reactionTimeMs":400,"correct":true}]}`
	assert.Equal(t, http.StatusUnprocessableEntity, do(http.MethodPost, "/v1/actors/trader-1/baseline/calibrate", short).Code)
	assert.Equal(t, http.StatusBadRequest, do(http.MethodPost, "/v1/actors/trader-1/baseline/calibrate", "{").Code)

	full := `{"cognitiveTrials":[` + strings.Repeat(`{"reactionTimeMs":400,"correct":true},`, 4) +
		`{"reactionTimeMs":400,"correct":true}]}`
	w := do(http.MethodPost, "/v1/actors/trader-1/baseline/calibrate", full)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"calibrationCount":1`)

	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/v1/actors/trader-1/baseline", "").Code)

	w = do(http.MethodPost, "/v1/actors/trader-1/baseline/optimize", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"applied":false`)

	w = do(http.MethodPost, "/v1/actors/trader-1/baseline/optimize?apply=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"applied":true`)

	assert.Equal(t, http.StatusBadRequest, do(http.MethodGet, "/v1/actors/bad%20id/baseline", "").Code)
}
