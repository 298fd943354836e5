package risk

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tiltguard/internal/signals"
)

func trials(n int, rt float64, correct bool) []signals.Trial {
	out := make([]signals.Trial, n)
	for i := range out {
		out[i] = signals.Trial{Stimulus: "red", Response: "red", Correct: correct, ReactionTimeMs: rt}
	}
	return out
}

func stress(v float64) *float64 { return &v }

func score(s signals.Signals, actx ActionContext) Result {
	return NewComposer().Compose(signals.ScoreAll(&s, nil), actx)
}

// Jittery pointer and uneven typing: behavioral scorer hits its ceiling.
func erraticTraces() signals.Signals {
	latency := 20.0
	return signals.Signals{
		PointerMovements:   []float64{0, 10, 0, 10, 0, 10},
		KeystrokeIntervals: []float64{50, 400, 30, 600, 20},
		ClickLatencyMs:     &latency,
	}
}

func TestCompose_ScenarioFastAccurate(t *testing.T) {
	res := score(signals.Signals{CognitiveTrials: trials(20, 400, true)}, ActionContext{})
	assert.Less(t, res.Score, 30)
}

// Slow, all-wrong trials on their own: the cognitive subscore caps at 60
// and is then weighted by 0.5, so the composite cannot pass 30.
func TestCompose_SlowWrongCognitiveOnly(t *testing.T) {
	alone := score(signals.Signals{CognitiveTrials: trials(20, 800, false)}, ActionContext{})
	fast := score(signals.Signals{CognitiveTrials: trials(20, 400, true)}, ActionContext{})

	// +10 reaction time over 600ms, +20 accuracy under 0.70, times 0.5.
	assert.Equal(t, 15, alone.Score)
	assert.LessOrEqual(t, alone.Score, 30)
	assert.Greater(t, alone.Score, fast.Score)
}

// The same trials pass 60 once a high stress rating and a losing streak
// join them: 15 + 40*0.6 + 25.
func TestCompose_SlowWrongWithStressAndLosses(t *testing.T) {
	s := signals.Signals{
		CognitiveTrials:    trials(20, 800, false),
		SelfReportedStress: stress(9),
	}
	res := score(s, ActionContext{RecentLossCount: 5})
	assert.Equal(t, 64, res.Score)
	assert.Greater(t, res.Score, 60)
}

func TestCompose_StressRaisesScore(t *testing.T) {
	low := erraticTraces()
	low.SelfReportedStress = stress(2)
	high := erraticTraces()
	high.SelfReportedStress = stress(9)

	lowRes := score(low, ActionContext{})
	highRes := score(high, ActionContext{})
	assert.Greater(t, highRes.Score, lowRes.Score)
}

func TestCompose_StressMonotonic(t *testing.T) {
	prev := -1
	for v := 2.0; v <= 9.0; v += 0.5 {
		s := erraticTraces()
		s.CognitiveTrials = trials(12, 650, true)
		s.SelfReportedStress = stress(v)
		res := score(s, ActionContext{Leverage: 6})
		assert.GreaterOrEqual(t, res.Score, prev, "stress %.1f", v)
		prev = res.Score
	}
}

func TestCompose_NoSignals(t *testing.T) {
	res := score(signals.Signals{}, ActionContext{})
	assert.Equal(t, 0, res.Score)
	assert.Equal(t, 0.0, res.Confidence)
	assert.Empty(t, res.Included)
	assert.Len(t, res.Components, len(signals.AllModalities))
}

func TestCompose_Confidence(t *testing.T) {
	res := score(signals.Signals{CognitiveTrials: trials(20, 800, false)}, ActionContext{})
	require.Equal(t, []signals.Modality{signals.ModalityCognitive}, res.Included)
	assert.InDelta(t, 0.45, res.Confidence, 1e-9)

	res = score(signals.Signals{
		CognitiveTrials:    trials(20, 800, false),
		SelfReportedStress: stress(9),
	}, ActionContext{})
	assert.InDelta(t, (0.5*0.9+0.6*0.8)/2, res.Confidence, 1e-9)
}

func TestCompose_ZeroScoreExcluded(t *testing.T) {
	res := score(signals.Signals{
		CognitiveTrials:    trials(20, 400, true),
		SelfReportedStress: stress(9),
	}, ActionContext{})
	assert.Equal(t, []signals.Modality{signals.ModalitySelfReport}, res.Included)
	assert.Equal(t, 24, res.Score)
}

func TestCompose_DisabledModality(t *testing.T) {
	s := signals.Signals{SelfReportedStress: stress(9)}
	c := NewComposer().WithEnabled(func(m signals.Modality) bool {
		return m != signals.ModalitySelfReport
	})
	res := c.Compose(signals.ScoreAll(&s, nil), ActionContext{})
	assert.Equal(t, 0, res.Score)
	assert.Empty(t, res.Included)
}

func TestCompose_CustomWeights(t *testing.T) {
	s := signals.Signals{SelfReportedStress: stress(9)}
	w := DefaultWeights()
	w.SelfReport = 1
	res := Compose(signals.ScoreAll(&s, nil), ActionContext{}, w)
	assert.Equal(t, 40, res.Score)
}

func TestCompose_ClampedAtMax(t *testing.T) {
	comps := []signals.Component{
		{Modality: signals.ModalityCognitive, Score: 60, Confidence: 0.9, Present: true},
		{Modality: signals.ModalityBehavioral, Score: 35, Confidence: 0.7, Present: true},
		{Modality: signals.ModalitySelfReport, Score: 40, Confidence: 0.8, Present: true},
		{Modality: signals.ModalityVoice, Score: 25, Confidence: 0.6, Present: true},
		{Modality: signals.ModalityFacial, Score: 30, Confidence: 0.8, Present: true},
	}
	res := NewComposer().Compose(comps, ActionContext{Leverage: 20, RecentLossCount: 9, MarketVolatility: 2})
	assert.Equal(t, MaxScore, res.Score)
	assert.InDelta(t, 84.5, res.ModalityRisk, 1e-9)
	assert.Equal(t, float64(MaxContextualRisk), res.ContextualRisk)
}

func TestCompose_BoundsUnderRandomInput(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	weird := []float64{math.NaN(), math.Inf(1), math.Inf(-1), -50, 0, 1e9}
	pick := func() float64 {
		if rng.Intn(4) == 0 {
			return weird[rng.Intn(len(weird))]
		}
		return rng.Float64() * 1200
	}

	for i := 0; i < 500; i++ {
		var s signals.Signals
		for j := 0; j < rng.Intn(25); j++ {
			s.CognitiveTrials = append(s.CognitiveTrials, signals.Trial{Correct: rng.Intn(2) == 0, ReactionTimeMs: pick()})
		}
		for j := 0; j < rng.Intn(10); j++ {
			s.PointerMovements = append(s.PointerMovements, pick())
			s.KeystrokeIntervals = append(s.KeystrokeIntervals, pick())
		}
		if rng.Intn(2) == 0 {
			s.SelfReportedStress = stress(pick() / 50)
		}
		if rng.Intn(2) == 0 {
			s.Voice = &signals.VoiceFeatures{PitchHz: pick(), Jitter: pick() / 1000, Shimmer: pick() / 1000, Energy: pick() / 1000}
		}
		actx := ActionContext{
			Leverage:         pick() / 50,
			RecentLossCount:  rng.Intn(8),
			CurrentPnL:       -pick() * 5,
			MarketVolatility: pick() / 600,
		}

		res := score(s, actx)
		require.GreaterOrEqual(t, res.Score, MinScore)
		require.LessOrEqual(t, res.Score, MaxScore)
		require.GreaterOrEqual(t, res.Confidence, 0.0)
		require.LessOrEqual(t, res.Confidence, 1.0)
	}
}

func TestContextualRisk(t *testing.T) {
	tests := []struct {
		name    string
		actx    ActionContext
		points  float64
		factors int
	}{
		{"calm", ActionContext{Leverage: 2, LocalTime: time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)}, 0, 0},
		{"leverage", ActionContext{Leverage: 12}, 20, 1},
		{"moderate leverage", ActionContext{Leverage: 6}, 10, 1},
		{"one loss", ActionContext{RecentLossCount: 1}, 8, 1},
		{"three losses", ActionContext{RecentLossCount: 3}, 15, 1},
		{"drawdown", ActionContext{CurrentPnL: -600}, 8, 1},
		{"deep drawdown", ActionContext{CurrentPnL: -2500}, 15, 1},
		{"late night", ActionContext{LocalTime: time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC)}, 5, 1},
		{"early morning", ActionContext{LocalTime: time.Date(2026, 3, 2, 5, 59, 0, 0, time.UTC)}, 5, 1},
		{"volatile", ActionContext{MarketVolatility: 0.9}, 8, 1},
		{"capped", ActionContext{Leverage: 12, RecentLossCount: 5, CurrentPnL: -3000, MarketVolatility: 1.5}, 40, 4},
		{"non-finite ignored", ActionContext{Leverage: math.NaN(), CurrentPnL: math.Inf(-1)}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			points, factors := ContextualRisk(tt.actx)
			assert.Equal(t, tt.points, points)
			assert.Len(t, factors, tt.factors)
		})
	}
}

func TestResult_WithPattern(t *testing.T) {
	base := score(signals.Signals{SelfReportedStress: stress(9)}, ActionContext{RecentLossCount: 3})
	require.Equal(t, 39, base.Score)

	adj := base.WithPattern(35, 1.7)
	assert.Equal(t, 59, adj.Score)
	assert.Equal(t, 39, adj.BaseScore)
	require.NotNil(t, adj.PatternAdjustment)
	assert.Equal(t, 20.0, *adj.PatternAdjustment)
	assert.Equal(t, 1.0, *adj.Novelty)

	// The original is untouched.
	assert.Equal(t, 39, base.Score)
	assert.Nil(t, base.PatternAdjustment)

	low := base.WithPattern(-20, 0.2)
	assert.Equal(t, 19, low.Score)
}

func TestResult_Flags(t *testing.T) {
	res := score(erraticTraces(), ActionContext{})
	assert.Contains(t, res.Flags(), signals.FlagBehavioralAnomaly)
	assert.True(t, res.Component(signals.ModalityBehavioral).Present)
}
