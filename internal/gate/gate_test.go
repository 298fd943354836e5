package gate

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tiltguard/internal/risk"
	"github.com/mbd888/tiltguard/internal/signals"
)

func f(v float64) *float64 { return &v }

func present(m signals.Modality, flags ...signals.Flag) signals.Component {
	return signals.Component{Modality: m, Present: true, Confidence: 0.8, Flags: flags}
}

// calm is a well-rested trader with a complete cognitive test and a low
// self-report.
func calm() Input {
	return Input{
		Score:       10,
		StressLevel: 2,
		Confidence:  0.85,
		Components: []signals.Component{
			present(signals.ModalityCognitive),
			present(signals.ModalityBehavioral),
			present(signals.ModalitySelfReport),
		},
		ValidTrials:        20,
		SelfReportedStress: f(2),
	}
}

func TestDecide_Allow(t *testing.T) {
	v := Decide(calm(), DefaultThresholds())
	assert.Equal(t, DecisionAllow, v.Decision)
	assert.Zero(t, v.Cooldown)
	assert.Zero(t, v.CooldownSeconds)
	assert.Empty(t, v.Reasons)
	assert.Equal(t, "allow", v.Rule)
	assert.Equal(t, 0.85, v.Confidence)
}

func TestDecide_InsufficientSignals(t *testing.T) {
	th := DefaultThresholds()

	t.Run("no signals", func(t *testing.T) {
		v := Decide(Input{}, th)
		assert.Equal(t, DecisionBlock, v.Decision)
		assert.Equal(t, "insufficient_signals", v.Rule)
		assert.Equal(t, th.CooldownBase, v.Cooldown)
		assert.Equal(t, 300, v.CooldownSeconds)
		assert.Equal(t, InsufficientConfidence, v.Confidence)
		assert.Len(t, v.Reasons, 2)
	})

	t.Run("one core modality", func(t *testing.T) {
		in := calm()
		in.Components = []signals.Component{present(signals.ModalityCognitive), present(signals.ModalityVoice)}
		v := Decide(in, th)
		assert.Equal(t, "insufficient_signals", v.Rule)
		require.Len(t, v.Reasons, 1)
		assert.Contains(t, v.Reasons[0], "1 of 4")
	})

	t.Run("short cognitive test", func(t *testing.T) {
		in := calm()
		in.ValidTrials = 4
		v := Decide(in, th)
		assert.Equal(t, "insufficient_signals", v.Rule)
		assert.Contains(t, v.Reasons[0], "4 valid trials")
	})

	t.Run("independent of score", func(t *testing.T) {
		for _, score := range []int{0, 50, 100} {
			v := Decide(Input{Score: score, Confidence: 1}, th)
			assert.Equal(t, DecisionBlock, v.Decision)
			assert.Equal(t, th.CooldownBase, v.Cooldown)
		}
	})
}

func TestDecide_Blocking(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		name     string
		mutate   func(*Input)
		decision Decision
		cooldown time.Duration
	}{
		{"stress", func(in *Input) { in.StressLevel = 8; in.Score = 60 }, DecisionBlock, 8 * time.Minute},
		{"score over threshold", func(in *Input) { in.Score = 80 }, DecisionBlock, 9 * time.Minute},
		{"facial high stress", func(in *Input) {
			in.Components = append(in.Components, present(signals.ModalityFacial, signals.FlagFacialStress, signals.FlagFacialHighStress))
		}, DecisionBlock, 6 * time.Minute},
		{"red flags", func(in *Input) {
			in.Components[0] = present(signals.ModalityCognitive, signals.FlagReactionTimeElevated, signals.FlagAccuracyLow)
			in.Components[1] = present(signals.ModalityBehavioral, signals.FlagBehavioralAnomaly)
		}, DecisionBlock, 6 * time.Minute},
		{"leverage", func(in *Input) { in.Context.Leverage = 16 }, DecisionBlock, 6 * time.Minute},
		{"losses", func(in *Input) { in.Context.RecentLossCount = 5 }, DecisionBlock, 6 * time.Minute},
		{"pnl", func(in *Input) { in.Context.CurrentPnL = -5001 }, DecisionBlock, 6 * time.Minute},
		{"low confidence", func(in *Input) { in.Confidence = 0.39 }, DecisionBlock, 6 * time.Minute},
		{"supervisor by score", func(in *Input) { in.Score = 85 }, DecisionSupervisorReview, 15 * time.Minute},
		{"supervisor by stress", func(in *Input) { in.StressLevel = 9 }, DecisionSupervisorReview, 15 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := calm()
			tt.mutate(&in)
			v := Decide(in, th)
			assert.Equal(t, tt.decision, v.Decision)
			assert.Equal(t, "blocking", v.Rule)
			assert.Equal(t, tt.cooldown, v.Cooldown)
			assert.NotEmpty(t, v.Reasons)
		})
	}
}

func TestDecide_TwoRedFlagsDoNotBlock(t *testing.T) {
	in := calm()
	in.Components[0] = present(signals.ModalityCognitive, signals.FlagReactionTimeElevated, signals.FlagAccuracyLow)
	v := Decide(in, DefaultThresholds())
	assert.NotEqual(t, "blocking", v.Rule)
}

func TestDecide_ReasonsInDetectionOrder(t *testing.T) {
	in := calm()
	in.StressLevel = 8.5
	in.Score = 80
	in.Context.Leverage = 20
	in.Context.RecentLossCount = 6
	v := Decide(in, DefaultThresholds())

	require.Len(t, v.Reasons, 4)
	assert.Contains(t, v.Reasons[0], "stress level 8.5")
	assert.Contains(t, v.Reasons[1], "risk score 80")
	assert.Contains(t, v.Reasons[2], "leverage")
	assert.Contains(t, v.Reasons[3], "recent losses")
	assert.Equal(t, v.Reasons[:MaxPrimaryConcerns], v.PrimaryConcerns)
}

func TestDecide_Warning(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		name     string
		score    int
		stress   float64
		cooldown time.Duration
	}{
		{"at warning threshold", 60, 2, time.Minute},
		{"above warning", 62, 2, 2 * time.Minute},
		{"just below block", 74, 2, 5 * time.Minute},
		{"two concerns", 45, 6.5, time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := calm()
			in.Score = tt.score
			in.StressLevel = tt.stress
			v := Decide(in, th)
			assert.Equal(t, DecisionCooldown, v.Decision)
			assert.Equal(t, "warning", v.Rule)
			assert.Equal(t, tt.cooldown, v.Cooldown)
			assert.NotEmpty(t, v.Reasons)
		})
	}
}

func TestDecide_SingleConcernAllows(t *testing.T) {
	in := calm()
	in.Score = 45
	v := Decide(in, DefaultThresholds())
	assert.Equal(t, DecisionAllow, v.Decision)
}

func TestDecide_ModalityFlagsAreConcerns(t *testing.T) {
	in := calm()
	in.Components[0] = present(signals.ModalityCognitive, signals.FlagReactionTimeElevated)
	in.Components[1] = present(signals.ModalityBehavioral, signals.FlagPointerUnstable, signals.FlagBehavioralAnomaly)
	v := Decide(in, DefaultThresholds())
	assert.Equal(t, DecisionCooldown, v.Decision)
	assert.Equal(t, []string{
		"cognitive: reaction_time_elevated",
		"behavioral: pointer_unstable, behavioral_anomaly",
	}, v.Reasons)
}

func TestThresholds_Warning(t *testing.T) {
	assert.Equal(t, 60.0, Thresholds{Block: 75}.Warning())
	assert.Equal(t, 75.0, Thresholds{Block: 90}.Warning())
	assert.Equal(t, 50.0, Thresholds{Block: 55}.Warning())
}

func TestDecide_CustomThresholds(t *testing.T) {
	th := DefaultThresholds()
	th.Block = 60
	in := calm()
	in.Score = 62
	v := Decide(in, th)
	assert.Equal(t, DecisionBlock, v.Decision)
	assert.Equal(t, 8*time.Minute, v.Cooldown)
}

type forceRule struct{}

func (forceRule) Name() string { return "force" }
func (forceRule) Evaluate(*Input, Thresholds) *Verdict {
	return newVerdict("force", DecisionSupervisorReview, time.Hour, 1, []string{"manual hold"})
}

func TestEngine_CustomRulesFirstMatchWins(t *testing.T) {
	e := NewEngine(DefaultThresholds(), forceRule{}, AllowRule{})
	v := e.Decide(Input{})
	assert.Equal(t, "force", v.Rule)
	assert.Equal(t, time.Hour, v.Cooldown)

	e = NewEngine(DefaultThresholds(), BlockingRule{})
	v = e.Decide(calm())
	assert.Equal(t, DecisionAllow, v.Decision)
	assert.Equal(t, "default", v.Rule)
}

func TestStressEstimate(t *testing.T) {
	assert.Equal(t, 4.5, StressEstimate(45, nil))
	assert.Equal(t, 7.0, StressEstimate(45, f(7)))
	assert.Equal(t, 9.5, StressEstimate(95, f(3)))
	assert.Equal(t, 10.0, StressEstimate(100, f(42)))
}

func randomInput(rng *rand.Rand) Input {
	in := Input{
		Score:       rng.Intn(101),
		StressLevel: rng.Float64() * 10,
		Confidence:  rng.Float64(),
		ValidTrials: rng.Intn(25),
		Context: risk.ActionContext{
			Leverage:        rng.Float64() * 20,
			RecentLossCount: rng.Intn(7),
			CurrentPnL:      -rng.Float64() * 7000,
		},
	}
	if rng.Intn(2) == 0 {
		in.SelfReportedStress = f(rng.Float64() * 10)
	}
	allFlags := []signals.Flag{signals.FlagReactionTimeElevated, signals.FlagAccuracyLow, signals.FlagBehavioralAnomaly, signals.FlagFacialStress, signals.FlagFacialHighStress}
	for _, m := range signals.AllModalities {
		if rng.Intn(3) == 0 {
			continue
		}
		c := present(m)
		if rng.Intn(2) == 0 {
			c.Flags = []signals.Flag{allFlags[rng.Intn(len(allFlags))]}
		}
		in.Components = append(in.Components, c)
	}
	return in
}

func TestDecide_DeterministicAndExplained(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	th := DefaultThresholds()
	for i := 0; i < 1000; i++ {
		in := randomInput(rng)
		a := Decide(in, th)
		b := Decide(in, th)
		require.Equal(t, a, b)

		if a.Decision.Blocking() {
			require.NotEmpty(t, a.Reasons)
			require.Greater(t, int64(a.Cooldown), int64(0))
		}
		if a.Decision == DecisionAllow {
			require.Zero(t, a.Cooldown)
		}
		require.LessOrEqual(t, len(a.PrimaryConcerns), MaxPrimaryConcerns)
		require.GreaterOrEqual(t, a.Confidence, 0.0)
		require.LessOrEqual(t, a.Confidence, 1.0)
	}
}

func TestDecisionSeverity(t *testing.T) {
	order := []Decision{DecisionAllow, DecisionCooldown, DecisionBlock, DecisionSupervisorReview}
	for i := 1; i < len(order); i++ {
		assert.Greater(t, order[i].Severity(), order[i-1].Severity(), order[i])
	}
	assert.Equal(t, 0, Decision("unknown").Severity())
}
