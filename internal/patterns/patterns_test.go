package patterns

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tiltguard/internal/signals"
)

func f(v float64) *float64 { return &v }

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

// tilted is the summary of a stressed session that scored high.
func tilted() signals.Summary {
	return signals.Summary{
		ValidTrials:           20,
		ReactionTimeMean:      f(780),
		ReactionTimeVariance:  f(9000),
		Accuracy:              f(0.7),
		PointerStability:      f(0.35),
		KeystrokeRhythm:       f(0.25),
		KeystrokeMeanInterval: f(310),
		SelfReportedStress:    f(8),
	}
}

func history(actorID string, n int, score float64) []Observation {
	out := make([]Observation, n)
	for i := range out {
		// most recent first
		out[i] = Observation{
			AssessmentID: "asm_" + string(rune('a'+i)),
			ActorID:      actorID,
			Summary:      tilted(),
			RiskScore:    score,
			ObservedAt:   t0.Add(-time.Duration(i) * time.Hour),
		}
	}
	return out
}

func TestSimilarity(t *testing.T) {
	a := Signature{"x": 0.2, "y": 0.8}
	assert.Equal(t, 1.0, Similarity(a, a))
	assert.InDelta(t, 0.9, Similarity(a, Signature{"x": 0.3, "y": 0.7}), 1e-9)
	assert.Equal(t, 0.0, Similarity(Signature{"x": 0.5}, Signature{"y": 0.5}))
	// Union of keys: missing key counts as a full difference.
	assert.InDelta(t, 0.5, Similarity(Signature{"x": 0.5}, Signature{"x": 0.5, "y": 0.1}), 1e-9)
	assert.Equal(t, 0.0, Similarity(nil, nil))
}

func TestExtract(t *testing.T) {
	sigs := Extract(tilted(), 80)
	require.Contains(t, sigs, TypePointer)
	require.Contains(t, sigs, TypeKeystroke)
	require.Contains(t, sigs, TypeCognitive)
	require.Contains(t, sigs, TypeStressEscalation)
	assert.NotContains(t, sigs, TypeRiskDelta)

	assert.InDelta(t, 0.39, sigs[TypeCognitive]["reaction_time"], 1e-9)
	assert.InDelta(t, 0.8, sigs[TypeStressEscalation]["stress"], 1e-9)
	assert.InDelta(t, 0.8, sigs[TypeStressEscalation]["risk"], 1e-9)

	assert.Empty(t, Extract(signals.Summary{}, 10))
}

func TestSequence(t *testing.T) {
	prev := Observation{RiskScore: 20, ObservedAt: t0, Summary: signals.Summary{SelfReportedStress: f(2)}}
	cur := Observation{RiskScore: 80, ObservedAt: t0.Add(2 * time.Hour), Summary: signals.Summary{SelfReportedStress: f(8)}}

	sig, ok := Sequence(prev, cur)
	require.True(t, ok)
	assert.InDelta(t, 0.8, sig["risk_delta"], 1e-9)
	assert.InDelta(t, 0.8, sig["stress_delta"], 1e-9)

	_, ok = Sequence(prev, Observation{ObservedAt: t0.Add(25 * time.Hour)})
	assert.False(t, ok)
	_, ok = Sequence(cur, prev)
	assert.False(t, ok)
}

func TestCluster_MergesSameTypeOnly(t *testing.T) {
	ps := []Pattern{
		{ID: "a", Type: TypePointer, Signature: Signature{"stability": 0.40}, RiskOutcome: 80, Frequency: 1, Accuracy: 0.7},
		{ID: "b", Type: TypePointer, Signature: Signature{"stability": 0.44}, RiskOutcome: 60, Frequency: 3, Accuracy: 0.9},
		{ID: "c", Type: TypeKeystroke, Signature: Signature{"stability": 0.41}, RiskOutcome: 10, Frequency: 1, Accuracy: 0.7},
		{ID: "d", Type: TypePointer, Signature: Signature{"stability": 0.95}, RiskOutcome: 5, Frequency: 1, Accuracy: 0.7},
	}
	out := Cluster(ps)
	require.Len(t, out, 3)

	assert.Equal(t, "a", out[0].ID)
	assert.Equal(t, 4, out[0].Frequency)
	assert.InDelta(t, 0.43, out[0].Signature["stability"], 1e-9)
	assert.InDelta(t, 65, out[0].RiskOutcome, 1e-9)
	assert.InDelta(t, 0.85, out[0].Accuracy, 1e-9)
	assert.Equal(t, "d", out[1].ID)
	assert.Equal(t, TypeKeystroke, out[2].Type)

	// Input untouched.
	assert.Equal(t, 0.40, ps[0].Signature["stability"])
}

func TestCluster_MeanOfMembers(t *testing.T) {
	ps := []Pattern{
		{ID: "a", Type: TypeCognitive, Signature: Signature{"accuracy": 0.40, "speed": 0.50}, RiskOutcome: 30, Frequency: 1, Accuracy: 0.7},
		{ID: "b", Type: TypeCognitive, Signature: Signature{"accuracy": 0.42, "speed": 0.50}, RiskOutcome: 60, Frequency: 1, Accuracy: 0.7},
		{ID: "c", Type: TypeCognitive, Signature: Signature{"accuracy": 0.47, "speed": 0.56}, RiskOutcome: 90, Frequency: 1, Accuracy: 0.7},
	}
	out := Cluster(ps)
	require.Len(t, out, 1)

	// a and b merge first; folding c in must still give the mean of all three.
	assert.Equal(t, 3, out[0].Frequency)
	assert.InDelta(t, (0.40+0.42+0.47)/3, out[0].Signature["accuracy"], 1e-9)
	assert.InDelta(t, (0.50+0.50+0.56)/3, out[0].Signature["speed"], 1e-9)
	assert.InDelta(t, 60, out[0].RiskOutcome, 1e-9)
}

func TestCluster_FixedPoint(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	types := []Type{TypePointer, TypeKeystroke, TypeCognitive}
	var ps []Pattern
	for i := 0; i < 120; i++ {
		ps = append(ps, Pattern{
			ID:          string(rune('A' + i%26)),
			Type:        types[rng.Intn(len(types))],
			Signature:   Signature{"a": rng.Float64(), "b": rng.Float64()},
			RiskOutcome: rng.Float64() * 100,
			Frequency:   1 + rng.Intn(3),
			Accuracy:    0.7,
		})
	}

	once := Cluster(ps)
	twice := Cluster(once)
	assert.Equal(t, once, twice)

	for i := range once {
		for j := i + 1; j < len(once); j++ {
			if once[i].Type == once[j].Type {
				assert.LessOrEqual(t, Similarity(once[i].Signature, once[j].Signature), ClusterThreshold)
			}
		}
	}
}

func TestMine(t *testing.T) {
	assert.Nil(t, Mine("u1", history("u1", 4, 80), nil, t0))

	mined := Mine("u1", history("u1", 6, 80), nil, t0)
	require.NotEmpty(t, mined)

	byType := map[Type]Pattern{}
	for _, p := range mined {
		assert.Equal(t, "u1", p.ActorID)
		assert.NotEmpty(t, p.ID)
		assert.Equal(t, t0, p.CreatedAt)
		byType[p.Type] = p
	}
	// Identical sessions collapse to one pattern per type.
	assert.Len(t, mined, 5)
	assert.Equal(t, 6, byType[TypePointer].Frequency)
	assert.Equal(t, 5, byType[TypeRiskDelta].Frequency)
	assert.InDelta(t, InitialAccuracy, byType[TypePointer].Accuracy, 1e-9)
	assert.Equal(t, t0, byType[TypePointer].LastSeen)
}

func TestMine_CarriesAccuracy(t *testing.T) {
	first := Mine("u1", history("u1", 6, 80), nil, t0)
	for i := range first {
		first[i].Accuracy = 0.95
	}
	second := Mine("u1", history("u1", 8, 80), first, t0)
	for _, p := range second {
		assert.Equal(t, 0.95, p.Accuracy, "type %s", p.Type)
	}
}

func TestPredict(t *testing.T) {
	t.Run("neutral below minimum history", func(t *testing.T) {
		p := Predict(4, Extract(tilted(), 70), []Pattern{{Type: TypePointer}})
		assert.Equal(t, NeutralPrediction(), p)
	})

	t.Run("no patterns is fully novel", func(t *testing.T) {
		p := Predict(10, Extract(tilted(), 70), nil)
		assert.Equal(t, 1.0, p.Novelty)
		assert.Equal(t, 0.0, p.Adjustment)
		assert.Equal(t, 0.0, p.Confidence)
		assert.False(t, p.Neutral)
	})

	t.Run("matching pattern pulls toward outcome", func(t *testing.T) {
		cur := Extract(tilted(), 70)
		stored := []Pattern{{
			ID: "p1", Type: TypePointer, Signature: cur[TypePointer],
			RiskOutcome: 90, Frequency: 3, Accuracy: 0.7,
		}}
		p := Predict(10, cur, stored)
		require.Len(t, p.Matches, 1)
		assert.InDelta(t, 16, p.Adjustment, 1e-9)
		w := 0.7 * math.Log(4)
		assert.InDelta(t, w, p.Matches[0].Weight, 1e-9)
		assert.InDelta(t, w/5, p.Confidence, 1e-9)
		assert.InDelta(t, 0, p.Novelty, 1e-9)
	})

	t.Run("weak matches ignored", func(t *testing.T) {
		cur := Extract(tilted(), 70)
		stored := []Pattern{{
			ID: "p1", Type: TypePointer, Signature: Signature{"stability": 1, "click_latency": 1},
			RiskOutcome: 90, Frequency: 3, Accuracy: 0.7,
		}}
		p := Predict(10, cur, stored)
		assert.Empty(t, p.Matches)
		assert.Equal(t, 0.0, p.Adjustment)
		assert.Greater(t, p.Novelty, 0.5)
	})

	t.Run("adjustment clamped", func(t *testing.T) {
		cur := Extract(tilted(), 70)
		var stored []Pattern
		for _, typ := range typeOrder {
			if sig, ok := cur[typ]; ok {
				stored = append(stored, Pattern{ID: string(typ), Type: typ, Signature: sig, RiskOutcome: 100, Frequency: 50, Accuracy: 1})
			}
		}
		p := Predict(10, cur, stored)
		assert.InDelta(t, MaxAdjustment, p.Adjustment, 1e-9)
		assert.Equal(t, 1.0, p.Confidence)
	})
}

func TestFeedback(t *testing.T) {
	stored := []Pattern{{ID: "p1", RiskOutcome: 80, Accuracy: 0.7}, {ID: "p2", RiskOutcome: 10, Accuracy: 0.7}}
	got := Feedback(stored, []Match{{PatternID: "p1"}, {PatternID: "missing"}}, 60)
	require.Len(t, got, 1)
	assert.InDelta(t, 0.71, got["p1"], 1e-9)
	assert.Nil(t, Feedback(stored, nil, 60))
}

func TestCache_TTL(t *testing.T) {
	now := t0
	c := NewCache[int](time.Minute, func() time.Time { return now })

	c.Put("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	assert.True(t, c.Update("a", func(v int) int { return v + 1 }))
	v, _ = c.Get("a")
	assert.Equal(t, 2, v)

	now = now.Add(time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Update("a", func(v int) int { return v }))

	c.Put("b", 3)
	c.Invalidate("b")
	_, ok = c.Get("b")
	assert.False(t, ok)
}

type fakeHistory struct {
	obs   []Observation
	err   error
	calls atomic.Int32
}

func (h *fakeHistory) Observations(_ context.Context, _ string, limit int) ([]Observation, error) {
	h.calls.Add(1)
	if h.err != nil {
		return nil, h.err
	}
	if len(h.obs) > limit {
		return h.obs[:limit], nil
	}
	return h.obs, nil
}

func TestMatcher_PredictAndCache(t *testing.T) {
	now := t0
	hist := &fakeHistory{obs: history("u1", 8, 85)}
	store := NewMemoryStore()
	m := NewMatcher(hist, store, WithClock(func() time.Time { return now }), WithCacheTTL(time.Minute))
	ctx := context.Background()

	pred, err := m.Predict(ctx, "u1", tilted(), 70, now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, pred.Neutral)
	assert.Greater(t, pred.Adjustment, 0.0)
	assert.NotEmpty(t, pred.Matches)

	active, err := store.Active(ctx, "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, active)

	_, err = m.Predict(ctx, "u1", tilted(), 70, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int32(1), hist.calls.Load())

	now = now.Add(2 * time.Minute)
	_, err = m.Predict(ctx, "u1", tilted(), 70, now)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hist.calls.Load())

	// The second mine superseded the first generation.
	all := store.All("u1")
	assert.Len(t, all, 2*len(active))
}

func TestMatcher_NeutralForNewActor(t *testing.T) {
	m := NewMatcher(&fakeHistory{obs: history("u2", 3, 85)}, nil)
	pred, err := m.Predict(context.Background(), "u2", tilted(), 70, t0)
	require.NoError(t, err)
	assert.Equal(t, NeutralPrediction(), pred)
}

func TestMatcher_HistoryError(t *testing.T) {
	m := NewMatcher(&fakeHistory{err: errors.New("db down")}, nil)
	_, err := m.Predict(context.Background(), "u1", tilted(), 70, t0)
	assert.Error(t, err)
}

func TestMatcher_ObserveUpdatesAccuracy(t *testing.T) {
	store := NewMemoryStore()
	m := NewMatcher(&fakeHistory{obs: history("u1", 6, 85)}, store)
	ctx := context.Background()

	pred, err := m.Predict(ctx, "u1", tilted(), 70, t0.Add(time.Hour))
	require.NoError(t, err)
	require.NotEmpty(t, pred.Matches)

	obs := Observation{ActorID: "u1", Summary: tilted(), RiskScore: 85, ObservedAt: t0.Add(time.Hour)}
	require.NoError(t, m.Observe(ctx, obs, pred))

	active, err := store.Active(ctx, "u1")
	require.NoError(t, err)
	matched := map[string]bool{}
	for _, mt := range pred.Matches {
		matched[mt.PatternID] = true
	}
	for _, p := range active {
		if matched[p.ID] {
			assert.InDelta(t, 0.73, p.Accuracy, 1e-9)
		}
	}

	cached, err := m.Patterns(ctx, "u1")
	require.NoError(t, err)
	for _, p := range cached {
		if matched[p.ID] {
			assert.InDelta(t, 0.73, p.Accuracy, 1e-9)
		}
	}
}
