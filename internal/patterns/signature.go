package patterns

import (
	"math"
	"time"

	"github.com/mbd888/tiltguard/internal/signals"
)

// Normalization ceilings for raw measurements.
const (
	reactionTimeCeilingMs = 2000.0
	varianceCeiling       = 40000.0
	intervalCeilingMs     = 1000.0
	clickCeilingMs        = 1000.0
)

// Extract derives every signature the summary supports. riskScore is the
// composite score for the same assessment (0-100).
func Extract(s signals.Summary, riskScore float64) map[Type]Signature {
	out := make(map[Type]Signature)

	if s.PointerStability != nil {
		sig := Signature{"stability": unit(*s.PointerStability)}
		if s.ClickLatency != nil {
			sig["click_latency"] = unit(*s.ClickLatency / clickCeilingMs)
		}
		out[TypePointer] = sig
	}
	if s.KeystrokeRhythm != nil {
		sig := Signature{"rhythm": unit(*s.KeystrokeRhythm)}
		if s.KeystrokeMeanInterval != nil {
			sig["interval"] = unit(*s.KeystrokeMeanInterval / intervalCeilingMs)
		}
		out[TypeKeystroke] = sig
	}
	if s.ReactionTimeMean != nil && s.Accuracy != nil {
		sig := Signature{
			"reaction_time": unit(*s.ReactionTimeMean / reactionTimeCeilingMs),
			"accuracy":      unit(*s.Accuracy),
		}
		if s.ReactionTimeVariance != nil {
			sig["variance"] = unit(*s.ReactionTimeVariance / varianceCeiling)
		}
		out[TypeCognitive] = sig
	}
	if s.SelfReportedStress != nil {
		out[TypeStressEscalation] = Signature{
			"stress": unit(*s.SelfReportedStress / 10),
			"risk":   unit(riskScore / 100),
		}
	}
	return out
}

// Sequence builds the risk-delta signature between two consecutive
// observations. It reports false when they are more than SequenceWindow
// apart or out of order.
func Sequence(prev, cur Observation) (Signature, bool) {
	gap := cur.ObservedAt.Sub(prev.ObservedAt)
	if gap < 0 || gap > SequenceWindow {
		return nil, false
	}
	sig := Signature{
		"risk_delta": unit((cur.RiskScore-prev.RiskScore)/200 + 0.5),
		"gap":        unit(gap.Hours() / SequenceWindow.Hours()),
	}
	if prev.Summary.SelfReportedStress != nil && cur.Summary.SelfReportedStress != nil {
		d := *cur.Summary.SelfReportedStress - *prev.Summary.SelfReportedStress
		sig["stress_delta"] = unit(d/20 + 0.5)
	}
	return sig, true
}

// Similarity is 1 minus the mean absolute per-feature difference over the
// union of both key sets. A key missing on one side counts as a full
// difference. Two empty signatures have similarity 0.
func Similarity(a, b Signature) float64 {
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	if len(keys) == 0 {
		return 0
	}
	var diff float64
	for k := range keys {
		av, aok := a[k]
		bv, bok := b[k]
		if !aok || !bok {
			diff++
			continue
		}
		diff += math.Abs(av - bv)
	}
	return unit(1 - diff/float64(len(keys)))
}

func unit(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

// current holds the signatures computed for an in-flight evaluation.
func current(s signals.Summary, baseScore float64, last *Observation, at time.Time) map[Type]Signature {
	sigs := Extract(s, baseScore)
	if last != nil {
		cur := Observation{Summary: s, RiskScore: baseScore, ObservedAt: at}
		if sig, ok := Sequence(*last, cur); ok {
			sigs[TypeRiskDelta] = sig
		}
	}
	return sigs
}
