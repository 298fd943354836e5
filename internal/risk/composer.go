package risk

import (
	"math"

	"github.com/mbd888/tiltguard/internal/signals"
)

// Composer folds modality components and action context into a Result.
// A zero Composer is not usable; construct with NewComposer.
type Composer struct {
	weights Weights
	enabled func(signals.Modality) bool
}

// NewComposer creates a composer with the default weights and every
// modality enabled.
func NewComposer() *Composer {
	return &Composer{
		weights: DefaultWeights(),
		enabled: func(signals.Modality) bool { return true },
	}
}

// WithWeights overrides the modality weights.
func (c *Composer) WithWeights(w Weights) *Composer {
	c.weights = w
	return c
}

// WithEnabled restricts which modalities may contribute. A nil predicate
// enables everything.
func (c *Composer) WithEnabled(fn func(signals.Modality) bool) *Composer {
	if fn == nil {
		fn = func(signals.Modality) bool { return true }
	}
	c.enabled = fn
	return c
}

// Compose weights every included component, adds the contextual term and
// returns the bounded composite.
//
// A component is included only when its scorer produced a non-zero score
// and the modality is enabled. Confidence is the sum of weight×confidence
// over included components divided by their count. With nothing included
// confidence is zero.
func (c *Composer) Compose(components []signals.Component, actx ActionContext) Result {
	res := Result{
		Components: append([]signals.Component(nil), components...),
	}

	var weighted, confSum float64
	for _, comp := range components {
		if !finite(comp.Score) || comp.Score <= 0 || !c.enabled(comp.Modality) {
			continue
		}
		w := c.weights.For(comp.Modality)
		if w <= 0 {
			continue
		}
		weighted += comp.Score * w
		confSum += clampFloat(comp.Confidence, 0, 1) * w
		res.Included = append(res.Included, comp.Modality)
	}
	if n := len(res.Included); n > 0 {
		res.Confidence = clampFloat(confSum/float64(n), 0, 1)
	}

	res.ModalityRisk = weighted
	res.ContextualRisk, res.ContextFactors = ContextualRisk(actx)
	res.BaseScore = clampScore(weighted + res.ContextualRisk)
	res.Score = res.BaseScore
	return res
}

// Compose is a convenience for NewComposer().WithWeights(w).Compose.
func Compose(components []signals.Component, actx ActionContext, w Weights) Result {
	return NewComposer().WithWeights(w).Compose(components, actx)
}

func clampScore(v float64) int {
	if !finite(v) {
		return MinScore
	}
	return int(clampFloat(math.Round(v), MinScore, MaxScore))
}

func clampFloat(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
