// Package risk composes per-modality subscores into one bounded risk score.
//
// Each modality subscore is capped by its scorer and then weighted
// (cognitive 0.5, behavioral 0.4, self-report 0.6, voice 0.3, facial 0.3).
// A contextual term derived from the action being attempted (leverage,
// recent losses, P&L, time of day, volatility) is added unweighted. The
// composite is rounded and clamped to [0, 100].
package risk

import (
	"time"

	"github.com/mbd888/tiltguard/internal/signals"
)

// Score bounds.
const (
	MinScore = 0
	MaxScore = 100

	MaxContextualRisk    = 40
	MaxPatternAdjustment = 20
)

// ActionContext describes the trade being attempted. LocalTime is the
// actor's wall clock; a zero value skips the time-of-day factor.
type ActionContext struct {
	Leverage         float64   `json:"leverage"`
	RecentLossCount  int       `json:"recentLossCount"`
	CurrentPnL       float64   `json:"currentPnl"`
	LocalTime        time.Time `json:"localTime"`
	MarketVolatility float64   `json:"marketVolatility"`
}

// Weights are the per-modality multipliers applied after capping.
type Weights struct {
	Cognitive  float64 `json:"cognitive" yaml:"cognitive"`
	Behavioral float64 `json:"behavioral" yaml:"behavioral"`
	SelfReport float64 `json:"selfReport" yaml:"self_report"`
	Voice      float64 `json:"voice" yaml:"voice"`
	Facial     float64 `json:"facial" yaml:"facial"`
}

// DefaultWeights returns the production modality weights.
func DefaultWeights() Weights {
	return Weights{
		Cognitive:  0.5,
		Behavioral: 0.4,
		SelfReport: 0.6,
		Voice:      0.3,
		Facial:     0.3,
	}
}

// For returns the weight of m.
func (w Weights) For(m signals.Modality) float64 {
	switch m {
	case signals.ModalityCognitive:
		return w.Cognitive
	case signals.ModalityBehavioral:
		return w.Behavioral
	case signals.ModalitySelfReport:
		return w.SelfReport
	case signals.ModalityVoice:
		return w.Voice
	case signals.ModalityFacial:
		return w.Facial
	}
	return 0
}

// Result is the composite risk score for one evaluation. It is a value
// object: WithPattern returns a new Result rather than mutating.
type Result struct {
	Score          int                 `json:"score"`
	BaseScore      int                 `json:"baseScore"`
	Confidence     float64             `json:"confidence"`
	ModalityRisk   float64             `json:"modalityRisk"`
	ContextualRisk float64             `json:"contextualRisk"`
	ContextFactors []string            `json:"contextFactors,omitempty"`
	Components     []signals.Component `json:"components"`
	Included       []signals.Modality  `json:"included,omitempty"`

	PatternAdjustment *float64 `json:"patternAdjustment,omitempty"`
	Novelty           *float64 `json:"novelty,omitempty"`
}

// Flags returns every flag raised by any component, in modality order.
func (r *Result) Flags() []signals.Flag {
	var out []signals.Flag
	for _, c := range r.Components {
		out = append(out, c.Flags...)
	}
	return out
}

// Component returns the component for m.
func (r *Result) Component(m signals.Modality) signals.Component {
	return signals.Find(r.Components, m)
}

// WithPattern returns a copy of r with the pattern adjustment applied to the
// base score. The adjustment is clamped to ±20 and the score to [0, 100].
func (r Result) WithPattern(adjustment, novelty float64) Result {
	adjustment = clampFloat(adjustment, -MaxPatternAdjustment, MaxPatternAdjustment)
	novelty = clampFloat(novelty, 0, 1)

	out := r
	out.Components = append([]signals.Component(nil), r.Components...)
	out.Included = append([]signals.Modality(nil), r.Included...)
	out.ContextFactors = append([]string(nil), r.ContextFactors...)
	out.PatternAdjustment = &adjustment
	out.Novelty = &novelty
	out.Score = clampScore(float64(r.BaseScore) + adjustment)
	return out
}
