// Package gate renders the final verdict for an evaluation.
//
// The gate is an ordered list of rules evaluated top-down; the first rule
// that applies produces the verdict. It performs no I/O and is
// deterministic: identical inputs always produce the identical verdict and
// cooldown.
package gate

import (
	"math"
	"time"

	"github.com/mbd888/tiltguard/internal/risk"
	"github.com/mbd888/tiltguard/internal/signals"
)

// Decision is the gate's outcome.
type Decision string

const (
	DecisionAllow            Decision = "allow"
	DecisionCooldown         Decision = "cooldown"
	DecisionBlock            Decision = "block"
	DecisionSupervisorReview Decision = "supervisor_review"
)

// Blocking reports whether the decision prevents the trade outright.
func (d Decision) Blocking() bool {
	return d == DecisionBlock || d == DecisionSupervisorReview
}

// Severity orders decisions from allow (0) to supervisor_review (3).
func (d Decision) Severity() int {
	switch d {
	case DecisionCooldown:
		return 1
	case DecisionBlock:
		return 2
	case DecisionSupervisorReview:
		return 3
	default:
		return 0
	}
}

// Defaults.
const (
	DefaultBlockThreshold  = 75
	DefaultCooldownBase    = 5 * time.Minute
	DefaultConfidenceFloor = 0.4

	MinValidTrials         = 5
	MinCoreModalities      = 2
	SupervisorScore        = 85
	SupervisorStress       = 9.0
	SupervisorCooldown     = 15 * time.Minute
	InsufficientConfidence = 0.3
	MaxPrimaryConcerns     = 3
)

// Thresholds are the policy values the gate reads.
type Thresholds struct {
	Block           float64
	CooldownBase    time.Duration
	ConfidenceFloor float64
}

// DefaultThresholds returns the production thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Block:           DefaultBlockThreshold,
		CooldownBase:    DefaultCooldownBase,
		ConfidenceFloor: DefaultConfidenceFloor,
	}
}

// Warning is max(50, block-15).
func (t Thresholds) Warning() float64 {
	return math.Max(50, t.Block-15)
}

// Input is everything the gate looks at.
type Input struct {
	// Score is the composite after pattern adjustment.
	Score int
	// StressLevel is the 0-10 stress estimate.
	StressLevel float64
	// Confidence is the confidence the caller places in the analysis.
	Confidence         float64
	Components         []signals.Component
	ValidTrials        int
	SelfReportedStress *float64
	Context            risk.ActionContext
}

func (in *Input) component(m signals.Modality) signals.Component {
	return signals.Find(in.Components, m)
}

func (in *Input) hasFlag(m signals.Modality, f signals.Flag) bool {
	return in.component(m).Has(f)
}

// Verdict is the gate's output. Blocking verdicts always carry at least one
// reason.
type Verdict struct {
	Decision        Decision      `json:"decision"`
	Cooldown        time.Duration `json:"-"`
	CooldownSeconds int           `json:"cooldownSeconds"`
	Reasons         []string      `json:"reasons"`
	PrimaryConcerns []string      `json:"primaryConcerns,omitempty"`
	Confidence      float64       `json:"confidence"`
	Rule            string        `json:"rule"`
}

func newVerdict(rule string, d Decision, cooldown time.Duration, confidence float64, reasons []string) *Verdict {
	if reasons == nil {
		reasons = []string{}
	}
	v := &Verdict{
		Decision:        d,
		Cooldown:        cooldown,
		CooldownSeconds: int(cooldown / time.Second),
		Reasons:         reasons,
		Confidence:      clampUnit(confidence),
		Rule:            rule,
	}
	if n := min(len(reasons), MaxPrimaryConcerns); n > 0 {
		v.PrimaryConcerns = append([]string(nil), reasons[:n]...)
	}
	return v
}

// StressEstimate derives the 0-10 stress level from the composite score and
// the self-reported rating. The self-report acts as a floor.
func StressEstimate(score int, selfReport *float64) float64 {
	est := clamp(float64(score)/10, 0, 10)
	if v, ok := signals.StressRating(selfReport); ok && v > est {
		est = v
	}
	return est
}

func minutes(m float64) time.Duration {
	return time.Duration(math.Round(m)) * time.Minute
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func clampUnit(v float64) float64 { return clamp(v, 0, 1) }
