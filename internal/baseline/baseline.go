// Package baseline maintains per-actor personal norms.
//
// Baselines are created by calibration sessions and later retuned by the
// learner, which correlates an actor's self-reported stress and biometric
// readings with realized trade outcomes. The learner only writes when its
// recommendation is both confident and worthwhile, and even then moves each
// threshold a small fraction of the way toward the observed optimum.
package baseline

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/tiltguard/internal/signals"
)

var (
	ErrNotFound                = errors.New("baseline: not found")
	ErrInsufficientCalibration = errors.New("baseline: calibration session too short")
)

// Learner tunables.
const (
	MinRecords          = 10
	MinBucketTrades     = 3
	TopBucketFraction   = 0.3
	ApplyConfidence     = 0.7
	ApplyImprovementPct = 5.0
	MaxImprovementPct   = 50.0
	DefaultConfidence   = 0.3
	DefaultRecordLimit  = 500
)

// Store reads and writes baselines keyed by actor.
type Store interface {
	Get(ctx context.Context, actorID string) (*signals.Baseline, error)
	Save(ctx context.Context, b *signals.Baseline) error
}

// TradeRecord is one historical assessment joined with the trade it gated.
type TradeRecord struct {
	AssessmentID       string    `json:"assessmentId"`
	ActorID            string    `json:"actorId"`
	RiskScore          int       `json:"riskScore"`
	SelfReportedStress *float64  `json:"selfReportedStress,omitempty"`
	ReactionTimeMean   *float64  `json:"reactionTimeMean,omitempty"`
	Accuracy           *float64  `json:"accuracy,omitempty"`
	PointerStability   *float64  `json:"pointerStability,omitempty"`
	KeystrokeRhythm    *float64  `json:"keystrokeRhythm,omitempty"`
	Executed           bool      `json:"executed"`
	PnL                *float64  `json:"pnl,omitempty"`
	ClosedAt           time.Time `json:"closedAt"`
}

// OutcomeSource supplies the learner's input.
type OutcomeSource interface {
	// TradeRecords returns the actor's most recent records, newest first.
	TradeRecords(ctx context.Context, actorID string, limit int) ([]TradeRecord, error)
	// ActorsWithOutcomes lists actors with an outcome recorded since t.
	ActorsWithOutcomes(ctx context.Context, since time.Time) ([]string, error)
}

// Metrics summarizes trading performance over the usable records.
type Metrics struct {
	Trades      int     `json:"trades"`
	WinRate     float64 `json:"winRate"`
	MeanPnL     float64 `json:"meanPnl"`
	MaxDrawdown float64 `json:"maxDrawdown"`
	Sharpe      float64 `json:"sharpe"`
}

// StressRange is an inclusive band of self-reported stress.
type StressRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Thresholds are the learnable baseline values.
type Thresholds struct {
	ReactionTime     float64 `json:"reactionTimeMs"`
	Accuracy         float64 `json:"accuracy"`
	PointerStability float64 `json:"pointerStability"`
	KeystrokeRhythm  float64 `json:"keystrokeRhythm"`
	StressThreshold  float64 `json:"stressThreshold"`
}

// DefaultThresholds is the population prior used before any calibration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ReactionTime:     500,
		Accuracy:         0.9,
		PointerStability: 0.8,
		KeystrokeRhythm:  0.7,
		StressThreshold:  6,
	}
}

// FromBaseline extracts the learnable values, falling back to the defaults
// for anything the baseline does not carry.
func FromBaseline(b *signals.Baseline) Thresholds {
	t := DefaultThresholds()
	if !b.Calibrated() {
		return t
	}
	if b.ReactionTimeMean > 0 {
		t.ReactionTime = b.ReactionTimeMean
	}
	if b.AccuracyMean > 0 {
		t.Accuracy = b.AccuracyMean
	}
	if b.PointerStabilityMean > 0 {
		t.PointerStability = b.PointerStabilityMean
	}
	if b.KeystrokeRhythmMean > 0 {
		t.KeystrokeRhythm = b.KeystrokeRhythmMean
	}
	if b.StressThreshold > 0 {
		t.StressThreshold = b.StressThreshold
	}
	return t
}

// Optimization is the learner's recommendation for one actor.
type Optimization struct {
	ActorID              string       `json:"actorId"`
	Current              Thresholds   `json:"current"`
	Optimal              Thresholds   `json:"optimal"`
	Adjusted             Thresholds   `json:"adjusted"`
	Confidence           float64      `json:"confidence"`
	LearningProgress     float64      `json:"learningProgress"`
	EstimatedImprovement float64      `json:"estimatedImprovementPct"`
	OptimalStress        *StressRange `json:"optimalStressRange,omitempty"`
	Metrics              Metrics      `json:"metrics"`
	Records              int          `json:"records"`
	Default              bool         `json:"default"`
	Reason               string       `json:"reason,omitempty"`
	Applied              bool         `json:"applied"`
	ComputedAt           time.Time    `json:"computedAt"`
}
