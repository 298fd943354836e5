// Package patterns learns an actor's recurring behavioral signatures and
// uses them to nudge a freshly composed risk score.
//
// Historical observations are mined into typed signatures (normalized
// feature vectors in [0,1]) paired with the risk score observed at the
// time. Near-duplicate signatures of one type are clustered. At evaluation
// time the current signatures are compared with the stored patterns and
// strong matches pull the score toward their historical outcomes by at most
// ±20 points.
package patterns

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/tiltguard/internal/signals"
)

// Type tags which signal family a signature describes.
type Type string

const (
	TypePointer          Type = "pointer_stability"
	TypeKeystroke        Type = "keystroke"
	TypeCognitive        Type = "cognitive"
	TypeStressEscalation Type = "stress_escalation"
	TypeRiskDelta        Type = "risk_delta"
)

// Tunables.
const (
	MinHistory          = 5
	ClusterThreshold    = 0.8
	MatchThreshold      = 0.7
	MaxAdjustment       = 20.0
	AdjustmentFactor    = 0.4
	InitialAccuracy     = 0.7
	AccuracySmoothing   = 0.1
	SequenceWindow      = 24 * time.Hour
	DefaultHistoryLimit = 200
)

var ErrNotFound = errors.New("patterns: not found")

// Signature is a named feature vector. Values are normalized to [0,1].
type Signature map[string]float64

// Pattern is one clustered historical signature for an actor.
type Pattern struct {
	ID           string     `json:"id"`
	ActorID      string     `json:"actorId"`
	Type         Type       `json:"type"`
	Signature    Signature  `json:"signature"`
	RiskOutcome  float64    `json:"riskOutcome"`
	Frequency    int        `json:"frequency"`
	LastSeen     time.Time  `json:"lastSeen"`
	Accuracy     float64    `json:"accuracy"`
	CreatedAt    time.Time  `json:"createdAt"`
	SupersededAt *time.Time `json:"supersededAt,omitempty"`
}

func (p Pattern) clone() Pattern {
	out := p
	out.Signature = make(Signature, len(p.Signature))
	for k, v := range p.Signature {
		out.Signature[k] = v
	}
	if p.SupersededAt != nil {
		t := *p.SupersededAt
		out.SupersededAt = &t
	}
	return out
}

// Observation is one scored historical assessment.
type Observation struct {
	AssessmentID string          `json:"assessmentId"`
	ActorID      string          `json:"actorId"`
	Summary      signals.Summary `json:"summary"`
	RiskScore    float64         `json:"riskScore"`
	ObservedAt   time.Time       `json:"observedAt"`
}

// Match records how one stored pattern contributed to a prediction.
type Match struct {
	PatternID  string  `json:"patternId"`
	Type       Type    `json:"type"`
	Similarity float64 `json:"similarity"`
	Weight     float64 `json:"weight"`
	Adjustment float64 `json:"adjustment"`
}

// Prediction is the pattern-based adjustment for one evaluation.
type Prediction struct {
	Adjustment float64 `json:"adjustment"`
	Confidence float64 `json:"confidence"`
	Novelty    float64 `json:"novelty"`
	Matches    []Match `json:"matches,omitempty"`
	// Neutral is set when the actor has too little history to consult
	// patterns at all.
	Neutral bool `json:"neutral"`
}

// NeutralPrediction is returned for actors with fewer than MinHistory
// observations.
func NeutralPrediction() Prediction {
	return Prediction{Adjustment: 0, Confidence: 0.3, Novelty: 0.5, Neutral: true}
}

// HistorySource reads an actor's scored observations, most recent first.
type HistorySource interface {
	Observations(ctx context.Context, actorID string, limit int) ([]Observation, error)
}

// Store persists mined patterns. Replacing a set supersedes the previous
// one; patterns are never deleted.
type Store interface {
	Active(ctx context.Context, actorID string) ([]Pattern, error)
	Replace(ctx context.Context, actorID string, patterns []Pattern) error
	UpdateAccuracy(ctx context.Context, actorID string, accuracy map[string]float64) error
}
