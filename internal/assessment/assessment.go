// Package assessment orchestrates one readiness evaluation end to end.
//
// A Service loads the actor's baseline and the active policy, scores the
// signals, asks the pattern matcher (and, when configured, a hosted model)
// for adjustments, runs the decision gate and persists the result. An
// active cooldown answers a new evaluation without rescoring. Collaborator
// failures degrade to the heuristic path; only caller faults are errors.
package assessment

import (
	"errors"
	"time"

	"github.com/mbd888/tiltguard/internal/gate"
	"github.com/mbd888/tiltguard/internal/llm"
	"github.com/mbd888/tiltguard/internal/patterns"
	"github.com/mbd888/tiltguard/internal/risk"
	"github.com/mbd888/tiltguard/internal/signals"
)

var (
	ErrNotFound       = errors.New("assessment: not found")
	ErrInvalidRequest = errors.New("assessment: invalid request")
)

// Status is the lifecycle state of an assessment.
type Status string

const (
	// StatusPending marks a placeholder still waiting for signals, or a
	// result whose evidence or confidence was too weak to report a score.
	StatusPending Status = "pending"
	StatusScored  Status = "scored"
)

// Source names the path that produced the stress estimate.
type Source string

const (
	SourceHeuristic Source = "heuristic"
	SourceLLM       Source = "llm"
)

// Request asks for an evaluation of an attempted trade.
type Request struct {
	ActorID string             `json:"actorId"`
	Signals signals.Signals    `json:"signals"`
	Context risk.ActionContext `json:"context"`
}

// Update carries late-arriving signals for an existing assessment. A nil
// Context keeps the stored one.
type Update struct {
	Signals signals.Signals     `json:"signals"`
	Context *risk.ActionContext `json:"context,omitempty"`
}

// Trade is the realized result of the trade an assessment gated.
type Trade struct {
	Executed bool      `json:"executed"`
	PnL      *float64  `json:"pnl,omitempty"`
	ClosedAt time.Time `json:"closedAt"`
}

// Assessment is one persisted evaluation.
type Assessment struct {
	ID         string               `json:"id"`
	ActorID    string               `json:"actorId"`
	Status     Status               `json:"status"`
	Signals    signals.Signals      `json:"signals"`
	Context    risk.ActionContext   `json:"context"`
	Summary    signals.Summary      `json:"summary"`
	Result     risk.Result          `json:"result"`
	Verdict    gate.Verdict         `json:"verdict"`
	Stress     float64              `json:"stressLevel"`
	Confidence float64              `json:"confidence"`
	Source     Source               `json:"source"`
	Analysis   *llm.Analysis        `json:"analysis,omitempty"`
	Prediction *patterns.Prediction `json:"prediction,omitempty"`
	PolicyName string               `json:"policy"`

	CooldownUntil *time.Time `json:"cooldownUntil,omitempty"`
	Trade         *Trade     `json:"trade,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// InCooldown reports whether the assessment's cooldown is still running at
// now.
func (a *Assessment) InCooldown(now time.Time) bool {
	return a.CooldownUntil != nil && a.CooldownUntil.After(now)
}

func (a *Assessment) clone() *Assessment {
	out := *a
	out.Signals = a.Signals.Clone()
	out.Verdict.Reasons = append([]string(nil), a.Verdict.Reasons...)
	out.Verdict.PrimaryConcerns = append([]string(nil), a.Verdict.PrimaryConcerns...)
	if a.CooldownUntil != nil {
		t := *a.CooldownUntil
		out.CooldownUntil = &t
	}
	if a.Trade != nil {
		t := *a.Trade
		if a.Trade.PnL != nil {
			v := *a.Trade.PnL
			t.PnL = &v
		}
		out.Trade = &t
	}
	return &out
}

// FullView is the operator view of a stored assessment, signals included.
// The composite result and stress estimate are withheld while pending.
type FullView struct {
	*Assessment
	Result *risk.Result `json:"result,omitempty"`
	Stress *float64     `json:"stressLevel,omitempty"`
}

// Full returns the operator view of a.
func (a *Assessment) Full() FullView {
	v := FullView{Assessment: a}
	if a.Status == StatusScored {
		res, stress := a.Result, a.Stress
		v.Result, v.Stress = &res, &stress
	}
	return v
}

// Outcome is what Evaluate and Rescore return.
type Outcome struct {
	Assessment *Assessment
	// ShortCircuited is set when an active cooldown answered the request
	// and nothing was rescored.
	ShortCircuited bool
	// Remaining is the cooldown left at the time of the request.
	Remaining time.Duration
}

// PublicOutcome is the actor-facing view. Score is omitted while the
// assessment is pending.
type PublicOutcome struct {
	AssessmentID    string        `json:"assessmentId"`
	Status          Status        `json:"status"`
	Decision        gate.Decision `json:"decision"`
	Score           *int          `json:"score,omitempty"`
	Confidence      float64       `json:"confidence"`
	CooldownSeconds int           `json:"cooldownSeconds"`
	CooldownUntil   *time.Time    `json:"cooldownUntil,omitempty"`
	Reasons         []string      `json:"reasons"`
	PrimaryConcerns []string      `json:"primaryConcerns,omitempty"`
	ShortCircuited  bool          `json:"shortCircuited,omitempty"`
}

// Public returns the actor-facing view of o. A short-circuited outcome
// reports a cooldown for the remaining time whatever the original verdict.
func (o *Outcome) Public() PublicOutcome {
	a := o.Assessment
	p := PublicOutcome{
		AssessmentID:    a.ID,
		Status:          a.Status,
		Decision:        a.Verdict.Decision,
		Confidence:      a.Verdict.Confidence,
		CooldownSeconds: a.Verdict.CooldownSeconds,
		CooldownUntil:   a.CooldownUntil,
		Reasons:         a.Verdict.Reasons,
		PrimaryConcerns: a.Verdict.PrimaryConcerns,
		ShortCircuited:  o.ShortCircuited,
	}
	if p.Reasons == nil {
		p.Reasons = []string{}
	}
	if a.Status == StatusScored {
		score := a.Result.Score
		p.Score = &score
	}
	if o.ShortCircuited {
		p.Decision = gate.DecisionCooldown
		p.CooldownSeconds = int(o.Remaining.Round(time.Second) / time.Second)
		p.Reasons = []string{"cooldown active from a previous assessment"}
		p.PrimaryConcerns = nil
	}
	return p
}
