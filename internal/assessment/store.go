package assessment

import (
	"context"
	"time"

	"github.com/mbd888/tiltguard/internal/baseline"
	"github.com/mbd888/tiltguard/internal/pagination"
	"github.com/mbd888/tiltguard/internal/patterns"
)

// Store persists assessments. It also serves as the pattern matcher's
// history source and the baseline learner's outcome source.
type Store interface {
	Create(ctx context.Context, a *Assessment) error
	Update(ctx context.Context, a *Assessment) error
	Get(ctx context.Context, id string) (*Assessment, error)
	// List returns the actor's assessments newest first, strictly after
	// cursor when one is given.
	List(ctx context.Context, actorID string, limit int, cursor *pagination.Cursor) ([]*Assessment, error)
	// ActiveCooldown returns the actor's assessment with the latest
	// cooldown still running at now, or nil.
	ActiveCooldown(ctx context.Context, actorID string, now time.Time) (*Assessment, error)
	RecordTrade(ctx context.Context, id string, t Trade) error

	patterns.HistorySource
	baseline.OutcomeSource
}

// observation converts a scored assessment into pattern history. The base
// score is used so patterns never learn from their own adjustments.
func observation(a *Assessment) patterns.Observation {
	return patterns.Observation{
		AssessmentID: a.ID,
		ActorID:      a.ActorID,
		Summary:      a.Summary,
		RiskScore:    float64(a.Result.BaseScore),
		ObservedAt:   a.CreatedAt,
	}
}

func tradeRecord(a *Assessment) baseline.TradeRecord {
	r := baseline.TradeRecord{
		AssessmentID:       a.ID,
		ActorID:            a.ActorID,
		RiskScore:          a.Result.Score,
		SelfReportedStress: a.Summary.SelfReportedStress,
		ReactionTimeMean:   a.Summary.ReactionTimeMean,
		Accuracy:           a.Summary.Accuracy,
		PointerStability:   a.Summary.PointerStability,
		KeystrokeRhythm:    a.Summary.KeystrokeRhythm,
	}
	if a.Trade != nil {
		r.Executed = a.Trade.Executed
		r.PnL = a.Trade.PnL
		r.ClosedAt = a.Trade.ClosedAt
	}
	return r
}

// before reports whether a sorts after the cursor position in newest-first
// order.
func before(a *Assessment, c *pagination.Cursor) bool {
	if c == nil {
		return true
	}
	if a.CreatedAt.Equal(c.CreatedAt) {
		return a.ID < c.ID
	}
	return a.CreatedAt.Before(c.CreatedAt)
}
