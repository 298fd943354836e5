package baseline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mbd888/tiltguard/internal/signals"
)

// PostgresStore persists baselines in the user_baselines table.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, actorID string) (*signals.Baseline, error) {
	b := &signals.Baseline{}
	var stress sql.NullFloat64
	var lastCalibrated sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT actor_id, reaction_time_mean, reaction_time_stddev, accuracy_mean,
		       accuracy_stddev, pointer_stability_mean, keystroke_rhythm_mean,
		       stress_threshold, calibration_count, last_calibrated
		FROM user_baselines
		WHERE actor_id = $1
	`, actorID).Scan(&b.ActorID, &b.ReactionTimeMean, &b.ReactionTimeStddev, &b.AccuracyMean,
		&b.AccuracyStddev, &b.PointerStabilityMean, &b.KeystrokeRhythmMean,
		&stress, &b.CalibrationCount, &lastCalibrated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get baseline: %w", err)
	}
	if stress.Valid {
		b.StressThreshold = stress.Float64
	}
	if lastCalibrated.Valid {
		b.LastCalibrated = lastCalibrated.Time
	}
	return b, nil
}

// Save upserts b. Concurrent writers for one actor are last-writer-wins.
func (s *PostgresStore) Save(ctx context.Context, b *signals.Baseline) error {
	var stress sql.NullFloat64
	if b.StressThreshold > 0 {
		stress = sql.NullFloat64{Float64: b.StressThreshold, Valid: true}
	}
	var lastCalibrated sql.NullTime
	if !b.LastCalibrated.IsZero() {
		lastCalibrated = sql.NullTime{Time: b.LastCalibrated, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_baselines (
			actor_id, reaction_time_mean, reaction_time_stddev, accuracy_mean,
			accuracy_stddev, pointer_stability_mean, keystroke_rhythm_mean,
			stress_threshold, calibration_count, last_calibrated, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (actor_id) DO UPDATE SET
			reaction_time_mean     = EXCLUDED.reaction_time_mean,
			reaction_time_stddev   = EXCLUDED.reaction_time_stddev,
			accuracy_mean          = EXCLUDED.accuracy_mean,
			accuracy_stddev        = EXCLUDED.accuracy_stddev,
			pointer_stability_mean = EXCLUDED.pointer_stability_mean,
			keystroke_rhythm_mean  = EXCLUDED.keystroke_rhythm_mean,
			stress_threshold       = EXCLUDED.stress_threshold,
			calibration_count      = EXCLUDED.calibration_count,
			last_calibrated        = EXCLUDED.last_calibrated,
			updated_at             = EXCLUDED.updated_at
	`, b.ActorID, b.ReactionTimeMean, b.ReactionTimeStddev, b.AccuracyMean,
		b.AccuracyStddev, b.PointerStabilityMean, b.KeystrokeRhythmMean,
		stress, b.CalibrationCount, lastCalibrated)
	if err != nil {
		return fmt.Errorf("failed to save baseline: %w", err)
	}
	return nil
}
