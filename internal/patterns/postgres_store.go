package patterns

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists behavioral patterns in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed pattern store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Active(ctx context.Context, actorID string) ([]Pattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_id, pattern_type, signature, risk_outcome, frequency,
		       last_seen, accuracy, created_at
		FROM behavioral_patterns
		WHERE actor_id = $1 AND superseded_at IS NULL
		ORDER BY created_at, id
	`, actorID)
	if err != nil {
		return nil, fmt.Errorf("failed to list patterns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []Pattern
	for rows.Next() {
		var p Pattern
		var sigJSON []byte
		if err := rows.Scan(&p.ID, &p.ActorID, &p.Type, &sigJSON, &p.RiskOutcome,
			&p.Frequency, &p.LastSeen, &p.Accuracy, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pattern: %w", err)
		}
		p.Signature = make(Signature)
		if err := json.Unmarshal(sigJSON, &p.Signature); err != nil {
			return nil, fmt.Errorf("failed to decode signature for %s: %w", p.ID, err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// Replace supersedes the actor's active set and inserts the new one in a
// single transaction.
func (s *PostgresStore) Replace(ctx context.Context, actorID string, patterns []Pattern) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE behavioral_patterns SET superseded_at = $2
		WHERE actor_id = $1 AND superseded_at IS NULL
	`, actorID, now); err != nil {
		return fmt.Errorf("failed to supersede patterns: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO behavioral_patterns
			(id, actor_id, pattern_type, signature, risk_outcome, frequency,
			 last_seen, accuracy, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, p := range patterns {
		sigJSON, err := json.Marshal(p.Signature)
		if err != nil {
			return fmt.Errorf("failed to marshal signature: %w", err)
		}
		createdAt := p.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if _, err := stmt.ExecContext(ctx, p.ID, actorID, string(p.Type), sigJSON,
			p.RiskOutcome, p.Frequency, p.LastSeen, p.Accuracy, createdAt); err != nil {
			return fmt.Errorf("failed to insert pattern %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) UpdateAccuracy(ctx context.Context, actorID string, accuracy map[string]float64) error {
	if len(accuracy) == 0 {
		return nil
	}
	ids := make([]string, 0, len(accuracy))
	values := make([]float64, 0, len(accuracy))
	for id, acc := range accuracy {
		ids = append(ids, id)
		values = append(values, acc)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE behavioral_patterns AS p SET accuracy = u.accuracy
		FROM unnest($2::text[], $3::double precision[]) AS u(id, accuracy)
		WHERE p.id = u.id AND p.actor_id = $1 AND p.superseded_at IS NULL
	`, actorID, pq.Array(ids), pq.Array(values))
	if err != nil {
		return fmt.Errorf("failed to update pattern accuracy: %w", err)
	}
	return nil
}
