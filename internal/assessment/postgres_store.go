package assessment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/tiltguard/internal/baseline"
	"github.com/mbd888/tiltguard/internal/pagination"
	"github.com/mbd888/tiltguard/internal/patterns"
)

// PostgresStore persists assessments in the assessments table. The full
// assessment is kept as a JSONB document; the columns beside it exist for
// the cooldown, history and outcome queries.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const pgSelect = `SELECT document, executed, pnl, closed_at FROM assessments`

func (s *PostgresStore) Create(ctx context.Context, a *Assessment) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode assessment: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO assessments (
			id, actor_id, status, score, base_score, decision,
			cooldown_until, document, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, a.ID, a.ActorID, string(a.Status), a.Result.Score, a.Result.BaseScore,
		string(a.Verdict.Decision), nullTime(a.CooldownUntil), string(doc), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, a *Assessment) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode assessment: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE assessments SET
			status = $2, score = $3, base_score = $4, decision = $5,
			cooldown_until = $6, document = $7, updated_at = $8
		WHERE id = $1
	`, a.ID, string(a.Status), a.Result.Score, a.Result.BaseScore,
		string(a.Verdict.Decision), nullTime(a.CooldownUntil), string(doc), a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update assessment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Assessment, error) {
	a, err := scanPG(s.db.QueryRowContext(ctx, pgSelect+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assessment: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) List(ctx context.Context, actorID string, limit int, cursor *pagination.Cursor) ([]*Assessment, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if cursor != nil {
		rows, err = s.db.QueryContext(ctx, pgSelect+`
			WHERE actor_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		`, actorID, cursor.CreatedAt, cursor.ID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, pgSelect+`
			WHERE actor_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, actorID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}
	return collectPG(rows)
}

func (s *PostgresStore) ActiveCooldown(ctx context.Context, actorID string, now time.Time) (*Assessment, error) {
	a, err := scanPG(s.db.QueryRowContext(ctx, pgSelect+`
		WHERE actor_id = $1 AND cooldown_until > $2
		ORDER BY cooldown_until DESC
		LIMIT 1
	`, actorID, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check cooldown: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) RecordTrade(ctx context.Context, id string, t Trade) error {
	var pnl sql.NullFloat64
	if t.PnL != nil {
		pnl = sql.NullFloat64{Float64: *t.PnL, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE assessments
		SET executed = $2, pnl = $3, closed_at = $4, updated_at = NOW()
		WHERE id = $1
	`, id, t.Executed, pnl, t.ClosedAt)
	if err != nil {
		return fmt.Errorf("failed to record trade: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Observations(ctx context.Context, actorID string, limit int) ([]patterns.Observation, error) {
	rows, err := s.db.QueryContext(ctx, pgSelect+`
		WHERE actor_id = $1 AND status = 'scored'
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, actorID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	list, err := collectPG(rows)
	if err != nil {
		return nil, err
	}
	out := make([]patterns.Observation, len(list))
	for i, a := range list {
		out[i] = observation(a)
	}
	return out, nil
}

func (s *PostgresStore) TradeRecords(ctx context.Context, actorID string, limit int) ([]baseline.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx, pgSelect+`
		WHERE actor_id = $1 AND executed IS NOT NULL
		ORDER BY closed_at DESC
		LIMIT $2
	`, actorID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade records: %w", err)
	}
	list, err := collectPG(rows)
	if err != nil {
		return nil, err
	}
	out := make([]baseline.TradeRecord, len(list))
	for i, a := range list {
		out[i] = tradeRecord(a)
	}
	return out, nil
}

func (s *PostgresStore) ActorsWithOutcomes(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT actor_id FROM assessments
		WHERE closed_at >= $1
		ORDER BY actor_id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query actors: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan actor: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPG(row rowScanner) (*Assessment, error) {
	var (
		doc      []byte
		executed sql.NullBool
		pnl      sql.NullFloat64
		closedAt sql.NullTime
	)
	if err := row.Scan(&doc, &executed, &pnl, &closedAt); err != nil {
		return nil, err
	}
	a := &Assessment{}
	if err := json.Unmarshal(doc, a); err != nil {
		return nil, fmt.Errorf("failed to decode assessment: %w", err)
	}
	a.Trade = nil
	if executed.Valid {
		t := &Trade{Executed: executed.Bool}
		if pnl.Valid {
			v := pnl.Float64
			t.PnL = &v
		}
		if closedAt.Valid {
			t.ClosedAt = closedAt.Time
		}
		a.Trade = t
	}
	return a, nil
}

func collectPG(rows *sql.Rows) ([]*Assessment, error) {
	defer rows.Close()
	var out []*Assessment
	for rows.Next() {
		a, err := scanPG(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assessment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
