package assessment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mbd888/tiltguard/internal/baseline"
	"github.com/mbd888/tiltguard/internal/pagination"
	"github.com/mbd888/tiltguard/internal/patterns"
)

// SQLiteStore is a single-node Store backed by an embedded SQLite file.
// Timestamps are stored as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLiteStore opens (or creates) the database at path and creates the
// schema. Use ":memory:" for a throwaway database.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// DB exposes the handle for health checks.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS assessments (
			id             TEXT PRIMARY KEY,
			actor_id       TEXT NOT NULL,
			status         TEXT NOT NULL,
			score          INTEGER NOT NULL,
			base_score     INTEGER NOT NULL,
			decision       TEXT NOT NULL,
			cooldown_until INTEGER,
			executed       INTEGER,
			pnl            REAL,
			closed_at      INTEGER,
			document       TEXT NOT NULL,
			created_at     INTEGER NOT NULL,
			updated_at     INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_assessments_actor_created ON assessments(actor_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_assessments_actor_cooldown ON assessments(actor_id, cooldown_until)`,
		`CREATE INDEX IF NOT EXISTS idx_assessments_closed ON assessments(closed_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const sqliteSelect = `SELECT document, executed, pnl, closed_at FROM assessments`

func (s *SQLiteStore) Create(ctx context.Context, a *Assessment) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode assessment: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO assessments (
			id, actor_id, status, score, base_score, decision,
			cooldown_until, document, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.ActorID, string(a.Status), a.Result.Score, a.Result.BaseScore,
		string(a.Verdict.Decision), nullMillis(a.CooldownUntil), string(doc),
		a.CreatedAt.UnixMilli(), a.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert assessment: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, a *Assessment) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode assessment: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE assessments SET
			status = ?, score = ?, base_score = ?, decision = ?,
			cooldown_until = ?, document = ?, updated_at = ?
		WHERE id = ?
	`, string(a.Status), a.Result.Score, a.Result.BaseScore, string(a.Verdict.Decision),
		nullMillis(a.CooldownUntil), string(doc), a.UpdatedAt.UnixMilli(), a.ID)
	if err != nil {
		return fmt.Errorf("failed to update assessment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Assessment, error) {
	a, err := scanSQLite(s.db.QueryRowContext(ctx, sqliteSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assessment: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) List(ctx context.Context, actorID string, limit int, cursor *pagination.Cursor) ([]*Assessment, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if cursor != nil {
		rows, err = s.db.QueryContext(ctx, sqliteSelect+`
			WHERE actor_id = ? AND (created_at, id) < (?, ?)
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		`, actorID, cursor.CreatedAt.UnixMilli(), cursor.ID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, sqliteSelect+`
			WHERE actor_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		`, actorID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}
	return collectSQLite(rows)
}

func (s *SQLiteStore) ActiveCooldown(ctx context.Context, actorID string, now time.Time) (*Assessment, error) {
	a, err := scanSQLite(s.db.QueryRowContext(ctx, sqliteSelect+`
		WHERE actor_id = ? AND cooldown_until > ?
		ORDER BY cooldown_until DESC
		LIMIT 1
	`, actorID, now.UnixMilli()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check cooldown: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) RecordTrade(ctx context.Context, id string, t Trade) error {
	var pnl sql.NullFloat64
	if t.PnL != nil {
		pnl = sql.NullFloat64{Float64: *t.PnL, Valid: true}
	}
	executed := 0
	if t.Executed {
		executed = 1
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE assessments
		SET executed = ?, pnl = ?, closed_at = ?, updated_at = ?
		WHERE id = ?
	`, executed, pnl, t.ClosedAt.UnixMilli(), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to record trade: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Observations(ctx context.Context, actorID string, limit int) ([]patterns.Observation, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelect+`
		WHERE actor_id = ? AND status = 'scored'
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, actorID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	list, err := collectSQLite(rows)
	if err != nil {
		return nil, err
	}
	out := make([]patterns.Observation, len(list))
	for i, a := range list {
		out[i] = observation(a)
	}
	return out, nil
}

func (s *SQLiteStore) TradeRecords(ctx context.Context, actorID string, limit int) ([]baseline.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelect+`
		WHERE actor_id = ? AND executed IS NOT NULL
		ORDER BY closed_at DESC
		LIMIT ?
	`, actorID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade records: %w", err)
	}
	list, err := collectSQLite(rows)
	if err != nil {
		return nil, err
	}
	out := make([]baseline.TradeRecord, len(list))
	for i, a := range list {
		out[i] = tradeRecord(a)
	}
	return out, nil
}

func (s *SQLiteStore) ActorsWithOutcomes(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT actor_id FROM assessments
		WHERE closed_at >= ?
		ORDER BY actor_id
	`, since.UnixMilli())
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

func scanSQLite(row rowScanner) (*Assessment, error) {
	var (
		doc      string
		executed sql.NullInt64
		pnl      sql.NullFloat64
		closedAt sql.NullInt64
	)
	if err := row.Scan(&doc, &executed, &pnl, &closedAt); err != nil {
		return nil, err
	}
	a := &Assessment{}
	if err := json.Unmarshal([]byte(doc), a); err != nil {
		return nil, fmt.Errorf("failed to decode assessment: %w", err)
	}
	a.Trade = nil
	if executed.Valid {
		t := &Trade{Executed: executed.Int64 != 0}
		if pnl.Valid {
			v := pnl.Float64
			t.PnL = &v
		}
		if closedAt.Valid {
			t.ClosedAt = time.UnixMilli(closedAt.Int64).UTC()
		}
		a.Trade = t
	}
	return a, nil
}

func collectSQLite(rows *sql.Rows) ([]*Assessment, error) {
	defer rows.Close()
	var out []*Assessment
	for rows.Next() {
		a, err := scanSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assessment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
