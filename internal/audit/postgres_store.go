package audit

import (
	"context"
	"database/sql"
	"time"

	"github.com/mbd888/captcharelay/internal/pagination"
)

// PostgresStore persists audit entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the verification_log table and indexes. Kept in step
// with migrations/00001_verification_log.sql.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS verification_log (
			id          VARCHAR(40) PRIMARY KEY,
			variant     VARCHAR(16) NOT NULL CHECK (variant IN ('legacy','enterprise')),
			outcome     VARCHAR(24) NOT NULL,
			success     BOOLEAN NOT NULL,
			score       DOUBLE PRECISION,
			action      VARCHAR(255),
			hostname    VARCHAR(255),
			reason      TEXT,
			message     TEXT NOT NULL,
			token_hash  VARCHAR(64) NOT NULL,
			client_ip   VARCHAR(64),
			latency_ms  BIGINT NOT NULL DEFAULT 0,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_verification_log_created ON verification_log (created_at DESC, id DESC);
		CREATE INDEX IF NOT EXISTS idx_verification_log_outcome ON verification_log (outcome, created_at DESC);
	`)
	return err
}

func (p *PostgresStore) Record(ctx context.Context, e *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO verification_log (
			id, variant, outcome, success, score,
			action, hostname, reason, message, token_hash,
			client_ip, latency_ms, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13
		)`,
		e.ID, e.Variant, e.Outcome, e.Success, nullFloat(e.Score),
		nullString(e.Action), nullString(e.Hostname), nullString(e.Reason), e.Message, e.TokenHash,
		nullString(e.ClientIP), e.LatencyMs, e.CreatedAt,
	)
	return err
}

const selectEntries = `
	SELECT id, variant, outcome, success, score,
	       action, hostname, reason, message, token_hash,
	       client_ip, latency_ms, created_at
	FROM verification_log`

func (p *PostgresStore) Recent(ctx context.Context, limit int, cursor *pagination.Cursor) ([]*Entry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if cursor == nil {
		rows, err = p.db.QueryContext(ctx, selectEntries+`
			ORDER BY created_at DESC, id DESC
			LIMIT $1`, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, selectEntries+`
			WHERE (created_at, id) < ($2::TIMESTAMPTZ, $3::VARCHAR)
			ORDER BY created_at DESC, id DESC
			LIMIT $1`, limit, cursor.CreatedAt, cursor.ID)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

func (p *PostgresStore) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT outcome,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE success),
		       COALESCE(SUM(score), 0),
		       COUNT(score),
		       COALESCE(SUM(latency_ms), 0)::DOUBLE PRECISION
		FROM verification_log
		WHERE created_at >= $1
		GROUP BY outcome`, since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	s := &Stats{Since: since, ByOutcome: make(map[string]int)}
	var (
		passed     int
		scoreSum   float64
		scored     int
		latencySum float64
	)
	for rows.Next() {
		var (
			outcome                  string
			count, ok, scoredRows    int
			scoreTotal, latencyTotal float64
		)
		if err := rows.Scan(&outcome, &count, &ok, &scoreTotal, &scoredRows, &latencyTotal); err != nil {
			return nil, err
		}
		s.ByOutcome[outcome] = count
		s.Total += count
		passed += ok
		scoreSum += scoreTotal
		scored += scoredRows
		latencySum += latencyTotal
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if s.Total > 0 {
		s.PassRate = float64(passed) / float64(s.Total)
		s.AvgLatencyMs = latencySum / float64(s.Total)
	}
	if scored > 0 {
		avg := scoreSum / float64(scored)
		s.AvgScore = &avg
	}
	return s, nil
}

// Ping reports whether the database is reachable.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// --- scanners ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(sc scanner) (*Entry, error) {
	e := &Entry{}
	var (
		score                            sql.NullFloat64
		action, hostname, reason, client sql.NullString
	)

	err := sc.Scan(
		&e.ID, &e.Variant, &e.Outcome, &e.Success, &score,
		&action, &hostname, &reason, &e.Message, &e.TokenHash,
		&client, &e.LatencyMs, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if score.Valid {
		v := score.Float64
		e.Score = &v
	}
	e.Action = action.String
	e.Hostname = hostname.String
	e.Reason = reason.String
	e.ClientIP = client.String
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	result := []*Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
