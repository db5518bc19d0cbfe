package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zulandar/roundtable/internal/session"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	query         TEXT NOT NULL,
	status        TEXT NOT NULL,
	phase         TEXT NOT NULL DEFAULT '',
	priority      TEXT NOT NULL DEFAULT 'normal',
	industry      TEXT NOT NULL DEFAULT '',
	error_count   INTEGER NOT NULL DEFAULT 0,
	quality_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	cost_estimate DOUBLE PRECISION NOT NULL DEFAULT 0,
	duration_ms   BIGINT NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	snapshot      JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	completed_at  TIMESTAMPTZ,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions (status);
CREATE INDEX IF NOT EXISTS idx_sessions_completed_at ON sessions (completed_at);
`

// PostgresOpts configures a PostgresArchive.
type PostgresOpts struct {
	DSN         string
	MaxConns    int32 // default 10
	MinConns    int32 // default 1
	AutoMigrate bool
}

// PostgresArchive stores sessions as JSONB documents in PostgreSQL.
type PostgresArchive struct {
	pool *pgxpool.Pool
}

// OpenPostgres creates a connection pool and verifies connectivity.
func OpenPostgres(ctx context.Context, opts PostgresOpts) (*PostgresArchive, error) {
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("persist: parse postgres dsn: %w", err)
	}
	cfg.MaxConns = opts.MaxConns
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 10
	}
	cfg.MinConns = opts.MinConns
	if cfg.MinConns <= 0 {
		cfg.MinConns = 1
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("persist: create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("persist: ping postgres: %w", err)
	}

	a := &PostgresArchive{pool: pool}
	if opts.AutoMigrate {
		if err := a.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return a, nil
}

// Migrate creates the sessions table if it does not exist.
func (a *PostgresArchive) Migrate(ctx context.Context) error {
	if _, err := a.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("persist: migrate postgres: %w", err)
	}
	return nil
}

// Get loads a session snapshot by id.
func (a *PostgresArchive) Get(ctx context.Context, id string) (*session.Session, error) {
	var data []byte
	err := a.pool.QueryRow(ctx, `SELECT snapshot FROM sessions WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("persist: get %s: %w", id, err)
	}
	s, err := unmarshalSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("persist: decode %s: %w", id, err)
	}
	return s, nil
}

// Put upserts the session document.
func (a *PostgresArchive) Put(ctx context.Context, s *session.Session) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("persist: put: id is required")
	}
	snap, err := marshalSnapshot(s)
	if err != nil {
		return fmt.Errorf("persist: put %s: %w", s.ID, err)
	}
	_, err = a.pool.Exec(ctx, `
INSERT INTO sessions (id, query, status, phase, priority, industry, error_count,
	quality_score, cost_estimate, duration_ms, error, snapshot, created_at, completed_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now())
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	phase = EXCLUDED.phase,
	error_count = EXCLUDED.error_count,
	quality_score = EXCLUDED.quality_score,
	cost_estimate = EXCLUDED.cost_estimate,
	duration_ms = EXCLUDED.duration_ms,
	error = EXCLUDED.error,
	snapshot = EXCLUDED.snapshot,
	completed_at = EXCLUDED.completed_at,
	updated_at = now()`,
		s.ID, s.Query, string(s.Status), s.Phase, string(s.Options.Priority), s.Context.Industry,
		s.Metadata.ErrorCount, s.Metadata.QualityScore, s.Metadata.CostEstimate, s.Metadata.TotalDuration,
		s.Error, snap, s.CreatedAt, s.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("persist: put %s: %w", s.ID, err)
	}
	return nil
}

// Delete removes a session.
func (a *PostgresArchive) Delete(ctx context.Context, id string) error {
	if _, err := a.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("persist: delete %s: %w", id, err)
	}
	return nil
}

// ListActive returns non-terminal sessions, oldest first.
func (a *PostgresArchive) ListActive(ctx context.Context) ([]*session.Session, error) {
	rows, err := a.pool.Query(ctx,
		`SELECT snapshot FROM sessions WHERE status = ANY($1) ORDER BY created_at ASC`, activeStatuses)
	if err != nil {
		return nil, fmt.Errorf("persist: list active: %w", err)
	}
	snaps, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("persist: list active: %w", err)
	}
	out := make([]*session.Session, 0, len(snaps))
	for _, data := range snaps {
		s, err := unmarshalSnapshot(data)
		if err != nil {
			return nil, fmt.Errorf("persist: list active: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}

// Prune deletes terminal sessions completed before the cutoff.
func (a *PostgresArchive) Prune(ctx context.Context, before time.Time) (int64, error) {
	tag, err := a.pool.Exec(ctx,
		`DELETE FROM sessions WHERE status = ANY($1) AND completed_at < $2`, terminalStatuses, before)
	if err != nil {
		return 0, fmt.Errorf("persist: prune: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close closes the connection pool.
func (a *PostgresArchive) Close() error {
	a.pool.Close()
	return nil
}
