package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CharanSaiVaddi/queuectl/internal/job"
)

var _ Storage = (*PostgresStorage)(nil)

// PostgresStorage keeps jobs in PostgreSQL. Claim is a single conditional
// UPDATE over a SKIP LOCKED subselect, so concurrent claimers never block on
// or double-claim the same row.
type PostgresStorage struct {
	pool *pgxpool.Pool
	opts options
}

// NewPostgresStorage connects to connString and creates the schema if needed.
func NewPostgresStorage(ctx context.Context, connString string, opts ...Option) (*PostgresStorage, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("storage: parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: connect postgres: %w", err)
	}
	s := NewPostgresStorageFromPool(pool, opts...)
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return s, nil
}

// NewPostgresStorageFromPool wraps an existing pool. The caller must have
// created the schema, or call Migrate.
func NewPostgresStorageFromPool(pool *pgxpool.Pool, opts ...Option) *PostgresStorage {
	return &PostgresStorage{pool: pool, opts: buildOptions(opts)}
}

// Migrate creates the jobs table and its indexes.
func (s *PostgresStorage) Migrate(ctx context.Context) error { return s.migrate(ctx) }

func (s *PostgresStorage) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS jobs (
		id            TEXT PRIMARY KEY,
		command       TEXT NOT NULL,
		state         TEXT NOT NULL,
		attempts      INTEGER NOT NULL DEFAULT 0,
		max_retries   INTEGER NOT NULL,
		run_at        TIMESTAMPTZ NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL,
		error_message TEXT,
		worker_id     TEXT,
		locked_at     TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
	CREATE INDEX IF NOT EXISTS idx_jobs_state_run_at ON jobs(state, run_at, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_state_locked_at ON jobs(state, locked_at);
	`)
	return err
}

func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

const pgColumns = `id, command, state, attempts, max_retries, run_at, created_at, updated_at, error_message, worker_id, locked_at`

func (s *PostgresStorage) Enqueue(ctx context.Context, command string, maxRetries int) (string, error) {
	id := uuid.New().String()
	now := s.opts.clock()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, command, state, attempts, max_retries, run_at, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $5, $5, $5)`,
		id, command, string(job.StatePending), maxRetries, now)
	if err != nil {
		if isDuplicateKey(err) {
			return "", fmt.Errorf("storage: enqueue: duplicate id %s: %w", id, err)
		}
		return "", fmt.Errorf("storage: enqueue: %w", err)
	}
	return id, nil
}

func (s *PostgresStorage) Claim(ctx context.Context, workerID string) (*job.Job, error) {
	now := s.opts.clock()
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET state = $1, attempts = attempts + 1, worker_id = $2, locked_at = $3, updated_at = $3
		WHERE id = (
			SELECT id FROM jobs
			WHERE state = $4 AND run_at <= $3
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AND state = $4
		RETURNING `+pgColumns,
		string(job.StateProcessing), workerID, now, string(job.StatePending))
	j, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: claim: %w", err)
	}
	return j, nil
}

func (s *PostgresStorage) finalize(ctx context.Context, op, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("storage: %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: %s: %w", op, ErrStateConflict)
	}
	return nil
}

func (s *PostgresStorage) Complete(ctx context.Context, id string) error {
	return s.finalize(ctx, "complete",
		`UPDATE jobs SET state = $1, worker_id = NULL, locked_at = NULL, updated_at = $2 WHERE id = $3 AND state = $4`,
		string(job.StateCompleted), s.opts.clock(), id, string(job.StateProcessing))
}

func (s *PostgresStorage) Fail(ctx context.Context, id, errMsg string, attempts int, runAt time.Time) error {
	return s.finalize(ctx, "fail",
		`UPDATE jobs SET state = $1, attempts = $2, run_at = $3, error_message = $4, worker_id = NULL, locked_at = NULL, updated_at = $5 WHERE id = $6 AND state = $7`,
		string(job.StatePending), attempts, runAt.UTC(), errMsg, s.opts.clock(), id, string(job.StateProcessing))
}

func (s *PostgresStorage) MarkDead(ctx context.Context, id, errMsg string) error {
	return s.finalize(ctx, "mark dead",
		`UPDATE jobs SET state = $1, error_message = $2, worker_id = NULL, locked_at = NULL, updated_at = $3 WHERE id = $4 AND state = $5`,
		string(job.StateDead), errMsg, s.opts.clock(), id, string(job.StateProcessing))
}

func (s *PostgresStorage) RetryFromDLQ(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET state = $1, attempts = 0, run_at = $2, updated_at = $2 WHERE id = $3 AND state = $4`,
		string(job.StatePending), s.opts.clock(), id, string(job.StateDead))
	if err != nil {
		return false, fmt.Errorf("storage: retry from dlq: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStorage) RecoverStale(ctx context.Context, threshold time.Duration) (int64, error) {
	now := s.opts.clock()
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET state = $1, worker_id = NULL, locked_at = NULL, updated_at = $2 WHERE state = $3 AND locked_at <= $4`,
		string(job.StatePending), now, string(job.StateProcessing), now.Add(-threshold))
	if err != nil {
		return 0, fmt.Errorf("storage: recover stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStorage) CountsByState(ctx context.Context) (map[job.State]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("storage: counts: %w", err)
	}
	defer rows.Close()
	out := make(map[job.State]int)
	for rows.Next() {
		var st string
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("storage: counts: %w", err)
		}
		out[job.State(st)] = int(n)
	}
	return out, rows.Err()
}

func (s *PostgresStorage) ListByState(ctx context.Context, state job.State) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgColumns+` FROM jobs WHERE state = $1 ORDER BY created_at, id`, string(state))
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	defer rows.Close()
	var out []*job.Job
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: list: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *PostgresStorage) Get(ctx context.Context, id string) (*job.Job, error) {
	j, err := scanPgJob(s.pool.QueryRow(ctx, `SELECT `+pgColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get: %w", err)
	}
	return j, nil
}

func scanPgJob(row pgx.Row) (*job.Job, error) {
	j := &job.Job{}
	var state string
	var errMsg, workerID *string
	if err := row.Scan(&j.ID, &j.Command, &state, &j.Attempts, &j.MaxRetries, &j.RunAt, &j.CreatedAt, &j.UpdatedAt, &errMsg, &workerID, &j.LockedAt); err != nil {
		return nil, err
	}
	j.State = job.State(state)
	if errMsg != nil {
		j.ErrorMessage = *errMsg
	}
	if workerID != nil {
		j.WorkerID = *workerID
	}
	j.RunAt = j.RunAt.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	if j.LockedAt != nil {
		t := j.LockedAt.UTC()
		j.LockedAt = &t
	}
	return j, nil
}

// isDuplicateKey reports a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
