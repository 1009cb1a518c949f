package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/CharanSaiVaddi/queuectl/internal/job"
)

var _ Storage = (*SQLiteStorage)(nil)

// SQLiteStorage keeps jobs in a single SQLite file. Timestamps are stored as
// fixed-width UTC text so the eligibility and staleness comparisons in SQL
// are plain string comparisons.
type SQLiteStorage struct {
	db   *sql.DB
	opts options
}

func NewSQLiteStorage(opts ...Option) *SQLiteStorage {
	return &SQLiteStorage{opts: buildOptions(opts)}
}

// Init opens (creating if needed) the database at path. _txlock=immediate
// makes every transaction take the write lock at BEGIN, so two claimers
// serialize instead of deadlocking on lock upgrade.
func (s *SQLiteStorage) Init(path string) error {
	if path == "" {
		path = "queue.db"
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate")
	if err != nil {
		return fmt.Errorf("storage: open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("storage: open sqlite: %w", err)
	}
	s.db = db
	if err := s.migrate(); err != nil {
		db.Close()
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) migrate() error {
	q := `
	CREATE TABLE IF NOT EXISTS jobs (
		id            TEXT PRIMARY KEY,
		command       TEXT NOT NULL,
		state         TEXT NOT NULL,
		attempts      INTEGER NOT NULL DEFAULT 0,
		max_retries   INTEGER NOT NULL,
		run_at        TEXT NOT NULL,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL,
		error_message TEXT,
		worker_id     TEXT,
		locked_at     TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
	CREATE INDEX IF NOT EXISTS idx_jobs_state_run_at ON jobs(state, run_at, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_state_locked_at ON jobs(state, locked_at);
	`
	_, err := s.db.Exec(q)
	return err
}

func (s *SQLiteStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

const sqliteColumns = `id, command, state, attempts, max_retries, run_at, created_at, updated_at, error_message, worker_id, locked_at`

func (s *SQLiteStorage) Enqueue(ctx context.Context, command string, maxRetries int) (string, error) {
	id := uuid.New().String()
	now := formatTime(s.opts.clock())
	_, err := s.db.ExecContext(ctx, `INSERT INTO jobs(id, command, state, attempts, max_retries, run_at, created_at, updated_at) VALUES(?, ?, ?, 0, ?, ?, ?, ?)`,
		id, command, job.StatePending, maxRetries, now, now, now)
	if err != nil {
		return "", fmt.Errorf("storage: enqueue: %w", err)
	}
	return id, nil
}

func (s *SQLiteStorage) Claim(ctx context.Context, workerID string) (*job.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: claim: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(s.opts.clock())
	var id string
	err = tx.QueryRowContext(ctx, `SELECT id FROM jobs WHERE state = ? AND run_at <= ? ORDER BY created_at LIMIT 1`, job.StatePending, now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: claim select: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE jobs SET state = ?, attempts = attempts + 1, worker_id = ?, locked_at = ?, updated_at = ? WHERE id = ? AND state = ?`,
		job.StateProcessing, workerID, now, now, id, job.StatePending)
	if err != nil {
		return nil, fmt.Errorf("storage: claim update: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("storage: claim update: %w", err)
	}
	if aff == 0 {
		// lost the race
		return nil, nil
	}

	j, err := scanSQLiteJob(tx.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("storage: claim fetch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("storage: claim commit: %w", err)
	}
	return j, nil
}

// finalize applies a compare-and-set transition out of processing.
func (s *SQLiteStorage) finalize(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("storage: %s: %w", op, err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: %s: %w", op, err)
	}
	if aff == 0 {
		return fmt.Errorf("storage: %s: %w", op, ErrStateConflict)
	}
	return nil
}

func (s *SQLiteStorage) Complete(ctx context.Context, id string) error {
	return s.finalize(ctx, "complete",
		`UPDATE jobs SET state = ?, worker_id = NULL, locked_at = NULL, updated_at = ? WHERE id = ? AND state = ?`,
		job.StateCompleted, formatTime(s.opts.clock()), id, job.StateProcessing)
}

func (s *SQLiteStorage) Fail(ctx context.Context, id, errMsg string, attempts int, runAt time.Time) error {
	return s.finalize(ctx, "fail",
		`UPDATE jobs SET state = ?, attempts = ?, run_at = ?, error_message = ?, worker_id = NULL, locked_at = NULL, updated_at = ? WHERE id = ? AND state = ?`,
		job.StatePending, attempts, formatTime(runAt), errMsg, formatTime(s.opts.clock()), id, job.StateProcessing)
}

func (s *SQLiteStorage) MarkDead(ctx context.Context, id, errMsg string) error {
	return s.finalize(ctx, "mark dead",
		`UPDATE jobs SET state = ?, error_message = ?, worker_id = NULL, locked_at = NULL, updated_at = ? WHERE id = ? AND state = ?`,
		job.StateDead, errMsg, formatTime(s.opts.clock()), id, job.StateProcessing)
}

func (s *SQLiteStorage) RetryFromDLQ(ctx context.Context, id string) (bool, error) {
	now := formatTime(s.opts.clock())
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET state = ?, attempts = 0, run_at = ?, updated_at = ? WHERE id = ? AND state = ?`,
		job.StatePending, now, now, id, job.StateDead)
	if err != nil {
		return false, fmt.Errorf("storage: retry from dlq: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: retry from dlq: %w", err)
	}
	return aff > 0, nil
}

func (s *SQLiteStorage) RecoverStale(ctx context.Context, threshold time.Duration) (int64, error) {
	now := s.opts.clock()
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET state = ?, worker_id = NULL, locked_at = NULL, updated_at = ? WHERE state = ? AND locked_at <= ?`,
		job.StatePending, formatTime(now), job.StateProcessing, formatTime(now.Add(-threshold)))
	if err != nil {
		return 0, fmt.Errorf("storage: recover stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage: recover stale: %w", err)
	}
	return n, nil
}

func (s *SQLiteStorage) CountsByState(ctx context.Context) (map[job.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("storage: counts: %w", err)
	}
	defer rows.Close()
	out := make(map[job.State]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("storage: counts: %w", err)
		}
		out[job.State(st)] = n
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) ListByState(ctx context.Context, state job.State) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteColumns+` FROM jobs WHERE state = ? ORDER BY created_at, id`, state)
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	defer rows.Close()
	var out []*job.Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: list: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) Get(ctx context.Context, id string) (*job.Job, error) {
	j, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get: %w", err)
	}
	return j, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*job.Job, error) {
	j := &job.Job{}
	var state, runAt, createdAt, updatedAt string
	var errMsg, workerID, lockedAt sql.NullString
	if err := row.Scan(&j.ID, &j.Command, &state, &j.Attempts, &j.MaxRetries, &runAt, &createdAt, &updatedAt, &errMsg, &workerID, &lockedAt); err != nil {
		return nil, err
	}
	j.State = job.State(state)
	j.ErrorMessage = errMsg.String
	j.WorkerID = workerID.String
	var err error
	if j.RunAt, err = parseTime(runAt); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if lockedAt.Valid {
		t, err := parseTime(lockedAt.String)
		if err != nil {
			return nil, err
		}
		j.LockedAt = &t
	}
	return j, nil
}
