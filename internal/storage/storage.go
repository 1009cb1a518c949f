package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/CharanSaiVaddi/queuectl/internal/job"
)

var (
	ErrJobNotFound = errors.New("storage: job not found")
	// ErrStateConflict is returned by Complete, Fail and MarkDead when the
	// job is no longer processing, e.g. its lease was reclaimed.
	ErrStateConflict = errors.New("storage: job not in expected state")
)

// Storage provides durable persistence for jobs. It is the only
// synchronization point between workers: every mutation of a single job is
// an atomic compare-and-set on its state.
type Storage interface {
	Enqueue(ctx context.Context, command string, maxRetries int) (string, error)
	// Claim atomically moves the oldest claimable job to processing under
	// workerID's lease. It returns nil, nil when there is nothing to claim or
	// another worker won the race.
	Claim(ctx context.Context, workerID string) (*job.Job, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id, errMsg string, attempts int, runAt time.Time) error
	MarkDead(ctx context.Context, id, errMsg string) error
	RetryFromDLQ(ctx context.Context, id string) (bool, error)
	CountsByState(ctx context.Context) (map[job.State]int, error)
	ListByState(ctx context.Context, state job.State) ([]*job.Job, error)
	Get(ctx context.Context, id string) (*job.Job, error)
	// RecoverStale returns processing jobs locked at or before
	// now-threshold to pending and reports how many were reset.
	RecoverStale(ctx context.Context, threshold time.Duration) (int64, error)
	Close() error
}

type options struct {
	now func() time.Time
}

type Option func(*options)

// WithClock replaces time.Now as the source of "now" for all timestamps
// and eligibility checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) clock() time.Time { return o.now().UTC() }

// Open returns the backend selected by dsn: postgres:// and postgresql://
// URLs use PostgreSQL, redis:// and rediss:// use Redis, anything else is a
// SQLite database file path.
func Open(ctx context.Context, dsn string, opts ...Option) (Storage, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresStorage(ctx, dsn, opts...)
	case strings.HasPrefix(dsn, "redis://"), strings.HasPrefix(dsn, "rediss://"):
		ro, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("storage: parse redis url: %w", err)
		}
		client := redis.NewClient(ro)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("storage: connect redis: %w", err)
		}
		return NewRedisStorage(client, opts...), nil
	default:
		s := NewSQLiteStorage(opts...)
		if err := s.Init(dsn); err != nil {
			return nil, err
		}
		return s, nil
	}
}

// timeLayout is fixed width so that lexical order of stored timestamps is
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }
