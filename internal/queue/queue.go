// Package queue is the caller-facing side of the job queue: enqueueing,
// inspection and dead-letter management. Workers live in package worker.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/CharanSaiVaddi/queuectl/internal/config"
	"github.com/CharanSaiVaddi/queuectl/internal/job"
	"github.com/CharanSaiVaddi/queuectl/internal/storage"
)

var (
	// ErrNotDead is returned by RetryDead when the job exists but is not in
	// the dead letter queue.
	ErrNotDead      = errors.New("queue: job is not dead")
	ErrUnknownState = errors.New("queue: unknown job state")
	ErrEmptyCommand = errors.New("queue: command must not be empty")
)

type Queue struct {
	store  storage.Storage
	cfg    *config.Config
	logger *slog.Logger
}

func New(store storage.Storage, cfg *config.Config, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: store, cfg: cfg, logger: logger}
}

// Enqueue adds a pending job. A negative maxRetries takes the configured
// default.
func (q *Queue) Enqueue(ctx context.Context, command string, maxRetries int) (string, error) {
	if strings.TrimSpace(command) == "" {
		return "", ErrEmptyCommand
	}
	if maxRetries < 0 {
		maxRetries = q.cfg.MaxRetries
	}
	id, err := q.store.Enqueue(ctx, command, maxRetries)
	if err != nil {
		return "", err
	}
	q.logger.Debug("job enqueued",
		slog.String("job_id", id),
		slog.Int("max_retries", maxRetries),
	)
	return id, nil
}

// Payload is the JSON form accepted by EnqueueJSON.
type Payload struct {
	Command    string `json:"command"`
	MaxRetries *int   `json:"max_retries,omitempty"`
}

// EnqueueJSON enqueues a job described as {"command": "...", "max_retries": N}.
func (q *Queue) EnqueueJSON(ctx context.Context, data []byte) (string, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return "", fmt.Errorf("queue: invalid job json: %w", err)
	}
	maxRetries := -1
	if p.MaxRetries != nil {
		if *p.MaxRetries < 0 {
			return "", fmt.Errorf("queue: max_retries must be >= 0, got %d", *p.MaxRetries)
		}
		maxRetries = *p.MaxRetries
	}
	return q.Enqueue(ctx, p.Command, maxRetries)
}

func (q *Queue) Get(ctx context.Context, id string) (*job.Job, error) {
	return q.store.Get(ctx, id)
}

// List returns the jobs in the named state, oldest first.
func (q *Queue) List(ctx context.Context, state string) ([]*job.Job, error) {
	st, err := job.ParseState(state)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownState, state)
	}
	return q.store.ListByState(ctx, st)
}

func (q *Queue) DeadLetters(ctx context.Context) ([]*job.Job, error) {
	return q.store.ListByState(ctx, job.StateDead)
}

// RetryDead moves a dead job back to pending with its attempts reset.
func (q *Queue) RetryDead(ctx context.Context, id string) error {
	ok, err := q.store.RetryFromDLQ(ctx, id)
	if err != nil {
		return err
	}
	if ok {
		q.logger.Info("dead job requeued", slog.String("job_id", id))
		return nil
	}
	if _, err := q.store.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrNotDead, id)
}

// Status returns the number of jobs in every state, including empty ones.
func (q *Queue) Status(ctx context.Context) (map[job.State]int, error) {
	counts, err := q.store.CountsByState(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[job.State]int, len(job.States()))
	for _, st := range job.States() {
		out[st] = counts[st]
	}
	return out, nil
}
