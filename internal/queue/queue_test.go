package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/CharanSaiVaddi/queuectl/internal/config"
	"github.com/CharanSaiVaddi/queuectl/internal/job"
	"github.com/CharanSaiVaddi/queuectl/internal/storage"
)

func newTestQueue(t *testing.T) (*Queue, *storage.SQLiteStorage) {
	t.Helper()
	f, err := os.CreateTemp("", "queue_test_*.db")
	if err != nil {
		t.Fatalf("tmp file: %v", err)
	}
	path := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(path) })

	s := storage.NewSQLiteStorage()
	if err := s.Init(path); err != nil {
		t.Fatalf("init storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, config.Default(), slog.New(slog.NewTextHandler(io.Discard, nil))), s
}

func TestEnqueueDefaults(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	id, err := q.Enqueue(ctx, "echo hi", -1)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	j, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.MaxRetries != 3 || j.State != job.StatePending || j.Attempts != 0 {
		t.Fatalf("unexpected job %+v", j)
	}

	if _, err := q.Enqueue(ctx, "  ", 1); !errors.Is(err, ErrEmptyCommand) {
		t.Fatalf("expected ErrEmptyCommand, got %v", err)
	}
}

func TestEnqueueJSON(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	id, err := q.EnqueueJSON(ctx, []byte(`{"command": "sleep 1", "max_retries": 0}`))
	if err != nil {
		t.Fatalf("enqueue json: %v", err)
	}
	if j, _ := q.Get(ctx, id); j.MaxRetries != 0 || j.Command != "sleep 1" {
		t.Fatalf("unexpected job %+v", j)
	}

	id, err = q.EnqueueJSON(ctx, []byte(`{"command": "true"}`))
	if err != nil {
		t.Fatalf("enqueue json: %v", err)
	}
	if j, _ := q.Get(ctx, id); j.MaxRetries != 3 {
		t.Fatalf("expected default max_retries, got %d", j.MaxRetries)
	}

	if _, err := q.EnqueueJSON(ctx, []byte(`{"command":`)); err == nil {
		t.Fatal("expected error for malformed json")
	}
	if _, err := q.EnqueueJSON(ctx, []byte(`{"command": "x", "max_retries": -2}`)); err == nil {
		t.Fatal("expected error for negative max_retries")
	}
}

func TestListRejectsUnknownState(t *testing.T) {
	q, _ := newTestQueue(t)
	if _, err := q.List(context.Background(), "failed"); !errors.Is(err, ErrUnknownState) {
		t.Fatalf("expected ErrUnknownState, got %v", err)
	}
}

func TestRetryDead(t *testing.T) {
	ctx := context.Background()
	q, s := newTestQueue(t)
	id, _ := q.Enqueue(ctx, "false", 0)

	if err := q.RetryDead(ctx, id); !errors.Is(err, ErrNotDead) {
		t.Fatalf("expected ErrNotDead for pending job, got %v", err)
	}
	if err := q.RetryDead(ctx, "missing"); !errors.Is(err, storage.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}

	if _, err := s.Claim(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.MarkDead(ctx, id, "exit code 1"); err != nil {
		t.Fatalf("mark dead: %v", err)
	}
	dead, err := q.DeadLetters(ctx)
	if err != nil || len(dead) != 1 || dead[0].ErrorMessage != "exit code 1" {
		t.Fatalf("unexpected dead letters %v %v", dead, err)
	}

	if err := q.RetryDead(ctx, id); err != nil {
		t.Fatalf("retry dead: %v", err)
	}
	j, _ := q.Get(ctx, id)
	if j.State != job.StatePending || j.Attempts != 0 {
		t.Fatalf("unexpected retried job %+v", j)
	}
}

func TestStatusScenario(t *testing.T) {
	ctx := context.Background()
	q, s := newTestQueue(t)

	st, err := q.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(st) != 4 {
		t.Fatalf("status must list all states, got %v", st)
	}

	done, _ := q.Enqueue(ctx, "true", 3)
	if j, _ := s.Claim(ctx, "w1"); j == nil || j.ID != done {
		t.Fatalf("claim: %v", j)
	}
	if err := s.Complete(ctx, done); err != nil {
		t.Fatalf("complete: %v", err)
	}
	doomed, _ := q.Enqueue(ctx, "false", 0)
	if j, _ := s.Claim(ctx, "w1"); j == nil || j.ID != doomed {
		t.Fatalf("claim: %v", j)
	}
	if err := s.MarkDead(ctx, doomed, "exit code 1"); err != nil {
		t.Fatalf("mark dead: %v", err)
	}
	q.Enqueue(ctx, "a", 3)
	q.Enqueue(ctx, "b", 3)

	st, err = q.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	want := map[job.State]int{job.StatePending: 2, job.StateProcessing: 0, job.StateCompleted: 1, job.StateDead: 1}
	for k, v := range want {
		if st[k] != v {
			t.Fatalf("status[%s] = %d, want %d (all %v)", k, st[k], v, st)
		}
	}
}
