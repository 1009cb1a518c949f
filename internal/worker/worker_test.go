package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CharanSaiVaddi/queuectl/internal/job"
	"github.com/CharanSaiVaddi/queuectl/internal/retry"
	"github.com/CharanSaiVaddi/queuectl/internal/runner"
	"github.com/CharanSaiVaddi/queuectl/internal/storage"
)

func newTestStorage(t *testing.T, opts ...storage.Option) *storage.SQLiteStorage {
	t.Helper()
	f, err := os.CreateTemp("", "queue_test_*.db")
	if err != nil {
		t.Fatalf("tmp file: %v", err)
	}
	path := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(path) })

	s := storage.NewSQLiteStorage(opts...)
	if err := s.Init(path); err != nil {
		t.Fatalf("init storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig() *Config {
	return &Config{
		JobTimeout:      5 * time.Second,
		LockTimeout:     time.Minute,
		PollInterval:    10 * time.Millisecond,
		ShutdownTimeout: 5 * time.Second,
		BackoffBase:     2,
	}
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// runnerFunc adapts a function to runner.Runner.
type runnerFunc func(ctx context.Context, command string, timeout time.Duration) (runner.Result, error)

func (f runnerFunc) Run(ctx context.Context, command string, timeout time.Duration) (runner.Result, error) {
	return f(ctx, command, timeout)
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func claimOne(t *testing.T, s storage.Storage, workerID string) *job.Job {
	t.Helper()
	j, err := s.Claim(context.Background(), workerID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if j == nil {
		t.Fatal("expected job")
	}
	return j
}

func TestWorkerHappyPath(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	id, err := s.Enqueue(ctx, "echo hi", 1)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := NewWorker("worker-1-test", s, testConfig(), WithLogger(quietLogger()))
	w.runJob(ctx, claimOne(t, s, w.ID()))

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != job.StateCompleted || got.Leased() {
		t.Fatalf("expected completed without lease, got %+v", got)
	}
}

func TestRetryToDLQ(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := newTestStorage(t, storage.WithClock(c.Now))
	id, _ := s.Enqueue(ctx, "echo broken; exit 2", 3)

	policy := retry.New(2, retry.WithLogger(quietLogger()), retry.WithClock(c.Now))
	w := NewWorker("worker-1-test", s, testConfig(), WithLogger(quietLogger()), WithPolicy(policy))

	for attempt := 1; attempt <= 3; attempt++ {
		j := claimOne(t, s, w.ID())
		if j.Attempts != attempt {
			t.Fatalf("attempts = %d, want %d", j.Attempts, attempt)
		}
		w.runJob(ctx, j)

		cur, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if attempt < 3 {
			if cur.State != job.StatePending {
				t.Fatalf("attempt %d: expected pending, got %s", attempt, cur.State)
			}
			wantRunAt := c.Now().Add(policy.Backoff(attempt))
			if !cur.RunAt.Equal(wantRunAt) {
				t.Fatalf("attempt %d: run_at %v, want %v", attempt, cur.RunAt, wantRunAt)
			}
			if j, _ := s.Claim(ctx, w.ID()); j != nil {
				t.Fatal("job claimable before its backoff elapsed")
			}
			c.Advance(policy.Backoff(attempt))
			continue
		}
		if cur.State != job.StateDead {
			t.Fatalf("expected dead, got %s", cur.State)
		}
		if !strings.HasPrefix(cur.ErrorMessage, "exit code 2") || !strings.Contains(cur.ErrorMessage, "broken") {
			t.Fatalf("unexpected error detail %q", cur.ErrorMessage)
		}
	}
}

func TestZeroRetriesGoStraightToDLQ(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	id, _ := s.Enqueue(ctx, "exit 1", 0)
	w := NewWorker("worker-1-test", s, testConfig(), WithLogger(quietLogger()))
	w.runJob(ctx, claimOne(t, s, w.ID()))
	if got, _ := s.Get(ctx, id); got.State != job.StateDead {
		t.Fatalf("expected dead, got %s", got.State)
	}
}

func TestTimeoutRecordedAsFailure(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	id, _ := s.Enqueue(ctx, "sleep 5", 3)
	cfg := testConfig()
	cfg.JobTimeout = 200 * time.Millisecond
	w := NewWorker("worker-1-test", s, cfg, WithLogger(quietLogger()))

	start := time.Now()
	w.runJob(ctx, claimOne(t, s, w.ID()))
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Fatalf("job was not killed at its timeout, took %v", elapsed)
	}
	got, _ := s.Get(ctx, id)
	if got.State != job.StatePending || got.Leased() || got.Attempts != 1 {
		t.Fatalf("unexpected job after timeout %+v", got)
	}
	if !strings.Contains(got.ErrorMessage, "timed out") || !strings.HasPrefix(got.ErrorMessage, "exit code -1") {
		t.Fatalf("unexpected error detail %q", got.ErrorMessage)
	}
}

func TestPanicRecordedAsFailure(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	id, _ := s.Enqueue(ctx, "anything", 3)
	boom := runnerFunc(func(context.Context, string, time.Duration) (runner.Result, error) {
		panic("runner exploded")
	})
	w := NewWorker("worker-1-test", s, testConfig(), WithLogger(quietLogger()), WithRunner(boom))
	w.runJob(ctx, claimOne(t, s, w.ID()))

	got, _ := s.Get(ctx, id)
	if got.State != job.StatePending || !strings.Contains(got.ErrorMessage, "runner exploded") {
		t.Fatalf("unexpected job after panic %+v", got)
	}
}

func TestLostLeaseDiscardsOutcome(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	id, _ := s.Enqueue(ctx, "true", 3)
	reclaim := runnerFunc(func(context.Context, string, time.Duration) (runner.Result, error) {
		// the lease expires while the command runs
		if _, err := s.RecoverStale(ctx, -time.Hour); err != nil {
			return runner.Result{}, err
		}
		return runner.Result{}, nil
	})
	w := NewWorker("worker-1-test", s, testConfig(), WithLogger(quietLogger()), WithRunner(reclaim))
	w.runJob(ctx, claimOne(t, s, w.ID()))

	if got, _ := s.Get(ctx, id); got.State != job.StatePending {
		t.Fatalf("reclaimed job must stay pending, got %s", got.State)
	}
}

func TestWorkerStopsCooperatively(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	id, _ := s.Enqueue(ctx, "sleep 0.3", 3)

	w := NewWorker("worker-1-test", s, testConfig(), WithLogger(quietLogger()))
	w.Start(ctx)
	waitFor(t, 5*time.Second, "job to start", func() bool { return w.Phase() == PhaseExecuting })
	w.Stop()

	if w.Phase() != PhaseStopped {
		t.Fatalf("phase = %s, want stopped", w.Phase())
	}
	if got, _ := s.Get(ctx, id); got.State != job.StateCompleted {
		t.Fatalf("in-flight job must finish, got %s", got.State)
	}
}

func TestWorkerRecoversStaleLeasesOnStart(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	id, _ := s.Enqueue(ctx, "true", 3)
	claimOne(t, s, "crashed-worker")

	cfg := testConfig()
	cfg.LockTimeout = time.Nanosecond
	w := NewWorker("worker-1-test", s, cfg, WithLogger(quietLogger()))
	w.Start(ctx)
	defer w.Stop()

	waitFor(t, 5*time.Second, "stale job to complete", func() bool {
		j, err := s.Get(ctx, id)
		return err == nil && j.State == job.StateCompleted
	})
}

func TestPoolGracefulShutdown(t *testing.T) {
	s := newTestStorage(t)
	id, _ := s.Enqueue(context.Background(), "sleep 0.5", 3)

	ctx, cancel := context.WithCancel(context.Background())
	p := NewPool(s, testConfig(), 2, WithPoolLogger(quietLogger()))
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()

	waitFor(t, 5*time.Second, "job to be claimed", func() bool {
		j, err := s.Get(context.Background(), id)
		return err == nil && j.State == job.StateProcessing
	})
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("graceful shutdown returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("pool did not stop")
	}
	if got, _ := s.Get(context.Background(), id); got.State != job.StateCompleted {
		t.Fatalf("in-flight job must complete, got %s", got.State)
	}
	for _, w := range p.Workers() {
		if w.Phase() != PhaseStopped {
			t.Fatalf("%s phase = %s", w.ID(), w.Phase())
		}
	}
}

func TestPoolForcedShutdown(t *testing.T) {
	s := newTestStorage(t)
	id, _ := s.Enqueue(context.Background(), "sleep 30", 3)

	cfg := testConfig()
	cfg.JobTimeout = time.Minute
	cfg.ShutdownTimeout = 200 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPool(s, cfg, 1, WithPoolLogger(quietLogger()))
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()

	waitFor(t, 5*time.Second, "job to be claimed", func() bool {
		j, err := s.Get(context.Background(), id)
		return err == nil && j.State == job.StateProcessing
	})
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrForcedShutdown) {
			t.Fatalf("expected ErrForcedShutdown, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("pool did not kill the running job")
	}
	got, _ := s.Get(context.Background(), id)
	if got.State != job.StatePending || got.Leased() || got.Attempts != 1 {
		t.Fatalf("killed job must be recorded as a failed attempt, got %+v", got)
	}
	if !strings.Contains(got.ErrorMessage, "killed") {
		t.Fatalf("unexpected error detail %q", got.ErrorMessage)
	}
}

func TestPoolIdleZeroGraceIsClean(t *testing.T) {
	s := newTestStorage(t)
	cfg := testConfig()
	cfg.ShutdownTimeout = 0
	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		p := NewPool(s, cfg, 2, WithPoolLogger(quietLogger()))
		errc := make(chan error, 1)
		go func() { errc <- p.Run(ctx) }()
		time.Sleep(50 * time.Millisecond)
		cancel()

		select {
		case err := <-errc:
			if err != nil {
				t.Fatalf("run %d: idle pool returned %v", i, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("pool did not stop")
		}
	}
}

func TestNewWorkerID(t *testing.T) {
	re := regexp.MustCompile(`^worker-3-[0-9a-f]{8}$`)
	a, b := NewWorkerID(3), NewWorkerID(3)
	if !re.MatchString(a) {
		t.Fatalf("unexpected id %q", a)
	}
	if a == b {
		t.Fatalf("ids collide: %q", a)
	}
}

func TestFailureDetailTruncation(t *testing.T) {
	out := strings.Repeat("x", 10000) + "the real error"
	d := failureDetail(runner.Result{ExitCode: 1, Output: out}, nil, time.Second)
	if len(d) > maxDetail {
		t.Fatalf("detail is %d bytes", len(d))
	}
	if !strings.HasPrefix(d, "exit code 1") || !strings.HasSuffix(d, "the real error") {
		t.Fatalf("truncation lost head or tail: %q...%q", d[:20], d[len(d)-20:])
	}

	short := failureDetail(runner.Result{}, errors.New(`exec: "sh": not found`), time.Second)
	if short != `worker exception: exec: "sh": not found` {
		t.Fatalf("unexpected detail %q", short)
	}
}
