package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/CharanSaiVaddi/queuectl/internal/config"
	"github.com/CharanSaiVaddi/queuectl/internal/job"
	"github.com/CharanSaiVaddi/queuectl/internal/recovery"
	"github.com/CharanSaiVaddi/queuectl/internal/retry"
	"github.com/CharanSaiVaddi/queuectl/internal/runner"
	"github.com/CharanSaiVaddi/queuectl/internal/storage"
	"github.com/CharanSaiVaddi/queuectl/internal/telemetry"
)

// maxDetail bounds the stored error detail; longer output keeps its tail.
const maxDetail = 4096

// Store is the part of the job store a worker uses.
type Store interface {
	Claim(ctx context.Context, workerID string) (*job.Job, error)
	Complete(ctx context.Context, id string) error
	retry.Reconciler
	recovery.Sweeper
}

// Config for worker behavior
type Config struct {
	JobTimeout      time.Duration
	LockTimeout     time.Duration
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
	BackoffBase     int
	// ClaimRate limits claims per second across a pool; 0 is unlimited.
	ClaimRate float64
}

// FromConfig maps the persisted configuration onto worker settings.
func FromConfig(c *config.Config) *Config {
	return &Config{
		JobTimeout:      c.JobTimeout(),
		LockTimeout:     c.LockTimeout(),
		PollInterval:    c.PollInterval(),
		ShutdownTimeout: c.ShutdownTimeout(),
		BackoffBase:     c.BackoffBase,
		ClaimRate:       c.ClaimRate,
	}
}

// Phase is where a worker is in its loop.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseClaiming
	PhaseExecuting
	PhaseReconciling
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseClaiming:
		return "claiming"
	case PhaseExecuting:
		return "executing"
	case PhaseReconciling:
		return "reconciling"
	case PhaseStopped:
		return "stopped"
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

// NewWorkerID returns "worker-<n>-<8 hex>"; the random suffix keeps lease
// owners distinct across processes.
func NewWorkerID(n int) string {
	return fmt.Sprintf("worker-%d-%s", n, uuid.NewString()[:8])
}

// Worker runs jobs from storage.
type Worker struct {
	id       string
	store    Store
	cfg      *Config
	runner   runner.Runner
	policy   *retry.Policy
	recovery *recovery.Manager
	limiter  *rate.Limiter
	inst     *telemetry.Instruments
	logger   *slog.Logger

	phase    atomic.Int32
	killed   atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type Option func(*Worker)

func WithLogger(l *slog.Logger) Option { return func(w *Worker) { w.logger = l } }

func WithRunner(r runner.Runner) Option { return func(w *Worker) { w.runner = r } }

func WithPolicy(p *retry.Policy) Option { return func(w *Worker) { w.policy = p } }

func WithRecovery(m *recovery.Manager) Option { return func(w *Worker) { w.recovery = m } }

// WithLimiter gates every claim on l, which may be shared by a pool.
func WithLimiter(l *rate.Limiter) Option { return func(w *Worker) { w.limiter = l } }

func WithTelemetry(i *telemetry.Instruments) Option { return func(w *Worker) { w.inst = i } }

func NewWorker(id string, store Store, cfg *Config, opts ...Option) *Worker {
	w := &Worker{
		id:     id,
		store:  store,
		cfg:    cfg,
		runner: &runner.ShellRunner{},
		logger: slog.Default(),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(slog.String("worker_id", id))
	if w.policy == nil {
		w.policy = retry.New(cfg.BackoffBase, retry.WithLogger(w.logger), retry.WithTelemetry(w.inst))
	}
	if w.recovery == nil {
		w.recovery = recovery.NewManager(store, cfg.LockTimeout, w.logger, w.inst)
	}
	return w
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) Phase() Phase { return Phase(w.phase.Load()) }

func (w *Worker) setPhase(p Phase) { w.phase.Store(int32(p)) }

// Killed reports whether cancellation of the Run context cut short a job
// this worker was executing.
func (w *Worker) Killed() bool { return w.killed.Load() }

// Start runs the loop in the background until Stop is called or ctx is
// cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.Run(ctx)
	}()
}

// Stop requests a cooperative stop and waits for the in-flight job, if any,
// to finish.
func (w *Worker) Stop() {
	w.RequestStop()
	w.wg.Wait()
}

// RequestStop asks the loop to exit before its next claim. It does not
// interrupt a running job.
func (w *Worker) RequestStop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Run is the worker loop. It returns once a stop was requested and the
// current job, if any, has been reconciled. Cancelling ctx also stops the
// loop and kills a running command; its outcome is still recorded.
func (w *Worker) Run(ctx context.Context) {
	defer w.setPhase(PhaseStopped)

	// idle waits end on either a stop request or ctx
	idleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-idleCtx.Done():
		}
	}()

	w.recovery.Recover(ctx)
	w.logger.Info("worker started")
	for {
		w.setPhase(PhaseIdle)
		if idleCtx.Err() != nil {
			w.logger.Info("worker stopping")
			return
		}
		if w.limiter != nil {
			if err := w.limiter.Wait(idleCtx); err != nil {
				continue
			}
		}
		w.setPhase(PhaseClaiming)
		j, err := w.store.Claim(ctx, w.id)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("claim failed", slog.String("error", err.Error()))
		}
		if j == nil {
			w.sleep(idleCtx)
			continue
		}
		w.runJob(ctx, j)
	}
}

func (w *Worker) sleep(ctx context.Context) {
	t := time.NewTimer(w.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// runJob executes a claimed job and records its outcome. Store faults are
// logged; they never stop the worker.
func (w *Worker) runJob(ctx context.Context, j *job.Job) {
	w.setPhase(PhaseExecuting)
	w.inst.Claimed(ctx, w.id)
	w.logger.Info("job claimed",
		slog.String("job_id", j.ID),
		slog.Int("attempt", j.Attempts),
		slog.String("command", j.Command),
	)

	spanCtx, span := w.inst.StartJob(ctx, j, w.id)
	start := time.Now()
	res, runErr := w.execute(spanCtx, j)
	elapsed := time.Since(start)
	if ctx.Err() != nil {
		w.killed.Store(true)
	}

	w.setPhase(PhaseReconciling)
	// the outcome is recorded even when ctx was cancelled to kill the job
	rctx := context.WithoutCancel(ctx)

	if runErr == nil && res.ExitCode == 0 && !res.TimedOut {
		w.inst.FinishJob(spanCtx, span, elapsed, nil)
		if err := w.store.Complete(rctx, j.ID); err != nil {
			w.reconcileFailed(j, err)
			return
		}
		w.inst.Outcome(rctx, telemetry.OutcomeCompleted)
		w.logger.Info("job completed",
			slog.String("job_id", j.ID),
			slog.Duration("elapsed", elapsed),
		)
		return
	}

	detail := failureDetail(res, runErr, w.cfg.JobTimeout)
	w.inst.FinishJob(spanCtx, span, elapsed, errors.New(firstLine(detail)))
	if _, err := w.policy.Apply(rctx, w.store, j, detail); err != nil {
		w.reconcileFailed(j, err)
	}
}

func (w *Worker) reconcileFailed(j *job.Job, err error) {
	if errors.Is(err, storage.ErrStateConflict) {
		w.logger.Warn("lease lost before reconcile, outcome discarded",
			slog.String("job_id", j.ID),
		)
		return
	}
	w.logger.Error("failed to record job outcome",
		slog.String("job_id", j.ID),
		slog.String("error", err.Error()),
	)
}

// execute runs the command, turning a panic into a failed attempt.
func (w *Worker) execute(ctx context.Context, j *job.Job) (res runner.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job execution panicked",
				slog.String("job_id", j.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			res = runner.Result{ExitCode: runner.NoExitCode}
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.runner.Run(ctx, j.Command, w.cfg.JobTimeout)
}

func failureDetail(res runner.Result, runErr error, timeout time.Duration) string {
	var head string
	switch {
	case runErr != nil:
		head = "worker exception: " + runErr.Error()
	case res.TimedOut:
		head = fmt.Sprintf("exit code %d: timed out after %s", res.ExitCode, timeout)
	default:
		head = fmt.Sprintf("exit code %d", res.ExitCode)
	}
	out := strings.TrimSpace(res.Output)
	if out == "" {
		return truncate(head)
	}
	return truncate(head + "\noutput: " + out)
}

// truncate keeps the last maxDetail bytes, where a failing command usually
// prints its error, plus the first line for the exit status.
func truncate(s string) string {
	if len(s) <= maxDetail {
		return s
	}
	head := firstLine(s)
	const marker = "\n...[truncated]...\n"
	keep := maxDetail - len(head) - len(marker)
	if keep < 0 {
		return strings.ToValidUTF8(s[len(s)-maxDetail:], "")
	}
	return head + marker + strings.ToValidUTF8(s[len(s)-keep:], "")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
