package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/CharanSaiVaddi/queuectl/internal/recovery"
	"github.com/CharanSaiVaddi/queuectl/internal/retry"
	"github.com/CharanSaiVaddi/queuectl/internal/runner"
	"github.com/CharanSaiVaddi/queuectl/internal/telemetry"
)

// ErrForcedShutdown is returned by Pool.Run when workers did not stop within
// the shutdown grace period and their running jobs were killed.
var ErrForcedShutdown = errors.New("worker: forced shutdown, running jobs killed")

// Pool runs a fixed number of workers against one store.
type Pool struct {
	store   Store
	cfg     *Config
	count   int
	runner  runner.Runner
	inst    *telemetry.Instruments
	logger  *slog.Logger
	workers []*Worker
}

type PoolOption func(*Pool)

func WithPoolLogger(l *slog.Logger) PoolOption { return func(p *Pool) { p.logger = l } }

func WithPoolRunner(r runner.Runner) PoolOption { return func(p *Pool) { p.runner = r } }

func WithPoolTelemetry(i *telemetry.Instruments) PoolOption {
	return func(p *Pool) { p.inst = i }
}

func NewPool(store Store, cfg *Config, count int, opts ...PoolOption) *Pool {
	if count < 1 {
		count = 1
	}
	p := &Pool{store: store, cfg: cfg, count: count, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Workers returns the pool's workers once Run has started them.
func (p *Pool) Workers() []*Worker { return p.workers }

// Run recovers stale leases, then runs the workers until ctx is cancelled.
// Workers are asked to stop and given ShutdownTimeout to finish their current
// job; after that their commands are killed and the kills are recorded as
// failed attempts. ErrForcedShutdown is returned only when a running job
// was actually killed.
func (p *Pool) Run(ctx context.Context) error {
	if p.cfg.LockTimeout <= p.cfg.JobTimeout {
		p.logger.Warn("lock timeout does not exceed job timeout; long jobs may be reclaimed and run twice",
			slog.Duration("lock_timeout", p.cfg.LockTimeout),
			slog.Duration("job_timeout", p.cfg.JobTimeout),
		)
	}

	rec := recovery.NewManager(p.store, p.cfg.LockTimeout, p.logger, p.inst)
	rec.Recover(ctx)

	policy := retry.New(p.cfg.BackoffBase, retry.WithLogger(p.logger), retry.WithTelemetry(p.inst))
	opts := []Option{
		WithLogger(p.logger),
		WithPolicy(policy),
		WithRecovery(rec),
		WithTelemetry(p.inst),
	}
	if p.runner != nil {
		opts = append(opts, WithRunner(p.runner))
	}
	if p.cfg.ClaimRate > 0 {
		opts = append(opts, WithLimiter(rate.NewLimiter(rate.Limit(p.cfg.ClaimRate), 1)))
	}

	// execCtx outlives ctx so that cancellation alone stops workers
	// cooperatively; kill ends running commands.
	execCtx, kill := context.WithCancel(context.WithoutCancel(ctx))
	defer kill()

	p.workers = make([]*Worker, p.count)
	var g errgroup.Group
	for i := range p.workers {
		w := NewWorker(NewWorkerID(i+1), p.store, p.cfg, opts...)
		p.workers[i] = w
		g.Go(func() error {
			w.Run(execCtx)
			return nil
		})
	}
	p.logger.Info("worker pool started", slog.Int("count", p.count))

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	<-ctx.Done()
	p.logger.Info("worker pool stopping", slog.Duration("grace", p.cfg.ShutdownTimeout))
	for _, w := range p.workers {
		w.RequestStop()
	}

	grace := time.NewTimer(p.cfg.ShutdownTimeout)
	defer grace.Stop()
	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-grace.C:
	}

	kill()
	<-done
	for _, w := range p.workers {
		if w.Killed() {
			p.logger.Warn("worker pool shutdown timed out, running jobs were killed")
			return ErrForcedShutdown
		}
	}
	p.logger.Info("worker pool stopped gracefully")
	return nil
}
