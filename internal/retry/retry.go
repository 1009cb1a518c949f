// Package retry decides what happens to a job after a failed execution:
// another attempt after an exponential delay, or the dead-letter state.
package retry

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/CharanSaiVaddi/queuectl/internal/job"
	"github.com/CharanSaiVaddi/queuectl/internal/telemetry"
)

// Reconciler is the part of the job store the policy writes outcomes to.
type Reconciler interface {
	Fail(ctx context.Context, id, errMsg string, attempts int, runAt time.Time) error
	MarkDead(ctx context.Context, id, errMsg string) error
}

// MaxRunAt bounds scheduled retries so run_at stays representable in every
// backend (four-digit years in SQLite text, unix microseconds in Redis).
var MaxRunAt = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// Decision is the outcome of one failed attempt.
type Decision struct {
	Dead  bool
	Delay time.Duration
	RunAt time.Time
}

// Policy applies base^attempts second backoff, with no jitter and no cap, until
// attempts reaches the job's max_retries.
type Policy struct {
	base   int
	logger *slog.Logger
	inst   *telemetry.Instruments
	now    func() time.Time
}

type Option func(*Policy)

func WithLogger(l *slog.Logger) Option { return func(p *Policy) { p.logger = l } }

func WithTelemetry(i *telemetry.Instruments) Option { return func(p *Policy) { p.inst = i } }

func WithClock(now func() time.Time) Option { return func(p *Policy) { p.now = now } }

// New returns a policy with the given exponent base. Bases below 1 are
// treated as 1.
func New(base int, opts ...Option) *Policy {
	if base < 1 {
		base = 1
	}
	p := &Policy{base: base, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Backoff returns base^attempts seconds, saturating at the largest
// representable duration.
func (p *Policy) Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	ns := math.Pow(float64(p.base), float64(attempts)) * float64(time.Second)
	if ns >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ns)
}

// Decide computes the outcome for post-claim attempts against maxRetries.
func (p *Policy) Decide(attempts, maxRetries int, now time.Time) Decision {
	if attempts >= maxRetries {
		return Decision{Dead: true}
	}
	d := p.Backoff(attempts)
	runAt := now.Add(d)
	if runAt.After(MaxRunAt) {
		runAt = MaxRunAt
	}
	return Decision{Delay: d, RunAt: runAt}
}

// Apply decides and records the outcome of a failed attempt of j. It is
// called exactly once per failure; store errors are returned, never retried.
func (p *Policy) Apply(ctx context.Context, r Reconciler, j *job.Job, detail string) (Decision, error) {
	d := p.Decide(j.Attempts, j.MaxRetries, p.now().UTC())
	if d.Dead {
		if err := r.MarkDead(ctx, j.ID, detail); err != nil {
			return d, err
		}
		p.inst.Outcome(ctx, telemetry.OutcomeDead)
		p.logger.Warn("job moved to DLQ after exhausting retries",
			slog.String("job_id", j.ID),
			slog.Int("attempts", j.Attempts),
			slog.Int("max_retries", j.MaxRetries),
			slog.String("error", detail),
		)
		return d, nil
	}
	if err := r.Fail(ctx, j.ID, detail, j.Attempts, d.RunAt); err != nil {
		return d, err
	}
	p.inst.Outcome(ctx, telemetry.OutcomeRetried)
	p.logger.Info("job failed, retry scheduled",
		slog.String("job_id", j.ID),
		slog.Int("attempt", j.Attempts),
		slog.Int("max_retries", j.MaxRetries),
		slog.Duration("delay", d.Delay),
	)
	return d, nil
}
