// Package telemetry holds the OpenTelemetry instruments the worker, retry
// policy and recovery manager report into, and the Collector that backs them
// with SDK providers in the worker command.
//
// A nil *Instruments is valid and records nothing.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/CharanSaiVaddi/queuectl/internal/job"
)

// scopeName is the instrumentation scope for queuectl metrics and spans.
const scopeName = "github.com/CharanSaiVaddi/queuectl"

const (
	metricClaims    = "queuectl.job.claims"
	metricOutcomes  = "queuectl.job.outcomes"
	metricRecovered = "queuectl.job.recovered"
	metricDuration  = "queuectl.job.duration"
)

// Outcome labels for the queuectl.job.outcomes counter.
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeDead      = "dead"
)

// Instruments:
//   - queuectl.job.claims (Int64Counter): successful claims, by worker_id
//   - queuectl.job.outcomes (Int64Counter): reconciled outcomes, by outcome
//   - queuectl.job.recovered (Int64Counter): leases reclaimed by recovery
//   - queuectl.job.duration (Float64Histogram): execution time in seconds,
//     by status ("ok" or "error")
type Instruments struct {
	tracer    trace.Tracer
	claims    metric.Int64Counter
	outcomes  metric.Int64Counter
	recovered metric.Int64Counter
	duration  metric.Float64Histogram
}

// New builds instruments on the given meter and tracer. Instrument creation
// errors fall back to the noop instruments the API returns alongside them.
func New(meter metric.Meter, tracer trace.Tracer) *Instruments {
	claims, _ := meter.Int64Counter(metricClaims,
		metric.WithDescription("Jobs claimed by workers"),
		metric.WithUnit("{job}"))
	outcomes, _ := meter.Int64Counter(metricOutcomes,
		metric.WithDescription("Reconciled job outcomes"),
		metric.WithUnit("{job}"))
	recovered, _ := meter.Int64Counter(metricRecovered,
		metric.WithDescription("Stale leases returned to pending"),
		metric.WithUnit("{job}"))
	duration, _ := meter.Float64Histogram(metricDuration,
		metric.WithDescription("Duration of job execution in seconds"),
		metric.WithUnit("s"))
	return &Instruments{
		tracer:    tracer,
		claims:    claims,
		outcomes:  outcomes,
		recovered: recovered,
		duration:  duration,
	}
}

func (i *Instruments) Claimed(ctx context.Context, workerID string) {
	if i == nil {
		return
	}
	i.claims.Add(ctx, 1, metric.WithAttributes(attribute.String("worker_id", workerID)))
}

func (i *Instruments) Outcome(ctx context.Context, outcome string) {
	if i == nil {
		return
	}
	i.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (i *Instruments) Recovered(ctx context.Context, n int64) {
	if i == nil || n <= 0 {
		return
	}
	i.recovered.Add(ctx, n)
}

// StartJob opens the execution span for j.
func (i *Instruments) StartJob(ctx context.Context, j *job.Job, workerID string) (context.Context, trace.Span) {
	if i == nil {
		// a noop span; never the caller's
		return ctx, trace.SpanFromContext(context.Background())
	}
	return i.tracer.Start(ctx, "queuectl.job.execute",
		trace.WithAttributes(
			attribute.String("queuectl.job.id", j.ID),
			attribute.String("queuectl.worker.id", workerID),
			attribute.Int("queuectl.job.attempt", j.Attempts),
			attribute.Int("queuectl.job.max_retries", j.MaxRetries),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// FinishJob records the execution duration and ends span with a status
// derived from err.
func (i *Instruments) FinishJob(ctx context.Context, span trace.Span, elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
	if i == nil {
		return
	}
	i.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}
