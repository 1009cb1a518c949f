package telemetry

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Collector owns the SDK providers for one worker run. Metrics accumulate in
// a ManualReader and are read back with Summary when the run ends; finished
// job spans are logged at debug level.
type Collector struct {
	reader *sdkmetric.ManualReader
	mp     *sdkmetric.MeterProvider
	tp     *sdktrace.TracerProvider
	inst   *Instruments
}

func NewCollector(logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(&logProcessor{logger: logger}))
	return &Collector{
		reader: reader,
		mp:     mp,
		tp:     tp,
		inst:   New(mp.Meter(scopeName), tp.Tracer(scopeName)),
	}
}

// Instruments returns the instruments backed by this collector's providers.
func (c *Collector) Instruments() *Instruments { return c.inst }

// Summary is the cumulative job activity recorded so far.
type Summary struct {
	Claims      int64
	Completed   int64
	Retried     int64
	Dead        int64
	Recovered   int64
	Executions  uint64
	ExecSeconds float64
}

func (s Summary) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("claims", s.Claims),
		slog.Int64("completed", s.Completed),
		slog.Int64("retried", s.Retried),
		slog.Int64("dead", s.Dead),
		slog.Int64("recovered", s.Recovered),
		slog.Uint64("executions", s.Executions),
		slog.Float64("exec_seconds", s.ExecSeconds),
	)
}

// Summary collects the current metric state. It must be called before
// Shutdown.
func (c *Collector) Summary(ctx context.Context) (Summary, error) {
	var rm metricdata.ResourceMetrics
	if err := c.reader.Collect(ctx, &rm); err != nil {
		return Summary{}, err
	}
	var s Summary
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					s.addSum(m.Name, dp)
				}
			case metricdata.Histogram[float64]:
				if m.Name != metricDuration {
					continue
				}
				for _, dp := range data.DataPoints {
					s.Executions += dp.Count
					s.ExecSeconds += dp.Sum
				}
			}
		}
	}
	return s, nil
}

func (s *Summary) addSum(name string, dp metricdata.DataPoint[int64]) {
	switch name {
	case metricClaims:
		s.Claims += dp.Value
	case metricRecovered:
		s.Recovered += dp.Value
	case metricOutcomes:
		v, _ := dp.Attributes.Value(attribute.Key("outcome"))
		switch v.AsString() {
		case OutcomeCompleted:
			s.Completed += dp.Value
		case OutcomeRetried:
			s.Retried += dp.Value
		case OutcomeDead:
			s.Dead += dp.Value
		}
	}
}

func (c *Collector) Shutdown(ctx context.Context) error {
	return errors.Join(c.tp.Shutdown(ctx), c.mp.Shutdown(ctx))
}

// logProcessor logs every ended span.
type logProcessor struct {
	logger *slog.Logger
}

func (p *logProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *logProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	attrs := []any{
		slog.String("span", s.Name()),
		slog.Duration("elapsed", s.EndTime().Sub(s.StartTime())),
		slog.String("status", s.Status().Code.String()),
	}
	for _, kv := range s.Attributes() {
		attrs = append(attrs, slog.String(string(kv.Key), kv.Value.Emit()))
	}
	p.logger.Debug("span ended", attrs...)
}

func (p *logProcessor) Shutdown(context.Context) error { return nil }

func (p *logProcessor) ForceFlush(context.Context) error { return nil }
