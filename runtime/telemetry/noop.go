package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// NoopLogger discards log messages. It is the default logger of the
	// tracer and the publisher.
	NoopLogger struct{}

	// NoopMetrics discards metrics. It is the default recorder of the
	// publisher.
	NoopMetrics struct{}

	// NoopTracer starts spans that record nothing.
	NoopTracer struct{}

	noopSpan struct{}
)

// NewNoopLogger returns a Logger that discards everything.
func NewNoopLogger() Logger {
	return NoopLogger{}
}

// NewNoopMetrics returns a Metrics recorder that discards everything.
func NewNoopMetrics() Metrics {
	return NoopMetrics{}
}

// NewNoopTracer returns a Tracer whose spans record nothing.
func NewNoopTracer() Tracer {
	return NoopTracer{}
}

// Debug discards the message.
func (NoopLogger) Debug(context.Context, string, ...any) {}

// Info discards the message.
func (NoopLogger) Info(context.Context, string, ...any) {}

// Warn discards the message.
func (NoopLogger) Warn(context.Context, string, ...any) {}

// Error discards the message.
func (NoopLogger) Error(context.Context, string, ...any) {}

// IncCounter discards the increment.
func (NoopMetrics) IncCounter(string, float64, ...string) {}

// RecordTimer discards the duration.
func (NoopMetrics) RecordTimer(string, time.Duration, ...string) {}

// RecordGauge discards the value.
func (NoopMetrics) RecordGauge(string, float64, ...string) {}

// Start returns ctx unchanged and a span that records nothing.
func (NoopTracer) Start(ctx context.Context, _ string, _ ...trace.SpanStartOption) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (noopSpan) End(...trace.SpanEndOption) {}

func (noopSpan) AddEvent(string, ...any) {}

func (noopSpan) SetStatus(codes.Code, string) {}

func (noopSpan) RecordError(error, ...trace.EventOption) {}
