// Package telemetry integrates the tracing core with Clue logging and OTEL
// tracing and metrics.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName names the OTEL tracer and meter used by this module.
const InstrumentationName = "goa.design/runtrace"

// Logger is the structured logger of the tracer, the publisher and the CLI.
// keyvals alternate string keys and values.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics records the stream counters, the tap duration timer and the live
// run gauge. tags alternate keys and values.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer starts the spans that mirror runs.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
}

// Span is the span of one run. Milestones become span events and failed runs
// record their error.
//
//	ctx, span := tracer.Start(ctx, r.Name, trace.WithTimestamp(r.StartTime))
//	span.AddEvent("new_token", "token", tok)
//	span.End(trace.WithTimestamp(*r.EndTime))
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}
