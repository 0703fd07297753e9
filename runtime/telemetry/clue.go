package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

type (
	// ClueLogger logs through goa.design/clue/log. Format and debug level
	// come from the context (log.Context, log.WithFormat, log.WithDebug).
	ClueLogger struct{}

	// ClueMetrics records metrics with an OTEL meter. Instruments are created
	// on first use and reused.
	ClueMetrics struct {
		meter metric.Meter

		mu         sync.Mutex
		counters   map[string]metric.Float64Counter
		histograms map[string]metric.Float64Histogram
		gauges     map[string]metric.Float64Gauge
	}

	// ClueTracer starts OTEL spans.
	ClueTracer struct {
		tracer trace.Tracer
	}

	otelSpan struct {
		span trace.Span
	}
)

// NewClueLogger returns the production Logger.
func NewClueLogger() Logger {
	return ClueLogger{}
}

// NewClueMetrics returns a Metrics recorder backed by the global OTEL
// MeterProvider.
func NewClueMetrics() Metrics {
	return NewMetrics(otel.GetMeterProvider())
}

// NewMetrics returns a Metrics recorder backed by mp.
func NewMetrics(mp metric.MeterProvider) Metrics {
	return &ClueMetrics{
		meter:      mp.Meter(InstrumentationName),
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Float64Gauge),
	}
}

// NewClueTracer returns a Tracer backed by the global OTEL TracerProvider.
func NewClueTracer() Tracer {
	return NewTracer(otel.GetTracerProvider())
}

// NewTracer returns a Tracer backed by tp.
func NewTracer(tp trace.TracerProvider) Tracer {
	return &ClueTracer{tracer: tp.Tracer(InstrumentationName)}
}

// Debug logs msg at debug level.
func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, fielders(msg, keyvals)...)
}

// Info logs msg at info level.
func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, fielders(msg, keyvals)...)
}

// Warn logs msg at warning level.
func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Warn(ctx, fielders(msg, keyvals)...)
}

// Error logs msg at error level. The value of an "err" key that holds an
// error is handed to Clue as the logged error.
func (ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	var err error
	rest := keyvals[:0:0]
	for i := 0; i < len(keyvals); i += 2 {
		if i+1 < len(keyvals) && keyvals[i] == "err" {
			if e, ok := keyvals[i+1].(error); ok {
				err = e
				continue
			}
		}
		rest = append(rest, keyvals[i:min(i+2, len(keyvals))]...)
	}
	log.Error(ctx, err, fielders(msg, rest)...)
}

// IncCounter adds value to the named counter.
func (m *ClueMetrics) IncCounter(name string, value float64, tags ...string) {
	c, err := instrument(m, m.counters, name, m.meter.Float64Counter)
	if err != nil {
		return
	}
	c.Add(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

// RecordTimer records duration in seconds on the named histogram.
func (m *ClueMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	h, err := instrument(m, m.histograms, name, m.meter.Float64Histogram)
	if err != nil {
		return
	}
	h.Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagAttrs(tags)...))
}

// RecordGauge sets the named gauge.
func (m *ClueMetrics) RecordGauge(name string, value float64, tags ...string) {
	g, err := instrument(m, m.gauges, name, m.meter.Float64Gauge)
	if err != nil {
		return
	}
	g.Record(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

// instrument returns the cached instrument called name, creating it with
// create on first use.
func instrument[I any, O any](m *ClueMetrics, cache map[string]I, name string, create func(string, ...O) (I, error)) (I, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := cache[name]; ok {
		return i, nil
	}
	i, err := create(name)
	if err != nil {
		return i, err
	}
	cache[name] = i
	return i, nil
}

// Start starts a span named name.
func (t *ClueTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name, opts...)
	return ctx, otelSpan{span: span}
}

func (s otelSpan) End(opts ...trace.SpanEndOption) { s.span.End(opts...) }

func (s otelSpan) AddEvent(name string, attrs ...any) {
	s.span.AddEvent(name, trace.WithAttributes(spanAttrs(attrs)...))
}

func (s otelSpan) SetStatus(code codes.Code, description string) { s.span.SetStatus(code, description) }

func (s otelSpan) RecordError(err error, opts ...trace.EventOption) { s.span.RecordError(err, opts...) }

// fielders turns msg and alternating keyvals into Clue fields. Entries with a
// non-string key are dropped; a dangling key logs a nil value.
func fielders(msg string, keyvals []any) []log.Fielder {
	fs := make([]log.Fielder, 1, 1+len(keyvals)/2)
	fs[0] = log.KV{K: "msg", V: msg}
	for i := 0; i < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		kv := log.KV{K: k}
		if i+1 < len(keyvals) {
			kv.V = keyvals[i+1]
		}
		fs = append(fs, kv)
	}
	return fs
}

func tagAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, (len(tags)+1)/2)
	for i := 0; i < len(tags); i += 2 {
		var v string
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		attrs = append(attrs, attribute.String(tags[i], v))
	}
	return attrs
}

// spanAttrs turns alternating keyvals into span attributes. Values without a
// native attribute type are formatted with fmt.Sprint.
func spanAttrs(keyvals []any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, (len(keyvals)+1)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		attrs = append(attrs, spanAttr(k, keyvals[i+1]))
	}
	return attrs
}

func spanAttr(k string, v any) attribute.KeyValue {
	switch v := v.(type) {
	case string:
		return attribute.String(k, v)
	case bool:
		return attribute.Bool(k, v)
	case int:
		return attribute.Int(k, v)
	case int64:
		return attribute.Int64(k, v)
	case float64:
		return attribute.Float64(k, v)
	case []string:
		return attribute.StringSlice(k, v)
	default:
		return attribute.String(k, fmt.Sprint(v))
	}
}
