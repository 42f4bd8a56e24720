// Package telemetry defines the logging, metrics, and tracing surface every
// core component accepts at construction time instead of reaching for
// package-level loggers. NewNoopSet is the default that discards
// everything; NewClueLogger, NewClueMetrics, and NewClueTracer wire in
// goa.design/clue/log and go.opentelemetry.io/otel.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the runtime.
// Implementations are intentionally small so tests can provide lightweight
// stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter/timer/gauge helpers for runtime instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so runtime code stays agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Set bundles the three telemetry surfaces a component needs. Passing a
// zero-valued Set is invalid; use NewNoopSet for tests and defaults.
type Set struct {
	Logger  Logger
	Metrics Metrics
	Tracer  Tracer
}

// NewNoopSet returns a Set whose members discard everything.
func NewNoopSet() Set {
	return Set{Logger: NewNoopLogger(), Metrics: NewNoopMetrics(), Tracer: NewNoopTracer()}
}
