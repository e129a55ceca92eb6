// Package telemetry provides the correlation ID generator and the
// thin Tracer interface the request path touches. SDK wiring (which
// exporter, which TracerProvider) lives in cmd/shadowgate/main.go;
// this package only depends on the otel API, never the exporter
// packages themselves, so the exporter choice stays swappable.
package telemetry

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// NewCorrelationID mints a fresh random identifier for one incoming
// POST /v1/messages request. It's attached
// to the response as x-shadow-request-id and to every log/span line
// for the request's lifetime.
func NewCorrelationID() string {
	return uuid.New().String()
}

// Span wraps an otel trace.Span with the handful of operations the
// request path needs, so callers never import go.opentelemetry.io/otel
// directly.
type Span struct {
	span    trace.Span
	enabled func() bool
}

// End closes the span.
func (s *Span) End() {
	if s == nil || s.span == nil {
		return
	}
	s.span.End()
}

// RecordError attaches err to the span and marks it failed. A nil err
// is a no-op.
func (s *Span) RecordError(err error) {
	if s == nil || s.span == nil || err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// SetAttributes attaches key/value pairs to the span, but only when
// tracing is enabled — payload-shaped attributes (model names,
// token counts) are suppressed entirely rather than recorded-but-
// hidden when tracing is off.
func (s *Span) SetAttributes(attrs ...attribute.KeyValue) {
	if s == nil || s.span == nil {
		return
	}
	if s.enabled != nil && !s.enabled() {
		return
	}
	s.span.SetAttributes(attrs...)
}

// Tracer starts request-scoped spans. It's an interface so tests can
// substitute a no-op implementation without spinning up an SDK.
type Tracer interface {
	// StartRequestSpan begins a span for one inbound request, tagged
	// with the correlation ID and route name.
	StartRequestSpan(ctx context.Context, route, correlationID string) (context.Context, *Span)
}

// tracingFlag reports whether payload attributes should be attached to
// spans. It's satisfied by *mode.Tracing without this package
// importing internal/mode, avoiding an import cycle risk and keeping
// telemetry's only dependency the otel API.
type tracingFlag interface {
	Enabled() bool
}

// otelTracer is the production Tracer backed by a real otel
// trace.Tracer, constructed once in main.go around whatever
// TracerProvider was wired there (stdout, OTLP, or otel's default
// no-op if tracing was never configured).
type otelTracer struct {
	tracer  trace.Tracer
	tracing tracingFlag
}

// NewTracer builds a Tracer around tracer, consulting tracing.Enabled()
// to decide whether to attach payload attributes to spans.
func NewTracer(tracer trace.Tracer, tracing tracingFlag) Tracer {
	return &otelTracer{tracer: tracer, tracing: tracing}
}

func (t *otelTracer) StartRequestSpan(ctx context.Context, route, correlationID string) (context.Context, *Span) {
	ctx, span := t.tracer.Start(ctx, route, trace.WithAttributes(
		attribute.String("correlation_id", correlationID),
	))
	enabled := func() bool { return true }
	if t.tracing != nil {
		enabled = t.tracing.Enabled
	}
	return ctx, &Span{span: span, enabled: enabled}
}
