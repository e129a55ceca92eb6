package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestNewCorrelationID_ReturnsDistinctValues(t *testing.T) {
	a := NewCorrelationID()
	b := NewCorrelationID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

type staticFlag struct{ enabled bool }

func (f staticFlag) Enabled() bool { return f.enabled }

func TestStartRequestSpan_AttributesSuppressedWhenTracingDisabled(t *testing.T) {
	tracer := NewTracer(noop.NewTracerProvider().Tracer("test"), staticFlag{enabled: false})

	_, span := tracer.StartRequestSpan(context.Background(), "POST /v1/messages", "req-1")
	assert.NotPanics(t, func() {
		span.SetAttributes(attribute.String("model", "claude-3"))
		span.RecordError(nil)
		span.End()
	})
}

func TestStartRequestSpan_NilTracingFlagDefaultsEnabled(t *testing.T) {
	tracer := NewTracer(noop.NewTracerProvider().Tracer("test"), nil)

	_, span := tracer.StartRequestSpan(context.Background(), "POST /v1/messages", "req-2")
	assert.NotPanics(t, func() {
		span.SetAttributes(attribute.String("model", "claude-3"))
		span.End()
	})
}

func TestSpan_NilReceiverIsSafe(t *testing.T) {
	var span *Span
	assert.NotPanics(t, func() {
		span.End()
		span.RecordError(nil)
		span.SetAttributes(attribute.String("k", "v"))
	})
}
