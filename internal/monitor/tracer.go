package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "script-harness"

// Tracer wraps OpenTelemetry tracing for the harness.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("harness.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for harness tracing.
var (
	AttrExecID     = attribute.Key("harness.execution.id")
	AttrProjectID  = attribute.Key("harness.project_id")
	AttrVersionID  = attribute.Key("harness.version_id")
	AttrStatus     = attribute.Key("harness.status")
	AttrReason     = attribute.Key("harness.reason")
	AttrAPICalls   = attribute.Key("harness.api_calls")
	AttrDurationMS = attribute.Key("harness.duration_ms")
	AttrOperation  = attribute.Key("platform.operation")
	AttrCollection = attribute.Key("platform.collection")
)
