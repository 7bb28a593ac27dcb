package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cloud-shuttle/rigs/pkg/types"
)

// tracer is the global tracer for Rigs
var tracer = otel.Tracer("rigs")

// Span names for Rigs operations
const (
	// Foreman spans
	SpanForemanCycle   = "rigs.foreman.cycle"
	SpanForemanRecover = "rigs.foreman.recover"

	// Bead spans
	SpanBeadDispatch = "rigs.bead.dispatch"
	SpanBeadExecute  = "rigs.bead.execute"
	SpanBeadSettle   = "rigs.bead.settle"

	// Goal spans
	SpanGoalPlan        = "rigs.goal.plan"
	SpanGoalMaterialize = "rigs.goal.materialize"
)

// StartCycleSpan starts a span for one scheduler cycle
func StartCycleSpan(ctx context.Context) (context.Context, trace.Span) {
	return tracer.Start(ctx, SpanForemanCycle)
}

// StartBeadSpan starts a span for a bead operation with bead attributes
func StartBeadSpan(ctx context.Context, name string, b *types.Bead, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(BeadAttrs(b), attrs...)
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartSpan starts a span with the given attributes
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError records an error on a span with its classified kind and category
func RecordError(span trace.Span, err error, errorCategory string) {
	if err == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("exception.message", err.Error()),
		attribute.String(KeyErrorKind, string(types.KindOf(err))),
	}
	if errorCategory != "" {
		attrs = append(attrs, attribute.String(KeyErrorCategory, errorCategory))
	}

	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}

// RecordErrorWithStatus records an error, or marks the span Ok when err is nil
func RecordErrorWithStatus(span trace.Span, err error, errorCategory string) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	RecordError(span, err, errorCategory)
}

// SetBeadStatus sets the bead status as a span attribute
func SetBeadStatus(span trace.Span, status types.BeadStatus) {
	span.SetAttributes(attribute.String(KeyBeadStatus, string(status)))
}

// SetProvider sets the provider the bead was routed to
func SetProvider(span trace.Span, p types.Provider) {
	span.SetAttributes(attribute.String(KeyProvider, string(p)))
}

// GetTraceID returns the trace ID from context if available
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
