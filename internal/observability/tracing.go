package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// NewTracer returns a tracer for the named component. Span export wiring is
// the host's concern; without a configured provider the global tracer is a
// no-op and spans cost nothing.
func NewTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartRequestSpan opens the root span for one request.
func StartRequestSpan(ctx context.Context, tracer trace.Tracer, trigger, threadID, sessionID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "strand.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("strand.trigger", trigger),
			attribute.String("strand.thread_id", threadID),
			attribute.String("strand.session_id", sessionID),
		),
	)
}

// RecordSpanError records err on span and marks the span failed.
func RecordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
