package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/voxloop"

type turnIDKey struct{}

// Tracer returns the voxloop tracer of the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name as a child of any span in ctx.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartTurn starts the root span of one conversation turn and stores turnID
// in the returned context so that [Logger] includes it.
func StartTurn(ctx context.Context, turnID string) (context.Context, trace.Span) {
	ctx = context.WithValue(ctx, turnIDKey{}, turnID)
	return StartSpan(ctx, "turn",
		trace.WithNewRoot(),
		trace.WithAttributes(attribute.String("voxloop.turn_id", turnID)),
	)
}

// TurnID returns the turn ID stored by [StartTurn], or "".
func TurnID(ctx context.Context) string {
	id, _ := ctx.Value(turnIDKey{}).(string)
	return id
}

// CorrelationID is the hex trace ID of the span in ctx, or "" without one.
// It is echoed as X-Correlation-ID and logged as trace_id.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger is the default logger tagged with the trace_id, span_id and
// turn_id found in ctx.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if id := TurnID(ctx); id != "" {
		attrs = append(attrs, slog.String("turn_id", id))
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
