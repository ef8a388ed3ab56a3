package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const commandTracerName = "cmdq-coordinator"

func commandTracer() trace.Tracer {
	return Tracer(commandTracerName)
}

// TraceCommandExecute starts the span covering one command from admission to
// its terminal state.
func TraceCommandExecute(ctx context.Context, commandID, kind, priority string) (context.Context, trace.Span) {
	ctx, span := commandTracer().Start(ctx, "command.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("command_id", commandID),
		attribute.String("kind", kind),
		attribute.String("priority", priority),
	)
	return ctx, span
}

// TraceCommandEvent records a lifecycle step (queued, started, preempted) on
// the command span.
func TraceCommandEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// TraceCommandResult records the terminal state and ends the span.
func TraceCommandResult(span trace.Span, state string, exitCode int, errMsg string) {
	span.SetAttributes(
		attribute.String("state", state),
		attribute.Int("exit_code", exitCode),
	)
	switch state {
	case "failed", "error":
		span.SetStatus(codes.Error, errMsg)
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
