package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "engram"

// StartSearchSpan starts a span for a fan-out memory search.
func StartSearchSpan(ctx context.Context, query string, limit int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "memory.search",
		trace.WithAttributes(
			attribute.Int("search.query_len", len(query)),
			attribute.Int("search.limit", limit),
		),
	)
}

// StartCompactionSpan starts a span for a context compaction pass.
func StartCompactionSpan(ctx context.Context, inputLen int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "context.compact",
		trace.WithAttributes(
			attribute.Int("compact.input_len", inputLen),
		),
	)
}

// StartAgentRunSpan starts a span for one agent loop run.
func StartAgentRunSpan(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "agent.run",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
		),
	)
}
