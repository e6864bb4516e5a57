package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for GoClaw spans.
var (
	AttrUserID       = attribute.Key("goclaw.user.id")
	AttrTaskID       = attribute.Key("goclaw.task.id")
	AttrSubtaskID    = attribute.Key("goclaw.subtask.id")
	AttrMessageID    = attribute.Key("goclaw.message.id")
	AttrEvent        = attribute.Key("goclaw.event")
	AttrShellType    = attribute.Key("goclaw.shell.type")
	AttrDispatchUnit = attribute.Key("goclaw.dispatch.unit")
	AttrToolName     = attribute.Key("goclaw.tool.name")
	AttrModel        = attribute.Key("goclaw.llm.model")
	AttrMCPServer    = attribute.Key("goclaw.mcp.server")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, MCP, executor).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
