package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// The remaining keys propagate run/request/task/subtask/user/agent
// identity through every call boundary (handler -> service -> store ->
// HTTP client). Each follows the same get/set/generate shape as TraceID
// above rather than a grab-bag map, so callers get compile-time checked
// accessors instead of stringly-typed lookups.

type runKey struct{}
type requestKey struct{}
type taskKey struct{}
type subtaskKey struct{}
type userKey struct{}
type agentKey struct{}

// WithRunID attaches a run_id (one execution attempt of a task) to ctx.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runKey{}, runID)
}

// RunID extracts run_id from ctx. Returns "-" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewRunID generates a new run_id.
func NewRunID() string { return uuid.NewString() }

// WithRequestID attaches the per-WS-event request_id to ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestKey{}, requestID)
}

// RequestID extracts request_id from ctx. Returns "-" if absent.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// WithTaskID attaches a task_id to ctx.
func WithTaskID(ctx context.Context, taskID int64) context.Context {
	return context.WithValue(ctx, taskKey{}, taskID)
}

// TaskID extracts task_id from ctx. Returns 0 if absent.
func TaskID(ctx context.Context) int64 {
	if v, ok := ctx.Value(taskKey{}).(int64); ok {
		return v
	}
	return 0
}

// WithSubtaskID attaches a subtask_id to ctx.
func WithSubtaskID(ctx context.Context, subtaskID int64) context.Context {
	return context.WithValue(ctx, subtaskKey{}, subtaskID)
}

// SubtaskID extracts subtask_id from ctx. Returns 0 if absent.
func SubtaskID(ctx context.Context) int64 {
	if v, ok := ctx.Value(subtaskKey{}).(int64); ok {
		return v
	}
	return 0
}

// WithUserID attaches the acting user_id to ctx.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserID extracts user_id from ctx. Returns 0 if absent.
func UserID(ctx context.Context) int64 {
	if v, ok := ctx.Value(userKey{}).(int64); ok {
		return v
	}
	return 0
}

// WithAgentID attaches a bot/agent identifier to ctx, used by tool
// calls to scope idempotency keys and logging.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentKey{}, agentID)
}

// AgentID extracts agent_id from ctx. Returns "" if absent.
func AgentID(ctx context.Context) string {
	if v, ok := ctx.Value(agentKey{}).(string); ok {
		return v
	}
	return ""
}
