package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type taskKeyKey struct{}
type taskIDKey struct{}
type ownerKey struct{}
type spawnDepthKey struct{}
type stepKey struct{}

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

// WithTaskKey attaches the external task key of the running loop.
func WithTaskKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, taskKeyKey{}, key)
}

// TaskKey extracts the task key from context. Returns "" if absent.
func TaskKey(ctx context.Context) string {
	if v, ok := ctx.Value(taskKeyKey{}).(string); ok {
		return v
	}
	return ""
}

// WithTaskID attaches a task_id to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts task_id from context. Returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithOwner attaches the tenant/user that owns the running task.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// Owner extracts the owner from context. Returns "" if absent.
func Owner(ctx context.Context) string {
	if v, ok := ctx.Value(ownerKey{}).(string); ok {
		return v
	}
	return ""
}

// WithSpawnDepth attaches the nesting depth of the running task.
func WithSpawnDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, spawnDepthKey{}, depth)
}

// SpawnDepth extracts the nesting depth (0 if absent).
func SpawnDepth(ctx context.Context) int {
	if v, ok := ctx.Value(spawnDepthKey{}).(int); ok {
		return v
	}
	return 0
}

// WithStep attaches the loop step a tool call belongs to.
func WithStep(ctx context.Context, step int) context.Context {
	return context.WithValue(ctx, stepKey{}, step)
}

// Step extracts the loop step (0 if absent).
func Step(ctx context.Context) int {
	if v, ok := ctx.Value(stepKey{}).(int); ok {
		return v
	}
	return 0
}

// NewTaskKey generates a stable external key for a new task.
func NewTaskKey() string {
	return "task-" + uuid.NewString()
}
