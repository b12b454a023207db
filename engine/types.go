package engine

import (
	"context"
	"time"

	"goa.design/durable/retry"
	"goa.design/durable/store"
)

type (
	// WorkflowFunc is a workflow body. It must be deterministic with
	// respect to its input and the Context's recorded history: all side
	// effects go through ctx, and the same history prefix must always
	// produce the same sequence of ctx calls.
	WorkflowFunc func(ctx *Context, input map[string]any) (any, error)

	// ActivityFunc is an activity body. It runs outside the workflow's
	// replay budget, may block and perform arbitrary I/O, and reports
	// liveness through Heartbeat when registered with a heartbeat timeout.
	ActivityFunc func(ctx context.Context, args []any) (any, error)

	// QueryFunc is a read-only query handler. It runs synchronously
	// against a consistent snapshot and must not mutate state.
	QueryFunc func(q QueryInfo, payload any) (any, error)

	// QueryInfo is the read-only snapshot handed to query handlers.
	QueryInfo struct {
		Execution store.Execution
		Events    []store.Event
	}

	// WorkflowOptions configures a registered workflow.
	WorkflowOptions struct {
		// Timeout bounds total execution time from start. Zero means none.
		Timeout time.Duration
	}

	// ActivityOptions configures a registered activity.
	ActivityOptions struct {
		// Timeout is the schedule-to-close deadline, measured from enqueue
		// to terminal event. Zero means none.
		Timeout time.Duration
		// HeartbeatTimeout bounds the gap between heartbeats while the
		// activity runs. Zero disables heartbeat monitoring.
		HeartbeatTimeout time.Duration
		// Retry controls rescheduling after failures and timeouts. The
		// zero value is replaced with retry.Default at registration.
		Retry retry.Policy
	}

	// Registry resolves names to implementations. The engine depends on
	// this interface only; the registry package provides the process-wide
	// implementation.
	Registry interface {
		// Workflow returns the registered workflow or a NOT_REGISTERED error.
		Workflow(name string) (WorkflowFunc, WorkflowOptions, error)
		// Activity returns the registered activity or a NOT_REGISTERED error.
		Activity(name string) (ActivityFunc, ActivityOptions, error)
		// Query returns the registered query handler or a NOT_REGISTERED error.
		Query(workflow, name string) (QueryFunc, error)
	}
)

// HeartbeatFunc records activity liveness and optional progress details.
type HeartbeatFunc func(ctx context.Context, details map[string]any) error

type heartbeatKey struct{}

// WithHeartbeat returns a context carrying the heartbeat recorder. The
// worker attaches one before invoking an activity body.
func WithHeartbeat(ctx context.Context, fn HeartbeatFunc) context.Context {
	return context.WithValue(ctx, heartbeatKey{}, fn)
}

// Heartbeat records a heartbeat for the running activity. It is a no-op
// when the context does not originate from a worker dispatch, so activity
// code stays testable with a plain context.
func Heartbeat(ctx context.Context, details map[string]any) error {
	fn, ok := ctx.Value(heartbeatKey{}).(HeartbeatFunc)
	if !ok {
		return nil
	}
	return fn(ctx, details)
}
