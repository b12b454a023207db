// Package durable provides durable execution of long-running workflows on
// top of a relational database. A workflow is an ordinary Go function that
// performs side effects exclusively through its engine.Context; if the host
// process crashes between any two steps, the workflow resumes from the next
// unfinished step with no duplicated side effects, by replaying the body
// against its append-only event history.
//
// The Client is the public entry point: start workflows, wait for results,
// deliver signals, cancel executions and run read-only queries. Workers
// (package worker) drive executions to completion; any number of workers
// may share one store.
package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"goa.design/durable/engine"
	"goa.design/durable/store"
)

// StatusQuery is the built-in query name answered for every workflow.
const StatusQuery = "status"

type (
	// Client exposes the engine's public operations over a store and a
	// registry. It is safe for concurrent use.
	Client struct {
		store store.Store
		reg   engine.Registry
		poll  time.Duration
	}

	// ClientOption customizes a Client.
	ClientOption func(*Client)

	// StartOption customizes a workflow start.
	StartOption func(*startOptions)

	// CancelOption customizes a cancellation.
	CancelOption func(*cancelOptions)

	// WorkflowFailure is returned by WaitWorkflow for non-completed
	// terminal executions. The full detail object is available through
	// the built-in status query.
	WorkflowFailure struct {
		// Kind is the engine taxonomy code (CANCELED, WORKFLOW_TIMED_OUT,
		// ACTIVITY_FAILED, NONDETERMINISM, ...).
		Kind string
		// Message is the human-readable description.
		Message string
	}

	startOptions struct {
		timeout time.Duration
	}

	cancelOptions struct {
		keepQueued bool
	}
)

// Error implements the error interface.
func (f *WorkflowFailure) Error() string {
	return fmt.Sprintf("workflow failed: %s: %s", f.Kind, f.Message)
}

// WithPollInterval overrides the WaitWorkflow polling interval.
func WithPollInterval(d time.Duration) ClientOption {
	return func(c *Client) { c.poll = d }
}

// WithTimeout bounds the execution's total run time, overriding the
// workflow's registered timeout.
func WithTimeout(d time.Duration) StartOption {
	return func(o *startOptions) { o.timeout = d }
}

// KeepQueuedActivities leaves QUEUED activity tasks in place on cancel
// instead of canceling them.
func KeepQueuedActivities() CancelOption {
	return func(o *cancelOptions) { o.keepQueued = true }
}

// NewClient returns a client over the given store and registry.
func NewClient(st store.Store, reg engine.Registry, opts ...ClientOption) *Client {
	c := &Client{store: st, reg: reg, poll: 100 * time.Millisecond}
	for _, o := range opts {
		o(c)
	}
	return c
}

// StartWorkflow creates a PENDING execution with its WORKFLOW_STARTED
// event and returns the execution ID. The workflow name must be registered
// and the input must round-trip through JSON; both fail before any state
// is written.
func (c *Client) StartWorkflow(ctx context.Context, name string, input map[string]any, opts ...StartOption) (uuid.UUID, error) {
	var so startOptions
	for _, o := range opts {
		o(&so)
	}
	_, wopts, err := c.reg.Workflow(name)
	if err != nil {
		return uuid.Nil, err
	}
	if _, err := engine.NormalizePayload(input); err != nil {
		return uuid.Nil, err
	}
	timeout := so.timeout
	if timeout == 0 {
		timeout = wopts.Timeout
	}
	exec, err := c.store.CreateExecution(ctx, name, input, store.ExecutionOptions{Timeout: timeout})
	if err != nil {
		return uuid.Nil, fmt.Errorf("start workflow %q: %w", name, err)
	}
	log.Info(ctx, log.KV{K: "msg", V: "workflow started"},
		log.KV{K: "workflow", V: name},
		log.KV{K: "execution", V: exec.ID.String()})
	return exec.ID, nil
}

// RunWorkflow starts a workflow and waits for its result.
func (c *Client) RunWorkflow(ctx context.Context, name string, input map[string]any, opts ...StartOption) (any, error) {
	id, err := c.StartWorkflow(ctx, name, input, opts...)
	if err != nil {
		return nil, err
	}
	return c.WaitWorkflow(ctx, id)
}

// WaitWorkflow polls the execution until it reaches a terminal status and
// returns the recorded result, or a *WorkflowFailure for non-completed
// terminals. Bound the wait with the context.
func (c *Client) WaitWorkflow(ctx context.Context, id uuid.UUID) (any, error) {
	for {
		exec, _, err := c.store.Snapshot(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("wait workflow %s: %w", id, err)
		}
		if exec.Status.Terminal() {
			if exec.Status == store.StatusCompleted {
				return exec.Result, nil
			}
			f := &WorkflowFailure{Kind: string(engine.KindInternal), Message: string(exec.Status)}
			if exec.Error != nil {
				f.Kind = exec.Error.Kind
				f.Message = exec.Error.Message
			}
			return nil, f
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.poll):
		}
	}
}

// SignalWorkflow appends a SIGNAL_RECEIVED event and wakes the execution.
// Signals to terminal executions are silently dropped.
func (c *Client) SignalWorkflow(ctx context.Context, id uuid.UUID, name string, payload any) error {
	norm, err := engine.NormalizePayload(payload)
	if err != nil {
		return err
	}
	delivered, err := c.store.SignalExecution(ctx, id, name, norm)
	if err != nil {
		return fmt.Errorf("signal workflow %s: %w", id, err)
	}
	if !delivered {
		log.Debug(ctx, log.KV{K: "msg", V: "signal dropped, execution terminal"},
			log.KV{K: "execution", V: id.String()},
			log.KV{K: "signal", V: name})
	}
	return nil
}

// CancelWorkflow terminally cancels an execution and, recursively, its
// children. Queued activity tasks are canceled unless KeepQueuedActivities
// is given; running activities finish but their results drive no further
// steps. Idempotent on terminal executions.
func (c *Client) CancelWorkflow(ctx context.Context, id uuid.UUID, reason string, opts ...CancelOption) error {
	var co cancelOptions
	for _, o := range opts {
		o(&co)
	}
	_, err := engine.Cancel(ctx, c.store, id, reason, !co.keepQueued)
	return err
}

// QueryWorkflow runs a read-only query against a consistent snapshot of
// the execution. User-registered queries take precedence; the built-in
// status query answers for every workflow.
func (c *Client) QueryWorkflow(ctx context.Context, id uuid.UUID, name string, payload any) (any, error) {
	exec, events, err := c.store.Snapshot(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("query workflow %s: %w", id, err)
	}
	fn, lerr := c.reg.Query(exec.WorkflowName, name)
	if lerr != nil {
		if name == StatusQuery && engine.KindOf(lerr) == engine.KindNotRegistered {
			return c.status(ctx, exec)
		}
		return nil, lerr
	}
	return fn(engine.QueryInfo{Execution: exec, Events: events}, payload)
}

// status implements the built-in status query.
func (c *Client) status(ctx context.Context, exec store.Execution) (any, error) {
	tasks, err := c.store.Tasks(ctx, exec.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	pending := 0
	for _, t := range tasks {
		if !t.Status.Terminal() {
			pending++
		}
	}
	out := map[string]any{
		"id":                 exec.ID.String(),
		"workflow_name":      exec.WorkflowName,
		"status":             string(exec.Status),
		"result":             exec.Result,
		"error":              nil,
		"pending_activities": pending,
	}
	if exec.Error != nil {
		out["error"] = map[string]any{"kind": exec.Error.Kind, "message": exec.Error.Message}
	}
	return out, nil
}
