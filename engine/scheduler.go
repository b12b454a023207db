package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"goa.design/durable/store"
)

// Scheduler advances runnable executions one step at a time. A step replays
// the workflow body against a history snapshot, buffers every new write in
// memory and commits the whole batch in a single store transaction, so DB
// locks are held for the commit only, never across the body's execution.
type Scheduler struct {
	store store.Store
	reg   Registry
}

// NewScheduler returns a scheduler driving executions in the given store
// with the given registry.
func NewScheduler(st store.Store, reg Registry) *Scheduler {
	return &Scheduler{store: st, reg: reg}
}

// stepRetries bounds re-steps after commit conflicts with concurrent
// appends (signals, completions). A conflicting append always bumps the
// execution's wakeup, so giving up here just defers to the next tick.
const stepRetries = 3

// Step advances the execution by one replay step. Terminal executions are
// left untouched.
func (s *Scheduler) Step(ctx context.Context, executionID uuid.UUID) error {
	for range stepRetries {
		err := s.step(ctx, executionID)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		return err
	}
	return nil
}

func (s *Scheduler) step(ctx context.Context, executionID uuid.UUID) error {
	exec, events, err := s.store.Snapshot(ctx, executionID)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", executionID, err)
	}
	if exec.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()

	fn, _, err := s.reg.Workflow(exec.WorkflowName)
	if err != nil {
		var e *Error
		if !errors.As(err, &e) {
			e = Errorf(KindNotRegistered, "workflow %q is not registered", exec.WorkflowName)
		}
		return s.commit(ctx, s.failureCommit(exec, len(events), nil, e))
	}

	c := newContext(exec, events, s.reg, now)
	result, ferr, paused := invoke(fn, c, exec.Input)

	var commit store.StepCommit
	switch {
	case paused:
		commit = store.StepCommit{
			ExecutionID:  exec.ID,
			BasePos:      len(events),
			Events:       c.pendingEvents,
			Tasks:        c.pendingTasks,
			Children:     c.pendingChildren,
			Status:       store.StatusPending,
			NextWakeupAt: earliest(c.wakeups),
		}
		log.Debug(ctx, log.KV{K: "msg", V: "workflow yielded"},
			log.KV{K: "execution", V: exec.ID.String()},
			log.KV{K: "events", V: len(c.pendingEvents)},
			log.KV{K: "tasks", V: len(c.pendingTasks)})
	case ferr != nil:
		pending := c.pendingEvents
		if ferr.Kind == KindNondeterminism {
			// Diverged decisions must not enter history.
			pending = nil
		}
		commit = s.failureCommit(exec, len(events), pending, ferr)
		log.Error(ctx, ferr, log.KV{K: "msg", V: "workflow failed"},
			log.KV{K: "execution", V: exec.ID.String()},
			log.KV{K: "kind", V: string(ferr.Kind)})
	default:
		commit = store.StepCommit{
			ExecutionID: exec.ID,
			BasePos:     len(events),
			Events: append(c.pendingEvents, store.NewEvent{
				Kind:    store.KindWorkflowCompleted,
				Payload: map[string]any{"result": result},
			}),
			Children: c.pendingChildren,
			Status:   store.StatusCompleted,
			Result:   result,
			Parent: notice(exec, store.KindChildCompleted, map[string]any{
				"result": result,
			}),
		}
		log.Debug(ctx, log.KV{K: "msg", V: "workflow completed"},
			log.KV{K: "execution", V: exec.ID.String()})
	}
	return s.commit(ctx, commit)
}

func (s *Scheduler) commit(ctx context.Context, commit store.StepCommit) error {
	if err := s.store.StepCommit(ctx, commit); err != nil {
		return fmt.Errorf("step commit %s: %w", commit.ExecutionID, err)
	}
	return nil
}

// failureCommit builds the terminal FAILED commit, keeping any pending
// decision events and notifying the parent when one exists.
func (s *Scheduler) failureCommit(exec store.Execution, basePos int, pending []store.NewEvent, e *Error) store.StepCommit {
	failure := e.Failure()
	return store.StepCommit{
		ExecutionID: exec.ID,
		BasePos:     basePos,
		Events: append(pending, store.NewEvent{
			Kind:    store.KindWorkflowFailed,
			Payload: map[string]any{"error": errorPayload(e)},
		}),
		Status: store.StatusFailed,
		Error:  &failure,
		Parent: notice(exec, store.KindChildFailed, map[string]any{
			"error": errorPayload(e),
		}),
	}
}

// invoke runs the workflow body, converting engine panics back into
// outcomes. Pause markers mean the body yielded; terminal failures and
// user panics become structured errors; a normal return is normalized
// through the JSON boundary.
func invoke(fn WorkflowFunc, c *Context, input map[string]any) (result any, ferr *Error, paused bool) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case pauseMarker:
				paused = true
			case terminalFailure:
				ferr = v.err
			default:
				ferr = Errorf(KindInternal, "workflow panic: %v", v)
			}
		}
	}()
	res, err := fn(c, input)
	if err != nil {
		var e *Error
		if !errors.As(err, &e) {
			e = Errorf(KindInternal, "%v", err)
		}
		return nil, e, false
	}
	norm, err := normalize(res)
	if err != nil {
		var e *Error
		errors.As(err, &e)
		return nil, e, false
	}
	return norm, nil, false
}

// notice builds the parent notification for a terminal outcome, or nil for
// top-level executions. The scheduled_pos back-reference lets the parent's
// WaitChild pair the event with its CHILD_SCHEDULED decision.
func notice(exec store.Execution, kind store.EventKind, payload map[string]any) *store.ParentNotice {
	if exec.ParentID == nil {
		return nil
	}
	p := map[string]any{
		"child_id":      exec.ID.String(),
		"scheduled_pos": exec.ParentHandle,
	}
	for k, v := range payload {
		p[k] = v
	}
	return &store.ParentNotice{ParentID: *exec.ParentID, Kind: kind, Payload: p}
}

func earliest(times []time.Time) *time.Time {
	if len(times) == 0 {
		return nil
	}
	min := times[0]
	for _, t := range times[1:] {
		if t.Before(min) {
			min = t
		}
	}
	return &min
}
