package engine

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"goa.design/durable/store"
)

// Context is the only legal side-effect surface inside a workflow body.
//
// Every deterministic operation follows the same two-phase protocol. Replay
// phase: when the next decision event in history matches the expected kind,
// consume it and return the recorded outcome (or re-raise the recorded
// error) instead of re-performing the side effect. Record phase: append the
// schedule event to the pending writes, register the side effect (task,
// timer, child execution) and, for waiting operations, unwind the workflow
// body back to the scheduler so the pending batch commits atomically.
//
// Unwinding uses panics recovered by the scheduler, never surfaced to user
// code: workflow bodies must not recover engine panics. A Context is bound
// to a single step of a single execution and must not be shared across
// goroutines.
type Context struct {
	execution store.Execution
	events    []store.Event
	reg       Registry
	now       time.Time

	// cursor indexes the next unconsumed event; decision consumption
	// advances it past interleaved resolution and signal events.
	cursor  int
	nextPos int

	pendingEvents   []store.NewEvent
	pendingTasks    []store.NewTask
	pendingChildren []store.NewChild

	// usedSignals tracks SIGNAL_RECEIVED positions consumed by earlier
	// waits within this replay so each signal resolves at most one wait.
	usedSignals map[int]bool

	// wakeups collects candidate next-wakeup times for pending work.
	wakeups []time.Time
}

// pauseMarker unwinds the body when a step has no recorded result yet.
type pauseMarker struct{}

// terminalFailure unwinds the body into a terminal WORKFLOW_FAILED.
type terminalFailure struct{ err *Error }

// ChildOption customizes a child workflow start.
type ChildOption func(*childOptions)

type childOptions struct {
	timeout time.Duration
}

// WithChildTimeout bounds the child execution's total run time, overriding
// the child workflow's registered timeout.
func WithChildTimeout(d time.Duration) ChildOption {
	return func(o *childOptions) { o.timeout = d }
}

func newContext(exec store.Execution, events []store.Event, reg Registry, now time.Time) *Context {
	return &Context{
		execution:   exec,
		events:      events,
		reg:         reg,
		now:         now,
		nextPos:     len(events),
		usedSignals: make(map[int]bool),
	}
}

// ExecutionID returns the stable external handle of this execution.
func (c *Context) ExecutionID() uuid.UUID { return c.execution.ID }

// WorkflowName returns the registered name of the running workflow.
func (c *Context) WorkflowName() string { return c.execution.WorkflowName }

// RunActivity schedules the named activity and waits for its result. On
// replay the recorded result is returned without re-executing the activity.
// Failures past the retry budget surface as *Error with kind
// ACTIVITY_FAILED or ACTIVITY_TIMED_OUT.
func (c *Context) RunActivity(name string, args ...any) (any, error) {
	h, err := c.StartActivity(name, args...)
	if err != nil {
		return nil, err
	}
	return c.WaitActivity(h)
}

// StartActivity schedules the named activity without waiting and returns
// the pos of its schedule event as a stable handle for WaitActivity.
func (c *Context) StartActivity(name string, args ...any) (int, error) {
	if name == store.SleepActivity {
		return 0, Errorf(KindNotRegistered, "%s is reserved, use Sleep", store.SleepActivity)
	}
	if ev, ok := c.takeDecision(store.KindActivityScheduled); ok {
		c.verifyName(ev, name)
		return ev.Pos, nil
	}

	_, opts, err := c.reg.Activity(name)
	if err != nil {
		// A missing activity means the workflow and worker disagree on the
		// registry; fail the workflow rather than queue an unrunnable task.
		c.fail(err)
	}
	normArgs, err := normalizeArgs(args)
	if err != nil {
		return 0, err
	}
	pos := c.append(store.KindActivityScheduled, map[string]any{
		"name":   name,
		"args":   normArgs,
		"kwargs": map[string]any{},
	})
	var expires *time.Time
	if opts.Timeout > 0 {
		t := c.now.Add(opts.Timeout)
		expires = &t
	}
	c.pendingTasks = append(c.pendingTasks, store.NewTask{
		Name:             name,
		Args:             normArgs,
		AfterTime:        c.now,
		ExpiresAt:        expires,
		HeartbeatTimeout: opts.HeartbeatTimeout,
		Retry:            opts.Retry,
		ScheduledPos:     pos,
	})
	c.wakeups = append(c.wakeups, c.now)
	return pos, nil
}

// WaitActivity blocks until the activity identified by handle reaches a
// terminal event, yielding to the scheduler when it has not yet.
func (c *Context) WaitActivity(handle int) (any, error) {
	ev, ok := c.resolution(handle)
	if !ok {
		c.pause()
	}
	switch ev.Kind {
	case store.KindActivityCompleted:
		return ev.Payload["result"], nil
	case store.KindActivityFailed:
		return nil, failureError(ev.Payload["error"])
	case store.KindActivityTimedOut:
		return nil, failureError(ev.Payload["error"])
	}
	c.fail(Errorf(KindNondeterminism, "event %s is not an activity resolution for handle %d", ev.Kind, handle))
	return nil, nil // unreachable
}

// Sleep parks the workflow on a durable timer. The timer survives process
// crashes: on replay a fired timer returns immediately.
func (c *Context) Sleep(d time.Duration) {
	if ev, ok := c.takeDecision(store.KindTimerScheduled); ok {
		if _, fired := c.resolution(ev.Pos); fired {
			return
		}
		c.pause()
	}
	if d < 0 {
		d = 0
	}
	fireAt := c.now.Add(d)
	pos := c.append(store.KindTimerScheduled, map[string]any{
		"seconds": d.Seconds(),
		"fire_at": fireAt.Format(time.RFC3339Nano),
	})
	c.pendingTasks = append(c.pendingTasks, store.NewTask{
		Name:         store.SleepActivity,
		Args:         []any{d.Seconds()},
		AfterTime:    fireAt,
		ScheduledPos: pos,
	})
	c.wakeups = append(c.wakeups, fireAt)
	c.pause()
}

// WaitSignal blocks until a signal with the given name is delivered and
// returns its payload. Signals delivered before the wait was recorded are
// buffered in history and consumed oldest first; each signal resolves at
// most one wait.
func (c *Context) WaitSignal(name string) (any, error) {
	if ev, ok := c.takeDecision(store.KindSignalWait); ok {
		c.verifyName(ev, name)
	} else {
		c.append(store.KindSignalWait, map[string]any{"name": name})
	}
	for _, se := range c.events {
		if se.Kind != store.KindSignalReceived || c.usedSignals[se.Pos] {
			continue
		}
		if n, _ := se.Payload["name"].(string); n != name {
			continue
		}
		c.usedSignals[se.Pos] = true
		return se.Payload["payload"], nil
	}
	// Parked with no wakeup candidate: only a signal can resume this wait.
	c.pause()
	return nil, nil // unreachable
}

// RunChild starts a child workflow and waits for its result.
func (c *Context) RunChild(workflow string, input map[string]any, opts ...ChildOption) (any, error) {
	h, err := c.StartChild(workflow, input, opts...)
	if err != nil {
		return nil, err
	}
	return c.WaitChild(h)
}

// StartChild schedules a child workflow execution without waiting and
// returns the pos of its CHILD_SCHEDULED event as a handle. The child is a
// full execution with its own history, linked back through parent_id.
func (c *Context) StartChild(workflow string, input map[string]any, opts ...ChildOption) (int, error) {
	if ev, ok := c.takeDecision(store.KindChildScheduled); ok {
		c.verifyName(ev, workflow)
		return ev.Pos, nil
	}

	var co childOptions
	for _, o := range opts {
		o(&co)
	}
	_, wopts, err := c.reg.Workflow(workflow)
	if err != nil {
		c.fail(err)
	}
	normInput, err := normalizeObject(input)
	if err != nil {
		return 0, err
	}
	childID := uuid.New()
	pos := c.append(store.KindChildScheduled, map[string]any{
		"name":     workflow,
		"input":    normInput,
		"child_id": childID.String(),
	})
	timeout := co.timeout
	if timeout == 0 {
		timeout = wopts.Timeout
	}
	var timeoutAt *time.Time
	if timeout > 0 {
		t := c.now.Add(timeout)
		timeoutAt = &t
	}
	c.pendingChildren = append(c.pendingChildren, store.NewChild{
		ID:           childID,
		WorkflowName: workflow,
		Input:        normInput,
		TimeoutAt:    timeoutAt,
		ParentHandle: pos,
	})
	return pos, nil
}

// WaitChild blocks until the child workflow identified by handle reaches a
// terminal event. Child failures, cancellations and timeouts surface as
// *Error carrying the child's failure kind.
func (c *Context) WaitChild(handle int) (any, error) {
	ev, ok := c.resolution(handle)
	if !ok {
		c.pause()
	}
	switch ev.Kind {
	case store.KindChildCompleted:
		return ev.Payload["result"], nil
	case store.KindChildFailed:
		return nil, failureError(ev.Payload["error"])
	}
	c.fail(Errorf(KindNondeterminism, "event %s is not a child resolution for handle %d", ev.Kind, handle))
	return nil, nil // unreachable
}

// GetVersion records the version the workflow code carried when this
// change point first executed, and returns that recorded version on every
// replay. Lets workflow code branch on its own evolution while keeping
// in-flight executions deterministic.
func (c *Context) GetVersion(changeID string, version int) int {
	if ev, ok := c.takeDecision(store.KindVersionMarker); ok {
		if id, _ := ev.Payload["change_id"].(string); id != changeID {
			c.fail(Errorf(KindNondeterminism, "version marker change_id %q does not match %q at pos %d", id, changeID, ev.Pos))
		}
		if v, ok := asInt(ev.Payload["version"]); ok {
			return v
		}
		c.fail(Errorf(KindNondeterminism, "version marker at pos %d has no version", ev.Pos))
	}
	c.append(store.KindVersionMarker, map[string]any{
		"change_id": changeID,
		"version":   version,
	})
	return version
}

// Patched reports whether this execution runs the patched code path. The
// first call records true; replays return the recorded decision.
func (c *Context) Patched(changeID string) bool {
	return c.patchMarker(changeID, true)
}

// DeprecatePatch records false for the change so executions started from
// now on take the non-patched branch, while executions that recorded the
// patch keep replaying it.
func (c *Context) DeprecatePatch(changeID string) {
	c.patchMarker(changeID, false)
}

func (c *Context) patchMarker(changeID string, patched bool) bool {
	if ev, ok := c.takeDecision(store.KindPatchMarker); ok {
		if id, _ := ev.Payload["change_id"].(string); id != changeID {
			c.fail(Errorf(KindNondeterminism, "patch marker change_id %q does not match %q at pos %d", id, changeID, ev.Pos))
		}
		b, _ := ev.Payload["patched"].(bool)
		return b
	}
	c.append(store.KindPatchMarker, map[string]any{
		"change_id": changeID,
		"patched":   patched,
	})
	return patched
}

// takeDecision consumes the next decision event when it matches the
// expected kind, skipping interleaved resolution and signal events. A
// decision of a different kind means the body diverged from its history:
// the execution fails with NONDETERMINISM rather than corrupt state.
func (c *Context) takeDecision(kind store.EventKind) (store.Event, bool) {
	for c.cursor < len(c.events) {
		ev := c.events[c.cursor]
		if !isDecision(ev.Kind) {
			c.cursor++
			continue
		}
		if ev.Kind != kind {
			c.fail(Errorf(KindNondeterminism, "replay expected %s at pos %d, history has %s", kind, ev.Pos, ev.Kind))
		}
		c.cursor++
		return ev, true
	}
	return store.Event{}, false
}

// verifyName checks the recorded name against the one the body asked for.
func (c *Context) verifyName(ev store.Event, name string) {
	if recorded, _ := ev.Payload["name"].(string); recorded != name {
		c.fail(Errorf(KindNondeterminism, "replay of %s at pos %d expected name %q, history has %q", ev.Kind, ev.Pos, name, recorded))
	}
}

// resolution finds the terminal event paired with the schedule event at
// the given pos via the scheduled_pos back-reference.
func (c *Context) resolution(scheduledPos int) (store.Event, bool) {
	for _, ev := range c.events {
		switch ev.Kind {
		case store.KindActivityCompleted, store.KindActivityFailed, store.KindActivityTimedOut,
			store.KindTimerFired, store.KindChildCompleted, store.KindChildFailed:
			if p, ok := asInt(ev.Payload["scheduled_pos"]); ok && p == scheduledPos {
				return ev, true
			}
		}
	}
	return store.Event{}, false
}

func (c *Context) append(kind store.EventKind, payload map[string]any) int {
	pos := c.nextPos
	c.nextPos++
	c.pendingEvents = append(c.pendingEvents, store.NewEvent{Kind: kind, Payload: payload})
	return pos
}

func (c *Context) pause() {
	panic(pauseMarker{})
}

func (c *Context) fail(err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = Errorf(KindInternal, "%v", err)
	}
	panic(terminalFailure{err: e})
}

// isDecision reports whether the kind is appended by the workflow body's
// own deterministic operations, as opposed to resolutions and external
// events the cursor skips.
func isDecision(kind store.EventKind) bool {
	switch kind {
	case store.KindActivityScheduled, store.KindTimerScheduled, store.KindSignalWait,
		store.KindChildScheduled, store.KindVersionMarker, store.KindPatchMarker:
		return true
	}
	return false
}
