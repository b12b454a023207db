// Package store defines the persistence contract of the durable execution
// engine together with the records it owns: Execution, Event and Task.
//
// The engine performs no I/O of its own; every state transition goes through
// a Store implementation. Implementations must honor the transactional units
// documented on each method: whenever a status change is paired with a
// history event, both commit or neither does. Two implementations ship with
// this module: store/inmem for development and tests, and store/postgres for
// production.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"goa.design/durable/retry"
)

// Status is the lifecycle state of a workflow execution.
type Status string

const (
	// StatusPending indicates the execution is runnable or parked between steps.
	StatusPending Status = "PENDING"
	// StatusRunning indicates a scheduler step is in flight. Transient.
	StatusRunning Status = "RUNNING"
	// StatusCompleted indicates the workflow returned normally.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed indicates the workflow raised or replay diverged.
	StatusFailed Status = "FAILED"
	// StatusTimedOut indicates the execution-level deadline elapsed.
	StatusTimedOut Status = "TIMED_OUT"
	// StatusCanceled indicates the execution was canceled externally.
	StatusCanceled Status = "CANCELED"
)

// Terminal reports whether the status is final. Terminal statuses are
// monotonic: once set they never transition again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCanceled:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of an activity task.
type TaskStatus string

const (
	// TaskQueued indicates the task awaits a worker lease.
	TaskQueued TaskStatus = "QUEUED"
	// TaskRunning indicates a worker holds the lease and is executing.
	TaskRunning TaskStatus = "RUNNING"
	// TaskCompleted indicates the activity returned a result.
	TaskCompleted TaskStatus = "COMPLETED"
	// TaskFailed indicates the activity failed past its retry budget.
	TaskFailed TaskStatus = "FAILED"
	// TaskTimedOut indicates a deadline elapsed past the retry budget.
	TaskTimedOut TaskStatus = "TIMED_OUT"
	// TaskCanceled indicates the owning execution was canceled first.
	TaskCanceled TaskStatus = "CANCELED"
)

// Terminal reports whether the task status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskTimedOut, TaskCanceled:
		return true
	}
	return false
}

// EventKind enumerates the complete history event alphabet.
type EventKind string

const (
	KindWorkflowStarted   EventKind = "WORKFLOW_STARTED"
	KindWorkflowCompleted EventKind = "WORKFLOW_COMPLETED"
	KindWorkflowFailed    EventKind = "WORKFLOW_FAILED"
	KindWorkflowTimedOut  EventKind = "WORKFLOW_TIMED_OUT"
	KindWorkflowCanceled  EventKind = "WORKFLOW_CANCELED"
	KindActivityScheduled EventKind = "ACTIVITY_SCHEDULED"
	KindActivityCompleted EventKind = "ACTIVITY_COMPLETED"
	KindActivityFailed    EventKind = "ACTIVITY_FAILED"
	KindActivityTimedOut  EventKind = "ACTIVITY_TIMED_OUT"
	KindTimerScheduled    EventKind = "TIMER_SCHEDULED"
	KindTimerFired        EventKind = "TIMER_FIRED"
	KindSignalWait        EventKind = "SIGNAL_WAIT"
	KindSignalReceived    EventKind = "SIGNAL_RECEIVED"
	KindChildScheduled    EventKind = "CHILD_SCHEDULED"
	KindChildCompleted    EventKind = "CHILD_COMPLETED"
	KindChildFailed       EventKind = "CHILD_FAILED"
	KindVersionMarker     EventKind = "VERSION_MARKER"
	KindPatchMarker       EventKind = "PATCH_MARKER"
)

// SleepActivity is the reserved activity name backing durable timers. It is
// never user-registered; the worker completes due sleep tasks without
// dispatching an executor.
const SleepActivity = "__sleep__"

var (
	// ErrNotFound indicates the execution or task does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a step commit lost a race with a concurrent
	// append (typically a signal) and must be retried against a fresh
	// snapshot.
	ErrConflict = errors.New("concurrent history append")
)

type (
	// Failure is the structured error recorded on non-completed terminal
	// executions.
	Failure struct {
		// Kind is one of the engine error taxonomy codes.
		Kind string `json:"kind"`
		// Message is the human-readable description.
		Message string `json:"message"`
	}

	// Execution is one instance of a workflow run. Its ID is the stable
	// external handle.
	Execution struct {
		ID           uuid.UUID
		WorkflowName string
		// Input is the JSON object passed to the workflow body.
		Input  map[string]any
		Status Status
		// Result is set on COMPLETED.
		Result any
		// Error is set on non-completed terminal statuses.
		Error *Failure
		CreatedAt  time.Time
		StartedAt  *time.Time
		FinishedAt *time.Time
		// TimeoutAt is the optional absolute execution deadline enforced by
		// the worker's sweep.
		TimeoutAt *time.Time
		// ParentID links a child execution back to its parent.
		ParentID *uuid.UUID
		// ParentHandle is the pos of the CHILD_SCHEDULED event in the
		// parent's history. Meaningful only when ParentID is set.
		ParentHandle int
		// NextWakeupAt is the earliest time the scheduler should consider
		// this execution. Nil parks the execution until an external event
		// (signal, activity completion, child terminal) wakes it.
		NextWakeupAt *time.Time
	}

	// Event is an append-only history record. For a given execution, pos is
	// a dense sequence starting at 0 assigned in insertion order; the
	// (pos, kind, payload) prefix is the determinism contract.
	Event struct {
		ID          int64
		ExecutionID uuid.UUID
		Pos         int
		Kind        EventKind
		Payload     map[string]any
		CreatedAt   time.Time
	}

	// Task is a unit of activity work owned by the queue. Timer tasks use
	// the reserved SleepActivity name.
	Task struct {
		ID          int64
		ExecutionID uuid.UUID
		Name        string
		Args        []any
		// Kwargs is retained for audit parity with the wire format; the Go
		// API always schedules with an empty object.
		Kwargs map[string]any
		Status TaskStatus
		// Attempt is 1-based: a freshly queued task carries attempt 1, and
		// every return to the queue (retry or lapsed lease) increments it.
		// While RUNNING it names the attempt currently executing.
		Attempt int
		// AfterTime is the earliest time the task is eligible to run.
		AfterTime time.Time
		// ExpiresAt is the schedule-to-close deadline. Nil means none.
		ExpiresAt *time.Time
		// HeartbeatTimeout bounds the gap between heartbeats while RUNNING.
		// Zero means heartbeats are not required.
		HeartbeatTimeout time.Duration
		LastHeartbeatAt  *time.Time
		HeartbeatDetails map[string]any
		Retry            retry.Policy
		// ScheduledPos back-references the ACTIVITY_SCHEDULED (or
		// TIMER_SCHEDULED) event in the owning execution's history.
		ScheduledPos int
		// LockedBy and LockedUntil form the worker lease.
		LockedBy    string
		LockedUntil *time.Time
		Result      any
		Error       string
		CreatedAt   time.Time
		StartedAt   *time.Time
		FinishedAt  *time.Time
	}

	// NewEvent is a history event pending insertion. The store assigns pos
	// in slice order continuing the execution's dense sequence.
	NewEvent struct {
		Kind    EventKind
		Payload map[string]any
	}

	// NewTask is an activity task pending insertion.
	NewTask struct {
		Name             string
		Args             []any
		AfterTime        time.Time
		ExpiresAt        *time.Time
		HeartbeatTimeout time.Duration
		Retry            retry.Policy
		ScheduledPos     int
	}

	// NewChild describes a child execution created atomically with its
	// parent's step commit.
	NewChild struct {
		ID           uuid.UUID
		WorkflowName string
		Input        map[string]any
		TimeoutAt    *time.Time
		ParentHandle int
	}

	// ParentNotice appends a CHILD_COMPLETED or CHILD_FAILED event to the
	// parent execution and marks it runnable, unless the parent is already
	// terminal.
	ParentNotice struct {
		ParentID uuid.UUID
		Kind     EventKind
		Payload  map[string]any
	}

	// StepCommit is the single transaction carrying all outputs of one
	// scheduler step.
	StepCommit struct {
		ExecutionID uuid.UUID
		// BasePos is the event count of the snapshot the step ran against.
		// Implementations must fail with ErrConflict when the stored count
		// differs, so the scheduler re-steps against the concurrent append.
		BasePos  int
		Events   []NewEvent
		Tasks    []NewTask
		Children []NewChild
		// Status is the resulting execution status (StatusPending when the
		// workflow yielded, a terminal status otherwise).
		Status Status
		Result any
		Error  *Failure
		// NextWakeupAt applies only when Status is non-terminal. Nil parks
		// the execution waiting on an external wake.
		NextWakeupAt *time.Time
		// Parent is set when Status is terminal and the execution has a
		// parent to notify.
		Parent *ParentNotice
	}

	// ExecutionOptions carries optional attributes for CreateExecution.
	ExecutionOptions struct {
		// Timeout is the execution-level deadline measured from start.
		// Zero means none.
		Timeout time.Duration
		// ParentID and ParentHandle link a child execution to its parent.
		ParentID     *uuid.UUID
		ParentHandle int
	}

	// Store is the engine's only I/O dependency.
	Store interface {
		// CreateExecution inserts a PENDING execution with
		// next_wakeup_at=now and its WORKFLOW_STARTED event at pos 0 in
		// one transaction.
		CreateExecution(ctx context.Context, workflow string, input map[string]any, opts ExecutionOptions) (Execution, error)

		// AppendEvents appends events with monotonic dense pos.
		AppendEvents(ctx context.Context, executionID uuid.UUID, events []NewEvent) error

		// EnqueueTasks inserts QUEUED activity tasks.
		EnqueueTasks(ctx context.Context, executionID uuid.UUID, tasks []NewTask) error

		// LeaseDueTasks selects up to limit QUEUED tasks with
		// after_time<=now, skipping rows locked by other workers, and
		// atomically marks them RUNNING with the given lease.
		LeaseDueTasks(ctx context.Context, now time.Time, limit int, workerID string, leaseFor time.Duration) ([]Task, error)

		// CompleteTask finalizes a task, appends the paired terminal
		// history event and marks the owning execution runnable, all in
		// one transaction. The transition is fenced on the lease: it is a
		// no-op unless the task is RUNNING and still locked by lockedBy,
		// so a worker that lost its lease cannot double-deliver a result.
		// When the owning execution is already terminal the task is
		// finalized without a history event or wakeup.
		CompleteTask(ctx context.Context, taskID int64, lockedBy string, status TaskStatus, kind EventKind, payload map[string]any, errText string) error

		// RequeueTask returns a RUNNING task to QUEUED for the next attempt
		// with a new after_time and an incremented attempt counter, fenced
		// on the lease like CompleteTask. No terminal event is written.
		RequeueTask(ctx context.Context, taskID int64, lockedBy string, afterTime time.Time, errText string) error

		// RecordHeartbeat stores heartbeat details and stamps
		// last_heartbeat_at. Returns the refreshed task.
		RecordHeartbeat(ctx context.Context, taskID int64, details map[string]any) (Task, error)

		// StepCommit applies all scheduler outputs atomically.
		StepCommit(ctx context.Context, commit StepCommit) error

		// FetchRunnable selects up to limit non-terminal executions with
		// next_wakeup_at<=now, skipping rows claimed by concurrent workers
		// where the backend supports it.
		FetchRunnable(ctx context.Context, now time.Time, limit int) ([]Execution, error)

		// Snapshot returns a consistent read of the execution and its
		// history ordered by pos.
		Snapshot(ctx context.Context, executionID uuid.UUID) (Execution, []Event, error)

		// Tasks returns the execution's tasks in creation order.
		Tasks(ctx context.Context, executionID uuid.UUID) ([]Task, error)

		// SignalExecution appends a SIGNAL_RECEIVED event and marks the
		// execution runnable in one transaction. Returns false without
		// writing when the execution is terminal.
		SignalExecution(ctx context.Context, executionID uuid.UUID, name string, payload any) (bool, error)

		// CancelExecution terminally cancels the execution: status
		// CANCELED, WORKFLOW_CANCELED event, and, when cancelQueued is
		// true, every QUEUED task moves to CANCELED — one transaction.
		// Returns the refreshed execution and false when it was already
		// terminal (no-op).
		CancelExecution(ctx context.Context, executionID uuid.UUID, reason string, cancelQueued bool) (Execution, bool, error)

		// TerminateExecution applies a worker-observed terminal transition
		// (timeout or internal failure): terminal status, terminal event,
		// queued tasks canceled — one transaction. Returns false when the
		// execution was already terminal.
		TerminateExecution(ctx context.Context, executionID uuid.UUID, status Status, kind EventKind, failure Failure) (Execution, bool, error)

		// NotifyParent appends a child terminal event to the parent and
		// marks it runnable. No-op when the parent is terminal.
		NotifyParent(ctx context.Context, notice ParentNotice) error

		// Children returns the executions whose ParentID equals executionID.
		Children(ctx context.Context, executionID uuid.UUID) ([]Execution, error)

		// ExpiredTasks returns RUNNING tasks past their schedule-to-close
		// or heartbeat deadline at now.
		ExpiredTasks(ctx context.Context, now time.Time) ([]Task, error)

		// ExpireLeases returns QUEUED any RUNNING task whose lease lapsed
		// without a terminal transition, counting the rerun as a new
		// attempt, and reports how many it released.
		ExpireLeases(ctx context.Context, now time.Time) (int, error)

		// ExpiredExecutions returns non-terminal executions past TimeoutAt.
		ExpiredExecutions(ctx context.Context, now time.Time) ([]Execution, error)

		// NextDue returns the earliest of the next task after_time and the
		// next execution next_wakeup_at, or nil when nothing is scheduled.
		NextDue(ctx context.Context) (*time.Time, error)
	}
)
