// Package inmem provides an in-memory implementation of the persistence
// contract for development and tests. A single mutex stands in for the
// database's transactions: every operation is atomic with respect to every
// other, and all payloads pass through a JSON round-trip on write so data
// comes back exactly as a real backend would return it.
package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/durable/store"
)

// Store is a mutex-guarded in-memory store.Store.
type Store struct {
	mu         sync.Mutex
	executions map[uuid.UUID]*store.Execution
	events     map[uuid.UUID][]store.Event
	tasks      []*store.Task
	nextEvent  int64
	nextTask   int64
}

var _ store.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		executions: make(map[uuid.UUID]*store.Execution),
		events:     make(map[uuid.UUID][]store.Event),
	}
}

// CreateExecution implements store.Store.
func (s *Store) CreateExecution(_ context.Context, workflow string, input map[string]any, opts store.ExecutionOptions) (store.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	normInput, err := cloneObject(input)
	if err != nil {
		return store.Execution{}, err
	}
	wakeup := now
	exec := &store.Execution{
		ID:           uuid.New(),
		WorkflowName: workflow,
		Input:        normInput,
		Status:       store.StatusPending,
		CreatedAt:    now,
		StartedAt:    &now,
		ParentID:     opts.ParentID,
		ParentHandle: opts.ParentHandle,
		NextWakeupAt: &wakeup,
	}
	if opts.Timeout > 0 {
		t := now.Add(opts.Timeout)
		exec.TimeoutAt = &t
	}
	s.executions[exec.ID] = exec
	s.appendLocked(exec.ID, store.NewEvent{
		Kind:    store.KindWorkflowStarted,
		Payload: map[string]any{"input": normInput},
	})
	return *exec, nil
}

// AppendEvents implements store.Store.
func (s *Store) AppendEvents(_ context.Context, executionID uuid.UUID, events []store.NewEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[executionID]; !ok {
		return store.ErrNotFound
	}
	for _, ev := range events {
		s.appendLocked(executionID, ev)
	}
	return nil
}

// EnqueueTasks implements store.Store.
func (s *Store) EnqueueTasks(_ context.Context, executionID uuid.UUID, tasks []store.NewTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[executionID]; !ok {
		return store.ErrNotFound
	}
	s.enqueueLocked(executionID, tasks)
	return nil
}

// LeaseDueTasks implements store.Store.
func (s *Store) LeaseDueTasks(_ context.Context, now time.Time, limit int, workerID string, leaseFor time.Duration) ([]store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*store.Task, 0, limit)
	for _, t := range s.tasks {
		if t.Status == store.TaskQueued && !t.AfterTime.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].AfterTime.Before(due[j].AfterTime) })
	if len(due) > limit {
		due = due[:limit]
	}

	leased := make([]store.Task, 0, len(due))
	until := now.Add(leaseFor)
	for _, t := range due {
		started := now
		t.Status = store.TaskRunning
		t.LockedBy = workerID
		t.LockedUntil = &until
		t.StartedAt = &started
		t.LastHeartbeatAt = &started
		leased = append(leased, *t)
	}
	return leased, nil
}

// CompleteTask implements store.Store.
func (s *Store) CompleteTask(_ context.Context, taskID int64, lockedBy string, status store.TaskStatus, kind store.EventKind, payload map[string]any, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.taskLocked(taskID)
	if t == nil {
		return store.ErrNotFound
	}
	if t.Status != store.TaskRunning || t.LockedBy != lockedBy {
		return nil
	}
	now := time.Now().UTC()
	t.Status = status
	t.Error = errText
	t.FinishedAt = &now
	t.LockedBy = ""
	t.LockedUntil = nil
	if status == store.TaskCompleted {
		t.Result = payload["result"]
	}

	exec := s.executions[t.ExecutionID]
	if exec == nil || exec.Status.Terminal() {
		// The execution finished first; the result is recorded on the task
		// for audit but drives no further steps.
		return nil
	}
	s.appendLocked(t.ExecutionID, store.NewEvent{Kind: kind, Payload: payload})
	s.wakeLocked(exec, now)
	return nil
}

// RequeueTask implements store.Store.
func (s *Store) RequeueTask(_ context.Context, taskID int64, lockedBy string, afterTime time.Time, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.taskLocked(taskID)
	if t == nil {
		return store.ErrNotFound
	}
	if t.Status != store.TaskRunning || t.LockedBy != lockedBy {
		return nil
	}
	t.Status = store.TaskQueued
	t.Attempt++
	t.AfterTime = afterTime
	t.Error = errText
	t.LockedBy = ""
	t.LockedUntil = nil
	return nil
}

// RecordHeartbeat implements store.Store.
func (s *Store) RecordHeartbeat(_ context.Context, taskID int64, details map[string]any) (store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.taskLocked(taskID)
	if t == nil {
		return store.Task{}, store.ErrNotFound
	}
	if t.Status == store.TaskRunning {
		now := time.Now().UTC()
		t.LastHeartbeatAt = &now
		if details != nil {
			d, err := cloneObject(details)
			if err != nil {
				return store.Task{}, err
			}
			t.HeartbeatDetails = d
		}
	}
	return *t, nil
}

// StepCommit implements store.Store.
func (s *Store) StepCommit(_ context.Context, commit store.StepCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[commit.ExecutionID]
	if !ok {
		return store.ErrNotFound
	}
	if exec.Status.Terminal() {
		// A concurrent cancel or timeout won; terminal status is monotonic.
		return nil
	}
	if len(s.events[commit.ExecutionID]) != commit.BasePos {
		return store.ErrConflict
	}

	for _, ev := range commit.Events {
		s.appendLocked(commit.ExecutionID, ev)
	}
	s.enqueueLocked(commit.ExecutionID, commit.Tasks)
	now := time.Now().UTC()
	for _, child := range commit.Children {
		s.createChildLocked(child, commit.ExecutionID, now)
	}

	exec.Status = commit.Status
	if commit.Status.Terminal() {
		result, err := clone(commit.Result)
		if err != nil {
			return err
		}
		exec.Result = result
		exec.Error = commit.Error
		exec.FinishedAt = &now
		exec.NextWakeupAt = nil
	} else {
		exec.NextWakeupAt = commit.NextWakeupAt
	}

	if commit.Parent != nil {
		s.notifyParentLocked(*commit.Parent, now)
	}
	return nil
}

// FetchRunnable implements store.Store.
func (s *Store) FetchRunnable(_ context.Context, now time.Time, limit int) ([]store.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Execution
	for _, e := range s.executions {
		if e.Status.Terminal() || e.NextWakeupAt == nil || e.NextWakeupAt.After(now) {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextWakeupAt.Before(*out[j].NextWakeupAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Snapshot implements store.Store.
func (s *Store) Snapshot(_ context.Context, executionID uuid.UUID) (store.Execution, []store.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return store.Execution{}, nil, store.ErrNotFound
	}
	events := make([]store.Event, len(s.events[executionID]))
	copy(events, s.events[executionID])
	return *exec, events, nil
}

// Tasks implements store.Store.
func (s *Store) Tasks(_ context.Context, executionID uuid.UUID) ([]store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Task
	for _, t := range s.tasks {
		if t.ExecutionID == executionID {
			out = append(out, *t)
		}
	}
	return out, nil
}

// SignalExecution implements store.Store.
func (s *Store) SignalExecution(_ context.Context, executionID uuid.UUID, name string, payload any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return false, store.ErrNotFound
	}
	if exec.Status.Terminal() {
		return false, nil
	}
	norm, err := clone(payload)
	if err != nil {
		return false, err
	}
	s.appendLocked(executionID, store.NewEvent{
		Kind:    store.KindSignalReceived,
		Payload: map[string]any{"name": name, "payload": norm},
	})
	s.wakeLocked(exec, time.Now().UTC())
	return true, nil
}

// CancelExecution implements store.Store.
func (s *Store) CancelExecution(_ context.Context, executionID uuid.UUID, reason string, cancelQueued bool) (store.Execution, bool, error) {
	msg := reason
	if msg == "" {
		msg = "workflow canceled"
	}
	payload := map[string]any{}
	if reason != "" {
		payload["reason"] = reason
	}
	return s.terminate(executionID, store.StatusCanceled, store.KindWorkflowCanceled, payload,
		store.Failure{Kind: "CANCELED", Message: msg}, cancelQueued)
}

// TerminateExecution implements store.Store.
func (s *Store) TerminateExecution(_ context.Context, executionID uuid.UUID, status store.Status, kind store.EventKind, failure store.Failure) (store.Execution, bool, error) {
	return s.terminate(executionID, status, kind, map[string]any{
		"error": map[string]any{"kind": failure.Kind, "message": failure.Message},
	}, failure, true)
}

func (s *Store) terminate(executionID uuid.UUID, status store.Status, kind store.EventKind, payload map[string]any, failure store.Failure, cancelQueued bool) (store.Execution, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return store.Execution{}, false, store.ErrNotFound
	}
	if exec.Status.Terminal() {
		return *exec, false, nil
	}
	now := time.Now().UTC()
	s.appendLocked(executionID, store.NewEvent{Kind: kind, Payload: payload})
	exec.Status = status
	exec.Error = &failure
	exec.FinishedAt = &now
	exec.NextWakeupAt = nil
	if cancelQueued {
		for _, t := range s.tasks {
			if t.ExecutionID == executionID && t.Status == store.TaskQueued {
				t.Status = store.TaskCanceled
				t.Error = failure.Kind
				t.FinishedAt = &now
			}
		}
	}
	return *exec, true, nil
}

// NotifyParent implements store.Store.
func (s *Store) NotifyParent(_ context.Context, notice store.ParentNotice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifyParentLocked(notice, time.Now().UTC())
	return nil
}

// Children implements store.Store.
func (s *Store) Children(_ context.Context, executionID uuid.UUID) ([]store.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Execution
	for _, e := range s.executions {
		if e.ParentID != nil && *e.ParentID == executionID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ExpiredTasks implements store.Store.
func (s *Store) ExpiredTasks(_ context.Context, now time.Time) ([]store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Task
	for _, t := range s.tasks {
		if t.Status != store.TaskRunning {
			continue
		}
		expired := t.ExpiresAt != nil && !t.ExpiresAt.After(now)
		if !expired && t.HeartbeatTimeout > 0 && t.LastHeartbeatAt != nil {
			expired = !t.LastHeartbeatAt.Add(t.HeartbeatTimeout).After(now)
		}
		if expired {
			out = append(out, *t)
		}
	}
	return out, nil
}

// ExpireLeases implements store.Store.
func (s *Store) ExpireLeases(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.tasks {
		if t.Status == store.TaskRunning && t.LockedUntil != nil && t.LockedUntil.Before(now) {
			t.Status = store.TaskQueued
			t.Attempt++
			t.LockedBy = ""
			t.LockedUntil = nil
			n++
		}
	}
	return n, nil
}

// ExpiredExecutions implements store.Store.
func (s *Store) ExpiredExecutions(_ context.Context, now time.Time) ([]store.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Execution
	for _, e := range s.executions {
		if !e.Status.Terminal() && e.TimeoutAt != nil && !e.TimeoutAt.After(now) {
			out = append(out, *e)
		}
	}
	return out, nil
}

// NextDue implements store.Store.
func (s *Store) NextDue(_ context.Context) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *time.Time
	consider := func(t time.Time) {
		if next == nil || t.Before(*next) {
			tt := t
			next = &tt
		}
	}
	for _, t := range s.tasks {
		if t.Status == store.TaskQueued {
			consider(t.AfterTime)
		}
	}
	for _, e := range s.executions {
		if !e.Status.Terminal() && e.NextWakeupAt != nil {
			consider(*e.NextWakeupAt)
		}
	}
	return next, nil
}

func (s *Store) appendLocked(executionID uuid.UUID, ev store.NewEvent) {
	s.nextEvent++
	payload, err := cloneObject(ev.Payload)
	if err != nil {
		// Engine code normalizes payloads before they reach the store;
		// a failure here is a bug, not a runtime condition.
		panic(fmt.Sprintf("inmem: non-serializable payload for %s: %v", ev.Kind, err))
	}
	s.events[executionID] = append(s.events[executionID], store.Event{
		ID:          s.nextEvent,
		ExecutionID: executionID,
		Pos:         len(s.events[executionID]),
		Kind:        ev.Kind,
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
	})
}

func (s *Store) enqueueLocked(executionID uuid.UUID, tasks []store.NewTask) {
	now := time.Now().UTC()
	for _, nt := range tasks {
		s.nextTask++
		s.tasks = append(s.tasks, &store.Task{
			ID:               s.nextTask,
			ExecutionID:      executionID,
			Name:             nt.Name,
			Args:             nt.Args,
			Kwargs:           map[string]any{},
			Status:           store.TaskQueued,
			Attempt:          1,
			AfterTime:        nt.AfterTime,
			ExpiresAt:        nt.ExpiresAt,
			HeartbeatTimeout: nt.HeartbeatTimeout,
			Retry:            nt.Retry,
			ScheduledPos:     nt.ScheduledPos,
			CreatedAt:        now,
		})
	}
}

func (s *Store) createChildLocked(child store.NewChild, parentID uuid.UUID, now time.Time) {
	wakeup := now
	pid := parentID
	exec := &store.Execution{
		ID:           child.ID,
		WorkflowName: child.WorkflowName,
		Input:        child.Input,
		Status:       store.StatusPending,
		CreatedAt:    now,
		StartedAt:    &now,
		TimeoutAt:    child.TimeoutAt,
		ParentID:     &pid,
		ParentHandle: child.ParentHandle,
		NextWakeupAt: &wakeup,
	}
	s.executions[exec.ID] = exec
	s.appendLocked(exec.ID, store.NewEvent{
		Kind:    store.KindWorkflowStarted,
		Payload: map[string]any{"input": child.Input},
	})
}

func (s *Store) notifyParentLocked(notice store.ParentNotice, now time.Time) {
	parent, ok := s.executions[notice.ParentID]
	if !ok || parent.Status.Terminal() {
		return
	}
	s.appendLocked(notice.ParentID, store.NewEvent{Kind: notice.Kind, Payload: notice.Payload})
	s.wakeLocked(parent, now)
}

func (s *Store) wakeLocked(exec *store.Execution, now time.Time) {
	if exec.Status.Terminal() {
		return
	}
	wakeup := now
	exec.NextWakeupAt = &wakeup
}

func (s *Store) taskLocked(taskID int64) *store.Task {
	for _, t := range s.tasks {
		if t.ID == taskID {
			return t
		}
	}
	return nil
}

// clone forces v through a JSON round-trip, the same boundary a real
// backend imposes.
func clone(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("payload is not JSON-serializable: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func cloneObject(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	v, err := clone(m)
	if err != nil {
		return nil, err
	}
	out, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("payload is not a JSON object")
	}
	return out, nil
}
