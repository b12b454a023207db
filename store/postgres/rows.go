package postgres

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"goa.design/durable/retry"
	"goa.design/durable/store"
)

type (
	executionRow struct {
		ID           uuid.UUID  `db:"id"`
		WorkflowName string     `db:"workflow_name"`
		Input        []byte     `db:"input"`
		Status       string     `db:"status"`
		Result       []byte     `db:"result"`
		Error        []byte     `db:"error"`
		CreatedAt    time.Time  `db:"created_at"`
		StartedAt    *time.Time `db:"started_at"`
		FinishedAt   *time.Time `db:"finished_at"`
		TimeoutAt    *time.Time `db:"timeout_at"`
		ParentID     *uuid.UUID `db:"parent_id"`
		ParentHandle int        `db:"parent_handle"`
		NextWakeupAt *time.Time `db:"next_wakeup_at"`
	}

	eventRow struct {
		ID          int64     `db:"id"`
		ExecutionID uuid.UUID `db:"execution_id"`
		Pos         int       `db:"pos"`
		Kind        string    `db:"kind"`
		Payload     []byte    `db:"payload"`
		CreatedAt   time.Time `db:"created_at"`
	}

	taskRow struct {
		ID               int64      `db:"id"`
		ExecutionID      uuid.UUID  `db:"execution_id"`
		Name             string     `db:"name"`
		Args             []byte     `db:"args"`
		Kwargs           []byte     `db:"kwargs"`
		Status           string     `db:"status"`
		Attempt          int        `db:"attempt"`
		AfterTime        time.Time  `db:"after_time"`
		ExpiresAt        *time.Time `db:"expires_at"`
		HeartbeatTimeout int64      `db:"heartbeat_timeout"`
		LastHeartbeatAt  *time.Time `db:"last_heartbeat_at"`
		HeartbeatDetails []byte     `db:"heartbeat_details"`
		Retry            []byte     `db:"retry"`
		ScheduledPos     int        `db:"scheduled_pos"`
		LockedBy         string     `db:"locked_by"`
		LockedUntil      *time.Time `db:"locked_until"`
		Result           []byte     `db:"result"`
		Error            string     `db:"error"`
		CreatedAt        time.Time  `db:"created_at"`
		StartedAt        *time.Time `db:"started_at"`
		FinishedAt       *time.Time `db:"finished_at"`
	}
)

const (
	executionColumns = `id, workflow_name, input, status, result, error,
		created_at, started_at, finished_at, timeout_at,
		parent_id, parent_handle, next_wakeup_at`

	eventColumns = `id, execution_id, pos, kind, payload, created_at`

	taskColumns = `id, execution_id, name, args, kwargs, status, attempt,
		after_time, expires_at, heartbeat_timeout, last_heartbeat_at,
		heartbeat_details, retry, scheduled_pos, locked_by, locked_until,
		result, error, created_at, started_at, finished_at`
)

func (r executionRow) domain() store.Execution {
	e := store.Execution{
		ID:           r.ID,
		WorkflowName: r.WorkflowName,
		Input:        unmarshalObject(r.Input),
		Status:       store.Status(r.Status),
		Result:       unmarshalAny(r.Result),
		CreatedAt:    r.CreatedAt,
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
		TimeoutAt:    r.TimeoutAt,
		ParentID:     r.ParentID,
		ParentHandle: r.ParentHandle,
		NextWakeupAt: r.NextWakeupAt,
	}
	if len(r.Error) > 0 {
		var f store.Failure
		if err := json.Unmarshal(r.Error, &f); err == nil && (f.Kind != "" || f.Message != "") {
			e.Error = &f
		}
	}
	return e
}

func (r eventRow) domain() store.Event {
	return store.Event{
		ID:          r.ID,
		ExecutionID: r.ExecutionID,
		Pos:         r.Pos,
		Kind:        store.EventKind(r.Kind),
		Payload:     unmarshalObject(r.Payload),
		CreatedAt:   r.CreatedAt,
	}
}

func (r taskRow) domain() store.Task {
	t := store.Task{
		ID:               r.ID,
		ExecutionID:      r.ExecutionID,
		Name:             r.Name,
		Args:             unmarshalList(r.Args),
		Kwargs:           unmarshalObject(r.Kwargs),
		Status:           store.TaskStatus(r.Status),
		Attempt:          r.Attempt,
		AfterTime:        r.AfterTime,
		ExpiresAt:        r.ExpiresAt,
		HeartbeatTimeout: time.Duration(r.HeartbeatTimeout),
		LastHeartbeatAt:  r.LastHeartbeatAt,
		HeartbeatDetails: unmarshalObject(r.HeartbeatDetails),
		ScheduledPos:     r.ScheduledPos,
		LockedBy:         r.LockedBy,
		LockedUntil:      r.LockedUntil,
		Result:           unmarshalAny(r.Result),
		Error:            r.Error,
		CreatedAt:        r.CreatedAt,
		StartedAt:        r.StartedAt,
		FinishedAt:       r.FinishedAt,
	}
	if len(r.Retry) > 0 {
		var p retry.Policy
		if err := json.Unmarshal(r.Retry, &p); err == nil {
			t.Retry = p
		}
	}
	return t
}

func executions(rows []executionRow) []store.Execution {
	out := make([]store.Execution, len(rows))
	for i, r := range rows {
		out[i] = r.domain()
	}
	return out
}

func events(rows []eventRow) []store.Event {
	out := make([]store.Event, len(rows))
	for i, r := range rows {
		out[i] = r.domain()
	}
	return out
}

func tasks(rows []taskRow) []store.Task {
	out := make([]store.Task, len(rows))
	for i, r := range rows {
		out[i] = r.domain()
	}
	return out
}
