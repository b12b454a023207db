package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"goa.design/durable/store"
)

// CreateExecution implements store.Store.
func (s *Store) CreateExecution(ctx context.Context, workflow string, input map[string]any, opts store.ExecutionOptions) (store.Execution, error) {
	if input == nil {
		input = map[string]any{}
	}
	ts := now()
	exec := store.Execution{
		ID:           uuid.New(),
		WorkflowName: workflow,
		Input:        input,
		Status:       store.StatusPending,
		CreatedAt:    ts,
		StartedAt:    &ts,
		ParentID:     opts.ParentID,
		ParentHandle: opts.ParentHandle,
		NextWakeupAt: &ts,
	}
	if opts.Timeout > 0 {
		t := ts.Add(opts.Timeout)
		exec.TimeoutAt = &t
	}
	inputJSON, err := marshal(input)
	if err != nil {
		return store.Execution{}, err
	}
	err = s.tx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO durable_execution
				(id, workflow_name, input, status, created_at, started_at,
				 timeout_at, parent_id, parent_handle, next_wakeup_at)
			VALUES ($1, $2, $3, $4, $5, $5, $6, $7, $8, $5)`,
			exec.ID, workflow, inputJSON, exec.Status, ts,
			exec.TimeoutAt, exec.ParentID, exec.ParentHandle); err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}
		return insertEvents(ctx, tx, exec.ID, 0, []store.NewEvent{{
			Kind:    store.KindWorkflowStarted,
			Payload: map[string]any{"input": input},
		}})
	})
	if err != nil {
		return store.Execution{}, err
	}
	return exec, nil
}

// AppendEvents implements store.Store.
func (s *Store) AppendEvents(ctx context.Context, executionID uuid.UUID, events []store.NewEvent) error {
	return s.tx(ctx, func(tx *sqlx.Tx) error {
		base, err := lockHistory(ctx, tx, executionID)
		if err != nil {
			return err
		}
		return insertEvents(ctx, tx, executionID, base, events)
	})
}

// StepCommit implements store.Store.
func (s *Store) StepCommit(ctx context.Context, commit store.StepCommit) error {
	return s.tx(ctx, func(tx *sqlx.Tx) error {
		exec, err := lockExecution(ctx, tx, commit.ExecutionID)
		if err != nil {
			return err
		}
		if store.Status(exec.Status).Terminal() {
			// A concurrent cancel or timeout won; terminal status is monotonic.
			return nil
		}
		base, err := eventCount(ctx, tx, commit.ExecutionID)
		if err != nil {
			return err
		}
		if base != commit.BasePos {
			return store.ErrConflict
		}
		if err := insertEvents(ctx, tx, commit.ExecutionID, base, commit.Events); err != nil {
			return err
		}
		if err := insertTasks(ctx, tx, commit.ExecutionID, commit.Tasks); err != nil {
			return err
		}
		ts := now()
		for _, child := range commit.Children {
			if err := createChild(ctx, tx, child, commit.ExecutionID, ts); err != nil {
				return err
			}
		}

		if commit.Status.Terminal() {
			resultJSON, err := marshal(commit.Result)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE durable_execution
				SET status = $2, result = $3, error = $4,
				    finished_at = $5, next_wakeup_at = NULL
				WHERE id = $1`,
				commit.ExecutionID, commit.Status, resultJSON, mustMarshal(commit.Error), ts); err != nil {
				return fmt.Errorf("finalize execution: %w", err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, `
				UPDATE durable_execution
				SET status = $2, next_wakeup_at = $3
				WHERE id = $1`,
				commit.ExecutionID, commit.Status, commit.NextWakeupAt); err != nil {
				return fmt.Errorf("park execution: %w", err)
			}
		}

		if commit.Parent != nil {
			return notifyParent(ctx, tx, *commit.Parent, ts)
		}
		return nil
	})
}

// FetchRunnable implements store.Store.
func (s *Store) FetchRunnable(ctx context.Context, t time.Time, limit int) ([]store.Execution, error) {
	var rows []executionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+executionColumns+`
		FROM durable_execution
		WHERE status IN ('PENDING', 'RUNNING')
		  AND next_wakeup_at IS NOT NULL AND next_wakeup_at <= $1
		ORDER BY next_wakeup_at
		LIMIT $2`, t, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch runnable: %w", err)
	}
	return executions(rows), nil
}

// Snapshot implements store.Store.
func (s *Store) Snapshot(ctx context.Context, executionID uuid.UUID) (store.Execution, []store.Event, error) {
	var (
		exec store.Execution
		evs  []store.Event
	)
	err := s.tx(ctx, func(tx *sqlx.Tx) error {
		var row executionRow
		if err := tx.GetContext(ctx, &row, `
			SELECT `+executionColumns+`
			FROM durable_execution WHERE id = $1`, executionID); err != nil {
			return notFound(err)
		}
		var ers []eventRow
		if err := tx.SelectContext(ctx, &ers, `
			SELECT `+eventColumns+`
			FROM durable_history_event
			WHERE execution_id = $1
			ORDER BY pos`, executionID); err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		exec, evs = row.domain(), events(ers)
		return nil
	})
	if err != nil {
		return store.Execution{}, nil, err
	}
	return exec, evs, nil
}

// SignalExecution implements store.Store.
func (s *Store) SignalExecution(ctx context.Context, executionID uuid.UUID, name string, payload any) (bool, error) {
	delivered := false
	err := s.tx(ctx, func(tx *sqlx.Tx) error {
		exec, err := lockExecution(ctx, tx, executionID)
		if err != nil {
			return err
		}
		if store.Status(exec.Status).Terminal() {
			return nil
		}
		base, err := eventCount(ctx, tx, executionID)
		if err != nil {
			return err
		}
		if err := insertEvents(ctx, tx, executionID, base, []store.NewEvent{{
			Kind:    store.KindSignalReceived,
			Payload: map[string]any{"name": name, "payload": payload},
		}}); err != nil {
			return err
		}
		delivered = true
		return wake(ctx, tx, executionID, now())
	})
	return delivered, err
}

// CancelExecution implements store.Store.
func (s *Store) CancelExecution(ctx context.Context, executionID uuid.UUID, reason string, cancelQueued bool) (store.Execution, bool, error) {
	msg := reason
	if msg == "" {
		msg = "workflow canceled"
	}
	payload := map[string]any{}
	if reason != "" {
		payload["reason"] = reason
	}
	return s.terminate(ctx, executionID, store.StatusCanceled, store.KindWorkflowCanceled, payload,
		store.Failure{Kind: "CANCELED", Message: msg}, cancelQueued)
}

// TerminateExecution implements store.Store.
func (s *Store) TerminateExecution(ctx context.Context, executionID uuid.UUID, status store.Status, kind store.EventKind, failure store.Failure) (store.Execution, bool, error) {
	return s.terminate(ctx, executionID, status, kind, map[string]any{
		"error": map[string]any{"kind": failure.Kind, "message": failure.Message},
	}, failure, true)
}

func (s *Store) terminate(ctx context.Context, executionID uuid.UUID, status store.Status, kind store.EventKind, payload map[string]any, failure store.Failure, cancelQueued bool) (store.Execution, bool, error) {
	var (
		out     store.Execution
		changed bool
	)
	err := s.tx(ctx, func(tx *sqlx.Tx) error {
		exec, err := lockExecution(ctx, tx, executionID)
		if err != nil {
			return err
		}
		if store.Status(exec.Status).Terminal() {
			out = exec.domain()
			return nil
		}
		base, err := eventCount(ctx, tx, executionID)
		if err != nil {
			return err
		}
		if err := insertEvents(ctx, tx, executionID, base, []store.NewEvent{{Kind: kind, Payload: payload}}); err != nil {
			return err
		}
		ts := now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE durable_execution
			SET status = $2, error = $3, finished_at = $4, next_wakeup_at = NULL
			WHERE id = $1`,
			executionID, status, mustMarshal(failure), ts); err != nil {
			return fmt.Errorf("terminate execution: %w", err)
		}
		if cancelQueued {
			if _, err := tx.ExecContext(ctx, `
				UPDATE durable_activity_task
				SET status = $2, error = $3, finished_at = $4
				WHERE execution_id = $1 AND status = 'QUEUED'`,
				executionID, store.TaskCanceled, failure.Kind, ts); err != nil {
				return fmt.Errorf("cancel queued tasks: %w", err)
			}
		}
		out = exec.domain()
		out.Status = status
		out.Error = &failure
		out.FinishedAt = &ts
		out.NextWakeupAt = nil
		changed = true
		return nil
	})
	if err != nil {
		return store.Execution{}, false, err
	}
	return out, changed, nil
}

// NotifyParent implements store.Store.
func (s *Store) NotifyParent(ctx context.Context, notice store.ParentNotice) error {
	return s.tx(ctx, func(tx *sqlx.Tx) error {
		return notifyParent(ctx, tx, notice, now())
	})
}

// Children implements store.Store.
func (s *Store) Children(ctx context.Context, executionID uuid.UUID) ([]store.Execution, error) {
	var rows []executionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+executionColumns+`
		FROM durable_execution
		WHERE parent_id = $1
		ORDER BY created_at`, executionID)
	if err != nil {
		return nil, fmt.Errorf("load children: %w", err)
	}
	return executions(rows), nil
}

// ExpiredExecutions implements store.Store.
func (s *Store) ExpiredExecutions(ctx context.Context, t time.Time) ([]store.Execution, error) {
	var rows []executionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+executionColumns+`
		FROM durable_execution
		WHERE status IN ('PENDING', 'RUNNING')
		  AND timeout_at IS NOT NULL AND timeout_at <= $1`, t)
	if err != nil {
		return nil, fmt.Errorf("expired executions: %w", err)
	}
	return executions(rows), nil
}

// NextDue implements store.Store.
func (s *Store) NextDue(ctx context.Context) (*time.Time, error) {
	var next sql.NullTime
	err := s.db.GetContext(ctx, &next, `
		SELECT LEAST(
			(SELECT min(after_time) FROM durable_activity_task WHERE status = 'QUEUED'),
			(SELECT min(next_wakeup_at) FROM durable_execution
			 WHERE status IN ('PENDING', 'RUNNING') AND next_wakeup_at IS NOT NULL))`)
	if err != nil {
		return nil, fmt.Errorf("next due: %w", err)
	}
	if !next.Valid {
		return nil, nil
	}
	t := next.Time
	return &t, nil
}

// lockExecution reads the execution row FOR UPDATE, serializing history
// appends and status transitions for the execution.
func lockExecution(ctx context.Context, tx *sqlx.Tx, executionID uuid.UUID) (executionRow, error) {
	var row executionRow
	err := tx.GetContext(ctx, &row, `
		SELECT `+executionColumns+`
		FROM durable_execution WHERE id = $1 FOR UPDATE`, executionID)
	if err != nil {
		return executionRow{}, notFound(err)
	}
	return row, nil
}

// lockHistory locks the execution row and returns the current event count.
func lockHistory(ctx context.Context, tx *sqlx.Tx, executionID uuid.UUID) (int, error) {
	if _, err := lockExecution(ctx, tx, executionID); err != nil {
		return 0, err
	}
	return eventCount(ctx, tx, executionID)
}

func eventCount(ctx context.Context, tx *sqlx.Tx, executionID uuid.UUID) (int, error) {
	var n int
	if err := tx.GetContext(ctx, &n, `
		SELECT count(*) FROM durable_history_event WHERE execution_id = $1`, executionID); err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return n, nil
}

// insertEvents appends events with dense pos continuing at base. The unique
// (execution_id, pos) constraint backstops the row lock.
func insertEvents(ctx context.Context, tx *sqlx.Tx, executionID uuid.UUID, base int, evs []store.NewEvent) error {
	for i, ev := range evs {
		payload := ev.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO durable_history_event (execution_id, pos, kind, payload, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			executionID, base+i, ev.Kind, mustMarshal(payload), now()); err != nil {
			return fmt.Errorf("append %s at pos %d: %w", ev.Kind, base+i, err)
		}
	}
	return nil
}

func insertTasks(ctx context.Context, tx *sqlx.Tx, executionID uuid.UUID, nts []store.NewTask) error {
	for _, nt := range nts {
		args := nt.Args
		if args == nil {
			args = []any{}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO durable_activity_task
				(execution_id, name, args, kwargs, status, after_time, expires_at,
				 heartbeat_timeout, retry, scheduled_pos, created_at)
			VALUES ($1, $2, $3, '{}'::jsonb, $4, $5, $6, $7, $8, $9, $10)`,
			executionID, nt.Name, mustMarshal(args), store.TaskQueued,
			nt.AfterTime, nt.ExpiresAt, int64(nt.HeartbeatTimeout),
			mustMarshal(nt.Retry), nt.ScheduledPos, now()); err != nil {
			return fmt.Errorf("enqueue %s: %w", nt.Name, err)
		}
	}
	return nil
}

func createChild(ctx context.Context, tx *sqlx.Tx, child store.NewChild, parentID uuid.UUID, ts time.Time) error {
	input := child.Input
	if input == nil {
		input = map[string]any{}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO durable_execution
			(id, workflow_name, input, status, created_at, started_at,
			 timeout_at, parent_id, parent_handle, next_wakeup_at)
		VALUES ($1, $2, $3, $4, $5, $5, $6, $7, $8, $5)`,
		child.ID, child.WorkflowName, mustMarshal(input), store.StatusPending,
		ts, child.TimeoutAt, parentID, child.ParentHandle); err != nil {
		return fmt.Errorf("insert child execution: %w", err)
	}
	return insertEvents(ctx, tx, child.ID, 0, []store.NewEvent{{
		Kind:    store.KindWorkflowStarted,
		Payload: map[string]any{"input": input},
	}})
}

func notifyParent(ctx context.Context, tx *sqlx.Tx, notice store.ParentNotice, ts time.Time) error {
	exec, err := lockExecution(ctx, tx, notice.ParentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if store.Status(exec.Status).Terminal() {
		return nil
	}
	base, err := eventCount(ctx, tx, notice.ParentID)
	if err != nil {
		return err
	}
	if err := insertEvents(ctx, tx, notice.ParentID, base, []store.NewEvent{{
		Kind:    notice.Kind,
		Payload: notice.Payload,
	}}); err != nil {
		return err
	}
	return wake(ctx, tx, notice.ParentID, ts)
}

func wake(ctx context.Context, tx *sqlx.Tx, executionID uuid.UUID, ts time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE durable_execution SET next_wakeup_at = $2 WHERE id = $1`,
		executionID, ts); err != nil {
		return fmt.Errorf("wake execution: %w", err)
	}
	return nil
}
