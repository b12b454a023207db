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

// EnqueueTasks implements store.Store.
func (s *Store) EnqueueTasks(ctx context.Context, executionID uuid.UUID, nts []store.NewTask) error {
	return s.tx(ctx, func(tx *sqlx.Tx) error {
		if _, err := lockExecution(ctx, tx, executionID); err != nil {
			return err
		}
		return insertTasks(ctx, tx, executionID, nts)
	})
}

// LeaseDueTasks implements store.Store. SKIP LOCKED keeps concurrent workers
// from blocking on each other's candidate rows.
func (s *Store) LeaseDueTasks(ctx context.Context, t time.Time, limit int, workerID string, leaseFor time.Duration) ([]store.Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, `
		UPDATE durable_activity_task
		SET status = 'RUNNING',
		    locked_by = $2, locked_until = $3,
		    started_at = $1, last_heartbeat_at = $1
		WHERE id IN (
			SELECT id FROM durable_activity_task
			WHERE status = 'QUEUED' AND after_time <= $1
			ORDER BY after_time
			LIMIT $4
			FOR UPDATE SKIP LOCKED)
		RETURNING `+taskColumns,
		t, workerID, t.Add(leaseFor), limit)
	if err != nil {
		return nil, fmt.Errorf("lease tasks: %w", err)
	}
	return tasks(rows), nil
}

// CompleteTask implements store.Store. The WHERE clause enforces the lease
// fence: a worker that lost its lease updates zero rows.
func (s *Store) CompleteTask(ctx context.Context, taskID int64, lockedBy string, status store.TaskStatus, kind store.EventKind, payload map[string]any, errText string) error {
	return s.tx(ctx, func(tx *sqlx.Tx) error {
		var result any
		if status == store.TaskCompleted {
			result = payload["result"]
		}
		var row taskRow
		err := tx.GetContext(ctx, &row, `
			UPDATE durable_activity_task
			SET status = $3, error = $4, result = $5,
			    finished_at = $6, locked_by = '', locked_until = NULL
			WHERE id = $1 AND status = 'RUNNING' AND locked_by = $2
			RETURNING `+taskColumns,
			taskID, lockedBy, status, errText, mustMarshal(result), now())
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				// Lease lost or task already finalized.
				return nil
			}
			return fmt.Errorf("complete task %d: %w", taskID, err)
		}
		exec, err := lockExecution(ctx, tx, row.ExecutionID)
		if err != nil {
			return err
		}
		if store.Status(exec.Status).Terminal() {
			// The execution finished first; the result is recorded on the task
			// for audit but drives no further steps.
			return nil
		}
		base, err := eventCount(ctx, tx, row.ExecutionID)
		if err != nil {
			return err
		}
		if err := insertEvents(ctx, tx, row.ExecutionID, base, []store.NewEvent{{
			Kind:    kind,
			Payload: payload,
		}}); err != nil {
			return err
		}
		return wake(ctx, tx, row.ExecutionID, now())
	})
}

// RequeueTask implements store.Store, fenced on the lease like CompleteTask.
func (s *Store) RequeueTask(ctx context.Context, taskID int64, lockedBy string, afterTime time.Time, errText string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE durable_activity_task
		SET status = 'QUEUED', attempt = attempt + 1,
		    after_time = $3, error = $4,
		    locked_by = '', locked_until = NULL
		WHERE id = $1 AND status = 'RUNNING' AND locked_by = $2`,
		taskID, lockedBy, afterTime, errText)
	if err != nil {
		return fmt.Errorf("requeue task %d: %w", taskID, err)
	}
	return nil
}

// RecordHeartbeat implements store.Store.
func (s *Store) RecordHeartbeat(ctx context.Context, taskID int64, details map[string]any) (store.Task, error) {
	detailsJSON, err := marshal(details)
	if err != nil {
		return store.Task{}, err
	}
	var row taskRow
	err = s.db.GetContext(ctx, &row, `
		UPDATE durable_activity_task
		SET last_heartbeat_at = CASE WHEN status = 'RUNNING' THEN $2 ELSE last_heartbeat_at END,
		    heartbeat_details = CASE WHEN status = 'RUNNING' AND $3::jsonb IS NOT NULL
		                             THEN $3::jsonb ELSE heartbeat_details END
		WHERE id = $1
		RETURNING `+taskColumns,
		taskID, now(), detailsJSON)
	if err != nil {
		return store.Task{}, notFound(err)
	}
	return row.domain(), nil
}

// Tasks implements store.Store.
func (s *Store) Tasks(ctx context.Context, executionID uuid.UUID) ([]store.Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+taskColumns+`
		FROM durable_activity_task
		WHERE execution_id = $1
		ORDER BY id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	return tasks(rows), nil
}

// ExpiredTasks implements store.Store.
func (s *Store) ExpiredTasks(ctx context.Context, t time.Time) ([]store.Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+taskColumns+`
		FROM durable_activity_task
		WHERE status = 'RUNNING'
		  AND ((expires_at IS NOT NULL AND expires_at <= $1)
		    OR (heartbeat_timeout > 0 AND last_heartbeat_at IS NOT NULL
		        AND last_heartbeat_at + make_interval(secs => heartbeat_timeout / 1e9) <= $1))`,
		t)
	if err != nil {
		return nil, fmt.Errorf("expired tasks: %w", err)
	}
	return tasks(rows), nil
}

// ExpireLeases implements store.Store.
func (s *Store) ExpireLeases(ctx context.Context, t time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE durable_activity_task
		SET status = 'QUEUED', attempt = attempt + 1,
		    locked_by = '', locked_until = NULL
		WHERE status = 'RUNNING' AND locked_until IS NOT NULL AND locked_until < $1`, t)
	if err != nil {
		return 0, fmt.Errorf("expire leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
