package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"goa.design/durable/store"
)

// Cancel terminally cancels an execution: status CANCELED with its
// WORKFLOW_CANCELED event, queued activity tasks canceled when cancelQueued
// is set, the parent notified, and every non-terminal child canceled
// recursively. Already-terminal executions are a no-op and return false.
//
// Already-running activities are not preempted; their results are ignored
// because no further steps occur on a terminal execution.
func Cancel(ctx context.Context, st store.Store, id uuid.UUID, reason string, cancelQueued bool) (bool, error) {
	exec, canceled, err := st.CancelExecution(ctx, id, reason, cancelQueued)
	if err != nil {
		return false, fmt.Errorf("cancel %s: %w", id, err)
	}
	if !canceled {
		return false, nil
	}
	log.Info(ctx, log.KV{K: "msg", V: "workflow canceled"},
		log.KV{K: "execution", V: id.String()},
		log.KV{K: "reason", V: reason})

	e := &Error{Kind: KindCanceled, Message: reason}
	if reason == "" {
		e.Message = "workflow canceled"
	}
	if n := notice(exec, store.KindChildFailed, map[string]any{"error": errorPayload(e)}); n != nil {
		if err := st.NotifyParent(ctx, *n); err != nil {
			return true, fmt.Errorf("notify parent of %s: %w", id, err)
		}
	}
	return true, cascade(ctx, st, id, "parent canceled", cancelQueued)
}

// Terminate applies a worker-observed terminal transition (typically
// WORKFLOW_TIMED_OUT), notifies the parent and cascades cancellation to
// non-terminal children. Returns false when the execution was already
// terminal.
func Terminate(ctx context.Context, st store.Store, id uuid.UUID, status store.Status, kind store.EventKind, e *Error) (bool, error) {
	exec, terminated, err := st.TerminateExecution(ctx, id, status, kind, e.Failure())
	if err != nil {
		return false, fmt.Errorf("terminate %s: %w", id, err)
	}
	if !terminated {
		return false, nil
	}
	if n := notice(exec, store.KindChildFailed, map[string]any{"error": errorPayload(e)}); n != nil {
		if err := st.NotifyParent(ctx, *n); err != nil {
			return true, fmt.Errorf("notify parent of %s: %w", id, err)
		}
	}
	return true, cascade(ctx, st, id, e.Message, true)
}

func cascade(ctx context.Context, st store.Store, id uuid.UUID, reason string, cancelQueued bool) error {
	children, err := st.Children(ctx, id)
	if err != nil {
		return fmt.Errorf("list children of %s: %w", id, err)
	}
	for _, child := range children {
		if child.Status.Terminal() {
			continue
		}
		if _, err := Cancel(ctx, st, child.ID, reason, cancelQueued); err != nil {
			return err
		}
	}
	return nil
}
