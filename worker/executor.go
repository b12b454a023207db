package worker

import (
	"context"
	"fmt"
	"time"

	"goa.design/durable/engine"
	"goa.design/durable/store"
)

type (
	// Executor runs activity bodies in isolation. Implementations must be
	// able to abandon a running activity when its deadline elapses while
	// still delivering the result or failure on normal completion; the
	// deadline is the earlier of the task's schedule-to-close expiry and
	// the worker's lease.
	Executor interface {
		Execute(ctx context.Context, fn engine.ActivityFunc, task store.Task) (any, error)
	}

	// Local runs activities on in-process goroutines. A deadline elapsing
	// cancels the activity's context and abandons the goroutine; a late
	// result is discarded by the store's lease fencing, so the containment
	// contract holds without OS-level isolation.
	Local struct{}
)

// Execute implements Executor.
func (Local) Execute(ctx context.Context, fn engine.ActivityFunc, task store.Task) (any, error) {
	deadline, ok := taskDeadline(task)
	if ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	type outcome struct {
		result any
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("activity panic: %v", r)}
			}
		}()
		res, err := fn(ctx, task.Args)
		ch <- outcome{result: res, err: err}
	}()

	select {
	case o := <-ch:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// taskDeadline returns the earlier of the schedule-to-close expiry and the
// lease end, if either is set.
func taskDeadline(task store.Task) (time.Time, bool) {
	var d time.Time
	if task.ExpiresAt != nil {
		d = *task.ExpiresAt
	}
	if task.LockedUntil != nil && (d.IsZero() || task.LockedUntil.Before(d)) {
		d = *task.LockedUntil
	}
	return d, !d.IsZero()
}
