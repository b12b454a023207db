package worker_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"goa.design/durable/engine"
	"goa.design/durable/registry"
	"goa.design/durable/retry"
	"goa.design/durable/store"
	"goa.design/durable/store/inmem"
	"goa.design/durable/worker"
)

var testOptions = worker.Options{
	Tick:     5 * time.Millisecond,
	Batch:    10,
	Procs:    4,
	LeaseFor: time.Second,
	ID:       "test-worker",
}

// runWorker starts a worker in the background and stops it on cleanup.
func runWorker(t *testing.T, st store.Store, reg *registry.Registry) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = worker.New(st, reg, testOptions).Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitTerminal(t *testing.T, st store.Store, id uuid.UUID) store.Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		exec, _, err := st.Snapshot(context.Background(), id)
		require.NoError(t, err)
		if exec.Status.Terminal() {
			return exec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("execution did not reach a terminal status")
	return store.Execution{}
}

func start(t *testing.T, st store.Store, workflow string, input map[string]any, opts store.ExecutionOptions) uuid.UUID {
	t.Helper()
	exec, err := st.CreateExecution(context.Background(), workflow, input, opts)
	require.NoError(t, err)
	return exec.ID
}

func TestWorkerRunsLinearWorkflow(t *testing.T) {
	var calls atomic.Int32
	reg := registry.New()
	require.NoError(t, reg.RegisterActivity("double", engine.ActivityOptions{}, func(_ context.Context, args []any) (any, error) {
		calls.Add(1)
		return args[0].(float64) * 2, nil
	}))
	require.NoError(t, reg.RegisterWorkflow("chain", engine.WorkflowOptions{}, func(ctx *engine.Context, input map[string]any) (any, error) {
		x, err := ctx.RunActivity("double", input["n"])
		if err != nil {
			return nil, err
		}
		return ctx.RunActivity("double", x)
	}))
	st := inmem.New()
	runWorker(t, st, reg)

	id := start(t, st, "chain", map[string]any{"n": 3}, store.ExecutionOptions{})
	exec := waitTerminal(t, st, id)

	require.Equal(t, store.StatusCompleted, exec.Status)
	require.Equal(t, 12.0, exec.Result)
	require.Equal(t, int32(2), calls.Load(), "each activity must run exactly once")
}

func TestWorkerFiresTimerInline(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterWorkflow("nap", engine.WorkflowOptions{}, func(ctx *engine.Context, _ map[string]any) (any, error) {
		ctx.Sleep(30 * time.Millisecond)
		return "rested", nil
	}))
	st := inmem.New()
	runWorker(t, st, reg)

	started := time.Now()
	id := start(t, st, "nap", nil, store.ExecutionOptions{})
	exec := waitTerminal(t, st, id)

	require.Equal(t, store.StatusCompleted, exec.Status)
	require.Equal(t, "rested", exec.Result)
	require.GreaterOrEqual(t, time.Since(started), 30*time.Millisecond)

	_, events, err := st.Snapshot(context.Background(), id)
	require.NoError(t, err)
	var fired bool
	for _, ev := range events {
		fired = fired || ev.Kind == store.KindTimerFired
	}
	require.True(t, fired)

	tasks, err := st.Tasks(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, store.SleepActivity, tasks[0].Name)
	require.Equal(t, store.TaskCompleted, tasks[0].Status)
}

func TestWorkerRetriesUntilSuccess(t *testing.T) {
	var attempts atomic.Int32
	reg := registry.New()
	require.NoError(t, reg.RegisterActivity("flaky", engine.ActivityOptions{
		Retry: retry.Policy{InitialInterval: time.Millisecond, BackoffCoefficient: 1, MaximumAttempts: 3},
	}, func(_ context.Context, _ []any) (any, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	}))
	require.NoError(t, reg.RegisterWorkflow("retrying", engine.WorkflowOptions{}, func(ctx *engine.Context, _ map[string]any) (any, error) {
		return ctx.RunActivity("flaky")
	}))
	st := inmem.New()
	runWorker(t, st, reg)

	id := start(t, st, "retrying", nil, store.ExecutionOptions{})
	exec := waitTerminal(t, st, id)

	require.Equal(t, store.StatusCompleted, exec.Status)
	require.Equal(t, "ok", exec.Result)
	require.Equal(t, int32(3), attempts.Load())

	tasks, err := st.Tasks(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, tasks, 1, "retries reuse the task row")
	require.Equal(t, 3, tasks[0].Attempt)
}

func TestWorkerExhaustsRetryBudget(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterActivity("broken", engine.ActivityOptions{
		Retry: retry.Policy{InitialInterval: time.Millisecond, BackoffCoefficient: 1, MaximumAttempts: 2},
	}, func(_ context.Context, _ []any) (any, error) {
		return nil, errors.New("hard down")
	}))
	require.NoError(t, reg.RegisterWorkflow("doomed", engine.WorkflowOptions{}, func(ctx *engine.Context, _ map[string]any) (any, error) {
		return ctx.RunActivity("broken")
	}))
	st := inmem.New()
	runWorker(t, st, reg)

	id := start(t, st, "doomed", nil, store.ExecutionOptions{})
	exec := waitTerminal(t, st, id)

	require.Equal(t, store.StatusFailed, exec.Status)
	require.Equal(t, string(engine.KindActivityFailed), exec.Error.Kind)
	require.Contains(t, exec.Error.Message, "hard down")

	tasks, err := st.Tasks(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, store.TaskFailed, tasks[0].Status)
	require.Equal(t, 2, tasks[0].Attempt)
}

func TestWorkerFailsUnregisteredActivity(t *testing.T) {
	scheduling := registry.New()
	require.NoError(t, scheduling.RegisterActivity("charge", engine.ActivityOptions{}, func(_ context.Context, _ []any) (any, error) {
		return nil, nil
	}))
	body := func(ctx *engine.Context, _ map[string]any) (any, error) {
		return ctx.RunActivity("charge", 1)
	}
	require.NoError(t, scheduling.RegisterWorkflow("order", engine.WorkflowOptions{}, body))

	// The worker's registry knows the workflow but not the activity.
	executing := registry.New()
	require.NoError(t, executing.RegisterWorkflow("order", engine.WorkflowOptions{}, body))

	st := inmem.New()
	id := start(t, st, "order", nil, store.ExecutionOptions{})
	require.NoError(t, engine.NewScheduler(st, scheduling).Step(context.Background(), id))
	runWorker(t, st, executing)

	exec := waitTerminal(t, st, id)
	require.Equal(t, store.StatusFailed, exec.Status)
	require.Equal(t, string(engine.KindNotRegistered), exec.Error.Kind)
}

func TestWorkerRecordsHeartbeats(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterActivity("long", engine.ActivityOptions{
		HeartbeatTimeout: time.Second,
	}, func(ctx context.Context, _ []any) (any, error) {
		if err := engine.Heartbeat(ctx, map[string]any{"progress": 0.5}); err != nil {
			return nil, err
		}
		return "done", nil
	}))
	require.NoError(t, reg.RegisterWorkflow("tracked", engine.WorkflowOptions{}, func(ctx *engine.Context, _ map[string]any) (any, error) {
		return ctx.RunActivity("long")
	}))
	st := inmem.New()
	runWorker(t, st, reg)

	id := start(t, st, "tracked", nil, store.ExecutionOptions{})
	exec := waitTerminal(t, st, id)
	require.Equal(t, store.StatusCompleted, exec.Status)

	tasks, err := st.Tasks(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"progress": 0.5}, tasks[0].HeartbeatDetails)
}

func TestWorkerTimesOutActivity(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterActivity("stuck", engine.ActivityOptions{
		Timeout: 20 * time.Millisecond,
	}, func(ctx context.Context, _ []any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	require.NoError(t, reg.RegisterWorkflow("stalls", engine.WorkflowOptions{}, func(ctx *engine.Context, _ map[string]any) (any, error) {
		return ctx.RunActivity("stuck")
	}))
	st := inmem.New()
	runWorker(t, st, reg)

	id := start(t, st, "stalls", nil, store.ExecutionOptions{})
	exec := waitTerminal(t, st, id)

	require.Equal(t, store.StatusFailed, exec.Status)
	require.Equal(t, string(engine.KindActivityTimedOut), exec.Error.Kind)

	tasks, err := st.Tasks(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, store.TaskTimedOut, tasks[0].Status)
}

func TestWorkerTimesOutExecution(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterWorkflow("slow", engine.WorkflowOptions{}, func(ctx *engine.Context, _ map[string]any) (any, error) {
		ctx.Sleep(time.Hour)
		return nil, nil
	}))
	st := inmem.New()
	runWorker(t, st, reg)

	id := start(t, st, "slow", nil, store.ExecutionOptions{Timeout: 30 * time.Millisecond})
	exec := waitTerminal(t, st, id)

	require.Equal(t, store.StatusTimedOut, exec.Status)
	require.Equal(t, string(engine.KindWorkflowTimedOut), exec.Error.Kind)

	// The parked timer task was canceled with its execution.
	tasks, err := st.Tasks(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, store.TaskCanceled, tasks[0].Status)
}

func TestLoadOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"tick: 250ms\nbatch: 32\nprocs: 8\niterations: 5\nlease_for: 30s\nid: w-7\n"), 0o600))

	opts, err := worker.LoadOptions(path)
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, opts.Tick)
	require.Equal(t, 32, opts.Batch)
	require.Equal(t, 8, opts.Procs)
	require.Equal(t, 5, opts.Iterations)
	require.Equal(t, 30*time.Second, opts.LeaseFor)
	require.Equal(t, "w-7", opts.ID)

	_, err = worker.LoadOptions(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
