package durable_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	durable "goa.design/durable"
	"goa.design/durable/engine"
	"goa.design/durable/registry"
	"goa.design/durable/store"
	"goa.design/durable/store/inmem"
	"goa.design/durable/worker"
)

func newClient(st store.Store, reg *registry.Registry) *durable.Client {
	return durable.NewClient(st, reg, durable.WithPollInterval(5*time.Millisecond))
}

// runWorker starts a named worker in the background and returns its stop
// function. Tests stop one worker and start another to simulate a crash.
func runWorker(t *testing.T, st store.Store, reg *registry.Registry, id string) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = worker.New(st, reg, worker.Options{
			Tick:     5 * time.Millisecond,
			LeaseFor: time.Second,
			ID:       id,
		}).Run(ctx)
	}()
	stop := func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return stop
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRunWorkflowEndToEnd(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterActivity("add", engine.ActivityOptions{}, func(_ context.Context, args []any) (any, error) {
		return args[0].(float64) + args[1].(float64), nil
	}))
	require.NoError(t, reg.RegisterWorkflow("sum", engine.WorkflowOptions{}, func(ctx *engine.Context, input map[string]any) (any, error) {
		x, err := ctx.RunActivity("add", input["a"], input["b"])
		if err != nil {
			return nil, err
		}
		return ctx.RunActivity("add", x, 10)
	}))
	st := inmem.New()
	runWorker(t, st, reg, "w1")

	result, err := newClient(st, reg).RunWorkflow(waitCtx(t), "sum", map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	require.Equal(t, 13.0, result)
}

func TestWorkflowSurvivesWorkerCrash(t *testing.T) {
	var before, after atomic.Int32
	reg := registry.New()
	require.NoError(t, reg.RegisterActivity("before", engine.ActivityOptions{}, func(_ context.Context, _ []any) (any, error) {
		before.Add(1)
		return "pre", nil
	}))
	require.NoError(t, reg.RegisterActivity("after", engine.ActivityOptions{}, func(_ context.Context, _ []any) (any, error) {
		after.Add(1)
		return "post", nil
	}))
	require.NoError(t, reg.RegisterWorkflow("resumable", engine.WorkflowOptions{}, func(ctx *engine.Context, _ map[string]any) (any, error) {
		if _, err := ctx.RunActivity("before"); err != nil {
			return nil, err
		}
		ctx.Sleep(40 * time.Millisecond)
		return ctx.RunActivity("after")
	}))
	st := inmem.New()
	client := newClient(st, reg)
	ctx := waitCtx(t)

	stop := runWorker(t, st, reg, "w1")
	id, err := client.StartWorkflow(ctx, "resumable", nil)
	require.NoError(t, err)

	// Wait for the first activity to finish, then kill the worker while the
	// execution is parked on the durable timer.
	require.Eventually(t, func() bool { return before.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()

	runWorker(t, st, reg, "w2")
	result, err := client.WaitWorkflow(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "post", result)
	require.Equal(t, int32(1), before.Load(), "completed steps must not re-execute on resume")
	require.Equal(t, int32(1), after.Load())
}

func TestSignalWorkflowDelivery(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterWorkflow("approval", engine.WorkflowOptions{}, func(ctx *engine.Context, _ map[string]any) (any, error) {
		return ctx.WaitSignal("approve")
	}))
	st := inmem.New()
	runWorker(t, st, reg, "w1")
	client := newClient(st, reg)
	ctx := waitCtx(t)

	id, err := client.StartWorkflow(ctx, "approval", nil)
	require.NoError(t, err)

	// Let the execution park on the signal wait first.
	require.Eventually(t, func() bool {
		exec, _, err := st.Snapshot(ctx, id)
		return err == nil && exec.NextWakeupAt == nil
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, client.SignalWorkflow(ctx, id, "approve", map[string]any{"by": "ops"}))
	result, err := client.WaitWorkflow(ctx, id)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"by": "ops"}, result)

	// Signals to terminal executions are dropped, not errors.
	require.NoError(t, client.SignalWorkflow(ctx, id, "approve", nil))
}

func TestCancelDuringSleep(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterWorkflow("hibernate", engine.WorkflowOptions{}, func(ctx *engine.Context, _ map[string]any) (any, error) {
		ctx.Sleep(time.Hour)
		return nil, nil
	}))
	st := inmem.New()
	runWorker(t, st, reg, "w1")
	client := newClient(st, reg)
	ctx := waitCtx(t)

	id, err := client.StartWorkflow(ctx, "hibernate", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		tasks, err := st.Tasks(ctx, id)
		return err == nil && len(tasks) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, client.CancelWorkflow(ctx, id, "user clicked abort"))

	_, err = client.WaitWorkflow(ctx, id)
	var failure *durable.WorkflowFailure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, "CANCELED", failure.Kind)
	require.Equal(t, "user clicked abort", failure.Message)

	tasks, err := st.Tasks(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.TaskCanceled, tasks[0].Status)
}

func TestWaitWorkflowSurfacesFailure(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterWorkflow("broken", engine.WorkflowOptions{}, func(_ *engine.Context, _ map[string]any) (any, error) {
		return nil, engine.Errorf(engine.KindInternal, "ledger out of balance")
	}))
	st := inmem.New()
	runWorker(t, st, reg, "w1")

	_, err := newClient(st, reg).RunWorkflow(waitCtx(t), "broken", nil)
	var failure *durable.WorkflowFailure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, string(engine.KindInternal), failure.Kind)
	require.Contains(t, failure.Error(), "ledger out of balance")
}

func TestStartWorkflowValidation(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterWorkflow("order", engine.WorkflowOptions{}, func(_ *engine.Context, _ map[string]any) (any, error) {
		return nil, nil
	}))
	client := newClient(inmem.New(), reg)
	ctx := context.Background()

	_, err := client.StartWorkflow(ctx, "ghost", nil)
	require.Equal(t, engine.KindNotRegistered, engine.KindOf(err))

	_, err = client.StartWorkflow(ctx, "order", map[string]any{"fn": func() {}})
	require.Equal(t, engine.KindSerialization, engine.KindOf(err))
}

func TestQueryWorkflowStatusAndCustom(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterWorkflow("order", engine.WorkflowOptions{}, func(ctx *engine.Context, _ map[string]any) (any, error) {
		return ctx.WaitSignal("done")
	}))
	require.NoError(t, reg.RegisterQuery("order", "history_len", func(q engine.QueryInfo, _ any) (any, error) {
		return len(q.Events), nil
	}))
	st := inmem.New()
	client := newClient(st, reg)
	ctx := context.Background()

	id, err := client.StartWorkflow(ctx, "order", map[string]any{"sku": "A-1"})
	require.NoError(t, err)

	status, err := client.QueryWorkflow(ctx, id, durable.StatusQuery, nil)
	require.NoError(t, err)
	m := status.(map[string]any)
	require.Equal(t, id.String(), m["id"])
	require.Equal(t, "order", m["workflow_name"])
	require.Equal(t, string(store.StatusPending), m["status"])
	require.Equal(t, 0, m["pending_activities"])
	require.Nil(t, m["error"])

	custom, err := client.QueryWorkflow(ctx, id, "history_len", nil)
	require.NoError(t, err)
	require.Equal(t, 1, custom)

	_, err = client.QueryWorkflow(ctx, id, "ghost", nil)
	require.Equal(t, engine.KindNotRegistered, engine.KindOf(err))
}

func TestStatusQueryReportsFailureDetail(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterWorkflow("broken", engine.WorkflowOptions{}, func(_ *engine.Context, _ map[string]any) (any, error) {
		return nil, engine.Errorf(engine.KindInternal, "boom")
	}))
	st := inmem.New()
	runWorker(t, st, reg, "w1")
	client := newClient(st, reg)
	ctx := waitCtx(t)

	id, err := client.StartWorkflow(ctx, "broken", nil)
	require.NoError(t, err)
	_, err = client.WaitWorkflow(ctx, id)
	require.Error(t, err)

	status, err := client.QueryWorkflow(ctx, id, durable.StatusQuery, nil)
	require.NoError(t, err)
	m := status.(map[string]any)
	require.Equal(t, string(store.StatusFailed), m["status"])
	require.Equal(t, map[string]any{"kind": "INTERNAL", "message": "boom"}, m["error"])
}
