package inmem_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"goa.design/durable/store"
	"goa.design/durable/store/inmem"
)

func create(t *testing.T, st *inmem.Store) store.Execution {
	t.Helper()
	exec, err := st.CreateExecution(context.Background(), "order", map[string]any{"n": 1}, store.ExecutionOptions{})
	require.NoError(t, err)
	return exec
}

func enqueueOne(t *testing.T, st *inmem.Store, execID uuid.UUID, after time.Time) store.Task {
	t.Helper()
	require.NoError(t, st.EnqueueTasks(context.Background(), execID, []store.NewTask{{
		Name: "charge", Args: []any{1.0}, AfterTime: after, ScheduledPos: 1,
	}}))
	tasks, err := st.Tasks(context.Background(), execID)
	require.NoError(t, err)
	return tasks[len(tasks)-1]
}

func TestCreateExecutionWritesStartedEvent(t *testing.T) {
	st := inmem.New()
	exec := create(t, st)

	require.Equal(t, store.StatusPending, exec.Status)
	require.NotNil(t, exec.NextWakeupAt)

	_, events, err := st.Snapshot(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, store.KindWorkflowStarted, events[0].Kind)
	require.Equal(t, 0, events[0].Pos)
	require.Equal(t, map[string]any{"n": 1.0}, events[0].Payload["input"])
}

func TestLeaseSetsAttemptAndFence(t *testing.T) {
	st := inmem.New()
	exec := create(t, st)
	now := time.Now().UTC()
	enqueueOne(t, st, exec.ID, now)

	// A freshly queued task is already on attempt 1.
	queued, err := st.Tasks(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskQueued, queued[0].Status)
	require.Equal(t, 1, queued[0].Attempt)

	leased, err := st.LeaseDueTasks(context.Background(), now, 10, "w1", time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	task := leased[0]
	require.Equal(t, store.TaskRunning, task.Status)
	require.Equal(t, 1, task.Attempt)
	require.Equal(t, "w1", task.LockedBy)
	require.NotNil(t, task.LockedUntil)

	// Already leased: nothing left to lease.
	again, err := st.LeaseDueTasks(context.Background(), now, 10, "w2", time.Minute)
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestCompleteTaskFencedOnLease(t *testing.T) {
	st := inmem.New()
	exec := create(t, st)
	now := time.Now().UTC()
	enqueueOne(t, st, exec.ID, now)
	leased, err := st.LeaseDueTasks(context.Background(), now, 1, "w1", time.Minute)
	require.NoError(t, err)
	task := leased[0]

	// A worker that lost the lease cannot deliver.
	require.NoError(t, st.CompleteTask(context.Background(), task.ID, "w2",
		store.TaskCompleted, store.KindActivityCompleted, map[string]any{"result": 1.0, "scheduled_pos": 1}, ""))
	tasks, err := st.Tasks(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskRunning, tasks[0].Status)

	// The lease holder can.
	require.NoError(t, st.CompleteTask(context.Background(), task.ID, "w1",
		store.TaskCompleted, store.KindActivityCompleted, map[string]any{"result": 1.0, "scheduled_pos": 1}, ""))
	tasks, err = st.Tasks(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskCompleted, tasks[0].Status)
	require.Equal(t, 1.0, tasks[0].Result)

	_, events, err := st.Snapshot(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, store.KindActivityCompleted, events[len(events)-1].Kind)
}

func TestCompleteTaskOnTerminalExecutionWritesNoEvent(t *testing.T) {
	st := inmem.New()
	exec := create(t, st)
	now := time.Now().UTC()
	enqueueOne(t, st, exec.ID, now)
	leased, err := st.LeaseDueTasks(context.Background(), now, 1, "w1", time.Minute)
	require.NoError(t, err)

	_, _, err = st.CancelExecution(context.Background(), exec.ID, "late", false)
	require.NoError(t, err)
	_, before, err := st.Snapshot(context.Background(), exec.ID)
	require.NoError(t, err)

	require.NoError(t, st.CompleteTask(context.Background(), leased[0].ID, "w1",
		store.TaskCompleted, store.KindActivityCompleted, map[string]any{"result": 1.0}, ""))

	after, events, err := st.Snapshot(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, events, len(before), "terminal history must not grow")
	require.Nil(t, after.NextWakeupAt)
	tasks, err := st.Tasks(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskCompleted, tasks[0].Status, "result kept on the task for audit")
}

func TestStepCommitConflictsOnConcurrentAppend(t *testing.T) {
	st := inmem.New()
	exec := create(t, st)
	ctx := context.Background()

	// A signal lands between snapshot and commit.
	_, err := st.SignalExecution(ctx, exec.ID, "approve", nil)
	require.NoError(t, err)

	err = st.StepCommit(ctx, store.StepCommit{
		ExecutionID: exec.ID,
		BasePos:     1,
		Events:      []store.NewEvent{{Kind: store.KindSignalWait, Payload: map[string]any{"name": "approve"}}},
		Status:      store.StatusPending,
	})
	require.ErrorIs(t, err, store.ErrConflict)

	// Retrying against the fresh snapshot succeeds.
	err = st.StepCommit(ctx, store.StepCommit{
		ExecutionID: exec.ID,
		BasePos:     2,
		Events:      []store.NewEvent{{Kind: store.KindSignalWait, Payload: map[string]any{"name": "approve"}}},
		Status:      store.StatusPending,
	})
	require.NoError(t, err)
}

func TestSignalTerminalExecutionDropped(t *testing.T) {
	st := inmem.New()
	exec := create(t, st)
	ctx := context.Background()
	_, _, err := st.CancelExecution(ctx, exec.ID, "", true)
	require.NoError(t, err)

	delivered, err := st.SignalExecution(ctx, exec.ID, "approve", nil)
	require.NoError(t, err)
	require.False(t, delivered)
}

func TestCancelQueuedTasksAndIdempotence(t *testing.T) {
	st := inmem.New()
	exec := create(t, st)
	ctx := context.Background()
	enqueueOne(t, st, exec.ID, time.Now().UTC())

	canceled, changed, err := st.CancelExecution(ctx, exec.ID, "rollback", true)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, store.StatusCanceled, canceled.Status)
	require.Equal(t, "rollback", canceled.Error.Message)

	tasks, err := st.Tasks(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskCanceled, tasks[0].Status)

	_, changed, err = st.CancelExecution(ctx, exec.ID, "again", true)
	require.NoError(t, err)
	require.False(t, changed)
}

func TestExpireLeasesRequeues(t *testing.T) {
	st := inmem.New()
	exec := create(t, st)
	now := time.Now().UTC()
	enqueueOne(t, st, exec.ID, now)
	_, err := st.LeaseDueTasks(context.Background(), now, 1, "w1", 10*time.Millisecond)
	require.NoError(t, err)

	n, err := st.ExpireLeases(context.Background(), now.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	leased, err := st.LeaseDueTasks(context.Background(), now.Add(time.Second), 1, "w2", time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	require.Equal(t, 2, leased[0].Attempt)
}

func TestExpiredTasksByHeartbeat(t *testing.T) {
	st := inmem.New()
	exec := create(t, st)
	now := time.Now().UTC()
	require.NoError(t, st.EnqueueTasks(context.Background(), exec.ID, []store.NewTask{{
		Name: "charge", AfterTime: now, HeartbeatTimeout: 50 * time.Millisecond, ScheduledPos: 1,
	}}))
	_, err := st.LeaseDueTasks(context.Background(), now, 1, "w1", time.Minute)
	require.NoError(t, err)

	expired, err := st.ExpiredTasks(context.Background(), now.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, expired, 1)

	expired, err = st.ExpiredTasks(context.Background(), now.Add(10*time.Millisecond))
	require.NoError(t, err)
	require.Empty(t, expired)
}

func TestRecordHeartbeatOnlyWhileRunning(t *testing.T) {
	st := inmem.New()
	exec := create(t, st)
	now := time.Now().UTC()
	task := enqueueOne(t, st, exec.ID, now)

	// QUEUED: heartbeat ignored.
	got, err := st.RecordHeartbeat(context.Background(), task.ID, map[string]any{"done": 10})
	require.NoError(t, err)
	require.Nil(t, got.HeartbeatDetails)

	_, err = st.LeaseDueTasks(context.Background(), now, 1, "w1", time.Minute)
	require.NoError(t, err)
	got, err = st.RecordHeartbeat(context.Background(), task.ID, map[string]any{"done": 10})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"done": 10.0}, got.HeartbeatDetails)
	require.NotNil(t, got.LastHeartbeatAt)
}

func TestNextDueConsidersTasksAndWakeups(t *testing.T) {
	st := inmem.New()
	next, err := st.NextDue(context.Background())
	require.NoError(t, err)
	require.Nil(t, next)

	exec := create(t, st)
	soon := time.Now().UTC().Add(time.Hour)
	enqueueOne(t, st, exec.ID, soon)

	next, err = st.NextDue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, next)
	// The execution's own wakeup (now) precedes the task.
	require.True(t, next.Before(soon))
}

// History positions stay dense no matter how appends are batched.
func TestHistoryPosDenseProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	properties.Property("pos is dense and insertion-ordered", prop.ForAll(
		func(batches []int) bool {
			st := inmem.New()
			exec, err := st.CreateExecution(context.Background(), "wf", nil, store.ExecutionOptions{})
			if err != nil {
				return false
			}
			for _, n := range batches {
				evs := make([]store.NewEvent, n)
				for i := range evs {
					evs[i] = store.NewEvent{Kind: store.KindSignalReceived, Payload: map[string]any{"name": "s"}}
				}
				if err := st.AppendEvents(context.Background(), exec.ID, evs); err != nil {
					return false
				}
			}
			_, events, err := st.Snapshot(context.Background(), exec.ID)
			if err != nil {
				return false
			}
			for i, ev := range events {
				if ev.Pos != i {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 5)),
	))
	properties.TestingRun(t)
}
