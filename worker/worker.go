// Package worker drives durable executions to completion. A worker polls
// the store for due activity tasks and runnable executions, executes
// activities in isolated tasks, enforces timeout and heartbeat deadlines,
// and sleeps until the nearest due time. Multiple workers may run against
// the same store; row leases and transactional commits serialize them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"goa.design/durable/engine"
	"goa.design/durable/store"
)

// Options configures a worker.
type Options struct {
	// Tick is the maximum poll interval. The loop sleeps less when work
	// is due sooner.
	Tick time.Duration `yaml:"tick"`
	// Batch bounds tasks leased and executions stepped per tick.
	Batch int `yaml:"batch"`
	// Procs bounds concurrently executing activities.
	Procs int `yaml:"procs"`
	// Iterations bounds loop ticks; zero runs until the context ends.
	// Non-zero values make tests and drain scripts deterministic.
	Iterations int `yaml:"iterations"`
	// LeaseFor is the task lease duration. A worker that dies holds its
	// leases at most this long before the tasks return to the queue.
	LeaseFor time.Duration `yaml:"lease_for"`
	// ID identifies this worker in task leases. Defaults to hostname plus
	// a random suffix.
	ID string `yaml:"id"`
}

// LoadOptions reads worker options from a YAML file. Durations use the Go
// syntax ("500ms", "1m30s").
func LoadOptions(path string) (Options, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("read worker config: %w", err)
	}
	var raw struct {
		Tick       string `yaml:"tick"`
		Batch      int    `yaml:"batch"`
		Procs      int    `yaml:"procs"`
		Iterations int    `yaml:"iterations"`
		LeaseFor   string `yaml:"lease_for"`
		ID         string `yaml:"id"`
	}
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return Options{}, fmt.Errorf("parse worker config: %w", err)
	}
	opts := Options{
		Batch:      raw.Batch,
		Procs:      raw.Procs,
		Iterations: raw.Iterations,
		ID:         raw.ID,
	}
	if raw.Tick != "" {
		if opts.Tick, err = time.ParseDuration(raw.Tick); err != nil {
			return Options{}, fmt.Errorf("parse worker config tick: %w", err)
		}
	}
	if raw.LeaseFor != "" {
		if opts.LeaseFor, err = time.ParseDuration(raw.LeaseFor); err != nil {
			return Options{}, fmt.Errorf("parse worker config lease_for: %w", err)
		}
	}
	return opts, nil
}

func (o *Options) defaults() {
	if o.Tick <= 0 {
		o.Tick = 500 * time.Millisecond
	}
	if o.Batch <= 0 {
		o.Batch = 10
	}
	if o.Procs <= 0 {
		o.Procs = 4
	}
	if o.LeaseFor <= 0 {
		o.LeaseFor = time.Minute
	}
	if o.ID == "" {
		host, _ := os.Hostname()
		o.ID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
}

// Worker polls a store and drives activities and workflow steps.
type Worker struct {
	opts    Options
	store   store.Store
	reg     engine.Registry
	sched   *engine.Scheduler
	exec    Executor
	metrics *metrics
}

// New returns a worker over the given store and registry using the local
// in-process executor.
func New(st store.Store, reg engine.Registry, opts Options) *Worker {
	return NewWithExecutor(st, reg, Local{}, opts)
}

// NewWithExecutor returns a worker with a custom activity executor.
func NewWithExecutor(st store.Store, reg engine.Registry, exec Executor, opts Options) *Worker {
	opts.defaults()
	return &Worker{
		opts:    opts,
		store:   st,
		reg:     reg,
		sched:   engine.NewScheduler(st, reg),
		exec:    exec,
		metrics: newMetrics(),
	}
}

// Run executes the poll loop until the context ends or the configured
// iteration bound is reached.
func (w *Worker) Run(ctx context.Context) error {
	log.Info(ctx, log.KV{K: "msg", V: "worker started"},
		log.KV{K: "worker", V: w.opts.ID},
		log.KV{K: "tick", V: w.opts.Tick.String()},
		log.KV{K: "batch", V: w.opts.Batch},
		log.KV{K: "procs", V: w.opts.Procs})
	for i := 0; w.opts.Iterations == 0 || i < w.opts.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.tick(ctx)
		if w.opts.Iterations > 0 && i == w.opts.Iterations-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.nextSleep(ctx)):
		}
	}
	log.Info(ctx, log.KV{K: "msg", V: "worker stopped"}, log.KV{K: "worker", V: w.opts.ID})
	return nil
}

// tick runs one iteration: reap lapsed leases, sweep deadlines, execute
// due tasks, step runnable executions.
func (w *Worker) tick(ctx context.Context) {
	now := time.Now().UTC()

	if n, err := w.store.ExpireLeases(ctx, now); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "lease reap failed"})
	} else if n > 0 {
		log.Info(ctx, log.KV{K: "msg", V: "reaped lapsed leases"}, log.KV{K: "count", V: n})
	}

	w.sweepTasks(ctx, now)
	w.sweepExecutions(ctx, now)
	w.runDueTasks(ctx, now)
	w.stepRunnables(ctx, now)
}

// sweepTasks times out RUNNING tasks past their schedule-to-close or
// heartbeat deadline. Within the retry budget the task is requeued with
// backoff and no history event; the terminal event fires only on the final
// attempt.
func (w *Worker) sweepTasks(ctx context.Context, now time.Time) {
	tasks, err := w.store.ExpiredTasks(ctx, now)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "task sweep failed"})
		return
	}
	for _, task := range tasks {
		w.metrics.sweep(ctx, "task")
		cause := "schedule-to-close timeout exceeded"
		if task.HeartbeatTimeout > 0 && task.LastHeartbeatAt != nil &&
			!task.LastHeartbeatAt.Add(task.HeartbeatTimeout).After(now) {
			cause = "heartbeat timeout exceeded"
		}
		if task.Retry.ShouldRetry(task.Attempt) {
			after := now.Add(task.Retry.Backoff(task.Attempt))
			if err := w.store.RequeueTask(ctx, task.ID, task.LockedBy, after, cause); err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "requeue failed"}, log.KV{K: "task", V: task.ID})
			}
			continue
		}
		e := engine.Errorf(engine.KindActivityTimedOut, "activity %s: %s", task.Name, cause)
		if err := w.store.CompleteTask(ctx, task.ID, task.LockedBy, store.TaskTimedOut,
			store.KindActivityTimedOut, terminalPayload(task, map[string]any{"error": errObject(e)}), e.Message); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "timeout commit failed"}, log.KV{K: "task", V: task.ID})
		}
	}
}

// sweepExecutions times out executions past their absolute deadline and
// cascades cancellation to their children.
func (w *Worker) sweepExecutions(ctx context.Context, now time.Time) {
	execs, err := w.store.ExpiredExecutions(ctx, now)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "execution sweep failed"})
		return
	}
	for _, exec := range execs {
		w.metrics.sweep(ctx, "execution")
		e := engine.Errorf(engine.KindWorkflowTimedOut, "workflow %s timed out", exec.WorkflowName)
		if _, err := engine.Terminate(ctx, w.store, exec.ID, store.StatusTimedOut,
			store.KindWorkflowTimedOut, e); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "timeout terminate failed"},
				log.KV{K: "execution", V: exec.ID.String()})
		}
	}
}

// runDueTasks leases due tasks and dispatches them to the executor, at
// most Procs at a time. Timer tasks complete inline: their "execution" is
// pure scheduling.
func (w *Worker) runDueTasks(ctx context.Context, now time.Time) {
	tasks, err := w.store.LeaseDueTasks(ctx, now, w.opts.Batch, w.opts.ID, w.opts.LeaseFor)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "lease failed"})
		return
	}
	g := &errgroup.Group{}
	g.SetLimit(w.opts.Procs)
	for _, task := range tasks {
		g.Go(func() error {
			w.runTask(ctx, task)
			return nil
		})
	}
	_ = g.Wait()
}

func (w *Worker) runTask(ctx context.Context, task store.Task) {
	start := time.Now()

	if task.Name == store.SleepActivity {
		if err := w.store.CompleteTask(ctx, task.ID, task.LockedBy, store.TaskCompleted,
			store.KindTimerFired, terminalPayload(task, nil), ""); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "timer completion failed"}, log.KV{K: "task", V: task.ID})
		}
		w.metrics.task(ctx, "timer", time.Since(start))
		return
	}

	fn, _, err := w.reg.Activity(task.Name)
	if err != nil {
		// Registry disagreement between scheduler and worker; not retryable.
		e := engine.Errorf(engine.KindNotRegistered, "activity %q is not registered on worker %s", task.Name, w.opts.ID)
		w.finishTask(ctx, task, store.TaskFailed, store.KindActivityFailed, e)
		w.metrics.task(ctx, "not_registered", time.Since(start))
		return
	}

	actx := engine.WithHeartbeat(ctx, func(hctx context.Context, details map[string]any) error {
		_, err := w.store.RecordHeartbeat(hctx, task.ID, details)
		return err
	})
	result, err := w.exec.Execute(actx, fn, task)
	if err != nil {
		w.failTask(ctx, task, err)
		w.metrics.task(ctx, "failed", time.Since(start))
		return
	}

	norm, err := normalizeResult(result)
	if err != nil {
		// A non-serializable result is deterministic; retrying cannot help.
		w.finishTask(ctx, task, store.TaskFailed, store.KindActivityFailed,
			engine.Errorf(engine.KindSerialization, "activity %s: %v", task.Name, err))
		w.metrics.task(ctx, "serialization", time.Since(start))
		return
	}
	if err := w.store.CompleteTask(ctx, task.ID, task.LockedBy, store.TaskCompleted,
		store.KindActivityCompleted, terminalPayload(task, map[string]any{"result": norm}), ""); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "completion failed"}, log.KV{K: "task", V: task.ID})
	}
	w.metrics.task(ctx, "completed", time.Since(start))
}

// failTask applies the retry policy to a failed or timed-out attempt.
func (w *Worker) failTask(ctx context.Context, task store.Task, cause error) {
	timedOut := errors.Is(cause, context.DeadlineExceeded)
	if task.Retry.ShouldRetry(task.Attempt) {
		after := time.Now().UTC().Add(task.Retry.Backoff(task.Attempt))
		if err := w.store.RequeueTask(ctx, task.ID, task.LockedBy, after, cause.Error()); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "requeue failed"}, log.KV{K: "task", V: task.ID})
		}
		log.Debug(ctx, log.KV{K: "msg", V: "activity retry scheduled"},
			log.KV{K: "task", V: task.ID},
			log.KV{K: "attempt", V: task.Attempt},
			log.KV{K: "after", V: after.Format(time.RFC3339)})
		return
	}
	if timedOut {
		w.finishTask(ctx, task, store.TaskTimedOut, store.KindActivityTimedOut,
			engine.Errorf(engine.KindActivityTimedOut, "activity %s timed out", task.Name))
		return
	}
	w.finishTask(ctx, task, store.TaskFailed, store.KindActivityFailed,
		engine.Errorf(engine.KindActivityFailed, "%s", cause.Error()))
}

func (w *Worker) finishTask(ctx context.Context, task store.Task, status store.TaskStatus, kind store.EventKind, e *engine.Error) {
	payload := terminalPayload(task, map[string]any{"error": errObject(e)})
	if err := w.store.CompleteTask(ctx, task.ID, task.LockedBy, status, kind, payload, e.Message); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "task finalization failed"}, log.KV{K: "task", V: task.ID})
	}
}

// stepRunnables advances executions whose wakeup is due.
func (w *Worker) stepRunnables(ctx context.Context, now time.Time) {
	execs, err := w.store.FetchRunnable(ctx, now, w.opts.Batch)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "runnable fetch failed"})
		return
	}
	for _, exec := range execs {
		if err := w.sched.Step(ctx, exec.ID); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "step failed"},
				log.KV{K: "execution", V: exec.ID.String()})
			continue
		}
		w.metrics.step(ctx)
	}
}

// nextSleep computes the pause before the next tick: time until the
// nearest due work, clamped to [0, Tick].
func (w *Worker) nextSleep(ctx context.Context) time.Duration {
	next, err := w.store.NextDue(ctx)
	if err != nil || next == nil {
		return w.opts.Tick
	}
	d := time.Until(*next)
	if d < 0 {
		return 0
	}
	if d > w.opts.Tick {
		return w.opts.Tick
	}
	return d
}

// terminalPayload builds the history payload pairing a task's terminal
// event with its schedule event.
func terminalPayload(task store.Task, extra map[string]any) map[string]any {
	p := map[string]any{
		"name":          task.Name,
		"scheduled_pos": task.ScheduledPos,
	}
	for k, v := range extra {
		p[k] = v
	}
	return p
}

func errObject(e *engine.Error) map[string]any {
	return map[string]any{"kind": string(e.Kind), "message": e.Message}
}

func normalizeResult(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	return engine.NormalizePayload(v)
}
