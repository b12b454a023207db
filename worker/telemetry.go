package worker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics wraps the OTEL instruments the worker records on every tick.
// Uses the global MeterProvider; configure it before starting workers
// (typically via clue.ConfigureOpenTelemetry or OTEL env variables).
type metrics struct {
	tasks     metric.Int64Counter
	steps     metric.Int64Counter
	taskTime  metric.Float64Histogram
	conflicts metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter("goa.design/durable/worker")
	tasks, _ := meter.Int64Counter("durable.worker.tasks",
		metric.WithDescription("Activity tasks finished by this worker, by outcome"))
	steps, _ := meter.Int64Counter("durable.worker.steps",
		metric.WithDescription("Workflow steps driven by this worker"))
	taskTime, _ := meter.Float64Histogram("durable.worker.task_duration",
		metric.WithDescription("Activity execution time"),
		metric.WithUnit("s"))
	conflicts, _ := meter.Int64Counter("durable.worker.sweep_timeouts",
		metric.WithDescription("Tasks and executions timed out by the sweep"))
	return &metrics{tasks: tasks, steps: steps, taskTime: taskTime, conflicts: conflicts}
}

func (m *metrics) task(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.tasks.Add(ctx, 1, attrs)
	m.taskTime.Record(ctx, d.Seconds(), attrs)
}

func (m *metrics) step(ctx context.Context) {
	m.steps.Add(ctx, 1)
}

func (m *metrics) sweep(ctx context.Context, what string) {
	m.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("what", what)))
}
