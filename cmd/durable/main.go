package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"goa.design/clue/log"

	"goa.design/durable/cli"
	"goa.design/durable/engine"
	"goa.design/durable/registry"
	"goa.design/durable/retry"
)

func main() {
	var (
		dsn    = flag.String("dsn", "", "PostgreSQL DSN (defaults to DURABLE_DSN)")
		debug  = flag.Bool("debug", false, "enable debug logging")
		format = flag.String("format", "terminal", "log format (terminal or json)")
	)
	flag.Parse()

	lf := log.FormatTerminal
	if *format == "json" {
		lf = log.FormatJSON
	}
	ctx := log.Context(context.Background(), log.WithFormat(lf))
	if *debug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := cli.Run(ctx, cli.Config{
		Registry: demoRegistry(),
		DSN:      *dsn,
	}, flag.Args())
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error(ctx, err)
		os.Exit(1)
	}
}

// demoRegistry wires the example order workflow used throughout the docs.
// Host applications build their own registry and call cli.Run themselves.
func demoRegistry() *registry.Registry {
	reg := registry.New()

	must(reg.RegisterActivity("charge", engine.ActivityOptions{
		Timeout: 30 * time.Second,
		Retry:   retry.Policy{InitialInterval: time.Second, BackoffCoefficient: 2, MaximumAttempts: 3},
	}, func(_ context.Context, args []any) (any, error) {
		amount, ok := args[0].(float64)
		if !ok {
			return nil, fmt.Errorf("charge: expected numeric amount, got %T", args[0])
		}
		return map[string]any{"charged": amount}, nil
	}))

	must(reg.RegisterActivity("ship", engine.ActivityOptions{Timeout: time.Minute}, func(_ context.Context, args []any) (any, error) {
		return map[string]any{"shipped": args[0]}, nil
	}))

	must(reg.RegisterWorkflow("order", engine.WorkflowOptions{Timeout: time.Hour}, func(ctx *engine.Context, input map[string]any) (any, error) {
		charge, err := ctx.RunActivity("charge", input["amount"])
		if err != nil {
			return nil, err
		}
		approval, err := ctx.WaitSignal("approve")
		if err != nil {
			return nil, err
		}
		ctx.Sleep(2 * time.Second)
		shipped, err := ctx.RunActivity("ship", input["order_id"])
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"charge":   charge,
			"approval": approval,
			"shipment": shipped,
		}, nil
	}))

	return reg
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
