// Package cli implements the durable command surface: run a worker, start
// workflows, deliver signals, cancel executions and print status. Host
// binaries register their workflows and hand the registry to Run; every
// subcommand is a thin wrapper over the engine's public operations.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	durable "goa.design/durable"
	"goa.design/durable/registry"
	"goa.design/durable/store"
	"goa.design/durable/store/postgres"
	"goa.design/durable/worker"
)

// Config carries the dependencies shared by all subcommands.
type Config struct {
	// Registry holds the host application's workflows and activities.
	Registry *registry.Registry
	// DSN is the PostgreSQL connection string. Defaults to the
	// DURABLE_DSN environment variable.
	DSN string
	// Store overrides DSN when set. Used by tests and by hosts that
	// manage their own database handle.
	Store store.Store
	// Out receives command output. Defaults to os.Stdout.
	Out io.Writer
}

const usage = `usage: durable [-dsn DSN] COMMAND [ARGS]

Commands:
  worker   run the worker loop
  start    start a workflow and print its execution id
  signal   deliver a signal to an execution
  cancel   cancel an execution
  status   print an execution's status or run a query
  migrate  apply pending database migrations
`

// Run parses args (without the program name) and executes the subcommand.
func Run(ctx context.Context, cfg Config, args []string) error {
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.DSN == "" {
		cfg.DSN = os.Getenv("DURABLE_DSN")
	}
	if len(args) == 0 {
		fmt.Fprint(cfg.Out, usage)
		return errors.New("missing command")
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "worker":
		return runWorker(ctx, cfg, rest)
	case "start":
		return runStart(ctx, cfg, rest)
	case "signal":
		return runSignal(ctx, cfg, rest)
	case "cancel":
		return runCancel(ctx, cfg, rest)
	case "status":
		return runStatus(ctx, cfg, rest)
	case "migrate":
		_, err := openStore(ctx, cfg)
		return err
	default:
		fmt.Fprint(cfg.Out, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runWorker(ctx context.Context, cfg Config, args []string) error {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	var (
		configPath = fs.String("config", "", "YAML worker configuration file")
		tick       = fs.Duration("tick", 0, "poll interval")
		batch      = fs.Int("batch", 0, "max tasks leased per tick")
		procs      = fs.Int("procs", 0, "max concurrent activities")
		iterations = fs.Int("iterations", 0, "stop after N ticks (0 runs forever)")
		lease      = fs.Duration("lease", 0, "task lease duration")
		id         = fs.String("id", "", "worker identifier")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	opts := worker.Options{}
	if *configPath != "" {
		loaded, err := worker.LoadOptions(*configPath)
		if err != nil {
			return err
		}
		opts = loaded
	}
	if *tick > 0 {
		opts.Tick = *tick
	}
	if *batch > 0 {
		opts.Batch = *batch
	}
	if *procs > 0 {
		opts.Procs = *procs
	}
	if *iterations > 0 {
		opts.Iterations = *iterations
	}
	if *lease > 0 {
		opts.LeaseFor = *lease
	}
	if *id != "" {
		opts.ID = *id
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	return worker.New(st, cfg.Registry, opts).Run(ctx)
}

func runStart(ctx context.Context, cfg Config, args []string) error {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	var (
		input   = fs.String("input", "{}", "workflow input as a JSON object")
		timeout = fs.Duration("timeout", 0, "execution timeout")
		wait    = fs.Bool("wait", false, "block until the workflow finishes and print the result")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("start: expected exactly one WORKFLOW_NAME argument")
	}
	payload, err := parseObject(*input)
	if err != nil {
		return err
	}
	client, err := openClient(ctx, cfg)
	if err != nil {
		return err
	}
	var startOpts []durable.StartOption
	if *timeout > 0 {
		startOpts = append(startOpts, durable.WithTimeout(*timeout))
	}
	id, err := client.StartWorkflow(ctx, fs.Arg(0), payload, startOpts...)
	if err != nil {
		return err
	}
	fmt.Fprintln(cfg.Out, id)
	if !*wait {
		return nil
	}
	result, err := client.WaitWorkflow(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(cfg.Out, result)
}

func runSignal(ctx context.Context, cfg Config, args []string) error {
	fs := flag.NewFlagSet("signal", flag.ContinueOnError)
	input := fs.String("input", "null", "signal payload as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("signal: expected EXECUTION_ID and SIGNAL_NAME arguments")
	}
	id, err := uuid.Parse(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("invalid execution id: %w", err)
	}
	var payload any
	if err := json.Unmarshal([]byte(*input), &payload); err != nil {
		return fmt.Errorf("invalid -input: %w", err)
	}
	client, err := openClient(ctx, cfg)
	if err != nil {
		return err
	}
	return client.SignalWorkflow(ctx, id, fs.Arg(1), payload)
}

func runCancel(ctx context.Context, cfg Config, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	var (
		reason     = fs.String("reason", "", "cancellation reason")
		keepQueued = fs.Bool("keep-queued", false, "leave queued activity tasks in place")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("cancel: expected exactly one EXECUTION_ID argument")
	}
	id, err := uuid.Parse(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("invalid execution id: %w", err)
	}
	client, err := openClient(ctx, cfg)
	if err != nil {
		return err
	}
	var opts []durable.CancelOption
	if *keepQueued {
		opts = append(opts, durable.KeepQueuedActivities())
	}
	return client.CancelWorkflow(ctx, id, *reason, opts...)
}

func runStatus(ctx context.Context, cfg Config, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	var (
		query = fs.String("query", durable.StatusQuery, "query name")
		input = fs.String("input", "null", "query payload as JSON")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("status: expected exactly one EXECUTION_ID argument")
	}
	id, err := uuid.Parse(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("invalid execution id: %w", err)
	}
	var payload any
	if err := json.Unmarshal([]byte(*input), &payload); err != nil {
		return fmt.Errorf("invalid -input: %w", err)
	}
	client, err := openClient(ctx, cfg)
	if err != nil {
		return err
	}
	result, err := client.QueryWorkflow(ctx, id, *query, payload)
	if err != nil {
		return err
	}
	return printJSON(cfg.Out, result)
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	if cfg.Store != nil {
		return cfg.Store, nil
	}
	if cfg.DSN == "" {
		return nil, errors.New("no database configured: set -dsn or DURABLE_DSN")
	}
	start := time.Now()
	st, err := postgres.Open(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	log.Debug(ctx, log.KV{K: "msg", V: "database ready"},
		log.KV{K: "took", V: time.Since(start).String()})
	return st, nil
}

func openClient(ctx context.Context, cfg Config) (*durable.Client, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return durable.NewClient(st, cfg.Registry), nil
}

func parseObject(s string) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("invalid -input, expected a JSON object: %w", err)
	}
	return m, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
