package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/convctl/conveyor/internal/activity"
	"github.com/convctl/conveyor/internal/engine"
	"github.com/convctl/conveyor/internal/logging"
	"github.com/convctl/conveyor/internal/scheduler"
	"github.com/convctl/conveyor/internal/signals"
	"github.com/convctl/conveyor/internal/store"
	"github.com/convctl/conveyor/internal/validation"
	"github.com/convctl/conveyor/internal/worker"
	"github.com/convctl/conveyor/pkg/mcp"
	"github.com/convctl/conveyor/pkg/schema"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := loadConfig()

	var err error
	switch os.Args[1] {
	case "serve":
		err = cmdServe(cfg)
	case "run":
		err = cmdRun(cfg, os.Args[2:])
	case "signal":
		err = cmdSignal(cfg, os.Args[2:])
	case "status":
		err = cmdStatus(cfg, os.Args[2:])
	case "terminate":
		err = cmdTerminate(cfg, os.Args[2:])
	case "version":
		printVersion()
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: conveyor <command> [flags]

commands:
  serve       start the worker, scheduler, and MCP control surface
  run         start a workflow execution
  signal      deliver a signal
  status      show execution status and timeline
  terminate   terminate an execution
  version     print version`)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

// cmdServe runs the full node: polling worker, cron scheduler, signal
// matcher, and the MCP server on stdio. Blocks until SIGINT/SIGTERM or
// stdin closes.
func cmdServe(cfg Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(cfg.LogLevel)
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	registry, err := activity.DefaultRegistry(st, logger, activity.HTTPConfig{})
	if err != nil {
		return err
	}
	eng, err := engine.New(st, registry, logger, engine.Config{Parallelism: cfg.Parallelism})
	if err != nil {
		return err
	}
	sched := scheduler.New(st, logger)
	matcher := signals.NewMatcher(st, logger)

	w := worker.New(st, eng, sched, matcher, logger, worker.Config{
		PollInterval:  duration(cfg.PollInterval, 500*time.Millisecond),
		BatchSize:     cfg.BatchSize,
		LeaseDuration: duration(cfg.LeaseDuration, 30*time.Second),
	})
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	validator, err := validation.NewWorkflowValidator()
	if err != nil {
		return err
	}
	srv := mcp.NewConveyorServer(mcp.ServerDeps{
		Store:     st,
		Scheduler: sched,
		Signals:   matcher,
		Validator: validator,
		Logger:    logger,
	})

	logger.Info("conveyor serving", "db_path", cfg.DBPath, "parallelism", cfg.Parallelism)
	return srv.Serve(ctx)
}

func cmdRun(cfg Config, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	workflowID := fs.String("workflow", "", "workflow id to run")
	wfVersion := fs.Int("version", 0, "workflow version to pin (0 = latest)")
	input := fs.String("input", "", "trigger payload as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *workflowID == "" {
		return fmt.Errorf("-workflow is required")
	}

	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	wf, err := st.GetWorkflow(ctx, *workflowID, *wfVersion)
	if err != nil {
		return err
	}

	exec := &store.Execution{
		ID:              uuid.NewString(),
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		Status:          schema.ExecutionPending,
		CreatedAt:       time.Now().UTC(),
	}
	if *input != "" {
		if !json.Valid([]byte(*input)) {
			return fmt.Errorf("-input must be valid JSON")
		}
		exec.TriggerPayload = json.RawMessage(*input)
	}
	if err := st.CreateExecution(ctx, exec); err != nil {
		return err
	}

	return printJSON(map[string]any{
		"execution_id":     exec.ID,
		"workflow_id":      wf.ID,
		"workflow_version": wf.Version,
		"status":           exec.Status,
	})
}

func cmdSignal(cfg Config, args []string) error {
	fs := flag.NewFlagSet("signal", flag.ExitOnError)
	name := fs.String("name", "", "signal name")
	executionID := fs.String("execution", "", "target execution id (default: any waiter)")
	payload := fs.String("payload", "", "signal payload as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("-name is required")
	}

	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	var raw json.RawMessage
	if *payload != "" {
		if !json.Valid([]byte(*payload)) {
			return fmt.Errorf("-payload must be valid JSON")
		}
		raw = json.RawMessage(*payload)
	}

	matcher := signals.NewMatcher(st, newLogger(cfg.LogLevel))
	if err := matcher.Deliver(ctx, *name, *executionID, raw); err != nil {
		return err
	}
	return printJSON(map[string]any{"ok": true, "signal": *name})
}

func cmdStatus(cfg Config, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	executionID := fs.String("execution", "", "execution id")
	timeline := fs.Bool("timeline", false, "include the execution log")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *executionID == "" {
		return fmt.Errorf("-execution is required")
	}

	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	exec, err := st.GetExecution(ctx, *executionID)
	if err != nil {
		return err
	}
	out := map[string]any{"execution": exec}
	if *timeline {
		entries, err := st.ListLog(ctx, *executionID)
		if err != nil {
			return err
		}
		out["timeline"] = entries
	}
	return printJSON(out)
}

func cmdTerminate(cfg Config, args []string) error {
	fs := flag.NewFlagSet("terminate", flag.ExitOnError)
	executionID := fs.String("execution", "", "execution id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *executionID == "" {
		return fmt.Errorf("-execution is required")
	}

	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	for attempt := 0; attempt < 3; attempt++ {
		exec, err := st.GetExecution(ctx, *executionID)
		if err != nil {
			return err
		}
		if exec.Status.IsTerminal() {
			return fmt.Errorf("execution is already %s", exec.Status)
		}
		err = st.TransitionExecution(ctx, *executionID, exec.Status, schema.ExecutionTerminated)
		if err == nil {
			return printJSON(map[string]any{
				"ok":           true,
				"execution_id": *executionID,
				"status":       schema.ExecutionTerminated,
			})
		}
		if !schema.IsCode(err, schema.ErrCodeConflict) {
			return err
		}
	}
	return fmt.Errorf("terminate failed: execution status kept changing")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
