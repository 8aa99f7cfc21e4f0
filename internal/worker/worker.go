package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/convctl/conveyor/internal/engine"
	"github.com/convctl/conveyor/internal/logging"
	"github.com/convctl/conveyor/internal/scheduler"
	"github.com/convctl/conveyor/internal/signals"
	"github.com/convctl/conveyor/internal/store"
	"github.com/convctl/conveyor/pkg/schema"
)

// Config tunes the worker's polling behavior.
type Config struct {
	PollInterval  time.Duration // time between poll cycles
	BatchSize     int           // max items fetched per phase per cycle
	LeaseDuration time.Duration // claim lease; must exceed a typical Step
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 30 * time.Second
	}
}

// Worker is the polling loop that drives executions forward. Each cycle runs
// fixed phases in order: workflow deadlines, signal expiries, due schedules,
// due retries, signal matching, then claimable executions. Every phase is a
// bounded batch, so one hot workflow cannot starve the rest.
//
// Multiple workers may share one store; the claim lease arbitrates who steps
// which execution, and losers back off without mutating anything.
type Worker struct {
	id      string
	store   store.Store
	engine  *engine.Engine
	sched   *scheduler.Scheduler
	signals *signals.Matcher
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Worker with a unique worker id (hostname + random suffix).
func New(st store.Store, eng *engine.Engine, sched *scheduler.Scheduler, matcher *signals.Matcher, logger *slog.Logger, cfg Config) *Worker {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return &Worker{
		id:      fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		store:   st,
		engine:  eng,
		sched:   sched,
		signals: matcher,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// ID returns the worker's claim identity.
func (w *Worker) ID() string { return w.id }

// Start launches the background poll loop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.done != nil {
		w.mu.Unlock()
		return fmt.Errorf("worker already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.loop(loopCtx)
	w.logger.Info("worker started", slog.String("worker_id", w.id))
	return nil
}

// Stop cancels the loop and waits for the in-flight cycle to finish.
func (w *Worker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	<-w.done
	w.cancel = nil
	w.done = nil
	w.logger.Info("worker stopped", slog.String("worker_id", w.id))
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick runs one full poll cycle. Exported so tests and one-shot commands can
// drive the worker without the background loop.
func (w *Worker) Tick(ctx context.Context) {
	ctx = logging.WithWorkerID(ctx, w.id)

	w.expireDeadlines(ctx)

	if n, err := w.signals.Expire(ctx, w.cfg.BatchSize); err != nil {
		w.logger.ErrorContext(ctx, "signal expiry phase failed", slog.String("error", err.Error()))
	} else if n > 0 {
		w.logger.DebugContext(ctx, "signal waits expired", slog.Int("count", n))
	}

	if n, err := w.sched.FireDue(ctx, w.cfg.BatchSize); err != nil {
		w.logger.ErrorContext(ctx, "schedule phase failed", slog.String("error", err.Error()))
	} else if n > 0 {
		w.logger.DebugContext(ctx, "schedules fired", slog.Int("count", n))
	}

	w.promoteRetries(ctx)

	if n, err := w.signals.Match(ctx, w.cfg.BatchSize); err != nil {
		w.logger.ErrorContext(ctx, "signal match phase failed", slog.String("error", err.Error()))
	} else if n > 0 {
		w.logger.DebugContext(ctx, "signals matched", slog.Int("count", n))
	}

	w.stepClaimable(ctx)
}

// expireDeadlines times out executions whose workflow deadline passed, no
// matter what state they are stuck in.
func (w *Worker) expireDeadlines(ctx context.Context) {
	overdue, err := w.store.ListDeadlineExceeded(ctx, w.now().UTC(), w.cfg.BatchSize)
	if err != nil {
		w.logger.ErrorContext(ctx, "deadline phase failed", slog.String("error", err.Error()))
		return
	}
	for _, exec := range overdue {
		w.timeOut(ctx, exec)
	}
}

func (w *Worker) timeOut(ctx context.Context, exec *store.Execution) {
	ee := schema.NewError(schema.ErrCodeTimeout, "workflow deadline exceeded")
	errJSON := mustJSON(ee)
	completed := w.now().UTC()
	if err := w.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Error:       errJSON,
		CompletedAt: &completed,
	}); err != nil {
		w.logger.ErrorContext(ctx, "deadline update failed",
			slog.String("execution_id", exec.ID), slog.String("error", err.Error()))
		return
	}
	if err := w.store.TransitionExecution(ctx, exec.ID, exec.Status, schema.ExecutionTimedOut); err != nil {
		if !schema.IsCode(err, schema.ErrCodeConflict) {
			w.logger.ErrorContext(ctx, "deadline transition failed",
				slog.String("execution_id", exec.ID), slog.String("error", err.Error()))
		}
		return
	}
	w.appendLog(ctx, exec.ID, schema.EventExecutionTimedOut, errJSON)
	w.logger.InfoContext(ctx, "execution timed out",
		slog.String("execution_id", exec.ID))
}

// promoteRetries moves due retrying executions back to running.
func (w *Worker) promoteRetries(ctx context.Context) {
	due, err := w.store.ListDueRetries(ctx, w.now().UTC(), w.cfg.BatchSize)
	if err != nil {
		w.logger.ErrorContext(ctx, "retry phase failed", slog.String("error", err.Error()))
		return
	}
	for _, entry := range due {
		if err := w.store.TransitionExecution(ctx, entry.ExecutionID, schema.ExecutionRetrying, schema.ExecutionRunning); err != nil {
			if !schema.IsCode(err, schema.ErrCodeConflict) {
				w.logger.ErrorContext(ctx, "retry promotion failed",
					slog.String("execution_id", entry.ExecutionID), slog.String("error", err.Error()))
			}
			continue
		}
		count := entry.Attempt
		if err := w.store.UpdateExecution(ctx, entry.ExecutionID, store.ExecutionUpdate{RetryCount: &count}); err != nil {
			w.logger.ErrorContext(ctx, "retry count update failed",
				slog.String("execution_id", entry.ExecutionID), slog.String("error", err.Error()))
		}
		if err := w.store.DeleteRetry(ctx, entry.ExecutionID); err != nil {
			w.logger.ErrorContext(ctx, "retry entry delete failed",
				slog.String("execution_id", entry.ExecutionID), slog.String("error", err.Error()))
		}
		w.logger.InfoContext(ctx, "execution retry promoted",
			slog.String("execution_id", entry.ExecutionID),
			slog.Int("attempt", entry.Attempt))
	}
}

// stepClaimable claims pending and running executions and steps each once.
// The claim is released after every Step; re-claiming next cycle keeps lease
// accounting simple and lets another worker pick up after a crash.
func (w *Worker) stepClaimable(ctx context.Context) {
	for _, status := range []schema.ExecutionStatus{schema.ExecutionPending, schema.ExecutionRunning} {
		status := status
		execs, err := w.store.ListExecutions(ctx, store.ExecutionFilter{Status: &status, Limit: w.cfg.BatchSize})
		if err != nil {
			w.logger.ErrorContext(ctx, "execution list failed",
				slog.String("status", string(status)), slog.String("error", err.Error()))
			continue
		}
		for _, exec := range execs {
			w.stepOne(ctx, exec)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (w *Worker) stepOne(ctx context.Context, exec *store.Execution) {
	ctx = logging.WithExecutionID(ctx, exec.ID)
	ctx = logging.WithWorkflowID(ctx, exec.WorkflowID)

	if err := w.store.ClaimExecution(ctx, exec.ID, w.id, w.cfg.LeaseDuration); err != nil {
		if schema.IsCode(err, schema.ErrCodeDuplicateClaim) {
			w.appendLog(ctx, exec.ID, schema.EventClaimLost, nil)
			return
		}
		w.logger.ErrorContext(ctx, "claim failed", slog.String("error", err.Error()))
		return
	}
	defer func() {
		if err := w.store.ReleaseExecution(ctx, exec.ID, w.id); err != nil {
			w.logger.WarnContext(ctx, "release failed", slog.String("error", err.Error()))
		}
	}()

	if exec.Status == schema.ExecutionPending {
		if err := w.store.TransitionExecution(ctx, exec.ID, schema.ExecutionPending, schema.ExecutionRunning); err != nil {
			if !schema.IsCode(err, schema.ErrCodeConflict) {
				w.logger.ErrorContext(ctx, "start transition failed", slog.String("error", err.Error()))
			}
			return
		}
		exec.Status = schema.ExecutionRunning
	}

	outcome, err := w.engine.Step(ctx, exec)
	if err != nil {
		w.logger.ErrorContext(ctx, "step failed", slog.String("error", err.Error()))
		return
	}
	w.logger.DebugContext(ctx, "step finished",
		slog.String("status", string(outcome.Status)),
		slog.Int("dispatched", outcome.Dispatched))
}

func (w *Worker) appendLog(ctx context.Context, executionID, eventType string, payload []byte) {
	err := w.store.AppendLog(ctx, &store.LogEntry{
		ExecutionID: executionID,
		Type:        eventType,
		Payload:     payload,
	})
	if err != nil {
		w.logger.WarnContext(ctx, "append worker log failed",
			slog.String("execution_id", executionID), slog.String("error", err.Error()))
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return b
}
