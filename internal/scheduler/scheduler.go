package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/convctl/conveyor/internal/store"
	"github.com/convctl/conveyor/pkg/schema"
)

// Scheduler materializes due cron schedules into pending executions. It owns
// no loop of its own: the worker drives it once per poll cycle, so schedule
// firing shares the worker's bounded batch discipline.
type Scheduler struct {
	store  store.Store
	parser cron.Parser
	logger *slog.Logger
	now    func() time.Time

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently firing (dedup)
}

// New creates a Scheduler using standard 5-field cron expressions.
func New(s store.Store, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
}

// Create validates the cron expression, computes the first fire time, and
// persists the schedule.
func (s *Scheduler) Create(ctx context.Context, workflowID, cronExpr string, enabled bool) (*store.Schedule, error) {
	if workflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "schedule needs a workflow_id")
	}
	if _, err := s.store.GetWorkflow(ctx, workflowID, 0); err != nil {
		return nil, err
	}
	next, err := s.NextRun(cronExpr, s.now().UTC())
	if err != nil {
		return nil, err
	}

	sched := &store.Schedule{
		ID:             uuid.NewString(),
		WorkflowID:     workflowID,
		CronExpression: cronExpr,
		Enabled:        enabled,
		NextFireAt:     &next,
	}
	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "schedule created",
		slog.String("schedule_id", sched.ID),
		slog.String("workflow_id", workflowID),
		slog.String("cron", cronExpr),
		slog.Time("next_fire_at", next))
	return sched, nil
}

// SetEnabled flips a schedule on or off. Re-enabling recomputes the next
// fire time from now so a long-disabled schedule does not fire for every
// missed slot.
func (s *Scheduler) SetEnabled(ctx context.Context, sched *store.Schedule, enabled bool) error {
	update := store.ScheduleUpdate{Enabled: &enabled}
	if enabled {
		next, err := s.NextRun(sched.CronExpression, s.now().UTC())
		if err != nil {
			return err
		}
		update.NextFireAt = &next
	}
	return s.store.UpdateSchedule(ctx, sched.ID, update)
}

// FireDue creates one pending execution per due schedule and advances each
// schedule's next fire time. Missed slots collapse into a single firing.
// Returns how many executions were created.
func (s *Scheduler) FireDue(ctx context.Context, limit int) (int, error) {
	now := s.now().UTC()
	due, err := s.store.ListDueSchedules(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, sched := range due {
		if !s.tryAcquire(sched.ID) {
			continue // another goroutine in this process is firing it
		}
		if err := s.fire(ctx, sched, now); err != nil {
			s.logger.ErrorContext(ctx, "schedule fire failed",
				slog.String("schedule_id", sched.ID),
				slog.String("error", err.Error()))
		} else {
			fired++
		}
		s.release(sched.ID)
	}
	return fired, nil
}

// fire spawns one execution for the schedule and rolls next_fire_at forward.
func (s *Scheduler) fire(ctx context.Context, sched *store.Schedule, now time.Time) error {
	wf, err := s.store.GetWorkflow(ctx, sched.WorkflowID, 0)
	if err != nil {
		return fmt.Errorf("resolve workflow for schedule %q: %w", sched.ID, err)
	}

	exec := &store.Execution{
		ID:              uuid.NewString(),
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		Status:          schema.ExecutionPending,
		TriggerPayload: mustJSON(map[string]any{
			"schedule_id": sched.ID,
			"fired_at":    now.Format(time.RFC3339),
			"cron":        sched.CronExpression,
		}),
	}
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		return fmt.Errorf("create execution for schedule %q: %w", sched.ID, err)
	}

	next, err := s.NextRun(sched.CronExpression, now)
	if err != nil {
		return err
	}
	if err := s.store.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{
		LastFiredAt: &now,
		NextFireAt:  &next,
	}); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "schedule fired",
		slog.String("schedule_id", sched.ID),
		slog.String("execution_id", exec.ID),
		slog.Time("next_fire_at", next))
	if lerr := s.store.AppendLog(ctx, &store.LogEntry{
		ExecutionID: exec.ID,
		Type:        schema.EventScheduleFired,
		Payload:     exec.TriggerPayload,
	}); lerr != nil {
		s.logger.WarnContext(ctx, "append schedule log failed", slog.String("error", lerr.Error()))
	}
	return nil
}

// NextRun computes the next fire time for a cron expression after from.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression %q: %s", cronExpr, err.Error()).WithCause(err)
	}
	return schedule.Next(from), nil
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return b
}
