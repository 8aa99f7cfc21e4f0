package scheduler

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convctl/conveyor/internal/store"
	"github.com/convctl/conveyor/pkg/schema"
)

func seedWorkflow(t *testing.T, st store.Store) *store.Workflow {
	t.Helper()
	wf := &store.Workflow{
		ID: "wf-sched",
		Definition: schema.WorkflowDefinition{
			Nodes: []schema.NodeDefinition{{ID: "start", Type: schema.NodeTypeTrigger}},
		},
	}
	require.NoError(t, st.SaveWorkflow(context.Background(), wf))
	return wf
}

func TestCreate_ComputesNextFireTime(t *testing.T) {
	st := store.NewMemoryStore()
	seedWorkflow(t, st)

	s := New(st, slog.Default())
	s.now = func() time.Time { return time.Date(2026, 4, 1, 10, 30, 0, 0, time.UTC) }

	sched, err := s.Create(context.Background(), "wf-sched", "0 12 * * *", true)
	require.NoError(t, err)
	require.NotNil(t, sched.NextFireAt)
	assert.Equal(t, time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC), sched.NextFireAt.UTC())
}

func TestCreate_RejectsBadCronAndUnknownWorkflow(t *testing.T) {
	st := store.NewMemoryStore()
	seedWorkflow(t, st)
	s := New(st, slog.Default())

	_, err := s.Create(context.Background(), "wf-sched", "not a cron", true)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = s.Create(context.Background(), "ghost", "* * * * *", true)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestFireDue_MaterializesPendingExecution(t *testing.T) {
	st := store.NewMemoryStore()
	wf := seedWorkflow(t, st)
	ctx := context.Background()

	s := New(st, slog.Default())
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	sched, err := s.Create(ctx, "wf-sched", "* * * * *", true)
	require.NoError(t, err)

	// Advance past the fire time.
	s.now = func() time.Time { return base.Add(2 * time.Minute) }

	fired, err := s.FireDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	execs, err := st.ListExecutions(ctx, store.ExecutionFilter{WorkflowID: "wf-sched"})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, schema.ExecutionPending, execs[0].Status)
	assert.Equal(t, wf.Version, execs[0].WorkflowVersion)
	assert.Contains(t, string(execs[0].TriggerPayload), sched.ID)

	// The schedule rolled forward, so an immediate second pass is a no-op.
	fired, err = s.FireDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, fired)
}

func TestFireDue_MissedSlotsCollapseIntoOneFiring(t *testing.T) {
	st := store.NewMemoryStore()
	seedWorkflow(t, st)
	ctx := context.Background()

	s := New(st, slog.Default())
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	_, err := s.Create(ctx, "wf-sched", "* * * * *", true)
	require.NoError(t, err)

	// An hour of downtime: sixty slots were missed.
	s.now = func() time.Time { return base.Add(time.Hour) }

	fired, err := s.FireDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	execs, err := st.ListExecutions(ctx, store.ExecutionFilter{WorkflowID: "wf-sched"})
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}

func TestFireDue_DisabledSchedulesNeverFire(t *testing.T) {
	st := store.NewMemoryStore()
	seedWorkflow(t, st)
	ctx := context.Background()

	s := New(st, slog.Default())
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	sched, err := s.Create(ctx, "wf-sched", "* * * * *", true)
	require.NoError(t, err)
	require.NoError(t, s.SetEnabled(ctx, sched, false))

	s.now = func() time.Time { return base.Add(time.Hour) }

	fired, err := s.FireDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, fired)
}

func TestSetEnabled_ReenableRecomputesNextFire(t *testing.T) {
	st := store.NewMemoryStore()
	seedWorkflow(t, st)
	ctx := context.Background()

	s := New(st, slog.Default())
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	sched, err := s.Create(ctx, "wf-sched", "0 12 * * *", true)
	require.NoError(t, err)
	require.NoError(t, s.SetEnabled(ctx, sched, false))

	// Re-enable two days later; next fire must be computed from now, not
	// from the stale slot.
	s.now = func() time.Time { return base.AddDate(0, 0, 2) }
	require.NoError(t, s.SetEnabled(ctx, sched, true))

	all, err := st.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.NotNil(t, all[0].NextFireAt)
	assert.Equal(t, time.Date(2026, 4, 3, 12, 0, 0, 0, time.UTC), all[0].NextFireAt.UTC())
}

func TestNextRun_FiveFieldExpressions(t *testing.T) {
	s := New(store.NewMemoryStore(), slog.Default())
	from := time.Date(2026, 4, 1, 10, 30, 0, 0, time.UTC)

	for expr, want := range map[string]time.Time{
		"*/15 * * * *": time.Date(2026, 4, 1, 10, 45, 0, 0, time.UTC),
		"0 0 * * 1":    time.Date(2026, 4, 6, 0, 0, 0, 0, time.UTC), // next Monday
		"30 10 2 4 *":  time.Date(2026, 4, 2, 10, 30, 0, 0, time.UTC),
	} {
		got, err := s.NextRun(expr, from)
		require.NoError(t, err, expr)
		assert.Equal(t, want, got.UTC(), expr)
	}
}
