package signals

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convctl/conveyor/internal/store"
	"github.com/convctl/conveyor/pkg/schema"
)

func waitingExecution(t *testing.T, st store.Store, id, signal string, expires *time.Time) {
	t.Helper()
	ctx := context.Background()

	exec := &store.Execution{ID: id, WorkflowID: "wf", WorkflowVersion: 1}
	require.NoError(t, st.CreateExecution(ctx, exec))
	require.NoError(t, st.TransitionExecution(ctx, id, schema.ExecutionPending, schema.ExecutionRunning))
	require.NoError(t, st.TransitionExecution(ctx, id, schema.ExecutionRunning, schema.ExecutionWaitingSignal))

	state := store.NewExecutionState(id, "start", nil)
	state.Frontier = []string{"gate"}
	state.Results["gate"] = &store.NodeResult{NodeID: "gate", Status: schema.NodeSuspended, Attempts: 1}
	require.NoError(t, st.SaveExecutionState(ctx, state))

	require.NoError(t, st.RegisterSignalWait(ctx, &store.SignalWait{
		ExecutionID: id,
		NodeID:      "gate",
		SignalName:  signal,
		ExpiresAt:   expires,
		CreatedAt:   time.Now().UTC(),
	}))
}

func TestMatch_ResumesWaitingExecution(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	waitingExecution(t, st, "exec-1", "approval", nil)

	m := NewMatcher(st, slog.Default())
	require.NoError(t, m.Deliver(ctx, "approval", "", json.RawMessage(`{"approved":true}`)))

	resumed, err := m.Match(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	exec, err := st.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, exec.Status)

	state, err := st.GetExecutionState(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, schema.NodeSucceeded, state.Results["gate"].Status)
	assert.JSONEq(t, `{"approved":true}`, string(state.Results["gate"].Output))

	waits, err := st.ListSignalWaits(ctx)
	require.NoError(t, err)
	assert.Empty(t, waits)

	// The delivery was consumed: matching again is a no-op.
	resumed, err = m.Match(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, resumed)
}

func TestMatch_DeliveryBeforeWaitStaysDurable(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	m := NewMatcher(st, slog.Default())

	require.NoError(t, m.Deliver(ctx, "approval", "", json.RawMessage(`{"n":1}`)))

	resumed, err := m.Match(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, resumed) // nobody waiting yet

	waitingExecution(t, st, "exec-late", "approval", nil)

	resumed, err = m.Match(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
}

func TestMatch_TargetedDeliveryOnlyWakesItsExecution(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	waitingExecution(t, st, "exec-a", "go", nil)
	waitingExecution(t, st, "exec-b", "go", nil)

	m := NewMatcher(st, slog.Default())
	require.NoError(t, m.Deliver(ctx, "go", "exec-b", nil))

	resumed, err := m.Match(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	a, err := st.GetExecution(ctx, "exec-a")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionWaitingSignal, a.Status)

	b, err := st.GetExecution(ctx, "exec-b")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, b.Status)
}

func TestMatch_OneDeliveryWakesOneWaiter(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	waitingExecution(t, st, "exec-a", "go", nil)
	waitingExecution(t, st, "exec-b", "go", nil)

	m := NewMatcher(st, slog.Default())
	require.NoError(t, m.Deliver(ctx, "go", "", nil))

	resumed, err := m.Match(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	waits, err := st.ListSignalWaits(ctx)
	require.NoError(t, err)
	assert.Len(t, waits, 1) // the other execution keeps waiting
}

func TestExpire_TimesOutOverdueWait(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	waitingExecution(t, st, "exec-1", "approval", &past)

	m := NewMatcher(st, slog.Default())
	expired, err := m.Expire(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	exec, err := st.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionTimedOut, exec.Status)
	assert.Contains(t, string(exec.Error), schema.ErrCodeSuspendTimeout)
	require.NotNil(t, exec.CompletedAt)

	waits, err := st.ListSignalWaits(ctx)
	require.NoError(t, err)
	assert.Empty(t, waits)
}

func TestExpire_FutureDeadlineUntouched(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	future := time.Now().Add(time.Hour)
	waitingExecution(t, st, "exec-1", "approval", &future)

	m := NewMatcher(st, slog.Default())
	expired, err := m.Expire(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, expired)
}

func TestDeliver_RequiresName(t *testing.T) {
	m := NewMatcher(store.NewMemoryStore(), slog.Default())
	err := m.Deliver(context.Background(), "", "", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}
