package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convctl/conveyor/internal/activity"
	"github.com/convctl/conveyor/internal/store"
	"github.com/convctl/conveyor/pkg/schema"
)

func newTestEngine(t *testing.T, st store.Store) *Engine {
	t.Helper()
	registry, err := activity.DefaultRegistry(st, slog.Default(), activity.HTTPConfig{})
	require.NoError(t, err)
	eng, err := New(st, registry, slog.Default(), Config{Parallelism: 4})
	require.NoError(t, err)
	t.Cleanup(eng.Shutdown)
	return eng
}

func startExecution(t *testing.T, st store.Store, def schema.WorkflowDefinition, payload string) *store.Execution {
	t.Helper()
	ctx := context.Background()

	wf := &store.Workflow{ID: "wf-" + t.Name(), Definition: def}
	require.NoError(t, st.SaveWorkflow(ctx, wf))

	exec := &store.Execution{
		ID:              "exec-" + t.Name(),
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
	}
	if payload != "" {
		exec.TriggerPayload = json.RawMessage(payload)
	}
	require.NoError(t, st.CreateExecution(ctx, exec))
	require.NoError(t, st.TransitionExecution(ctx, exec.ID, schema.ExecutionPending, schema.ExecutionRunning))
	exec.Status = schema.ExecutionRunning
	return exec
}

func node(id string, nt schema.NodeType, config string) schema.NodeDefinition {
	return schema.NodeDefinition{ID: id, Type: nt, Config: json.RawMessage(config)}
}

func edge(source, target string) schema.EdgeDefinition {
	return schema.EdgeDefinition{Source: source, Target: target}
}

func caseEdge(source, target, c string) schema.EdgeDefinition {
	return schema.EdgeDefinition{Source: source, Target: target, Case: c}
}

func TestStep_LinearWorkflowCompletes(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(t, st)
	ctx := context.Background()

	def := schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			node("start", schema.NodeTypeTrigger, `{}`),
			node("setv", schema.NodeTypeVariable, `{"op":"set","key":"region","value":"eu-west-1"}`),
			node("shape", schema.NodeTypeTransform, `{"input":"${{ vars.region }}","program":"."}`),
		},
		Edges: []schema.EdgeDefinition{edge("start", "setv"), edge("setv", "shape")},
	}
	exec := startExecution(t, st, def, `{"order_id":"ord-1"}`)

	outcome, err := eng.Step(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, outcome.Status)

	final, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, final.Status)
	assert.JSONEq(t, `"eu-west-1"`, string(final.Output))
	require.NotNil(t, final.CompletedAt)
}

func TestStep_ConditionSkipsUntakenBranch(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(t, st)
	ctx := context.Background()

	def := schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			node("start", schema.NodeTypeTrigger, `{}`),
			node("gate", schema.NodeTypeCondition, `{"expression":"trigger.flag == true"}`),
			node("yes", schema.NodeTypeNoop, `{}`),
			node("no", schema.NodeTypeNoop, `{}`),
		},
		Edges: []schema.EdgeDefinition{
			edge("start", "gate"),
			caseEdge("gate", "yes", "true"),
			caseEdge("gate", "no", "false"),
		},
	}
	exec := startExecution(t, st, def, `{"flag":true}`)

	outcome, err := eng.Step(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, outcome.Status)

	state, err := st.GetExecutionState(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.NodeSucceeded, state.Results["yes"].Status)
	assert.Equal(t, schema.NodeSkipped, state.Results["no"].Status)
	assert.JSONEq(t, `{"result":true}`, string(state.Results["gate"].Output))
}

func TestStep_SwitchRoutesDefault(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(t, st)
	ctx := context.Background()

	def := schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			node("start", schema.NodeTypeTrigger, `{}`),
			node("route", schema.NodeTypeSwitch, `{"discriminant":"trigger.tier"}`),
			node("gold", schema.NodeTypeNoop, `{}`),
			node("other", schema.NodeTypeNoop, `{}`),
		},
		Edges: []schema.EdgeDefinition{
			edge("start", "route"),
			caseEdge("route", "gold", "gold"),
			caseEdge("route", "other", "default"),
		},
	}
	exec := startExecution(t, st, def, `{"tier":"silver"}`)

	outcome, err := eng.Step(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, outcome.Status)

	state, err := st.GetExecutionState(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.NodeSucceeded, state.Results["other"].Status)
	assert.Equal(t, schema.NodeSkipped, state.Results["gold"].Status)
}

func TestStep_SwitchNoMatchNoDefaultFails(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(t, st)
	ctx := context.Background()

	def := schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			node("start", schema.NodeTypeTrigger, `{}`),
			node("route", schema.NodeTypeSwitch, `{"discriminant":"trigger.tier"}`),
			node("gold", schema.NodeTypeNoop, `{}`),
		},
		Edges: []schema.EdgeDefinition{
			edge("start", "route"),
			caseEdge("route", "gold", "gold"),
		},
	}
	exec := startExecution(t, st, def, `{"tier":"bronze"}`)

	outcome, err := eng.Step(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, StepFailed, outcome.Status)

	final, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, final.Status)
	assert.Contains(t, string(final.Error), schema.ErrCodeNoMatchingBranch)
}

func TestStep_ForEachLoopSquares(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(t, st)
	ctx := context.Background()

	def := schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			node("start", schema.NodeTypeTrigger, `{}`),
			node("each", schema.NodeTypeLoop, `{
				"mode": "for_each",
				"over": "trigger.items",
				"body": [
					{"id": "square", "type": "transform", "config": {"input": "${{ iter.item }}", "program": ". * ."}}
				]
			}`),
		},
		Edges: []schema.EdgeDefinition{edge("start", "each")},
	}
	exec := startExecution(t, st, def, `{"items":[1,2,3]}`)

	outcome, err := eng.Step(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, outcome.Status)

	final, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `[1,4,9]`, string(final.Output))

	state, err := st.GetExecutionState(ctx, exec.ID)
	require.NoError(t, err)
	assert.Empty(t, state.LoopStack)
	assert.Equal(t, schema.NodeSucceeded, state.Results["square#2"].Status)
}

func TestStep_WhileLoopWithBreak(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(t, st)
	ctx := context.Background()

	// The body sets a loop-scoped break flag on the first pass.
	def := schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			node("start", schema.NodeTypeTrigger, `{}`),
			node("spin", schema.NodeTypeLoop, `{
				"mode": "while",
				"condition": "true",
				"max_iter": 50,
				"body": [
					{"id": "stop", "type": "variable", "config": {"op":"set","scope":"loop","key":"break","value":true}}
				]
			}`),
		},
		Edges: []schema.EdgeDefinition{edge("start", "spin")},
	}
	exec := startExecution(t, st, def, "")

	outcome, err := eng.Step(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, outcome.Status)

	state, err := st.GetExecutionState(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.NodeSucceeded, state.Results["spin"].Status)
	assert.Empty(t, state.LoopStack)
}

func TestStep_ParallelAllBranchesAggregateArray(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(t, st)
	ctx := context.Background()

	def := schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			node("start", schema.NodeTypeTrigger, `{}`),
			node("fan", schema.NodeTypeParallel, `{
				"branches": [
					[{"id": "a_out", "type": "transform", "config": {"input": "1", "program": ". + 1"}}],
					[{"id": "b_out", "type": "transform", "config": {"input": "5", "program": ". * 2"}}]
				]
			}`),
		},
		Edges: []schema.EdgeDefinition{edge("start", "fan")},
	}
	exec := startExecution(t, st, def, "")

	outcome, err := eng.Step(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, outcome.Status)

	final, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `[2,10]`, string(final.Output)) // ordered by sorted member id

	state, err := st.GetExecutionState(ctx, exec.ID)
	require.NoError(t, err)
	assert.Empty(t, state.ParallelGroups)
	assert.Equal(t, schema.NodeSucceeded, state.Results["a_out"].Status)
	assert.Equal(t, schema.NodeSucceeded, state.Results["b_out"].Status)
}

func TestStep_ParallelAllFailsOnAnyBranchFailure(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(t, st)
	ctx := context.Background()

	def := schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			node("start", schema.NodeTypeTrigger, `{}`),
			node("fan", schema.NodeTypeParallel, `{
				"branches": [
					[{"id": "ok", "type": "transform", "config": {"input": "1", "program": "."}}],
					[{"id": "bad", "type": "transform", "config": {"input": "{\"a\":\"x\"}", "program": ".a + 1"}}]
				]
			}`),
		},
		Edges: []schema.EdgeDefinition{edge("start", "fan")},
	}
	exec := startExecution(t, st, def, "")

	outcome, err := eng.Step(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, StepFailed, outcome.Status)

	final, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, final.Status)
	// Non-retryable branch errors keep their class; the join must not be
	// promoted to a retryable failure.
	assert.Contains(t, string(final.Error), schema.ErrCodeNonRetryable)
}

func TestStep_ParallelAnyToleratesFailure(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(t, st)
	ctx := context.Background()

	def := schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			node("start", schema.NodeTypeTrigger, `{}`),
			node("fan", schema.NodeTypeParallel, `{
				"wait_mode": "any",
				"aggregate": "first",
				"branches": [
					[{"id": "bad", "type": "transform", "config": {"input": "{\"a\":\"x\"}", "program": ".a + 1"}}],
					[{"id": "ok", "type": "transform", "config": {"input": "7", "program": "."}}]
				]
			}`),
		},
		Edges: []schema.EdgeDefinition{edge("start", "fan")},
	}
	exec := startExecution(t, st, def, "")

	outcome, err := eng.Step(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, outcome.Status)

	final, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `7`, string(final.Output)) // first succeeded branch in definition order
}

func TestStep_ParallelAnyJoinsWithoutWaitingForSlowBranch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`99`))
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	eng := newTestEngine(t, st)
	ctx := context.Background()

	def := schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			node("start", schema.NodeTypeTrigger, `{}`),
			node("fan", schema.NodeTypeParallel, `{
				"wait_mode": "any",
				"branches": [
					[{"id": "quick", "type": "transform", "config": {"input": "7", "program": "."}}],
					[{"id": "slow", "type": "http", "config": {"url": "`+srv.URL+`"}}]
				]
			}`),
		},
		Edges: []schema.EdgeDefinition{edge("start", "fan")},
	}
	exec := startExecution(t, st, def, "")

	started := time.Now()
	outcome, err := eng.Step(ctx, exec)
	elapsed := time.Since(started)
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, outcome.Status)
	assert.Less(t, elapsed, 400*time.Millisecond, "join must not wait for the slow branch")

	// Only the joined quorum enters the aggregate; the slow branch was
	// abandoned after the join was decided.
	final, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `[7]`, string(final.Output))

	state, err := st.GetExecutionState(ctx, exec.ID)
	require.NoError(t, err)
	assert.NotContains(t, state.Results, "slow")
}

func TestStep_NodeRetryThenSuccess(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	eng := newTestEngine(t, st)
	ctx := context.Background()

	def := schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			node("start", schema.NodeTypeTrigger, `{}`),
			{
				ID:     "fetch",
				Type:   schema.NodeTypeHTTP,
				Config: json.RawMessage(`{"url":"` + srv.URL + `"}`),
				Retry:  &schema.RetryPolicy{Max: 2, Backoff: "constant", Delay: "100ms"},
			},
		},
		Edges: []schema.EdgeDefinition{edge("start", "fetch")},
	}
	exec := startExecution(t, st, def, "")

	outcome, err := eng.Step(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, StepWaiting, outcome.Status) // gated on retry backoff

	state, err := st.GetExecutionState(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, schema.NodeRetrying, state.Results["fetch"].Status)
	assert.Equal(t, 1, state.Results["fetch"].Attempts)

	time.Sleep(150 * time.Millisecond)
	outcome, err = eng.Step(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, outcome.Status)

	state, err = st.GetExecutionState(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.NodeSucceeded, state.Results["fetch"].Status)
	assert.Equal(t, 2, state.Results["fetch"].Attempts)
	assert.EqualValues(t, 2, calls.Load())
}

func TestStep_RetryableFailureSchedulesExecutionRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	eng := newTestEngine(t, st)
	ctx := context.Background()

	def := schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			node("start", schema.NodeTypeTrigger, `{}`),
			node("fetch", schema.NodeTypeHTTP, `{"url":"`+srv.URL+`"}`),
		},
		Edges: []schema.EdgeDefinition{edge("start", "fetch")},
	}
	exec := startExecution(t, st, def, "")

	outcome, err := eng.Step(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, StepRetrying, outcome.Status)

	final, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRetrying, final.Status)
	assert.Nil(t, final.CompletedAt)

	due, err := st.ListDueRetries(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, exec.ID, due[0].ExecutionID)
	assert.Equal(t, 1, due[0].Attempt)
}

func TestStep_SignalSuspendAndResume(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(t, st)
	ctx := context.Background()

	def := schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			node("start", schema.NodeTypeTrigger, `{}`),
			node("gate", schema.NodeTypeSignalWait, `{"signal":"approval","timeout":"1h"}`),
		},
		Edges: []schema.EdgeDefinition{edge("start", "gate")},
	}
	exec := startExecution(t, st, def, "")

	outcome, err := eng.Step(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, StepSuspended, outcome.Status)

	suspended, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionWaitingSignal, suspended.Status)

	waits, err := st.ListSignalWaits(ctx)
	require.NoError(t, err)
	require.Len(t, waits, 1)
	assert.Equal(t, "approval", waits[0].SignalName)
	require.NotNil(t, waits[0].ExpiresAt)

	// What the signal matcher does on delivery: fulfil the node, drop the
	// wait, wake the execution.
	state, err := st.GetExecutionState(ctx, exec.ID)
	require.NoError(t, err)
	now := time.Now().UTC()
	state.Results["gate"] = &store.NodeResult{
		NodeID:      "gate",
		Status:      schema.NodeSucceeded,
		Output:      json.RawMessage(`{"approved":true}`),
		Attempts:    1,
		CompletedAt: &now,
	}
	require.NoError(t, st.SaveExecutionState(ctx, state))
	require.NoError(t, st.DeleteSignalWait(ctx, exec.ID, "approval"))
	require.NoError(t, st.TransitionExecution(ctx, exec.ID, schema.ExecutionWaitingSignal, schema.ExecutionRunning))
	exec.Status = schema.ExecutionRunning

	outcome, err = eng.Step(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, outcome.Status)

	final, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"approved":true}`, string(final.Output))
}

func TestStep_DelaySuspendsThenResumes(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(t, st)
	ctx := context.Background()

	def := schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			node("start", schema.NodeTypeTrigger, `{}`),
			node("pause", schema.NodeTypeDelay, `{"duration":"100ms"}`),
			node("after", schema.NodeTypeNoop, `{}`),
		},
		Edges: []schema.EdgeDefinition{edge("start", "pause"), edge("pause", "after")},
	}
	exec := startExecution(t, st, def, "")

	outcome, err := eng.Step(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, StepWaiting, outcome.Status)

	// Still running: delays never park the execution in waiting_signal, and
	// the downstream node must not run before the resume time.
	mid, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, mid.Status)
	midState, err := st.GetExecutionState(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.NodeSuspended, midState.Results["pause"].Status)
	assert.NotContains(t, midState.Results, "after")

	time.Sleep(150 * time.Millisecond)
	outcome, err = eng.Step(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, outcome.Status)

	state, err := st.GetExecutionState(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.NodeSucceeded, state.Results["pause"].Status)
	assert.Equal(t, schema.NodeSucceeded, state.Results["after"].Status)
}

func TestStep_TryCatchRecovers(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(t, st)
	ctx := context.Background()

	def := schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			node("start", schema.NodeTypeTrigger, `{}`),
			node("guard", schema.NodeTypeTry, `{"catch":"rescue"}`),
			node("boom", schema.NodeTypeTransform, `{"input":"{\"a\":\"x\"}","program":".a + 1"}`),
			node("rescue", schema.NodeTypeCatch, `{}`),
		},
		Edges: []schema.EdgeDefinition{
			edge("start", "guard"),
			edge("guard", "boom"),
			edge("guard", "rescue"),
		},
	}
	exec := startExecution(t, st, def, "")

	outcome, err := eng.Step(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, outcome.Status)

	final, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, final.Status)
	assert.Contains(t, string(final.Output), "error") // catch exposes the captured failure

	state, err := st.GetExecutionState(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.NodeFailed, state.Results["boom"].Status)
	assert.Equal(t, schema.NodeSucceeded, state.Results["rescue"].Status)
	assert.Empty(t, state.TryRegions)
}

func TestStep_FinallyRunsAndUncaughtErrorFails(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(t, st)
	ctx := context.Background()

	def := schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			node("start", schema.NodeTypeTrigger, `{}`),
			node("guard", schema.NodeTypeTry, `{"finally":"cleanup"}`),
			node("boom", schema.NodeTypeTransform, `{"input":"{\"a\":\"x\"}","program":".a + 1"}`),
			node("cleanup", schema.NodeTypeFinally, `{}`),
		},
		Edges: []schema.EdgeDefinition{
			edge("start", "guard"),
			edge("guard", "boom"),
			edge("guard", "cleanup"),
		},
	}
	exec := startExecution(t, st, def, "")

	outcome, err := eng.Step(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, StepFailed, outcome.Status)

	final, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, final.Status)

	state, err := st.GetExecutionState(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.NodeSucceeded, state.Results["cleanup"].Status) // cleanup ran anyway
}

func TestStep_TerminatedExecutionStopsImmediately(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(t, st)
	ctx := context.Background()

	def := schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			node("start", schema.NodeTypeTrigger, `{}`),
			node("work", schema.NodeTypeNoop, `{}`),
		},
		Edges: []schema.EdgeDefinition{edge("start", "work")},
	}
	exec := startExecution(t, st, def, "")
	require.NoError(t, st.TransitionExecution(ctx, exec.ID, schema.ExecutionRunning, schema.ExecutionTerminated))

	outcome, err := eng.Step(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, StepTerminated, outcome.Status)

	state, err := st.GetExecutionState(ctx, exec.ID)
	require.NoError(t, err)
	assert.Empty(t, state.Results) // nothing dispatched
}

func TestStep_DeadlineExceededTimesOut(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(t, st)
	ctx := context.Background()

	def := schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			node("start", schema.NodeTypeTrigger, `{}`),
		},
	}
	exec := startExecution(t, st, def, "")
	past := time.Now().Add(-time.Minute)
	require.NoError(t, st.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{DeadlineAt: &past}))
	exec.DeadlineAt = &past

	outcome, err := eng.Step(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, StepTimedOut, outcome.Status)

	final, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionTimedOut, final.Status)
	assert.Contains(t, string(final.Error), schema.ErrCodeTimeout)
}

func TestStep_AppendsExecutionLog(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(t, st)
	ctx := context.Background()

	def := schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			node("start", schema.NodeTypeTrigger, `{}`),
			node("work", schema.NodeTypeNoop, `{}`),
		},
		Edges: []schema.EdgeDefinition{edge("start", "work")},
	}
	exec := startExecution(t, st, def, "")

	_, err := eng.Step(ctx, exec)
	require.NoError(t, err)

	entries, err := st.ListLog(ctx, exec.ID)
	require.NoError(t, err)

	types := make(map[string]int)
	for _, entry := range entries {
		types[entry.Type]++
	}
	assert.Equal(t, 1, types[schema.EventExecutionStarted])
	assert.Equal(t, 2, types[schema.EventNodeStarted])
	assert.Equal(t, 2, types[schema.EventNodeCompleted])
	assert.Equal(t, 1, types[schema.EventExecutionCompleted])
}
