package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convctl/conveyor/internal/scheduler"
	"github.com/convctl/conveyor/internal/signals"
	"github.com/convctl/conveyor/internal/store"
	"github.com/convctl/conveyor/internal/validation"
	"github.com/convctl/conveyor/pkg/schema"
)

func newTestServer(t *testing.T) (*ConveyorServer, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	logger := slog.Default()
	validator, err := validation.NewWorkflowValidator()
	require.NoError(t, err)

	s := NewConveyorServer(ServerDeps{
		Store:     st,
		Scheduler: scheduler.New(st, logger),
		Signals:   signals.NewMatcher(st, logger),
		Validator: validator,
		Logger:    logger,
	})
	return s, st
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

func linearDefinition() map[string]any {
	return map[string]any{
		"nodes": []any{
			map[string]any{"id": "start", "type": "trigger"},
			map[string]any{"id": "work", "type": "noop"},
		},
		"edges": []any{
			map[string]any{"source": "start", "target": "work"},
		},
	}
}

func defineWorkflow(t *testing.T, s *ConveyorServer, workflowID string) {
	t.Helper()
	req := buildRequest("conveyor.define", map[string]any{
		"workflow_id": workflowID,
		"definition":  linearDefinition(),
	})
	result, err := s.handleDefine(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
}

func TestDefineTool(t *testing.T) {
	s, st := newTestServer(t)
	defineWorkflow(t, s, "order-flow")

	wf, err := st.GetWorkflow(context.Background(), "order-flow", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, wf.Version)
	assert.Len(t, wf.Definition.Nodes, 2)

	// Re-defining bumps the version; the old one stays readable.
	defineWorkflow(t, s, "order-flow")
	wf, err = st.GetWorkflow(context.Background(), "order-flow", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, wf.Version)
	_, err = st.GetWorkflow(context.Background(), "order-flow", 1)
	assert.NoError(t, err)
}

func TestDefineToolRejectsInvalidDefinition(t *testing.T) {
	s, _ := newTestServer(t)

	req := buildRequest("conveyor.define", map[string]any{
		"workflow_id": "broken",
		"definition": map[string]any{
			"nodes": []any{
				map[string]any{"id": "x", "type": "teleport"},
			},
		},
	})
	result, err := s.handleDefine(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "validation failed")
}

func TestRunTool(t *testing.T) {
	s, st := newTestServer(t)
	defineWorkflow(t, s, "order-flow")

	req := buildRequest("conveyor.run", map[string]any{
		"workflow_id": "order-flow",
		"input":       map[string]any{"order_id": "ord-9"},
	})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out struct {
		ExecutionID string `json:"execution_id"`
		Status      string `json:"status"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, "pending", out.Status)

	exec, err := st.GetExecution(context.Background(), out.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionPending, exec.Status)
	assert.JSONEq(t, `{"order_id":"ord-9"}`, string(exec.TriggerPayload))
}

func TestRunToolUnknownWorkflow(t *testing.T) {
	s, _ := newTestServer(t)

	req := buildRequest("conveyor.run", map[string]any{"workflow_id": "ghost"})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusToolWithTimeline(t *testing.T) {
	s, st := newTestServer(t)
	defineWorkflow(t, s, "order-flow")

	runResult, err := s.handleRun(context.Background(), buildRequest("conveyor.run", map[string]any{
		"workflow_id": "order-flow",
	}))
	require.NoError(t, err)
	var run struct {
		ExecutionID string `json:"execution_id"`
	}
	unmarshalResult(t, runResult, &run)

	require.NoError(t, st.AppendLog(context.Background(), &store.LogEntry{
		ExecutionID: run.ExecutionID,
		NodeID:      "work",
		Type:        schema.EventNodeCompleted,
		Timestamp:   time.Now().UTC(),
	}))

	result, err := s.handleStatus(context.Background(), buildRequest("conveyor.status", map[string]any{
		"execution_id":     run.ExecutionID,
		"include_timeline": true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		Execution *store.Execution  `json:"execution"`
		Timeline  []*store.LogEntry `json:"timeline"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, run.ExecutionID, out.Execution.ID)
	require.Len(t, out.Timeline, 2) // created + node succeeded
}

func TestSignalTool(t *testing.T) {
	s, st := newTestServer(t)

	result, err := s.handleSignal(context.Background(), buildRequest("conveyor.signal", map[string]any{
		"signal":  "approval",
		"payload": map[string]any{"approved": true},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	deliveries, err := st.ListUnconsumedDeliveries(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "approval", deliveries[0].SignalName)
	assert.JSONEq(t, `{"approved":true}`, string(deliveries[0].Payload))
}

func TestTerminateTool(t *testing.T) {
	s, st := newTestServer(t)
	defineWorkflow(t, s, "order-flow")

	runResult, err := s.handleRun(context.Background(), buildRequest("conveyor.run", map[string]any{
		"workflow_id": "order-flow",
	}))
	require.NoError(t, err)
	var run struct {
		ExecutionID string `json:"execution_id"`
	}
	unmarshalResult(t, runResult, &run)

	result, err := s.handleTerminate(context.Background(), buildRequest("conveyor.terminate", map[string]any{
		"execution_id": run.ExecutionID,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	exec, err := st.GetExecution(context.Background(), run.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionTerminated, exec.Status)

	// A second terminate reports the terminal status instead of flapping.
	result, err = s.handleTerminate(context.Background(), buildRequest("conveyor.terminate", map[string]any{
		"execution_id": run.ExecutionID,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "terminated")
}

func TestReplayTool(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()

	wf := &store.Workflow{
		ID: "pipeline",
		Definition: schema.WorkflowDefinition{
			Nodes: []schema.NodeDefinition{
				{ID: "start", Type: schema.NodeTypeTrigger},
				{ID: "fetch", Type: schema.NodeTypeNoop},
				{ID: "publish", Type: schema.NodeTypeNoop},
			},
			Edges: []schema.EdgeDefinition{
				{Source: "start", Target: "fetch"},
				{Source: "fetch", Target: "publish"},
			},
		},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.SaveWorkflow(ctx, wf))

	src := &store.Execution{
		ID:              "exec-src",
		WorkflowID:      "pipeline",
		WorkflowVersion: 1,
		Status:          schema.ExecutionPending,
		TriggerPayload:  json.RawMessage(`{"run":1}`),
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, st.CreateExecution(ctx, src))
	require.NoError(t, st.TransitionExecution(ctx, src.ID, schema.ExecutionPending, schema.ExecutionRunning))
	require.NoError(t, st.TransitionExecution(ctx, src.ID, schema.ExecutionRunning, schema.ExecutionCompleted))

	state := store.NewExecutionState(src.ID, "start", nil)
	state.Frontier = nil
	for _, id := range []string{"start", "fetch", "publish"} {
		state.Results[id] = &store.NodeResult{NodeID: id, Status: schema.NodeSucceeded, Output: json.RawMessage(`{}`)}
	}
	require.NoError(t, st.SaveExecutionState(ctx, state))

	result, err := s.handleReplay(ctx, buildRequest("conveyor.replay", map[string]any{
		"execution_id": src.ID,
		"node_id":      "publish",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out struct {
		ExecutionID string `json:"execution_id"`
	}
	unmarshalResult(t, result, &out)
	require.NotEqual(t, src.ID, out.ExecutionID)

	replay, err := st.GetExecution(ctx, out.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionPending, replay.Status)
	assert.JSONEq(t, `{"run":1}`, string(replay.TriggerPayload))

	reseeded, err := st.GetExecutionState(ctx, out.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"publish"}, reseeded.Frontier)
	assert.Contains(t, reseeded.Results, "start")
	assert.Contains(t, reseeded.Results, "fetch")
	assert.NotContains(t, reseeded.Results, "publish")

	// Source execution untouched.
	srcAfter, err := st.GetExecution(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, srcAfter.Status)
}

func TestReplayToolRejectsRunningExecution(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()
	defineWorkflow(t, s, "order-flow")

	exec := &store.Execution{
		ID: "exec-live", WorkflowID: "order-flow", WorkflowVersion: 1,
		Status: schema.ExecutionPending, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateExecution(ctx, exec))

	result, err := s.handleReplay(ctx, buildRequest("conveyor.replay", map[string]any{
		"execution_id": "exec-live",
		"node_id":      "work",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestScheduleTool(t *testing.T) {
	s, st := newTestServer(t)
	defineWorkflow(t, s, "order-flow")

	result, err := s.handleSchedule(context.Background(), buildRequest("conveyor.schedule", map[string]any{
		"workflow_id": "order-flow",
		"cron":        "*/5 * * * *",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out struct {
		Schedule *store.Schedule `json:"schedule"`
	}
	unmarshalResult(t, result, &out)
	require.NotNil(t, out.Schedule)
	assert.True(t, out.Schedule.Enabled)
	require.NotNil(t, out.Schedule.NextFireAt)

	// Disable it through the same tool.
	result, err = s.handleSchedule(context.Background(), buildRequest("conveyor.schedule", map[string]any{
		"schedule_id": out.Schedule.ID,
		"enabled":     false,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	schedules, err := st.ListSchedules(context.Background())
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.False(t, schedules[0].Enabled)
}

func TestQueryTool(t *testing.T) {
	s, _ := newTestServer(t)
	defineWorkflow(t, s, "order-flow")
	defineWorkflow(t, s, "billing-flow")

	for i := 0; i < 3; i++ {
		_, err := s.handleRun(context.Background(), buildRequest("conveyor.run", map[string]any{
			"workflow_id": "order-flow",
		}))
		require.NoError(t, err)
	}

	result, err := s.handleQuery(context.Background(), buildRequest("conveyor.query", map[string]any{
		"resource": "workflows",
	}))
	require.NoError(t, err)
	var wfOut struct {
		Workflows []*store.Workflow `json:"workflows"`
	}
	unmarshalResult(t, result, &wfOut)
	assert.Len(t, wfOut.Workflows, 2)

	result, err = s.handleQuery(context.Background(), buildRequest("conveyor.query", map[string]any{
		"resource": "executions",
		"filter":   map[string]any{"workflow_id": "order-flow", "status": "pending"},
	}))
	require.NoError(t, err)
	var execOut struct {
		Executions []*store.Execution `json:"executions"`
	}
	unmarshalResult(t, result, &execOut)
	assert.Len(t, execOut.Executions, 3)

	result, err = s.handleQuery(context.Background(), buildRequest("conveyor.query", map[string]any{
		"resource": "bogus",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
