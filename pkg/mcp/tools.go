package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/convctl/conveyor/internal/graph"
	"github.com/convctl/conveyor/internal/store"
	"github.com/convctl/conveyor/pkg/schema"
)

// handleDefine validates and persists a workflow definition. The store
// assigns the next monotonic version; prior versions stay immutable.
func (s *ConveyorServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	defBytes, marshalErr := json.Marshal(defRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
	}
	var def schema.WorkflowDefinition
	if unmarshalErr := json.Unmarshal(defBytes, &def); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", unmarshalErr)), nil
	}

	result := s.validator.ValidateWorkflow(&def)
	if !result.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("validation failed: %v", result.ToError())), nil
	}

	wf := &store.Workflow{
		ID:         workflowID,
		Name:       req.GetString("name", ""),
		Definition: def,
		CreatedAt:  time.Now().UTC(),
	}
	if saveErr := s.store.SaveWorkflow(ctx, wf); saveErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to save workflow: %v", saveErr)), nil
	}

	s.logger.InfoContext(ctx, "workflow defined", "workflow_id", wf.ID, "version", wf.Version)
	return marshalResult(map[string]any{
		"workflow_id": wf.ID,
		"version":     wf.Version,
		"warnings":    result.Warnings,
	})
}

// handleRun creates a pending execution. The worker claims and runs it on
// its next poll cycle; this call never executes nodes itself.
func (s *ConveyorServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	version := req.GetInt("version", 0)

	wf, wfErr := s.store.GetWorkflow(ctx, workflowID, version)
	if wfErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", wfErr)), nil
	}

	exec := &store.Execution{
		ID:              uuid.NewString(),
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		Status:          schema.ExecutionPending,
		CreatedAt:       time.Now().UTC(),
	}
	if input := mcp.ParseStringMap(req, "input", nil); input != nil {
		raw, marshalErr := json.Marshal(input)
		if marshalErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid input: %v", marshalErr)), nil
		}
		exec.TriggerPayload = raw
	}

	if createErr := s.store.CreateExecution(ctx, exec); createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create execution: %v", createErr)), nil
	}
	s.appendLog(ctx, exec.ID, "", schema.EventExecutionCreated, mustJSON(map[string]any{
		"workflow_id": wf.ID, "workflow_version": wf.Version,
	}))

	s.logger.InfoContext(ctx, "execution created",
		"execution_id", exec.ID, "workflow_id", wf.ID, "workflow_version", wf.Version)
	return marshalResult(map[string]any{
		"execution_id":     exec.ID,
		"workflow_id":      wf.ID,
		"workflow_version": wf.Version,
		"status":           exec.Status,
	})
}

// handleStatus returns the execution record and, on request, its timeline.
func (s *ConveyorServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	exec, execErr := s.store.GetExecution(ctx, executionID)
	if execErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execution lookup failed: %v", execErr)), nil
	}

	out := map[string]any{"execution": exec}
	if req.GetBool("include_timeline", false) {
		entries, logErr := s.store.ListLog(ctx, executionID)
		if logErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("timeline lookup failed: %v", logErr)), nil
		}
		out["timeline"] = entries
	}
	return marshalResult(out)
}

// handleSignal records a durable signal delivery. Matching against waiting
// executions happens in the worker's poll cycle, so deliveries made before
// any execution waits are not lost.
func (s *ConveyorServer) handleSignal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	signalName, err := req.RequireString("signal")
	if err != nil {
		return mcp.NewToolResultError("signal is required"), nil
	}
	executionID := req.GetString("execution_id", "")

	var payload json.RawMessage
	if p := mcp.ParseStringMap(req, "payload", nil); p != nil {
		raw, marshalErr := json.Marshal(p)
		if marshalErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid payload: %v", marshalErr)), nil
		}
		payload = raw
	}

	if sigErr := s.signals.Deliver(ctx, signalName, executionID, payload); sigErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("signal delivery failed: %v", sigErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":           true,
		"signal":       signalName,
		"execution_id": executionID,
	})
}

// handleTerminate moves an execution to terminated from whatever
// non-terminal status it currently holds.
func (s *ConveyorServer) handleTerminate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	// The status can move under us between read and transition; retry the
	// compare-and-swap a few times before giving up.
	for attempt := 0; attempt < 3; attempt++ {
		exec, execErr := s.store.GetExecution(ctx, executionID)
		if execErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("execution lookup failed: %v", execErr)), nil
		}
		if exec.Status.IsTerminal() {
			return mcp.NewToolResultError(fmt.Sprintf("execution is already %s", exec.Status)), nil
		}

		transErr := s.store.TransitionExecution(ctx, executionID, exec.Status, schema.ExecutionTerminated)
		if transErr == nil {
			s.appendLog(ctx, executionID, "", schema.EventExecutionTerminated, mustJSON(map[string]any{
				"from": exec.Status,
			}))
			s.logger.InfoContext(ctx, "execution terminated", "execution_id", executionID)
			return marshalResult(map[string]any{
				"ok":           true,
				"execution_id": executionID,
				"status":       schema.ExecutionTerminated,
			})
		}
		if !schema.IsCode(transErr, schema.ErrCodeConflict) {
			return mcp.NewToolResultError(fmt.Sprintf("terminate failed: %v", transErr)), nil
		}
	}
	return mcp.NewToolResultError("terminate failed: execution status kept changing"), nil
}

// handleReplay creates a fresh execution seeded with the source run's state
// truncated at the given node. The source execution itself is never
// mutated, so terminal statuses stay terminal.
func (s *ConveyorServer) handleReplay(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}

	src, srcErr := s.store.GetExecution(ctx, executionID)
	if srcErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execution lookup failed: %v", srcErr)), nil
	}
	if !src.Status.IsTerminal() {
		return mcp.NewToolResultError(fmt.Sprintf("cannot replay a %s execution; wait for it to finish or terminate it", src.Status)), nil
	}

	wf, wfErr := s.store.GetWorkflow(ctx, src.WorkflowID, src.WorkflowVersion)
	if wfErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", wfErr)), nil
	}
	g, compileErr := graph.Compile(&wf.Definition)
	if compileErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow graph invalid: %v", compileErr)), nil
	}
	if _, ok := g.Nodes[nodeID]; !ok {
		return mcp.NewToolResultError(fmt.Sprintf("node %q not found in workflow", nodeID)), nil
	}

	srcState, stateErr := s.store.GetExecutionState(ctx, executionID)
	if stateErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("state lookup failed: %v", stateErr)), nil
	}

	replay := &store.Execution{
		ID:              uuid.NewString(),
		WorkflowID:      src.WorkflowID,
		WorkflowVersion: src.WorkflowVersion,
		ParentID:        src.ParentID,
		Status:          schema.ExecutionPending,
		TriggerPayload:  src.TriggerPayload,
		CreatedAt:       time.Now().UTC(),
	}
	if createErr := s.store.CreateExecution(ctx, replay); createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create execution: %v", createErr)), nil
	}

	state := reseedState(srcState, g, &wf.Definition, nodeID, replay.ID)
	if saveErr := s.store.SaveExecutionState(ctx, state); saveErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to seed state: %v", saveErr)), nil
	}

	s.appendLog(ctx, replay.ID, nodeID, schema.EventExecutionReplayed, mustJSON(map[string]any{
		"source_execution_id": executionID,
		"from_node":           nodeID,
	}))
	s.logger.InfoContext(ctx, "execution replayed",
		"execution_id", replay.ID, "source_execution_id", executionID, "from_node", nodeID)

	return marshalResult(map[string]any{
		"execution_id":        replay.ID,
		"source_execution_id": executionID,
		"from_node":           nodeID,
		"status":              replay.Status,
	})
}

// handleSchedule creates a cron schedule or toggles an existing one.
func (s *ConveyorServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	enabled := req.GetBool("enabled", true)

	if scheduleID := req.GetString("schedule_id", ""); scheduleID != "" {
		schedules, listErr := s.store.ListSchedules(ctx)
		if listErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("schedule lookup failed: %v", listErr)), nil
		}
		for _, sched := range schedules {
			if sched.ID != scheduleID {
				continue
			}
			if setErr := s.sched.SetEnabled(ctx, sched, enabled); setErr != nil {
				return mcp.NewToolResultError(fmt.Sprintf("failed to update schedule: %v", setErr)), nil
			}
			return marshalResult(map[string]any{"schedule": sched})
		}
		return mcp.NewToolResultError(fmt.Sprintf("schedule %q not found", scheduleID)), nil
	}

	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required when creating a schedule"), nil
	}
	cronExpr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required when creating a schedule"), nil
	}

	sched, createErr := s.sched.Create(ctx, workflowID, cronExpr, enabled)
	if createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create schedule: %v", createErr)), nil
	}
	return marshalResult(map[string]any{"schedule": sched})
}

// handleQuery lists workflows, executions, or schedules.
func (s *ConveyorServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		workflows, listErr := s.store.ListWorkflows(ctx)
		if listErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", listErr)), nil
		}
		return marshalResult(map[string]any{"workflows": workflows})

	case "executions":
		ef := store.ExecutionFilter{Limit: extractInt(filter, "limit", 50)}
		if wfID, ok := filter["workflow_id"].(string); ok {
			ef.WorkflowID = wfID
		}
		if status, ok := filter["status"].(string); ok && status != "" {
			es := schema.ExecutionStatus(status)
			ef.Status = &es
		}
		executions, listErr := s.store.ListExecutions(ctx, ef)
		if listErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", listErr)), nil
		}
		return marshalResult(map[string]any{"executions": executions})

	case "schedules":
		schedules, listErr := s.store.ListSchedules(ctx)
		if listErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", listErr)), nil
		}
		return marshalResult(map[string]any{"schedules": schedules})

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Internal helpers ---

// reseedState copies the source state with the replay node and everything
// downstream of it forgotten, and the frontier reset to the replay node.
// Control bookkeeping (loops, parallel groups, try regions, child refs)
// never survives a replay; it is rebuilt as the run advances.
func reseedState(src *store.ExecutionState, g *graph.Graph, def *schema.WorkflowDefinition, nodeID, executionID string) *store.ExecutionState {
	affected := downstreamOf(g, nodeID)

	// Loop bodies and parallel branches record results under ids that are
	// not graph nodes; resolve them through the owning node's config.
	prefixes := make([]string, 0)
	dropped := make(map[string]bool)
	for i := range def.Nodes {
		node := &def.Nodes[i]
		if !affected[node.ID] {
			continue
		}
		switch node.Type {
		case schema.NodeTypeLoop:
			var cfg schema.LoopConfig
			if json.Unmarshal(node.Config, &cfg) == nil {
				for j := range cfg.Body {
					prefixes = append(prefixes, cfg.Body[j].ID+"#")
				}
			}
		case schema.NodeTypeParallel:
			var cfg schema.ParallelConfig
			if json.Unmarshal(node.Config, &cfg) == nil {
				for _, branch := range cfg.Branches {
					for j := range branch {
						dropped[branch[j].ID] = true
					}
				}
			}
		}
	}

	results := make(map[string]*store.NodeResult, len(src.Results))
	for key, res := range src.Results {
		if affected[key] || dropped[key] {
			continue
		}
		if hasAnyPrefix(key, prefixes) {
			continue
		}
		results[key] = res
	}

	vars := &store.VariableScopes{
		Workflow: make(map[string]any),
		Node:     make(map[string]map[string]any),
	}
	if src.Variables != nil {
		for k, v := range src.Variables.Workflow {
			vars.Workflow[k] = v
		}
		for id, scoped := range src.Variables.Node {
			if affected[id] {
				continue
			}
			copied := make(map[string]any, len(scoped))
			for k, v := range scoped {
				copied[k] = v
			}
			vars.Node[id] = copied
		}
	}

	return &store.ExecutionState{
		ExecutionID:    executionID,
		Frontier:       []string{nodeID},
		Results:        results,
		Variables:      vars,
		ParallelGroups: make(map[string]*store.ParallelGroup),
		SubWorkflows:   make(map[string]*store.SubWorkflowRef),
		UpdatedAt:      time.Now().UTC(),
	}
}

// downstreamOf returns the node plus every node reachable from it.
func downstreamOf(g *graph.Graph, nodeID string) map[string]bool {
	visited := map[string]bool{nodeID: true}
	queue := []string{nodeID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, edge := range g.Successors(cur) {
			if visited[edge.Target] {
				continue
			}
			visited[edge.Target] = true
			queue = append(queue, edge.Target)
		}
	}
	return visited
}

func hasAnyPrefix(key string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

func (s *ConveyorServer) appendLog(ctx context.Context, executionID, nodeID, eventType string, payload json.RawMessage) {
	entry := &store.LogEntry{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Type:        eventType,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}
	if err := s.store.AppendLog(ctx, entry); err != nil {
		s.logger.WarnContext(ctx, "failed to append log entry",
			"execution_id", executionID, "event_type", eventType, "error", err)
	}
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
