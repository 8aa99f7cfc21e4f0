package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/convctl/conveyor/internal/activity"
	"github.com/convctl/conveyor/internal/store"
	"github.com/convctl/conveyor/pkg/schema"
)

// stepControl runs one control-flow node on the engine goroutine.
func (e *Engine) stepControl(ctx context.Context, c *cycleState, id string) (bool, error) {
	node := c.graph.Nodes[id]

	// A control node resumed with a recorded success (replay after crash)
	// settles without re-executing.
	if res := c.state.Results[id]; res != nil && res.Status == schema.NodeSucceeded {
		return false, e.settleNode(ctx, c, id)
	}

	switch node.Type {
	case schema.NodeTypeCondition:
		return e.runCondition(ctx, c, node)
	case schema.NodeTypeSwitch:
		return e.runSwitch(ctx, c, node)
	case schema.NodeTypeTry:
		return e.openTry(ctx, c, node)
	case schema.NodeTypeCatch:
		return e.runCatch(ctx, c, node)
	case schema.NodeTypeFinally:
		return e.runFinally(ctx, c, node)
	case schema.NodeTypeLoop:
		return e.stepLoop(ctx, c, node)
	case schema.NodeTypeParallel:
		return e.runParallel(ctx, c, node)
	default:
		return e.handleNodeFailure(ctx, c, node, nil,
			schema.NewErrorf(schema.ErrCodeValidation, "node %s: type %q is not a control node", id, node.Type))
	}
}

// runCondition evaluates the node's expression and records {"result": bool}.
func (e *Engine) runCondition(ctx context.Context, c *cycleState, node *schema.NodeDefinition) (bool, error) {
	var cfg schema.ConditionConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return e.handleNodeFailure(ctx, c, node, nil,
			schema.NewErrorf(schema.ErrCodeValidation, "node %s: invalid condition config", node.ID).WithCause(err))
	}
	scope := e.buildScope(c, node.ID, nil)
	result, err := e.cel.EvaluateBool(ctx, cfg.Expression, scope.Data())
	if err != nil {
		return e.handleNodeFailure(ctx, c, node, nil, toEngineError(err, node.ID))
	}
	e.recordSuccess(ctx, c, node, nil, activityResult(map[string]any{"result": result}))
	return false, e.settleNode(ctx, c, node.ID)
}

// runSwitch evaluates the discriminant and records {"case": value}. Failing
// to match any edge, default included, fails the node.
func (e *Engine) runSwitch(ctx context.Context, c *cycleState, node *schema.NodeDefinition) (bool, error) {
	var cfg schema.SwitchConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return e.handleNodeFailure(ctx, c, node, nil,
			schema.NewErrorf(schema.ErrCodeValidation, "node %s: invalid switch config", node.ID).WithCause(err))
	}
	scope := e.buildScope(c, node.ID, nil)
	value, err := e.cel.Evaluate(ctx, cfg.Discriminant, scope.Data())
	if err != nil {
		return e.handleNodeFailure(ctx, c, node, nil, toEngineError(err, node.ID))
	}
	caseValue := fmt.Sprintf("%v", value)

	matched, hasDefault := false, false
	for _, edge := range c.graph.Successors(node.ID) {
		switch edge.Case {
		case "default":
			hasDefault = true
		case caseValue:
			matched = true
		}
	}
	if !matched && !hasDefault {
		return e.handleNodeFailure(ctx, c, node, nil,
			schema.NewErrorf(schema.ErrCodeNoMatchingBranch, "node %s: no branch matches case %q", node.ID, caseValue))
	}

	e.recordSuccess(ctx, c, node, nil, activityResult(map[string]any{"case": caseValue}))
	return false, e.settleNode(ctx, c, node.ID)
}

// openTry pushes a try region and proceeds. Catch and finally targets are
// reachable only through region routing, never through normal settlement.
func (e *Engine) openTry(ctx context.Context, c *cycleState, node *schema.NodeDefinition) (bool, error) {
	var cfg schema.TryConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return e.handleNodeFailure(ctx, c, node, nil,
			schema.NewErrorf(schema.ErrCodeValidation, "node %s: invalid try config", node.ID).WithCause(err))
	}
	c.state.TryRegions = append(c.state.TryRegions, &store.TryRegion{
		TryID:     node.ID,
		CatchID:   cfg.Catch,
		FinallyID: cfg.Finally,
		Phase:     "open",
	})
	e.recordSuccess(ctx, c, node, nil, activityResult(map[string]any{}))
	return false, e.settleNode(ctx, c, node.ID)
}

// runCatch consumes the region's captured error and exposes it as output.
func (e *Engine) runCatch(ctx context.Context, c *cycleState, node *schema.NodeDefinition) (bool, error) {
	region := e.findRegion(c, func(r *store.TryRegion) bool {
		return r.CatchID == node.ID && r.Phase == "catching"
	})
	if region == nil {
		return e.handleNodeFailure(ctx, c, node, nil,
			schema.NewErrorf(schema.ErrCodeValidation, "node %s: catch entered without an active region", node.ID))
	}
	output := map[string]any{"error": decodeAny(region.Err)}
	region.Err = nil // consumed
	e.recordSuccess(ctx, c, node, nil, activityResult(output))
	return false, e.settleNode(ctx, c, node.ID)
}

// runFinally runs the cleanup node and closes its region. An error the catch
// did not consume resurfaces as the execution failure afterwards.
func (e *Engine) runFinally(ctx context.Context, c *cycleState, node *schema.NodeDefinition) (bool, error) {
	region := e.findRegion(c, func(r *store.TryRegion) bool {
		return r.FinallyID == node.ID && r.Phase == "finalizing"
	})
	if region == nil {
		return e.handleNodeFailure(ctx, c, node, nil,
			schema.NewErrorf(schema.ErrCodeValidation, "node %s: finally entered without an active region", node.ID))
	}
	e.recordSuccess(ctx, c, node, nil, activityResult(map[string]any{}))
	if err := e.settleNode(ctx, c, node.ID); err != nil {
		return true, err
	}
	e.popRegion(c, region)
	if len(region.Err) > 0 {
		var ee schema.EngineError
		if uerr := json.Unmarshal(region.Err, &ee); uerr != nil {
			ee = *schema.NewError(schema.ErrCodeHandlerFailure, "unrecoverable region error")
		}
		c.failure = &ee
		return true, nil
	}
	return false, nil
}

// routeToCatch redirects a failure into the innermost open try region.
// Returns false when no region can absorb it.
func (e *Engine) routeToCatch(ctx context.Context, c *cycleState, failedNodeID string, ee *schema.EngineError) bool {
	for i := len(c.state.TryRegions) - 1; i >= 0; i-- {
		r := c.state.TryRegions[i]
		if r.Phase != "open" {
			continue
		}
		r.Err = mustJSON(ee)
		switch {
		case r.CatchID != "":
			r.Phase = "catching"
			c.state.Frontier = []string{r.CatchID}
			e.logEvent(ctx, c.exec.ID, r.CatchID, schema.EventCatchEntered, mustJSON(map[string]any{
				"failed_node": failedNodeID, "error": ee.Message,
			}))
		case r.FinallyID != "":
			r.Phase = "finalizing"
			c.state.Frontier = []string{r.FinallyID}
			e.logEvent(ctx, c.exec.ID, r.FinallyID, schema.EventFinallyEntered, nil)
		default:
			// Region with neither handler cannot absorb anything.
			e.popRegion(c, r)
			continue
		}
		return true
	}
	return false
}

// handleEmptyFrontier routes pending finally blocks, then finalizes.
// Returns stop=true when the execution finished or failed.
func (e *Engine) handleEmptyFrontier(ctx context.Context, c *cycleState) (bool, error) {
	for len(c.state.TryRegions) > 0 {
		r := c.state.TryRegions[len(c.state.TryRegions)-1]
		if (r.Phase == "open" || r.Phase == "catching") && r.FinallyID != "" {
			r.Phase = "finalizing"
			c.state.Frontier = []string{r.FinallyID}
			e.logEvent(ctx, c.exec.ID, r.FinallyID, schema.EventFinallyEntered, nil)
			return false, nil
		}
		if len(r.Err) > 0 {
			var ee schema.EngineError
			if uerr := json.Unmarshal(r.Err, &ee); uerr != nil {
				ee = *schema.NewError(schema.ErrCodeHandlerFailure, "unrecoverable region error")
			}
			e.popRegion(c, r)
			c.failure = &ee
			return true, nil
		}
		e.popRegion(c, r)
	}

	c.output = e.finalOutput(c)
	c.finished = true
	return true, nil
}

// finalOutput collects sink node outputs: a single sink's output directly,
// multiple sinks as an object keyed by node id.
func (e *Engine) finalOutput(c *cycleState) json.RawMessage {
	sinks := make(map[string]json.RawMessage)
	for _, id := range c.graph.Sorted {
		if len(c.graph.Successors(id)) > 0 {
			continue
		}
		if res := c.state.Results[id]; res != nil && res.Status == schema.NodeSucceeded {
			sinks[id] = res.Output
		}
	}
	switch len(sinks) {
	case 0:
		return json.RawMessage(`null`)
	case 1:
		for _, out := range sinks {
			if len(out) == 0 {
				return json.RawMessage(`null`)
			}
			return out
		}
	}
	return mustJSON(sinks)
}

// settleNode removes a decided node from the frontier and advances its
// successors: fired targets whose incoming edges are all decided become
// ready; targets no edge can reach anymore are skipped transitively.
func (e *Engine) settleNode(ctx context.Context, c *cycleState, id string) error {
	e.removeFromFrontier(c.state, id)

	for _, edge := range c.graph.Successors(id) {
		target := c.graph.Nodes[edge.Target]
		if target.Type == schema.NodeTypeCatch || target.Type == schema.NodeTypeFinally {
			continue // entered via region routing only
		}
		decided, anyFired, err := e.targetDecision(ctx, c, edge.Target)
		if err != nil {
			return err
		}
		if !decided {
			continue
		}
		if anyFired {
			e.addToFrontier(c.state, edge.Target)
			continue
		}
		if err := e.markSkipped(ctx, c, edge.Target); err != nil {
			return err
		}
	}
	return nil
}

// targetDecision reports whether every normal incoming edge of target has a
// settled source, and whether at least one of those edges fired.
func (e *Engine) targetDecision(ctx context.Context, c *cycleState, target string) (decided, anyFired bool, err error) {
	decided = true
	for _, edge := range c.def.Edges {
		if edge.Target != target {
			continue
		}
		res := c.state.Results[edge.Source]
		if res == nil || !isSettled(res.Status) {
			return false, false, nil
		}
		fired, ferr := e.edgeFired(ctx, c, &edge)
		if ferr != nil {
			return false, false, ferr
		}
		if fired {
			anyFired = true
		}
	}
	return decided, anyFired, nil
}

// edgeFired recomputes an edge's firing decision from recorded outputs, so
// the decision is stable across crash replays.
func (e *Engine) edgeFired(ctx context.Context, c *cycleState, edge *schema.EdgeDefinition) (bool, error) {
	res := c.state.Results[edge.Source]
	if res == nil || res.Status != schema.NodeSucceeded {
		return false, nil
	}
	source := c.graph.Nodes[edge.Source]

	switch source.Type {
	case schema.NodeTypeSwitch:
		output := decodeMap(res.Output)
		caseValue, _ := output["case"].(string)
		if edge.Case == "default" {
			for _, sibling := range c.graph.Successors(edge.Source) {
				if sibling.Case != "default" && sibling.Case == caseValue {
					return false, nil
				}
			}
			return true, nil
		}
		return edge.Case == caseValue, nil

	case schema.NodeTypeCondition:
		if edge.Case == "true" || edge.Case == "false" {
			output := decodeMap(res.Output)
			result, _ := output["result"].(bool)
			return edge.Case == fmt.Sprintf("%t", result), nil
		}
	}

	if edge.Condition != "" {
		scope := e.buildScope(c, "", nil)
		fired, err := e.cel.EvaluateBool(ctx, edge.Condition, scope.Data())
		if err != nil {
			return false, toEngineError(err, edge.Source)
		}
		e.logEvent(ctx, c.exec.ID, edge.Source, schema.EventEdgeEvaluated, mustJSON(map[string]any{
			"target": edge.Target, "fired": fired,
		}))
		return fired, nil
	}
	return true, nil
}

// markSkipped records an unreachable node as skipped and cascades.
func (e *Engine) markSkipped(ctx context.Context, c *cycleState, id string) error {
	if res := c.state.Results[id]; res != nil && isSettled(res.Status) {
		return nil
	}
	now := e.now().UTC()
	c.state.Results[id] = &store.NodeResult{
		NodeID:      id,
		Status:      schema.NodeSkipped,
		CompletedAt: &now,
	}
	e.logEvent(ctx, c.exec.ID, id, schema.EventNodeSkipped, nil)
	return e.settleNode(ctx, c, id)
}

// pollChild checks a waited-on child execution and converts its terminal
// status into the parent node's outcome. Returns nil while still running.
func (e *Engine) pollChild(ctx context.Context, c *cycleState, id string) (*pendingLeaf, error) {
	ref := c.state.SubWorkflows[id]
	child, err := e.store.GetExecution(ctx, ref.ChildID)
	if err != nil {
		return nil, err
	}

	switch child.Status {
	case schema.ExecutionCompleted:
		delete(c.state.SubWorkflows, id)
		output := child.Output
		if len(output) == 0 {
			output = json.RawMessage(`null`)
		}
		return &pendingLeaf{result: &activity.Result{Status: activity.StatusSuccess, Output: mustJSON(map[string]any{
			"child_execution_id": child.ID,
			"output":             decodeAny(output),
		})}}, nil

	case schema.ExecutionFailed, schema.ExecutionTimedOut, schema.ExecutionTerminated:
		delete(c.state.SubWorkflows, id)
		ee := schema.NewErrorf(schema.ErrCodeNonRetryable, "child execution %s ended %s", child.ID, child.Status).
			WithNode(id).
			WithDetails(map[string]any{"child_error": decodeAny(child.Error)})
		return &pendingLeaf{result: activity.Failure(ee)}, nil
	}

	if ref.Deadline != nil && e.now().After(*ref.Deadline) {
		delete(c.state.SubWorkflows, id)
		ee := schema.NewErrorf(schema.ErrCodeSuspendTimeout, "child execution %s did not finish in time", ref.ChildID).WithNode(id)
		return &pendingLeaf{result: activity.Failure(ee)}, nil
	}
	return nil, nil // still running
}

func (e *Engine) findRegion(c *cycleState, match func(*store.TryRegion) bool) *store.TryRegion {
	for i := len(c.state.TryRegions) - 1; i >= 0; i-- {
		if match(c.state.TryRegions[i]) {
			return c.state.TryRegions[i]
		}
	}
	return nil
}

func (e *Engine) popRegion(c *cycleState, region *store.TryRegion) {
	regions := c.state.TryRegions[:0]
	for _, r := range c.state.TryRegions {
		if r != region {
			regions = append(regions, r)
		}
	}
	c.state.TryRegions = regions
}

func (e *Engine) removeFromFrontier(st *store.ExecutionState, id string) {
	frontier := st.Frontier[:0]
	for _, f := range st.Frontier {
		if f != id {
			frontier = append(frontier, f)
		}
	}
	st.Frontier = frontier
}

func (e *Engine) addToFrontier(st *store.ExecutionState, id string) {
	for _, f := range st.Frontier {
		if f == id {
			return
		}
	}
	st.Frontier = append(st.Frontier, id)
}

func isSettled(status schema.NodeStatus) bool {
	switch status {
	case schema.NodeSucceeded, schema.NodeFailed, schema.NodeSkipped:
		return true
	}
	return false
}

// activityResult wraps a map output as a successful handler result.
func activityResult(output map[string]any) *activity.Result {
	return &activity.Result{Status: activity.StatusSuccess, Output: mustJSON(output)}
}
