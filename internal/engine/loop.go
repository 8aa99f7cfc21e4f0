package engine

import (
	"context"
	"encoding/json"

	"github.com/convctl/conveyor/internal/activity"
	"github.com/convctl/conveyor/internal/store"
	"github.com/convctl/conveyor/pkg/schema"
)

// defaultMaxIter caps for_each and count loops that set no explicit guard.
// Condition-driven loops must declare their own ceiling.
const defaultMaxIter = 10000

// stepLoop advances an active loop by one body node. The frame records the
// iteration index and body position so a crash resumes mid-iteration; body
// results are keyed "<nodeID>#<iteration>" to keep every attempt addressable.
func (e *Engine) stepLoop(ctx context.Context, c *cycleState, node *schema.NodeDefinition) (bool, error) {
	var cfg schema.LoopConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return e.handleNodeFailure(ctx, c, node, nil,
			schema.NewErrorf(schema.ErrCodeValidation, "node %s: invalid loop config", node.ID).WithCause(err))
	}
	if len(cfg.Body) == 0 {
		return e.handleNodeFailure(ctx, c, node, nil,
			schema.NewErrorf(schema.ErrCodeValidation, "node %s: loop body is empty", node.ID))
	}

	frame := e.frameFor(c, node.ID)
	if frame == nil {
		var err error
		frame, err = e.openLoop(ctx, c, node, &cfg)
		if err != nil {
			return e.handleNodeFailure(ctx, c, node, nil, toEngineError(err, node.ID))
		}
	}

	// Iteration boundary: consult the loop guard before the first body node.
	if frame.BodyPos == 0 {
		proceed, err := e.loopGuard(ctx, c, node, &cfg, frame)
		if err != nil {
			e.closeLoopFrame(c, frame)
			return e.handleNodeFailure(ctx, c, node, nil, toEngineError(err, node.ID))
		}
		if !proceed {
			return e.finishLoop(ctx, c, node, frame)
		}
		e.logEvent(ctx, c.exec.ID, node.ID, schema.EventLoopIterStarted, mustJSON(map[string]any{
			"iteration": frame.Index,
		}))
	}

	body := &cfg.Body[frame.BodyPos]
	if !e.registry.Has(body.Type) {
		e.closeLoopFrame(c, frame)
		return e.handleNodeFailure(ctx, c, node, nil,
			schema.NewErrorf(schema.ErrCodeValidation, "node %s: loop body node %s has non-dispatchable type %q", node.ID, body.ID, body.Type))
	}

	res, err := e.dispatchNode(ctx, c, body, frame)
	if err != nil {
		return e.loopBodyFailure(ctx, c, node, body, frame, toEngineError(err, body.ID))
	}

	switch res.Status {
	case activity.StatusSuccess:
		e.recordSuccess(ctx, c, body, frame, res)
	case activity.StatusFailure:
		return e.loopBodyFailure(ctx, c, node, body, frame, res.Error)
	case activity.StatusSuspend:
		// Suspension points inside a loop body cannot be resumed
		// addressably, so they are rejected outright.
		e.closeLoopFrame(c, frame)
		return e.handleNodeFailure(ctx, c, node, nil,
			schema.NewErrorf(schema.ErrCodeValidation, "node %s: body node %s suspends; waits are not allowed inside loop bodies", node.ID, body.ID))
	}

	if frame.BreakFlag || loopFlag(frame, "break") {
		frame.BreakFlag = true
		e.logEvent(ctx, c.exec.ID, node.ID, schema.EventLoopBreak, mustJSON(map[string]any{
			"iteration": frame.Index,
		}))
		return e.finishLoop(ctx, c, node, frame)
	}

	frame.BodyPos++
	if frame.BodyPos >= len(cfg.Body) || loopFlag(frame, "continue") {
		e.completeIteration(ctx, c, node, &cfg, frame)
	}
	return false, nil // loop node stays on the frontier
}

// openLoop pushes a fresh frame, snapshotting the iterable for for_each.
func (e *Engine) openLoop(ctx context.Context, c *cycleState, node *schema.NodeDefinition, cfg *schema.LoopConfig) (*store.LoopFrame, error) {
	frame := &store.LoopFrame{
		NodeID: node.ID,
		Mode:   cfg.Mode,
		Vars:   make(map[string]any),
	}

	switch cfg.Mode {
	case "for_each":
		scope := e.buildScope(c, node.ID, nil)
		value, err := e.cel.Evaluate(ctx, cfg.Over, scope.Data())
		if err != nil {
			return nil, err
		}
		items, ok := value.([]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeExpression, "node %s: loop iterable is %T, want a list", node.ID, value).WithNode(node.ID)
		}
		frame.Items = make([]json.RawMessage, len(items))
		for i, item := range items {
			frame.Items[i] = mustJSON(item)
		}
		frame.Total = len(items)
	case "count":
		if cfg.Count <= 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s: count loop needs a positive count", node.ID).WithNode(node.ID)
		}
		frame.Total = cfg.Count
	case "while", "until":
		if cfg.Condition == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s: %s loop needs a condition", node.ID, cfg.Mode).WithNode(node.ID)
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s: unknown loop mode %q", node.ID, cfg.Mode).WithNode(node.ID)
	}

	c.state.LoopStack = append(c.state.LoopStack, frame)
	return frame, nil
}

// loopGuard decides whether another iteration runs.
func (e *Engine) loopGuard(ctx context.Context, c *cycleState, node *schema.NodeDefinition, cfg *schema.LoopConfig, frame *store.LoopFrame) (bool, error) {
	maxIter := cfg.MaxIter
	if maxIter <= 0 {
		maxIter = defaultMaxIter
	}
	if frame.Index >= maxIter {
		return false, schema.NewErrorf(schema.ErrCodeRetryExhausted, "node %s: loop exceeded max_iter %d", node.ID, maxIter).WithNode(node.ID)
	}

	switch cfg.Mode {
	case "for_each", "count":
		return frame.Index < frame.Total, nil
	case "while":
		scope := e.buildScope(c, node.ID, frame)
		return e.cel.EvaluateBool(ctx, cfg.Condition, scope.Data())
	case "until":
		// Until runs the body before testing, so the first iteration always
		// proceeds; afterwards the loop stops once the condition holds.
		if frame.Index == 0 {
			return true, nil
		}
		scope := e.buildScope(c, node.ID, frame)
		done, err := e.cel.EvaluateBool(ctx, cfg.Condition, scope.Data())
		return !done, err
	}
	return false, nil
}

// completeIteration folds the iteration's last body output into the loop's
// accumulated results and resets for the next pass.
func (e *Engine) completeIteration(ctx context.Context, c *cycleState, node *schema.NodeDefinition, cfg *schema.LoopConfig, frame *store.LoopFrame) {
	last := cfg.Body[len(cfg.Body)-1].ID
	if loopFlag(frame, "continue") && frame.BodyPos < len(cfg.Body) {
		last = cfg.Body[frame.BodyPos-1].ID
	}
	var output json.RawMessage = json.RawMessage(`null`)
	if res := c.state.Results[iterKey(last, frame.Index)]; res != nil && len(res.Output) > 0 {
		output = res.Output
	}
	frame.Results = append(frame.Results, output)

	e.logEvent(ctx, c.exec.ID, node.ID, schema.EventLoopIterDone, mustJSON(map[string]any{
		"iteration": frame.Index,
	}))

	frame.Index++
	frame.BodyPos = 0
	frame.ContinueFlag = false
	delete(frame.Vars, "continue")
}

// finishLoop closes the frame and settles the loop node with the array of
// per-iteration outputs.
func (e *Engine) finishLoop(ctx context.Context, c *cycleState, node *schema.NodeDefinition, frame *store.LoopFrame) (bool, error) {
	outputs := make([]any, len(frame.Results))
	for i, raw := range frame.Results {
		outputs[i] = decodeAny(raw)
	}
	e.closeLoopFrame(c, frame)

	// The loop's output is the plain array of iteration outputs, so
	// downstream nodes can consume it without unwrapping.
	e.recordSuccess(ctx, c, node, nil, &activity.Result{
		Status: activity.StatusSuccess,
		Output: mustJSON(outputs),
	})
	e.logEvent(ctx, c.exec.ID, node.ID, schema.EventLoopCompleted, mustJSON(map[string]any{
		"iterations": len(outputs),
	}))
	return false, e.settleNode(ctx, c, node.ID)
}

// loopBodyFailure applies the body node's retry policy, then fails the loop.
func (e *Engine) loopBodyFailure(ctx context.Context, c *cycleState, loopNode, body *schema.NodeDefinition, frame *store.LoopFrame, ee *schema.EngineError) (bool, error) {
	key := iterKey(body.ID, frame.Index)
	now := e.now().UTC()

	prev := c.state.Results[key]
	attempts := 1
	if prev != nil {
		attempts = prev.Attempts + 1
	}

	if body.Retry != nil && attempts <= body.Retry.Max && ee.IsRetryable() {
		resume := now.Add(ComputeBackoff(body.Retry, attempts-1))
		c.state.Results[key] = &store.NodeResult{
			NodeID:   body.ID,
			Status:   schema.NodeRetrying,
			Error:    mustJSON(ee),
			Attempts: attempts,
			ResumeAt: &resume,
		}
		e.logEvent(ctx, c.exec.ID, body.ID, schema.EventNodeRetry, mustJSON(map[string]any{
			"attempt": attempts, "resume_at": resume,
		}))
		// The loop node stays on the frontier gated on the body's backoff.
		loopRes := c.state.Results[loopNode.ID]
		if loopRes == nil {
			loopRes = &store.NodeResult{NodeID: loopNode.ID, Status: schema.NodeRunning}
			c.state.Results[loopNode.ID] = loopRes
		}
		loopRes.Status = schema.NodeRetrying
		loopRes.ResumeAt = &resume
		return false, nil
	}

	c.state.Results[key] = &store.NodeResult{
		NodeID:      body.ID,
		Status:      schema.NodeFailed,
		Error:       mustJSON(ee),
		Attempts:    attempts,
		CompletedAt: &now,
	}
	e.closeLoopFrame(c, frame)
	return e.handleNodeFailure(ctx, c, loopNode, nil, ee)
}

// frameFor finds the loop's frame on the stack, innermost first.
func (e *Engine) frameFor(c *cycleState, nodeID string) *store.LoopFrame {
	for i := len(c.state.LoopStack) - 1; i >= 0; i-- {
		if c.state.LoopStack[i].NodeID == nodeID {
			return c.state.LoopStack[i]
		}
	}
	return nil
}

func (e *Engine) closeLoopFrame(c *cycleState, frame *store.LoopFrame) {
	stack := c.state.LoopStack[:0]
	for _, f := range c.state.LoopStack {
		if f != frame {
			stack = append(stack, f)
		}
	}
	c.state.LoopStack = stack
}

// loopFlag reads a boolean control flag set by a variable node with loop
// scope; "break" and "continue" steer the surrounding loop.
func loopFlag(frame *store.LoopFrame, name string) bool {
	v, ok := frame.Vars[name]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}
