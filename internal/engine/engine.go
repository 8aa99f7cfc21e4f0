package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/convctl/conveyor/internal/activity"
	"github.com/convctl/conveyor/internal/expressions"
	"github.com/convctl/conveyor/internal/graph"
	"github.com/convctl/conveyor/internal/logging"
	"github.com/convctl/conveyor/internal/store"
	"github.com/convctl/conveyor/pkg/schema"
)

// StepStatus summarizes what one processing cycle did with an execution.
type StepStatus string

const (
	StepAdvanced   StepStatus = "advanced"  // made progress, still running
	StepWaiting    StepStatus = "waiting"   // nothing ready yet (delay, backoff, child)
	StepSuspended  StepStatus = "suspended" // parked on a signal
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepRetrying   StepStatus = "retrying"
	StepTimedOut   StepStatus = "timed_out"
	StepTerminated StepStatus = "terminated"
)

// StepOutcome reports the result of one Engine.Step call.
type StepOutcome struct {
	Status     StepStatus
	Dispatched int // nodes dispatched this cycle
}

// Config tunes the engine.
type Config struct {
	Parallelism      int // bounded pool size for concurrent dispatch
	MaxNodesPerCycle int // dispatch budget per Step call
}

// Engine advances one execution at a time through its workflow graph. It is
// the sole writer of execution state: handlers return results, the engine
// interprets them. A single Engine is shared by all worker goroutines; it
// holds no per-execution state.
type Engine struct {
	store    store.Store
	registry *activity.Registry
	cel      *expressions.CELEngine
	interp   *expressions.Interpolator
	pool     *WorkerPool
	logger   *slog.Logger
	now      func() time.Time

	maxNodesPerCycle int
}

// New creates an Engine.
func New(st store.Store, registry *activity.Registry, logger *slog.Logger, cfg Config) (*Engine, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	if cfg.MaxNodesPerCycle <= 0 {
		cfg.MaxNodesPerCycle = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:            st,
		registry:         registry,
		cel:              cel,
		interp:           expressions.NewInterpolator(),
		pool:             NewWorkerPool(cfg.Parallelism),
		logger:           logger,
		now:              time.Now,
		maxNodesPerCycle: cfg.MaxNodesPerCycle,
	}, nil
}

// Shutdown drains the engine's dispatch pool.
func (e *Engine) Shutdown() {
	e.pool.Shutdown()
}

// Step runs one processing cycle for a claimed, running execution: load the
// pinned definition and state, dispatch every ready frontier node, apply the
// results, compute the next frontier, and persist the state snapshot once.
// Terminal and suspension transitions happen after the state save so a crash
// between the two re-runs the cycle instead of losing it.
func (e *Engine) Step(ctx context.Context, exec *store.Execution) (*StepOutcome, error) {
	ctx = logging.WithExecutionID(ctx, exec.ID)
	ctx = logging.WithWorkflowID(ctx, exec.WorkflowID)

	wf, err := e.store.GetWorkflow(ctx, exec.WorkflowID, exec.WorkflowVersion)
	if err != nil {
		return nil, err
	}
	g, err := graph.Compile(&wf.Definition)
	if err != nil {
		return nil, e.failExecution(ctx, exec, &wf.Definition, err)
	}

	st, err := e.loadOrInitState(ctx, exec, g, &wf.Definition)
	if err != nil {
		return nil, err
	}

	if exec.DeadlineAt != nil && e.now().After(*exec.DeadlineAt) {
		return e.timeOutExecution(ctx, exec, st)
	}

	cycle := &cycleState{exec: exec, def: &wf.Definition, graph: g, state: st}
	outcome := &StepOutcome{Status: StepWaiting}

	budget := e.maxNodesPerCycle
	for budget > 0 {
		// Termination is data-driven: re-check before every pass so an
		// operator terminate lands between node dispatches.
		cur, err := e.store.GetExecution(ctx, exec.ID)
		if err != nil {
			return nil, err
		}
		if cur.Status == schema.ExecutionTerminated {
			outcome.Status = StepTerminated
			break
		}

		if len(st.Frontier) == 0 {
			stop, err := e.handleEmptyFrontier(ctx, cycle)
			if err != nil {
				return nil, err
			}
			if stop {
				break // finished, or an uncaught region error surfaced
			}
			continue // finally routing refilled the frontier
		}

		ready := e.readyNodes(st)
		if len(ready) == 0 {
			outcome.Status = StepWaiting
			break
		}
		if len(ready) > budget {
			ready = ready[:budget]
		}
		budget -= len(ready)

		stop, err := e.processPass(ctx, cycle, ready, outcome)
		if err != nil {
			return nil, err
		}
		if stop {
			break
		}
		outcome.Status = StepAdvanced
	}

	if err := e.store.SaveExecutionState(ctx, st); err != nil {
		return nil, err
	}

	return e.applyTransitions(ctx, cycle, outcome)
}

// cycleState bundles everything one Step call threads through its passes.
type cycleState struct {
	exec  *store.Execution
	def   *schema.WorkflowDefinition
	graph *graph.Graph
	state *store.ExecutionState

	pending    map[string]*pendingLeaf
	finished   bool
	suspension *activity.Suspension // pending signal park
	failure    *schema.EngineError  // pending execution failure
	output     json.RawMessage      // final output when finished
}

// loadOrInitState fetches the persisted state or seeds it on first entry.
func (e *Engine) loadOrInitState(ctx context.Context, exec *store.Execution, g *graph.Graph, def *schema.WorkflowDefinition) (*store.ExecutionState, error) {
	st, err := e.store.GetExecutionState(ctx, exec.ID)
	if err == nil {
		return st, nil
	}
	if !schema.IsCode(err, schema.ErrCodeNotFound) {
		return nil, err
	}

	st = store.NewExecutionState(exec.ID, g.Trigger, def.Variables)

	update := store.ExecutionUpdate{}
	if exec.StartedAt == nil {
		started := e.now().UTC()
		update.StartedAt = &started
	}
	if def.Timeout != "" && exec.DeadlineAt == nil {
		if d, perr := time.ParseDuration(def.Timeout); perr == nil {
			deadline := e.now().UTC().Add(d)
			update.DeadlineAt = &deadline
			exec.DeadlineAt = &deadline
		}
	}
	if update.StartedAt != nil || update.DeadlineAt != nil {
		if err := e.store.UpdateExecution(ctx, exec.ID, update); err != nil {
			return nil, err
		}
	}
	e.logEvent(ctx, exec.ID, "", schema.EventExecutionStarted, nil)
	return st, nil
}

// readyNodes filters the frontier down to nodes dispatchable right now.
// Suspended nodes gate on their resume condition; retrying nodes gate on
// their backoff expiry.
func (e *Engine) readyNodes(st *store.ExecutionState) []string {
	now := e.now()
	var ready []string
	for _, id := range st.Frontier {
		res := st.Results[id]
		if res == nil {
			ready = append(ready, id)
			continue
		}
		switch res.Status {
		case schema.NodeSucceeded:
			ready = append(ready, id) // resumed externally (signal); settle it
		case schema.NodeFailed:
			ready = append(ready, id) // execution-level retry re-enters here
		case schema.NodeRetrying:
			if res.ResumeAt == nil || !now.Before(*res.ResumeAt) {
				ready = append(ready, id)
			}
		case schema.NodeSuspended:
			if res.ResumeAt != nil && !now.Before(*res.ResumeAt) {
				ready = append(ready, id) // delay elapsed
			} else if _, ok := st.SubWorkflows[id]; ok {
				ready = append(ready, id) // poll the child each cycle
			}
		default:
			ready = append(ready, id)
		}
	}
	return ready
}

// processPass dispatches one batch of ready nodes and applies their results.
// Returns stop=true when the cycle must end (suspension, failure, waiting).
func (e *Engine) processPass(ctx context.Context, c *cycleState, ready []string, outcome *StepOutcome) (bool, error) {
	// Control-flow nodes mutate state and run on the engine goroutine; leaf
	// nodes are independent and fan out through the pool.
	var leaves, control []string
	for _, id := range ready {
		node := c.graph.Nodes[id]
		switch node.Type {
		case schema.NodeTypeCondition, schema.NodeTypeSwitch, schema.NodeTypeLoop,
			schema.NodeTypeParallel, schema.NodeTypeTry, schema.NodeTypeCatch, schema.NodeTypeFinally:
			control = append(control, id)
		default:
			leaves = append(leaves, id)
		}
	}

	outcome.Dispatched += len(ready)

	applied, err := e.dispatchLeaves(ctx, c, leaves)
	if err != nil {
		return true, err
	}
	for _, id := range applied {
		if stop, aerr := e.applyLeafOutcome(ctx, c, id); stop || aerr != nil {
			return stop, aerr
		}
	}
	for _, id := range control {
		if stop, cerr := e.stepControl(ctx, c, id); stop || cerr != nil {
			return stop, cerr
		}
	}

	if c.suspension != nil || c.failure != nil {
		return true, nil
	}

	// No outcome applied and no control node stepped means everything ready
	// was actually gated (children still running). Let the worker revisit.
	if len(applied)+len(control) == 0 {
		outcome.Status = StepWaiting
		return true, nil
	}

	// If everything left in the frontier is gated, stop and let the worker
	// revisit on a later poll.
	if len(c.state.Frontier) > 0 && len(e.readyNodes(c.state)) == 0 {
		outcome.Status = StepWaiting
		return true, nil
	}
	return false, nil
}

// pendingLeaf holds a leaf node's dispatch result until the engine applies it.
type pendingLeaf struct {
	result *activity.Result
	err    error
}

// dispatchLeaves runs leaf handlers, concurrently when the frontier holds
// more than one. Results are parked on the cycle and applied sequentially.
// Returns the ids with an outcome to apply; nodes still waiting on a child
// execution are left alone.
func (e *Engine) dispatchLeaves(ctx context.Context, c *cycleState, ids []string) ([]string, error) {
	if c.pending == nil {
		c.pending = make(map[string]*pendingLeaf)
	}

	var applied, toRun []string
	for _, id := range ids {
		res := c.state.Results[id]
		// Already-settled nodes (signal resumptions) skip dispatch entirely.
		if res != nil && res.Status == schema.NodeSucceeded {
			c.pending[id] = &pendingLeaf{result: &activity.Result{Status: activity.StatusSuccess, Output: res.Output}}
			applied = append(applied, id)
			continue
		}
		// Suspended on a child execution: poll it instead of re-dispatching.
		if res != nil && res.Status == schema.NodeSuspended {
			if _, waiting := c.state.SubWorkflows[id]; waiting {
				p, err := e.pollChild(ctx, c, id)
				if err != nil {
					return nil, err
				}
				if p != nil {
					c.pending[id] = p
					applied = append(applied, id)
				}
				continue
			}
			// Elapsed delay: the persisted resume time is authoritative.
			// Re-invoking the handler would compute a fresh deadline from
			// now and park the node forever.
			if res.ResumeAt != nil && !e.now().Before(*res.ResumeAt) {
				c.pending[id] = &pendingLeaf{result: &activity.Result{
					Status: activity.StatusSuccess,
					Output: mustJSON(map[string]any{
						"resumed_at": e.now().UTC().Format(time.RFC3339),
					}),
				}}
				applied = append(applied, id)
				continue
			}
		}
		toRun = append(toRun, id)
	}

	if len(toRun) == 1 {
		id := toRun[0]
		res, err := e.dispatchNode(ctx, c, c.graph.Nodes[id], nil)
		c.pending[id] = &pendingLeaf{result: res, err: err}
	} else if len(toRun) > 1 {
		type dispatched struct {
			id  string
			res *activity.Result
			err error
		}
		results := make(chan dispatched, len(toRun))
		for _, id := range toRun {
			id := id
			node := c.graph.Nodes[id]
			if perr := e.pool.Submit(ctx, func(ctx context.Context) error {
				res, err := e.dispatchNode(ctx, c, node, nil)
				results <- dispatched{id: id, res: res, err: err}
				return err
			}); perr != nil {
				results <- dispatched{id: id, err: schema.NewError(schema.ErrCodeHandlerFailure, "dispatch pool unavailable").WithCause(perr)}
			}
		}
		for range toRun {
			d := <-results
			c.pending[d.id] = &pendingLeaf{result: d.res, err: d.err}
		}
	}
	return append(applied, toRun...), nil
}

// dispatchNode invokes the handler for one leaf node. frame is non-nil when
// the node runs inside a loop iteration.
func (e *Engine) dispatchNode(ctx context.Context, c *cycleState, node *schema.NodeDefinition, frame *store.LoopFrame) (*activity.Result, error) {
	ctx = logging.WithNodeID(ctx, node.ID)
	scope := e.buildScope(c, node.ID, frame)

	config := node.Config
	if len(config) == 0 {
		config = json.RawMessage(`{}`)
	}
	resolved, err := e.interp.Resolve(config, scope)
	if err != nil {
		return nil, err
	}

	handler, err := e.registry.Get(node.Type)
	if err != nil {
		return nil, err
	}

	attempts := 1
	if res := e.resultFor(c.state, node.ID, frame); res != nil {
		attempts = res.Attempts + 1
	}

	inv := &activity.Invocation{
		ExecutionID: c.exec.ID,
		Node:        node,
		Config:      resolved,
		Scope:       scope,
		Attempt:     attempts,
		Epoch:       c.exec.RetryCount,
	}
	if frame != nil {
		inv.IterKey = iterKey(node.ID, frame.Index)
	}

	dispatchCtx := ctx
	var cancel context.CancelFunc
	if node.Timeout != "" {
		if d, perr := time.ParseDuration(node.Timeout); perr == nil {
			dispatchCtx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	e.logEvent(ctx, c.exec.ID, node.ID, schema.EventNodeStarted, nil)
	res, err := handler.Execute(dispatchCtx, inv)
	if err != nil && dispatchCtx.Err() == context.DeadlineExceeded {
		err = schema.NewErrorf(schema.ErrCodeTimeout, "node %s timed out after %s", node.ID, node.Timeout).WithNode(node.ID).WithCause(err)
	}
	return res, err
}

// resultFor fetches a node's recorded result, iteration-keyed inside loops.
func (e *Engine) resultFor(st *store.ExecutionState, nodeID string, frame *store.LoopFrame) *store.NodeResult {
	return st.Results[resultKey(nodeID, frame)]
}

func resultKey(nodeID string, frame *store.LoopFrame) string {
	if frame == nil {
		return nodeID
	}
	return iterKey(nodeID, frame.Index)
}

// applyLeafOutcome interprets one parked leaf result into state mutations.
func (e *Engine) applyLeafOutcome(ctx context.Context, c *cycleState, id string) (bool, error) {
	p := c.pending[id]
	delete(c.pending, id)
	node := c.graph.Nodes[id]

	if p.err != nil {
		return e.handleNodeFailure(ctx, c, node, nil, toEngineError(p.err, id))
	}

	switch p.result.Status {
	case activity.StatusSuccess:
		e.recordSuccess(ctx, c, node, nil, p.result)
		return false, e.settleNode(ctx, c, id)
	case activity.StatusSuspend:
		return e.applySuspension(ctx, c, node, p.result.Suspend)
	case activity.StatusFailure:
		return e.handleNodeFailure(ctx, c, node, nil, p.result.Error)
	default:
		return e.handleNodeFailure(ctx, c, node, nil,
			schema.NewErrorf(schema.ErrCodeHandlerFailure, "handler returned unknown status %q", p.result.Status).WithNode(id))
	}
}

// recordSuccess stores a succeeded node result and applies its variable
// mutations.
func (e *Engine) recordSuccess(ctx context.Context, c *cycleState, node *schema.NodeDefinition, frame *store.LoopFrame, res *activity.Result) {
	key := resultKey(node.ID, frame)
	now := e.now().UTC()

	prev := c.state.Results[key]
	attempts := 1
	var started *time.Time
	if prev != nil {
		attempts = prev.Attempts + 1
		started = prev.StartedAt
	}
	if started == nil {
		started = &now
	}

	c.state.Results[key] = &store.NodeResult{
		NodeID:      node.ID,
		Status:      schema.NodeSucceeded,
		Output:      res.Output,
		Attempts:    attempts,
		StartedAt:   started,
		CompletedAt: &now,
	}

	e.applyVarMutations(c, node.ID, frame, res.Vars)
	e.logEvent(ctx, c.exec.ID, node.ID, schema.EventNodeCompleted, res.Output)
}

// applyVarMutations writes deferred variable mutations into their tiers.
// Node-tier writes attach to the writing node; loop-tier writes land on the
// innermost frame (break/continue flags included).
func (e *Engine) applyVarMutations(c *cycleState, nodeID string, frame *store.LoopFrame, muts []activity.VarMutation) {
	for _, m := range muts {
		switch m.Scope {
		case "loop":
			target := frame
			if target == nil && len(c.state.LoopStack) > 0 {
				target = c.state.LoopStack[len(c.state.LoopStack)-1]
			}
			if target != nil {
				if target.Vars == nil {
					target.Vars = make(map[string]any)
				}
				target.Vars[m.Key] = m.Value
				continue
			}
			// No loop open; fall through to the workflow tier.
			c.state.Variables.Workflow[m.Key] = m.Value
		case "node":
			if c.state.Variables.Node == nil {
				c.state.Variables.Node = make(map[string]map[string]any)
			}
			if c.state.Variables.Node[nodeID] == nil {
				c.state.Variables.Node[nodeID] = make(map[string]any)
			}
			c.state.Variables.Node[nodeID][m.Key] = m.Value
		default: // workflow
			if c.state.Variables.Workflow == nil {
				c.state.Variables.Workflow = make(map[string]any)
			}
			c.state.Variables.Workflow[m.Key] = m.Value
		}
	}
}

// applySuspension parks a node: delays set a resume time, signals register a
// wait and park the whole execution, subworkflows record the child link.
func (e *Engine) applySuspension(ctx context.Context, c *cycleState, node *schema.NodeDefinition, susp *activity.Suspension) (bool, error) {
	now := e.now().UTC()
	key := node.ID

	prev := c.state.Results[key]
	attempts := 1
	if prev != nil {
		attempts = prev.Attempts + 1
	}
	res := &store.NodeResult{
		NodeID:    node.ID,
		Status:    schema.NodeSuspended,
		Attempts:  attempts,
		StartedAt: &now,
	}

	switch susp.Reason {
	case activity.SuspendDelay:
		res.ResumeAt = susp.ResumeAt
		c.state.Results[key] = res
		e.logEvent(ctx, c.exec.ID, node.ID, schema.EventNodeSuspended, mustJSON(map[string]any{
			"reason": "delay", "resume_at": susp.ResumeAt,
		}))
		return false, nil // stays running; worker revisits

	case activity.SuspendSignal:
		c.state.Results[key] = res
		wait := &store.SignalWait{
			ExecutionID: c.exec.ID,
			NodeID:      node.ID,
			SignalName:  susp.SignalName,
			CreatedAt:   now,
		}
		if susp.Timeout > 0 {
			expires := now.Add(susp.Timeout)
			wait.ExpiresAt = &expires
		}
		if err := e.store.RegisterSignalWait(ctx, wait); err != nil {
			return true, err
		}
		c.suspension = susp
		e.logEvent(ctx, c.exec.ID, node.ID, schema.EventSignalRegistered, mustJSON(map[string]any{
			"signal": susp.SignalName, "expires_at": wait.ExpiresAt,
		}))
		return true, nil

	case activity.SuspendSubWorkflow:
		c.state.Results[key] = res
		ref := &store.SubWorkflowRef{NodeID: node.ID, ChildID: susp.ChildID, Wait: true}
		if susp.Timeout > 0 {
			deadline := now.Add(susp.Timeout)
			ref.Deadline = &deadline
		}
		c.state.SubWorkflows[node.ID] = ref
		e.logEvent(ctx, c.exec.ID, node.ID, schema.EventNodeSuspended, mustJSON(map[string]any{
			"reason": "subworkflow", "child_execution_id": susp.ChildID,
		}))
		return false, nil // stays running; engine polls the child

	default:
		return e.handleNodeFailure(ctx, c, node, nil,
			schema.NewErrorf(schema.ErrCodeHandlerFailure, "unknown suspension reason %q", susp.Reason).WithNode(node.ID))
	}
}

// handleNodeFailure applies node retry policy, then try/catch routing, then
// execution-level failure, in that order.
func (e *Engine) handleNodeFailure(ctx context.Context, c *cycleState, node *schema.NodeDefinition, frame *store.LoopFrame, ee *schema.EngineError) (bool, error) {
	if ee.NodeID == "" {
		ee.NodeID = node.ID
	}
	key := resultKey(node.ID, frame)
	now := e.now().UTC()

	prev := c.state.Results[key]
	attempts := 1
	if prev != nil {
		attempts = prev.Attempts + 1
	}
	errJSON := mustJSON(ee)

	// Node-level retry.
	if node.Retry != nil && attempts <= node.Retry.Max && ee.IsRetryable() {
		resume := now.Add(ComputeBackoff(node.Retry, attempts-1))
		c.state.Results[key] = &store.NodeResult{
			NodeID:   node.ID,
			Status:   schema.NodeRetrying,
			Error:    errJSON,
			Attempts: attempts,
			ResumeAt: &resume,
		}
		e.logEvent(ctx, c.exec.ID, node.ID, schema.EventNodeRetry, mustJSON(map[string]any{
			"attempt": attempts, "resume_at": resume, "error": ee.Message,
		}))
		return false, nil
	}

	c.state.Results[key] = &store.NodeResult{
		NodeID:      node.ID,
		Status:      schema.NodeFailed,
		Error:       errJSON,
		Attempts:    attempts,
		CompletedAt: &now,
	}
	e.logEvent(ctx, c.exec.ID, node.ID, schema.EventNodeFailed, errJSON)

	// Try/catch routing intercepts before the failure escalates.
	if e.routeToCatch(ctx, c, node.ID, ee) {
		return false, nil
	}

	c.failure = ee
	return true, nil
}

// timeOutExecution moves a deadline-exceeded execution to timed_out.
func (e *Engine) timeOutExecution(ctx context.Context, exec *store.Execution, st *store.ExecutionState) (*StepOutcome, error) {
	ee := schema.NewErrorf(schema.ErrCodeTimeout, "workflow deadline exceeded")
	completed := e.now().UTC()
	if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Error:       mustJSON(ee),
		CompletedAt: &completed,
	}); err != nil {
		return nil, err
	}
	if err := e.store.TransitionExecution(ctx, exec.ID, exec.Status, schema.ExecutionTimedOut); err != nil {
		if schema.IsCode(err, schema.ErrCodeConflict) {
			return &StepOutcome{Status: StepTerminated}, nil
		}
		return nil, err
	}
	e.logEvent(ctx, exec.ID, "", schema.EventExecutionTimedOut, nil)
	return &StepOutcome{Status: StepTimedOut}, nil
}

// applyTransitions performs the post-save execution status changes.
func (e *Engine) applyTransitions(ctx context.Context, c *cycleState, outcome *StepOutcome) (*StepOutcome, error) {
	exec := c.exec

	switch {
	case c.finished:
		completed := e.now().UTC()
		if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
			Output:      c.output,
			CompletedAt: &completed,
		}); err != nil {
			return nil, err
		}
		if err := e.store.TransitionExecution(ctx, exec.ID, schema.ExecutionRunning, schema.ExecutionCompleted); err != nil {
			return nil, err
		}
		e.logEvent(ctx, exec.ID, "", schema.EventExecutionCompleted, c.output)
		outcome.Status = StepCompleted
		return outcome, nil

	case c.suspension != nil:
		if err := e.store.TransitionExecution(ctx, exec.ID, schema.ExecutionRunning, schema.ExecutionWaitingSignal); err != nil {
			return nil, err
		}
		e.logEvent(ctx, exec.ID, "", schema.EventExecutionWaiting, nil)
		outcome.Status = StepSuspended
		return outcome, nil

	case c.failure != nil:
		if err := e.failExecution(ctx, exec, c.def, c.failure); err != nil {
			return nil, err
		}
		if exec.Status == schema.ExecutionRetrying {
			outcome.Status = StepRetrying
		} else {
			outcome.Status = StepFailed
		}
		return outcome, nil
	}

	return outcome, nil
}

// failExecution records the error and either schedules a whole-execution
// retry or marks the execution failed for good. exec.Status reflects the
// final status on return.
func (e *Engine) failExecution(ctx context.Context, exec *store.Execution, def *schema.WorkflowDefinition, err error) error {
	ee := toEngineError(err, "")

	maxAttempts := defaultMaxAttempts
	if def != nil && def.MaxAttempts > 0 {
		maxAttempts = def.MaxAttempts
	}

	update := store.ExecutionUpdate{Error: mustJSON(ee)}
	attempt := exec.RetryCount + 1
	retry := attempt < maxAttempts && IsRetryableError(ee)
	if !retry {
		completed := e.now().UTC()
		update.CompletedAt = &completed
	}
	if uerr := e.store.UpdateExecution(ctx, exec.ID, update); uerr != nil {
		return uerr
	}
	if terr := e.store.TransitionExecution(ctx, exec.ID, schema.ExecutionRunning, schema.ExecutionFailed); terr != nil {
		return terr
	}
	e.logEvent(ctx, exec.ID, ee.NodeID, schema.EventExecutionFailed, mustJSON(ee))
	exec.Status = schema.ExecutionFailed

	if !retry {
		return nil
	}

	if terr := e.store.TransitionExecution(ctx, exec.ID, schema.ExecutionFailed, schema.ExecutionRetrying); terr != nil {
		return terr
	}
	next := e.now().UTC().Add(ExecutionBackoff(exec.RetryCount))
	if serr := e.store.ScheduleRetry(ctx, &store.RetryEntry{
		ExecutionID:   exec.ID,
		Attempt:       attempt,
		NextAttemptAt: next,
	}); serr != nil {
		return serr
	}
	e.logEvent(ctx, exec.ID, "", schema.EventExecutionRetrying, mustJSON(map[string]any{
		"attempt": attempt, "next_attempt_at": next,
	}))
	exec.Status = schema.ExecutionRetrying
	return nil
}

func (e *Engine) logEvent(ctx context.Context, executionID, nodeID, eventType string, payload json.RawMessage) {
	entry := &store.LogEntry{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Type:        eventType,
		Payload:     payload,
	}
	if err := e.store.AppendLog(ctx, entry); err != nil {
		e.logger.WarnContext(ctx, "append execution log failed",
			slog.String("event", eventType),
			slog.Any("error", err))
	}
}

// toEngineError coerces an arbitrary error into a typed EngineError.
func toEngineError(err error, nodeID string) *schema.EngineError {
	if ee, ok := err.(*schema.EngineError); ok {
		return ee
	}
	ee := schema.NewError(schema.ErrCodeHandlerFailure, err.Error()).WithCause(err)
	if nodeID != "" {
		ee = ee.WithNode(nodeID)
	}
	return ee
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
