package engine

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/convctl/conveyor/internal/activity"
	"github.com/convctl/conveyor/internal/expressions"
	"github.com/convctl/conveyor/internal/store"
	"github.com/convctl/conveyor/pkg/schema"
)

// branchOutcome is one branch's result after sequential execution. A branch
// is identified by its last node's id.
type branchOutcome struct {
	member  string
	order   int
	outputs map[string]json.RawMessage // node id → output, in branch order
	vars    []activity.VarMutation
	err     *schema.EngineError
}

// runParallel fans the node's branches out through the bounded pool and
// rejoins before the cycle continues. Branch nodes run sequentially within
// a branch and see only their own branch's outputs plus the shared scope;
// variable writes are applied after the join, in branch definition order,
// so concurrent branches never race on state.
func (e *Engine) runParallel(ctx context.Context, c *cycleState, node *schema.NodeDefinition) (bool, error) {
	var cfg schema.ParallelConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return e.handleNodeFailure(ctx, c, node, nil,
			schema.NewErrorf(schema.ErrCodeValidation, "node %s: invalid parallel config", node.ID).WithCause(err))
	}
	if len(cfg.Branches) == 0 {
		return e.handleNodeFailure(ctx, c, node, nil,
			schema.NewErrorf(schema.ErrCodeValidation, "node %s: parallel node has no branches", node.ID))
	}
	waitMode := cfg.WaitMode
	if waitMode == "" {
		waitMode = "all"
	}
	switch waitMode {
	case "all", "any", "n_of_m":
	default:
		return e.handleNodeFailure(ctx, c, node, nil,
			schema.NewErrorf(schema.ErrCodeValidation, "node %s: unknown wait_mode %q", node.ID, waitMode))
	}
	if waitMode == "n_of_m" && (cfg.WaitCount <= 0 || cfg.WaitCount > len(cfg.Branches)) {
		return e.handleNodeFailure(ctx, c, node, nil,
			schema.NewErrorf(schema.ErrCodeValidation, "node %s: wait_count %d out of range for %d branches", node.ID, cfg.WaitCount, len(cfg.Branches)))
	}

	members := make([]string, len(cfg.Branches))
	for i, branch := range cfg.Branches {
		if len(branch) == 0 {
			return e.handleNodeFailure(ctx, c, node, nil,
				schema.NewErrorf(schema.ErrCodeValidation, "node %s: branch %d is empty", node.ID, i))
		}
		members[i] = branch[len(branch)-1].ID
	}

	group := &store.ParallelGroup{
		NodeID:    node.ID,
		Members:   append([]string(nil), members...),
		WaitMode:  waitMode,
		WaitCount: cfg.WaitCount,
		Aggregate: cfg.Aggregate,
		Collected: make(map[string]json.RawMessage),
		Failed:    make(map[string]string),
	}
	sort.Strings(group.Members)
	c.state.ParallelGroups[node.ID] = group

	e.logEvent(ctx, c.exec.ID, node.ID, schema.EventParallelStarted, mustJSON(map[string]any{
		"branches": len(cfg.Branches), "wait_mode": waitMode,
	}))

	base := e.buildScope(c, node.ID, nil)
	results := make(chan *branchOutcome, len(cfg.Branches))
	for i, branch := range cfg.Branches {
		i, branch := i, branch
		if perr := e.pool.Submit(ctx, func(ctx context.Context) error {
			results <- e.runBranch(ctx, c.exec.ID, c.exec.RetryCount, base, i, branch)
			return nil
		}); perr != nil {
			results <- &branchOutcome{
				member: members[i],
				order:  i,
				err:    schema.NewError(schema.ErrCodeHandlerFailure, "dispatch pool unavailable").WithCause(perr),
			}
		}
	}

	// The join fires as soon as the wait condition is decided. Branches still
	// in flight are abandoned: they run to completion in the pool but their
	// results never enter the state snapshot.
	needed := len(cfg.Branches)
	switch waitMode {
	case "any":
		needed = 1
	case "n_of_m":
		needed = cfg.WaitCount
	}

	outcomes := make([]*branchOutcome, len(cfg.Branches))
	received, joined := 0, false
	for received < len(cfg.Branches) {
		o := <-results
		outcomes[o.order] = o
		received++
		if o.err != nil {
			group.Failed[o.member] = o.err.Message
		} else {
			group.Collected[o.member] = o.outputs[o.member]
		}
		if len(group.Collected) >= needed {
			joined = true
			break
		}
		if len(group.Collected)+(len(cfg.Branches)-received) < needed {
			break // quorum unreachable, no point waiting out the rest
		}
	}

	// Fold the received branch results into state, definition order for
	// determinism.
	for _, o := range outcomes {
		if o == nil {
			continue // abandoned after the join was decided
		}
		now := e.now().UTC()
		for id, out := range o.outputs {
			c.state.Results[id] = &store.NodeResult{
				NodeID:      id,
				Status:      schema.NodeSucceeded,
				Output:      out,
				Attempts:    1,
				CompletedAt: &now,
			}
		}
		if o.err == nil {
			e.applyVarMutations(c, o.member, nil, o.vars)
		}
	}

	e.logEvent(ctx, c.exec.ID, node.ID, schema.EventParallelJoined, mustJSON(map[string]any{
		"succeeded": len(group.Collected),
		"failed":    len(group.Failed),
		"abandoned": len(cfg.Branches) - received,
		"joined":    joined,
	}))
	delete(c.state.ParallelGroups, node.ID)

	if !joined {
		// The join failure keeps the branch errors' retryability: a retry can
		// only help when at least one failing branch could pass on re-entry.
		code := schema.ErrCodeNonRetryable
		for _, o := range outcomes {
			if o != nil && o.err != nil && o.err.IsRetryable() {
				code = schema.ErrCodeHandlerFailure
				break
			}
		}
		ee := schema.NewErrorf(code, "node %s: %d of %d branches failed", node.ID, len(group.Failed), len(cfg.Branches)).
			WithNode(node.ID).
			WithDetails(map[string]any{"failed": group.Failed})
		return e.handleNodeFailure(ctx, c, node, nil, ee)
	}

	output, err := aggregateBranches(cfg.Aggregate, outcomes, group)
	if err != nil {
		return e.handleNodeFailure(ctx, c, node, nil, toEngineError(err, node.ID))
	}
	e.recordSuccess(ctx, c, node, nil, &activity.Result{Status: activity.StatusSuccess, Output: output})
	return false, e.settleNode(ctx, c, node.ID)
}

// runBranch executes one branch's nodes in order against an isolated scope.
func (e *Engine) runBranch(ctx context.Context, executionID string, epoch int, base *expressions.Scope, order int, branch []schema.NodeDefinition) *branchOutcome {
	o := &branchOutcome{
		member:  branch[len(branch)-1].ID,
		order:   order,
		outputs: make(map[string]json.RawMessage),
	}

	// Branch-local view: shared scope plus this branch's outputs.
	local := *base
	local.Nodes = make(map[string]any, len(base.Nodes)+len(branch))
	for k, v := range base.Nodes {
		local.Nodes[k] = v
	}

	for i := range branch {
		bn := &branch[i]

		handler, err := e.registry.Get(bn.Type)
		if err != nil {
			o.err = toEngineError(err, bn.ID)
			return o
		}

		config := bn.Config
		if len(config) == 0 {
			config = json.RawMessage(`{}`)
		}
		resolved, err := e.interp.Resolve(config, &local)
		if err != nil {
			o.err = toEngineError(err, bn.ID)
			return o
		}

		res, err := handler.Execute(ctx, &activity.Invocation{
			ExecutionID: executionID,
			Node:        bn,
			Config:      resolved,
			Scope:       &local,
			Attempt:     1,
			Epoch:       epoch,
		})
		if err != nil {
			o.err = toEngineError(err, bn.ID)
			return o
		}

		switch res.Status {
		case activity.StatusSuccess:
			o.outputs[bn.ID] = res.Output
			o.vars = append(o.vars, res.Vars...)
			local.Nodes[bn.ID] = map[string]any{"output": decodeAny(res.Output)}
		case activity.StatusFailure:
			o.err = res.Error
			return o
		case activity.StatusSuspend:
			o.err = schema.NewErrorf(schema.ErrCodeValidation, "node %s suspends; waits are not allowed inside parallel branches", bn.ID).WithNode(bn.ID)
			return o
		}
	}
	return o
}

// aggregateBranches shapes the joined output. array orders by sorted member
// id; first and last follow branch definition order over succeeded branches;
// merge folds object outputs field-wise in definition order.
func aggregateBranches(mode string, outcomes []*branchOutcome, group *store.ParallelGroup) (json.RawMessage, error) {
	switch mode {
	case "", "array":
		arr := make([]any, 0, len(group.Collected))
		for _, member := range group.Members { // already sorted
			if out, ok := group.Collected[member]; ok {
				arr = append(arr, decodeAny(out))
			}
		}
		return mustJSON(arr), nil

	case "first":
		for _, o := range outcomes {
			if o != nil && o.err == nil {
				return orNull(group.Collected[o.member]), nil
			}
		}
		return json.RawMessage(`null`), nil

	case "last":
		for i := len(outcomes) - 1; i >= 0; i-- {
			if outcomes[i] != nil && outcomes[i].err == nil {
				return orNull(group.Collected[outcomes[i].member]), nil
			}
		}
		return json.RawMessage(`null`), nil

	case "merge":
		merged := make(map[string]any)
		for _, o := range outcomes {
			if o == nil || o.err != nil {
				continue
			}
			obj := decodeMap(group.Collected[o.member])
			for k, v := range obj {
				merged[k] = v
			}
		}
		return mustJSON(merged), nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown aggregate mode %q", mode)
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`null`)
	}
	return raw
}
