package engine

import (
	"encoding/json"
	"fmt"

	"github.com/convctl/conveyor/internal/expressions"
	"github.com/convctl/conveyor/internal/store"
	"github.com/convctl/conveyor/pkg/schema"
)

// buildScope assembles the expression scope a node evaluates against:
// succeeded node outputs, the merged variable tiers, the trigger payload,
// and execution metadata. Inside a loop iteration the frame contributes
// iter.item/iter.index plus the current iteration's body outputs under
// their plain node ids.
func (e *Engine) buildScope(c *cycleState, nodeID string, frame *store.LoopFrame) *expressions.Scope {
	nodes := make(map[string]any)
	for key, res := range c.state.Results {
		if res.Status != schema.NodeSucceeded || len(res.Output) == 0 {
			continue
		}
		if isIterKey(key) {
			continue // current-iteration results are folded in below
		}
		nodes[key] = map[string]any{"output": decodeAny(res.Output)}
	}

	vars := make(map[string]any)
	if c.state.Variables != nil {
		for k, v := range c.state.Variables.Workflow {
			vars[k] = v
		}
	}
	// Loop tiers shadow workflow, innermost last.
	for _, f := range c.state.LoopStack {
		for k, v := range f.Vars {
			vars[k] = v
		}
	}
	// Node tier shadows everything, but only for the node being evaluated.
	if c.state.Variables != nil && nodeID != "" {
		for k, v := range c.state.Variables.Node[nodeID] {
			vars[k] = v
		}
	}

	scope := &expressions.Scope{
		Nodes:   nodes,
		Vars:    vars,
		Trigger: decodeMap(c.exec.TriggerPayload),
		Execution: map[string]any{
			"id":          c.exec.ID,
			"workflow_id": c.exec.WorkflowID,
			"attempt":     c.exec.RetryCount + 1,
			"parent_id":   c.exec.ParentID,
		},
	}

	if frame != nil {
		// Body nodes already completed in this iteration become visible
		// under their plain ids.
		for key, res := range c.state.Results {
			base, idx, ok := splitIterKey(key)
			if !ok || idx != frame.Index || res.Status != schema.NodeSucceeded {
				continue
			}
			nodes[base] = map[string]any{"output": decodeAny(res.Output)}
		}

		var item any
		if frame.Index < len(frame.Items) {
			item = decodeAny(frame.Items[frame.Index])
		}
		scope = scope.WithIter(item, frame.Index)
	}

	return scope
}

func iterKey(nodeID string, index int) string {
	return fmt.Sprintf("%s#%d", nodeID, index)
}

func isIterKey(key string) bool {
	_, _, ok := splitIterKey(key)
	return ok
}

func splitIterKey(key string) (string, int, bool) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '#' {
			var idx int
			if _, err := fmt.Sscanf(key[i+1:], "%d", &idx); err != nil {
				return "", 0, false
			}
			return key[:i], idx, true
		}
	}
	return "", 0, false
}

func decodeAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func decodeMap(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{}
	}
	return m
}
