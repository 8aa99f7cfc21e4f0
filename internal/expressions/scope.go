package expressions

import (
	"encoding/json"
)

// Scope holds everything an expression can see during one processing cycle.
// All maps are snapshots; evaluating an expression never mutates state.
type Scope struct {
	Nodes     map[string]any // node id -> completed output (unmarshalled)
	Vars      map[string]any // merged variable view: workflow, then loop, then node tier
	Trigger   map[string]any // trigger payload
	Execution map[string]any // execution metadata: id, workflow_id, attempt
	Iter      *IterScope     // loop iteration variables; nil outside loops
}

// IterScope holds the variables of the innermost active loop iteration.
type IterScope struct {
	Item  any
	Index int
}

// Data flattens the scope into the map shape the engines evaluate against.
func (s *Scope) Data() map[string]any {
	data := map[string]any{
		"nodes":     orEmpty(s.Nodes),
		"vars":      orEmpty(s.Vars),
		"trigger":   orEmpty(s.Trigger),
		"execution": orEmpty(s.Execution),
	}
	if s.Iter != nil {
		data["iter"] = map[string]any{"item": s.Iter.Item, "index": s.Iter.Index}
	} else {
		data["iter"] = map[string]any{}
	}
	return data
}

// WithIter returns a copy of the scope bound to one loop iteration.
// The shared maps are not copied; they are treated as read-only snapshots.
func (s *Scope) WithIter(item any, index int) *Scope {
	child := *s
	child.Iter = &IterScope{Item: deepCopyAny(item), Index: index}
	return &child
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively copies maps and slices; primitives are value types.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
