package graph

import (
	"encoding/json"
	"sort"

	"github.com/convctl/conveyor/pkg/schema"
)

// Graph is the compiled, in-memory form of a workflow definition. Built
// once per execution cycle from the pinned definition version; the engine
// uses it to resolve frontier successors and validate routing.
type Graph struct {
	Nodes    map[string]*schema.NodeDefinition  // node ID → definition
	Outgoing map[string][]schema.EdgeDefinition // node ID → outgoing edges
	Incoming map[string]int                     // node ID → incoming edge count
	Sorted   []string                           // topological order
	Trigger  string                             // the single start node
}

// validNodeTypes is the set of recognized node types.
var validNodeTypes = map[schema.NodeType]bool{
	schema.NodeTypeTrigger:     true,
	schema.NodeTypeHTTP:        true,
	schema.NodeTypeTransform:   true,
	schema.NodeTypeCondition:   true,
	schema.NodeTypeSwitch:      true,
	schema.NodeTypeLoop:        true,
	schema.NodeTypeParallel:    true,
	schema.NodeTypeDelay:       true,
	schema.NodeTypeVariable:    true,
	schema.NodeTypeSignalWait:  true,
	schema.NodeTypeSubWorkflow: true,
	schema.NodeTypeTry:         true,
	schema.NodeTypeCatch:       true,
	schema.NodeTypeFinally:     true,
	schema.NodeTypeLog:         true,
	schema.NodeTypeNoop:        true,
}

// Compile validates a workflow definition and builds its executable Graph.
// It checks id uniqueness, edge referential integrity, the single-trigger
// rule, node-type recognition, and acyclicity (Kahn's algorithm). Loop
// bodies are separate acyclic sublists and are validated recursively.
func Compile(def *schema.WorkflowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if len(def.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no nodes")
	}

	g := &Graph{
		Nodes:    make(map[string]*schema.NodeDefinition, len(def.Nodes)),
		Outgoing: make(map[string][]schema.EdgeDefinition, len(def.Nodes)),
		Incoming: make(map[string]int, len(def.Nodes)),
	}

	// First pass: register nodes, reject duplicates and unknown types.
	for i := range def.Nodes {
		node := &def.Nodes[i]
		if node.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty ID", i)
		}
		if _, exists := g.Nodes[node.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID: %s", node.ID)
		}
		if !validNodeTypes[node.Type] {
			return nil, schema.NewErrorf(schema.ErrCodeResolution, "node %s has unknown type: %s", node.ID, node.Type).WithNode(node.ID)
		}
		g.Nodes[node.ID] = node
		g.Incoming[node.ID] = 0
	}

	// Second pass: type-specific config constraints.
	for _, node := range g.Nodes {
		if err := validateNodeConfig(node); err != nil {
			return nil, err
		}
	}

	// Third pass: edges. Every edge must reference existing nodes; a node
	// cannot point at itself (loops are modeled by the loop stack, never a
	// back-edge).
	for _, edge := range def.Edges {
		if _, ok := g.Nodes[edge.Source]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeResolution, "edge references non-existent source node: %s", edge.Source)
		}
		if _, ok := g.Nodes[edge.Target]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeResolution, "edge references non-existent target node: %s", edge.Target)
		}
		if edge.Source == edge.Target {
			return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "node %s has an edge to itself", edge.Source)
		}
		g.Outgoing[edge.Source] = append(g.Outgoing[edge.Source], edge)
		g.Incoming[edge.Target]++
	}

	// Exactly one root, and it must be the trigger.
	var roots []string
	for id, deg := range g.Incoming {
		if deg == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	if len(roots) == 0 {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "workflow has no start node (every node has incoming edges)")
	}
	if len(roots) > 1 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow has %d root nodes, expected exactly one trigger", len(roots))
	}
	if g.Nodes[roots[0]].Type != schema.NodeTypeTrigger {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "start node %s is not a trigger node", roots[0])
	}
	g.Trigger = roots[0]

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(g.Nodes))
	for id, deg := range g.Incoming {
		inDegree[id] = deg
	}

	queue := []string{g.Trigger}
	sorted := make([]string, 0, len(g.Nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		targets := make([]string, 0, len(g.Outgoing[node]))
		for _, edge := range g.Outgoing[node] {
			targets = append(targets, edge.Target)
		}
		sort.Strings(targets)

		seen := make(map[string]bool, len(targets))
		for _, t := range targets {
			if seen[t] {
				continue // parallel edges to the same target decrement once
			}
			seen[t] = true
			inDegree[t]--
			if inDegree[t] == 0 {
				queue = append(queue, t)
			}
		}
	}

	if len(sorted) != len(g.Nodes) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "workflow graph contains a cycle")
	}
	g.Sorted = sorted

	return g, nil
}

// Successors returns the outgoing edges of a node, in definition order.
func (g *Graph) Successors(nodeID string) []schema.EdgeDefinition {
	return g.Outgoing[nodeID]
}

// Reachable returns the set of node ids reachable from the trigger.
func (g *Graph) Reachable() map[string]bool {
	seen := map[string]bool{g.Trigger: true}
	queue := []string{g.Trigger}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, edge := range g.Outgoing[n] {
			if !seen[edge.Target] {
				seen[edge.Target] = true
				queue = append(queue, edge.Target)
			}
		}
	}
	return seen
}

// validateNodeConfig checks type-specific constraints on a node definition.
func validateNodeConfig(node *schema.NodeDefinition) error {
	switch node.Type {
	case schema.NodeTypeLoop:
		var cfg schema.LoopConfig
		if err := unmarshalConfig(node, &cfg); err != nil {
			return err
		}
		if len(cfg.Body) == 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "loop node %s has empty body", node.ID).WithNode(node.ID)
		}
		switch cfg.Mode {
		case "", "for_each":
			if cfg.Over == "" {
				return schema.NewErrorf(schema.ErrCodeValidation, "loop node %s: for_each mode requires 'over' expression", node.ID).WithNode(node.ID)
			}
		case "while", "until":
			if cfg.Condition == "" {
				return schema.NewErrorf(schema.ErrCodeValidation, "loop node %s: %s mode requires a condition", node.ID, cfg.Mode).WithNode(node.ID)
			}
			if cfg.MaxIter <= 0 {
				return schema.NewErrorf(schema.ErrCodeValidation, "loop node %s: %s mode requires max_iter > 0 to prevent infinite loops", node.ID, cfg.Mode).WithNode(node.ID)
			}
		case "count":
			if cfg.Count <= 0 {
				return schema.NewErrorf(schema.ErrCodeValidation, "loop node %s: count mode requires count > 0", node.ID).WithNode(node.ID)
			}
		default:
			return schema.NewErrorf(schema.ErrCodeValidation, "loop node %s: unknown mode %q", node.ID, cfg.Mode).WithNode(node.ID)
		}

	case schema.NodeTypeSwitch:
		var cfg schema.SwitchConfig
		if err := unmarshalConfig(node, &cfg); err != nil {
			return err
		}
		if cfg.Discriminant == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "switch node %s has no discriminant", node.ID).WithNode(node.ID)
		}

	case schema.NodeTypeCondition:
		var cfg schema.ConditionConfig
		if err := unmarshalConfig(node, &cfg); err != nil {
			return err
		}
		if cfg.Expression == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "condition node %s has no expression", node.ID).WithNode(node.ID)
		}

	case schema.NodeTypeParallel:
		var cfg schema.ParallelConfig
		if err := unmarshalConfig(node, &cfg); err != nil {
			return err
		}
		if len(cfg.Branches) == 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "parallel node %s has no branches", node.ID).WithNode(node.ID)
		}
		if cfg.WaitMode == "n_of_m" && (cfg.WaitCount <= 0 || cfg.WaitCount > len(cfg.Branches)) {
			return schema.NewErrorf(schema.ErrCodeValidation, "parallel node %s: wait_count %d out of range for %d branches", node.ID, cfg.WaitCount, len(cfg.Branches)).WithNode(node.ID)
		}

	case schema.NodeTypeDelay:
		var cfg schema.DelayConfig
		if err := unmarshalConfig(node, &cfg); err != nil {
			return err
		}
		if (cfg.Duration == "") == (cfg.Until == "") {
			return schema.NewErrorf(schema.ErrCodeValidation, "delay node %s must set exactly one of duration or until", node.ID).WithNode(node.ID)
		}

	case schema.NodeTypeVariable:
		var cfg schema.VariableConfig
		if err := unmarshalConfig(node, &cfg); err != nil {
			return err
		}
		if cfg.Key == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "variable node %s has no key", node.ID).WithNode(node.ID)
		}
		if cfg.Op != "set" && cfg.Op != "get" {
			return schema.NewErrorf(schema.ErrCodeValidation, "variable node %s: op must be set or get, got %q", node.ID, cfg.Op).WithNode(node.ID)
		}

	case schema.NodeTypeSignalWait:
		var cfg schema.SignalWaitConfig
		if err := unmarshalConfig(node, &cfg); err != nil {
			return err
		}
		if cfg.Signal == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "signal.wait node %s has no signal name", node.ID).WithNode(node.ID)
		}

	case schema.NodeTypeSubWorkflow:
		var cfg schema.SubWorkflowConfig
		if err := unmarshalConfig(node, &cfg); err != nil {
			return err
		}
		if cfg.WorkflowID == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "subworkflow node %s has no workflow_id", node.ID).WithNode(node.ID)
		}
	}

	return nil
}

func unmarshalConfig(node *schema.NodeDefinition, out any) error {
	if len(node.Config) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s node %s has no config", node.Type, node.ID).WithNode(node.ID)
	}
	if err := json.Unmarshal(node.Config, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s node %s has invalid config: %v", node.Type, node.ID, err).WithNode(node.ID)
	}
	return nil
}
