package validation

import (
	"encoding/json"
	"fmt"

	"github.com/convctl/conveyor/internal/graph"
	"github.com/convctl/conveyor/pkg/schema"
)

// validateSemantic runs the checks JSON Schema cannot express: graph
// compilation (connectivity, single trigger, acyclicity, per-type config
// constraints) plus cross-node references.
func validateSemantic(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	g, err := graph.Compile(def)
	if err != nil {
		result.AddError("", schema.CodeOf(err), err.Error())
		return result // reference checks below assume a compiled graph
	}

	for i := range def.Nodes {
		node := &def.Nodes[i]
		path := fmt.Sprintf("nodes[%d]", i)

		switch node.Type {
		case schema.NodeTypeTry:
			validateTryRefs(node, path, g, result)
		case schema.NodeTypeSwitch:
			validateSwitchEdges(node, path, g, result)
		case schema.NodeTypeLoop:
			validateLoopBody(node, path, g, result)
		case schema.NodeTypeParallel:
			validateParallelBranches(node, path, g, result)
		}

		if node.Retry != nil && node.Retry.Max > 10 {
			result.AddWarning(path+".retry.max", schema.ErrCodeValidation,
				fmt.Sprintf("high retry count (%d) may cause excessive delays", node.Retry.Max))
		}
	}

	// Unreachable nodes are never executed; almost always an authoring slip.
	reachable := g.Reachable()
	for i := range def.Nodes {
		if !reachable[def.Nodes[i].ID] {
			result.AddWarning(fmt.Sprintf("nodes[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("node %q is unreachable from the trigger", def.Nodes[i].ID))
		}
	}

	return result
}

// validateTryRefs checks that catch/finally ids exist, carry the right node
// type, and hang off the try node so region routing can reach them.
func validateTryRefs(node *schema.NodeDefinition, path string, g *graph.Graph, result *schema.ValidationResult) {
	var cfg schema.TryConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return // graph.Compile already rejected malformed config
	}

	check := func(field, id string, want schema.NodeType) {
		if id == "" {
			return
		}
		target, ok := g.Nodes[id]
		if !ok {
			result.AddError(path+".config."+field, schema.ErrCodeResolution,
				fmt.Sprintf("references non-existent node %q", id))
			return
		}
		if target.Type != want {
			result.AddError(path+".config."+field, schema.ErrCodeValidation,
				fmt.Sprintf("node %q has type %q, want %q", id, target.Type, want))
			return
		}
		for _, edge := range g.Successors(node.ID) {
			if edge.Target == id {
				return
			}
		}
		result.AddError(path+".config."+field, schema.ErrCodeValidation,
			fmt.Sprintf("node %q must have an incoming edge from try node %q", id, node.ID))
	}

	check("catch", cfg.Catch, schema.NodeTypeCatch)
	check("finally", cfg.Finally, schema.NodeTypeFinally)
}

// validateSwitchEdges requires at least one labeled outgoing edge and warns
// when no default exists.
func validateSwitchEdges(node *schema.NodeDefinition, path string, g *graph.Graph, result *schema.ValidationResult) {
	labeled, hasDefault := 0, false
	for _, edge := range g.Successors(node.ID) {
		if edge.Case == "" {
			continue
		}
		labeled++
		if edge.Case == "default" {
			hasDefault = true
		}
	}
	if labeled == 0 {
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("switch node %q has no case-labeled outgoing edges", node.ID))
		return
	}
	if !hasDefault {
		result.AddWarning(path, schema.ErrCodeValidation,
			fmt.Sprintf("switch node %q has no default edge; unmatched cases fail the execution", node.ID))
	}
}

// validateLoopBody rejects body node ids that shadow graph nodes and body
// node types that cannot run inside an iteration.
func validateLoopBody(node *schema.NodeDefinition, path string, g *graph.Graph, result *schema.ValidationResult) {
	var cfg schema.LoopConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return
	}

	seen := make(map[string]bool, len(cfg.Body))
	for i := range cfg.Body {
		body := &cfg.Body[i]
		bodyPath := fmt.Sprintf("%s.config.body[%d]", path, i)
		if seen[body.ID] {
			result.AddError(bodyPath, schema.ErrCodeValidation,
				fmt.Sprintf("duplicate body node id %q", body.ID))
		}
		seen[body.ID] = true
		if _, clash := g.Nodes[body.ID]; clash {
			result.AddError(bodyPath, schema.ErrCodeValidation,
				fmt.Sprintf("body node id %q shadows a graph node", body.ID))
		}
		validateEmbeddedNode(body, bodyPath, "loop bodies", result)
	}
}

// validateParallelBranches applies the same id and type rules to branches.
func validateParallelBranches(node *schema.NodeDefinition, path string, g *graph.Graph, result *schema.ValidationResult) {
	var cfg schema.ParallelConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return
	}

	seen := make(map[string]bool)
	for bi, branch := range cfg.Branches {
		for si := range branch {
			bn := &branch[si]
			branchPath := fmt.Sprintf("%s.config.branches[%d][%d]", path, bi, si)
			if seen[bn.ID] {
				result.AddError(branchPath, schema.ErrCodeValidation,
					fmt.Sprintf("duplicate branch node id %q", bn.ID))
			}
			seen[bn.ID] = true
			if _, clash := g.Nodes[bn.ID]; clash {
				result.AddError(branchPath, schema.ErrCodeValidation,
					fmt.Sprintf("branch node id %q shadows a graph node", bn.ID))
			}
			validateEmbeddedNode(bn, branchPath, "parallel branches", result)
		}
	}
}

// validateEmbeddedNode rejects node types that cannot run inside a loop body
// or parallel branch. Embedded nodes have no durable frontier of their own,
// so anything that suspends the execution (delay, signal.wait, a waiting
// subworkflow) cannot be resumed and is refused up front.
func validateEmbeddedNode(node *schema.NodeDefinition, path, where string, result *schema.ValidationResult) {
	if !embeddableType(node.Type) {
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("node %q has type %q; %s allow only non-suspending leaf nodes", node.ID, node.Type, where))
		return
	}
	if node.Type == schema.NodeTypeSubWorkflow {
		var cfg schema.SubWorkflowConfig
		if err := json.Unmarshal(node.Config, &cfg); err == nil && cfg.Wait {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("node %q waits on a child execution; %s allow only fire-and-forget subworkflows", node.ID, where))
		}
	}
}

// embeddableType reports whether a node type is directly dispatchable and
// unable to park the execution.
func embeddableType(nt schema.NodeType) bool {
	switch nt {
	case schema.NodeTypeHTTP, schema.NodeTypeTransform,
		schema.NodeTypeVariable, schema.NodeTypeSubWorkflow,
		schema.NodeTypeLog, schema.NodeTypeNoop:
		return true
	}
	return false
}
