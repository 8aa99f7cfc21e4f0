package graph

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convctl/conveyor/pkg/schema"
)

func node(id string, typ schema.NodeType, config string) schema.NodeDefinition {
	n := schema.NodeDefinition{ID: id, Type: typ}
	if config != "" {
		n.Config = json.RawMessage(config)
	}
	return n
}

func edge(source, target string) schema.EdgeDefinition {
	return schema.EdgeDefinition{Source: source, Target: target}
}

func TestCompile_LinearPipeline(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			node("start", schema.NodeTypeTrigger, ""),
			node("fetch", schema.NodeTypeNoop, ""),
			node("publish", schema.NodeTypeNoop, ""),
		},
		Edges: []schema.EdgeDefinition{
			edge("start", "fetch"),
			edge("fetch", "publish"),
		},
	}

	g, err := Compile(def)
	require.NoError(t, err)

	assert.Equal(t, "start", g.Trigger)
	assert.Equal(t, []string{"start", "fetch", "publish"}, g.Sorted)
	assert.Equal(t, 1, g.Incoming["publish"])

	succ := g.Successors("start")
	require.Len(t, succ, 1)
	assert.Equal(t, "fetch", succ[0].Target)
	assert.Empty(t, g.Successors("publish"))
}

func TestCompile_DiamondTopologyIsAcyclic(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			node("start", schema.NodeTypeTrigger, ""),
			node("left", schema.NodeTypeNoop, ""),
			node("right", schema.NodeTypeNoop, ""),
			node("join", schema.NodeTypeNoop, ""),
		},
		Edges: []schema.EdgeDefinition{
			edge("start", "left"),
			edge("start", "right"),
			edge("left", "join"),
			edge("right", "join"),
		},
	}

	g, err := Compile(def)
	require.NoError(t, err)

	assert.Len(t, g.Sorted, 4)
	assert.Equal(t, "start", g.Sorted[0])
	assert.Equal(t, "join", g.Sorted[3])
	assert.Equal(t, 2, g.Incoming["join"])
}

func TestCompile_Rejections(t *testing.T) {
	tests := []struct {
		name string
		def  *schema.WorkflowDefinition
		code string
	}{
		{
			name: "nil definition",
			def:  nil,
			code: schema.ErrCodeValidation,
		},
		{
			name: "no nodes",
			def:  &schema.WorkflowDefinition{},
			code: schema.ErrCodeValidation,
		},
		{
			name: "duplicate node id",
			def: &schema.WorkflowDefinition{
				Nodes: []schema.NodeDefinition{
					node("start", schema.NodeTypeTrigger, ""),
					node("start", schema.NodeTypeNoop, ""),
				},
			},
			code: schema.ErrCodeValidation,
		},
		{
			name: "unknown node type",
			def: &schema.WorkflowDefinition{
				Nodes: []schema.NodeDefinition{
					node("start", schema.NodeTypeTrigger, ""),
					node("warp", schema.NodeType("teleport"), ""),
				},
				Edges: []schema.EdgeDefinition{edge("start", "warp")},
			},
			code: schema.ErrCodeResolution,
		},
		{
			name: "edge to missing node",
			def: &schema.WorkflowDefinition{
				Nodes: []schema.NodeDefinition{
					node("start", schema.NodeTypeTrigger, ""),
				},
				Edges: []schema.EdgeDefinition{edge("start", "ghost")},
			},
			code: schema.ErrCodeResolution,
		},
		{
			name: "self edge",
			def: &schema.WorkflowDefinition{
				Nodes: []schema.NodeDefinition{
					node("start", schema.NodeTypeTrigger, ""),
					node("again", schema.NodeTypeNoop, ""),
				},
				Edges: []schema.EdgeDefinition{
					edge("start", "again"),
					edge("again", "again"),
				},
			},
			code: schema.ErrCodeCycleDetected,
		},
		{
			name: "cycle between nodes",
			def: &schema.WorkflowDefinition{
				Nodes: []schema.NodeDefinition{
					node("start", schema.NodeTypeTrigger, ""),
					node("a", schema.NodeTypeNoop, ""),
					node("b", schema.NodeTypeNoop, ""),
				},
				Edges: []schema.EdgeDefinition{
					edge("start", "a"),
					edge("a", "b"),
					edge("b", "a"),
				},
			},
			code: schema.ErrCodeCycleDetected,
		},
		{
			name: "two roots",
			def: &schema.WorkflowDefinition{
				Nodes: []schema.NodeDefinition{
					node("start", schema.NodeTypeTrigger, ""),
					node("orphan", schema.NodeTypeNoop, ""),
				},
			},
			code: schema.ErrCodeValidation,
		},
		{
			name: "root is not a trigger",
			def: &schema.WorkflowDefinition{
				Nodes: []schema.NodeDefinition{
					node("work", schema.NodeTypeNoop, ""),
					node("next", schema.NodeTypeNoop, ""),
				},
				Edges: []schema.EdgeDefinition{edge("work", "next")},
			},
			code: schema.ErrCodeValidation,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Compile(tc.def)
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, tc.code), "want %s, got %v", tc.code, err)
		})
	}
}

func TestCompile_NodeConfigConstraints(t *testing.T) {
	// Each case wires an otherwise valid trigger -> node pipeline and
	// breaks only the node's own config.
	build := func(n schema.NodeDefinition) *schema.WorkflowDefinition {
		return &schema.WorkflowDefinition{
			Nodes: []schema.NodeDefinition{
				node("start", schema.NodeTypeTrigger, ""),
				n,
			},
			Edges: []schema.EdgeDefinition{edge("start", n.ID)},
		}
	}

	tests := []struct {
		name    string
		node    schema.NodeDefinition
		wantErr string
	}{
		{
			name:    "loop with empty body",
			node:    node("l", schema.NodeTypeLoop, `{"mode":"for_each","over":"${{ trigger.items }}","body":[]}`),
			wantErr: "empty body",
		},
		{
			name:    "while loop without max_iter",
			node:    node("l", schema.NodeTypeLoop, `{"mode":"while","condition":"true","body":[{"id":"b","type":"noop"}]}`),
			wantErr: "max_iter",
		},
		{
			name:    "count loop without count",
			node:    node("l", schema.NodeTypeLoop, `{"mode":"count","body":[{"id":"b","type":"noop"}]}`),
			wantErr: "count > 0",
		},
		{
			name:    "switch without discriminant",
			node:    node("s", schema.NodeTypeSwitch, `{}`),
			wantErr: "discriminant",
		},
		{
			name:    "condition without expression",
			node:    node("c", schema.NodeTypeCondition, `{}`),
			wantErr: "expression",
		},
		{
			name:    "parallel without branches",
			node:    node("p", schema.NodeTypeParallel, `{"branches":[]}`),
			wantErr: "no branches",
		},
		{
			name:    "parallel n_of_m count out of range",
			node:    node("p", schema.NodeTypeParallel, `{"branches":[[{"id":"b1","type":"noop"}]],"wait_mode":"n_of_m","wait_count":5}`),
			wantErr: "out of range",
		},
		{
			name:    "delay with both duration and until",
			node:    node("d", schema.NodeTypeDelay, `{"duration":"5s","until":"${{ trigger.at }}"}`),
			wantErr: "exactly one",
		},
		{
			name:    "variable without key",
			node:    node("v", schema.NodeTypeVariable, `{"op":"set"}`),
			wantErr: "no key",
		},
		{
			name:    "signal wait without name",
			node:    node("w", schema.NodeTypeSignalWait, `{}`),
			wantErr: "signal name",
		},
		{
			name:    "subworkflow without workflow id",
			node:    node("sub", schema.NodeTypeSubWorkflow, `{}`),
			wantErr: "workflow_id",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Compile(build(tc.node))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestReachable(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			node("start", schema.NodeTypeTrigger, ""),
			node("a", schema.NodeTypeNoop, ""),
			node("b", schema.NodeTypeNoop, ""),
		},
		Edges: []schema.EdgeDefinition{
			edge("start", "a"),
			edge("a", "b"),
		},
	}

	g, err := Compile(def)
	require.NoError(t, err)

	seen := g.Reachable()
	assert.True(t, seen["start"])
	assert.True(t, seen["a"])
	assert.True(t, seen["b"])
	assert.Len(t, seen, 3)
}
