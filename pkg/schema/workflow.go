package schema

import "encoding/json"

// WorkflowDefinition is the JSON-serializable workflow graph format.
// A definition is immutable once an execution references a version of it:
// saving a workflow always produces a new monotonic version.
type WorkflowDefinition struct {
	Nodes       []NodeDefinition `json:"nodes"`
	Edges       []EdgeDefinition `json:"edges"`
	Variables   map[string]any   `json:"variables,omitempty"`
	Timeout     string           `json:"timeout,omitempty"`      // workflow-level ceiling (e.g. "10m")
	MaxAttempts int              `json:"max_attempts,omitempty"` // workflow retry ceiling (default 3)
	Metadata    map[string]any   `json:"metadata,omitempty"`
}

// NodeDefinition describes a single node in the workflow graph.
type NodeDefinition struct {
	ID      string          `json:"id"`
	Type    NodeType        `json:"type"`
	Name    string          `json:"name,omitempty"`
	Config  json.RawMessage `json:"config,omitempty"`  // type-specific configuration
	Timeout string          `json:"timeout,omitempty"` // node-level timeout, authoritative over workflow ceiling
	Retry   *RetryPolicy    `json:"retry,omitempty"`
}

// EdgeDefinition is a directed edge between two nodes. Condition, when set,
// is a CEL expression evaluated against the source node's output; the edge
// fires only when it evaluates to true. Case routes switch branches.
type EdgeDefinition struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	Condition string `json:"condition,omitempty"`
	Case      string `json:"case,omitempty"` // switch branch label; "default" is the fallthrough
}

// NodeType enumerates the kinds of nodes in a workflow graph.
type NodeType string

const (
	NodeTypeTrigger     NodeType = "trigger"
	NodeTypeHTTP        NodeType = "http.request"
	NodeTypeTransform   NodeType = "transform"
	NodeTypeCondition   NodeType = "condition"
	NodeTypeSwitch      NodeType = "switch"
	NodeTypeLoop        NodeType = "loop"
	NodeTypeParallel    NodeType = "parallel"
	NodeTypeDelay       NodeType = "delay"
	NodeTypeVariable    NodeType = "variable"
	NodeTypeSignalWait  NodeType = "signal.wait"
	NodeTypeSubWorkflow NodeType = "subworkflow"
	NodeTypeTry         NodeType = "try"
	NodeTypeCatch       NodeType = "catch"
	NodeTypeFinally     NodeType = "finally"
	NodeTypeLog         NodeType = "log"
	NodeTypeNoop        NodeType = "noop"
)

// RetryPolicy configures retry behavior for a node.
type RetryPolicy struct {
	Max      int    `json:"max"`                 // max retry attempts
	Backoff  string `json:"backoff,omitempty"`   // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty"`     // initial delay (e.g. "1s")
	MaxDelay string `json:"max_delay,omitempty"` // backoff cap
}

// LoopConfig is the config block for loop nodes. The loop body is a
// structurally acyclic node list; the main graph stays a DAG and re-entry
// is modeled by the engine's loop stack, never by a literal back-edge.
type LoopConfig struct {
	Mode      string           `json:"mode,omitempty"`      // for_each | while | until | count
	Over      string           `json:"over,omitempty"`      // CEL expression producing the iterable (for_each)
	Condition string           `json:"condition,omitempty"` // CEL condition (while/until)
	Count     int              `json:"count,omitempty"`     // fixed iteration count
	Body      []NodeDefinition `json:"body"`                // body subgraph, executed in order per iteration
	MaxIter   int              `json:"max_iter,omitempty"`  // hard guard against runaway loops
}

// SwitchConfig is the config block for switch nodes. Discriminant is
// evaluated once; the outgoing edge whose Case equals the result fires.
type SwitchConfig struct {
	Discriminant string `json:"discriminant"` // CEL expression
}

// ConditionConfig is the config block for condition nodes; routing happens
// on the outgoing true/false edges.
type ConditionConfig struct {
	Expression string `json:"expression"` // CEL expression, must produce bool
}

// ParallelConfig is the config block for parallel fork nodes.
type ParallelConfig struct {
	Branches  [][]NodeDefinition `json:"branches"`             // each branch is a sequential node list
	WaitMode  string             `json:"wait_mode,omitempty"`  // all | any | n_of_m (default all)
	WaitCount int                `json:"wait_count,omitempty"` // N for n_of_m
	Aggregate string             `json:"aggregate,omitempty"`  // array | first | last | merge (default array)
}

// TransformConfig is the config block for transform nodes. Either a raw jq
// program or one of the shorthand operations applied to the input.
type TransformConfig struct {
	Input     string `json:"input,omitempty"`     // interpolated source (defaults to upstream output)
	Program   string `json:"program,omitempty"`   // raw jq program
	Operation string `json:"operation,omitempty"` // map | filter | reduce | merge | split
	Expr      string `json:"expr,omitempty"`      // jq fragment for the shorthand operation
}

// DelayConfig is the config block for delay nodes. Exactly one of Duration
// or Until must be set. The node suspends; the worker revisits it.
type DelayConfig struct {
	Duration string `json:"duration,omitempty"` // relative (e.g. "5s")
	Until    string `json:"until,omitempty"`    // absolute RFC3339 timestamp
}

// VariableConfig is the config block for variable nodes.
type VariableConfig struct {
	Op         string `json:"op"`              // set | get
	Scope      string `json:"scope,omitempty"` // workflow | loop | node (default workflow)
	Key        string `json:"key"`
	Value      any    `json:"value,omitempty"`      // literal value for set
	Expression string `json:"expression,omitempty"` // Expr expression computed for set
}

// SignalWaitConfig is the config block for signal.wait nodes.
type SignalWaitConfig struct {
	Signal  string `json:"signal"`            // signal name to block on
	Timeout string `json:"timeout,omitempty"` // wait expiry; overdue waits time the execution out
}

// SubWorkflowConfig is the config block for subworkflow nodes.
type SubWorkflowConfig struct {
	WorkflowID string          `json:"workflow_id"`
	Version    int             `json:"version,omitempty"` // 0 = latest
	Payload    json.RawMessage `json:"payload,omitempty"` // child trigger payload (interpolated)
	Wait       bool            `json:"wait,omitempty"`    // suspend until the child is terminal
	Timeout    string          `json:"timeout,omitempty"` // wait ceiling
}

// TryConfig is the config block for try nodes: it opens an error-catching
// region closed by the paired catch/finally nodes.
type TryConfig struct {
	Catch   string `json:"catch,omitempty"`   // node id of the paired catch
	Finally string `json:"finally,omitempty"` // node id of the paired finally
}

// LogConfig is the config block for log nodes.
type LogConfig struct {
	Level   string `json:"level,omitempty"` // debug | info | warn | error
	Message string `json:"message"`         // interpolated message
}
