package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/convctl/conveyor/internal/expressions"
	"github.com/convctl/conveyor/pkg/schema"
)

// Handler executes one leaf node type. Handlers never touch execution state
// directly; everything they need arrives in the Invocation and everything
// they produce goes back in the Result, which the engine interprets into
// state mutations, suspensions, or failures.
type Handler interface {
	Type() schema.NodeType
	Execute(ctx context.Context, inv *Invocation) (*Result, error)
}

// Invocation is the data handed to a handler for one node attempt.
type Invocation struct {
	ExecutionID string
	Node        *schema.NodeDefinition
	Config      json.RawMessage // node config with ${{...}} references resolved
	Scope       *expressions.Scope
	Attempt     int
	Epoch       int    // whole-execution retry round; a new round re-runs side effects
	IterKey     string // iteration-qualified node key inside loops ("" outside)
}

// Key returns the idempotency key for this invocation: execution, retry
// epoch, and the iteration-qualified node. Handlers with externally visible
// side effects use it (RecordInvocation, outgoing idempotency headers) so a
// re-entered node within the same epoch does not repeat the effect, while
// each loop iteration and each execution-level retry round counts as its
// own logical invocation.
func (inv *Invocation) Key() string {
	nodeKey := inv.IterKey
	if nodeKey == "" {
		nodeKey = inv.Node.ID
	}
	return fmt.Sprintf("%s/%d/%s", inv.ExecutionID, inv.Epoch, nodeKey)
}

// Status classifies a handler outcome.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusSuspend Status = "suspend"
)

// Result is a handler's verdict for one invocation.
type Result struct {
	Status  Status
	Output  json.RawMessage
	Error   *schema.EngineError
	Suspend *Suspension
	Vars    []VarMutation // applied to execution state by the engine
}

// Suspension describes why and how an execution parks.
type Suspension struct {
	Reason     SuspendReason
	SignalName string        // signal suspensions
	Timeout    time.Duration // optional wait ceiling; 0 = none
	ResumeAt   *time.Time    // delay suspensions
	ChildID    string        // subworkflow suspensions
}

// SuspendReason distinguishes the three parking modes.
type SuspendReason string

const (
	SuspendSignal      SuspendReason = "signal"
	SuspendDelay       SuspendReason = "delay"
	SuspendSubWorkflow SuspendReason = "subworkflow"
)

// VarMutation is a deferred variable write. Handlers return mutations rather
// than mutating scopes so the engine stays the single writer of state.
type VarMutation struct {
	Scope string // workflow | loop | node
	Key   string
	Value any
}

// Success wraps output into a success result.
func Success(output any) (*Result, error) {
	raw, err := json.Marshal(output)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeHandlerFailure, "marshal handler output").WithCause(err)
	}
	return &Result{Status: StatusSuccess, Output: raw}, nil
}

// Failure wraps an error into a failure result.
func Failure(err *schema.EngineError) *Result {
	return &Result{Status: StatusFailure, Error: err}
}
