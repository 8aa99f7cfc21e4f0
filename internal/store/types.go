package store

import (
	"encoding/json"
	"time"

	"github.com/convctl/conveyor/pkg/schema"
)

// Workflow is one persisted, immutable version of a workflow definition.
type Workflow struct {
	ID         string                    `json:"id"`
	Name       string                    `json:"name,omitempty"`
	Version    int                       `json:"version"`
	Definition schema.WorkflowDefinition `json:"definition"`
	CreatedAt  time.Time                 `json:"created_at"`
}

// Execution is one run of a workflow at a pinned version.
type Execution struct {
	ID              string                 `json:"id"`
	WorkflowID      string                 `json:"workflow_id"`
	WorkflowVersion int                    `json:"workflow_version"`
	ParentID        string                 `json:"parent_execution_id,omitempty"`
	Status          schema.ExecutionStatus `json:"status"`
	TriggerPayload  json.RawMessage        `json:"trigger_payload,omitempty"`
	RetryCount      int                    `json:"retry_count"`
	ClaimedBy       string                 `json:"claimed_by,omitempty"`
	LeaseExpiresAt  *time.Time             `json:"lease_expires_at,omitempty"`
	DeadlineAt      *time.Time             `json:"deadline_at,omitempty"`
	Output          json.RawMessage        `json:"output,omitempty"`
	Error           json.RawMessage        `json:"error,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
}

// ExecutionState is the persisted working memory of a run. Mutated only by
// the engine during a processing cycle and saved atomically afterwards, so
// a crash mid-cycle resumes from the last committed frontier.
type ExecutionState struct {
	ExecutionID    string                     `json:"execution_id"`
	Frontier       []string                   `json:"frontier"`
	Results        map[string]*NodeResult     `json:"results"`
	Variables      *VariableScopes            `json:"variables"`
	LoopStack      []*LoopFrame               `json:"loop_stack,omitempty"`
	ParallelGroups map[string]*ParallelGroup  `json:"parallel_groups,omitempty"`
	TryRegions     []*TryRegion               `json:"try_regions,omitempty"`
	SubWorkflows   map[string]*SubWorkflowRef `json:"subworkflow_refs,omitempty"`
	UpdatedAt      time.Time                  `json:"updated_at"`
}

// NewExecutionState seeds state for a fresh execution: the frontier holds
// the trigger node, scopes start from the definition's variables.
func NewExecutionState(executionID, triggerNode string, vars map[string]any) *ExecutionState {
	wf := make(map[string]any, len(vars))
	for k, v := range vars {
		wf[k] = v
	}
	return &ExecutionState{
		ExecutionID:    executionID,
		Frontier:       []string{triggerNode},
		Results:        make(map[string]*NodeResult),
		Variables:      &VariableScopes{Workflow: wf, Node: make(map[string]map[string]any)},
		ParallelGroups: make(map[string]*ParallelGroup),
		SubWorkflows:   make(map[string]*SubWorkflowRef),
	}
}

// NodeResult is one node's recorded outcome. Inside loops, results are
// keyed "<nodeID>#<iteration>" so a node id appears at most once per
// iteration.
type NodeResult struct {
	NodeID      string            `json:"node_id"`
	Status      schema.NodeStatus `json:"status"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	Attempts    int               `json:"attempts"`
	ResumeAt    *time.Time        `json:"resume_at,omitempty"` // delay nodes: earliest revisit time
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// VariableScopes holds the three variable tiers. Lookup resolves
// node → loop → workflow; loop tiers live on the loop stack frames.
type VariableScopes struct {
	Workflow map[string]any            `json:"workflow"`
	Node     map[string]map[string]any `json:"node,omitempty"` // node id → scoped vars
}

// LoopFrame is one active loop context on the loop stack.
type LoopFrame struct {
	NodeID       string            `json:"node_id"`
	Mode         string            `json:"mode"`
	Index        int               `json:"index"`
	Items        []json.RawMessage `json:"items,omitempty"` // for_each snapshot of the iterable
	Total        int               `json:"total"`           // item/count total; 0 for while/until
	BodyPos      int               `json:"body_pos"`        // next body node index within the iteration
	Results      []json.RawMessage `json:"results,omitempty"`
	Vars         map[string]any    `json:"vars,omitempty"` // loop-tier variables
	BreakFlag    bool              `json:"break,omitempty"`
	ContinueFlag bool              `json:"continue,omitempty"`
}

// ParallelGroup tracks a fan-out in flight until its fan-in policy is met.
type ParallelGroup struct {
	NodeID    string                     `json:"node_id"`
	Members   []string                   `json:"members"` // member node ids, sorted
	WaitMode  string                     `json:"wait_mode"`
	WaitCount int                        `json:"wait_count,omitempty"`
	Aggregate string                     `json:"aggregate,omitempty"`
	Collected map[string]json.RawMessage `json:"collected,omitempty"` // member id → output
	Failed    map[string]string          `json:"failed,omitempty"`    // member id → error message
}

// TryRegion is an open try/catch/finally region.
type TryRegion struct {
	TryID     string          `json:"try_id"`
	CatchID   string          `json:"catch_id,omitempty"`
	FinallyID string          `json:"finally_id,omitempty"`
	Phase     string          `json:"phase"` // open | catching | finalizing | closed
	Err       json.RawMessage `json:"error,omitempty"`
}

// SubWorkflowRef links a parent node to its spawned child execution.
type SubWorkflowRef struct {
	NodeID   string     `json:"node_id"`
	ChildID  string     `json:"child_id"`
	Wait     bool       `json:"wait"`
	Deadline *time.Time `json:"deadline,omitempty"`
}

// LogEntry is one row of the append-only execution log.
type LogEntry struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Schedule is a cron recurrence rule bound to a workflow.
type Schedule struct {
	ID             string     `json:"id"`
	WorkflowID     string     `json:"workflow_id"`
	CronExpression string     `json:"cron_expression"`
	Enabled        bool       `json:"enabled"`
	NextFireAt     *time.Time `json:"next_fire_at,omitempty"`
	LastFiredAt    *time.Time `json:"last_fired_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// SignalWait records an execution blocked on a named signal.
type SignalWait struct {
	ExecutionID string     `json:"execution_id"`
	NodeID      string     `json:"node_id"`
	SignalName  string     `json:"signal_name"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// SignalDelivery is a delivered signal awaiting consumption by a poll cycle.
type SignalDelivery struct {
	ID          int64           `json:"id"`
	SignalName  string          `json:"signal_name"`
	ExecutionID string          `json:"execution_id,omitempty"` // empty = any waiter on SignalName
	Payload     json.RawMessage `json:"payload,omitempty"`
	DeliveredAt time.Time       `json:"delivered_at"`
	Consumed    bool            `json:"consumed"`
}

// RetryEntry schedules a failed execution's next attempt.
type RetryEntry struct {
	ExecutionID   string    `json:"execution_id"`
	Attempt       int       `json:"attempt"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID string                  `json:"workflow_id,omitempty"`
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
}

// ExecutionUpdate specifies mutable execution fields.
type ExecutionUpdate struct {
	RetryCount  *int            `json:"retry_count,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	DeadlineAt  *time.Time      `json:"deadline_at,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// ScheduleUpdate specifies mutable schedule fields.
type ScheduleUpdate struct {
	Enabled     *bool      `json:"enabled,omitempty"`
	NextFireAt  *time.Time `json:"next_fire_at,omitempty"`
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`
}
