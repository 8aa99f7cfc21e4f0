package store

import (
	"context"
	"time"

	"github.com/convctl/conveyor/pkg/schema"
)

// Store defines the persistence layer contract. All implementations must be
// safe for concurrent use; multiple worker processes may share one store.
type Store interface {
	// Workflows (versioned, immutable per version)
	SaveWorkflow(ctx context.Context, wf *Workflow) error                       // assigns the next monotonic version
	GetWorkflow(ctx context.Context, id string, version int) (*Workflow, error) // version 0 = latest
	ListWorkflows(ctx context.Context) ([]*Workflow, error)

	// Executions
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// TransitionExecution atomically moves an execution from → to; it fails
	// with CONFLICT if the stored status no longer equals from, so racing
	// workers cannot both apply a transition. Illegal transitions per the
	// state machine fail with INVALID_TRANSITION.
	TransitionExecution(ctx context.Context, id string, from, to schema.ExecutionStatus) error

	// ClaimExecution atomically sets claimed_by/lease_expires_at when the
	// execution is unclaimed or its lease lapsed. The loser gets
	// DUPLICATE_CLAIM and must not mutate anything.
	ClaimExecution(ctx context.Context, id, workerID string, leaseFor time.Duration) error
	ReleaseExecution(ctx context.Context, id, workerID string) error

	// ListDeadlineExceeded returns non-terminal executions whose
	// deadline_at has passed.
	ListDeadlineExceeded(ctx context.Context, now time.Time, limit int) ([]*Execution, error)

	// Execution State (one snapshot per execution, replaced atomically)
	SaveExecutionState(ctx context.Context, state *ExecutionState) error
	GetExecutionState(ctx context.Context, executionID string) (*ExecutionState, error)

	// Execution Log (append-only)
	AppendLog(ctx context.Context, entry *LogEntry) error
	ListLog(ctx context.Context, executionID string) ([]*LogEntry, error)

	// Schedules
	CreateSchedule(ctx context.Context, sched *Schedule) error
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]*Schedule, error)
	ListSchedules(ctx context.Context) ([]*Schedule, error)

	// Signals
	RegisterSignalWait(ctx context.Context, wait *SignalWait) error
	DeleteSignalWait(ctx context.Context, executionID, signalName string) error
	ListSignalWaits(ctx context.Context) ([]*SignalWait, error)
	ListExpiredSignalWaits(ctx context.Context, now time.Time, limit int) ([]*SignalWait, error)
	DeliverSignal(ctx context.Context, delivery *SignalDelivery) error
	ListUnconsumedDeliveries(ctx context.Context, limit int) ([]*SignalDelivery, error)
	ConsumeDelivery(ctx context.Context, id int64) error

	// Retry schedule
	ScheduleRetry(ctx context.Context, entry *RetryEntry) error
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*RetryEntry, error)
	DeleteRetry(ctx context.Context, executionID string) error

	// RecordInvocation inserts an idempotency key for one node invocation.
	// Returns true when this is the first time the key was seen; handlers
	// use the result to deduplicate externally visible side effects under
	// at-least-once re-entry.
	RecordInvocation(ctx context.Context, executionID, key string) (bool, error)

	// Maintenance / lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
