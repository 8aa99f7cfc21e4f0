package schema

// Log event type constants for the execution log. Every failure path writes
// one of these before any status transition.
const (
	EventExecutionCreated    = "execution_created"
	EventExecutionStarted    = "execution_started"
	EventExecutionCompleted  = "execution_completed"
	EventExecutionFailed     = "execution_failed"
	EventExecutionTerminated = "execution_terminated"
	EventExecutionTimedOut   = "execution_timed_out"
	EventExecutionWaiting    = "execution_waiting_signal"
	EventExecutionResumed    = "execution_resumed"
	EventExecutionRetrying   = "execution_retrying"
	EventExecutionReplayed   = "execution_replayed"

	EventNodeStarted   = "node_started"
	EventNodeCompleted = "node_completed"
	EventNodeFailed    = "node_failed"
	EventNodeSuspended = "node_suspended"
	EventNodeSkipped   = "node_skipped"
	EventNodeRetry     = "node_retry_attempt"

	EventEdgeEvaluated   = "edge_evaluated"
	EventLoopIterStarted = "loop_iter_started"
	EventLoopIterDone    = "loop_iter_completed"
	EventLoopCompleted   = "loop_completed"
	EventLoopBreak       = "loop_break"
	EventParallelStarted = "parallel_started"
	EventParallelJoined  = "parallel_joined"
	EventCatchEntered    = "catch_entered"
	EventFinallyEntered  = "finally_entered"

	EventSignalRegistered = "signal_wait_registered"
	EventSignalDelivered  = "signal_delivered"
	EventSignalExpired    = "signal_wait_expired"

	EventScheduleFired = "schedule_fired"
	EventClaimLost     = "claim_lost"
)

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionPending       ExecutionStatus = "pending"
	ExecutionRunning       ExecutionStatus = "running"
	ExecutionWaitingSignal ExecutionStatus = "waiting_signal"
	ExecutionRetrying      ExecutionStatus = "retrying"
	ExecutionCompleted     ExecutionStatus = "completed"
	ExecutionFailed        ExecutionStatus = "failed"
	ExecutionTimedOut      ExecutionStatus = "timed_out"
	ExecutionTerminated    ExecutionStatus = "terminated"
)

// IsTerminal reports whether the status admits no further transitions.
// terminated is absorbing: a terminated execution never completes, fails,
// or retries afterward.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionTimedOut, ExecutionTerminated:
		return true
	}
	return false
}

// NodeStatus represents the lifecycle state of a node within an execution.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeSuspended NodeStatus = "suspended"
	NodeSkipped   NodeStatus = "skipped"
	NodeRetrying  NodeStatus = "retrying"
)

// ValidExecutionTransitions defines the allowed execution state machine.
// terminated is reachable from every non-terminal state via Terminate.
var ValidExecutionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionPending:       {ExecutionRunning, ExecutionTerminated},
	ExecutionRunning:       {ExecutionWaitingSignal, ExecutionCompleted, ExecutionFailed, ExecutionTimedOut, ExecutionTerminated},
	ExecutionWaitingSignal: {ExecutionRunning, ExecutionTimedOut, ExecutionTerminated},
	ExecutionRetrying:      {ExecutionRunning, ExecutionTerminated},
	ExecutionFailed:        {ExecutionRetrying},
	ExecutionCompleted:     {},
	ExecutionTimedOut:      {},
	ExecutionTerminated:    {},
}

// CanTransition reports whether from → to is a legal execution transition.
func CanTransition(from, to ExecutionStatus) bool {
	for _, a := range ValidExecutionTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}
