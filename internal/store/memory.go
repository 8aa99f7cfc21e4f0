package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/convctl/conveyor/pkg/schema"
)

// MemoryStore is a mutex-guarded in-memory Store. It mirrors the libSQL
// implementation's semantics (CAS transitions, claim leases, append-only
// log) and backs unit tests and embedded single-process deployments.
type MemoryStore struct {
	mu sync.Mutex

	workflows   map[string][]*Workflow // id → versions, ascending
	executions  map[string]*Execution
	states      map[string]*ExecutionState
	log         []*LogEntry
	logSeq      int64
	schedules   map[string]*Schedule
	waits       map[string]*SignalWait // key: executionID + "/" + signalName
	deliveries  []*SignalDelivery
	deliverySeq int64
	retries     map[string]*RetryEntry
	invocations map[string]struct{} // executionID + "/" + key
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:   make(map[string][]*Workflow),
		executions:  make(map[string]*Execution),
		states:      make(map[string]*ExecutionState),
		schedules:   make(map[string]*Schedule),
		waits:       make(map[string]*SignalWait),
		retries:     make(map[string]*RetryEntry),
		invocations: make(map[string]struct{}),
	}
}

// --- Workflows ---

func (m *MemoryStore) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	if wf == nil || wf.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow id is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	versions := m.workflows[wf.ID]
	wf.Version = len(versions) + 1
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = time.Now().UTC()
	}
	cp := *wf
	m.workflows[wf.ID] = append(versions, &cp)
	return nil
}

func (m *MemoryStore) GetWorkflow(ctx context.Context, id string, version int) (*Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions := m.workflows[id]
	if len(versions) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow not found: %s", id)
	}
	if version == 0 {
		cp := *versions[len(versions)-1]
		return &cp, nil
	}
	if version < 1 || version > len(versions) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s has no version %d", id, version)
	}
	cp := *versions[version-1]
	return &cp, nil
}

func (m *MemoryStore) ListWorkflows(ctx context.Context) ([]*Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Workflow, 0, len(m.workflows))
	for _, versions := range m.workflows {
		cp := *versions[len(versions)-1]
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Executions ---

func (m *MemoryStore) CreateExecution(ctx context.Context, exec *Execution) error {
	if exec == nil || exec.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution id is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.executions[exec.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s already exists", exec.ID)
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}
	if exec.Status == "" {
		exec.Status = schema.ExecutionPending
	}
	cp := *exec
	m.executions[exec.ID] = &cp
	return nil
}

func (m *MemoryStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, ok := m.executions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution not found: %s", id)
	}
	cp := *exec
	return &cp, nil
}

func (m *MemoryStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, ok := m.executions[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution not found: %s", id)
	}
	applyExecutionUpdate(exec, update)
	return nil
}

func applyExecutionUpdate(exec *Execution, update ExecutionUpdate) {
	if update.RetryCount != nil {
		exec.RetryCount = *update.RetryCount
	}
	if update.Output != nil {
		exec.Output = update.Output
	}
	if update.Error != nil {
		exec.Error = update.Error
	}
	if update.DeadlineAt != nil {
		exec.DeadlineAt = update.DeadlineAt
	}
	if update.StartedAt != nil {
		exec.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		exec.CompletedAt = update.CompletedAt
	}
}

func (m *MemoryStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Execution, 0)
	for _, exec := range m.executions {
		if filter.WorkflowID != "" && exec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != nil && exec.Status != *filter.Status {
			continue
		}
		cp := *exec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) TransitionExecution(ctx context.Context, id string, from, to schema.ExecutionStatus) error {
	if !schema.CanTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": id})
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	exec, ok := m.executions[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution not found: %s", id)
	}
	if exec.Status != from {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s is %s, expected %s", id, exec.Status, from)
	}
	exec.Status = to
	return nil
}

func (m *MemoryStore) ClaimExecution(ctx context.Context, id, workerID string, leaseFor time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, ok := m.executions[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution not found: %s", id)
	}

	now := time.Now().UTC()
	if exec.ClaimedBy != "" && exec.ClaimedBy != workerID &&
		exec.LeaseExpiresAt != nil && exec.LeaseExpiresAt.After(now) {
		return schema.NewErrorf(schema.ErrCodeDuplicateClaim, "execution %s held by %s", id, exec.ClaimedBy)
	}

	expires := now.Add(leaseFor)
	exec.ClaimedBy = workerID
	exec.LeaseExpiresAt = &expires
	return nil
}

func (m *MemoryStore) ReleaseExecution(ctx context.Context, id, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, ok := m.executions[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution not found: %s", id)
	}
	if exec.ClaimedBy != workerID {
		return nil // lease already lost or re-claimed; nothing to release
	}
	exec.ClaimedBy = ""
	exec.LeaseExpiresAt = nil
	return nil
}

func (m *MemoryStore) ListDeadlineExceeded(ctx context.Context, now time.Time, limit int) ([]*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Execution, 0)
	for _, exec := range m.executions {
		if exec.Status.IsTerminal() || exec.DeadlineAt == nil || exec.DeadlineAt.After(now) {
			continue
		}
		cp := *exec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeadlineAt.Before(*out[j].DeadlineAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Execution State ---

func (m *MemoryStore) SaveExecutionState(ctx context.Context, state *ExecutionState) error {
	if state == nil || state.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution state has no execution id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	state.UpdatedAt = time.Now().UTC()
	m.states[state.ExecutionID] = cloneState(state)
	return nil
}

func (m *MemoryStore) GetExecutionState(ctx context.Context, executionID string) (*ExecutionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[executionID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution state not found: %s", executionID)
	}
	return cloneState(state), nil
}

// --- Execution Log ---

func (m *MemoryStore) AppendLog(ctx context.Context, entry *LogEntry) error {
	if entry == nil || entry.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "log entry has no execution id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logSeq++
	entry.ID = m.logSeq
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	cp := *entry
	m.log = append(m.log, &cp)
	return nil
}

func (m *MemoryStore) ListLog(ctx context.Context, executionID string) ([]*LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*LogEntry, 0)
	for _, entry := range m.log {
		if entry.ExecutionID == executionID {
			cp := *entry
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Schedules ---

func (m *MemoryStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	if sched == nil || sched.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "schedule id is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.schedules[sched.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %s already exists", sched.ID)
	}
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = time.Now().UTC()
	}
	cp := *sched
	m.schedules[sched.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sched, ok := m.schedules[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "schedule not found: %s", id)
	}
	if update.Enabled != nil {
		sched.Enabled = *update.Enabled
	}
	if update.NextFireAt != nil {
		sched.NextFireAt = update.NextFireAt
	}
	if update.LastFiredAt != nil {
		sched.LastFiredAt = update.LastFiredAt
	}
	return nil
}

func (m *MemoryStore) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Schedule, 0)
	for _, sched := range m.schedules {
		if !sched.Enabled || sched.NextFireAt == nil || sched.NextFireAt.After(now) {
			continue
		}
		cp := *sched
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Schedule, 0, len(m.schedules))
	for _, sched := range m.schedules {
		cp := *sched
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Signals ---

func (m *MemoryStore) RegisterSignalWait(ctx context.Context, wait *SignalWait) error {
	if wait == nil || wait.ExecutionID == "" || wait.SignalName == "" {
		return schema.NewError(schema.ErrCodeValidation, "signal wait missing execution id or signal name")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if wait.CreatedAt.IsZero() {
		wait.CreatedAt = time.Now().UTC()
	}
	cp := *wait
	m.waits[wait.ExecutionID+"/"+wait.SignalName] = &cp
	return nil
}

func (m *MemoryStore) DeleteSignalWait(ctx context.Context, executionID, signalName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.waits, executionID+"/"+signalName)
	return nil
}

func (m *MemoryStore) ListSignalWaits(ctx context.Context) ([]*SignalWait, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*SignalWait, 0, len(m.waits))
	for _, wait := range m.waits {
		cp := *wait
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListExpiredSignalWaits(ctx context.Context, now time.Time, limit int) ([]*SignalWait, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*SignalWait, 0)
	for _, wait := range m.waits {
		if wait.ExpiresAt == nil || wait.ExpiresAt.After(now) {
			continue
		}
		cp := *wait
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) DeliverSignal(ctx context.Context, delivery *SignalDelivery) error {
	if delivery == nil || delivery.SignalName == "" {
		return schema.NewError(schema.ErrCodeValidation, "signal delivery has no name")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deliverySeq++
	delivery.ID = m.deliverySeq
	if delivery.DeliveredAt.IsZero() {
		delivery.DeliveredAt = time.Now().UTC()
	}
	cp := *delivery
	m.deliveries = append(m.deliveries, &cp)
	return nil
}

func (m *MemoryStore) ListUnconsumedDeliveries(ctx context.Context, limit int) ([]*SignalDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*SignalDelivery, 0)
	for _, d := range m.deliveries {
		if d.Consumed {
			continue
		}
		cp := *d
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) ConsumeDelivery(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.deliveries {
		if d.ID == id {
			d.Consumed = true
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeNotFound, "signal delivery %d not found", id)
}

// --- Retries ---

func (m *MemoryStore) ScheduleRetry(ctx context.Context, entry *RetryEntry) error {
	if entry == nil || entry.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "retry entry has no execution id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.retries[entry.ExecutionID] = &cp
	return nil
}

func (m *MemoryStore) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*RetryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*RetryEntry, 0)
	for _, entry := range m.retries {
		if entry.NextAttemptAt.After(now) {
			continue
		}
		cp := *entry
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteRetry(ctx context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.retries, executionID)
	return nil
}

// --- Idempotency ---

func (m *MemoryStore) RecordInvocation(ctx context.Context, executionID, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	full := executionID + "/" + key
	if _, exists := m.invocations[full]; exists {
		return false, nil
	}
	m.invocations[full] = struct{}{}
	return true, nil
}

// --- Maintenance ---

func (m *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (m *MemoryStore) Close() error                      { return nil }

// cloneState copies the state's container structure so callers never share
// mutable maps or slices with the store's copy.
func cloneState(state *ExecutionState) *ExecutionState {
	cp := *state
	cp.Frontier = append([]string(nil), state.Frontier...)

	cp.Results = make(map[string]*NodeResult, len(state.Results))
	for k, v := range state.Results {
		r := *v
		cp.Results[k] = &r
	}

	if state.Variables != nil {
		vars := &VariableScopes{
			Workflow: make(map[string]any, len(state.Variables.Workflow)),
			Node:     make(map[string]map[string]any, len(state.Variables.Node)),
		}
		for k, v := range state.Variables.Workflow {
			vars.Workflow[k] = v
		}
		for nodeID, scope := range state.Variables.Node {
			inner := make(map[string]any, len(scope))
			for k, v := range scope {
				inner[k] = v
			}
			vars.Node[nodeID] = inner
		}
		cp.Variables = vars
	}

	cp.LoopStack = make([]*LoopFrame, len(state.LoopStack))
	for i, frame := range state.LoopStack {
		f := *frame
		f.Items = append([]json.RawMessage(nil), frame.Items...)
		f.Results = append([]json.RawMessage(nil), frame.Results...)
		if frame.Vars != nil {
			f.Vars = make(map[string]any, len(frame.Vars))
			for k, v := range frame.Vars {
				f.Vars[k] = v
			}
		}
		cp.LoopStack[i] = &f
	}

	cp.ParallelGroups = make(map[string]*ParallelGroup, len(state.ParallelGroups))
	for k, v := range state.ParallelGroups {
		g := *v
		g.Members = append([]string(nil), v.Members...)
		if v.Collected != nil {
			g.Collected = make(map[string]json.RawMessage, len(v.Collected))
			for mk, mv := range v.Collected {
				g.Collected[mk] = mv
			}
		}
		if v.Failed != nil {
			g.Failed = make(map[string]string, len(v.Failed))
			for mk, mv := range v.Failed {
				g.Failed[mk] = mv
			}
		}
		cp.ParallelGroups[k] = &g
	}

	cp.TryRegions = make([]*TryRegion, len(state.TryRegions))
	for i, region := range state.TryRegions {
		r := *region
		cp.TryRegions[i] = &r
	}

	cp.SubWorkflows = make(map[string]*SubWorkflowRef, len(state.SubWorkflows))
	for k, v := range state.SubWorkflows {
		r := *v
		cp.SubWorkflows[k] = &r
	}

	return &cp
}
