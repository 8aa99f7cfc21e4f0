package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/convctl/conveyor/pkg/schema"
)

// LibSQLStore implements Store over a local libsql database file.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens (or creates) the database at path. Connections are
// capped at one; libsql serializes writers anyway and a single connection
// keeps transactions from deadlocking against each other.
func NewLibSQLStore(path string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "open database").WithCause(err)
	}
	db.SetMaxOpenConns(1)

	var mode string
	if err := db.QueryRow(`PRAGMA journal_mode=WAL`).Scan(&mode); err != nil {
		_ = db.Close()
		return nil, schema.NewError(schema.ErrCodeStore, "enable WAL").WithCause(err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, schema.NewError(schema.ErrCodeStore, "enable foreign keys").WithCause(err)
	}
	return &LibSQLStore{db: db}, nil
}

// Migrate applies pending schema migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	if err := runMigrations(ctx, s.db); err != nil {
		return schema.NewError(schema.ErrCodeStore, "migrate").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) Close() error {
	return s.db.Close()
}

// --- workflows ---

func (s *LibSQLStore) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "marshal definition").WithCause(err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin save workflow", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM workflows WHERE id = ?`, wf.ID)
	if err := row.Scan(&next); err != nil {
		return storeErr("next workflow version", err)
	}
	wf.Version = next
	wf.CreatedAt = timeOrNow(wf.CreatedAt)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflows (id, name, version, definition, created_at) VALUES (?, ?, ?, ?, ?)`,
		wf.ID, nullStr(wf.Name), wf.Version, string(def), wf.CreatedAt)
	if err != nil {
		return storeErr("insert workflow", err)
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string, version int) (*Workflow, error) {
	query := `SELECT id, name, version, definition, created_at FROM workflows WHERE id = ?`
	args := []any{id}
	if version > 0 {
		query += ` AND version = ?`
		args = append(args, version)
	} else {
		query += ` ORDER BY version DESC LIMIT 1`
	}
	row := s.db.QueryRowContext(ctx, query, args...)
	wf, err := scanWorkflow(row)
	if err != nil {
		return nil, storeNotFound("workflow", id, err)
	}
	return wf, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context) ([]*Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT w.id, w.name, w.version, w.definition, w.created_at
		 FROM workflows w
		 JOIN (SELECT id, MAX(version) AS version FROM workflows GROUP BY id) latest
		   ON w.id = latest.id AND w.version = latest.version
		 ORDER BY w.id`)
	if err != nil {
		return nil, storeErr("list workflows", err)
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, storeErr("scan workflow", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func scanWorkflow(row interface{ Scan(...any) error }) (*Workflow, error) {
	var wf Workflow
	var name sql.NullString
	var def string
	if err := row.Scan(&wf.ID, &name, &wf.Version, &def, &wf.CreatedAt); err != nil {
		return nil, err
	}
	wf.Name = name.String
	if err := json.Unmarshal([]byte(def), &wf.Definition); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	return &wf, nil
}

// --- executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	exec.CreatedAt = timeOrNow(exec.CreatedAt)
	if exec.Status == "" {
		exec.Status = schema.ExecutionPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, workflow_version, parent_execution_id, status,
		   trigger_payload, retry_count, deadline_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, exec.WorkflowVersion, nullStr(exec.ParentID), string(exec.Status),
		nullRaw(exec.TriggerPayload), exec.RetryCount, nullTime(exec.DeadlineAt), exec.CreatedAt)
	if err != nil {
		return storeErr("insert execution", err)
	}
	return nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+execColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err != nil {
		return nil, storeNotFound("execution", id, err)
	}
	return exec, nil
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any
	if update.RetryCount != nil {
		sets, args = append(sets, "retry_count = ?"), append(args, *update.RetryCount)
	}
	if update.Output != nil {
		sets, args = append(sets, "output = ?"), append(args, string(update.Output))
	}
	if update.Error != nil {
		sets, args = append(sets, "error = ?"), append(args, string(update.Error))
	}
	if update.DeadlineAt != nil {
		sets, args = append(sets, "deadline_at = ?"), append(args, *update.DeadlineAt)
	}
	if update.StartedAt != nil {
		sets, args = append(sets, "started_at = ?"), append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets, args = append(sets, "completed_at = ?"), append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return storeErr("update execution", err)
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	query := `SELECT ` + execColumns + ` FROM executions`
	var conds []string
	var args []any
	if filter.WorkflowID != "" {
		conds, args = append(conds, "workflow_id = ?"), append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		conds, args = append(conds, "status = ?"), append(args, string(*filter.Status))
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return s.queryExecutions(ctx, query, args...)
}

func (s *LibSQLStore) TransitionExecution(ctx context.Context, id string, from, to schema.ExecutionStatus) error {
	if !schema.CanTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "cannot transition %s -> %s", from, to)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(from))
	if err != nil {
		return storeErr("transition execution", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("transition rows affected", err)
	}
	if n == 0 {
		if _, gerr := s.GetExecution(ctx, id); gerr != nil {
			return gerr
		}
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s is no longer %s", id, from)
	}
	return nil
}

func (s *LibSQLStore) ClaimExecution(ctx context.Context, id, workerID string, leaseFor time.Duration) error {
	now := time.Now().UTC()
	expires := now.Add(leaseFor)
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET claimed_by = ?, lease_expires_at = ?
		 WHERE id = ? AND (claimed_by IS NULL OR claimed_by = ? OR lease_expires_at < ?)`,
		workerID, expires, id, workerID, now)
	if err != nil {
		return storeErr("claim execution", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("claim rows affected", err)
	}
	if n == 0 {
		if _, gerr := s.GetExecution(ctx, id); gerr != nil {
			return gerr
		}
		return schema.NewErrorf(schema.ErrCodeDuplicateClaim, "execution %s is claimed by another worker", id)
	}
	return nil
}

func (s *LibSQLStore) ReleaseExecution(ctx context.Context, id, workerID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE executions SET claimed_by = NULL, lease_expires_at = NULL
		 WHERE id = ? AND claimed_by = ?`, id, workerID)
	if err != nil {
		return storeErr("release execution", err)
	}
	return nil
}

func (s *LibSQLStore) ListDeadlineExceeded(ctx context.Context, now time.Time, limit int) ([]*Execution, error) {
	return s.queryExecutions(ctx,
		`SELECT `+execColumns+` FROM executions
		 WHERE deadline_at IS NOT NULL AND deadline_at <= ?
		   AND status IN (?, ?, ?, ?)
		 ORDER BY deadline_at LIMIT ?`,
		now,
		string(schema.ExecutionPending), string(schema.ExecutionRunning),
		string(schema.ExecutionWaitingSignal), string(schema.ExecutionRetrying),
		limitOrDefault(limit))
}

const execColumns = `id, workflow_id, workflow_version, parent_execution_id, status,
	trigger_payload, retry_count, claimed_by, lease_expires_at, deadline_at,
	output, error, created_at, started_at, completed_at`

func (s *LibSQLStore) queryExecutions(ctx context.Context, query string, args ...any) ([]*Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query executions", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, storeErr("scan execution", err)
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func scanExecution(row interface{ Scan(...any) error }) (*Execution, error) {
	var e Execution
	var parent, claimedBy, status sql.NullString
	var trigger, output, errJSON sql.NullString
	var lease, deadline, started, completed sql.NullTime
	err := row.Scan(&e.ID, &e.WorkflowID, &e.WorkflowVersion, &parent, &status,
		&trigger, &e.RetryCount, &claimedBy, &lease, &deadline,
		&output, &errJSON, &e.CreatedAt, &started, &completed)
	if err != nil {
		return nil, err
	}
	e.ParentID = parent.String
	e.Status = schema.ExecutionStatus(status.String)
	e.TriggerPayload = rawOrNil(trigger)
	e.ClaimedBy = claimedBy.String
	e.LeaseExpiresAt = timePtr(lease)
	e.DeadlineAt = timePtr(deadline)
	e.Output = rawOrNil(output)
	e.Error = rawOrNil(errJSON)
	e.StartedAt = timePtr(started)
	e.CompletedAt = timePtr(completed)
	return &e, nil
}

// --- execution state ---

func (s *LibSQLStore) SaveExecutionState(ctx context.Context, state *ExecutionState) error {
	state.UpdatedAt = time.Now().UTC()
	frontier, err := json.Marshal(state.Frontier)
	if err != nil {
		return storeErr("marshal frontier", err)
	}
	results, err := json.Marshal(state.Results)
	if err != nil {
		return storeErr("marshal results", err)
	}
	vars, err := json.Marshal(state.Variables)
	if err != nil {
		return storeErr("marshal variables", err)
	}
	loops, err := jsonOrNil(state.LoopStack)
	if err != nil {
		return storeErr("marshal loop stack", err)
	}
	groups, err := jsonOrNil(state.ParallelGroups)
	if err != nil {
		return storeErr("marshal parallel groups", err)
	}
	regions, err := jsonOrNil(state.TryRegions)
	if err != nil {
		return storeErr("marshal try regions", err)
	}
	subs, err := jsonOrNil(state.SubWorkflows)
	if err != nil {
		return storeErr("marshal subworkflow refs", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO execution_states
		   (execution_id, frontier, results, variables, loop_stack, parallel_groups, try_regions, subworkflow_refs, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id) DO UPDATE SET
		   frontier = excluded.frontier,
		   results = excluded.results,
		   variables = excluded.variables,
		   loop_stack = excluded.loop_stack,
		   parallel_groups = excluded.parallel_groups,
		   try_regions = excluded.try_regions,
		   subworkflow_refs = excluded.subworkflow_refs,
		   updated_at = excluded.updated_at`,
		state.ExecutionID, string(frontier), string(results), string(vars),
		loops, groups, regions, subs, state.UpdatedAt)
	if err != nil {
		return storeErr("save execution state", err)
	}
	return nil
}

func (s *LibSQLStore) GetExecutionState(ctx context.Context, executionID string) (*ExecutionState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT execution_id, frontier, results, variables, loop_stack, parallel_groups, try_regions, subworkflow_refs, updated_at
		 FROM execution_states WHERE execution_id = ?`, executionID)

	var st ExecutionState
	var frontier, results, vars string
	var loops, groups, regions, subs sql.NullString
	err := row.Scan(&st.ExecutionID, &frontier, &results, &vars, &loops, &groups, &regions, &subs, &st.UpdatedAt)
	if err != nil {
		return nil, storeNotFound("execution state", executionID, err)
	}
	if err := json.Unmarshal([]byte(frontier), &st.Frontier); err != nil {
		return nil, storeErr("decode frontier", err)
	}
	if err := json.Unmarshal([]byte(results), &st.Results); err != nil {
		return nil, storeErr("decode results", err)
	}
	if err := json.Unmarshal([]byte(vars), &st.Variables); err != nil {
		return nil, storeErr("decode variables", err)
	}
	if err := decodeNullable(loops, &st.LoopStack); err != nil {
		return nil, storeErr("decode loop stack", err)
	}
	if err := decodeNullable(groups, &st.ParallelGroups); err != nil {
		return nil, storeErr("decode parallel groups", err)
	}
	if err := decodeNullable(regions, &st.TryRegions); err != nil {
		return nil, storeErr("decode try regions", err)
	}
	if err := decodeNullable(subs, &st.SubWorkflows); err != nil {
		return nil, storeErr("decode subworkflow refs", err)
	}
	if st.Results == nil {
		st.Results = make(map[string]*NodeResult)
	}
	if st.ParallelGroups == nil {
		st.ParallelGroups = make(map[string]*ParallelGroup)
	}
	if st.SubWorkflows == nil {
		st.SubWorkflows = make(map[string]*SubWorkflowRef)
	}
	return &st, nil
}

// --- execution log ---

func (s *LibSQLStore) AppendLog(ctx context.Context, entry *LogEntry) error {
	entry.Timestamp = timeOrNow(entry.Timestamp)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_log (execution_id, node_id, event_type, payload, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.ExecutionID, nullStr(entry.NodeID), entry.Type, nullRaw(entry.Payload), entry.Timestamp)
	if err != nil {
		return storeErr("append log", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

func (s *LibSQLStore) ListLog(ctx context.Context, executionID string) ([]*LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, event_type, payload, timestamp
		 FROM execution_log WHERE execution_id = ? ORDER BY id`, executionID)
	if err != nil {
		return nil, storeErr("list log", err)
	}
	defer rows.Close()

	var out []*LogEntry
	for rows.Next() {
		var le LogEntry
		var nodeID, payload sql.NullString
		if err := rows.Scan(&le.ID, &le.ExecutionID, &nodeID, &le.Type, &payload, &le.Timestamp); err != nil {
			return nil, storeErr("scan log entry", err)
		}
		le.NodeID = nodeID.String
		le.Payload = rawOrNil(payload)
		out = append(out, &le)
	}
	return out, rows.Err()
}

// --- schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	sched.CreatedAt = timeOrNow(sched.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, workflow_id, cron_expression, enabled, next_fire_at, last_fired_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.WorkflowID, sched.CronExpression, boolInt(sched.Enabled),
		nullTime(sched.NextFireAt), nullTime(sched.LastFiredAt), sched.CreatedAt)
	if err != nil {
		return storeErr("insert schedule", err)
	}
	return nil
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any
	if update.Enabled != nil {
		sets, args = append(sets, "enabled = ?"), append(args, boolInt(*update.Enabled))
	}
	if update.NextFireAt != nil {
		sets, args = append(sets, "next_fire_at = ?"), append(args, *update.NextFireAt)
	}
	if update.LastFiredAt != nil {
		sets, args = append(sets, "last_fired_at = ?"), append(args, *update.LastFiredAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return storeErr("update schedule", err)
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]*Schedule, error) {
	return s.querySchedules(ctx,
		`SELECT id, workflow_id, cron_expression, enabled, next_fire_at, last_fired_at, created_at
		 FROM schedules
		 WHERE enabled = 1 AND next_fire_at IS NOT NULL AND next_fire_at <= ?
		 ORDER BY next_fire_at LIMIT ?`, now, limitOrDefault(limit))
}

func (s *LibSQLStore) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	return s.querySchedules(ctx,
		`SELECT id, workflow_id, cron_expression, enabled, next_fire_at, last_fired_at, created_at
		 FROM schedules ORDER BY id`)
}

func (s *LibSQLStore) querySchedules(ctx context.Context, query string, args ...any) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query schedules", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		var sc Schedule
		var enabled int
		var next, last sql.NullTime
		if err := rows.Scan(&sc.ID, &sc.WorkflowID, &sc.CronExpression, &enabled, &next, &last, &sc.CreatedAt); err != nil {
			return nil, storeErr("scan schedule", err)
		}
		sc.Enabled = enabled != 0
		sc.NextFireAt = timePtr(next)
		sc.LastFiredAt = timePtr(last)
		out = append(out, &sc)
	}
	return out, rows.Err()
}

// --- signals ---

func (s *LibSQLStore) RegisterSignalWait(ctx context.Context, wait *SignalWait) error {
	wait.CreatedAt = timeOrNow(wait.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO signal_waits (execution_id, node_id, signal_name, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, signal_name) DO UPDATE SET
		   node_id = excluded.node_id, expires_at = excluded.expires_at`,
		wait.ExecutionID, wait.NodeID, wait.SignalName, nullTime(wait.ExpiresAt), wait.CreatedAt)
	if err != nil {
		return storeErr("register signal wait", err)
	}
	return nil
}

func (s *LibSQLStore) DeleteSignalWait(ctx context.Context, executionID, signalName string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM signal_waits WHERE execution_id = ? AND signal_name = ?`, executionID, signalName)
	if err != nil {
		return storeErr("delete signal wait", err)
	}
	return nil
}

func (s *LibSQLStore) ListSignalWaits(ctx context.Context) ([]*SignalWait, error) {
	return s.querySignalWaits(ctx,
		`SELECT execution_id, node_id, signal_name, expires_at, created_at FROM signal_waits ORDER BY created_at`)
}

func (s *LibSQLStore) ListExpiredSignalWaits(ctx context.Context, now time.Time, limit int) ([]*SignalWait, error) {
	return s.querySignalWaits(ctx,
		`SELECT execution_id, node_id, signal_name, expires_at, created_at
		 FROM signal_waits WHERE expires_at IS NOT NULL AND expires_at <= ?
		 ORDER BY expires_at LIMIT ?`, now, limitOrDefault(limit))
}

func (s *LibSQLStore) querySignalWaits(ctx context.Context, query string, args ...any) ([]*SignalWait, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query signal waits", err)
	}
	defer rows.Close()

	var out []*SignalWait
	for rows.Next() {
		var w SignalWait
		var expires sql.NullTime
		if err := rows.Scan(&w.ExecutionID, &w.NodeID, &w.SignalName, &expires, &w.CreatedAt); err != nil {
			return nil, storeErr("scan signal wait", err)
		}
		w.ExpiresAt = timePtr(expires)
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeliverSignal(ctx context.Context, delivery *SignalDelivery) error {
	delivery.DeliveredAt = timeOrNow(delivery.DeliveredAt)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO signal_deliveries (signal_name, execution_id, payload, delivered_at, consumed)
		 VALUES (?, ?, ?, ?, 0)`,
		delivery.SignalName, nullStr(delivery.ExecutionID), nullRaw(delivery.Payload), delivery.DeliveredAt)
	if err != nil {
		return storeErr("deliver signal", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		delivery.ID = id
	}
	return nil
}

func (s *LibSQLStore) ListUnconsumedDeliveries(ctx context.Context, limit int) ([]*SignalDelivery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, signal_name, execution_id, payload, delivered_at, consumed
		 FROM signal_deliveries WHERE consumed = 0 ORDER BY id LIMIT ?`, limitOrDefault(limit))
	if err != nil {
		return nil, storeErr("list deliveries", err)
	}
	defer rows.Close()

	var out []*SignalDelivery
	for rows.Next() {
		var d SignalDelivery
		var execID, payload sql.NullString
		var consumed int
		if err := rows.Scan(&d.ID, &d.SignalName, &execID, &payload, &d.DeliveredAt, &consumed); err != nil {
			return nil, storeErr("scan delivery", err)
		}
		d.ExecutionID = execID.String
		d.Payload = rawOrNil(payload)
		d.Consumed = consumed != 0
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) ConsumeDelivery(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE signal_deliveries SET consumed = 1 WHERE id = ? AND consumed = 0`, id)
	if err != nil {
		return storeErr("consume delivery", err)
	}
	return checkRowsAffected(res, "signal delivery", fmt.Sprintf("%d", id))
}

// --- retry schedule ---

func (s *LibSQLStore) ScheduleRetry(ctx context.Context, entry *RetryEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO retry_schedule (execution_id, attempt, next_attempt_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(execution_id) DO UPDATE SET
		   attempt = excluded.attempt, next_attempt_at = excluded.next_attempt_at`,
		entry.ExecutionID, entry.Attempt, entry.NextAttemptAt)
	if err != nil {
		return storeErr("schedule retry", err)
	}
	return nil
}

func (s *LibSQLStore) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*RetryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, attempt, next_attempt_at FROM retry_schedule
		 WHERE next_attempt_at <= ? ORDER BY next_attempt_at LIMIT ?`, now, limitOrDefault(limit))
	if err != nil {
		return nil, storeErr("list due retries", err)
	}
	defer rows.Close()

	var out []*RetryEntry
	for rows.Next() {
		var r RetryEntry
		if err := rows.Scan(&r.ExecutionID, &r.Attempt, &r.NextAttemptAt); err != nil {
			return nil, storeErr("scan retry entry", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteRetry(ctx context.Context, executionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM retry_schedule WHERE execution_id = ?`, executionID)
	if err != nil {
		return storeErr("delete retry", err)
	}
	return nil
}

// --- idempotency ---

func (s *LibSQLStore) RecordInvocation(ctx context.Context, executionID, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (execution_id, invocation_key) VALUES (?, ?)
		 ON CONFLICT(execution_id, invocation_key) DO NOTHING`, executionID, key)
	if err != nil {
		return false, storeErr("record invocation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("invocation rows affected", err)
	}
	return n == 1, nil
}

// --- helpers ---

func storeErr(op string, err error) error {
	return schema.NewError(schema.ErrCodeStore, op).WithCause(err)
}

func storeNotFound(kind, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return schema.NewErrorf(schema.ErrCodeNotFound, "%s %s not found", kind, id)
	}
	return storeErr("get "+kind, err)
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("rows affected", err)
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "%s %s not found", kind, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawOrNil(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}

// jsonOrNil marshals v, returning nil for empty slices and maps so the
// column stays NULL instead of holding "[]" or "{}".
func jsonOrNil(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	if s == "null" || s == "[]" || s == "{}" {
		return nil, nil
	}
	return s, nil
}

func decodeNullable(col sql.NullString, dst any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dst)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
