package signals

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/convctl/conveyor/internal/store"
	"github.com/convctl/conveyor/pkg/schema"
)

// Matcher pairs delivered signals with registered waits and wakes the
// matched executions. Deliveries are durable: a signal sent before any
// execution waits on it is consumed by the first matching wait.
type Matcher struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewMatcher(st store.Store, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{store: st, logger: logger, now: time.Now}
}

// Deliver records an inbound signal. executionID narrows the delivery to one
// execution; empty means any waiter on the name can consume it.
func (m *Matcher) Deliver(ctx context.Context, signalName, executionID string, payload json.RawMessage) error {
	if signalName == "" {
		return schema.NewError(schema.ErrCodeValidation, "signal name is required")
	}
	return m.store.DeliverSignal(ctx, &store.SignalDelivery{
		SignalName:  signalName,
		ExecutionID: executionID,
		Payload:     payload,
		DeliveredAt: m.now().UTC(),
	})
}

// Match consumes unmatched deliveries against registered waits. Each
// delivery wakes at most one execution: the earliest-registered matching
// wait. Returns how many executions were resumed.
func (m *Matcher) Match(ctx context.Context, limit int) (int, error) {
	deliveries, err := m.store.ListUnconsumedDeliveries(ctx, limit)
	if err != nil {
		return 0, err
	}
	if len(deliveries) == 0 {
		return 0, nil
	}
	waits, err := m.store.ListSignalWaits(ctx)
	if err != nil {
		return 0, err
	}

	resumed := 0
	claimed := make(map[string]bool) // execution ids woken this pass
	for _, delivery := range deliveries {
		wait := pickWait(waits, delivery, claimed)
		if wait == nil {
			continue // nothing waiting yet; the delivery stays durable
		}
		if err := m.resume(ctx, wait, delivery); err != nil {
			m.logger.ErrorContext(ctx, "signal resume failed",
				slog.String("execution_id", wait.ExecutionID),
				slog.String("signal", wait.SignalName),
				slog.String("error", err.Error()))
			continue
		}
		claimed[wait.ExecutionID] = true
		resumed++
	}
	return resumed, nil
}

// pickWait finds the earliest-registered wait a delivery can satisfy.
func pickWait(waits []*store.SignalWait, delivery *store.SignalDelivery, claimed map[string]bool) *store.SignalWait {
	var best *store.SignalWait
	for _, w := range waits {
		if w.SignalName != delivery.SignalName || claimed[w.ExecutionID] {
			continue
		}
		if delivery.ExecutionID != "" && delivery.ExecutionID != w.ExecutionID {
			continue
		}
		if best == nil || w.CreatedAt.Before(best.CreatedAt) {
			best = w
		}
	}
	return best
}

// resume fulfils the waiting node with the signal payload and moves the
// execution back to running. The node result is written before the status
// flips so a crash in between re-runs this resume instead of losing it.
func (m *Matcher) resume(ctx context.Context, wait *store.SignalWait, delivery *store.SignalDelivery) error {
	state, err := m.store.GetExecutionState(ctx, wait.ExecutionID)
	if err != nil {
		return err
	}

	output := delivery.Payload
	if len(output) == 0 {
		output = json.RawMessage(`{}`)
	}
	now := m.now().UTC()
	prev := state.Results[wait.NodeID]
	attempts := 1
	if prev != nil {
		attempts = prev.Attempts
	}
	state.Results[wait.NodeID] = &store.NodeResult{
		NodeID:      wait.NodeID,
		Status:      schema.NodeSucceeded,
		Output:      output,
		Attempts:    attempts,
		CompletedAt: &now,
	}
	if err := m.store.SaveExecutionState(ctx, state); err != nil {
		return err
	}
	if err := m.store.DeleteSignalWait(ctx, wait.ExecutionID, wait.SignalName); err != nil {
		return err
	}
	if err := m.store.TransitionExecution(ctx, wait.ExecutionID, schema.ExecutionWaitingSignal, schema.ExecutionRunning); err != nil {
		// Terminated or already woken; the delivery still counts as consumed.
		if !schema.IsCode(err, schema.ErrCodeConflict) {
			return err
		}
	}
	if err := m.store.ConsumeDelivery(ctx, delivery.ID); err != nil {
		return err
	}

	m.appendLog(ctx, wait.ExecutionID, wait.NodeID, schema.EventSignalDelivered, output)
	m.appendLog(ctx, wait.ExecutionID, "", schema.EventExecutionResumed, nil)
	m.logger.InfoContext(ctx, "signal matched",
		slog.String("execution_id", wait.ExecutionID),
		slog.String("signal", wait.SignalName))
	return nil
}

// Expire times out waits whose deadline passed: the execution moves to
// timed_out with a SUSPEND_TIMEOUT error. Returns how many waits expired.
func (m *Matcher) Expire(ctx context.Context, limit int) (int, error) {
	now := m.now().UTC()
	expired, err := m.store.ListExpiredSignalWaits(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, wait := range expired {
		if err := m.expireOne(ctx, wait, now); err != nil {
			m.logger.ErrorContext(ctx, "signal expiry failed",
				slog.String("execution_id", wait.ExecutionID),
				slog.String("error", err.Error()))
			continue
		}
		count++
	}
	return count, nil
}

func (m *Matcher) expireOne(ctx context.Context, wait *store.SignalWait, now time.Time) error {
	ee := schema.NewErrorf(schema.ErrCodeSuspendTimeout, "signal %q not delivered before timeout", wait.SignalName).WithNode(wait.NodeID)
	errJSON, _ := json.Marshal(ee)

	if state, serr := m.store.GetExecutionState(ctx, wait.ExecutionID); serr == nil {
		state.Results[wait.NodeID] = &store.NodeResult{
			NodeID:      wait.NodeID,
			Status:      schema.NodeFailed,
			Error:       errJSON,
			CompletedAt: &now,
		}
		if err := m.store.SaveExecutionState(ctx, state); err != nil {
			return err
		}
	}
	if err := m.store.DeleteSignalWait(ctx, wait.ExecutionID, wait.SignalName); err != nil {
		return err
	}
	if err := m.store.UpdateExecution(ctx, wait.ExecutionID, store.ExecutionUpdate{
		Error:       errJSON,
		CompletedAt: &now,
	}); err != nil {
		return err
	}
	if err := m.store.TransitionExecution(ctx, wait.ExecutionID, schema.ExecutionWaitingSignal, schema.ExecutionTimedOut); err != nil {
		if !schema.IsCode(err, schema.ErrCodeConflict) {
			return err
		}
		return nil // raced with a delivery or terminate; leave it be
	}

	m.appendLog(ctx, wait.ExecutionID, wait.NodeID, schema.EventSignalExpired, nil)
	m.appendLog(ctx, wait.ExecutionID, "", schema.EventExecutionTimedOut, errJSON)
	return nil
}

func (m *Matcher) appendLog(ctx context.Context, executionID, nodeID, eventType string, payload json.RawMessage) {
	err := m.store.AppendLog(ctx, &store.LogEntry{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Type:        eventType,
		Payload:     payload,
	})
	if err != nil {
		m.logger.WarnContext(ctx, "append signal log failed",
			slog.String("execution_id", executionID),
			slog.String("error", err.Error()))
	}
}
