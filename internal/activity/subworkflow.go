package activity

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/convctl/conveyor/internal/store"
	"github.com/convctl/conveyor/pkg/schema"
)

// SubWorkflowHandler executes subworkflow nodes: it spawns a child execution
// pinned to a workflow version. With wait=true the parent suspends until the
// child reaches a terminal status; otherwise the node completes immediately
// with the child's id.
//
// Spawning is idempotent: re-entry after a crash finds the recorded
// invocation key and reuses the already created child instead of spawning a
// second one.
type SubWorkflowHandler struct {
	store store.Store
	now   func() time.Time
}

func NewSubWorkflowHandler(st store.Store) *SubWorkflowHandler {
	return &SubWorkflowHandler{store: st, now: time.Now}
}

func (h *SubWorkflowHandler) Type() schema.NodeType { return schema.NodeTypeSubWorkflow }

func (h *SubWorkflowHandler) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	var cfg schema.SubWorkflowConfig
	if err := json.Unmarshal(inv.Config, &cfg); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "subworkflow: invalid config").WithCause(err)
	}
	if cfg.WorkflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "subworkflow: missing required field 'workflow_id'")
	}

	wf, err := h.store.GetWorkflow(ctx, cfg.WorkflowID, cfg.Version)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return Failure(schema.NewErrorf(schema.ErrCodeResolution,
				"subworkflow: workflow %q (version %d) not found", cfg.WorkflowID, cfg.Version)), nil
		}
		return nil, err
	}

	childID, spawned, err := h.spawnChild(ctx, inv, wf, cfg)
	if err != nil {
		return nil, err
	}

	if !cfg.Wait {
		res, err := Success(map[string]any{
			"child_execution_id": childID,
			"workflow_id":        wf.ID,
			"workflow_version":   wf.Version,
			"spawned":            spawned,
		})
		if err != nil {
			return nil, err
		}
		return res, nil
	}

	susp := &Suspension{Reason: SuspendSubWorkflow, ChildID: childID}
	if cfg.Timeout != "" {
		d, perr := time.ParseDuration(cfg.Timeout)
		if perr != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "subworkflow: invalid timeout %q", cfg.Timeout).WithCause(perr)
		}
		susp.Timeout = d
	}
	return &Result{Status: StatusSuspend, Suspend: susp}, nil
}

// spawnChild creates the child execution exactly once per parent node.
func (h *SubWorkflowHandler) spawnChild(ctx context.Context, inv *Invocation, wf *store.Workflow, cfg schema.SubWorkflowConfig) (string, bool, error) {
	childID := uuid.NewSHA1(uuid.NameSpaceOID, []byte(inv.Key()+"/child")).String()

	first, err := h.store.RecordInvocation(ctx, inv.ExecutionID, inv.Key()+"/spawn")
	if err != nil {
		return "", false, err
	}
	if !first {
		return childID, false, nil
	}

	child := &store.Execution{
		ID:              childID,
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		ParentID:        inv.ExecutionID,
		Status:          schema.ExecutionPending,
		TriggerPayload:  cfg.Payload,
		CreatedAt:       h.now().UTC(),
	}
	if err := h.store.CreateExecution(ctx, child); err != nil {
		return "", false, err
	}
	return childID, true, nil
}

var _ Handler = (*SubWorkflowHandler)(nil)
