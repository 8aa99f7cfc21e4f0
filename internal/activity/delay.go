package activity

import (
	"context"
	"encoding/json"
	"time"

	"github.com/convctl/conveyor/pkg/schema"
)

// DelayHandler executes delay nodes. It never sleeps: the node suspends with
// a resume time and the polling worker revisits the execution once the time
// passes. Re-entering a delay whose resume time already passed completes it.
type DelayHandler struct {
	now func() time.Time
}

func NewDelayHandler() *DelayHandler {
	return &DelayHandler{now: time.Now}
}

func (h *DelayHandler) Type() schema.NodeType { return schema.NodeTypeDelay }

func (h *DelayHandler) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	var cfg schema.DelayConfig
	if err := json.Unmarshal(inv.Config, &cfg); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "delay: invalid config").WithCause(err)
	}

	resumeAt, err := h.resumeTime(cfg)
	if err != nil {
		return nil, err
	}

	if !h.now().Before(resumeAt) {
		return Success(map[string]any{"resumed_at": h.now().UTC().Format(time.RFC3339)})
	}

	return &Result{
		Status: StatusSuspend,
		Suspend: &Suspension{
			Reason:   SuspendDelay,
			ResumeAt: &resumeAt,
		},
	}, nil
}

func (h *DelayHandler) resumeTime(cfg schema.DelayConfig) (time.Time, error) {
	switch {
	case cfg.Duration != "" && cfg.Until != "":
		return time.Time{}, schema.NewError(schema.ErrCodeValidation, "delay: duration and until are mutually exclusive")
	case cfg.Duration != "":
		d, err := time.ParseDuration(cfg.Duration)
		if err != nil {
			return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "delay: invalid duration %q", cfg.Duration).WithCause(err)
		}
		return h.now().Add(d), nil
	case cfg.Until != "":
		t, err := time.Parse(time.RFC3339, cfg.Until)
		if err != nil {
			return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "delay: invalid until timestamp %q", cfg.Until).WithCause(err)
		}
		return t, nil
	default:
		return time.Time{}, schema.NewError(schema.ErrCodeValidation, "delay: one of duration or until is required")
	}
}

var _ Handler = (*DelayHandler)(nil)
