package activity

import (
	"context"
	"encoding/json"
	"time"

	"github.com/convctl/conveyor/pkg/schema"
)

// SignalWaitHandler executes signal.wait nodes by suspending the execution
// until a matching signal is delivered or the wait expires.
type SignalWaitHandler struct{}

func NewSignalWaitHandler() *SignalWaitHandler {
	return &SignalWaitHandler{}
}

func (h *SignalWaitHandler) Type() schema.NodeType { return schema.NodeTypeSignalWait }

func (h *SignalWaitHandler) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	var cfg schema.SignalWaitConfig
	if err := json.Unmarshal(inv.Config, &cfg); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "signal.wait: invalid config").WithCause(err)
	}
	if cfg.Signal == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "signal.wait: missing required field 'signal'")
	}

	var timeout time.Duration
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "signal.wait: invalid timeout %q", cfg.Timeout).WithCause(err)
		}
		timeout = d
	}

	return &Result{
		Status: StatusSuspend,
		Suspend: &Suspension{
			Reason:     SuspendSignal,
			SignalName: cfg.Signal,
			Timeout:    timeout,
		},
	}, nil
}

var _ Handler = (*SignalWaitHandler)(nil)
