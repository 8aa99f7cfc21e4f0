package activity

import (
	"context"

	"github.com/convctl/conveyor/pkg/schema"
)

// NoopHandler executes noop nodes: structural placeholders that succeed with
// an empty output.
type NoopHandler struct{}

func NewNoopHandler() *NoopHandler { return &NoopHandler{} }

func (h *NoopHandler) Type() schema.NodeType { return schema.NodeTypeNoop }

func (h *NoopHandler) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	return Success(map[string]any{})
}

// TriggerHandler completes trigger nodes with the trigger payload as output,
// making it addressable as nodes.<trigger>.output downstream.
type TriggerHandler struct{}

func NewTriggerHandler() *TriggerHandler { return &TriggerHandler{} }

func (h *TriggerHandler) Type() schema.NodeType { return schema.NodeTypeTrigger }

func (h *TriggerHandler) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	payload := inv.Scope.Trigger
	if payload == nil {
		payload = map[string]any{}
	}
	return Success(payload)
}

var (
	_ Handler = (*NoopHandler)(nil)
	_ Handler = (*TriggerHandler)(nil)
)
