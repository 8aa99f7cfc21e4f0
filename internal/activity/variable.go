package activity

import (
	"context"
	"encoding/json"

	"github.com/convctl/conveyor/internal/expressions"
	"github.com/convctl/conveyor/pkg/schema"
)

// VariableHandler executes variable nodes. Writes come back as VarMutations
// so the engine applies them inside the cycle's state save; reads resolve
// against the merged variable view in the scope.
type VariableHandler struct {
	expr *expressions.ExprEngine
}

func NewVariableHandler(expr *expressions.ExprEngine) *VariableHandler {
	return &VariableHandler{expr: expr}
}

func (h *VariableHandler) Type() schema.NodeType { return schema.NodeTypeVariable }

func (h *VariableHandler) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	var cfg schema.VariableConfig
	if err := json.Unmarshal(inv.Config, &cfg); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "variable: invalid config").WithCause(err)
	}
	if cfg.Key == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "variable: missing required field 'key'")
	}

	switch cfg.Op {
	case "set":
		return h.executeSet(ctx, cfg, inv)
	case "get":
		return h.executeGet(cfg, inv)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "variable: unknown op %q", cfg.Op)
	}
}

func (h *VariableHandler) executeSet(ctx context.Context, cfg schema.VariableConfig, inv *Invocation) (*Result, error) {
	value := cfg.Value
	if cfg.Expression != "" {
		out, err := h.expr.Evaluate(ctx, cfg.Expression, inv.Scope.Data())
		if err != nil {
			ee, ok := err.(*schema.EngineError)
			if !ok {
				ee = schema.NewError(schema.ErrCodeExpression, err.Error())
			}
			return Failure(ee), nil
		}
		value = out
	}

	scope := cfg.Scope
	if scope == "" {
		scope = "workflow"
	}

	res, err := Success(map[string]any{"key": cfg.Key, "value": value, "scope": scope})
	if err != nil {
		return nil, err
	}
	res.Vars = []VarMutation{{Scope: scope, Key: cfg.Key, Value: value}}
	return res, nil
}

func (h *VariableHandler) executeGet(cfg schema.VariableConfig, inv *Invocation) (*Result, error) {
	val, ok := inv.Scope.Vars[cfg.Key]
	if !ok {
		return Failure(schema.NewErrorf(schema.ErrCodeResolution,
			"variable: key %q not set in any scope", cfg.Key)), nil
	}
	return Success(map[string]any{"key": cfg.Key, "value": val})
}

var _ Handler = (*VariableHandler)(nil)
