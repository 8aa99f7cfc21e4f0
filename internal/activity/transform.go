package activity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/convctl/conveyor/internal/expressions"
	"github.com/convctl/conveyor/pkg/schema"
)

// TransformHandler executes transform nodes: a jq program (or a shorthand
// operation expanded into one) applied to the selected input.
type TransformHandler struct {
	jq *expressions.GoJQEngine
}

func NewTransformHandler(jq *expressions.GoJQEngine) *TransformHandler {
	return &TransformHandler{jq: jq}
}

func (h *TransformHandler) Type() schema.NodeType { return schema.NodeTypeTransform }

func (h *TransformHandler) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	var cfg schema.TransformConfig
	if err := json.Unmarshal(inv.Config, &cfg); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "transform: invalid config").WithCause(err)
	}

	program := cfg.Program
	if program == "" {
		var err error
		program, err = expandOperation(cfg.Operation, cfg.Expr)
		if err != nil {
			return nil, err
		}
	}

	input, err := h.selectInput(cfg, inv.Scope)
	if err != nil {
		return nil, err
	}

	out, err := h.jq.Transform(ctx, program, input)
	if err != nil {
		ee, ok := err.(*schema.EngineError)
		if !ok {
			ee = schema.NewError(schema.ErrCodeExpression, err.Error())
		}
		// A broken program is deterministic; it fails the node, not the worker.
		return Failure(ee), nil
	}
	return Success(out)
}

// selectInput picks the transform's input: the interpolated Input config
// when present, otherwise the whole scope flattened into an object.
func (h *TransformHandler) selectInput(cfg schema.TransformConfig, scope *expressions.Scope) (any, error) {
	if cfg.Input == "" {
		return scope.Data(), nil
	}
	// Input arrives already interpolated; it is a JSON value.
	var parsed any
	if err := json.Unmarshal([]byte(cfg.Input), &parsed); err != nil {
		// A bare string that is not valid JSON is treated as a literal.
		return cfg.Input, nil
	}
	return parsed, nil
}

// expandOperation turns a shorthand operation into its jq equivalent.
func expandOperation(op, expr string) (string, error) {
	switch op {
	case "map":
		return fmt.Sprintf("[.[] | %s]", expr), nil
	case "filter":
		return fmt.Sprintf("[.[] | select(%s)]", expr), nil
	case "reduce":
		return expr, nil
	case "merge":
		return "add", nil
	case "split":
		return ".[]", nil
	case "":
		return "", schema.NewError(schema.ErrCodeValidation, "transform: one of program or operation is required")
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation, "transform: unknown operation %q", op)
	}
}

var _ Handler = (*TransformHandler)(nil)
