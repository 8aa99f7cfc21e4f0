package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convctl/conveyor/pkg/schema"
)

func TestExpr_Name(t *testing.T) {
	assert.Equal(t, "expr", NewExprEngine().Name())
}

func TestExpr_ArrayOperations(t *testing.T) {
	e := NewExprEngine()

	data := map[string]any{
		"vars": map[string]any{"xs": []any{1, 2, 3, 4}},
	}
	out, err := e.Evaluate(context.Background(), `sum(filter(vars.xs, # > 2))`, data)
	require.NoError(t, err)
	assert.EqualValues(t, 7, out)
}

func TestExpr_NilCoalescing(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `vars?.missing ?? "fallback"`, map[string]any{
		"vars": map[string]any{},
	})
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
}

func TestExpr_UndefinedVariablesAllowed(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `unknown == nil`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExpr_EmptyExpression(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "", map[string]any{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestExpr_CompileError(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), `1 +`, map[string]any{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}
