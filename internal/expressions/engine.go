package expressions

import "context"

// Engine evaluates expressions against a resolution scope.
// Three implementations: CEL (edge conditions, switch, loop guards),
// Expr (variable expressions), GoJQ (transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
