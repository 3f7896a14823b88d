package expressions

import "context"

// Engine evaluates expressions against workflow data.
// Three implementations: CEL (event filters), GoJQ (context queries),
// Expr (policy guard rules).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
