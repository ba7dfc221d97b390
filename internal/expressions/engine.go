package expressions

import (
	"context"
	"fmt"

	"github.com/rendis/conductor/pkg/schema"
)

// Engine evaluates expressions within workflow nodes.
// CEL and Expr evaluate condition nodes; GoJQ runs output transforms.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Checker is implemented by engines that can compile an expression without
// evaluating it. Used by workflow validation.
type Checker interface {
	Check(expression string) error
}

// Condition engine names accepted by NewConditionEngine.
const (
	EngineCEL  = "cel"
	EngineExpr = "expr"
)

// NewConditionEngine returns the engine used for condition nodes. An empty
// name selects CEL.
func NewConditionEngine(name string) (Engine, error) {
	switch name {
	case "", EngineCEL:
		return NewCELEngine()
	case EngineExpr:
		return NewExprEngine(), nil
	default:
		return nil, fmt.Errorf("unknown condition engine %q (want %s or %s)", name, EngineCEL, EngineExpr)
	}
}

// EvaluateCondition evaluates expression and requires a boolean result.
func EvaluateCondition(ctx context.Context, e Engine, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"condition %q evaluated to %T, want bool", expression, out).
			WithDetails(map[string]any{"expression": expression, "engine": e.Name()})
	}
	return b, nil
}
