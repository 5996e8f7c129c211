package expressions

import (
	"context"
	"strings"
	"time"

	"github.com/loomrun/loom/pkg/schema"
)

// Compiler turns the textual expressions of a workflow document into the
// typed functions the definition builder expects. Expressions are checked at
// build time so a broken guard surfaces as a definition defect, not a runtime
// surprise.
type Compiler struct {
	engines *Registry
}

// NewCompiler assembles a compiler with the full engine set: CEL (default
// dialect), Expr and GoJQ.
func NewCompiler() (*Compiler, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Compiler{
		engines: NewRegistry(celEngine, NewExprEngine(), NewGoJQEngine()),
	}, nil
}

// Engines exposes the underlying registry for direct evaluation.
func (c *Compiler) Engines() *Registry {
	return c.engines
}

// Evaluate evaluates a dialect-prefixed expression against a prebuilt scope.
func (c *Compiler) Evaluate(ctx context.Context, expression string, scope map[string]any) (any, error) {
	return c.engines.Evaluate(ctx, expression, scope)
}

// Check compiles an expression without evaluating it.
func (c *Compiler) Check(expression string) error {
	dialect, expr := SplitDialect(expression)
	engine, err := c.engines.Get(dialect)
	if err != nil {
		return err
	}
	if checker, ok := engine.(Checker); ok {
		return checker.Check(expr)
	}
	return nil
}

// Predicate compiles a guard or route condition. The expression must
// evaluate to a boolean; any other result type is an evaluation error, never
// a truthy coercion.
func (c *Compiler) Predicate(expression string) (schema.Predicate, error) {
	if err := c.Check(expression); err != nil {
		return nil, err
	}
	return func(ctx context.Context, wc *schema.WorkflowContext) (bool, error) {
		val, err := c.engines.Evaluate(ctx, expression, BuildScope(wc, nil))
		if err != nil {
			return false, err
		}
		b, ok := val.(bool)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeExpression,
				"condition %q must evaluate to bool, got %T", expression, val).
				WithDetails(map[string]any{"expression": expression})
		}
		return b, nil
	}, nil
}

// Selector compiles a conditional-group branch selector. The expression must
// evaluate to the name of a branch.
func (c *Compiler) Selector(expression string) (schema.Selector, error) {
	if err := c.Check(expression); err != nil {
		return nil, err
	}
	return func(ctx context.Context, wc *schema.WorkflowContext) (string, error) {
		val, err := c.engines.Evaluate(ctx, expression, BuildScope(wc, nil))
		if err != nil {
			return "", err
		}
		s, ok := val.(string)
		if !ok {
			return "", schema.NewErrorf(schema.ErrCodeExpression,
				"selector %q must evaluate to a branch name, got %T", expression, val).
				WithDetails(map[string]any{"expression": expression})
		}
		return s, nil
	}, nil
}

// Duration compiles a timer delay expression. Strings parse as Go durations
// ("30s", "1h30m"); numbers count seconds; time.Duration values pass through.
func (c *Compiler) Duration(expression string) (schema.DelayFunc, error) {
	if err := c.Check(expression); err != nil {
		return nil, err
	}
	return func(ctx context.Context, wc *schema.WorkflowContext) (time.Duration, error) {
		val, err := c.engines.Evaluate(ctx, expression, BuildScope(wc, nil))
		if err != nil {
			return 0, err
		}
		d, err := coerceDuration(val)
		if err != nil {
			return 0, schema.NewErrorf(schema.ErrCodeExpression,
				"delay %q: %s", expression, err.Error()).
				WithDetails(map[string]any{"expression": expression})
		}
		return d, nil
	}, nil
}

// Token compiles a callback correlation token template. Templates use
// ${{...}} interpolation over the workflow scope, e.g.
// "payment-${{instance.id}}" or "shipment-${{data.order_id}}".
func (c *Compiler) Token(template string) (schema.TokenFunc, error) {
	if err := checkTemplate(template); err != nil {
		return nil, err
	}
	return func(ctx context.Context, wc *schema.WorkflowContext) (string, error) {
		val, err := ResolveString(template, BuildScope(wc, nil))
		if err != nil {
			return "", err
		}
		if s, ok := val.(string); ok {
			return s, nil
		}
		return marshalInline(val), nil
	}, nil
}

// coerceDuration converts an evaluated delay value into a time.Duration.
func coerceDuration(val any) (time.Duration, error) {
	switch v := val.(type) {
	case time.Duration:
		return v, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, schema.NewErrorf(schema.ErrCodeExpression,
				"invalid duration string %q", v).WithCause(err)
		}
		return d, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case uint64:
		return time.Duration(v) * time.Second, nil
	default:
		return 0, schema.NewErrorf(schema.ErrCodeExpression,
			"duration must be a string or number of seconds, got %T", val)
	}
}

// checkTemplate verifies every ${{ marker in a token template is closed.
func checkTemplate(template string) error {
	rest := template
	for {
		idx := strings.Index(rest, "${{")
		if idx == -1 {
			return nil
		}
		end := strings.Index(rest[idx+3:], "}}")
		if end == -1 {
			return schema.NewErrorf(schema.ErrCodeExpression,
				"unclosed ${{ expression in token template %q", template)
		}
		rest = rest[idx+3+end+2:]
	}
}

var _ schema.ExpressionCompiler = (*Compiler)(nil)
