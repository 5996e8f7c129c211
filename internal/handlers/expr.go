package handlers

import (
	"context"

	"github.com/loomrun/loom/internal/expressions"
	"github.com/loomrun/loom/pkg/schema"
)

// ExprHandlers returns the expression evaluation and data transform handlers.
func ExprHandlers() []Handler {
	return []Handler{
		&exprEvalHandler{engine: expressions.NewExprEngine()},
		&transformJQHandler{engine: expressions.NewGoJQEngine()},
	}
}

// --- expr.eval ---

type exprEvalHandler struct {
	engine *expressions.ExprEngine
}

func (h *exprEvalHandler) Name() string { return "expr.eval" }

func (h *exprEvalHandler) Info() Info {
	return Info{
		Name:        "expr.eval",
		Description: "Evaluate an Expr expression against the workflow scope or explicit data.",
	}
}

func (h *exprEvalHandler) Validate(params map[string]any) error {
	expr, ok := params["expression"].(string)
	if !ok || expr == "" {
		return schema.NewError(schema.ErrCodeValidation, "expr.eval requires non-empty 'expression' string parameter")
	}
	return nil
}

func (h *exprEvalHandler) Execute(ctx context.Context, req Request) (any, error) {
	expression, _ := req.Params["expression"].(string)

	scope := expressions.BuildScope(req.Context, nil)
	if data, ok := req.Params["data"]; ok {
		scope[expressions.ScopeData] = data
	}
	scope["input"] = req.Input

	result, err := h.engine.Evaluate(ctx, expression, scope)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": result}, nil
}

// --- transform.jq ---

type transformJQHandler struct {
	engine *expressions.GoJQEngine
}

func (h *transformJQHandler) Name() string { return "transform.jq" }

func (h *transformJQHandler) Info() Info {
	return Info{
		Name:        "transform.jq",
		Description: "Transform workflow data with a jq query. Input defaults to the previous step's output.",
	}
}

func (h *transformJQHandler) Validate(params map[string]any) error {
	q, ok := params["query"].(string)
	if !ok || q == "" {
		return schema.NewError(schema.ErrCodeValidation, "transform.jq requires non-empty 'query' string parameter")
	}
	return nil
}

func (h *transformJQHandler) Execute(ctx context.Context, req Request) (any, error) {
	query, _ := req.Params["query"].(string)

	// Explicit input wins, then the threaded step input, then the scope.
	input := map[string]any{}
	switch {
	case req.Params["input"] != nil:
		input["input"] = req.Params["input"]
	case req.Input != nil:
		input["input"] = req.Input
	}
	for k, v := range expressions.BuildScope(req.Context, nil) {
		input[k] = v
	}

	return h.engine.Evaluate(ctx, query, input)
}
