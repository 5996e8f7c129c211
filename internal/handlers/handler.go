package handlers

import (
	"context"
	"encoding/json"

	"github.com/loomrun/loom/pkg/schema"
)

// Handler is a named, reusable implementation of an automated step. Workflow
// documents reference handlers by name; the registry resolves names into
// executable functions when a definition is compiled.
type Handler interface {
	Name() string
	Info() Info
	Execute(ctx context.Context, req Request) (any, error)
	Validate(params map[string]any) error
}

// Info is a summary of a registered handler for listing.
type Info struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Request is the data provided to a handler at execution time. Params carry
// the step's declared parameters with ${{...}} references already resolved.
// Input is the previous step's output when the step runs inside a sequential
// chain, nil otherwise.
type Request struct {
	Params  map[string]any
	Input   any
	Context *schema.WorkflowContext
}

// Func adapts a plain function into a Handler with no parameter validation.
func Func(name, description string, fn func(ctx context.Context, req Request) (any, error)) Handler {
	return &funcHandler{name: name, description: description, fn: fn}
}

type funcHandler struct {
	name        string
	description string
	fn          func(ctx context.Context, req Request) (any, error)
}

func (h *funcHandler) Name() string { return h.name }

func (h *funcHandler) Info() Info {
	return Info{Name: h.name, Description: h.description}
}

func (h *funcHandler) Validate(_ map[string]any) error { return nil }

func (h *funcHandler) Execute(ctx context.Context, req Request) (any, error) {
	return h.fn(ctx, req)
}
