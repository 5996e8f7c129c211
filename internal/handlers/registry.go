package handlers

import (
	"context"
	"sort"
	"sync"

	"github.com/loomrun/loom/internal/expressions"
	"github.com/loomrun/loom/pkg/schema"
)

// Registry is the thread-safe catalog of named handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler to the registry. Returns error on duplicate name.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	name := h.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "handler name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler %q already registered", name)
	}

	r.handlers[name] = h
	return nil
}

// Get retrieves a handler by name.
func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "handler %q not registered", name)
	}
	return h, nil
}

// Has checks if a handler is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Count returns the number of registered handlers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// List returns info for all registered handlers, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.handlers))
	for _, h := range r.handlers {
		infos = append(infos, h.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Bind resolves a handler name into an executable step function. The lookup
// happens at bind time so an unknown name fails definition compilation, not a
// running instance. Params containing ${{...}} references are resolved
// against the workflow scope on every execution; static params are validated
// once, up front.
func (r *Registry) Bind(name string, params map[string]any) (schema.Handler, error) {
	h, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	static := !paramsInterpolated(params)
	if static {
		if err := h.Validate(params); err != nil {
			return nil, err
		}
	}

	return func(ctx context.Context, wc *schema.WorkflowContext, input any) (any, error) {
		resolved := params
		if !static {
			scope := expressions.BuildScope(wc, nil)
			rp, err := expressions.ResolveParams(params, scope)
			if err != nil {
				return nil, err
			}
			if err := h.Validate(rp); err != nil {
				return nil, err
			}
			resolved = rp
		}
		return h.Execute(ctx, Request{Params: resolved, Input: input, Context: wc})
	}, nil
}

// paramsInterpolated reports whether any string in the params tree carries a
// ${{...}} reference.
func paramsInterpolated(v any) bool {
	switch val := v.(type) {
	case string:
		return expressions.HasInterpolation(val)
	case map[string]any:
		for _, item := range val {
			if paramsInterpolated(item) {
				return true
			}
		}
	case []any:
		for _, item := range val {
			if paramsInterpolated(item) {
				return true
			}
		}
	}
	return false
}
