package expressions

import (
	"context"
	"strings"
	"sync"

	"github.com/loomrun/loom/pkg/schema"
)

// Engine evaluates expressions against a workflow scope.
// Three implementations: CEL (guards and route conditions), Expr (value
// derivation), GoJQ (data transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Checker is implemented by engines that can compile an expression without
// evaluating it, for fail-fast checks at definition build time.
type Checker interface {
	Check(expression string) error
}

// DefaultDialect is the engine used when an expression carries no dialect
// prefix.
const DefaultDialect = "cel"

// Registry holds the configured expression engines keyed by dialect name.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewRegistry creates a registry holding the given engines.
func NewRegistry(engines ...Engine) *Registry {
	r := &Registry{engines: make(map[string]Engine, len(engines))}
	for _, e := range engines {
		r.engines[e.Name()] = e
	}
	return r
}

// Register adds or replaces an engine.
func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.Name()] = e
}

// Get returns the engine for the given dialect; empty selects the default.
func (r *Registry) Get(dialect string) (Engine, error) {
	if dialect == "" {
		dialect = DefaultDialect
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[dialect]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no expression engine %q", dialect)
	}
	return e, nil
}

// Evaluate splits the dialect prefix off expression and evaluates the rest
// with the matching engine.
func (r *Registry) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	dialect, expr := SplitDialect(expression)
	e, err := r.Get(dialect)
	if err != nil {
		return nil, err
	}
	return e.Evaluate(ctx, expr, data)
}

// SplitDialect separates an optional "cel:", "expr:" or "jq:" prefix from an
// expression. Unprefixed expressions use the default dialect.
func SplitDialect(expression string) (dialect, expr string) {
	for _, d := range []string{"cel", "expr", "jq"} {
		if strings.HasPrefix(expression, d+":") {
			return d, strings.TrimSpace(strings.TrimPrefix(expression, d+":"))
		}
	}
	return "", strings.TrimSpace(expression)
}
