package validation

import "github.com/loomrun/loom/pkg/schema"

// Validator checks definition documents and task input payloads before they
// reach the engine. Uses JSON Schema Draft 2020-12.
type Validator interface {
	ValidateDocument(doc *schema.DefinitionDocument) error
	ValidateInput(input map[string]any, inputSchema map[string]any) error
}

// HandlerLookup answers whether a named handler is registered. Nil lookups
// skip handler existence checks.
type HandlerLookup interface {
	Has(name string) bool
}

// ExpressionChecker compiles an expression without evaluating it. Nil
// checkers skip expression syntax checks.
type ExpressionChecker interface {
	Check(expression string) error
}
