package validation

import (
	"fmt"
	"strings"
	"time"

	"github.com/loomrun/loom/pkg/schema"
)

// DocumentValidator runs the two-stage document pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (handler refs, expression syntax, durations, route targets)
// Graph-level defects (dangling edges, unreachable steps) surface later when
// the registry builds the document into a Definition.
type DocumentValidator struct {
	jsonSchema *JSONSchemaValidator
	handlers   HandlerLookup
	exprs      ExpressionChecker
}

// NewDocumentValidator creates a DocumentValidator. handlers and exprs may be
// nil to skip the respective checks.
func NewDocumentValidator(handlers HandlerLookup, exprs ExpressionChecker) (*DocumentValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &DocumentValidator{
		jsonSchema: jsv,
		handlers:   handlers,
		exprs:      exprs,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: the semantic stage assumes a well-shaped
// document.
func (dv *DocumentValidator) Validate(doc *schema.DefinitionDocument) *schema.ValidationResult {
	if doc == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "definition document is nil")
		return r
	}

	result := dv.validateStructural(doc)
	if !result.Valid() {
		return result
	}

	result.Merge(dv.validateSemantic(doc))
	return result
}

// ValidateDocument satisfies the Validator interface.
func (dv *DocumentValidator) ValidateDocument(doc *schema.DefinitionDocument) error {
	return dv.Validate(doc).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (dv *DocumentValidator) ValidateInput(input map[string]any, inputSchema map[string]any) error {
	return dv.jsonSchema.ValidateInput(input, inputSchema)
}

// validateStructural wraps JSONSchemaValidator.ValidateDocument, converting
// its error output into ValidationResult entries.
func (dv *DocumentValidator) validateStructural(doc *schema.DefinitionDocument) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := dv.jsonSchema.ValidateDocument(doc)
	if err == nil {
		return result
	}

	lerr, ok := err.(*schema.LoomError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if lerr.Details != nil {
		if violations, ok := lerr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, lerr.Message)
	return result
}

// validateSemantic checks everything the JSON Schema cannot express: handler
// registration, expression syntax, duration strings, id references.
func (dv *DocumentValidator) validateSemantic(doc *schema.DefinitionDocument) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	topIDs := make(map[string]bool, len(doc.Steps))
	for _, s := range doc.Steps {
		topIDs[s.ID] = true
	}

	seen := make(map[string]bool)
	for i := range doc.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		dv.validateStep(&doc.Steps[i], path, topIDs, seen, false, result)
	}

	for i, e := range doc.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		if !topIDs[e.From] {
			result.AddError(path+".from", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent step %q", e.From))
		}
		if !topIDs[e.To] {
			result.AddError(path+".to", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent step %q", e.To))
		}
		dv.checkExpr(e.Guard, path+".guard", result)
	}

	if doc.Initial != "" && !topIDs[doc.Initial] {
		result.AddError("initial", schema.ErrCodeValidation,
			fmt.Sprintf("references non-existent step %q", doc.Initial))
	}
	for i, t := range doc.Terminals {
		if !topIDs[t] {
			result.AddError(fmt.Sprintf("terminals[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent step %q", t))
		}
	}

	return result
}

// validateStep checks a single step and recurses into group children.
func (dv *DocumentValidator) validateStep(s *schema.StepDocument, path string, topIDs, seen map[string]bool, nested bool, result *schema.ValidationResult) {
	if s.ID != "" {
		if seen[s.ID] {
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q", s.ID))
		}
		seen[s.ID] = true
	}

	dv.checkExpr(s.Guard, path+".guard", result)

	switch s.Kind {
	case schema.StepKindAutomated:
		dv.validateAutomated(s, path, result)

	case schema.StepKindHuman:
		if s.Human == nil {
			result.AddError(path, schema.ErrCodeValidation, "human step requires 'human' block")
			return
		}
		checkDuration(s.Human.DueIn, path+".human.due_in", result)

	case schema.StepKindGateway:
		if nested {
			result.AddError(path, schema.ErrCodeValidation,
				"gateways cannot nest inside groups; route targets are definition-level steps")
		}
		dv.validateGateway(s, path, topIDs, result)

	case schema.StepKindTimer:
		if s.Timer == nil || (s.Timer.Duration == "" && s.Timer.DurationFrom == "") {
			result.AddError(path, schema.ErrCodeValidation,
				"timer step requires 'timer' block with duration or duration_from")
			return
		}
		checkDuration(s.Timer.Duration, path+".timer.duration", result)
		dv.checkExpr(s.Timer.DurationFrom, path+".timer.duration_from", result)

	case schema.StepKindCallback:
		if s.Callback == nil || s.Callback.Token == "" {
			result.AddError(path, schema.ErrCodeValidation, "callback step requires 'callback' block with a token")
			return
		}
		checkTokenTemplate(s.Callback.Token, path+".callback.token", result)

	case schema.StepKindSequential, schema.StepKindParallel:
		if len(s.Children) == 0 {
			result.AddError(path+".children", schema.ErrCodeValidation,
				fmt.Sprintf("%s group requires at least one child", s.Kind))
			return
		}
		for i := range s.Children {
			dv.validateStep(&s.Children[i], fmt.Sprintf("%s.children[%d]", path, i), topIDs, seen, true, result)
		}
		if s.Join != nil {
			if s.Kind != schema.StepKindParallel {
				result.AddWarning(path+".join", schema.ErrCodeValidation,
					"join is only invoked for parallel groups (ignored here)")
			}
			dv.validateStep(s.Join, path+".join", topIDs, seen, true, result)
		}

	case schema.StepKindConditional:
		if len(s.Branches) == 0 {
			result.AddError(path+".branches", schema.ErrCodeValidation, "conditional group requires branches")
			return
		}
		if s.Selector == "" {
			result.AddError(path+".selector", schema.ErrCodeValidation, "conditional group requires a selector expression")
		}
		dv.checkExpr(s.Selector, path+".selector", result)
		if s.Default != "" {
			if _, ok := s.Branches[s.Default]; !ok {
				result.AddError(path+".default", schema.ErrCodeValidation,
					fmt.Sprintf("default branch %q is not declared", s.Default))
			}
		}
		for _, name := range sortedKeys(s.Branches) {
			branch := s.Branches[name]
			dv.validateStep(&branch, fmt.Sprintf("%s.branches[%s]", path, name), topIDs, seen, true, result)
		}
	}
}

// validateAutomated checks handler registration and retry durations.
func (dv *DocumentValidator) validateAutomated(s *schema.StepDocument, path string, result *schema.ValidationResult) {
	if s.Automated == nil || s.Automated.Handler == "" {
		result.AddError(path, schema.ErrCodeValidation, "automated step requires 'automated' block with a handler")
		return
	}
	if dv.handlers != nil && !dv.handlers.Has(s.Automated.Handler) {
		result.AddError(path+".automated.handler", schema.ErrCodeNotFound,
			fmt.Sprintf("handler %q not registered", s.Automated.Handler))
	}
	if r := s.Automated.Retry; r != nil {
		checkDuration(r.Delay, path+".automated.retry.delay", result)
		checkDuration(r.MaxDelay, path+".automated.retry.max_delay", result)
		if r.MaxAttempts > 10 {
			result.AddWarning(path+".automated.retry.max_attempts", schema.ErrCodeValidation,
				fmt.Sprintf("high retry count (%d) may cause excessive delays", r.MaxAttempts))
		}
	}
}

// validateGateway checks route conditions and targets.
func (dv *DocumentValidator) validateGateway(s *schema.StepDocument, path string, topIDs map[string]bool, result *schema.ValidationResult) {
	if s.Gateway == nil || len(s.Gateway.Routes) == 0 {
		result.AddError(path, schema.ErrCodeValidation, "gateway step requires 'gateway' block with routes")
		return
	}
	for i, r := range s.Gateway.Routes {
		rp := fmt.Sprintf("%s.gateway.routes[%d]", path, i)
		dv.checkExpr(r.When, rp+".when", result)
		if !topIDs[r.To] {
			result.AddError(rp+".to", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent step %q", r.To))
		}
	}
	if d := s.Gateway.Default; d != "" && !topIDs[d] {
		result.AddError(path+".gateway.default", schema.ErrCodeValidation,
			fmt.Sprintf("references non-existent step %q", d))
	}
}

// checkExpr runs the expression checker on a non-empty expression.
func (dv *DocumentValidator) checkExpr(expr, path string, result *schema.ValidationResult) {
	if expr == "" || dv.exprs == nil {
		return
	}
	if err := dv.exprs.Check(expr); err != nil {
		result.AddError(path, schema.ErrCodeExpression, err.Error())
	}
}

// checkDuration verifies a non-empty duration string parses.
func checkDuration(value, path string, result *schema.ValidationResult) {
	if value == "" {
		return
	}
	if _, err := time.ParseDuration(value); err != nil {
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("invalid duration %q", value))
	}
}

// checkTokenTemplate verifies every ${{ marker in a token template closes.
func checkTokenTemplate(token, path string, result *schema.ValidationResult) {
	rest := token
	for {
		idx := strings.Index(rest, "${{")
		if idx == -1 {
			return
		}
		end := strings.Index(rest[idx+3:], "}}")
		if end == -1 {
			result.AddError(path, schema.ErrCodeValidation, "unclosed ${{ expression in token template")
			return
		}
		rest = rest[idx+3+end+2:]
	}
}

func sortedKeys(m map[string]schema.StepDocument) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}
