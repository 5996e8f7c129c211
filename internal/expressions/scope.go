package expressions

import (
	"github.com/loomrun/loom/pkg/schema"
)

// Scope namespaces visible to expressions.
const (
	ScopeData     = "data"
	ScopeMeta     = "meta"
	ScopeSteps    = "steps"
	ScopeInstance = "instance"
)

// BuildScope assembles the evaluation scope for guard, routing and selector
// expressions. Every namespace is always present so expressions can probe
// optimistically without compile-time declarations.
//
//	data     - mutable workflow context values
//	meta     - immutable metadata fixed at start
//	steps    - per-step execution summaries keyed by step id
//	instance - identity of the running instance
func BuildScope(wc *schema.WorkflowContext, inst *schema.WorkflowInstance) map[string]any {
	scope := map[string]any{
		ScopeData:     map[string]any{},
		ScopeMeta:     map[string]any{},
		ScopeSteps:    map[string]any{},
		ScopeInstance: map[string]any{},
	}

	if wc != nil {
		scope[ScopeData] = wc.Data()
		scope[ScopeMeta] = wc.Metadata()
		scope[ScopeSteps] = stepSummaries(wc)
	}

	switch {
	case inst != nil:
		scope[ScopeInstance] = map[string]any{
			"id":         inst.ID,
			"definition": inst.DefinitionName,
			"version":    inst.DefinitionVersion,
			"status":     string(inst.Status),
		}
	case wc != nil && wc.InstanceID() != "":
		name, version := wc.Definition()
		scope[ScopeInstance] = map[string]any{
			"id":         wc.InstanceID(),
			"definition": name,
			"version":    version,
		}
	}

	return scope
}

// stepSummaries exposes the most recent execution of each step. Retries and
// loops overwrite earlier entries, so expressions always see the latest
// attempt.
func stepSummaries(wc *schema.WorkflowContext) map[string]any {
	history := wc.History()
	summaries := make(map[string]any, len(history))
	for _, exec := range history {
		entry := map[string]any{
			"status": string(exec.Status),
		}
		if exec.Output != nil {
			entry["output"] = exec.Output
		}
		if exec.Error != "" {
			entry["error"] = exec.Error
		}
		summaries[exec.StepID] = entry
	}
	return summaries
}
