package schema

import (
	"context"
	"fmt"
)

// Edge is a directed connection between two steps, optionally gated by a
// guard over the instance context. Unguarded edges are always eligible.
type Edge struct {
	From      string
	To        string
	Guard     Predicate
	GuardExpr string
}

// Definition is the immutable, versioned blueprint of a workflow graph:
// a step map, an ordered edge list, one initial step and a set of declared
// terminal steps. Definitions are produced by DefinitionBuilder and never
// mutated after Build; the registry hands the same value to every instance
// pinned to it.
//
// The graph need not be acyclic: loop-back edges are legal, and the walk of
// an instance ends wherever no outgoing edge is eligible. Declared terminals
// document the intended exits and feed validation and graph description.
type Definition struct {
	name      string
	version   string
	steps     map[string]*Step
	order     []string
	edges     []Edge
	initial   string
	terminals map[string]struct{}
}

// Name returns the definition name.
func (d *Definition) Name() string { return d.name }

// Version returns the definition version.
func (d *Definition) Version() string { return d.version }

// InitialStep returns the id of the step every instance starts at.
func (d *Definition) InitialStep() string { return d.initial }

// Step returns the step with the given id.
func (d *Definition) Step(id string) (*Step, bool) {
	s, ok := d.steps[id]
	return s, ok
}

// StepIDs returns the step ids in declaration order.
func (d *Definition) StepIDs() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// Edges returns a copy of the edge list in declaration order.
func (d *Definition) Edges() []Edge {
	out := make([]Edge, len(d.edges))
	copy(out, d.edges)
	return out
}

// EdgesFrom returns the edges leaving stepID in declaration order.
func (d *Definition) EdgesFrom(stepID string) []Edge {
	var out []Edge
	for _, e := range d.edges {
		if e.From == stepID {
			out = append(out, e)
		}
	}
	return out
}

// PathTo returns the containment chain from a top-level step down to
// stepID: path[0] is the top-level step, path[len-1] is the step itself.
// For a top-level step the chain has length one. Nil when the id is
// unknown.
func (d *Definition) PathTo(stepID string) []*Step {
	for _, id := range d.order {
		top := d.steps[id]
		if top.ID == stepID {
			return []*Step{top}
		}
		if path := childPath(top, stepID); path != nil {
			return append([]*Step{top}, path...)
		}
	}
	return nil
}

// childPath searches s's subtree for stepID, returning the chain below s.
func childPath(s *Step, stepID string) []*Step {
	if s.Group == nil {
		return nil
	}
	try := func(child *Step) []*Step {
		if child.ID == stepID {
			return []*Step{child}
		}
		if sub := childPath(child, stepID); sub != nil {
			return append([]*Step{child}, sub...)
		}
		return nil
	}
	for _, c := range s.Group.Children {
		if path := try(c); path != nil {
			return path
		}
	}
	if s.Group.Join != nil {
		if path := try(s.Group.Join); path != nil {
			return path
		}
	}
	for _, name := range sortedBranchNames(s.Group.Branches) {
		if path := try(s.Group.Branches[name]); path != nil {
			return path
		}
	}
	return nil
}

// Terminals returns the declared terminal step ids in declaration order.
func (d *Definition) Terminals() []string {
	var out []string
	for _, id := range d.order {
		if _, ok := d.terminals[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// IsTerminal reports whether stepID is a declared terminal.
func (d *Definition) IsTerminal(stepID string) bool {
	_, ok := d.terminals[stepID]
	return ok
}

// NextSteps returns, in edge declaration order, the targets of edges leaving
// stepID whose guard evaluates true against the given context. For gateway
// steps the gateway's own routing takes precedence: edges out of a gateway
// are match targets and their guards are never re-evaluated.
func (d *Definition) NextSteps(ctx context.Context, stepID string, wc *WorkflowContext) ([]string, error) {
	s, ok := d.steps[stepID]
	if !ok {
		return nil, NewErrorf(ErrCodeNotFound, "unknown step %q", stepID)
	}
	if s.Kind == StepKindGateway {
		return d.RouteGateway(ctx, stepID, wc)
	}

	var next []string
	for _, e := range d.edges {
		if e.From != stepID {
			continue
		}
		if e.Guard != nil {
			pass, err := e.Guard(ctx, wc)
			if err != nil {
				return nil, NewErrorf(ErrCodeExpression, "edge guard %s -> %s: %v", e.From, e.To, err).
					WithStep(stepID).WithCause(err)
			}
			if !pass {
				continue
			}
		}
		next = append(next, e.To)
	}
	return next, nil
}

// RouteGateway evaluates the routing of a gateway step: the custom Evaluate
// function when present, otherwise the declared routes in order. Exclusive
// gateways return the first match (or the default); inclusive gateways
// return every match. A gateway that matches nothing and has no default is a
// routing failure.
func (d *Definition) RouteGateway(ctx context.Context, stepID string, wc *WorkflowContext) ([]string, error) {
	s, ok := d.steps[stepID]
	if !ok {
		return nil, NewErrorf(ErrCodeNotFound, "unknown step %q", stepID)
	}
	if s.Kind != StepKindGateway || s.Gateway == nil {
		return nil, NewErrorf(ErrCodeExecution, "step %q is not a gateway", stepID).WithStep(stepID)
	}
	g := s.Gateway

	if g.Evaluate != nil {
		targets, err := g.Evaluate(ctx, wc)
		if err != nil {
			return nil, NewErrorf(ErrCodeExecution, "gateway evaluate: %v", err).WithStep(stepID).WithCause(err)
		}
		for _, t := range targets {
			if _, ok := d.steps[t]; !ok {
				return nil, NewErrorf(ErrCodeExecution, "gateway routed to unknown step %q", t).WithStep(stepID)
			}
		}
		if len(targets) == 0 {
			return nil, NewError(ErrCodeExecution, "gateway routed nowhere").WithStep(stepID)
		}
		return targets, nil
	}

	var matches []string
	seen := make(map[string]struct{})
	for _, r := range g.Routes {
		pass := true
		if r.When != nil {
			var err error
			pass, err = r.When(ctx, wc)
			if err != nil {
				return nil, NewErrorf(ErrCodeExpression, "gateway route to %q: %v", r.To, err).
					WithStep(stepID).WithCause(err)
			}
		}
		if !pass {
			continue
		}
		if g.Mode != GatewayInclusive {
			return []string{r.To}, nil
		}
		if _, dup := seen[r.To]; !dup {
			seen[r.To] = struct{}{}
			matches = append(matches, r.To)
		}
	}

	if len(matches) > 0 {
		return matches, nil
	}
	if g.Default != "" {
		return []string{g.Default}, nil
	}
	return nil, NewError(ErrCodeExecution, "no gateway route matched").WithStep(stepID)
}

// Validate returns the structural defects of the definition: missing or
// unknown initial step, missing or unknown terminals, edges referencing
// unknown steps, duplicate step ids (including nested group children),
// malformed variant configs, and steps unreachable from the initial step.
// Reachability treats guarded edges optimistically: a guard only has to
// exist, not be satisfiable. Cycles are not defects.
func (d *Definition) Validate() *ValidationResult {
	res := &ValidationResult{}

	if d.name == "" {
		res.AddError("definition", "missing_name", "definition name is required")
	}
	if d.version == "" {
		res.AddError("definition", "missing_version", "definition version is required")
	}
	if len(d.steps) == 0 {
		res.AddError("steps", "no_steps", "definition has no steps")
		return res
	}

	d.validateEndpoints(res)
	d.validateSteps(res)
	d.validateReachability(res)

	return res
}

func (d *Definition) validateEndpoints(res *ValidationResult) {
	if d.initial == "" {
		res.AddError("initial", "missing_initial", "no initial step declared")
	} else if _, ok := d.steps[d.initial]; !ok {
		res.AddError("initial", "unknown_initial", fmt.Sprintf("initial step %q not in step set", d.initial))
	}

	if len(d.terminals) == 0 {
		res.AddError("terminals", "missing_terminal", "no terminal step declared")
	}
	for t := range d.terminals {
		if _, ok := d.steps[t]; !ok {
			res.AddError("terminals", "unknown_terminal", fmt.Sprintf("terminal step %q not in step set", t))
		}
	}

	for i, e := range d.edges {
		path := fmt.Sprintf("edges[%d]", i)
		if _, ok := d.steps[e.From]; !ok {
			res.AddError(path, "dangling_edge", fmt.Sprintf("edge source %q not in step set", e.From))
		}
		if _, ok := d.steps[e.To]; !ok {
			res.AddError(path, "dangling_edge", fmt.Sprintf("edge target %q not in step set", e.To))
		}
		if e.GuardExpr != "" && e.Guard == nil {
			res.AddError(path, "uncompiled_guard", fmt.Sprintf("edge %s -> %s has an uncompiled guard expression", e.From, e.To))
		}
	}
}

func (d *Definition) validateSteps(res *ValidationResult) {
	ids := make(map[string]struct{}, len(d.steps))

	checkID := func(path, id string) {
		if id == "" {
			res.AddError(path, "missing_step_id", "step id is required")
			return
		}
		if _, dup := ids[id]; dup {
			res.AddError(path, "duplicate_step_id", fmt.Sprintf("step id %q declared more than once", id))
			return
		}
		ids[id] = struct{}{}
	}

	for _, id := range d.order {
		s := d.steps[id]
		path := "steps." + id
		checkID(path, s.ID)
		d.validateStep(res, path, s, true)
		s.walkChildren(func(parent, child *Step) {
			childPath := path + "." + child.ID
			checkID(childPath, child.ID)
			d.validateStep(res, childPath, child, false)
		})
	}
}

func (d *Definition) validateStep(res *ValidationResult, path string, s *Step, topLevel bool) {
	switch s.Kind {
	case StepKindAutomated, StepKindHuman, StepKindGateway, StepKindTimer,
		StepKindCallback, StepKindSequential, StepKindParallel, StepKindConditional:
	default:
		res.AddError(path, "unknown_kind", fmt.Sprintf("unknown step kind %q", s.Kind))
		return
	}
	if !s.config() {
		res.AddError(path, "invalid_config", fmt.Sprintf("%s step %q has no usable config", s.Kind, s.ID))
		return
	}
	if s.GuardExpr != "" && s.Guard == nil {
		res.AddError(path, "uncompiled_guard", fmt.Sprintf("step %q has an uncompiled guard expression", s.ID))
	}

	switch s.Kind {
	case StepKindGateway:
		if !topLevel {
			res.AddError(path, "nested_gateway", "gateway steps route graph edges and cannot be group children")
			return
		}
		d.validateGateway(res, path, s)
	case StepKindConditional:
		if s.Group.SelectorExpr != "" && s.Group.Selector == nil {
			res.AddError(path, "uncompiled_selector", fmt.Sprintf("conditional %q has an uncompiled selector expression", s.ID))
		}
		if s.Group.Default != "" {
			if _, ok := s.Group.Branches[s.Group.Default]; !ok {
				res.AddError(path, "unknown_branch", fmt.Sprintf("default branch %q not declared", s.Group.Default))
			}
		}
	case StepKindTimer:
		if s.Timer.DurationExpr != "" && s.Timer.Delay == nil {
			res.AddError(path, "uncompiled_delay", fmt.Sprintf("timer %q has an uncompiled duration expression", s.ID))
		}
	case StepKindCallback:
		if s.Callback.TokenFunc == nil {
			res.AddError(path, "uncompiled_token", fmt.Sprintf("callback %q has an uncompiled token template", s.ID))
		}
	}
}

func (d *Definition) validateGateway(res *ValidationResult, path string, s *Step) {
	g := s.Gateway
	targets := make(map[string]struct{})
	for _, e := range d.EdgesFrom(s.ID) {
		targets[e.To] = struct{}{}
	}
	check := func(to string) {
		if to == "" {
			res.AddError(path, "missing_route_target", fmt.Sprintf("gateway %q has a route without a target", s.ID))
			return
		}
		if _, ok := d.steps[to]; !ok {
			res.AddError(path, "unknown_route_target", fmt.Sprintf("gateway %q routes to unknown step %q", s.ID, to))
			return
		}
		if _, ok := targets[to]; !ok {
			res.AddError(path, "route_missing_edge", fmt.Sprintf("gateway %q routes to %q but declares no edge to it", s.ID, to))
		}
	}
	for _, r := range g.Routes {
		check(r.To)
		if r.WhenExpr != "" && r.When == nil {
			res.AddError(path, "uncompiled_guard", fmt.Sprintf("gateway %q route to %q has an uncompiled condition", s.ID, r.To))
		}
	}
	if g.Default != "" {
		check(g.Default)
	}
}

// validateReachability walks the edge list breadth-first from the initial
// step. Guards are ignored: presence of an edge is enough.
func (d *Definition) validateReachability(res *ValidationResult) {
	if _, ok := d.steps[d.initial]; !ok {
		return
	}

	adjacency := make(map[string][]string, len(d.steps))
	for _, e := range d.edges {
		adjacency[e.From] = append(adjacency[e.From], e.To)
	}

	visited := map[string]struct{}{d.initial: {}}
	queue := []string{d.initial}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adjacency[cur] {
			if _, seen := visited[next]; seen {
				continue
			}
			if _, ok := d.steps[next]; !ok {
				continue
			}
			visited[next] = struct{}{}
			queue = append(queue, next)
		}
	}

	for _, id := range d.order {
		if _, ok := visited[id]; !ok {
			res.AddError("steps."+id, "unreachable_step", fmt.Sprintf("step %q is not reachable from initial step %q", id, d.initial))
		}
	}

	for _, id := range d.order {
		if _, reach := visited[id]; !reach {
			continue
		}
		outgoing := len(adjacency[id])
		if outgoing == 0 && !d.IsTerminal(id) {
			res.AddWarning("steps."+id, "implicit_terminal", fmt.Sprintf("step %q has no outgoing edges but is not declared terminal", id))
		}
		if outgoing > 0 && d.IsTerminal(id) {
			unguarded := false
			for _, e := range d.EdgesFrom(id) {
				if e.Guard == nil && e.GuardExpr == "" {
					unguarded = true
					break
				}
			}
			if unguarded {
				res.AddWarning("steps."+id, "terminal_outgoing", fmt.Sprintf("terminal step %q has unguarded outgoing edges and will not end the walk", id))
			}
		}
	}
}
