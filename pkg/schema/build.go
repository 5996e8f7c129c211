package schema

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ExpressionCompiler turns the textual fields of a definition (edge guards,
// gateway conditions, conditional selectors, timer durations, callback token
// templates) into typed functions. Implementations evaluate against a
// restricted, allow-listed scope; free-form host access is not available to
// definitions.
type ExpressionCompiler interface {
	Predicate(expression string) (Predicate, error)
	Selector(expression string) (Selector, error)
	Duration(expression string) (DelayFunc, error)
	Token(template string) (TokenFunc, error)
}

// --- Step constructors ---

// Automated builds an automated step executing fn.
func Automated(id string, fn Handler) *Step {
	return &Step{ID: id, Kind: StepKindAutomated, Automated: &AutomatedConfig{Handler: fn}}
}

// NamedAutomated builds an automated step whose handler is resolved by name
// from the handler registry when the definition is compiled.
func NamedAutomated(id, handlerName string, params map[string]any) *Step {
	return &Step{ID: id, Kind: StepKindAutomated, Automated: &AutomatedConfig{HandlerName: handlerName, Params: params}}
}

// HumanTask builds a human step with the given inbox title.
func HumanTask(id, title string) *Step {
	return &Step{ID: id, Kind: StepKindHuman, Human: &HumanConfig{Title: title}}
}

// Exclusive builds an exclusive gateway from routes.
func Exclusive(id string, routes ...Route) *Step {
	return &Step{ID: id, Kind: StepKindGateway, Gateway: &GatewayConfig{Mode: GatewayExclusive, Routes: routes}}
}

// Inclusive builds an inclusive gateway from routes.
func Inclusive(id string, routes ...Route) *Step {
	return &Step{ID: id, Kind: StepKindGateway, Gateway: &GatewayConfig{Mode: GatewayInclusive, Routes: routes}}
}

// RouteTo builds a route gated by a predicate; nil matches always.
func RouteTo(to string, when Predicate) Route {
	return Route{To: to, When: when}
}

// RouteExpr builds a route gated by an expression compiled at Build.
func RouteExpr(to, whenExpr string) Route {
	return Route{To: to, WhenExpr: whenExpr}
}

// Delay builds a fixed-duration timer step.
func Delay(id string, d time.Duration) *Step {
	return &Step{ID: id, Kind: StepKindTimer, Timer: &TimerConfig{Duration: d}}
}

// DelayExpr builds a timer step whose duration is derived from context.
func DelayExpr(id, expression string) *Step {
	return &Step{ID: id, Kind: StepKindTimer, Timer: &TimerConfig{DurationExpr: expression}}
}

// AwaitCallback builds a callback step keyed by a correlation token
// template; ${{...}} placeholders are interpolated from context at runtime.
func AwaitCallback(id, tokenTemplate string) *Step {
	return &Step{ID: id, Kind: StepKindCallback, Callback: &CallbackConfig{Token: tokenTemplate}}
}

// Sequence builds a sequential group of children, threading each child's
// output into the next child's input.
func Sequence(id string, children ...*Step) *Step {
	return &Step{ID: id, Kind: StepKindSequential, Group: &GroupConfig{Children: children}}
}

// FanOut builds a parallel group of children.
func FanOut(id string, children ...*Step) *Step {
	return &Step{ID: id, Kind: StepKindParallel, Group: &GroupConfig{Children: children}}
}

// Choose builds a conditional group: selector picks one of the named
// branches, evaluated once.
func Choose(id string, selector Selector, branches map[string]*Step) *Step {
	return &Step{ID: id, Kind: StepKindConditional, Group: &GroupConfig{Selector: selector, Branches: branches}}
}

// ChooseExpr builds a conditional group whose selector expression is
// compiled at Build.
func ChooseExpr(id, selectorExpr string, branches map[string]*Step) *Step {
	return &Step{ID: id, Kind: StepKindConditional, Group: &GroupConfig{SelectorExpr: selectorExpr, Branches: branches}}
}

// --- Fluent step modifiers ---

// WithDescription sets the human-readable description.
func (s *Step) WithDescription(desc string) *Step {
	s.Description = desc
	return s
}

// WithGuard gates the step on a predicate.
func (s *Step) WithGuard(p Predicate) *Step {
	s.Guard = p
	return s
}

// WithGuardExpr gates the step on an expression compiled at Build.
func (s *Step) WithGuardExpr(expression string) *Step {
	s.GuardExpr = expression
	return s
}

// WithOnSuccess attaches a success hook.
func (s *Step) WithOnSuccess(h SuccessHook) *Step {
	s.OnSuccess = h
	return s
}

// WithOnFailure attaches a failure hook.
func (s *Step) WithOnFailure(h FailureHook) *Step {
	s.OnFailure = h
	return s
}

// WithRetry attaches a retry policy to an automated step.
func (s *Step) WithRetry(p *RetryPolicy) *Step {
	if s.Automated != nil {
		s.Automated.Retry = p
	}
	return s
}

// WithSchema sets the JSON schema validated against human task input.
func (s *Step) WithSchema(schema map[string]any) *Step {
	if s.Human != nil {
		s.Human.InputSchema = schema
	}
	return s
}

// WithAssignee sets the task assignee hint.
func (s *Step) WithAssignee(assignee string) *Step {
	if s.Human != nil {
		s.Human.Assignee = assignee
	}
	return s
}

// WithDueIn sets the advisory due offset on the task descriptor.
func (s *Step) WithDueIn(d time.Duration) *Step {
	if s.Human != nil {
		s.Human.DueIn = d
	}
	return s
}

// WithDefault sets the fallback target of a gateway or conditional group.
func (s *Step) WithDefault(target string) *Step {
	if s.Gateway != nil {
		s.Gateway.Default = target
	}
	if s.Group != nil {
		s.Group.Default = target
	}
	return s
}

// WithJoin sets the join callback of a parallel group (chord).
func (s *Step) WithJoin(join *Step) *Step {
	if s.Group != nil {
		s.Group.Join = join
	}
	return s
}

// --- Definition builder ---

// DefinitionBuilder assembles an immutable Definition. Building validates
// the graph and compiles every textual expression through the configured
// ExpressionCompiler; a builder without a compiler only accepts definitions
// whose guards and selectors are supplied as functions.
type DefinitionBuilder struct {
	name      string
	version   string
	steps     []*Step
	edges     []Edge
	initial   string
	terminals []string
	compiler  ExpressionCompiler
	errs      []string
}

// NewDefinition starts a builder for (name, version).
func NewDefinition(name, version string) *DefinitionBuilder {
	return &DefinitionBuilder{name: name, version: version}
}

// Compiler sets the expression compiler used at Build.
func (b *DefinitionBuilder) Compiler(c ExpressionCompiler) *DefinitionBuilder {
	b.compiler = c
	return b
}

// Step adds one step to the graph.
func (b *DefinitionBuilder) Step(s *Step) *DefinitionBuilder {
	if s == nil {
		b.errs = append(b.errs, "nil step added")
		return b
	}
	b.steps = append(b.steps, s)
	return b
}

// Steps adds several steps in order.
func (b *DefinitionBuilder) Steps(ss ...*Step) *DefinitionBuilder {
	for _, s := range ss {
		b.Step(s)
	}
	return b
}

// Edge adds an unguarded edge.
func (b *DefinitionBuilder) Edge(from, to string) *DefinitionBuilder {
	b.edges = append(b.edges, Edge{From: from, To: to})
	return b
}

// GuardedEdge adds an edge gated by a predicate.
func (b *DefinitionBuilder) GuardedEdge(from, to string, guard Predicate) *DefinitionBuilder {
	b.edges = append(b.edges, Edge{From: from, To: to, Guard: guard})
	return b
}

// ExprEdge adds an edge gated by an expression compiled at Build.
func (b *DefinitionBuilder) ExprEdge(from, to, expression string) *DefinitionBuilder {
	b.edges = append(b.edges, Edge{From: from, To: to, GuardExpr: expression})
	return b
}

// Initial declares the step every instance starts at.
func (b *DefinitionBuilder) Initial(stepID string) *DefinitionBuilder {
	b.initial = stepID
	return b
}

// Terminal declares one or more terminal steps.
func (b *DefinitionBuilder) Terminal(stepIDs ...string) *DefinitionBuilder {
	b.terminals = append(b.terminals, stepIDs...)
	return b
}

// Build compiles expressions, assembles the Definition and validates it.
// Returns a DEFINITION_ERROR carrying the full defect list when validation
// fails.
func (b *DefinitionBuilder) Build() (*Definition, error) {
	def := &Definition{
		name:      b.name,
		version:   b.version,
		steps:     make(map[string]*Step, len(b.steps)),
		terminals: make(map[string]struct{}, len(b.terminals)),
		initial:   b.initial,
	}

	res := &ValidationResult{}
	for _, msg := range b.errs {
		res.AddError("builder", "invalid_builder_call", msg)
	}

	for _, s := range b.steps {
		if s.ID == "" {
			res.AddError("steps", "missing_step_id", "step id is required")
			continue
		}
		if _, dup := def.steps[s.ID]; dup {
			res.AddError("steps."+s.ID, "duplicate_step_id", fmt.Sprintf("step id %q declared more than once", s.ID))
			continue
		}
		def.steps[s.ID] = s
		def.order = append(def.order, s.ID)
	}
	def.edges = make([]Edge, len(b.edges))
	copy(def.edges, b.edges)
	for _, t := range b.terminals {
		def.terminals[t] = struct{}{}
	}

	b.compile(def, res)
	res.Merge(def.Validate())

	if err := res.ToDefinitionError(b.name, b.version); err != nil {
		return nil, err
	}
	return def, nil
}

// compile resolves every textual expression into its typed function form.
// Missing-compiler problems surface through Validate's uncompiled_* checks,
// so compile is silent when no compiler is configured.
func (b *DefinitionBuilder) compile(def *Definition, res *ValidationResult) {
	compileErr := func(path, what, expression string, err error) {
		res.AddError(path, "expression_compile", fmt.Sprintf("%s %q: %v", what, expression, err))
	}

	for i := range def.edges {
		e := &def.edges[i]
		if e.GuardExpr == "" || e.Guard != nil || b.compiler == nil {
			continue
		}
		p, err := b.compiler.Predicate(e.GuardExpr)
		if err != nil {
			compileErr(fmt.Sprintf("edges[%d]", i), "edge guard", e.GuardExpr, err)
			continue
		}
		e.Guard = p
	}

	for _, id := range def.order {
		s := def.steps[id]
		b.compileStep(s, "steps."+id, res, compileErr)
		s.walkChildren(func(_, child *Step) {
			b.compileStep(child, "steps."+id+"."+child.ID, res, compileErr)
		})
	}
}

func (b *DefinitionBuilder) compileStep(s *Step, path string, res *ValidationResult, compileErr func(path, what, expression string, err error)) {
	if s.GuardExpr != "" && s.Guard == nil && b.compiler != nil {
		p, err := b.compiler.Predicate(s.GuardExpr)
		if err != nil {
			compileErr(path, "step guard", s.GuardExpr, err)
		} else {
			s.Guard = p
		}
	}

	switch s.Kind {
	case StepKindGateway:
		for i := range s.Gateway.Routes {
			r := &s.Gateway.Routes[i]
			if r.WhenExpr == "" || r.When != nil || b.compiler == nil {
				continue
			}
			p, err := b.compiler.Predicate(r.WhenExpr)
			if err != nil {
				compileErr(path, "route condition", r.WhenExpr, err)
				continue
			}
			r.When = p
		}
	case StepKindTimer:
		if s.Timer.DurationExpr != "" && s.Timer.Delay == nil && b.compiler != nil {
			fn, err := b.compiler.Duration(s.Timer.DurationExpr)
			if err != nil {
				compileErr(path, "timer duration", s.Timer.DurationExpr, err)
			} else {
				s.Timer.Delay = fn
			}
		}
	case StepKindCallback:
		if s.Callback.TokenFunc != nil {
			return
		}
		if !strings.Contains(s.Callback.Token, "${") {
			token := s.Callback.Token
			s.Callback.TokenFunc = func(context.Context, *WorkflowContext) (string, error) {
				return token, nil
			}
			return
		}
		if b.compiler != nil {
			fn, err := b.compiler.Token(s.Callback.Token)
			if err != nil {
				compileErr(path, "callback token", s.Callback.Token, err)
			} else {
				s.Callback.TokenFunc = fn
			}
		}
	case StepKindConditional:
		if s.Group.SelectorExpr != "" && s.Group.Selector == nil && b.compiler != nil {
			sel, err := b.compiler.Selector(s.Group.SelectorExpr)
			if err != nil {
				compileErr(path, "branch selector", s.Group.SelectorExpr, err)
			} else {
				s.Group.Selector = sel
			}
		}
	}
}
