package schema

import (
	"context"
	"time"
)

// StepKind enumerates the step variants understood by the engine.
type StepKind string

const (
	StepKindAutomated   StepKind = "automated"
	StepKindHuman       StepKind = "human"
	StepKindGateway     StepKind = "gateway"
	StepKindTimer       StepKind = "timer"
	StepKindCallback    StepKind = "callback"
	StepKindSequential  StepKind = "sequential"
	StepKindParallel    StepKind = "parallel"
	StepKindConditional StepKind = "conditional"
)

// Pausing reports whether reaching this variant parks the instance until an
// external signal (human completion, timer expiry, callback token).
func (k StepKind) Pausing() bool {
	switch k {
	case StepKindHuman, StepKindTimer, StepKindCallback:
		return true
	default:
		return false
	}
}

// Group reports whether the variant is a composite of child steps.
func (k StepKind) Group() bool {
	switch k {
	case StepKindSequential, StepKindParallel, StepKindConditional:
		return true
	default:
		return false
	}
}

// GatewayMode selects how many matching routes a gateway fires.
type GatewayMode string

const (
	// GatewayExclusive routes to exactly one target: the first matching
	// route in declaration order, or the declared default.
	GatewayExclusive GatewayMode = "exclusive"
	// GatewayInclusive routes to every matching target; each one is fired
	// as an independent branch.
	GatewayInclusive GatewayMode = "inclusive"
)

// Predicate is a guard over workflow context. A nil Predicate means always
// eligible.
type Predicate func(ctx context.Context, wc *WorkflowContext) (bool, error)

// Handler performs the work of an automated step. input is the previous
// step's output when the step runs inside a sequential chain, nil otherwise.
type Handler func(ctx context.Context, wc *WorkflowContext, input any) (any, error)

// SuccessHook runs after a step succeeds, with the step's output.
type SuccessHook func(ctx context.Context, wc *WorkflowContext, output any)

// FailureHook runs after a step fails, with the failure.
type FailureHook func(ctx context.Context, wc *WorkflowContext, err error)

// Router produces the next-step ids chosen by a gateway.
type Router func(ctx context.Context, wc *WorkflowContext) ([]string, error)

// Selector names the branch a conditional group takes.
type Selector func(ctx context.Context, wc *WorkflowContext) (string, error)

// DelayFunc derives a timer delay from workflow context.
type DelayFunc func(ctx context.Context, wc *WorkflowContext) (time.Duration, error)

// TokenFunc derives a callback correlation token from workflow context.
type TokenFunc func(ctx context.Context, wc *WorkflowContext) (string, error)

// Step is one unit of work in a workflow graph: a tagged variant with one
// config block populated according to Kind. Behavior is supplied as plain
// functions; textual fields (guard expressions, handler names) are resolved
// into functions when the definition is built.
//
// Side effects of a step are confined to WorkflowContext mutation. A step
// never drives the engine.
type Step struct {
	ID          string
	Description string
	Kind        StepKind

	// Guard gates execution. When it returns false the step is recorded as
	// skipped and the walk moves on. Nil means always eligible.
	Guard     Predicate
	GuardExpr string

	OnSuccess SuccessHook
	OnFailure FailureHook

	Automated *AutomatedConfig
	Human     *HumanConfig
	Gateway   *GatewayConfig
	Timer     *TimerConfig
	Callback  *CallbackConfig
	Group     *GroupConfig
}

// AutomatedConfig configures a synchronously executed step. Exactly one of
// Handler or HandlerName must be set; names are resolved against the handler
// registry when the definition is compiled.
type AutomatedConfig struct {
	Handler     Handler
	HandlerName string
	Params      map[string]any
	Retry       *RetryPolicy
}

// HumanConfig configures a step completed by an external actor through the
// task inbox.
type HumanConfig struct {
	Title string
	// InputSchema is a JSON Schema document validated against the data
	// supplied at completion. Nil accepts any payload.
	InputSchema map[string]any
	Assignee    string
	// DueIn sets an advisory due time on the task descriptor. The engine
	// imposes no deadline itself.
	DueIn time.Duration
}

// Route is one gateway routing rule: when the condition holds, the gateway
// fires To. A nil/empty condition always matches.
type Route struct {
	When     Predicate
	WhenExpr string
	To       string
}

// GatewayConfig configures a routing step. Gateways perform no work; their
// evaluation result is the set of next steps, taking precedence over edge
// guards. Evaluate, when set, replaces route matching entirely.
type GatewayConfig struct {
	Mode     GatewayMode
	Routes   []Route
	Default  string
	Evaluate Router
}

// TimerConfig configures a delay step. Duration is fixed; DurationExpr
// derives the delay from context at runtime; Delay is the compiled form.
type TimerConfig struct {
	Duration     time.Duration
	DurationExpr string
	Delay        DelayFunc
}

// CallbackConfig configures a step that waits for an external signal carrying
// a matching correlation token. Token may contain ${{...}} placeholders
// interpolated from context; TokenFunc is the compiled form.
type CallbackConfig struct {
	Token     string
	TokenFunc TokenFunc
}

// GroupConfig configures a composite step. Sequential and parallel groups use
// Children; conditional groups pick one entry of Branches by Selector.
// Groups nest: any child or branch may itself be a group.
type GroupConfig struct {
	// Children run in order (sequential) or concurrently (parallel).
	Children []*Step
	// Join, for parallel groups, is invoked once every child has reached a
	// terminal state, with the collected child results as input (chord).
	Join *Step
	// Selector picks the branch of a conditional group. Evaluated once.
	Selector     Selector
	SelectorExpr string
	Branches     map[string]*Step
	// Default names the branch taken when the selector result matches no
	// declared branch. Empty means a missing branch is an error.
	Default string
}

// BackoffKind enumerates retry delay strategies.
type BackoffKind string

const (
	BackoffNone        BackoffKind = "none"
	BackoffConstant    BackoffKind = "constant"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// RetryPolicy configures in-place retry of a failing automated step. The
// instance only fails once attempts are exhausted. Zero MaxAttempts means a
// single attempt.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Backoff     BackoffKind   `json:"backoff,omitempty"`
	Delay       time.Duration `json:"delay,omitempty"`
	MaxDelay    time.Duration `json:"max_delay,omitempty"`
}

// Attempts normalizes MaxAttempts to at least one.
func (p *RetryPolicy) Attempts() int {
	if p == nil || p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// config reports whether the variant-specific config block matching Kind is
// populated.
func (s *Step) config() bool {
	switch s.Kind {
	case StepKindAutomated:
		return s.Automated != nil && (s.Automated.Handler != nil || s.Automated.HandlerName != "")
	case StepKindHuman:
		return s.Human != nil
	case StepKindGateway:
		return s.Gateway != nil && (s.Gateway.Evaluate != nil || len(s.Gateway.Routes) > 0)
	case StepKindTimer:
		return s.Timer != nil && (s.Timer.Duration > 0 || s.Timer.DurationExpr != "" || s.Timer.Delay != nil)
	case StepKindCallback:
		return s.Callback != nil && (s.Callback.Token != "" || s.Callback.TokenFunc != nil)
	case StepKindSequential, StepKindParallel:
		return s.Group != nil && len(s.Group.Children) > 0
	case StepKindConditional:
		return s.Group != nil && len(s.Group.Branches) > 0 &&
			(s.Group.Selector != nil || s.Group.SelectorExpr != "")
	default:
		return false
	}
}

// walkChildren visits every nested child step of a group, depth-first.
func (s *Step) walkChildren(fn func(parent, child *Step)) {
	if s.Group == nil {
		return
	}
	visit := func(child *Step) {
		fn(s, child)
		child.walkChildren(fn)
	}
	for _, c := range s.Group.Children {
		visit(c)
	}
	if s.Group.Join != nil {
		visit(s.Group.Join)
	}
	for _, name := range sortedBranchNames(s.Group.Branches) {
		visit(s.Group.Branches[name])
	}
}

func sortedBranchNames(branches map[string]*Step) []string {
	names := make([]string, 0, len(branches))
	for name := range branches {
		names = append(names, name)
	}
	// Insertion sort; branch maps stay small.
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j] < names[j-1]; j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
	return names
}
