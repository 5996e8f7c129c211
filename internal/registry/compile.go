package registry

import (
	"time"

	"github.com/loomrun/loom/internal/handlers"
	"github.com/loomrun/loom/pkg/schema"
)

// CompileDocument turns a definition document into an executable
// Definition: handler names are bound against the handler registry,
// expression strings are compiled, and the result is validated. The
// document itself is not modified.
func CompileDocument(doc *schema.DefinitionDocument, reg *handlers.Registry, compiler schema.ExpressionCompiler) (*schema.Definition, error) {
	b := schema.NewDefinition(doc.Name, doc.Version).Compiler(compiler)

	for i := range doc.Steps {
		s, err := buildStep(&doc.Steps[i], reg)
		if err != nil {
			return nil, err
		}
		b.Step(s)
	}
	for _, e := range doc.Edges {
		if e.Guard != "" {
			b.ExprEdge(e.From, e.To, e.Guard)
		} else {
			b.Edge(e.From, e.To)
		}
	}
	b.Initial(doc.Initial)
	b.Terminal(doc.Terminals...)

	return b.Build()
}

// buildStep converts one step document, recursing into group children.
func buildStep(sd *schema.StepDocument, reg *handlers.Registry) (*schema.Step, error) {
	s := &schema.Step{
		ID:          sd.ID,
		Description: sd.Description,
		Kind:        sd.Kind,
		GuardExpr:   sd.Guard,
	}

	switch sd.Kind {
	case schema.StepKindAutomated:
		if sd.Automated == nil {
			return nil, compileErr(sd.ID, "automated step has no handler block")
		}
		h, err := reg.Bind(sd.Automated.Handler, sd.Automated.Params)
		if err != nil {
			return nil, err
		}
		retry, err := buildRetry(sd.ID, sd.Automated.Retry)
		if err != nil {
			return nil, err
		}
		s.Automated = &schema.AutomatedConfig{
			Handler:     h,
			HandlerName: sd.Automated.Handler,
			Params:      sd.Automated.Params,
			Retry:       retry,
		}

	case schema.StepKindHuman:
		if sd.Human == nil {
			return nil, compileErr(sd.ID, "human step has no task block")
		}
		due, err := parseDuration(sd.ID, sd.Human.DueIn)
		if err != nil {
			return nil, err
		}
		s.Human = &schema.HumanConfig{
			Title:       sd.Human.Title,
			InputSchema: sd.Human.InputSchema,
			Assignee:    sd.Human.Assignee,
			DueIn:       due,
		}

	case schema.StepKindGateway:
		if sd.Gateway == nil {
			return nil, compileErr(sd.ID, "gateway step has no routing block")
		}
		mode := sd.Gateway.Mode
		if mode == "" {
			mode = schema.GatewayExclusive
		}
		routes := make([]schema.Route, len(sd.Gateway.Routes))
		for i, r := range sd.Gateway.Routes {
			routes[i] = schema.Route{WhenExpr: r.When, To: r.To}
		}
		s.Gateway = &schema.GatewayConfig{Mode: mode, Routes: routes, Default: sd.Gateway.Default}

	case schema.StepKindTimer:
		if sd.Timer == nil {
			return nil, compileErr(sd.ID, "timer step has no delay block")
		}
		d, err := parseDuration(sd.ID, sd.Timer.Duration)
		if err != nil {
			return nil, err
		}
		s.Timer = &schema.TimerConfig{Duration: d, DurationExpr: sd.Timer.DurationFrom}

	case schema.StepKindCallback:
		if sd.Callback == nil {
			return nil, compileErr(sd.ID, "callback step has no token block")
		}
		s.Callback = &schema.CallbackConfig{Token: sd.Callback.Token}

	case schema.StepKindSequential, schema.StepKindParallel:
		children := make([]*schema.Step, 0, len(sd.Children))
		for i := range sd.Children {
			child, err := buildStep(&sd.Children[i], reg)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		group := &schema.GroupConfig{Children: children}
		if sd.Join != nil {
			join, err := buildStep(sd.Join, reg)
			if err != nil {
				return nil, err
			}
			group.Join = join
		}
		s.Group = group

	case schema.StepKindConditional:
		branches := make(map[string]*schema.Step, len(sd.Branches))
		for name := range sd.Branches {
			bd := sd.Branches[name]
			branch, err := buildStep(&bd, reg)
			if err != nil {
				return nil, err
			}
			branches[name] = branch
		}
		s.Group = &schema.GroupConfig{
			SelectorExpr: sd.Selector,
			Branches:     branches,
			Default:      sd.Default,
		}

	default:
		return nil, compileErr(sd.ID, "unknown step kind %q", string(sd.Kind))
	}

	return s, nil
}

func buildRetry(stepID string, rd *schema.RetryPolicyDocument) (*schema.RetryPolicy, error) {
	if rd == nil {
		return nil, nil
	}
	delay, err := parseDuration(stepID, rd.Delay)
	if err != nil {
		return nil, err
	}
	maxDelay, err := parseDuration(stepID, rd.MaxDelay)
	if err != nil {
		return nil, err
	}
	return &schema.RetryPolicy{
		MaxAttempts: rd.MaxAttempts,
		Backoff:     schema.BackoffKind(rd.Backoff),
		Delay:       delay,
		MaxDelay:    maxDelay,
	}, nil
}

func parseDuration(stepID, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "bad duration %q: %v", value, err).WithStep(stepID).WithCause(err)
	}
	return d, nil
}

func compileErr(stepID, format string, args ...any) error {
	return schema.NewErrorf(schema.ErrCodeDefinition, format, args...).WithStep(stepID)
}
