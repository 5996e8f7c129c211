package schema

// Graph is the generic node/edge description of a definition, for
// visualization tooling. Describing a definition is a pure function; an
// optional overlay marks where a live instance is.
type Graph struct {
	Name    string      `json:"name"`
	Version string      `json:"version"`
	Nodes   []Node      `json:"nodes"`
	Edges   []GraphEdge `json:"edges"`
}

// Node describes one step: label, variant and graph role, plus group
// children for composite steps and an optional live-status block.
type Node struct {
	ID       string      `json:"id"`
	Label    string      `json:"label"`
	Variant  StepKind    `json:"variant"`
	Initial  bool        `json:"initial,omitempty"`
	Terminal bool        `json:"terminal,omitempty"`
	Status   *NodeStatus `json:"status,omitempty"`
	Children []Node      `json:"children,omitempty"`
}

// NodeStatus is the instance-state overlay of one node.
type NodeStatus struct {
	Status     StepStatus `json:"status"`
	Current    bool       `json:"current,omitempty"`
	Error      string     `json:"error,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`
	Attempts   int        `json:"attempts,omitempty"`
}

// GraphEdge describes one directed edge; Label carries the guard or route
// condition when one is declared textually.
type GraphEdge struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Label   string `json:"label,omitempty"`
	Guarded bool   `json:"guarded,omitempty"`
}

// Overlay marks live instance state on a described graph.
type Overlay struct {
	Current  map[string]bool
	Statuses map[string]StepExecution
}

// Describe renders the definition into its node/edge structure.
func Describe(d *Definition) Graph {
	return DescribeWithOverlay(d, Overlay{})
}

// DescribeWithOverlay renders the definition with instance state attached.
func DescribeWithOverlay(d *Definition, o Overlay) Graph {
	g := Graph{
		Name:    d.Name(),
		Version: d.Version(),
	}

	for _, id := range d.StepIDs() {
		s, _ := d.Step(id)
		g.Nodes = append(g.Nodes, describeStep(d, s, o, true))
	}

	routeLabels := gatewayRouteLabels(d)
	for _, e := range d.Edges() {
		ge := GraphEdge{From: e.From, To: e.To}
		switch {
		case e.GuardExpr != "":
			ge.Label = e.GuardExpr
			ge.Guarded = true
		case e.Guard != nil:
			ge.Guarded = true
		default:
			if label, ok := routeLabels[e.From+"\x00"+e.To]; ok {
				ge.Label = label
			}
		}
		g.Edges = append(g.Edges, ge)
	}
	return g
}

// OverlayFromInstance derives an overlay from a live instance: the latest
// execution per step plus the set of steps the instance is currently at
// (main line, waits and branch frames).
func OverlayFromInstance(inst *WorkflowInstance) Overlay {
	o := Overlay{
		Current:  make(map[string]bool),
		Statuses: make(map[string]StepExecution),
	}
	if inst == nil {
		return o
	}
	if inst.CurrentStepID != "" {
		o.Current[inst.CurrentStepID] = true
	}
	for _, w := range inst.Waits {
		o.Current[w.StepID] = true
	}
	for _, fr := range inst.Branches {
		if !fr.Status.Terminal() {
			o.Current[fr.StepID] = true
		}
	}
	if inst.Context != nil {
		for _, exec := range inst.Context.History() {
			o.Statuses[exec.StepID] = exec
		}
	}
	return o
}

func describeStep(d *Definition, s *Step, o Overlay, topLevel bool) Node {
	n := Node{
		ID:      s.ID,
		Label:   s.Description,
		Variant: s.Kind,
	}
	if n.Label == "" {
		n.Label = s.ID
	}
	if topLevel {
		n.Initial = d.InitialStep() == s.ID
		n.Terminal = d.IsTerminal(s.ID)
	}

	if exec, ok := o.Statuses[s.ID]; ok {
		ns := &NodeStatus{
			Status:   exec.Status,
			Error:    exec.Error,
			Attempts: exec.Attempts,
		}
		if !exec.EndedAt.IsZero() && exec.EndedAt.After(exec.StartedAt) {
			ns.DurationMs = exec.EndedAt.Sub(exec.StartedAt).Milliseconds()
		}
		ns.Current = o.Current[s.ID]
		n.Status = ns
	} else if o.Current[s.ID] {
		n.Status = &NodeStatus{Status: StepStatusWaiting, Current: true}
	}

	if s.Group != nil {
		for _, c := range s.Group.Children {
			n.Children = append(n.Children, describeStep(d, c, o, false))
		}
		if s.Group.Join != nil {
			n.Children = append(n.Children, describeStep(d, s.Group.Join, o, false))
		}
		for _, name := range sortedBranchNames(s.Group.Branches) {
			child := describeStep(d, s.Group.Branches[name], o, false)
			child.Label = name + ": " + child.Label
			n.Children = append(n.Children, child)
		}
	}
	return n
}

// gatewayRouteLabels maps gateway edges to their route condition text so the
// description can label them.
func gatewayRouteLabels(d *Definition) map[string]string {
	labels := make(map[string]string)
	for _, id := range d.StepIDs() {
		s, _ := d.Step(id)
		if s.Kind != StepKindGateway || s.Gateway == nil {
			continue
		}
		for _, r := range s.Gateway.Routes {
			if r.WhenExpr != "" {
				labels[id+"\x00"+r.To] = r.WhenExpr
			}
		}
		if s.Gateway.Default != "" {
			labels[id+"\x00"+s.Gateway.Default] = "default"
		}
	}
	return labels
}
