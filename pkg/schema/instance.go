package schema

import "time"

// Wait records one outstanding suspension point of an instance: the step that
// paused, what kind of signal releases it, and the correlation material the
// resume path needs (task id, timer due time, callback token). Waits are the
// persisted form of a pause; resumption is reconstructed from them, never
// from a parked goroutine.
type Wait struct {
	StepID  string    `json:"step_id"`
	FrameID string    `json:"frame_id,omitempty"`
	Kind    StepKind  `json:"kind"`
	TaskID  string    `json:"task_id,omitempty"`
	DueAt   time.Time `json:"due_at,omitempty"`
	Token   string    `json:"token,omitempty"`
	Since   time.Time `json:"since"`
}

// BranchFrame is the materialized state of one concurrent branch: either a
// walk branch spawned by an edge fan-out, or one child of a parallel group.
// Frames outlive the goroutines that execute them so a waiting branch can
// resume after a process restart. Parent is the id of the spawning step
// (the fan-out source or the parallel group); empty for the main line.
type BranchFrame struct {
	ID     string     `json:"id"`
	StepID string     `json:"step_id"`
	Parent string     `json:"parent,omitempty"`
	Status StepStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// FramesUnder returns the frames whose Parent is the given step id.
func (w *WorkflowInstance) FramesUnder(parent string) []BranchFrame {
	var out []BranchFrame
	for _, fr := range w.Branches {
		if fr.Parent == parent {
			out = append(out, fr)
		}
	}
	return out
}

// WorkflowInstance is one execution of a definition. It pins the definition
// (name, version) at start; later registrations never affect it. All
// mutation goes through the engine.
type WorkflowInstance struct {
	ID                string         `json:"id"`
	DefinitionName    string         `json:"definition_name"`
	DefinitionVersion string         `json:"definition_version"`
	Status            InstanceStatus `json:"status"`
	// CurrentStepID is the step the main line is at; empty once the
	// instance reaches a terminal status.
	CurrentStepID string           `json:"current_step_id,omitempty"`
	Context       *WorkflowContext `json:"context"`
	// Error and FailedStepID are set when the instance fails; FailedStepID
	// is the default retry target.
	Error        string        `json:"error,omitempty"`
	FailedStepID string        `json:"failed_step_id,omitempty"`
	CancelReason string        `json:"cancel_reason,omitempty"`
	Waits        []Wait        `json:"waits,omitempty"`
	Branches     []BranchFrame `json:"branches,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Terminal reports whether the instance reached a final status.
func (w *WorkflowInstance) Terminal() bool {
	return w.Status.Terminal()
}

// FindWait returns the outstanding wait for stepID.
func (w *WorkflowInstance) FindWait(stepID string) (Wait, bool) {
	for _, wt := range w.Waits {
		if wt.StepID == stepID {
			return wt, true
		}
	}
	return Wait{}, false
}

// WaitByToken returns the outstanding callback wait matching token.
func (w *WorkflowInstance) WaitByToken(token string) (Wait, bool) {
	for _, wt := range w.Waits {
		if wt.Kind == StepKindCallback && wt.Token == token {
			return wt, true
		}
	}
	return Wait{}, false
}

// Frame returns the branch frame with the given id.
func (w *WorkflowInstance) Frame(frameID string) (BranchFrame, bool) {
	for _, fr := range w.Branches {
		if fr.ID == frameID {
			return fr, true
		}
	}
	return BranchFrame{}, false
}

// Clone returns a persistence snapshot of the instance. The context is
// cloned; scalar fields are copied.
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	out := *w
	if w.Context != nil {
		out.Context = w.Context.Clone()
	}
	out.Waits = make([]Wait, len(w.Waits))
	copy(out.Waits, w.Waits)
	out.Branches = make([]BranchFrame, len(w.Branches))
	copy(out.Branches, w.Branches)
	return &out
}
