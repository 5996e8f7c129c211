package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomrun/loom/pkg/schema"
)

// executeGroup dispatches a composite step. Groups satisfy the same
// settlement contract as leaves: they succeed, fail, skip (via their own
// guard) or wait, and a waiting group carries the leaf waits upward.
func (e *Engine) executeGroup(ctx context.Context, run *instanceRun, s *schema.Step, input any, started time.Time) outcome {
	switch s.Kind {
	case schema.StepKindSequential:
		return e.runSequential(ctx, run, s, input, started)
	case schema.StepKindParallel:
		return e.runParallel(ctx, run, s, input, started)
	default:
		return e.runConditional(ctx, run, s, input, started)
	}
}

// runSequential threads each child's output into the next child. Skipped
// children are transparent: the threaded value passes through unchanged.
func (e *Engine) runSequential(ctx context.Context, run *instanceRun, s *schema.Step, input any, started time.Time) outcome {
	in := input
	for _, child := range s.Group.Children {
		if run.cancelled.Load() {
			return outcome{status: schema.StepStatusCancelled}
		}
		oc := e.executeStep(ctx, run, child, in)
		switch oc.status {
		case schema.StepStatusSkipped:
		case schema.StepStatusSucceeded:
			in = oc.output
		case schema.StepStatusWaiting:
			return e.parkGroup(ctx, run, s, started, oc.waits)
		case schema.StepStatusCancelled:
			return oc
		default:
			return e.failStep(ctx, run, s, started, 1, oc.err)
		}
	}
	return e.succeedStep(ctx, run, s, started, 1, in)
}

// runParallel fans every child out on its own goroutine and blocks until
// each has settled. Settlement is a barrier, not a race: a failing child
// does not cancel its siblings, and the group only resolves once no child
// is still running. A waiting child parks the whole group; child frames
// stay persisted so the join can happen after resume or restart.
func (e *Engine) runParallel(ctx context.Context, run *instanceRun, s *schema.Step, input any, started time.Time) outcome {
	children := s.Group.Children

	frames := make([]schema.BranchFrame, len(children))
	for i, child := range children {
		frames[i] = schema.BranchFrame{
			ID:     uuid.NewString(),
			StepID: child.ID,
			Parent: s.ID,
			Status: schema.StepStatusRunning,
		}
		e.addFrame(run, frames[i])
		e.emit(ctx, run.inst.ID, schema.EventBranchStarted, child.ID, map[string]any{"group": s.ID})
	}
	e.checkpoint(ctx, run)

	results := make([]outcome, len(children))
	var wg sync.WaitGroup
	for i, child := range children {
		wg.Add(1)
		go func(i int, child *schema.Step) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i] = outcome{
						status: schema.StepStatusFailed,
						err:    schema.NewErrorf(schema.ErrCodeExecution, "branch panic: %v", r).WithStep(child.ID),
					}
				}
			}()
			results[i] = e.executeStep(ctx, run, child, input)
		}(i, child)
	}
	wg.Wait()

	var waits []schema.Wait
	var firstErr error
	for i := range results {
		st := results[i].status
		err := results[i].err
		e.setFrame(run, frames[i].ID, func(fr *schema.BranchFrame) {
			fr.Status = st
			if err != nil {
				fr.Error = err.Error()
			}
		})
		switch st {
		case schema.StepStatusWaiting:
			waits = append(waits, results[i].waits...)
		case schema.StepStatusFailed:
			if firstErr == nil {
				firstErr = err
			}
		}
		if st.Terminal() {
			e.emit(ctx, run.inst.ID, schema.EventBranchCompleted, children[i].ID,
				map[string]any{"group": s.ID, "status": string(st)})
		}
	}

	if run.cancelled.Load() {
		return outcome{status: schema.StepStatusCancelled}
	}
	if len(waits) > 0 {
		return e.parkGroup(ctx, run, s, started, waits)
	}

	e.dropFramesUnder(run, s.ID)
	if firstErr != nil {
		return e.failStep(ctx, run, s, started, 1, firstErr)
	}
	return e.finishParallel(ctx, run, s, started, joinInput(children, results))
}

// finishParallel resolves a fully settled parallel group: runs the join
// chord with the collected child outputs, or finishes with the output map
// when no join is declared.
func (e *Engine) finishParallel(ctx context.Context, run *instanceRun, s *schema.Step, started time.Time, outputs map[string]any) outcome {
	if s.Group.Join == nil {
		return e.succeedStep(ctx, run, s, started, 1, outputs)
	}

	joc := e.executeStep(ctx, run, s.Group.Join, outputs)
	switch joc.status {
	case schema.StepStatusWaiting:
		return e.parkGroup(ctx, run, s, started, joc.waits)
	case schema.StepStatusFailed:
		return e.failStep(ctx, run, s, started, 1, joc.err)
	case schema.StepStatusCancelled:
		return joc
	case schema.StepStatusSkipped:
		return e.succeedStep(ctx, run, s, started, 1, outputs)
	default:
		e.emit(ctx, run.inst.ID, schema.EventJoinCompleted, s.ID, nil)
		return e.succeedStep(ctx, run, s, started, 1, joc.output)
	}
}

// runConditional evaluates the selector once, then runs exactly the chosen
// branch. An unmatched result falls back to the declared default; with no
// default it is a failure.
func (e *Engine) runConditional(ctx context.Context, run *instanceRun, s *schema.Step, input any, started time.Time) outcome {
	name, err := s.Group.Selector(ctx, run.inst.Context)
	if err != nil {
		return e.failStep(ctx, run, s, started, 1, stepError(s.ID, err))
	}
	branch, ok := s.Group.Branches[name]
	if !ok && s.Group.Default != "" {
		name = s.Group.Default
		branch, ok = s.Group.Branches[name]
	}
	if !ok {
		err := schema.NewErrorf(schema.ErrCodeExecution, "selector chose undeclared branch %q", name).WithStep(s.ID)
		return e.failStep(ctx, run, s, started, 1, err)
	}
	e.emit(ctx, run.inst.ID, schema.EventBranchStarted, s.ID, map[string]any{"branch": name})

	oc := e.executeStep(ctx, run, branch, input)
	switch oc.status {
	case schema.StepStatusWaiting:
		return e.parkGroup(ctx, run, s, started, oc.waits)
	case schema.StepStatusFailed:
		return e.failStep(ctx, run, s, started, 1, oc.err)
	case schema.StepStatusCancelled:
		return oc
	default:
		return e.succeedStep(ctx, run, s, started, 1, oc.output)
	}
}

// parkGroup records a group-level waiting entry and hands the leaf waits to
// the walk for registration.
func (e *Engine) parkGroup(ctx context.Context, run *instanceRun, s *schema.Step, started time.Time, waits []schema.Wait) outcome {
	run.inst.Context.Record(schema.StepExecution{
		StepID:    s.ID,
		Status:    schema.StepStatusWaiting,
		StartedAt: started,
		EndedAt:   time.Now().UTC(),
		Attempts:  1,
	})
	e.checkpoint(ctx, run)
	return outcome{status: schema.StepStatusWaiting, waits: waits}
}

// joinInput collects the successful child outputs keyed by child id.
func joinInput(children []*schema.Step, results []outcome) map[string]any {
	out := make(map[string]any, len(children))
	for i, c := range children {
		if results[i].status == schema.StepStatusSucceeded {
			out[c.ID] = results[i].output
		}
	}
	return out
}

// outputsFromHistory rebuilds the join input from the latest execution
// records, for joins that happen on a later drive than their children.
func outputsFromHistory(wc *schema.WorkflowContext, children []*schema.Step) map[string]any {
	out := make(map[string]any, len(children))
	for _, c := range children {
		if exec, ok := wc.LastExecution(c.ID); ok && exec.Status == schema.StepStatusSucceeded {
			out[c.ID] = exec.Output
		}
	}
	return out
}

// continuation is the result of resuming a leaf inside nested groups: how
// far settlement propagated and what the walk should do next.
type continuation struct {
	topID  string
	output any
	status schema.StepStatus
	waits  []schema.Wait
	err    error
}

// continueAfterLeaf propagates a resumed leaf's settlement up its
// containment chain. Each ancestor group decides whether it is now
// complete, still waiting, newly waiting, or failed; position comes from
// the definition, frames and history, never from a parked goroutine.
func (e *Engine) continueAfterLeaf(ctx context.Context, run *instanceRun, leafID string, output any) continuation {
	path := run.def.PathTo(leafID)
	if path == nil {
		return continuation{
			topID:  leafID,
			status: schema.StepStatusFailed,
			err:    schema.NewErrorf(schema.ErrCodeNotFound, "unknown step %q", leafID),
		}
	}
	topID := path[0].ID
	out := output

	for i := len(path) - 2; i >= 0; i-- {
		g := path[i]
		child := path[i+1]
		started := time.Now().UTC()

		switch g.Kind {
		case schema.StepKindSequential:
			oc := e.resumeSequentialAfter(ctx, run, g, child.ID, out)
			switch oc.status {
			case schema.StepStatusWaiting:
				e.parkGroup(ctx, run, g, started, oc.waits)
				return continuation{topID: topID, status: schema.StepStatusWaiting, waits: oc.waits}
			case schema.StepStatusFailed:
				e.failStep(ctx, run, g, started, 1, oc.err)
				return continuation{topID: topID, status: schema.StepStatusFailed, err: oc.err}
			case schema.StepStatusCancelled:
				return continuation{topID: topID, status: schema.StepStatusCancelled}
			default:
				e.succeedStep(ctx, run, g, started, 1, oc.output)
				out = oc.output
			}

		case schema.StepKindConditional:
			e.succeedStep(ctx, run, g, started, 1, out)

		case schema.StepKindParallel:
			cont, settled := e.continueParallel(ctx, run, g, child, out, started)
			if !settled {
				cont.topID = topID
				return cont
			}
			out = cont.output

		default:
			err := schema.NewErrorf(schema.ErrCodeExecution,
				"step %q resumed under non-group ancestor %q", leafID, g.ID).WithStep(g.ID)
			return continuation{topID: topID, status: schema.StepStatusFailed, err: err}
		}
	}
	return continuation{topID: topID, output: out, status: schema.StepStatusSucceeded}
}

// continueParallel settles one child subtree of a parallel group and joins
// the group once every sibling frame is terminal. The bool reports whether
// the group completed and the chain should keep climbing.
func (e *Engine) continueParallel(ctx context.Context, run *instanceRun, g, child *schema.Step, out any, started time.Time) (continuation, bool) {
	if g.Group.Join != nil && child.ID == g.Group.Join.ID {
		e.emit(ctx, run.inst.ID, schema.EventJoinCompleted, g.ID, nil)
		e.succeedStep(ctx, run, g, started, 1, out)
		return continuation{output: out, status: schema.StepStatusSucceeded}, true
	}

	if frameID, ok := e.frameIDFor(run, g.ID, child.ID); ok {
		e.setFrame(run, frameID, func(fr *schema.BranchFrame) {
			fr.Status = schema.StepStatusSucceeded
			fr.Error = ""
		})
	}
	e.emit(ctx, run.inst.ID, schema.EventBranchCompleted, child.ID,
		map[string]any{"group": g.ID, "status": string(schema.StepStatusSucceeded)})

	frames := e.framesUnder(run, g.ID)
	var firstErr error
	for _, fr := range frames {
		if !fr.Status.Terminal() {
			// Siblings still outstanding; their waits remain registered.
			return continuation{status: schema.StepStatusWaiting}, false
		}
		if fr.Status == schema.StepStatusFailed && firstErr == nil {
			firstErr = schema.NewErrorf(schema.ErrCodeExecution, "branch %q failed: %s", fr.StepID, fr.Error).WithStep(fr.StepID)
		}
	}

	e.dropFramesUnder(run, g.ID)
	if firstErr != nil {
		e.failStep(ctx, run, g, started, 1, firstErr)
		return continuation{status: schema.StepStatusFailed, err: firstErr}, false
	}

	outputs := outputsFromHistory(run.inst.Context, g.Group.Children)
	oc := e.finishParallel(ctx, run, g, started, outputs)
	switch oc.status {
	case schema.StepStatusWaiting:
		return continuation{status: schema.StepStatusWaiting, waits: oc.waits}, false
	case schema.StepStatusFailed:
		return continuation{status: schema.StepStatusFailed, err: oc.err}, false
	case schema.StepStatusCancelled:
		return continuation{status: schema.StepStatusCancelled}, false
	default:
		return continuation{output: oc.output, status: schema.StepStatusSucceeded}, true
	}
}

// resumeSequentialAfter runs the children of a sequential group that follow
// the just-settled child, threading its output onward.
func (e *Engine) resumeSequentialAfter(ctx context.Context, run *instanceRun, g *schema.Step, afterID string, out any) outcome {
	idx := -1
	for i, c := range g.Group.Children {
		if c.ID == afterID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return outcome{
			status: schema.StepStatusFailed,
			err:    schema.NewErrorf(schema.ErrCodeExecution, "step %q is not a child of group %q", afterID, g.ID).WithStep(g.ID),
		}
	}

	in := out
	for _, child := range g.Group.Children[idx+1:] {
		if run.cancelled.Load() {
			return outcome{status: schema.StepStatusCancelled}
		}
		oc := e.executeStep(ctx, run, child, in)
		switch oc.status {
		case schema.StepStatusSkipped:
		case schema.StepStatusSucceeded:
			in = oc.output
		default:
			return oc
		}
	}
	return outcome{status: schema.StepStatusSucceeded, output: in}
}

// frameIDFor finds the frame of a group child by its step id.
func (e *Engine) frameIDFor(run *instanceRun, parent, stepID string) (string, bool) {
	run.stateMu.Lock()
	defer run.stateMu.Unlock()
	for _, fr := range run.inst.Branches {
		if fr.Parent == parent && fr.StepID == stepID {
			return fr.ID, true
		}
	}
	return "", false
}

// framesUnder snapshots the frames parented by a step.
func (e *Engine) framesUnder(run *instanceRun, parent string) []schema.BranchFrame {
	run.stateMu.Lock()
	defer run.stateMu.Unlock()
	return run.inst.FramesUnder(parent)
}
