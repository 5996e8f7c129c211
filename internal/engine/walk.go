package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/loomrun/loom/pkg/schema"
)

// walkEntry describes where a drive enters the graph: a fresh step for a
// new or retried instance, or a just-settled leaf whose walk continues.
type walkEntry struct {
	stepID  string
	frameID string
	resume  *resumePoint
}

type resumePoint struct {
	leafID string
	output any
}

// walkPos is one position of a walk branch: a step still to execute, or an
// already settled step whose outgoing edges come next.
type walkPos struct {
	stepID  string
	input   any
	settled bool
	output  any
}

// driver owns one drive of one instance: the branch goroutines, the step
// limit shared across branches, and the first failure.
type driver struct {
	e   *Engine
	run *instanceRun

	wg        sync.WaitGroup
	remaining atomic.Int64

	mu         sync.Mutex
	failure    error
	failedStep string
}

// fail records the first branch failure; later ones lose the race and keep
// the original as the instance error.
func (d *driver) fail(topID string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failure == nil {
		d.failure = err
		d.failedStep = topID
	}
}

func (d *driver) firstFailure() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failedStep, d.failure
}

func (d *driver) take() bool {
	return d.remaining.Add(-1) >= 0
}

// drive advances an instance until every branch has settled, then resolves
// the instance status. Caller holds driveMu; the instance status is
// running on entry.
func (e *Engine) drive(ctx context.Context, run *instanceRun, entry walkEntry) error {
	dctx, cancelDrive := context.WithCancel(ctx)
	defer cancelDrive()
	run.stateMu.Lock()
	run.cancelDrive = cancelDrive
	run.stateMu.Unlock()
	defer func() {
		run.stateMu.Lock()
		run.cancelDrive = nil
		run.stateMu.Unlock()
	}()
	if run.cancelled.Load() {
		cancelDrive()
	}

	d := &driver{e: e, run: run}
	d.remaining.Store(int64(e.maxWalk))

	if entry.resume != nil {
		cont := e.continueAfterLeaf(dctx, run, entry.resume.leafID, entry.resume.output)
		switch cont.status {
		case schema.StepStatusSucceeded:
			d.walk(dctx, entry.frameID, walkPos{stepID: cont.topID, settled: true, output: cont.output})
		case schema.StepStatusWaiting:
			if len(cont.waits) > 0 {
				e.park(run, entry.frameID, cont.waits)
				e.checkpoint(dctx, run)
			}
			e.settleFrame(run, entry.frameID, schema.StepStatusWaiting, nil)
		case schema.StepStatusFailed:
			d.fail(cont.topID, cont.err)
			e.settleFrame(run, entry.frameID, schema.StepStatusFailed, cont.err)
		}
	} else {
		d.walk(dctx, entry.frameID, walkPos{stepID: entry.stepID})
	}

	d.wg.Wait()
	return e.settle(ctx, run, d)
}

// walk runs one branch of the graph: execute the step at pos, pick the
// guard-eligible outgoing edges, and either loop, end, or fork. The walk
// ends where no edge is eligible; declared terminals are documentation,
// not brakes, so loop-back edges keep walking.
func (d *driver) walk(ctx context.Context, frameID string, pos walkPos) {
	e, run := d.e, d.run
	for {
		if run.cancelled.Load() {
			e.settleFrame(run, frameID, schema.StepStatusCancelled, nil)
			return
		}

		step, ok := run.def.Step(pos.stepID)
		if !ok {
			err := schema.NewErrorf(schema.ErrCodeNotFound, "unknown step %q", pos.stepID).WithInstance(run.inst.ID)
			d.fail(pos.stepID, err)
			e.settleFrame(run, frameID, schema.StepStatusFailed, err)
			return
		}

		if !pos.settled {
			if !d.take() {
				err := schema.NewErrorf(schema.ErrCodeExecution,
					"walk exceeded %d steps without settling; the graph may cycle without an exit", e.maxWalk).
					WithInstance(run.inst.ID).WithStep(step.ID)
				d.fail(step.ID, err)
				e.settleFrame(run, frameID, schema.StepStatusFailed, err)
				return
			}
			e.position(run, frameID, step.ID)

			oc := e.executeStep(ctx, run, step, pos.input)
			switch oc.status {
			case schema.StepStatusWaiting:
				e.park(run, frameID, oc.waits)
				e.settleFrame(run, frameID, schema.StepStatusWaiting, nil)
				e.checkpoint(ctx, run)
				return
			case schema.StepStatusFailed:
				d.fail(step.ID, oc.err)
				e.settleFrame(run, frameID, schema.StepStatusFailed, oc.err)
				return
			case schema.StepStatusCancelled:
				e.settleFrame(run, frameID, schema.StepStatusCancelled, nil)
				return
			}
		}

		next, err := run.def.NextSteps(ctx, pos.stepID, run.inst.Context)
		if err != nil {
			d.fail(pos.stepID, err)
			e.settleFrame(run, frameID, schema.StepStatusFailed, err)
			return
		}

		switch len(next) {
		case 0:
			e.settleFrame(run, frameID, schema.StepStatusSucceeded, nil)
			return
		case 1:
			pos = walkPos{stepID: next[0]}
		default:
			// Fan out: this branch ends and one goroutine per target takes
			// over, all under the same driver barrier.
			e.settleFrame(run, frameID, schema.StepStatusSucceeded, nil)
			from := pos.stepID
			for _, target := range next {
				fr := schema.BranchFrame{
					ID:     uuid.NewString(),
					StepID: target,
					Parent: from,
					Status: schema.StepStatusRunning,
				}
				e.addFrame(run, fr)
				e.emit(ctx, run.inst.ID, schema.EventBranchStarted, target, map[string]any{"from": from})
				d.wg.Add(1)
				go func(frameID, target string) {
					defer d.wg.Done()
					defer func() {
						if r := recover(); r != nil {
							err := schema.NewErrorf(schema.ErrCodeExecution, "branch panic: %v", r).
								WithInstance(run.inst.ID).WithStep(target)
							d.fail(target, err)
							e.settleFrame(run, frameID, schema.StepStatusFailed, err)
						}
					}()
					d.walk(ctx, frameID, walkPos{stepID: target})
				}(fr.ID, target)
			}
			e.checkpoint(ctx, run)
			return
		}
	}
}

// settle resolves the instance status once every branch of a drive has
// parked or finished: cancellation wins, then failure, then outstanding
// waits, then completion.
func (e *Engine) settle(ctx context.Context, run *instanceRun, d *driver) error {
	if run.cancelled.Load() {
		if e.statusOf(run).Terminal() {
			return nil
		}
		return e.finalizeCancel(ctx, run)
	}

	if failedStep, failure := d.firstFailure(); failure != nil {
		run.stateMu.Lock()
		run.inst.Error = failure.Error()
		run.inst.FailedStepID = failedStep
		run.stateMu.Unlock()
		return e.setStatus(ctx, run, schema.InstanceStatusFailed, map[string]any{
			"error": failure.Error(),
			"step":  failedStep,
		})
	}

	e.pruneFrames(run)

	run.stateMu.Lock()
	waits := make([]string, 0, len(run.inst.Waits))
	for _, w := range run.inst.Waits {
		waits = append(waits, w.StepID)
	}
	if len(waits) > 0 {
		run.inst.CurrentStepID = waits[0]
	} else {
		run.inst.Branches = nil
	}
	run.stateMu.Unlock()

	if len(waits) > 0 {
		return e.setStatus(ctx, run, schema.InstanceStatusWaiting, map[string]any{"waits": waits})
	}
	return e.setStatus(ctx, run, schema.InstanceStatusCompleted, nil)
}

// position records where a branch currently is: the main line moves
// CurrentStepID, forked branches move their frame.
func (e *Engine) position(run *instanceRun, frameID, stepID string) {
	run.stateMu.Lock()
	defer run.stateMu.Unlock()
	if frameID == "" {
		run.inst.CurrentStepID = stepID
		return
	}
	for i := range run.inst.Branches {
		if run.inst.Branches[i].ID == frameID {
			run.inst.Branches[i].StepID = stepID
			return
		}
	}
}

// settleFrame stamps a branch frame with its settlement. The main line has
// no frame.
func (e *Engine) settleFrame(run *instanceRun, frameID string, st schema.StepStatus, err error) {
	if frameID == "" {
		return
	}
	e.setFrame(run, frameID, func(fr *schema.BranchFrame) {
		fr.Status = st
		if err != nil {
			fr.Error = err.Error()
		}
	})
}

// pruneFrames drops settled fan-out frames. Parallel group child frames
// survive until their group joins; everything else is only interesting
// while it runs.
func (e *Engine) pruneFrames(run *instanceRun) {
	run.stateMu.Lock()
	defer run.stateMu.Unlock()
	kept := run.inst.Branches[:0]
	for _, fr := range run.inst.Branches {
		if !fr.Status.Terminal() {
			kept = append(kept, fr)
			continue
		}
		if path := run.def.PathTo(fr.Parent); path != nil && path[len(path)-1].Kind == schema.StepKindParallel {
			kept = append(kept, fr)
		}
	}
	run.inst.Branches = kept
}

func (e *Engine) statusOf(run *instanceRun) schema.InstanceStatus {
	run.stateMu.Lock()
	defer run.stateMu.Unlock()
	return run.inst.Status
}
