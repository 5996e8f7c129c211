package engine

import (
	"context"
	"time"

	"github.com/loomrun/loom/pkg/schema"
)

// resumeSignal is the internal form of an external release: which wait it
// targets, the payload to merge, and how settlement is recorded and
// announced.
type resumeSignal struct {
	stepID    string
	kind      schema.StepKind
	data      map[string]any
	output    any
	reject    bool
	reason    string
	fireEvent string
	fireData  map[string]any
}

// resume releases one wait of a waiting instance and drives the walk
// onward: merge the payload into context, settle the paused step, run its
// hook, then continue from where the step sits in the graph. Task
// completion, timer firing and callback delivery all come through here, so
// they share one contract: a signal that does not match an outstanding
// wait of a waiting instance is an INVALID_TRANSITION, whoever sends it.
func (e *Engine) resume(ctx context.Context, instanceID string, sig resumeSignal) (*schema.WorkflowInstance, error) {
	run, err := e.getRun(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	run.driveMu.Lock()
	defer run.driveMu.Unlock()

	run.stateMu.Lock()
	status := run.inst.Status
	wait, ok := run.inst.FindWait(sig.stepID)
	run.stateMu.Unlock()

	if status != schema.InstanceStatusWaiting {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"instance is %s, not waiting", status).WithInstance(instanceID).WithStep(sig.stepID)
	}
	if !ok || (sig.kind != "" && wait.Kind != sig.kind) {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"instance is not waiting on step %q", sig.stepID).WithInstance(instanceID).WithStep(sig.stepID)
	}

	path := run.def.PathTo(sig.stepID)
	if path == nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"waiting step %q missing from definition", sig.stepID).WithInstance(instanceID)
	}
	step := path[len(path)-1]

	e.dropWait(run, sig.stepID)
	if sig.fireEvent != "" {
		e.emit(ctx, instanceID, sig.fireEvent, sig.stepID, sig.fireData)
	}
	if err := e.setStatus(ctx, run, schema.InstanceStatusRunning, map[string]any{"step": sig.stepID}); err != nil {
		return nil, err
	}

	wc := run.inst.Context
	now := time.Now().UTC()

	if sig.reject {
		reason := sig.reason
		if reason == "" {
			reason = "rejected"
		}
		rerr := schema.NewError(schema.ErrCodeStepFailed, reason).WithStep(sig.stepID)
		e.failStep(ctx, run, step, wait.Since, 1, rerr)
		run.stateMu.Lock()
		run.inst.Error = rerr.Error()
		run.inst.FailedStepID = path[0].ID
		run.stateMu.Unlock()
		if err := e.setStatus(ctx, run, schema.InstanceStatusFailed, map[string]any{
			"error": rerr.Error(),
			"step":  path[0].ID,
		}); err != nil {
			return nil, err
		}
		return e.snapshot(run), nil
	}

	if len(sig.data) > 0 {
		wc.Merge(sig.data)
	}
	wc.Record(schema.StepExecution{
		StepID:    sig.stepID,
		Status:    schema.StepStatusSucceeded,
		StartedAt: wait.Since,
		EndedAt:   now,
		Output:    sig.output,
		Attempts:  1,
	})
	e.emit(ctx, instanceID, schema.EventStepCompleted, sig.stepID, nil)
	if step.OnSuccess != nil {
		step.OnSuccess(ctx, wc, sig.output)
	}
	e.checkpoint(ctx, run)

	err = e.drive(ctx, run, walkEntry{
		frameID: wait.FrameID,
		resume:  &resumePoint{leafID: sig.stepID, output: sig.output},
	})
	if err != nil {
		return nil, err
	}
	return e.snapshot(run), nil
}
