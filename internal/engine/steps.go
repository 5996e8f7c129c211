package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomrun/loom/internal/expressions"
	"github.com/loomrun/loom/internal/store"
	"github.com/loomrun/loom/pkg/schema"
)

// outcome is the settlement of one step attempt within a walk. Waiting
// outcomes carry the suspension points to register; a parallel group can
// carry several.
type outcome struct {
	status schema.StepStatus
	output any
	err    error
	waits  []schema.Wait
}

// executeStep runs one step to settlement: guard, then the variant's work,
// then hooks and history. Pausing variants settle as waiting; the walk
// registers their waits and parks. Group kinds recurse.
func (e *Engine) executeStep(ctx context.Context, run *instanceRun, s *schema.Step, input any) outcome {
	wc := run.inst.Context
	started := time.Now().UTC()

	if s.Guard != nil {
		pass, err := s.Guard(ctx, wc)
		if err != nil {
			guardErr := schema.NewErrorf(schema.ErrCodeExpression, "guard: %v", err).WithStep(s.ID).WithCause(err)
			return e.failStep(ctx, run, s, started, 1, guardErr)
		}
		if !pass {
			wc.Record(schema.StepExecution{
				StepID:    s.ID,
				Status:    schema.StepStatusSkipped,
				StartedAt: started,
				EndedAt:   time.Now().UTC(),
				Attempts:  1,
			})
			e.emit(ctx, run.inst.ID, schema.EventStepSkipped, s.ID, nil)
			e.checkpoint(ctx, run)
			return outcome{status: schema.StepStatusSkipped}
		}
	}

	e.emit(ctx, run.inst.ID, schema.EventStepStarted, s.ID, nil)

	switch s.Kind {
	case schema.StepKindAutomated:
		return e.runAutomated(ctx, run, s, input, started)
	case schema.StepKindHuman:
		return e.pauseForTask(ctx, run, s, started)
	case schema.StepKindGateway:
		// Gateways do no work of their own; their routing is evaluated at
		// edge selection, after this settles.
		return e.succeedStep(ctx, run, s, started, 1, nil)
	case schema.StepKindTimer:
		return e.pauseForTimer(ctx, run, s, started)
	case schema.StepKindCallback:
		return e.pauseForCallback(ctx, run, s, started)
	case schema.StepKindSequential, schema.StepKindParallel, schema.StepKindConditional:
		return e.executeGroup(ctx, run, s, input, started)
	default:
		err := schema.NewErrorf(schema.ErrCodeExecution, "unhandled step kind %q", s.Kind).WithStep(s.ID)
		return e.failStep(ctx, run, s, started, 1, err)
	}
}

// runAutomated invokes the step handler, retrying per policy while the
// failure looks transient.
func (e *Engine) runAutomated(ctx context.Context, run *instanceRun, s *schema.Step, input any, started time.Time) outcome {
	cfg := s.Automated
	attempts := cfg.Retry.Attempts()

	var out any
	var err error
	attempt := 1
	for ; attempt <= attempts; attempt++ {
		out, err = invokeHandler(ctx, cfg.Handler, run.inst.Context, input)
		if err == nil {
			return e.succeedStep(ctx, run, s, started, attempt, out)
		}
		if attempt == attempts || !IsRetryable(err) {
			break
		}
		delay := ComputeBackoff(cfg.Retry, attempt-1)
		e.log.Debug("retrying step",
			"instance_id", run.inst.ID, "step_id", s.ID,
			"attempt", attempt, "delay", delay, "error", err)
		if werr := WaitForBackoff(ctx, delay); werr != nil {
			err = werr
			break
		}
	}
	return e.failStep(ctx, run, s, started, attempt, stepError(s.ID, err))
}

// invokeHandler calls a step handler, converting panics into failures so a
// misbehaving handler fails its step instead of the process.
func invokeHandler(ctx context.Context, h schema.Handler, wc *schema.WorkflowContext, input any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution, "handler panic: %v", r)
		}
	}()
	return h(ctx, wc, input)
}

// pauseForTask opens a human task and settles the step as waiting. The walk
// parks on the returned wait; CompleteTask releases it.
func (e *Engine) pauseForTask(ctx context.Context, run *instanceRun, s *schema.Step, started time.Time) outcome {
	wc := run.inst.Context
	h := s.Human

	title, err := e.resolveText(run, h.Title)
	if err != nil {
		return e.failStep(ctx, run, s, started, 1, stepError(s.ID, err))
	}
	assignee, err := e.resolveText(run, h.Assignee)
	if err != nil {
		return e.failStep(ctx, run, s, started, 1, stepError(s.ID, err))
	}

	desc := schema.TaskDescriptor{
		ID:          uuid.NewString(),
		InstanceID:  run.inst.ID,
		StepID:      s.ID,
		Title:       title,
		InputSchema: h.InputSchema,
		Assignee:    assignee,
		CreatedAt:   started,
	}
	if h.DueIn > 0 {
		desc.DueAt = started.Add(h.DueIn)
	}
	if e.store != nil {
		if err := e.store.SaveTask(context.WithoutCancel(ctx), store.NewTaskRecord(desc)); err != nil {
			return e.failStep(ctx, run, s, started, 1, stepError(s.ID, err))
		}
	}

	wc.Record(schema.StepExecution{
		StepID:    s.ID,
		Status:    schema.StepStatusWaiting,
		StartedAt: started,
		EndedAt:   time.Now().UTC(),
		Attempts:  1,
	})
	e.emit(ctx, run.inst.ID, schema.EventTaskCreated, s.ID, map[string]any{
		"task_id":  desc.ID,
		"title":    desc.Title,
		"assignee": desc.Assignee,
	})
	return outcome{status: schema.StepStatusWaiting, waits: []schema.Wait{{
		StepID: s.ID,
		Kind:   schema.StepKindHuman,
		TaskID: desc.ID,
		Since:  started,
	}}}
}

// pauseForTimer computes the delay and settles the step as waiting with a
// due time. The engine arms an in-process timer when waits are registered;
// the scheduler sweep covers restarts.
func (e *Engine) pauseForTimer(ctx context.Context, run *instanceRun, s *schema.Step, started time.Time) outcome {
	wc := run.inst.Context

	delay := s.Timer.Duration
	if s.Timer.Delay != nil {
		d, err := s.Timer.Delay(ctx, wc)
		if err != nil {
			return e.failStep(ctx, run, s, started, 1, stepError(s.ID, err))
		}
		delay = d
	}
	if delay < 0 {
		delay = 0
	}
	dueAt := started.Add(delay)

	wc.Record(schema.StepExecution{
		StepID:    s.ID,
		Status:    schema.StepStatusWaiting,
		StartedAt: started,
		EndedAt:   time.Now().UTC(),
		Attempts:  1,
	})
	e.emit(ctx, run.inst.ID, schema.EventTimerScheduled, s.ID, map[string]any{
		"due_at": dueAt.Format(time.RFC3339Nano),
	})
	return outcome{status: schema.StepStatusWaiting, waits: []schema.Wait{{
		StepID: s.ID,
		Kind:   schema.StepKindTimer,
		DueAt:  dueAt,
		Since:  started,
	}}}
}

// pauseForCallback derives the correlation token and settles the step as
// waiting until SignalCallback delivers a matching signal.
func (e *Engine) pauseForCallback(ctx context.Context, run *instanceRun, s *schema.Step, started time.Time) outcome {
	wc := run.inst.Context

	token, err := s.Callback.TokenFunc(ctx, wc)
	if err != nil {
		return e.failStep(ctx, run, s, started, 1, stepError(s.ID, err))
	}
	if token == "" {
		err := schema.NewError(schema.ErrCodeExecution, "callback token resolved empty").WithStep(s.ID)
		return e.failStep(ctx, run, s, started, 1, err)
	}

	wc.Record(schema.StepExecution{
		StepID:    s.ID,
		Status:    schema.StepStatusWaiting,
		StartedAt: started,
		EndedAt:   time.Now().UTC(),
		Attempts:  1,
	})
	e.emit(ctx, run.inst.ID, schema.EventCallbackRegistered, s.ID, map[string]any{
		"token": token,
	})
	return outcome{status: schema.StepStatusWaiting, waits: []schema.Wait{{
		StepID: s.ID,
		Kind:   schema.StepKindCallback,
		Token:  token,
		Since:  started,
	}}}
}

// succeedStep records the success, emits its event and runs the success
// hook.
func (e *Engine) succeedStep(ctx context.Context, run *instanceRun, s *schema.Step, started time.Time, attempts int, output any) outcome {
	wc := run.inst.Context
	wc.Record(schema.StepExecution{
		StepID:    s.ID,
		Status:    schema.StepStatusSucceeded,
		StartedAt: started,
		EndedAt:   time.Now().UTC(),
		Output:    output,
		Attempts:  attempts,
	})
	data := map[string]any(nil)
	if attempts > 1 {
		data = map[string]any{"attempts": attempts}
	}
	e.emit(ctx, run.inst.ID, schema.EventStepCompleted, s.ID, data)
	if s.OnSuccess != nil {
		s.OnSuccess(ctx, wc, output)
	}
	e.checkpoint(ctx, run)
	return outcome{status: schema.StepStatusSucceeded, output: output}
}

// failStep runs the failure hook, records the failure and emits its event.
func (e *Engine) failStep(ctx context.Context, run *instanceRun, s *schema.Step, started time.Time, attempts int, err error) outcome {
	wc := run.inst.Context
	if s.OnFailure != nil {
		s.OnFailure(ctx, wc, err)
	}
	wc.Record(schema.StepExecution{
		StepID:    s.ID,
		Status:    schema.StepStatusFailed,
		StartedAt: started,
		EndedAt:   time.Now().UTC(),
		Error:     err.Error(),
		Attempts:  attempts,
	})
	e.emit(ctx, run.inst.ID, schema.EventStepFailed, s.ID, map[string]any{"error": err.Error()})
	e.checkpoint(ctx, run)
	return outcome{status: schema.StepStatusFailed, err: err}
}

// resolveText interpolates ${{...}} placeholders in task text fields
// against the live context.
func (e *Engine) resolveText(run *instanceRun, text string) (string, error) {
	if !expressions.HasInterpolation(text) {
		return text, nil
	}
	run.stateMu.Lock()
	inst := run.inst
	scope := expressions.BuildScope(inst.Context, inst)
	run.stateMu.Unlock()

	v, err := expressions.ResolveString(text, scope)
	if err != nil {
		return "", err
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return fmt.Sprintf("%v", v), nil
}

// stepError normalizes a failure to a structured error tagged with the
// step.
func stepError(stepID string, err error) error {
	var le *schema.LoomError
	if errors.As(err, &le) {
		if le.StepID == "" {
			return le.WithStep(stepID)
		}
		return le
	}
	return schema.NewErrorf(schema.ErrCodeExecution, "%v", err).WithStep(stepID).WithCause(err)
}

// checkpoint refreshes UpdatedAt and persists the snapshot. Mid-walk
// persistence trouble is logged and the walk continues; the settle persist
// is the authoritative one.
func (e *Engine) checkpoint(ctx context.Context, run *instanceRun) {
	run.stateMu.Lock()
	run.inst.UpdatedAt = time.Now().UTC()
	run.stateMu.Unlock()
	if err := e.persist(ctx, run); err != nil {
		e.log.Error("checkpoint instance", "instance_id", run.inst.ID, "error", err)
	}
}
