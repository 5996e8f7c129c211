// Package engine drives workflow instances through their definition graphs:
// executing steps, suspending on human tasks, timers and callbacks, and
// resuming from persisted state when the matching signal arrives. One engine
// serves many definitions and many instances; each instance has at most one
// active driver at a time.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loomrun/loom/internal/store"
	"github.com/loomrun/loom/pkg/schema"
)

// DefinitionResolver pins instances to immutable definitions. The registry
// satisfies it.
type DefinitionResolver interface {
	// Resolve returns the definition for name. An empty version selects the
	// highest active version; otherwise the match is exact.
	Resolve(name, version string) (*schema.Definition, error)
}

// EventSink receives engine events. Delivery is best-effort and must never
// block: a slow sink loses events, it does not stall instances.
type EventSink interface {
	Publish(e schema.Event)
}

// TaskInputValidator checks human task payloads against the step's declared
// input schema. validation.JSONSchemaValidator satisfies it.
type TaskInputValidator interface {
	ValidateInput(input, inputSchema map[string]any) error
}

// Defaults for Options.
const (
	DefaultPoolSize     = 8
	DefaultMaxWalkSteps = 10000
)

// Options configures an Engine. Everything is optional: without a Store the
// engine runs purely in memory, without an EventSink events only go to the
// persisted log, and without a validator human task payloads are accepted
// as-is.
type Options struct {
	Store     store.Store
	Events    EventSink
	Validator TaskInputValidator
	Logger    *slog.Logger

	// PoolSize bounds concurrently driving goroutines for async starts and
	// scheduler-fired work.
	PoolSize int

	// MaxWalkSteps bounds how many steps a single drive may execute before
	// the instance is failed. Cycles are legal in definitions; this is the
	// brake for ones that never yield.
	MaxWalkSteps int

	// DisableTimerArming turns off in-process time.AfterFunc firing of
	// timer waits. The scheduler's due-timer sweep still fires them when a
	// store is configured.
	DisableTimerArming bool
}

// Engine executes workflow instances.
type Engine struct {
	resolver  DefinitionResolver
	store     store.Store
	events    EventSink
	validator TaskInputValidator
	log       *slog.Logger
	pool      *WorkerPool
	maxWalk   int
	armTimers bool

	mu   sync.Mutex
	runs map[string]*instanceRun
}

// instanceRun is the in-memory seat of one instance: its pinned definition,
// the live state, and the driver mutex that serializes drives. Branch
// goroutines mutate instance fields only through helpers that take stateMu;
// the context has its own lock.
type instanceRun struct {
	driveMu sync.Mutex
	stateMu sync.Mutex
	inst    *schema.WorkflowInstance
	def     *schema.Definition

	cancelled   atomic.Bool
	cancelDrive context.CancelFunc
	timers      map[string]*time.Timer
}

// New builds an engine resolving definitions through resolver.
func New(resolver DefinitionResolver, opts Options) *Engine {
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultPoolSize
	}
	if opts.MaxWalkSteps <= 0 {
		opts.MaxWalkSteps = DefaultMaxWalkSteps
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		resolver:  resolver,
		store:     opts.Store,
		events:    opts.Events,
		validator: opts.Validator,
		log:       logger,
		pool:      NewWorkerPool(opts.PoolSize),
		maxWalk:   opts.MaxWalkSteps,
		armTimers: !opts.DisableTimerArming,
		runs:      make(map[string]*instanceRun),
	}
}

// Close stops background work: the pool is drained and armed timers are
// stopped. Instances stay resumable through the store.
func (e *Engine) Close() {
	e.pool.Shutdown()
	e.mu.Lock()
	runs := make([]*instanceRun, 0, len(e.runs))
	for _, run := range e.runs {
		runs = append(runs, run)
	}
	e.mu.Unlock()
	for _, run := range runs {
		run.stateMu.Lock()
		for _, t := range run.timers {
			t.Stop()
		}
		run.timers = map[string]*time.Timer{}
		run.stateMu.Unlock()
	}
}

// PoolStats exposes the worker pool counters.
func (e *Engine) PoolStats() PoolStats {
	return e.pool.Stats()
}

// Start creates an instance of a definition and drives it synchronously
// until it settles: completed, failed, or waiting on an external signal.
// An empty version pins the highest active version. The returned snapshot
// reflects the settled state.
func (e *Engine) Start(ctx context.Context, name, version string, input, meta map[string]any) (*schema.WorkflowInstance, error) {
	run, err := e.create(ctx, name, version, input, meta)
	if err != nil {
		return nil, err
	}

	run.driveMu.Lock()
	defer run.driveMu.Unlock()
	if err := e.setStatus(ctx, run, schema.InstanceStatusRunning, map[string]any{
		"definition": run.def.Name(),
		"version":    run.def.Version(),
	}); err != nil {
		return nil, err
	}
	if err := e.drive(ctx, run, walkEntry{stepID: run.def.InitialStep()}); err != nil {
		return nil, err
	}
	return e.snapshot(run), nil
}

// StartAsync creates an instance and drives it on the worker pool,
// returning the instance id as soon as the pending snapshot is persisted.
func (e *Engine) StartAsync(ctx context.Context, name, version string, input, meta map[string]any) (string, error) {
	run, err := e.create(ctx, name, version, input, meta)
	if err != nil {
		return "", err
	}
	id := run.inst.ID

	err = e.pool.Submit(context.WithoutCancel(ctx), func(jctx context.Context) error {
		run.driveMu.Lock()
		defer run.driveMu.Unlock()
		if err := e.setStatus(jctx, run, schema.InstanceStatusRunning, map[string]any{
			"definition": run.def.Name(),
			"version":    run.def.Version(),
		}); err != nil {
			e.log.Error("async start failed", "instance_id", id, "error", err)
			return err
		}
		if err := e.drive(jctx, run, walkEntry{stepID: run.def.InitialStep()}); err != nil {
			e.log.Error("async drive failed", "instance_id", id, "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		return "", schema.NewError(schema.ErrCodeExecution, "submit async start").WithCause(err).WithInstance(id)
	}
	return id, nil
}

// create resolves the definition, builds the pending instance and persists
// its first snapshot.
func (e *Engine) create(ctx context.Context, name, version string, input, meta map[string]any) (*instanceRun, error) {
	def, err := e.resolver.Resolve(name, version)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	wc := schema.NewWorkflowContext(input, meta)
	inst := &schema.WorkflowInstance{
		ID:                uuid.NewString(),
		DefinitionName:    def.Name(),
		DefinitionVersion: def.Version(),
		Status:            schema.InstanceStatusPending,
		CurrentStepID:     def.InitialStep(),
		Context:           wc,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	wc.Bind(inst.ID, def.Name(), def.Version())

	run := &instanceRun{inst: inst, def: def, timers: map[string]*time.Timer{}}
	e.mu.Lock()
	e.runs[inst.ID] = run
	e.mu.Unlock()

	if err := e.persist(ctx, run); err != nil {
		e.mu.Lock()
		delete(e.runs, inst.ID)
		e.mu.Unlock()
		return nil, err
	}
	return run, nil
}

// Get returns a snapshot of an instance, rehydrating it from the store if
// it is not resident.
func (e *Engine) Get(ctx context.Context, instanceID string) (*schema.WorkflowInstance, error) {
	run, err := e.getRun(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return e.snapshot(run), nil
}

// Instances lists instance snapshots. With a store the listing covers
// everything persisted; without one it covers resident instances.
func (e *Engine) Instances(ctx context.Context, f store.InstanceFilter) ([]*schema.WorkflowInstance, error) {
	if e.store != nil {
		return e.store.ListInstances(ctx, f)
	}

	e.mu.Lock()
	runs := make([]*instanceRun, 0, len(e.runs))
	for _, run := range e.runs {
		runs = append(runs, run)
	}
	e.mu.Unlock()

	var out []*schema.WorkflowInstance
	for _, run := range runs {
		inst := e.snapshot(run)
		if f.Status != "" && inst.Status != f.Status {
			continue
		}
		if f.Definition != "" && inst.DefinitionName != f.Definition {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

// Events returns the persisted event log of an instance after the given
// sequence. Without a store the log is empty.
func (e *Engine) Events(ctx context.Context, instanceID string, afterSeq int64, limit int) ([]*schema.Event, error) {
	if e.store == nil {
		return nil, nil
	}
	return e.store.ListEvents(ctx, instanceID, afterSeq, limit)
}

// OpenTasks lists human tasks. With a store this is a task table query;
// without one, open tasks are reconstructed from resident waits.
func (e *Engine) OpenTasks(ctx context.Context, f store.TaskFilter) ([]*store.TaskRecord, error) {
	if e.store != nil {
		if f.Status == "" {
			f.Status = store.TaskStatusOpen
		}
		return e.store.ListTasks(ctx, f)
	}

	e.mu.Lock()
	runs := make([]*instanceRun, 0, len(e.runs))
	for _, run := range e.runs {
		runs = append(runs, run)
	}
	e.mu.Unlock()

	var out []*store.TaskRecord
	for _, run := range runs {
		inst := e.snapshot(run)
		if f.InstanceID != "" && inst.ID != f.InstanceID {
			continue
		}
		for _, w := range inst.Waits {
			if w.Kind != schema.StepKindHuman {
				continue
			}
			rec := store.NewTaskRecord(e.describeTask(run, inst, w))
			if f.Assignee != "" && rec.Assignee != f.Assignee {
				continue
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

// describeTask rebuilds a task descriptor from a human wait and the step
// definition.
func (e *Engine) describeTask(run *instanceRun, inst *schema.WorkflowInstance, w schema.Wait) schema.TaskDescriptor {
	desc := schema.TaskDescriptor{
		ID:         w.TaskID,
		InstanceID: inst.ID,
		StepID:     w.StepID,
		CreatedAt:  w.Since,
	}
	if s, ok := run.def.Step(w.StepID); ok && s.Human != nil {
		desc.Title = s.Human.Title
		desc.InputSchema = s.Human.InputSchema
		desc.Assignee = s.Human.Assignee
		if s.Human.DueIn > 0 {
			desc.DueAt = w.Since.Add(s.Human.DueIn)
		}
	}
	return desc
}

// DescribeInstance renders the instance's definition graph with its live
// state overlaid.
func (e *Engine) DescribeInstance(ctx context.Context, instanceID string) (schema.Graph, error) {
	run, err := e.getRun(ctx, instanceID)
	if err != nil {
		return schema.Graph{}, err
	}
	inst := e.snapshot(run)
	return schema.DescribeWithOverlay(run.def, schema.OverlayFromInstance(inst)), nil
}

// TaskResolution carries the outcome of a human task: the payload merged
// into instance context on completion, or a rejection with a reason.
type TaskResolution struct {
	Data   map[string]any
	By     string
	Reject bool
	Reason string
}

// CompleteTask resolves a human task and resumes the instance: the payload
// is validated against the step's input schema, merged into the context,
// the step is recorded as succeeded (failed when rejected), hooks run, and
// the walk continues. Resolving a task whose instance is not waiting on it
// is an INVALID_TRANSITION.
func (e *Engine) CompleteTask(ctx context.Context, taskID string, res TaskResolution) (*schema.WorkflowInstance, error) {
	instanceID, stepID, err := e.locateTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	run, err := e.getRun(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if s, ok := run.def.Step(stepID); ok && s.Human != nil && !res.Reject && e.validator != nil {
		if len(s.Human.InputSchema) > 0 {
			if err := e.validator.ValidateInput(res.Data, s.Human.InputSchema); err != nil {
				return nil, err
			}
		}
	}

	fireEvent := schema.EventTaskCompleted
	if res.Reject {
		fireEvent = schema.EventTaskRejected
	}
	inst, err := e.resume(ctx, instanceID, resumeSignal{
		stepID:    stepID,
		kind:      schema.StepKindHuman,
		data:      res.Data,
		output:    anyMap(res.Data),
		reject:    res.Reject,
		reason:    res.Reason,
		fireEvent: fireEvent,
		fireData:  map[string]any{"task_id": taskID, "by": res.By},
	})
	if err != nil {
		return nil, err
	}
	e.resolveTask(ctx, taskID, res)
	return inst, nil
}

// locateTask maps a task id to its instance and step.
func (e *Engine) locateTask(ctx context.Context, taskID string) (instanceID, stepID string, err error) {
	if e.store != nil {
		rec, err := e.store.GetTask(ctx, taskID)
		if err != nil {
			return "", "", err
		}
		if !rec.Status.Open() {
			return "", "", schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"task %s already %s", taskID, rec.Status).WithInstance(rec.InstanceID).WithStep(rec.StepID)
		}
		return rec.InstanceID, rec.StepID, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, run := range e.runs {
		run.stateMu.Lock()
		for _, w := range run.inst.Waits {
			if w.Kind == schema.StepKindHuman && w.TaskID == taskID {
				run.stateMu.Unlock()
				return id, w.StepID, nil
			}
		}
		run.stateMu.Unlock()
	}
	return "", "", storeTaskNotFound(taskID)
}

func storeTaskNotFound(taskID string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "task not found: %s", taskID)
}

// resolveTask closes the persisted task record after a successful resume.
func (e *Engine) resolveTask(ctx context.Context, taskID string, res TaskResolution) {
	if e.store == nil {
		return
	}
	rec, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		e.log.Warn("load task for resolution", "task_id", taskID, "error", err)
		return
	}
	now := time.Now().UTC()
	rec.Status = store.TaskStatusCompleted
	if res.Reject {
		rec.Status = store.TaskStatusRejected
	}
	rec.ResolvedBy = res.By
	rec.ResolvedAt = &now
	if err := e.store.SaveTask(ctx, rec); err != nil {
		e.log.Warn("save resolved task", "task_id", taskID, "error", err)
	}
}

// SignalCallback delivers an external signal to the instance waiting on the
// matching correlation token, merging the payload into its context and
// resuming the walk. Unknown tokens are NOT_FOUND.
func (e *Engine) SignalCallback(ctx context.Context, token string, data map[string]any) (*schema.WorkflowInstance, error) {
	instanceID, stepID, err := e.locateCallback(ctx, token)
	if err != nil {
		return nil, err
	}
	return e.resume(ctx, instanceID, resumeSignal{
		stepID:    stepID,
		kind:      schema.StepKindCallback,
		data:      data,
		output:    anyMap(data),
		fireEvent: schema.EventCallbackReceived,
		fireData:  map[string]any{"token": token},
	})
}

// locateCallback finds the instance holding a callback wait for token,
// checking resident runs first and then the store.
func (e *Engine) locateCallback(ctx context.Context, token string) (instanceID, stepID string, err error) {
	e.mu.Lock()
	for id, run := range e.runs {
		run.stateMu.Lock()
		w, ok := run.inst.WaitByToken(token)
		run.stateMu.Unlock()
		if ok {
			e.mu.Unlock()
			return id, w.StepID, nil
		}
	}
	e.mu.Unlock()

	if e.store != nil {
		waiting, err := e.store.ListInstances(ctx, store.InstanceFilter{Status: schema.InstanceStatusWaiting})
		if err != nil {
			return "", "", err
		}
		for _, inst := range waiting {
			if w, ok := inst.WaitByToken(token); ok {
				return inst.ID, w.StepID, nil
			}
		}
	}
	return "", "", schema.NewErrorf(schema.ErrCodeNotFound, "no instance waiting on callback token %q", token)
}

// FireTimer resumes a timer wait. The scheduler and the engine's own armed
// timers call this; wall-clock enforcement lives with the caller.
func (e *Engine) FireTimer(ctx context.Context, instanceID, stepID string) (*schema.WorkflowInstance, error) {
	return e.resume(ctx, instanceID, resumeSignal{
		stepID:    stepID,
		kind:      schema.StepKindTimer,
		fireEvent: schema.EventTimerFired,
	})
}

// Signal dispatches an external signal struct to the matching operation.
func (e *Engine) Signal(ctx context.Context, sig schema.Signal) (*schema.WorkflowInstance, error) {
	switch sig.Type {
	case schema.SignalCompleteTask, schema.SignalRejectTask:
		taskID, err := e.taskIDFor(ctx, sig.InstanceID, sig.StepID)
		if err != nil {
			return nil, err
		}
		return e.CompleteTask(ctx, taskID, TaskResolution{
			Data:   sig.Data,
			Reject: sig.Type == schema.SignalRejectTask,
			Reason: sig.Reason,
		})
	case schema.SignalCallback:
		return e.SignalCallback(ctx, sig.Token, sig.Data)
	case schema.SignalCancel:
		if err := e.Cancel(ctx, sig.InstanceID, sig.Reason); err != nil {
			return nil, err
		}
		return e.Get(ctx, sig.InstanceID)
	case schema.SignalRetry:
		return e.Retry(ctx, sig.InstanceID, sig.StepID)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeSignalFailed, "unknown signal type %q", sig.Type)
	}
}

// taskIDFor resolves the open task id of a human wait addressed by
// instance and step.
func (e *Engine) taskIDFor(ctx context.Context, instanceID, stepID string) (string, error) {
	run, err := e.getRun(ctx, instanceID)
	if err != nil {
		return "", err
	}
	run.stateMu.Lock()
	defer run.stateMu.Unlock()
	w, ok := run.inst.FindWait(stepID)
	if !ok || w.Kind != schema.StepKindHuman {
		return "", schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"instance is not waiting on a task at step %q", stepID).
			WithInstance(instanceID).WithStep(stepID)
	}
	return w.TaskID, nil
}

// Cancel requests cancellation of a non-terminal instance. Cancellation is
// cooperative: an active driver finishes its current step, observes the
// flag and finalizes; a parked instance is finalized immediately.
func (e *Engine) Cancel(ctx context.Context, instanceID, reason string) error {
	run, err := e.getRun(ctx, instanceID)
	if err != nil {
		return err
	}

	run.stateMu.Lock()
	status := run.inst.Status
	if status.Terminal() {
		run.stateMu.Unlock()
		return TransitionError(instanceID, status, schema.InstanceStatusCancelled)
	}
	run.inst.CancelReason = reason
	run.cancelled.Store(true)
	if run.cancelDrive != nil {
		run.cancelDrive()
	}
	run.stateMu.Unlock()

	// No active driver means nothing will observe the flag; finalize here.
	if run.driveMu.TryLock() {
		defer run.driveMu.Unlock()
		run.stateMu.Lock()
		status = run.inst.Status
		run.stateMu.Unlock()
		if status.Terminal() {
			return nil
		}
		return e.finalizeCancel(ctx, run)
	}
	return nil
}

// finalizeCancel moves a non-terminal instance to cancelled, drops its
// suspension state, closes its open tasks and stops armed timers. Caller
// holds driveMu.
func (e *Engine) finalizeCancel(ctx context.Context, run *instanceRun) error {
	run.stateMu.Lock()
	reason := run.inst.CancelReason
	for _, t := range run.timers {
		t.Stop()
	}
	run.timers = map[string]*time.Timer{}
	run.inst.Waits = nil
	for i := range run.inst.Branches {
		if !run.inst.Branches[i].Status.Terminal() {
			run.inst.Branches[i].Status = schema.StepStatusCancelled
		}
	}
	run.stateMu.Unlock()

	if err := e.setStatus(ctx, run, schema.InstanceStatusCancelled, map[string]any{"reason": reason}); err != nil {
		return err
	}
	e.cancelOpenTasks(ctx, run.inst.ID)
	return nil
}

// cancelOpenTasks marks the instance's open task records cancelled.
func (e *Engine) cancelOpenTasks(ctx context.Context, instanceID string) {
	if e.store == nil {
		return
	}
	tasks, err := e.store.ListTasks(ctx, store.TaskFilter{InstanceID: instanceID, Status: store.TaskStatusOpen})
	if err != nil {
		e.log.Warn("list open tasks for cancel", "instance_id", instanceID, "error", err)
		return
	}
	now := time.Now().UTC()
	for _, rec := range tasks {
		rec.Status = store.TaskStatusCancelled
		rec.ResolvedAt = &now
		if err := e.store.SaveTask(ctx, rec); err != nil {
			e.log.Warn("cancel task", "task_id", rec.ID, "error", err)
		}
	}
}

// Retry re-runs a failed instance from a step, by default the one that
// failed, and drives the walk onward synchronously. Only failed instances
// can retry. Execution is at-least-once: side effects of the failed attempt
// may repeat.
func (e *Engine) Retry(ctx context.Context, instanceID, stepID string) (*schema.WorkflowInstance, error) {
	run, err := e.getRun(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	run.driveMu.Lock()
	defer run.driveMu.Unlock()

	run.stateMu.Lock()
	status := run.inst.Status
	if stepID == "" {
		stepID = run.inst.FailedStepID
	}
	run.stateMu.Unlock()

	if status != schema.InstanceStatusFailed {
		return nil, TransitionError(instanceID, status, schema.InstanceStatusRunning)
	}
	if stepID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "no failed step recorded; pass a step id").WithInstance(instanceID)
	}
	path := run.def.PathTo(stepID)
	if path == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "unknown step %q", stepID).WithInstance(instanceID)
	}
	// Nested ids map to their top-level walk unit.
	target := path[0].ID

	run.stateMu.Lock()
	run.inst.Error = ""
	run.inst.FailedStepID = ""
	run.cancelled.Store(false)
	run.stateMu.Unlock()

	if err := e.setStatus(ctx, run, schema.InstanceStatusRunning, map[string]any{"step": target}); err != nil {
		return nil, err
	}
	if err := e.drive(ctx, run, walkEntry{stepID: target}); err != nil {
		return nil, err
	}
	return e.snapshot(run), nil
}

// --- run bookkeeping ---

func (e *Engine) getRun(ctx context.Context, instanceID string) (*instanceRun, error) {
	e.mu.Lock()
	run := e.runs[instanceID]
	e.mu.Unlock()
	if run != nil {
		return run, nil
	}
	return e.rehydrate(ctx, instanceID)
}

// rehydrate loads a persisted instance, re-binds its context identity,
// re-resolves its pinned definition and re-arms its timer waits.
func (e *Engine) rehydrate(ctx context.Context, instanceID string) (*instanceRun, error) {
	if e.store == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "instance not found: %s", instanceID)
	}
	inst, err := e.store.LoadInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	def, err := e.resolver.Resolve(inst.DefinitionName, inst.DefinitionVersion)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"definition %s version %s for instance %s is not registered",
			inst.DefinitionName, inst.DefinitionVersion, instanceID).WithCause(err)
	}
	inst.Context.Bind(inst.ID, inst.DefinitionName, inst.DefinitionVersion)

	run := &instanceRun{inst: inst, def: def, timers: map[string]*time.Timer{}}

	e.mu.Lock()
	if existing := e.runs[instanceID]; existing != nil {
		e.mu.Unlock()
		return existing, nil
	}
	e.runs[instanceID] = run
	e.mu.Unlock()

	run.stateMu.Lock()
	for _, w := range inst.Waits {
		if w.Kind == schema.StepKindTimer {
			e.armTimerLocked(run, w)
		}
	}
	run.stateMu.Unlock()
	return run, nil
}

func (e *Engine) snapshot(run *instanceRun) *schema.WorkflowInstance {
	run.stateMu.Lock()
	defer run.stateMu.Unlock()
	return run.inst.Clone()
}

// setStatus validates and applies a lifecycle transition, emits its event
// and persists the snapshot.
func (e *Engine) setStatus(ctx context.Context, run *instanceRun, to schema.InstanceStatus, data map[string]any) error {
	run.stateMu.Lock()
	from := run.inst.Status
	if !CanTransition(from, to) {
		run.stateMu.Unlock()
		return TransitionError(run.inst.ID, from, to)
	}
	run.inst.Status = to
	run.inst.UpdatedAt = time.Now().UTC()
	if to == schema.InstanceStatusCompleted {
		run.inst.CurrentStepID = ""
	}
	id := run.inst.ID
	run.stateMu.Unlock()

	if kind := instanceEventKind(from, to); kind != "" {
		e.emit(ctx, id, kind, "", data)
	}
	return e.persist(ctx, run)
}

// persist writes the instance snapshot. This is the durability write that
// follows every transition; with no store it is a no-op and the instance
// lives only in memory.
func (e *Engine) persist(ctx context.Context, run *instanceRun) error {
	if e.store == nil {
		return nil
	}
	snap := e.snapshot(run)
	if err := e.store.SaveInstance(context.WithoutCancel(ctx), snap); err != nil {
		return schema.NewError(schema.ErrCodeStore, "persist instance").WithCause(err).WithInstance(snap.ID)
	}
	return nil
}

// emit appends to the event log and publishes to the sink. Both are
// best-effort: event trouble is logged, never surfaced to the walk.
func (e *Engine) emit(ctx context.Context, instanceID, kind, stepID string, data map[string]any) {
	event := schema.Event{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		Kind:       kind,
		StepID:     stepID,
		Data:       data,
		At:         time.Now().UTC(),
	}
	if e.store != nil {
		if err := e.store.AppendEvent(context.WithoutCancel(ctx), &event); err != nil {
			e.log.Warn("append event", "instance_id", instanceID, "kind", kind, "error", err)
		}
	}
	if e.events != nil {
		e.events.Publish(event)
	}
}

// --- wait and frame helpers ---

// park registers suspension points on the instance, stamping them with the
// walking frame and arming in-process timers.
func (e *Engine) park(run *instanceRun, frameID string, waits []schema.Wait) {
	run.stateMu.Lock()
	defer run.stateMu.Unlock()
	for _, w := range waits {
		w.FrameID = frameID
		run.inst.Waits = append(run.inst.Waits, w)
		if w.Kind == schema.StepKindTimer {
			e.armTimerLocked(run, w)
		}
	}
}

// armTimerLocked schedules in-process firing of a timer wait. Caller holds
// stateMu. Firing races with the scheduler's sweep; the loser gets an
// INVALID_TRANSITION and drops it.
func (e *Engine) armTimerLocked(run *instanceRun, w schema.Wait) {
	if !e.armTimers {
		return
	}
	id, stepID := run.inst.ID, w.StepID
	delay := time.Until(w.DueAt)
	if delay < 0 {
		delay = 0
	}
	if t, ok := run.timers[stepID]; ok {
		t.Stop()
	}
	run.timers[stepID] = time.AfterFunc(delay, func() {
		if _, err := e.FireTimer(context.Background(), id, stepID); err != nil && !schema.IsInvalidTransition(err) && !schema.IsNotFound(err) {
			e.log.Warn("timer fire", "instance_id", id, "step_id", stepID, "error", err)
		}
	})
}

// dropWait removes the wait for stepID and stops its armed timer. Reports
// whether the wait existed.
func (e *Engine) dropWait(run *instanceRun, stepID string) (schema.Wait, bool) {
	run.stateMu.Lock()
	defer run.stateMu.Unlock()
	for i, w := range run.inst.Waits {
		if w.StepID != stepID {
			continue
		}
		run.inst.Waits = append(run.inst.Waits[:i], run.inst.Waits[i+1:]...)
		if t, ok := run.timers[stepID]; ok {
			t.Stop()
			delete(run.timers, stepID)
		}
		return w, true
	}
	return schema.Wait{}, false
}

func (e *Engine) addFrame(run *instanceRun, frame schema.BranchFrame) {
	run.stateMu.Lock()
	defer run.stateMu.Unlock()
	run.inst.Branches = append(run.inst.Branches, frame)
}

// setFrame updates a frame's position or settlement.
func (e *Engine) setFrame(run *instanceRun, frameID string, mutate func(fr *schema.BranchFrame)) {
	if frameID == "" {
		return
	}
	run.stateMu.Lock()
	defer run.stateMu.Unlock()
	for i := range run.inst.Branches {
		if run.inst.Branches[i].ID == frameID {
			mutate(&run.inst.Branches[i])
			return
		}
	}
}

// dropFramesUnder removes the frames parented by a settled group or
// fan-out.
func (e *Engine) dropFramesUnder(run *instanceRun, parent string) {
	run.stateMu.Lock()
	defer run.stateMu.Unlock()
	kept := run.inst.Branches[:0]
	for _, fr := range run.inst.Branches {
		if fr.Parent != parent {
			kept = append(kept, fr)
		}
	}
	run.inst.Branches = kept
}

func anyMap(m map[string]any) any {
	if len(m) == 0 {
		return nil
	}
	return m
}
