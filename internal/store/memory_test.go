package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomrun/loom/pkg/schema"
)

func testDocument(name, version string) *schema.DefinitionDocument {
	return &schema.DefinitionDocument{
		Name:    name,
		Version: version,
		Steps: []schema.StepDocument{
			{ID: "start", Kind: "automated", Automated: &schema.AutomatedDocument{Handler: "log.emit"}},
		},
		Initial:   "start",
		Terminals: []string{"start"},
	}
}

func testInstance(id string, status schema.InstanceStatus) *schema.WorkflowInstance {
	return &schema.WorkflowInstance{
		ID:                id,
		DefinitionName:    "order-approval",
		DefinitionVersion: "1.0.0",
		Status:            status,
		Context:           schema.NewWorkflowContext(map[string]any{"amount": 500.0}, nil),
	}
}

func mustSaveInstance(t *testing.T, s *MemoryStore, inst *schema.WorkflowInstance) {
	t.Helper()
	require.NoError(t, s.SaveInstance(context.Background(), inst))
}

// --- document tests ---

func TestMemoryStore_SaveAndLoadDocument(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	doc := testDocument("order-approval", "1.0.0")
	doc.Description = "routes orders by amount"
	require.NoError(t, s.SaveDocument(ctx, doc, true))

	back, err := s.LoadDocument(ctx, "order-approval", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "order-approval", back.Name)
	assert.Equal(t, "1.0.0", back.Version)
	assert.Equal(t, "routes orders by amount", back.Description)
	require.Len(t, back.Steps, 1)
	assert.Equal(t, "start", back.Steps[0].ID)
}

func TestMemoryStore_SaveDocumentRejectsDuplicateVersion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.SaveDocument(ctx, testDocument("order-approval", "1.0.0"), false))

	err := s.SaveDocument(ctx, testDocument("order-approval", "1.0.0"), false)
	require.Error(t, err)
	assert.True(t, schema.IsConflict(err))
	assert.Contains(t, err.Error(), "already stored")

	// A new version of the same definition is fine.
	assert.NoError(t, s.SaveDocument(ctx, testDocument("order-approval", "1.1.0"), false))
}

func TestMemoryStore_LoadDocumentNotFound(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.LoadDocument(context.Background(), "ghost", "1.0.0")
	require.Error(t, err)
	assert.True(t, schema.IsNotFound(err))
	assert.Contains(t, err.Error(), "ghost@1.0.0")
}

func TestMemoryStore_ListDocumentsSortedByNameThenVersion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.SaveDocument(ctx, testDocument("billing", "2.0.0"), false))
	require.NoError(t, s.SaveDocument(ctx, testDocument("billing", "1.0.0"), true))
	require.NoError(t, s.SaveDocument(ctx, testDocument("approval", "1.0.0"), true))

	infos, err := s.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, "approval", infos[0].Name)
	assert.Equal(t, "billing", infos[1].Name)
	assert.Equal(t, "1.0.0", infos[1].Version)
	assert.Equal(t, "billing", infos[2].Name)
	assert.Equal(t, "2.0.0", infos[2].Version)
	for _, info := range infos {
		assert.False(t, info.CreatedAt.IsZero())
	}
}

func TestMemoryStore_SetDocumentActive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.SaveDocument(ctx, testDocument("order-approval", "1.0.0"), false))
	require.NoError(t, s.SetDocumentActive(ctx, "order-approval", "1.0.0", true))

	infos, err := s.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Active)

	err = s.SetDocumentActive(ctx, "order-approval", "9.9.9", true)
	assert.True(t, schema.IsNotFound(err))
}

// --- instance tests ---

func TestMemoryStore_SaveInstanceValidatesID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	err := s.SaveInstance(ctx, nil)
	require.Error(t, err)
	err = s.SaveInstance(ctx, &schema.WorkflowInstance{})
	require.Error(t, err)

	var lerr *schema.LoomError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, schema.ErrCodeValidation, lerr.Code)
}

func TestMemoryStore_SaveInstanceUpserts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	inst := testInstance("inst-1", schema.InstanceStatusRunning)
	mustSaveInstance(t, s, inst)

	inst.Status = schema.InstanceStatusCompleted
	mustSaveInstance(t, s, inst)

	back, err := s.LoadInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusCompleted, back.Status)
	assert.False(t, back.CreatedAt.IsZero())
	assert.False(t, back.UpdatedAt.IsZero())
}

func TestMemoryStore_SaveInstanceSnapshotsState(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	inst := testInstance("inst-1", schema.InstanceStatusRunning)
	mustSaveInstance(t, s, inst)

	// Mutating the caller's copy after save must not leak into the store,
	// and mutating a loaded copy must not either.
	inst.Status = schema.InstanceStatusFailed
	inst.Context.Set("amount", 9999.0)

	back, err := s.LoadInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusRunning, back.Status)
	amount, _ := back.Context.Get("amount")
	assert.Equal(t, 500.0, amount)

	back.Status = schema.InstanceStatusCancelled
	again, err := s.LoadInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusRunning, again.Status)
}

func TestMemoryStore_LoadInstanceNotFound(t *testing.T) {
	_, err := NewMemoryStore().LoadInstance(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, schema.IsNotFound(err))
}

func TestMemoryStore_ListInstancesFiltersAndPages(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	base := time.Now().UTC()
	for i, spec := range []struct {
		id     string
		def    string
		status schema.InstanceStatus
	}{
		{"inst-a", "order-approval", schema.InstanceStatusRunning},
		{"inst-b", "order-approval", schema.InstanceStatusWaiting},
		{"inst-c", "order-approval", schema.InstanceStatusWaiting},
		{"inst-d", "billing", schema.InstanceStatusWaiting},
	} {
		inst := testInstance(spec.id, spec.status)
		inst.DefinitionName = spec.def
		inst.CreatedAt = base
		inst.UpdatedAt = base.Add(time.Duration(i) * time.Minute)
		mustSaveInstance(t, s, inst)
	}

	all, err := s.ListInstances(ctx, InstanceFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	// Most recently updated first.
	assert.Equal(t, "inst-d", all[0].ID)
	assert.Equal(t, "inst-a", all[3].ID)

	waiting, err := s.ListInstances(ctx, InstanceFilter{Status: schema.InstanceStatusWaiting})
	require.NoError(t, err)
	assert.Len(t, waiting, 3)

	approvals, err := s.ListInstances(ctx, InstanceFilter{Definition: "order-approval"})
	require.NoError(t, err)
	assert.Len(t, approvals, 3)

	page, err := s.ListInstances(ctx, InstanceFilter{Offset: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "inst-c", page[0].ID)
	assert.Equal(t, "inst-b", page[1].ID)

	past, err := s.ListInstances(ctx, InstanceFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, past)
}

func TestMemoryStore_DeleteInstanceRemovesEventsAndTasks(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	mustSaveInstance(t, s, testInstance("inst-1", schema.InstanceStatusRunning))
	mustSaveInstance(t, s, testInstance("inst-2", schema.InstanceStatusRunning))

	require.NoError(t, s.AppendEvent(ctx, &schema.Event{InstanceID: "inst-1", Kind: schema.EventInstanceStarted}))
	require.NoError(t, s.AppendEvent(ctx, &schema.Event{InstanceID: "inst-2", Kind: schema.EventInstanceStarted}))
	require.NoError(t, s.SaveTask(ctx, NewTaskRecord(schema.TaskDescriptor{
		ID: "task-1", InstanceID: "inst-1", StepID: "approval",
	})))
	require.NoError(t, s.SaveTask(ctx, NewTaskRecord(schema.TaskDescriptor{
		ID: "task-2", InstanceID: "inst-2", StepID: "approval",
	})))

	require.NoError(t, s.DeleteInstance(ctx, "inst-1"))

	_, err := s.LoadInstance(ctx, "inst-1")
	assert.True(t, schema.IsNotFound(err))
	events, err := s.ListEvents(ctx, "inst-1", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
	_, err = s.GetTask(ctx, "task-1")
	assert.True(t, schema.IsNotFound(err))

	// The sibling instance keeps its records.
	_, err = s.LoadInstance(ctx, "inst-2")
	require.NoError(t, err)
	_, err = s.GetTask(ctx, "task-2")
	require.NoError(t, err)

	err = s.DeleteInstance(ctx, "inst-1")
	assert.True(t, schema.IsNotFound(err))
}

// --- task tests ---

func TestMemoryStore_SaveTaskValidatesID(t *testing.T) {
	s := NewMemoryStore()

	require.Error(t, s.SaveTask(context.Background(), nil))
	err := s.SaveTask(context.Background(), &TaskRecord{})
	require.Error(t, err)

	var lerr *schema.LoomError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, schema.ErrCodeValidation, lerr.Code)
}

func TestMemoryStore_TaskRoundTripIsIsolated(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	task := NewTaskRecord(schema.TaskDescriptor{
		ID:          "task-1",
		InstanceID:  "inst-1",
		StepID:      "approval",
		Title:       "Approve order",
		InputSchema: map[string]any{"type": "object"},
		Assignee:    "ops",
	})
	require.NoError(t, s.SaveTask(ctx, task))

	back, err := s.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusOpen, back.Status)
	assert.True(t, back.Status.Open())
	assert.Equal(t, "Approve order", back.Title)
	assert.False(t, back.CreatedAt.IsZero())

	back.InputSchema["type"] = "array"
	back.Status = TaskStatusRejected

	again, err := s.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "object", again.InputSchema["type"])
	assert.Equal(t, TaskStatusOpen, again.Status)
}

func TestMemoryStore_GetTaskNotFound(t *testing.T) {
	_, err := NewMemoryStore().GetTask(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, schema.IsNotFound(err))
	assert.Contains(t, err.Error(), "task not found")
}

func TestMemoryStore_ListTasksFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	base := time.Now().UTC()
	save := func(id, instance, assignee string, status TaskStatus, due time.Time, createdOffset time.Duration) {
		rec := NewTaskRecord(schema.TaskDescriptor{
			ID:         id,
			InstanceID: instance,
			StepID:     "approval",
			Assignee:   assignee,
			DueAt:      due,
			CreatedAt:  base.Add(createdOffset),
		})
		rec.Status = status
		require.NoError(t, s.SaveTask(ctx, rec))
	}

	save("task-a", "inst-1", "ops", TaskStatusOpen, base.Add(time.Hour), 2*time.Minute)
	save("task-b", "inst-1", "finance", TaskStatusOpen, base.Add(48*time.Hour), time.Minute)
	save("task-c", "inst-2", "ops", TaskStatusCompleted, time.Time{}, 0)

	all, err := s.ListTasks(ctx, TaskFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Oldest first.
	assert.Equal(t, "task-c", all[0].ID)
	assert.Equal(t, "task-a", all[2].ID)

	byInstance, err := s.ListTasks(ctx, TaskFilter{InstanceID: "inst-1"})
	require.NoError(t, err)
	assert.Len(t, byInstance, 2)

	byAssignee, err := s.ListTasks(ctx, TaskFilter{Assignee: "ops"})
	require.NoError(t, err)
	assert.Len(t, byAssignee, 2)

	open, err := s.ListTasks(ctx, TaskFilter{Status: TaskStatusOpen})
	require.NoError(t, err)
	assert.Len(t, open, 2)

	// DueBefore excludes tasks without a due date and tasks due later.
	cutoff := base.Add(2 * time.Hour)
	due, err := s.ListTasks(ctx, TaskFilter{DueBefore: &cutoff})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "task-a", due[0].ID)

	limited, err := s.ListTasks(ctx, TaskFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "task-c", limited[0].ID)
}

// --- event log tests ---

func TestMemoryStore_AppendEventAssignsSequenceAndIdentity(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first := &schema.Event{InstanceID: "inst-1", Kind: schema.EventInstanceStarted}
	require.NoError(t, s.AppendEvent(ctx, first))
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.At.IsZero())
	assert.Equal(t, int64(1), first.Sequence)

	second := &schema.Event{
		InstanceID: "inst-1",
		Kind:       schema.EventStepCompleted,
		StepID:     "validate",
		Data:       map[string]any{"output": map[string]any{"ok": true}},
	}
	require.NoError(t, s.AppendEvent(ctx, second))
	assert.Equal(t, int64(2), second.Sequence)

	// Sequences are per instance.
	other := &schema.Event{InstanceID: "inst-2", Kind: schema.EventInstanceStarted}
	require.NoError(t, s.AppendEvent(ctx, other))
	assert.Equal(t, int64(1), other.Sequence)
}

func TestMemoryStore_AppendEventRequiresInstanceID(t *testing.T) {
	s := NewMemoryStore()

	require.Error(t, s.AppendEvent(context.Background(), nil))
	err := s.AppendEvent(context.Background(), &schema.Event{Kind: schema.EventInstanceStarted})
	require.Error(t, err)

	var lerr *schema.LoomError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, schema.ErrCodeValidation, lerr.Code)
}

func TestMemoryStore_ListEventsAfterSeqAndLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, kind := range []string{
		schema.EventInstanceStarted,
		schema.EventStepStarted,
		schema.EventStepCompleted,
		schema.EventInstanceCompleted,
	} {
		require.NoError(t, s.AppendEvent(ctx, &schema.Event{InstanceID: "inst-1", Kind: kind}))
	}

	tail, err := s.ListEvents(ctx, "inst-1", 2, 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(3), tail[0].Sequence)
	assert.Equal(t, schema.EventStepCompleted, tail[0].Kind)
	assert.Equal(t, int64(4), tail[1].Sequence)

	window, err := s.ListEvents(ctx, "inst-1", 0, 2)
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, int64(1), window[0].Sequence)
	assert.Equal(t, int64(2), window[1].Sequence)

	none, err := s.ListEvents(ctx, "ghost", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStore_ListEventsReturnsClones(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.AppendEvent(ctx, &schema.Event{
		InstanceID: "inst-1",
		Kind:       schema.EventStepCompleted,
		Data:       map[string]any{"output": map[string]any{"total": 42.0}},
	}))

	events, err := s.ListEvents(ctx, "inst-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	events[0].Data["output"].(map[string]any)["total"] = 0.0

	again, err := s.ListEvents(ctx, "inst-1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 42.0, again[0].Data["output"].(map[string]any)["total"])
}

func TestMemoryStore_ReplayEventsDetectsGaps(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.AppendEvent(ctx, &schema.Event{InstanceID: "inst-1", Kind: schema.EventInstanceStarted}))
	require.NoError(t, s.AppendEvent(ctx, &schema.Event{InstanceID: "inst-1", Kind: schema.EventInstanceCompleted}))

	events, err := s.ReplayEvents(ctx, "inst-1")
	require.NoError(t, err)
	assert.Len(t, events, 2)

	// Introduce a hole the way a partial deletion would.
	s.mu.Lock()
	s.events["inst-1"] = []*schema.Event{s.events["inst-1"][0], {
		ID: "e-3", InstanceID: "inst-1", Sequence: 3,
		Kind: schema.EventInstanceCompleted, At: time.Now().UTC(),
	}}
	s.mu.Unlock()

	_, err = s.ReplayEvents(ctx, "inst-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event log gap")
	assert.Contains(t, err.Error(), "expected sequence 2")
}

// --- timer projection tests ---

func TestMemoryStore_DueTimers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	overdue := testInstance("inst-overdue", schema.InstanceStatusWaiting)
	overdue.Waits = []schema.Wait{{StepID: "cooldown", Kind: schema.StepKindTimer, DueAt: now.Add(-time.Minute)}}
	mustSaveInstance(t, s, overdue)

	soon := testInstance("inst-soon", schema.InstanceStatusWaiting)
	soon.Waits = []schema.Wait{{StepID: "grace", Kind: schema.StepKindTimer, DueAt: now.Add(-time.Second)}}
	mustSaveInstance(t, s, soon)

	future := testInstance("inst-future", schema.InstanceStatusWaiting)
	future.Waits = []schema.Wait{{StepID: "cooldown", Kind: schema.StepKindTimer, DueAt: now.Add(time.Hour)}}
	mustSaveInstance(t, s, future)

	callback := testInstance("inst-callback", schema.InstanceStatusWaiting)
	callback.Waits = []schema.Wait{{StepID: "confirm", Kind: schema.StepKindCallback, Token: "tok-1"}}
	mustSaveInstance(t, s, callback)

	running := testInstance("inst-running", schema.InstanceStatusRunning)
	running.Waits = []schema.Wait{{StepID: "cooldown", Kind: schema.StepKindTimer, DueAt: now.Add(-time.Minute)}}
	mustSaveInstance(t, s, running)

	due, err := s.DueTimers(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	// Earliest deadline first.
	assert.Equal(t, "inst-overdue", due[0].InstanceID)
	assert.Equal(t, "cooldown", due[0].StepID)
	assert.Equal(t, "inst-soon", due[1].InstanceID)

	one, err := s.DueTimers(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "inst-overdue", one[0].InstanceID)
}

// --- schedule tests ---

func TestMemoryStore_ScheduleLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	next := time.Now().UTC().Add(time.Hour)
	sched := &Schedule{
		ID:         "sched-1",
		Definition: "order-approval",
		Cron:       "0 9 * * *",
		Input:      map[string]any{"source": "cron"},
		Enabled:    true,
		NextRunAt:  &next,
	}
	require.NoError(t, s.SaveSchedule(ctx, sched))

	back, err := s.GetSchedule(ctx, "sched-1")
	require.NoError(t, err)
	assert.Equal(t, "order-approval", back.Definition)
	assert.False(t, back.CreatedAt.IsZero())
	require.NotNil(t, back.NextRunAt)
	assert.True(t, back.NextRunAt.Equal(next))

	// Returned schedules are clones.
	back.Input["source"] = "manual"
	*back.NextRunAt = time.Time{}
	again, err := s.GetSchedule(ctx, "sched-1")
	require.NoError(t, err)
	assert.Equal(t, "cron", again.Input["source"])
	assert.True(t, again.NextRunAt.Equal(next))

	// Save upserts.
	sched.Enabled = false
	require.NoError(t, s.SaveSchedule(ctx, sched))
	again, err = s.GetSchedule(ctx, "sched-1")
	require.NoError(t, err)
	assert.False(t, again.Enabled)

	require.NoError(t, s.DeleteSchedule(ctx, "sched-1"))
	_, err = s.GetSchedule(ctx, "sched-1")
	assert.True(t, schema.IsNotFound(err))
	err = s.DeleteSchedule(ctx, "sched-1")
	assert.True(t, schema.IsNotFound(err))
}

func TestMemoryStore_SaveScheduleValidatesID(t *testing.T) {
	s := NewMemoryStore()

	require.Error(t, s.SaveSchedule(context.Background(), nil))
	err := s.SaveSchedule(context.Background(), &Schedule{Definition: "order-approval"})
	require.Error(t, err)

	var lerr *schema.LoomError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, schema.ErrCodeValidation, lerr.Code)
}

func TestMemoryStore_ListSchedulesFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	early := now.Add(time.Minute)
	late := now.Add(time.Hour)
	require.NoError(t, s.SaveSchedule(ctx, &Schedule{ID: "sched-late", Definition: "a", Cron: "@daily", Enabled: true, NextRunAt: &late}))
	require.NoError(t, s.SaveSchedule(ctx, &Schedule{ID: "sched-early", Definition: "b", Cron: "@hourly", Enabled: true, NextRunAt: &early}))
	require.NoError(t, s.SaveSchedule(ctx, &Schedule{ID: "sched-idle", Definition: "c", Cron: "@daily", Enabled: false}))

	all, err := s.ListSchedules(ctx, ScheduleFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Soonest next run first, schedules without one last.
	assert.Equal(t, "sched-early", all[0].ID)
	assert.Equal(t, "sched-late", all[1].ID)
	assert.Equal(t, "sched-idle", all[2].ID)

	enabled := true
	active, err := s.ListSchedules(ctx, ScheduleFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	disabled := false
	idle, err := s.ListSchedules(ctx, ScheduleFilter{Enabled: &disabled})
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, "sched-idle", idle[0].ID)

	limited, err := s.ListSchedules(ctx, ScheduleFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "sched-early", limited[0].ID)
}

// --- migration and lifecycle ---

func TestMemoryStore_MigrateAndCloseAreNoops(t *testing.T) {
	s := NewMemoryStore()
	assert.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, s.Close())
}
