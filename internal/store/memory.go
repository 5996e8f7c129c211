package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomrun/loom/pkg/schema"
)

// MemoryStore is a map-backed Store for tests and ephemeral runs. Values
// are cloned on the way in and out so callers never share mutable state
// with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	docs      map[string]map[string]*docRecord
	instances map[string]*schema.WorkflowInstance
	tasks     map[string]*TaskRecord
	events    map[string][]*schema.Event
	schedules map[string]*Schedule
}

type docRecord struct {
	raw  []byte
	info DocumentInfo
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:      map[string]map[string]*docRecord{},
		instances: map[string]*schema.WorkflowInstance{},
		tasks:     map[string]*TaskRecord{},
		events:    map[string][]*schema.Event{},
		schedules: map[string]*Schedule{},
	}
}

// Migrate is a no-op for the in-memory store.
func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) SaveDocument(ctx context.Context, doc *schema.DefinitionDocument, active bool) error {
	raw, err := doc.Encode()
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "encode definition document").WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.docs[doc.Name]
	if versions == nil {
		versions = map[string]*docRecord{}
		s.docs[doc.Name] = versions
	}
	if _, exists := versions[doc.Version]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"definition %s version %s already stored", doc.Name, doc.Version)
	}
	versions[doc.Version] = &docRecord{
		raw: raw,
		info: DocumentInfo{
			Name:        doc.Name,
			Version:     doc.Version,
			Description: doc.Description,
			Active:      active,
			CreatedAt:   time.Now().UTC(),
		},
	}
	return nil
}

func (s *MemoryStore) LoadDocument(ctx context.Context, name, version string) (*schema.DefinitionDocument, error) {
	s.mu.RLock()
	rec := s.docs[name][version]
	s.mu.RUnlock()
	if rec == nil {
		return nil, storeNotFound("definition", name+"@"+version)
	}
	return schema.DecodeDocument(rec.raw)
}

func (s *MemoryStore) ListDocuments(ctx context.Context) ([]DocumentInfo, error) {
	s.mu.RLock()
	var out []DocumentInfo
	for _, versions := range s.docs {
		for _, rec := range versions {
			out = append(out, rec.info)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (s *MemoryStore) SetDocumentActive(ctx context.Context, name, version string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.docs[name][version]
	if rec == nil {
		return storeNotFound("definition", name+"@"+version)
	}
	rec.info.Active = active
	return nil
}

func (s *MemoryStore) SaveInstance(ctx context.Context, inst *schema.WorkflowInstance) error {
	if inst == nil || inst.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "instance id is required")
	}
	snap := inst.Clone()
	snap.CreatedAt = timeOrNow(snap.CreatedAt)
	snap.UpdatedAt = timeOrNow(snap.UpdatedAt)

	s.mu.Lock()
	s.instances[snap.ID] = snap
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) LoadInstance(ctx context.Context, id string) (*schema.WorkflowInstance, error) {
	s.mu.RLock()
	inst := s.instances[id]
	s.mu.RUnlock()
	if inst == nil {
		return nil, storeNotFound("instance", id)
	}
	return inst.Clone(), nil
}

func (s *MemoryStore) ListInstances(ctx context.Context, f InstanceFilter) ([]*schema.WorkflowInstance, error) {
	s.mu.RLock()
	var out []*schema.WorkflowInstance
	for _, inst := range s.instances {
		if f.Status != "" && inst.Status != f.Status {
			continue
		}
		if f.Definition != "" && inst.DefinitionName != f.Definition {
			continue
		}
		out = append(out, inst.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteInstance(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[id]; !ok {
		return storeNotFound("instance", id)
	}
	delete(s.instances, id)
	delete(s.events, id)
	for taskID, task := range s.tasks {
		if task.InstanceID == id {
			delete(s.tasks, taskID)
		}
	}
	return nil
}

func (s *MemoryStore) SaveTask(ctx context.Context, task *TaskRecord) error {
	if task == nil || task.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "task id is required")
	}
	snap := cloneTask(task)
	snap.CreatedAt = timeOrNow(snap.CreatedAt)

	s.mu.Lock()
	s.tasks[snap.ID] = snap
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	s.mu.RLock()
	task := s.tasks[id]
	s.mu.RUnlock()
	if task == nil {
		return nil, storeNotFound("task", id)
	}
	return cloneTask(task), nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, f TaskFilter) ([]*TaskRecord, error) {
	s.mu.RLock()
	var out []*TaskRecord
	for _, task := range s.tasks {
		if f.InstanceID != "" && task.InstanceID != f.InstanceID {
			continue
		}
		if f.Assignee != "" && task.Assignee != f.Assignee {
			continue
		}
		if f.Status != "" && task.Status != f.Status {
			continue
		}
		if f.DueBefore != nil && (task.DueAt.IsZero() || task.DueAt.After(*f.DueBefore)) {
			continue
		}
		out = append(out, cloneTask(task))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, e *schema.Event) error {
	if e == nil || e.InstanceID == "" {
		return schema.NewError(schema.ErrCodeValidation, "event instance id is required")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.At = timeOrNow(e.At)

	s.mu.Lock()
	e.Sequence = int64(len(s.events[e.InstanceID])) + 1
	s.events[e.InstanceID] = append(s.events[e.InstanceID], cloneEvent(e))
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, instanceID string, afterSeq int64, limit int) ([]*schema.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*schema.Event
	for _, e := range s.events[instanceID] {
		if e.Sequence <= afterSeq {
			continue
		}
		out = append(out, cloneEvent(e))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ReplayEvents mirrors the libsql contiguity check so tests exercise the
// same contract against either backend.
func (s *MemoryStore) ReplayEvents(ctx context.Context, instanceID string) ([]*schema.Event, error) {
	events, err := s.ListEvents(ctx, instanceID, 0, 0)
	if err != nil {
		return nil, err
	}
	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"event log gap for instance %s: expected sequence %d, found %d",
				instanceID, expected, e.Sequence).WithInstance(instanceID)
		}
	}
	return events, nil
}

func (s *MemoryStore) DueTimers(ctx context.Context, before time.Time, limit int) ([]TimerWait, error) {
	s.mu.RLock()
	var out []TimerWait
	for _, inst := range s.instances {
		if inst.Status != schema.InstanceStatusWaiting {
			continue
		}
		for _, w := range inst.Waits {
			if w.Kind != schema.StepKindTimer || w.DueAt.After(before) {
				continue
			}
			out = append(out, TimerWait{InstanceID: inst.ID, StepID: w.StepID, DueAt: w.DueAt})
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].DueAt.Before(out[j].DueAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SaveSchedule(ctx context.Context, sched *Schedule) error {
	if sched == nil || sched.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "schedule id is required")
	}
	snap := cloneSchedule(sched)
	snap.CreatedAt = timeOrNow(snap.CreatedAt)
	snap.UpdatedAt = timeOrNow(snap.UpdatedAt)

	s.mu.Lock()
	s.schedules[snap.ID] = snap
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	s.mu.RLock()
	sched := s.schedules[id]
	s.mu.RUnlock()
	if sched == nil {
		return nil, storeNotFound("schedule", id)
	}
	return cloneSchedule(sched), nil
}

func (s *MemoryStore) ListSchedules(ctx context.Context, f ScheduleFilter) ([]*Schedule, error) {
	s.mu.RLock()
	var out []*Schedule
	for _, sched := range s.schedules {
		if f.Enabled != nil && sched.Enabled != *f.Enabled {
			continue
		}
		out = append(out, cloneSchedule(sched))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ni, nj := out[i].NextRunAt, out[j].NextRunAt
		switch {
		case ni == nil:
			return false
		case nj == nil:
			return true
		default:
			return ni.Before(*nj)
		}
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteSchedule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return storeNotFound("schedule", id)
	}
	delete(s.schedules, id)
	return nil
}

func cloneTask(t *TaskRecord) *TaskRecord {
	out := *t
	out.InputSchema = cloneValueMap(t.InputSchema)
	if t.ResolvedAt != nil {
		at := *t.ResolvedAt
		out.ResolvedAt = &at
	}
	return &out
}

func cloneSchedule(s *Schedule) *Schedule {
	out := *s
	out.Input = cloneValueMap(s.Input)
	if s.NextRunAt != nil {
		at := *s.NextRunAt
		out.NextRunAt = &at
	}
	if s.LastRunAt != nil {
		at := *s.LastRunAt
		out.LastRunAt = &at
	}
	return &out
}

func cloneEvent(e *schema.Event) *schema.Event {
	out := *e
	out.Data = cloneValueMap(e.Data)
	return &out
}

func cloneValueMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneValueMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
