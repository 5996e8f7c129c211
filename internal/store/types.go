package store

import (
	"time"

	"github.com/loomrun/loom/pkg/schema"
)

// TaskStatus is the inbox lifecycle of a human task.
type TaskStatus string

const (
	TaskStatusOpen      TaskStatus = "open"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusRejected  TaskStatus = "rejected"
	// TaskStatusCancelled marks tasks orphaned by instance cancellation.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Open reports whether the task still accepts a resolution.
func (s TaskStatus) Open() bool { return s == TaskStatusOpen }

// TaskRecord is a persisted human task: the descriptor the engine raised
// plus its inbox state.
type TaskRecord struct {
	schema.TaskDescriptor

	Status     TaskStatus `json:"status"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// NewTaskRecord opens a record for a freshly raised descriptor.
func NewTaskRecord(desc schema.TaskDescriptor) *TaskRecord {
	return &TaskRecord{TaskDescriptor: desc, Status: TaskStatusOpen}
}

// DocumentInfo is the listing row for a stored definition document.
type DocumentInfo struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Schedule starts instances of a definition on a cron expression. An empty
// Version resolves to the highest active version at fire time.
type Schedule struct {
	ID         string         `json:"id"`
	Definition string         `json:"definition"`
	Version    string         `json:"version,omitempty"`
	Cron       string         `json:"cron"`
	Input      map[string]any `json:"input,omitempty"`
	Enabled    bool           `json:"enabled"`
	NextRunAt  *time.Time     `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time     `json:"last_run_at,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// TimerWait is one due timer suspension, projected out of instance waits.
type TimerWait struct {
	InstanceID string    `json:"instance_id"`
	StepID     string    `json:"step_id"`
	DueAt      time.Time `json:"due_at"`
}

// InstanceFilter narrows ListInstances. Zero values match everything.
type InstanceFilter struct {
	Status     schema.InstanceStatus
	Definition string
	Limit      int
	Offset     int
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	InstanceID string
	Assignee   string
	Status     TaskStatus
	DueBefore  *time.Time
	Limit      int
}

// ScheduleFilter narrows ListSchedules.
type ScheduleFilter struct {
	Enabled *bool
	Limit   int
}
