// Package store persists workflow definitions, instances, human tasks,
// schedules, and the per-instance event log. The engine works against the
// Store interface and tolerates running without one; LibSQLStore is the
// durable implementation and MemoryStore backs tests and ephemeral runs.
package store

import (
	"context"
	"time"

	"github.com/loomrun/loom/pkg/schema"
)

// Store is the persistence boundary. Instance snapshots are saved after
// every transition, so any implementation must treat SaveInstance as an
// upsert. Events are append-only with a per-instance contiguous sequence.
type Store interface {
	// Migrate brings the backing schema up to date. Safe to call on every
	// startup.
	Migrate(ctx context.Context) error

	// Definition documents.
	SaveDocument(ctx context.Context, doc *schema.DefinitionDocument, active bool) error
	LoadDocument(ctx context.Context, name, version string) (*schema.DefinitionDocument, error)
	ListDocuments(ctx context.Context) ([]DocumentInfo, error)
	SetDocumentActive(ctx context.Context, name, version string, active bool) error

	// Instance snapshots.
	SaveInstance(ctx context.Context, inst *schema.WorkflowInstance) error
	LoadInstance(ctx context.Context, id string) (*schema.WorkflowInstance, error)
	ListInstances(ctx context.Context, f InstanceFilter) ([]*schema.WorkflowInstance, error)
	DeleteInstance(ctx context.Context, id string) error

	// Human task inbox.
	SaveTask(ctx context.Context, task *TaskRecord) error
	GetTask(ctx context.Context, id string) (*TaskRecord, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]*TaskRecord, error)

	// Event log. AppendEvent assigns the next sequence for the event's
	// instance and fills ID and At when unset.
	AppendEvent(ctx context.Context, e *schema.Event) error
	ListEvents(ctx context.Context, instanceID string, afterSeq int64, limit int) ([]*schema.Event, error)

	// Timer waits due at or before the given time, across all waiting
	// instances. The scheduler polls this.
	DueTimers(ctx context.Context, before time.Time, limit int) ([]TimerWait, error)

	// Recurring start schedules.
	SaveSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	ListSchedules(ctx context.Context, f ScheduleFilter) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	Close() error
}

// storeNotFound builds the canonical not-found error for a record kind.
func storeNotFound(kind, id string) *schema.LoomError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s not found: %s", kind, id)
}
