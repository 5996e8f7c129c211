package schema

import "time"

// Event kind constants for the engine event stream.
const (
	EventInstanceStarted   = "instance_started"
	EventInstanceCompleted = "instance_completed"
	EventInstanceFailed    = "instance_failed"
	EventInstanceCancelled = "instance_cancelled"
	EventInstanceWaiting   = "instance_waiting"
	EventInstanceResumed   = "instance_resumed"
	EventInstanceRetried   = "instance_retried"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"

	EventTaskCreated   = "task_created"
	EventTaskCompleted = "task_completed"
	EventTaskRejected  = "task_rejected"

	EventTimerScheduled     = "timer_scheduled"
	EventTimerFired         = "timer_fired"
	EventCallbackRegistered = "callback_registered"
	EventCallbackReceived   = "callback_received"

	EventBranchStarted   = "branch_started"
	EventBranchCompleted = "branch_completed"
	EventJoinCompleted   = "join_completed"
)

// Event is a single engine occurrence, delivered best-effort to event sinks
// and, when a store is configured, appended to the per-instance event log.
type Event struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instance_id"`
	Sequence   int64          `json:"sequence,omitempty"`
	Kind       string         `json:"kind"`
	StepID     string         `json:"step_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	At         time.Time      `json:"at"`
}

// InstanceStatus represents the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstanceStatusPending   InstanceStatus = "pending"
	InstanceStatusRunning   InstanceStatus = "running"
	InstanceStatusWaiting   InstanceStatus = "waiting"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusFailed    InstanceStatus = "failed"
	InstanceStatusCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether the status admits no further driving.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceStatusCompleted, InstanceStatusFailed, InstanceStatusCancelled:
		return true
	default:
		return false
	}
}

// StepStatus represents the outcome state of one step attempt or branch.
type StepStatus string

const (
	StepStatusRunning   StepStatus = "running"
	StepStatusWaiting   StepStatus = "waiting"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusCancelled StepStatus = "cancelled"
)

// Terminal reports whether the step reached a final per-branch state.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusSkipped, StepStatusCancelled:
		return true
	default:
		return false
	}
}

// Settled reports whether a branch holding this status no longer occupies a
// worker: terminal or parked on an external signal.
func (s StepStatus) Settled() bool {
	return s.Terminal() || s == StepStatusWaiting
}
