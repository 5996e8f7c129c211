package schema

import "time"

// TaskDescriptor is what the engine exposes to the task inbox when a human
// step is entered. Completing the task through the engine merges the
// supplied data into the instance context and resumes the walk.
type TaskDescriptor struct {
	ID          string         `json:"id"`
	InstanceID  string         `json:"instance_id"`
	StepID      string         `json:"step_id"`
	Title       string         `json:"title"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	Assignee    string         `json:"assignee,omitempty"`
	DueAt       time.Time      `json:"due_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
