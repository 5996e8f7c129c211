package schema

import (
	"encoding/json"
	"sync"
	"time"
)

// StepExecution is the immutable record of one attempted step: appended to
// the context history when the attempt settles, never mutated afterwards.
type StepExecution struct {
	StepID    string     `json:"step_id"`
	Status    StepStatus `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   time.Time  `json:"ended_at"`
	Output    any        `json:"output,omitempty"`
	Error     string     `json:"error,omitempty"`
	// Attempts counts handler invocations for automated steps driven by a
	// retry policy. 1 for everything else.
	Attempts int `json:"attempts,omitempty"`
}

// WorkflowContext is the mutable data bag of one workflow instance: shared
// key/value data (last-write-wins), metadata frozen at start, and the ordered
// history of step executions. It is owned by exactly one instance and safe
// for concurrent use by parallel branches.
type WorkflowContext struct {
	mu      sync.RWMutex
	data    map[string]any
	meta    map[string]any
	history []StepExecution

	// Owning instance identity, bound once by the engine so expressions and
	// token templates can reference it.
	instanceID        string
	definitionName    string
	definitionVersion string
}

// NewWorkflowContext builds a context seeded with initial data and metadata.
// Both maps are copied.
func NewWorkflowContext(data, meta map[string]any) *WorkflowContext {
	return &WorkflowContext{
		data: copyMap(data),
		meta: copyMap(meta),
	}
}

// Bind attaches the owning instance identity. The engine calls this once at
// instance creation and again after rehydrating a persisted context.
func (c *WorkflowContext) Bind(instanceID, definition, version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instanceID = instanceID
	c.definitionName = definition
	c.definitionVersion = version
}

// InstanceID returns the bound owning instance id.
func (c *WorkflowContext) InstanceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instanceID
}

// Definition returns the bound definition name and version.
func (c *WorkflowContext) Definition() (string, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.definitionName, c.definitionVersion
}

// Set stores a value under key, replacing any previous value.
func (c *WorkflowContext) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = make(map[string]any)
	}
	c.data[key] = value
}

// Get returns the value stored under key.
func (c *WorkflowContext) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

// Update applies fn to the current value of key and stores the result, as a
// single atomic operation. Parallel branches use this instead of Get+Set to
// mutate shared structures such as accumulator lists.
func (c *WorkflowContext) Update(key string, fn func(current any) any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = make(map[string]any)
	}
	c.data[key] = fn(c.data[key])
}

// Merge writes every entry of values into the data bag, last write wins.
func (c *WorkflowContext) Merge(values map[string]any) {
	if len(values) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = make(map[string]any, len(values))
	}
	for k, v := range values {
		c.data[k] = v
	}
}

// Data returns a copy of the data bag.
func (c *WorkflowContext) Data() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyMap(c.data)
}

// Meta returns the metadata value stored under key.
func (c *WorkflowContext) Meta(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.meta[key]
	return v, ok
}

// Metadata returns a copy of the metadata captured at start.
func (c *WorkflowContext) Metadata() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyMap(c.meta)
}

// Record appends an execution record to the history, keeping the history
// ordered by start time. Only the engine records executions.
func (c *WorkflowContext) Record(exec StepExecution) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := len(c.history)
	for i > 0 && c.history[i-1].StartedAt.After(exec.StartedAt) {
		i--
	}
	c.history = append(c.history, StepExecution{})
	copy(c.history[i+1:], c.history[i:])
	c.history[i] = exec
}

// History returns a copy of the execution history, ordered by start time.
func (c *WorkflowContext) History() []StepExecution {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]StepExecution, len(c.history))
	copy(out, c.history)
	return out
}

// LastExecution returns the most recent record for stepID.
func (c *WorkflowContext) LastExecution(stepID string) (StepExecution, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.history) - 1; i >= 0; i-- {
		if c.history[i].StepID == stepID {
			return c.history[i], true
		}
	}
	return StepExecution{}, false
}

// Executions returns every record for stepID, oldest first.
func (c *WorkflowContext) Executions(stepID string) []StepExecution {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []StepExecution
	for _, e := range c.history {
		if e.StepID == stepID {
			out = append(out, e)
		}
	}
	return out
}

// Clone returns a deep-enough copy for persistence snapshots: maps and the
// history slice are copied, values are shared.
func (c *WorkflowContext) Clone() *WorkflowContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	clone := &WorkflowContext{
		data:              copyMap(c.data),
		meta:              copyMap(c.meta),
		instanceID:        c.instanceID,
		definitionName:    c.definitionName,
		definitionVersion: c.definitionVersion,
	}
	clone.history = make([]StepExecution, len(c.history))
	copy(clone.history, c.history)
	return clone
}

type contextSnapshot struct {
	Data    map[string]any  `json:"data,omitempty"`
	Meta    map[string]any  `json:"meta,omitempty"`
	History []StepExecution `json:"history,omitempty"`
}

// MarshalJSON serializes the context for persistence.
func (c *WorkflowContext) MarshalJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(contextSnapshot{
		Data:    c.data,
		Meta:    c.meta,
		History: c.history,
	})
}

// UnmarshalJSON rehydrates a persisted context.
func (c *WorkflowContext) UnmarshalJSON(b []byte) error {
	var snap contextSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = snap.Data
	c.meta = snap.Meta
	c.history = snap.History
	return nil
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
