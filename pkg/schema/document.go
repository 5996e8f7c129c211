package schema

import (
	"encoding/json"
	"fmt"
)

// DefinitionDocument is the JSON-serializable form of a workflow definition.
// Handlers are referenced by name and every condition is an expression
// string, so a document round-trips through storage and the control surface
// with no function values involved. The registry compiles documents into
// Definitions.
type DefinitionDocument struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description,omitempty"`
	Steps       []StepDocument `json:"steps"`
	Edges       []EdgeDocument `json:"edges,omitempty"`
	Initial     string         `json:"initial"`
	Terminals   []string       `json:"terminals"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// StepDocument describes a single step. Exactly one variant block should be
// set according to Kind; group kinds use Children/Join or Selector/Branches.
type StepDocument struct {
	ID          string   `json:"id"`
	Kind        StepKind `json:"kind"`
	Description string   `json:"description,omitempty"`
	// Guard is an expression evaluated before execution; false skips the
	// step.
	Guard string `json:"guard,omitempty"`

	Automated *AutomatedDocument `json:"automated,omitempty"`
	Human     *HumanDocument     `json:"human,omitempty"`
	Gateway   *GatewayDocument   `json:"gateway,omitempty"`
	Timer     *TimerDocument     `json:"timer,omitempty"`
	Callback  *CallbackDocument  `json:"callback,omitempty"`

	Children []StepDocument          `json:"children,omitempty"`
	Join     *StepDocument           `json:"join,omitempty"`
	Selector string                  `json:"selector,omitempty"`
	Branches map[string]StepDocument `json:"branches,omitempty"`
	Default  string                  `json:"default,omitempty"`
}

// AutomatedDocument references a named handler from the handler registry.
type AutomatedDocument struct {
	Handler string               `json:"handler"`
	Params  map[string]any       `json:"params,omitempty"`
	Retry   *RetryPolicyDocument `json:"retry,omitempty"`
}

// RetryPolicyDocument is the textual form of a retry policy; delays are
// Go duration strings (e.g. "500ms", "5s").
type RetryPolicyDocument struct {
	MaxAttempts int    `json:"max_attempts"`
	Backoff     string `json:"backoff,omitempty"`
	Delay       string `json:"delay,omitempty"`
	MaxDelay    string `json:"max_delay,omitempty"`
}

// HumanDocument configures a human task step.
type HumanDocument struct {
	Title       string         `json:"title"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	Assignee    string         `json:"assignee,omitempty"`
	DueIn       string         `json:"due_in,omitempty"`
}

// GatewayDocument configures a routing step.
type GatewayDocument struct {
	Mode    GatewayMode     `json:"mode,omitempty"`
	Routes  []RouteDocument `json:"routes"`
	Default string          `json:"default,omitempty"`
}

// RouteDocument is one gateway routing rule.
type RouteDocument struct {
	When string `json:"when,omitempty"`
	To   string `json:"to"`
}

// TimerDocument configures a delay step. Duration is a Go duration string;
// DurationFrom derives the delay from context at runtime.
type TimerDocument struct {
	Duration     string `json:"duration,omitempty"`
	DurationFrom string `json:"duration_from,omitempty"`
}

// CallbackDocument configures a correlation-token wait step.
type CallbackDocument struct {
	Token string `json:"token"`
}

// EdgeDocument is one directed edge with an optional guard expression.
type EdgeDocument struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Guard string `json:"guard,omitempty"`
}

// DecodeDocument parses a definition document from JSON.
func DecodeDocument(data []byte) (*DefinitionDocument, error) {
	var doc DefinitionDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "malformed definition document: %v", err).WithCause(err)
	}
	return &doc, nil
}

// Encode serializes the document back to JSON.
func (d *DefinitionDocument) Encode() ([]byte, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode definition document: %w", err)
	}
	return b, nil
}
