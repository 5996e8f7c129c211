package schema

// SignalType enumerates the kinds of signals an external caller can send to
// an instance.
type SignalType string

const (
	SignalCompleteTask SignalType = "complete_task"
	SignalRejectTask   SignalType = "reject_task"
	SignalCallback     SignalType = "callback"
	SignalCancel       SignalType = "cancel"
	SignalRetry        SignalType = "retry"
)

// Signal is an externally initiated message against a workflow instance:
// completing or rejecting a human task, delivering a callback token,
// cancelling, or retrying after failure. The control surface decodes one of
// these and dispatches to the matching engine operation.
type Signal struct {
	Type       SignalType     `json:"type"`
	InstanceID string         `json:"instance_id,omitempty"`
	StepID     string         `json:"step_id,omitempty"`
	// Token routes callback signals when no instance/step pair is given.
	Token  string         `json:"token,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
	Reason string         `json:"reason,omitempty"`
}
