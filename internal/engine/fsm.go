package engine

import (
	"github.com/loomrun/loom/pkg/schema"
)

// instanceTransitions is the allowed instance lifecycle graph. Terminal
// states admit nothing except failed, which a retry moves back to running.
var instanceTransitions = map[schema.InstanceStatus][]schema.InstanceStatus{
	schema.InstanceStatusPending: {
		schema.InstanceStatusRunning,
		schema.InstanceStatusCancelled,
	},
	schema.InstanceStatusRunning: {
		schema.InstanceStatusWaiting,
		schema.InstanceStatusCompleted,
		schema.InstanceStatusFailed,
		schema.InstanceStatusCancelled,
	},
	schema.InstanceStatusWaiting: {
		schema.InstanceStatusRunning,
		schema.InstanceStatusFailed,
		schema.InstanceStatusCancelled,
	},
	schema.InstanceStatusFailed: {
		schema.InstanceStatusRunning,
	},
	schema.InstanceStatusCompleted: {},
	schema.InstanceStatusCancelled: {},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to schema.InstanceStatus) bool {
	for _, allowed := range instanceTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionError builds the canonical rejection for an illegal move.
func TransitionError(instanceID string, from, to schema.InstanceStatus) *schema.LoomError {
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid instance transition: %s -> %s", from, to).
		WithInstance(instanceID).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

// instanceEventKind maps a transition to its event stream kind. The same
// target status means different things depending on where the instance came
// from: entering running is a start, a resume, or a retry.
func instanceEventKind(from, to schema.InstanceStatus) string {
	switch to {
	case schema.InstanceStatusRunning:
		switch from {
		case schema.InstanceStatusPending:
			return schema.EventInstanceStarted
		case schema.InstanceStatusWaiting:
			return schema.EventInstanceResumed
		case schema.InstanceStatusFailed:
			return schema.EventInstanceRetried
		}
	case schema.InstanceStatusWaiting:
		return schema.EventInstanceWaiting
	case schema.InstanceStatusCompleted:
		return schema.EventInstanceCompleted
	case schema.InstanceStatusFailed:
		return schema.EventInstanceFailed
	case schema.InstanceStatusCancelled:
		return schema.EventInstanceCancelled
	}
	return ""
}
