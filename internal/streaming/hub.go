// Package streaming fans engine events out to live subscribers: the MCP
// notification bridge, tests, and anything else that wants to watch an
// instance run. Delivery is best-effort; the persisted event log is the
// durable record.
package streaming

import (
	"context"

	"github.com/loomrun/loom/pkg/schema"
)

// Filter narrows a subscription to one instance and/or a set of event
// kinds. Zero value receives everything.
type Filter struct {
	InstanceID string   `json:"instance_id,omitempty"`
	Kinds      []string `json:"kinds,omitempty"`
}

// Hub is pub/sub for engine events. Publish must never block: a slow
// subscriber loses events rather than stalling the engine.
type Hub interface {
	Publish(e schema.Event)
	Subscribe(ctx context.Context, filter Filter) (<-chan schema.Event, func(), error)
}

// Fanout publishes to several sinks in order. Subscribe goes to the first
// hub; the rest are publish-only sinks such as log bridges.
type Fanout []Hub

func (f Fanout) Publish(e schema.Event) {
	for _, h := range f {
		h.Publish(e)
	}
}

func (f Fanout) Subscribe(ctx context.Context, filter Filter) (<-chan schema.Event, func(), error) {
	if len(f) == 0 {
		return nil, nil, schema.NewError(schema.ErrCodeExecution, "fanout has no hubs")
	}
	return f[0].Subscribe(ctx, filter)
}
