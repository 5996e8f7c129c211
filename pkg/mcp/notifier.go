package mcp

import (
	"context"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/loomrun/loom/internal/streaming"
)

// InstanceNotifier pushes notifications about an instance to whichever
// session is watching it.
type InstanceNotifier interface {
	Notify(ctx context.Context, instanceID string, payload map[string]any) error
}

// MCPNotifier implements InstanceNotifier using MCP push notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via MCP notifications.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the session watching the instance.
// Best-effort: returns nil if nobody is watching.
func (n *MCPNotifier) Notify(_ context.Context, instanceID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(instanceID)
	if !ok {
		return nil // nobody watching, best-effort
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send; not an error.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// Forward bridges hub events into MCP notifications until ctx is done.
// Each event is delivered to the session watching its instance; sessions
// without a watch, and delivery failures, are silently skipped.
func (n *MCPNotifier) Forward(ctx context.Context, hub streaming.Hub) error {
	ch, cancel, err := hub.Subscribe(ctx, streaming.Filter{})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			payload := map[string]any{
				"instance_id": e.InstanceID,
				"kind":        e.Kind,
				"at":          e.At.Format(time.RFC3339Nano),
			}
			if e.StepID != "" {
				payload["step_id"] = e.StepID
			}
			if len(e.Data) > 0 {
				payload["data"] = e.Data
			}
			_ = n.Notify(ctx, e.InstanceID, payload)
		}
	}
}
