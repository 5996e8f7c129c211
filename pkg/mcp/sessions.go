package mcp

import "sync"

// SessionRegistry maps instance IDs to the MCP session driving them.
// Populated automatically when a session starts or acts on an instance.
type SessionRegistry struct {
	mu       sync.RWMutex
	watchers map[string]string // instanceID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{watchers: make(map[string]string)}
}

// Watch associates an instance with a session ID.
// If the instance already has a watcher, it is overwritten (reconnect or
// hand-off to another session).
func (r *SessionRegistry) Watch(instanceID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers[instanceID] = sessionID
}

// SessionFor returns the session watching the given instance, if any.
func (r *SessionRegistry) SessionFor(instanceID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.watchers[instanceID]
	return sid, ok
}

// Remove deletes all instance watches held by the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sid := range r.watchers {
		if sid == sessionID {
			delete(r.watchers, id)
		}
	}
}
