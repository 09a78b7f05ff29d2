package mcp

import "sync"

// SessionRegistry maps user IDs to MCP session IDs.
// Populated when a run tool is called with a user_id.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // userID -> sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a user ID with a session ID, replacing any earlier one.
func (r *SessionRegistry) Register(userID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[userID] = sessionID
}

// SessionFor returns the session ID for the given user, if connected.
func (r *SessionRegistry) SessionFor(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[userID]
	return sid, ok
}

// Remove deletes every user mapped to the given session ID.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for uid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, uid)
		}
	}
}
