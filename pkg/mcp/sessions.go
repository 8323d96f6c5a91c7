package mcp

import (
	"slices"
	"sync"
)

// WatchAll subscribes a session to every collection.
const WatchAll = "*"

// SessionRegistry maps MCP session IDs to the collections they watch.
// Populated by chanops.watch; sessions are dropped when they disconnect.
type SessionRegistry struct {
	mu      sync.RWMutex
	watches map[string]map[string]struct{} // sessionID → collections
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{watches: make(map[string]map[string]struct{})}
}

// Watch subscribes sessionID to collection. Watching twice is a no-op.
func (r *SessionRegistry) Watch(sessionID, collection string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.watches[sessionID]
	if !ok {
		set = make(map[string]struct{})
		r.watches[sessionID] = set
	}
	set[collection] = struct{}{}
}

// Unwatch drops one subscription. The session is forgotten once it
// watches nothing.
func (r *SessionRegistry) Unwatch(sessionID, collection string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.watches[sessionID]
	if !ok {
		return
	}
	delete(set, collection)
	if len(set) == 0 {
		delete(r.watches, sessionID)
	}
}

// Watchers returns the sessions subscribed to collection directly or via
// WatchAll, sorted.
func (r *SessionRegistry) Watchers(collection string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for sid, set := range r.watches {
		_, direct := set[collection]
		_, all := set[WatchAll]
		if direct || all {
			out = append(out, sid)
		}
	}
	slices.Sort(out)
	return out
}

// Watching reports whether sessionID watches anything.
func (r *SessionRegistry) Watching(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.watches[sessionID]
	return ok
}

// Remove deletes every subscription of a session.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watches, sessionID)
}
