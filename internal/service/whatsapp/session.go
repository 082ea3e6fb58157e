package whatsapp

import (
	"maps"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// FlowSession is the form state collected across the screens of one flow.
type FlowSession struct {
	Screen string
	Fields map[string]any
}

// SessionManager keeps flow form state keyed by flow token. It lives in
// memory only; a restart drops unfinished forms. At most limit flows are kept
// and a flow not touched for ttl is dropped. Zero disables either bound.
type SessionManager struct {
	sessions *lru.LRU[string, FlowSession]
	mu       sync.Mutex
}

// NewSessionManager creates a new session manager.
func NewSessionManager(limit int, ttl time.Duration) *SessionManager {
	return &SessionManager{
		sessions: lru.NewLRU[string, FlowSession](limit, nil, ttl),
	}
}

// GetSession retrieves a copy of the state for a flow token.
func (sm *SessionManager) GetSession(token string) FlowSession {
	if state, exists := sm.sessions.Get(token); exists {
		return FlowSession{Screen: state.Screen, Fields: maps.Clone(state.Fields)}
	}
	return FlowSession{Fields: map[string]any{}}
}

// Merge records the fields submitted on screen, refreshes the flow's ttl and
// returns the updated state.
func (sm *SessionManager) Merge(token, screen string, fields map[string]any) FlowSession {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	merged := map[string]any{}
	if state, exists := sm.sessions.Get(token); exists {
		maps.Copy(merged, state.Fields)
	}
	maps.Copy(merged, fields)
	sm.sessions.Add(token, FlowSession{Screen: screen, Fields: merged})

	return FlowSession{Screen: screen, Fields: maps.Clone(merged)}
}

// ClearSession removes a flow token's state.
func (sm *SessionManager) ClearSession(token string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.sessions.Remove(token)
}

// Len reports how many flows are in progress. Expired flows count until the
// cache's background sweep drops them.
func (sm *SessionManager) Len() int {
	return sm.sessions.Len()
}
