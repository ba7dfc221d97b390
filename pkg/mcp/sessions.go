package mcp

import (
	"slices"
	"sync"
)

// SessionRegistry maps agent IDs to MCP session IDs. Filled when an agent
// registers or reports a task; one session may serve several agents.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string   // agentID → sessionID
	agents   map[string][]string // sessionID → agentIDs
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]string),
		agents:   make(map[string][]string),
	}
}

// Register associates an agent ID with a session ID, replacing any earlier
// session of the agent (reconnect).
func (r *SessionRegistry) Register(agentID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[agentID]; ok {
		if old == sessionID {
			return
		}
		r.detach(old, agentID)
	}
	r.sessions[agentID] = sessionID
	r.agents[sessionID] = append(r.agents[sessionID], agentID)
}

// SessionFor returns the session ID for the given agent, if connected.
func (r *SessionRegistry) SessionFor(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[agentID]
	return sid, ok
}

// Remove drops a closed session and returns the agents it served.
func (r *SessionRegistry) Remove(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	agents := r.agents[sessionID]
	delete(r.agents, sessionID)
	for _, aid := range agents {
		delete(r.sessions, aid)
	}
	return agents
}

func (r *SessionRegistry) detach(sessionID, agentID string) {
	rest := slices.DeleteFunc(r.agents[sessionID], func(id string) bool { return id == agentID })
	if len(rest) == 0 {
		delete(r.agents, sessionID)
		return
	}
	r.agents[sessionID] = rest
}
