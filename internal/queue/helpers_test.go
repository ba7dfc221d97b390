package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/conductor/pkg/schema"
)

// fakeRegistry is an in-memory agents.Registry that records every call.
type fakeRegistry struct {
	mu       sync.Mutex
	agents   []*schema.Agent
	statuses []string // "agent=status" in call order
	bound    map[string]string
	bindErr  error
}

func newFakeRegistry(agents ...*schema.Agent) *fakeRegistry {
	for _, a := range agents {
		if a.Status == "" {
			a.Status = schema.AgentStatusIdle
		}
	}
	return &fakeRegistry{agents: agents, bound: make(map[string]string)}
}

func (r *fakeRegistry) ListAvailableAgents(context.Context) ([]*schema.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*schema.Agent
	for _, a := range r.agents {
		if a.Status == schema.AgentStatusIdle {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeRegistry) BindTask(_ context.Context, agentID string, task *schema.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bindErr != nil {
		return r.bindErr
	}
	r.bound[task.ID] = agentID
	return nil
}

func (r *fakeRegistry) SetAgentStatus(_ context.Context, agentID string, status schema.AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.agents {
		if a.ID == agentID {
			a.Status = status
			r.statuses = append(r.statuses, agentID+"="+string(status))
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeAgentNotFound, "agent %q not found", agentID)
}

func (r *fakeRegistry) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.statuses...)
}

func (r *fakeRegistry) boundTo(taskID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bound[taskID]
}

// steppedClock returns strictly increasing times so CreatedAt ordering is
// deterministic.
type steppedClock struct {
	mu sync.Mutex
	t  time.Time
}

func newSteppedClock() *steppedClock {
	return &steppedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *steppedClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}
