// Package agents tracks the agents tasks are dispatched to and runs bound
// tasks on an execution backend.
package agents

import (
	"context"

	"github.com/rendis/conductor/pkg/schema"
)

// Registry is the queue's view of the agent pool.
type Registry interface {
	// ListAvailableAgents returns idle agents that can take a task, in
	// registration order.
	ListAvailableAgents(ctx context.Context) ([]*schema.Agent, error)
	// BindTask hands a running task to an agent. The agent must already be
	// marked busy. The outcome is reported asynchronously to the Completer.
	BindTask(ctx context.Context, agentID string, task *schema.Task) error
	// SetAgentStatus flips an agent's busy/idle flag.
	SetAgentStatus(ctx context.Context, agentID string, status schema.AgentStatus) error
}

// Completer receives execution outcomes. Implemented by the task queue.
type Completer interface {
	CompleteTask(ctx context.Context, taskID, result string, execErr error)
	// RequeueTask hands back a task whose execution was interrupted by the
	// pool shutting down. It does not count as an attempt.
	RequeueTask(ctx context.Context, taskID string)
}

// AgentStore persists agent records. Satisfied by store.Store.
type AgentStore interface {
	SaveAgent(ctx context.Context, a *schema.Agent) error
	LoadAllAgents(ctx context.Context) ([]*schema.Agent, error)
}

// TaskNotifier announces tasks bound to external agents.
type TaskNotifier interface {
	NotifyTask(ctx context.Context, agentID string, task *schema.Task) error
}
