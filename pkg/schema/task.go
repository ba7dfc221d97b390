package schema

import "time"

// DefaultMaxRetries is the retry budget applied when a task does not set one.
const DefaultMaxRetries = 3

// Task is a single unit of work scheduled onto an agent.
type Task struct {
	ID           string     `json:"id"`
	Type         TaskType   `json:"type"`
	Priority     int        `json:"priority"`
	Prompt       string     `json:"prompt"`
	Dependencies []string   `json:"dependencies,omitempty"`
	Status       TaskStatus `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	Result       string     `json:"result,omitempty"`
	Error        string     `json:"error,omitempty"`

	AgentRole  string `json:"agent_role,omitempty"`  // only agents with this role may run the task
	AgentID    string `json:"agent_id,omitempty"`    // agent bound by the last dispatch
	WorkflowID string `json:"workflow_id,omitempty"` // set for workflow-step tasks
	NodeID     string `json:"node_id,omitempty"`     // set for workflow-step tasks
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Dependencies != nil {
		cp.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	return &cp
}

// CanRetry reports whether the task still has retry budget left.
func (t *Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// QueueStats is a point-in-time count of tasks by status.
type QueueStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Agent is a capacity slot tasks are bound to.
type Agent struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Type      string      `json:"type"` // llm, system, human, service, external
	Role      string      `json:"role,omitempty"`
	Status    AgentStatus `json:"status"`
	TaskID    string      `json:"task_id,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// Agent types. Every type except external runs its tasks on the local
// execution backend.
const (
	AgentTypeLLM     = "llm"
	AgentTypeSystem  = "system"
	AgentTypeHuman   = "human"
	AgentTypeService = "service"

	// AgentTypeExternal marks an agent that executes tasks outside the
	// process. Bound tasks are announced to it and finished through the
	// queue's CompleteTask instead of running on the local backend.
	AgentTypeExternal = "external"
)
