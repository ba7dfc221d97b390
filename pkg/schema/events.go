package schema

// Event type constants published on the event stream.
const (
	EventTaskEnqueued  = "task_enqueued"
	EventTaskStarted   = "task_started"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
	EventTaskRetrying  = "task_retrying"
	EventTaskRemoved   = "task_removed"
	EventTaskRequeued  = "task_requeued"

	EventWorkflowCreated   = "workflow_created"
	EventWorkflowUpdated   = "workflow_updated"
	EventWorkflowDeleted   = "workflow_deleted"
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"

	EventNodeEligible       = "node_eligible"
	EventNodeStarted        = "node_started"
	EventNodeCompleted      = "node_completed"
	EventNodeFailed         = "node_failed"
	EventNodeSkipped        = "node_skipped"
	EventConditionEvaluated = "condition_evaluated"

	EventScheduleFired = "schedule_fired"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal reports whether the status is completed or failed.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// TaskType distinguishes ad-hoc tasks from workflow steps.
type TaskType string

const (
	TaskTypeSimple       TaskType = "simple"
	TaskTypeWorkflowStep TaskType = "workflow-step"
)

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusDraft     WorkflowStatus = "draft"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
)

// NodeStatus represents the state of a node during a single run.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusEligible  NodeStatus = "eligible"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// Terminal reports whether the node has finished for this run.
func (s NodeStatus) Terminal() bool {
	return s == NodeStatusCompleted || s == NodeStatusFailed || s == NodeStatusSkipped
}

// AgentStatus is the idle/busy flag of an agent.
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusBusy    AgentStatus = "busy"
	AgentStatusOffline AgentStatus = "offline"
)
