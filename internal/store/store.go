package store

import (
	"context"

	"github.com/rendis/conductor/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Tasks
	SaveTask(ctx context.Context, task *schema.Task) error
	DeleteTask(ctx context.Context, id string) error
	LoadAllTasks(ctx context.Context) ([]*schema.Task, error)

	// Workflows
	SaveWorkflow(ctx context.Context, wf *schema.Workflow) error
	DeleteWorkflow(ctx context.Context, id string) error
	LoadAllWorkflows(ctx context.Context) ([]*schema.Workflow, error)

	// Agents
	SaveAgent(ctx context.Context, agent *schema.Agent) error
	LoadAllAgents(ctx context.Context) ([]*schema.Agent, error)

	// Scheduled Jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Event history (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, filter EventFilter) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
