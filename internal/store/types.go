package store

import (
	"encoding/json"
	"time"
)

// ScheduledJob is a cron-triggered run of a workflow.
type ScheduledJob struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	CronExpression string          `json:"cron_expression"`
	Input          json.RawMessage `json:"input,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ScheduledJobUpdate holds optional fields for updating a scheduled job.
type ScheduledJobUpdate struct {
	CronExpression *string    `json:"cron_expression,omitempty"`
	Enabled        *bool      `json:"enabled,omitempty"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus  *string    `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter defines query criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// Event is an immutable entry in the event history.
type Event struct {
	ID         int64           `json:"id"`
	WorkflowID string          `json:"workflow_id,omitempty"`
	NodeID     string          `json:"node_id,omitempty"`
	TaskID     string          `json:"task_id,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"` // per workflow; standalone tasks share the "" stream
}

// EventFilter defines query criteria for reading the event history.
type EventFilter struct {
	WorkflowID    string    `json:"workflow_id,omitempty"`
	TaskID        string    `json:"task_id,omitempty"`
	EventTypes    []string  `json:"event_types,omitempty"`
	SinceSequence int64     `json:"since_sequence,omitempty"`
	Since         time.Time `json:"since,omitempty"`
	Limit         int       `json:"limit,omitempty"`
}
