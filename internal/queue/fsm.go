package queue

import (
	"time"

	"github.com/rendis/conductor/pkg/schema"
)

// transitionVia says which operation may perform a transition.
type transitionVia uint8

const (
	viaUpdate transitionVia = 1 << iota // UpdateTaskStatus, dispatch, completion
	viaRetry                            // RetryTask and automatic retries
)

// ValidTaskTransitions defines the allowed task state transitions and the
// operations allowed to perform them. failed→pending is reachable only by
// retrying; pending→failed only when a retry hits the limit.
var ValidTaskTransitions = map[schema.TaskStatus]map[schema.TaskStatus]transitionVia{
	schema.TaskStatusPending: {
		schema.TaskStatusRunning: viaUpdate,
		schema.TaskStatusPending: viaRetry,
		schema.TaskStatusFailed:  viaRetry,
	},
	schema.TaskStatusRunning: {
		schema.TaskStatusCompleted: viaUpdate,
		schema.TaskStatusFailed:    viaUpdate,
	},
	schema.TaskStatusFailed: {
		schema.TaskStatusPending: viaRetry,
	},
	schema.TaskStatusCompleted: {},
}

func validStatus(s schema.TaskStatus) bool {
	_, ok := ValidTaskTransitions[s]
	return ok
}

// checkTransition returns an INVALID_TRANSITION error unless from→to is
// allowed for the given operation.
func checkTransition(taskID string, from, to schema.TaskStatus, via transitionVia) error {
	if !validStatus(to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTask, "unknown task status %q", to).WithTask(taskID)
	}
	allowed := ValidTaskTransitions[from][to]
	if allowed&via == 0 {
		msg := "invalid task transition: %s -> %s"
		if allowed != 0 {
			msg = "invalid task transition: %s -> %s is only reachable by retrying"
		}
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, msg, from, to).
			WithTask(taskID).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}
	return nil
}

// applyTransition sets the status and maintains the timestamp invariants:
// StartedAt is set on pending→running, CompletedAt on entering a terminal
// state, and both are cleared on re-entering pending.
func applyTransition(t *schema.Task, to schema.TaskStatus, now time.Time) {
	switch to {
	case schema.TaskStatusRunning:
		ts := now
		t.StartedAt = &ts
		t.CompletedAt = nil
	case schema.TaskStatusCompleted, schema.TaskStatusFailed:
		ts := now
		t.CompletedAt = &ts
	case schema.TaskStatusPending:
		t.StartedAt = nil
		t.CompletedAt = nil
	}
	t.Status = to
}

func taskEventType(to schema.TaskStatus, retried bool) string {
	if retried {
		return schema.EventTaskRetrying
	}
	switch to {
	case schema.TaskStatusRunning:
		return schema.EventTaskStarted
	case schema.TaskStatusCompleted:
		return schema.EventTaskCompleted
	case schema.TaskStatusFailed:
		return schema.EventTaskFailed
	default:
		return ""
	}
}
