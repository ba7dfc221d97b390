package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeInvalidTask        = "INVALID_TASK"
	ErrCodeTaskNotFound       = "TASK_NOT_FOUND"
	ErrCodeRetryLimitExceeded = "RETRY_LIMIT_EXCEEDED"
	ErrCodeInvalidConnection  = "INVALID_CONNECTION"
	ErrCodeInvalidNode        = "INVALID_NODE"
	ErrCodeInvalidWorkflow    = "INVALID_WORKFLOW"
	ErrCodeWorkflowNotFound   = "WORKFLOW_NOT_FOUND"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeCycleDetected      = "CYCLE_DETECTED"
	ErrCodeExecution          = "EXECUTION_ERROR"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeAgentNotFound      = "AGENT_NOT_FOUND"
	ErrCodeAgentUnavailable   = "AGENT_UNAVAILABLE"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeInterpolation      = "INTERPOLATION_ERROR"
)

// ConductorError is the structured error type returned by the queue and the
// workflow engine.
type ConductorError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	NodeID     string         `json:"node_id,omitempty"`
	Cause      error          `json:"-"`
}

func (e *ConductorError) Error() string {
	switch {
	case e.NodeID != "":
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	case e.TaskID != "":
		return fmt.Sprintf("[%s] task %s: %s", e.Code, e.TaskID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ConductorError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ConductorError.
func NewError(code, message string) *ConductorError {
	return &ConductorError{Code: code, Message: message}
}

// NewErrorf creates a new ConductorError with a formatted message.
func NewErrorf(code, format string, args ...any) *ConductorError {
	return &ConductorError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithTask attaches a task ID to the error.
func (e *ConductorError) WithTask(taskID string) *ConductorError {
	e.TaskID = taskID
	return e
}

// WithWorkflow attaches a workflow ID to the error.
func (e *ConductorError) WithWorkflow(workflowID string) *ConductorError {
	e.WorkflowID = workflowID
	return e
}

// WithNode attaches a node ID to the error.
func (e *ConductorError) WithNode(nodeID string) *ConductorError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *ConductorError) WithCause(err error) *ConductorError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ConductorError) WithDetails(details map[string]any) *ConductorError {
	e.Details = details
	return e
}

// IsCode reports whether err is (or wraps) a ConductorError with the given code.
func IsCode(err error, code string) bool {
	var ce *ConductorError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == code
}

// CodeOf returns the code of a ConductorError in err's chain, or "".
func CodeOf(err error) string {
	var ce *ConductorError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
