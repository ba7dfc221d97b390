package engine

import (
	"context"
	"log/slog"
	"slices"

	"github.com/rendis/conductor/internal/streaming"
	"github.com/rendis/conductor/pkg/schema"
)

// --- Workflow FSM ---

// WorkflowFSM validates workflow status transitions and publishes the
// matching event. The caller persists the new status.
type WorkflowFSM struct {
	hub    streaming.EventHub
	logger *slog.Logger
}

// NewWorkflowFSM creates a WorkflowFSM that publishes to hub.
func NewWorkflowFSM(hub streaming.EventHub, logger *slog.Logger) *WorkflowFSM {
	return &WorkflowFSM{hub: hub, logger: logger}
}

// Check returns INVALID_TRANSITION unless from→to is allowed. A second run
// of a running workflow is reported as CONFLICT.
func (f *WorkflowFSM) Check(workflowID string, from, to schema.WorkflowStatus) error {
	if from == schema.WorkflowStatusRunning && to == schema.WorkflowStatusRunning {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q is already running", workflowID).
			WithWorkflow(workflowID)
	}
	if !slices.Contains(ValidWorkflowTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid workflow transition: %s -> %s", from, to).
			WithWorkflow(workflowID).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}
	return nil
}

// Transition checks from→to and publishes the workflow event.
func (f *WorkflowFSM) Transition(ctx context.Context, workflowID string, from, to schema.WorkflowStatus, payload map[string]any) error {
	if err := f.Check(workflowID, from, to); err != nil {
		return err
	}
	if eventType := workflowEventType(to); eventType != "" {
		publish(ctx, f.hub, f.logger, streaming.StreamEvent{
			EventType:  eventType,
			WorkflowID: workflowID,
			Payload:    payload,
		})
	}
	return nil
}

func workflowEventType(to schema.WorkflowStatus) string {
	switch to {
	case schema.WorkflowStatusRunning:
		return schema.EventWorkflowStarted
	case schema.WorkflowStatusCompleted:
		return schema.EventWorkflowCompleted
	case schema.WorkflowStatusFailed:
		return schema.EventWorkflowFailed
	default:
		return ""
	}
}

// --- Node FSM ---

// NodeFSM validates node status transitions within a run and publishes the
// matching event. Node state itself is owned by the run loop.
type NodeFSM struct {
	hub    streaming.EventHub
	logger *slog.Logger
}

// NewNodeFSM creates a NodeFSM that publishes to hub.
func NewNodeFSM(hub streaming.EventHub, logger *slog.Logger) *NodeFSM {
	return &NodeFSM{hub: hub, logger: logger}
}

// Transition checks from→to for one node and publishes the node event.
func (f *NodeFSM) Transition(ctx context.Context, workflowID, nodeID string, from, to schema.NodeStatus, payload map[string]any) error {
	if !slices.Contains(ValidNodeTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid node transition: %s -> %s", from, to).
			WithWorkflow(workflowID).
			WithNode(nodeID).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}
	if eventType := nodeEventType(to); eventType != "" {
		publish(ctx, f.hub, f.logger, streaming.StreamEvent{
			EventType:  eventType,
			WorkflowID: workflowID,
			NodeID:     nodeID,
			Payload:    payload,
		})
	}
	return nil
}

func nodeEventType(to schema.NodeStatus) string {
	switch to {
	case schema.NodeStatusEligible:
		return schema.EventNodeEligible
	case schema.NodeStatusRunning:
		return schema.EventNodeStarted
	case schema.NodeStatusCompleted:
		return schema.EventNodeCompleted
	case schema.NodeStatusFailed:
		return schema.EventNodeFailed
	case schema.NodeStatusSkipped:
		return schema.EventNodeSkipped
	default:
		return ""
	}
}

func conditionEvent(workflowID, nodeID, expression string, branch bool) streaming.StreamEvent {
	return streaming.StreamEvent{
		EventType:  schema.EventConditionEvaluated,
		WorkflowID: workflowID,
		NodeID:     nodeID,
		Payload:    map[string]any{"expression": expression, "branch": branch},
	}
}

func publish(ctx context.Context, hub streaming.EventHub, logger *slog.Logger, ev streaming.StreamEvent) {
	if err := hub.Publish(context.WithoutCancel(ctx), ev); err != nil {
		logger.Debug("publish event failed", slog.String("event_type", ev.EventType), slog.String("error", err.Error()))
	}
}

// --- Transition tables ---

// ValidWorkflowTransitions defines the allowed state transitions for workflows.
// Finished workflows can be run again.
var ValidWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusDraft:     {schema.WorkflowStatusRunning},
	schema.WorkflowStatusRunning:   {schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed},
	schema.WorkflowStatusCompleted: {schema.WorkflowStatusRunning},
	schema.WorkflowStatusFailed:    {schema.WorkflowStatusRunning},
}

// ValidNodeTransitions defines the allowed state transitions for nodes
// during a run.
var ValidNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodeStatusPending:   {schema.NodeStatusEligible, schema.NodeStatusSkipped},
	schema.NodeStatusEligible:  {schema.NodeStatusRunning, schema.NodeStatusSkipped},
	schema.NodeStatusRunning:   {schema.NodeStatusCompleted, schema.NodeStatusFailed},
	schema.NodeStatusCompleted: {},
	schema.NodeStatusFailed:    {},
	schema.NodeStatusSkipped:   {},
}
