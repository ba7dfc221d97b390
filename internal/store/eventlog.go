package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/rendis/conductor/internal/streaming"
	"github.com/rendis/conductor/pkg/schema"
)

// EventLog persists hub events into the store's append-only history and
// rebuilds node states from it.
type EventLog struct {
	store  Store
	logger *slog.Logger
}

// NewEventLog wraps a Store to provide event history operations.
func NewEventLog(s Store, logger *slog.Logger) *EventLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLog{store: s, logger: logger}
}

// Record appends one stream event to the history.
func (el *EventLog) Record(ctx context.Context, ev streaming.StreamEvent) error {
	var payload json.RawMessage
	if ev.Payload != nil {
		raw, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		payload = raw
	}
	return el.store.AppendEvent(ctx, &Event{
		WorkflowID: ev.WorkflowID,
		NodeID:     ev.NodeID,
		TaskID:     ev.TaskID,
		Type:       ev.EventType,
		Payload:    payload,
		Timestamp:  ev.Timestamp,
	})
}

// Run subscribes to the hub and records every event until ctx is cancelled.
func (el *EventLog) Run(ctx context.Context, hub streaming.EventHub) error {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := el.Record(ctx, ev); err != nil {
				el.logger.Warn("event log: append failed",
					slog.String("event_type", ev.EventType), slog.String("error", err.Error()))
			}
		}
	}
}

// History returns recorded events matching the filter, oldest first.
func (el *EventLog) History(ctx context.Context, filter EventFilter) ([]*Event, error) {
	return el.store.GetEvents(ctx, filter)
}

// ReplayNodes rebuilds the node states of the latest recorded run of a
// workflow. Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayNodes(ctx context.Context, workflowID string) (map[string]schema.NodeStatus, error) {
	events, err := el.store.GetEvents(ctx, EventFilter{WorkflowID: workflowID})
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in workflow %s: expected %d, got %d", workflowID, expected, e.Sequence)
		}
	}

	states := make(map[string]schema.NodeStatus)
	for _, e := range events {
		if e.Type == schema.EventWorkflowStarted {
			clear(states)
			continue
		}
		if e.NodeID == "" {
			continue
		}
		switch e.Type {
		case schema.EventNodeEligible:
			states[e.NodeID] = schema.NodeStatusEligible
		case schema.EventNodeStarted:
			states[e.NodeID] = schema.NodeStatusRunning
		case schema.EventNodeCompleted:
			states[e.NodeID] = schema.NodeStatusCompleted
		case schema.EventNodeFailed:
			states[e.NodeID] = schema.NodeStatusFailed
		case schema.EventNodeSkipped:
			states[e.NodeID] = schema.NodeStatusSkipped
		}
	}
	return states, nil
}
