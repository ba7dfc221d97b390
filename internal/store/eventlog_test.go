package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conductor/internal/streaming"
	"github.com/rendis/conductor/pkg/schema"
)

func TestEventLog_RecordMarshalsPayload(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s, nil)
	ctx := context.Background()

	require.NoError(t, el.Record(ctx, streaming.StreamEvent{
		EventType:  schema.EventNodeCompleted,
		WorkflowID: "wf-1",
		NodeID:     "draft",
		Payload:    map[string]any{"value": "ok"},
	}))

	events, err := el.History(ctx, EventFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "draft", events[0].NodeID)
	assert.JSONEq(t, `{"value":"ok"}`, string(events[0].Payload))
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestEventLog_ReplayNodes_LatestRunOnly(t *testing.T) {
	el := NewEventLog(NewMemoryStore(), nil)
	ctx := context.Background()

	record := func(typ, node string) {
		require.NoError(t, el.Record(ctx, streaming.StreamEvent{EventType: typ, WorkflowID: "wf", NodeID: node}))
	}

	record(schema.EventWorkflowStarted, "")
	record(schema.EventNodeStarted, "a")
	record(schema.EventNodeFailed, "a")
	record(schema.EventWorkflowFailed, "")

	record(schema.EventWorkflowStarted, "")
	record(schema.EventNodeCompleted, "in")
	record(schema.EventNodeEligible, "a")
	record(schema.EventNodeStarted, "a")
	record(schema.EventNodeCompleted, "a")
	record(schema.EventNodeSkipped, "b")

	states, err := el.ReplayNodes(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, map[string]schema.NodeStatus{
		"in": schema.NodeStatusCompleted,
		"a":  schema.NodeStatusCompleted,
		"b":  schema.NodeStatusSkipped,
	}, states)
}

func TestEventLog_ReplayNodes_Empty(t *testing.T) {
	el := NewEventLog(NewMemoryStore(), nil)
	states, err := el.ReplayNodes(context.Background(), "none")
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestEventLog_ReplayNodes_SequenceGap(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s, nil)
	ctx := context.Background()

	require.NoError(t, s.AppendEvent(ctx, &Event{WorkflowID: "wf", NodeID: "a", Type: schema.EventNodeStarted}))
	_, err := s.DB().ExecContext(ctx,
		`INSERT INTO events (workflow_id, node_id, event_type, timestamp, sequence) VALUES ('wf', 'a', ?, ?, 5)`,
		schema.EventNodeCompleted, time.Now().UTC())
	require.NoError(t, err)

	_, err = el.ReplayNodes(ctx, "wf")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
}

func TestEventLog_RunRecordsHubEvents(t *testing.T) {
	ms := NewMemoryStore()
	el := NewEventLog(ms, nil)
	hub := streaming.NewMemoryHub()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = el.Run(ctx, hub)
	}()

	require.Eventually(t, func() bool { return hub.Stats().Subscribers == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, hub.Publish(context.Background(), streaming.StreamEvent{EventType: schema.EventTaskEnqueued, TaskID: "t1"}))

	require.Eventually(t, func() bool {
		events, _ := ms.GetEvents(context.Background(), EventFilter{TaskID: "t1"})
		return len(events) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	wg.Wait()
}
