package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conductor/internal/logging"
	"github.com/rendis/conductor/internal/streaming"
	"github.com/rendis/conductor/pkg/schema"
)

func TestWorkflowFSM_Check(t *testing.T) {
	f := NewWorkflowFSM(streaming.Nop{}, logging.Discard())
	tests := []struct {
		from, to schema.WorkflowStatus
		code     string
	}{
		{schema.WorkflowStatusDraft, schema.WorkflowStatusRunning, ""},
		{schema.WorkflowStatusRunning, schema.WorkflowStatusCompleted, ""},
		{schema.WorkflowStatusRunning, schema.WorkflowStatusFailed, ""},
		{schema.WorkflowStatusCompleted, schema.WorkflowStatusRunning, ""},
		{schema.WorkflowStatusFailed, schema.WorkflowStatusRunning, ""},
		{schema.WorkflowStatusRunning, schema.WorkflowStatusRunning, schema.ErrCodeConflict},
		{schema.WorkflowStatusDraft, schema.WorkflowStatusCompleted, schema.ErrCodeInvalidTransition},
		{schema.WorkflowStatusCompleted, schema.WorkflowStatusDraft, schema.ErrCodeInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := f.Check("wf", tt.from, tt.to)
			if tt.code == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.code, schema.CodeOf(err))
		})
	}
}

func TestNodeFSM_Transitions(t *testing.T) {
	f := NewNodeFSM(streaming.Nop{}, logging.Discard())
	ctx := context.Background()
	allowed := []struct{ from, to schema.NodeStatus }{
		{schema.NodeStatusPending, schema.NodeStatusEligible},
		{schema.NodeStatusPending, schema.NodeStatusSkipped},
		{schema.NodeStatusEligible, schema.NodeStatusRunning},
		{schema.NodeStatusEligible, schema.NodeStatusSkipped},
		{schema.NodeStatusRunning, schema.NodeStatusCompleted},
		{schema.NodeStatusRunning, schema.NodeStatusFailed},
	}
	for _, tt := range allowed {
		assert.NoError(t, f.Transition(ctx, "wf", "n", tt.from, tt.to, nil), "%s -> %s", tt.from, tt.to)
	}

	rejected := []struct{ from, to schema.NodeStatus }{
		{schema.NodeStatusPending, schema.NodeStatusRunning},
		{schema.NodeStatusRunning, schema.NodeStatusSkipped},
		{schema.NodeStatusCompleted, schema.NodeStatusRunning},
		{schema.NodeStatusSkipped, schema.NodeStatusEligible},
		{schema.NodeStatusFailed, schema.NodeStatusCompleted},
	}
	for _, tt := range rejected {
		err := f.Transition(ctx, "wf", "n", tt.from, tt.to, nil)
		require.Error(t, err, "%s -> %s", tt.from, tt.to)
		var ce *schema.ConductorError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, schema.ErrCodeInvalidTransition, ce.Code)
		assert.Equal(t, "n", ce.NodeID)
	}
}

func TestFSM_PublishesEvents(t *testing.T) {
	hub := streaming.NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, unsubscribe, err := hub.Subscribe(ctx, streaming.EventFilter{WorkflowID: "wf"})
	require.NoError(t, err)
	defer unsubscribe()

	wf := NewWorkflowFSM(hub, logging.Discard())
	nodes := NewNodeFSM(hub, logging.Discard())
	require.NoError(t, wf.Transition(ctx, "wf", schema.WorkflowStatusDraft, schema.WorkflowStatusRunning, nil))
	require.NoError(t, nodes.Transition(ctx, "wf", "n", schema.NodeStatusPending, schema.NodeStatusSkipped,
		map[string]any{"reason": ReasonBranchNotTaken}))
	assert.Error(t, nodes.Transition(ctx, "wf", "n", schema.NodeStatusSkipped, schema.NodeStatusRunning, nil))
	require.NoError(t, wf.Transition(ctx, "wf", schema.WorkflowStatusRunning, schema.WorkflowStatusFailed, nil))

	var got []string
	timeout := time.After(time.Second)
	for len(got) < 3 {
		select {
		case ev := <-events:
			got = append(got, ev.EventType)
			if ev.EventType == schema.EventNodeSkipped {
				assert.Equal(t, "n", ev.NodeID)
			}
		case <-timeout:
			t.Fatalf("got %v", got)
		}
	}
	assert.Equal(t, []string{schema.EventWorkflowStarted, schema.EventNodeSkipped, schema.EventWorkflowFailed}, got)
}
