package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conductor/internal/agents"
	"github.com/rendis/conductor/internal/backend"
	"github.com/rendis/conductor/pkg/schema"
)

func TestTick_AssignAll(t *testing.T) {
	reg := newFakeRegistry(&schema.Agent{ID: "a1"}, &schema.Agent{ID: "a2"})
	q, _ := newTestQueue(t, reg)
	d := NewDispatcher(q, reg, DispatcherConfig{AssignAll: true}, nil)
	ctx := context.Background()

	enqueue(t, q, &schema.Task{ID: "low", Priority: 1})
	enqueue(t, q, &schema.Task{ID: "high", Priority: 9})
	enqueue(t, q, &schema.Task{ID: "mid", Priority: 5})

	assert.Equal(t, 2, d.Tick(ctx))
	assert.Equal(t, "a1", reg.boundTo("high"))
	assert.Equal(t, "a2", reg.boundTo("mid"))
	assert.Empty(t, reg.boundTo("low"))

	high, err := q.GetTask("high")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusRunning, high.Status)
	assert.Equal(t, "a1", high.AgentID)
	assert.NotNil(t, high.StartedAt)

	assert.Equal(t, 0, d.Tick(ctx), "no idle agents left")
}

func TestTick_OnePerTick(t *testing.T) {
	reg := newFakeRegistry(&schema.Agent{ID: "a1"}, &schema.Agent{ID: "a2"})
	q, _ := newTestQueue(t, reg)
	d := NewDispatcher(q, reg, DispatcherConfig{}, nil)
	ctx := context.Background()

	enqueue(t, q, &schema.Task{ID: "t1"})
	enqueue(t, q, &schema.Task{ID: "t2"})

	assert.Equal(t, 1, d.Tick(ctx))
	assert.Equal(t, 1, q.GetQueueStats().Pending)
	assert.Equal(t, 1, d.Tick(ctx))
	assert.Equal(t, 0, q.GetQueueStats().Pending)
}

func TestTick_NothingPending(t *testing.T) {
	reg := newFakeRegistry(&schema.Agent{ID: "a1"})
	q, _ := newTestQueue(t, reg)
	d := NewDispatcher(q, reg, DispatcherConfig{AssignAll: true}, nil)
	assert.Equal(t, 0, d.Tick(context.Background()))
	assert.Empty(t, reg.calls())
}

func TestTick_RoleMatching(t *testing.T) {
	reg := newFakeRegistry(
		&schema.Agent{ID: "writer", Role: "writer"},
		&schema.Agent{ID: "coder", Role: "coder"},
	)
	q, _ := newTestQueue(t, reg)
	d := NewDispatcher(q, reg, DispatcherConfig{AssignAll: true}, nil)

	enqueue(t, q, &schema.Task{ID: "review", Priority: 9, AgentRole: "reviewer"})
	enqueue(t, q, &schema.Task{ID: "code", Priority: 5, AgentRole: "coder"})
	enqueue(t, q, &schema.Task{ID: "any", Priority: 1})

	assert.Equal(t, 2, d.Tick(context.Background()))
	assert.Equal(t, "coder", reg.boundTo("code"))
	assert.Equal(t, "writer", reg.boundTo("any"))

	review, err := q.GetTask("review")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusPending, review.Status, "no reviewer registered")
}

func TestTick_RoleFreeTasksLeaveRoleAgents(t *testing.T) {
	reg := newFakeRegistry(
		&schema.Agent{ID: "coder", Role: "coder"},
		&schema.Agent{ID: "plain"},
	)
	q, _ := newTestQueue(t, reg)
	d := NewDispatcher(q, reg, DispatcherConfig{AssignAll: true}, nil)

	enqueue(t, q, &schema.Task{ID: "any", Priority: 9})
	enqueue(t, q, &schema.Task{ID: "code", Priority: 5, AgentRole: "coder"})

	assert.Equal(t, 2, d.Tick(context.Background()))
	assert.Equal(t, "plain", reg.boundTo("any"))
	assert.Equal(t, "coder", reg.boundTo("code"))
}

func TestTick_RoleFreeTaskPrefersUncontestedRole(t *testing.T) {
	reg := newFakeRegistry(
		&schema.Agent{ID: "coder", Role: "coder"},
		&schema.Agent{ID: "writer", Role: "writer"},
	)
	q, _ := newTestQueue(t, reg)
	d := NewDispatcher(q, reg, DispatcherConfig{AssignAll: true}, nil)

	enqueue(t, q, &schema.Task{ID: "any", Priority: 9})
	enqueue(t, q, &schema.Task{ID: "code", Priority: 5, AgentRole: "coder"})
	enqueue(t, q, &schema.Task{ID: "more", Priority: 1})

	assert.Equal(t, 2, d.Tick(context.Background()))
	assert.Equal(t, "writer", reg.boundTo("any"), "nobody pending needs a writer")
	assert.Equal(t, "coder", reg.boundTo("code"))

	more, err := q.GetTask("more")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusPending, more.Status)
}

func TestTick_RoleFreeTaskTakesContestedAgentAsLastResort(t *testing.T) {
	reg := newFakeRegistry(&schema.Agent{ID: "coder", Role: "coder"})
	q, _ := newTestQueue(t, reg)
	d := NewDispatcher(q, reg, DispatcherConfig{AssignAll: true}, nil)

	enqueue(t, q, &schema.Task{ID: "any", Priority: 9})
	enqueue(t, q, &schema.Task{ID: "code", Priority: 5, AgentRole: "coder"})

	assert.Equal(t, 1, d.Tick(context.Background()))
	assert.Equal(t, "coder", reg.boundTo("any"), "priority order still decides when no spare agent exists")
}

func TestTick_BindFailureRetriesAndReleases(t *testing.T) {
	reg := newFakeRegistry(&schema.Agent{ID: "a1"})
	reg.bindErr = errors.New("agent crashed")
	q, _ := newTestQueue(t, reg)
	d := NewDispatcher(q, reg, DispatcherConfig{AssignAll: true}, nil)
	ctx := context.Background()

	enqueue(t, q, &schema.Task{ID: "t1", MaxRetries: 1})

	assert.Equal(t, 0, d.Tick(ctx))
	got, err := q.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, []string{"a1=busy", "a1=idle"}, reg.calls())

	assert.Equal(t, 0, d.Tick(ctx))
	got, err = q.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusFailed, got.Status)
	assert.Contains(t, got.Error, "agent crashed")
}

func TestTick_MarkBusyFailure(t *testing.T) {
	reg := newFakeRegistry(&schema.Agent{ID: "a1"})
	q, _ := newTestQueue(t, reg)
	d := NewDispatcher(q, reg, DispatcherConfig{}, nil)
	enqueue(t, q, &schema.Task{ID: "t1"})

	// the agent disappears between listing and marking
	listed := &vanishingRegistry{fakeRegistry: reg}
	d.registry = listed

	assert.Equal(t, 0, d.Tick(context.Background()))
	got, err := q.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

type vanishingRegistry struct {
	*fakeRegistry
}

func (r *vanishingRegistry) SetAgentStatus(_ context.Context, agentID string, _ schema.AgentStatus) error {
	return schema.NewErrorf(schema.ErrCodeAgentNotFound, "agent %q not found", agentID)
}

func TestDispatcher_StartStop(t *testing.T) {
	reg := newFakeRegistry()
	q, _ := newTestQueue(t, reg)
	d := NewDispatcher(q, reg, DispatcherConfig{Interval: 5 * time.Millisecond}, nil)

	require.NoError(t, d.Start(context.Background()))
	assert.Error(t, d.Start(context.Background()))
	d.Stop()
	d.Stop()
}

func TestDispatcher_EndToEndWithPool(t *testing.T) {
	var calls atomic.Int32
	b := backend.Func(func(_ context.Context, task *schema.Task) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("flaky")
		}
		return "done: " + task.Prompt, nil
	})
	pool := agents.NewPool(b, nil, agents.PoolConfig{PoolSize: 2}, nil)
	defer pool.Close()

	q := New(nil, pool, nil, Config{}, nil)
	pool.SetCompleter(q)

	ctx := context.Background()
	_, err := pool.Register(ctx, schema.Agent{ID: "a1", Type: "llm"})
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, &schema.Task{ID: "t1", Prompt: "hello"})
	require.NoError(t, err)
	watch, err := q.Watch("t1")
	require.NoError(t, err)

	d := NewDispatcher(q, pool, DispatcherConfig{Interval: 5 * time.Millisecond, AssignAll: true}, nil)
	require.NoError(t, d.Start(ctx))
	defer d.Stop()

	select {
	case out := <-watch:
		assert.Equal(t, schema.TaskStatusCompleted, out.Task.Status)
		assert.Equal(t, "done: hello", out.Task.Result)
		assert.Equal(t, 1, out.Task.RetryCount)
	case <-time.After(5 * time.Second):
		t.Fatal("task did not complete")
	}

	require.Eventually(t, func() bool {
		a, err := pool.Agent("a1")
		return err == nil && a.Status == schema.AgentStatusIdle
	}, time.Second, 5*time.Millisecond)
}
