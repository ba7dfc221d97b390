package queue

import (
	"context"
	"errors"
	"math/rand"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conductor/internal/store"
	"github.com/rendis/conductor/internal/streaming"
	"github.com/rendis/conductor/pkg/schema"
)

func newTestQueue(t *testing.T, reg *fakeRegistry) (*Queue, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	var q *Queue
	if reg != nil {
		q = New(s, reg, nil, Config{}, nil)
	} else {
		q = New(s, nil, nil, Config{}, nil)
	}
	q.now = newSteppedClock().now
	return q, s
}

func enqueue(t *testing.T, q *Queue, task *schema.Task) *schema.Task {
	t.Helper()
	out, err := q.Enqueue(context.Background(), task)
	require.NoError(t, err)
	return out
}

// start moves a pending task to running as the dispatcher would.
func start(t *testing.T, q *Queue, id string) {
	t.Helper()
	_, err := q.UpdateTaskStatus(context.Background(), id, schema.TaskStatusRunning)
	require.NoError(t, err)
}

// --- Enqueue ---

func TestEnqueue_Defaults(t *testing.T) {
	q, s := newTestQueue(t, nil)
	got := enqueue(t, q, &schema.Task{ID: "t1", Prompt: "do it"})

	assert.Equal(t, schema.TaskStatusPending, got.Status)
	assert.Equal(t, schema.TaskTypeSimple, got.Type)
	assert.Equal(t, schema.DefaultMaxRetries, got.MaxRetries)
	assert.Equal(t, 0, got.RetryCount)
	assert.False(t, got.CreatedAt.IsZero())
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)

	saved, err := s.LoadAllTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "t1", saved[0].ID)
}

func TestEnqueue_ConfiguredMaxRetries(t *testing.T) {
	q := New(nil, nil, nil, Config{MaxRetries: 5}, nil)
	got := enqueue(t, q, &schema.Task{ID: "t1"})
	assert.Equal(t, 5, got.MaxRetries)

	got = enqueue(t, q, &schema.Task{ID: "t2", MaxRetries: 1})
	assert.Equal(t, 1, got.MaxRetries)
}

func TestEnqueue_Rejects(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, &schema.Task{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTask))

	_, err = q.Enqueue(ctx, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTask))

	_, err = q.Enqueue(ctx, &schema.Task{ID: "r", Status: schema.TaskStatusRunning})
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTask))

	_, err = q.Enqueue(ctx, &schema.Task{ID: "x", Type: "batch"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTask))

	_, err = q.Enqueue(ctx, &schema.Task{ID: "y", RetryCount: 4, MaxRetries: 3})
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTask))

	_, err = q.Enqueue(ctx, &schema.Task{ID: "z", MaxRetries: -1})
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTask))
	_, err = q.GetTask("z")
	assert.True(t, schema.IsCode(err, schema.ErrCodeTaskNotFound), "a rejected task is not tracked")

	enqueue(t, q, &schema.Task{ID: "dup"})
	_, err = q.Enqueue(ctx, &schema.Task{ID: "dup"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestEnqueue_DoesNotAliasCaller(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	in := &schema.Task{ID: "t1", Dependencies: []string{"a"}}
	enqueue(t, q, in)
	in.Dependencies[0] = "mutated"
	in.Priority = 99

	got, err := q.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got.Dependencies)
	assert.Equal(t, 0, got.Priority)
}

// --- Ordering ---

func TestScenario_PriorityThenCreatedAt(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	enqueue(t, q, &schema.Task{ID: "t1", Priority: 5, CreatedAt: base.Add(time.Second)})
	enqueue(t, q, &schema.Task{ID: "t2", Priority: 9, CreatedAt: base.Add(2 * time.Second)})
	enqueue(t, q, &schema.Task{ID: "t3", Priority: 5, CreatedAt: base})

	var order []string
	for {
		task, ok := q.Dequeue(context.Background())
		if !ok {
			break
		}
		order = append(order, task.ID)
	}
	assert.Equal(t, []string{"t2", "t3", "t1"}, order)
	assert.Equal(t, 0, q.GetQueueStats().Total)
}

func TestPriorityOrdering_Property(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for round := 0; round < 20; round++ {
		q, _ := newTestQueue(t, nil)
		for i := 0; i < 50; i++ {
			enqueue(t, q, &schema.Task{
				ID:        q.GenerateTaskID(),
				Priority:  rng.Intn(5),
				CreatedAt: base.Add(time.Duration(rng.Intn(20)) * time.Second),
			})
		}

		var prev *schema.Task
		for {
			next, ok := q.GetNextTask()
			if !ok {
				break
			}
			got, ok := q.Dequeue(context.Background())
			require.True(t, ok)
			require.Equal(t, next.ID, got.ID, "GetNextTask and Dequeue agree")
			if prev != nil {
				require.GreaterOrEqual(t, prev.Priority, got.Priority)
				if prev.Priority == got.Priority {
					require.False(t, got.CreatedAt.Before(prev.CreatedAt))
				}
			}
			prev = got
		}
	}
}

func TestOrdering_EqualTimestampsFallBackToInsertion(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, id := range []string{"a", "b", "c"} {
		enqueue(t, q, &schema.Task{ID: id, Priority: 1, CreatedAt: ts})
	}
	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.Dequeue(context.Background())
		require.True(t, ok)
		assert.Equal(t, want, got.ID)
	}
}

func TestGetNextTask_SkipsNonPending(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	enqueue(t, q, &schema.Task{ID: "hi", Priority: 10})
	enqueue(t, q, &schema.Task{ID: "lo", Priority: 1})
	start(t, q, "hi")

	next, ok := q.GetNextTask()
	require.True(t, ok)
	assert.Equal(t, "lo", next.ID)

	start(t, q, "lo")
	_, ok = q.GetNextTask()
	assert.False(t, ok)
}

// --- State machine ---

func TestUpdateTaskStatus_TimestampInvariant(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	ctx := context.Background()
	enqueue(t, q, &schema.Task{ID: "t1"})

	running, err := q.UpdateTaskStatus(ctx, "t1", schema.TaskStatusRunning)
	require.NoError(t, err)
	require.NotNil(t, running.StartedAt)
	assert.Nil(t, running.CompletedAt)

	done, err := q.UpdateTaskStatus(ctx, "t1", schema.TaskStatusCompleted)
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, running.StartedAt, done.StartedAt)
	assert.True(t, done.CompletedAt.After(*done.StartedAt))
}

func TestUpdateTaskStatus_Errors(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	ctx := context.Background()

	_, err := q.UpdateTaskStatus(ctx, "ghost", schema.TaskStatusRunning)
	assert.True(t, schema.IsCode(err, schema.ErrCodeTaskNotFound))

	enqueue(t, q, &schema.Task{ID: "t1"})
	_, err = q.UpdateTaskStatus(ctx, "t1", schema.TaskStatusCompleted)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))

	_, err = q.UpdateTaskStatus(ctx, "t1", "paused")
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTask))

	start(t, q, "t1")
	_, err = q.UpdateTaskStatus(ctx, "t1", schema.TaskStatusFailed)
	require.NoError(t, err)

	_, err = q.UpdateTaskStatus(ctx, "t1", schema.TaskStatusPending)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
	assert.Contains(t, err.Error(), "only reachable by retrying")
}

// --- Retry ---

func TestRetryTask_ClearsState(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	ctx := context.Background()
	enqueue(t, q, &schema.Task{ID: "t1"})
	start(t, q, "t1")
	q.CompleteTask(ctx, "t1", "", nil)
	_, err := q.UpdateTaskStatus(ctx, "t1", schema.TaskStatusPending)
	require.Error(t, err, "completed is final")

	enqueue(t, q, &schema.Task{ID: "t2", MaxRetries: 1})
	start(t, q, "t2")
	_, err = q.UpdateTaskStatus(ctx, "t2", schema.TaskStatusFailed)
	require.NoError(t, err)

	retried, err := q.RetryTask(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusPending, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Nil(t, retried.StartedAt)
	assert.Nil(t, retried.CompletedAt)
	assert.Empty(t, retried.Error)

	next, ok := q.GetNextTask()
	require.True(t, ok)
	assert.Equal(t, "t2", next.ID)
}

func TestRetryTask_Bound(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	ctx := context.Background()
	enqueue(t, q, &schema.Task{ID: "t1", MaxRetries: 3})

	for i := 1; i <= 3; i++ {
		got, err := q.RetryTask(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, i, got.RetryCount)
	}

	_, err := q.RetryTask(ctx, "t1")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeRetryLimitExceeded))

	final, err := q.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusFailed, final.Status)
	assert.Equal(t, 3, final.RetryCount)
	assert.NotNil(t, final.CompletedAt)

	_, err = q.RetryTask(ctx, "t1")
	assert.True(t, schema.IsCode(err, schema.ErrCodeRetryLimitExceeded))
}

func TestRetryTask_RejectsRunningAndCompleted(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	ctx := context.Background()
	enqueue(t, q, &schema.Task{ID: "t1"})
	start(t, q, "t1")

	_, err := q.RetryTask(ctx, "t1")
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))

	_, err = q.RetryTask(ctx, "ghost")
	assert.True(t, schema.IsCode(err, schema.ErrCodeTaskNotFound))
}

// --- Completion ---

func TestScenario_ThreeFailuresThenFinal(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	enqueue(t, q, &schema.Task{ID: "t1", MaxRetries: 3})

	for i := 0; i < 4; i++ {
		start(t, q, "t1")
		q.CompleteTask(context.Background(), "t1", "", errors.New("err"))
	}

	final, err := q.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusFailed, final.Status)
	assert.Equal(t, 3, final.RetryCount)
	assert.Equal(t, "err", final.Error)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.CompletedAt)

	_, err = q.RetryTask(context.Background(), "t1")
	assert.True(t, schema.IsCode(err, schema.ErrCodeRetryLimitExceeded))
}

func TestCompleteTask_AutoRetryRequeues(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	enqueue(t, q, &schema.Task{ID: "t1"})
	start(t, q, "t1")
	q.CompleteTask(context.Background(), "t1", "partial", errors.New("transient"))

	got, err := q.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	assert.Empty(t, got.Result)
}

func TestCompleteTask_Success(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	enqueue(t, q, &schema.Task{ID: "t1"})
	start(t, q, "t1")
	q.CompleteTask(context.Background(), "t1", "the answer", nil)

	got, err := q.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCompleted, got.Status)
	assert.Equal(t, "the answer", got.Result)
	assert.NotNil(t, got.CompletedAt)
}

func TestCompleteTask_IdempotentLateCompletion(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	ctx := context.Background()
	enqueue(t, q, &schema.Task{ID: "t1"})
	enqueue(t, q, &schema.Task{ID: "t2"})
	start(t, q, "t1")

	q.CompleteTask(ctx, "t1", "first", nil)
	statsAfterFirst := q.GetQueueStats()

	assert.NotPanics(t, func() {
		q.CompleteTask(ctx, "t1", "second", nil)
		q.CompleteTask(ctx, "t1", "", errors.New("late error"))
		q.CompleteTask(ctx, "t2", "not running", nil)
		q.CompleteTask(ctx, "ghost", "", nil)
	})
	assert.Equal(t, statsAfterFirst, q.GetQueueStats())

	got, _ := q.GetTask("t1")
	assert.Equal(t, "first", got.Result)
	pending, _ := q.GetTask("t2")
	assert.Equal(t, schema.TaskStatusPending, pending.Status)

	require.NoError(t, q.RemoveTask(ctx, "t1"))
	q.CompleteTask(ctx, "t1", "after removal", nil)
	assert.Equal(t, schema.QueueStats{Total: 1, Pending: 1}, q.GetQueueStats())
}

// --- Agent release ---

func TestCompleteTask_ReleasesAgentOnce(t *testing.T) {
	reg := newFakeRegistry(&schema.Agent{ID: "a1"})
	q, _ := newTestQueue(t, reg)
	d := NewDispatcher(q, reg, DispatcherConfig{AssignAll: true}, nil)
	ctx := context.Background()

	enqueue(t, q, &schema.Task{ID: "t1"})
	require.Equal(t, 1, d.Tick(ctx))

	q.CompleteTask(ctx, "t1", "ok", nil)
	q.CompleteTask(ctx, "t1", "dup", nil)
	assert.Equal(t, []string{"a1=busy", "a1=idle"}, reg.calls())
}

func TestRemoveTask_RunningReleasesOnLateCompletion(t *testing.T) {
	reg := newFakeRegistry(&schema.Agent{ID: "a1"})
	q, _ := newTestQueue(t, reg)
	d := NewDispatcher(q, reg, DispatcherConfig{AssignAll: true}, nil)
	ctx := context.Background()

	enqueue(t, q, &schema.Task{ID: "t1"})
	require.Equal(t, 1, d.Tick(ctx))
	require.NoError(t, q.RemoveTask(ctx, "t1"))
	assert.Equal(t, []string{"a1=busy"}, reg.calls(), "removal does not recall work")

	_, err := q.Enqueue(ctx, &schema.Task{ID: "t1"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict), "id still in flight")

	q.CompleteTask(ctx, "t1", "late", nil)
	q.CompleteTask(ctx, "t1", "later", nil)
	assert.Equal(t, []string{"a1=busy", "a1=idle"}, reg.calls())
	assert.Equal(t, 0, q.GetQueueStats().Total)

	enqueue(t, q, &schema.Task{ID: "t1"})
}

func TestRemoveTask_NotFound(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	assert.True(t, schema.IsCode(q.RemoveTask(context.Background(), "ghost"), schema.ErrCodeTaskNotFound))
}

// --- Watch ---

func receive(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o, ok := <-ch:
		require.True(t, ok, "channel closed without outcome")
		return o
	case <-time.After(time.Second):
		t.Fatal("no outcome")
		return Outcome{}
	}
}

func TestWatch_Outcomes(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	ctx := context.Background()

	enqueue(t, q, &schema.Task{ID: "ok"})
	enqueue(t, q, &schema.Task{ID: "bad", MaxRetries: 1})
	enqueue(t, q, &schema.Task{ID: "gone"})

	okCh, err := q.Watch("ok")
	require.NoError(t, err)
	badCh, err := q.Watch("bad")
	require.NoError(t, err)
	goneCh, err := q.Watch("gone")
	require.NoError(t, err)

	start(t, q, "ok")
	q.CompleteTask(ctx, "ok", "done", nil)
	o := receive(t, okCh)
	assert.Equal(t, schema.TaskStatusCompleted, o.Task.Status)
	assert.Equal(t, "done", o.Task.Result)
	_, open := <-okCh
	assert.False(t, open, "one-shot channel is closed")

	start(t, q, "bad")
	q.CompleteTask(ctx, "bad", "", errors.New("e1"))
	select {
	case <-badCh:
		t.Fatal("auto-retried task must not notify")
	default:
	}
	start(t, q, "bad")
	q.CompleteTask(ctx, "bad", "", errors.New("e2"))
	o = receive(t, badCh)
	assert.Equal(t, schema.TaskStatusFailed, o.Task.Status)
	assert.Equal(t, "e2", o.Task.Error)

	require.NoError(t, q.RemoveTask(ctx, "gone"))
	o = receive(t, goneCh)
	assert.True(t, o.Removed)
}

func TestWatch_AlreadyTerminal(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	enqueue(t, q, &schema.Task{ID: "t1"})
	start(t, q, "t1")
	q.CompleteTask(context.Background(), "t1", "r", nil)

	ch, err := q.Watch("t1")
	require.NoError(t, err)
	assert.Equal(t, "r", receive(t, ch).Task.Result)

	_, err = q.Watch("ghost")
	assert.True(t, schema.IsCode(err, schema.ErrCodeTaskNotFound))
}

// --- Listing ---

func TestStatsAndListing(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d"} {
		enqueue(t, q, &schema.Task{ID: id, MaxRetries: 1})
	}
	start(t, q, "a")
	start(t, q, "b")
	q.CompleteTask(ctx, "b", "ok", nil)
	start(t, q, "c")
	_, err := q.UpdateTaskStatus(ctx, "c", schema.TaskStatusFailed)
	require.NoError(t, err)

	assert.Equal(t, schema.QueueStats{Total: 4, Pending: 1, Running: 1, Completed: 1, Failed: 1}, q.GetQueueStats())

	pending := q.GetTasksByStatus(schema.TaskStatusPending)
	require.Len(t, pending, 1)
	assert.Equal(t, "d", pending[0].ID)

	all := q.ListTasks()
	ids := make([]string, len(all))
	for i, task := range all {
		ids[i] = task.ID
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids)
}

func TestGenerateTaskID(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	re := regexp.MustCompile(`^task_\d{13}_[0-9a-f]{9}$`)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := q.GenerateTaskID()
		assert.Regexp(t, re, id)
		assert.False(t, seen[id])
		seen[id] = true
	}
}

// --- Persistence ---

func TestPersistence_RemoveDeletes(t *testing.T) {
	q, s := newTestQueue(t, nil)
	ctx := context.Background()
	enqueue(t, q, &schema.Task{ID: "t1"})
	require.NoError(t, q.RemoveTask(ctx, "t1"))

	saved, err := s.LoadAllTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, saved)
}

func TestLoad_RequeuesRunning(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	started := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveTask(ctx, &schema.Task{
		ID: "run", Status: schema.TaskStatusRunning, StartedAt: &started, RetryCount: 2, MaxRetries: 3,
		AgentID: "a1", CreatedAt: started,
	}))
	require.NoError(t, s.SaveTask(ctx, &schema.Task{
		ID: "done", Status: schema.TaskStatusCompleted, Result: "r", CreatedAt: started.Add(time.Second),
	}))
	require.NoError(t, s.SaveTask(ctx, &schema.Task{ID: "weird", Status: "paused", CreatedAt: started}))

	q := New(s, nil, nil, Config{}, nil)
	require.NoError(t, q.Load(ctx))

	got, err := q.GetTask("run")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusPending, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Nil(t, got.StartedAt)
	assert.Empty(t, got.AgentID)

	done, err := q.GetTask("done")
	require.NoError(t, err)
	assert.Equal(t, schema.DefaultMaxRetries, done.MaxRetries)

	_, err = q.GetTask("weird")
	assert.Error(t, err)

	saved, err := s.LoadAllTasks(ctx)
	require.NoError(t, err)
	for _, task := range saved {
		if task.ID == "run" {
			assert.Equal(t, schema.TaskStatusPending, task.Status, "requeue is persisted")
		}
	}
}

// --- Events ---

func TestEvents_Published(t *testing.T) {
	hub := streaming.NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, unsubscribe, err := hub.Subscribe(ctx, streaming.EventFilter{TaskID: "t1"})
	require.NoError(t, err)
	defer unsubscribe()

	q := New(nil, nil, hub, Config{MaxRetries: 1}, nil)
	enqueue(t, q, &schema.Task{ID: "t1", WorkflowID: "wf", NodeID: "n"})
	start(t, q, "t1")
	q.CompleteTask(ctx, "t1", "", errors.New("boom"))
	start(t, q, "t1")
	q.CompleteTask(ctx, "t1", "ok", nil)

	want := []string{
		schema.EventTaskEnqueued,
		schema.EventTaskStarted,
		schema.EventTaskRetrying,
		schema.EventTaskStarted,
		schema.EventTaskCompleted,
	}
	for _, typ := range want {
		select {
		case ev := <-events:
			assert.Equal(t, typ, ev.EventType)
			assert.Equal(t, "wf", ev.WorkflowID)
			assert.Equal(t, "n", ev.NodeID)
		case <-time.After(time.Second):
			t.Fatalf("missing event %s", typ)
		}
	}
}

func TestRequeueTask_KeepsRetryBudget(t *testing.T) {
	reg := newFakeRegistry(&schema.Agent{ID: "a1"})
	q, _ := newTestQueue(t, reg)
	d := NewDispatcher(q, reg, DispatcherConfig{AssignAll: true}, nil)
	ctx := context.Background()

	enqueue(t, q, &schema.Task{ID: "t1", MaxRetries: 1})
	require.Equal(t, 1, d.Tick(ctx))

	q.RequeueTask(ctx, "t1")
	got, err := q.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Empty(t, got.AgentID)
	assert.Nil(t, got.StartedAt)
	assert.Equal(t, []string{"a1=busy", "a1=idle"}, reg.calls())

	next, ok := q.GetNextTask()
	require.True(t, ok)
	assert.Equal(t, "t1", next.ID)

	// Not running: nothing changes, nothing is released twice.
	q.RequeueTask(ctx, "t1")
	q.RequeueTask(ctx, "ghost")
	assert.Equal(t, []string{"a1=busy", "a1=idle"}, reg.calls())

	// The full budget is still there after a requeue.
	require.Equal(t, 1, d.Tick(ctx))
	q.CompleteTask(ctx, "t1", "", errors.New("boom"))
	got, _ = q.GetTask("t1")
	assert.Equal(t, schema.TaskStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}
