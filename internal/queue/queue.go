// Package queue holds the in-memory task queue: priority ordering, the task
// state machine, retry bookkeeping and the dispatch loop that binds pending
// tasks to idle agents.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/conductor/internal/agents"
	"github.com/rendis/conductor/internal/logging"
	"github.com/rendis/conductor/internal/streaming"
	"github.com/rendis/conductor/pkg/schema"
)

// TaskStore persists task records. Satisfied by store.Store.
type TaskStore interface {
	SaveTask(ctx context.Context, t *schema.Task) error
	DeleteTask(ctx context.Context, id string) error
	LoadAllTasks(ctx context.Context) ([]*schema.Task, error)
}

// Config holds queue settings.
type Config struct {
	MaxRetries int // retry budget for tasks that do not set one, 0 = schema.DefaultMaxRetries
}

// Outcome is delivered once on a Watch channel.
type Outcome struct {
	Task    schema.Task
	Removed bool // the task was removed or dequeued before finishing
}

// Queue is the authoritative in-memory task set. One mutex guards all task
// state; agent release and event publishing happen after it is released.
// Store writes are issued while holding it so snapshots reach the store in
// state order; wrap slow stores in store.WriteBehind.
type Queue struct {
	store    TaskStore
	registry agents.Registry
	hub      streaming.EventHub
	config   Config
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	tasks      map[string]*entry
	pending    pendingHeap
	seq        uint64
	watchers   map[string][]chan Outcome
	tombstones map[string]string // removed-while-running task id -> bound agent id
}

// New creates a Queue. store, registry and hub may be nil.
func New(s TaskStore, registry agents.Registry, hub streaming.EventHub, cfg Config, logger *slog.Logger) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = schema.DefaultMaxRetries
	}
	if hub == nil {
		hub = streaming.Nop{}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Queue{
		store:      s,
		registry:   registry,
		hub:        hub,
		config:     cfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		tasks:      make(map[string]*entry),
		watchers:   make(map[string][]chan Outcome),
		tombstones: make(map[string]string),
	}
}

// effects are side effects collected under the lock and run after it.
type effects struct {
	events  []streaming.StreamEvent
	release []string
}

func (fx *effects) event(eventType string, t *schema.Task, payload map[string]any) {
	if eventType == "" {
		return
	}
	fx.events = append(fx.events, streaming.StreamEvent{
		EventType:  eventType,
		WorkflowID: t.WorkflowID,
		NodeID:     t.NodeID,
		TaskID:     t.ID,
		Payload:    payload,
	})
}

func (q *Queue) apply(ctx context.Context, fx *effects) {
	pubCtx := context.WithoutCancel(ctx)
	for _, agentID := range fx.release {
		q.releaseAgent(pubCtx, agentID)
	}
	for _, ev := range fx.events {
		if err := q.hub.Publish(pubCtx, ev); err != nil {
			q.logger.Debug("publish task event failed", slog.String("event_type", ev.EventType), slog.String("error", err.Error()))
		}
	}
}

func (q *Queue) releaseAgent(ctx context.Context, agentID string) {
	if q.registry == nil || agentID == "" {
		return
	}
	if err := q.registry.SetAgentStatus(ctx, agentID, schema.AgentStatusIdle); err != nil {
		q.logger.Warn("release agent failed", slog.String("agent_id", agentID), slog.String("error", err.Error()))
	}
}

// --- enqueue / lookup ---

// Enqueue adds a task. ID is required; CreatedAt, Status (pending), Type
// (simple) and MaxRetries are defaulted. The stored copy is returned.
func (q *Queue) Enqueue(ctx context.Context, task *schema.Task) (*schema.Task, error) {
	if task == nil || strings.TrimSpace(task.ID) == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidTask, "task id is required")
	}
	t := task.Clone()
	if err := q.normalize(t); err != nil {
		return nil, err
	}

	fx := &effects{}
	q.mu.Lock()
	if _, exists := q.tasks[t.ID]; exists {
		q.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "task %q already exists", t.ID).WithTask(t.ID)
	}
	if _, inflight := q.tombstones[t.ID]; inflight {
		q.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "task %q was removed but is still executing", t.ID).WithTask(t.ID)
	}
	q.track(t)
	q.persist(ctx, t)
	snap := t.Clone()
	fx.event(schema.EventTaskEnqueued, snap, map[string]any{"priority": snap.Priority, "type": string(snap.Type)})
	q.mu.Unlock()

	q.apply(ctx, fx)
	logging.LogWith(logging.WithTask(ctx, snap.ID, snap.WorkflowID, snap.NodeID), q.logger).
		Debug("task enqueued", slog.Int("priority", snap.Priority))
	return snap, nil
}

func (q *Queue) normalize(t *schema.Task) error {
	switch t.Status {
	case "":
		t.Status = schema.TaskStatusPending
	case schema.TaskStatusPending, schema.TaskStatusCompleted, schema.TaskStatusFailed:
	case schema.TaskStatusRunning:
		return schema.NewError(schema.ErrCodeInvalidTask, "a task cannot be enqueued as running").WithTask(t.ID)
	default:
		return schema.NewErrorf(schema.ErrCodeInvalidTask, "unknown task status %q", t.Status).WithTask(t.ID)
	}
	switch t.Type {
	case "":
		t.Type = schema.TaskTypeSimple
	case schema.TaskTypeSimple, schema.TaskTypeWorkflowStep:
	default:
		return schema.NewErrorf(schema.ErrCodeInvalidTask, "unknown task type %q", t.Type).WithTask(t.ID)
	}
	switch {
	case t.MaxRetries < 0:
		return schema.NewErrorf(schema.ErrCodeInvalidTask,
			"max retries %d is negative (0 uses the queue default)", t.MaxRetries).WithTask(t.ID)
	case t.MaxRetries == 0:
		t.MaxRetries = q.config.MaxRetries
	}
	if t.RetryCount < 0 || t.RetryCount > t.MaxRetries {
		return schema.NewErrorf(schema.ErrCodeInvalidTask,
			"retry count %d outside [0, %d]", t.RetryCount, t.MaxRetries).WithTask(t.ID)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = q.now()
	}
	t.AgentID = ""
	if t.Status == schema.TaskStatusPending {
		t.StartedAt, t.CompletedAt = nil, nil
	} else if t.CompletedAt == nil {
		ts := q.now()
		t.CompletedAt = &ts
	}
	return nil
}

// track registers t. Caller holds q.mu.
func (q *Queue) track(t *schema.Task) *entry {
	q.seq++
	e := &entry{task: t, seq: q.seq, index: -1}
	q.tasks[t.ID] = e
	if t.Status == schema.TaskStatusPending {
		q.pending.add(e)
	}
	return e
}

// GetNextTask returns the pending task that dispatches next: highest
// priority, then earliest CreatedAt, then insertion order.
func (q *Queue) GetNextTask() (*schema.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.pending.peek()
	if e == nil {
		return nil, false
	}
	return e.task.Clone(), true
}

// Dequeue removes and returns the task GetNextTask would return.
func (q *Queue) Dequeue(ctx context.Context) (*schema.Task, bool) {
	fx := &effects{}
	q.mu.Lock()
	e := q.pending.peek()
	if e == nil {
		q.mu.Unlock()
		return nil, false
	}
	snap := q.removeLocked(ctx, e)
	fx.event(schema.EventTaskRemoved, snap, map[string]any{"reason": "dequeued"})
	q.mu.Unlock()

	q.apply(ctx, fx)
	return snap, true
}

// GetTask returns a copy of one task.
func (q *Queue) GetTask(id string) (*schema.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.tasks[id]
	if !ok {
		return nil, taskNotFound(id)
	}
	return e.task.Clone(), nil
}

// ListTasks returns every tracked task, oldest first.
func (q *Queue) ListTasks() []*schema.Task {
	return q.collect(func(*schema.Task) bool { return true })
}

// GetTasksByStatus returns the tasks in one status, oldest first.
func (q *Queue) GetTasksByStatus(status schema.TaskStatus) []*schema.Task {
	return q.collect(func(t *schema.Task) bool { return t.Status == status })
}

func (q *Queue) collect(keep func(*schema.Task) bool) []*schema.Task {
	q.mu.Lock()
	entries := make([]*entry, 0, len(q.tasks))
	for _, e := range q.tasks {
		if keep(e.task) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
			return a.task.CreatedAt.Before(b.task.CreatedAt)
		}
		return a.seq < b.seq
	})
	out := make([]*schema.Task, len(entries))
	for i, e := range entries {
		out[i] = e.task.Clone()
	}
	q.mu.Unlock()
	return out
}

// GetQueueStats counts tracked tasks by status.
func (q *Queue) GetQueueStats() schema.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := schema.QueueStats{Total: len(q.tasks)}
	for _, e := range q.tasks {
		switch e.task.Status {
		case schema.TaskStatusPending:
			st.Pending++
		case schema.TaskStatusRunning:
			st.Running++
		case schema.TaskStatusCompleted:
			st.Completed++
		case schema.TaskStatusFailed:
			st.Failed++
		}
	}
	return st
}

// GenerateTaskID returns task_<unixmillis>_<suffix>, unique among tracked tasks.
func (q *Queue) GenerateTaskID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
		id := fmt.Sprintf("task_%d_%s", q.now().UnixMilli(), suffix)
		_, taken := q.tasks[id]
		_, inflight := q.tombstones[id]
		if !taken && !inflight {
			return id
		}
	}
}

// --- state changes ---

// UpdateTaskStatus moves a task along the state machine. Leaving running
// releases the bound agent; reaching a terminal state notifies watchers.
func (q *Queue) UpdateTaskStatus(ctx context.Context, id string, status schema.TaskStatus) (*schema.Task, error) {
	fx := &effects{}
	q.mu.Lock()
	e, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return nil, taskNotFound(id)
	}
	t := e.task
	if err := checkTransition(id, t.Status, status, viaUpdate); err != nil {
		q.mu.Unlock()
		return nil, err
	}

	from := t.Status
	if from == schema.TaskStatusPending {
		q.pending.remove(e)
	}
	applyTransition(t, status, q.now())
	if from == schema.TaskStatusRunning && t.AgentID != "" {
		fx.release = append(fx.release, t.AgentID)
	}
	if status.Terminal() {
		q.notifyLocked(t, false)
	}
	q.persist(ctx, t)
	snap := t.Clone()
	fx.event(taskEventType(status, false), snap, nil)
	q.mu.Unlock()

	q.apply(ctx, fx)
	return snap, nil
}

// RetryTask re-queues a pending or failed task, incrementing RetryCount and
// clearing its result, error, timestamps and agent binding. When the retry
// budget is spent it returns RETRY_LIMIT_EXCEEDED and a pending task is
// parked as failed.
func (q *Queue) RetryTask(ctx context.Context, id string) (*schema.Task, error) {
	fx := &effects{}
	q.mu.Lock()
	e, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return nil, taskNotFound(id)
	}
	t := e.task
	if err := checkTransition(id, t.Status, schema.TaskStatusPending, viaRetry); err != nil {
		q.mu.Unlock()
		return nil, err
	}

	if !t.CanRetry() {
		if t.Status == schema.TaskStatusPending {
			q.pending.remove(e)
			t.Error = "retry limit exceeded"
			applyTransition(t, schema.TaskStatusFailed, q.now())
			q.notifyLocked(t, false)
			q.persist(ctx, t)
			fx.event(schema.EventTaskFailed, t, map[string]any{"error": t.Error})
		}
		q.mu.Unlock()
		q.apply(ctx, fx)
		return nil, schema.NewErrorf(schema.ErrCodeRetryLimitExceeded,
			"task %q reached its retry limit (%d)", id, t.MaxRetries).
			WithTask(id).
			WithDetails(map[string]any{"retry_count": t.RetryCount, "max_retries": t.MaxRetries})
	}

	q.retryLocked(e)
	q.persist(ctx, t)
	snap := t.Clone()
	fx.event(schema.EventTaskRetrying, snap, map[string]any{"retry_count": snap.RetryCount, "manual": true})
	q.mu.Unlock()

	q.apply(ctx, fx)
	return snap, nil
}

// retryLocked puts e back into pending. Caller holds q.mu and has checked
// the budget.
func (q *Queue) retryLocked(e *entry) {
	t := e.task
	t.RetryCount++
	t.Error = ""
	t.Result = ""
	t.AgentID = ""
	applyTransition(t, schema.TaskStatusPending, q.now())
	if e.index < 0 {
		q.pending.add(e)
	}
}

// CompleteTask is the execution callback. Unknown and non-running ids are
// ignored, except that a task removed while running still releases its agent.
// An execution error is recorded and retried automatically while budget
// remains; otherwise the task fails.
func (q *Queue) CompleteTask(ctx context.Context, id, result string, execErr error) {
	fx := &effects{}
	q.mu.Lock()
	e, ok := q.tasks[id]
	if !ok {
		if agentID, removed := q.tombstones[id]; removed {
			delete(q.tombstones, id)
			fx.release = append(fx.release, agentID)
		}
		q.mu.Unlock()
		q.apply(ctx, fx)
		q.logger.Debug("completion for untracked task ignored", slog.String("task_id", id))
		return
	}
	t := e.task
	if t.Status != schema.TaskStatusRunning {
		q.mu.Unlock()
		q.logger.Debug("completion for non-running task ignored",
			slog.String("task_id", id), slog.String("status", string(t.Status)))
		return
	}

	if t.AgentID != "" {
		fx.release = append(fx.release, t.AgentID)
	}
	now := q.now()
	if execErr != nil {
		t.Result = ""
		t.Error = execErr.Error()
		applyTransition(t, schema.TaskStatusFailed, now)
		if t.CanRetry() {
			failedErr := t.Error
			q.retryLocked(e)
			fx.event(schema.EventTaskRetrying, t, map[string]any{"error": failedErr, "retry_count": t.RetryCount})
		} else {
			q.notifyLocked(t, false)
			fx.event(schema.EventTaskFailed, t, map[string]any{"error": t.Error, "retry_count": t.RetryCount})
		}
	} else {
		t.Result = result
		t.Error = ""
		applyTransition(t, schema.TaskStatusCompleted, now)
		q.notifyLocked(t, false)
		fx.event(schema.EventTaskCompleted, t, map[string]any{"retry_count": t.RetryCount})
	}
	q.persist(ctx, t)
	q.mu.Unlock()

	q.apply(ctx, fx)
}

// RequeueTask returns a running task to pending without spending retry
// budget, the same way Load treats tasks interrupted by a restart. The bound
// agent is released. Anything other than a running task is left alone.
func (q *Queue) RequeueTask(ctx context.Context, id string) {
	fx := &effects{}
	q.mu.Lock()
	e, ok := q.tasks[id]
	if !ok {
		if agentID, removed := q.tombstones[id]; removed {
			delete(q.tombstones, id)
			fx.release = append(fx.release, agentID)
		}
		q.mu.Unlock()
		q.apply(ctx, fx)
		return
	}
	t := e.task
	if t.Status != schema.TaskStatusRunning {
		q.mu.Unlock()
		return
	}
	if t.AgentID != "" {
		fx.release = append(fx.release, t.AgentID)
	}
	t.AgentID = ""
	applyTransition(t, schema.TaskStatusPending, q.now())
	if e.index < 0 {
		q.pending.add(e)
	}
	q.persist(ctx, t)
	fx.event(schema.EventTaskRequeued, t, map[string]any{"retry_count": t.RetryCount})
	q.mu.Unlock()

	q.apply(ctx, fx)
}

// RemoveTask stops tracking a task. A running task keeps executing; its
// agent is released when the late completion arrives.
func (q *Queue) RemoveTask(ctx context.Context, id string) error {
	fx := &effects{}
	q.mu.Lock()
	e, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return taskNotFound(id)
	}
	if e.task.Status == schema.TaskStatusRunning && e.task.AgentID != "" {
		q.tombstones[id] = e.task.AgentID
	}
	snap := q.removeLocked(ctx, e)
	fx.event(schema.EventTaskRemoved, snap, nil)
	q.mu.Unlock()

	q.apply(ctx, fx)
	return nil
}

func (q *Queue) removeLocked(ctx context.Context, e *entry) *schema.Task {
	q.pending.remove(e)
	delete(q.tasks, e.task.ID)
	q.notifyLocked(e.task, true)
	if q.store != nil {
		if err := q.store.DeleteTask(ctx, e.task.ID); err != nil {
			q.logger.Warn("delete task failed", slog.String("task_id", e.task.ID), slog.String("error", err.Error()))
		}
	}
	return e.task.Clone()
}

// --- watchers ---

// Watch returns a channel that receives the task's outcome once: completion,
// failure with no automatic retry left, or removal. A task that is already
// completed or failed is delivered immediately.
func (q *Queue) Watch(id string) (<-chan Outcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.tasks[id]
	if !ok {
		return nil, taskNotFound(id)
	}
	ch := make(chan Outcome, 1)
	if e.task.Status.Terminal() {
		ch <- Outcome{Task: *e.task.Clone()}
		close(ch)
		return ch, nil
	}
	q.watchers[id] = append(q.watchers[id], ch)
	return ch, nil
}

// notifyLocked delivers the outcome to every watcher of t. Each channel has
// room for exactly one value, so the sends never block.
func (q *Queue) notifyLocked(t *schema.Task, removed bool) {
	chans := q.watchers[t.ID]
	if len(chans) == 0 {
		return
	}
	delete(q.watchers, t.ID)
	out := Outcome{Task: *t.Clone(), Removed: removed}
	for _, ch := range chans {
		ch <- out
		close(ch)
	}
}

// --- persistence ---

// persist saves a task snapshot. Caller holds q.mu.
func (q *Queue) persist(ctx context.Context, t *schema.Task) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveTask(ctx, t); err != nil {
		q.logger.Warn("persist task failed", slog.String("task_id", t.ID), slog.String("error", err.Error()))
	}
}

// Load restores tasks from the store. Tasks saved as running are re-queued as
// pending because their agent binding did not survive the restart;
// RetryCount is left untouched.
func (q *Queue) Load(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	tasks, err := q.store.LoadAllTasks(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	var requeued int
	q.mu.Lock()
	for _, t := range tasks {
		if _, exists := q.tasks[t.ID]; exists {
			continue
		}
		if !validStatus(t.Status) {
			q.logger.Warn("skipping stored task with unknown status",
				slog.String("task_id", t.ID), slog.String("status", string(t.Status)))
			continue
		}
		if t.MaxRetries <= 0 {
			t.MaxRetries = q.config.MaxRetries
		}
		if t.Status == schema.TaskStatusRunning {
			t.AgentID = ""
			applyTransition(t, schema.TaskStatusPending, q.now())
			q.persist(ctx, t)
			requeued++
		}
		q.track(t)
	}
	q.mu.Unlock()

	q.logger.Info("tasks loaded", slog.Int("count", len(tasks)), slog.Int("requeued", requeued))
	return nil
}

func taskNotFound(id string) *schema.ConductorError {
	return schema.NewErrorf(schema.ErrCodeTaskNotFound, "task %q not found", id).WithTask(id)
}
