package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/conductor/internal/queue"
	"github.com/rendis/conductor/pkg/schema"
)

// fakeQueue is a TaskQueue that runs tasks through exec as soon as they are
// watched. Tasks whose exec is nil are held until resolve is called.
type fakeQueue struct {
	mu         sync.Mutex
	seq        int
	exec       func(t *schema.Task) (string, error)
	tasks      map[string]*schema.Task
	order      []string
	watchers   map[string]chan queue.Outcome
	removed    []string
	enqueueErr error
}

func newFakeQueue(exec func(t *schema.Task) (string, error)) *fakeQueue {
	return &fakeQueue{
		exec:     exec,
		tasks:    make(map[string]*schema.Task),
		watchers: make(map[string]chan queue.Outcome),
	}
}

// echoExec completes every task with its prompt.
func echoExec(t *schema.Task) (string, error) { return t.Prompt, nil }

func (q *fakeQueue) Enqueue(_ context.Context, task *schema.Task) (*schema.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return nil, q.enqueueErr
	}
	t := task.Clone()
	t.Status = schema.TaskStatusPending
	q.tasks[t.ID] = t
	q.order = append(q.order, t.ID)
	return t.Clone(), nil
}

func (q *fakeQueue) Watch(id string) (<-chan queue.Outcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeTaskNotFound, "task %q not found", id)
	}
	ch := make(chan queue.Outcome, 1)
	if q.exec == nil {
		q.watchers[id] = ch
		return ch, nil
	}
	snap := t.Clone()
	go func() {
		result, err := q.exec(snap)
		q.finish(snap.ID, result, err, ch)
	}()
	return ch, nil
}

func (q *fakeQueue) finish(id, result string, err error, ch chan queue.Outcome) {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		close(ch)
		return
	}
	if err != nil {
		t.Status = schema.TaskStatusFailed
		t.Error = err.Error()
	} else {
		t.Status = schema.TaskStatusCompleted
		t.Result = result
	}
	out := queue.Outcome{Task: *t.Clone()}
	q.mu.Unlock()
	ch <- out
	close(ch)
}

// resolve completes a held task.
func (q *fakeQueue) resolve(id, result string, err error) {
	q.mu.Lock()
	ch, ok := q.watchers[id]
	delete(q.watchers, id)
	q.mu.Unlock()
	if ok {
		q.finish(id, result, err, ch)
	}
}

func (q *fakeQueue) RemoveTask(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeTaskNotFound, "task %q not found", id)
	}
	delete(q.tasks, id)
	q.removed = append(q.removed, id)
	if ch, held := q.watchers[id]; held {
		delete(q.watchers, id)
		ch <- queue.Outcome{Task: *t.Clone(), Removed: true}
		close(ch)
	}
	return nil
}

func (q *fakeQueue) GenerateTaskID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	return fmt.Sprintf("task_%d", q.seq)
}

// taskFor returns the task enqueued for a node.
func (q *fakeQueue) taskFor(nodeID string) *schema.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.order {
		if t, ok := q.tasks[id]; ok && t.NodeID == nodeID {
			return t.Clone()
		}
	}
	return nil
}

func (q *fakeQueue) removedIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.removed...)
}

func (q *fakeQueue) held() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.watchers)
}

// --- workflow builders ---

func inputNode(id string) schema.WorkflowNode {
	return schema.WorkflowNode{ID: id, Config: schema.InputConfig{}}
}

func processNode(id, prompt string) schema.WorkflowNode {
	return schema.WorkflowNode{ID: id, Config: schema.ProcessConfig{Prompt: prompt}}
}

func conditionNode(id, expr string) schema.WorkflowNode {
	return schema.WorkflowNode{ID: id, Config: schema.ConditionConfig{Expression: expr}}
}

func outputNode(id string) schema.WorkflowNode {
	return schema.WorkflowNode{ID: id, Config: schema.OutputConfig{}}
}

func edge(src, dst string) schema.Connection {
	return schema.Connection{SourceNodeID: src, TargetNodeID: dst}
}

func branch(src, port, dst string) schema.Connection {
	return schema.Connection{SourceNodeID: src, SourcePort: port, TargetNodeID: dst}
}

func newTestEngine(t *testing.T, q TaskQueue) *Engine {
	t.Helper()
	e, err := New(nil, q, nil, Config{}, nil)
	require.NoError(t, err)
	return e
}

func importWorkflow(t *testing.T, e *Engine, nodes []schema.WorkflowNode, conns []schema.Connection) *schema.Workflow {
	t.Helper()
	wf, err := e.ImportWorkflow(context.Background(), &schema.Workflow{Name: t.Name(), Nodes: nodes, Connections: conns})
	require.NoError(t, err)
	return wf
}

// branchingWorkflow is Input → Condition → {A (true), B (false)} → Output.
func branchingWorkflow(t *testing.T, e *Engine, expr string) *schema.Workflow {
	return importWorkflow(t, e,
		[]schema.WorkflowNode{
			inputNode("in"),
			conditionNode("cond", expr),
			processNode("a", "handle high"),
			processNode("b", "handle low"),
			outputNode("out"),
		},
		[]schema.Connection{
			edge("in", "cond"),
			branch("cond", schema.PortTrue, "a"),
			branch("cond", schema.PortFalse, "b"),
			edge("a", "out"),
			edge("b", "out"),
		})
}

func runToEnd(t *testing.T, e *Engine, workflowID string, input any) *schema.RunSummary {
	t.Helper()
	run, err := e.ExecuteWorkflow(context.Background(), workflowID, input)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	summary, err := run.Wait(ctx)
	require.NoError(t, err)
	return summary
}

func nodeStatus(s *schema.RunSummary, id string) schema.NodeStatus {
	if st, ok := s.Nodes[id]; ok {
		return st.Status
	}
	return ""
}

var errBoom = errors.New("boom")
