package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rendis/conductor/internal/expressions"
	"github.com/rendis/conductor/internal/queue"
	"github.com/rendis/conductor/pkg/schema"
)

// Skip reasons recorded on skipped nodes.
const (
	ReasonBranchNotTaken = "branch not taken"
	ReasonUpstreamFailed = "upstream failed"
	ReasonRunCancelled   = "run cancelled"
	ReasonUnreachable    = "unreachable"
)

// Run is the handle of one workflow execution.
type Run struct {
	ID         string
	WorkflowID string

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	summary *schema.RunSummary
}

func newRun(id string, wf *schema.Workflow, g *Graph, started time.Time, cancel context.CancelFunc) *Run {
	nodes := make(map[string]*schema.NodeState, len(g.Nodes))
	for id := range g.Nodes {
		nodes[id] = &schema.NodeState{Status: schema.NodeStatusPending}
	}
	return &Run{
		ID:         id,
		WorkflowID: wf.ID,
		cancel:     cancel,
		done:       make(chan struct{}),
		summary: &schema.RunSummary{
			RunID:     id,
			Status:    schema.WorkflowStatusRunning,
			StartedAt: started,
			Nodes:     nodes,
			Output:    map[string]any{},
		},
	}
}

// Done is closed once the run has finished and its summary is recorded.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run finishes or ctx is done.
func (r *Run) Wait(ctx context.Context) (*schema.RunSummary, error) {
	select {
	case <-r.done:
		return r.Snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Snapshot returns a copy of the current run state.
func (r *Run) Snapshot() *schema.RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary.Clone()
}

// Cancel stops the run. Safe to call more than once.
func (r *Run) Cancel() { r.cancel() }

func (r *Run) update(fn func(s *schema.RunSummary)) {
	r.mu.Lock()
	fn(r.summary)
	r.mu.Unlock()
}

// edgeState is the resolution of one connection during a run.
type edgeState uint8

const (
	edgeUnresolved edgeState = iota
	edgeActive               // carries the source value
	edgeNotTaken             // the other branch of a condition
	edgeBlocked              // the source failed or was skipped because of a failure
)

type taskOutcome struct {
	taskID  string
	outcome queue.Outcome
}

// runner owns all traversal state of one run. Only its goroutine touches it;
// task outcomes arrive through the outcomes channel.
type runner struct {
	engine *Engine
	run    *Run
	wf     *schema.Workflow
	graph  *Graph
	scope  *expressions.Scope
	input  any
	logger *slog.Logger

	status    map[string]schema.NodeStatus
	edges     []edgeState
	ready     []string
	tasks     map[string]string // in-flight task ID → node ID
	nodeTasks map[string]string // node ID → task ID
	outcomes  chan taskOutcome
	failed    []string
	cancelled bool
}

func (r *runner) execute(ctx context.Context) {
	r.status = make(map[string]schema.NodeStatus, len(r.graph.Nodes))
	for id := range r.graph.Nodes {
		r.status[id] = schema.NodeStatusPending
	}
	r.edges = make([]edgeState, len(r.graph.Conns))
	r.tasks = make(map[string]string)
	r.nodeTasks = make(map[string]string)
	r.outcomes = make(chan taskOutcome, len(r.graph.Nodes))

	for _, id := range r.graph.Inputs {
		r.markEligible(ctx, id)
	}
	r.drain(ctx)

loop:
	for len(r.tasks) > 0 {
		select {
		case o := <-r.outcomes:
			r.onTaskOutcome(ctx, o)
			r.drain(ctx)
		case <-ctx.Done():
			r.abort(ctx)
			break loop
		}
	}
	if !r.cancelled && len(r.ready) > 0 {
		// cancelled while draining
		r.abort(ctx)
	}
	r.finish(ctx)
}

func (r *runner) drain(ctx context.Context) {
	for len(r.ready) > 0 && ctx.Err() == nil {
		id := r.ready[0]
		r.ready = r.ready[1:]
		r.runNode(ctx, id)
	}
}

// --- node execution ---

func (r *runner) runNode(ctx context.Context, id string) {
	node := r.graph.Nodes[id]
	if node.Type() != schema.NodeTypeProcess {
		r.transition(ctx, id, schema.NodeStatusRunning, nil)
	}

	switch cfg := node.Config.(type) {
	case schema.InputConfig:
		value := r.input
		if value == nil {
			value = cfg.Default
		}
		r.complete(ctx, id, value, nil)

	case schema.ConditionConfig:
		local := r.aggregate(id)
		branch, err := expressions.EvaluateCondition(ctx, r.engine.conditions, cfg.Expression, r.scope.Data(local))
		if err != nil {
			r.fail(ctx, id, err)
			return
		}
		publish(ctx, r.engine.hub, r.logger, conditionEvent(r.wf.ID, id, cfg.Expression, branch))
		r.complete(ctx, id, local, &branch)

	case schema.OutputConfig:
		value := r.aggregate(id)
		if cfg.Transform != "" {
			out, err := r.engine.transforms.Transform(ctx, cfg.Transform, value)
			if err != nil {
				r.fail(ctx, id, err)
				return
			}
			value = out
		}
		r.run.update(func(s *schema.RunSummary) { s.Output[id] = value })
		r.complete(ctx, id, value, nil)

	case schema.ProcessConfig:
		r.startTask(ctx, id, cfg)

	default:
		r.fail(ctx, id, fmt.Errorf("unsupported node type %q", node.Type()))
	}
}

// startTask materializes a process node as a workflow-step task and watches
// it. The node completes when the task's outcome arrives.
func (r *runner) startTask(ctx context.Context, id string, cfg schema.ProcessConfig) {
	local := r.aggregate(id)
	prompt, err := expressions.Interpolate(cfg.Prompt, r.scope, local)
	if err != nil {
		r.transition(ctx, id, schema.NodeStatusRunning, nil)
		r.fail(ctx, id, err)
		return
	}
	if !expressions.HasPlaceholders(cfg.Prompt) && local != nil {
		prompt += "\n\nInput:\n" + expressions.Stringify(local)
	}

	priority := cfg.Priority
	if priority <= 0 {
		priority = r.engine.config.DefaultStepPriority
	}
	q := r.engine.queue
	task := &schema.Task{
		ID:           q.GenerateTaskID(),
		Type:         schema.TaskTypeWorkflowStep,
		Priority:     priority,
		Prompt:       prompt,
		Dependencies: r.upstreamTasks(id),
		AgentRole:    cfg.AgentRole,
		WorkflowID:   r.wf.ID,
		NodeID:       id,
	}

	r.transition(ctx, id, schema.NodeStatusRunning, map[string]any{"task_id": task.ID})
	r.run.update(func(s *schema.RunSummary) { s.Nodes[id].TaskID = task.ID })
	r.nodeTasks[id] = task.ID

	if _, err := q.Enqueue(ctx, task); err != nil {
		r.fail(ctx, id, err)
		return
	}
	ch, err := q.Watch(task.ID)
	if err != nil {
		r.fail(ctx, id, err)
		return
	}
	r.tasks[task.ID] = id
	go r.forward(ctx, task.ID, ch)
}

func (r *runner) forward(ctx context.Context, taskID string, ch <-chan queue.Outcome) {
	select {
	case out, ok := <-ch:
		if !ok {
			return
		}
		select {
		case r.outcomes <- taskOutcome{taskID: taskID, outcome: out}:
		case <-ctx.Done():
		}
	case <-ctx.Done():
	}
}

func (r *runner) onTaskOutcome(ctx context.Context, o taskOutcome) {
	id, ok := r.tasks[o.taskID]
	if !ok {
		return
	}
	delete(r.tasks, o.taskID)

	switch {
	case o.outcome.Removed:
		r.fail(ctx, id, fmt.Errorf("task %s was removed from the queue", o.taskID))
	case o.outcome.Task.Status == schema.TaskStatusCompleted:
		r.complete(ctx, id, o.outcome.Task.Result, nil)
	default:
		msg := o.outcome.Task.Error
		if msg == "" {
			msg = "task failed"
		}
		r.fail(ctx, id, errors.New(msg))
	}
}

// --- resolution ---

func (r *runner) complete(ctx context.Context, id string, value any, branch *bool) {
	if err := r.scope.SetNodeValue(id, value); err != nil {
		r.logger.Warn("node value not recorded", slog.String("node_id", id), slog.String("error", err.Error()))
	}
	r.transition(ctx, id, schema.NodeStatusCompleted, nil)
	r.run.update(func(s *schema.RunSummary) {
		st := s.Nodes[id]
		st.Value = value
		st.Branch = branch
	})

	for _, ci := range r.graph.Out[id] {
		state := edgeActive
		if branch != nil && r.graph.Conns[ci].SourcePort != portFor(*branch) {
			state = edgeNotTaken
		}
		r.resolveEdge(ctx, ci, state)
	}
}

func (r *runner) fail(ctx context.Context, id string, err error) {
	msg := errorText(err)
	r.failed = append(r.failed, id)
	r.transition(ctx, id, schema.NodeStatusFailed, map[string]any{"error": msg})
	r.run.update(func(s *schema.RunSummary) { s.Nodes[id].Error = msg })
	r.logger.Info("node failed", slog.String("node_id", id), slog.String("error", msg))

	for _, ci := range r.graph.Out[id] {
		r.resolveEdge(ctx, ci, edgeBlocked)
	}
}

func (r *runner) skip(ctx context.Context, id, reason string) {
	r.transition(ctx, id, schema.NodeStatusSkipped, map[string]any{"reason": reason})
	r.run.update(func(s *schema.RunSummary) { s.Nodes[id].Reason = reason })

	state := edgeNotTaken
	if reason == ReasonUpstreamFailed {
		state = edgeBlocked
	}
	for _, ci := range r.graph.Out[id] {
		r.resolveEdge(ctx, ci, state)
	}
}

// settle skips a node without resolving its outgoing connections.
func (r *runner) settle(ctx context.Context, id, reason string) {
	r.transition(ctx, id, schema.NodeStatusSkipped, map[string]any{"reason": reason})
	r.run.update(func(s *schema.RunSummary) { s.Nodes[id].Reason = reason })
}

// resolveEdge settles one connection and decides its target once every
// incoming connection is settled: a blocked input skips it as upstream
// failed, any active input makes it eligible, otherwise the branch was not
// taken.
func (r *runner) resolveEdge(ctx context.Context, ci int, state edgeState) {
	r.edges[ci] = state
	target := r.graph.Conns[ci].TargetNodeID
	if r.status[target] != schema.NodeStatusPending {
		return
	}

	var active, blocked bool
	for _, in := range r.graph.In[target] {
		switch r.edges[in] {
		case edgeUnresolved:
			return
		case edgeActive:
			active = true
		case edgeBlocked:
			blocked = true
		}
	}
	switch {
	case blocked:
		r.skip(ctx, target, ReasonUpstreamFailed)
	case active:
		r.markEligible(ctx, target)
	default:
		r.skip(ctx, target, ReasonBranchNotTaken)
	}
}

func (r *runner) markEligible(ctx context.Context, id string) {
	r.transition(ctx, id, schema.NodeStatusEligible, nil)
	r.ready = append(r.ready, id)
}

// aggregate returns the value flowing into a node: the single active
// upstream value as-is, several as a list in connection order.
func (r *runner) aggregate(id string) any {
	var values []any
	var seen []string
	for _, ci := range r.graph.In[id] {
		if r.edges[ci] != edgeActive {
			continue
		}
		src := r.graph.Conns[ci].SourceNodeID
		if slices.Contains(seen, src) {
			continue
		}
		seen = append(seen, src)
		v, _ := r.scope.NodeValue(src)
		values = append(values, v)
	}
	switch len(values) {
	case 0:
		return nil
	case 1:
		return values[0]
	default:
		return values
	}
}

// upstreamTasks lists the task IDs of the upstream process nodes.
func (r *runner) upstreamTasks(id string) []string {
	var out []string
	for _, src := range r.graph.Upstream(id) {
		if t, ok := r.nodeTasks[src]; ok {
			out = append(out, t)
		}
	}
	return out
}

// --- termination ---

// abort removes in-flight tasks from the queue and settles every node that
// has not finished.
func (r *runner) abort(ctx context.Context) {
	r.cancelled = true
	cleanup := context.WithoutCancel(ctx)
	for taskID := range r.tasks {
		if err := r.engine.queue.RemoveTask(cleanup, taskID); err != nil && !schema.IsCode(err, schema.ErrCodeTaskNotFound) {
			r.logger.Warn("remove task on cancel failed", slog.String("task_id", taskID), slog.String("error", err.Error()))
		}
	}
	clear(r.tasks)
	r.ready = nil

	for _, id := range r.graph.Sorted {
		switch r.status[id] {
		case schema.NodeStatusRunning:
			r.failed = append(r.failed, id)
			r.transition(cleanup, id, schema.NodeStatusFailed, map[string]any{"error": ReasonRunCancelled})
			r.run.update(func(s *schema.RunSummary) { s.Nodes[id].Error = ReasonRunCancelled })
		case schema.NodeStatusPending, schema.NodeStatusEligible:
			r.settle(cleanup, id, ReasonRunCancelled)
		}
	}
}

func (r *runner) finish(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for _, id := range r.graph.Sorted {
		if !r.status[id].Terminal() {
			r.settle(ctx, id, ReasonUnreachable)
		}
	}

	status := schema.WorkflowStatusCompleted
	var runErr string
	switch {
	case r.cancelled:
		status = schema.WorkflowStatusFailed
		runErr = ReasonRunCancelled
	case len(r.failed) > 0:
		status = schema.WorkflowStatusFailed
		runErr = "failed nodes: " + strings.Join(r.failed, ", ")
	}

	completed := r.engine.now()
	r.run.update(func(s *schema.RunSummary) {
		s.Status = status
		s.Error = runErr
		s.CompletedAt = &completed
	})
	summary := r.run.Snapshot()
	r.engine.finishRun(ctx, r.run, summary)
	r.logger.Info("workflow run finished", slog.String("status", string(status)),
		slog.Duration("elapsed", completed.Sub(summary.StartedAt)))
	close(r.run.done)
}

// transition moves a node through the node state machine. An illegal move
// is a bug in the runner and is logged, not applied.
func (r *runner) transition(ctx context.Context, id string, to schema.NodeStatus, payload map[string]any) {
	from := r.status[id]
	if err := r.engine.nodeFSM.Transition(ctx, r.wf.ID, id, from, to, payload); err != nil {
		r.logger.Error("node transition rejected", slog.String("node_id", id), slog.String("error", err.Error()))
		return
	}
	r.status[id] = to
	r.run.update(func(s *schema.RunSummary) { s.Nodes[id].Status = to })
}

func portFor(branch bool) string {
	if branch {
		return schema.PortTrue
	}
	return schema.PortFalse
}

func errorText(err error) string {
	var ce *schema.ConductorError
	if errors.As(err, &ce) {
		return ce.Message
	}
	return err.Error()
}
