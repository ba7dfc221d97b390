// Package engine owns workflow graphs and runs them: nodes whose incoming
// connections are resolved execute, process nodes become queue tasks and
// condition nodes route values down their true or false branch.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/conductor/internal/expressions"
	"github.com/rendis/conductor/internal/logging"
	"github.com/rendis/conductor/internal/queue"
	"github.com/rendis/conductor/internal/streaming"
	"github.com/rendis/conductor/internal/validation"
	"github.com/rendis/conductor/pkg/schema"
)

// DefaultStepPriority is the task priority of process nodes that do not set one.
const DefaultStepPriority = 5

// TaskQueue is the part of the task queue the engine drives.
// Satisfied by *queue.Queue.
type TaskQueue interface {
	Enqueue(ctx context.Context, task *schema.Task) (*schema.Task, error)
	Watch(id string) (<-chan queue.Outcome, error)
	RemoveTask(ctx context.Context, id string) error
	GenerateTaskID() string
}

// WorkflowStore persists workflow records. Satisfied by store.Store.
type WorkflowStore interface {
	SaveWorkflow(ctx context.Context, wf *schema.Workflow) error
	DeleteWorkflow(ctx context.Context, id string) error
	LoadAllWorkflows(ctx context.Context) ([]*schema.Workflow, error)
}

// Config holds engine settings.
type Config struct {
	ConditionEngine     string // expressions.EngineCEL (default) or expressions.EngineExpr
	DefaultStepPriority int    // 0 = DefaultStepPriority
}

// Engine manages workflows and their runs.
type Engine struct {
	store      WorkflowStore
	queue      TaskQueue
	hub        streaming.EventHub
	conditions expressions.Engine
	transforms *expressions.GoJQEngine
	validator  *validation.WorkflowValidator
	wfFSM      *WorkflowFSM
	nodeFSM    *NodeFSM
	config     Config
	logger     *slog.Logger
	now        func() time.Time

	// mu guards workflows and runs.
	mu        sync.Mutex
	workflows map[string]*schema.Workflow
	runs      map[string]*Run
}

// New creates an Engine. store and hub may be nil.
func New(s WorkflowStore, q TaskQueue, hub streaming.EventHub, cfg Config, logger *slog.Logger) (*Engine, error) {
	if q == nil {
		return nil, fmt.Errorf("engine requires a task queue")
	}
	if cfg.DefaultStepPriority <= 0 {
		cfg.DefaultStepPriority = DefaultStepPriority
	}
	if hub == nil {
		hub = streaming.Nop{}
	}
	if logger == nil {
		logger = logging.Discard()
	}

	conditions, err := expressions.NewConditionEngine(cfg.ConditionEngine)
	if err != nil {
		return nil, fmt.Errorf("condition engine: %w", err)
	}
	transforms := expressions.NewGoJQEngine()
	checker, _ := conditions.(expressions.Checker)

	return &Engine{
		store:      s,
		queue:      q,
		hub:        hub,
		conditions: conditions,
		transforms: transforms,
		validator:  validation.NewWorkflowValidator(checker, transforms),
		wfFSM:      NewWorkflowFSM(hub, logger),
		nodeFSM:    NewNodeFSM(hub, logger),
		config:     cfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		workflows:  make(map[string]*schema.Workflow),
		runs:       make(map[string]*Run),
	}, nil
}

// --- workflow records ---

// CreateWorkflow creates an empty draft workflow.
func (e *Engine) CreateWorkflow(ctx context.Context, name string) (*schema.Workflow, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidWorkflow, "workflow name is required")
	}
	now := e.now()
	wf := &schema.Workflow{
		ID:          uuid.NewString(),
		Name:        name,
		Status:      schema.WorkflowStatusDraft,
		Nodes:       []schema.WorkflowNode{},
		Connections: []schema.Connection{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	e.mu.Lock()
	e.workflows[wf.ID] = wf
	e.persist(ctx, wf)
	snap := wf.Clone()
	e.mu.Unlock()

	e.publish(ctx, schema.EventWorkflowCreated, snap.ID, map[string]any{"name": snap.Name})
	return snap, nil
}

// ImportWorkflow adds a complete workflow, replaying its nodes and
// connections through the same checks as AddNode and ConnectNodes. An empty
// ID is generated; an existing ID is a CONFLICT. The imported workflow is a
// draft without run history.
func (e *Engine) ImportWorkflow(ctx context.Context, wf *schema.Workflow) (*schema.Workflow, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeInvalidWorkflow, "workflow is nil")
	}
	name := strings.TrimSpace(wf.Name)
	if name == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidWorkflow, "workflow name is required")
	}

	now := e.now()
	built := &schema.Workflow{
		ID:          wf.ID,
		Name:        name,
		Description: wf.Description,
		Status:      schema.WorkflowStatusDraft,
		Nodes:       []schema.WorkflowNode{},
		Connections: []schema.Connection{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if built.ID == "" {
		built.ID = uuid.NewString()
	}
	for _, n := range wf.Nodes {
		if _, err := addNode(built, n); err != nil {
			return nil, err
		}
	}
	for _, c := range wf.Connections {
		if _, err := connect(built, c); err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	if _, exists := e.workflows[built.ID]; exists {
		e.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", built.ID).WithWorkflow(built.ID)
	}
	e.workflows[built.ID] = built
	e.persist(ctx, built)
	snap := built.Clone()
	e.mu.Unlock()

	e.publish(ctx, schema.EventWorkflowCreated, snap.ID, map[string]any{"name": snap.Name, "imported": true})
	return snap, nil
}

// GetWorkflows returns every workflow, oldest first.
func (e *Engine) GetWorkflows() []*schema.Workflow {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*schema.Workflow, 0, len(e.workflows))
	for _, wf := range e.workflows {
		out = append(out, wf.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetWorkflow returns a copy of one workflow.
func (e *Engine) GetWorkflow(id string) (*schema.Workflow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wf, ok := e.workflows[id]
	if !ok {
		return nil, workflowNotFound(id)
	}
	return wf.Clone(), nil
}

// DeleteWorkflow removes a workflow. An active run is cancelled; its
// in-flight tasks are removed from the queue by the run itself.
func (e *Engine) DeleteWorkflow(ctx context.Context, id string) error {
	e.mu.Lock()
	if _, ok := e.workflows[id]; !ok {
		e.mu.Unlock()
		return workflowNotFound(id)
	}
	delete(e.workflows, id)
	run := e.runs[id]
	if e.store != nil {
		if err := e.store.DeleteWorkflow(ctx, id); err != nil {
			e.logger.Warn("delete workflow failed", slog.String("workflow_id", id), slog.String("error", err.Error()))
		}
	}
	e.mu.Unlock()

	if run != nil {
		run.cancel()
	}
	e.publish(ctx, schema.EventWorkflowDeleted, id, nil)
	return nil
}

// --- graph editing ---

// AddNode appends a node. An empty node ID is generated.
func (e *Engine) AddNode(ctx context.Context, workflowID string, node schema.WorkflowNode) (schema.WorkflowNode, error) {
	var added schema.WorkflowNode
	err := e.edit(ctx, workflowID, func(wf *schema.Workflow) error {
		n, err := addNode(wf, node)
		added = n
		return err
	})
	return added, err
}

// RemoveNode deletes a node together with every connection touching it.
func (e *Engine) RemoveNode(ctx context.Context, workflowID, nodeID string) error {
	return e.edit(ctx, workflowID, func(wf *schema.Workflow) error {
		idx := -1
		for i, n := range wf.Nodes {
			if n.ID == nodeID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return schema.NewErrorf(schema.ErrCodeNotFound, "node %q not found", nodeID).
				WithWorkflow(workflowID).WithNode(nodeID)
		}
		wf.Nodes = append(wf.Nodes[:idx], wf.Nodes[idx+1:]...)
		kept := wf.Connections[:0]
		for _, c := range wf.Connections {
			if c.SourceNodeID != nodeID && c.TargetNodeID != nodeID {
				kept = append(kept, c)
			}
		}
		wf.Connections = kept
		return nil
	})
}

// ConnectNodes adds a connection after checking ports, endpoint types,
// duplicates and that the graph stays acyclic. An empty connection ID is
// generated.
func (e *Engine) ConnectNodes(ctx context.Context, workflowID string, conn schema.Connection) (schema.Connection, error) {
	var added schema.Connection
	err := e.edit(ctx, workflowID, func(wf *schema.Workflow) error {
		c, err := connect(wf, conn)
		added = c
		return err
	})
	return added, err
}

// Disconnect removes one connection by ID.
func (e *Engine) Disconnect(ctx context.Context, workflowID, connectionID string) error {
	return e.edit(ctx, workflowID, func(wf *schema.Workflow) error {
		for i, c := range wf.Connections {
			if c.ID == connectionID {
				wf.Connections = append(wf.Connections[:i], wf.Connections[i+1:]...)
				return nil
			}
		}
		return schema.NewErrorf(schema.ErrCodeNotFound, "connection %q not found", connectionID).
			WithWorkflow(workflowID)
	})
}

// edit applies fn to a working copy of the workflow and commits it when fn
// succeeds. Running workflows cannot be edited.
func (e *Engine) edit(ctx context.Context, workflowID string, fn func(wf *schema.Workflow) error) error {
	e.mu.Lock()
	cur, ok := e.workflows[workflowID]
	if !ok {
		e.mu.Unlock()
		return workflowNotFound(workflowID)
	}
	if cur.Status == schema.WorkflowStatusRunning {
		e.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q is running and cannot be edited", workflowID).
			WithWorkflow(workflowID)
	}
	work := cur.Clone()
	if err := fn(work); err != nil {
		e.mu.Unlock()
		return err
	}
	work.UpdatedAt = e.now()
	e.workflows[workflowID] = work
	e.persist(ctx, work)
	e.mu.Unlock()

	e.publish(ctx, schema.EventWorkflowUpdated, workflowID, nil)
	return nil
}

func addNode(wf *schema.Workflow, node schema.WorkflowNode) (schema.WorkflowNode, error) {
	if node.ID == "" {
		node.ID = "node_" + uuid.NewString()[:8]
	}
	if err := node.Check(); err != nil {
		return schema.WorkflowNode{}, withWorkflow(err, wf.ID)
	}
	if _, exists := wf.Node(node.ID); exists {
		return schema.WorkflowNode{}, schema.NewErrorf(schema.ErrCodeInvalidNode, "node %q already exists", node.ID).
			WithWorkflow(wf.ID).WithNode(node.ID)
	}
	wf.Nodes = append(wf.Nodes, node)
	return node, nil
}

func connect(wf *schema.Workflow, conn schema.Connection) (schema.Connection, error) {
	c := conn.Normalized()
	invalid := func(format string, args ...any) error {
		return schema.NewErrorf(schema.ErrCodeInvalidConnection, format, args...).WithWorkflow(wf.ID)
	}

	src, ok := wf.Node(c.SourceNodeID)
	if !ok {
		return schema.Connection{}, invalid("source node %q does not exist", c.SourceNodeID)
	}
	dst, ok := wf.Node(c.TargetNodeID)
	if !ok {
		return schema.Connection{}, invalid("target node %q does not exist", c.TargetNodeID)
	}
	if err := validation.CheckConnection(src.Type(), dst.Type(), c); err != nil {
		return schema.Connection{}, invalid("%s", err.Error())
	}
	for _, existing := range wf.Connections {
		e := existing.Normalized()
		if e.SourceNodeID == c.SourceNodeID && e.SourcePort == c.SourcePort && e.TargetNodeID == c.TargetNodeID {
			return schema.Connection{}, invalid("connection %s.%s -> %s already exists",
				c.SourceNodeID, c.SourcePort, c.TargetNodeID)
		}
		if c.ID != "" && existing.ID == c.ID {
			return schema.Connection{}, invalid("connection id %q already exists", c.ID)
		}
	}
	if c.ID == "" {
		c.ID = "conn_" + uuid.NewString()[:8]
	}

	trial := wf.Clone()
	trial.Connections = append(trial.Connections, c)
	if stuck := validation.DetectCycle(trial); len(stuck) > 0 {
		return schema.Connection{}, invalid("connection %s -> %s would create a cycle through [%s]",
			c.SourceNodeID, c.TargetNodeID, strings.Join(stuck, ", "))
	}

	wf.Connections = trial.Connections
	return c, nil
}

// --- validation ---

// ValidateWorkflow checks a workflow for execution readiness.
func (e *Engine) ValidateWorkflow(wf *schema.Workflow) *schema.ValidationResult {
	return e.validator.Validate(wf)
}

// --- runs ---

// ExecuteWorkflow validates the workflow, marks it running and starts a run
// in the background. input seeds the input nodes; nil falls back to each
// input node's default.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID string, input any) (*Run, error) {
	e.mu.Lock()
	cur, ok := e.workflows[workflowID]
	if !ok {
		e.mu.Unlock()
		return nil, workflowNotFound(workflowID)
	}
	if err := e.wfFSM.Check(workflowID, cur.Status, schema.WorkflowStatusRunning); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if err := e.validator.ValidateWorkflow(cur); err != nil {
		e.mu.Unlock()
		return nil, withWorkflow(err, workflowID)
	}
	graph, err := ParseGraph(cur)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}

	snap := cur.Clone()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := newRun(uuid.NewString(), snap, graph, e.now(), cancel)

	from := cur.Status
	cur.Status = schema.WorkflowStatusRunning
	cur.LastRun = run.Snapshot()
	cur.UpdatedAt = e.now()
	e.runs[workflowID] = run
	e.persist(ctx, cur)
	e.mu.Unlock()

	_ = e.wfFSM.Transition(ctx, workflowID, from, schema.WorkflowStatusRunning, map[string]any{"run_id": run.ID})
	logging.LogWith(logging.WithWorkflowID(ctx, workflowID), e.logger).
		Info("workflow run started", slog.String("run_id", run.ID), slog.Int("nodes", len(snap.Nodes)))

	r := &runner{
		engine: e,
		run:    run,
		wf:     snap,
		graph:  graph,
		scope:  expressions.NewScope(input, map[string]any{"id": snap.ID, "name": snap.Name, "run_id": run.ID}),
		input:  input,
		logger: e.logger.With(slog.String("workflow_id", workflowID), slog.String("run_id", run.ID)),
	}
	go r.execute(runCtx)
	return run, nil
}

// CancelRun stops the active run of a workflow. In-flight tasks are removed
// from the queue and the run finishes failed.
func (e *Engine) CancelRun(_ context.Context, workflowID string) error {
	e.mu.Lock()
	_, ok := e.workflows[workflowID]
	run := e.runs[workflowID]
	e.mu.Unlock()

	if !ok {
		return workflowNotFound(workflowID)
	}
	if run == nil {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q has no active run", workflowID).
			WithWorkflow(workflowID)
	}
	run.cancel()
	return nil
}

// ActiveRun returns the in-flight run of a workflow.
func (e *Engine) ActiveRun(workflowID string) (*Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.runs[workflowID]
	return run, ok
}

// finishRun records the final summary and releases the run slot.
func (e *Engine) finishRun(ctx context.Context, run *Run, summary *schema.RunSummary) {
	e.mu.Lock()
	if e.runs[run.WorkflowID] == run {
		delete(e.runs, run.WorkflowID)
	}
	wf, ok := e.workflows[run.WorkflowID]
	if !ok {
		e.mu.Unlock()
		return
	}
	wf.Status = summary.Status
	wf.LastRun = summary.Clone()
	wf.UpdatedAt = e.now()
	e.persist(ctx, wf)
	e.mu.Unlock()

	payload := map[string]any{"run_id": summary.RunID}
	if summary.Error != "" {
		payload["error"] = summary.Error
	}
	if err := e.wfFSM.Transition(ctx, run.WorkflowID, schema.WorkflowStatusRunning, summary.Status, payload); err != nil {
		e.logger.Warn("workflow transition rejected", slog.String("error", err.Error()))
	}
}

// Close cancels every active run and waits for them to finish.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	runs := make([]*Run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	for _, r := range runs {
		r.cancel()
	}
	for _, r := range runs {
		if _, err := r.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// --- persistence ---

func (e *Engine) persist(ctx context.Context, wf *schema.Workflow) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveWorkflow(ctx, wf); err != nil {
		e.logger.Warn("persist workflow failed", slog.String("workflow_id", wf.ID), slog.String("error", err.Error()))
	}
}

// Load restores workflows from the store. A workflow saved as running lost
// its run with the previous process and is marked failed.
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	workflows, err := e.store.LoadAllWorkflows(ctx)
	if err != nil {
		return fmt.Errorf("load workflows: %w", err)
	}

	var interrupted int
	e.mu.Lock()
	for _, wf := range workflows {
		if wf.Status == "" {
			wf.Status = schema.WorkflowStatusDraft
		}
		if wf.Status == schema.WorkflowStatusRunning {
			wf.Status = schema.WorkflowStatusFailed
			if wf.LastRun != nil {
				wf.LastRun.Status = schema.WorkflowStatusFailed
				wf.LastRun.Error = "interrupted by restart"
			}
			e.persist(ctx, wf)
			interrupted++
		}
		e.workflows[wf.ID] = wf
	}
	e.mu.Unlock()

	e.logger.Info("workflows loaded", slog.Int("count", len(workflows)), slog.Int("interrupted", interrupted))
	return nil
}

func (e *Engine) publish(ctx context.Context, eventType, workflowID string, payload map[string]any) {
	publish(ctx, e.hub, e.logger, streaming.StreamEvent{EventType: eventType, WorkflowID: workflowID, Payload: payload})
}

// withWorkflow tags a ConductorError with the workflow it concerns.
func withWorkflow(err error, workflowID string) error {
	var ce *schema.ConductorError
	if errors.As(err, &ce) {
		return ce.WithWorkflow(workflowID)
	}
	return err
}

func workflowNotFound(id string) *schema.ConductorError {
	return schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "workflow %q not found", id).WithWorkflow(id)
}
