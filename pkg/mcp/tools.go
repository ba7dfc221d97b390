package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/conductor/internal/agents"
	"github.com/rendis/conductor/internal/diagram"
	"github.com/rendis/conductor/internal/streaming"
	"github.com/rendis/conductor/internal/workflowio"
	"github.com/rendis/conductor/pkg/schema"
)

// --- Queue tools ---

func (s *ConductorServer) handleEnqueueTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt, err := req.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError("prompt is required"), nil
	}
	id := req.GetString("task_id", "")
	if id == "" {
		id = s.queue.GenerateTaskID()
	}

	task, err := s.queue.Enqueue(ctx, &schema.Task{
		ID:         id,
		Prompt:     prompt,
		Priority:   req.GetInt("priority", 0),
		AgentRole:  req.GetString("agent_role", ""),
		MaxRetries: req.GetInt("max_retries", 0),
	})
	if err != nil {
		return toolError("enqueue failed", err), nil
	}
	return marshalResult(task)
}

func (s *ConductorServer) handleCompleteTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	if agentID := req.GetString("agent_id", ""); agentID != "" {
		s.captureSession(ctx, agentID)
	}

	task, err := s.queue.GetTask(taskID)
	if err != nil {
		return toolError("complete failed", err), nil
	}
	if task.Status != schema.TaskStatusRunning {
		return mcp.NewToolResultError(fmt.Sprintf("task %q is %s, not running", taskID, task.Status)), nil
	}

	var execErr error
	if msg := req.GetString("error", ""); msg != "" {
		execErr = errors.New(msg)
	}
	s.queue.CompleteTask(ctx, taskID, req.GetString("result", ""), execErr)

	task, err = s.queue.GetTask(taskID)
	if err != nil {
		return toolError("complete failed", err), nil
	}
	return marshalResult(task)
}

func (s *ConductorServer) handleRetryTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	task, err := s.queue.RetryTask(ctx, taskID)
	if err != nil {
		return toolError("retry failed", err), nil
	}
	return marshalResult(task)
}

func (s *ConductorServer) handleRemoveTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	if err := s.queue.RemoveTask(ctx, taskID); err != nil {
		return toolError("remove failed", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "task_id": taskID})
}

func (s *ConductorServer) handleListTasks(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var tasks []*schema.Task
	if status := req.GetString("status", ""); status != "" {
		tasks = s.queue.GetTasksByStatus(schema.TaskStatus(status))
	} else {
		tasks = s.queue.ListTasks()
	}
	if tasks == nil {
		tasks = []*schema.Task{}
	}
	return marshalResult(map[string]any{"tasks": tasks})
}

// queueStats is the queue_stats payload: task counts plus, when wired, the
// worker pool and event hub counters.
type queueStats struct {
	schema.QueueStats
	Workers *agents.WorkerMetrics `json:"workers,omitempty"`
	Events  *streaming.HubStats   `json:"events,omitempty"`
}

func (s *ConductorServer) handleQueueStats(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	out := queueStats{QueueStats: s.queue.GetQueueStats()}
	if s.agents != nil {
		m := s.agents.Metrics()
		out.Workers = &m
	}
	if s.hub != nil {
		h := s.hub.Stats()
		out.Events = &h
	}
	return marshalResult(out)
}

func (s *ConductorServer) handleRegisterAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}
	if s.agents == nil {
		return mcp.NewToolResultError("agent registration is not available"), nil
	}

	agent, err := s.agents.Register(ctx, schema.Agent{
		ID:   agentID,
		Name: req.GetString("name", ""),
		Role: req.GetString("role", ""),
		Type: req.GetString("type", schema.AgentTypeExternal),
	})
	if err != nil {
		return toolError("register failed", err), nil
	}
	s.captureSession(ctx, agentID)
	return marshalResult(agent)
}

// --- Workflow tools ---

func (s *ConductorServer) handleListWorkflows(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(map[string]any{"workflows": s.engine.GetWorkflows()})
}

func (s *ConductorServer) handleGetWorkflow(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	wf, err := s.engine.GetWorkflow(workflowID)
	if err != nil {
		return toolError("workflow lookup failed", err), nil
	}
	wf.LastRun = s.runState(wf)
	return marshalResult(wf)
}

func (s *ConductorServer) handleImportWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc, err := req.RequireString("document")
	if err != nil {
		return mcp.NewToolResultError("document is required"), nil
	}
	wf, err := s.codec.Decode([]byte(doc))
	if err != nil {
		return toolError("invalid document", err), nil
	}
	created, err := s.engine.ImportWorkflow(ctx, wf)
	if err != nil {
		return toolError("import failed", err), nil
	}

	result := map[string]any{"workflow": created}
	if v := s.engine.ValidateWorkflow(created); !v.Valid() {
		result["validation"] = v
	}
	return marshalResult(result)
}

func (s *ConductorServer) handleExportWorkflow(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	format, err := workflowio.ParseFormat(req.GetString("format", ""))
	if err != nil {
		return toolError("invalid format", err), nil
	}
	wf, err := s.engine.GetWorkflow(workflowID)
	if err != nil {
		return toolError("workflow lookup failed", err), nil
	}
	data, err := s.codec.Encode(wf, format)
	if err != nil {
		return toolError("export failed", err), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *ConductorServer) handleValidateWorkflow(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	wf, err := s.engine.GetWorkflow(workflowID)
	if err != nil {
		return toolError("workflow lookup failed", err), nil
	}
	return marshalResult(s.engine.ValidateWorkflow(wf))
}

func (s *ConductorServer) handleExecuteWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	input := req.GetArguments()["input"]

	run, err := s.engine.ExecuteWorkflow(ctx, workflowID, input)
	if err != nil {
		return toolError("execute failed", err), nil
	}
	if !req.GetBool("wait", false) {
		return marshalResult(map[string]any{
			"workflow_id": workflowID,
			"run_id":      run.ID,
			"status":      schema.WorkflowStatusRunning,
		})
	}

	summary, err := run.Wait(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run %s still active: %v", run.ID, err)), nil
	}
	return marshalResult(summary)
}

func (s *ConductorServer) handleCancelRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	if err := s.engine.CancelRun(ctx, workflowID); err != nil {
		return toolError("cancel failed", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "workflow_id": workflowID})
}

// handleDiagram renders a workflow, overlaying run state by default.
func (s *ConductorServer) handleDiagram(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	wf, err := s.engine.GetWorkflow(workflowID)
	if err != nil {
		return toolError("workflow lookup failed", err), nil
	}

	var run *schema.RunSummary
	if req.GetBool("include_status", true) {
		run = s.runState(wf)
	}
	text, err := diagram.Render(wf, run, diagram.Format(req.GetString("format", "")))
	if err != nil {
		return toolError("diagram failed", err), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Schedules ---

func (s *ConductorServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	if s.scheduler == nil {
		return mcp.NewToolResultError("scheduling is not available"), nil
	}

	switch action {
	case "create":
		workflowID := req.GetString("workflow_id", "")
		if _, err := s.engine.GetWorkflow(workflowID); err != nil {
			return toolError("workflow lookup failed", err), nil
		}
		job, err := s.scheduler.CreateSchedule(ctx, workflowID, req.GetString("cron", ""), req.GetArguments()["input"])
		if err != nil {
			return toolError("create schedule failed", err), nil
		}
		return marshalResult(job)
	case "list":
		jobs, err := s.scheduler.ListSchedules(ctx, req.GetString("workflow_id", ""))
		if err != nil {
			return toolError("list schedules failed", err), nil
		}
		return marshalResult(map[string]any{"schedules": jobs})
	case "enable", "disable", "delete":
		id := req.GetString("schedule_id", "")
		if id == "" {
			return mcp.NewToolResultError("schedule_id is required"), nil
		}
		if action == "delete" {
			err = s.scheduler.DeleteSchedule(ctx, id)
		} else {
			err = s.scheduler.SetEnabled(ctx, id, action == "enable")
		}
		if err != nil {
			return toolError(action+" schedule failed", err), nil
		}
		return marshalResult(map[string]any{"ok": true, "schedule_id": id, "action": action})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown schedule action: %s", action)), nil
	}
}

// --- Internal helpers ---

// runState prefers the live state of an active run over the recorded last run.
func (s *ConductorServer) runState(wf *schema.Workflow) *schema.RunSummary {
	if run, ok := s.engine.ActiveRun(wf.ID); ok {
		return run.Snapshot()
	}
	return wf.LastRun
}

// captureSession maps the agent ID to its current MCP session for notifications.
func (s *ConductorServer) captureSession(ctx context.Context, agentID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentID, session.SessionID())
	}
}

// toolError reports err to the caller. Conductor errors carry their code in
// the message.
func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
