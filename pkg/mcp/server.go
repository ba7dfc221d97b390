package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/conductor/internal/agents"
	"github.com/rendis/conductor/internal/engine"
	"github.com/rendis/conductor/internal/logging"
	"github.com/rendis/conductor/internal/queue"
	"github.com/rendis/conductor/internal/scheduler"
	"github.com/rendis/conductor/internal/streaming"
	"github.com/rendis/conductor/internal/workflowio"
)

// ServerDeps holds the components the tools operate on.
type ServerDeps struct {
	Queue     *queue.Queue
	Engine    *engine.Engine
	Scheduler *scheduler.Scheduler
	Agents    *agents.Pool
	Hub       *streaming.MemoryHub // optional, reported by queue_stats
	Codec     *workflowio.Codec
	Version   string
	Logger    *slog.Logger
}

// ConductorServer wraps an MCP server with the queue and workflow tools.
// External agents register through it and are notified of the tasks bound
// to them on their MCP session.
type ConductorServer struct {
	queue     *queue.Queue
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
	agents    *agents.Pool
	hub       *streaming.MemoryHub
	codec     *workflowio.Codec
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  *MCPNotifier
	mcpServer *server.MCPServer
}

// NewConductorServer creates the server and registers every tool. When an
// agent pool is given, it is wired to notify external agents.
func NewConductorServer(deps ServerDeps) *ConductorServer {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &ConductorServer{
		queue:     deps.Queue,
		engine:    deps.Engine,
		scheduler: deps.Scheduler,
		agents:    deps.Agents,
		hub:       deps.Hub,
		codec:     deps.Codec,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		for _, agentID := range s.sessions.Remove(session.SessionID()) {
			s.logger.Info("agent session closed", slog.String("agent_id", agentID))
		}
	})

	s.mcpServer = server.NewMCPServer(
		"conductor",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Conductor queues prompts for agents and runs workflows of process, condition and output nodes. "+
			"Use conductor.enqueue_task to queue work, conductor.import_workflow and conductor.execute_workflow to run graphs, "+
			"and conductor.register_agent with type \"external\" to receive tasks, reporting each with conductor.complete_task."),
	)
	s.mcpServer.AddTools(s.tools()...)

	s.notifier = NewMCPNotifier(s.mcpServer, s.sessions)
	if s.agents != nil {
		s.agents.SetNotifier(s.notifier)
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *ConductorServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// ServeHTTP starts the streamable HTTP transport on addr and blocks until
// ctx is cancelled.
func (s *ConductorServer) ServeHTTP(ctx context.Context, addr string) error {
	httpSrv := server.NewStreamableHTTPServer(s.mcpServer)
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.Start(addr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return httpSrv.Shutdown(context.WithoutCancel(ctx))
	}
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ConductorServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *ConductorServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: enqueueTaskTool(), Handler: s.handleEnqueueTask},
		{Tool: completeTaskTool(), Handler: s.handleCompleteTask},
		{Tool: retryTaskTool(), Handler: s.handleRetryTask},
		{Tool: removeTaskTool(), Handler: s.handleRemoveTask},
		{Tool: listTasksTool(), Handler: s.handleListTasks},
		{Tool: queueStatsTool(), Handler: s.handleQueueStats},
		{Tool: registerAgentTool(), Handler: s.handleRegisterAgent},
		{Tool: listWorkflowsTool(), Handler: s.handleListWorkflows},
		{Tool: getWorkflowTool(), Handler: s.handleGetWorkflow},
		{Tool: importWorkflowTool(), Handler: s.handleImportWorkflow},
		{Tool: exportWorkflowTool(), Handler: s.handleExportWorkflow},
		{Tool: validateWorkflowTool(), Handler: s.handleValidateWorkflow},
		{Tool: executeWorkflowTool(), Handler: s.handleExecuteWorkflow},
		{Tool: cancelRunTool(), Handler: s.handleCancelRun},
		{Tool: diagramTool(), Handler: s.handleDiagram},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
	}
}

// --- Tool definitions ---

func enqueueTaskTool() mcp.Tool {
	return mcp.NewTool("conductor.enqueue_task",
		mcp.WithDescription("Queue a prompt for the next available agent"),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("Work to be done")),
		mcp.WithNumber("priority", mcp.Description("Higher runs first (default 0)")),
		mcp.WithString("agent_role", mcp.Description("Only agents with this role may take the task")),
		mcp.WithNumber("max_retries", mcp.Description("Automatic retries after an execution error (default: server setting)")),
		mcp.WithString("task_id", mcp.Description("Task ID (generated when empty)")),
	)
}

func completeTaskTool() mcp.Tool {
	return mcp.NewTool("conductor.complete_task",
		mcp.WithDescription("Report the outcome of a task executed by an external agent"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task")),
		mcp.WithString("result", mcp.Description("Task output")),
		mcp.WithString("error", mcp.Description("Execution error; a non-empty value fails the attempt")),
		mcp.WithString("agent_id", mcp.Description("ID of the reporting agent")),
	)
}

func retryTaskTool() mcp.Tool {
	return mcp.NewTool("conductor.retry_task",
		mcp.WithDescription("Requeue a failed or pending task"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task")),
	)
}

func removeTaskTool() mcp.Tool {
	return mcp.NewTool("conductor.remove_task",
		mcp.WithDescription("Remove a task from the queue"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task")),
	)
}

func listTasksTool() mcp.Tool {
	return mcp.NewTool("conductor.list_tasks",
		mcp.WithDescription("List tasks, oldest first"),
		mcp.WithString("status",
			mcp.Enum("pending", "running", "completed", "failed"),
			mcp.Description("Only tasks in this status"),
		),
	)
}

func queueStatsTool() mcp.Tool {
	return mcp.NewTool("conductor.queue_stats",
		mcp.WithDescription("Count tasks by status, with worker pool and event stream counters"),
	)
}

func registerAgentTool() mcp.Tool {
	return mcp.NewTool("conductor.register_agent",
		mcp.WithDescription("Register or update an agent. External agents are notified of bound tasks on this session"),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("ID of the agent")),
		mcp.WithString("name", mcp.Description("Display name (default: agent_id)")),
		mcp.WithString("role", mcp.Description("Role matched against task agent_role")),
		mcp.WithString("type",
			mcp.Enum("llm", "system", "human", "service", "external"),
			mcp.Description("Agent type (default: external)"),
		),
	)
}

func listWorkflowsTool() mcp.Tool {
	return mcp.NewTool("conductor.list_workflows",
		mcp.WithDescription("List workflows with their status and last run"),
	)
}

func getWorkflowTool() mcp.Tool {
	return mcp.NewTool("conductor.get_workflow",
		mcp.WithDescription("Get a workflow, including the state of its active or last run"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
	)
}

func importWorkflowTool() mcp.Tool {
	return mcp.NewTool("conductor.import_workflow",
		mcp.WithDescription("Create a workflow from a YAML or JSON document"),
		mcp.WithString("document", mcp.Required(), mcp.Description("Workflow document with name, nodes and connections")),
	)
}

func exportWorkflowTool() mcp.Tool {
	return mcp.NewTool("conductor.export_workflow",
		mcp.WithDescription("Render a workflow as a YAML or JSON document"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("format", mcp.Enum("yaml", "json"), mcp.Description("Document format (default: yaml)")),
	)
}

func validateWorkflowTool() mcp.Tool {
	return mcp.NewTool("conductor.validate_workflow",
		mcp.WithDescription("Check a workflow for execution readiness"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
	)
}

func executeWorkflowTool() mcp.Tool {
	return mcp.NewTool("conductor.execute_workflow",
		mcp.WithDescription("Start a workflow run"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithAny("input", mcp.Description("Value passed to the input nodes (default: each input node's default)")),
		mcp.WithBoolean("wait", mcp.Description("Block until the run finishes and return its summary")),
	)
}

func cancelRunTool() mcp.Tool {
	return mcp.NewTool("conductor.cancel_run",
		mcp.WithDescription("Cancel the active run of a workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("conductor.diagram",
		mcp.WithDescription("Generate a visual diagram of a workflow. Returns ASCII art or Mermaid flowchart syntax"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("format",
			mcp.Enum("ascii", "mermaid"),
			mcp.Description("Output format (default: mermaid)"),
		),
		mcp.WithBoolean("include_status", mcp.Description("Overlay the state of the active or last run (default: true)")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("conductor.schedule",
		mcp.WithDescription("Manage cron schedules that run workflows"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("create", "list", "enable", "disable", "delete"),
			mcp.Description("Operation to perform"),
		),
		mcp.WithString("workflow_id", mcp.Description("Workflow to schedule (create) or filter by (list)")),
		mcp.WithString("cron", mcp.Description("Five-field cron expression (create)")),
		mcp.WithAny("input", mcp.Description("Run input (create)")),
		mcp.WithString("schedule_id", mcp.Description("Target schedule (enable, disable, delete)")),
	)
}
