package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/conductor/pkg/schema"
)

// NotificationTaskAssigned is the notification method external agents
// receive when a task is bound to them.
const NotificationTaskAssigned = "notifications/task_assigned"

// MCPNotifier implements agents.TaskNotifier by pushing to the agent's MCP
// session.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier over the given server and sessions.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// NotifyTask sends the bound task to the agent's session.
// Best-effort: returns nil if the agent is not connected; the agent can still
// find the task with conductor.list_tasks.
func (n *MCPNotifier) NotifyTask(_ context.Context, agentID string, task *schema.Task) error {
	sessionID, ok := n.sessions.SessionFor(agentID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, NotificationTaskAssigned, map[string]any{
		"agent_id": agentID,
		"task":     task,
	})
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
