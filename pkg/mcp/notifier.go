package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// UserNotifier pushes notifications to connected users.
type UserNotifier interface {
	Notify(ctx context.Context, userID string, payload map[string]any) error
}

// MCPNotifier implements UserNotifier with MCP session notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes to MCP sessions.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the user's session.
// Best-effort: returns nil if the user is not connected.
func (n *MCPNotifier) Notify(_ context.Context, userID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(userID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
