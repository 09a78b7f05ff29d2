package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAgentflowServer(t *testing.T) {
	s := NewAgentflowServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.notifier)
	assert.Same(t, s.mcpServer, s.MCPServer())
}

func TestToolRegistration(t *testing.T) {
	s := NewAgentflowServer(ServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 6)

	for _, name := range []string{
		"workflow.run",
		"conversation.run",
		"workflow.validate",
		"workflow.save",
		"workflow.list",
		"execution.get",
	} {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName    string
		description string
		required    []string
	}{
		{"workflow.run", "Execute a stored workflow", []string{"workflow_id"}},
		{"conversation.run", "Execute a workflow from conversation data through its field mappings", []string{"workflow_id", "conversation"}},
		{"workflow.validate", "Validate a workflow document without storing it", []string{"workflow"}},
		{"workflow.save", "Validate and store a workflow document", []string{"workflow"}},
		{"workflow.list", "List stored workflows", nil},
		{"execution.get", "Get an execution record", []string{"execution_id"}},
	}

	s := NewAgentflowServer(ServerDeps{})

	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
			assert.ElementsMatch(t, tc.required, tool.Tool.InputSchema.Required)
		})
	}
}
