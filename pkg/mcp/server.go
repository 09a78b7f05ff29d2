package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/service"
	"github.com/rendis/agentflow/internal/store"
)

// Runner runs a stored workflow. Satisfied by *engine.Executor.
type Runner interface {
	ExecuteWorkflow(ctx context.Context, workflowID string, req engine.RunRequest) (*engine.RunSummary, error)
}

// ServerDeps holds the dependencies for creating an AgentflowServer.
type ServerDeps struct {
	Runner        Runner
	Workflows     *service.WorkflowService
	Conversations *service.ConversationService
	Executions    store.ExecutionStore
	Logger        *slog.Logger
}

// AgentflowServer wraps an MCP server with the workflow tool handlers.
type AgentflowServer struct {
	runner        Runner
	workflows     *service.WorkflowService
	conversations *service.ConversationService
	executions    store.ExecutionStore
	sessions      *SessionRegistry
	notifier      UserNotifier
	logger        *slog.Logger
	mcpServer     *server.MCPServer
}

// NewAgentflowServer creates a new AgentflowServer with all tools registered.
func NewAgentflowServer(deps ServerDeps) *AgentflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &AgentflowServer{
		runner:        deps.Runner,
		workflows:     deps.Workflows,
		conversations: deps.Conversations,
		executions:    deps.Executions,
		sessions:      NewSessionRegistry(),
		logger:        logger,
	}

	mcpSrv := server.NewMCPServer(
		"agentflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Agentflow runs agent workflow graphs. Use workflow.validate to check a workflow document, workflow.save to store it, workflow.list to browse stored workflows, workflow.run to execute one, conversation.run to execute one from conversation data through its field mappings, and execution.get to read an execution record."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *AgentflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *AgentflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *AgentflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: conversationTool(), Handler: s.handleConversation},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: saveTool(), Handler: s.handleSave},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: executionTool(), Handler: s.handleExecution},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("workflow.run",
		mcp.WithDescription("Execute a stored workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to execute")),
		mcp.WithObject("input", mcp.Description("Input values keyed by input parameter name")),
		mcp.WithString("user_id", mcp.Description("ID of the user the run is for")),
		mcp.WithString("conversation_id", mcp.Description("Conversation to continue in chat agents")),
	)
}

func conversationTool() mcp.Tool {
	return mcp.NewTool("conversation.run",
		mcp.WithDescription("Execute a workflow from conversation data through its field mappings"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to execute")),
		mcp.WithString("user_id", mcp.Description("ID of the user the run is for")),
		mcp.WithObject("conversation", mcp.Required(),
			mcp.Description("Conversation data (query, sources, files, history, lastUserMessage, lastAssistantMessage, conversationId, featureType)"),
		),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("workflow.validate",
		mcp.WithDescription("Validate a workflow document without storing it"),
		mcp.WithObject("workflow", mcp.Required(), mcp.Description("Workflow document (nodes and edges)")),
	)
}

func saveTool() mcp.Tool {
	return mcp.NewTool("workflow.save",
		mcp.WithDescription("Validate and store a workflow document"),
		mcp.WithObject("workflow", mcp.Required(), mcp.Description("Workflow document; an ID is assigned when missing")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("workflow.list",
		mcp.WithDescription("List stored workflows"),
		mcp.WithObject("filter", mcp.Description("Paging (limit, offset)")),
	)
}

func executionTool() mcp.Tool {
	return mcp.NewTool("execution.get",
		mcp.WithDescription("Get an execution record"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}
