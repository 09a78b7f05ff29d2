package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/mapping"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

// handleRun executes a stored workflow.
func (s *AgentflowServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	userID := req.GetString("user_id", "")
	s.captureSession(ctx, userID)

	summary, err := s.runner.ExecuteWorkflow(ctx, workflowID, engine.RunRequest{
		Input:          mcp.ParseStringMap(req, "input", nil),
		UserID:         userID,
		ConversationID: req.GetString("conversation_id", ""),
	})
	s.notifyFinished(ctx, userID, workflowID, summary, err)
	if err != nil {
		return runError(err), nil
	}
	return marshalResult(summary)
}

// handleConversation runs a workflow from conversation data.
func (s *AgentflowServer) handleConversation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	raw := mcp.ParseStringMap(req, "conversation", nil)
	if raw == nil {
		return mcp.NewToolResultError("conversation is required"), nil
	}
	var data mapping.ConversationData
	if err := decodeObject(raw, &data); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid conversation: %v", err)), nil
	}
	userID := req.GetString("user_id", "")
	s.captureSession(ctx, userID)

	result, err := s.conversations.RunConversation(ctx, workflowID, userID, data)
	if err != nil {
		s.notifyFinished(ctx, userID, workflowID, nil, err)
		return runError(err), nil
	}
	s.notifyFinished(ctx, userID, workflowID, &engine.RunSummary{ExecutionID: result.ExecutionID}, nil)
	return marshalResult(result)
}

// handleValidate checks a workflow document and returns every issue found.
func (s *AgentflowServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc, errResult := workflowDocument(req)
	if errResult != nil {
		return errResult, nil
	}
	_, result := s.workflows.ValidateDocument(doc)
	return marshalResult(map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

// handleSave validates and stores a workflow document.
func (s *AgentflowServer) handleSave(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc, errResult := workflowDocument(req)
	if errResult != nil {
		return errResult, nil
	}
	wf, result, err := s.workflows.SaveDocument(ctx, doc)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("save failed: %v", err)), nil
	}
	s.logger.Info("workflow saved via mcp", slog.String("workflow_id", wf.ID))
	return marshalResult(map[string]any{
		"workflow_id": wf.ID,
		"warnings":    result.Warnings,
	})
}

// handleList returns stored workflows.
func (s *AgentflowServer) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := mcp.ParseStringMap(req, "filter", nil)
	wfs, err := s.workflows.List(ctx, store.WorkflowFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
	}
	if wfs == nil {
		wfs = []*schema.Workflow{}
	}
	return marshalResult(wfs)
}

// handleExecution returns a stored execution record.
func (s *AgentflowServer) handleExecution(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	rec, err := s.executions.GetExecution(ctx, executionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execution lookup failed: %v", err)), nil
	}
	return marshalResult(rec)
}

// --- Helpers ---

func workflowDocument(req mcp.CallToolRequest) ([]byte, *mcp.CallToolResult) {
	raw := mcp.ParseStringMap(req, "workflow", nil)
	if raw == nil {
		return nil, mcp.NewToolResultError("workflow is required")
	}
	doc, err := json.Marshal(raw)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid workflow: %v", err))
	}
	return doc, nil
}

// decodeObject re-decodes a generic tool argument into a typed value.
func decodeObject(raw map[string]any, target any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

// runError reports a failed run, naming the execution record when one was written.
func runError(err error) *mcp.CallToolResult {
	var ee *schema.EngineError
	if errors.As(err, &ee) {
		if id, ok := ee.Details["execution_id"].(string); ok && id != "" {
			return mcp.NewToolResultError(fmt.Sprintf("run failed (execution %s): %v", id, err))
		}
	}
	return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", err))
}

// notifyFinished pushes a completion message to the user's session, if connected.
func (s *AgentflowServer) notifyFinished(ctx context.Context, userID, workflowID string, summary *engine.RunSummary, runErr error) {
	if userID == "" {
		return
	}
	payload := map[string]any{
		"workflow_id": workflowID,
		"status":      string(schema.ExecutionStatusCompleted),
	}
	if summary != nil {
		payload["execution_id"] = summary.ExecutionID
	}
	if runErr != nil {
		payload["status"] = string(schema.ExecutionStatusFailed)
		payload["error"] = runErr.Error()
	}
	if err := s.notifier.Notify(ctx, userID, payload); err != nil {
		s.logger.Warn("run notification failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the user ID to its current MCP session for notifications.
func (s *AgentflowServer) captureSession(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(userID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
