package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/internal/mapping"
	"github.com/rendis/agentflow/internal/service"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/internal/validation"
	"github.com/rendis/agentflow/pkg/schema"
)

// --- Mock Store ---

type mockStore struct {
	mu         sync.Mutex
	workflows  map[string]*schema.Workflow
	mappings   map[string]*schema.FieldMappingConfig
	executions map[string]*schema.ExecutionRecord
}

func newMockStore() *mockStore {
	return &mockStore{
		workflows:  map[string]*schema.Workflow{},
		mappings:   map[string]*schema.FieldMappingConfig{},
		executions: map[string]*schema.ExecutionRecord{},
	}
}

func (m *mockStore) GetWorkflow(_ context.Context, id string) (*schema.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	return wf, nil
}

func (m *mockStore) SaveWorkflow(_ context.Context, wf *schema.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[wf.ID] = wf
	return nil
}

func (m *mockStore) ListWorkflows(_ context.Context, filter store.WorkflowFilter) ([]*schema.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.Workflow
	for _, wf := range m.workflows {
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
		out = append(out, wf)
	}
	return out, nil
}

func (m *mockStore) DeleteWorkflow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workflows, id)
	return nil
}

func (m *mockStore) GetMappingConfig(_ context.Context, workflowID string) (*schema.FieldMappingConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mappings[workflowID], nil
}

func (m *mockStore) SaveMappingConfig(_ context.Context, cfg *schema.FieldMappingConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappings[cfg.WorkflowID] = cfg
	return nil
}

func (m *mockStore) CreateExecution(_ context.Context, rec *schema.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[rec.ID] = rec
	return nil
}

func (m *mockStore) UpdateExecution(_ context.Context, id string, patch schema.ExecutionPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.executions[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	patch.Apply(rec)
	return nil
}

func (m *mockStore) GetExecution(_ context.Context, id string) (*schema.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.executions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	return rec, nil
}

// --- Mock Runner ---

type mockRunner struct {
	gotID  string
	gotReq engine.RunRequest
	result *engine.RunSummary
	err    error
}

func (m *mockRunner) ExecuteWorkflow(_ context.Context, workflowID string, req engine.RunRequest) (*engine.RunSummary, error) {
	m.gotID, m.gotReq = workflowID, req
	return m.result, m.err
}

// --- Helpers ---

func newTestServer(t *testing.T, ms *mockStore, runner *mockRunner) *AgentflowServer {
	t.Helper()
	v, err := validation.NewWorkflowValidator()
	require.NoError(t, err)
	engines, err := mapping.NewDefaultEngines()
	require.NoError(t, err)

	return NewAgentflowServer(ServerDeps{
		Runner:        runner,
		Workflows:     service.NewWorkflowService(ms, ms, v, logging.Discard()),
		Conversations: service.NewConversationService(ms, runner, mapping.NewMapper(engines, logging.Discard()), logging.Discard()),
		Executions:    ms,
		Logger:        logging.Discard(),
	})
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func validDocument() map[string]any {
	return map[string]any{
		"name": "support",
		"nodes": []any{
			map[string]any{"id": "in", "kind": "input", "data": map[string]any{
				"params": []any{map[string]any{"name": "query", "required": true}},
			}},
			map[string]any{"id": "ask", "kind": "agent", "data": map[string]any{"agent_id": "helper"}},
		},
		"edges": []any{map[string]any{"source": "in", "target": "ask"}},
	}
}

// --- Tests ---

func TestRunTool(t *testing.T) {
	runner := &mockRunner{result: &engine.RunSummary{ExecutionID: "exec-1", Message: "hello"}}
	s := newTestServer(t, newMockStore(), runner)

	req := buildRequest("workflow.run", map[string]any{
		"workflow_id":     "wf-1",
		"input":           map[string]any{"query": "hi"},
		"user_id":         "alice",
		"conversation_id": "conv-9",
	})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	assert.Equal(t, "wf-1", runner.gotID)
	assert.Equal(t, map[string]any{"query": "hi"}, runner.gotReq.Input)
	assert.Equal(t, "alice", runner.gotReq.UserID)
	assert.Equal(t, "conv-9", runner.gotReq.ConversationID)

	var summary engine.RunSummary
	unmarshalResult(t, result, &summary)
	assert.Equal(t, "exec-1", summary.ExecutionID)
	assert.Equal(t, "hello", summary.Message)
}

func TestRunToolMissingWorkflowID(t *testing.T) {
	s := newTestServer(t, newMockStore(), &mockRunner{})

	result, err := s.handleRun(context.Background(), buildRequest("workflow.run", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunToolFailureNamesExecution(t *testing.T) {
	runner := &mockRunner{
		err: schema.NewError(schema.ErrCodeTimeout, "execution timed out").
			WithDetails(map[string]any{"execution_id": "exec-7"}),
	}
	s := newTestServer(t, newMockStore(), runner)

	result, err := s.handleRun(context.Background(), buildRequest("workflow.run", map[string]any{"workflow_id": "wf-1", "user_id": "alice"}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	text := extractText(t, result)
	assert.Contains(t, text, "exec-7")
	assert.Contains(t, text, schema.ErrCodeTimeout)
}

func TestConversationTool(t *testing.T) {
	runner := &mockRunner{result: &engine.RunSummary{
		ExecutionID: "exec-2",
		Message:     "answer",
		Data:        engine.RunData{Outputs: map[string]any{"answer": "answer"}},
	}}
	s := newTestServer(t, newMockStore(), runner)

	req := buildRequest("conversation.run", map[string]any{
		"workflow_id": "wf-1",
		"user_id":     "bob",
		"conversation": map[string]any{
			"query":          "where is my order?",
			"conversationId": "conv-1",
		},
	})
	result, err := s.handleConversation(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	assert.Equal(t, "where is my order?", runner.gotReq.Input["query"])
	assert.Equal(t, "conv-1", runner.gotReq.ConversationID)

	var out service.ConversationResult
	unmarshalResult(t, result, &out)
	assert.Equal(t, "exec-2", out.ExecutionID)
	assert.Equal(t, map[string]any{mapping.TargetContent: "answer"}, out.Mapped)
}

func TestConversationToolMissingParams(t *testing.T) {
	s := newTestServer(t, newMockStore(), &mockRunner{})

	result, err := s.handleConversation(context.Background(), buildRequest("conversation.run", map[string]any{
		"conversation": map[string]any{"query": "x"},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleConversation(context.Background(), buildRequest("conversation.run", map[string]any{
		"workflow_id": "wf-1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestValidateTool(t *testing.T) {
	ms := newMockStore()
	s := newTestServer(t, ms, &mockRunner{})

	result, err := s.handleValidate(context.Background(), buildRequest("workflow.validate", map[string]any{
		"workflow": validDocument(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		Valid  bool                     `json:"valid"`
		Errors []schema.ValidationIssue `json:"errors"`
	}
	unmarshalResult(t, result, &out)
	assert.True(t, out.Valid)
	assert.Empty(t, out.Errors)
	assert.Empty(t, ms.workflows, "validate must not store")
}

func TestValidateToolReportsCycle(t *testing.T) {
	s := newTestServer(t, newMockStore(), &mockRunner{})

	doc := validDocument()
	doc["edges"] = append(doc["edges"].([]any), map[string]any{"source": "ask", "target": "in"})

	result, err := s.handleValidate(context.Background(), buildRequest("workflow.validate", map[string]any{"workflow": doc}))
	require.NoError(t, err)

	var out struct {
		Valid  bool                     `json:"valid"`
		Errors []schema.ValidationIssue `json:"errors"`
	}
	unmarshalResult(t, result, &out)
	assert.False(t, out.Valid)
	var codes []string
	for _, issue := range out.Errors {
		codes = append(codes, issue.Code)
	}
	assert.Contains(t, codes, schema.ErrCodeCycleDetected)
}

func TestValidateToolMissingWorkflow(t *testing.T) {
	s := newTestServer(t, newMockStore(), &mockRunner{})

	result, err := s.handleValidate(context.Background(), buildRequest("workflow.validate", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestSaveTool(t *testing.T) {
	ms := newMockStore()
	s := newTestServer(t, ms, &mockRunner{})

	result, err := s.handleSave(context.Background(), buildRequest("workflow.save", map[string]any{
		"workflow": validDocument(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out struct {
		WorkflowID string `json:"workflow_id"`
	}
	unmarshalResult(t, result, &out)
	require.NotEmpty(t, out.WorkflowID)
	assert.Contains(t, ms.workflows, out.WorkflowID)
}

func TestSaveToolRejectsInvalid(t *testing.T) {
	ms := newMockStore()
	s := newTestServer(t, ms, &mockRunner{})

	doc := validDocument()
	doc["edges"] = []any{map[string]any{"source": "in", "target": "missing"}}

	result, err := s.handleSave(context.Background(), buildRequest("workflow.save", map[string]any{"workflow": doc}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Empty(t, ms.workflows)
}

func TestListTool(t *testing.T) {
	ms := newMockStore()
	ms.workflows["a"] = &schema.Workflow{ID: "a", Name: "first"}
	ms.workflows["b"] = &schema.Workflow{ID: "b", Name: "second"}
	s := newTestServer(t, ms, &mockRunner{})

	result, err := s.handleList(context.Background(), buildRequest("workflow.list", map[string]any{}))
	require.NoError(t, err)
	var all []schema.Workflow
	unmarshalResult(t, result, &all)
	assert.Len(t, all, 2)

	result, err = s.handleList(context.Background(), buildRequest("workflow.list", map[string]any{
		"filter": map[string]any{"limit": float64(1)},
	}))
	require.NoError(t, err)
	var limited []schema.Workflow
	unmarshalResult(t, result, &limited)
	assert.Len(t, limited, 1)
}

func TestListToolEmpty(t *testing.T) {
	s := newTestServer(t, newMockStore(), &mockRunner{})

	result, err := s.handleList(context.Background(), buildRequest("workflow.list", nil))
	require.NoError(t, err)
	assert.JSONEq(t, "[]", extractText(t, result))
}

func TestExecutionTool(t *testing.T) {
	ms := newMockStore()
	ms.executions["exec-1"] = &schema.ExecutionRecord{
		ID:         "exec-1",
		WorkflowID: "wf-1",
		Status:     schema.ExecutionStatusCompleted,
	}
	s := newTestServer(t, ms, &mockRunner{})

	result, err := s.handleExecution(context.Background(), buildRequest("execution.get", map[string]any{
		"execution_id": "exec-1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var rec schema.ExecutionRecord
	unmarshalResult(t, result, &rec)
	assert.Equal(t, "wf-1", rec.WorkflowID)
	assert.Equal(t, schema.ExecutionStatusCompleted, rec.Status)
}

func TestExecutionToolNotFound(t *testing.T) {
	s := newTestServer(t, newMockStore(), &mockRunner{})

	result, err := s.handleExecution(context.Background(), buildRequest("execution.get", map[string]any{
		"execution_id": "nope",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeNotFound)

	result, err = s.handleExecution(context.Background(), buildRequest("execution.get", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestExtractInt(t *testing.T) {
	filter := map[string]any{"f": float64(3), "i": 4, "s": "5", "bad": "x"}
	assert.Equal(t, 3, extractInt(filter, "f", 0))
	assert.Equal(t, 4, extractInt(filter, "i", 0))
	assert.Equal(t, 5, extractInt(filter, "s", 0))
	assert.Equal(t, 9, extractInt(filter, "bad", 9))
	assert.Equal(t, 9, extractInt(filter, "missing", 9))
	assert.Equal(t, 9, extractInt(nil, "f", 9))
}

// --- Test helpers ---

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
