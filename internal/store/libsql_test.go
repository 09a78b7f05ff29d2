package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, code, engErr.Code)
}

func sampleWorkflow(id string) *schema.Workflow {
	return &schema.Workflow{
		ID:   id,
		Name: "support triage",
		Nodes: []schema.Node{
			schema.NewInputNode("in", schema.InputParam{Name: "query", Type: "string", Required: true}),
			schema.NewAgentNode("triage", schema.AgentData{
				AgentID: "role-1",
				InputSources: map[string]schema.InputSource{
					"question": {Type: schema.InputSourceNode, NodeID: "in", OutputField: "query"},
				},
			}),
			schema.NewOutputNode("out", schema.OutputBinding{Name: "answer", SourceNodeID: "triage", Field: "answer"}),
		},
		Edges: []schema.Edge{
			{Source: "in", Target: "triage"},
			{Source: "triage", Target: "out"},
		},
		Metadata: map[string]any{"owner": "support"},
	}
}

// --- Workflow Tests ---

func TestSaveAndGetWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := sampleWorkflow("wf-1")
	require.NoError(t, s.SaveWorkflow(ctx, wf))

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "support triage", got.Name)
	require.Len(t, got.Nodes, 3)
	assert.Equal(t, schema.NodeKindAgent, got.Nodes[1].Kind)

	agent, ok := got.Nodes[1].Data.(*schema.AgentData)
	require.True(t, ok)
	assert.Equal(t, "role-1", agent.AgentID)
	assert.Equal(t, "in", agent.InputSources["question"].NodeID)
	assert.Equal(t, wf.Edges, got.Edges)
	assert.Equal(t, "support", got.Metadata["owner"])
	assert.False(t, got.CreatedAt.IsZero())
}

func TestSaveWorkflow_UpdatePreservesCreatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveWorkflow(ctx, sampleWorkflow("wf-1")))
	first, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)

	updated := sampleWorkflow("wf-1")
	updated.Name = "renamed"
	updated.Edges = updated.Edges[:1]
	require.NoError(t, s.SaveWorkflow(ctx, updated))

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Len(t, got.Edges, 1)
	assert.True(t, first.CreatedAt.Equal(got.CreatedAt))
}

func TestSaveWorkflow_RequiresID(t *testing.T) {
	s := newTestStore(t)
	requireCode(t, s.SaveWorkflow(context.Background(), &schema.Workflow{}), schema.ErrCodeValidation)
}

func TestGetWorkflow_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetWorkflow(context.Background(), "missing")
	requireCode(t, err, schema.ErrCodeNotFound)
}

func TestListWorkflows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"wf-b", "wf-a", "wf-c"} {
		wf := sampleWorkflow(id)
		wf.Name = id
		require.NoError(t, s.SaveWorkflow(ctx, wf))
	}

	all, err := s.ListWorkflows(ctx, WorkflowFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "wf-a", all[0].ID)

	page, err := s.ListWorkflows(ctx, WorkflowFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "wf-b", page[0].ID)
}

func TestDeleteWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveWorkflow(ctx, sampleWorkflow("wf-1")))
	require.NoError(t, s.SaveMappingConfig(ctx, &schema.FieldMappingConfig{WorkflowID: "wf-1"}))
	require.NoError(t, s.DeleteWorkflow(ctx, "wf-1"))

	_, err := s.GetWorkflow(ctx, "wf-1")
	requireCode(t, err, schema.ErrCodeNotFound)

	cfg, err := s.GetMappingConfig(ctx, "wf-1")
	require.NoError(t, err)
	assert.Nil(t, cfg)

	requireCode(t, s.DeleteWorkflow(ctx, "wf-1"), schema.ErrCodeNotFound)
}

// --- Role Tests ---

func TestSaveAndGetRole(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	role := &schema.Role{
		ID:             "role-1",
		Name:           "Support agent",
		Enabled:        true,
		ConnectionMode: schema.ConnectionModeWorkflow,
		GatewayConfig:  schema.GatewayConfig{BaseURL: "http://agents.local/v1", APIKey: "k", WorkflowID: "remote-1", Timeout: "30s"},
	}
	require.NoError(t, s.SaveRole(ctx, role))

	got, err := s.GetRole(ctx, "role-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Enabled)
	assert.Equal(t, schema.ConnectionModeWorkflow, got.ConnectionMode)
	assert.Equal(t, role.GatewayConfig, got.GatewayConfig)

	role.Enabled = false
	require.NoError(t, s.SaveRole(ctx, role))
	got, err = s.GetRole(ctx, "role-1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
}

func TestSaveRole_DefaultsToChat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRole(ctx, &schema.Role{ID: "role-2", Enabled: true}))
	got, err := s.GetRole(ctx, "role-2")
	require.NoError(t, err)
	assert.Equal(t, schema.ConnectionModeChat, got.ConnectionMode)
}

func TestGetRole_AbsentIsNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetRole(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListAndDeleteRoles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRole(ctx, &schema.Role{ID: "b"}))
	require.NoError(t, s.SaveRole(ctx, &schema.Role{ID: "a"}))

	roles, err := s.ListRoles(ctx)
	require.NoError(t, err)
	require.Len(t, roles, 2)
	assert.Equal(t, "a", roles[0].ID)

	require.NoError(t, s.DeleteRole(ctx, "a"))
	requireCode(t, s.DeleteRole(ctx, "a"), schema.ErrCodeNotFound)
}

// --- Mapping Config Tests ---

func TestSaveAndGetMappingConfig(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cfg := &schema.FieldMappingConfig{
		WorkflowID: "wf-1",
		InputMappings: []schema.FieldMappingRule{
			{TargetInputName: "question", SourceKind: schema.SourceKindField, SourceField: "query"},
			{TargetInputName: "lang", SourceKind: schema.SourceKindExpression, Expression: `featureType == "es" ? "es" : "en"`, DefaultValue: "en"},
		},
		OutputMappings: []schema.OutputMappingRule{
			{TargetField: "content", ExtractExpression: "output.answer"},
		},
	}
	require.NoError(t, s.SaveMappingConfig(ctx, cfg))

	got, err := s.GetMappingConfig(ctx, "wf-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, cfg.InputMappings, got.InputMappings)
	assert.Equal(t, cfg.OutputMappings, got.OutputMappings)

	cfg.OutputMappings = nil
	require.NoError(t, s.SaveMappingConfig(ctx, cfg))
	got, err = s.GetMappingConfig(ctx, "wf-1")
	require.NoError(t, err)
	assert.Empty(t, got.OutputMappings)
}

func TestGetMappingConfig_AbsentIsNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetMappingConfig(context.Background(), "wf-none")
	require.NoError(t, err)
	assert.Nil(t, got)
}

// --- Execution Tests ---

func TestCreateUpdateGetExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := uuid.NewString()
	start := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.CreateExecution(ctx, &schema.ExecutionRecord{
		ID:         id,
		WorkflowID: "wf-1",
		Status:     schema.ExecutionStatusRunning,
		Input:      map[string]any{"query": "hi"},
		StartTime:  start,
	}))

	running, err := s.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusRunning, running.Status)
	assert.Nil(t, running.EndTime)
	assert.Equal(t, "hi", running.Input["query"])

	end := start.Add(1500 * time.Millisecond)
	require.NoError(t, s.UpdateExecution(ctx, id, schema.ExecutionPatch{
		Status:     schema.ExecutionStatusCompleted,
		EndTime:    end,
		DurationMs: 1500,
		NodeResults: []schema.NodeResult{
			{NodeID: "in", Kind: schema.NodeKindInput, Status: schema.NodeStatusCompleted},
			{NodeID: "agent", Kind: schema.NodeKindAgent, Status: schema.NodeStatusFailed,
				Error: schema.NewError(schema.ErrCodeAgentDisabled, "agent disabled").WithNode("agent")},
		},
		SharedContextSnapshot: map[string]any{"workflowInput": map[string]any{"query": "hi"}},
		Output:                map[string]any{"message": "done"},
	}))

	got, err := s.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, got.Status)
	require.NotNil(t, got.EndTime)
	assert.Equal(t, int64(1500), got.DurationMs)
	require.Len(t, got.NodeResults, 2)
	assert.Equal(t, schema.NodeStatusFailed, got.NodeResults[1].Status)
	require.NotNil(t, got.NodeResults[1].Error)
	assert.Equal(t, schema.ErrCodeAgentDisabled, got.NodeResults[1].Error.Code)
	assert.Equal(t, "done", got.Output["message"])
	assert.Nil(t, got.Error)
}

func TestUpdateExecution_RecordsError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateExecution(ctx, &schema.ExecutionRecord{ID: "e1", WorkflowID: "wf", Status: schema.ExecutionStatusRunning}))
	require.NoError(t, s.UpdateExecution(ctx, "e1", schema.ExecutionPatch{
		Status: schema.ExecutionStatusFailed,
		Error:  schema.NewError(schema.ErrCodeTimeout, "run deadline exceeded"),
	}))

	got, err := s.GetExecution(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Equal(t, schema.ErrCodeTimeout, got.Error.Code)
}

func TestUpdateExecution_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateExecution(context.Background(), "missing", schema.ExecutionPatch{Status: schema.ExecutionStatusFailed})
	requireCode(t, err, schema.ErrCodeNotFound)
}

func TestGetExecution_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetExecution(context.Background(), "missing")
	requireCode(t, err, schema.ErrCodeNotFound)
}

func TestListExecutions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i, wf := range []string{"wf-1", "wf-2", "wf-1"} {
		require.NoError(t, s.CreateExecution(ctx, &schema.ExecutionRecord{
			ID:         uuid.NewString(),
			WorkflowID: wf,
			Status:     schema.ExecutionStatusRunning,
			StartTime:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	all, err := s.ListExecutions(ctx, ExecutionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.True(t, all[0].StartTime.After(all[2].StartTime))

	byWorkflow, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	assert.Len(t, byWorkflow, 2)

	running := schema.ExecutionStatusRunning
	limited, err := s.ListExecutions(ctx, ExecutionFilter{Status: &running, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// --- Scheduled Job Tests ---

func TestScheduledJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	next := time.Now().UTC().Add(time.Minute).Truncate(time.Second)
	job := &ScheduledJob{
		ID:             "job-1",
		WorkflowID:     "wf-1",
		CronExpression: "*/5 * * * *",
		Input:          map[string]any{"query": "daily report"},
		Enabled:        true,
		NextRunAt:      &next,
	}
	require.NoError(t, s.CreateScheduledJob(ctx, job))

	got, err := s.GetScheduledJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", got.WorkflowID)
	assert.Equal(t, "daily report", got.Input["query"])
	require.NotNil(t, got.NextRunAt)
	assert.True(t, next.Equal(*got.NextRunAt))

	ran := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.UpdateScheduledJob(ctx, "job-1", ScheduledJobUpdate{
		LastRunAt:       &ran,
		LastRunStatus:   "success",
		LastExecutionID: "exec-1",
	}))
	got, err = s.GetScheduledJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "success", got.LastRunStatus)
	assert.Equal(t, "exec-1", got.LastExecutionID)

	disabled := false
	require.NoError(t, s.UpdateScheduledJob(ctx, "job-1", ScheduledJobUpdate{Enabled: &disabled}))

	enabled := true
	jobs, err := s.ListScheduledJobs(ctx, ScheduledJobFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Empty(t, jobs)

	jobs, err = s.ListScheduledJobs(ctx, ScheduledJobFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	require.NoError(t, s.DeleteScheduledJob(ctx, "job-1"))
	_, err = s.GetScheduledJob(ctx, "job-1")
	requireCode(t, err, schema.ErrCodeNotFound)
}

func TestUpdateScheduledJob_NoFields(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.UpdateScheduledJob(context.Background(), "whatever", ScheduledJobUpdate{}))
}

// --- Maintenance ---

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- header; with semicolon\nCREATE TABLE a (x INT);\n\n-- trailing\nCREATE INDEX i ON a(x);\n")
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (x INT)", stmts[0])
	assert.Equal(t, "CREATE INDEX i ON a(x)", stmts[1])
}

var _ Store = (*LibSQLStore)(nil)
