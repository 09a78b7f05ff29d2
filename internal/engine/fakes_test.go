package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/internal/gateway"
	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

type memWorkflows struct {
	mu  sync.Mutex
	wfs map[string]*schema.Workflow
	err error
}

func (m *memWorkflows) GetWorkflow(_ context.Context, id string) (*schema.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.wfs[id], nil
}

func (m *memWorkflows) SaveWorkflow(_ context.Context, wf *schema.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.wfs == nil {
		m.wfs = map[string]*schema.Workflow{}
	}
	m.wfs[wf.ID] = wf
	return nil
}

func (m *memWorkflows) ListWorkflows(context.Context, store.WorkflowFilter) ([]*schema.Workflow, error) {
	return nil, errors.New("not implemented")
}

func (m *memWorkflows) DeleteWorkflow(context.Context, string) error {
	return errors.New("not implemented")
}

type memRoles struct {
	roles map[string]*schema.Role
	err   error
}

func (m *memRoles) GetRole(_ context.Context, id string) (*schema.Role, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.roles[id], nil
}

func chatRole(id string) *schema.Role {
	return &schema.Role{
		ID:             id,
		Name:           id,
		Enabled:        true,
		ConnectionMode: schema.ConnectionModeChat,
		GatewayConfig:  schema.GatewayConfig{BaseURL: "http://agents.test"},
	}
}

type memExecutions struct {
	mu        sync.Mutex
	records   map[string]*schema.ExecutionRecord
	creates   int
	updates   int
	createErr error
	updateErr error
}

func newMemExecutions() *memExecutions {
	return &memExecutions{records: map[string]*schema.ExecutionRecord{}}
}

func (m *memExecutions) CreateExecution(_ context.Context, rec *schema.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if m.createErr != nil {
		return m.createErr
	}
	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

func (m *memExecutions) UpdateExecution(_ context.Context, id string, patch schema.ExecutionPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	if m.updateErr != nil {
		return m.updateErr
	}
	rec, ok := m.records[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	patch.Apply(rec)
	return nil
}

func (m *memExecutions) GetExecution(_ context.Context, id string) (*schema.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	cp := *rec
	return &cp, nil
}

func (m *memExecutions) only(t *testing.T) *schema.ExecutionRecord {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.records, 1)
	for _, rec := range m.records {
		return rec
	}
	return nil
}

// fakeGateway answers chat calls with chat and workflow calls with workflow.
type fakeGateway struct {
	chat     func(ctx context.Context, req gateway.ChatRequest) gateway.Result[gateway.ChatResponse]
	workflow func(ctx context.Context, req gateway.WorkflowRequest) gateway.Result[gateway.WorkflowResponse]
	calls    atomic.Int32
}

func (g *fakeGateway) ExecuteChat(ctx context.Context, req gateway.ChatRequest) gateway.Result[gateway.ChatResponse] {
	g.calls.Add(1)
	if g.chat == nil {
		return gateway.Success(gateway.ChatResponse{Answer: "echo: " + req.Query})
	}
	return g.chat(ctx, req)
}

func (g *fakeGateway) ExecuteWorkflow(ctx context.Context, req gateway.WorkflowRequest) gateway.Result[gateway.WorkflowResponse] {
	g.calls.Add(1)
	if g.workflow == nil {
		return gateway.Success(gateway.WorkflowResponse{Outputs: map[string]any{"answer": "done"}})
	}
	return g.workflow(ctx, req)
}

func staticFactory(gw gateway.Gateway) gateway.Factory {
	return gateway.FactoryFunc(func(*schema.Role) (gateway.Gateway, error) { return gw, nil })
}

type harness struct {
	workflows  *memWorkflows
	roles      *memRoles
	executions *memExecutions
	gateway    *fakeGateway
	executor   *Executor
}

func newHarness(t *testing.T, cfg ExecutorConfig, roles ...*schema.Role) *harness {
	t.Helper()
	h := &harness{
		workflows:  &memWorkflows{},
		roles:      &memRoles{roles: map[string]*schema.Role{}},
		executions: newMemExecutions(),
		gateway:    &fakeGateway{},
	}
	for _, r := range roles {
		h.roles.roles[r.ID] = r
	}
	exec, err := NewExecutor(Deps{
		Workflows:  h.workflows,
		Roles:      h.roles,
		Executions: h.executions,
		Gateways:   staticFactory(h.gateway),
		Logger:     logging.Discard(),
	}, cfg)
	require.NoError(t, err)
	t.Cleanup(exec.Shutdown)
	h.executor = exec
	return h
}
