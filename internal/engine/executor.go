package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/agentflow/internal/expressions"
	"github.com/rendis/agentflow/internal/gateway"
	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/internal/validation"
	"github.com/rendis/agentflow/pkg/schema"
)

// UpstreamPolicy decides what happens to a node whose direct upstream
// node failed.
type UpstreamPolicy string

const (
	// UpstreamContinue runs the node anyway; the missing output reads as nil.
	UpstreamContinue UpstreamPolicy = "continue"
	// UpstreamSkip records the node as skipped.
	UpstreamSkip UpstreamPolicy = "skip"
	// UpstreamFail records the node as failed with UPSTREAM_FAILED.
	UpstreamFail UpstreamPolicy = "fail"
)

// ParseUpstreamPolicy parses a policy name. Empty means continue.
func ParseUpstreamPolicy(s string) (UpstreamPolicy, error) {
	switch p := UpstreamPolicy(s); p {
	case "":
		return UpstreamContinue, nil
	case UpstreamContinue, UpstreamSkip, UpstreamFail:
		return p, nil
	default:
		return "", fmt.Errorf("unknown upstream failure policy %q (want continue, skip or fail)", s)
	}
}

// ExecutorConfig configures the execution engine.
type ExecutorConfig struct {
	// PoolSize bounds how many nodes run at once across all executions.
	PoolSize int
	// RunTimeout bounds a whole execution. Zero means no deadline.
	RunTimeout time.Duration
	// UpstreamFailurePolicy applies to nodes downstream of a failed node.
	UpstreamFailurePolicy UpstreamPolicy
}

// DefaultExecutorConfig returns a pool of 10, no run deadline, and the
// continue policy.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		PoolSize:              10,
		UpstreamFailurePolicy: UpstreamContinue,
	}
}

// Deps are the collaborators of the Executor.
type Deps struct {
	Workflows  store.WorkflowStore
	Roles      store.RoleDirectory
	Executions store.ExecutionStore
	Gateways   gateway.Factory
	// Validator defaults to validation.NewWorkflowValidator.
	Validator validation.Validator
	Logger    *slog.Logger
}

// RunRequest is the input of one workflow execution.
type RunRequest struct {
	Input          map[string]any `json:"input,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
}

// RunData carries the final outputs of an execution.
type RunData struct {
	Outputs map[string]any `json:"outputs"`
}

// RunSummary is the result handed back to the caller of a completed run.
type RunSummary struct {
	ExecutionID    string              `json:"execution_id"`
	Message        string              `json:"message"`
	Data           RunData             `json:"data"`
	ConversationID string              `json:"conversation_id,omitempty"`
	NodeResults    []schema.NodeResult `json:"node_results,omitempty"`
}

// Executor runs workflows level by level on a bounded worker pool.
// Safe for concurrent use; each execution gets its own RunContext.
type Executor struct {
	deps   Deps
	cfg    ExecutorConfig
	pool   *WorkerPool
	fsm    *ExecutionFSM
	logger *slog.Logger

	newID func() string
	now   func() time.Time
}

// NewExecutor creates an Executor.
func NewExecutor(deps Deps, cfg ExecutorConfig) (*Executor, error) {
	switch {
	case deps.Workflows == nil:
		return nil, errors.New("executor: workflow store is required")
	case deps.Roles == nil:
		return nil, errors.New("executor: role directory is required")
	case deps.Executions == nil:
		return nil, errors.New("executor: execution store is required")
	case deps.Gateways == nil:
		return nil, errors.New("executor: gateway factory is required")
	}
	if deps.Validator == nil {
		v, err := validation.NewWorkflowValidator()
		if err != nil {
			return nil, fmt.Errorf("executor: %w", err)
		}
		deps.Validator = v
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.UpstreamFailurePolicy == "" {
		cfg.UpstreamFailurePolicy = UpstreamContinue
	}
	if _, err := ParseUpstreamPolicy(string(cfg.UpstreamFailurePolicy)); err != nil {
		return nil, fmt.Errorf("executor: %w", err)
	}

	pool := NewWorkerPool(cfg.PoolSize)
	pool.OnPanic(func(r any) {
		deps.Logger.Error("worker panic escaped node dispatch", slog.Any("panic", r))
	})

	return &Executor{
		deps:   deps,
		cfg:    cfg,
		pool:   pool,
		fsm:    NewExecutionFSM(deps.Logger),
		logger: deps.Logger,
		newID:  uuid.NewString,
		now:    time.Now,
	}, nil
}

// Shutdown waits for running nodes and rejects further work.
func (e *Executor) Shutdown() {
	e.pool.Shutdown()
}

// PoolMetrics exposes the worker pool counters.
func (e *Executor) PoolMetrics() PoolMetrics {
	return e.pool.Metrics()
}

// ExecuteWorkflow loads the workflow and runs it to completion.
func (e *Executor) ExecuteWorkflow(ctx context.Context, workflowID string, req RunRequest) (*RunSummary, error) {
	wf, err := e.deps.Workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, schema.AsEngineError(err, schema.ErrCodeStore)
	}
	if wf == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", workflowID)
	}
	return e.Execute(ctx, wf, req)
}

// Execute runs an already loaded workflow. An invalid workflow is rejected
// before any record is written. Node failures are recorded in the
// execution and do not fail the run; engine faults (store failure,
// scheduler defect, panic, run deadline) mark the record failed and are
// returned.
func (e *Executor) Execute(ctx context.Context, wf *schema.Workflow, req RunRequest) (*RunSummary, error) {
	if err := e.deps.Validator.ValidateWorkflow(wf); err != nil {
		return nil, err
	}

	execID := e.newID()
	ctx = logging.WithIDs(ctx, wf.ID, execID)
	log := logging.LogWith(ctx, e.logger)

	start := e.now().UTC()
	rec := &schema.ExecutionRecord{
		ID:         execID,
		WorkflowID: wf.ID,
		Status:     schema.ExecutionStatusRunning,
		Input:      expressions.DeepCopyMap(req.Input),
		StartTime:  start,
	}
	err := e.fsm.Transition(ctx, execID, "", schema.ExecutionStatusRunning, func(ctx context.Context) error {
		return e.deps.Executions.CreateExecution(ctx, rec)
	})
	if err != nil {
		return nil, schema.AsEngineError(err, schema.ErrCodeStore)
	}
	log.Info("execution started", slog.Int("nodes", len(wf.Nodes)))

	rc := NewRunContext(req.Input, req.UserID, req.ConversationID)
	results, runErr := e.run(ctx, wf, rc)

	patch := schema.ExecutionPatch{
		Status:                schema.ExecutionStatusCompleted,
		NodeResults:           results,
		SharedContextSnapshot: rc.Snapshot(),
	}
	var summary *RunSummary
	if runErr != nil {
		patch.Status = schema.ExecutionStatusFailed
		patch.Error = runErr
	} else {
		message, outputs := composeAnswer(wf, results, rc)
		patch.Output = map[string]any{"message": message, "outputs": outputs}
		summary = &RunSummary{
			ExecutionID:    execID,
			Message:        message,
			Data:           RunData{Outputs: outputs},
			ConversationID: rc.ConversationID(),
			NodeResults:    results,
		}
	}

	end := e.now().UTC()
	patch.EndTime = end
	patch.DurationMs = end.Sub(start).Milliseconds()

	// The final write must land even when the caller's context is done.
	finalCtx := context.WithoutCancel(ctx)
	err = e.fsm.Transition(finalCtx, execID, schema.ExecutionStatusRunning, patch.Status, func(ctx context.Context) error {
		return e.deps.Executions.UpdateExecution(ctx, execID, patch)
	})
	if err != nil {
		log.Error("failed to finalize execution record", slog.String("error", err.Error()))
		return nil, schema.AsEngineError(err, schema.ErrCodeStore)
	}

	log.Info("execution finished",
		slog.String("status", string(patch.Status)),
		slog.Int64("duration_ms", patch.DurationMs),
		slog.Int("failed_nodes", countStatus(results, schema.NodeStatusFailed)),
	)

	if runErr != nil {
		if runErr.Details == nil {
			runErr.Details = map[string]any{}
		}
		runErr.Details["execution_id"] = execID
		return nil, runErr
	}
	return summary, nil
}

// run schedules the workflow and executes it level by level. Results of
// nodes that settled before a fault are returned alongside the fault.
func (e *Executor) run(ctx context.Context, wf *schema.Workflow, rc *RunContext) (results []schema.NodeResult, runErr *schema.EngineError) {
	defer func() {
		if r := recover(); r != nil {
			runErr = schema.NewErrorf(schema.ErrCodeEngine, "execution panicked: %v", r)
		}
	}()

	if e.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.RunTimeout)
		defer cancel()
	}

	levels, err := Levelize(wf.Nodes, wf.Edges)
	if err != nil {
		return nil, schema.AsEngineError(err, schema.ErrCodeEngine)
	}

	upstream := upstreamOf(wf.Edges)
	blocked := make(map[string]bool)
	log := logging.LogWith(ctx, e.logger)

	for depth, level := range levels {
		if err := ctx.Err(); err != nil {
			return results, contextFault(err, e.cfg.RunTimeout)
		}

		settled := make([]schema.NodeResult, len(level))
		var wg sync.WaitGroup
		for i, node := range level {
			if held, ok := e.holdForUpstream(node, upstream[node.ID], blocked); ok {
				settled[i] = held
				continue
			}

			wg.Add(1)
			err := e.pool.Submit(ctx, func(ctx context.Context) error {
				defer wg.Done()
				settled[i] = e.dispatch(ctx, node, rc)
				if settled[i].Error != nil {
					return settled[i].Error
				}
				return nil
			})
			if err != nil {
				wg.Done()
				settled[i] = nodeFailure(node, submitFault(err, e.cfg.RunTimeout), 0)
			}
		}
		wg.Wait()

		for _, res := range settled {
			if res.Status == schema.NodeStatusFailed || (res.Status == schema.NodeStatusSkipped && res.Error != nil) {
				blocked[res.NodeID] = true
				log.Warn("node did not complete",
					slog.String("node_id", res.NodeID),
					slog.String("status", string(res.Status)),
					slog.Any("error", res.Error),
				)
			}
		}
		results = append(results, settled...)
		log.Debug("level settled", slog.Int("level", depth), slog.Int("nodes", len(level)))
	}

	if err := ctx.Err(); err != nil {
		return results, contextFault(err, e.cfg.RunTimeout)
	}
	return results, nil
}

// holdForUpstream applies the upstream failure policy. It reports ok when
// the node must not run.
func (e *Executor) holdForUpstream(node schema.Node, parents []string, blocked map[string]bool) (schema.NodeResult, bool) {
	if e.cfg.UpstreamFailurePolicy == UpstreamContinue {
		return schema.NodeResult{}, false
	}
	idx := slices.IndexFunc(parents, func(id string) bool { return blocked[id] })
	if idx < 0 {
		return schema.NodeResult{}, false
	}

	err := schema.NewErrorf(schema.ErrCodeUpstreamFailed, "upstream node %q did not complete", parents[idx]).
		WithNode(node.ID).
		WithDetails(map[string]any{"upstream": parents[idx]})
	status := schema.NodeStatusFailed
	if e.cfg.UpstreamFailurePolicy == UpstreamSkip {
		status = schema.NodeStatusSkipped
	}
	return schema.NodeResult{NodeID: node.ID, Kind: node.Kind, Status: status, Error: err}, true
}

// dispatch runs one node and converts its outcome, including a panic, into
// a NodeResult. The node's output is recorded only on success.
func (e *Executor) dispatch(ctx context.Context, node schema.Node, rc *RunContext) (result schema.NodeResult) {
	start := time.Now()
	ctx = logging.WithNodeID(ctx, node.ID)

	defer func() {
		if r := recover(); r != nil {
			logging.LogWith(ctx, e.logger).Error("node panicked", slog.Any("panic", r))
			result = nodeFailure(node,
				schema.NewErrorf(schema.ErrCodeEngine, "node panicked: %v", r),
				time.Since(start))
		}
	}()

	output, skipped, nodeErr := e.runNode(ctx, node, rc)
	if nodeErr != nil {
		return nodeFailure(node, nodeErr, time.Since(start))
	}
	if skipped {
		return schema.NodeResult{NodeID: node.ID, Kind: node.Kind, Status: schema.NodeStatusSkipped}
	}

	if normalized, err := expressions.Normalize(output); err == nil {
		output = normalized
	}
	if err := rc.SetNodeOutput(node.ID, output); err != nil {
		return nodeFailure(node, schema.AsEngineError(err, schema.ErrCodeEngine), time.Since(start))
	}
	return schema.NodeResult{
		NodeID:     node.ID,
		Kind:       node.Kind,
		Status:     schema.NodeStatusCompleted,
		Output:     output,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

func nodeFailure(node schema.Node, err *schema.EngineError, elapsed time.Duration) schema.NodeResult {
	return schema.NodeResult{
		NodeID:     node.ID,
		Kind:       node.Kind,
		Status:     schema.NodeStatusFailed,
		Error:      err.WithNode(node.ID),
		DurationMs: elapsed.Milliseconds(),
	}
}

func submitFault(err error, timeout time.Duration) *schema.EngineError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return contextFault(err, timeout)
	}
	return schema.NewErrorf(schema.ErrCodeEngine, "submit node: %s", err.Error()).WithCause(err)
}

func contextFault(err error, timeout time.Duration) *schema.EngineError {
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewErrorf(schema.ErrCodeTimeout, "execution exceeded its deadline (%s)", timeout).WithCause(err)
	}
	return schema.NewError(schema.ErrCodeEngine, "execution cancelled").WithCause(err)
}

// composeAnswer picks the final answer: the outputs of a resolved output
// node, else the answer of the last completed agent node in schedule
// order, else a fixed fallback that echoes the query. An output node is
// resolved when at least one of its bindings produced a value.
func composeAnswer(wf *schema.Workflow, results []schema.NodeResult, rc *RunContext) (string, map[string]any) {
	if slices.ContainsFunc(results, completedOutput) {
		outputs := rc.Outputs()
		if hasValue(outputs) {
			return messageFromOutputs(outputs), outputs
		}
	}

	for _, res := range slices.Backward(results) {
		if res.Kind != schema.NodeKindAgent || res.Status != schema.NodeStatusCompleted {
			continue
		}
		agentOut, _ := res.Output.(map[string]any)
		answer, _ := agentOut["answer"].(string)
		outputs := map[string]any{"answer": answer, "nodeId": res.NodeID}
		if nested, ok := agentOut["outputs"]; ok {
			outputs["outputs"] = nested
		}
		return answer, outputs
	}

	query := rc.Query()
	if !hasConfiguredAgent(wf) {
		msg := "No agent is configured for this workflow."
		if query != "" {
			msg = fmt.Sprintf("No agent is configured for this workflow. Your question was: %s", query)
		}
		return msg, map[string]any{
			"answer":   msg,
			"metadata": map[string]any{"hasConfiguredAgent": false, "query": query},
		}
	}

	var failed []any
	for _, res := range results {
		if res.Kind == schema.NodeKindAgent && res.Status != schema.NodeStatusCompleted {
			failed = append(failed, res.NodeID)
		}
	}
	msg := "No agent produced an answer."
	if query != "" {
		msg = fmt.Sprintf("No agent produced an answer for: %s", query)
	}
	return msg, map[string]any{
		"answer":   msg,
		"metadata": map[string]any{"hasConfiguredAgent": true, "failedNodes": failed},
	}
}

func messageFromOutputs(outputs map[string]any) string {
	if s, ok := outputs["answer"].(string); ok {
		return s
	}
	if len(outputs) == 1 {
		for _, v := range outputs {
			return textOf(v)
		}
	}
	return textOf(outputs)
}

func completedOutput(res schema.NodeResult) bool {
	return res.Kind == schema.NodeKindOutput && res.Status == schema.NodeStatusCompleted
}

func hasValue(outputs map[string]any) bool {
	for _, v := range outputs {
		if v != nil {
			return true
		}
	}
	return false
}

// hasConfiguredAgent reports whether any agent node names a role. Agent
// nodes without one can only fail with AGENT_NOT_CONFIGURED.
func hasConfiguredAgent(wf *schema.Workflow) bool {
	return slices.ContainsFunc(wf.Nodes, func(n schema.Node) bool {
		data, ok := n.Data.(*schema.AgentData)
		return ok && n.Kind == schema.NodeKindAgent && data.AgentID != ""
	})
}

func countStatus(results []schema.NodeResult, status schema.NodeStatus) int {
	n := 0
	for _, r := range results {
		if r.Status == status {
			n++
		}
	}
	return n
}
