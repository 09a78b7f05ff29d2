package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/agentflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/agentflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so QueryRow is used for all of them.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

// workflowDefinition is the JSON stored in workflows.definition.
type workflowDefinition struct {
	Nodes    []schema.Node  `json:"nodes"`
	Edges    []schema.Edge  `json:"edges"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SaveWorkflow creates or replaces a workflow definition. CreatedAt of an
// existing row is preserved.
func (s *LibSQLStore) SaveWorkflow(ctx context.Context, wf *schema.Workflow) error {
	if wf == nil || wf.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow id is required")
	}
	def, err := json.Marshal(workflowDefinition{Nodes: wf.Nodes, Edges: wf.Edges, Metadata: wf.Metadata})
	if err != nil {
		return storeError("marshal workflow definition", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, description, definition, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, description=excluded.description,
		 definition=excluded.definition, updated_at=excluded.updated_at`,
		wf.ID, wf.Name, nullStr(wf.Description), string(def), timeOr(wf.CreatedAt, now), now,
	)
	if err != nil {
		return storeError("save workflow", err)
	}
	return nil
}

const workflowColumns = `id, name, description, definition, created_at, updated_at`

// GetWorkflow returns the workflow or a NOT_FOUND error.
func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, storeError("get workflow", err)
	}
	return wf, nil
}

// ListWorkflows returns workflows ordered by name.
func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows ORDER BY name, id` + limitClause(filter.Limit, filter.Offset)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storeError("list workflows", err)
	}
	defer rows.Close()

	var workflows []*schema.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, storeError("scan workflow", err)
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// DeleteWorkflow removes a workflow and its mapping configuration.
func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return storeError("delete workflow", err)
	}
	if err := checkRowsAffected(res, "workflow", id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mapping_configs WHERE workflow_id = ?`, id); err != nil {
		return storeError("delete mapping config", err)
	}
	return nil
}

func scanWorkflow(row scanner) (*schema.Workflow, error) {
	wf := &schema.Workflow{}
	var desc sql.NullString
	var defJSON string
	if err := row.Scan(&wf.ID, &wf.Name, &desc, &defJSON, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Description = desc.String

	var def workflowDefinition
	if err := json.Unmarshal([]byte(defJSON), &def); err != nil {
		return nil, fmt.Errorf("unmarshal definition of workflow %q: %w", wf.ID, err)
	}
	wf.Nodes = def.Nodes
	wf.Edges = def.Edges
	wf.Metadata = def.Metadata
	return wf, nil
}

// --- Roles ---

// SaveRole creates or replaces an agent role.
func (s *LibSQLStore) SaveRole(ctx context.Context, role *schema.Role) error {
	if role == nil || role.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "role id is required")
	}
	cfg, err := json.Marshal(role.GatewayConfig)
	if err != nil {
		return storeError("marshal gateway config", err)
	}
	mode := role.ConnectionMode
	if mode == "" {
		mode = schema.ConnectionModeChat
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO roles (id, name, enabled, connection_mode, gateway_config, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, enabled=excluded.enabled,
		 connection_mode=excluded.connection_mode, gateway_config=excluded.gateway_config, updated_at=excluded.updated_at`,
		role.ID, role.Name, boolInt(role.Enabled), string(mode), string(cfg), timeOr(role.CreatedAt, now), now,
	)
	if err != nil {
		return storeError("save role", err)
	}
	return nil
}

const roleColumns = `id, name, enabled, connection_mode, gateway_config, created_at, updated_at`

// GetRole returns the role, or (nil, nil) when it does not exist.
func (s *LibSQLStore) GetRole(ctx context.Context, id string) (*schema.Role, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = ?`, id)
	role, err := scanRole(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("get role", err)
	}
	return role, nil
}

// ListRoles returns every role ordered by id.
func (s *LibSQLStore) ListRoles(ctx context.Context) ([]*schema.Role, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY id`)
	if err != nil {
		return nil, storeError("list roles", err)
	}
	defer rows.Close()

	var roles []*schema.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, storeError("scan role", err)
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// DeleteRole removes a role.
func (s *LibSQLStore) DeleteRole(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM roles WHERE id = ?`, id)
	if err != nil {
		return storeError("delete role", err)
	}
	return checkRowsAffected(res, "role", id)
}

func scanRole(row scanner) (*schema.Role, error) {
	role := &schema.Role{}
	var enabled int
	var mode, cfgJSON string
	if err := row.Scan(&role.ID, &role.Name, &enabled, &mode, &cfgJSON, &role.CreatedAt, &role.UpdatedAt); err != nil {
		return nil, err
	}
	role.Enabled = enabled != 0
	role.ConnectionMode = schema.ConnectionMode(mode)
	if cfgJSON != "" {
		if err := json.Unmarshal([]byte(cfgJSON), &role.GatewayConfig); err != nil {
			return nil, fmt.Errorf("unmarshal gateway config of role %q: %w", role.ID, err)
		}
	}
	return role, nil
}

// --- Mapping configs ---

// SaveMappingConfig creates or replaces the mapping configuration of a workflow.
func (s *LibSQLStore) SaveMappingConfig(ctx context.Context, cfg *schema.FieldMappingConfig) error {
	if cfg == nil || cfg.WorkflowID == "" {
		return schema.NewError(schema.ErrCodeValidation, "mapping config workflow id is required")
	}
	inputs, err := marshalSliceOrEmpty(cfg.InputMappings)
	if err != nil {
		return storeError("marshal input mappings", err)
	}
	outputs, err := marshalSliceOrEmpty(cfg.OutputMappings)
	if err != nil {
		return storeError("marshal output mappings", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mapping_configs (workflow_id, input_mappings, output_mappings, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(workflow_id) DO UPDATE SET input_mappings=excluded.input_mappings,
		 output_mappings=excluded.output_mappings, updated_at=excluded.updated_at`,
		cfg.WorkflowID, inputs, outputs, time.Now().UTC(),
	)
	if err != nil {
		return storeError("save mapping config", err)
	}
	return nil
}

// GetMappingConfig returns the workflow's mapping configuration, or
// (nil, nil) when none is stored.
func (s *LibSQLStore) GetMappingConfig(ctx context.Context, workflowID string) (*schema.FieldMappingConfig, error) {
	var inputs, outputs string
	err := s.db.QueryRowContext(ctx,
		`SELECT input_mappings, output_mappings FROM mapping_configs WHERE workflow_id = ?`, workflowID,
	).Scan(&inputs, &outputs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("get mapping config", err)
	}

	cfg := &schema.FieldMappingConfig{WorkflowID: workflowID}
	if err := json.Unmarshal([]byte(inputs), &cfg.InputMappings); err != nil {
		return nil, storeError("unmarshal input mappings", err)
	}
	if err := json.Unmarshal([]byte(outputs), &cfg.OutputMappings); err != nil {
		return nil, storeError("unmarshal output mappings", err)
	}
	return cfg, nil
}

// --- Executions ---

// CreateExecution inserts the initial (running) execution record.
func (s *LibSQLStore) CreateExecution(ctx context.Context, rec *schema.ExecutionRecord) error {
	input, err := nullJSON(rec.Input)
	if err != nil {
		return storeError("marshal execution input", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, status, input, start_time, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.WorkflowID, string(rec.Status), input, timeOr(rec.StartTime, time.Now().UTC()), rec.DurationMs,
	)
	if err != nil {
		return storeError("create execution", err)
	}
	return nil
}

// UpdateExecution writes the final state of an execution.
func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, patch schema.ExecutionPatch) error {
	results, err := nullJSON(patch.NodeResults)
	if err != nil {
		return storeError("marshal node results", err)
	}
	snapshot, err := nullJSON(patch.SharedContextSnapshot)
	if err != nil {
		return storeError("marshal context snapshot", err)
	}
	output, err := nullJSON(patch.Output)
	if err != nil {
		return storeError("marshal execution output", err)
	}
	execErr, err := nullJSON(patch.Error)
	if err != nil {
		return storeError("marshal execution error", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, end_time = ?, duration_ms = ?, node_results = ?,
		 context_snapshot = ?, output = ?, error = ? WHERE id = ?`,
		string(patch.Status), timeOr(patch.EndTime, time.Now().UTC()), patch.DurationMs,
		results, snapshot, output, execErr, id,
	)
	if err != nil {
		return storeError("update execution", err)
	}
	return checkRowsAffected(res, "execution", id)
}

const executionColumns = `id, workflow_id, status, input, start_time, end_time, duration_ms, node_results, context_snapshot, output, error`

// GetExecution returns the execution record or a NOT_FOUND error.
func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	rec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, storeError("get execution", err)
	}
	return rec, nil
}

// ListExecutions returns executions, newest first.
func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.ExecutionRecord, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "start_time >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_time DESC" + limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list executions", err)
	}
	defer rows.Close()

	var records []*schema.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, storeError("scan execution", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanExecution(row scanner) (*schema.ExecutionRecord, error) {
	rec := &schema.ExecutionRecord{}
	var (
		status                                 string
		input, results, snapshot, output, errJ sql.NullString
		endTime                                sql.NullTime
	)
	if err := row.Scan(&rec.ID, &rec.WorkflowID, &status, &input, &rec.StartTime, &endTime,
		&rec.DurationMs, &results, &snapshot, &output, &errJ); err != nil {
		return nil, err
	}
	rec.Status = schema.ExecutionStatus(status)
	if endTime.Valid {
		rec.EndTime = &endTime.Time
	}
	if err := unmarshalNullable(input, &rec.Input); err != nil {
		return nil, fmt.Errorf("unmarshal input: %w", err)
	}
	if err := unmarshalNullable(results, &rec.NodeResults); err != nil {
		return nil, fmt.Errorf("unmarshal node results: %w", err)
	}
	if err := unmarshalNullable(snapshot, &rec.SharedContextSnapshot); err != nil {
		return nil, fmt.Errorf("unmarshal context snapshot: %w", err)
	}
	if err := unmarshalNullable(output, &rec.Output); err != nil {
		return nil, fmt.Errorf("unmarshal output: %w", err)
	}
	if errJ.Valid && errJ.String != "" {
		rec.Error = &schema.EngineError{}
		if err := json.Unmarshal([]byte(errJ.String), rec.Error); err != nil {
			return nil, fmt.Errorf("unmarshal error: %w", err)
		}
	}
	return rec, nil
}

// --- Scheduled Jobs ---

// CreateScheduledJob inserts a job.
func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	input, err := nullJSON(job.Input)
	if err != nil {
		return storeError("marshal job input", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, workflow_id, cron_expression, input, enabled, last_run_at, next_run_at, last_run_status, last_execution_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.WorkflowID, job.CronExpression, input, boolInt(job.Enabled),
		nullTime(job.LastRunAt), nullTime(job.NextRunAt), nullStr(job.LastRunStatus), nullStr(job.LastExecutionID),
		timeOr(job.CreatedAt, time.Now().UTC()),
	)
	if err != nil {
		return storeError("create scheduled job", err)
	}
	return nil
}

const jobColumns = `id, workflow_id, cron_expression, input, enabled, last_run_at, next_run_at, last_run_status, last_execution_id, created_at`

// GetScheduledJob returns the job or a NOT_FOUND error.
func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("scheduled job", id)
	}
	if err != nil {
		return nil, storeError("get scheduled job", err)
	}
	return job, nil
}

// UpdateScheduledJob applies the non-empty fields of update.
func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if update.LastExecutionID != "" {
		sets = append(sets, "last_execution_id = ?")
		args = append(args, update.LastExecutionID)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_jobs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storeError("update scheduled job", err)
	}
	return checkRowsAffected(res, "scheduled job", id)
}

// ListScheduledJobs returns jobs matching filter, ordered by creation time.
func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}

	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id" + limitClause(filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list scheduled jobs", err)
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, storeError("scan scheduled job", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteScheduledJob removes a job.
func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return storeError("delete scheduled job", err)
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func scanJob(row scanner) (*ScheduledJob, error) {
	job := &ScheduledJob{}
	var (
		input, status, execID sql.NullString
		enabled               int
		lastRun, nextRun      sql.NullTime
	)
	if err := row.Scan(&job.ID, &job.WorkflowID, &job.CronExpression, &input, &enabled,
		&lastRun, &nextRun, &status, &execID, &job.CreatedAt); err != nil {
		return nil, err
	}
	job.Enabled = enabled != 0
	job.LastRunStatus = status.String
	job.LastExecutionID = execID.String
	if lastRun.Valid {
		job.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		job.NextRunAt = &nextRun.Time
	}
	if err := unmarshalNullable(input, &job.Input); err != nil {
		return nil, fmt.Errorf("unmarshal job input: %w", err)
	}
	return job, nil
}

// --- Helpers ---

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeError(op string, err error) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeError("rows affected", err)
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func limitClause(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	clause := fmt.Sprintf(" LIMIT %d", limit)
	if offset > 0 {
		clause += fmt.Sprintf(" OFFSET %d", offset)
	}
	return clause
}

func timeOr(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t.UTC()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullJSON encodes v, mapping nil and empty collections to SQL NULL.
func nullJSON[T any](v T) (any, error) {
	switch val := any(v).(type) {
	case map[string]any:
		if len(val) == 0 {
			return nil, nil
		}
	case []schema.NodeResult:
		if len(val) == 0 {
			return nil, nil
		}
	case *schema.EngineError:
		if val == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalNullable(ns sql.NullString, dst any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dst)
}

func marshalSliceOrEmpty[T any](items []T) (string, error) {
	if len(items) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
