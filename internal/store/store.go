package store

import (
	"context"

	"github.com/rendis/agentflow/pkg/schema"
)

// RoleDirectory resolves agent roles. GetRole returns (nil, nil) when the
// role does not exist.
type RoleDirectory interface {
	GetRole(ctx context.Context, id string) (*schema.Role, error)
}

// ExecutionStore persists execution records.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, rec *schema.ExecutionRecord) error
	UpdateExecution(ctx context.Context, id string, patch schema.ExecutionPatch) error
	GetExecution(ctx context.Context, id string) (*schema.ExecutionRecord, error)
}

// MappingConfigStore persists field mapping configurations.
// GetMappingConfig returns (nil, nil) when the workflow has none.
type MappingConfigStore interface {
	GetMappingConfig(ctx context.Context, workflowID string) (*schema.FieldMappingConfig, error)
	SaveMappingConfig(ctx context.Context, cfg *schema.FieldMappingConfig) error
}

// WorkflowStore persists workflow definitions.
type WorkflowStore interface {
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	SaveWorkflow(ctx context.Context, wf *schema.Workflow) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error
}

// ScheduleStore persists cron-triggered jobs.
type ScheduleStore interface {
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error
}

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	WorkflowStore
	RoleDirectory
	ExecutionStore
	MappingConfigStore
	ScheduleStore

	// Roles
	SaveRole(ctx context.Context, role *schema.Role) error
	ListRoles(ctx context.Context) ([]*schema.Role, error)
	DeleteRole(ctx context.Context, id string) error

	// Executions
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.ExecutionRecord, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
