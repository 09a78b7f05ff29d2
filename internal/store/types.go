package store

import (
	"time"

	"github.com/rendis/agentflow/pkg/schema"
)

// ScheduledJob is a cron-triggered workflow execution with a static input.
type ScheduledJob struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflow_id"`
	CronExpression  string         `json:"cron_expression"`
	Input           map[string]any `json:"input,omitempty"`
	Enabled         bool           `json:"enabled"`
	LastRunAt       *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time     `json:"next_run_at,omitempty"`
	LastRunStatus   string         `json:"last_run_status,omitempty"`
	LastExecutionID string         `json:"last_execution_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID string                  `json:"workflow_id,omitempty"`
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	Since      *time.Time              `json:"since,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
	Offset     int                     `json:"offset,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled         *bool      `json:"enabled,omitempty"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus   string     `json:"last_run_status,omitempty"`
	LastExecutionID string     `json:"last_execution_id,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}
