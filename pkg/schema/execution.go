package schema

import "time"

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// NodeStatus represents the outcome of a single node within an execution.
type NodeStatus string

const (
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// ExecutionRecord is the persisted summary of one workflow run. It is written
// twice: once at start (running) and once at the end (completed or failed).
type ExecutionRecord struct {
	ID                    string          `json:"id"`
	WorkflowID            string          `json:"workflow_id"`
	Status                ExecutionStatus `json:"status"`
	Input                 map[string]any  `json:"input,omitempty"`
	StartTime             time.Time       `json:"start_time"`
	EndTime               *time.Time      `json:"end_time,omitempty"`
	DurationMs            int64           `json:"duration_ms,omitempty"`
	NodeResults           []NodeResult    `json:"node_results,omitempty"`
	SharedContextSnapshot map[string]any  `json:"shared_context_snapshot,omitempty"`
	Output                map[string]any  `json:"output,omitempty"`
	Error                 *EngineError    `json:"error,omitempty"`
}

// NodeResult is the recorded outcome of one node.
type NodeResult struct {
	NodeID     string       `json:"node_id"`
	Kind       NodeKind     `json:"kind,omitempty"`
	Status     NodeStatus   `json:"status"`
	Output     any          `json:"output,omitempty"`
	Error      *EngineError `json:"error,omitempty"`
	DurationMs int64        `json:"duration_ms,omitempty"`
}

// ExecutionPatch carries the final write to an ExecutionRecord.
type ExecutionPatch struct {
	Status                ExecutionStatus `json:"status"`
	EndTime               time.Time       `json:"end_time"`
	DurationMs            int64           `json:"duration_ms"`
	NodeResults           []NodeResult    `json:"node_results,omitempty"`
	SharedContextSnapshot map[string]any  `json:"shared_context_snapshot,omitempty"`
	Output                map[string]any  `json:"output,omitempty"`
	Error                 *EngineError    `json:"error,omitempty"`
}

// Apply copies the patch onto the record.
func (p ExecutionPatch) Apply(rec *ExecutionRecord) {
	end := p.EndTime
	rec.Status = p.Status
	rec.EndTime = &end
	rec.DurationMs = p.DurationMs
	rec.NodeResults = p.NodeResults
	rec.SharedContextSnapshot = p.SharedContextSnapshot
	rec.Output = p.Output
	rec.Error = p.Error
}
