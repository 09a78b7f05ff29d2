package engine

import (
	"context"
	"log/slog"
	"slices"

	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/pkg/schema"
)

// validExecutionTransitions defines the allowed execution state transitions.
// The empty status is the state before the record exists.
var validExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	"":                              {schema.ExecutionStatusRunning},
	schema.ExecutionStatusRunning:   {schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed},
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusFailed:    {},
}

// ExecutionFSM guards the lifecycle of execution records:
// (none) -> running -> completed | failed.
type ExecutionFSM struct {
	logger *slog.Logger
}

// NewExecutionFSM creates an ExecutionFSM.
func NewExecutionFSM(logger *slog.Logger) *ExecutionFSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutionFSM{logger: logger}
}

// Transition validates from -> to and persists it through apply. apply is
// not called for an invalid transition.
func (f *ExecutionFSM) Transition(ctx context.Context, executionID string, from, to schema.ExecutionStatus, apply func(context.Context) error) error {
	if !IsValidExecutionTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %q -> %q", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	if apply != nil {
		if err := apply(ctx); err != nil {
			return err
		}
	}

	log := logging.LogWith(ctx, f.logger)
	log.Debug("execution transition",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	return nil
}

// IsValidExecutionTransition reports whether from -> to is allowed.
func IsValidExecutionTransition(from, to schema.ExecutionStatus) bool {
	allowed, ok := validExecutionTransitions[from]
	return ok && slices.Contains(allowed, to)
}
