package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/pkg/schema"
)

func TestExecutionFSM_ValidTransitions(t *testing.T) {
	valid := [][2]schema.ExecutionStatus{
		{"", schema.ExecutionStatusRunning},
		{schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted},
		{schema.ExecutionStatusRunning, schema.ExecutionStatusFailed},
	}
	for _, tr := range valid {
		assert.True(t, IsValidExecutionTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestExecutionFSM_InvalidTransitions(t *testing.T) {
	invalid := [][2]schema.ExecutionStatus{
		{"", schema.ExecutionStatusCompleted},
		{schema.ExecutionStatusRunning, schema.ExecutionStatusRunning},
		{schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed},
		{schema.ExecutionStatusFailed, schema.ExecutionStatusRunning},
		{"bogus", schema.ExecutionStatusRunning},
	}
	for _, tr := range invalid {
		assert.False(t, IsValidExecutionTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestExecutionFSM_TransitionApplies(t *testing.T) {
	fsm := NewExecutionFSM(logging.Discard())
	applied := 0

	err := fsm.Transition(context.Background(), "e1", schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted,
		func(ctx context.Context) error {
			applied++
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, 1, applied)
}

func TestExecutionFSM_InvalidTransitionSkipsApply(t *testing.T) {
	fsm := NewExecutionFSM(logging.Discard())
	applied := false

	err := fsm.Transition(context.Background(), "e1", schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed,
		func(ctx context.Context) error {
			applied = true
			return nil
		})

	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeInvalidTransition, engErr.Code)
	assert.Equal(t, "e1", engErr.Details["execution_id"])
	assert.False(t, applied)
}

func TestExecutionFSM_ApplyErrorPropagates(t *testing.T) {
	fsm := NewExecutionFSM(logging.Discard())
	boom := errors.New("disk full")

	err := fsm.Transition(context.Background(), "e1", schema.ExecutionStatusRunning, schema.ExecutionStatusFailed,
		func(ctx context.Context) error { return boom })

	assert.ErrorIs(t, err, boom)
}
