package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_Issues(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())

	r.AddWarning("edges[1]", ErrCodeValidation, "edge duplicates an earlier edge")
	assert.True(t, r.Valid(), "warnings alone keep the result valid")
	assert.Nil(t, r.ToError())

	r.AddError("nodes[0].id", ErrCodeValidation, "duplicate node id")
	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, ValidationIssue{
		Path: "nodes[0].id", Code: ErrCodeValidation, Message: "duplicate node id", Severity: SeverityError,
	}, r.Errors[0])
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_Merge(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("/", ErrCodeValidation, "err1")
	r.AddWarning("/", ErrCodeValidation, "warn1")

	other := &ValidationResult{}
	other.AddError("edges", ErrCodeCycleDetected, "err2")
	other.AddWarning("edges[0]", ErrCodeValidation, "warn2")

	r.Merge(other)
	r.Merge(nil)

	assert.Len(t, r.Errors, 2)
	assert.Len(t, r.Warnings, 2)
	assert.True(t, r.HasCode(ErrCodeCycleDetected))
	assert.False(t, r.HasCode(ErrCodeNotFound))
}

func TestValidationResult_ToError(t *testing.T) {
	tests := []struct {
		name     string
		errors   []ValidationIssue
		wantCode string
		wantMsg  string
	}{
		{
			name:     "single error keeps its message",
			errors:   []ValidationIssue{{Path: "nodes[0].id", Code: ErrCodeValidation, Message: "duplicate node id"}},
			wantCode: ErrCodeValidation,
			wantMsg:  "duplicate node id",
		},
		{
			name:     "cycle only",
			errors:   []ValidationIssue{{Path: "edges", Code: ErrCodeCycleDetected, Message: "cycle detected: a -> b -> a"}},
			wantCode: ErrCodeCycleDetected,
			wantMsg:  "cycle detected: a -> b -> a",
		},
		{
			name: "mixed codes fall back to validation",
			errors: []ValidationIssue{
				{Path: "edges", Code: ErrCodeCycleDetected, Message: "cycle"},
				{Path: "edges[0].source", Code: ErrCodeValidation, Message: "unknown node"},
			},
			wantCode: ErrCodeValidation,
			wantMsg:  "validation failed with 2 errors",
		},
		{
			name:     "empty code",
			errors:   []ValidationIssue{{Path: "/", Message: "bad"}},
			wantCode: ErrCodeValidation,
			wantMsg:  "bad",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := &ValidationResult{}
			for _, issue := range tc.errors {
				r.AddError(issue.Path, issue.Code, issue.Message)
			}
			r.AddWarning("/", ErrCodeValidation, "warn")

			var ee *EngineError
			require.ErrorAs(t, r.ToError(), &ee)
			assert.Equal(t, tc.wantCode, ee.Code)
			assert.Equal(t, tc.wantMsg, ee.Message)
			assert.Equal(t, len(tc.errors), ee.Details["error_count"])
			assert.Equal(t, 1, ee.Details["warning_count"])
		})
	}
}
