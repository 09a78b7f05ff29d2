package schema

import "fmt"

// ValidationSeverity tells blocking issues from advisory ones.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in a workflow, located by a
// JSON-ish path such as "nodes[2].data.agent_id" or "edges".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult collects every issue of one validation pass. Errors
// block storage and execution; warnings are reported and tolerated.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether no error was recorded.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError records a blocking issue.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

// AddWarning records an advisory issue.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// Merge appends the issues of other. A nil other is ignored.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// HasCode reports whether any error carries code.
func (r *ValidationResult) HasCode(code string) bool {
	for _, issue := range r.Errors {
		if issue.Code == code {
			return true
		}
	}
	return false
}

// ToError returns nil for a valid result. Otherwise the EngineError carries
// the issue code when every error shares it, so a graph whose only problem
// is a cycle reports CYCLE_DETECTED, and lists all issues in its details.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].Message
	if n := len(r.Errors); n > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", n)
	}
	return NewError(r.sharedCode(), msg).WithDetails(map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	})
}

func (r *ValidationResult) sharedCode() string {
	code := r.Errors[0].Code
	for _, issue := range r.Errors[1:] {
		if issue.Code != code {
			return ErrCodeValidation
		}
	}
	if code == "" {
		return ErrCodeValidation
	}
	return code
}
