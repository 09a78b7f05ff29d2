package validation

import "github.com/rendis/agentflow/pkg/schema"

// Validator checks workflows for structural correctness before they are
// stored or executed.
type Validator interface {
	Validate(wf *schema.Workflow) *schema.ValidationResult
	ValidateWorkflow(wf *schema.Workflow) error
}
