package validation

import "github.com/rendis/agentflow/pkg/schema"

// WorkflowValidator runs the validation pipeline:
// 1. Graph (non-empty, unique IDs, edge endpoints, cycles)
// 2. Semantic (node payloads), only when the graph is sound
type WorkflowValidator struct {
	documents *DocumentValidator
}

// NewWorkflowValidator creates a WorkflowValidator with the document schema compiled.
func NewWorkflowValidator() (*WorkflowValidator, error) {
	docs, err := NewDocumentValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{documents: docs}, nil
}

// Validate checks a decoded workflow and returns every issue found.
func (wv *WorkflowValidator) Validate(wf *schema.Workflow) *schema.ValidationResult {
	if wf == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow is nil")
		return r
	}

	result := validateGraph(wf)
	if result.Valid() {
		result.Merge(validateSemantic(wf))
	}
	return result
}

// ValidateWorkflow satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateWorkflow(wf *schema.Workflow) error {
	return wv.Validate(wf).ToError()
}

// ValidateDocument checks a raw JSON document against the workflow schema,
// decodes it and runs Validate. The workflow is nil when the document
// could not be decoded.
func (wv *WorkflowValidator) ValidateDocument(raw []byte) (*schema.Workflow, *schema.ValidationResult) {
	wf, result := wv.documents.Decode(raw)
	if wf == nil {
		return nil, result
	}
	result.Merge(wv.Validate(wf))
	return wf, result
}
