package schema

// SourceKind selects how a FieldMappingRule obtains its value.
type SourceKind string

const (
	SourceKindField      SourceKind = "field"
	SourceKindExpression SourceKind = "expression"
)

// FieldMappingConfig is the per-workflow translation between conversation
// data and the workflow's input/output contract.
type FieldMappingConfig struct {
	WorkflowID     string              `json:"workflow_id"`
	InputMappings  []FieldMappingRule  `json:"input_mappings,omitempty"`
	OutputMappings []OutputMappingRule `json:"output_mappings,omitempty"`
}

// FieldMappingRule produces one named workflow input.
type FieldMappingRule struct {
	TargetInputName string     `json:"target_input_name"`
	SourceKind      SourceKind `json:"source_kind"`
	SourceField     string     `json:"source_field,omitempty"`
	Expression      string     `json:"expression,omitempty"`
	DefaultValue    any        `json:"default_value,omitempty"`
	// Engine selects the expression dialect: expr (default), cel or jq.
	Engine string `json:"engine,omitempty"`
}

// OutputMappingRule extracts one named field from the raw workflow output.
type OutputMappingRule struct {
	TargetField       string `json:"target_field"`
	ExtractExpression string `json:"extract_expression"`
	Engine            string `json:"engine,omitempty"`
}
