package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/agentflow/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const documentSchemaURL = "https://agentflow.dev/schemas/workflow.json"

// workflowDocumentSchema describes the wire shape of a workflow document.
// Graph rules that JSON Schema cannot express (unique IDs, edge
// resolution, cycles) are checked by validateGraph.
const workflowDocumentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://agentflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string" },
    "description": { "type": "string" },
    "nodes": {
      "type": "array",
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/edge" }
    },
    "metadata": { "type": ["object", "null"] },
    "created_at": { "type": "string" },
    "updated_at": { "type": "string" }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id"],
      "anyOf": [
        { "required": ["kind"] },
        { "required": ["type"] }
      ],
      "properties": {
        "id": { "type": "string" },
        "kind": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "minLength": 1 },
        "data": { "type": ["object", "null"] }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "source": { "type": "string" },
        "target": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// DocumentValidator checks raw workflow documents against the workflow JSON
// Schema (Draft 2020-12). It is safe for concurrent use.
type DocumentValidator struct {
	schema *jsonschema.Schema
}

// NewDocumentValidator compiles the embedded workflow document schema.
func NewDocumentValidator() (*DocumentValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowDocumentSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(documentSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	compiled, err := c.Compile(documentSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &DocumentValidator{schema: compiled}, nil
}

// Check validates raw JSON bytes and reports every schema violation.
func (v *DocumentValidator) Check(raw []byte) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, fmt.Sprintf("document is not valid JSON: %v", err))
		return result
	}

	if err := v.schema.Validate(doc); err != nil {
		verr, ok := err.(*jsonschema.ValidationError)
		if !ok {
			result.AddError("/", schema.ErrCodeValidation, err.Error())
			return result
		}
		for _, violation := range collectViolations(verr) {
			result.AddError(violation.path, schema.ErrCodeValidation, violation.message)
		}
	}
	return result
}

// Decode checks raw against the schema and, when it conforms, decodes it.
func (v *DocumentValidator) Decode(raw []byte) (*schema.Workflow, *schema.ValidationResult) {
	result := v.Check(raw)
	if !result.Valid() {
		return nil, result
	}

	var wf schema.Workflow
	if err := json.Unmarshal(raw, &wf); err != nil {
		result.AddError("/", schema.ErrCodeValidation, fmt.Sprintf("decode workflow: %v", err))
		return nil, result
	}
	return &wf, result
}

type violation struct {
	path    string
	message string
}

// collectViolations walks a ValidationError tree and returns the leaf
// messages keyed by instance location.
func collectViolations(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []violation{{path: loc, message: verr.Error()}}
	}

	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
