package validation

import (
	"fmt"
	"maps"
	"slices"

	"github.com/rendis/agentflow/pkg/schema"
)

// validateSemantic inspects node payloads. Problems the executor already
// reports as failed node results (missing agent reference, dangling
// bindings, unknown kinds) are warnings; payloads that can never execute
// are errors.
func validateSemantic(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make(map[string]bool, len(wf.Nodes))
	for _, n := range wf.Nodes {
		ids[n.ID] = true
	}

	for i, n := range wf.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		switch d := n.Data.(type) {
		case *schema.InputData:
			validateInputParams(d, path, result)
		case *schema.AgentData:
			validateAgentData(d, path, ids, result)
		case *schema.OutputData:
			validateOutputBindings(d, path, ids, result)
		case *schema.UnknownData:
			result.AddWarning(path+".kind", schema.ErrCodeValidation,
				fmt.Sprintf("node %q has unrecognized kind %q and will be skipped", n.ID, d.Kind))
		case nil:
			result.AddError(path+".data", schema.ErrCodeValidation,
				fmt.Sprintf("node %q has no data", n.ID))
		}
	}
	return result
}

func validateInputParams(d *schema.InputData, path string, result *schema.ValidationResult) {
	names := make(map[string]bool, len(d.Params))
	for j, p := range d.Params {
		ppath := fmt.Sprintf("%s.data.params[%d]", path, j)
		if p.Name == "" {
			result.AddError(ppath+".name", schema.ErrCodeValidation, "input parameter name must not be empty")
			continue
		}
		if names[p.Name] {
			result.AddError(ppath+".name", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate input parameter %q", p.Name))
		}
		names[p.Name] = true
	}
}

func validateAgentData(d *schema.AgentData, path string, ids map[string]bool, result *schema.ValidationResult) {
	if d.AgentID == "" {
		result.AddWarning(path+".data.agent_id", schema.ErrCodeAgentNotConfigured,
			"agent node has no agent_id and will fail at run time")
	}
	for _, field := range slices.Sorted(maps.Keys(d.InputSources)) {
		src := d.InputSources[field]
		spath := fmt.Sprintf("%s.data.input_sources.%s", path, field)
		switch src.Type {
		case schema.InputSourceStatic:
		case schema.InputSourceNode:
			if src.NodeID == "" {
				result.AddError(spath+".node_id", schema.ErrCodeValidation,
					"node input source requires node_id")
			} else if !ids[src.NodeID] {
				result.AddWarning(spath+".node_id", schema.ErrCodeValidation,
					fmt.Sprintf("input source references unknown node %q", src.NodeID))
			}
		default:
			result.AddError(spath+".type", schema.ErrCodeValidation,
				fmt.Sprintf("input source type must be %q or %q, got %q",
					schema.InputSourceStatic, schema.InputSourceNode, src.Type))
		}
	}
}

func validateOutputBindings(d *schema.OutputData, path string, ids map[string]bool, result *schema.ValidationResult) {
	for j, b := range d.Outputs {
		bpath := fmt.Sprintf("%s.data.outputs[%d]", path, j)
		if b.Name == "" {
			result.AddError(bpath+".name", schema.ErrCodeValidation, "output name must not be empty")
		}
		if b.SourceNodeID != "" && !ids[b.SourceNodeID] {
			result.AddWarning(bpath+".source_node_id", schema.ErrCodeValidation,
				fmt.Sprintf("output references unknown node %q", b.SourceNodeID))
		}
	}
}
