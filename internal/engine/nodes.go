package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/rendis/agentflow/internal/expressions"
	"github.com/rendis/agentflow/internal/gateway"
	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/pkg/schema"
)

// ResolvedInput is one workflow parameter as resolved by an input node.
type ResolvedInput struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
	Type  string `json:"type,omitempty"`
}

// OutputValue is one named value written by an output node.
type OutputValue struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// AgentOutput is the recorded output of an agent node.
type AgentOutput struct {
	Answer         string         `json:"answer,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	MessageID      string         `json:"message_id,omitempty"`
	Outputs        map[string]any `json:"outputs,omitempty"`
	Raw            any            `json:"raw,omitempty"`
}

// runNode executes a single node against rc. A nil error with skipped set
// means the node kind is not executable.
func (e *Executor) runNode(ctx context.Context, node schema.Node, rc *RunContext) (output any, skipped bool, err *schema.EngineError) {
	switch data := node.Data.(type) {
	case *schema.InputData:
		out, err := resolveInputs(data, rc)
		return out, false, err
	case *schema.AgentData:
		out, err := e.runAgent(ctx, data, rc)
		return out, false, err
	case *schema.OutputData:
		return writeOutputs(data, rc), false, nil
	default:
		logging.LogWith(ctx, e.logger).Info("skipping node of unknown kind", slog.String("kind", string(node.Kind)))
		return nil, true, nil
	}
}

// resolveInputs resolves each parameter from the workflow input, then from
// its default. A required parameter with neither is an error; an optional
// one resolves to nil.
func resolveInputs(data *schema.InputData, rc *RunContext) ([]ResolvedInput, *schema.EngineError) {
	resolved := make([]ResolvedInput, 0, len(data.Params))
	for _, p := range data.Params {
		value, ok := rc.InputValue(p.Name)
		if !ok || value == nil {
			value = expressions.DeepCopy(p.Default)
		}
		if value == nil && p.Required {
			return nil, schema.NewErrorf(schema.ErrCodeMissingRequiredInput,
				"missing required input %q", p.Name).
				WithDetails(map[string]any{"param": p.Name})
		}
		resolved = append(resolved, ResolvedInput{Name: p.Name, Value: value, Type: p.Type})
	}
	return resolved, nil
}

// runAgent resolves the node's role and calls its gateway.
func (e *Executor) runAgent(ctx context.Context, data *schema.AgentData, rc *RunContext) (*AgentOutput, *schema.EngineError) {
	if data.AgentID == "" {
		return nil, schema.NewError(schema.ErrCodeAgentNotConfigured, "agent node has no agent configured")
	}

	role, err := e.deps.Roles.GetRole(ctx, data.AgentID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "look up agent %q: %s", data.AgentID, err.Error()).
			WithCause(err)
	}
	if role == nil {
		return nil, schema.NewErrorf(schema.ErrCodeAgentNotFound, "agent %q not found", data.AgentID).
			WithDetails(map[string]any{"agent_id": data.AgentID})
	}
	if !role.Enabled {
		return nil, schema.NewErrorf(schema.ErrCodeAgentDisabled, "agent %q is disabled", data.AgentID).
			WithDetails(map[string]any{"agent_id": data.AgentID})
	}

	payload := buildPayload(data, rc)
	query, ok := payload["query"].(string)
	if !ok {
		query = rc.Query()
	}

	gw, err := e.deps.Gateways.ForRole(role)
	if err != nil {
		return nil, schema.AsEngineError(err, schema.ErrCodeGateway)
	}

	switch role.ConnectionMode {
	case schema.ConnectionModeChat, "":
		res := gw.ExecuteChat(ctx, gateway.ChatRequest{
			Query:          query,
			ConversationID: rc.ConversationID(),
			Inputs:         payload,
			UserID:         rc.UserID(),
		})
		if !res.OK {
			return nil, gatewayFailure(role.ID, res.Err)
		}
		if res.Value.ConversationID != "" {
			rc.SetConversationID(res.Value.ConversationID)
		}
		return &AgentOutput{
			Answer:         res.Value.Answer,
			ConversationID: res.Value.ConversationID,
			MessageID:      res.Value.MessageID,
			Raw:            res.Value.Raw,
		}, nil

	case schema.ConnectionModeWorkflow:
		if _, exists := payload["query"]; !exists && query != "" {
			payload["query"] = query
		}
		res := gw.ExecuteWorkflow(ctx, gateway.WorkflowRequest{
			WorkflowID: role.GatewayConfig.WorkflowID,
			Inputs:     payload,
			UserID:     rc.UserID(),
		})
		if !res.OK {
			return nil, gatewayFailure(role.ID, res.Err)
		}
		return &AgentOutput{
			Answer:  answerFromOutputs(res.Value.Outputs),
			Outputs: res.Value.Outputs,
			Raw:     res.Value.Raw,
		}, nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeAgentNotConfigured,
			"agent %q has unsupported connection mode %q", role.ID, role.ConnectionMode)
	}
}

// buildPayload merges, lowest priority first: the node's static inputs,
// the accumulated run context, then the node's input source bindings.
func buildPayload(data *schema.AgentData, rc *RunContext) map[string]any {
	payload := expressions.DeepCopyMap(data.Inputs)
	if payload == nil {
		payload = make(map[string]any)
	}
	for k, v := range rc.Accumulated() {
		payload[k] = v
	}
	for name, src := range data.InputSources {
		switch src.Type {
		case schema.InputSourceStatic:
			payload[name] = expressions.DeepCopy(src.Value)
		case schema.InputSourceNode:
			out, ok := rc.NodeOutput(src.NodeID)
			if !ok {
				payload[name] = nil
				continue
			}
			payload[name] = projectField(out, src.OutputField)
		}
	}
	return payload
}

// writeOutputs projects each binding from the recorded node outputs. A
// binding without a source node captures the whole run context.
func writeOutputs(data *schema.OutputData, rc *RunContext) []OutputValue {
	values := make([]OutputValue, 0, len(data.Outputs))
	for _, b := range data.Outputs {
		if b.Name == "" {
			continue
		}
		var value any
		if b.SourceNodeID == "" {
			value = rc.Snapshot()
		} else if out, ok := rc.NodeOutput(b.SourceNodeID); ok {
			value = projectField(out, b.Field)
		}
		rc.SetOutput(b.Name, value)
		values = append(values, OutputValue{Name: b.Name, Value: value})
	}
	return values
}

// gatewayFailure converts a failed gateway result into a GATEWAY_ERROR that
// keeps the gateway's message.
func gatewayFailure(roleID string, cause *schema.EngineError) *schema.EngineError {
	if cause == nil {
		return schema.NewErrorf(schema.ErrCodeGateway, "gateway call for agent %q failed", roleID).
			WithDetails(map[string]any{"agent_id": roleID})
	}
	return schema.NewError(schema.ErrCodeGateway, cause.Message).
		WithCause(cause).
		WithDetails(map[string]any{"agent_id": roleID, "cause_code": cause.Code})
}

// answerFromOutputs picks the text answer of a workflow-mode agent.
func answerFromOutputs(outputs map[string]any) string {
	for _, key := range []string{"answer", "text", "result", "output"} {
		if s, ok := outputs[key].(string); ok && s != "" {
			return s
		}
	}
	if len(outputs) == 0 {
		return ""
	}
	return textOf(outputs)
}

// textOf renders v as a message: strings unchanged, nil empty, anything
// else as JSON.
func textOf(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}
