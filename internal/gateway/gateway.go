// Package gateway defines the contract between the engine and remote agent
// platforms, an HTTP implementation of it, and a wrapper that adds per-call
// timeouts, retries and per-agent circuit breaking.
package gateway

import (
	"context"

	"github.com/rendis/agentflow/pkg/schema"
)

// ChatRequest is one conversational turn sent to a chat-mode agent.
type ChatRequest struct {
	Query          string         `json:"query"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	UserID         string         `json:"user,omitempty"`
}

// ChatResponse is the blocking answer of a chat-mode agent.
type ChatResponse struct {
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	Raw            any    `json:"raw,omitempty"`
}

// WorkflowRequest is a single-shot invocation of a workflow-mode agent.
type WorkflowRequest struct {
	WorkflowID string         `json:"workflow_id,omitempty"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	UserID     string         `json:"user,omitempty"`
}

// WorkflowResponse carries the outputs of a workflow-mode agent.
type WorkflowResponse struct {
	RunID   string         `json:"run_id,omitempty"`
	Outputs map[string]any `json:"outputs,omitempty"`
	Raw     any            `json:"raw,omitempty"`
}

// Result is the tagged outcome of a gateway call. Err is set only when OK is false.
type Result[T any] struct {
	OK    bool
	Value T
	Err   *schema.EngineError
}

// Success wraps a successful value.
func Success[T any](v T) Result[T] {
	return Result[T]{OK: true, Value: v}
}

// Failure wraps a failed call.
func Failure[T any](err *schema.EngineError) Result[T] {
	return Result[T]{Err: err}
}

// Gateway talks to one remote agent.
type Gateway interface {
	ExecuteChat(ctx context.Context, req ChatRequest) Result[ChatResponse]
	ExecuteWorkflow(ctx context.Context, req WorkflowRequest) Result[WorkflowResponse]
}

// Factory builds the gateway serving a role.
type Factory interface {
	ForRole(role *schema.Role) (Gateway, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(role *schema.Role) (Gateway, error)

// ForRole calls f(role).
func (f FactoryFunc) ForRole(role *schema.Role) (Gateway, error) {
	return f(role)
}
