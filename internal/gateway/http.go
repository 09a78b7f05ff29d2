package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rendis/agentflow/pkg/schema"
)

const (
	chatPath     = "/chat-messages"
	workflowPath = "/workflows/run"

	responseModeBlocking = "blocking"
	maxResponseBytes     = 10 << 20
)

// HTTPGateway calls an agent platform over JSON/HTTP in blocking mode.
type HTTPGateway struct {
	baseURL    string
	apiKey     string
	workflowID string
	client     *http.Client
}

// NewHTTPGateway creates a gateway for cfg. A nil client uses http.DefaultClient.
func NewHTTPGateway(cfg schema.GatewayConfig, client *http.Client) *HTTPGateway {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPGateway{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		workflowID: cfg.WorkflowID,
		client:     client,
	}
}

type chatPayload struct {
	Query          string         `json:"query"`
	Inputs         map[string]any `json:"inputs"`
	User           string         `json:"user,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	ResponseMode   string         `json:"response_mode"`
}

type chatReply struct {
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

type workflowPayload struct {
	WorkflowID   string         `json:"workflow_id,omitempty"`
	Inputs       map[string]any `json:"inputs"`
	User         string         `json:"user,omitempty"`
	ResponseMode string         `json:"response_mode"`
}

type workflowReply struct {
	WorkflowRunID string `json:"workflow_run_id"`
	Data          struct {
		Status  string         `json:"status"`
		Outputs map[string]any `json:"outputs"`
		Error   string         `json:"error"`
	} `json:"data"`
}

// ExecuteChat posts a chat message and waits for the answer.
func (g *HTTPGateway) ExecuteChat(ctx context.Context, req ChatRequest) Result[ChatResponse] {
	inputs := req.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	raw, err := g.post(ctx, chatPath, chatPayload{
		Query:          req.Query,
		Inputs:         inputs,
		User:           req.UserID,
		ConversationID: req.ConversationID,
		ResponseMode:   responseModeBlocking,
	})
	if err != nil {
		return Failure[ChatResponse](err)
	}

	var reply chatReply
	if uerr := json.Unmarshal(raw, &reply); uerr != nil {
		return Failure[ChatResponse](decodeError(chatPath, uerr))
	}
	return Success(ChatResponse{
		Answer:         reply.Answer,
		ConversationID: reply.ConversationID,
		MessageID:      reply.MessageID,
		Raw:            rawJSON(raw),
	})
}

// ExecuteWorkflow runs the remote workflow and waits for its outputs. A
// remote run that reports failure is a failed result.
func (g *HTTPGateway) ExecuteWorkflow(ctx context.Context, req WorkflowRequest) Result[WorkflowResponse] {
	inputs := req.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	workflowID := req.WorkflowID
	if workflowID == "" {
		workflowID = g.workflowID
	}
	raw, err := g.post(ctx, workflowPath, workflowPayload{
		WorkflowID:   workflowID,
		Inputs:       inputs,
		User:         req.UserID,
		ResponseMode: responseModeBlocking,
	})
	if err != nil {
		return Failure[WorkflowResponse](err)
	}

	var reply workflowReply
	if uerr := json.Unmarshal(raw, &reply); uerr != nil {
		return Failure[WorkflowResponse](decodeError(workflowPath, uerr))
	}
	if reply.Data.Status == "failed" || reply.Data.Error != "" {
		msg := reply.Data.Error
		if msg == "" {
			msg = "remote workflow run failed"
		}
		return Failure[WorkflowResponse](schema.NewError(schema.ErrCodeGateway, msg).
			WithDetails(map[string]any{"run_id": reply.WorkflowRunID, "retryable": false}))
	}
	return Success(WorkflowResponse{
		RunID:   reply.WorkflowRunID,
		Outputs: reply.Data.Outputs,
		Raw:     rawJSON(raw),
	})
}

func (g *HTTPGateway) post(ctx context.Context, path string, payload any) ([]byte, *schema.EngineError) {
	if g.baseURL == "" {
		return nil, schema.NewError(schema.ErrCodeAgentNotConfigured, "gateway base URL is empty").
			WithDetails(map[string]any{"retryable": false})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeGateway, "encode request: %s", err.Error()).
			WithCause(err).WithDetails(map[string]any{"retryable": false})
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeGateway, "build request: %s", err.Error()).
			WithCause(err).WithDetails(map[string]any{"retryable": false})
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		code := schema.ErrCodeGateway
		if errors.Is(err, context.DeadlineExceeded) {
			code = schema.ErrCodeTimeout
		}
		return nil, schema.NewErrorf(code, "%s %s: %s", http.MethodPost, path, err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeGateway, "read response: %s", err.Error()).WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, schema.NewErrorf(schema.ErrCodeGateway, "%s %s: status %d: %s",
			http.MethodPost, path, resp.StatusCode, remoteMessage(raw)).
			WithDetails(map[string]any{
				"status":    resp.StatusCode,
				"retryable": retryableStatus(resp.StatusCode),
			})
	}
	return raw, nil
}

// remoteMessage extracts the platform's error message from a response body.
func remoteMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	text := strings.TrimSpace(string(raw))
	if len(text) > 256 {
		text = text[:256]
	}
	if text == "" {
		return "empty response"
	}
	return text
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func decodeError(path string, err error) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeGateway, "decode %s response: %s", path, err.Error()).
		WithCause(err).WithDetails(map[string]any{"retryable": false})
}

func rawJSON(raw []byte) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

var _ Gateway = (*HTTPGateway)(nil)
