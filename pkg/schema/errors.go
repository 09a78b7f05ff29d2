package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeCycleDetected        = "CYCLE_DETECTED"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeStore                = "STORE_ERROR"
	ErrCodeEngine               = "ENGINE_ERROR"
	ErrCodeTimeout              = "TIMEOUT_ERROR"
	ErrCodeInvalidTransition    = "INVALID_TRANSITION"
	ErrCodeMissingRequiredInput = "MISSING_REQUIRED_INPUT"
	ErrCodeAgentNotConfigured   = "AGENT_NOT_CONFIGURED"
	ErrCodeAgentNotFound        = "AGENT_NOT_FOUND"
	ErrCodeAgentDisabled        = "AGENT_DISABLED"
	ErrCodeGateway              = "GATEWAY_ERROR"
	ErrCodeCircuitOpen          = "CIRCUIT_OPEN"
	ErrCodeRetryExhausted       = "RETRY_EXHAUSTED"
	ErrCodeUpstreamFailed       = "UPSTREAM_FAILED"
	ErrCodeExpression           = "EXPRESSION_EVALUATION_ERROR"
)

// EngineError is the structured error type for all engine operations.
type EngineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the failure may succeed on a later attempt.
// Configuration and structural failures never do.
func (e *EngineError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeGateway, ErrCodeTimeout, ErrCodeStore:
		return true
	default:
		return false
	}
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *EngineError) WithNode(nodeID string) *EngineError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}

// AsEngineError returns err as an *EngineError, wrapping foreign errors under code.
func AsEngineError(err error, code string) *EngineError {
	if err == nil {
		return nil
	}
	if ee, ok := err.(*EngineError); ok {
		return ee
	}
	return NewError(code, err.Error()).WithCause(err)
}
