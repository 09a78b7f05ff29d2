package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/pkg/schema"
)

// Policy bounds every call made through a ResilientGateway.
type Policy struct {
	// Timeout applies to each attempt. Zero means no per-call deadline.
	Timeout time.Duration
	Retry   RetryPolicy
}

// DefaultPolicy returns a 60s per-call timeout with two exponential retries.
func DefaultPolicy() Policy {
	return Policy{
		Timeout: 60 * time.Second,
		Retry: RetryPolicy{
			MaxRetries: 2,
			Delay:      500 * time.Millisecond,
			MaxDelay:   5 * time.Second,
			Backoff:    BackoffExponential,
		},
	}
}

// ResilientGateway wraps a Gateway with a per-call timeout, a fixed retry
// budget and the circuit breaker of its agent role.
type ResilientGateway struct {
	inner    Gateway
	key      string
	policy   Policy
	breakers *CircuitBreakerRegistry
	logger   *slog.Logger
}

// NewResilientGateway wraps inner. key names the breaker, normally the role ID.
// A nil breakers registry disables circuit breaking.
func NewResilientGateway(inner Gateway, key string, policy Policy, breakers *CircuitBreakerRegistry, logger *slog.Logger) *ResilientGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResilientGateway{
		inner:    inner,
		key:      key,
		policy:   policy,
		breakers: breakers,
		logger:   logger,
	}
}

// ExecuteChat calls the wrapped gateway's ExecuteChat under the policy.
func (g *ResilientGateway) ExecuteChat(ctx context.Context, req ChatRequest) Result[ChatResponse] {
	return call(ctx, g, "chat", func(ctx context.Context) Result[ChatResponse] {
		return g.inner.ExecuteChat(ctx, req)
	})
}

// ExecuteWorkflow calls the wrapped gateway's ExecuteWorkflow under the policy.
func (g *ResilientGateway) ExecuteWorkflow(ctx context.Context, req WorkflowRequest) Result[WorkflowResponse] {
	return call(ctx, g, "workflow", func(ctx context.Context) Result[WorkflowResponse] {
		return g.inner.ExecuteWorkflow(ctx, req)
	})
}

func call[T any](ctx context.Context, g *ResilientGateway, op string, fn func(context.Context) Result[T]) Result[T] {
	log := logging.LogWith(ctx, g.logger)
	maxAttempts := g.policy.Retry.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var last *schema.EngineError
	for try := 0; try < maxAttempts; try++ {
		if g.breakers != nil {
			if err := g.breakers.AllowRequest(g.key); err != nil {
				return Failure[T](schema.AsEngineError(err, schema.ErrCodeCircuitOpen))
			}
		}

		res := attempt(ctx, g.policy.Timeout, fn)
		if res.OK {
			if g.breakers != nil {
				g.breakers.RecordSuccess(g.key)
			}
			return res
		}

		last = res.Err
		if last == nil {
			last = schema.NewError(schema.ErrCodeGateway, "gateway returned a failed result without an error")
		}
		if g.breakers != nil {
			if state := g.breakers.RecordFailure(g.key, last); state == CircuitOpen {
				log.Warn("gateway circuit opened", slog.String("agent_id", g.key), slog.String("op", op))
			}
		}

		if ctx.Err() != nil || !IsRetryableError(last) || try == maxAttempts-1 {
			break
		}

		delay := ComputeBackoff(g.policy.Retry, try)
		log.Debug("retrying gateway call",
			slog.String("agent_id", g.key),
			slog.String("op", op),
			slog.Int("attempt", try+1),
			slog.Duration("delay", delay),
			slog.String("error", last.Error()),
		)
		if err := WaitForBackoff(ctx, delay); err != nil {
			break
		}
	}

	if maxAttempts > 1 && IsRetryableError(last) && ctx.Err() == nil {
		return Failure[T](schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"gateway call failed after %d attempts: %s", maxAttempts, last.Message).
			WithCause(last).
			WithDetails(map[string]any{"agent_id": g.key, "attempts": maxAttempts}))
	}
	return Failure[T](last)
}

// attempt runs fn under the per-call timeout. A failure caused by that
// timeout is reported as TIMEOUT_ERROR.
func attempt[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) Result[T]) Result[T] {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res := fn(callCtx)
	if !res.OK && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		msg := "gateway call timed out after " + timeout.String()
		if res.Err != nil && res.Err.Code != schema.ErrCodeTimeout {
			return Failure[T](schema.NewError(schema.ErrCodeTimeout, msg).WithCause(res.Err))
		}
		if res.Err == nil {
			return Failure[T](schema.NewError(schema.ErrCodeTimeout, msg))
		}
	}
	return res
}

// HTTPFactory builds resilient HTTP gateways for roles. Breakers are shared
// across every gateway the factory returns.
type HTTPFactory struct {
	client   *http.Client
	policy   Policy
	breakers *CircuitBreakerRegistry
	logger   *slog.Logger
}

// NewHTTPFactory creates a factory. A nil client uses http.DefaultClient.
func NewHTTPFactory(client *http.Client, policy Policy, breakers *CircuitBreakerRegistry, logger *slog.Logger) *HTTPFactory {
	return &HTTPFactory{client: client, policy: policy, breakers: breakers, logger: logger}
}

// ForRole returns the gateway for role. The role's own timeout, when set,
// replaces the factory default.
func (f *HTTPFactory) ForRole(role *schema.Role) (Gateway, error) {
	if role == nil {
		return nil, schema.NewError(schema.ErrCodeAgentNotFound, "role is nil")
	}
	if role.GatewayConfig.BaseURL == "" {
		return nil, schema.NewErrorf(schema.ErrCodeAgentNotConfigured,
			"agent %q has no gateway base URL", role.ID)
	}

	policy := f.policy
	if role.GatewayConfig.Timeout != "" {
		d, err := time.ParseDuration(role.GatewayConfig.Timeout)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeAgentNotConfigured,
				"agent %q has invalid gateway timeout %q", role.ID, role.GatewayConfig.Timeout).WithCause(err)
		}
		policy.Timeout = d
	}

	inner := NewHTTPGateway(role.GatewayConfig, f.client)
	return NewResilientGateway(inner, role.ID, policy, f.breakers, f.logger), nil
}

var (
	_ Gateway = (*ResilientGateway)(nil)
	_ Factory = (*HTTPFactory)(nil)
)
