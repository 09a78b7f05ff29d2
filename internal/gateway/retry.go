package gateway

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/agentflow/pkg/schema"
)

// Backoff strategies accepted by RetryPolicy.
const (
	BackoffNone        = "none"
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// RetryPolicy bounds how often a failed gateway call is attempted again.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
	MaxDelay   time.Duration
	Backoff    string
}

// IsRetryableError classifies whether an error should be retried.
// Retryable by default: network errors, timeouts, context.DeadlineExceeded.
// Non-retryable: cancellation, and EngineErrors whose code or details say so.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Per-call deadline, not the caller's.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		if retryable, ok := engErr.Details["retryable"].(bool); ok {
			return retryable
		}
		return engErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Let the retry budget limit attempts.
	return true
}

// ComputeBackoff calculates the delay before the next retry attempt.
// Supports none, constant, linear, and exponential backoff with an optional MaxDelay cap.
func ComputeBackoff(policy RetryPolicy, attempt int) time.Duration {
	base := policy.Delay
	if base <= 0 {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case BackoffExponential:
		multiplier := time.Duration(1)
		for i := 0; i < attempt; i++ {
			multiplier *= 2
		}
		delay = base * multiplier
	case BackoffLinear:
		delay = base * time.Duration(attempt+1)
	default: // none, constant or empty
		delay = base
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
