package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rendis/agentflow/pkg/schema"
)

// CircuitState is the state of one role's breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures every breaker in a registry.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive upstream faults that
	// opens a role's breaker.
	FailureThreshold int
	// Cooldown is how long an open breaker rejects calls before letting
	// trial calls through.
	Cooldown time.Duration
	// HalfOpenMax caps concurrent trial calls while half-open.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns the default breaker settings.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// roleBreaker tracks one agent role. Guarded by mu.
type roleBreaker struct {
	mu       sync.Mutex
	state    CircuitState
	faults   int
	openedAt time.Time
	trials   int
}

// CircuitBreakerRegistry keeps one breaker per agent role and decides which
// failures count against it. Only upstream faults (transport errors,
// timeouts, 5xx responses) trip a breaker; configuration and client errors
// say nothing about the agent platform's health.
type CircuitBreakerRegistry struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu       sync.Mutex
	breakers map[string]*roleBreaker
}

// NewCircuitBreakerRegistry creates a registry. Non-positive settings fall
// back to the defaults.
func NewCircuitBreakerRegistry(cfg CircuitBreakerConfig) *CircuitBreakerRegistry {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = def.HalfOpenMax
	}
	return &CircuitBreakerRegistry{
		cfg:      cfg,
		now:      time.Now,
		breakers: make(map[string]*roleBreaker),
	}
}

// AllowRequest returns nil when a call to roleID may proceed and a
// CIRCUIT_OPEN error while its breaker rejects calls.
func (r *CircuitBreakerRegistry) AllowRequest(roleID string) error {
	b := r.breaker(roleID)
	b.mu.Lock()
	defer b.mu.Unlock()

	r.cool(b)
	switch b.state {
	case CircuitOpen:
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for agent %q after %d consecutive failures", roleID, b.faults).
			WithDetails(map[string]any{
				"agent_id":           roleID,
				"state":              b.state.String(),
				"cooldown_remaining": (r.cfg.Cooldown - r.now().Sub(b.openedAt)).String(),
				"retryable":          false,
			})
	case CircuitHalfOpen:
		if b.trials >= r.cfg.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for agent %q: trial call in flight", roleID).
				WithDetails(map[string]any{"agent_id": roleID, "state": b.state.String(), "retryable": false})
		}
		b.trials++
	}
	return nil
}

// RecordSuccess closes roleID's breaker.
func (r *CircuitBreakerRegistry) RecordSuccess(roleID string) {
	b := r.breaker(roleID)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = CircuitClosed
	b.faults = 0
	b.trials = 0
}

// RecordFailure records a failed call to roleID and returns the resulting
// state. Failures that TripsBreaker rejects leave the count untouched; a
// half-open trial that ends that way frees its slot.
func (r *CircuitBreakerRegistry) RecordFailure(roleID string, err error) CircuitState {
	b := r.breaker(roleID)
	b.mu.Lock()
	defer b.mu.Unlock()

	if !TripsBreaker(err) {
		if b.state == CircuitHalfOpen && b.trials > 0 {
			b.trials--
		}
		return b.state
	}

	b.faults++
	if b.state == CircuitHalfOpen || b.faults >= r.cfg.FailureThreshold {
		b.state = CircuitOpen
		b.openedAt = r.now()
		b.trials = 0
	}
	return b.state
}

// State returns roleID's current state.
func (r *CircuitBreakerRegistry) State(roleID string) CircuitState {
	b := r.breaker(roleID)
	b.mu.Lock()
	defer b.mu.Unlock()

	r.cool(b)
	return b.state
}

// Stats returns diagnostic information about roleID's breaker.
func (r *CircuitBreakerRegistry) Stats(roleID string) map[string]any {
	b := r.breaker(roleID)
	b.mu.Lock()
	defer b.mu.Unlock()

	return map[string]any{
		"agent_id":             roleID,
		"state":                b.state.String(),
		"consecutive_failures": b.faults,
		"failure_threshold":    r.cfg.FailureThreshold,
		"cooldown":             r.cfg.Cooldown.String(),
	}
}

// cool moves an open breaker whose cooldown elapsed to half-open. Callers
// hold b.mu.
func (r *CircuitBreakerRegistry) cool(b *roleBreaker) {
	if b.state == CircuitOpen && r.now().Sub(b.openedAt) >= r.cfg.Cooldown {
		b.state = CircuitHalfOpen
		b.trials = 0
	}
}

func (r *CircuitBreakerRegistry) breaker(roleID string) *roleBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[roleID]
	if !ok {
		b = &roleBreaker{}
		r.breakers[roleID] = b
	}
	return b
}

// TripsBreaker reports whether err is an upstream fault that should count
// against a role's breaker: a transport error, a timeout or a 5xx response.
// Caller cancellation, missing configuration, rejected requests (4xx) and
// GATEWAY_ERRORs marked non-retryable do not count.
func TripsBreaker(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var ee *schema.EngineError
	if !errors.As(err, &ee) {
		return true
	}
	switch ee.Code {
	case schema.ErrCodeTimeout:
		return true
	case schema.ErrCodeGateway:
		if status, ok := ee.Details["status"].(int); ok {
			return status >= http.StatusInternalServerError
		}
		if retryable, ok := ee.Details["retryable"].(bool); ok {
			return retryable
		}
		return true
	default:
		return false
	}
}
