package agents

import (
	"sync"
	"time"

	"github.com/rendis/conductor/pkg/schema"
)

// CircuitState represents the state of an agent's circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // agent accepts work
	CircuitOpen                         // agent hidden from dispatch
	CircuitHalfOpen                     // one trial task allowed
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

// CircuitBreakerConfig configures per-agent circuit breakers.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// Cooldown is how long an open circuit hides the agent.
	Cooldown time.Duration
	// HalfOpenMax is the number of trial binds allowed once the cooldown elapsed.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns the defaults used by the pool.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
}

// CircuitBreakers tracks one breaker per agent id.
type CircuitBreakers struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakers creates a breaker set with the given config.
func NewCircuitBreakers(config CircuitBreakerConfig) *CircuitBreakers {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakers{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow reports whether a task may be bound to the agent. Returns an
// AGENT_UNAVAILABLE error while the circuit is open.
func (r *CircuitBreakers) Allow(agentID string) error {
	cb := r.get(agentID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailureTime)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this bind is the first trial bind
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeAgentUnavailable,
			"circuit open for agent %q after %d consecutive failures", agentID, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"agent_id":             agentID,
				"consecutive_failures": cb.consecutiveFailures,
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})
	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeAgentUnavailable,
				"circuit half-open for agent %q: trial bind already in flight", agentID)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the agent's circuit.
func (r *CircuitBreakers) RecordSuccess(agentID string) {
	cb := r.get(agentID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failure and returns the resulting state. Any failure
// while half-open reopens the circuit.
func (r *CircuitBreakers) RecordFailure(agentID string) CircuitState {
	cb := r.get(agentID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = r.now()

	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// State returns the current state, moving an open circuit to half-open once
// its cooldown has elapsed.
func (r *CircuitBreakers) State(agentID string) CircuitState {
	cb := r.get(agentID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailureTime) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

// Forget drops the breaker of a removed agent.
func (r *CircuitBreakers) Forget(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, agentID)
}

func (r *CircuitBreakers) get(agentID string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[agentID]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[agentID] = cb
	}
	return cb
}
