package client

import (
	"sync"
	"time"

	"github.com/nimbusforge/gpuorch/internal/metrics"
)

// breakerState is the circuit breaker's internal state.
type breakerState int

const (
	stateClosed breakerState = iota
	stateHalfOpen
	stateOpen
)

// circuitBreaker implements the CLOSED/OPEN/HALF_OPEN state machine of
// spec §4.3, one instance per logical endpoint. It has no third-party
// counterpart in the reference corpus (no gobreaker/hystrix dependency
// appears anywhere in it), so this is a small hand-rolled state machine
// instrumented through internal/metrics the same way the teacher
// instruments its Redfish retry loop.
type circuitBreaker struct {
	endpoint string

	threshold       int
	recoveryTimeout time.Duration

	mu              sync.Mutex
	state           breakerState
	consecutiveFail int
	openedAt        time.Time
}

func newCircuitBreaker(endpoint string, threshold int, recoveryTimeout time.Duration) *circuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 60 * time.Second
	}
	cb := &circuitBreaker{
		endpoint:        endpoint,
		threshold:       threshold,
		recoveryTimeout: recoveryTimeout,
		state:           stateClosed,
	}
	metrics.SetCircuitBreakerState(endpoint, int(stateClosed))
	return cb
}

// allow reports whether a request may proceed. Calling allow when it
// returns true implicitly consumes the single HALF_OPEN probe slot.
func (cb *circuitBreaker) allow(now time.Time) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if now.Sub(cb.openedAt) >= cb.recoveryTimeout {
			cb.state = stateHalfOpen
			metrics.SetCircuitBreakerState(cb.endpoint, int(stateHalfOpen))
			return true
		}
		return false
	case stateHalfOpen:
		// Only one probe in flight at a time; subsequent callers fail fast
		// until the probe resolves via onSuccess/onFailure.
		return false
	default:
		return true
	}
}

func (cb *circuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFail = 0
	if cb.state != stateClosed {
		cb.state = stateClosed
		metrics.SetCircuitBreakerState(cb.endpoint, int(stateClosed))
	}
}

func (cb *circuitBreaker) onFailure(now time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateHalfOpen:
		cb.trip(now)
	case stateClosed:
		cb.consecutiveFail++
		if cb.consecutiveFail >= cb.threshold {
			cb.trip(now)
		}
	case stateOpen:
		// already open; nothing to do
	}
}

// trip must be called with cb.mu held.
func (cb *circuitBreaker) trip(now time.Time) {
	cb.state = stateOpen
	cb.openedAt = now
	metrics.SetCircuitBreakerState(cb.endpoint, int(stateOpen))
	metrics.IncCircuitBreakerTrip(cb.endpoint)
}

func (cb *circuitBreaker) currentState() breakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
