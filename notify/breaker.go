package notify

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// BreakerState represents the state of a circuit breaker
type BreakerState string

const (
	// BreakerClosed lets publishes through
	BreakerClosed BreakerState = "closed"
	// BreakerOpen rejects publishes until the timeout elapses
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen lets one probe through
	BreakerHalfOpen BreakerState = "half_open"
)

var (
	// ErrBreakerOpen is returned when a publisher's breaker is open
	ErrBreakerOpen = errors.New("circuit breaker is open")
	// ErrProbeInFlight is returned while a half-open breaker waits for its probe
	ErrProbeInFlight = errors.New("circuit breaker probe in flight")
)

// BreakerConfig holds configuration for a circuit breaker
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the breaker
	MaxFailures int
	// Timeout is how long the breaker stays open before allowing a probe
	Timeout time.Duration
}

// Validate checks the breaker configuration
func (c BreakerConfig) Validate() error {
	if c.MaxFailures < 1 {
		return errors.New("MaxFailures must be at least 1")
	}
	if c.Timeout <= 0 {
		return errors.New("Timeout must be greater than 0")
	}
	return nil
}

// CircuitBreaker stops calling a failing publisher until it has had time to recover
type CircuitBreaker struct {
	config   BreakerConfig
	clock    func() time.Time
	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(config BreakerConfig, clock func() time.Time) (*CircuitBreaker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker configuration: %w", err)
	}
	if clock == nil {
		clock = time.Now
	}
	return &CircuitBreaker{config: config, clock: clock, state: BreakerClosed}, nil
}

// Allow reports whether a call may proceed
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		if cb.clock().Sub(cb.openedAt) < cb.config.Timeout {
			return ErrBreakerOpen
		}
		cb.state = BreakerHalfOpen
		cb.probing = true
		return nil
	case BreakerHalfOpen:
		if cb.probing {
			return ErrProbeInFlight
		}
		cb.probing = true
		return nil
	default:
		return nil
	}
}

// Record reports the outcome of an allowed call and returns the state before and after
func (cb *CircuitBreaker) Record(err error) (oldState, newState BreakerState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState = cb.state
	cb.probing = false
	if err == nil {
		cb.state = BreakerClosed
		cb.failures = 0
		return oldState, cb.state
	}

	cb.failures++
	if cb.state == BreakerHalfOpen || cb.failures >= cb.config.MaxFailures {
		cb.state = BreakerOpen
		cb.openedAt = cb.clock()
	}
	return oldState, cb.state
}

// State returns the current state of the breaker
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
