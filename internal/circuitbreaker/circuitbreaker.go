// Package circuitbreaker guards calls to a flaky upstream, such as an
// identity provider's key endpoint, so that a dead upstream fails fast.
//
//	CLOSED    --[failures >= threshold within window]--> OPEN
//	OPEN      --[cool-down elapsed]--------------------> HALF-OPEN
//	HALF-OPEN --[successes >= threshold]---------------> CLOSED
//	HALF-OPEN --[any failure]--------------------------> OPEN
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds circuit breaker configuration.
type Config struct {
	// FailureThreshold is the number of failures within Window that opens
	// the circuit (default: 5).
	FailureThreshold int

	// SuccessThreshold is the number of half-open successes needed to close
	// the circuit again (default: 1).
	SuccessThreshold int

	// Timeout is how long the circuit stays open (default: 30s).
	Timeout time.Duration

	// Window bounds failure counting (default: 60s).
	Window time.Duration

	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

// DefaultConfig returns the defaults used for key-set fetching.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
		Window:           60 * time.Second,
	}
}

// CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	config Config
	now    func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	openedAt    time.Time
	windowStart time.Time

	totalRequests atomic.Int64
	totalFailures atomic.Int64
	totalSuccess  atomic.Int64
	totalRejected atomic.Int64
}

// New creates a circuit breaker; zero fields take their defaults.
func New(config Config) *CircuitBreaker {
	def := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.Window <= 0 {
		config.Window = def.Window
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	return &CircuitBreaker{
		config:      config,
		now:         now,
		state:       StateClosed,
		windowStart: now(),
	}
}

// Allow reports whether a call may proceed. It returns ErrCircuitOpen while
// the circuit is open. Every allowed call must be followed by RecordResult.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests.Add(1)

	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.config.Timeout {
			cb.totalRejected.Add(1)
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.successes = 0
	}
	return nil
}

// RecordResult records the outcome of an allowed call. A nil err is a
// success.
func (cb *CircuitBreaker) RecordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()

	if err == nil {
		cb.totalSuccess.Add(1)
		switch cb.state {
		case StateHalfOpen:
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				cb.state = StateClosed
				cb.failures = 0
				cb.successes = 0
				cb.windowStart = now
			}
		case StateClosed:
			cb.failures = 0
		}
		return
	}

	cb.totalFailures.Add(1)
	switch cb.state {
	case StateHalfOpen:
		cb.trip(now)
	case StateClosed:
		if now.Sub(cb.windowStart) > cb.config.Window {
			cb.windowStart = now
			cb.failures = 0
		}
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.trip(now)
		}
	}
}

// trip opens the circuit. Must be called with mu held.
func (cb *CircuitBreaker) trip(now time.Time) {
	cb.state = StateOpen
	cb.openedAt = now
	cb.successes = 0
}

// Execute runs fn through the breaker. Context cancellation by the caller
// is not counted as an upstream failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		cb.RecordResult(nil)
		return err
	}
	cb.RecordResult(err)
	return err
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is a point-in-time view of the breaker.
type Stats struct {
	State         string `json:"state"`
	TotalRequests int64  `json:"total_requests"`
	TotalSuccess  int64  `json:"total_success"`
	TotalFailures int64  `json:"total_failures"`
	TotalRejected int64  `json:"total_rejected"`
}

func (cb *CircuitBreaker) Stats() Stats {
	return Stats{
		State:         cb.State().String(),
		TotalRequests: cb.totalRequests.Load(),
		TotalSuccess:  cb.totalSuccess.Load(),
		TotalFailures: cb.totalFailures.Load(),
		TotalRejected: cb.totalRejected.Load(),
	}
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.windowStart = cb.now()
}
