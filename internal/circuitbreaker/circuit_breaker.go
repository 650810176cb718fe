// Package circuitbreaker keeps optional dependencies (the Redis read cache)
// from adding latency to every request while they are down.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pnl-tracker/internal/logging"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed lets every call through
	StateClosed State = "closed"
	// StateOpen rejects calls until the cooldown elapses
	StateOpen State = "open"
	// StateHalfOpen lets a few probe calls through
	StateHalfOpen State = "half_open"
)

var (
	// ErrCircuitOpen is returned while the circuit is open
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned once the half-open probes are used up
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config configures a circuit breaker
type Config struct {
	Name             string
	MaxFailures      int           // consecutive failures that open the circuit; also the minimum sample for FailureThreshold
	FailureThreshold float64       // failure rate (0.0-1.0) that opens the circuit
	Timeout          time.Duration // cooldown before probing again
	HalfOpenMaxCalls int           // probes allowed, and successes needed to close
}

// DefaultConfig returns the settings used for the read cache
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		MaxFailures:      5,
		FailureThreshold: 0.5,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 2,
	}
}

// counts covers the calls seen since the last state change
type counts struct {
	calls       int
	failures    int
	successes   int
	consecutive int
}

func (c counts) failureRate() float64 {
	if c.calls == 0 {
		return 0
	}
	return float64(c.failures) / float64(c.calls)
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	counts      counts
	changedAt   time.Time
	lastFailure time.Time
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:       *config,
		state:     StateClosed,
		changedAt: time.Now(),
	}
}

// Execute runs fn unless the circuit rejects it.
// Cancellation by the caller says nothing about the dependency and is not recorded.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}

	cb.record(err)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.changedAt) <= cb.cfg.Timeout {
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen, "cooldown elapsed")
	case StateHalfOpen:
		if cb.counts.calls >= cb.cfg.HalfOpenMaxCalls {
			return ErrTooManyRequests
		}
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.counts.calls++
	if err == nil {
		cb.counts.successes++
		cb.counts.consecutive = 0
		if cb.state == StateHalfOpen && cb.counts.successes >= cb.cfg.HalfOpenMaxCalls {
			cb.transition(StateClosed, "probes succeeded")
		}
		return
	}

	cb.counts.failures++
	cb.counts.consecutive++
	cb.lastFailure = time.Now()

	switch {
	case cb.state == StateHalfOpen:
		cb.transition(StateOpen, "probe failed")
	case cb.state == StateClosed && cb.tripped():
		cb.transition(StateOpen, "failure threshold reached")
	}
}

// tripped must be called with mu held
func (cb *CircuitBreaker) tripped() bool {
	if cb.counts.consecutive >= cb.cfg.MaxFailures {
		return true
	}
	return cb.counts.calls >= cb.cfg.MaxFailures && cb.counts.failureRate() >= cb.cfg.FailureThreshold
}

// transition must be called with mu held; it starts a fresh count window
func (cb *CircuitBreaker) transition(to State, reason string) {
	logger := logging.WithFields(map[string]interface{}{
		"breaker":      cb.cfg.Name,
		"from":         string(cb.state),
		"to":           string(to),
		"reason":       reason,
		"failures":     cb.counts.failures,
		"calls":        cb.counts.calls,
		"failure_rate": cb.counts.failureRate(),
	})
	if to == StateOpen {
		logger.Warn("Circuit breaker opened")
	} else {
		logger.Info("Circuit breaker state changed")
	}

	cb.state = to
	cb.changedAt = time.Now()
	cb.counts = counts{}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is a snapshot of the breaker's current window
type Stats struct {
	Name             string    `json:"name"`
	State            State     `json:"state"`
	Failures         int       `json:"failures"`
	Successes        int       `json:"successes"`
	TotalCalls       int       `json:"total_calls"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	FailureRate      float64   `json:"failure_rate"`
	LastFailureTime  time.Time `json:"last_failure_time"`
	LastStateChange  time.Time `json:"last_state_change"`
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() *Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return &Stats{
		Name:             cb.cfg.Name,
		State:            cb.state,
		Failures:         cb.counts.failures,
		Successes:        cb.counts.successes,
		TotalCalls:       cb.counts.calls,
		ConsecutiveFails: cb.counts.consecutive,
		FailureRate:      cb.counts.failureRate(),
		LastFailureTime:  cb.lastFailure,
		LastStateChange:  cb.changedAt,
	}
}

// Reset closes the circuit and clears its counts
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed, "manual reset")
}
