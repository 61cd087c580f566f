// Package circuitbreaker guards calls to peers that keep failing.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the state of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Settings configures a breaker
type Settings struct {
	// MaxFailures is the number of consecutive failures that opens the circuit
	MaxFailures uint32
	// Cooldown is how long the circuit stays open before probing
	Cooldown time.Duration
	// HalfOpenMaxCalls is the number of probes allowed, and successes needed, while half-open
	HalfOpenMaxCalls uint32
	// OnStateChange is called outside the breaker lock after every transition
	OnStateChange func(name string, from, to State)
}

func (s Settings) normalized() Settings {
	if s.MaxFailures == 0 {
		s.MaxFailures = 1
	}
	if s.HalfOpenMaxCalls == 0 {
		s.HalfOpenMaxCalls = 1
	}
	return s
}

// CircuitBreaker implements the circuit breaker pattern for calls to one peer
type CircuitBreaker struct {
	name     string
	settings Settings
	now      func() time.Time

	mu              sync.Mutex
	state           State
	failures        uint32
	lastFailureTime time.Time
	halfOpenCalls   uint32
	successCount    uint32
	requestCount    uint32
	rejectedCount   uint32

	logger *logrus.Logger
}

// New creates a breaker with the given settings
func New(name string, settings Settings, logger *logrus.Logger) *CircuitBreaker {
	if logger == nil {
		logger = logrus.New()
	}
	return &CircuitBreaker{
		name:     name,
		settings: settings.normalized(),
		now:      time.Now,
		state:    StateClosed,
		logger:   logger,
	}
}

// Execute runs fn if the circuit allows it and records the outcome
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.Record(err)
	return err
}

// Allow reserves a call slot. It returns a *CircuitBreakerError when the call
// must be skipped. Every successful Allow must be followed by Record.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	from := cb.state
	cb.advanceLocked()
	to := cb.state

	allowed := false
	switch cb.state {
	case StateClosed:
		allowed = true
	case StateHalfOpen:
		if cb.halfOpenCalls < cb.settings.HalfOpenMaxCalls {
			cb.halfOpenCalls++
			allowed = true
		}
	}
	if allowed {
		cb.requestCount++
	} else {
		cb.rejectedCount++
	}
	state := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	if !allowed {
		return &CircuitBreakerError{Name: cb.name, State: state}
	}
	return nil
}

// Record reports the outcome of a call admitted by Allow
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	from := cb.state
	if err != nil {
		cb.onFailureLocked()
	} else {
		cb.onSuccessLocked()
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

// advanceLocked moves an open circuit to half-open once the cooldown passed
func (cb *CircuitBreaker) advanceLocked() {
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailureTime) >= cb.settings.Cooldown {
		cb.state = StateHalfOpen
		cb.halfOpenCalls = 0
		cb.successCount = 0
	}
}

func (cb *CircuitBreaker) onSuccessLocked() {
	switch cb.state {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.settings.HalfOpenMaxCalls {
			cb.resetLocked()
		}
	case StateClosed:
		cb.failures = 0
		cb.successCount++
	}
}

func (cb *CircuitBreaker) onFailureLocked() {
	cb.failures++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.settings.MaxFailures {
			cb.state = StateOpen
		}
	case StateHalfOpen:
		cb.state = StateOpen
	}
}

func (cb *CircuitBreaker) resetLocked() {
	cb.state = StateClosed
	cb.failures = 0
	cb.successCount = 0
	cb.halfOpenCalls = 0
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from == to {
		return
	}

	entry := cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.name,
		"from":            from.String(),
		"state":           to.String(),
	})
	switch to {
	case StateOpen:
		entry.Warn("Circuit breaker opened due to failures")
	case StateHalfOpen:
		entry.Info("Circuit breaker transitioned to half-open")
	case StateClosed:
		entry.Info("Circuit breaker closed after successful recovery")
	}

	if cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(cb.name, from, to)
	}
}

// GetState returns the current state, moving an expired open circuit to half-open
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	from := cb.state
	cb.advanceLocked()
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return to
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Name:            cb.name,
		State:           cb.state,
		Failures:        cb.failures,
		Requests:        cb.requestCount,
		Rejected:        cb.rejectedCount,
		Successes:       cb.successCount,
		LastFailureTime: cb.lastFailureTime,
	}
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name            string    `json:"name"`
	State           State     `json:"-"`
	Failures        uint32    `json:"failures"`
	Requests        uint32    `json:"requests"`
	Rejected        uint32    `json:"rejected"`
	Successes       uint32    `json:"successes"`
	LastFailureTime time.Time `json:"lastFailureTime"`
}

// CircuitBreakerError represents an error when the circuit breaker is open
type CircuitBreakerError struct {
	Name  string
	State State
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State)
}

// IsCircuitBreakerError checks if an error is, or wraps, a circuit breaker error
func IsCircuitBreakerError(err error) bool {
	var cbErr *CircuitBreakerError
	return errors.As(err, &cbErr)
}

// Group lazily creates one breaker per key, sharing settings
type Group struct {
	prefix   string
	settings Settings
	logger   *logrus.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewGroup creates a breaker group. Breakers are named "<prefix>:<key>".
func NewGroup(prefix string, settings Settings, logger *logrus.Logger) *Group {
	return &Group{
		prefix:   prefix,
		settings: settings,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for key, creating it on first use
func (g *Group) Get(key string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	cb, ok := g.breakers[key]
	if !ok {
		cb = New(g.prefix+":"+key, g.settings, g.logger)
		g.breakers[key] = cb
	}
	return cb
}

// Stats returns stats for every breaker, sorted by name
func (g *Group) Stats() []Stats {
	g.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(g.breakers))
	for _, cb := range g.breakers {
		breakers = append(breakers, cb)
	}
	g.mu.Unlock()

	stats := make([]Stats, 0, len(breakers))
	for _, cb := range breakers {
		stats = append(stats, cb.GetStats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}
