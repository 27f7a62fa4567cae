// Package resilience provides the failure-handling primitives used around
// the voice backend: a circuit breaker for the HTTP control endpoints and an
// exponential backoff for session setup retries.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota
	// StateOpen rejects calls until the reset timeout has passed.
	StateOpen
	// StateHalfOpen admits a limited number of probes. A failed probe opens
	// the breaker again.
	StateHalfOpen
)

var stateNames = [...]string{
	StateClosed:   "closed",
	StateOpen:     "open",
	StateHalfOpen: "half-open",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero values select the
// defaults noted per field.
type CircuitBreakerConfig struct {
	// Name labels log lines.
	Name string

	// MaxFailures consecutive failures open a closed breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is the time spent open before probing. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax successful probes close the breaker. Default: 1.
	HalfOpenMax int

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(from, to State)

	// Now overrides the clock. Default: time.Now.
	Now func() time.Time
}

// CircuitBreaker is a closed/open/half-open breaker around calls to one
// dependency.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int       // consecutive failures while closed
	openedAt time.Time // time of the failure that opened the breaker
	inFlight int       // probes admitted in the current half-open round
	passed   int       // successful probes in the current half-open round
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// transition is a state change to report once the lock is released.
type transition struct{ from, to State }

func (cb *CircuitBreaker) report(t transition) {
	if t.from == t.to {
		return
	}
	slog.Info("circuit breaker state changed",
		"name", cb.cfg.Name,
		"from", t.from.String(),
		"to", t.to.String(),
	)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(t.from, t.to)
	}
}

// setLocked moves to s and returns the transition. cb.mu must be held.
func (cb *CircuitBreaker) setLocked(s State) transition {
	t := transition{cb.state, s}
	cb.state = s
	switch s {
	case StateClosed:
		cb.failures, cb.inFlight, cb.passed = 0, 0, 0
	case StateOpen:
		cb.openedAt = cb.cfg.Now()
	case StateHalfOpen:
		cb.inFlight, cb.passed = 0, 0
	}
	return t
}

func (cb *CircuitBreaker) coolingLocked() bool {
	return cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout
}

// admit decides whether a call may run. probe reports whether the call is a
// half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	var t transition
	if cb.state == StateOpen {
		if cb.coolingLocked() {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		t = cb.setLocked(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.inFlight >= cb.cfg.HalfOpenMax {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.inFlight++
		probe = true
	}
	cb.mu.Unlock()
	cb.report(t)
	return probe, nil
}

// settle records the outcome of an admitted call.
func (cb *CircuitBreaker) settle(ctx context.Context, probe bool, err error) {
	cb.mu.Lock()
	t := transition{cb.state, cb.state}
	switch {
	case err == nil && probe:
		cb.passed++
		if cb.passed >= cb.cfg.HalfOpenMax {
			t = cb.setLocked(StateClosed)
		}
	case err == nil:
		cb.failures = 0
	case ctx.Err() != nil:
		// The caller gave up. The call says nothing about the dependency.
		if probe {
			cb.inFlight--
		}
	case probe:
		t = cb.setLocked(StateOpen)
	default:
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			t = cb.setLocked(StateOpen)
			slog.Warn("circuit breaker opened", "name", cb.cfg.Name, "consecutive_failures", cb.failures)
		}
	}
	cb.mu.Unlock()
	cb.report(t)
}

// Execute runs fn unless the breaker rejects the call with
// [ErrCircuitOpen]. Failures caused by ctx ending are returned but not
// counted.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn(ctx)
	cb.settle(ctx, probe, err)
	return err
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the switch itself happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && !cb.coolingLocked() {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	t := cb.setLocked(StateClosed)
	cb.mu.Unlock()
	cb.report(t)
}
