// Package circuitbreaker implements a per-peer CLOSED/OPEN/HALF_OPEN
// breaker: one instance guards each coordinator→seller channel, tripping
// to OPEN after a run of consecutive failures and probing recovery
// through HALF_OPEN once its open timeout elapses. A generation counter
// keeps beforeRequest/afterRequest race-free across concurrent callers:
// an outcome is only counted if no state change superseded the call's
// admission.
package circuitbreaker

import (
	"sync"
	"time"

	apperrors "github.com/xiebiao/fulfillment/pkg/errors"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

// Config holds the breaker's three tuning parameters.
type Config struct {
	FailureThreshold uint32        // consecutive failures before CLOSED -> OPEN
	SuccessThreshold uint32        // consecutive successes before HALF_OPEN -> CLOSED
	OpenTimeout      time.Duration // how long OPEN lasts before a probe is allowed
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		OpenTimeout:      30 * time.Second,
	}
}

// CircuitBreaker guards calls to a single peer.
type CircuitBreaker struct {
	name string
	cfg  Config
	mu   sync.Mutex

	state               State
	generation          uint64
	consecutiveFailures uint32
	consecutiveSuccess  uint32
	openedAt            time.Time
	probeInFlight       bool

	onStateChange func(name string, from, to State)
}

func New(name string, cfg Config) *CircuitBreaker {
	return &CircuitBreaker{
		name:          name,
		cfg:           cfg,
		state:         StateClosed,
		onStateChange: func(string, State, State) {},
	}
}

func (cb *CircuitBreaker) SetStateChangeCallback(fn func(name string, from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if fn != nil {
		cb.onStateChange = fn
	}
}

// Execute runs req if the breaker currently permits a call, recording the
// outcome against the generation observed at admission time so a state
// change racing with req's completion can't corrupt the counters.
func (cb *CircuitBreaker) Execute(req func() error) error {
	generation, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	err = req()
	cb.afterRequest(generation, err == nil)
	return err
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.maybeTransitionOnTime(now)

	switch cb.state {
	case StateOpen:
		return cb.generation, apperrors.ErrBreakerOpen
	case StateHalfOpen:
		if cb.probeInFlight {
			return cb.generation, apperrors.ErrBreakerOpen
		}
		cb.probeInFlight = true
	}

	return cb.generation, nil
}

func (cb *CircuitBreaker) afterRequest(generation uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if generation != cb.generation {
		return // a state change superseded this call's admission
	}

	now := time.Now()
	if cb.state == StateHalfOpen {
		cb.probeInFlight = false
	}

	if success {
		cb.consecutiveFailures = 0
		cb.consecutiveSuccess++
		if cb.state == StateHalfOpen && cb.consecutiveSuccess >= cb.cfg.SuccessThreshold {
			cb.setState(StateClosed, now)
		}
		return
	}

	cb.consecutiveSuccess = 0
	cb.consecutiveFailures++

	switch cb.state {
	case StateClosed:
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

// maybeTransitionOnTime moves OPEN -> HALF_OPEN once OpenTimeout has
// elapsed since the breaker tripped; it does not itself admit a probe,
// beforeRequest's HALF_OPEN branch governs that.
func (cb *CircuitBreaker) maybeTransitionOnTime(now time.Time) {
	if cb.state == StateOpen && now.Sub(cb.openedAt) >= cb.cfg.OpenTimeout {
		cb.setState(StateHalfOpen, now)
	}
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.generation++
	cb.consecutiveFailures = 0
	cb.consecutiveSuccess = 0
	cb.probeInFlight = false

	if state == StateOpen {
		cb.openedAt = now
	}

	cb.onStateChange(cb.name, prev, state)
}

// State reports the breaker's current state, resolving an elapsed OPEN
// timeout into HALF_OPEN as a side effect, matching Execute's own check.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeTransitionOnTime(time.Now())
	return cb.state
}

// Name returns the identifier this breaker was constructed with (the peer
// it guards), exposed for metrics labeling.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}
