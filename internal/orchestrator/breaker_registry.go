package orchestrator

import (
	"sync"

	"github.com/xiebiao/fulfillment/pkg/circuitbreaker"
	"github.com/xiebiao/fulfillment/pkg/metrics"
)

// breakerRegistry lazily constructs one circuitbreaker.CircuitBreaker per
// peer the orchestrator has ever talked to, since the seller population
// isn't known upfront; sellers connect to the router on their own
// schedule.
type breakerRegistry struct {
	cfg circuitbreaker.Config
	log func(peer string, from, to circuitbreaker.State)

	mu       sync.Mutex
	breakers map[string]*circuitbreaker.CircuitBreaker
}

func newBreakerRegistry(cfg circuitbreaker.Config, onChange func(peer string, from, to circuitbreaker.State)) *breakerRegistry {
	return &breakerRegistry{
		cfg:      cfg,
		log:      onChange,
		breakers: make(map[string]*circuitbreaker.CircuitBreaker),
	}
}

func (r *breakerRegistry) get(peer string) *circuitbreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[peer]; ok {
		return cb
	}
	cb := circuitbreaker.New(peer, r.cfg)
	cb.SetStateChangeCallback(r.log)
	r.breakers[peer] = cb
	return cb
}

func breakerStateValue(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.StateClosed:
		return 0
	case circuitbreaker.StateOpen:
		return 1
	case circuitbreaker.StateHalfOpen:
		return 2
	default:
		return -1
	}
}

func init() {
	// Guard against double-registration panics if a test constructs
	// multiple orchestrators sharing the default Prometheus registry.
	metrics.InitMetrics()
}
