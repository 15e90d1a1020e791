// Package metrics exposes Prometheus instrumentation for the saga
// orchestrator: saga outcomes, per-peer circuit breaker state, retry
// attempts, and the transport layer's connection/pending-request counts.
// All handles live in a package-level var block registered once through
// InitMetrics; callers go through the thin Inc/Set/Observe wrappers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// initialized guards against double registration with the default
	// Registry, which promauto.New* would otherwise panic on.
	initialized bool

	// SagaExecutionsTotal counts completed sagas by terminal outcome.
	// Labels: result (completed/cancelled/failed).
	SagaExecutionsTotal *prometheus.CounterVec

	// SagaExecutionDuration measures wall-clock time from saga start to
	// terminal state.
	SagaExecutionDuration prometheus.Histogram

	// SagaCompensationsTotal counts individual compensation actions run,
	// regardless of whether the compensation call itself succeeded.
	SagaCompensationsTotal prometheus.Counter

	// SagasInProgress is the number of non-terminal sagas currently
	// tracked by the orchestrator.
	SagasInProgress prometheus.Gauge

	// CircuitBreakerState reports each peer breaker's current state
	// (0=CLOSED, 1=OPEN, 2=HALF_OPEN). Labels: peer.
	CircuitBreakerState *prometheus.GaugeVec

	// CircuitBreakerRequestsTotal counts breaker-guarded calls. Labels:
	// peer, result (success/failure/rejected).
	CircuitBreakerRequestsTotal *prometheus.CounterVec

	// RetryAttemptsTotal counts every attempt retry.Do makes beyond the
	// first. Labels: operation (reserve/confirm/cancel).
	RetryAttemptsTotal *prometheus.CounterVec

	// RetryExhaustedTotal counts operations that ran out of attempts
	// without succeeding. Labels: operation.
	RetryExhaustedTotal *prometheus.CounterVec

	// TransportConnectedPeers is the number of seller connections
	// currently registered with the coordinator's Router.
	TransportConnectedPeers prometheus.Gauge

	// TransportPendingRequests is the current size of the Router's
	// correlation-ID wait table.
	TransportPendingRequests prometheus.Gauge

	// TransportRequestDuration measures round-trip time for a
	// SendRequest call, from send to response or timeout. Labels: peer,
	// kind (RESERVE/CONFIRM/CANCEL).
	TransportRequestDuration *prometheus.HistogramVec

	// TransportRequestsTotal counts transport round trips by outcome.
	// Labels: peer, kind, result (success/error/peer_error; a timeout
	// counts as error).
	TransportRequestsTotal *prometheus.CounterVec

	// SellerReservationsExpiredTotal is the cumulative count of
	// reservations reclaimed by a seller participant's expiry sweeper
	// (internal/seller.Participant.ExpiredCount).
	SellerReservationsExpiredTotal prometheus.Gauge
)

// InitMetrics registers every metric above with the default Registry.
// Safe to call more than once; only the first call has effect.
func InitMetrics() {
	if initialized {
		return
	}
	initialized = true

	SagaExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_executions_total",
			Help: "Sagas reaching a terminal state, by outcome",
		},
		[]string{"result"},
	)

	SagaExecutionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "saga_execution_duration_seconds",
			Help: "Saga wall-clock time from start to terminal state",
			// sagas span a reserve phase and a confirm phase across
			// several sellers, so buckets stretch well past a single
			// request's timeout.
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
		},
	)

	SagaCompensationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "saga_compensations_total",
			Help: "Compensation actions executed",
		},
	)

	SagasInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sagas_in_progress",
			Help: "Non-terminal sagas currently tracked",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Per-peer breaker state (0=CLOSED, 1=OPEN, 2=HALF_OPEN)",
		},
		[]string{"peer"},
	)

	CircuitBreakerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Breaker-guarded calls by outcome",
		},
		[]string{"peer", "result"},
	)

	RetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Attempts beyond the first made by the retry engine",
		},
		[]string{"operation"},
	)

	RetryExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_exhausted_total",
			Help: "Operations that ran out of retry attempts",
		},
		[]string{"operation"},
	)

	TransportConnectedPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "transport_connected_peers",
			Help: "Seller connections currently registered with the router",
		},
	)

	TransportPendingRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "transport_pending_requests",
			Help: "Outstanding correlation IDs awaiting a response",
		},
	)

	TransportRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transport_request_duration_seconds",
			Help:    "Round-trip time for a transport request",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10},
		},
		[]string{"peer", "kind"},
	)

	TransportRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transport_requests_total",
			Help: "Transport requests by outcome",
		},
		[]string{"peer", "kind", "result"},
	)

	SellerReservationsExpiredTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "seller_reservations_expired_total",
			Help: "Reservations reclaimed by the seller's expiry sweeper",
		},
	)
}

// IncCounter increments a plain Counter.
func IncCounter(counter prometheus.Counter) {
	counter.Inc()
}

// IncCounterVec increments one label combination of a CounterVec.
func IncCounterVec(counter *prometheus.CounterVec, labels map[string]string) {
	counter.With(labels).Inc()
}

// IncGauge increments a Gauge.
func IncGauge(gauge prometheus.Gauge) {
	gauge.Inc()
}

// DecGauge decrements a Gauge.
func DecGauge(gauge prometheus.Gauge) {
	gauge.Dec()
}

// SetGauge sets a Gauge to value.
func SetGauge(gauge prometheus.Gauge, value float64) {
	gauge.Set(value)
}

// SetGaugeVec sets one label combination of a GaugeVec to value.
func SetGaugeVec(gauge *prometheus.GaugeVec, labels map[string]string, value float64) {
	gauge.With(labels).Set(value)
}

// ObserveHistogram records an observation against a plain Histogram.
func ObserveHistogram(histogram prometheus.Histogram, value float64) {
	histogram.Observe(value)
}

// ObserveHistogramVec records an observation against one label
// combination of a HistogramVec.
func ObserveHistogramVec(histogram *prometheus.HistogramVec, labels map[string]string, value float64) {
	histogram.With(labels).Observe(value)
}
