package resilience

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	retryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_retry_attempts_total",
		Help: "Retry attempts grouped by backoff strategy and outcome.",
	}, []string{"strategy", "outcome"})

	breakerTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_circuit_breaker_transitions_total",
		Help: "Circuit breaker state transitions.",
	}, []string{"name", "from", "to"})

	breakerRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_circuit_breaker_rejections_total",
		Help: "Requests rejected by an open circuit.",
	}, []string{"name"})
)

// ObserveRetryOutcome counts a finished retry loop.
func ObserveRetryOutcome(strategy Strategy, succeeded bool) {
	outcome := "success"
	if !succeeded {
		outcome = "failure"
	}
	retryAttemptsTotal.WithLabelValues(string(strategy), outcome).Inc()
}

// ObserveRejection counts a request turned away by an open breaker.
func ObserveRejection(name string) {
	breakerRejectionsTotal.WithLabelValues(name).Inc()
}

// InstrumentBreaker registers a state change listener that exports breaker
// transitions as prometheus counters.
func InstrumentBreaker(cb *CircuitBreaker) {
	cb.AddStateChangeListener(func(name string, from, to CircuitState) {
		breakerTransitionsTotal.WithLabelValues(name, from.String(), to.String()).Inc()
	})
}
