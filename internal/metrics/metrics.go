package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the exchange's counters. A nil *Metrics is valid and
// records nothing, which keeps unit tests free of registry plumbing.
type Metrics struct {
	roundTransitions  *prometheus.CounterVec
	computeResults    *prometheus.CounterVec
	ledgerAppends     *prometheus.CounterVec
	ledgerVerifyFails prometheus.Counter
	rateLimited       *prometheus.CounterVec
	idempotentReplays *prometheus.CounterVec
}

// New registers the exchange metrics on registry
func New(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		roundTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "landx_round_transitions_total",
			Help: "round lifecycle transitions by operation",
		}, []string{"op", "workflow"}),
		computeResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "landx_compute_results_total",
			Help: "compute-once engine invocations by result kind and outcome",
		}, []string{"kind", "outcome"}),
		ledgerAppends: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "landx_ledger_appends_total",
			Help: "ledger entries appended by entry type",
		}, []string{"entry_type"}),
		ledgerVerifyFails: factory.NewCounter(prometheus.CounterOpts{
			Name: "landx_ledger_verify_failures_total",
			Help: "ledger chain verifications that detected a broken link",
		}),
		rateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "landx_rate_limited_total",
			Help: "requests rejected by the rate limiter",
		}, []string{"route"}),
		idempotentReplays: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "landx_idempotent_replays_total",
			Help: "requests answered from the idempotency cache",
		}, []string{"endpoint"}),
	}
}

func (m *Metrics) RoundTransition(op, workflow string) {
	if m == nil {
		return
	}
	m.roundTransitions.WithLabelValues(op, workflow).Inc()
}

// ComputeResult records whether an engine computed a new row or returned the stored one
func (m *Metrics) ComputeResult(kind, outcome string) {
	if m == nil {
		return
	}
	m.computeResults.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) LedgerAppend(entryType string) {
	if m == nil {
		return
	}
	m.ledgerAppends.WithLabelValues(entryType).Inc()
}

func (m *Metrics) LedgerVerifyFailure() {
	if m == nil {
		return
	}
	m.ledgerVerifyFails.Inc()
}

func (m *Metrics) RateLimited(route string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(route).Inc()
}

func (m *Metrics) IdempotentReplay(endpoint string) {
	if m == nil {
		return
	}
	m.idempotentReplays.WithLabelValues(endpoint).Inc()
}

const (
	OutcomeComputed = "computed"
	OutcomeExisting = "existing"
)
