package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Gate outcomes.
const (
	OutcomeAdmitted = "admitted"
	OutcomeLimited  = "limited"
	OutcomeBlocked  = "blocked"
	OutcomeError    = "error"
)

// Metrics holds the bouncer Prometheus collectors.
type Metrics struct {
	decisions     *prometheus.CounterVec
	degraded      *prometheus.CounterVec
	verifications *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. Passing a fresh
// prometheus.NewRegistry keeps tests isolated from the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bouncer",
			Name:      "gate_decisions_total",
			Help:      "Requests seen by the gate, by limiter and outcome.",
		}, []string{"limiter", "outcome"}),
		degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bouncer",
			Name:      "ratelimit_degraded_total",
			Help:      "Rate limit checks answered by the local fallback store.",
		}, []string{"limiter"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bouncer",
			Name:      "challenge_verifications_total",
			Help:      "Challenge verification results.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.decisions, m.degraded, m.verifications)
	return m
}

func (m *Metrics) GateDecision(limiter, outcome string) {
	m.decisions.WithLabelValues(limiter, outcome).Inc()
}

// Degraded matches ratelimit.DegradationHook.
func (m *Metrics) Degraded(limiter string, _ error) {
	m.degraded.WithLabelValues(limiter).Inc()
}

func (m *Metrics) ChallengeVerified(ok bool) {
	result := "rejected"
	if ok {
		result = "accepted"
	}
	m.verifications.WithLabelValues(result).Inc()
}
