// Package monitoring provides the ambient Prometheus counters for
// slashing-protection decisions, grounded on the teacher's
// validator/client/metrics.go promauto.NewCounterVec pattern.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	permittedVec = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slashing_protection",
			Name:      "permitted_total",
			Help:      "Count of sign requests the decision engine permitted, by kind.",
		},
		[]string{"kind"},
	)
	refusedVec = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slashing_protection",
			Name:      "refused_total",
			Help:      "Count of sign requests the decision engine refused, by kind and reason.",
		},
		[]string{"kind", "reason"},
	)
)

// Metrics implements engine.Metrics with Prometheus counters registered
// against the default registry via promauto.
type Metrics struct{}

// New returns a Metrics ready to be passed as engine.Config.Metrics.
func New() Metrics {
	return Metrics{}
}

// IncPermitted increments the permitted counter for the given decision kind
// ("block" or "attestation").
func (Metrics) IncPermitted(kind string) {
	permittedVec.WithLabelValues(kind).Inc()
}

// IncRefused increments the refused counter for the given decision kind and
// refusal reason ("slashable", "malformed", "storage_unavailable").
func (Metrics) IncRefused(kind, reason string) {
	refusedVec.WithLabelValues(kind, reason).Inc()
}
