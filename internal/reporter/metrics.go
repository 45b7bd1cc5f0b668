package reporter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts reported detection events by outcome. A nil *Metrics
// records nothing.
type Metrics struct {
	Events *prometheus.CounterVec
}

// NewMetrics creates the reporter collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Events: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentid_reporter_events_total",
			Help: "Total number of detection events by report outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) add(outcome string, n int) {
	if m != nil && n > 0 {
		m.Events.WithLabelValues(outcome).Add(float64(n))
	}
}

func (m *Metrics) sent(n int)       { m.add("sent", n) }
func (m *Metrics) suppressed(n int) { m.add("suppressed", n) }
func (m *Metrics) failed(n int)     { m.add("failed", n) }
