package detection

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the detection engine. A nil
// *Metrics records nothing.
type Metrics struct {
	DetectionDuration prometheus.Histogram
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
	MCPsDetected      prometheus.Gauge
	SourceErrors      *prometheus.CounterVec
	BudgetExceeded    prometheus.Counter
}

// NewMetrics creates the detection collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DetectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentid_detection_duration_seconds",
			Help:    "Duration of uncached detection runs",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentid_detection_cache_hits_total",
			Help: "Total number of detections served from the cache",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentid_detection_cache_misses_total",
			Help: "Total number of detections that ran a full scan",
		}),
		MCPsDetected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentid_detection_mcps",
			Help: "Number of MCP servers found by the last scan",
		}),
		SourceErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentid_detection_source_errors_total",
			Help: "Total number of detection sources skipped because they failed",
		}, []string{"source"}),
		BudgetExceeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentid_detection_budget_exceeded_total",
			Help: "Total number of scans slower than the performance budget",
		}),
	}
}

func (m *Metrics) cacheHit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

func (m *Metrics) cacheMiss() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}

func (m *Metrics) sourceError(source string) {
	if m != nil {
		m.SourceErrors.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) budgetExceeded() {
	if m != nil {
		m.BudgetExceeded.Inc()
	}
}

func (m *Metrics) observe(d time.Duration, mcps int) {
	if m != nil {
		m.DetectionDuration.Observe(d.Seconds())
		m.MCPsDetected.Set(float64(mcps))
	}
}
