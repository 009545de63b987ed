package reconciliation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/closzit/closzit-api/internal/pkg/metrics"
)

// Metrics exposes Prometheus collectors for reconciliation. A nil *Metrics is a no-op.
type Metrics struct {
	runs     *prometheus.CounterVec
	issues   prometheus.Counter
	fixed    prometheus.Counter
	duration prometheus.Histogram
}

// MustNewMetrics constructs Metrics against reg.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		runs: metrics.MustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "reconciliation",
			Name:      "runs_total",
			Help:      "Reconciliation passes, by result.",
		}, []string{"result"})),
		issues: metrics.MustRegister(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "reconciliation",
			Name:      "issues_total",
			Help:      "Issues detected by reconciliation.",
		})),
		fixed: metrics.MustRegister(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "reconciliation",
			Name:      "fixed_total",
			Help:      "Issues repaired by reconciliation.",
		})),
		duration: metrics.MustRegister(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "reconciliation",
			Name:      "duration_seconds",
			Help:      "Time spent in one reconciliation pass.",
			Buckets:   prometheus.DefBuckets,
		})),
	}
}

func (m *Metrics) observe(res *Result, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.Observe(d.Seconds())
	if err != nil {
		m.runs.WithLabelValues("error").Inc()
		return
	}
	m.runs.WithLabelValues("success").Inc()
	m.issues.Add(float64(res.Issues))
	m.fixed.Add(float64(res.Fixed))
}
