package outbox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/closzit/closzit-api/internal/pkg/metrics"
)

// Metrics exposes Prometheus collectors for outbox processing. A nil *Metrics is a no-op.
type Metrics struct {
	events        *prometheus.CounterVec
	batchDuration prometheus.Histogram
	skipped       prometheus.Counter
	queue         *prometheus.GaugeVec
}

// MustNewMetrics constructs Metrics against reg.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		events: metrics.MustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "outbox",
			Name:      "events_processed_total",
			Help:      "Outbox events dispatched, by type and result.",
		}, []string{"event_type", "result"})),
		batchDuration: metrics.MustRegister(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "outbox",
			Name:      "batch_duration_seconds",
			Help:      "Time spent processing one outbox batch.",
			Buckets:   prometheus.DefBuckets,
		})),
		skipped: metrics.MustRegister(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "outbox",
			Name:      "runs_skipped_total",
			Help:      "Processing runs skipped because another run held the lock.",
		})),
		queue: metrics.MustRegister(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "outbox",
			Name:      "events",
			Help:      "Outbox events by status as of the last stats query.",
		}, []string{"status"})),
	}
}

func (m *Metrics) observeEvent(t EventType, result string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(t), result).Inc()
}

func (m *Metrics) observeBatch(d time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.Observe(d.Seconds())
}

func (m *Metrics) observeSkip() {
	if m == nil {
		return
	}
	m.skipped.Inc()
}

func (m *Metrics) observeStats(s *Stats) {
	if m == nil || s == nil {
		return
	}
	m.queue.WithLabelValues(string(StatusPending)).Set(float64(s.Pending))
	m.queue.WithLabelValues(string(StatusProcessing)).Set(float64(s.Processing))
	m.queue.WithLabelValues(string(StatusCompleted)).Set(float64(s.Completed))
	m.queue.WithLabelValues(string(StatusFailed)).Set(float64(s.Failed))
}
