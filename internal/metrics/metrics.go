package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of a sync process. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	StoreCalls     *prometheus.CounterVec
	StoreRetries   *prometheus.CounterVec
	StoreLatency   *prometheus.HistogramVec
	Passes         *prometheus.CounterVec
	PassDuration   prometheus.Histogram
	Records        *prometheus.CounterVec
	Compensations  prometheus.Counter
	HistoryFetches *prometheus.CounterVec
}

// New registers the collectors with registry.
//
// Metrics:
//   - dsync_store_calls_total{op,outcome}
//   - dsync_store_retries_total{op}
//   - dsync_store_call_duration_seconds{op}
//   - dsync_passes_total{status}
//   - dsync_pass_duration_seconds
//   - dsync_records_total{class}
//   - dsync_compensations_total
//   - dsync_history_fetches_total{outcome}
func New(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		StoreCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dsync_store_calls_total",
			Help: "Sheet store calls by operation and outcome",
		}, []string{"op", "outcome"}),
		StoreRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dsync_store_retries_total",
			Help: "Sheet store call retries by operation",
		}, []string{"op"}),
		StoreLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dsync_store_call_duration_seconds",
			Help:    "Sheet store call latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		Passes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dsync_passes_total",
			Help: "Reconciliation passes by final status",
		}, []string{"status"}),
		PassDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dsync_pass_duration_seconds",
			Help:    "Wall time of a reconciliation pass",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		Records: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dsync_records_total",
			Help: "Source records by reconciliation class",
		}, []string{"class"}),
		Compensations: factory.NewCounter(prometheus.CounterOpts{
			Name: "dsync_compensations_total",
			Help: "Partially created hierarchies rolled back",
		}),
		HistoryFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dsync_history_fetches_total",
			Help: "Status history lookups by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) StoreCall(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.StoreCalls.WithLabelValues(op, outcome).Inc()
	m.StoreLatency.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) StoreRetry(op string) {
	if m == nil {
		return
	}
	m.StoreRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) Pass(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Passes.WithLabelValues(status).Inc()
	m.PassDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordClass(class string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Records.WithLabelValues(class).Add(float64(n))
}

func (m *Metrics) Compensation() {
	if m == nil {
		return
	}
	m.Compensations.Inc()
}

func (m *Metrics) HistoryFetch(outcome string) {
	if m == nil {
		return
	}
	m.HistoryFetches.WithLabelValues(outcome).Inc()
}
