package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus collectors for watch-notifier.
type Metrics struct {
	registry                 *prometheus.Registry
	cycleDurationSeconds     prometheus.Histogram
	cyclesTotal              *prometheus.CounterVec
	recipientsTotal          *prometheus.CounterVec
	deliveriesTotal          *prometheus.CounterVec
	storeErrorsTotal         prometheus.Counter
	pendingChanges           prometheus.Gauge
	lastSuccessfulCycleGauge prometheus.Gauge
}

// New initializes a Metrics registry with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		cycleDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "watch_notifier_cycle_duration_seconds",
			Help:    "Duration of notification cycles in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		cyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watch_notifier_cycles_total",
			Help: "Total notification cycles by status.",
		}, []string{"status"}),
		recipientsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watch_notifier_recipients_total",
			Help: "Total recipients considered by result.",
		}, []string{"result"}),
		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watch_notifier_deliveries_total",
			Help: "Total channel dispatch outcomes by channel, state and error category.",
		}, []string{"channel", "state", "category"}),
		storeErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watch_notifier_store_errors_total",
			Help: "Total store errors that aborted a cycle.",
		}),
		pendingChanges: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "watch_notifier_pending_changes",
			Help: "Change events claimed in the last poll.",
		}),
		lastSuccessfulCycleGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "watch_notifier_last_successful_cycle_timestamp",
			Help: "Unix timestamp of the last cycle that reached at least one recipient.",
		}),
	}

	registry.MustRegister(
		m.cycleDurationSeconds,
		m.cyclesTotal,
		m.recipientsTotal,
		m.deliveriesTotal,
		m.storeErrorsTotal,
		m.pendingChanges,
		m.lastSuccessfulCycleGauge,
	)

	return m
}

// Handler returns a Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCycleDuration records the duration of a completed cycle.
func (m *Metrics) ObserveCycleDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.cycleDurationSeconds.Observe(duration.Seconds())
}

// IncCycles increments the cycle counter for status.
func (m *Metrics) IncCycles(status string) {
	if m == nil {
		return
	}
	m.cyclesTotal.WithLabelValues(status).Inc()
}

// AddRecipients adds n to the recipient counter for result.
func (m *Metrics) AddRecipients(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recipientsTotal.WithLabelValues(result).Add(float64(n))
}

// IncDeliveries increments the dispatch outcome counter.
func (m *Metrics) IncDeliveries(channel, state, category string) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(channel, state, category).Inc()
}

// IncStoreErrors increments the store error counter.
func (m *Metrics) IncStoreErrors() {
	if m == nil {
		return
	}
	m.storeErrorsTotal.Inc()
}

// SetPendingChanges records the size of the last claimed batch.
func (m *Metrics) SetPendingChanges(n int) {
	if m == nil {
		return
	}
	m.pendingChanges.Set(float64(n))
}

// SetLastSuccessfulCycleTimestamp sets the last successful cycle time.
func (m *Metrics) SetLastSuccessfulCycleTimestamp(t time.Time) {
	if m == nil {
		return
	}
	m.lastSuccessfulCycleGauge.Set(float64(t.Unix()))
}
