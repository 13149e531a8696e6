package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "wallet_ledger"

// Metrics holds the service's Prometheus collectors. A nil *Metrics is valid and
// records nothing, which keeps tests and optional wiring simple.
type Metrics struct {
	operationsTotal      *prometheus.CounterVec
	operationDuration    *prometheus.HistogramVec
	operationsInFlight   prometheus.Gauge
	cacheRequestsTotal   *prometheus.CounterVec
	systemWalletsCreated prometheus.Counter
	rateLimitedTotal     prometheus.Counter
	eventsPublished      *prometheus.CounterVec
}

// New registers every collector with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		operationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Ledger operations partitioned by type and outcome.",
			},
			[]string{"operation", "outcome"},
		),
		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "operation_duration_seconds",
				Help:      "Wall time of ledger operations including lock waits.",
				Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"operation"},
		),
		operationsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "operations_in_flight",
				Help:      "Ledger operations currently executing.",
			},
		),
		cacheRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "requests_total",
				Help:      "Cache lookups partitioned by cache and result.",
			},
			[]string{"cache", "result"},
		),
		systemWalletsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "system_wallets_created_total",
				Help:      "System wallets created by bootstrap.",
			},
		),
		rateLimitedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "rate_limited_total",
				Help:      "Mutating requests rejected by the per-user rate limit.",
			},
		),
		eventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Ledger events handed to the notifier, by result.",
			},
			[]string{"result"},
		),
	}
}

// StartOperation marks an operation in flight and returns a function that records its
// outcome and duration.
func (m *Metrics) StartOperation(operation string) func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.operationsInFlight.Inc()
	return func(outcome string) {
		m.operationsInFlight.Dec()
		m.operationsTotal.WithLabelValues(operation, outcome).Inc()
		m.operationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) ObserveCache(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheRequestsTotal.WithLabelValues(cache, result).Inc()
}

func (m *Metrics) ObserveSystemWalletsCreated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.systemWalletsCreated.Add(float64(n))
}

func (m *Metrics) ObserveRateLimited() {
	if m == nil {
		return
	}
	m.rateLimitedTotal.Inc()
}

func (m *Metrics) ObserveEventPublished(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.eventsPublished.WithLabelValues("error").Inc()
		return
	}
	m.eventsPublished.WithLabelValues("ok").Inc()
}
