package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cardledger"

// Metrics holds the ledger collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	applyTotal    *prometheus.CounterVec
	applyDuration *prometheus.HistogramVec
	lockWait      prometheus.Histogram
	cardsIssued   prometheus.Counter
	eventsTotal   *prometheus.CounterVec
}

// New builds the collectors and registers them, with the Go and process
// collectors, on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		applyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "apply_total",
			Help:      "Card transaction intents by kind and outcome.",
		}, []string{"kind", "outcome"}),
		applyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "apply_duration_seconds",
			Help:      "Time to apply an intent, lock wait included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "card_lock_wait_seconds",
			Help:      "Time spent waiting for a card lock.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
		cardsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cards_issued_total",
			Help:      "Cards registered.",
		}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Ledger events delivered by sink and result.",
		}, []string{"sink", "result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.applyTotal, m.applyDuration, m.lockWait, m.cardsIssued, m.eventsTotal,
	)
	return m
}

// ObserveApply records one intent outcome.
func (m *Metrics) ObserveApply(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.applyTotal.WithLabelValues(kind, outcome).Inc()
	m.applyDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveLockWait records a lock acquisition wait.
func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

// CardIssued counts a registered card.
func (m *Metrics) CardIssued() {
	if m == nil {
		return
	}
	m.cardsIssued.Inc()
}

// ObserveEvent counts an event delivery attempt.
func (m *Metrics) ObserveEvent(sink string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.eventsTotal.WithLabelValues(sink, result).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
