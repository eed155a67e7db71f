// Package observability exports Prometheus metrics for chat streaming.
//
// Metrics implements usecase.Observer, so the chat services report lifecycle
// events to it directly. Nothing is registered globally; callers pass the
// registry they serve from.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "support_assistant"

type Metrics struct {
	StreamsTotal          *prometheus.CounterVec
	ActiveStreams         prometheus.Gauge
	StreamDuration        *prometheus.HistogramVec
	TimeToFirstDelta      prometheus.Histogram
	QuotaDenialsTotal     *prometheus.CounterVec
	PersistedTotal        prometheus.Counter
	PersistFailuresTotal  prometheus.Counter
	SkippedRecordsTotal   prometheus.Counter
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDurationMs *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// NewMetrics registers every metric on reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		StreamsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "finished_total",
			Help:      "Chat streams by terminal state.",
		}, []string{"state"}),
		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "active",
			Help:      "Chat streams currently running.",
		}),
		StreamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "duration_seconds",
			Help:      "Wall time from stream start to terminal state.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"state"}),
		TimeToFirstDelta: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "time_to_first_delta_seconds",
			Help:      "Latency until the first answer fragment reached the client.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
		}),
		QuotaDenialsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quota",
			Name:      "denials_total",
			Help:      "Chat requests refused by the daily quota.",
		}, []string{"tier"}),
		PersistedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "exchanges_persisted_total",
			Help:      "Exchanges written after a clean upstream end.",
		}),
		PersistFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "persist_failures_total",
			Help:      "Exchanges streamed to the client but not stored.",
		}),
		SkippedRecordsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "skipped_records_total",
			Help:      "Malformed upstream records dropped by the decoder.",
		}),
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		HTTPRequestDurationMs: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 12),
		}, []string{"route", "method"}),
		gatherer: reg,
	}
}

func (m *Metrics) StreamStarted() {
	m.ActiveStreams.Inc()
}

func (m *Metrics) StreamFinished(state string, elapsed time.Duration) {
	m.ActiveStreams.Dec()
	m.StreamsTotal.WithLabelValues(state).Inc()
	m.StreamDuration.WithLabelValues(state).Observe(elapsed.Seconds())
}

func (m *Metrics) FirstDelta(elapsed time.Duration) {
	m.TimeToFirstDelta.Observe(elapsed.Seconds())
}

func (m *Metrics) QuotaDenied(tier string) {
	m.QuotaDenialsTotal.WithLabelValues(tier).Inc()
}

func (m *Metrics) ExchangePersisted(string, string) {
	m.PersistedTotal.Inc()
}

func (m *Metrics) PersistFailed(string) {
	m.PersistFailuresTotal.Inc()
}

func (m *Metrics) RecordsSkipped(n int) {
	m.SkippedRecordsTotal.Add(float64(n))
}

// ObserveHTTP records one finished HTTP request.
func (m *Metrics) ObserveHTTP(route, method string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.HTTPRequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.HTTPRequestDurationMs.WithLabelValues(route, method).Observe(float64(elapsed.Milliseconds()))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
