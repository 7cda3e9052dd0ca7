// Package metrics exposes Prometheus collectors for the sync engine. All
// methods are safe on a nil *Metrics so components can run unobserved.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Connect kinds.
const (
	ConnectInitial   = "initial"
	ConnectReconnect = "reconnect"
)

// Metrics groups the collectors registered for one engine instance.
type Metrics struct {
	sessionsActive       prometheus.Gauge
	connects             *prometheus.CounterVec
	reconnectDelay       prometheus.Histogram
	sessionsClosed       *prometheus.CounterVec
	eventsReceived       prometheus.Counter
	eventsDropped        *prometheus.CounterVec
	flushes              prometheus.Counter
	flushEntities        prometheus.Histogram
	flushDuration        prometheus.Histogram
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDurations *prometheus.HistogramVec
}

// New builds the collectors and registers them with reg (the default
// registerer when nil).
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "judex_sessions_active",
			Help: "Stream sessions currently registered.",
		}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "judex_stream_connects_total",
			Help: "Stream connection attempts, labeled by kind (initial, reconnect).",
		}, []string{"kind"}),
		reconnectDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "judex_reconnect_delay_seconds",
			Help:    "Backoff scheduled before each reconnect.",
			Buckets: []float64{1, 2, 4, 6, 8, 16, 32},
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "judex_sessions_closed_total",
			Help: "Sessions removed from the registry, labeled by reason.",
		}, []string{"reason"}),
		eventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "judex_events_received_total",
			Help: "Frames received from event streams.",
		}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "judex_events_dropped_total",
			Help: "Frames discarded before reaching the view model, labeled by reason.",
		}, []string{"reason"}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "judex_flushes_total",
			Help: "Coalescer flush passes.",
		}),
		flushEntities: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "judex_flush_entities",
			Help:    "Entities patched per flush pass.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "judex_flush_duration_seconds",
			Help:    "Time spent applying one flush pass to every sink.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"}),
		httpRequestDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),
	}
	for _, c := range []prometheus.Collector{
		m.sessionsActive,
		m.connects,
		m.reconnectDelay,
		m.sessionsClosed,
		m.eventsReceived,
		m.eventsDropped,
		m.flushes,
		m.flushEntities,
		m.flushDuration,
		m.httpRequestsTotal,
		m.httpRequestDurations,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics collector: %w", err)
		}
	}
	return m, nil
}

// Handler returns an http.Handler exposing everything in g.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// SetSessionsActive records the registry size.
func (m *Metrics) SetSessionsActive(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

// ObserveConnect counts a connection attempt of the given kind.
func (m *Metrics) ObserveConnect(kind string) {
	if m == nil {
		return
	}
	m.connects.WithLabelValues(kind).Inc()
}

// ObserveReconnectScheduled records the backoff chosen for a reconnect.
func (m *Metrics) ObserveReconnectScheduled(delay time.Duration) {
	if m == nil {
		return
	}
	m.reconnectDelay.Observe(delay.Seconds())
}

// ObserveSessionClosed counts a session leaving the registry.
func (m *Metrics) ObserveSessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsClosed.WithLabelValues(reason).Inc()
}

// ObserveEventReceived counts one incoming frame.
func (m *Metrics) ObserveEventReceived() {
	if m == nil {
		return
	}
	m.eventsReceived.Inc()
}

// ObserveEventDropped counts a frame discarded for reason.
func (m *Metrics) ObserveEventDropped(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

// ObserveFlush implements progress.FlushObserver.
func (m *Metrics) ObserveFlush(entities int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.flushes.Inc()
	m.flushEntities.Observe(float64(entities))
	m.flushDuration.Observe(elapsed.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func (m *Metrics) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.httpRequestDurations.WithLabelValues(method, route).Observe(duration.Seconds())
}
