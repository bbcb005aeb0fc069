package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"livethread/internal/model"
)

// Metrics holds the collectors for live delivery. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive   prometheus.Gauge
	EventsPublished  *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec
	ForcedReconnects prometheus.Counter
	SessionsEvicted  prometheus.Counter
	UnreadUpdates    prometheus.Counter
}

// New creates the collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livethread_sessions_active",
			Help: "Open live sessions",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livethread_events_published_total",
			Help: "Events enqueued to live sessions",
		}, []string{"kind"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livethread_events_dropped_total",
			Help: "Events dropped because a session queue was full",
		}, []string{"kind"}),
		ForcedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livethread_sessions_forced_reconnect_total",
			Help: "Sessions closed because a critical event did not fit their queue",
		}),
		SessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livethread_sessions_evicted_total",
			Help: "Sessions closed for missing heartbeats",
		}),
		UnreadUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livethread_unread_total_updates_total",
			Help: "Incremental unread total changes",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SessionsActive,
		m.EventsPublished,
		m.EventsDropped,
		m.ForcedReconnects,
		m.SessionsEvicted,
		m.UnreadUpdates,
	)
	return m
}

// Handler returns an http.Handler for Prometheus scraping
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.SessionsActive.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.SessionsActive.Dec()
	}
}

func (m *Metrics) Published(kind model.EventKind) {
	if m != nil {
		m.EventsPublished.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) Dropped(kind model.EventKind) {
	if m != nil {
		m.EventsDropped.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) ForcedReconnect() {
	if m != nil {
		m.ForcedReconnects.Inc()
	}
}

func (m *Metrics) Evicted() {
	if m != nil {
		m.SessionsEvicted.Inc()
	}
}

// UnreadChanged counts n incremental unread total updates
func (m *Metrics) UnreadChanged(n int) {
	if m != nil && n > 0 {
		m.UnreadUpdates.Add(float64(n))
	}
}
