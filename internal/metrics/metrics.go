// ABOUTME: Prometheus instrumentation for sessions, events, and login attempts
// ABOUTME: Implements the Recorder interfaces the registries accept

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process-wide collectors. One instance is constructed by
// the server and handed to the components that record into it.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive  prometheus.Gauge
	eventsPublished prometheus.Counter
	eventsDelivered prometheus.Counter
	eventsDropped   prometheus.Counter
	loginAttempts   *prometheus.CounterVec
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "console_sessions_active",
			Help: "Number of live workspace sessions.",
		}),
		eventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "console_events_published_total",
			Help: "Events accepted by the broadcaster.",
		}),
		eventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "console_events_delivered_total",
			Help: "Events delivered to transports.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "console_events_dropped_total",
			Help: "Events dropped on failed or slow transports.",
		}),
		loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "console_login_attempts_total",
			Help: "Login attempts by provider and terminal status.",
		}, []string{"provider", "status"}),
	}
	reg.MustRegister(m.sessionsActive, m.eventsPublished, m.eventsDelivered, m.eventsDropped, m.loginAttempts)
	return m
}

// Handler serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SessionOpened implements session.Recorder.
func (m *Metrics) SessionOpened() { m.sessionsActive.Inc() }

// SessionClosed implements session.Recorder.
func (m *Metrics) SessionClosed() { m.sessionsActive.Dec() }

// EventPublished implements events.Recorder.
func (m *Metrics) EventPublished() { m.eventsPublished.Inc() }

// EventDelivered implements events.Recorder.
func (m *Metrics) EventDelivered() { m.eventsDelivered.Inc() }

// EventDropped implements events.Recorder.
func (m *Metrics) EventDropped() { m.eventsDropped.Inc() }

// LoginAttempt counts one terminal login outcome.
func (m *Metrics) LoginAttempt(provider, status string) {
	m.loginAttempts.WithLabelValues(provider, status).Inc()
}
