package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the hub's Prometheus collectors. One instance is built at
// startup and handed to the components that record into it; the registry is
// private so tests can build isolated instances without collector-name
// collisions.
type Metrics struct {
	registry *prometheus.Registry

	SessionsCreated     prometheus.Counter
	SessionsEnded       *prometheus.CounterVec
	JoyMoments          prometheus.Counter
	Celebrations        prometheus.Counter
	TelemetryEvents     *prometheus.CounterVec
	AdaptationEvents    *prometheus.CounterVec
	ConnectedComponents *prometheus.GaugeVec
}

// New builds and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "joybridge_sessions_created_total",
			Help: "Total learning sessions created",
		}),
		SessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "joybridge_sessions_ended_total",
			Help: "Total learning sessions ended, by reason",
		}, []string{"reason"}),
		JoyMoments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "joybridge_joy_moments_total",
			Help: "Total joy moments recorded",
		}),
		Celebrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "joybridge_celebrations_total",
			Help: "Total celebrations triggered",
		}),
		TelemetryEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "joybridge_telemetry_events_total",
			Help: "Telemetry envelopes ingested, by event type",
		}, []string{"type"}),
		AdaptationEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "joybridge_adaptation_events_total",
			Help: "Adaptation events, by trigger type and outcome",
		}, []string{"trigger", "outcome"}),
		ConnectedComponents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "joybridge_connected_components",
			Help: "Currently registered components, by type",
		}, []string{"type"}),
	}

	m.registry.MustRegister(
		m.SessionsCreated,
		m.SessionsEnded,
		m.JoyMoments,
		m.Celebrations,
		m.TelemetryEvents,
		m.AdaptationEvents,
		m.ConnectedComponents,
	)
	return m
}

// Handler exposes the /metrics endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
