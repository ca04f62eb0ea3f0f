// Package metrics exposes Prometheus counters for session and elicitation
// activity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the instrument set on its own registry so tests can run
// isolated collectors side by side.
type Metrics struct {
	registry *prometheus.Registry

	SessionsCreated     prometheus.Counter
	SessionsEvicted     prometheus.Counter
	SessionsActive      prometheus.Gauge
	Elicitations        *prometheus.CounterVec // kind
	Resolutions         *prometheus.CounterVec // outcome
	ToolInvocations     *prometheus.CounterVec // tool, status
	InvocationDurations *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "elicit_sessions_created_total",
			Help: "Sessions created.",
		}),
		SessionsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "elicit_sessions_evicted_total",
			Help: "Sessions evicted after reaching a terminal state or going idle.",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "elicit_sessions_active",
			Help: "Sessions currently tracked by the registry.",
		}),
		Elicitations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "elicit_elicitations_total",
			Help: "Elicitations raised, by kind.",
		}, []string{"kind"}),
		Resolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "elicit_resolutions_total",
			Help: "Elicitation resolution attempts, by outcome.",
		}, []string{"outcome"}),
		ToolInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "elicit_tool_invocations_total",
			Help: "Tool invocations, by tool and final status.",
		}, []string{"tool", "status"}),
		InvocationDurations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "elicit_tool_invocation_duration_seconds",
			Help:    "Wall-clock tool invocation duration, suspensions included.",
			Buckets: []float64{0.01, 0.05, 0.25, 1, 5, 30, 120, 600},
		}, []string{"tool"}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Outcome labels for Resolutions.
const (
	OutcomeResolved        = "resolved"
	OutcomeAlreadyResolved = "already_resolved"
	OutcomeExpired         = "expired"
	OutcomeInvalidState    = "invalid_callback_state"
	OutcomeNotFound        = "not_found"
)
