// Package metrics exposes Prometheus instrumentation for the run pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the platform's Prometheus collectors.
type Metrics struct {
	RunsStarted   prometheus.Counter
	RunsFinished  *prometheus.CounterVec
	ActiveRuns    prometheus.Gauge
	Iterations    prometheus.Counter
	ToolCalls     *prometheus.CounterVec
	ToolFailures  *prometheus.CounterVec
	CreditsUsed   prometheus.Counter
	Truncations   prometheus.Counter
	EventsEmitted *prometheus.CounterVec
	Incidents     *prometheus.CounterVec
}

// New registers the collectors on a registry and returns them. Pass
// prometheus.DefaultRegisterer outside tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "pairforge_runs_started_total",
			Help: "Agent runs admitted and started.",
		}),
		RunsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pairforge_runs_finished_total",
			Help: "Agent runs finished, by terminal status.",
		}, []string{"status"}),
		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pairforge_active_runs",
			Help: "Currently executing agent runs.",
		}),
		Iterations: factory.NewCounter(prometheus.CounterOpts{
			Name: "pairforge_iterations_total",
			Help: "Agent loop iterations executed.",
		}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pairforge_tool_calls_total",
			Help: "Tool calls dispatched, by tool name.",
		}, []string{"tool"}),
		ToolFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pairforge_tool_failures_total",
			Help: "Tool calls that returned an error marker, by tool name.",
		}, []string{"tool"}),
		CreditsUsed: factory.NewCounter(prometheus.CounterOpts{
			Name: "pairforge_credits_consumed_total",
			Help: "Credits consumed across all finished runs.",
		}),
		Truncations: factory.NewCounter(prometheus.CounterOpts{
			Name: "pairforge_result_truncations_total",
			Help: "Tool results truncated by the sanitizer.",
		}),
		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pairforge_stream_events_total",
			Help: "Stream events emitted, by type.",
		}, []string{"type"}),
		Incidents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pairforge_incidents_total",
			Help: "Soft-failure incidents raised, by kind.",
		}, []string{"kind"}),
	}
}
