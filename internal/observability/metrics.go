// Package observability wires the ambient instrumentation: a Prometheus
// registry holding the engine's counters and histograms, and an optional
// OpenTelemetry tracer provider exporting over OTLP HTTP.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the process registry and the instruments the engine, the tool
// dispatcher and the model retry wrapper report into. It satisfies the
// engine's Observer and the dispatcher's Metrics interfaces.
type Metrics struct {
	registry *prometheus.Registry

	turnsStarted   *prometheus.CounterVec
	turnsCompleted *prometheus.CounterVec
	turnDuration   *prometheus.HistogramVec
	iterations     *prometheus.CounterVec
	toolExecutions *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec
	modelRetries   *prometheus.CounterVec
	streamDuration prometheus.Histogram
}

// NewMetrics builds a private registry so tests can create collectors freely
// without tripping duplicate-registration panics on the global one.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		turnsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "milo_turns_started_total",
			Help: "Turns started, by conversation mode.",
		}, []string{"mode"}),
		turnsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "milo_turns_completed_total",
			Help: "Turns completed, by conversation mode.",
		}, []string{"mode"}),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "milo_turn_duration_seconds",
			Help:    "Wall-clock duration of completed turns.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"mode"}),
		iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "milo_turn_iterations_total",
			Help: "Loop iterations consumed by completed turns.",
		}, []string{"mode"}),
		toolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "milo_tool_executions_total",
			Help: "Tool executions, by tool name and outcome.",
		}, []string{"tool", "status"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "milo_tool_duration_seconds",
			Help:    "Tool execution duration.",
			Buckets: []float64{.01, .05, .25, 1, 5, 15, 30, 60, 120},
		}, []string{"tool"}),
		modelRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "milo_model_retries_total",
			Help: "Model request retries, by error class.",
		}, []string{"class"}),
		streamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "milo_stream_duration_seconds",
			Help:    "Duration of turn streams forwarded over SSE.",
			Buckets: []float64{.5, 1, 2, 5, 10, 30, 60, 120, 600},
		}),
	}
	registry.MustRegister(
		m.turnsStarted, m.turnsCompleted, m.turnDuration, m.iterations,
		m.toolExecutions, m.toolDuration, m.modelRetries, m.streamDuration,
	)
	return m
}

// TurnStarted counts a turn entering the loop.
func (m *Metrics) TurnStarted(mode string) {
	m.turnsStarted.WithLabelValues(mode).Inc()
}

// TurnCompleted records a finished turn with its iteration spend.
func (m *Metrics) TurnCompleted(mode string, iterations int, duration time.Duration) {
	m.turnsCompleted.WithLabelValues(mode).Inc()
	m.iterations.WithLabelValues(mode).Add(float64(iterations))
	m.turnDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// ModelRetry counts one retry of a model request.
func (m *Metrics) ModelRetry(class string) {
	m.modelRetries.WithLabelValues(class).Inc()
}

// ToolExecuted records one tool dispatch.
func (m *Metrics) ToolExecuted(tool, status string, duration time.Duration) {
	m.toolExecutions.WithLabelValues(tool, status).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// StreamCompleted records the duration of one forwarded turn stream.
func (m *Metrics) StreamCompleted(duration time.Duration) {
	m.streamDuration.Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
