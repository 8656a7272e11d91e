// Package metrics exposes Prometheus metrics for executions, the agent
// runtime, the job queue and the terminal gateway.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentexec"

// Metrics holds every collector. A nil *Metrics is valid and records nothing,
// so components can be built without a registry in tests.
type Metrics struct {
	registry *prometheus.Registry

	ExecutionTransitions *prometheus.CounterVec
	ExecutionDuration    *prometheus.HistogramVec

	JobsTotal   *prometheus.CounterVec
	JobDuration prometheus.Histogram

	AgentSignals    *prometheus.CounterVec
	AgentInterrupts *prometheus.CounterVec
	AgentProcesses  prometheus.Gauge

	TerminalViewers  prometheus.Gauge
	TerminalMessages *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates a registry with Go and process collectors plus the service
// metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		ExecutionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "transitions_total",
			Help:      "Execution status transitions by source and target status.",
		}, []string{"from", "to"}),
		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "duration_seconds",
			Help:      "Time from creation to a terminal status.",
			Buckets:   []float64{10, 30, 60, 300, 600, 1800, 3600, 7200},
		}, []string{"status"}),
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Processed queue jobs by result.",
		}, []string{"result"}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Time spent processing one job.",
			Buckets:   prometheus.DefBuckets,
		}),
		AgentSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runtime",
			Name:      "agent_signals_total",
			Help:      "Agent lifecycle signals bridged to the event bus.",
		}, []string{"signal"}),
		AgentInterrupts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runtime",
			Name:      "auto_interrupts_total",
			Help:      "Auto-interrupt outcomes for stalled tool calls.",
		}, []string{"outcome"}),
		AgentProcesses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runtime",
			Name:      "local_processes",
			Help:      "Live local agent processes.",
		}),
		TerminalViewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "viewers",
			Help:      "Connected terminal viewer sockets.",
		}),
		TerminalMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "messages_total",
			Help:      "Terminal gateway messages by direction and topology.",
		}, []string{"direction", "topology"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	registry.MustRegister(
		m.ExecutionTransitions, m.ExecutionDuration,
		m.JobsTotal, m.JobDuration,
		m.AgentSignals, m.AgentInterrupts, m.AgentProcesses,
		m.TerminalViewers, m.TerminalMessages,
		m.HTTPRequestsTotal, m.HTTPRequestDuration,
	)
	return m
}

// Handler serves the registry in the OpenMetrics format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics:   true,
		MaxRequestsInFlight: 10,
	})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.ExecutionTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveExecutionDone(status string, createdAt time.Time) {
	if m == nil {
		return
	}
	m.ExecutionDuration.WithLabelValues(status).Observe(time.Since(createdAt).Seconds())
}

func (m *Metrics) ObserveJob(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(result).Inc()
	m.JobDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveAgentSignal(signal string) {
	if m == nil {
		return
	}
	m.AgentSignals.WithLabelValues(signal).Inc()
}

func (m *Metrics) ObserveInterrupt(outcome string) {
	if m == nil {
		return
	}
	m.AgentInterrupts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetLocalProcesses(n int) {
	if m == nil {
		return
	}
	m.AgentProcesses.Set(float64(n))
}

func (m *Metrics) ViewerConnected() {
	if m == nil {
		return
	}
	m.TerminalViewers.Inc()
}

func (m *Metrics) ViewerDisconnected() {
	if m == nil {
		return
	}
	m.TerminalViewers.Dec()
}

func (m *Metrics) ObserveTerminalMessage(direction, topology string) {
	if m == nil {
		return
	}
	m.TerminalMessages.WithLabelValues(direction, topology).Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
