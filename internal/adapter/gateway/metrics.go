package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"afo-engine/internal/domain"
)

// Metrics exposes engine counters in Prometheus format. Counters are fed
// from bus events so the engine itself stays unaware of them.
type Metrics struct {
	registry *prometheus.Registry

	workflowEvents *prometheus.CounterVec
	executions     *prometheus.CounterVec
	nodes          *prometheus.CounterVec
	active         prometheus.Gauge
	duration       prometheus.Histogram
	schedules      *prometheus.CounterVec

	unsub func()
}

// NewMetrics creates a registry with the engine collectors plus the Go
// runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		workflowEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "afo_workflow_events_total",
			Help: "Workflow definition changes by event.",
		}, []string{"event"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "afo_executions_total",
			Help: "Workflow executions by lifecycle status.",
		}, []string{"status"}),
		nodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "afo_node_executions_total",
			Help: "Executed nodes by node type.",
		}, []string{"node_type"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "afo_executions_active",
			Help: "Executions currently running.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "afo_execution_duration_seconds",
			Help:    "Wall time of completed executions.",
			Buckets: prometheus.DefBuckets,
		}),
		schedules: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "afo_schedule_fired_total",
			Help: "Scheduled runs fired by schedule name.",
		}, []string{"schedule"}),
	}
	m.registry.MustRegister(
		m.workflowEvents, m.executions, m.nodes, m.active, m.duration, m.schedules,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Attach subscribes the metrics to bus. Calling it again replaces the
// previous subscription.
func (m *Metrics) Attach(bus domain.EventBus) {
	if bus == nil {
		return
	}
	m.Detach()
	m.unsub = bus.SubscribeAll(m.observe)
}

// Detach stops consuming bus events.
func (m *Metrics) Detach() {
	if m.unsub != nil {
		m.unsub()
		m.unsub = nil
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) observe(_ context.Context, e domain.Event) {
	switch e.Type {
	case domain.EventWorkflowCreated, domain.EventWorkflowUpdated, domain.EventWorkflowDeleted:
		m.workflowEvents.WithLabelValues(string(e.Type)).Inc()

	case domain.EventExecutionStarted:
		m.executions.WithLabelValues("started").Inc()
		m.active.Inc()

	case domain.EventExecutionNode:
		var p domain.ExecutionEventPayload
		if json.Unmarshal(e.Payload, &p) == nil && p.NodeType != "" {
			m.nodes.WithLabelValues(string(p.NodeType)).Inc()
		}

	case domain.EventExecutionCompleted:
		m.executions.WithLabelValues(string(domain.ExecutionCompleted)).Inc()
		m.active.Dec()
		var p domain.ExecutionEventPayload
		if json.Unmarshal(e.Payload, &p) == nil && p.Duration > 0 {
			m.duration.Observe(p.Duration.Seconds())
		}

	case domain.EventExecutionFailed:
		m.executions.WithLabelValues(string(domain.ExecutionFailed)).Inc()
		m.active.Dec()

	case domain.EventExecutionCancelled:
		m.executions.WithLabelValues(string(domain.ExecutionCancelled)).Inc()
		m.active.Dec()

	case domain.EventScheduleFired:
		var p struct {
			Schedule string `json:"schedule"`
		}
		_ = json.Unmarshal(e.Payload, &p)
		m.schedules.WithLabelValues(p.Schedule).Inc()
	}
}
