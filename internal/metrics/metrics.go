// Package metrics exposes Prometheus collectors for the inference engine, the
// agent loop and tool execution.
//
// Collectors register on an injected Registerer so tests and embedders can use
// an isolated registry:
//
//	reg := prometheus.NewRegistry()
//	m := metrics.New(reg)
//	engine := inference.New(backend, inference.Options{Observer: m})
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors holds every localclaw metric.
type Collectors struct {
	// Queue is the number of generation requests waiting for the worker.
	Queue prometheus.Gauge

	// GenerationDuration measures generations from dequeue to terminal message.
	// Buckets: 0.1s .. 120s
	GenerationDuration prometheus.Histogram

	// Generations counts finished generations.
	// Labels: status (ok|error|cancelled)
	Generations *prometheus.CounterVec

	// Tokens counts streamed tokens.
	Tokens prometheus.Counter

	// ToolExecutions counts tool dispatches.
	// Labels: tool, status (ok|error|denied|timeout)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// LoopOutcomes counts finished agent loops.
	// Labels: kind (success|failure|cancelled), reason
	LoopOutcomes *prometheus.CounterVec

	// Approvals counts user decisions on approval requests.
	// Labels: decision (approve|always_allow|deny|timeout)
	Approvals *prometheus.CounterVec

	// ActiveLoops is the number of loops currently running.
	ActiveLoops prometheus.Gauge
}

// New creates the collectors and registers them on reg.
// A nil reg registers nothing, which is useful for throwaway instances.
func New(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		Queue: f.NewGauge(prometheus.GaugeOpts{
			Name: "localclaw_engine_queue_depth",
			Help: "Generation requests queued for the inference worker",
		}),
		GenerationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "localclaw_generation_duration_seconds",
			Help:    "Duration of generations in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		Generations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "localclaw_generations_total",
			Help: "Finished generations by status",
		}, []string{"status"}),
		Tokens: f.NewCounter(prometheus.CounterOpts{
			Name: "localclaw_tokens_streamed_total",
			Help: "Tokens streamed to agent loops",
		}),
		ToolExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "localclaw_tool_executions_total",
			Help: "Tool executions by tool and status",
		}, []string{"tool", "status"}),
		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "localclaw_tool_duration_seconds",
			Help:    "Duration of tool executions in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		LoopOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "localclaw_loop_outcomes_total",
			Help: "Finished agent loops by outcome kind and failure reason",
		}, []string{"kind", "reason"}),
		Approvals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "localclaw_approvals_total",
			Help: "Approval requests by decision",
		}, []string{"decision"}),
		ActiveLoops: f.NewGauge(prometheus.GaugeOpts{
			Name: "localclaw_active_loops",
			Help: "Agent loops currently running",
		}),
	}
}

// QueueDepth implements inference.Observer.
func (c *Collectors) QueueDepth(n int) {
	c.Queue.Set(float64(n))
}

// GenerationFinished implements inference.Observer.
func (c *Collectors) GenerationFinished(status string, d time.Duration) {
	c.Generations.WithLabelValues(status).Inc()
	c.GenerationDuration.Observe(d.Seconds())
}

func (c *Collectors) TokenStreamed() {
	c.Tokens.Inc()
}

func (c *Collectors) ToolExecuted(tool, status string, d time.Duration) {
	c.ToolExecutions.WithLabelValues(tool, status).Inc()
	c.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (c *Collectors) LoopStarted() {
	c.ActiveLoops.Inc()
}

func (c *Collectors) LoopFinished(kind, reason string) {
	c.ActiveLoops.Dec()
	c.LoopOutcomes.WithLabelValues(kind, reason).Inc()
}

func (c *Collectors) ApprovalDecided(decision string) {
	c.Approvals.WithLabelValues(decision).Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
