package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the engine's Prometheus metrics.
//
// Tracked families:
//   - model call latency, counts, and token consumption
//   - tool executions dispatched to the orchestrator
//   - tool selection decisions (scored, fallback, sticky, playbook)
//   - scheduler ticks and skill executions
//   - cost-monitor pauses and circuit-breaker trips
type Metrics struct {
	// ModelRequestDuration measures model call latency in seconds.
	// Labels: provider, model
	ModelRequestDuration *prometheus.HistogramVec

	// ModelRequestCounter counts model calls.
	// Labels: provider, model, status (success|error)
	ModelRequestCounter *prometheus.CounterVec

	// ModelTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	ModelTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// SelectorDecisions counts how tools entered a selection.
	// Labels: source (core|scored|fallback|playbook|sticky)
	SelectorDecisions *prometheus.CounterVec

	// SchedulerTicks counts scheduler ticks.
	// Labels: outcome (ok|halted)
	SchedulerTicks *prometheus.CounterVec

	// SkillExecutions counts dispatched skills.
	// Labels: skill, status (success|error)
	SkillExecutions *prometheus.CounterVec

	// CostPauses counts cost-monitor pauses. Labels: reason (hard_cap|spike)
	CostPauses *prometheus.CounterVec

	// BreakerTrips counts circuit-breaker trips.
	BreakerTrips prometheus.Counter

	// RecoveryCounter counts resilience-protocol recoveries.
	// Labels: kind (tool_error|leak|hallucination|refusal|silent)
	RecoveryCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all engine metrics with the given
// registerer (nil uses the default registry).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ModelRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "strand_model_request_duration_seconds",
				Help:    "Model call latency in seconds.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 90},
			},
			[]string{"provider", "model"},
		),
		ModelRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_model_requests_total",
				Help: "Model calls by provider, model, and status.",
			},
			[]string{"provider", "model", "status"},
		),
		ModelTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_model_tokens_total",
				Help: "Tokens consumed by provider, model, and type.",
			},
			[]string{"provider", "model", "type"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_tool_executions_total",
				Help: "Tool invocations by name and status.",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "strand_tool_execution_duration_seconds",
				Help:    "Tool execution time in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		SelectorDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_selector_decisions_total",
				Help: "How tools entered a selection.",
			},
			[]string{"source"},
		),
		SchedulerTicks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_scheduler_ticks_total",
				Help: "Skill scheduler ticks by outcome.",
			},
			[]string{"outcome"},
		),
		SkillExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_skill_executions_total",
				Help: "Skill executions by skill and status.",
			},
			[]string{"skill", "status"},
		),
		CostPauses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_cost_pauses_total",
				Help: "Cost-monitor pauses by reason.",
			},
			[]string{"reason"},
		),
		BreakerTrips: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "strand_breaker_trips_total",
				Help: "Circuit breaker trips.",
			},
		),
		RecoveryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_recoveries_total",
				Help: "Resilience-protocol recoveries by kind.",
			},
			[]string{"kind"},
		),
	}
}
