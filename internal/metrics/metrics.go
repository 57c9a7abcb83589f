package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "concierge_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "concierge_sessions_active",
			Help: "Number of active sessions",
		},
	)

	SessionCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "concierge_session_cache_hits_total",
			Help: "Total number of session local cache hits",
		},
	)

	SessionCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "concierge_session_cache_misses_total",
			Help: "Total number of session local cache misses",
		},
	)

	SessionCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "concierge_session_cache_size",
			Help: "Number of sessions held in the local cache",
		},
	)

	SessionCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "concierge_session_cache_evictions_total",
			Help: "Total number of sessions evicted from the local cache",
		},
	)

	SessionTokensTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "concierge_session_tokens_total",
			Help: "Total reasoning backend tokens used across all sessions",
		},
	)

	// Orchestrator metrics
	OrchestrationsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_orchestrations_started_total",
			Help: "Total number of orchestrations started",
		},
		[]string{"domain", "intent"},
	)

	OrchestrationsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_orchestrations_completed_total",
			Help: "Total number of orchestrations reaching a terminal state",
		},
		[]string{"domain", "intent", "state"},
	)

	OrchestrationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "concierge_orchestration_duration_seconds",
			Help:    "End-to-end orchestration duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"domain", "intent"},
	)

	GatingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_gating_decisions_total",
			Help: "Total number of join gate decisions",
		},
		[]string{"decision", "reason"},
	)

	// Agent task metrics
	AgentTasksStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_agent_tasks_started_total",
			Help: "Total number of agent tasks started",
		},
		[]string{"agent"},
	)

	AgentTaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "concierge_agent_task_duration_ms",
			Help:    "Agent task duration in milliseconds",
			Buckets: []float64{100, 500, 1000, 2000, 5000, 10000, 30000},
		},
		[]string{"agent"},
	)

	AgentTaskErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_agent_task_errors_total",
			Help: "Total number of agent task errors by kind",
		},
		[]string{"agent", "kind"},
	)

	PersonalizerDegradations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_personalizer_degradations_total",
			Help: "Total number of times personalization degraded to the full tool set",
		},
		[]string{"cause"},
	)

	PersonalizerReductionRatio = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "concierge_personalizer_reduction_ratio",
			Help:    "Ratio of reduced tool set size to full tool set size",
			Buckets: []float64{0.1, 0.25, 0.5, 0.75, 0.9, 1.0},
		},
	)

	// Fulfillment metrics
	TrajectoryStepsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_trajectory_steps_executed_total",
			Help: "Total number of workflow steps executed",
		},
		[]string{"domain", "intent"},
	)

	ToolInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_tool_invocations_total",
			Help: "Total number of domain tool invocations",
		},
		[]string{"tool", "status"},
	)

	ToolInvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "concierge_tool_invocation_duration_ms",
			Help:    "Domain tool invocation duration in milliseconds",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000},
		},
		[]string{"tool"},
	)

	// Backend metrics
	BackendRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_backend_requests_total",
			Help: "Total number of reasoning backend requests",
		},
		[]string{"status"},
	)

	BackendTokensUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "concierge_backend_tokens_used",
			Help:    "Tokens used per reasoning backend request",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000},
		},
	)

	// Registry metrics
	RegistryLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_registry_lookups_total",
			Help: "Total number of tool registry lookups",
		},
		[]string{"status"},
	)

	RegistryReloads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "concierge_registry_reloads_total",
			Help: "Total number of registry catalog reloads",
		},
	)

	// Policy metrics
	PolicyDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_policy_decisions_total",
			Help: "Total number of tool gate policy decisions",
		},
		[]string{"decision", "mode"},
	)
)
