package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aicore_requests_total",
			Help: "Total number of orchestrated requests",
		},
		[]string{"org_id", "provider", "model", "task_type", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aicore_request_duration_seconds",
			Help:    "End-to-end request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"org_id", "provider", "model"},
	)

	DispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aicore_dispatch_attempts_total",
			Help: "Candidate dispatch attempts by outcome",
		},
		[]string{"provider", "outcome"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aicore_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"org_id", "provider", "model", "type"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aicore_cost_usd_total",
			Help: "Total cost in USD",
		},
		[]string{"org_id", "provider", "model"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aicore_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"org_id"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aicore_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"org_id"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aicore_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"provider"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aicore_rate_limit_hits_total",
			Help: "Total number of rate limit rejections",
		},
		[]string{"org_id"},
	)

	CostRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aicore_cost_rejections_total",
			Help: "Requests rejected by the cost guard",
		},
		[]string{"org_id", "window"},
	)

	BudgetUsageRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aicore_budget_usage_ratio",
			Help: "Current daily budget usage ratio (0-1)",
		},
		[]string{"org_id"},
	)

	InFlightRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aicore_inflight_requests",
			Help: "Requests currently inside the orchestration pipeline",
		},
	)

	ExperimentRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aicore_experiment_requests_total",
			Help: "Requests attributed to experiment variants",
		},
		[]string{"test_id", "variant_id", "status"},
	)
)

func RecordRequest(orgID, provider, model, taskType, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(orgID, provider, model, taskType, status).Inc()
	RequestDuration.WithLabelValues(orgID, provider, model).Observe(durationSec)
}

func RecordTokens(orgID, provider, model string, inputTokens, outputTokens int) {
	TokensTotal.WithLabelValues(orgID, provider, model, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(orgID, provider, model, "output").Add(float64(outputTokens))
}

func RecordCost(orgID, provider, model string, costUSD float64) {
	CostTotal.WithLabelValues(orgID, provider, model).Add(costUSD)
}

func RecordAttempt(provider, outcome string) {
	DispatchAttempts.WithLabelValues(provider, outcome).Inc()
}

func RecordCacheHit(orgID string) {
	CacheHits.WithLabelValues(orgID).Inc()
}

func RecordCacheMiss(orgID string) {
	CacheMisses.WithLabelValues(orgID).Inc()
}

func RecordRateLimitHit(orgID string) {
	RateLimitHits.WithLabelValues(orgID).Inc()
}

func RecordCostRejection(orgID, window string) {
	CostRejections.WithLabelValues(orgID, window).Inc()
}

func SetCircuitBreakerState(provider string, state int) {
	CircuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

func SetBudgetUsage(orgID string, ratio float64) {
	BudgetUsageRatio.WithLabelValues(orgID).Set(ratio)
}

func RecordExperimentRequest(testID, variantID, status string) {
	ExperimentRequests.WithLabelValues(testID, variantID, status).Inc()
}
