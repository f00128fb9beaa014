package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mosaicdocs/aicore/internal/cache"
	"github.com/mosaicdocs/aicore/internal/costguard"
	"github.com/mosaicdocs/aicore/internal/domain"
	"github.com/mosaicdocs/aicore/internal/metrics"
	"github.com/mosaicdocs/aicore/internal/repository"
	"github.com/mosaicdocs/aicore/internal/telemetry"
)

// LoggingStage stamps the exchange start time and emits one structured
// log line per call, success or failure.
type LoggingStage struct {
	logger *slog.Logger
}

func NewLoggingStage(logger *slog.Logger) *LoggingStage {
	return &LoggingStage{logger: logger}
}

func (s *LoggingStage) Name() string { return "logging" }

func (s *LoggingStage) Before(ctx context.Context, ex *Exchange) error {
	if ex.Start.IsZero() {
		ex.Start = time.Now()
	}
	return nil
}

func (s *LoggingStage) After(ctx context.Context, ex *Exchange) {
	latency := time.Since(ex.Start)
	provider, model := ex.ProviderModel()

	attrs := []any{
		"request_id", ex.RequestID,
		"org_id", ex.Task.OrgID,
		"task_type", string(ex.Task.Type),
		"provider", provider,
		"model", model,
		"cache_hit", ex.CacheHit,
		"latency_ms", latency.Milliseconds(),
	}
	if traceID := telemetry.GetTraceID(ctx); traceID != "" {
		attrs = append(attrs, "trace_id", traceID)
	}

	if ex.Err != nil {
		s.logger.Error("request failed", append(attrs, "error", ex.Err.Error())...)
		return
	}
	s.logger.Info("request completed", append(attrs, "cost_usd", ex.CostUSD())...)
}

// RateLimitStage enforces the per-organization requests-per-minute
// quota ahead of everything else, cached responses included.
type RateLimitStage struct {
	limiter ratelimiter
	limit   func() int
}

type ratelimiter interface {
	Allow(ctx context.Context, orgID string, limit int) (bool, int, time.Time, error)
}

func NewRateLimitStage(limiter ratelimiter, limit func() int) *RateLimitStage {
	return &RateLimitStage{limiter: limiter, limit: limit}
}

func (s *RateLimitStage) Name() string { return "ratelimit" }

func (s *RateLimitStage) Before(ctx context.Context, ex *Exchange) error {
	limit := s.limit()
	if limit <= 0 {
		return nil
	}

	allowed, _, resetAt, err := s.limiter.Allow(ctx, ex.Task.OrgID, limit)
	if err != nil {
		// Limiter backend failure fails open; availability over quota.
		slog.Warn("rate limiter unavailable, allowing request", "org_id", ex.Task.OrgID, "error", err)
		return nil
	}
	if !allowed {
		metrics.RecordRateLimitHit(ex.Task.OrgID)
		return fmt.Errorf("%w: resets at %s", domain.ErrRateLimitExceeded, resetAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func (s *RateLimitStage) After(ctx context.Context, ex *Exchange) {}

// CostControlStage commits the actual cost of dispatched calls to the
// spend ledger and refreshes budget alerting. Authorization against the
// estimate happens per candidate inside the router; committing here,
// once a response has been observed, keeps cancelled calls unbilled and
// cache hits free.
type CostControlStage struct {
	guard   *costguard.Guard
	monitor *costguard.Monitor
}

func NewCostControlStage(guard *costguard.Guard, monitor *costguard.Monitor) *CostControlStage {
	return &CostControlStage{guard: guard, monitor: monitor}
}

func (s *CostControlStage) Name() string { return "costcontrol" }

func (s *CostControlStage) Before(ctx context.Context, ex *Exchange) error { return nil }

func (s *CostControlStage) After(ctx context.Context, ex *Exchange) {
	if !ex.Dispatched || ex.Err != nil || !ex.Responded() {
		return
	}

	if err := s.guard.Commit(ctx, ex.Task.OrgID, ex.CostUSD()); err != nil {
		slog.Error("cost commit failed", "org_id", ex.Task.OrgID, "request_id", ex.RequestID, "error", err)
		return
	}

	if limit := s.guard.Limits().DailyUSD; limit > 0 {
		if spent, err := s.guard.DailySpend(ctx, ex.Task.OrgID); err == nil {
			metrics.SetBudgetUsage(ex.Task.OrgID, spent/limit)
		}
	}
	if s.monitor != nil {
		if _, err := s.monitor.Check(ctx, ex.Task.OrgID); err != nil {
			slog.Warn("budget check failed", "org_id", ex.Task.OrgID, "error", err)
		}
	}
}

// CacheStage serves identical completion requests from the response
// cache and fills it after successful dispatches. Embeddings bypass the
// cache. A hit short-circuits the pipeline; downstream After hooks
// still observe it, so hits are logged and counted but never billed.
type CacheStage struct {
	cache cache.Cache
	ttl   func() time.Duration
}

func NewCacheStage(c cache.Cache, ttl func() time.Duration) *CacheStage {
	return &CacheStage{cache: c, ttl: ttl}
}

func (s *CacheStage) Name() string { return "cache" }

func (s *CacheStage) Before(ctx context.Context, ex *Exchange) error {
	if ex.CompletionRequest == nil || s.ttl() <= 0 {
		return nil
	}

	// The key is scoped by the task shape rather than a model: routing
	// has not chosen one yet, and equivalent tasks should share hits.
	ex.CacheKey = cache.Fingerprint(taskScope(ex.Task), *ex.CompletionRequest)

	cached, ok := s.cache.Get(ctx, ex.CacheKey)
	if !ok {
		return nil
	}

	resp := *cached
	resp.CacheHit = true
	resp.RequestID = ex.RequestID
	resp.LatencyMs = 0
	ex.Response = &resp
	ex.CacheHit = true
	return nil
}

func (s *CacheStage) After(ctx context.Context, ex *Exchange) {
	if !ex.Dispatched || ex.Err != nil || ex.Response == nil || ex.CacheKey == "" {
		return
	}
	if err := s.cache.Set(ctx, ex.CacheKey, ex.Response, s.ttl()); err != nil {
		slog.Warn("cache store failed", "request_id", ex.RequestID, "error", err)
	}
}

func taskScope(task domain.TaskDescriptor) string {
	return string(task.Type) + "/" + string(task.Complexity) + "/" + string(task.Quality)
}

// MonitoringStage records Prometheus series and persists one usage
// record per answered call, cache hits included.
type MonitoringStage struct {
	usage     repository.UsageStore
	publisher UsagePublisher
}

// UsagePublisher forwards usage records to an external consumer, such
// as a billing queue. A nil publisher disables forwarding.
type UsagePublisher interface {
	Publish(ctx context.Context, record repository.UsageRecord) error
}

func NewMonitoringStage(usage repository.UsageStore, publisher UsagePublisher) *MonitoringStage {
	return &MonitoringStage{usage: usage, publisher: publisher}
}

func (s *MonitoringStage) Name() string { return "monitoring" }

func (s *MonitoringStage) Before(ctx context.Context, ex *Exchange) error { return nil }

func (s *MonitoringStage) After(ctx context.Context, ex *Exchange) {
	provider, model := ex.ProviderModel()
	status := "success"
	if ex.Err != nil {
		status = "error"
	}

	metrics.RecordRequest(ex.Task.OrgID, provider, model, string(ex.Task.Type), status, time.Since(ex.Start).Seconds())

	if ex.CompletionRequest != nil {
		if ex.CacheHit {
			metrics.RecordCacheHit(ex.Task.OrgID)
		} else if ex.Dispatched {
			metrics.RecordCacheMiss(ex.Task.OrgID)
		}
	}

	if ex.Err != nil || !ex.Responded() {
		return
	}

	usage := ex.Usage()
	metrics.RecordTokens(ex.Task.OrgID, provider, model, usage.PromptTokens, usage.CompletionTokens)
	metrics.RecordCost(ex.Task.OrgID, provider, model, ex.CostUSD())

	record := repository.UsageRecord{
		RequestID:    ex.RequestID,
		OrgID:        ex.Task.OrgID,
		UserID:       ex.Task.UserID,
		Provider:     provider,
		Model:        model,
		TaskType:     string(ex.Task.Type),
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
		CostUSD:      ex.CostUSD(),
		LatencyMs:    time.Since(ex.Start).Milliseconds(),
		Cached:       ex.CacheHit,
		Timestamp:    time.Now().UTC(),
	}

	if s.usage != nil {
		if err := s.usage.Record(ctx, record); err != nil {
			slog.Warn("usage record failed", "request_id", ex.RequestID, "error", err)
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, record); err != nil {
			slog.Warn("usage publish failed", "request_id", ex.RequestID, "error", err)
		}
	}
}
