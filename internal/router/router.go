// Package router selects an ordered candidate list of (provider,
// model) pairs for a task and walks it sequentially, consulting the
// cost guard, per-provider admission limits, and the circuit breaker
// at each step. The first success wins; there is never more than one
// live provider call per logical request.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mosaicdocs/aicore/internal/abtest"
	"github.com/mosaicdocs/aicore/internal/circuitbreaker"
	"github.com/mosaicdocs/aicore/internal/config"
	"github.com/mosaicdocs/aicore/internal/costguard"
	"github.com/mosaicdocs/aicore/internal/domain"
	"github.com/mosaicdocs/aicore/internal/metrics"
	"github.com/mosaicdocs/aicore/internal/provider"
	"github.com/mosaicdocs/aicore/internal/registry"
	"github.com/mosaicdocs/aicore/internal/telemetry"
)

type Router struct {
	registry *registry.Registry
	adapters map[string]provider.Adapter
	breakers *circuitbreaker.Manager
	guard    *costguard.Guard
	assigner *abtest.Assigner
	runtime  func() *config.Runtime

	mu   sync.Mutex
	sems map[string]*semaphore
}

type semaphore struct {
	slots chan struct{}
	cap   int
}

func New(
	reg *registry.Registry,
	adapters map[string]provider.Adapter,
	breakers *circuitbreaker.Manager,
	guard *costguard.Guard,
	assigner *abtest.Assigner,
	runtime func() *config.Runtime,
) *Router {
	return &Router{
		registry: reg,
		adapters: adapters,
		breakers: breakers,
		guard:    guard,
		assigner: assigner,
		runtime:  runtime,
		sems:     make(map[string]*semaphore),
	}
}

func (r *Router) Adapters() map[string]provider.Adapter {
	return r.adapters
}

func (r *Router) BreakerStates() map[string]string {
	return r.breakers.States()
}

// Dispatch routes a completion request through the fallback chain.
func (r *Router) Dispatch(ctx context.Context, task domain.TaskDescriptor, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	promptTokens := estimatePromptTokens(req.Messages)

	var resp *domain.CompletionResponse
	err := r.walk(ctx, task, promptTokens, func(ctx context.Context, entry registry.Entry, adapter provider.Adapter) (domain.Usage, error) {
		out, err := adapter.Complete(ctx, entry.Model, req)
		if err != nil {
			return domain.Usage{}, err
		}
		resp = out
		return out.Usage, nil
	}, func(entry registry.Entry, latency time.Duration, cost float64) {
		resp.Provider = entry.Provider
		resp.Model = entry.Model
		resp.LatencyMs = latency.Milliseconds()
		resp.CostUSD = cost
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// DispatchEmbedding routes an embedding request through the fallback
// chain.
func (r *Router) DispatchEmbedding(ctx context.Context, task domain.TaskDescriptor, req domain.EmbeddingRequest) (*domain.EmbeddingResponse, error) {
	promptTokens := 0
	for _, text := range req.Input {
		promptTokens += len(text) / 4
	}

	var resp *domain.EmbeddingResponse
	err := r.walk(ctx, task, promptTokens, func(ctx context.Context, entry registry.Entry, adapter provider.Adapter) (domain.Usage, error) {
		out, err := adapter.Embed(ctx, entry.Model, req)
		if err != nil {
			return domain.Usage{}, err
		}
		resp = out
		return out.Usage, nil
	}, func(entry registry.Entry, latency time.Duration, cost float64) {
		resp.Provider = entry.Provider
		resp.Model = entry.Model
		resp.LatencyMs = latency.Milliseconds()
		resp.CostUSD = cost
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

type dispatchFunc func(ctx context.Context, entry registry.Entry, adapter provider.Adapter) (domain.Usage, error)

// walk tries candidates in score order until one succeeds. Every
// skipped or failed candidate is recorded in the trail; the trail is
// returned inside the terminal error when the list is exhausted.
func (r *Router) walk(ctx context.Context, task domain.TaskDescriptor, promptTokens int, do dispatchFunc, finish func(registry.Entry, time.Duration, float64)) error {
	snapshot := r.runtime()
	candidates, assignment := r.candidates(snapshot, task, promptTokens)
	if len(candidates) == 0 {
		return domain.ErrProviderNotFound
	}

	ctx, span := telemetry.StartSpan(ctx, "router.dispatch")
	defer span.End()

	var trail []domain.Attempt
	var lastCostErr *domain.CostLimitExceededError
	budgetOnly := true

	for _, c := range candidates {
		entry := c.entry
		adapter := r.adapters[entry.Provider]

		estimate := entry.EstimateCost(promptTokens, task.MaxTokens)
		if task.CostCeilingUSD > 0 && estimate > task.CostCeilingUSD {
			trail = append(trail, domain.Attempt{
				Provider: entry.Provider,
				Model:    entry.Model,
				Cause:    domain.CauseBudget,
				Reason:   "estimate exceeds request cost ceiling",
			})
			metrics.RecordAttempt(entry.Provider, "cost_ceiling")
			continue
		}
		if err := r.guard.Authorize(ctx, task.OrgID, estimate); err != nil {
			var costErr *domain.CostLimitExceededError
			if errors.As(err, &costErr) {
				lastCostErr = costErr
				trail = append(trail, domain.Attempt{
					Provider: entry.Provider,
					Model:    entry.Model,
					Cause:    domain.CauseBudget,
					Reason:   "budget " + costErr.Window + " limit",
				})
				metrics.RecordAttempt(entry.Provider, "budget")
				metrics.RecordCostRejection(task.OrgID, costErr.Window)
				continue
			}
			return err
		}

		release, ok := r.acquire(entry.Provider, snapshot)
		if !ok {
			trail = append(trail, domain.Attempt{
				Provider: entry.Provider,
				Model:    entry.Model,
				Cause:    domain.CauseSaturated,
				Reason:   "provider at max concurrency",
			})
			metrics.RecordAttempt(entry.Provider, "saturated")
			continue
		}

		// The breaker is the last gate before dispatch. An admitted
		// half-open probe must reach the adapter so RecordOutcome
		// resolves it; skipping a candidate after Allow would strand
		// the probe slot and leave the circuit wedged.
		breaker := r.breakers.Get(entry.Provider)
		if err := breaker.Allow(ctx); err != nil {
			release()
			trail = append(trail, domain.Attempt{
				Provider: entry.Provider,
				Model:    entry.Model,
				Cause:    domain.CauseCircuitOpen,
				Reason:   "circuit open",
			})
			metrics.RecordAttempt(entry.Provider, "circuit_open")
			continue
		}

		budgetOnly = false

		attemptCtx, cancel := context.WithTimeout(ctx, snapshot.AttemptTimeout)
		start := time.Now()
		usage, err := do(attemptCtx, entry, adapter)
		latency := time.Since(start)
		cancel()
		release()

		if err != nil {
			r.breakers.RecordOutcome(ctx, entry.Provider, false)
			cause, reason := normalizeError(err)
			trail = append(trail, domain.Attempt{
				Provider: entry.Provider,
				Model:    entry.Model,
				Cause:    cause,
				Reason:   reason,
			})
			metrics.RecordAttempt(entry.Provider, string(cause))
			slog.Warn("candidate failed, falling back",
				"provider", entry.Provider,
				"model", entry.Model,
				"reason", reason,
				"org_id", task.OrgID,
			)
			if ctx.Err() != nil {
				// Parent cancelled; no point trying further candidates.
				break
			}
			continue
		}

		r.breakers.RecordOutcome(ctx, entry.Provider, true)
		metrics.RecordAttempt(entry.Provider, "success")

		cost := entry.Cost(usage)
		finish(entry, latency, cost)
		r.recordVariantOutcome(assignment, true, latency, cost)

		telemetry.AddRequestAttributes(span, task.OrgID, entry.Provider, entry.Model, "")
		telemetry.AddTokenAttributes(span, usage.PromptTokens, usage.CompletionTokens)
		telemetry.AddCostAttribute(span, cost)
		return nil
	}

	r.recordVariantOutcome(assignment, false, 0, 0)

	// A trail consisting solely of budget rejections is a cost
	// failure, not a provider failure.
	if len(trail) > 0 && budgetOnly && lastCostErr != nil {
		return lastCostErr
	}

	err := &domain.AllProvidersFailedError{Attempts: trail}
	telemetry.AddErrorAttribute(span, err)
	return err
}

// acquire takes an admission slot for a provider without blocking. A
// saturated provider is skipped rather than queued.
func (r *Router) acquire(providerID string, snapshot *config.Runtime) (func(), bool) {
	capacity := 0
	if settings, ok := snapshot.Providers[providerID]; ok {
		capacity = settings.MaxConcurrency
	}
	if capacity == 0 {
		if adapter, ok := r.adapters[providerID]; ok {
			capacity = adapter.Descriptor().MaxConcurrency
		}
	}
	if capacity <= 0 {
		return func() {}, true
	}

	r.mu.Lock()
	sem, ok := r.sems[providerID]
	if !ok || sem.cap != capacity {
		sem = &semaphore{slots: make(chan struct{}, capacity), cap: capacity}
		r.sems[providerID] = sem
	}
	r.mu.Unlock()

	select {
	case sem.slots <- struct{}{}:
		return func() { <-sem.slots }, true
	default:
		return nil, false
	}
}

func normalizeError(err error) (domain.AttemptCause, string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.CauseTimeout, "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return domain.CauseTimeout, "cancelled"
	}
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		return domain.CauseProvider, apiErr.Error()
	}
	if errors.Is(err, domain.ErrNotSupported) {
		return domain.CauseProvider, "operation not supported"
	}
	// Transport and decode errors are redacted; provider payloads must
	// not leak into the trail.
	return domain.CauseProvider, "network error"
}

func estimatePromptTokens(messages []domain.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
	}
	return chars / 4
}
