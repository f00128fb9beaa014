// Package service is the orchestration facade. It validates incoming
// tasks, applies the global in-flight cap, runs every call through the
// middleware pipeline, and exposes the runtime controls used by the
// admin API.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mosaicdocs/aicore/internal/abtest"
	"github.com/mosaicdocs/aicore/internal/cache"
	"github.com/mosaicdocs/aicore/internal/circuitbreaker"
	"github.com/mosaicdocs/aicore/internal/config"
	"github.com/mosaicdocs/aicore/internal/costguard"
	"github.com/mosaicdocs/aicore/internal/domain"
	"github.com/mosaicdocs/aicore/internal/metrics"
	"github.com/mosaicdocs/aicore/internal/pipeline"
	"github.com/mosaicdocs/aicore/internal/registry"
	"github.com/mosaicdocs/aicore/internal/repository"
	"github.com/mosaicdocs/aicore/internal/router"
)

type Manager struct {
	cfg      *config.Manager
	registry *registry.Registry
	router   *router.Router
	pipe     *pipeline.Pipeline
	breakers *circuitbreaker.Manager
	guard    *costguard.Guard
	assigner *abtest.Assigner
	cache    cache.Cache
	usage    repository.UsageStore
	logger   *slog.Logger

	// admission bounds concurrent calls across all orgs; the cap also
	// bounds worst-case budget overshoot. Swapped on reload when
	// MaxConcurrentRequests changes; in-flight holders release into the
	// channel they acquired from, so a swap never strands a slot.
	admissionMu sync.Mutex
	admission   chan struct{}
}

func NewManager(
	cfg *config.Manager,
	reg *registry.Registry,
	rt *router.Router,
	pipe *pipeline.Pipeline,
	breakers *circuitbreaker.Manager,
	guard *costguard.Guard,
	assigner *abtest.Assigner,
	responseCache cache.Cache,
	usage repository.UsageStore,
	logger *slog.Logger,
) *Manager {
	m := &Manager{
		cfg:       cfg,
		registry:  reg,
		router:    rt,
		pipe:      pipe,
		breakers:  breakers,
		guard:     guard,
		assigner:  assigner,
		cache:     responseCache,
		usage:     usage,
		logger:    logger,
		admission: make(chan struct{}, admissionCap(cfg.Get())),
	}
	cfg.OnChange(m.resizeAdmission)
	return m
}

func admissionCap(cfg *config.Runtime) int {
	if cfg.MaxConcurrentRequests <= 0 {
		return 100
	}
	return cfg.MaxConcurrentRequests
}

// resizeAdmission swaps in a fresh channel when the in-flight cap
// changes. Requests already admitted keep their slot on the old
// channel until they release it.
func (m *Manager) resizeAdmission(cfg *config.Runtime) {
	want := admissionCap(cfg)

	m.admissionMu.Lock()
	defer m.admissionMu.Unlock()
	if cap(m.admission) == want {
		return
	}
	m.admission = make(chan struct{}, want)
	m.logger.Info("in-flight cap resized", "max_concurrent_requests", want)
}

// Complete orchestrates a completion task end to end.
func (m *Manager) Complete(ctx context.Context, task domain.TaskDescriptor, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	if err := validateTask(task); err != nil {
		return nil, err
	}
	if len(req.Messages) == 0 {
		return nil, &domain.InvalidRequestError{Field: "messages", Reason: "must not be empty"}
	}
	for i, msg := range req.Messages {
		if msg.Role == "" {
			return nil, &domain.InvalidRequestError{Field: fmt.Sprintf("messages[%d].role", i), Reason: "must not be empty"}
		}
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return nil, &domain.InvalidRequestError{Field: "temperature", Reason: "must be between 0 and 2"}
	}
	if req.MaxTokens != nil && *req.MaxTokens <= 0 {
		return nil, &domain.InvalidRequestError{Field: "max_tokens", Reason: "must be positive"}
	}

	release, err := m.admit(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Get().RequestTimeout)
	defer cancel()

	ex := &pipeline.Exchange{
		RequestID:         uuid.New().String(),
		Task:              task,
		Start:             time.Now(),
		CompletionRequest: &req,
	}

	err = m.pipe.Execute(ctx, ex, func(ctx context.Context) error {
		resp, err := m.router.Dispatch(ctx, task, req)
		if err != nil {
			return err
		}
		resp.RequestID = ex.RequestID
		ex.Response = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ex.Response, nil
}

// Embed orchestrates an embedding task end to end. Embeddings skip the
// response cache but share every other stage.
func (m *Manager) Embed(ctx context.Context, task domain.TaskDescriptor, req domain.EmbeddingRequest) (*domain.EmbeddingResponse, error) {
	if err := validateTask(task); err != nil {
		return nil, err
	}
	if len(req.Input) == 0 {
		return nil, &domain.InvalidRequestError{Field: "input", Reason: "must not be empty"}
	}

	release, err := m.admit(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Get().RequestTimeout)
	defer cancel()

	ex := &pipeline.Exchange{
		RequestID:        uuid.New().String(),
		Task:             task,
		Start:            time.Now(),
		EmbeddingRequest: &req,
	}

	err = m.pipe.Execute(ctx, ex, func(ctx context.Context) error {
		resp, err := m.router.DispatchEmbedding(ctx, task, req)
		if err != nil {
			return err
		}
		resp.RequestID = ex.RequestID
		ex.EmbeddingResponse = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ex.EmbeddingResponse, nil
}

// admit takes a global in-flight slot, waiting until one frees up or
// the context ends.
func (m *Manager) admit(ctx context.Context) (func(), error) {
	m.admissionMu.Lock()
	admission := m.admission
	m.admissionMu.Unlock()

	select {
	case admission <- struct{}{}:
		metrics.InFlightRequests.Inc()
		return func() {
			metrics.InFlightRequests.Dec()
			<-admission
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func validateTask(task domain.TaskDescriptor) error {
	switch task.Type {
	case domain.TaskChat, domain.TaskEmbedding, domain.TaskVision:
	default:
		return &domain.InvalidRequestError{Field: "task_type", Reason: "unknown task type"}
	}
	if task.OrgID == "" {
		return &domain.InvalidRequestError{Field: "org_id", Reason: "must not be empty"}
	}
	if task.CostCeilingUSD < 0 {
		return &domain.InvalidRequestError{Field: "cost_ceiling_usd", Reason: "must not be negative"}
	}
	return nil
}

// Models lists the registry entries currently routable.
func (m *Manager) Models() []registry.Entry {
	return m.registry.Entries()
}

// ProviderStates reports each provider's circuit state for the health
// endpoint.
func (m *Manager) ProviderStates() map[string]string {
	return m.router.BreakerStates()
}

// Ready reports whether at least one provider circuit is not open.
func (m *Manager) Ready() bool {
	states := m.router.BreakerStates()
	if len(states) == 0 {
		return false
	}
	for _, state := range states {
		if state != "open" {
			return true
		}
	}
	return false
}

func (m *Manager) Configuration() *config.Runtime {
	return m.cfg.Get()
}

// ValidateConfiguration checks a proposed configuration without
// applying it.
func (m *Manager) ValidateConfiguration(cfg *config.Runtime) error {
	return cfg.Validate()
}

// HealthMetrics is a point-in-time operational snapshot.
type HealthMetrics struct {
	ProviderStates map[string]string `json:"provider_states"`
	InFlight       int               `json:"in_flight"`
	MaxConcurrent  int               `json:"max_concurrent"`
	Ready          bool              `json:"ready"`
}

func (m *Manager) HealthMetrics() HealthMetrics {
	m.admissionMu.Lock()
	inFlight, maxConcurrent := len(m.admission), cap(m.admission)
	m.admissionMu.Unlock()

	return HealthMetrics{
		ProviderStates: m.router.BreakerStates(),
		InFlight:       inFlight,
		MaxConcurrent:  maxConcurrent,
		Ready:          m.Ready(),
	}
}

func (m *Manager) UpdateConfiguration(cfg *config.Runtime) error {
	return m.cfg.Update(cfg)
}

// VariantMetrics reports per-variant counters for an experiment.
func (m *Manager) VariantMetrics(testID string) []abtest.Metrics {
	return m.assigner.VariantMetrics(testID)
}

// ExperimentWinner runs the significance test for an experiment.
func (m *Manager) ExperimentWinner(testID string) (string, float64, error) {
	return m.assigner.Winner(testID)
}

// PurgeCache drops every cached response.
func (m *Manager) PurgeCache(ctx context.Context) error {
	return m.cache.Purge(ctx)
}

// OrgUsage reports usage records and total spend for an org since the
// given time.
func (m *Manager) OrgUsage(ctx context.Context, orgID string, since time.Time) ([]repository.UsageRecord, float64, error) {
	records, err := m.usage.OrgUsage(ctx, orgID, since)
	if err != nil {
		return nil, 0, err
	}
	total, err := m.usage.OrgTotalCost(ctx, orgID, since)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// DailySpend reports the current daily-window spend for an org.
func (m *Manager) DailySpend(ctx context.Context, orgID string) (float64, error) {
	return m.guard.DailySpend(ctx, orgID)
}
