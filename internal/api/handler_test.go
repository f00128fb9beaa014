package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mosaicdocs/aicore/internal/abtest"
	"github.com/mosaicdocs/aicore/internal/cache"
	"github.com/mosaicdocs/aicore/internal/circuitbreaker"
	"github.com/mosaicdocs/aicore/internal/config"
	"github.com/mosaicdocs/aicore/internal/costguard"
	"github.com/mosaicdocs/aicore/internal/domain"
	"github.com/mosaicdocs/aicore/internal/pipeline"
	"github.com/mosaicdocs/aicore/internal/provider"
	"github.com/mosaicdocs/aicore/internal/ratelimit"
	"github.com/mosaicdocs/aicore/internal/registry"
	"github.com/mosaicdocs/aicore/internal/repository"
	"github.com/mosaicdocs/aicore/internal/router"
	"github.com/mosaicdocs/aicore/internal/service"
)

type scriptedAdapter struct {
	completeErr error
}

func (a *scriptedAdapter) ID() string { return "scripted" }

func (a *scriptedAdapter) Descriptor() domain.ProviderDescriptor {
	return domain.ProviderDescriptor{ID: "scripted", MaxConcurrency: 8}
}

func (a *scriptedAdapter) Complete(ctx context.Context, model string, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	if a.completeErr != nil {
		return nil, a.completeErr
	}
	return &domain.CompletionResponse{
		ID:      "cmpl-1",
		Content: "scripted answer",
		Usage:   domain.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	}, nil
}

func (a *scriptedAdapter) Embed(ctx context.Context, model string, req domain.EmbeddingRequest) (*domain.EmbeddingResponse, error) {
	return &domain.EmbeddingResponse{
		Embeddings: make([][]float64, len(req.Input)),
		Usage:      domain.Usage{PromptTokens: 3, TotalTokens: 3},
	}, nil
}

func (a *scriptedAdapter) HealthCheck(ctx context.Context) error { return nil }

func newTestHandler(t *testing.T, adapter *scriptedAdapter, mutate func(*config.Runtime)) (*Handler, *AdminHandler) {
	t.Helper()

	runtime := config.DefaultRuntime()
	runtime.CostLimits = config.CostLimits{}
	if mutate != nil {
		mutate(runtime)
	}
	cfg, err := config.NewManager(runtime)
	if err != nil {
		t.Fatalf("config manager: %v", err)
	}

	reg := registry.New([]registry.Entry{{
		Provider:     "scripted",
		Model:        "scripted-v1",
		Capabilities: []domain.Capability{domain.CapabilityChat, domain.CapabilityEmbedding},
		Quality:      domain.QualityStandard,
		InputPer1K:   0.001,
		OutputPer1K:  0.002,
		AvgLatencyMs: 300,
		MaxTokens:    8000,
	}})

	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig())
	ledger := repository.NewInMemoryLedger()
	guard := costguard.New(ledger, func() costguard.Limits {
		limits := cfg.Get().CostLimits
		return costguard.Limits{
			PerRequestUSD: limits.PerRequestUSD,
			DailyUSD:      limits.DailyUSD,
			MonthlyUSD:    limits.MonthlyUSD,
			ShadowMode:    limits.ShadowMode,
		}
	})
	assigner := abtest.NewAssigner()

	rt := router.New(reg, map[string]provider.Adapter{"scripted": adapter}, breakers, guard, assigner, cfg.Get)

	responseCache := cache.NewInMemoryCache(100)
	t.Cleanup(responseCache.Close)
	usage := repository.NewInMemoryUsageStore()

	pipe := pipeline.New(
		pipeline.NewLoggingStage(slog.Default()),
		pipeline.NewRateLimitStage(ratelimit.NewInMemoryRateLimiter(), func() int { return cfg.Get().DefaultRateLimitRPM }),
		pipeline.NewCostControlStage(guard, nil),
		pipeline.NewCacheStage(responseCache, func() time.Duration { return cfg.Get().CacheTTL }),
		pipeline.NewMonitoringStage(usage, nil),
	)

	svc := service.NewManager(cfg, reg, rt, pipe, breakers, guard, assigner, responseCache, usage, slog.Default())
	return NewHandler(HandlerConfig{Service: svc}), NewAdminHandler(svc)
}

func completeBody(t *testing.T, content string) *bytes.Buffer {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"task_type": "chat",
		"messages":  []map[string]string{{"role": "user", "content": content}},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bytes.NewBuffer(body)
}

func TestCompleteEndpoint(t *testing.T) {
	handler, _ := newTestHandler(t, &scriptedAdapter{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/complete", completeBody(t, "hello"))
	req.Header.Set("X-Org-ID", "org-1")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
	if rec.Header().Get("X-Cache") != "MISS" {
		t.Errorf("expected X-Cache MISS, got %q", rec.Header().Get("X-Cache"))
	}

	var resp domain.CompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Content != "scripted answer" {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if resp.Provider != "scripted" || resp.Model != "scripted-v1" {
		t.Errorf("expected routing metadata, got %q/%q", resp.Provider, resp.Model)
	}
}

func TestCompleteEndpointCacheHitHeader(t *testing.T) {
	handler, _ := newTestHandler(t, &scriptedAdapter{}, nil)

	for i, want := range []string{"MISS", "HIT"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/complete", completeBody(t, "same prompt"))
		req.Header.Set("X-Org-ID", "org-1")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
		if got := rec.Header().Get("X-Cache"); got != want {
			t.Errorf("request %d: expected X-Cache %s, got %q", i, want, got)
		}
	}
}

func TestCompleteEndpointRequiresOrgHeader(t *testing.T) {
	handler, _ := newTestHandler(t, &scriptedAdapter{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/complete", completeBody(t, "hello"))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCompleteEndpointStatusMapping(t *testing.T) {
	cases := []struct {
		name       string
		adapter    *scriptedAdapter
		mutate     func(*config.Runtime)
		body       func(t *testing.T) *bytes.Buffer
		wantStatus int
	}{
		{
			name:    "invalid body",
			adapter: &scriptedAdapter{},
			body: func(t *testing.T) *bytes.Buffer {
				return bytes.NewBufferString("{not json")
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:    "empty messages",
			adapter: &scriptedAdapter{},
			body: func(t *testing.T) *bytes.Buffer {
				return bytes.NewBufferString(`{"task_type":"chat","messages":[]}`)
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:    "all providers failed",
			adapter: &scriptedAdapter{completeErr: &provider.APIError{Provider: "scripted", Status: 500}},
			body: func(t *testing.T) *bytes.Buffer {
				return completeBody(t, "hello")
			},
			wantStatus: http.StatusBadGateway,
		},
		{
			name:    "budget exceeded",
			adapter: &scriptedAdapter{},
			mutate: func(cfg *config.Runtime) {
				cfg.CostLimits = config.CostLimits{PerRequestUSD: 0.0000001}
			},
			body: func(t *testing.T) *bytes.Buffer {
				return completeBody(t, "hello")
			},
			wantStatus: http.StatusPaymentRequired,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler, _ := newTestHandler(t, tc.adapter, tc.mutate)

			req := httptest.NewRequest(http.MethodPost, "/v1/complete", tc.body(t))
			req.Header.Set("X-Org-ID", "org-1")
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Errorf("expected %d, got %d: %s", tc.wantStatus, rec.Code, rec.Body.String())
			}

			var body struct {
				Error struct {
					Message string `json:"message"`
					Code    int    `json:"code"`
				} `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if body.Error.Code != tc.wantStatus {
				t.Errorf("error code %d does not match status %d", body.Error.Code, tc.wantStatus)
			}
			if body.Error.Message == "" {
				t.Error("expected an error message")
			}
		})
	}
}

func TestEmbedEndpoint(t *testing.T) {
	handler, _ := newTestHandler(t, &scriptedAdapter{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/embed",
		bytes.NewBufferString(`{"input":["first","second"]}`))
	req.Header.Set("X-Org-ID", "org-1")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp domain.EmbeddingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Embeddings) != 2 {
		t.Errorf("expected 2 embeddings, got %d", len(resp.Embeddings))
	}
}

func TestListModelsEndpoint(t *testing.T) {
	handler, _ := newTestHandler(t, &scriptedAdapter{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Models []struct {
			Provider string `json:"provider"`
			Model    string `json:"model"`
		} `json:"models"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 || len(body.Models) != 1 {
		t.Fatalf("expected 1 model, got count=%d len=%d", body.Count, len(body.Models))
	}
	if body.Models[0].Model != "scripted-v1" {
		t.Errorf("unexpected model %q", body.Models[0].Model)
	}
}

func TestHealthLiveEndpoint(t *testing.T) {
	handler, _ := newTestHandler(t, &scriptedAdapter{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAdminConfigRoundTrip(t *testing.T) {
	_, admin := newTestHandler(t, &scriptedAdapter{}, nil)

	// Read the current configuration.
	rec := httptest.NewRecorder()
	admin.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/config", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get config: expected 200, got %d", rec.Code)
	}

	var current config.Runtime
	if err := json.Unmarshal(rec.Body.Bytes(), &current); err != nil {
		t.Fatalf("decode config: %v", err)
	}

	// Update one knob and confirm the change is visible.
	current.DefaultRateLimitRPM = 42
	updated, err := json.Marshal(current)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	rec = httptest.NewRecorder()
	admin.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/admin/config", bytes.NewBuffer(updated)))
	if rec.Code != http.StatusOK {
		t.Fatalf("put config: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	admin.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/config", nil))

	var after config.Runtime
	if err := json.Unmarshal(rec.Body.Bytes(), &after); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if after.DefaultRateLimitRPM != 42 {
		t.Errorf("expected updated rate limit 42, got %d", after.DefaultRateLimitRPM)
	}
}

func TestAdminConfigRejectsInvalid(t *testing.T) {
	_, admin := newTestHandler(t, &scriptedAdapter{}, nil)

	rec := httptest.NewRecorder()
	admin.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/admin/config",
		bytes.NewBufferString(`{"max_concurrent_requests": -1}`)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAdminCachePurge(t *testing.T) {
	handler, admin := newTestHandler(t, &scriptedAdapter{}, nil)

	// Prime the cache, purge, and confirm the next call misses.
	for _, step := range []struct {
		wantCache string
		purge     bool
	}{
		{wantCache: "MISS"},
		{wantCache: "HIT", purge: true},
		{wantCache: "MISS"},
	} {
		req := httptest.NewRequest(http.MethodPost, "/v1/complete", completeBody(t, "purge me"))
		req.Header.Set("X-Org-ID", "org-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if got := rec.Header().Get("X-Cache"); got != step.wantCache {
			t.Errorf("expected X-Cache %s, got %q", step.wantCache, got)
		}

		if step.purge {
			purgeRec := httptest.NewRecorder()
			admin.ServeHTTP(purgeRec, httptest.NewRequest(http.MethodPost, "/admin/cache/purge", nil))
			if purgeRec.Code != http.StatusOK {
				t.Fatalf("purge: expected 200, got %d", purgeRec.Code)
			}
		}
	}
}

func TestAdminUsageReport(t *testing.T) {
	handler, admin := newTestHandler(t, &scriptedAdapter{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/complete", completeBody(t, "track me"))
	req.Header.Set("X-Org-ID", "org-7")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	admin.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/usage?org_id=org-7", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("usage: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Count        int     `json:"count"`
		TotalCostUSD float64 `json:"total_cost_usd"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 {
		t.Errorf("expected 1 record, got %d", body.Count)
	}
	if body.TotalCostUSD <= 0 {
		t.Error("expected a positive total cost")
	}
}

func TestAdminExperimentMetricsNotFound(t *testing.T) {
	_, admin := newTestHandler(t, &scriptedAdapter{}, nil)

	rec := httptest.NewRecorder()
	admin.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/experiments/unknown/metrics", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
