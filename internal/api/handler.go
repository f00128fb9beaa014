// Package api exposes the orchestration layer over HTTP. The data
// plane lives on /v1, health probes on /health, Prometheus metrics on
// /metrics, and runtime controls on /admin.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mosaicdocs/aicore/internal/domain"
	"github.com/mosaicdocs/aicore/internal/service"
)

type HandlerConfig struct {
	Service      *service.Manager
	Checkers     []HealthChecker
	CheckTimeout time.Duration
}

type Handler struct {
	service *service.Manager
	mux     *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	checkTimeout := cfg.CheckTimeout
	if checkTimeout == 0 {
		checkTimeout = 5 * time.Second
	}

	h := &Handler{
		service: cfg.Service,
		mux:     http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/complete", h.handleComplete)
	h.mux.HandleFunc("POST /v1/embed", h.handleEmbed)
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", h.handleHealthReady(cfg.Checkers, checkTimeout))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type completeRequest struct {
	TaskType       string           `json:"task_type"`
	Complexity     string           `json:"complexity,omitempty"`
	Quality        string           `json:"quality,omitempty"`
	MaxTokens      *int             `json:"max_tokens,omitempty"`
	CostCeilingUSD float64          `json:"cost_ceiling_usd,omitempty"`
	Messages       []domain.Message `json:"messages"`
	Temperature    *float64         `json:"temperature,omitempty"`
	TopP           *float64         `json:"top_p,omitempty"`
	Stop           []string         `json:"stop,omitempty"`
}

type embedRequest struct {
	Quality        string   `json:"quality,omitempty"`
	CostCeilingUSD float64  `json:"cost_ceiling_usd,omitempty"`
	Input          []string `json:"input"`
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID := r.Header.Get("X-Org-ID")
	if orgID == "" {
		writeError(w, http.StatusBadRequest, "missing X-Org-ID header")
		return
	}

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	taskType := domain.TaskType(req.TaskType)
	if req.TaskType == "" {
		taskType = domain.TaskChat
	}

	task := domain.TaskDescriptor{
		Type:           taskType,
		Complexity:     domain.Complexity(req.Complexity),
		Quality:        domain.Quality(req.Quality),
		OrgID:          orgID,
		UserID:         r.Header.Get("X-User-ID"),
		CostCeilingUSD: req.CostCeilingUSD,
	}
	if req.MaxTokens != nil {
		task.MaxTokens = *req.MaxTokens
	}

	resp, err := h.service.Complete(ctx, task, domain.CompletionRequest{
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		Stop:        req.Stop,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", resp.RequestID)
	if resp.CacheHit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleEmbed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID := r.Header.Get("X-Org-ID")
	if orgID == "" {
		writeError(w, http.StatusBadRequest, "missing X-Org-ID header")
		return
	}

	var req embedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	task := domain.TaskDescriptor{
		Type:           domain.TaskEmbedding,
		Quality:        domain.Quality(req.Quality),
		OrgID:          orgID,
		UserID:         r.Header.Get("X-User-ID"),
		CostCeilingUSD: req.CostCeilingUSD,
	}

	resp, err := h.service.Embed(ctx, task, domain.EmbeddingRequest{Input: req.Input})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", resp.RequestID)
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	entries := h.service.Models()

	type model struct {
		Provider         string   `json:"provider"`
		Model            string   `json:"model"`
		Capabilities     []string `json:"capabilities"`
		Quality          string   `json:"quality"`
		InputPer1KUSD    float64  `json:"input_per_1k_usd"`
		OutputPer1KUSD   float64  `json:"output_per_1k_usd"`
		AvgLatencyMs     int64    `json:"avg_latency_ms"`
		MaxContextTokens int      `json:"max_context_tokens"`
	}

	models := make([]model, 0, len(entries))
	for _, e := range entries {
		caps := make([]string, len(e.Capabilities))
		for i, c := range e.Capabilities {
			caps[i] = string(c)
		}
		models = append(models, model{
			Provider:         e.Provider,
			Model:            e.Model,
			Capabilities:     caps,
			Quality:          string(e.Quality),
			InputPer1KUSD:    e.InputPer1K,
			OutputPer1KUSD:   e.OutputPer1K,
			AvgLatencyMs:     e.AvgLatencyMs,
			MaxContextTokens: e.MaxTokens,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"models": models,
		"count":  len(models),
	})
}

// writeServiceError maps orchestration errors onto HTTP statuses
// without leaking provider detail beyond the normalized trail.
func writeServiceError(w http.ResponseWriter, err error) {
	var invalidErr *domain.InvalidRequestError
	var costErr *domain.CostLimitExceededError
	var failedErr *domain.AllProvidersFailedError

	switch {
	case errors.As(err, &invalidErr):
		writeError(w, http.StatusBadRequest, invalidErr.Error())
	case errors.As(err, &costErr):
		writeError(w, http.StatusPaymentRequired, costErr.Error())
	case errors.Is(err, domain.ErrRateLimitExceeded):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &failedErr):
		writeError(w, http.StatusBadGateway, failedErr.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "error",
			"code":    status,
		},
	})
}
