package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/mosaicdocs/aicore/internal/config"
	"github.com/mosaicdocs/aicore/internal/service"
)

// AdminHandler exposes runtime controls. It is mounted on a separate
// listener or protected upstream; there is no auth here.
type AdminHandler struct {
	service *service.Manager
	mux     *http.ServeMux
}

func NewAdminHandler(svc *service.Manager) *AdminHandler {
	h := &AdminHandler{
		service: svc,
		mux:     http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /admin/config", h.getConfig)
	h.mux.HandleFunc("PUT /admin/config", h.updateConfig)
	h.mux.HandleFunc("GET /admin/experiments/{id}/metrics", h.experimentMetrics)
	h.mux.HandleFunc("POST /admin/cache/purge", h.purgeCache)
	h.mux.HandleFunc("GET /admin/usage", h.orgUsage)

	return h
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *AdminHandler) getConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.service.Configuration())
}

func (h *AdminHandler) updateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg config.Runtime
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.service.UpdateConfiguration(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	slog.Info("runtime configuration updated via admin API")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.service.Configuration())
}

func (h *AdminHandler) experimentMetrics(w http.ResponseWriter, r *http.Request) {
	testID := r.PathValue("id")

	variants := h.service.VariantMetrics(testID)
	if len(variants) == 0 {
		writeError(w, http.StatusNotFound, "experiment not found or has no traffic")
		return
	}

	resp := map[string]any{
		"test_id":  testID,
		"variants": variants,
	}
	if winner, confidence, err := h.service.ExperimentWinner(testID); err == nil {
		resp["winner"] = winner
		resp["confidence"] = confidence
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *AdminHandler) purgeCache(w http.ResponseWriter, r *http.Request) {
	if err := h.service.PurgeCache(r.Context()); err != nil {
		slog.Error("cache purge failed", "error", err)
		writeError(w, http.StatusInternalServerError, "cache purge failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "purged"})
}

func (h *AdminHandler) orgUsage(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("org_id")
	if orgID == "" {
		writeError(w, http.StatusBadRequest, "org_id is required")
		return
	}

	since := time.Now().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = parsed
	}

	records, total, err := h.service.OrgUsage(r.Context(), orgID, since)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		slog.Error("usage query failed", "org_id", orgID, "error", err)
		writeError(w, http.StatusInternalServerError, "usage query failed")
		return
	}

	dailySpend, err := h.service.DailySpend(r.Context(), orgID)
	if err != nil {
		slog.Warn("daily spend lookup failed", "org_id", orgID, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"org_id":          orgID,
		"since":           since.UTC().Format(time.RFC3339),
		"records":         records,
		"count":           len(records),
		"total_cost_usd":  total,
		"daily_spend_usd": dailySpend,
	})
}
