package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultRuntimeIsValid(t *testing.T) {
	if err := DefaultRuntime().Validate(); err != nil {
		t.Errorf("default runtime should validate, got %v", err)
	}
}

func TestValidateRejectsBadFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Runtime)
	}{
		{"unknown optimization", func(c *Runtime) { c.CostOptimization = "fastest" }},
		{"zero request timeout", func(c *Runtime) { c.RequestTimeout = 0 }},
		{"attempt exceeds request timeout", func(c *Runtime) { c.AttemptTimeout = c.RequestTimeout + time.Second }},
		{"zero concurrency", func(c *Runtime) { c.MaxConcurrentRequests = 0 }},
		{"negative rate limit", func(c *Runtime) { c.DefaultRateLimitRPM = -1 }},
		{"negative daily limit", func(c *Runtime) { c.CostLimits.DailyUSD = -1 }},
		{"negative provider concurrency", func(c *Runtime) {
			c.Providers = map[string]ProviderSettings{"openai": {MaxConcurrency: -1}}
		}},
		{"experiment weights not 100", func(c *Runtime) {
			c.Experiments = []Experiment{{
				ID: "exp-1",
				Variants: []ExperimentVariant{
					{ID: "a", Weight: 50, Provider: "openai"},
					{ID: "b", Weight: 40, Provider: "ollama"},
				},
			}}
		}},
		{"experiment without id", func(c *Runtime) {
			c.Experiments = []Experiment{{Variants: []ExperimentVariant{{ID: "a", Weight: 100, Provider: "openai"}}}}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultRuntime()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadRuntimeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime.json")
	content := `{
		"cost_optimization": "cost",
		"request_timeout_sec": 45,
		"attempt_timeout_sec": 15,
		"default_rate_limit_rpm": 90,
		"cost_limits": {"per_request_usd": 0.5, "daily_usd": 20, "monthly_usd": 400},
		"experiments": [{
			"id": "exp-1",
			"task_type": "chat",
			"variants": [
				{"id": "a", "weight": 70, "provider": "openai", "model": "gpt-4o-mini"},
				{"id": "b", "weight": 30, "provider": "ollama", "model": "llama3.1"}
			]
		}]
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadRuntimeFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.CostOptimization != OptimizeCost {
		t.Errorf("expected cost optimization, got %q", cfg.CostOptimization)
	}
	if cfg.RequestTimeout != 45*time.Second {
		t.Errorf("expected 45s request timeout, got %s", cfg.RequestTimeout)
	}
	if cfg.CostLimits.DailyUSD != 20 {
		t.Errorf("expected daily limit 20, got %v", cfg.CostLimits.DailyUSD)
	}
	if len(cfg.Experiments) != 1 || cfg.Experiments[0].Variants[0].Weight != 70 {
		t.Errorf("unexpected experiments: %+v", cfg.Experiments)
	}
	// Unset fields keep defaults.
	if cfg.MaxConcurrentRequests != DefaultRuntime().MaxConcurrentRequests {
		t.Errorf("expected default concurrency, got %d", cfg.MaxConcurrentRequests)
	}
}

func TestLoadRuntimeFileRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime.json")
	os.WriteFile(path, []byte(`{"request_timeout_sec": 5, "attempt_timeout_sec": 10}`), 0o600)

	if _, err := LoadRuntimeFile(path); err == nil {
		t.Error("expected validation error for attempt > request timeout")
	}
}

func TestManagerUpdateSwapsSnapshot(t *testing.T) {
	m, err := NewManager(DefaultRuntime())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	var notified *Runtime
	m.OnChange(func(cfg *Runtime) { notified = cfg })

	next := DefaultRuntime()
	next.DefaultRateLimitRPM = 30
	if err := m.Update(next); err != nil {
		t.Fatalf("update: %v", err)
	}

	if m.Get().DefaultRateLimitRPM != 30 {
		t.Errorf("expected updated snapshot, got %d", m.Get().DefaultRateLimitRPM)
	}
	if notified == nil || notified.DefaultRateLimitRPM != 30 {
		t.Error("expected OnChange callback with new snapshot")
	}
}

func TestManagerRejectsInvalidUpdate(t *testing.T) {
	m, err := NewManager(DefaultRuntime())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	bad := DefaultRuntime()
	bad.MaxConcurrentRequests = -1
	if err := m.Update(bad); err == nil {
		t.Fatal("expected error for invalid update")
	}

	if m.Get().MaxConcurrentRequests != DefaultRuntime().MaxConcurrentRequests {
		t.Error("previous snapshot should remain active after rejected update")
	}
}
