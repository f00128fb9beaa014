package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

type Optimization string

const (
	OptimizeCost     Optimization = "cost"
	OptimizeSpeed    Optimization = "speed"
	OptimizeBalanced Optimization = "balanced"
)

// Runtime is the hot-reloadable configuration snapshot. Instances are
// immutable once published; readers take a reference at the start of a
// call and never observe partial updates.
type Runtime struct {
	CostOptimization Optimization  `json:"cost_optimization"`
	RequestTimeout   time.Duration `json:"request_timeout"`
	AttemptTimeout   time.Duration `json:"attempt_timeout"`

	MaxConcurrentRequests int `json:"max_concurrent_requests"`
	DefaultRateLimitRPM   int `json:"default_rate_limit_rpm"`

	CacheTTL        time.Duration `json:"cache_ttl"`
	CacheMaxEntries int           `json:"cache_max_entries"`

	CostLimits  CostLimits                  `json:"cost_limits"`
	Providers   map[string]ProviderSettings `json:"providers"`
	Experiments []Experiment                `json:"experiments,omitempty"`
}

type CostLimits struct {
	PerRequestUSD float64 `json:"per_request_usd"`
	DailyUSD      float64 `json:"daily_usd"`
	MonthlyUSD    float64 `json:"monthly_usd"`

	// ShadowMode logs would-be rejections without enforcing them.
	// Internal testing only; it is not exposed through the admin API.
	ShadowMode bool `json:"shadow_mode,omitempty"`
}

type ProviderSettings struct {
	Enabled        bool `json:"enabled"`
	MaxConcurrency int  `json:"max_concurrency"`
}

type Experiment struct {
	ID       string              `json:"id"`
	TaskType string              `json:"task_type"`
	Variants []ExperimentVariant `json:"variants"`
}

type ExperimentVariant struct {
	ID       string `json:"id"`
	Weight   int    `json:"weight"`
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
}

func DefaultRuntime() *Runtime {
	return &Runtime{
		CostOptimization:      OptimizeBalanced,
		RequestTimeout:        60 * time.Second,
		AttemptTimeout:        30 * time.Second,
		MaxConcurrentRequests: 256,
		DefaultRateLimitRPM:   120,
		CacheTTL:              5 * time.Minute,
		CacheMaxEntries:       10000,
		CostLimits: CostLimits{
			PerRequestUSD: 1.0,
			DailyUSD:      50.0,
			MonthlyUSD:    1000.0,
		},
		Providers: map[string]ProviderSettings{},
	}
}

// Validate checks a proposed runtime configuration. The first invalid
// field is reported; the caller must keep the previous snapshot active
// when an error is returned.
func (c *Runtime) Validate() error {
	switch c.CostOptimization {
	case OptimizeCost, OptimizeSpeed, OptimizeBalanced:
	default:
		return fmt.Errorf("cost_optimization: unknown value %q", c.CostOptimization)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout: must be positive, got %s", c.RequestTimeout)
	}
	if c.AttemptTimeout <= 0 || c.AttemptTimeout > c.RequestTimeout {
		return fmt.Errorf("attempt_timeout: must be positive and <= request_timeout, got %s", c.AttemptTimeout)
	}
	if c.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("max_concurrent_requests: must be positive, got %d", c.MaxConcurrentRequests)
	}
	if c.DefaultRateLimitRPM < 0 {
		return fmt.Errorf("default_rate_limit_rpm: must be non-negative, got %d", c.DefaultRateLimitRPM)
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("cache_ttl: must be non-negative, got %s", c.CacheTTL)
	}
	if c.CacheMaxEntries < 0 {
		return fmt.Errorf("cache_max_entries: must be non-negative, got %d", c.CacheMaxEntries)
	}
	if c.CostLimits.PerRequestUSD < 0 {
		return fmt.Errorf("cost_limits.per_request_usd: must be non-negative, got %f", c.CostLimits.PerRequestUSD)
	}
	if c.CostLimits.DailyUSD < 0 {
		return fmt.Errorf("cost_limits.daily_usd: must be non-negative, got %f", c.CostLimits.DailyUSD)
	}
	if c.CostLimits.MonthlyUSD < 0 {
		return fmt.Errorf("cost_limits.monthly_usd: must be non-negative, got %f", c.CostLimits.MonthlyUSD)
	}
	for id, p := range c.Providers {
		if p.MaxConcurrency < 0 {
			return fmt.Errorf("providers.%s.max_concurrency: must be non-negative, got %d", id, p.MaxConcurrency)
		}
	}
	for _, exp := range c.Experiments {
		if exp.ID == "" {
			return fmt.Errorf("experiments: id must not be empty")
		}
		total := 0
		for _, v := range exp.Variants {
			if v.Weight < 0 {
				return fmt.Errorf("experiments.%s: variant %s weight must be non-negative", exp.ID, v.ID)
			}
			total += v.Weight
		}
		if total != 100 {
			return fmt.Errorf("experiments.%s: variant weights must sum to 100, got %d", exp.ID, total)
		}
	}
	return nil
}

// LoadRuntimeFile parses a runtime configuration file. Durations are
// given in seconds in the file format.
func LoadRuntimeFile(path string) (*Runtime, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read runtime config: %w", err)
	}

	var raw runtimeFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse runtime config: %w", err)
	}

	cfg := raw.toRuntime()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type runtimeFile struct {
	CostOptimization      string                      `json:"cost_optimization"`
	RequestTimeoutSec     int                         `json:"request_timeout_sec"`
	AttemptTimeoutSec     int                         `json:"attempt_timeout_sec"`
	MaxConcurrentRequests int                         `json:"max_concurrent_requests"`
	DefaultRateLimitRPM   int                         `json:"default_rate_limit_rpm"`
	CacheTTLSec           int                         `json:"cache_ttl_sec"`
	CacheMaxEntries       int                         `json:"cache_max_entries"`
	CostLimits            CostLimits                  `json:"cost_limits"`
	Providers             map[string]ProviderSettings `json:"providers"`
	Experiments           []Experiment                `json:"experiments"`
}

func (f runtimeFile) toRuntime() *Runtime {
	cfg := DefaultRuntime()
	if f.CostOptimization != "" {
		cfg.CostOptimization = Optimization(f.CostOptimization)
	}
	if f.RequestTimeoutSec > 0 {
		cfg.RequestTimeout = time.Duration(f.RequestTimeoutSec) * time.Second
	}
	if f.AttemptTimeoutSec > 0 {
		cfg.AttemptTimeout = time.Duration(f.AttemptTimeoutSec) * time.Second
	}
	if f.MaxConcurrentRequests > 0 {
		cfg.MaxConcurrentRequests = f.MaxConcurrentRequests
	}
	if f.DefaultRateLimitRPM > 0 {
		cfg.DefaultRateLimitRPM = f.DefaultRateLimitRPM
	}
	if f.CacheTTLSec > 0 {
		cfg.CacheTTL = time.Duration(f.CacheTTLSec) * time.Second
	}
	if f.CacheMaxEntries > 0 {
		cfg.CacheMaxEntries = f.CacheMaxEntries
	}
	if f.CostLimits != (CostLimits{}) {
		cfg.CostLimits = f.CostLimits
	}
	if f.Providers != nil {
		cfg.Providers = f.Providers
	}
	cfg.Experiments = f.Experiments
	return cfg
}
