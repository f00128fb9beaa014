package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mosaicdocs/aicore/internal/abtest"
	"github.com/mosaicdocs/aicore/internal/api"
	"github.com/mosaicdocs/aicore/internal/cache"
	"github.com/mosaicdocs/aicore/internal/circuitbreaker"
	"github.com/mosaicdocs/aicore/internal/config"
	"github.com/mosaicdocs/aicore/internal/costguard"
	"github.com/mosaicdocs/aicore/internal/metrics"
	"github.com/mosaicdocs/aicore/internal/notifications"
	"github.com/mosaicdocs/aicore/internal/pipeline"
	"github.com/mosaicdocs/aicore/internal/provider"
	"github.com/mosaicdocs/aicore/internal/provider/anthropic"
	"github.com/mosaicdocs/aicore/internal/provider/bedrock"
	"github.com/mosaicdocs/aicore/internal/provider/ollama"
	"github.com/mosaicdocs/aicore/internal/provider/openai"
	"github.com/mosaicdocs/aicore/internal/queue"
	"github.com/mosaicdocs/aicore/internal/ratelimit"
	"github.com/mosaicdocs/aicore/internal/registry"
	"github.com/mosaicdocs/aicore/internal/repository"
	"github.com/mosaicdocs/aicore/internal/router"
	"github.com/mosaicdocs/aicore/internal/secrets"
	"github.com/mosaicdocs/aicore/internal/service"
	"github.com/mosaicdocs/aicore/internal/telemetry"
)

func main() {
	boot, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(boot.LogLevel)

	slog.Info("starting aicore", "addr", boot.Addr, "version", "0.4.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if boot.OTLPEndpoint != "" {
		shutdown, err := telemetry.Init(ctx, "aicore", boot.OTLPEndpoint)
		if err != nil {
			slog.Error("failed to initialize tracing", "error", err)
			os.Exit(1)
		}
		defer shutdown(context.Background())
		slog.Info("tracing enabled", "endpoint", boot.OTLPEndpoint)
	}

	runtime := config.DefaultRuntime()
	if boot.RuntimeFile != "" {
		runtime, err = config.LoadRuntimeFile(boot.RuntimeFile)
		if err != nil {
			slog.Error("failed to load runtime config", "path", boot.RuntimeFile, "error", err)
			os.Exit(1)
		}
	}

	cfgManager, err := config.NewManager(runtime)
	if err != nil {
		slog.Error("invalid runtime config", "error", err)
		os.Exit(1)
	}
	if boot.RuntimeFile != "" {
		if err := cfgManager.Watch(ctx, boot.RuntimeFile); err != nil {
			slog.Warn("config hot-reload unavailable", "error", err)
		}
	}

	var notifier notifications.Notifier
	if boot.SNSTopicARN != "" && boot.AWSRegion != "" {
		notifier, err = notifications.NewSNSNotifier(ctx, boot.AWSRegion, boot.SNSTopicARN)
		if err != nil {
			slog.Error("failed to initialize SNS notifier", "error", err)
			os.Exit(1)
		}
		slog.Info("using SNS notifications", "topic", boot.SNSTopicARN)
	} else {
		notifier = notifications.NewInMemoryNotifier()
	}

	breakerOpts := []circuitbreaker.ManagerOption{}
	if boot.RedisURL != "" {
		breakerOpts = append(breakerOpts, circuitbreaker.WithRedis(boot.RedisURL))
	}
	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig(), breakerOpts...)
	breakers.OnStateChange(func(providerID string, state circuitbreaker.State) {
		metrics.SetCircuitBreakerState(providerID, int(state))
	})
	breakers.OnStateChange(notifications.BreakerStateHandler(notifier))

	var checkers []api.HealthChecker

	var ledger costguard.LedgerStore
	var usageStore repository.UsageStore
	if boot.DatabaseURL != "" {
		db, err := repository.Open(boot.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		ledger = repository.NewPostgresLedger(db)
		usageStore = repository.NewPostgresUsageStore(db)
		checkers = append(checkers, api.NewPostgresHealthChecker(db))
		slog.Info("using postgres ledger")
	} else {
		ledger = repository.NewInMemoryLedger()
		usageStore = repository.NewInMemoryUsageStore()
		slog.Info("using in-memory ledger")
	}

	guard := costguard.New(ledger, func() costguard.Limits {
		limits := cfgManager.Get().CostLimits
		return costguard.Limits{
			PerRequestUSD: limits.PerRequestUSD,
			DailyUSD:      limits.DailyUSD,
			MonthlyUSD:    limits.MonthlyUSD,
			ShadowMode:    limits.ShadowMode,
		}
	})

	monitor := costguard.NewMonitor(guard, costguard.DefaultThresholds())
	monitor.OnAlert(costguard.LogAlertHandler)
	monitor.OnAlert(notifications.BudgetAlertHandler(notifier))

	var exporter queue.Exporter
	if boot.SQSUsageQueue != "" && boot.AWSRegion != "" {
		exporter, err = queue.NewSQSExporter(ctx, boot.AWSRegion, boot.SQSUsageQueue)
		if err != nil {
			slog.Error("failed to initialize SQS exporter", "error", err)
			os.Exit(1)
		}
		slog.Info("using SQS usage export", "queue", boot.SQSUsageQueue)
	} else {
		exporter = queue.NewInMemoryExporter()
	}

	var responseCache cache.Cache
	var limiter ratelimit.RateLimiter
	if boot.RedisURL != "" {
		responseCache, err = cache.NewRedisCache(boot.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		limiter, err = ratelimit.NewRedisRateLimiter(boot.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		if checker, err := api.NewRedisHealthCheckerFromURL(boot.RedisURL); err == nil {
			checkers = append(checkers, checker)
		}
		slog.Info("using redis cache and rate limiter")
	} else {
		responseCache = cache.NewInMemoryCache(cfgManager.Get().CacheMaxEntries)
		limiter = ratelimit.NewInMemoryRateLimiter()
		slog.Info("using in-memory cache and rate limiter")
	}

	adapters := buildAdapters(ctx, boot)
	if len(adapters) == 0 {
		slog.Error("no providers configured")
		os.Exit(1)
	}

	reg := registry.New(registry.Default())

	assigner := abtest.NewAssigner()
	applyExperiments(assigner, cfgManager.Get())
	cfgManager.OnChange(func(cfg *config.Runtime) {
		applyExperiments(assigner, cfg)
	})

	rt := router.New(reg, adapters, breakers, guard, assigner, cfgManager.Get)

	pipe := pipeline.New(
		pipeline.NewLoggingStage(slog.Default()),
		pipeline.NewRateLimitStage(limiter, func() int { return cfgManager.Get().DefaultRateLimitRPM }),
		pipeline.NewCostControlStage(guard, monitor),
		pipeline.NewCacheStage(responseCache, func() time.Duration { return cfgManager.Get().CacheTTL }),
		pipeline.NewMonitoringStage(usageStore, exporter),
	)

	svc := service.NewManager(cfgManager, reg, rt, pipe, breakers, guard, assigner, responseCache, usageStore, slog.Default())

	handler := api.NewHandler(api.HandlerConfig{
		Service:  svc,
		Checkers: checkers,
	})
	admin := api.NewAdminHandler(svc)

	mux := http.NewServeMux()
	mux.Handle("/admin/", admin)
	mux.Handle("/", handler)

	srv := &http.Server{
		Addr:         boot.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", boot.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), boot.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("server stopped")
}

// buildAdapters registers every provider with credentials available,
// preferring Secrets Manager over environment variables when a secret
// prefix is configured.
func buildAdapters(ctx context.Context, boot *config.Bootstrap) map[string]provider.Adapter {
	var store secrets.Store
	if boot.SecretPrefix != "" && boot.AWSRegion != "" {
		awsStore, err := secrets.NewAWSStore(ctx, boot.AWSRegion)
		if err != nil {
			slog.Warn("secrets manager unavailable, using environment keys", "error", err)
		} else {
			store = awsStore
		}
	}

	resolveKey := func(providerID, envKey string) string {
		if store != nil {
			if key, err := secrets.ProviderKey(ctx, store, boot.SecretPrefix, providerID); err == nil && key != "" {
				return key
			}
		}
		return envKey
	}

	adapters := make(map[string]provider.Adapter)

	if key := resolveKey("openai", boot.OpenAIAPIKey); key != "" {
		adapters["openai"] = openai.New(key, boot.OpenAIBaseURL)
		slog.Info("registered provider", "provider", "openai")
	}

	if key := resolveKey("anthropic", boot.AnthropicAPIKey); key != "" {
		adapters["anthropic"] = anthropic.New(key)
		slog.Info("registered provider", "provider", "anthropic")
	}

	if boot.OllamaBaseURL != "" {
		adapters["ollama"] = ollama.New(boot.OllamaBaseURL)
		slog.Info("registered provider", "provider", "ollama", "url", boot.OllamaBaseURL)
	}

	if boot.BedrockRegion != "" {
		adapter, err := bedrock.New(ctx, boot.BedrockRegion)
		if err != nil {
			slog.Warn("bedrock unavailable", "error", err)
		} else {
			adapters["bedrock"] = adapter
			slog.Info("registered provider", "provider", "bedrock", "region", boot.BedrockRegion)
		}
	}

	return adapters
}

func applyExperiments(assigner *abtest.Assigner, cfg *config.Runtime) {
	experiments := make([]abtest.Experiment, 0, len(cfg.Experiments))
	for _, exp := range cfg.Experiments {
		variants := make([]abtest.Variant, 0, len(exp.Variants))
		for _, v := range exp.Variants {
			variants = append(variants, abtest.Variant{
				ID:       v.ID,
				Weight:   v.Weight,
				Provider: v.Provider,
				Model:    v.Model,
			})
		}
		experiments = append(experiments, abtest.Experiment{ID: exp.ID, Variants: variants})
	}
	if err := assigner.Configure(experiments); err != nil {
		slog.Error("invalid experiment configuration", "error", err)
	}
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
