package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/goalchat/internal/agent"
	"github.com/haasonsaas/goalchat/internal/agent/providers"
	"github.com/haasonsaas/goalchat/internal/auth"
	"github.com/haasonsaas/goalchat/internal/cache"
	"github.com/haasonsaas/goalchat/internal/config"
	"github.com/haasonsaas/goalchat/internal/gateway"
	"github.com/haasonsaas/goalchat/internal/observability"
	"github.com/haasonsaas/goalchat/internal/sessions"
	"github.com/haasonsaas/goalchat/internal/storage"
	"github.com/haasonsaas/goalchat/internal/tools/goals"
)

// app owns every long-lived component of a running server.
type app struct {
	logger        *slog.Logger
	server        *gateway.Server
	janitor       *storage.Janitor
	stores        storage.StoreSet
	historyCache  cache.HistoryCache
	traceShutdown func(context.Context) error
}

// buildApp wires config into stores, cache, provider, tools and the gateway.
// On error, everything opened so far is closed.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			_ = a.Stop(context.Background())
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "goalchat",
		ServiceVersion: version,
		Environment:    cfg.Observability.Tracing.Environment,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		EnableInsecure: cfg.Observability.Tracing.Insecure,
	})
	a.traceShutdown = shutdown

	a.stores, err = openStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	a.historyCache, err = openCache(ctx, cfg.Cache)
	if err != nil {
		return nil, err
	}
	history := cache.NewHistory(cache.HistoryConfig{
		Cache:   a.historyCache,
		Store:   a.stores.Conversations,
		Limit:   cfg.Cache.MaxMessages,
		Logger:  logger,
		Metrics: metrics,
	})

	llm, err := newProvider(cfg.LLM)
	if err != nil {
		return nil, err
	}

	tools := agent.NewToolRegistry(
		agent.WithToolTimeout(cfg.Tools.Timeout),
		agent.WithToolLogger(logger),
		agent.WithToolMetrics(metrics),
		agent.WithToolTracer(tracer),
	)
	if err := goals.Register(tools, a.stores.Goals); err != nil {
		return nil, fmt.Errorf("failed to register goal tools: %w", err)
	}

	orchestrator := agent.NewOrchestrator(llm, tools, agent.OrchestratorConfig{
		SystemPrompt: cfg.LLM.SystemPrompt,
		Model:        cfg.LLM.Model,
		MaxTokens:    cfg.LLM.MaxTokens,
		Temperature:  cfg.LLM.Temperature,
		HistoryLimit: cfg.Chat.HistoryLimit,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       tracer,
	})

	pipeline, err := gateway.NewPipeline(gateway.PipelineConfig{
		Store:     a.stores.Conversations,
		History:   history,
		Responder: orchestrator,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	a.server, err = gateway.NewServer(gateway.Config{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.HTTPPort,
		IdleTimeout:       cfg.WebSocket.IdleTimeout,
		IdleCheckInterval: cfg.WebSocket.IdleCheckInterval,
		DemoLifetime:      cfg.WebSocket.DemoLifetime,
		DemoCheckInterval: cfg.WebSocket.DemoCheckInterval,
		DemoTitle:         cfg.Chat.DemoTitle,
		MaxPayloadBytes:   cfg.WebSocket.MaxPayloadBytes,
		WriteTimeout:      cfg.WebSocket.WriteTimeout,
	}, gateway.Dependencies{
		Stores:         a.stores,
		History:        history,
		Pipeline:       pipeline,
		Auth:           auth.NewFromConfig(auth.Config{JWTSecret: cfg.Auth.JWTSecret, TokenExpiry: cfg.Auth.TokenExpiry}),
		Logger:         logger,
		Metrics:        metrics,
		Tracer:         tracer,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
	})
	if err != nil {
		return nil, err
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth.jwt_secret is empty; only demo sessions will be accepted")
	}

	if cfg.Janitor.IsEnabled() {
		a.janitor, err = storage.NewJanitor(a.stores.Users, cfg.Janitor.Schedule, cfg.Janitor.MaxAge,
			storage.WithJanitorLogger(logger),
			storage.WithJanitorMetrics(metrics),
		)
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.StoreSet, error) {
	if cfg.Database.URL == "" {
		logger.Info("using in-memory stores")
		return storage.NewMemoryStores(), nil
	}
	db, err := sessions.OpenDB(cfg.Database.URL, poolConfig(cfg.Database))
	if err != nil {
		return storage.StoreSet{}, err
	}
	applied, err := sessions.Migrate(ctx, db)
	if err != nil {
		_ = db.Close()
		return storage.StoreSet{}, fmt.Errorf("failed to migrate database: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("applied migrations", "ids", applied)
	}
	return storage.NewCockroachStores(db)
}

func poolConfig(cfg config.DatabaseConfig) *sessions.CockroachConfig {
	pool := sessions.DefaultCockroachConfig()
	if cfg.MaxConnections > 0 {
		pool.MaxOpenConns = cfg.MaxConnections
		if pool.MaxIdleConns > cfg.MaxConnections {
			pool.MaxIdleConns = cfg.MaxConnections
		}
	}
	if cfg.ConnMaxLifetime > 0 {
		pool.ConnMaxLifetime = cfg.ConnMaxLifetime
	}
	return pool
}

func openCache(ctx context.Context, cfg config.CacheConfig) (cache.HistoryCache, error) {
	switch cfg.Backend {
	case "redis":
		redisCache, err := cache.NewRedisHistoryCache(ctx, cache.RedisOptions{
			URL:         cfg.RedisURL,
			KeyPrefix:   cfg.KeyPrefix,
			MaxMessages: cfg.MaxMessages,
			TTL:         cfg.TTL,
		})
		if err != nil {
			return nil, err
		}
		return redisCache, nil
	case "memory", "":
		return cache.NewMemoryHistoryCache(cache.MemoryOptions{
			MaxMessages: cfg.MaxMessages,
			TTL:         cfg.TTL,
		}), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

func newProvider(cfg config.LLMConfig) (agent.LLMGateway, error) {
	pcfg := providers.Config{
		APIKey:       cfg.APIKey,
		BaseURL:      cfg.BaseURL,
		DefaultModel: cfg.Model,
		MaxTokens:    cfg.MaxTokens,
		MaxRetries:   cfg.MaxRetries,
		RetryDelay:   cfg.RetryDelay,
		Temperature:  cfg.Temperature,
	}
	var (
		llm agent.LLMGateway
		err error
	)
	switch cfg.Provider {
	case "openai":
		llm, err = providers.NewOpenAIProvider(pcfg)
	case "anthropic":
		llm, err = providers.NewAnthropicProvider(pcfg)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return llm, nil
}

// Start begins serving and schedules the janitor.
func (a *app) Start(ctx context.Context) error {
	if err := a.server.Start(ctx); err != nil {
		return err
	}
	if a.janitor != nil {
		a.janitor.Start(ctx)
	}
	return nil
}

// Addr returns the bound listen address.
func (a *app) Addr() string {
	if a.server == nil {
		return ""
	}
	return a.server.Addr()
}

// Stop closes sessions first so their cleanup still reaches the stores.
func (a *app) Stop(ctx context.Context) error {
	var errs []error
	if a.server != nil {
		if err := a.server.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server: %w", err))
		}
	}
	if a.janitor != nil {
		a.janitor.Stop(ctx)
	}
	if a.historyCache != nil {
		if err := a.historyCache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache: %w", err))
		}
	}
	if err := a.stores.Close(); err != nil {
		errs = append(errs, fmt.Errorf("stores: %w", err))
	}
	if a.traceShutdown != nil {
		if err := a.traceShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer: %w", err))
		}
	}
	return errors.Join(errs...)
}
