// Package app initializes and holds long-lived application services, acting
// as the dependency injection container. Constructed once at process start,
// handed to the server or worker command, and closed on shutdown.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/7and1/youtube-subtitle-api/internal/admission"
	"github.com/7and1/youtube-subtitle-api/internal/cache/memory"
	redisc "github.com/7and1/youtube-subtitle-api/internal/cache/redis"
	"github.com/7and1/youtube-subtitle-api/internal/clock"
	"github.com/7and1/youtube-subtitle-api/internal/clock/system"
	"github.com/7and1/youtube-subtitle-api/internal/config"
	"github.com/7and1/youtube-subtitle-api/internal/coordinator"
	"github.com/7and1/youtube-subtitle-api/internal/extractor"
	"github.com/7and1/youtube-subtitle-api/internal/id/uuid"
	"github.com/7and1/youtube-subtitle-api/internal/logging"
	"github.com/7and1/youtube-subtitle-api/internal/metrics"
	"github.com/7and1/youtube-subtitle-api/internal/proxy"
	"github.com/7and1/youtube-subtitle-api/internal/queue"
	"github.com/7and1/youtube-subtitle-api/internal/ratelimit"
	"github.com/7and1/youtube-subtitle-api/internal/store"
	"github.com/7and1/youtube-subtitle-api/internal/webhook"
	"github.com/7and1/youtube-subtitle-api/internal/worker"
)

// App holds all the shared, long-lived services for the application.
type App struct {
	Cfg          config.Config
	Logger       *zap.Logger
	Clock        clock.Clock
	Redis        *redisc.Client
	Store        *store.Store
	Local        *memory.Cache
	Queue        *queue.Queue
	Coordinator  *coordinator.Coordinator
	Limiter      *ratelimit.Limiter
	Rotator      *proxy.Rotator
	Extractor    *extractor.Extractor
	Dispatcher   *webhook.Dispatcher
	Orchestrator *admission.Orchestrator
}

// New builds the full service graph from configuration, failing fast if any
// backing service is unreachable.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	metrics.Init()
	clk := system.New()

	redisClient, err := redisc.New(ctx, cfg.Redis.URL, logger)
	if err != nil {
		return nil, fmt.Errorf("init redis: %w", err)
	}

	st, err := store.New(ctx, store.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("init store: %w", err)
	}
	if cfg.DB.AutoCreateTable {
		if err := st.Bootstrap(ctx); err != nil {
			st.Close()
			_ = redisClient.Close()
			return nil, fmt.Errorf("bootstrap schema: %w", err)
		}
	}

	local := memory.New(cfg.Cache.MemoryCapacity, cfg.MemoryTTL())
	q := queue.New(redisClient, queue.Config{
		Name:      cfg.Redis.QueueName,
		ResultTTL: time.Duration(cfg.Redis.ResultTTLSeconds) * time.Second,
	}, clk, logger)

	coord := coordinator.New(local, redisClient, st, q, uuid.NewGenerator(), clk, coordinator.Config{
		RedisTTL:  cfg.RedisTTL(),
		Retention: cfg.Retention(),
		LockTTL:   cfg.ExtractionTimeout() + 15*time.Second,
	}, logger)

	limiter := ratelimit.New(redisClient, ratelimit.Config{
		PerMinute: cfg.RateLimit.PerMinute,
		Burst:     cfg.RateLimit.Burst,
		FailOpen:  cfg.RateLimit.FailOpen,
	}, clk, logger)

	pool, err := proxy.LoadPool(cfg.Proxy.PoolPath, cfg.Proxy.Auth)
	if err != nil {
		st.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("load proxy pool: %w", err)
	}
	rotator := proxy.New(pool, redisClient, proxy.Config{
		MaxFailures: cfg.Proxy.MaxFailures,
		Cooldown:    time.Duration(cfg.Proxy.CooldownSeconds) * time.Second,
	}, clk, logger)
	logger.Info("proxy pool loaded", zap.Int("size", rotator.Size()))

	ex := extractor.New(
		extractor.NewPrimaryEngine(""),
		extractor.NewFallbackEngine(""),
		rotator,
		extractor.Config{
			Timeout:       cfg.ExtractionTimeout(),
			MaxAttempts:   cfg.Extraction.MaxAttempts,
			BackoffBase:   time.Duration(cfg.Extraction.BackoffBaseSeconds * float64(time.Second)),
			BackoffCap:    time.Duration(cfg.Extraction.BackoffCapSeconds * float64(time.Second)),
			OEmbedTimeout: time.Duration(cfg.Extraction.OEmbedTimeoutSeconds) * time.Second,
			UpstreamRPS:   cfg.Extraction.UpstreamRPS,
			UpstreamBurst: cfg.Extraction.UpstreamBurst,
		}, clk, logger)

	dispatcher := webhook.New(webhook.Config{
		Timeout:    time.Duration(cfg.Webhook.TimeoutSeconds) * time.Second,
		MaxRetries: cfg.Webhook.MaxRetries,
		Secret:     cfg.Webhook.Secret,
		PoolSize:   cfg.Webhook.DispatchPool,
		QueueDepth: cfg.Webhook.QueueDepth,
	}, []webhook.Recorder{st, q}, clk, logger)

	orch := admission.New(coord, limiter, q, st, clk, logger)

	logger.Info("application services initialized")
	return &App{
		Cfg:          cfg,
		Logger:       logger,
		Clock:        clk,
		Redis:        redisClient,
		Store:        st,
		Local:        local,
		Queue:        q,
		Coordinator:  coord,
		Limiter:      limiter,
		Rotator:      rotator,
		Extractor:    ex,
		Dispatcher:   dispatcher,
		Orchestrator: orch,
	}, nil
}

// NewWorker builds the worker runtime over the app's services.
func (a *App) NewWorker() *worker.Worker {
	cfg := a.Cfg
	return worker.New(a.Queue, a.Extractor, a.Coordinator, a.Store, a.Dispatcher, a.Clock, worker.Config{
		Concurrency:       cfg.Worker.Concurrency,
		DequeueTimeout:    time.Duration(cfg.Worker.DequeueTimeoutSeconds) * time.Second,
		ExtractionTimeout: cfg.ExtractionTimeout(),
		LeaseGrace:        time.Duration(cfg.Worker.LeaseGraceSeconds) * time.Second,
		GracefulTimeout:   time.Duration(cfg.Worker.GracefulTimeoutSeconds) * time.Second,
		ReaperInterval:    time.Duration(cfg.Worker.ReaperIntervalSeconds) * time.Second,
		SweepInterval:     time.Duration(cfg.Worker.SweepIntervalSeconds) * time.Second,
		Retention:         cfg.Retention(),
	}, a.Logger)
}

// Close gracefully shuts down all services in the container.
func (a *App) Close() {
	a.Logger.Info("shutting down application services")
	a.Store.Close()
	if err := a.Redis.Close(); err != nil {
		a.Logger.Warn("error closing redis client", zap.Error(err))
	}
	// Flush buffered log entries; best effort on a closing stderr.
	_ = a.Logger.Sync()
}
