package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dunamismax/resizeflow/internal/config"
	"github.com/dunamismax/resizeflow/internal/logging"
	"github.com/dunamismax/resizeflow/internal/pipeline"
	"github.com/dunamismax/resizeflow/internal/storage"
	"github.com/dunamismax/resizeflow/internal/store"
	"github.com/dunamismax/resizeflow/internal/telemetry"
	"github.com/dunamismax/resizeflow/internal/webhook"
	"github.com/dunamismax/resizeflow/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Bootstrap("worker").Fatalw("load config", "error", err)
	}
	logger := logging.MustNew(cfg.Log.Level, cfg.Log.Format, "worker")
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  cfg.Telemetry.ServiceName + "-worker",
		Environment:  cfg.Telemetry.Environment,
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		SampleRatio:  cfg.Telemetry.SampleRatio,
	}, logger)
	if err != nil {
		logger.Fatalw("setup tracing", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warnw("tracing shutdown failed", "error", err)
		}
	}()

	if err := pipeline.Startup(pipeline.RuntimeConfig{
		Concurrency:   cfg.Transform.VipsConcurrency,
		CacheMemBytes: cfg.Transform.VipsCacheMemBytes,
	}); err != nil {
		logger.Fatalw("start image backend", "error", err)
	}
	logger.Infow("image backend ready", "backend", pipeline.Backend())
	defer pipeline.Shutdown()

	storageClient, err := storage.NewClient(cfg.Storage.ClientConfig())
	if err != nil {
		logger.Fatalw("create storage client", "error", err)
	}

	processor, err := pipeline.NewObjectStoreProcessor(storageClient, pipeline.Options{
		Config: cfg.Transform.Params,
	}, logger)
	if err != nil {
		logger.Fatalw("create image processor", "error", err)
	}

	var (
		jobStore   store.JobStore
		usageStore store.UsageStore
	)
	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgresJobStore(ctx, cfg.Database.DSN)
		if err != nil {
			logger.Fatalw("connect job store", "error", err)
		}
		defer pg.Close()
		jobStore, usageStore = pg, pg
	} else {
		logger.Warnw("POSTGRES_DSN not set, job status and usage stay in memory")
		jobStore, usageStore = store.NewMemoryJobStore(), store.NewMemoryUsageStore()
	}

	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret:  cfg.Webhook.SigningSecret,
		Timeout:        cfg.Webhook.Timeout,
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		InitialBackoff: cfg.Webhook.InitialBackoff,
		MaxBackoff:     cfg.Webhook.MaxBackoff,
	})

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, processor, webhookClient, jobStore, usageStore)
	if err != nil {
		logger.Fatalw("create worker", "error", err)
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warnw("metrics server failed", "error", err)
		}
	}()
	defer metricsServer.Close()

	logger.Infow("starting worker",
		"concurrency", cfg.Worker.Concurrency,
		"max_active_jobs", cfg.Worker.MaxActiveJobs,
		"queue", cfg.Queue.Name,
		"redis", cfg.Queue.RedisAddr,
		"metrics_addr", cfg.Worker.MetricsAddr,
	)

	// Run blocks until SIGINT or SIGTERM.
	if err := srv.Run(); err != nil {
		logger.Errorw("worker failed", "error", err)
	}
}
