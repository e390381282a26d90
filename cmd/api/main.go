package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/resizeflow/internal/api"
	"github.com/dunamismax/resizeflow/internal/config"
	"github.com/dunamismax/resizeflow/internal/logging"
	"github.com/dunamismax/resizeflow/internal/pipeline"
	"github.com/dunamismax/resizeflow/internal/queue"
	"github.com/dunamismax/resizeflow/internal/ratelimit"
	"github.com/dunamismax/resizeflow/internal/storage"
	"github.com/dunamismax/resizeflow/internal/store"
	"github.com/dunamismax/resizeflow/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Bootstrap("api").Fatalw("load config", "error", err)
	}
	logger := logging.MustNew(cfg.Log.Level, cfg.Log.Format, "api")
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  cfg.Telemetry.ServiceName + "-api",
		Environment:  cfg.Telemetry.Environment,
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		SampleRatio:  cfg.Telemetry.SampleRatio,
	}, logger)
	if err != nil {
		logger.Fatalw("setup tracing", "error", err)
	}

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
	bucketCtx, cancelBucket := context.WithTimeout(ctx, 10*time.Second)
	if err := storageClient.EnsureBucket(bucketCtx); err != nil {
		logger.Warnw("bucket check failed", "bucket", storageClient.Bucket(), "error", err)
	}
	cancelBucket()

	processor, err := pipeline.NewObjectStoreProcessor(storageClient, pipeline.Options{
		Config:             cfg.Transform.Params,
		NegotiateWebP:      cfg.Transform.NegotiateWebP,
		FallbackToOriginal: cfg.Transform.FallbackToOriginal,
	}, logger)
	if err != nil {
		logger.Fatalw("create image processor", "error", err)
	}

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), queue.Options{
		Queue:          cfg.Queue.Name,
		MaxRetry:       cfg.Queue.MaxRetry,
		VariantTimeout: cfg.Queue.VariantTimeout,
		Retention:      cfg.Queue.Retention,
	})
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warnw("queue client close error", "error", err)
		}
	}()

	var jobStore store.JobStore = store.NewMemoryJobStore()
	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgresJobStore(ctx, cfg.Database.DSN)
		if err != nil {
			logger.Fatalw("connect job store", "error", err)
		}
		defer pg.Close()
		jobStore = pg
	}

	var limiter api.RateLimiter
	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer redisClient.Close()

		bucket, err := ratelimit.NewRedisTokenBucket(redisClient, cfg.RateLimit.Requests, cfg.RateLimit.Window, ratelimit.DefaultKeyPrefix)
		if err != nil {
			logger.Fatalw("create rate limiter", "error", err)
		}
		limiter = bucket
	}

	app := api.NewServer(api.Options{
		Logger:                logger,
		Processor:             processor,
		Queue:                 queueClient,
		Jobs:                  jobStore,
		Storage:               storageClient,
		PresignTTL:            cfg.API.PresignTTL,
		RateLimiter:           limiter,
		RateLimitUserIDHeader: cfg.RateLimit.UserIDHeader,
		Tracer:                otel.Tracer("resizeflow/api"),
	})

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infow("listening", "addr", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Infow("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("graceful shutdown failed", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warnw("tracing shutdown failed", "error", err)
	}
}
