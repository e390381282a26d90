package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dunamismax/resizeflow/internal/config"
	"github.com/dunamismax/resizeflow/internal/domain"
	"github.com/dunamismax/resizeflow/internal/pipeline"
	"github.com/dunamismax/resizeflow/internal/queue"
	"github.com/dunamismax/resizeflow/internal/storage"
	"github.com/dunamismax/resizeflow/internal/store"
	"github.com/dunamismax/resizeflow/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type Server struct {
	logger        *zap.SugaredLogger
	server        *asynq.Server
	sem           chan struct{}
	processor     variantProcessor
	webhookClient webhookSender
	jobStore      store.JobStore
	usageStore    store.UsageStore
	metrics       *metrics
	tracer        trace.Tracer
}

type variantProcessor interface {
	Process(ctx context.Context, req pipeline.Request, responder pipeline.Responder) (pipeline.Output, error)
}

type webhookSender interface {
	Deliver(ctx context.Context, endpoint string, evt webhook.Event) error
}

// prewarmOutcome is the data carried by both pre-warm webhook events.
type prewarmOutcome struct {
	Status      string          `json:"status"`
	ObjectKey   string          `json:"object_key"`
	RequestedAt time.Time       `json:"requested_at"`
	FinishedAt  time.Time       `json:"finished_at"`
	Variants    []variantReport `json:"variants"`
	Errors      []string        `json:"errors,omitempty"`
}

func NewServer(
	logger *zap.SugaredLogger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	processor variantProcessor,
	webhookClient *webhook.Client,
	jobStore store.JobStore,
	usageStore store.UsageStore,
) (*Server, error) {
	if processor == nil {
		return nil, fmt.Errorf("pipeline processor is required")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	if usageStore == nil {
		if jobAndUsageStore, ok := jobStore.(store.UsageStore); ok {
			usageStore = jobAndUsageStore
		}
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Errorw("task failed",
						"type", task.Type(),
						"retry", retried,
						"max_retry", maxRetry,
						"error", err,
					)
				}),
			},
		),
		sem:        make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		processor:  processor,
		jobStore:   jobStore,
		usageStore: usageStore,
		metrics:    newMetrics(),
		tracer:     otel.Tracer("resizeflow/worker"),
	}
	// A nil *webhook.Client must stay a nil interface.
	if webhookClient != nil {
		s.webhookClient = webhookClient
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypePrewarm, s.handlePrewarm)
	return s.server.Run(mux)
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

// variantReport is what the completion webhook carries for each variant.
type variantReport struct {
	Variant  string `json:"variant"`
	CacheKey string `json:"cache_key,omitempty"`
	Cache    string `json:"cache,omitempty"`
	Bytes    int    `json:"bytes,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	Error    string `json:"error,omitempty"`
}

type prewarmSummary struct {
	Reports     []variantReport
	Rendered    int
	CacheHits   int
	Pixels      int64
	SourceBytes int64
	OutputBytes int64
}

func (s *Server) handlePrewarm(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := domain.JobStatusFailed

	payload, err := queue.ParsePrewarmPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.prewarm", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.object_key", payload.ObjectKey),
		attribute.Int("job.variants", len(payload.Variants)),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(outcome).Inc()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	s.logger.Infow("pre-warming variants",
		"job_id", payload.JobID,
		"object_key", payload.ObjectKey,
		"variants", len(payload.Variants),
	)

	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusProcessing)

	summary, err := s.renderVariants(ctx, payload)
	if err != nil {
		s.updateJobStatus(ctx, payload.JobID, domain.JobStatusFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "pre-warm failed")

		var failures []string
		for _, e := range multierr.Errors(err) {
			failures = append(failures, e.Error())
		}
		_ = s.dispatchWebhook(ctx, payload, webhook.EventPrewarmFailed, prewarmOutcome{
			Status:      domain.JobStatusFailed,
			ObjectKey:   payload.ObjectKey,
			RequestedAt: payload.RequestedAt,
			FinishedAt:  time.Now().UTC(),
			Variants:    summary.Reports,
			Errors:      failures,
		})

		if isPermanent(err) {
			return fmt.Errorf("pre-warm variants: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("pre-warm variants: %w", err)
	}

	s.logger.Infow("pre-warm finished",
		"job_id", payload.JobID,
		"rendered", summary.Rendered,
		"cache_hits", summary.CacheHits,
	)
	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusSucceeded)
	s.recordUsage(ctx, payload, summary, time.Since(startedAt))

	if err := s.dispatchWebhook(ctx, payload, webhook.EventPrewarmCompleted, prewarmOutcome{
		Status:      domain.JobStatusSucceeded,
		ObjectKey:   payload.ObjectKey,
		RequestedAt: payload.RequestedAt,
		FinishedAt:  time.Now().UTC(),
		Variants:    summary.Reports,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook dispatch failed")
		return err
	}

	outcome = domain.JobStatusSucceeded
	span.SetStatus(codes.Ok, "pre-warmed")
	return nil
}

// renderVariants runs every variant even when some fail, so one bad entry
// does not leave the rest cold.
func (s *Server) renderVariants(ctx context.Context, payload queue.PrewarmPayload) (prewarmSummary, error) {
	var (
		summary prewarmSummary
		errs    error
	)

	for _, variant := range payload.Variants {
		query := strings.TrimPrefix(strings.TrimSpace(variant), "?")
		started := time.Now()
		out, err := s.processor.Process(ctx, pipeline.Request{
			ObjectKey: payload.ObjectKey,
			RawURL:    "/images/" + url.PathEscape(payload.ObjectKey) + "?" + query,
		}, pipeline.DiscardResponder{})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("variant %q: %w", variant, err))
			summary.Reports = append(summary.Reports, variantReport{Variant: variant, Error: err.Error()})
			s.metrics.observeVariant("error", time.Since(started))
			continue
		}

		summary.Reports = append(summary.Reports, variantReport{
			Variant:  variant,
			CacheKey: out.CacheKey,
			Cache:    out.Cache,
			Bytes:    out.Bytes,
			Width:    out.Width,
			Height:   out.Height,
		})
		s.metrics.observeVariant(out.Cache, time.Since(started))

		switch out.Cache {
		case pipeline.CacheHit:
			summary.CacheHits++
		case pipeline.CacheMiss:
			summary.Rendered++
			summary.Pixels += int64(out.Width) * int64(out.Height)
			summary.SourceBytes += int64(out.SourceBytes)
			summary.OutputBytes += int64(out.Bytes)
		}
	}

	return summary, errs
}

// isPermanent reports failures a retry cannot fix. A combined error is
// permanent only when every variant failure in it is.
func isPermanent(err error) bool {
	if err == nil {
		return false
	}
	for _, e := range multierr.Errors(err) {
		if !isPermanentOne(e) {
			return false
		}
	}
	return true
}

func isPermanentOne(err error) bool {
	for _, target := range []error{
		storage.ErrObjectNotFound,
		storage.ErrObjectTooLarge,
		domain.ErrInvalidParameters,
		pipeline.ErrUnrecognizedFormat,
		pipeline.ErrUnsupportedFormat,
		pipeline.ErrCropExceedsSource,
		pipeline.ErrTargetTooLarge,
		pipeline.ErrSourceTooLarge,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (s *Server) updateJobStatus(ctx context.Context, jobID, status string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		s.logger.Warnw("job status update failed", "job_id", jobID, "status", status, "error", err)
	}
}

// dispatchWebhook reports the job outcome. A receiver that rejects the event
// outright does not fail the job; anything retryable does, so asynq retries.
func (s *Server) dispatchWebhook(ctx context.Context, payload queue.PrewarmPayload, event string, data prewarmOutcome) error {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return nil
	}

	evt := webhook.NewEvent(event, payload.JobID, data)
	err := s.webhookClient.Deliver(ctx, payload.WebhookURL, evt)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, webhook.ErrRejected):
		s.logger.Warnw("webhook rejected by receiver", "job_id", payload.JobID, "event", event, "delivery", evt.ID, "error", err)
		return nil
	default:
		s.logger.Warnw("webhook delivery failed", "job_id", payload.JobID, "event", event, "delivery", evt.ID, "error", err)
		return fmt.Errorf("dispatch webhook: %w", err)
	}
}

func (s *Server) recordUsage(ctx context.Context, payload queue.PrewarmPayload, summary prewarmSummary, computeDuration time.Duration) {
	bytesSaved := summary.SourceBytes - summary.OutputBytes
	if bytesSaved < 0 {
		bytesSaved = 0
	}

	computeTimeMS := computeDuration.Milliseconds()
	if computeTimeMS < 1 {
		computeTimeMS = 1
	}

	s.metrics.pixelsProcessedTotal.Add(float64(summary.Pixels))
	s.metrics.bytesSavedTotal.Add(float64(bytesSaved))
	s.metrics.computeTimeMSTotal.Add(float64(computeTimeMS))

	if s.usageStore == nil {
		return
	}

	usage := domain.UsageLog{
		JobID:            payload.JobID,
		ObjectKey:        payload.ObjectKey,
		VariantsRendered: summary.Rendered,
		CacheHits:        summary.CacheHits,
		PixelsProcessed:  summary.Pixels,
		BytesSaved:       bytesSaved,
		ComputeTimeMS:    computeTimeMS,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.usageStore.RecordUsage(ctx, usage); err != nil {
		s.logger.Warnw("usage log write failed", "job_id", payload.JobID, "error", err)
	}
}
