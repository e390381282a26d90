package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/resizeflow/internal/cachekey"
	"github.com/dunamismax/resizeflow/internal/domain"
	"github.com/dunamismax/resizeflow/internal/id"
	"github.com/dunamismax/resizeflow/internal/pipeline"
	"github.com/dunamismax/resizeflow/internal/queue"
	"github.com/dunamismax/resizeflow/internal/storage"
	"github.com/dunamismax/resizeflow/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Server struct {
	logger                *zap.SugaredLogger
	processor             imageProcessor
	queueClient           queueEnqueuer
	jobStore              store.JobStore
	storage               objectStorage
	presignTTL            time.Duration
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	tracer                trace.Tracer
	metrics               *metrics
	mux                   *http.ServeMux
}

type Options struct {
	Logger                *zap.SugaredLogger
	Processor             imageProcessor
	Queue                 queueEnqueuer
	Jobs                  store.JobStore
	Storage               objectStorage
	PresignTTL            time.Duration
	RateLimiter           RateLimiter
	RateLimitUserIDHeader string
	Tracer                trace.Tracer
}

type imageProcessor interface {
	Process(ctx context.Context, req pipeline.Request, responder pipeline.Responder) (pipeline.Output, error)
}

type queueEnqueuer interface {
	EnqueuePrewarm(ctx context.Context, payload queue.PrewarmPayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
}

func NewServer(opts Options) *Server {
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 15 * time.Minute
	}
	if opts.Storage == nil {
		opts.Storage = unavailableObjectStorage{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if strings.TrimSpace(opts.RateLimitUserIDHeader) == "" {
		opts.RateLimitUserIDHeader = "X-User-ID"
	}

	s := &Server{
		logger:                opts.Logger,
		processor:             opts.Processor,
		queueClient:           opts.Queue,
		jobStore:              opts.Jobs,
		storage:               opts.Storage,
		presignTTL:            opts.PresignTTL,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: opts.RateLimitUserIDHeader,
		tracer:                opts.Tracer,
		metrics:               newMetrics(),
		mux:                   http.NewServeMux(),
	}
	s.routes()
	return s
}

type unavailableObjectStorage struct{}

func (unavailableObjectStorage) PresignedPutURL(_ context.Context, _ string, _ time.Duration) (string, error) {
	return "", errors.New("object storage is unavailable")
}

func (unavailableObjectStorage) ObjectExists(_ context.Context, _ string) (bool, error) {
	return false, errors.New("object storage is unavailable")
}

func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("GET /images/{key...}", s.handleImage)
	s.mux.HandleFunc("POST /v1/uploads", s.handleCreateUpload)
	s.mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("POST /v1/jobs/{id}/start", s.handleStartJob)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	if s.processor == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "image processing is unavailable"})
		return
	}

	responder := &httpResponder{w: w}
	out, err := s.processor.Process(r.Context(), pipeline.Request{
		ObjectKey: r.PathValue("key"),
		RawURL:    r.URL.RequestURI(),
		Accept:    r.Header.Get("Accept"),
	}, responder)

	s.metrics.observeImage(out, err)
	if err == nil {
		return
	}

	if responder.written {
		// The bytes already went out; only the cache write failed.
		s.logger.Warnw("image served but post-response stage failed",
			"object_key", out.ObjectKey,
			"cache_key", out.CacheKey,
			"error", err,
		)
		return
	}

	status, message := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Errorw("image request failed", "object_key", out.ObjectKey, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": message})
}

type createUploadRequest struct {
	ObjectKey string `json:"object_key"`
}

// handleCreateUpload hands out a presigned PUT URL for a new original.
func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	var req createUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	objectKey := strings.TrimPrefix(strings.TrimSpace(req.ObjectKey), "/")
	if objectKey == "" {
		objectKey = fmt.Sprintf("uploads/%s", id.New())
	}
	if strings.Contains(objectKey, "..") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "object_key must not contain '..'"})
		return
	}

	url, err := s.storage.PresignedPutURL(r.Context(), objectKey, s.presignTTL)
	if err != nil {
		s.logger.Errorw("generate presigned url failed", "object_key", objectKey, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to generate upload URL"})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"object_key":        objectKey,
		"presigned_put_url": url,
		"expires_at":        time.Now().UTC().Add(s.presignTTL),
		"image_url":         "/images/" + objectKey,
	})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if !s.admit(w, r, len(req.Variants)) {
		return
	}

	now := time.Now().UTC()
	job := domain.Job{
		ID:         id.New(),
		Status:     domain.JobStatusCreated,
		ObjectKey:  strings.TrimPrefix(strings.TrimSpace(req.ObjectKey), "/"),
		Variants:   req.Variants,
		WebhookURL: req.WebhookURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.jobStore.Create(r.Context(), job); err != nil {
		s.logger.Errorw("create job failed", "job_id", job.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create job"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":    job.ID,
		"status":    job.Status,
		"variants":  len(job.Variants),
		"start_url": fmt.Sprintf("/v1/jobs/%s/start", job.ID),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":      job.ID,
		"status":      job.Status,
		"object_key":  job.ObjectKey,
		"variants":    job.Variants,
		"webhook_url": job.WebhookURL,
		"created_at":  job.CreatedAt,
		"updated_at":  job.UpdatedAt,
	})
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	if err := s.verifySourceExists(r.Context(), job); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}

	payload := queue.PrewarmPayload{
		JobID:       job.ID,
		ObjectKey:   job.ObjectKey,
		Variants:    job.Variants,
		WebhookURL:  job.WebhookURL,
		RequestedAt: time.Now().UTC(),
	}

	taskInfo, err := s.queueClient.EnqueuePrewarm(r.Context(), payload)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "job already started"})
		return
	}
	if err != nil {
		s.logger.Errorw("enqueue failed", "job_id", job.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to enqueue job"})
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()

	if _, err := s.jobStore.UpdateStatus(r.Context(), job.ID, domain.JobStatusQueued); err != nil {
		s.logger.Warnw("update status failed", "job_id", job.ID, "error", err)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"status":      domain.JobStatusQueued,
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"state":       taskInfo.State.String(),
		"enqueued_at": taskInfo.NextProcessAt,
	})
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (domain.Job, bool) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	if jobID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "job id is required"})
		return domain.Job{}, false
	}

	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Errorw("fetch job failed", "job_id", jobID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return domain.Job{}, false
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return domain.Job{}, false
	}
	return job, true
}

func (s *Server) verifySourceExists(ctx context.Context, job domain.Job) error {
	exists, err := s.storage.ObjectExists(ctx, job.ObjectKey)
	if err != nil {
		return fmt.Errorf("source object check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("source object is missing: %s", job.ObjectKey)
	}
	return nil
}

// httpResponder writes pipeline output straight to the client.
type httpResponder struct {
	w       http.ResponseWriter
	written bool
}

func (h *httpResponder) Respond(_ context.Context, obj pipeline.Object, out pipeline.Output) error {
	header := h.w.Header()
	header.Set("Content-Type", obj.ContentType)
	header.Set("Content-Length", strconv.Itoa(len(obj.Data)))
	header.Set("X-Cache", out.Cache)
	if out.Cache != pipeline.CacheFallback {
		header.Set("Cache-Control", "public, "+pipeline.DefaultCacheControl)
	} else {
		header.Set("Cache-Control", "no-store")
	}
	if out.SingleFrameOnly {
		header.Set("X-Frames-Dropped", strconv.Itoa(out.SourceFrames-1))
	}
	header.Set("Vary", "Accept")

	h.written = true
	h.w.WriteHeader(http.StatusOK)
	_, err := h.w.Write(obj.Data)
	return err
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidParameters),
		errors.Is(err, pipeline.ErrObjectKeyRequired):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, cachekey.ErrInvalidObjectPath):
		return http.StatusBadRequest, "invalid object path"
	case errors.Is(err, storage.ErrObjectNotFound):
		return http.StatusNotFound, "image not found"
	case errors.Is(err, storage.ErrObjectTooLarge),
		errors.Is(err, pipeline.ErrSourceTooLarge):
		return http.StatusRequestEntityTooLarge, "source image is too large"
	case errors.Is(err, pipeline.ErrUnrecognizedFormat),
		errors.Is(err, pipeline.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType, err.Error()
	case errors.Is(err, pipeline.ErrCropExceedsSource),
		errors.Is(err, pipeline.ErrTargetTooLarge):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "request cancelled"
	default:
		return http.StatusInternalServerError, "failed to process image"
	}
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
