package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/resizeflow/internal/domain"
	"github.com/dunamismax/resizeflow/internal/pipeline"
	"github.com/dunamismax/resizeflow/internal/queue"
	"github.com/dunamismax/resizeflow/internal/storage"
	"github.com/dunamismax/resizeflow/internal/store"
	"github.com/dunamismax/resizeflow/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type fakeProcessor struct {
	mu       sync.Mutex
	requests []pipeline.Request
	outputs  map[string]pipeline.Output
	failures map[string]error
}

func (p *fakeProcessor) Process(_ context.Context, req pipeline.Request, _ pipeline.Responder) (pipeline.Output, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)

	u, err := url.Parse(req.RawURL)
	if err != nil {
		return pipeline.Output{}, err
	}
	if err := p.failures[u.RawQuery]; err != nil {
		return pipeline.Output{}, err
	}
	return p.outputs[u.RawQuery], nil
}

type captureWebhook struct {
	events   []string
	outcomes []prewarmOutcome
}

func (w *captureWebhook) Deliver(_ context.Context, _ string, evt webhook.Event) error {
	w.events = append(w.events, evt.Type)
	w.outcomes = append(w.outcomes, evt.Data.(prewarmOutcome))
	return nil
}

type failingWebhook struct {
	err error
}

func (w failingWebhook) Deliver(context.Context, string, webhook.Event) error {
	return w.err
}

func newTestServer(processor variantProcessor, jobs store.JobStore, usage store.UsageStore, hooks webhookSender) *Server {
	s := &Server{
		logger:     zap.NewNop().Sugar(),
		sem:        make(chan struct{}, 1),
		processor:  processor,
		jobStore:   jobs,
		usageStore: usage,
		metrics:    newMetrics(),
		tracer:     noop.NewTracerProvider().Tracer("test"),
	}
	if hooks != nil {
		s.webhookClient = hooks
	}
	return s
}

func seedJob(t *testing.T, jobs *store.MemoryJobStore, variants ...string) queue.PrewarmPayload {
	t.Helper()
	now := time.Now().UTC()
	if err := jobs.Create(context.Background(), domain.Job{
		ID:         "job-1",
		Status:     domain.JobStatusQueued,
		ObjectKey:  "photos/cat.jpg",
		Variants:   variants,
		WebhookURL: "https://hooks.example.com/prewarm",
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return queue.PrewarmPayload{
		JobID:       "job-1",
		ObjectKey:   "photos/cat.jpg",
		Variants:    variants,
		WebhookURL:  "https://hooks.example.com/prewarm",
		RequestedAt: now,
	}
}

func newTask(t *testing.T, payload queue.PrewarmPayload) *asynq.Task {
	t.Helper()
	task, err := queue.NewPrewarmTask(payload)
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	return task
}

func TestHandlePrewarmRendersEveryVariant(t *testing.T) {
	jobs := store.NewMemoryJobStore()
	usage := store.NewMemoryUsageStore()
	hooks := &captureWebhook{}
	processor := &fakeProcessor{outputs: map[string]pipeline.Output{
		"w=640":     {Cache: pipeline.CacheMiss, CacheKey: "photos/a/cat.jpg", Width: 640, Height: 400, Bytes: 300, SourceBytes: 1000},
		"t=c&w=320": {Cache: pipeline.CacheHit, CacheKey: "photos/b/cat.jpg", Bytes: 100},
		"w=200&q=l": {Cache: pipeline.CacheMiss, CacheKey: "photos/c/cat.jpg", Width: 200, Height: 125, Bytes: 50, SourceBytes: 1000},
	}}

	payload := seedJob(t, jobs, "w=640", "?t=c&w=320", "w=200&q=l")
	s := newTestServer(processor, jobs, usage, hooks)

	if err := s.handlePrewarm(context.Background(), newTask(t, payload)); err != nil {
		t.Fatalf("handle prewarm: %v", err)
	}

	if len(processor.requests) != 3 {
		t.Fatalf("expected 3 variant renders, got %d", len(processor.requests))
	}
	for _, req := range processor.requests {
		if req.ObjectKey != "photos/cat.jpg" {
			t.Fatalf("unexpected object key %q", req.ObjectKey)
		}
	}

	job, _, _ := jobs.Get(context.Background(), "job-1")
	if job.Status != domain.JobStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", job.Status)
	}

	logs := usage.Logs()
	if len(logs) != 1 {
		t.Fatalf("expected one usage log, got %d", len(logs))
	}
	if logs[0].VariantsRendered != 2 || logs[0].CacheHits != 1 {
		t.Fatalf("unexpected usage counts %+v", logs[0])
	}
	if logs[0].PixelsProcessed != 640*400+200*125 {
		t.Fatalf("unexpected pixels %d", logs[0].PixelsProcessed)
	}
	if logs[0].BytesSaved != 2000-350 {
		t.Fatalf("unexpected bytes saved %d", logs[0].BytesSaved)
	}

	if len(hooks.events) != 1 || hooks.events[0] != "prewarm.completed" {
		t.Fatalf("unexpected webhook events %v", hooks.events)
	}
}

func TestHandlePrewarmCollectsFailures(t *testing.T) {
	jobs := store.NewMemoryJobStore()
	hooks := &captureWebhook{}
	processor := &fakeProcessor{
		outputs: map[string]pipeline.Output{"w=640": {Cache: pipeline.CacheMiss}},
		failures: map[string]error{
			"t=c&w=4000": fmt.Errorf("transform stage: %w", pipeline.ErrCropExceedsSource),
		},
	}

	payload := seedJob(t, jobs, "t=c&w=4000", "w=640")
	s := newTestServer(processor, jobs, store.NewMemoryUsageStore(), hooks)

	err := s.handlePrewarm(context.Background(), newTask(t, payload))
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected permanent failure to skip retries, got %v", err)
	}
	if len(processor.requests) != 2 {
		t.Fatalf("expected every variant to be attempted, got %d", len(processor.requests))
	}

	job, _, _ := jobs.Get(context.Background(), "job-1")
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if len(hooks.events) != 1 || hooks.events[0] != "prewarm.failed" {
		t.Fatalf("unexpected webhook events %v", hooks.events)
	}
	if errs := hooks.outcomes[0].Errors; len(errs) != 1 {
		t.Fatalf("expected one reported error, got %v", errs)
	}
}

func TestHandlePrewarmRetriesMixedFailures(t *testing.T) {
	processor := &fakeProcessor{failures: map[string]error{
		"t=c&w=4000": fmt.Errorf("transform stage: %w", pipeline.ErrCropExceedsSource),
		"w=640":      errors.New("connection reset by peer"),
	}}
	payload := seedJob(t, store.NewMemoryJobStore(), "t=c&w=4000", "w=640")
	s := newTestServer(processor, nil, nil, nil)

	err := s.handlePrewarm(context.Background(), newTask(t, payload))
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected the job to stay retryable, got %v", err)
	}
}

func TestHandlePrewarmRetriesTransientFailures(t *testing.T) {
	processor := &fakeProcessor{failures: map[string]error{
		"w=640": errors.New("connection reset by peer"),
	}}
	payload := seedJob(t, store.NewMemoryJobStore(), "w=640")
	s := newTestServer(processor, nil, nil, nil)

	err := s.handlePrewarm(context.Background(), newTask(t, payload))
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, asynq.SkipRetry) {
		t.Fatal("transient failures should be retried")
	}
}

func TestHandlePrewarmRejectsBadPayload(t *testing.T) {
	s := newTestServer(&fakeProcessor{}, nil, nil, nil)
	err := s.handlePrewarm(context.Background(), asynq.NewTask(queue.TypePrewarm, []byte("nope")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
}

func TestIsPermanent(t *testing.T) {
	if !isPermanent(fmt.Errorf("fetch stage: %w", storage.ErrObjectNotFound)) {
		t.Fatal("missing source should be permanent")
	}
	if isPermanent(errors.New("timeout")) {
		t.Fatal("plain errors should be retried")
	}
	if !isPermanent(fmt.Errorf("resize stage: %w", pipeline.ErrTargetTooLarge)) {
		t.Fatal("oversized output should be permanent")
	}

	bothPermanent := multierr.Append(
		fmt.Errorf("transform stage: %w", pipeline.ErrCropExceedsSource),
		fmt.Errorf("decode stage: %w", pipeline.ErrSourceTooLarge),
	)
	if !isPermanent(bothPermanent) {
		t.Fatal("a job made only of permanent failures should not be retried")
	}

	mixed := multierr.Append(
		fmt.Errorf("transform stage: %w", pipeline.ErrCropExceedsSource),
		errors.New("minio: connection reset"),
	)
	if isPermanent(mixed) {
		t.Fatal("a transient failure alongside a permanent one must keep the job retryable")
	}
}

func TestRecordUsageClampsNegativeBytesSaved(t *testing.T) {
	usage := store.NewMemoryUsageStore()
	s := newTestServer(&fakeProcessor{}, nil, usage, nil)

	s.recordUsage(context.Background(), queue.PrewarmPayload{JobID: "job-2"}, prewarmSummary{
		Rendered:    1,
		SourceBytes: 100,
		OutputBytes: 200,
	}, 0)

	logs := usage.Logs()
	if len(logs) != 1 {
		t.Fatalf("expected one usage log, got %d", len(logs))
	}
	if logs[0].BytesSaved != 0 {
		t.Fatalf("expected bytes_saved=0, got %d", logs[0].BytesSaved)
	}
	if logs[0].ComputeTimeMS < 1 {
		t.Fatalf("expected compute_time_ms to be at least 1, got %d", logs[0].ComputeTimeMS)
	}
}

func TestHandlePrewarmWebhookFailures(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{name: "rejected", err: fmt.Errorf("%w: status=410", webhook.ErrRejected), wantErr: false},
		{name: "unreachable", err: errors.New("connection refused"), wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			jobs := store.NewMemoryJobStore()
			processor := &fakeProcessor{outputs: map[string]pipeline.Output{"w=640": {Cache: pipeline.CacheMiss}}}
			payload := seedJob(t, jobs, "w=640")
			s := newTestServer(processor, jobs, nil, failingWebhook{err: tc.err})

			err := s.handlePrewarm(context.Background(), newTask(t, payload))
			if (err != nil) != tc.wantErr {
				t.Fatalf("expected error=%v, got %v", tc.wantErr, err)
			}
			if err != nil && errors.Is(err, asynq.SkipRetry) {
				t.Fatal("webhook delivery failures must stay retryable")
			}
		})
	}
}
