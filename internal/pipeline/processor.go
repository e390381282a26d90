package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/dunamismax/resizeflow/internal/cachekey"
	"github.com/dunamismax/resizeflow/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	CacheHit      = "hit"
	CacheMiss     = "miss"
	CacheBypass   = "bypass"
	CacheFallback = "fallback"

	octetStream = "application/octet-stream"
)

var ErrObjectKeyRequired = errors.New("object key is required")

// Object is a stored body. SourceFrames is set on rendered variants so a cache
// hit can still report frames dropped from a multi-frame source.
type Object struct {
	Data         []byte
	ContentType  string
	SourceFrames int
}

// Request is one image request: the object to read and the URL whose query
// carries the transform parameters.
type Request struct {
	ObjectKey string
	RawURL    string
	Accept    string
}

type Output struct {
	ObjectKey       string
	CacheKey        string
	Cache           string
	ContentType     string
	Bytes           int
	SourceBytes     int
	Width           int
	Height          int
	SourceFrames    int
	SingleFrameOnly bool
}

type Fetcher interface {
	Fetch(ctx context.Context, objectKey string) (Object, error)
}

// Cache stores rendered variants under their derived key.
type Cache interface {
	Lookup(ctx context.Context, key string) (Object, bool, error)
	Store(ctx context.Context, key string, obj Object) error
}

// Responder hands the final bytes back to whoever asked for them.
type Responder interface {
	Respond(ctx context.Context, obj Object, out Output) error
}

type Options struct {
	Config             domain.TransformConfig
	NegotiateWebP      bool
	FallbackToOriginal bool
}

type Processor struct {
	fetcher     Fetcher
	transformer Transformer
	cache       Cache
	opts        Options
	logger      *zap.SugaredLogger
	tracer      trace.Tracer
}

func NewProcessor(fetcher Fetcher, cache Cache, opts Options, logger *zap.SugaredLogger) (*Processor, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if cache == nil {
		return nil, errors.New("cache is required")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	transformer, err := newTransformer(opts.Config)
	if err != nil {
		return nil, fmt.Errorf("build transformer: %w", err)
	}

	return &Processor{
		fetcher:     fetcher,
		transformer: transformer,
		cache:       cache,
		opts:        opts,
		logger:      logger,
		tracer:      otel.Tracer("resizeflow/pipeline"),
	}, nil
}

func NewLocalProcessor(sourceDir, cacheDir string, opts Options, logger *zap.SugaredLogger) (*Processor, error) {
	return NewProcessor(LocalFileFetcher{Root: sourceDir}, LocalFileCache{Dir: cacheDir}, opts, logger)
}

// Process resolves the request, serves the cached variant when present and
// otherwise renders it. A rendered variant is stored and returned concurrently;
// both must succeed.
func (p *Processor) Process(ctx context.Context, req Request, responder Responder) (Output, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.process")
	defer span.End()

	out, err := p.process(ctx, req, responder)
	span.SetAttributes(
		attribute.String("image.object_key", req.ObjectKey),
		attribute.String("image.cache_key", out.CacheKey),
		attribute.String("image.cache", out.Cache),
		attribute.Int("image.bytes", out.Bytes),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "process failed")
		return out, err
	}
	span.SetStatus(codes.Ok, out.Cache)
	return out, nil
}

func (p *Processor) process(ctx context.Context, req Request, responder Responder) (Output, error) {
	objectKey := strings.TrimPrefix(strings.TrimSpace(req.ObjectKey), "/")
	if objectKey == "" {
		return Output{}, ErrObjectKeyRequired
	}
	out := Output{ObjectKey: objectKey}

	params, err := domain.ParseTransformRequestURL(req.RawURL, p.opts.Config)
	if err != nil {
		return out, err
	}

	source, err := p.fetcher.Fetch(ctx, objectKey)
	if err != nil {
		return out, fmt.Errorf("fetch stage: %w", err)
	}
	out.SourceBytes = len(source.Data)

	ext := strings.TrimPrefix(path.Ext(objectKey), ".")
	declared, known := FormatFromExtension(ext)
	if params.Original || !known || !p.opts.Config.IsValidExtension(ext) || !isImageContentType(source.ContentType) {
		p.logger.Debugw("returning original object",
			"object_key", objectKey,
			"original_requested", params.Original,
			"extension", ext,
			"content_type", source.ContentType,
		)
		return p.respondOriginal(ctx, source, out, CacheBypass, responder)
	}

	target := p.negotiate(declared, req.Accept)
	keyExt := ""
	if target != declared {
		keyExt = target.Extension()
	}
	key, err := cachekey.DeriveFor(objectKey, keyExt, params, p.opts.Config)
	if err != nil {
		return out, err
	}
	out.CacheKey = key

	cached, hit, err := p.cache.Lookup(ctx, key)
	if err != nil {
		p.logger.Warnw("cache lookup failed, rendering", "cache_key", key, "error", err)
	}
	if hit {
		out.Cache = CacheHit
		out.ContentType = contentTypeOr(cached.ContentType, target.ContentType())
		out.Bytes = len(cached.Data)
		out.SourceFrames = cached.SourceFrames
		out.SingleFrameOnly = cached.SourceFrames > 1
		cached.ContentType = out.ContentType
		if err := responder.Respond(ctx, cached, out); err != nil {
			return out, fmt.Errorf("respond stage: %w", err)
		}
		return out, nil
	}

	result, err := p.transformer.Transform(ctx, source.Data, Spec{
		Declared: declared,
		Target:   target,
		Request:  params,
	})
	if err != nil {
		if p.opts.FallbackToOriginal {
			p.logger.Warnw("transform failed, returning original", "object_key", objectKey, "error", err)
			return p.respondOriginal(ctx, source, out, CacheFallback, responder)
		}
		return out, fmt.Errorf("transform stage: %w", err)
	}
	if result.SingleFrameOnly {
		p.logger.Warnw("multi-frame source reduced to its first frame",
			"object_key", objectKey,
			"source_frames", result.SourceFrames,
		)
	}

	out.Cache = CacheMiss
	out.ContentType = result.Format.ContentType()
	out.Bytes = len(result.Data)
	out.Width = result.Width
	out.Height = result.Height
	out.SourceFrames = result.SourceFrames
	out.SingleFrameOnly = result.SingleFrameOnly

	rendered := Object{Data: result.Data, ContentType: out.ContentType, SourceFrames: result.SourceFrames}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := p.cache.Store(gctx, key, rendered); err != nil {
			return fmt.Errorf("cache stage: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := responder.Respond(gctx, rendered, out); err != nil {
			return fmt.Errorf("respond stage: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return out, err
	}

	p.logger.Debugw("rendered variant",
		"object_key", objectKey,
		"cache_key", key,
		"width", out.Width,
		"height", out.Height,
		"bytes", out.Bytes,
	)
	return out, nil
}

func (p *Processor) respondOriginal(ctx context.Context, source Object, out Output, cache string, responder Responder) (Output, error) {
	out.Cache = cache
	out.ContentType = contentTypeOr(source.ContentType, octetStream)
	out.Bytes = len(source.Data)

	if err := responder.Respond(ctx, Object{Data: source.Data, ContentType: out.ContentType}, out); err != nil {
		return out, fmt.Errorf("respond stage: %w", err)
	}
	return out, nil
}

func (p *Processor) negotiate(declared Format, accept string) Format {
	if !p.opts.NegotiateWebP || declared == FormatGIF {
		return declared
	}
	if strings.Contains(strings.ToLower(accept), "image/webp") {
		return FormatWebP
	}
	return declared
}

// isImageContentType treats missing and generic binary types as unknown, which
// still go through the pipeline.
func isImageContentType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if ct == "" || strings.HasPrefix(ct, octetStream) {
		return true
	}
	return strings.HasPrefix(ct, "image/")
}

func contentTypeOr(contentType, fallback string) string {
	if strings.TrimSpace(contentType) == "" {
		return fallback
	}
	return contentType
}

// DiscardResponder drops the bytes; pre-warm jobs only care about the cache write.
type DiscardResponder struct{}

func (DiscardResponder) Respond(context.Context, Object, Output) error {
	return nil
}
