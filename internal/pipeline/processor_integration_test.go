package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/dunamismax/resizeflow/internal/cachekey"
	"github.com/dunamismax/resizeflow/internal/domain"
	"github.com/dunamismax/resizeflow/internal/storage"
)

type memoryFetcher struct {
	objects map[string]Object
}

func (f memoryFetcher) Fetch(_ context.Context, key string) (Object, error) {
	obj, ok := f.objects[key]
	if !ok {
		return Object{}, storage.ErrObjectNotFound
	}
	return obj, nil
}

type memoryCache struct {
	mu       sync.Mutex
	objects  map[string]Object
	stores   int
	storeErr error
}

func newMemoryCache() *memoryCache {
	return &memoryCache{objects: make(map[string]Object)}
}

func (c *memoryCache) Lookup(_ context.Context, key string) (Object, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, ok := c.objects[key]
	return obj, ok, nil
}

func (c *memoryCache) Store(_ context.Context, key string, obj Object) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.storeErr != nil {
		return c.storeErr
	}
	c.stores++
	c.objects[key] = obj
	return nil
}

type recordingResponder struct {
	mu    sync.Mutex
	calls int
	obj   Object
	out   Output
}

func (r *recordingResponder) Respond(_ context.Context, obj Object, out Output) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.obj = obj
	r.out = out
	return nil
}

func newTestProcessor(t *testing.T, objects map[string]Object, cache Cache, opts Options) *Processor {
	t.Helper()
	if opts.Config.MaxWidth == 0 {
		opts.Config = domain.DefaultTransformConfig()
	}
	processor, err := NewProcessor(memoryFetcher{objects: objects}, cache, opts, nil)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	return processor
}

func TestProcessorMissThenHit(t *testing.T) {
	source := buildTestPNG(t, 1000, 800)
	cache := newMemoryCache()
	processor := newTestProcessor(t, map[string]Object{
		"photos/cat.png": {Data: source, ContentType: "image/png"},
	}, cache, Options{})

	req := Request{ObjectKey: "photos/cat.png", RawURL: "/images/photos/cat.png?t=c&w=630&h=410&b=5&q=h"}

	first := &recordingResponder{}
	out, err := processor.Process(context.Background(), req, first)
	if err != nil {
		t.Fatalf("first process: %v", err)
	}
	if out.Cache != CacheMiss {
		t.Fatalf("expected miss, got %s", out.Cache)
	}
	if out.Width != 630 || out.Height != 410 {
		t.Fatalf("expected 630x410, got %dx%d", out.Width, out.Height)
	}
	if first.calls != 1 || first.obj.ContentType != "image/png" {
		t.Fatalf("unexpected response %d calls, content type %q", first.calls, first.obj.ContentType)
	}
	if cache.stores != 1 {
		t.Fatalf("expected one cache write, got %d", cache.stores)
	}

	h := uint32(410)
	wantKey, err := cachekey.Derive("photos/cat.png", domain.TransformRequest{
		Mode: domain.ModeCrop, Width: 630, Height: &h, Blur: 5, Quality: domain.QualityHigh,
	}, domain.DefaultTransformConfig())
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	if out.CacheKey != wantKey {
		t.Fatalf("expected cache key %q, got %q", wantKey, out.CacheKey)
	}

	second := &recordingResponder{}
	out, err = processor.Process(context.Background(), req, second)
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if out.Cache != CacheHit {
		t.Fatalf("expected hit, got %s", out.Cache)
	}
	if !bytes.Equal(first.obj.Data, second.obj.Data) {
		t.Fatal("expected cached bytes to match the rendered bytes")
	}
	if cache.stores != 1 {
		t.Fatalf("expected no extra cache write, got %d", cache.stores)
	}
}

func TestProcessorPassthrough(t *testing.T) {
	png := buildTestPNG(t, 50, 50)
	objects := map[string]Object{
		"a.png":     {Data: png, ContentType: "image/png"},
		"doc.pdf":   {Data: []byte("%PDF-1.4"), ContentType: "application/pdf"},
		"fake.png":  {Data: []byte("<html></html>"), ContentType: "text/html"},
		"image.bmp": {Data: []byte("BM"), ContentType: "image/bmp"},
	}

	cases := []struct {
		name string
		key  string
		url  string
	}{
		{"original requested", "a.png", "/images/a.png?o=true&w=10"},
		{"extension not allowed", "doc.pdf", "/images/doc.pdf"},
		{"non image content type", "fake.png", "/images/fake.png?w=200"},
		{"unknown image extension", "image.bmp", "/images/image.bmp"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cache := newMemoryCache()
			processor := newTestProcessor(t, objects, cache, Options{})

			responder := &recordingResponder{}
			out, err := processor.Process(context.Background(), Request{ObjectKey: tc.key, RawURL: tc.url}, responder)
			if err != nil {
				t.Fatalf("process: %v", err)
			}
			if out.Cache != CacheBypass {
				t.Fatalf("expected bypass, got %s", out.Cache)
			}
			if !bytes.Equal(responder.obj.Data, objects[tc.key].Data) {
				t.Fatal("expected original bytes")
			}
			if cache.stores != 0 {
				t.Fatalf("expected no cache writes, got %d", cache.stores)
			}
		})
	}
}

func TestProcessorTransformFailure(t *testing.T) {
	objects := map[string]Object{
		"small.png": {Data: buildTestPNG(t, 120, 120), ContentType: "image/png"},
	}
	req := Request{ObjectKey: "small.png", RawURL: "/images/small.png?t=c&w=600&h=600"}

	strict := newTestProcessor(t, objects, newMemoryCache(), Options{})
	_, err := strict.Process(context.Background(), req, &recordingResponder{})
	if !errors.Is(err, ErrCropExceedsSource) {
		t.Fatalf("expected ErrCropExceedsSource, got %v", err)
	}

	cache := newMemoryCache()
	lenient := newTestProcessor(t, objects, cache, Options{FallbackToOriginal: true})
	responder := &recordingResponder{}
	out, err := lenient.Process(context.Background(), req, responder)
	if err != nil {
		t.Fatalf("fallback process: %v", err)
	}
	if out.Cache != CacheFallback {
		t.Fatalf("expected fallback, got %s", out.Cache)
	}
	if !bytes.Equal(responder.obj.Data, objects["small.png"].Data) {
		t.Fatal("expected original bytes on fallback")
	}
	if cache.stores != 0 {
		t.Fatal("fallback responses must not be cached")
	}
}

func TestProcessorCacheWriteFailureFailsInvocation(t *testing.T) {
	cache := newMemoryCache()
	cache.storeErr = errors.New("bucket unavailable")
	processor := newTestProcessor(t, map[string]Object{
		"a.jpg": {Data: buildTestJPEG(t, 300, 200), ContentType: "image/jpeg"},
	}, cache, Options{})

	_, err := processor.Process(context.Background(), Request{ObjectKey: "a.jpg", RawURL: "/images/a.jpg?w=150"}, &recordingResponder{})
	if err == nil || !strings.Contains(err.Error(), "cache stage") {
		t.Fatalf("expected cache stage error, got %v", err)
	}
}

func TestProcessorErrors(t *testing.T) {
	processor := newTestProcessor(t, map[string]Object{}, newMemoryCache(), Options{})

	if _, err := processor.Process(context.Background(), Request{ObjectKey: "missing.png"}, &recordingResponder{}); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
	if _, err := processor.Process(context.Background(), Request{ObjectKey: "  "}, &recordingResponder{}); !errors.Is(err, ErrObjectKeyRequired) {
		t.Fatalf("expected ErrObjectKeyRequired, got %v", err)
	}
	if _, err := processor.Process(context.Background(), Request{ObjectKey: "a.png", RawURL: "http://[::1"}, &recordingResponder{}); !errors.Is(err, domain.ErrInvalidParameters) {
		t.Fatalf("expected ErrInvalidParameters, got %v", err)
	}
}

func TestProcessorNegotiatesWebP(t *testing.T) {
	processor := newTestProcessor(t, nil, newMemoryCache(), Options{NegotiateWebP: true})

	if got := processor.negotiate(FormatJPEG, "image/avif,image/webp,*/*"); got != FormatWebP {
		t.Fatalf("expected webp, got %s", got)
	}
	if got := processor.negotiate(FormatJPEG, "image/png,*/*"); got != FormatJPEG {
		t.Fatalf("expected jpeg, got %s", got)
	}
	if got := processor.negotiate(FormatGIF, "image/webp"); got != FormatGIF {
		t.Fatalf("expected gif to stay gif, got %s", got)
	}

	plain := newTestProcessor(t, nil, newMemoryCache(), Options{})
	if got := plain.negotiate(FormatPNG, "image/webp"); got != FormatPNG {
		t.Fatalf("expected negotiation off, got %s", got)
	}
}

func TestLocalProcessorWritesCacheFiles(t *testing.T) {
	tmp := t.TempDir()
	sourceDir := filepath.Join(tmp, "src")
	cacheDir := filepath.Join(tmp, "cache")

	if err := os.MkdirAll(filepath.Join(sourceDir, "albums"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(sourceDir, "albums", "beach.jpg"), buildTestJPEG(t, 800, 600), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	processor, err := NewLocalProcessor(sourceDir, cacheDir, Options{Config: domain.DefaultTransformConfig()}, nil)
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	out, err := processor.Process(context.Background(), Request{ObjectKey: "albums/beach.jpg", RawURL: "/images/albums/beach.jpg?w=400"}, DiscardResponder{})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Cache != CacheMiss {
		t.Fatalf("expected miss, got %s", out.Cache)
	}

	cached, err := os.ReadFile(filepath.Join(cacheDir, filepath.FromSlash(out.CacheKey)))
	if err != nil {
		t.Fatalf("read cached variant: %v", err)
	}
	cfg, format := decodeConfig(t, cached)
	if format != "jpeg" || cfg.Width != 400 || cfg.Height != 300 {
		t.Fatalf("unexpected cached variant %s %dx%d", format, cfg.Width, cfg.Height)
	}

	out, err = processor.Process(context.Background(), Request{ObjectKey: "albums/beach.jpg", RawURL: "/images/albums/beach.jpg?w=400"}, DiscardResponder{})
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if out.Cache != CacheHit {
		t.Fatalf("expected hit, got %s", out.Cache)
	}
}

func TestProcessorHitReportsDroppedFrames(t *testing.T) {
	cache := newMemoryCache()
	processor := newTestProcessor(t, map[string]Object{
		"loops/spin.gif": {Data: buildTestGIF(t, 200, 100, 3), ContentType: "image/gif"},
	}, cache, Options{})
	req := Request{ObjectKey: "loops/spin.gif", RawURL: "/images/loops/spin.gif?w=100"}

	first, err := processor.Process(context.Background(), req, DiscardResponder{})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if first.Cache != CacheMiss || !first.SingleFrameOnly || first.SourceFrames != 3 {
		t.Fatalf("unexpected miss output %+v", first)
	}

	second, err := processor.Process(context.Background(), req, DiscardResponder{})
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if second.Cache != CacheHit {
		t.Fatalf("expected hit, got %s", second.Cache)
	}
	if !second.SingleFrameOnly || second.SourceFrames != 3 {
		t.Fatalf("expected hit to keep the frame count, got %+v", second)
	}
}

func TestLocalFileCacheKeepsFrameCount(t *testing.T) {
	cache := LocalFileCache{Dir: t.TempDir()}
	ctx := context.Background()

	if err := cache.Store(ctx, "loops/spin_w100.gif", Object{Data: []byte("gif"), ContentType: "image/gif", SourceFrames: 4}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := cache.Store(ctx, "still/cat_w100.png", Object{Data: []byte("png"), ContentType: "image/png", SourceFrames: 1}); err != nil {
		t.Fatalf("store: %v", err)
	}

	obj, hit, err := cache.Lookup(ctx, "loops/spin_w100.gif")
	if err != nil || !hit {
		t.Fatalf("lookup: hit=%v err=%v", hit, err)
	}
	if obj.SourceFrames != 4 {
		t.Fatalf("expected 4 frames, got %d", obj.SourceFrames)
	}

	obj, hit, err = cache.Lookup(ctx, "still/cat_w100.png")
	if err != nil || !hit {
		t.Fatalf("lookup: hit=%v err=%v", hit, err)
	}
	if obj.SourceFrames != 0 {
		t.Fatalf("expected no frame count for a single-frame variant, got %d", obj.SourceFrames)
	}
}

type memoryObjectStorage struct {
	objects map[string]storage.Object
}

func (m *memoryObjectStorage) ReadObject(_ context.Context, key string) (storage.Object, error) {
	obj, ok := m.objects[key]
	if !ok {
		return storage.Object{}, storage.ErrObjectNotFound
	}
	return obj, nil
}

func (m *memoryObjectStorage) WriteObject(_ context.Context, key string, obj storage.Object, _ string) error {
	m.objects[key] = obj
	return nil
}

func TestObjectStoreCacheKeepsFrameCount(t *testing.T) {
	backing := &memoryObjectStorage{objects: map[string]storage.Object{}}
	cache := ObjectStoreCache{Storage: backing}
	ctx := context.Background()

	if err := cache.Store(ctx, "loops/spin_w100.gif", Object{Data: []byte("gif"), ContentType: "image/gif", SourceFrames: 3}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if got := backing.objects["loops/spin_w100.gif"].Metadata[metaSourceFrames]; got != "3" {
		t.Fatalf("expected frame metadata 3, got %q", got)
	}

	obj, hit, err := cache.Lookup(ctx, "loops/spin_w100.gif")
	if err != nil || !hit {
		t.Fatalf("lookup: hit=%v err=%v", hit, err)
	}
	if obj.SourceFrames != 3 || obj.ContentType != "image/gif" {
		t.Fatalf("unexpected cached object %+v", obj)
	}

	_, hit, err = cache.Lookup(ctx, "loops/missing.gif")
	if err != nil || hit {
		t.Fatalf("expected clean miss, hit=%v err=%v", hit, err)
	}
}

func TestLocalFileFetcherRejectsTraversal(t *testing.T) {
	_, err := LocalFileFetcher{Root: t.TempDir()}.Fetch(context.Background(), "../etc/passwd.png")
	if !errors.Is(err, cachekey.ErrInvalidObjectPath) {
		t.Fatalf("expected ErrInvalidObjectPath, got %v", err)
	}
}
