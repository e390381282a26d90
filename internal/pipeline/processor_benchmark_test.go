package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/dunamismax/resizeflow/internal/domain"
)

type staticFetcher struct {
	obj Object
}

func (f staticFetcher) Fetch(context.Context, string) (Object, error) {
	return f.obj, nil
}

type nopCache struct{}

func (nopCache) Lookup(context.Context, string) (Object, bool, error) {
	return Object{}, false, nil
}

func (nopCache) Store(context.Context, string, Object) error {
	return nil
}

func benchmarkProcessor(b *testing.B, source Object, cache Cache) *Processor {
	b.Helper()
	processor, err := NewProcessor(staticFetcher{obj: source}, cache, Options{Config: domain.DefaultTransformConfig()}, nil)
	if err != nil {
		b.Fatalf("new processor: %v", err)
	}
	return processor
}

func BenchmarkProcessorFitJPEG(b *testing.B) {
	processor := benchmarkProcessor(b, Object{Data: buildTestJPEG(b, 1920, 1080), ContentType: "image/jpeg"}, nopCache{})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := Request{ObjectKey: "bench.jpg", RawURL: fmt.Sprintf("/images/bench.jpg?w=%d", 640+(i%3)*10)}
		if _, err := processor.Process(context.Background(), req, DiscardResponder{}); err != nil {
			b.Fatalf("process: %v", err)
		}
	}
}

func BenchmarkProcessorCropBlurPNG(b *testing.B) {
	processor := benchmarkProcessor(b, Object{Data: buildTestPNG(b, 1920, 1080), ContentType: "image/png"}, nopCache{})
	req := Request{ObjectKey: "bench.png", RawURL: "/images/bench.png?t=c&w=630&h=410&b=5&q=h"}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := processor.Process(context.Background(), req, DiscardResponder{}); err != nil {
			b.Fatalf("process: %v", err)
		}
	}
}

func BenchmarkProcessorCacheHit(b *testing.B) {
	cache := newMemoryCache()
	processor := benchmarkProcessor(b, Object{Data: buildTestJPEG(b, 1920, 1080), ContentType: "image/jpeg"}, cache)
	req := Request{ObjectKey: "bench.jpg", RawURL: "/images/bench.jpg?w=640"}
	if _, err := processor.Process(context.Background(), req, DiscardResponder{}); err != nil {
		b.Fatalf("warm cache: %v", err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := processor.Process(context.Background(), req, DiscardResponder{}); err != nil {
			b.Fatalf("process: %v", err)
		}
	}
}
