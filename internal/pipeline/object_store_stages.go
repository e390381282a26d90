package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/dunamismax/resizeflow/internal/storage"
	"go.uber.org/zap"
)

// DefaultCacheControl marks rendered variants immutable for a year.
const DefaultCacheControl = "max-age=31536000"

// metaSourceFrames carries the source frame count next to a cached variant.
const metaSourceFrames = "source-frames"

// ObjectStorage is the slice of the storage client the object store stages use.
type ObjectStorage interface {
	ReadObject(ctx context.Context, objectKey string) (storage.Object, error)
	WriteObject(ctx context.Context, objectKey string, obj storage.Object, cacheControl string) error
}

type ObjectStoreFetcher struct {
	Storage ObjectStorage
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, objectKey string) (Object, error) {
	if f.Storage == nil {
		return Object{}, errors.New("storage client is required")
	}
	stored, err := f.Storage.ReadObject(ctx, objectKey)
	if err != nil {
		return Object{}, err
	}
	return Object{Data: stored.Data, ContentType: stored.ContentType}, nil
}

// ObjectStoreCache keeps rendered variants in the same bucket as the sources,
// under their derived keys.
type ObjectStoreCache struct {
	Storage      ObjectStorage
	CacheControl string
}

func (c ObjectStoreCache) Lookup(ctx context.Context, key string) (Object, bool, error) {
	if c.Storage == nil {
		return Object{}, false, errors.New("storage client is required")
	}
	stored, err := c.Storage.ReadObject(ctx, key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return Object{}, false, nil
	}
	if err != nil {
		return Object{}, false, fmt.Errorf("lookup cached variant: %w", err)
	}
	frames, _ := strconv.Atoi(stored.Metadata[metaSourceFrames])
	return Object{Data: stored.Data, ContentType: stored.ContentType, SourceFrames: frames}, true, nil
}

func (c ObjectStoreCache) Store(ctx context.Context, key string, obj Object) error {
	if c.Storage == nil {
		return errors.New("storage client is required")
	}
	cacheControl := c.CacheControl
	if cacheControl == "" {
		cacheControl = DefaultCacheControl
	}
	stored := storage.Object{Data: obj.Data, ContentType: obj.ContentType}
	if obj.SourceFrames > 1 {
		stored.Metadata = map[string]string{metaSourceFrames: strconv.Itoa(obj.SourceFrames)}
	}
	return c.Storage.WriteObject(ctx, key, stored, cacheControl)
}

func NewObjectStoreProcessor(client ObjectStorage, opts Options, logger *zap.SugaredLogger) (*Processor, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	return NewProcessor(
		ObjectStoreFetcher{Storage: client},
		ObjectStoreCache{Storage: client, CacheControl: DefaultCacheControl},
		opts,
		logger,
	)
}
