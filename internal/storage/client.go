package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrObjectTooLarge = errors.New("object exceeds size limit")
)

// DefaultMaxObjectBytes bounds how much of a source the pipeline will buffer.
const DefaultMaxObjectBytes = 64 << 20

type Config struct {
	Endpoint string
	Region   string
	Access   string
	Secret   string
	Bucket   string
	UseSSL   bool
	// MaxObjectBytes caps ReadObject; zero means DefaultMaxObjectBytes.
	MaxObjectBytes int64
}

// Client reads originals from and writes rendered variants to one bucket.
type Client struct {
	minio    *minio.Client
	bucket   string
	maxBytes int64
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("bucket is required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Access, cfg.Secret, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	maxBytes := cfg.MaxObjectBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxObjectBytes
	}
	return &Client{minio: mc, bucket: cfg.Bucket, maxBytes: maxBytes}, nil
}

func (c *Client) Bucket() string {
	return c.bucket
}

// EnsureBucket creates the bucket when missing. Losing a creation race to
// another process counts as success.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.minio.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", c.bucket, err)
	}
	if exists {
		return nil
	}

	err = c.minio.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{})
	if code := minio.ToErrorResponse(err).Code; err == nil || code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
		return nil
	}
	return fmt.Errorf("create bucket %s: %w", c.bucket, err)
}

// PresignedPutURL lets a client upload an original without going through the gateway.
func (c *Client) PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	u, err := c.minio.PresignedPutObject(ctx, c.bucket, objectKey, expiry)
	if err != nil {
		return "", fmt.Errorf("presign put %s: %w", objectKey, err)
	}
	return u.String(), nil
}

func (c *Client) ObjectExists(ctx context.Context, objectKey string) (bool, error) {
	_, err := c.minio.StatObject(ctx, c.bucket, objectKey, minio.StatObjectOptions{})
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	default:
		return false, fmt.Errorf("stat object %s: %w", objectKey, err)
	}
}

// Object is a stored body with its content type and user metadata.
type Object struct {
	Data        []byte
	ContentType string
	Metadata    map[string]string
}

// ReadObject returns the object body, its stored content type and user
// metadata. A missing key yields ErrObjectNotFound and anything above the size
// cap ErrObjectTooLarge.
func (c *Client) ReadObject(ctx context.Context, objectKey string) (Object, error) {
	obj, err := c.minio.GetObject(ctx, c.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return Object{}, fmt.Errorf("get object %s: %w", objectKey, err)
	}
	defer obj.Close()

	// GetObject is lazy; the first round trip happens here.
	info, err := obj.Stat()
	if isNotFound(err) {
		return Object{}, fmt.Errorf("%w: %s", ErrObjectNotFound, objectKey)
	}
	if err != nil {
		return Object{}, fmt.Errorf("stat object %s: %w", objectKey, err)
	}
	if info.Size > c.maxBytes {
		return Object{}, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrObjectTooLarge, objectKey, info.Size, c.maxBytes)
	}

	data := make([]byte, 0, info.Size)
	buf := bytes.NewBuffer(data)
	if _, err := io.Copy(buf, io.LimitReader(obj, c.maxBytes+1)); err != nil {
		return Object{}, fmt.Errorf("read object %s: %w", objectKey, err)
	}
	if int64(buf.Len()) > c.maxBytes {
		return Object{}, fmt.Errorf("%w: %s", ErrObjectTooLarge, objectKey)
	}
	return Object{
		Data:        buf.Bytes(),
		ContentType: info.ContentType,
		Metadata:    userMetadata(info.UserMetadata),
	}, nil
}

// WriteObject stores a rendered variant with the given caching headers.
func (c *Client) WriteObject(ctx context.Context, objectKey string, obj Object, cacheControl string) error {
	_, err := c.minio.PutObject(ctx, c.bucket, objectKey, bytes.NewReader(obj.Data), int64(len(obj.Data)), minio.PutObjectOptions{
		ContentType:  obj.ContentType,
		CacheControl: cacheControl,
		UserMetadata: obj.Metadata,
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", objectKey, err)
	}
	return nil
}

// userMetadata lower-cases keys; S3 backends disagree on their casing.
func userMetadata(in minio.StringMap) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.TrimPrefix(strings.ToLower(k), "x-amz-meta-")] = v
	}
	return out
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject":
		return true
	}
	return false
}
