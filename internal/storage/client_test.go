package storage

import (
	"errors"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientRequiresBucket(t *testing.T) {
	_, err := NewClient(Config{Endpoint: "localhost:9000"})
	assert.Error(t, err)
}

func TestNewClientAppliesSizeDefault(t *testing.T) {
	c, err := NewClient(Config{Endpoint: "localhost:9000", Bucket: "images", Region: "us-east-1"})
	require.NoError(t, err)
	assert.Equal(t, "images", c.Bucket())
	assert.Equal(t, int64(DefaultMaxObjectBytes), c.maxBytes)

	c, err = NewClient(Config{Endpoint: "localhost:9000", Bucket: "images", MaxObjectBytes: 1024})
	require.NoError(t, err)
	assert.Equal(t, int64(1024), c.maxBytes)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(minio.ErrorResponse{Code: "NoSuchKey"}))
	assert.True(t, isNotFound(minio.ErrorResponse{Code: "NoSuchObject"}))
	assert.False(t, isNotFound(minio.ErrorResponse{Code: "AccessDenied"}))
	assert.False(t, isNotFound(errors.New("dial tcp: connection refused")))
	assert.False(t, isNotFound(nil))
}

func TestUserMetadataNormalisesKeys(t *testing.T) {
	got := userMetadata(minio.StringMap{
		"Source-Frames":       "3",
		"X-Amz-Meta-Rendered": "yes",
	})
	assert.Equal(t, map[string]string{"source-frames": "3", "rendered": "yes"}, got)
	assert.Nil(t, userMetadata(nil))
}
