//go:build !govips || !cgo

package pipeline

import "github.com/dunamismax/resizeflow/internal/domain"

// Startup is a no-op for the pure Go backend.
func Startup(RuntimeConfig) error {
	return nil
}

func Shutdown() {}

func Backend() string {
	return "imaging"
}

func newTransformer(cfg domain.TransformConfig) (Transformer, error) {
	return imagingTransformer{cfg: cfg}, nil
}
