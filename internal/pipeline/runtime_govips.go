//go:build govips && cgo

package pipeline

import (
	"errors"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/resizeflow/internal/domain"
)

var (
	vipsMu    sync.Mutex
	vipsState int // 0 never started, 1 running, 2 shut down
)

// Startup initialises libvips once per process. libvips cannot be restarted,
// so a Startup after Shutdown fails.
func Startup(cfg RuntimeConfig) error {
	vipsMu.Lock()
	defer vipsMu.Unlock()

	switch vipsState {
	case 1:
		return nil
	case 2:
		return errors.New("libvips was shut down and cannot restart")
	}

	cacheMem := cfg.CacheMemBytes
	if cacheMem <= 0 {
		cacheMem = 128 << 20
	}
	vips.LoggingSettings(nil, vips.LogLevelWarning)
	vips.Startup(&vips.Config{
		ConcurrencyLevel: cfg.Concurrency,
		MaxCacheFiles:    0,
		MaxCacheMem:      cacheMem,
		MaxCacheSize:     100,
	})
	vipsState = 1
	return nil
}

func Shutdown() {
	vipsMu.Lock()
	defer vipsMu.Unlock()
	if vipsState != 1 {
		return
	}
	vips.Shutdown()
	vipsState = 2
}

func Backend() string {
	return "libvips " + vips.Version
}

func newTransformer(cfg domain.TransformConfig) (Transformer, error) {
	return govipsTransformer{
		cfg:      cfg,
		fallback: imagingTransformer{cfg: cfg},
	}, nil
}
