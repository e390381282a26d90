package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/dunamismax/resizeflow/internal/domain"
)

var (
	ErrUnrecognizedFormat = errors.New("unrecognized image format")
	ErrUnsupportedFormat  = errors.New("unsupported output format")
	ErrEncode             = errors.New("encode image")
	ErrCropExceedsSource  = errors.New("crop window exceeds source dimensions")
	ErrTargetTooLarge     = errors.New("output dimensions exceed pixel budget")
	ErrSourceTooLarge     = errors.New("source dimensions exceed pixel limit")
)

// Format is the closed set of containers the pipeline reads and writes.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
	FormatWebP Format = "webp"
	FormatGIF  Format = "gif"
)

func FormatFromExtension(ext string) (Format, bool) {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "png":
		return FormatPNG, true
	case "jpg", "jpeg":
		return FormatJPEG, true
	case "webp":
		return FormatWebP, true
	case "gif":
		return FormatGIF, true
	default:
		return "", false
	}
}

func (f Format) ContentType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatPNG:
		return "image/png"
	case FormatWebP:
		return "image/webp"
	case FormatGIF:
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}

// Extension is the canonical file extension used in negotiated cache keys.
func (f Format) Extension() string {
	if f == FormatJPEG {
		return "jpg"
	}
	return string(f)
}

// Spec is one transform invocation: the source's declared format, the format to
// produce and the resolved request.
type Spec struct {
	Declared Format
	Target   Format
	Request  domain.TransformRequest
}

type Result struct {
	Data         []byte
	Format       Format
	Width        int
	Height       int
	SourceFrames int
	// SingleFrameOnly is set when frames after the first were dropped.
	SingleFrameOnly bool
}

type Transformer interface {
	Transform(ctx context.Context, input []byte, spec Spec) (Result, error)
}

// RuntimeConfig tunes the native backend when one is compiled in.
type RuntimeConfig struct {
	// Concurrency is the worker thread count per operation; zero lets the
	// backend decide.
	Concurrency   int
	CacheMemBytes int
}
