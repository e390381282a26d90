//go:build govips && cgo

package pipeline

import (
	"context"
	"fmt"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/resizeflow/internal/domain"
)

// govipsTransformer runs decode, resize and encode through libvips. libvips has
// no stack blur and no static-GIF path matching the pure Go backend, so those
// requests are handed to fallback.
type govipsTransformer struct {
	cfg      domain.TransformConfig
	fallback imagingTransformer
}

func (t govipsTransformer) Transform(ctx context.Context, input []byte, spec Spec) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}

	target := spec.Target
	if target == "" {
		target = spec.Declared
	}
	if spec.Request.Blur > 0 || target == FormatGIF {
		return t.fallback.Transform(ctx, input, spec)
	}

	if err := checkSourcePixels(input, t.cfg.MaxSourcePixels); err != nil {
		return Result{}, fmt.Errorf("decode stage: %w", err)
	}

	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return Result{}, fmt.Errorf("decode stage: %w: %v", ErrUnrecognizedFormat, err)
	}
	defer img.Close()

	frames := img.Pages()
	width, height := ResolveGeometry(img.Width(), img.Height(), spec.Request, t.cfg.DefaultHeight)
	if err := checkTarget(width, height, t.cfg); err != nil {
		return Result{}, fmt.Errorf("resize stage: %w", err)
	}

	switch spec.Request.Mode {
	case domain.ModeCrop:
		if width > img.Width() || height > img.Height() {
			return Result{}, fmt.Errorf("resize stage: %w: window %dx%d, source %dx%d",
				ErrCropExceedsSource, width, height, img.Width(), img.Height())
		}
		left := (img.Width() - width) / 2
		top := (img.Height() - height) / 2
		if err := img.ExtractArea(left, top, width, height); err != nil {
			return Result{}, fmt.Errorf("resize stage: crop: %w", err)
		}
	default:
		if err := img.Thumbnail(width, height, vips.InterestingCentre); err != nil {
			return Result{}, fmt.Errorf("resize stage: fill: %w", err)
		}
	}

	data, err := exportGovipsImage(img, target, spec.Request.Quality)
	if err != nil {
		return Result{}, fmt.Errorf("encode stage: %w", err)
	}

	return Result{
		Data:            data,
		Format:          target,
		Width:           img.Width(),
		Height:          img.Height(),
		SourceFrames:    frames,
		SingleFrameOnly: frames > 1,
	}, nil
}

func exportGovipsImage(img *vips.ImageRef, format Format, quality domain.Quality) ([]byte, error) {
	switch format {
	case FormatJPEG:
		params := vips.NewJpegExportParams()
		params.Quality = jpegQuality(quality)
		data, _, err := img.ExportJpeg(params)
		if err != nil {
			return nil, fmt.Errorf("%w: jpeg: %v", ErrEncode, err)
		}
		return data, nil
	case FormatPNG:
		params := vips.NewPngExportParams()
		params.Compression = vipsPNGCompression(quality)
		data, _, err := img.ExportPng(params)
		if err != nil {
			return nil, fmt.Errorf("%w: png: %v", ErrEncode, err)
		}
		return data, nil
	case FormatWebP:
		params := vips.NewWebpExportParams()
		params.Lossless = true
		data, _, err := img.ExportWebp(params)
		if err != nil {
			return nil, fmt.Errorf("%w: webp: %v", ErrEncode, err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// vipsPNGCompression mirrors pngCompression on libvips' 0-9 zlib scale.
func vipsPNGCompression(q domain.Quality) int {
	switch q {
	case domain.QualityHigh:
		return 1
	case domain.QualityBest:
		return 9
	default:
		return 6
	}
}
