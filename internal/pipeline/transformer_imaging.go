package pipeline

import (
	"context"
	"fmt"
	"image"

	"github.com/dunamismax/resizeflow/internal/domain"
)

// imagingTransformer is the pure Go backend built on disintegration/imaging.
type imagingTransformer struct {
	cfg domain.TransformConfig
}

func (t imagingTransformer) Transform(ctx context.Context, input []byte, spec Spec) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}

	decoded, err := decodeImage(input, spec.Declared, t.cfg.MaxSourcePixels)
	if err != nil {
		return Result{}, fmt.Errorf("decode stage: %w", err)
	}

	target := spec.Target
	if target == "" {
		target = spec.Declared
	}
	if target == FormatGIF {
		return t.transformAnimated(decoded, spec.Request)
	}

	width, height := ResolveGeometry(decoded.Width, decoded.Height, spec.Request, t.cfg.DefaultHeight)
	if err := checkTarget(width, height, t.cfg); err != nil {
		return Result{}, fmt.Errorf("resize stage: %w", err)
	}

	var resized *image.NRGBA
	switch spec.Request.Mode {
	case domain.ModeCrop:
		resized, err = resizeCrop(decoded.Image, width, height)
		if err != nil {
			return Result{}, fmt.Errorf("resize stage: %w", err)
		}
	default:
		resized = resizeFit(decoded.Image, width, height)
	}

	stackBlur(resized, int(spec.Request.Blur), decoded.Layout.Channels)

	data, err := encodeImage(resized, target, spec.Request.Quality)
	if err != nil {
		return Result{}, fmt.Errorf("encode stage: %w", err)
	}

	return Result{
		Data:            data,
		Format:          target,
		Width:           width,
		Height:          height,
		SourceFrames:    decoded.Frames,
		SingleFrameOnly: decoded.Frames > 1,
	}, nil
}

// transformAnimated skips the crop engine and blur. Multi-frame sources lose
// every frame after the first.
func (t imagingTransformer) transformAnimated(decoded DecodedImage, req domain.TransformRequest) (Result, error) {
	width, height := ResolveGeometry(decoded.Width, decoded.Height, req, t.cfg.AnimatedDefaultHeight)
	if err := checkTarget(width, height, t.cfg); err != nil {
		return Result{}, fmt.Errorf("resize stage: %w", err)
	}

	resized := resizeAnimated(decoded.Image, width, height, req.Mode)

	data, err := encodeAnimated(resized)
	if err != nil {
		return Result{}, fmt.Errorf("encode stage: %w", err)
	}

	b := resized.Bounds()
	return Result{
		Data:            data,
		Format:          FormatGIF,
		Width:           b.Dx(),
		Height:          b.Dy(),
		SourceFrames:    decoded.Frames,
		SingleFrameOnly: decoded.Frames > 1,
	}, nil
}
