package pipeline

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/resizeflow/internal/domain"
)

// resizeFit covers the target canvas anchored at the center, cropping overflow.
func resizeFit(src image.Image, width, height int) *image.NRGBA {
	return imaging.Fill(src, width, height, imaging.Center, imaging.Lanczos)
}

// resizeCrop cuts a centered width x height window out of src.
func resizeCrop(src image.Image, width, height int) (*image.NRGBA, error) {
	b := src.Bounds()
	srcW, srcH := b.Dx(), b.Dy()
	if width > srcW || height > srcH {
		return nil, fmt.Errorf("%w: window %dx%d, source %dx%d", ErrCropExceedsSource, width, height, srcW, srcH)
	}

	left := (srcW - width) / 2
	top := (srcH - height) / 2
	window := image.Rect(b.Min.X+left, b.Min.Y+top, b.Min.X+left+width, b.Min.Y+top+height)

	return imaging.Crop(src, window), nil
}

// resizeAnimated is the whole-image path used for GIF output. Only the frame
// already held by src is resized.
func resizeAnimated(src image.Image, width, height int, mode domain.Mode) *image.NRGBA {
	if mode == domain.ModeFit {
		return imaging.Fill(src, width, height, imaging.Center, imaging.Lanczos)
	}
	return scaleWithin(src, width, height)
}

// scaleWithin scales src by a single factor so it fits inside width x height.
func scaleWithin(src image.Image, width, height int) *image.NRGBA {
	b := src.Bounds()
	factor := math.Min(float64(width)/float64(b.Dx()), float64(height)/float64(b.Dy()))

	w := max(1, int(math.Round(float64(b.Dx())*factor)))
	h := max(1, int(math.Round(float64(b.Dy())*factor)))
	return imaging.Resize(src, w, h, imaging.Lanczos)
}
