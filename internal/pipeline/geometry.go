package pipeline

import (
	"fmt"
	"math"

	"github.com/dunamismax/resizeflow/internal/domain"
)

// ResolveGeometry returns the output dimensions for a srcW x srcH source.
// Fit without a height keeps the source aspect ratio; Crop without a height
// uses defaultHeight regardless of the source proportions.
func ResolveGeometry(srcW, srcH int, req domain.TransformRequest, defaultHeight uint32) (int, int) {
	width := int(req.Width)
	if req.Height != nil {
		return width, int(*req.Height)
	}

	switch req.Mode {
	case domain.ModeCrop:
		return width, int(defaultHeight)
	default:
		ratio := float64(srcW) / float64(srcH)
		height := int(math.Round(float64(width) / ratio))
		return width, max(1, height)
	}
}

// checkTarget rejects output canvases larger than MaxWidth x MaxHeight pixels.
// Fit without a height can otherwise derive an unbounded height from a very
// narrow source.
func checkTarget(width, height int, cfg domain.TransformConfig) error {
	budget := int64(cfg.MaxWidth) * int64(cfg.MaxHeight)
	if budget == 0 {
		return nil
	}
	if int64(width)*int64(height) > budget {
		return fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrTargetTooLarge, width, height, budget)
	}
	return nil
}
