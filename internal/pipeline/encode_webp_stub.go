//go:build !cgo

package pipeline

import (
	"fmt"
	"image"
	"io"
)

func encodeWebPLossless(io.Writer, image.Image) error {
	return fmt.Errorf("%w: webp output requires a cgo build", ErrUnsupportedFormat)
}
