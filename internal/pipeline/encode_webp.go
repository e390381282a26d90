//go:build cgo

package pipeline

import (
	"image"
	"io"

	"github.com/chai2010/webp"
)

func encodeWebPLossless(w io.Writer, img image.Image) error {
	return webp.Encode(w, img, &webp.Options{Lossless: true})
}
