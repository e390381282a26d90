package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/resizeflow/internal/domain"
)

func jpegQuality(q domain.Quality) int {
	switch q {
	case domain.QualityLow:
		return 25
	case domain.QualityMedium:
		return 50
	case domain.QualityBest:
		return 100
	default:
		return 75
	}
}

// pngCompression maps the tier to a zlib level. The encoder picks a filter per
// row for every level.
func pngCompression(q domain.Quality) png.CompressionLevel {
	switch q {
	case domain.QualityHigh:
		return png.BestSpeed
	case domain.QualityBest:
		return png.BestCompression
	default:
		return png.DefaultCompression
	}
}

// encodeImage writes a single-frame image. WEBP is always lossless and ignores
// the tier.
func encodeImage(img image.Image, format Format, quality domain.Quality) ([]byte, error) {
	var (
		buf bytes.Buffer
		err error
	)

	switch format {
	case FormatJPEG:
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality(quality)))
	case FormatPNG:
		err = imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(pngCompression(quality)))
	case FormatWebP:
		err = encodeWebPLossless(&buf, img)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if errors.Is(err, ErrUnsupportedFormat) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEncode, format, err)
	}

	return buf.Bytes(), nil
}

// encodeAnimated writes the GIF path output as a single static frame.
func encodeAnimated(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.GIF); err != nil {
		return nil, fmt.Errorf("%w: gif: %v", ErrEncode, err)
	}
	return buf.Bytes(), nil
}
