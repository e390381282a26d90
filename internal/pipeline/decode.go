package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/h2non/filetype"
	"golang.org/x/image/webp"
)

// ColorLayout describes the channels the source carried before decoding into
// Go's image types.
type ColorLayout struct {
	Channels int
	BitDepth int
}

type DecodedImage struct {
	Image  image.Image
	Width  int
	Height int
	Layout ColorLayout
	Format Format
	Frames int
}

// decodeImage trusts the declared format first and only falls back to content
// sniffing when that decode fails. Sources whose header declares more than
// maxPixels are refused before any pixel buffer is allocated.
func decodeImage(data []byte, declared Format, maxPixels int64) (DecodedImage, error) {
	if err := checkSourcePixels(data, maxPixels); err != nil {
		return DecodedImage{}, err
	}

	img, frames, err := decodeAs(data, declared)
	format := declared
	if err != nil {
		sniffed, ok := sniffFormat(data)
		if !ok {
			return DecodedImage{}, fmt.Errorf("%w: declared %s failed: %v", ErrUnrecognizedFormat, declared, err)
		}

		img, frames, err = decodeAs(data, sniffed)
		if err != nil {
			return DecodedImage{}, fmt.Errorf("%w: sniffed %s failed: %v", ErrUnrecognizedFormat, sniffed, err)
		}
		format = sniffed
	}

	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return DecodedImage{}, fmt.Errorf("%w: source image has invalid dimensions", ErrUnrecognizedFormat)
	}

	return DecodedImage{
		Image:  img,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Layout: layoutOf(img),
		Format: format,
		Frames: frames,
	}, nil
}

// checkSourcePixels reads only the header. Headers the registered decoders
// cannot parse are left for the full decode to report.
func checkSourcePixels(data []byte, maxPixels int64) error {
	if maxPixels <= 0 {
		return nil
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrSourceTooLarge, cfg.Width, cfg.Height, maxPixels)
	}
	return nil
}

func decodeAs(data []byte, format Format) (image.Image, int, error) {
	r := bytes.NewReader(data)

	switch format {
	case FormatJPEG:
		img, err := jpeg.Decode(r)
		return img, 1, err
	case FormatPNG:
		img, err := png.Decode(r)
		return img, 1, err
	case FormatWebP:
		img, err := webp.Decode(r)
		return img, 1, err
	case FormatGIF:
		g, err := gif.DecodeAll(r)
		if err != nil {
			return nil, 0, err
		}
		if len(g.Image) == 0 {
			return nil, 0, fmt.Errorf("gif has no frames")
		}
		return firstFrame(g), len(g.Image), nil
	default:
		return nil, 0, fmt.Errorf("no decoder for format %q", format)
	}
}

// firstFrame places frame zero on the logical screen when the frame is smaller.
func firstFrame(g *gif.GIF) image.Image {
	frame := g.Image[0]
	screen := image.Rect(0, 0, g.Config.Width, g.Config.Height)
	if screen.Empty() || frame.Bounds() == screen {
		return frame
	}

	canvas := image.NewNRGBA(screen)
	draw.Draw(canvas, frame.Bounds(), frame, frame.Bounds().Min, draw.Src)
	return canvas
}

func sniffFormat(data []byte) (Format, bool) {
	kind, err := filetype.Match(data)
	if err != nil {
		return "", false
	}

	switch kind.MIME.Value {
	case "image/jpeg":
		return FormatJPEG, true
	case "image/png":
		return FormatPNG, true
	case "image/webp":
		return FormatWebP, true
	case "image/gif":
		return FormatGIF, true
	default:
		return "", false
	}
}

func layoutOf(img image.Image) ColorLayout {
	switch m := img.(type) {
	case *image.NRGBA, *image.NYCbCrA:
		return ColorLayout{Channels: 4, BitDepth: 8}
	case *image.NRGBA64:
		return ColorLayout{Channels: 4, BitDepth: 16}
	case *image.RGBA:
		if m.Opaque() {
			return ColorLayout{Channels: 3, BitDepth: 8}
		}
		return ColorLayout{Channels: 4, BitDepth: 8}
	case *image.RGBA64:
		if m.Opaque() {
			return ColorLayout{Channels: 3, BitDepth: 16}
		}
		return ColorLayout{Channels: 4, BitDepth: 16}
	case *image.Gray16:
		return ColorLayout{Channels: 3, BitDepth: 16}
	case *image.Paletted:
		if hasTransparency(m.Palette) {
			return ColorLayout{Channels: 4, BitDepth: 8}
		}
		return ColorLayout{Channels: 3, BitDepth: 8}
	default:
		return ColorLayout{Channels: 3, BitDepth: 8}
	}
}

func hasTransparency(p color.Palette) bool {
	for _, c := range p {
		if _, _, _, a := c.RGBA(); a != 0xffff {
			return true
		}
	}
	return false
}
