package domain

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
)

var ErrInvalidParameters = errors.New("invalid transform parameters")

// Mode selects how the source is mapped onto the target canvas.
type Mode string

const (
	ModeFit  Mode = "f"
	ModeCrop Mode = "c"
)

// Quality is the abstract encoder tier, mapped per output format at encode time.
type Quality string

const (
	QualityLow    Quality = "l"
	QualityMedium Quality = "m"
	QualityHigh   Quality = "h"
	QualityBest   Quality = "b"
)

const (
	MaxBlurRadius = 50
)

// ParseMode accepts the long and short names. ok is false for anything else.
func ParseMode(raw string) (Mode, bool) {
	switch raw {
	case "fit", "f":
		return ModeFit, true
	case "crop", "c":
		return ModeCrop, true
	default:
		return "", false
	}
}

func ParseQuality(raw string) (Quality, bool) {
	switch raw {
	case "low", "l":
		return QualityLow, true
	case "medium", "m":
		return QualityMedium, true
	case "high", "h":
		return QualityHigh, true
	case "best", "b":
		return QualityBest, true
	default:
		return "", false
	}
}

// TransformConfig holds the process-wide bounds and defaults. It is built once
// at startup and passed by value; nothing mutates it afterwards.
// MaxSourcePixels bounds the decoded source and zero disables that check.
type TransformConfig struct {
	RoundingValue         uint32
	MinWidth              uint32
	MaxWidth              uint32
	MinHeight             uint32
	MaxHeight             uint32
	DefaultWidth          uint32
	DefaultHeight         uint32
	AnimatedDefaultHeight uint32
	MaxSourcePixels       int64
	DefaultQuality        Quality
	DefaultMode           Mode
	ValidExtensions       []string
}

func DefaultTransformConfig() TransformConfig {
	return TransformConfig{
		RoundingValue:         10,
		MinWidth:              100,
		MaxWidth:              4100,
		MinHeight:             100,
		MaxHeight:             4100,
		DefaultWidth:          640,
		DefaultHeight:         400,
		AnimatedDefaultHeight: 400,
		MaxSourcePixels:       50_000_000,
		DefaultQuality:        QualityHigh,
		DefaultMode:           ModeFit,
		ValidExtensions:       []string{"jpg", "jpeg", "png", "gif", "webp"},
	}
}

// IsValidExtension reports whether ext (without the dot) is eligible for transformation.
func (c TransformConfig) IsValidExtension(ext string) bool {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, valid := range c.ValidExtensions {
		if ext == valid {
			return true
		}
	}
	return false
}

// TransformRequest is the resolved, bounds-checked form of the URL parameters.
// Height is nil when the caller did not supply a usable value; geometry
// resolution decides the final height later.
type TransformRequest struct {
	Mode     Mode
	Width    uint32
	Height   *uint32
	Original bool
	Blur     uint32
	Quality  Quality
}

// HeightOr returns the explicit height or fallback.
func (r TransformRequest) HeightOr(fallback uint32) uint32 {
	if r.Height == nil {
		return fallback
	}
	return *r.Height
}

// ParseTransformRequestURL resolves the query string of rawURL. Only a URL that
// cannot be parsed at all is an error; bad individual values fall back to defaults.
func ParseTransformRequestURL(rawURL string, cfg TransformConfig) (TransformRequest, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return TransformRequest{}, fmt.Errorf("%w: parse url: %v", ErrInvalidParameters, err)
	}

	values, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return TransformRequest{}, fmt.Errorf("%w: parse query: %v", ErrInvalidParameters, err)
	}

	return ResolveTransformRequest(values, cfg), nil
}

func ResolveTransformRequest(values url.Values, cfg TransformConfig) TransformRequest {
	req := TransformRequest{
		Mode:    cfg.DefaultMode,
		Width:   cfg.DefaultWidth,
		Quality: cfg.DefaultQuality,
	}

	if mode, ok := ParseMode(lastValue(values, "t")); ok {
		req.Mode = mode
	}

	if w, ok := parseUint(lastValue(values, "w"), 32); ok {
		req.Width = ClampRound(uint32(w), cfg.MinWidth, cfg.MaxWidth, cfg.RoundingValue)
	}

	if h, ok := parseUint(lastValue(values, "h"), 32); ok {
		height := ClampRound(uint32(h), cfg.MinHeight, cfg.MaxHeight, cfg.RoundingValue)
		req.Height = &height
	}

	req.Original = lastValue(values, "o") == "true"

	if b, ok := parseUint(lastValue(values, "b"), 8); ok {
		req.Blur = ClampRound(uint32(b), 0, MaxBlurRadius, 1)
	}

	if quality, ok := ParseQuality(lastValue(values, "q")); ok {
		req.Quality = quality
	}

	return req
}

// ClampRound rounds value to the nearest multiple of unit and then pins it into
// [low, high]. Clamping happens after rounding, so a bound that is not a
// multiple of unit can still be returned.
func ClampRound(value, low, high, unit uint32) uint32 {
	if unit == 0 {
		unit = 1
	}

	rounded := uint64(math.Round(float64(value)/float64(unit))) * uint64(unit)

	if rounded < uint64(low) {
		return low
	}
	if rounded > uint64(high) {
		return high
	}
	return uint32(rounded)
}

func lastValue(values url.Values, key string) string {
	vs := values[key]
	if len(vs) == 0 {
		return ""
	}
	return vs[len(vs)-1]
}

func parseUint(raw string, bits int) (uint64, bool) {
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(raw, 10, bits)
	if err != nil {
		return 0, false
	}
	return v, true
}
