//go:build cgo

package pipeline

import (
	"bytes"
	"testing"

	"github.com/dunamismax/resizeflow/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/webp"
)

func TestEncodeImageWebPIsLossless(t *testing.T) {
	src := gradient(64, 48)

	low, err := encodeImage(src, FormatWebP, domain.QualityLow)
	require.NoError(t, err)
	best, err := encodeImage(src, FormatWebP, domain.QualityBest)
	require.NoError(t, err)
	assert.Equal(t, low, best, "quality tier must not change webp output")

	out, err := webp.Decode(bytes.NewReader(low))
	require.NoError(t, err)
	require.Equal(t, src.Bounds(), out.Bounds())

	diff := 0
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			sr, sg, sb, sa := src.At(x, y).RGBA()
			or, og, ob, oa := out.At(x, y).RGBA()
			if sr>>8 != or>>8 || sg>>8 != og>>8 || sb>>8 != ob>>8 || sa>>8 != oa>>8 {
				diff++
			}
		}
	}
	assert.Zero(t, diff)
}
