package transfer

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 7), G: uint8(y * 11), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestJPEGCodec_TranscodesPNG(t *testing.T) {
	out, err := JPEGCodec{Quality: JPEGQuality}.Transcode(bytes.NewReader(pngBytes(t, 32, 24)))
	require.NoError(t, err)

	img, format, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, image.Rect(0, 0, 32, 24), img.Bounds())
}

func TestJPEGCodec_DefaultQuality(t *testing.T) {
	src := pngBytes(t, 16, 16)

	def, err := JPEGCodec{}.Transcode(bytes.NewReader(src))
	require.NoError(t, err)
	fixed, err := JPEGCodec{Quality: JPEGQuality}.Transcode(bytes.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, fixed, def)

	_, err = jpeg.Decode(bytes.NewReader(def))
	assert.NoError(t, err)
}

func TestJPEGCodec_RejectsGarbage(t *testing.T) {
	_, err := JPEGCodec{}.Transcode(strings.NewReader("definitely not an image"))
	assert.ErrorIs(t, err, ErrDecode)
}
