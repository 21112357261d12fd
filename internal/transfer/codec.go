package transfer

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"

	// Decoders for the formats a photo library commonly holds.
	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// JPEGQuality is the fixed re-encoding quality for uploads.
const JPEGQuality = 70

var (
	// ErrDecode is returned when a photo cannot be decoded.
	ErrDecode = errors.New("decode failed")
	// ErrEncode is returned when a decoded photo cannot be re-encoded.
	ErrEncode = errors.New("encode failed")
)

// Codec turns a stored photo into upload bytes.
type Codec interface {
	Transcode(r io.Reader) ([]byte, error)
}

// JPEGCodec decodes any registered image format and re-encodes it as JPEG.
type JPEGCodec struct {
	Quality int
}

// Transcode decodes r and returns it JPEG-encoded.
func (c JPEGCodec) Transcode(r io.Reader) ([]byte, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	quality := c.Quality
	if quality <= 0 {
		quality = JPEGQuality
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return buf.Bytes(), nil
}
