package imagecodec

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"
)

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 8), G: uint8(y * 8), B: 128, A: 255})
		}
	}
	return img
}

func TestEncodeProducesDecodableJPEG(t *testing.T) {
	src := testImage(16, 12)

	enc, err := Encode(src)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", enc.MIMEType)

	raw, err := base64.StdEncoding.DecodeString(enc.Base64)
	require.NoError(t, err)

	decoded, err := jpeg.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, src.Bounds(), decoded.Bounds())
}

func TestDataURI(t *testing.T) {
	enc, err := Encode(testImage(2, 2))
	require.NoError(t, err)

	uri := enc.DataURI()
	assert.True(t, strings.HasPrefix(uri, "data:image/jpeg;base64,"))
	assert.Equal(t, enc.Base64, strings.TrimPrefix(uri, "data:image/jpeg;base64,"))
}

func TestDecodeFormats(t *testing.T) {
	src := testImage(8, 8)

	var pngBuf, bmpBuf bytes.Buffer
	require.NoError(t, png.Encode(&pngBuf, src))
	require.NoError(t, bmp.Encode(&bmpBuf, src))

	img, format, err := Decode(bytes.NewReader(pngBuf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, src.Bounds(), img.Bounds())

	_, format, err = Decode(bytes.NewReader(bmpBuf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "bmp", format)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, _, err := Decode(strings.NewReader("definitely not an image"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestEncodeNilImage(t *testing.T) {
	_, err := Encode(nil)
	assert.Error(t, err)
}

func TestExtensionFor(t *testing.T) {
	assert.Equal(t, ".jpg", ExtensionFor("jpeg"))
	assert.Equal(t, ".webp", ExtensionFor("webp"))
	assert.Equal(t, ".bin", ExtensionFor("heic"))
}
