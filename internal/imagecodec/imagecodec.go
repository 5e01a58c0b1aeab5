// Package imagecodec decodes uploaded pictures and re-encodes them as
// base64 JPEG for transmission to the chat-completion service.
package imagecodec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const MIMEType = "image/jpeg"

// ErrDecode is returned when the upload is not a supported image.
var ErrDecode = errors.New("imagecodec: cannot decode image")

// Encoded is a JPEG rendition of an image in standard padded base64.
type Encoded struct {
	Base64   string
	MIMEType string
}

// DataURI renders the image as an inline data: URI.
func (e Encoded) DataURI() string {
	return "data:" + e.MIMEType + ";base64," + e.Base64
}

func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, format, nil
}

// Encode writes img as baseline JPEG with the encoder defaults. No resizing
// or color normalization is applied.
func Encode(img image.Image) (Encoded, error) {
	if img == nil {
		return Encoded{}, errors.New("imagecodec: nil image")
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		return Encoded{}, fmt.Errorf("encode jpeg: %w", err)
	}
	return Encoded{
		Base64:   base64.StdEncoding.EncodeToString(buf.Bytes()),
		MIMEType: MIMEType,
	}, nil
}

// ExtensionFor maps a decoder format name to a file extension.
func ExtensionFor(format string) string {
	switch format {
	case "jpeg":
		return ".jpg"
	case "png":
		return ".png"
	case "gif":
		return ".gif"
	case "webp":
		return ".webp"
	case "bmp":
		return ".bmp"
	case "tiff":
		return ".tiff"
	default:
		return ".bin"
	}
}
