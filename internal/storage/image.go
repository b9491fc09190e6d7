package storage

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // Registers the PNG decoder for image.Decode

	"github.com/nfnt/resize"
)

var ErrUnsupportedImage = errors.New("unsupported image format or corrupt image")

// ResizeImage decodes a JPEG or PNG, shrinks it to fit within maxDim x maxDim and
// re-encodes it as JPEG. Images already within bounds are re-encoded unchanged.
func ResizeImage(data []byte, maxDim int) ([]byte, string, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}

	bounds := img.Bounds()
	if maxDim > 0 && (bounds.Dx() > maxDim || bounds.Dy() > maxDim) {
		img = resize.Thumbnail(uint(maxDim), uint(maxDim), img, resize.Lanczos3)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, "", fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), "image/jpeg", nil
}
