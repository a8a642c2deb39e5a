package source

import (
	"fmt"
	"image"
	"os"
	"time"

	"golang.org/x/image/draw"

	// Register the still-image decoders image.Decode can dispatch to.
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/gogpu/flut"
)

// Image is a still-frame source. It hands the pipeline the same buffer on
// every call, which lets the pipeline reuse the encoded form instead of
// re-encoding an unchanged frame.
type Image struct {
	pb *flut.PixelBuffer
}

// NewImage wraps a decoded image as a still-frame source.
func NewImage(img image.Image) *Image {
	return &Image{pb: flut.FromImage(img)}
}

// LoadImage reads and decodes a PNG, JPEG, BMP, TIFF, or WebP file.
func LoadImage(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("source: decode %s: %w", path, err)
	}
	return NewImage(img), nil
}

// Scaled returns a copy of the source resized to w x h.
func (s *Image) Scaled(w, h int) *Image {
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), s.pb, s.pb.Bounds(), draw.Src, nil)
	return NewImage(dst)
}

// Size returns the image dimensions.
func (s *Image) Size() (int, int) {
	return s.pb.Width(), s.pb.Height()
}

// NextFrame returns the image. The stream never ends; cancel the pipeline
// context to stop drawing.
func (s *Image) NextFrame() (*flut.PixelBuffer, time.Duration, error) {
	return s.pb, 0, nil
}
