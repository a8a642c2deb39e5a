package flut

import (
	"image"
	"image/color"
	"image/draw"
)

// PixelBuffer represents a rectangular RGBA pixel buffer holding one frame.
// Pixels are stored row-major, 4 bytes per pixel, no padding between rows.
type PixelBuffer struct {
	width  int
	height int
	data   []uint8
}

// NewPixelBuffer creates a new pixel buffer with the given dimensions.
func NewPixelBuffer(width, height int) *PixelBuffer {
	return &PixelBuffer{
		width:  width,
		height: height,
		data:   make([]uint8, width*height*4),
	}
}

// Width returns the width of the buffer.
func (p *PixelBuffer) Width() int {
	return p.width
}

// Height returns the height of the buffer.
func (p *PixelBuffer) Height() int {
	return p.height
}

// Data returns the raw pixel data (RGBA format).
func (p *PixelBuffer) Data() []uint8 {
	return p.data
}

// SetPixel sets the color of a single pixel.
func (p *PixelBuffer) SetPixel(x, y int, c color.NRGBA) {
	if x < 0 || x >= p.width || y < 0 || y >= p.height {
		return
	}
	i := (y*p.width + x) * 4
	p.data[i+0] = c.R
	p.data[i+1] = c.G
	p.data[i+2] = c.B
	p.data[i+3] = c.A
}

// GetPixel returns the color of a single pixel.
func (p *PixelBuffer) GetPixel(x, y int) color.NRGBA {
	if x < 0 || x >= p.width || y < 0 || y >= p.height {
		return color.NRGBA{}
	}
	i := (y*p.width + x) * 4
	return color.NRGBA{R: p.data[i+0], G: p.data[i+1], B: p.data[i+2], A: p.data[i+3]}
}

// Fill sets every pixel to the given color.
func (p *PixelBuffer) Fill(c color.NRGBA) {
	for i := 0; i < len(p.data); i += 4 {
		p.data[i+0] = c.R
		p.data[i+1] = c.G
		p.data[i+2] = c.B
		p.data[i+3] = c.A
	}
}

// FromImage creates a pixel buffer from an image. NRGBA images are copied
// row by row; everything else goes through draw.Draw.
func FromImage(img image.Image) *PixelBuffer {
	bounds := img.Bounds()
	pb := NewPixelBuffer(bounds.Dx(), bounds.Dy())

	if src, ok := img.(*image.NRGBA); ok {
		for y := 0; y < pb.height; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+pb.width*4]
			copy(pb.data[y*pb.width*4:], row)
		}
		return pb
	}

	dst := image.NewNRGBA(image.Rect(0, 0, pb.width, pb.height))
	draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)
	copy(pb.data, dst.Pix)
	return pb
}

// At implements the image.Image interface.
func (p *PixelBuffer) At(x, y int) color.Color {
	return p.GetPixel(x, y)
}

// Bounds implements the image.Image interface.
func (p *PixelBuffer) Bounds() image.Rectangle {
	return image.Rect(0, 0, p.width, p.height)
}

// ColorModel implements the image.Image interface.
func (p *PixelBuffer) ColorModel() color.Model {
	return color.NRGBAModel
}
