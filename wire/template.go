package wire

import (
	"errors"
	"fmt"
	"math/rand"
)

// Template errors.
var (
	// ErrEmptyFrame is returned for zero-area frame dimensions.
	ErrEmptyFrame = errors.New("wire: frame dimensions must be positive")

	// ErrOffCanvas is returned when the placement leaves no visible pixels.
	ErrOffCanvas = errors.New("wire: frame placed entirely off canvas")
)

// SkipField marks a pixel that is clipped by the canvas bounds. Encoders
// must not emit anything for such pixels.
const SkipField = ^uint32(0)

// Template is a prebuilt command buffer for one frame geometry.
//
// Buf holds every command for the visible pixels, in emission order, with
// coordinate prefixes and delimiters already rendered and the color fields
// zeroed. FieldOff maps each source pixel (row-major, y*Width+x) to the byte
// offset of its color field in Buf, or SkipField if the pixel falls outside
// the canvas. Encoding a frame therefore reduces to copying Buf and writing
// Width*Height color fields, each into a disjoint byte range.
//
// A Template is immutable after New and safe for concurrent readers.
type Template struct {
	Grammar Grammar

	// Width and Height are the source frame dimensions.
	Width, Height int

	// Buf is the command buffer template. Its length is the exact encoded
	// size of any frame with this geometry.
	Buf []byte

	// FieldOff is the per-pixel color field offset table.
	FieldOff []uint32

	// Visible is the number of pixels that survived canvas clipping.
	Visible int
}

// TemplateConfig describes the geometry a Template is built for.
type TemplateConfig struct {
	// Grammar selects the command format.
	Grammar Grammar

	// Width and Height are the source frame dimensions in pixels.
	Width, Height int

	// OffsetX and OffsetY place the frame on the remote canvas.
	OffsetX, OffsetY int

	// CanvasWidth and CanvasHeight clip the placement. Zero means
	// unclipped (the frame's own extent is used).
	CanvasWidth, CanvasHeight int

	// Order is the pixel emission order.
	Order Order

	// Seed seeds the OrderRandom shuffle. Ignored for other orders.
	Seed int64
}

// NewTemplate builds the command template for cfg.
func NewTemplate(cfg TemplateConfig) (*Template, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrEmptyFrame, cfg.Width, cfg.Height)
	}
	canvasW, canvasH := cfg.CanvasWidth, cfg.CanvasHeight
	if canvasW <= 0 {
		canvasW = cfg.OffsetX + cfg.Width
	}
	if canvasH <= 0 {
		canvasH = cfg.OffsetY + cfg.Height
	}

	maxX := min(cfg.OffsetX+cfg.Width, canvasW) - 1
	maxY := min(cfg.OffsetY+cfg.Height, canvasH) - 1
	if maxX < cfg.OffsetX || maxY < cfg.OffsetY || maxX < 0 || maxY < 0 {
		return nil, fmt.Errorf("%w: offset (%d,%d) on %dx%d canvas",
			ErrOffCanvas, cfg.OffsetX, cfg.OffsetY, canvasW, canvasH)
	}

	cmdLen, err := cfg.Grammar.CommandLen(maxX, maxY)
	if err != nil {
		return nil, err
	}
	xw := decimalWidth(maxX)
	yw := decimalWidth(maxY)

	rng := rand.New(rand.NewSource(cfg.Seed))
	points := cfg.Order.Points(cfg.Width, cfg.Height, rng)

	t := &Template{
		Grammar:  cfg.Grammar,
		Width:    cfg.Width,
		Height:   cfg.Height,
		Buf:      make([]byte, 0, cmdLen*len(points)),
		FieldOff: make([]uint32, cfg.Width*cfg.Height),
	}
	for i := range t.FieldOff {
		t.FieldOff[i] = SkipField
	}

	for _, p := range points {
		cx, cy := p.X+cfg.OffsetX, p.Y+cfg.OffsetY
		if cx < 0 || cy < 0 || cx >= canvasW || cy >= canvasH {
			continue
		}
		var field int
		t.Buf, field = cfg.Grammar.appendCommand(t.Buf, cx, cy, xw, yw)
		t.FieldOff[p.Y*cfg.Width+p.X] = uint32(field)
		t.Visible++
	}
	if t.Visible == 0 {
		return nil, fmt.Errorf("%w: offset (%d,%d) on %dx%d canvas",
			ErrOffCanvas, cfg.OffsetX, cfg.OffsetY, canvasW, canvasH)
	}
	return t, nil
}

// Size returns the exact encoded byte length of one frame.
func (t *Template) Size() int {
	return len(t.Buf)
}
