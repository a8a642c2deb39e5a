// Package source provides FrameSource implementations: procedural test
// patterns, still images, and GIF animations.
package source

import (
	"image/color"
	"time"

	"github.com/gogpu/flut"
)

// Pattern generates a moving diagonal gradient. It needs no input files,
// which makes it the usual way to verify a target server and eyeball
// throughput before pointing real content at it.
type Pattern struct {
	w, h  int
	rate  time.Duration
	tick  int
	bufs  [2]*flut.PixelBuffer
	which int
}

// NewPattern creates a pattern source of the given size advancing one step
// per frame at the given frame rate. A zero rate runs unpaced.
func NewPattern(w, h int, rate time.Duration) *Pattern {
	p := &Pattern{w: w, h: h, rate: rate}
	p.bufs[0] = flut.NewPixelBuffer(w, h)
	p.bufs[1] = flut.NewPixelBuffer(w, h)
	return p
}

// Size returns the pattern dimensions.
func (p *Pattern) Size() (int, int) { return p.w, p.h }

// NextFrame renders the next gradient step. Buffers alternate so the frame
// handed out last time stays valid while the pipeline encodes it.
func (p *Pattern) NextFrame() (*flut.PixelBuffer, time.Duration, error) {
	p.which ^= 1
	pb := p.bufs[p.which]
	t := p.tick
	p.tick++

	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			pb.SetPixel(x, y, color.NRGBA{
				R: uint8(x + t),
				G: uint8(y + t),
				B: uint8(x + y + t),
				A: 0xff,
			})
		}
	}
	return pb, p.rate, nil
}
