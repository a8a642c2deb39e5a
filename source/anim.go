package source

import (
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	"io"
	"os"
	"time"

	"github.com/gogpu/flut"
)

// Anim plays a GIF animation. Frames are composited onto a shared canvas at
// load time so partial frames and disposal quirks never reach the pipeline.
type Anim struct {
	frames []*flut.PixelBuffer
	delays []time.Duration
	w, h   int

	i     int
	loops int // remaining plays; -1 loops forever
}

// LoadAnim reads a GIF file. The file's own loop count is honored; a GIF
// without one plays forever.
func LoadAnim(path string) (*Anim, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	return DecodeAnim(f)
}

// DecodeAnim decodes a GIF stream.
func DecodeAnim(r io.Reader) (*Anim, error) {
	g, err := gif.DecodeAll(r)
	if err != nil {
		return nil, fmt.Errorf("source: decode gif: %w", err)
	}
	if len(g.Image) == 0 {
		return nil, fmt.Errorf("source: gif has no frames")
	}

	w := g.Config.Width
	h := g.Config.Height
	if w == 0 || h == 0 {
		b := g.Image[0].Bounds()
		w, h = b.Dx(), b.Dy()
	}

	a := &Anim{
		frames: make([]*flut.PixelBuffer, len(g.Image)),
		delays: make([]time.Duration, len(g.Image)),
		w:      w,
		h:      h,
	}
	switch {
	case g.LoopCount == 0:
		a.loops = -1
	case g.LoopCount < 0:
		a.loops = 1
	default:
		a.loops = g.LoopCount + 1
	}

	canvas := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i, frame := range g.Image {
		draw.Draw(canvas, frame.Bounds(), frame, frame.Bounds().Min, draw.Over)
		a.frames[i] = flut.FromImage(canvas)
		// GIF delays are hundredths of a second.
		a.delays[i] = time.Duration(g.Delay[i]) * 10 * time.Millisecond
	}
	return a, nil
}

// Size returns the animation canvas dimensions.
func (a *Anim) Size() (int, int) { return a.w, a.h }

// FrameCount returns the number of frames in the animation.
func (a *Anim) FrameCount() int { return len(a.frames) }

// NextFrame returns the next frame and its display duration, cycling until
// the loop count is spent, then io.EOF.
func (a *Anim) NextFrame() (*flut.PixelBuffer, time.Duration, error) {
	if a.loops == 0 {
		return nil, 0, io.EOF
	}
	pb := a.frames[a.i]
	delay := a.delays[a.i]
	a.i++
	if a.i == len(a.frames) {
		a.i = 0
		if a.loops > 0 {
			a.loops--
		}
	}
	return pb, delay, nil
}
