package flut

import "time"

// FrameSource produces the frames the pipeline draws. Implementations are
// called from a single goroutine, one frame at a time.
//
// NextFrame returns the next frame and how long it should stay on screen.
// A zero duration means the frame has no timing of its own; the pipeline
// redraws it continuously. Returning io.EOF after the last frame ends the
// stream and shuts the pipeline down cleanly.
//
// Every frame must have the dimensions reported by Size. The pipeline
// builds its command template for that size once at startup.
type FrameSource interface {
	Size() (width, height int)
	NextFrame() (*PixelBuffer, time.Duration, error)
}
