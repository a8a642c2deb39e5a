package flut

import (
	"fmt"
	"time"

	"github.com/gogpu/flut/internal/gpu"
	"github.com/gogpu/flut/wire"
)

// Option configures a Pipeline during creation.
//
// Example:
//
//	// Default: 4 slots, 2 connections per target, ASCII commands.
//	p, err := flut.New(targets, src)
//
//	// Animated source on a known canvas, right half of the screen.
//	p, err := flut.New(targets, src,
//		flut.WithCanvasSize(1280, 720),
//		flut.WithOffset(640, 0),
//		flut.WithGrammar(wire.Binary),
//	)
type Option func(*pipelineOptions)

// GPUMode selects how hard the pipeline tries to encode on a GPU.
type GPUMode int

const (
	// GPUPreferred uses a GPU when one opens, falling back to host encoding
	// otherwise. This is the default.
	GPUPreferred GPUMode = iota

	// GPURequired makes New fail when no GPU adapter can be opened.
	GPURequired

	// GPUOff always encodes on the host.
	GPUOff
)

// String returns the mode name.
func (m GPUMode) String() string {
	switch m {
	case GPUPreferred:
		return "preferred"
	case GPURequired:
		return "required"
	case GPUOff:
		return "off"
	default:
		return fmt.Sprintf("Unknown(%d)", int(m))
	}
}

// mode maps the public knob to the encoder's mode.
func (m GPUMode) mode() gpu.Mode {
	switch m {
	case GPURequired:
		return gpu.ModeRequired
	case GPUOff:
		return gpu.ModeOff
	default:
		return gpu.ModePreferred
	}
}

// ListAdapters returns the names of the available GPU adapters, in the
// index order accepted by WithAdapterIndex.
func ListAdapters() ([]string, error) {
	return gpu.ListAdapters()
}

// pipelineOptions holds optional configuration for Pipeline creation.
type pipelineOptions struct {
	slots       int
	ringDepth   int
	connections int
	grammar     wire.Grammar
	canvasW     int
	canvasH     int
	offsetX     int
	offsetY     int
	order       wire.Order
	seed        int64
	backoffBase time.Duration
	backoffMax  time.Duration
	deadAfter   int
	dropOnFail  bool
	gpuMode     GPUMode
	adapter     int
	cacheFrames int
}

func defaultOptions() pipelineOptions {
	return pipelineOptions{
		slots:       4,
		ringDepth:   0, // sized from slots*connections in New
		connections: 2,
		grammar:     wire.ASCII,
		order:       wire.OrderTopDown,
		backoffBase: 100 * time.Millisecond,
		backoffMax:  10 * time.Second,
		deadAfter:   8,
		gpuMode:     GPUPreferred,
	}
}

// WithSlotCount sets how many frame-sized command buffers circulate through
// the pipeline. More slots let more frames be in flight at once; each slot
// costs one encoded frame of host memory plus GPU lane buffers.
func WithSlotCount(n int) Option {
	return func(o *pipelineOptions) {
		o.slots = n
	}
}

// WithRingDepth bounds how many write operations may be pending in the
// submission ring. The default scales with slots and connections.
func WithRingDepth(n int) Option {
	return func(o *pipelineOptions) {
		o.ringDepth = n
	}
}

// WithConnections sets how many TCP connections to open per target address.
func WithConnections(n int) Option {
	return func(o *pipelineOptions) {
		o.connections = n
	}
}

// WithGrammar selects the command encoding. wire.Binary is far more compact
// than ASCII but not all servers accept it.
func WithGrammar(g wire.Grammar) Option {
	return func(o *pipelineOptions) {
		o.grammar = g
	}
}

// WithCanvasSize declares the server canvas dimensions. Pixels falling
// outside the canvas after the offset is applied are clipped at template
// build time and never sent. Zero (the default) disables clipping.
func WithCanvasSize(w, h int) Option {
	return func(o *pipelineOptions) {
		o.canvasW = w
		o.canvasH = h
	}
}

// WithOffset places the frame's top-left corner on the canvas.
func WithOffset(x, y int) Option {
	return func(o *pipelineOptions) {
		o.offsetX = x
		o.offsetY = y
	}
}

// WithDrawOrder sets the order pixels appear within each encoded frame.
func WithDrawOrder(ord wire.Order) Option {
	return func(o *pipelineOptions) {
		o.order = ord
	}
}

// WithSeed fixes the RNG seed used by wire.OrderRandom. Useful for
// reproducing a shuffle; ignored by the other orders.
func WithSeed(seed int64) Option {
	return func(o *pipelineOptions) {
		o.seed = seed
	}
}

// WithBackoff sets the reconnect backoff. Delay starts at base and doubles
// after each consecutive failure, capped at max.
func WithBackoff(base, max time.Duration) Option {
	return func(o *pipelineOptions) {
		o.backoffBase = base
		o.backoffMax = max
	}
}

// WithDeadThreshold sets how many consecutive reconnect failures mark a
// connection dead. Dead connections are removed from scheduling for good.
func WithDeadThreshold(n int) Option {
	return func(o *pipelineOptions) {
		o.deadAfter = n
	}
}

// WithDropOnFailure discards chunks whose write failed instead of requeueing
// them on a healthy connection. Dropping trades completeness for freshness:
// the next frame overwrites the lost pixels anyway on a busy canvas.
func WithDropOnFailure(drop bool) Option {
	return func(o *pipelineOptions) {
		o.dropOnFail = drop
	}
}

// WithGPUMode controls GPU use. GPUPreferred (the default) falls back to
// host encoding when no adapter opens; GPURequired fails instead; GPUOff
// never touches the GPU.
func WithGPUMode(m GPUMode) Option {
	return func(o *pipelineOptions) {
		o.gpuMode = m
	}
}

// WithEncodeCache caches up to frames encoded frames, keyed by the source
// buffer, so a source cycling through a fixed set of frames (a looping
// animation) is encoded once per distinct frame instead of once per cycle.
// Only enable it for sources whose buffers never change after first hand-off;
// a source that redraws into the same buffer would be served stale bytes.
func WithEncodeCache(frames int) Option {
	return func(o *pipelineOptions) {
		o.cacheFrames = frames
	}
}

// WithAdapterIndex picks a specific GPU adapter by enumeration index
// instead of the default discrete-first selection.
func WithAdapterIndex(i int) Option {
	return func(o *pipelineOptions) {
		o.adapter = i
	}
}
