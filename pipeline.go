package flut

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/gogpu/flut/internal/gpu"
	"github.com/gogpu/flut/internal/ring"
	"github.com/gogpu/flut/wire"
)

// harvestTick bounds how long the completion loop sleeps in epoll when the
// sockets are idle, so shutdown and fatal checks stay responsive.
const harvestTick = 5 * time.Millisecond

// drainGrace bounds how long a canceled run keeps flushing chunks already
// on the ring before tearing the connections down.
const drainGrace = time.Second

// Stats is a snapshot of pipeline counters.
type Stats struct {
	// Frames is the number of frames fully submitted.
	Frames int64

	// Bytes is the number of bytes flushed to the sockets.
	Bytes int64

	// Dropped is the number of chunks discarded after connection failures.
	// Always zero unless WithDropOnFailure is set.
	Dropped int64

	// Reconnects counts successful redials.
	Reconnects int64

	// Accelerated reports whether frames are encoded on a GPU.
	Accelerated bool
}

// Pipeline pushes frames from a FrameSource to one or more Pixelflut
// servers. Construction wires the encode template, the GPU encoder, the
// slot pool, and the submission engine; Run drives frames through them
// until the source ends or the context is canceled.
type Pipeline struct {
	src  FrameSource
	tpl  *wire.Template
	enc  *gpu.Encoder
	pool *slotPool
	eng  *engine

	frames atomic.Int64
	closed atomic.Bool

	// still-frame cache: when the source hands back the same buffer twice,
	// the encoded bytes are captured once and copied thereafter instead of
	// re-encoding an unchanged frame.
	lastPix    *PixelBuffer
	stillCache []byte

	// encodeCache holds encoded frames keyed by their source buffer, for
	// sources that cycle through a fixed set of immutable frames (looping
	// animations). Nil unless WithEncodeCache is set.
	encodeCache map[*PixelBuffer][]byte
	cacheCap    int
}

// New builds a pipeline sending src to the given target addresses
// (host:port). The source's dimensions fix the command template, the slot
// sizes, and the GPU buffers; they cannot change during a run.
func New(targets []string, src FrameSource, opts ...Option) (*Pipeline, error) {
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.slots < 1 {
		o.slots = 1
	}
	if o.connections < 1 {
		o.connections = 1
	}

	w, h := src.Size()
	tpl, err := wire.NewTemplate(wire.TemplateConfig{
		Grammar:      o.grammar,
		Width:        w,
		Height:       h,
		OffsetX:      o.offsetX,
		OffsetY:      o.offsetY,
		CanvasWidth:  o.canvasW,
		CanvasHeight: o.canvasH,
		Order:        o.order,
		Seed:         o.seed,
	})
	if err != nil {
		return nil, err
	}

	totalConns := o.connections * len(targets)
	if o.ringDepth > 0 && o.ringDepth < totalConns {
		// A frame may split into one chunk per connection; a ring that
		// cannot hold them all can never submit a frame.
		return nil, fmt.Errorf("%w: ring depth %d below %d connections",
			ErrCapacityExceeded, o.ringDepth, totalConns)
	}

	enc, err := gpu.NewEncoder(tpl, gpu.Config{
		Mode:         o.gpuMode.mode(),
		AdapterIndex: o.adapter,
		Lanes:        o.slots,
	})
	if err != nil {
		return nil, err
	}

	pool := newSlotPool(o.slots, tpl.Size())
	eng, err := newEngine(targets, pool, tpl.Size()/tpl.Visible, &o)
	if err != nil {
		enc.Close()
		return nil, err
	}

	Logger().Info("pipeline ready",
		"frame", fmt.Sprintf("%dx%d", w, h),
		"grammar", tpl.Grammar,
		"visible", tpl.Visible,
		"frame_bytes", tpl.Size(),
		"slots", o.slots,
		"connections", totalConns,
		"gpu", enc.Accelerated())

	p := &Pipeline{src: src, tpl: tpl, enc: enc, pool: pool, eng: eng}
	if o.cacheFrames > 0 {
		p.encodeCache = make(map[*PixelBuffer][]byte, o.cacheFrames)
		p.cacheCap = o.cacheFrames
	}
	return p, nil
}

// Accelerated reports whether the pipeline encodes frames on a GPU.
func (p *Pipeline) Accelerated() bool { return p.enc.Accelerated() }

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Frames:      p.frames.Load(),
		Bytes:       p.eng.bytesSent.Load(),
		Dropped:     p.eng.dropped.Load(),
		Reconnects:  p.eng.reconnects.Load(),
		Accelerated: p.enc.Accelerated(),
	}
}

// Run drives the pipeline until the source returns io.EOF, the context is
// canceled, or a fatal error occurs. It returns nil on a clean end of
// stream, ctx.Err() on cancelation, ErrAllConnectionsDead when no
// connection survives, and ErrDispatchFailed when an encode fails.
//
// Run may be called once.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.closed.Swap(true) {
		return ErrPipelineClosed
	}
	defer p.enc.Close()
	defer p.eng.close()

	p.eng.start()

	harvestDone := make(chan struct{})
	go p.harvestLoop(harvestDone)
	defer func() { <-harvestDone }()
	defer close(p.eng.stopHarvest)

	err := p.run(ctx)
	switch {
	case err == nil:
		err = p.drain(ctx)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Cancellation still flushes what is already on the ring, within a
		// grace window, so no connection is torn down mid-command.
		gctx, cancel := context.WithTimeout(context.Background(), drainGrace)
		_ = p.drain(gctx)
		cancel()
	}
	return err
}

func (p *Pipeline) run(ctx context.Context) error {
	stop := ctx.Done()
	for {
		pix, delay, err := p.src.NextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("flut: frame source: %w", err)
		}
		var deadline time.Time
		if delay > 0 {
			deadline = time.Now().Add(delay)
		}

		s, err := p.pool.acquire(stop, p.eng.fatal)
		if err != nil {
			if errors.Is(err, ErrPipelineClosed) {
				return ctx.Err()
			}
			return err
		}
		if err := p.encodeFrame(pix, s); err != nil {
			p.pool.cancel(s)
			return err
		}
		if !s.cas(slotEncoding, slotReady) {
			panic(fmt.Sprintf("flut: slot %d left Encoding early", s.id))
		}
		if err := p.submit(ctx, s); err != nil {
			return err
		}
		p.frames.Add(1)

		if delay > 0 {
			if err := p.sleepUntil(ctx, deadline); err != nil {
				return err
			}
		}
	}
}

// encodeFrame fills s.buf with the encoded form of pix, reusing the still
// cache when the source hands back the same buffer repeatedly.
func (p *Pipeline) encodeFrame(pix *PixelBuffer, s *slot) error {
	if pix == p.lastPix && p.stillCache != nil {
		s.n = copy(s.buf, p.stillCache)
		return nil
	}
	if enc, ok := p.encodeCache[pix]; ok {
		s.n = copy(s.buf, enc)
		p.lastPix = pix
		return nil
	}

	op, err := p.enc.Encode(pix.Data(), s.buf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}
	n, err := op.Wait()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}
	s.n = n

	if p.encodeCache != nil && len(p.encodeCache) < p.cacheCap {
		enc := make([]byte, n)
		copy(enc, s.buf[:n])
		p.encodeCache[pix] = enc
	}

	if pix == p.lastPix {
		// Second sighting of the same buffer: the source is holding a still
		// frame, so capture the encoding and skip the encoder from now on.
		if p.stillCache == nil {
			p.stillCache = make([]byte, n)
		}
		copy(p.stillCache, s.buf[:n])
	} else {
		p.lastPix = pix
		p.stillCache = nil
	}
	return nil
}

// submit posts s to the engine, retrying cooperatively while the ring is
// saturated. Saturation clears as the harvest loop retires completions.
func (p *Pipeline) submit(ctx context.Context, s *slot) error {
	for {
		err := p.eng.submit(s)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ring.ErrSaturated):
		default:
			if s.is(slotReady) {
				p.pool.cancel(s)
			}
			return err
		}

		select {
		case <-ctx.Done():
			p.pool.cancel(s)
			return ctx.Err()
		case err := <-p.eng.fatal:
			p.pool.cancel(s)
			return err
		case <-time.After(time.Millisecond):
		}
	}
}

func (p *Pipeline) sleepUntil(ctx context.Context, deadline time.Time) error {
	d := time.Until(deadline)
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-p.eng.fatal:
		return err
	case <-time.After(d):
		return nil
	}
}

// drain waits for in-flight chunks to flush after the source ended, so a
// finite stream's last frame actually reaches the wire.
func (p *Pipeline) drain(ctx context.Context) error {
	for p.eng.inFlight() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-p.eng.fatal:
			return err
		case <-time.After(harvestTick):
		}
	}
	return nil
}

// harvestLoop retires ring completions until shutdown. A fatal harvest
// error (every connection dead with work parked) is forwarded to the
// orchestrator through the engine's fatal channel.
func (p *Pipeline) harvestLoop(done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-p.eng.stopHarvest:
			return
		default:
		}
		if err := p.eng.harvest(harvestTick); err != nil {
			if errors.Is(err, ring.ErrClosed) {
				return
			}
			select {
			case p.eng.fatal <- err:
			default:
			}
			return
		}
	}
}
