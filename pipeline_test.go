package flut

import (
	"context"
	"errors"
	"image/color"
	"io"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// sliceSource plays back a fixed list of frames, then ends the stream.
type sliceSource struct {
	w, h   int
	frames []*PixelBuffer
	delay  time.Duration
	i      int
}

func (s *sliceSource) Size() (int, int) { return s.w, s.h }

func (s *sliceSource) NextFrame() (*PixelBuffer, time.Duration, error) {
	if s.i >= len(s.frames) {
		return nil, 0, io.EOF
	}
	f := s.frames[s.i]
	s.i++
	return f, s.delay, nil
}

func testFrame2x2() *PixelBuffer {
	pb := NewPixelBuffer(2, 2)
	pb.SetPixel(0, 0, color.NRGBA{R: 0xff, A: 0xff})
	pb.SetPixel(1, 0, color.NRGBA{G: 0xff, A: 0xff})
	pb.SetPixel(0, 1, color.NRGBA{B: 0xff, A: 0xff})
	pb.SetPixel(1, 1, color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff})
	return pb
}

const golden2x2 = "PX 0 0 ff0000\nPX 1 0 00ff00\nPX 0 1 0000ff\nPX 1 1 ffffff\n"

func newTestPipeline(t *testing.T, src FrameSource, d *fakeDialer, opts ...Option) *Pipeline {
	t.Helper()
	opts = append([]Option{
		WithGPUMode(GPUOff),
		WithConnections(1),
		WithSlotCount(2),
	}, opts...)
	p, err := New([]string{"test:1234"}, src, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.eng.dial = d.dial
	t.Cleanup(d.close)
	return p
}

func TestPipeline_EndToEnd(t *testing.T) {
	frame := testFrame2x2()
	src := &sliceSource{w: 2, h: 2, frames: []*PixelBuffer{frame}}
	d := &fakeDialer{}
	p := newTestPipeline(t, src, d)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := readPeer(t, d.peers[0], len(golden2x2))
	if string(got) != golden2x2 {
		t.Fatalf("wire bytes:\n%q\nwant:\n%q", got, golden2x2)
	}

	st := p.Stats()
	if st.Frames != 1 {
		t.Fatalf("Frames = %d, want 1", st.Frames)
	}
	if st.Bytes != int64(len(golden2x2)) {
		t.Fatalf("Bytes = %d, want %d", st.Bytes, len(golden2x2))
	}
	if st.Accelerated {
		t.Fatal("ModeOff pipeline reports GPU acceleration")
	}
}

func TestPipeline_MultiFrameDrain(t *testing.T) {
	frame := testFrame2x2()
	src := &sliceSource{w: 2, h: 2, frames: []*PixelBuffer{frame, frame, frame}}
	d := &fakeDialer{}
	p := newTestPipeline(t, src, d)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Every frame must be flushed before Run returns, EOF included.
	want := golden2x2 + golden2x2 + golden2x2
	got := readPeer(t, d.peers[0], len(want))
	if string(got) != want {
		t.Fatalf("wire bytes length %d, want %d", len(got), len(want))
	}
	if st := p.Stats(); st.Frames != 3 {
		t.Fatalf("Frames = %d, want 3", st.Frames)
	}
}

func TestPipeline_StillFrameCacheReusesEncoding(t *testing.T) {
	frame := testFrame2x2()
	frames := make([]*PixelBuffer, 5)
	for i := range frames {
		frames[i] = frame
	}
	src := &sliceSource{w: 2, h: 2, frames: frames, delay: time.Millisecond}
	d := &fakeDialer{}
	p := newTestPipeline(t, src, d)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.stillCache == nil {
		t.Fatal("still cache never captured for a repeated frame")
	}
	got := readPeer(t, d.peers[0], 5*len(golden2x2))
	for i := 0; i < 5; i++ {
		if string(got[i*len(golden2x2):(i+1)*len(golden2x2)]) != golden2x2 {
			t.Fatalf("frame %d corrupted on the wire", i)
		}
	}
}

func TestPipeline_ContextCancel(t *testing.T) {
	frame := testFrame2x2()
	frames := make([]*PixelBuffer, 1<<20)
	for i := range frames {
		frames[i] = frame
	}
	src := &sliceSource{w: 2, h: 2, frames: frames}
	d := &fakeDialer{}
	p := newTestPipeline(t, src, d)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if err := p.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
}

func TestPipeline_AllConnectionsDeadFatal(t *testing.T) {
	frame := testFrame2x2()
	frames := make([]*PixelBuffer, 1<<20)
	for i := range frames {
		frames[i] = frame
	}
	src := &sliceSource{w: 2, h: 2, frames: frames}
	d := &fakeDialer{failures: 1 << 30}
	p := newTestPipeline(t, src, d,
		WithBackoff(5*time.Millisecond, 50*time.Millisecond),
		WithDeadThreshold(2),
	)

	if err := p.Run(context.Background()); !errors.Is(err, ErrAllConnectionsDead) {
		t.Fatalf("Run = %v, want ErrAllConnectionsDead", err)
	}
}

// repeatSource hands back the same frame forever.
type repeatSource struct {
	w, h int
	pix  *PixelBuffer
}

func (s *repeatSource) Size() (int, int) { return s.w, s.h }

func (s *repeatSource) NextFrame() (*PixelBuffer, time.Duration, error) {
	return s.pix, 0, nil
}

// waitPeer blocks until the dialer handed out a connection, returning the
// test-side fd of the first socketpair.
func waitPeer(t *testing.T, d *fakeDialer) int {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		if len(d.peers) > 0 {
			fd := d.peers[0]
			d.mu.Unlock()
			return fd
		}
		d.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatal("connection never established")
	return -1
}

func TestPipeline_AllDeadWithChunkInFlight(t *testing.T) {
	// A never-read peer jams the socket buffer, so the only slot is stuck
	// in flight and the orchestrator blocks waiting for a free one. Killing
	// the peer with redials refused must then fail the run instead of
	// leaving it parked forever.
	src := &repeatSource{w: 64, h: 64, pix: NewPixelBuffer(64, 64)}
	d := &fakeDialer{}
	p := newTestPipeline(t, src, d,
		WithSlotCount(1),
		WithBackoff(5*time.Millisecond, 20*time.Millisecond),
		WithDeadThreshold(1),
	)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	peer := waitPeer(t, d)
	time.Sleep(150 * time.Millisecond)

	d.mu.Lock()
	d.failures = 1 << 30
	d.peers = nil
	d.mu.Unlock()
	unix.Close(peer)

	select {
	case err := <-done:
		if !errors.Is(err, ErrAllConnectionsDead) {
			t.Fatalf("Run = %v, want ErrAllConnectionsDead", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run still blocked after every connection died")
	}
}

func TestPipeline_CancelFlushesInFlight(t *testing.T) {
	frame := testFrame2x2()
	frames := make([]*PixelBuffer, 1<<20)
	for i := range frames {
		frames[i] = frame
	}
	src := &sliceSource{w: 2, h: 2, frames: frames}
	d := &fakeDialer{}
	p := newTestPipeline(t, src, d)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- p.Run(ctx) }()

	// Keep the peer drained so the flush on cancel can complete; the
	// reader stops at EOF once the engine closes its socket.
	peer := waitPeer(t, d)
	recvDone := make(chan []byte, 1)
	go func() {
		var out []byte
		buf := make([]byte, 4096)
		for {
			n, err := unix.Read(peer, buf)
			if n > 0 {
				out = append(out, buf[:n]...)
			}
			if n <= 0 || err != nil {
				recvDone <- out
				return
			}
		}
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-runDone; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}

	// Cancellation must not tear a command apart mid-write.
	got := <-recvDone
	if len(got) == 0 || len(got)%len(golden2x2) != 0 {
		t.Fatalf("flushed %d bytes, want a positive multiple of %d", len(got), len(golden2x2))
	}
}

func TestPipeline_EncodeCacheLoopingFrames(t *testing.T) {
	a := testFrame2x2()
	b := NewPixelBuffer(2, 2)
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			b.SetPixel(x, y, color.NRGBA{R: 0x11, G: 0x22, B: 0x33, A: 0xff})
		}
	}
	goldenB := "PX 0 0 112233\nPX 1 0 112233\nPX 0 1 112233\nPX 1 1 112233\n"

	src := &sliceSource{w: 2, h: 2, frames: []*PixelBuffer{a, b, a, b, a, b}}
	d := &fakeDialer{}
	p := newTestPipeline(t, src, d, WithEncodeCache(2))

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(p.encodeCache) != 2 {
		t.Fatalf("cached %d frames, want 2", len(p.encodeCache))
	}

	cycle := golden2x2 + goldenB
	want := cycle + cycle + cycle
	got := readPeer(t, d.peers[0], len(want))
	if string(got) != want {
		t.Fatalf("wire bytes:\n%q\nwant:\n%q", got, want)
	}
}

func TestPipeline_RunTwice(t *testing.T) {
	src := &sliceSource{w: 2, h: 2, frames: []*PixelBuffer{testFrame2x2()}}
	d := &fakeDialer{}
	p := newTestPipeline(t, src, d)
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := p.Run(context.Background()); !errors.Is(err, ErrPipelineClosed) {
		t.Fatalf("second Run = %v, want ErrPipelineClosed", err)
	}
}

func TestNew_Validation(t *testing.T) {
	src := &sliceSource{w: 2, h: 2, frames: nil}

	if _, err := New(nil, src); !errors.Is(err, ErrNoTargets) {
		t.Fatalf("New(no targets) = %v, want ErrNoTargets", err)
	}

	_, err := New([]string{"a:1"}, src,
		WithGPUMode(GPUOff),
		WithConnections(4),
		WithRingDepth(2),
	)
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("New(tiny ring) = %v, want ErrCapacityExceeded", err)
	}
}
