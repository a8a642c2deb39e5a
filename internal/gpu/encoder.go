package gpu

import (
	"errors"
	"fmt"

	"github.com/gogpu/flut/wire"
)

// Encoder errors.
var (
	// ErrNoDevice is returned when ModeRequired is set and no usable GPU
	// adapter can be opened.
	ErrNoDevice = errors.New("gpu: no usable device")

	// ErrEncoderClosed is returned when encoding on a closed encoder.
	ErrEncoderClosed = errors.New("gpu: encoder closed")

	// ErrDstTooSmall is returned when the destination buffer cannot hold
	// one encoded frame.
	ErrDstTooSmall = errors.New("gpu: destination smaller than encoded frame")

	// ErrBadPixelLen is returned for pixel data that does not match the
	// template geometry.
	ErrBadPixelLen = errors.New("gpu: pixel data length mismatch")
)

// Mode selects how hard the encoder tries to use a GPU.
type Mode int

const (
	// ModePreferred uses a GPU when one opens, falling back to the host
	// encoder otherwise.
	ModePreferred Mode = iota

	// ModeRequired fails construction when no GPU is available.
	ModeRequired

	// ModeOff always uses the host encoder.
	ModeOff
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModePreferred:
		return "preferred"
	case ModeRequired:
		return "required"
	case ModeOff:
		return "off"
	default:
		return fmt.Sprintf("Unknown(%d)", int(m))
	}
}

// Config configures an Encoder.
type Config struct {
	// Mode selects GPU vs host encoding.
	Mode Mode

	// AdapterIndex picks a device when the machine exposes several.
	AdapterIndex int

	// Lanes is the number of encodes that may be in flight on the device
	// at once. It should match the slot pool size so the GPU can run ahead
	// of transmission. Minimum 1.
	Lanes int
}

// Op is one asynchronous encode. The destination buffer passed to Encode
// must not be read until Done is closed.
type Op struct {
	done chan struct{}
	n    int
	err  error
}

// Done returns a channel closed when the encode has finished.
func (o *Op) Done() <-chan struct{} { return o.done }

// Wait blocks until the encode finishes and returns the number of valid
// bytes written to the destination.
func (o *Op) Wait() (int, error) {
	<-o.done
	return o.n, o.err
}

// Err returns the encode error, or nil. Valid only after Done is closed.
func (o *Op) Err() error { return o.err }

func (o *Op) finish(n int, err error) {
	o.n = n
	o.err = err
	close(o.done)
}

// Encoder encodes frames against a fixed wire.Template.
type Encoder struct {
	tpl    *wire.Template
	dev    *device // nil when encoding on the host
	closed bool
}

// NewEncoder builds an encoder for the template. Depending on cfg.Mode it
// opens a GPU device or prepares the host path.
func NewEncoder(tpl *wire.Template, cfg Config) (*Encoder, error) {
	if cfg.Lanes < 1 {
		cfg.Lanes = 1
	}
	e := &Encoder{tpl: tpl}
	if cfg.Mode == ModeOff {
		return e, nil
	}
	dev, err := openDevice(tpl, cfg)
	if err != nil {
		if cfg.Mode == ModeRequired {
			return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
		}
		logger().Warn("gpu unavailable, encoding on host", "err", err)
		return e, nil
	}
	e.dev = dev
	return e, nil
}

// Accelerated reports whether frames are encoded on a GPU device.
func (e *Encoder) Accelerated() bool { return e.dev != nil }

// Size returns the exact encoded byte length of one frame.
func (e *Encoder) Size() int { return e.tpl.Size() }

// Encode enqueues the encoding of one RGBA frame into dst and returns
// without waiting for completion. pix is row-major RGBA matching the
// template geometry and must stay unchanged, and dst untouched, until the
// returned Op is done.
func (e *Encoder) Encode(pix, dst []byte) (*Op, error) {
	if e.closed {
		return nil, ErrEncoderClosed
	}
	if len(dst) < e.tpl.Size() {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrDstTooSmall, len(dst), e.tpl.Size())
	}
	if want := e.tpl.Width * e.tpl.Height * 4; len(pix) != want {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrBadPixelLen, len(pix), want)
	}

	op := &Op{done: make(chan struct{})}
	if e.dev != nil {
		if err := e.dev.dispatch(pix, dst, op); err != nil {
			return nil, err
		}
		return op, nil
	}

	tpl := e.tpl
	go func() {
		n, err := wire.EncodeInto(dst, tpl, pix)
		op.finish(n, err)
	}()
	return op, nil
}

// Close releases device resources. In-flight ops complete first from the
// caller's point of view only if it has already waited on them; Close does
// not cancel running GPU work.
func (e *Encoder) Close() {
	if e.closed {
		return
	}
	e.closed = true
	if e.dev != nil {
		e.dev.close()
		e.dev = nil
	}
}
