package gpu

import (
	"bytes"
	"errors"
	"testing"

	"github.com/gogpu/flut/wire"
)

func hostEncoder(t *testing.T, g wire.Grammar, w, h int) *Encoder {
	t.Helper()
	tpl, err := wire.NewTemplate(wire.TemplateConfig{Grammar: g, Width: w, Height: h})
	if err != nil {
		t.Fatalf("NewTemplate: %v", err)
	}
	e, err := NewEncoder(tpl, Config{Mode: ModeOff})
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func TestEncoder_HostPath(t *testing.T) {
	e := hostEncoder(t, wire.ASCII, 2, 2)
	if e.Accelerated() {
		t.Fatal("ModeOff encoder reports accelerated")
	}

	pix := []byte{
		0xff, 0x00, 0x00, 0xff,
		0x00, 0xff, 0x00, 0xff,
		0x00, 0x00, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff,
	}
	dst := make([]byte, e.Size())
	op, err := e.Encode(pix, dst)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	n, err := op.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}

	want := "PX 0 0 ff0000\nPX 1 0 00ff00\nPX 0 1 0000ff\nPX 1 1 ffffff\n"
	if string(dst[:n]) != want {
		t.Errorf("encoded = %q, want %q", dst[:n], want)
	}
}

func TestEncoder_AsyncCompletion(t *testing.T) {
	e := hostEncoder(t, wire.ASCII, 8, 8)
	pix := make([]byte, 8*8*4)
	dst := make([]byte, e.Size())

	op, err := e.Encode(pix, dst)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	<-op.Done()
	if op.Err() != nil {
		t.Fatalf("Err = %v", op.Err())
	}
	if n, _ := op.Wait(); n != e.Size() {
		t.Errorf("n = %d, want %d", n, e.Size())
	}
}

func TestEncoder_Deterministic(t *testing.T) {
	e := hostEncoder(t, wire.ASCIIAlpha, 4, 4)
	pix := make([]byte, 4*4*4)
	for i := range pix {
		pix[i] = byte(i * 13)
	}

	a := make([]byte, e.Size())
	b := make([]byte, e.Size())
	for _, dst := range [][]byte{a, b} {
		op, err := e.Encode(pix, dst)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if _, err := op.Wait(); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	if !bytes.Equal(a, b) {
		t.Error("two encodes of the same frame differ")
	}
}

func TestEncoder_InputValidation(t *testing.T) {
	e := hostEncoder(t, wire.ASCII, 2, 2)

	if _, err := e.Encode(make([]byte, 2*2*4), make([]byte, e.Size()-1)); !errors.Is(err, ErrDstTooSmall) {
		t.Errorf("short dst: err = %v, want ErrDstTooSmall", err)
	}
	if _, err := e.Encode(make([]byte, 7), make([]byte, e.Size())); !errors.Is(err, ErrBadPixelLen) {
		t.Errorf("short pix: err = %v, want ErrBadPixelLen", err)
	}
}

func TestEncoder_Closed(t *testing.T) {
	e := hostEncoder(t, wire.ASCII, 2, 2)
	e.Close()
	if _, err := e.Encode(make([]byte, 2*2*4), make([]byte, e.Size())); !errors.Is(err, ErrEncoderClosed) {
		t.Errorf("err = %v, want ErrEncoderClosed", err)
	}
}

func TestMode_String(t *testing.T) {
	tests := []struct {
		mode Mode
		want string
	}{
		{ModePreferred, "preferred"},
		{ModeRequired, "required"},
		{ModeOff, "off"},
		{Mode(9), "Unknown(9)"},
	}
	for _, tt := range tests {
		if got := tt.mode.String(); got != tt.want {
			t.Errorf("Mode(%d).String() = %q, want %q", int(tt.mode), got, tt.want)
		}
	}
}
