package wire

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewTemplate_Size(t *testing.T) {
	tests := []struct {
		name string
		cfg  TemplateConfig
		want int
	}{
		{
			name: "2x2 ascii single digit coords",
			cfg:  TemplateConfig{Grammar: ASCII, Width: 2, Height: 2},
			// "PX 0 0 rrggbb\n" = 14 bytes per command
			want: 4 * 14,
		},
		{
			name: "2x2 ascii alpha",
			cfg:  TemplateConfig{Grammar: ASCIIAlpha, Width: 2, Height: 2},
			want: 4 * 16,
		},
		{
			name: "2x2 binary",
			cfg:  TemplateConfig{Grammar: Binary, Width: 2, Height: 2},
			want: 4 * 10,
		},
		{
			name: "offset widens coordinates",
			cfg:  TemplateConfig{Grammar: ASCII, Width: 2, Height: 2, OffsetX: 99, OffsetY: 99},
			// coords up to 100 -> 3 digit fields, zero padded
			want: 4 * (3 + 3 + 1 + 3 + 1 + 6 + 1),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl, err := NewTemplate(tt.cfg)
			if err != nil {
				t.Fatalf("NewTemplate: %v", err)
			}
			if tpl.Size() != tt.want {
				t.Errorf("Size() = %d, want %d", tpl.Size(), tt.want)
			}
			if tpl.Visible != 4 {
				t.Errorf("Visible = %d, want 4", tpl.Visible)
			}
		})
	}
}

func TestNewTemplate_CanvasClip(t *testing.T) {
	tpl, err := NewTemplate(TemplateConfig{
		Grammar: ASCII,
		Width:   4, Height: 4,
		OffsetX: 2, OffsetY: 2,
		CanvasWidth: 4, CanvasHeight: 4,
	})
	if err != nil {
		t.Fatalf("NewTemplate: %v", err)
	}
	// Only the 2x2 corner fits on the canvas.
	if tpl.Visible != 4 {
		t.Errorf("Visible = %d, want 4", tpl.Visible)
	}
	skipped := 0
	for _, off := range tpl.FieldOff {
		if off == SkipField {
			skipped++
		}
	}
	if skipped != 12 {
		t.Errorf("skipped pixels = %d, want 12", skipped)
	}
}

func TestNewTemplate_NegativeOffsetClips(t *testing.T) {
	tpl, err := NewTemplate(TemplateConfig{
		Grammar: ASCII,
		Width:   3, Height: 3,
		OffsetX: -1, OffsetY: -2,
		CanvasWidth: 10, CanvasHeight: 10,
	})
	if err != nil {
		t.Fatalf("NewTemplate: %v", err)
	}
	// Only the 2x1 corner lands at non-negative canvas coordinates.
	if tpl.Visible != 2 {
		t.Errorf("Visible = %d, want 2", tpl.Visible)
	}

	// No command may carry a negative coordinate on the wire.
	dst := make([]byte, tpl.Size())
	if _, err := EncodeInto(dst, tpl, make([]byte, 3*3*4)); err != nil {
		t.Fatalf("EncodeInto: %v", err)
	}
	cmds, err := Decode(ASCII, dst)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for _, c := range cmds {
		if c.X < 0 || c.Y < 0 {
			t.Errorf("negative coordinate on the wire: (%d,%d)", c.X, c.Y)
		}
	}
}

func TestNewTemplate_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  TemplateConfig
	}{
		{"zero width", TemplateConfig{Grammar: ASCII, Width: 0, Height: 2}},
		{"zero height", TemplateConfig{Grammar: ASCII, Width: 2, Height: 0}},
		{"fully off canvas", TemplateConfig{
			Grammar: ASCII, Width: 2, Height: 2,
			OffsetX: 10, OffsetY: 10, CanvasWidth: 5, CanvasHeight: 5,
		}},
		{"binary coord overflow", TemplateConfig{
			Grammar: Binary, Width: 2, Height: 2, OffsetX: 70000,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTemplate(tt.cfg); err == nil {
				t.Error("NewTemplate succeeded, want error")
			}
		})
	}
}

func TestTemplate_CommandsWellFormed(t *testing.T) {
	tpl, err := NewTemplate(TemplateConfig{Grammar: ASCII, Width: 3, Height: 2, OffsetX: 8, OffsetY: 9})
	if err != nil {
		t.Fatalf("NewTemplate: %v", err)
	}
	lines := bytes.Split(bytes.TrimSuffix(tpl.Buf, []byte("\n")), []byte("\n"))
	if len(lines) != 6 {
		t.Fatalf("command count = %d, want 6", len(lines))
	}
	for _, line := range lines {
		s := string(line)
		if !strings.HasPrefix(s, "PX ") {
			t.Errorf("command %q missing PX prefix", s)
		}
	}
}

func TestOrder_Points(t *testing.T) {
	tests := []struct {
		order Order
		first Point
		last  Point
	}{
		{OrderTopDown, Point{0, 0}, Point{2, 1}},
		{OrderBottomUp, Point{0, 1}, Point{2, 0}},
		{OrderLeftRight, Point{0, 0}, Point{2, 1}},
		{OrderRightLeft, Point{2, 0}, Point{0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.order.String(), func(t *testing.T) {
			pts := tt.order.Points(3, 2, nil)
			if len(pts) != 6 {
				t.Fatalf("len = %d, want 6", len(pts))
			}
			if pts[0] != tt.first {
				t.Errorf("first = %v, want %v", pts[0], tt.first)
			}
			if pts[5] != tt.last {
				t.Errorf("last = %v, want %v", pts[5], tt.last)
			}
		})
	}
}

func TestOrder_RandomCoversAllPixels(t *testing.T) {
	tpl, err := NewTemplate(TemplateConfig{
		Grammar: ASCII, Width: 7, Height: 5, Order: OrderRandom, Seed: 42,
	})
	if err != nil {
		t.Fatalf("NewTemplate: %v", err)
	}
	if tpl.Visible != 35 {
		t.Errorf("Visible = %d, want 35", tpl.Visible)
	}
	seen := make(map[uint32]bool)
	for _, off := range tpl.FieldOff {
		if off == SkipField {
			t.Fatal("unexpected skipped pixel")
		}
		if seen[off] {
			t.Fatalf("field offset %d assigned twice", off)
		}
		seen[off] = true
	}
}

func TestParseOrder(t *testing.T) {
	for _, name := range []string{"up", "down", "left", "right", "random"} {
		o, err := ParseOrder(name)
		if err != nil {
			t.Fatalf("ParseOrder(%q): %v", name, err)
		}
		if o.String() != name {
			t.Errorf("round trip %q -> %q", name, o.String())
		}
	}
	if _, err := ParseOrder("spiral"); err == nil {
		t.Error("ParseOrder(spiral) succeeded, want error")
	}
}

func TestParseGrammar(t *testing.T) {
	for _, name := range []string{"ascii", "ascii-alpha", "binary"} {
		g, err := ParseGrammar(name)
		if err != nil {
			t.Fatalf("ParseGrammar(%q): %v", name, err)
		}
		if g.String() != name {
			t.Errorf("round trip %q -> %q", name, g.String())
		}
	}
	if _, err := ParseGrammar("hex"); err == nil {
		t.Error("ParseGrammar(hex) succeeded, want error")
	}
}
