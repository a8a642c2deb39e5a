// Package wire implements the Pixelflut wire grammars used by flut.
//
// A frame is transmitted as a sequence of self-delimited draw commands, one
// per pixel. Every grammar in this package is fixed-stride: a given canvas
// position always encodes to the same number of bytes, so parallel encoders
// can compute their output positions independently, without cross-pixel
// synchronization. Coordinates are baked into a reusable Template at startup;
// per-frame work is limited to filling the color fields.
package wire

import (
	"errors"
	"fmt"
)

// Grammar selects the byte format of a single draw command.
type Grammar int

const (
	// ASCII is the classic textual command `PX <x> <y> <rrggbb>\n`.
	// Coordinates are zero-padded to a fixed decimal width so that every
	// command for a given canvas has the same length.
	ASCII Grammar = iota

	// ASCIIAlpha is ASCII with an eight-digit `rrggbbaa` color field.
	ASCIIAlpha

	// Binary is the fixed-width binary command
	// `'P' 'B' x:u16le y:u16le r g b a` (10 bytes).
	Binary
)

// String returns the grammar name.
func (g Grammar) String() string {
	switch g {
	case ASCII:
		return "ascii"
	case ASCIIAlpha:
		return "ascii-alpha"
	case Binary:
		return "binary"
	default:
		return fmt.Sprintf("Unknown(%d)", int(g))
	}
}

// ParseGrammar converts a grammar name to its Grammar value.
func ParseGrammar(s string) (Grammar, error) {
	switch s {
	case "ascii":
		return ASCII, nil
	case "ascii-alpha":
		return ASCIIAlpha, nil
	case "binary":
		return Binary, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownGrammar, s)
	}
}

// Grammar errors.
var (
	// ErrUnknownGrammar is returned for grammar values outside this package.
	ErrUnknownGrammar = errors.New("wire: unknown grammar")

	// ErrCoordRange is returned when a coordinate cannot be represented
	// by the grammar (binary coordinates are uint16).
	ErrCoordRange = errors.New("wire: coordinate out of range for grammar")
)

const (
	// binaryCommandLen is the fixed length of a Binary draw command.
	binaryCommandLen = 10

	// MaxBinaryCoord is the largest coordinate a Binary command can carry.
	MaxBinaryCoord = 0xffff
)

const hexDigits = "0123456789abcdef"

// colorFieldLen returns the length in bytes of the grammar's color field.
func (g Grammar) colorFieldLen() int {
	switch g {
	case ASCII:
		return 6 // rrggbb
	case ASCIIAlpha:
		return 8 // rrggbbaa
	case Binary:
		return 4 // raw r g b a
	default:
		return 0
	}
}

// decimalWidth returns the number of decimal digits needed for values in
// [0, max].
func decimalWidth(max int) int {
	w := 1
	for max >= 10 {
		max /= 10
		w++
	}
	return w
}

// CommandLen returns the fixed per-command length for a canvas whose largest
// reachable coordinates are maxX and maxY.
func (g Grammar) CommandLen(maxX, maxY int) (int, error) {
	switch g {
	case ASCII, ASCIIAlpha:
		// "PX " + x + " " + y + " " + color + "\n"
		return 3 + decimalWidth(maxX) + 1 + decimalWidth(maxY) + 1 + g.colorFieldLen() + 1, nil
	case Binary:
		if maxX > MaxBinaryCoord || maxY > MaxBinaryCoord {
			return 0, fmt.Errorf("%w: %dx%d", ErrCoordRange, maxX, maxY)
		}
		return binaryCommandLen, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownGrammar, g)
	}
}

// appendCommand appends one command for (x, y) to dst with the color field
// zeroed, and returns the extended slice plus the offset of the color field
// within dst. Coordinate padding uses xw and yw decimal digits.
func (g Grammar) appendCommand(dst []byte, x, y, xw, yw int) ([]byte, int) {
	switch g {
	case ASCII, ASCIIAlpha:
		dst = append(dst, 'P', 'X', ' ')
		dst = appendPadded(dst, x, xw)
		dst = append(dst, ' ')
		dst = appendPadded(dst, y, yw)
		dst = append(dst, ' ')
		field := len(dst)
		for i := 0; i < g.colorFieldLen(); i++ {
			dst = append(dst, 0)
		}
		dst = append(dst, '\n')
		return dst, field
	case Binary:
		dst = append(dst, 'P', 'B',
			byte(x), byte(x>>8),
			byte(y), byte(y>>8))
		field := len(dst)
		dst = append(dst, 0, 0, 0, 0)
		return dst, field
	default:
		return dst, -1
	}
}

// appendPadded appends v as a zero-padded decimal of exactly w digits.
// Pixelflut servers parse coordinates with atoi-style readers, which accept
// leading zeros; the padding is what makes the ASCII grammars fixed-stride.
func appendPadded(dst []byte, v, w int) []byte {
	var buf [10]byte
	i := len(buf)
	for {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
		if v == 0 {
			break
		}
	}
	for len(buf)-i < w {
		i--
		buf[i] = '0'
	}
	return append(dst, buf[i:]...)
}

// fillColor writes the color field for an RGBA pixel at the given field
// offset in dst.
func (g Grammar) fillColor(dst []byte, field int, r, gr, b, a uint8) {
	switch g {
	case ASCII:
		dst[field+0] = hexDigits[r>>4]
		dst[field+1] = hexDigits[r&0xf]
		dst[field+2] = hexDigits[gr>>4]
		dst[field+3] = hexDigits[gr&0xf]
		dst[field+4] = hexDigits[b>>4]
		dst[field+5] = hexDigits[b&0xf]
	case ASCIIAlpha:
		dst[field+0] = hexDigits[r>>4]
		dst[field+1] = hexDigits[r&0xf]
		dst[field+2] = hexDigits[gr>>4]
		dst[field+3] = hexDigits[gr&0xf]
		dst[field+4] = hexDigits[b>>4]
		dst[field+5] = hexDigits[b&0xf]
		dst[field+6] = hexDigits[a>>4]
		dst[field+7] = hexDigits[a&0xf]
	case Binary:
		dst[field+0] = r
		dst[field+1] = gr
		dst[field+2] = b
		dst[field+3] = a
	}
}
