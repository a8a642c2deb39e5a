package wire

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// Command is one decoded draw command.
type Command struct {
	X, Y       int
	R, G, B, A uint8
}

// Decode errors.
var (
	// ErrMalformed is returned when the byte stream does not parse as a
	// sequence of commands in the given grammar.
	ErrMalformed = errors.New("wire: malformed command stream")
)

// Decode parses a byte stream back into draw commands. It is the inverse of
// EncodeInto for a matching grammar and exists so tests and diagnostics can
// verify that encoded chunks are exactly what a server would parse.
func Decode(g Grammar, data []byte) ([]Command, error) {
	switch g {
	case ASCII, ASCIIAlpha:
		return decodeASCII(g, data)
	case Binary:
		return decodeBinary(data)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownGrammar, g)
	}
}

func decodeASCII(g Grammar, data []byte) ([]Command, error) {
	var cmds []Command
	for len(data) > 0 {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			return nil, fmt.Errorf("%w: unterminated command", ErrMalformed)
		}
		line := data[:nl]
		data = data[nl+1:]

		fields := bytes.Fields(line)
		if len(fields) != 4 || !bytes.Equal(fields[0], []byte("PX")) {
			return nil, fmt.Errorf("%w: %q", ErrMalformed, line)
		}
		x, err := strconv.Atoi(string(fields[1]))
		if err != nil {
			return nil, fmt.Errorf("%w: x in %q", ErrMalformed, line)
		}
		y, err := strconv.Atoi(string(fields[2]))
		if err != nil {
			return nil, fmt.Errorf("%w: y in %q", ErrMalformed, line)
		}
		want := g.colorFieldLen()
		if len(fields[3]) != want {
			return nil, fmt.Errorf("%w: color %q, want %d hex digits",
				ErrMalformed, fields[3], want)
		}
		v, err := strconv.ParseUint(string(fields[3]), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: color in %q", ErrMalformed, line)
		}
		c := Command{X: x, Y: y, A: 0xff}
		if g == ASCIIAlpha {
			c.A = uint8(v & 0xff)
			v >>= 8
		}
		c.B = uint8(v & 0xff)
		c.G = uint8(v >> 8 & 0xff)
		c.R = uint8(v >> 16 & 0xff)
		cmds = append(cmds, c)
	}
	return cmds, nil
}

func decodeBinary(data []byte) ([]Command, error) {
	if len(data)%binaryCommandLen != 0 {
		return nil, fmt.Errorf("%w: length %d not a multiple of %d",
			ErrMalformed, len(data), binaryCommandLen)
	}
	cmds := make([]Command, 0, len(data)/binaryCommandLen)
	for i := 0; i < len(data); i += binaryCommandLen {
		c := data[i : i+binaryCommandLen]
		if c[0] != 'P' || c[1] != 'B' {
			return nil, fmt.Errorf("%w: bad magic at offset %d", ErrMalformed, i)
		}
		cmds = append(cmds, Command{
			X: int(c[2]) | int(c[3])<<8,
			Y: int(c[4]) | int(c[5])<<8,
			R: c[6], G: c[7], B: c[8], A: c[9],
		})
	}
	return cmds, nil
}
