package wire

import (
	"errors"
	"fmt"
	"math/rand"
)

// Point is a pixel position within a source frame.
type Point struct {
	X, Y int
}

// Order selects the sequence in which a frame's pixels are emitted.
// The order is baked into the Template once; it does not change per frame.
//
// Emission order matters on a contested canvas: a random order makes partial
// frames look like noise instead of a wipe, while directional orders produce
// visible sweeps.
type Order int

const (
	// OrderTopDown emits pixels row by row, top row first.
	OrderTopDown Order = iota

	// OrderBottomUp emits pixels row by row, bottom row first.
	OrderBottomUp

	// OrderLeftRight emits pixels column by column, left column first.
	OrderLeftRight

	// OrderRightLeft emits pixels column by column, right column first.
	OrderRightLeft

	// OrderRandom emits pixels in a shuffled order.
	OrderRandom
)

// ErrUnknownOrder is returned when parsing an unrecognized order name.
var ErrUnknownOrder = errors.New("wire: unknown draw order")

// String returns the order name accepted by ParseOrder.
func (o Order) String() string {
	switch o {
	case OrderTopDown:
		return "down"
	case OrderBottomUp:
		return "up"
	case OrderLeftRight:
		return "right"
	case OrderRightLeft:
		return "left"
	case OrderRandom:
		return "random"
	default:
		return fmt.Sprintf("Unknown(%d)", int(o))
	}
}

// ParseOrder parses an order name: "down", "up", "right", "left" or "random".
func ParseOrder(s string) (Order, error) {
	switch s {
	case "down":
		return OrderTopDown, nil
	case "up":
		return OrderBottomUp, nil
	case "right":
		return OrderLeftRight, nil
	case "left":
		return OrderRightLeft, nil
	case "random":
		return OrderRandom, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownOrder, s)
	}
}

// Points returns the emission sequence for a w×h frame. For OrderRandom the
// shuffle is drawn from rng; pass a seeded rand.Rand for a deterministic
// template (the encoder itself is deterministic for a fixed template).
func (o Order) Points(w, h int, rng *rand.Rand) []Point {
	pts := make([]Point, 0, w*h)
	switch o {
	case OrderBottomUp:
		for y := h - 1; y >= 0; y-- {
			for x := 0; x < w; x++ {
				pts = append(pts, Point{x, y})
			}
		}
	case OrderLeftRight:
		for x := 0; x < w; x++ {
			for y := 0; y < h; y++ {
				pts = append(pts, Point{x, y})
			}
		}
	case OrderRightLeft:
		for x := w - 1; x >= 0; x-- {
			for y := 0; y < h; y++ {
				pts = append(pts, Point{x, y})
			}
		}
	case OrderRandom:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				pts = append(pts, Point{x, y})
			}
		}
		rng.Shuffle(len(pts), func(i, j int) {
			pts[i], pts[j] = pts[j], pts[i]
		})
	default: // OrderTopDown
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				pts = append(pts, Point{x, y})
			}
		}
	}
	return pts
}
