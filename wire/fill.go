package wire

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
)

// Fill errors.
var (
	// ErrShortDst is returned when dst cannot hold the template.
	ErrShortDst = errors.New("wire: destination shorter than template")

	// ErrPixelLen is returned when the pixel slice does not match the
	// template geometry (4 bytes per pixel, row-major RGBA).
	ErrPixelLen = errors.New("wire: pixel data length mismatch")
)

// EncodeInto encodes one RGBA frame into dst using the template: it copies
// the template bytes and fills every visible pixel's color field. pix is
// row-major RGBA, 4 bytes per pixel, Width*Height pixels. It returns the
// number of valid bytes written (always t.Size()).
//
// The fill is sharded across GOMAXPROCS goroutines; shards own disjoint
// pixel ranges and therefore disjoint output ranges, so no synchronization
// beyond the final join is needed. This is the host-side counterpart of the
// GPU fill kernel and the fallback when no device is available.
func EncodeInto(dst []byte, t *Template, pix []byte) (int, error) {
	if len(dst) < t.Size() {
		return 0, fmt.Errorf("%w: have %d, need %d", ErrShortDst, len(dst), t.Size())
	}
	if len(pix) != t.Width*t.Height*4 {
		return 0, fmt.Errorf("%w: have %d, need %d", ErrPixelLen, len(pix), t.Width*t.Height*4)
	}

	copy(dst, t.Buf)

	n := t.Width * t.Height
	workers := runtime.GOMAXPROCS(0)
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		fillRange(dst, t, pix, 0, n)
		return t.Size(), nil
	}

	var wg sync.WaitGroup
	chunk := (n + workers - 1) / workers
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			fillRange(dst, t, pix, start, end)
		}(start, end)
	}
	wg.Wait()
	return t.Size(), nil
}

// fillRange fills color fields for pixels [start, end).
func fillRange(dst []byte, t *Template, pix []byte, start, end int) {
	g := t.Grammar
	for i := start; i < end; i++ {
		field := t.FieldOff[i]
		if field == SkipField {
			continue
		}
		p := i * 4
		g.fillColor(dst, int(field), pix[p], pix[p+1], pix[p+2], pix[p+3])
	}
}
