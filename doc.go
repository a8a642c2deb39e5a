// Package flut is a maximum-throughput Pixelflut client.
//
// # Overview
//
// flut streams pixel draw commands to one or more Pixelflut servers as fast
// as the sockets accept them. Frames are encoded into wire-format command
// chunks on the GPU (via gogpu/wgpu compute) or on the host, and transmitted
// through a fixed-depth asynchronous write ring, so encoding and I/O overlap
// instead of stalling each other.
//
// # Quick Start
//
//	import (
//	    "github.com/gogpu/flut"
//	    "github.com/gogpu/flut/source"
//	)
//
//	src := source.NewPattern(256, 256, 0)
//	p, err := flut.New([]string{"pixelflut.example:1337"}, src,
//	    flut.WithOffset(100, 50),
//	    flut.WithConnections(4),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := p.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Architecture
//
// The pipeline cycles a fixed pool of slot buffers through four states:
// Free, Encoding, Ready, InFlight, then Free again. The pool size is the only
// throttle — when transmission lags, encoding blocks on slot acquisition,
// and when the ring is saturated, submission waits for the next completion.
// No other queue in the pipeline is unbounded.
//
//   - Root package: pipeline orchestrator, submission engine, slot pool,
//     connection state machine
//   - wire: Pixelflut command grammars and templates
//   - source: frame sources (patterns, images, animations)
//   - internal/gpu: wgpu compute encoder
//   - internal/ring: epoll-backed asynchronous write ring
//
// # Logging
//
// flut produces no log output by default. Call SetLogger to enable it.
package flut

// Version is the current version of the library.
const Version = "0.3.0"
