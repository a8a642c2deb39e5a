package flut

import (
	"fmt"
	"sync/atomic"
)

// slotState tracks where a slot is in its lifecycle. Transitions are
// one-directional around the cycle and always CAS-guarded:
//
//	Free -> Encoding -> Ready -> InFlight -> Free
type slotState uint32

const (
	slotFree slotState = iota
	slotEncoding
	slotReady
	slotInFlight
)

func (s slotState) String() string {
	switch s {
	case slotFree:
		return "Free"
	case slotEncoding:
		return "Encoding"
	case slotReady:
		return "Ready"
	case slotInFlight:
		return "InFlight"
	default:
		return fmt.Sprintf("Unknown(%d)", uint32(s))
	}
}

// slot is one reusable command buffer. buf is sized for a worst-case
// encoded frame at pool creation and never reallocated; n is the encoded
// length of the current frame. pending counts chunk writes still in the
// ring while the slot is InFlight.
type slot struct {
	id      int
	state   atomic.Uint32
	buf     []byte
	n       int
	pending atomic.Int32
}

func (s *slot) is(st slotState) bool {
	return slotState(s.state.Load()) == st
}

func (s *slot) cas(from, to slotState) bool {
	return s.state.CompareAndSwap(uint32(from), uint32(to))
}

// slotPool owns a fixed set of slots. Acquisition blocks on the free
// channel, so a producer that outruns the network parks instead of
// allocating; release puts the slot back and unparks one waiter.
type slotPool struct {
	slots []*slot
	free  chan *slot
}

func newSlotPool(count, size int) *slotPool {
	p := &slotPool{
		slots: make([]*slot, count),
		free:  make(chan *slot, count),
	}
	for i := range p.slots {
		s := &slot{id: i, buf: make([]byte, size)}
		p.slots[i] = s
		p.free <- s
	}
	return p
}

// acquire takes a free slot and moves it to Encoding, blocking until one is
// available, stop is closed, or fatal delivers an error. The fatal channel
// is what unblocks a waiter whose slots are all stuck in flight when the
// last connection dies; pass nil when no such signal exists.
func (p *slotPool) acquire(stop <-chan struct{}, fatal <-chan error) (*slot, error) {
	select {
	case s := <-p.free:
		if !s.cas(slotFree, slotEncoding) {
			// A slot on the free channel is always Free; anything else
			// means double release.
			panic(fmt.Sprintf("flut: slot %d on free list in state %v", s.id, slotState(s.state.Load())))
		}
		return s, nil
	case <-stop:
		return nil, ErrPipelineClosed
	case err := <-fatal:
		return nil, err
	}
}

// tryAcquire is acquire without blocking.
func (p *slotPool) tryAcquire() *slot {
	select {
	case s := <-p.free:
		if !s.cas(slotFree, slotEncoding) {
			panic(fmt.Sprintf("flut: slot %d on free list in state %v", s.id, slotState(s.state.Load())))
		}
		return s
	default:
		return nil
	}
}

// release returns an InFlight slot whose last chunk completed.
func (p *slotPool) release(s *slot) {
	if !s.cas(slotInFlight, slotFree) {
		panic(fmt.Sprintf("flut: release of slot %d in state %v", s.id, slotState(s.state.Load())))
	}
	p.free <- s
}

// cancel returns a slot that never reached the ring (encode error or
// shutdown) without going through InFlight.
func (p *slotPool) cancel(s *slot) {
	st := slotState(s.state.Load())
	if st != slotEncoding && st != slotReady {
		panic(fmt.Sprintf("flut: cancel of slot %d in state %v", s.id, st))
	}
	s.state.Store(uint32(slotFree))
	p.free <- s
}
