package flut

import (
	"sync"
	"testing"
	"time"
)

func TestSlotPoolBounds(t *testing.T) {
	p := newSlotPool(3, 16)

	var held []*slot
	for i := 0; i < 3; i++ {
		s := p.tryAcquire()
		if s == nil {
			t.Fatalf("acquire %d: pool empty early", i)
		}
		held = append(held, s)
	}
	if s := p.tryAcquire(); s != nil {
		t.Fatalf("acquired slot %d beyond pool size", s.id)
	}

	seen := map[int]bool{}
	for _, s := range held {
		if seen[s.id] {
			t.Fatalf("slot %d handed out twice", s.id)
		}
		seen[s.id] = true
		if !s.is(slotEncoding) {
			t.Fatalf("slot %d state = %v, want Encoding", s.id, slotState(s.state.Load()))
		}
	}
}

func TestSlotPoolReleaseCycle(t *testing.T) {
	p := newSlotPool(1, 16)

	s := p.tryAcquire()
	if s == nil {
		t.Fatal("acquire failed")
	}
	if !s.cas(slotEncoding, slotReady) {
		t.Fatal("Encoding -> Ready failed")
	}
	if !s.cas(slotReady, slotInFlight) {
		t.Fatal("Ready -> InFlight failed")
	}
	p.release(s)

	got := p.tryAcquire()
	if got == nil {
		t.Fatal("released slot not reusable")
	}
	if got.id != s.id {
		t.Fatalf("got slot %d, want %d", got.id, s.id)
	}
}

func TestSlotPoolCancel(t *testing.T) {
	p := newSlotPool(1, 16)

	s := p.tryAcquire()
	p.cancel(s)
	if got := p.tryAcquire(); got == nil {
		t.Fatal("cancelled slot not reusable")
	}
}

func TestSlotPoolAcquireBlocks(t *testing.T) {
	p := newSlotPool(1, 16)
	stop := make(chan struct{})

	s := p.tryAcquire()

	var wg sync.WaitGroup
	wg.Add(1)
	acquired := make(chan *slot, 1)
	go func() {
		defer wg.Done()
		got, err := p.acquire(stop, nil)
		if err != nil {
			t.Errorf("acquire: %v", err)
			return
		}
		acquired <- got
	}()

	select {
	case got := <-acquired:
		t.Fatalf("acquire returned slot %d while pool empty", got.id)
	case <-time.After(20 * time.Millisecond):
	}

	s.cas(slotEncoding, slotReady)
	s.cas(slotReady, slotInFlight)
	p.release(s)

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("acquire did not wake after release")
	}
	wg.Wait()
}

func TestSlotPoolAcquireStop(t *testing.T) {
	p := newSlotPool(1, 16)
	p.tryAcquire()

	stop := make(chan struct{})
	close(stop)
	if _, err := p.acquire(stop, nil); err != ErrPipelineClosed {
		t.Fatalf("acquire after stop = %v, want ErrPipelineClosed", err)
	}
}

func TestSlotPoolAcquireFatal(t *testing.T) {
	p := newSlotPool(1, 16)
	p.tryAcquire()

	fatal := make(chan error, 1)
	fatal <- ErrAllConnectionsDead

	stop := make(chan struct{})
	if _, err := p.acquire(stop, fatal); err != ErrAllConnectionsDead {
		t.Fatalf("acquire = %v, want ErrAllConnectionsDead", err)
	}
}

func TestSlotStateString(t *testing.T) {
	tests := []struct {
		state slotState
		want  string
	}{
		{slotFree, "Free"},
		{slotEncoding, "Encoding"},
		{slotReady, "Ready"},
		{slotInFlight, "InFlight"},
		{slotState(9), "Unknown(9)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("slotState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
