package flut

import "errors"

// Pipeline errors.
var (
	// ErrCapacityExceeded is returned by New when the configured slot
	// capacity cannot hold a worst-case encoded frame. It never occurs
	// mid-run: capacity is validated before any GPU work is dispatched.
	ErrCapacityExceeded = errors.New("flut: slot capacity below encoded frame size")

	// ErrConnectionDead reports a connection that exhausted its reconnect
	// budget and was removed from scheduling.
	ErrConnectionDead = errors.New("flut: connection dead")

	// ErrAllConnectionsDead is the fatal condition reported when no
	// connection remains usable.
	ErrAllConnectionsDead = errors.New("flut: all connections dead")

	// ErrDispatchFailed reports a failed GPU encode. The encode stage has
	// no partial-result fallback, so the pipeline shuts down.
	ErrDispatchFailed = errors.New("flut: encode dispatch failed")

	// ErrPipelineClosed is returned when operating on a closed pipeline.
	ErrPipelineClosed = errors.New("flut: pipeline closed")

	// ErrNoTargets is returned by New when no target address is given.
	ErrNoTargets = errors.New("flut: no target addresses")
)
