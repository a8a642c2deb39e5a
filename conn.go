package flut

import (
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"
)

// connState tracks a connection's health. Up connections receive chunks,
// Down connections are being redialed, Dead connections are out for good.
type connState uint32

const (
	connUp connState = iota
	connDown
	connDead
)

func (s connState) String() string {
	switch s {
	case connUp:
		return "Up"
	case connDown:
		return "Down"
	case connDead:
		return "Dead"
	default:
		return fmt.Sprintf("Unknown(%d)", uint32(s))
	}
}

// conn is one TCP connection to a target. The file descriptor is what the
// submission ring writes to; the *os.File keeps it alive and owns the close.
type conn struct {
	id    int
	addr  string
	state atomic.Uint32

	fd   int
	file *os.File

	// backlog counts chunks submitted but not yet completed, used for
	// least-backlog scheduling. Reconnect bookkeeping (failures, delay)
	// is only touched by the connection's own redial goroutine.
	backlog  atomic.Int32
	failures int
	delay    time.Duration
}

func (c *conn) is(st connState) bool {
	return connState(c.state.Load()) == st
}

func (c *conn) setState(st connState) {
	c.state.Store(uint32(st))
}

// nextDelay returns how long to wait before the next dial attempt and
// advances the backoff. The first failure waits base; each consecutive
// failure doubles the wait up to max.
func (c *conn) nextDelay(base, max time.Duration) time.Duration {
	if c.delay == 0 {
		c.delay = base
	} else {
		c.delay *= 2
		if c.delay > max {
			c.delay = max
		}
	}
	c.failures++
	return c.delay
}

// resetBackoff clears failure bookkeeping after a successful dial.
func (c *conn) resetBackoff() {
	c.failures = 0
	c.delay = 0
}

// closeFD releases the descriptor after the ring has deregistered it.
func (c *conn) closeFD() {
	if c.file != nil {
		_ = c.file.Close()
		c.file = nil
		c.fd = -1
	}
}

// dialFunc opens a connection and returns a descriptor the ring can own.
// Tests swap this for socketpairs.
type dialFunc func(addr string) (int, *os.File, error)

// dialTCP resolves and connects, then detaches the descriptor from the
// net package so the ring can drive it directly.
func dialTCP(addr string) (int, *os.File, error) {
	nc, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return 0, nil, err
	}
	tc, ok := nc.(*net.TCPConn)
	if !ok {
		_ = nc.Close()
		return 0, nil, fmt.Errorf("flut: dial %s: not a TCP connection", addr)
	}
	_ = tc.SetNoDelay(true)

	f, err := tc.File()
	_ = tc.Close()
	if err != nil {
		return 0, nil, fmt.Errorf("flut: dial %s: %w", addr, err)
	}
	return int(f.Fd()), f, nil
}
