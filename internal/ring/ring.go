// Package ring implements the asynchronous write ring that drives flut's
// socket transmission.
//
// The ring pairs a fixed-depth submission queue with an epoll-based
// completion side: Submit posts a chunk for a registered socket and returns
// immediately, Harvest collects completions. A chunk completes only when
// every byte has been written — short writes are resubmitted internally, so
// callers never observe partial flushes. Per-socket submission order is
// preserved (each fd drains a FIFO); no order is promised across sockets.
//
// When the queue is full, Submit returns ErrSaturated. That is the ring's
// steady-state backpressure signal, not a failure: the caller retries after
// the next harvest.
package ring

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Ring errors.
var (
	// ErrSaturated is returned by Submit when the ring is at depth.
	// Expected under sustained load; retry after the next Harvest.
	ErrSaturated = errors.New("ring: submission queue full")

	// ErrClosed is returned when operating on a closed ring.
	ErrClosed = errors.New("ring: closed")

	// ErrNotRegistered is returned for submissions to an unknown socket.
	ErrNotRegistered = errors.New("ring: socket not registered")

	// ErrCanceled reports an operation aborted by Deregister or Close.
	ErrCanceled = errors.New("ring: operation canceled")
)

// DefaultDepth is the submission queue depth used when none is configured.
const DefaultDepth = 128

// Completion reports the outcome of one submitted chunk.
type Completion struct {
	// Token is the caller-supplied correlation value from Submit.
	Token uint64

	// Fd is the socket the chunk was submitted on.
	Fd int

	// N is the number of bytes that reached the socket.
	N int

	// Err is nil when the chunk was fully flushed. A non-nil Err means the
	// socket failed mid-chunk; N bytes were written before the failure.
	Err error
}

// op is one in-flight chunk. off tracks the flush cursor across short writes.
type op struct {
	token uint64
	buf   []byte
	off   int
}

// fdState is the per-socket FIFO of in-flight chunks.
type fdState struct {
	fd    int
	queue []op
	armed bool // fd currently registered for EPOLLOUT
}

// Ring is a fixed-depth asynchronous write queue over non-blocking sockets.
//
// Ring is safe for concurrent use: the orchestrator may Submit while another
// goroutine blocks in Harvest.
type Ring struct {
	mu       sync.Mutex
	epfd     int
	depth    int
	inflight int
	fds      map[int]*fdState
	ready    []Completion
	closed   bool

	// write is the socket write primitive; tests substitute it to simulate
	// fragmented or failing transports.
	write func(fd int, p []byte) (int, error)
}

// New creates a ring with the given submission depth.
func New(depth int) (*Ring, error) {
	if depth <= 0 {
		depth = DefaultDepth
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ring: epoll_create1: %w", err)
	}
	return &Ring{
		epfd:  epfd,
		depth: depth,
		fds:   make(map[int]*fdState),
		write: unix.Write,
	}, nil
}

// Depth returns the submission queue depth.
func (r *Ring) Depth() int { return r.depth }

// InFlight returns the number of chunks submitted but not yet completed.
func (r *Ring) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight
}

// Register adds a connected socket to the ring and switches it to
// non-blocking mode. The caller keeps ownership of the fd.
func (r *Ring) Register(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, ok := r.fds[fd]; ok {
		return nil
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("ring: set nonblock fd %d: %w", fd, err)
	}
	r.fds[fd] = &fdState{fd: fd}
	return nil
}

// Deregister removes a socket from the ring. Chunks still queued on it
// complete with ErrCanceled on the next Harvest. The fd itself is not closed.
func (r *Ring) Deregister(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.fds[fd]
	if !ok {
		return nil
	}
	r.failLocked(st, ErrCanceled)
	r.disarmLocked(st)
	delete(r.fds, fd)
	return nil
}

// Submit posts one chunk for transmission on fd. The buffer must stay
// untouched until the matching Completion is harvested. token correlates the
// completion with the caller's bookkeeping.
//
// Submit attempts an immediate non-blocking write; whatever does not fit is
// left to the epoll side. ErrSaturated means the ring is at depth.
func (r *Ring) Submit(fd int, buf []byte, token uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	st, ok := r.fds[fd]
	if !ok {
		return fmt.Errorf("%w: fd %d", ErrNotRegistered, fd)
	}
	if r.inflight >= r.depth {
		return ErrSaturated
	}

	st.queue = append(st.queue, op{token: token, buf: buf})
	r.inflight++

	// Only the queue head can make progress; if something was already
	// queued the fd is armed and epoll will drive it.
	if len(st.queue) == 1 {
		r.drainLocked(st)
	}
	return nil
}

// Harvest collects available completions, waiting up to timeout for socket
// readiness when none are pending. A zero timeout polls; a negative timeout
// waits indefinitely.
func (r *Ring) Harvest(timeout time.Duration) ([]Completion, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if len(r.ready) > 0 {
		out := r.ready
		r.ready = nil
		r.mu.Unlock()
		return out, nil
	}
	r.mu.Unlock()

	ms := int(timeout / time.Millisecond)
	if timeout < 0 {
		ms = -1
	}
	var events [64]unix.EpollEvent
	n, err := unix.EpollWait(r.epfd, events[:], ms)
	if err != nil && !errors.Is(err, unix.EINTR) {
		return nil, fmt.Errorf("ring: epoll_wait: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	for i := 0; i < n; i++ {
		ev := events[i]
		st, ok := r.fds[int(ev.Fd)]
		if !ok {
			continue
		}
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			r.failLocked(st, socketError(st.fd))
			r.disarmLocked(st)
			continue
		}
		r.drainLocked(st)
	}
	out := r.ready
	r.ready = nil
	return out, nil
}

// Close cancels all in-flight chunks and releases the epoll instance.
// Registered fds are not closed; their owners remain responsible for them.
func (r *Ring) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	for _, st := range r.fds {
		r.failLocked(st, ErrCanceled)
		r.disarmLocked(st)
	}
	r.fds = nil
	r.ready = nil
	r.closed = true
	return unix.Close(r.epfd)
}

// drainLocked writes as much of st's queue as the socket accepts right now,
// emitting completions for fully flushed chunks. Caller holds r.mu.
func (r *Ring) drainLocked(st *fdState) {
	for len(st.queue) > 0 {
		head := &st.queue[0]
		n, err := r.write(st.fd, head.buf[head.off:])
		if n > 0 {
			head.off += n
		}
		switch {
		case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK):
			r.armLocked(st)
			return
		case errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			r.failLocked(st, fmt.Errorf("ring: write fd %d: %w", st.fd, err))
			r.disarmLocked(st)
			return
		}
		if head.off == len(head.buf) {
			r.completeLocked(st, Completion{
				Token: head.token, Fd: st.fd, N: head.off,
			})
			continue
		}
		if n == 0 {
			// Defensive: a zero-length write with no error would spin.
			r.armLocked(st)
			return
		}
	}
	r.disarmLocked(st)
}

// completeLocked pops the head of st's queue and records c.
func (r *Ring) completeLocked(st *fdState, c Completion) {
	st.queue = st.queue[1:]
	r.inflight--
	r.ready = append(r.ready, c)
}

// failLocked aborts every queued chunk on st with err.
func (r *Ring) failLocked(st *fdState, err error) {
	for i := range st.queue {
		r.ready = append(r.ready, Completion{
			Token: st.queue[i].token,
			Fd:    st.fd,
			N:     st.queue[i].off,
			Err:   err,
		})
	}
	r.inflight -= len(st.queue)
	st.queue = nil
}

// armLocked subscribes st's fd to writability events. Caller holds r.mu.
func (r *Ring) armLocked(st *fdState) {
	if st.armed {
		return
	}
	ev := unix.EpollEvent{Events: unix.EPOLLOUT, Fd: int32(st.fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, st.fd, &ev); err != nil {
		r.failLocked(st, fmt.Errorf("ring: epoll_ctl add fd %d: %w", st.fd, err))
		return
	}
	st.armed = true
}

// disarmLocked unsubscribes st's fd. Caller holds r.mu.
func (r *Ring) disarmLocked(st *fdState) {
	if !st.armed {
		return
	}
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, st.fd, nil)
	st.armed = false
}

// socketError extracts the pending SO_ERROR for a failed socket.
func socketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("ring: socket fd %d failed: %w", fd, err)
	}
	if errno == 0 {
		return fmt.Errorf("ring: socket fd %d hung up: %w", fd, unix.EPIPE)
	}
	return fmt.Errorf("ring: socket fd %d failed: %w", fd, unix.Errno(errno))
}
