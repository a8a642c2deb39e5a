package flut

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/flut/internal/ring"
)

// chunkRef correlates a ring completion with the slot and connection it
// belongs to. buf is the exact byte range submitted, kept for requeueing.
type chunkRef struct {
	slot *slot
	conn *conn
	buf  []byte
}

// engine is the submission side of the pipeline: it splits Ready slots into
// per-connection chunks, posts them on the ring, and turns completions back
// into Free slots. It also owns connection health and the redial loops.
type engine struct {
	ring *ring.Ring
	pool *slotPool

	// stride is the encoded command length; chunk boundaries are always
	// command-aligned so no connection receives a torn command.
	stride int

	dial        dialFunc
	backoffBase time.Duration
	backoffMax  time.Duration
	deadAfter   int
	dropOnFail  bool

	mu      sync.Mutex
	conns   []*conn
	tokens  map[uint64]chunkRef
	next    uint64
	requeue []chunkRef

	alive       atomic.Int32
	stop        chan struct{}
	stopHarvest chan struct{}
	fatal       chan error
	wg          sync.WaitGroup

	bytesSent  atomic.Int64
	dropped    atomic.Int64
	reconnects atomic.Int64
}

func newEngine(targets []string, pool *slotPool, stride int, o *pipelineOptions) (*engine, error) {
	depth := o.ringDepth
	if depth <= 0 {
		depth = o.slots * o.connections * len(targets) * 2
	}
	r, err := ring.New(depth)
	if err != nil {
		return nil, err
	}

	e := &engine{
		ring:        r,
		pool:        pool,
		stride:      stride,
		dial:        dialTCP,
		backoffBase: o.backoffBase,
		backoffMax:  o.backoffMax,
		deadAfter:   o.deadAfter,
		dropOnFail:  o.dropOnFail,
		tokens:      make(map[uint64]chunkRef),
		stop:        make(chan struct{}),
		stopHarvest: make(chan struct{}),
		fatal:       make(chan error, 1),
	}

	id := 0
	for _, addr := range targets {
		for i := 0; i < o.connections; i++ {
			e.conns = append(e.conns, &conn{id: id, addr: addr, fd: -1})
			id++
		}
	}
	e.alive.Store(int32(len(e.conns)))
	return e, nil
}

// start dials every connection. Connections that fail the first dial go
// straight into the redial loop rather than failing startup; a target that
// is briefly unreachable should not kill the run.
func (e *engine) start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.conns {
		if err := e.dialLocked(c); err != nil {
			Logger().Warn("initial dial failed", "conn", c.id, "addr", c.addr, "error", err)
			c.setState(connDown)
			e.spawnRedial(c)
		}
	}
}

// dialLocked connects c and registers it with the ring. Caller holds e.mu.
func (e *engine) dialLocked(c *conn) error {
	fd, f, err := e.dial(c.addr)
	if err != nil {
		return err
	}
	if err := e.ring.Register(fd); err != nil {
		_ = f.Close()
		return err
	}
	c.fd = fd
	c.file = f
	c.setState(connUp)
	c.resetBackoff()
	return nil
}

// submit posts a Ready slot's encoded buffer to the ring, split across the
// Up connections. ring.ErrSaturated means nothing was posted; the caller
// retries after the next harvest. ErrAllConnectionsDead is fatal.
func (e *engine) submit(s *slot) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	up := e.upLocked()
	if len(up) == 0 {
		if e.alive.Load() == 0 {
			return ErrAllConnectionsDead
		}
		// Every connection is Down but redials are pending; treat like
		// saturation so the orchestrator parks on the next harvest.
		return ring.ErrSaturated
	}

	chunks := e.split(s.buf[:s.n], len(up))
	if e.ring.Depth()-e.ring.InFlight() < len(chunks) {
		return ring.ErrSaturated
	}

	if !s.cas(slotReady, slotInFlight) {
		panic(fmt.Sprintf("flut: submit of slot %d in state %v", s.id, slotState(s.state.Load())))
	}
	if len(chunks) == 0 {
		e.releaseLocked(s)
		return nil
	}
	s.pending.Store(int32(len(chunks)))

	for i, chunk := range chunks {
		c := up[i%len(up)]
		if err := e.postLocked(s, c, chunk); err != nil {
			// Depth was checked above and e.mu serializes submitters, so a
			// failure here is a torn-down ring; abandon the remainder.
			s.pending.Add(int32(-(len(chunks) - i)))
			if s.pending.Load() == 0 {
				e.releaseLocked(s)
			}
			return err
		}
	}
	return nil
}

// postLocked submits one chunk on c under a fresh token. Caller holds e.mu.
func (e *engine) postLocked(s *slot, c *conn, buf []byte) error {
	e.next++
	token := e.next
	if err := e.ring.Submit(c.fd, buf, token); err != nil {
		return err
	}
	e.tokens[token] = chunkRef{slot: s, conn: c, buf: buf}
	c.backlog.Add(1)
	return nil
}

// split cuts buf into n command-aligned chunks, least-backlog connections
// first. Chunk sizes differ by at most one stride.
func (e *engine) split(buf []byte, n int) [][]byte {
	cmds := len(buf) / e.stride
	if cmds == 0 {
		return nil
	}
	if n > cmds {
		n = cmds
	}
	chunks := make([][]byte, 0, n)
	per, extra := cmds/n, cmds%n
	off := 0
	for i := 0; i < n; i++ {
		take := per
		if i < extra {
			take++
		}
		end := off + take*e.stride
		chunks = append(chunks, buf[off:end])
		off = end
	}
	return chunks
}

// upLocked returns the Up connections ordered by ascending backlog.
// Caller holds e.mu.
func (e *engine) upLocked() []*conn {
	var up []*conn
	for _, c := range e.conns {
		if c.is(connUp) {
			up = append(up, c)
		}
	}
	for i := 1; i < len(up); i++ {
		for j := i; j > 0 && up[j].backlog.Load() < up[j-1].backlog.Load(); j-- {
			up[j], up[j-1] = up[j-1], up[j]
		}
	}
	return up
}

// harvest collects ring completions and settles them: successful chunks
// count toward their slot's release, failed chunks take the connection down
// and are requeued (or dropped). It then retries any chunks parked from
// earlier failures.
func (e *engine) harvest(timeout time.Duration) error {
	comps, err := e.ring.Harvest(timeout)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range comps {
		e.settleLocked(c)
	}
	e.flushRequeueLocked()
	if e.alive.Load() == 0 && len(e.requeue) > 0 {
		// Nothing can ever send these; give the slots back so shutdown
		// is not waiting on buffers that will never flush.
		e.cancelRequeueLocked()
		return ErrAllConnectionsDead
	}
	return nil
}

// cancelRequeueLocked abandons parked chunks, retiring them against their
// slots. Caller holds e.mu.
func (e *engine) cancelRequeueLocked() {
	for _, ref := range e.requeue {
		e.dropped.Add(1)
		e.chunkDoneLocked(ref.slot)
	}
	e.requeue = nil
}

// settleLocked applies one completion. Caller holds e.mu.
func (e *engine) settleLocked(comp ring.Completion) {
	ref, ok := e.tokens[comp.Token]
	if !ok {
		return
	}
	delete(e.tokens, comp.Token)
	ref.conn.backlog.Add(-1)
	e.bytesSent.Add(int64(comp.N))

	if comp.Err == nil {
		e.chunkDoneLocked(ref.slot)
		return
	}

	e.connFailedLocked(ref.conn, comp.Err)
	if e.dropOnFail {
		e.dropped.Add(1)
		e.chunkDoneLocked(ref.slot)
		return
	}
	// Requeue the whole chunk. The failed socket may have flushed a prefix
	// of it already; resending those commands is harmless, a Pixelflut
	// server just repaints the same pixels.
	e.requeue = append(e.requeue, ref)
}

// chunkDoneLocked retires one chunk of s, releasing the slot on the last.
func (e *engine) chunkDoneLocked(s *slot) {
	if s.pending.Add(-1) == 0 {
		e.releaseLocked(s)
	}
}

func (e *engine) releaseLocked(s *slot) {
	e.pool.release(s)
}

// connFailedLocked transitions c to Down and starts its redial loop.
// Caller holds e.mu.
func (e *engine) connFailedLocked(c *conn, err error) {
	if !c.is(connUp) {
		return
	}
	Logger().Warn("connection failed", "conn", c.id, "addr", c.addr, "error", err)
	c.setState(connDown)
	_ = e.ring.Deregister(c.fd)
	c.closeFD()
	e.spawnRedial(c)
}

// flushRequeueLocked resubmits parked chunks onto whatever is Up now.
// Chunks that still cannot be posted stay parked. Caller holds e.mu.
func (e *engine) flushRequeueLocked() {
	if len(e.requeue) == 0 {
		return
	}
	up := e.upLocked()
	if len(up) == 0 {
		return
	}
	kept := e.requeue[:0]
	for i, ref := range e.requeue {
		c := up[i%len(up)]
		if err := e.postLocked(ref.slot, c, ref.buf); err != nil {
			kept = append(kept, ref)
		}
	}
	e.requeue = kept
}

// spawnRedial runs c's reconnect loop: capped exponential backoff between
// dial attempts, Dead after deadAfter consecutive failures. Caller holds
// e.mu or runs before any concurrency starts.
func (e *engine) spawnRedial(c *conn) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			delay := c.nextDelay(e.backoffBase, e.backoffMax)
			select {
			case <-time.After(delay):
			case <-e.stop:
				return
			}

			e.mu.Lock()
			err := e.dialLocked(c)
			e.mu.Unlock()
			if err == nil {
				e.reconnects.Add(1)
				Logger().Info("reconnected", "conn", c.id, "addr", c.addr, "attempts", c.failures)
				return
			}
			Logger().Warn("redial failed", "conn", c.id, "addr", c.addr,
				"attempt", c.failures, "error", err)

			if c.failures >= e.deadAfter {
				c.setState(connDead)
				Logger().Error("connection dead", "conn", c.id, "addr", c.addr, "error", ErrConnectionDead)
				if e.alive.Add(-1) == 0 {
					e.mu.Lock()
					e.cancelRequeueLocked()
					e.mu.Unlock()
					select {
					case e.fatal <- ErrAllConnectionsDead:
					default:
					}
				}
				return
			}
		}
	}()
}

// inFlight reports how many chunks await completion, parked requeues
// included. Used by the drain at shutdown.
func (e *engine) inFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tokens) + len(e.requeue)
}

// close stops the redial loops, tears down the ring, and closes the
// sockets. Chunks still in flight complete with ring.ErrCanceled before the
// ring goes away; their slots are released here so the pool stays whole.
func (e *engine) close() {
	close(e.stop)
	e.wg.Wait()

	if comps, err := e.ring.Harvest(0); err == nil {
		e.mu.Lock()
		for _, c := range comps {
			if ref, ok := e.tokens[c.Token]; ok {
				delete(e.tokens, c.Token)
				ref.conn.backlog.Add(-1)
				e.chunkDoneLocked(ref.slot)
			}
		}
		e.mu.Unlock()
	}
	_ = e.ring.Close()

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ref := range e.tokens {
		e.chunkDoneLocked(ref.slot)
	}
	e.tokens = map[uint64]chunkRef{}
	for _, ref := range e.requeue {
		e.chunkDoneLocked(ref.slot)
	}
	e.requeue = nil
	for _, c := range e.conns {
		c.closeFD()
	}
}
