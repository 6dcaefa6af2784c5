package agent

import (
	"crypto/tls"
	"net"
	"sync"
	"time"
)

// connState is the lifecycle state of a pooled connection.
type connState int

const (
	// stateConnecting means a dial attempt is in flight. The registry
	// tracks these by count; the Conn object exists only once the dial
	// succeeds.
	stateConnecting connState = iota
	// stateBusy means the connection is assigned to a consumer.
	stateBusy
	// stateFree means the connection is idle and eligible for reuse.
	stateFree
	// stateClosed means the connection has been removed from all
	// bookkeeping. Terminal.
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateBusy:
		return "busy"
	case stateFree:
		return "free"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// aLongTimeAgo is a non-zero deadline in the distant past, used to
// force a blocked free watcher out of its read.
var aLongTimeAgo = time.Unix(1, 0)

// Conn wraps one live transport connection plus the pool metadata
// attached to it. The agent owns the Conn while it is busy or free;
// ownership transfers to the consumer only for the duration it holds
// the connection, after which Release or Discard must be called
// exactly once.
type Conn struct {
	net.Conn

	agent *Agent
	dest  Destination
	key   string

	// Guarded by agent.mu.
	state     connState
	gen       uint64 // bumped whenever the conn changes state; stale timers and watchers check it
	reapTimer *time.Timer
	watchDone chan struct{} // non-nil while a free watcher is running

	closeOnce sync.Once
	closeErr  error
}

func newConn(a *Agent, dest Destination, key string, nc net.Conn) *Conn {
	return &Conn{
		Conn:  nc,
		agent: a,
		dest:  dest,
		key:   key,
		state: stateBusy,
	}
}

// Destination returns the destination this connection was dialed for.
func (c *Conn) Destination() Destination {
	return c.dest
}

// Close removes the connection from the agent's bookkeeping and closes
// the underlying transport. Transport closure is the single
// authoritative removal trigger: idle reaping, eviction of dead
// connections, and consumer discards all route through here. Close is
// idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.agent.remove(c)
		c.closeErr = c.Conn.Close()
	})
	return c.closeErr
}

// armKeepAlive enables the transport keep-alive heartbeat on pooled
// connections, when the transport supports it.
func (c *Conn) armKeepAlive(interval time.Duration) {
	if tc := tcpConn(c.Conn); tc != nil {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(interval)
	}
}

// tcpConn reaches the TCP transport underneath a connection, looking
// through a TLS wrapper. Returns nil for non-TCP transports.
func tcpConn(nc net.Conn) *net.TCPConn {
	if tc, ok := nc.(*tls.Conn); ok {
		nc = tc.NetConn()
	}
	tc, _ := nc.(*net.TCPConn)
	return tc
}

// armReapLocked schedules the idle reap for a freshly pooled
// connection. Any previous timer has already been stopped, so exactly
// one timeout handler is active per free cycle. Caller holds agent.mu.
func (c *Conn) armReapLocked(d time.Duration) {
	if d <= 0 {
		return
	}
	gen := c.gen
	c.reapTimer = time.AfterFunc(d, func() {
		c.agent.reap(c, gen)
	})
}

// stopReapLocked cancels a pending idle reap. Caller holds agent.mu.
// A timer that already fired is defused by the generation check in
// Agent.reap.
func (c *Conn) stopReapLocked() {
	if c.reapTimer != nil {
		c.reapTimer.Stop()
		c.reapTimer = nil
	}
}

// startWatchLocked starts the free watcher: a goroutine that blocks on
// a one-byte read while the connection is pooled. Peer closure, read
// errors, and stray data while idle all close the connection, which
// removes it from the free list and, if demand is queued, triggers a
// replacement dial. Caller holds agent.mu.
func (c *Conn) startWatchLocked() {
	done := make(chan struct{})
	c.watchDone = done
	go c.watch(c.gen, done)
}

func (c *Conn) watch(gen uint64, done chan struct{}) {
	defer close(done)

	var buf [1]byte
	n, _ := c.Conn.Read(buf[:])

	a := c.agent
	a.mu.Lock()
	if c.state != stateFree || c.gen != gen {
		// Popped for reuse, evicted, or already removed; the read was
		// interrupted on purpose. If the peer slipped a byte in ahead
		// of the interrupt, the byte cannot be un-read and the
		// connection is no longer clean.
		a.mu.Unlock()
		if n > 0 {
			c.Close()
		}
		return
	}
	log.WithField("dest", c.key).Debug("pooled connection closed by peer")
	a.removeLocked(c)
	a.mu.Unlock()

	c.Conn.Close()
}

// detachWatchLocked claims the running watcher, if any, for a
// synchronous stop. Caller holds agent.mu and must have bumped the
// generation first; the returned channel is passed to awaitWatch after
// the lock is released.
func (c *Conn) detachWatchLocked() chan struct{} {
	done := c.watchDone
	c.watchDone = nil
	return done
}

// awaitWatch forces the watcher out of its blocking read and waits for
// it to exit, then clears the poke deadline. Must be called without
// agent.mu held; the watcher takes the lock on its way out. No bytes
// can be lost: the watcher either consumed nothing or already closed
// the connection.
func (c *Conn) awaitWatch(done chan struct{}) {
	if done == nil {
		return
	}
	c.Conn.SetReadDeadline(aLongTimeAgo)
	<-done
	c.Conn.SetReadDeadline(time.Time{})
}

// detachLocked strips every pool-installed hook from the connection:
// the reap timer and the watcher registration. The watcher goroutine
// itself is invalidated by the generation bump and unblocked either by
// the transport closing or by awaitWatch. Caller holds agent.mu.
func (c *Conn) detachLocked() chan struct{} {
	c.gen++
	c.stopReapLocked()
	return c.detachWatchLocked()
}
