package agent

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-i2p/hostpool/lib/dialer"
	apperrors "github.com/go-i2p/hostpool/lib/errors"
	"github.com/go-i2p/hostpool/lib/metrics"
)

// AcquireOptions carry the request-specific dial parameters. The
// agent's instance configuration is overlaid on top; instance values
// win on conflicting fields.
type AcquireOptions struct {
	// ServerName is the request's virtual host, used as the TLS server
	// name. Empty falls back to the destination host.
	ServerName string
	// DialTimeout bounds a dial made on behalf of this request. The
	// agent's DialTimeout takes precedence when set.
	DialTimeout time.Duration
}

// Agent is a client-side connection pool sharded by destination. It
// matches demand to available or newly dialed connections, queues
// excess demand FIFO per destination, and reclaims idle connections
// under the keep-alive policy.
//
// One mutex serializes all registry mutation; dial attempts and
// consumer I/O happen outside it.
type Agent struct {
	cfg    Config
	dialer dialer.Dialer

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	// Counters
	acquireCount   uint64
	acquireReused  uint64
	acquireFailed  uint64
	dialCount      uint64
	dialFailed     uint64
	releaseCount   uint64
	dispatchCount  uint64
	pooledCount    uint64
	evictCount     uint64
	reapCount      uint64
	replacedCount  uint64
	healthFailures uint64
}

// New creates an agent from the configuration. The dial strategy is
// selected once: a CONNECT tunnel dialer when proxy configuration is
// present, a direct dialer otherwise. An unsupported proxy scheme
// fails immediately with a configuration error.
func New(cfg Config) (*Agent, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var d dialer.Dialer
	if cfg.Proxy != nil {
		d = dialer.NewTunnel(cfg.Proxy.Addr())
		log.WithField("proxy", cfg.Proxy.Addr()).Debug("agent using tunnel dialer")
	} else {
		d = dialer.NewDirect()
	}
	return NewWithDialer(cfg, d)
}

// NewWithDialer creates an agent with a caller-supplied dial strategy,
// for I2P dialing or for tests.
func NewWithDialer(cfg Config, d dialer.Dialer) (*Agent, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.WithField("maxPerDestination", cfg.MaxPerDestination).
		WithField("maxFreePerDestination", cfg.MaxFreePerDestination).
		WithField("keepAlive", cfg.KeepAlive).
		Debug("agent created")

	return &Agent{
		cfg:     cfg,
		dialer:  d,
		entries: make(map[string]*entry),
	}, nil
}

// Acquire assigns one connection to the caller: the oldest free
// connection for the destination when one exists, a freshly dialed one
// when under capacity, or — at capacity — it blocks in FIFO order
// until a connection is released or dialed for it. Context
// cancellation removes the caller from the queue. The caller never
// gets silence: a connection, or an error.
func (a *Agent) Acquire(ctx context.Context, dest Destination, opts AcquireOptions) (*Conn, error) {
	atomic.AddUint64(&a.acquireCount, 1)
	timer := metrics.NewTimer(AcquireLatency)
	defer timer.ObserveDuration()

	key := dest.Key()

	a.mu.Lock()
	for {
		if a.closed {
			a.mu.Unlock()
			atomic.AddUint64(&a.acquireFailed, 1)
			return nil, apperrors.ErrAgentClosed
		}
		e := a.entry(key)

		// Reuse path: oldest free connection first. FIFO reuse spreads
		// load across pooled connections and surfaces stale ones.
		if len(e.free) > 0 {
			c := e.free[0]
			e.free[0] = nil
			e.free = e.free[1:]
			c.state = stateBusy
			done := c.detachLocked()
			e.busy[c] = struct{}{}
			a.mu.Unlock()

			c.awaitWatch(done)

			// The watcher may have consumed a byte that arrived just
			// ahead of the pop; it closes the connection when that
			// happens, and the byte cannot be un-read, so the
			// connection must never reach a consumer.
			a.mu.Lock()
			if c.state == stateClosed {
				continue
			}
			a.mu.Unlock()

			if a.cfg.HealthCheck != nil && !a.cfg.HealthCheck(c) {
				atomic.AddUint64(&a.healthFailures, 1)
				log.WithField("dest", key).Debug("closing unhealthy connection")
				c.Close()
				a.mu.Lock()
				continue
			}

			atomic.AddUint64(&a.acquireReused, 1)
			log.WithField("dest", key).Debug("reusing free connection")
			return c, nil
		}

		// Dial path: reserve a capacity slot and create a connection
		// for this request alone.
		if a.cfg.MaxPerDestination <= 0 || e.total() < a.cfg.MaxPerDestination {
			e.connecting++
			a.mu.Unlock()

			nc, err := a.dialer.Dial(ctx, a.dialOptions(dest, opts))

			// Close may have cleared the registry while the dial was in
			// flight; never resurrect a deleted entry.
			a.mu.Lock()
			e = a.entries[key]
			if e != nil {
				e.connecting--
			}
			if err != nil {
				// A failed attempt leaves busy/free counts untouched.
				a.pruneLocked(key, e)
				a.mu.Unlock()
				atomic.AddUint64(&a.dialFailed, 1)
				atomic.AddUint64(&a.acquireFailed, 1)
				a.notifyTunnelError(dest, err)
				return nil, err
			}
			if a.closed || e == nil {
				a.pruneLocked(key, e)
				a.mu.Unlock()
				nc.Close()
				atomic.AddUint64(&a.acquireFailed, 1)
				return nil, apperrors.ErrAgentClosed
			}

			c := newConn(a, dest, key, nc)
			e.busy[c] = struct{}{}
			a.mu.Unlock()
			atomic.AddUint64(&a.dialCount, 1)
			log.WithField("dest", key).Debug("dialed new connection")
			return c, nil
		}

		// At capacity: queue and wait. No dial is made; the request is
		// served by a future release or by a replacement dial.
		w := &waiter{dest: dest, opts: opts, ch: make(chan waitResult, 1)}
		e.waiters = append(e.waiters, w)
		a.mu.Unlock()
		log.WithField("dest", key).Debug("at capacity, queueing request")

		select {
		case r := <-w.ch:
			if r.err != nil {
				atomic.AddUint64(&a.acquireFailed, 1)
				return nil, r.err
			}
			return r.conn, nil
		case <-ctx.Done():
			a.mu.Lock()
			if e2 := a.entries[key]; e2 != nil && e2.removeWaiter(w) {
				a.pruneLocked(key, e2)
				a.mu.Unlock()
				atomic.AddUint64(&a.acquireFailed, 1)
				return nil, ctx.Err()
			}
			a.mu.Unlock()

			// An assignment raced the cancellation. The result is
			// already in the channel; hand any connection straight
			// back so it is never leaked.
			r := <-w.ch
			if r.conn != nil {
				a.Release(r.conn)
			}
			atomic.AddUint64(&a.acquireFailed, 1)
			return nil, ctx.Err()
		}
	}
}

// Release returns a connection whose consumer finished with it and
// requested keep-alive. The oldest queued request for the destination,
// if any, gets the connection directly (it never visits the free
// list). Otherwise the connection is pooled, subject to the agent's
// keep-alive policy and capacity limits, or closed.
//
// Consumers that cannot vouch for the connection call Discard instead.
// Releasing an already-removed connection is a no-op.
func (a *Agent) Release(c *Conn) {
	if c == nil {
		return
	}
	atomic.AddUint64(&a.releaseCount, 1)

	a.mu.Lock()
	if c.state != stateBusy {
		// Already removed (closed, reaped, or evicted). Idempotent.
		a.mu.Unlock()
		return
	}
	if a.closed {
		a.removeLocked(c)
		a.mu.Unlock()
		c.Conn.Close()
		return
	}

	e := a.entries[c.key]

	// Queued demand is served before any pooling decision.
	if len(e.waiters) > 0 {
		w := e.popWaiter()
		a.mu.Unlock()
		atomic.AddUint64(&a.dispatchCount, 1)
		log.WithField("dest", c.key).Debug("handing released connection to queued request")
		w.ch <- waitResult{conn: c}
		a.notifyFree(c.dest)
		return
	}

	// Pooling requires the agent-level keep-alive policy.
	if !a.cfg.KeepAlive {
		a.removeLocked(c)
		a.mu.Unlock()
		c.Conn.Close()
		a.notifyFree(c.dest)
		return
	}

	// Capacity check, with the connection still counted busy.
	freeLen := len(e.free)
	total := freeLen + len(e.busy)
	if (a.cfg.MaxPerDestination > 0 && total > a.cfg.MaxPerDestination) ||
		freeLen >= a.cfg.MaxFreePerDestination {
		log.WithField("dest", c.key).Debug("free capacity exceeded, closing connection")
		a.removeLocked(c)
		a.mu.Unlock()
		c.Conn.Close()
		a.notifyFree(c.dest)
		return
	}

	delete(e.busy, c)
	a.parkFreeLocked(e, c)
	a.mu.Unlock()
	atomic.AddUint64(&a.pooledCount, 1)
	a.notifyFree(c.dest)
}

// parkFreeLocked moves a connection into the free list: arms the
// keep-alive heartbeat, installs exactly one idle-reap handler, and
// starts the free watcher. Caller holds a.mu and has taken the
// connection out of busy.
func (a *Agent) parkFreeLocked(e *entry, c *Conn) {
	c.state = stateFree
	c.gen++
	c.stopReapLocked()
	c.armKeepAlive(a.cfg.KeepAliveInterval)
	c.armReapLocked(a.cfg.IdleTimeout)
	c.startWatchLocked()
	e.free = append(e.free, c)
}

// Discard removes a connection its consumer declares unusable. The
// transport is closed; if demand is queued for the destination, a
// replacement dial is started for the oldest waiter.
func (a *Agent) Discard(c *Conn) {
	if c == nil {
		return
	}
	log.WithField("dest", c.key).Debug("discarding connection")
	c.Close()
}

// Evict forcibly removes a connection from the pool without closing
// it, for protocol-upgrade takeover: the caller gets exclusive,
// permanent ownership of the raw transport with every pool hook
// detached, and the pool never observes the connection again.
func (a *Agent) Evict(c *Conn) net.Conn {
	if c == nil {
		return nil
	}

	a.mu.Lock()
	if c.state == stateClosed {
		a.mu.Unlock()
		return c.Conn
	}
	e := a.entries[c.key]
	if e != nil {
		delete(e.busy, c)
		e.removeFree(c)
	}
	done := c.detachLocked()
	c.state = stateClosed
	if e != nil {
		a.replaceLocked(c.key, e)
		a.pruneLocked(c.key, e)
	}
	a.mu.Unlock()

	c.awaitWatch(done)
	atomic.AddUint64(&a.evictCount, 1)
	log.WithField("dest", c.key).Debug("evicted connection for takeover")
	return c.Conn
}

// remove is the bookkeeping half of Conn.Close.
func (a *Agent) remove(c *Conn) {
	a.mu.Lock()
	a.removeLocked(c)
	a.mu.Unlock()
}

// removeLocked purges a connection from both busy and free
// bookkeeping, detaches its hooks, and — if demand is still queued for
// the destination — eagerly starts a replacement dial so the queue
// cannot stall behind a connection that died before serving anyone.
// Idempotent. Caller holds a.mu.
func (a *Agent) removeLocked(c *Conn) {
	if c.state == stateClosed {
		return
	}

	e := a.entries[c.key]
	if e != nil {
		delete(e.busy, c)
		e.removeFree(c)
	}
	c.detachLocked()
	c.state = stateClosed

	if e != nil {
		a.replaceLocked(c.key, e)
		a.pruneLocked(c.key, e)
	}
}

// replaceLocked starts a replacement dial for the oldest waiter if the
// queue is non-empty and capacity allows. Caller holds a.mu.
func (a *Agent) replaceLocked(key string, e *entry) {
	if len(e.waiters) == 0 {
		return
	}
	if a.cfg.MaxPerDestination > 0 && e.total() >= a.cfg.MaxPerDestination {
		return
	}
	w := e.waiters[0]
	e.connecting++
	atomic.AddUint64(&a.replacedCount, 1)
	log.WithField("dest", key).Debug("dialing replacement for queued request")
	go a.redial(key, w.dest, w.opts)
}

// redial performs a replacement dial on behalf of queued demand. A
// successful dial routes through the same dispatch path as a release;
// a failed dial fails the oldest request still queued, since the
// attempt was made for the head of the queue.
func (a *Agent) redial(key string, dest Destination, opts AcquireOptions) {
	ctx := context.Background()
	nc, err := a.dialer.Dial(ctx, a.dialOptions(dest, opts))

	a.mu.Lock()
	e := a.entries[key]
	if e != nil {
		e.connecting--
	}

	if err != nil {
		atomic.AddUint64(&a.dialFailed, 1)
		if e != nil && len(e.waiters) > 0 {
			w := e.popWaiter()
			a.pruneLocked(key, e)
			a.mu.Unlock()
			w.ch <- waitResult{err: err}
			a.notifyTunnelError(dest, err)
			return
		}
		a.pruneLocked(key, e)
		a.mu.Unlock()
		a.notifyTunnelError(dest, err)
		return
	}

	if a.closed || e == nil {
		a.pruneLocked(key, e)
		a.mu.Unlock()
		nc.Close()
		return
	}

	atomic.AddUint64(&a.dialCount, 1)
	c := newConn(a, dest, key, nc)

	if len(e.waiters) > 0 {
		w := e.popWaiter()
		e.busy[c] = struct{}{}
		a.mu.Unlock()
		atomic.AddUint64(&a.dispatchCount, 1)
		w.ch <- waitResult{conn: c}
		return
	}

	// Demand evaporated while dialing. Pool the connection if policy
	// allows, otherwise close it.
	if a.cfg.KeepAlive &&
		(a.cfg.MaxPerDestination <= 0 || len(e.free)+len(e.busy) < a.cfg.MaxPerDestination) &&
		len(e.free) < a.cfg.MaxFreePerDestination {
		a.parkFreeLocked(e, c)
		a.mu.Unlock()
		atomic.AddUint64(&a.pooledCount, 1)
		return
	}

	c.state = stateClosed
	a.pruneLocked(key, e)
	a.mu.Unlock()
	nc.Close()
}

// reap closes an idle connection whose reap deadline expired. The
// generation check defuses timers that lost a race with reuse.
func (a *Agent) reap(c *Conn, gen uint64) {
	a.mu.Lock()
	if c.state != stateFree || c.gen != gen {
		a.mu.Unlock()
		return
	}
	log.WithField("dest", c.key).Debug("reaping idle connection")
	a.removeLocked(c)
	a.mu.Unlock()

	atomic.AddUint64(&a.reapCount, 1)
	c.Conn.Close()
}

// Close destroys the agent: every tracked connection across all
// destinations is closed, queued requests fail with ErrAgentClosed,
// and the registry is cleared. No graceful drain is attempted;
// in-flight consumers see abrupt closure as an error.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return apperrors.ErrAgentClosed
	}
	a.closed = true

	var conns []*Conn
	var ws []*waiter
	for key, e := range a.entries {
		for c := range e.busy {
			conns = append(conns, c)
		}
		conns = append(conns, e.free...)
		ws = append(ws, e.waiters...)
		delete(a.entries, key)
	}
	a.mu.Unlock()

	for _, w := range ws {
		w.ch <- waitResult{err: apperrors.ErrAgentClosed}
	}
	for _, c := range conns {
		c.Close()
	}

	log.WithField("connections", len(conns)).WithField("waiters", len(ws)).Debug("agent closed")
	return nil
}

// dialOptions overlays the agent's instance configuration onto the
// request options. Instance values win on conflict; this enforces
// pool-wide policy over per-request overrides.
func (a *Agent) dialOptions(dest Destination, opts AcquireOptions) dialer.Options {
	o := dialer.Options{
		Host:       dest.Host,
		Port:       dest.Port,
		LocalAddr:  dest.LocalAddr,
		ServerName: opts.ServerName,
		Timeout:    opts.DialTimeout,
		TLS:        a.cfg.TLS,
	}
	if o.ServerName == "" {
		o.ServerName = dest.Host
	}
	if a.cfg.DialTimeout > 0 {
		o.Timeout = a.cfg.DialTimeout
	}
	return o
}

func (a *Agent) notifyFree(dest Destination) {
	if a.cfg.OnFree != nil {
		a.cfg.OnFree(dest)
	}
}

func (a *Agent) notifyTunnelError(dest Destination, err error) {
	if a.cfg.OnTunnelError != nil && apperrors.IsTunnel(err) {
		a.cfg.OnTunnelError(dest, err)
	}
}

// Stats is a snapshot of pool state and lifetime counters.
type Stats struct {
	// Destinations is the number of live registry entries.
	Destinations int
	// NumBusy is the number of connections assigned to consumers.
	NumBusy int
	// NumFree is the number of idle pooled connections.
	NumFree int
	// NumWaiting is the number of queued requests.
	NumWaiting int
	// NumConnecting is the number of in-flight dial attempts.
	NumConnecting int

	// AcquireCount is the total number of acquire calls.
	AcquireCount uint64
	// AcquireReused is the number of acquisitions served from the free list.
	AcquireReused uint64
	// AcquireFailed is the number of failed acquisitions.
	AcquireFailed uint64
	// DialCount is the number of successful dials.
	DialCount uint64
	// DialFailed is the number of failed dials.
	DialFailed uint64
	// ReleaseCount is the number of release calls.
	ReleaseCount uint64
	// DispatchCount is the number of connections handed directly to queued requests.
	DispatchCount uint64
	// PooledCount is the number of connections parked in the free list.
	PooledCount uint64
	// EvictCount is the number of takeover evictions.
	EvictCount uint64
	// ReapCount is the number of idle reaps.
	ReapCount uint64
	// ReplacementCount is the number of replacement dials started.
	ReplacementCount uint64
	// HealthCheckFails is the number of connections that failed health checks.
	HealthCheckFails uint64
}

// Stats returns current pool statistics.
func (a *Agent) Stats() Stats {
	a.mu.Lock()
	s := Stats{
		Destinations: len(a.entries),
	}
	for _, e := range a.entries {
		s.NumBusy += len(e.busy)
		s.NumFree += len(e.free)
		s.NumWaiting += len(e.waiters)
		s.NumConnecting += e.connecting
	}
	a.mu.Unlock()

	s.AcquireCount = atomic.LoadUint64(&a.acquireCount)
	s.AcquireReused = atomic.LoadUint64(&a.acquireReused)
	s.AcquireFailed = atomic.LoadUint64(&a.acquireFailed)
	s.DialCount = atomic.LoadUint64(&a.dialCount)
	s.DialFailed = atomic.LoadUint64(&a.dialFailed)
	s.ReleaseCount = atomic.LoadUint64(&a.releaseCount)
	s.DispatchCount = atomic.LoadUint64(&a.dispatchCount)
	s.PooledCount = atomic.LoadUint64(&a.pooledCount)
	s.EvictCount = atomic.LoadUint64(&a.evictCount)
	s.ReapCount = atomic.LoadUint64(&a.reapCount)
	s.ReplacementCount = atomic.LoadUint64(&a.replacedCount)
	s.HealthCheckFails = atomic.LoadUint64(&a.healthFailures)
	return s
}
