package agent

import (
	"fmt"
	"net"
	"strconv"
)

// Destination identifies where a connection goes: host, port, and an
// optional local address to bind. It is the sole sharding dimension of
// the pool — protocol and proxy identity are NOT part of the key, so
// one Agent instance must be dedicated to one proxy/protocol
// configuration.
type Destination struct {
	// Host is the destination hostname or IP.
	Host string
	// Port is the destination port.
	Port int
	// LocalAddr is an optional local IP to bind outbound sockets to.
	LocalAddr string
}

// Key canonicalizes the destination to its registry key. Two requests
// sharing a key are eligible to share a pooled connection.
func (d Destination) Key() string {
	return fmt.Sprintf("%s:%d:%s", d.Host, d.Port, d.LocalAddr)
}

// Addr returns the destination in host:port form.
func (d Destination) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// waitResult is delivered to a waiter exactly once: a connection or an
// error, never both, never neither.
type waitResult struct {
	conn *Conn
	err  error
}

// waiter is a unit of queued demand for a destination.
type waiter struct {
	dest Destination
	opts AcquireOptions
	ch   chan waitResult // buffered 1; send never blocks
}

// entry is the per-destination bookkeeping: busy connections, free
// connections in reuse order, queued demand in arrival order, and the
// count of in-flight dial attempts reserving capacity.
type entry struct {
	busy       map[*Conn]struct{}
	free       []*Conn   // oldest first; reuse pops the front
	waiters    []*waiter // strict FIFO
	connecting int
}

func newEntry() *entry {
	return &entry{
		busy: make(map[*Conn]struct{}),
	}
}

// empty reports whether the entry holds no state and can be pruned.
func (e *entry) empty() bool {
	return len(e.busy) == 0 && len(e.free) == 0 && len(e.waiters) == 0 && e.connecting == 0
}

// total is the capacity-relevant population: busy plus free plus
// in-flight dials.
func (e *entry) total() int {
	return len(e.busy) + len(e.free) + e.connecting
}

// removeFree deletes a connection from the free list if present.
// Removing an absent connection is a no-op.
func (e *entry) removeFree(c *Conn) {
	for i, fc := range e.free {
		if fc == c {
			e.free = append(e.free[:i], e.free[i+1:]...)
			return
		}
	}
}

// removeWaiter deletes a waiter from the queue if still present,
// reporting whether it was found. A waiter that is gone has already
// been assigned a result.
func (e *entry) removeWaiter(w *waiter) bool {
	for i, qw := range e.waiters {
		if qw == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// popWaiter dequeues the oldest waiter. Caller has checked the queue
// is non-empty.
func (e *entry) popWaiter() *waiter {
	w := e.waiters[0]
	e.waiters[0] = nil
	e.waiters = e.waiters[1:]
	return w
}

// entry returns the bookkeeping for a key, creating it on demand.
// Caller holds a.mu.
func (a *Agent) entry(key string) *entry {
	e := a.entries[key]
	if e == nil {
		e = newEntry()
		a.entries[key] = e
	}
	return e
}

// pruneLocked drops the registry entry once every collection is empty,
// so stale map entries never accumulate with destination churn. Every
// mutating path ends with a prune check. Caller holds a.mu.
func (a *Agent) pruneLocked(key string, e *entry) {
	if e != nil && e.empty() {
		delete(a.entries, key)
	}
}
