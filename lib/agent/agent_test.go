package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-i2p/hostpool/lib/dialer"
	apperrors "github.com/go-i2p/hostpool/lib/errors"
)

// pipeDialer is a mock dialer producing in-memory pipe connections. The
// server end of each pipe is retained so tests can simulate peer
// behavior.
type pipeDialer struct {
	mu       sync.Mutex
	dialed   int
	failNext int
	failErr  error
	delay    time.Duration
	peers    []net.Conn
}

func (d *pipeDialer) Dial(ctx context.Context, opts dialer.Options) (net.Conn, error) {
	d.mu.Lock()
	if d.failNext > 0 {
		d.failNext--
		err := d.failErr
		d.mu.Unlock()
		if err == nil {
			err = errors.New("mock dial failure")
		}
		return nil, err
	}
	delay := d.delay
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	client, server := net.Pipe()
	d.mu.Lock()
	d.dialed++
	d.peers = append(d.peers, server)
	d.mu.Unlock()
	return client, nil
}

func (d *pipeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialed
}

// peer returns the server end of the i-th dialed connection.
func (d *pipeDialer) peer(i int) net.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peers[i]
}

func (d *pipeDialer) failNextDials(n int, err error) {
	d.mu.Lock()
	d.failNext = n
	d.failErr = err
	d.mu.Unlock()
}

// gatedDialer blocks every dial until the gate is closed, so tests can
// hold a dial in flight.
type gatedDialer struct {
	pipeDialer
	gate chan struct{}
}

func (d *gatedDialer) Dial(ctx context.Context, opts dialer.Options) (net.Conn, error) {
	<-d.gate
	return d.pipeDialer.Dial(ctx, opts)
}

func newTestAgent(t *testing.T, cfg Config) (*Agent, *pipeDialer) {
	t.Helper()
	d := &pipeDialer{}
	a, err := NewWithDialer(cfg, d)
	if err != nil {
		t.Fatalf("NewWithDialer() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, d
}

func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var testDest = Destination{Host: "example.org", Port: 80}

func TestAcquire_DialsNewConnection(t *testing.T) {
	a, d := newTestAgent(t, DefaultConfig())

	c, err := a.Acquire(context.Background(), testDest, AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if c == nil {
		t.Fatal("Acquire() returned nil connection")
	}
	if d.dialCount() != 1 {
		t.Errorf("dial count = %d, want 1", d.dialCount())
	}
	if got := c.Destination(); got != testDest {
		t.Errorf("Destination() = %v, want %v", got, testDest)
	}

	s := a.Stats()
	if s.NumBusy != 1 || s.NumFree != 0 {
		t.Errorf("stats busy=%d free=%d, want busy=1 free=0", s.NumBusy, s.NumFree)
	}
}

func TestAcquire_ReusesFreeConnection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeepAlive = true
	a, d := newTestAgent(t, cfg)

	c1, err := a.Acquire(context.Background(), testDest, AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	a.Release(c1)

	if s := a.Stats(); s.NumFree != 1 {
		t.Fatalf("free count after release = %d, want 1", s.NumFree)
	}

	c2, err := a.Acquire(context.Background(), testDest, AcquireOptions{})
	if err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}
	if c2 != c1 {
		t.Error("second Acquire() should reuse the pooled connection")
	}
	if d.dialCount() != 1 {
		t.Errorf("dial count = %d, want 1 (no new dial on reuse)", d.dialCount())
	}

	s := a.Stats()
	if s.AcquireReused != 1 {
		t.Errorf("AcquireReused = %d, want 1", s.AcquireReused)
	}
	if s.NumBusy != 1 || s.NumFree != 0 {
		t.Errorf("stats busy=%d free=%d, want busy=1 free=0", s.NumBusy, s.NumFree)
	}
}

func TestAcquire_OldestFreeFirst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeepAlive = true
	a, _ := newTestAgent(t, cfg)

	c1, _ := a.Acquire(context.Background(), testDest, AcquireOptions{})
	c2, _ := a.Acquire(context.Background(), testDest, AcquireOptions{})
	a.Release(c1)
	a.Release(c2)

	got, err := a.Acquire(context.Background(), testDest, AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if got != c1 {
		t.Error("reuse should pop the oldest pooled connection first")
	}
}

func TestRelease_NoKeepAliveCloses(t *testing.T) {
	a, d := newTestAgent(t, DefaultConfig()) // KeepAlive off

	c, err := a.Acquire(context.Background(), testDest, AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	a.Release(c)

	s := a.Stats()
	if s.NumBusy != 0 || s.NumFree != 0 {
		t.Errorf("stats busy=%d free=%d, want both 0", s.NumBusy, s.NumFree)
	}

	// The transport should actually be closed: the peer sees EOF.
	peer := d.peer(0)
	peer.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := peer.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("peer read = %v, want io.EOF", err)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeepAlive = true
	a, _ := newTestAgent(t, cfg)

	c, _ := a.Acquire(context.Background(), testDest, AcquireOptions{})
	a.Release(c)

	before := a.Stats()
	a.Release(c) // second release: no-op
	a.Discard(c) // conn already pooled, Close removes it
	a.Release(c) // release after close: no-op

	after := a.Stats()
	if after.NumFree != 0 || after.NumBusy != 0 {
		t.Errorf("stats busy=%d free=%d, want both 0", after.NumBusy, after.NumFree)
	}
	if before.NumFree != 1 {
		t.Errorf("free count after first release = %d, want 1", before.NumFree)
	}
}

func TestRelease_FreeListCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeepAlive = true
	cfg.MaxFreePerDestination = 1
	a, _ := newTestAgent(t, cfg)

	c1, _ := a.Acquire(context.Background(), testDest, AcquireOptions{})
	c2, _ := a.Acquire(context.Background(), testDest, AcquireOptions{})

	a.Release(c1)
	a.Release(c2) // free list full, must be closed

	s := a.Stats()
	if s.NumFree != 1 {
		t.Errorf("free count = %d, want 1", s.NumFree)
	}

	// The pooled connection is the first released one.
	got, err := a.Acquire(context.Background(), testDest, AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if got != c1 {
		t.Error("pooled connection should be the first released one")
	}
}

func TestAcquire_QueuesAtCapacityFIFO(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPerDestination = 1
	cfg.KeepAlive = true
	a, d := newTestAgent(t, cfg)

	c, err := a.Acquire(context.Background(), testDest, AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	// Queue three requests in a known order.
	results := make(chan int, 3)
	conns := make(chan *Conn, 3)
	for i := 1; i <= 3; i++ {
		i := i
		prev := i - 1
		waitUntil(t, 2*time.Second, "waiter queued", func() bool {
			return a.Stats().NumWaiting == prev
		})
		go func() {
			wc, err := a.Acquire(context.Background(), testDest, AcquireOptions{})
			if err != nil {
				t.Errorf("queued Acquire() error = %v", err)
				return
			}
			results <- i
			conns <- wc
		}()
	}
	waitUntil(t, 2*time.Second, "all waiters queued", func() bool {
		return a.Stats().NumWaiting == 3
	})

	// No dial was made for queued demand.
	if d.dialCount() != 1 {
		t.Errorf("dial count = %d, want 1 (queued requests must not dial)", d.dialCount())
	}

	// Release the connection three times; each queued request gets it in
	// arrival order, bypassing the free list.
	a.Release(c)
	for want := 1; want <= 3; want++ {
		select {
		case got := <-results:
			if got != want {
				t.Fatalf("waiter %d served, want %d", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("waiter %d never served", want)
		}
		wc := <-conns
		if wc != c {
			t.Error("queued request should receive the released connection directly")
		}
		if want < 3 {
			a.Release(wc)
		}
	}

	if s := a.Stats(); s.DispatchCount != 3 {
		t.Errorf("DispatchCount = %d, want 3", s.DispatchCount)
	}
	if d.dialCount() != 1 {
		t.Errorf("dial count = %d, want 1 after all dispatches", d.dialCount())
	}
}

func TestAcquire_ContextCancellation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPerDestination = 1
	a, _ := newTestAgent(t, cfg)

	c, _ := a.Acquire(context.Background(), testDest, AcquireOptions{})
	defer a.Discard(c)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := a.Acquire(ctx, testDest, AcquireOptions{})
		errCh <- err
	}()
	waitUntil(t, 2*time.Second, "waiter queued", func() bool {
		return a.Stats().NumWaiting == 1
	})

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Acquire() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled Acquire() never returned")
	}

	if s := a.Stats(); s.NumWaiting != 0 {
		t.Errorf("NumWaiting = %d after cancellation, want 0", s.NumWaiting)
	}
}

func TestDiscard_ReplacesForQueuedDemand(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPerDestination = 1
	a, d := newTestAgent(t, cfg)

	c, _ := a.Acquire(context.Background(), testDest, AcquireOptions{})

	connCh := make(chan *Conn, 1)
	go func() {
		wc, err := a.Acquire(context.Background(), testDest, AcquireOptions{})
		if err != nil {
			t.Errorf("queued Acquire() error = %v", err)
			return
		}
		connCh <- wc
	}()
	waitUntil(t, 2*time.Second, "waiter queued", func() bool {
		return a.Stats().NumWaiting == 1
	})

	// The consumer declares the connection unusable. A replacement dial
	// must serve the queued request.
	a.Discard(c)

	select {
	case wc := <-connCh:
		if wc == c {
			t.Error("waiter received the discarded connection")
		}
		a.Discard(wc)
	case <-time.After(2 * time.Second):
		t.Fatal("queued request never served by replacement dial")
	}

	if d.dialCount() != 2 {
		t.Errorf("dial count = %d, want 2", d.dialCount())
	}
	if s := a.Stats(); s.ReplacementCount != 1 {
		t.Errorf("ReplacementCount = %d, want 1", s.ReplacementCount)
	}
}

func TestReplacementDialFailure_FailsOldestWaiter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPerDestination = 1

	var hookMu sync.Mutex
	var hookErr error
	cfg.OnTunnelError = func(dest Destination, err error) {
		hookMu.Lock()
		hookErr = err
		hookMu.Unlock()
	}
	a, d := newTestAgent(t, cfg)

	c, _ := a.Acquire(context.Background(), testDest, AcquireOptions{})

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Acquire(context.Background(), testDest, AcquireOptions{})
		errCh <- err
	}()
	waitUntil(t, 2*time.Second, "waiter queued", func() bool {
		return a.Stats().NumWaiting == 1
	})

	dialErr := fmt.Errorf("proxy handshake: %w", apperrors.ErrTunnel)
	d.failNextDials(1, dialErr)
	a.Discard(c)

	select {
	case err := <-errCh:
		if !errors.Is(err, apperrors.ErrTunnel) {
			t.Errorf("waiter error = %v, want ErrTunnel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never failed after replacement dial failure")
	}

	hookMu.Lock()
	defer hookMu.Unlock()
	if hookErr == nil || !errors.Is(hookErr, apperrors.ErrTunnel) {
		t.Errorf("OnTunnelError hook got %v, want a tunnel error", hookErr)
	}
}

func TestAcquire_DialFailure(t *testing.T) {
	a, d := newTestAgent(t, DefaultConfig())

	dialErr := errors.New("no route")
	d.failNextDials(1, dialErr)

	_, err := a.Acquire(context.Background(), testDest, AcquireOptions{})
	if !errors.Is(err, dialErr) {
		t.Fatalf("Acquire() error = %v, want %v", err, dialErr)
	}

	// Failed attempts leave no state behind.
	s := a.Stats()
	if s.NumBusy != 0 || s.NumFree != 0 || s.NumConnecting != 0 {
		t.Errorf("stats busy=%d free=%d connecting=%d, want all 0", s.NumBusy, s.NumFree, s.NumConnecting)
	}
	if s.Destinations != 0 {
		t.Errorf("Destinations = %d, want 0 (entry pruned)", s.Destinations)
	}
}

func TestConnClose_EagerReplacement(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPerDestination = 1
	a, d := newTestAgent(t, cfg)

	c, _ := a.Acquire(context.Background(), testDest, AcquireOptions{})

	connCh := make(chan *Conn, 1)
	go func() {
		wc, err := a.Acquire(context.Background(), testDest, AcquireOptions{})
		if err != nil {
			t.Errorf("queued Acquire() error = %v", err)
			return
		}
		connCh <- wc
	}()
	waitUntil(t, 2*time.Second, "waiter queued", func() bool {
		return a.Stats().NumWaiting == 1
	})

	// The connection dies. Closing it must trigger a replacement dial
	// for the queued request.
	c.Close()

	select {
	case wc := <-connCh:
		a.Discard(wc)
	case <-time.After(2 * time.Second):
		t.Fatal("queued request never served after connection death")
	}
	if d.dialCount() != 2 {
		t.Errorf("dial count = %d, want 2", d.dialCount())
	}
}

func TestFreeWatcher_PeerClose(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeepAlive = true
	a, d := newTestAgent(t, cfg)

	c, _ := a.Acquire(context.Background(), testDest, AcquireOptions{})
	a.Release(c)

	if s := a.Stats(); s.NumFree != 1 {
		t.Fatalf("free count = %d, want 1", s.NumFree)
	}

	// Peer closes the pooled connection; the watcher must remove it.
	d.peer(0).Close()

	waitUntil(t, 2*time.Second, "pooled connection removed", func() bool {
		return a.Stats().NumFree == 0
	})
	if s := a.Stats(); s.Destinations != 0 {
		t.Errorf("Destinations = %d, want 0 (entry pruned)", s.Destinations)
	}
}

func TestIdleReap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeepAlive = true
	cfg.IdleTimeout = 50 * time.Millisecond
	a, _ := newTestAgent(t, cfg)

	c, _ := a.Acquire(context.Background(), testDest, AcquireOptions{})
	a.Release(c)

	waitUntil(t, 2*time.Second, "idle connection reaped", func() bool {
		return a.Stats().NumFree == 0
	})
	if s := a.Stats(); s.ReapCount != 1 {
		t.Errorf("ReapCount = %d, want 1", s.ReapCount)
	}
}

func TestReap_DoesNotFireAfterReuse(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeepAlive = true
	cfg.IdleTimeout = 50 * time.Millisecond
	a, _ := newTestAgent(t, cfg)

	c, _ := a.Acquire(context.Background(), testDest, AcquireOptions{})
	a.Release(c)

	// Reclaim before the reap deadline, then hold past it.
	got, err := a.Acquire(context.Background(), testDest, AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	s := a.Stats()
	if s.ReapCount != 0 {
		t.Errorf("ReapCount = %d, want 0 (busy connections are never reaped)", s.ReapCount)
	}
	if s.NumBusy != 1 {
		t.Errorf("NumBusy = %d, want 1", s.NumBusy)
	}
	a.Discard(got)
}

func TestEvict_TakeoverOwnership(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeepAlive = true
	a, d := newTestAgent(t, cfg)

	c, _ := a.Acquire(context.Background(), testDest, AcquireOptions{})

	raw := a.Evict(c)
	if raw == nil {
		t.Fatal("Evict() returned nil")
	}

	s := a.Stats()
	if s.NumBusy != 0 || s.NumFree != 0 {
		t.Errorf("stats busy=%d free=%d after evict, want both 0", s.NumBusy, s.NumFree)
	}
	if s.EvictCount != 1 {
		t.Errorf("EvictCount = %d, want 1", s.EvictCount)
	}

	// The raw transport stays usable by the new owner.
	peer := d.peer(0)
	go func() {
		buf := make([]byte, 7)
		io.ReadFull(peer, buf)
		peer.Write(buf)
	}()
	if _, err := raw.Write([]byte("upgrade")); err != nil {
		t.Fatalf("evicted conn Write() error = %v", err)
	}
	buf := make([]byte, 7)
	raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(raw, buf); err != nil {
		t.Fatalf("evicted conn Read() error = %v", err)
	}
	raw.Close()
}

func TestEvict_FromFreeList(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeepAlive = true
	a, _ := newTestAgent(t, cfg)

	c, _ := a.Acquire(context.Background(), testDest, AcquireOptions{})
	a.Release(c)

	raw := a.Evict(c)
	if raw == nil {
		t.Fatal("Evict() returned nil")
	}
	defer raw.Close()

	s := a.Stats()
	if s.NumFree != 0 {
		t.Errorf("NumFree = %d after evicting pooled connection, want 0", s.NumFree)
	}
}

func TestHealthCheck_SkipsUnhealthy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeepAlive = true
	cfg.HealthCheck = func(c *Conn) bool { return false }
	a, d := newTestAgent(t, cfg)

	c1, _ := a.Acquire(context.Background(), testDest, AcquireOptions{})
	a.Release(c1)

	// The pooled connection fails the health check: it is closed and a
	// fresh one is dialed.
	c2, err := a.Acquire(context.Background(), testDest, AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if c2 == c1 {
		t.Error("unhealthy connection should not be reused")
	}
	if d.dialCount() != 2 {
		t.Errorf("dial count = %d, want 2", d.dialCount())
	}
	if s := a.Stats(); s.HealthCheckFails != 1 {
		t.Errorf("HealthCheckFails = %d, want 1", s.HealthCheckFails)
	}
}

func TestOnFree_Hook(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeepAlive = true
	var freed []Destination
	var mu sync.Mutex
	cfg.OnFree = func(dest Destination) {
		mu.Lock()
		freed = append(freed, dest)
		mu.Unlock()
	}
	a, _ := newTestAgent(t, cfg)

	c, _ := a.Acquire(context.Background(), testDest, AcquireOptions{})
	a.Release(c)

	mu.Lock()
	defer mu.Unlock()
	if len(freed) != 1 || freed[0] != testDest {
		t.Errorf("OnFree hook fired with %v, want [%v]", freed, testDest)
	}
}

func TestDestinationSharding(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeepAlive = true
	a, d := newTestAgent(t, cfg)

	other := Destination{Host: "example.org", Port: 443}

	c1, _ := a.Acquire(context.Background(), testDest, AcquireOptions{})
	a.Release(c1)

	// A different port shares no pooled connections.
	c2, err := a.Acquire(context.Background(), other, AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if c2 == c1 {
		t.Error("different ports must not share connections")
	}
	if d.dialCount() != 2 {
		t.Errorf("dial count = %d, want 2", d.dialCount())
	}
	if s := a.Stats(); s.Destinations != 2 {
		t.Errorf("Destinations = %d, want 2", s.Destinations)
	}
}

func TestClose_FailsWaitersAndClosesConnections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPerDestination = 1
	a, d := newTestAgent(t, cfg)

	c, _ := a.Acquire(context.Background(), testDest, AcquireOptions{})
	_ = c

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Acquire(context.Background(), testDest, AcquireOptions{})
		errCh <- err
	}()
	waitUntil(t, 2*time.Second, "waiter queued", func() bool {
		return a.Stats().NumWaiting == 1
	})

	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, apperrors.ErrAgentClosed) {
			t.Errorf("waiter error = %v, want ErrAgentClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never failed after Close()")
	}

	// Busy connections are closed abruptly.
	peer := d.peer(0)
	peer.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := peer.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("peer read = %v, want io.EOF", err)
	}

	// Everything after Close fails fast.
	if _, err := a.Acquire(context.Background(), testDest, AcquireOptions{}); !errors.Is(err, apperrors.ErrAgentClosed) {
		t.Errorf("Acquire() after Close = %v, want ErrAgentClosed", err)
	}
	if err := a.Close(); !errors.Is(err, apperrors.ErrAgentClosed) {
		t.Errorf("second Close() = %v, want ErrAgentClosed", err)
	}
}

func TestClose_DialInFlight(t *testing.T) {
	d := &gatedDialer{gate: make(chan struct{})}
	a, err := NewWithDialer(DefaultConfig(), d)
	if err != nil {
		t.Fatalf("NewWithDialer() error = %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Acquire(context.Background(), testDest, AcquireOptions{})
		errCh <- err
	}()
	waitUntil(t, 2*time.Second, "dial in flight", func() bool {
		return a.Stats().NumConnecting == 1
	})

	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	close(d.gate)

	select {
	case err := <-errCh:
		if !errors.Is(err, apperrors.ErrAgentClosed) {
			t.Errorf("Acquire() error = %v, want ErrAgentClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight Acquire never returned after Close()")
	}

	// The dial landing after Close must leave the registry empty, not
	// resurrect a deleted entry with a negative connecting count.
	s := a.Stats()
	if s.Destinations != 0 {
		t.Errorf("Destinations = %d after Close, want 0", s.Destinations)
	}
	if s.NumConnecting != 0 {
		t.Errorf("NumConnecting = %d after Close, want 0", s.NumConnecting)
	}

	// The late-dialed connection is closed, not leaked.
	peer := d.peer(0)
	peer.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := peer.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("peer read = %v, want io.EOF", err)
	}
}

func TestEvict_ReplacesForQueuedDemand(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPerDestination = 1
	a, d := newTestAgent(t, cfg)

	c, _ := a.Acquire(context.Background(), testDest, AcquireOptions{})

	connCh := make(chan *Conn, 1)
	go func() {
		wc, err := a.Acquire(context.Background(), testDest, AcquireOptions{})
		if err != nil {
			t.Errorf("queued Acquire() error = %v", err)
			return
		}
		connCh <- wc
	}()
	waitUntil(t, 2*time.Second, "waiter queued", func() bool {
		return a.Stats().NumWaiting == 1
	})

	// Takeover removes the connection from the pool; the queued request
	// must be served by a replacement dial, never by the taken-over
	// transport.
	raw := a.Evict(c)
	if raw == nil {
		t.Fatal("Evict() returned nil")
	}
	defer raw.Close()

	select {
	case wc := <-connCh:
		if wc == c {
			t.Error("waiter received the evicted connection")
		}
		a.Discard(wc)
	case <-time.After(2 * time.Second):
		t.Fatal("queued request never served after eviction")
	}

	if d.dialCount() != 2 {
		t.Errorf("dial count = %d, want 2", d.dialCount())
	}
	if s := a.Stats(); s.ReplacementCount != 1 {
		t.Errorf("ReplacementCount = %d, want 1", s.ReplacementCount)
	}
}

func TestAcquire_CancellationRaceNeverLeaks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPerDestination = 1
	cfg.KeepAlive = true
	a, d := newTestAgent(t, cfg)

	c, err := a.Acquire(context.Background(), testDest, AcquireOptions{})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	type result struct {
		conn *Conn
		err  error
	}

	// A release racing a cancellation has three outcomes: the waiter
	// gets the connection, or it dequeues itself first, or the assigned
	// connection is handed back on the cancelled path. In every case
	// the single connection must stay in the pool.
	for i := 0; i < 50; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		got := make(chan result, 1)
		go func() {
			wc, err := a.Acquire(ctx, testDest, AcquireOptions{})
			got <- result{conn: wc, err: err}
		}()
		waitUntil(t, 2*time.Second, "waiter queued", func() bool {
			return a.Stats().NumWaiting == 1
		})

		go cancel()
		a.Release(c)

		r := <-got
		if r.err != nil {
			if !errors.Is(r.err, context.Canceled) {
				t.Fatalf("waiter error = %v, want context.Canceled", r.err)
			}
			// The released connection went back to the pool; reclaim it.
			c, err = a.Acquire(context.Background(), testDest, AcquireOptions{})
			if err != nil {
				t.Fatalf("reacquire after cancellation: %v", err)
			}
		} else {
			c = r.conn
		}
		cancel()
	}

	if d.dialCount() != 1 {
		t.Errorf("dial count = %d, want 1 (connection leaked or replaced)", d.dialCount())
	}
}

func TestNew_InvalidProxyScheme(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Proxy = &ProxyConfig{Scheme: "socks5", Host: "127.0.0.1", Port: 1080}

	_, err := New(cfg)
	if err == nil {
		t.Fatal("New() with socks5 proxy should fail")
	}
	if !errors.Is(err, apperrors.ErrProxyScheme) {
		t.Errorf("error = %v, want ErrProxyScheme", err)
	}
	if !apperrors.IsConfiguration(err) {
		t.Errorf("error should be a configuration error, got %v", err)
	}
}

func TestUpdateMetrics(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeepAlive = true
	a, _ := newTestAgent(t, cfg)

	c, _ := a.Acquire(context.Background(), testDest, AcquireOptions{})
	UpdateMetrics(a.Stats())
	if ConnectionsBusy.Value() != 1 {
		t.Errorf("busy gauge = %d, want 1", ConnectionsBusy.Value())
	}

	a.Release(c)
	s := a.Stats()
	UpdateMetrics(s)
	if ConnectionsBusy.Value() != 0 {
		t.Errorf("busy gauge = %d, want 0", ConnectionsBusy.Value())
	}
	if ConnectionsFree.Value() != 1 {
		t.Errorf("free gauge = %d, want 1", ConnectionsFree.Value())
	}

	// Lifetime counters ratchet up to the snapshot and never
	// double-count on repeated updates.
	if AcquireTotal.Value() < s.AcquireCount {
		t.Errorf("acquire counter = %d, want at least %d", AcquireTotal.Value(), s.AcquireCount)
	}
	before := AcquireTotal.Value()
	UpdateMetrics(s)
	if AcquireTotal.Value() != before {
		t.Errorf("acquire counter moved from %d to %d on a repeated snapshot", before, AcquireTotal.Value())
	}
	if DialsTotal.Value() < s.DialCount {
		t.Errorf("dials counter = %d, want at least %d", DialsTotal.Value(), s.DialCount)
	}
}
