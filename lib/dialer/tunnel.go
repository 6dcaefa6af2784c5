package dialer

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	apperrors "github.com/go-i2p/hostpool/lib/errors"
	"github.com/go-i2p/hostpool/lib/resilience"
)

// Tunnel dials destinations through a forward proxy using the HTTP
// CONNECT method. Proxy-level failures wrap apperrors.ErrTunnel so the
// agent can attribute them to the proxy path rather than conflating
// them with generic connection errors.
//
// Tunnel dials are guarded by a circuit breaker so that a dead proxy
// fails fast instead of stacking up dial timeouts.
type Tunnel struct {
	proxyAddr string
	breaker   *resilience.MetricsCircuitBreaker
}

// NewTunnel creates a tunnel dialer for the given proxy address
// (host:port). The proxy must speak plain HTTP; scheme validation
// happens in the agent configuration.
func NewTunnel(proxyAddr string) *Tunnel {
	return &Tunnel{
		proxyAddr: proxyAddr,
		breaker:   resilience.NewMetricsCircuitBreaker("proxy-tunnel", resilience.DefaultCircuitBreakerConfig()),
	}
}

// Dial establishes a tunnel to the destination through the proxy and
// returns the tunneled connection, with TLS on top when requested.
func (t *Tunnel) Dial(ctx context.Context, opts Options) (net.Conn, error) {
	var conn net.Conn
	err := t.breaker.Execute(func() error {
		var err error
		conn, err = t.connect(ctx, opts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("dialer: tunnel to %s via %s: %w: %w", opts.Addr(), t.proxyAddr, apperrors.ErrTunnel, err)
	}

	if opts.TLS != nil {
		return upgradeTLS(conn, opts)
	}
	return conn, nil
}

// connect dials the proxy and performs the CONNECT handshake.
func (t *Tunnel) connect(ctx context.Context, opts Options) (net.Conn, error) {
	target := opts.Addr()
	log.WithField("proxy", t.proxyAddr).WithField("target", target).Debug("dialing tunnel")

	nd := net.Dialer{Timeout: opts.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", t.proxyAddr)
	if err != nil {
		log.WithError(err).WithField("proxy", t.proxyAddr).Debug("proxy dial failed")
		return nil, err
	}

	if opts.Timeout > 0 {
		conn.SetDeadline(time.Now().Add(opts.Timeout))
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\nProxy-Connection: Keep-Alive\r\n\r\n", target, target)
	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write connect request: %w", err)
	}

	// The proxy sends nothing after the response headers until tunnel
	// data flows, so the buffered reader cannot swallow payload bytes.
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read connect response: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		conn.Close()
		log.WithField("status", resp.Status).WithField("target", target).Debug("proxy refused tunnel")
		return nil, fmt.Errorf("%w: proxy returned %s", apperrors.ErrTunnelRefused, resp.Status)
	}

	conn.SetDeadline(time.Time{})
	return conn, nil
}
