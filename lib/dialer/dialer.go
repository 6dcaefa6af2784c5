// Package dialer provides the connection strategies used by the agent:
// direct TCP/TLS dialing, HTTP CONNECT proxy tunneling, and I2P garlic
// dialing via a SAM bridge. Exactly one strategy is active per agent
// instance, selected at construction time.
package dialer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	apperrors "github.com/go-i2p/hostpool/lib/errors"
)

// Options describe one dial attempt. They are built by the agent by
// overlaying its instance configuration onto the request options.
type Options struct {
	// Host is the destination host.
	Host string
	// Port is the destination port.
	Port int
	// LocalAddr is an optional local IP to bind the outbound socket to.
	LocalAddr string
	// ServerName is the TLS server name, derived from the request's
	// virtual host when present, falling back to the destination host.
	ServerName string
	// Timeout bounds the dial attempt. Zero means no timeout.
	Timeout time.Duration
	// TLS, when non-nil, negotiates TLS on top of the transport.
	TLS *tls.Config
}

// Addr returns the destination in host:port form.
func (o Options) Addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// Dialer produces a live connection for the given options, or an error.
// Implementations must not retain the returned connection.
type Dialer interface {
	Dial(ctx context.Context, opts Options) (net.Conn, error)
}

// Direct opens transport connections straight to the destination.
type Direct struct{}

// NewDirect creates a direct dialer.
func NewDirect() *Direct {
	return &Direct{}
}

// Dial opens a TCP connection to the destination, optionally binding a
// local address and negotiating TLS.
func (d *Direct) Dial(ctx context.Context, opts Options) (net.Conn, error) {
	nd := net.Dialer{Timeout: opts.Timeout}

	if opts.LocalAddr != "" {
		ip := net.ParseIP(opts.LocalAddr)
		if ip == nil {
			return nil, fmt.Errorf("dialer: invalid local address %q: %w", opts.LocalAddr, apperrors.ErrConfiguration)
		}
		nd.LocalAddr = &net.TCPAddr{IP: ip}
	}

	addr := opts.Addr()
	log.WithField("addr", addr).Debug("dialing direct")

	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		log.WithError(err).WithField("addr", addr).Debug("direct dial failed")
		return nil, fmt.Errorf("dialer: dial %s: %w: %w", addr, apperrors.ErrConnection, err)
	}

	if opts.TLS != nil {
		return upgradeTLS(conn, opts)
	}
	return conn, nil
}

// upgradeTLS negotiates TLS on an established transport connection.
func upgradeTLS(conn net.Conn, opts Options) (net.Conn, error) {
	cfg := opts.TLS.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = opts.ServerName
	}
	if cfg.ServerName == "" {
		cfg.ServerName = opts.Host
	}

	tc := tls.Client(conn, cfg)
	if err := tc.Handshake(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("dialer: tls handshake with %s: %w: %w", opts.Addr(), apperrors.ErrConnection, err)
	}
	return tc, nil
}
