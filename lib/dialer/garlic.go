package dialer

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/go-i2p/i2pkeys"
	"github.com/go-i2p/onramp"

	apperrors "github.com/go-i2p/hostpool/lib/errors"
)

// Garlic dials destinations over I2P streaming through a SAM bridge.
// It is selected explicitly by the caller, never implied by proxy
// configuration, and serves agents pooling connections to .i2p hosts.
type Garlic struct {
	garlic *onramp.Garlic
}

// NewGarlic creates an I2P dialer using the SAM bridge at samAddr.
// If options is nil or empty, onramp.OPT_DEFAULTS will be used.
func NewGarlic(name, samAddr string, options []string) (*Garlic, error) {
	if len(options) == 0 {
		options = onramp.OPT_DEFAULTS
	}

	g, err := onramp.NewGarlic(name, samAddr, options)
	if err != nil {
		return nil, fmt.Errorf("dialer: garlic session: %w: %w", apperrors.ErrConnection, err)
	}

	log.WithField("sam", samAddr).WithField("name", name).Debug("garlic dialer created")
	return &Garlic{garlic: g}, nil
}

// Dial opens an I2P streaming connection to the destination. The host
// must be an I2P destination: a .i2p hostname or a full destination
// string parseable by i2pkeys.
func (g *Garlic) Dial(ctx context.Context, opts Options) (net.Conn, error) {
	if !strings.HasSuffix(opts.Host, ".i2p") {
		if _, err := i2pkeys.NewI2PAddrFromString(opts.Host); err != nil {
			return nil, fmt.Errorf("%w: %q", apperrors.ErrNotI2P, opts.Host)
		}
	}

	addr := opts.Addr()
	log.WithField("addr", addr).Debug("dialing garlic")

	// SAM stream setup runs to completion once started; the context is
	// not consulted mid-handshake.
	conn, err := g.garlic.Dial("tcp", addr)
	if err != nil {
		log.WithError(err).WithField("addr", addr).Debug("garlic dial failed")
		return nil, fmt.Errorf("dialer: garlic dial %s: %w: %w", addr, apperrors.ErrConnection, err)
	}
	return conn, nil
}

// Close tears down the SAM session.
func (g *Garlic) Close() error {
	return g.garlic.Close()
}
