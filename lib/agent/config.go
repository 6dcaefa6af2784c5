package agent

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"

	apperrors "github.com/go-i2p/hostpool/lib/errors"
)

// Default configuration values
const (
	// DefaultMaxFreePerDestination is the free-list cap per destination.
	DefaultMaxFreePerDestination = 256
	// DefaultKeepAliveInterval is the transport keep-alive heartbeat
	// period for pooled connections.
	DefaultKeepAliveInterval = 1 * time.Second
	// DefaultDialTimeout bounds dial attempts.
	DefaultDialTimeout = 30 * time.Second
)

// ProxyConfig identifies a forward proxy for CONNECT tunneling.
// Only plain HTTP proxies are supported.
type ProxyConfig struct {
	// Scheme is the proxy protocol. Empty defaults to "http"; anything
	// else fails validation.
	Scheme string `toml:"scheme"`
	// Host is the proxy host.
	Host string `toml:"host"`
	// Port is the proxy port.
	Port int `toml:"port"`
}

// Addr returns the proxy address in host:port form.
func (p *ProxyConfig) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Config holds all configuration for an agent. It is immutable after
// construction.
type Config struct {
	// MaxPerDestination caps busy + free + connecting per destination
	// key. Zero means unbounded.
	MaxPerDestination int `toml:"max_per_destination"`
	// MaxFreePerDestination caps the free list per destination key.
	// Zero or negative selects the default of 256.
	MaxFreePerDestination int `toml:"max_free_per_destination"`
	// KeepAlive enables pooling of released connections. Off by
	// default: without it every released connection is closed.
	KeepAlive bool `toml:"keep_alive"`
	// KeepAliveInterval is the transport keep-alive heartbeat period
	// armed on pooled connections.
	KeepAliveInterval time.Duration `toml:"keep_alive_interval"`
	// IdleTimeout reaps pooled connections idle longer than this.
	// Zero disables idle reaping.
	IdleTimeout time.Duration `toml:"idle_timeout"`
	// DialTimeout bounds dial attempts. Takes precedence over the
	// per-request timeout when set.
	DialTimeout time.Duration `toml:"dial_timeout"`
	// Proxy, when set, routes every dial through a CONNECT tunnel.
	Proxy *ProxyConfig `toml:"proxy,omitempty"`

	// TLS, when non-nil, negotiates TLS on every dialed connection.
	TLS *tls.Config `toml:"-"`
	// HealthCheck, when non-nil, is consulted before reusing a free
	// connection. Unhealthy connections are closed and skipped.
	HealthCheck func(*Conn) bool `toml:"-"`
	// OnFree is an optional diagnostic hook invoked when a consumer
	// releases a connection.
	OnFree func(Destination) `toml:"-"`
	// OnTunnelError is an optional diagnostic hook invoked when a dial
	// fails at the proxy layer.
	OnTunnelError func(Destination, error) `toml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxPerDestination:     0, // unbounded
		MaxFreePerDestination: DefaultMaxFreePerDestination,
		KeepAlive:             false,
		KeepAliveInterval:     DefaultKeepAliveInterval,
		DialTimeout:           DefaultDialTimeout,
	}
}

// applyDefaults fills zero values the way DefaultConfig would.
func (c *Config) applyDefaults() {
	if c.MaxFreePerDestination <= 0 {
		c.MaxFreePerDestination = DefaultMaxFreePerDestination
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
}

// Validate checks the configuration for errors. An invalid proxy
// protocol is fatal at construction time.
func (c *Config) Validate() error {
	if c.MaxPerDestination < 0 {
		return fmt.Errorf("agent: max_per_destination must be >= 0: %w", apperrors.ErrConfiguration)
	}
	if c.Proxy != nil {
		if c.Proxy.Scheme != "" && c.Proxy.Scheme != "http" {
			return fmt.Errorf("%w: %q (only http proxies are supported)", apperrors.ErrProxyScheme, c.Proxy.Scheme)
		}
		if c.Proxy.Host == "" {
			return fmt.Errorf("agent: proxy.host is required: %w", apperrors.ErrConfiguration)
		}
		if c.Proxy.Port < 1 || c.Proxy.Port > 65535 {
			return fmt.Errorf("agent: proxy.port must be between 1 and 65535: %w", apperrors.ErrConfiguration)
		}
	}
	return nil
}

// LoadConfig reads configuration from a TOML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes the configuration to a TOML file.
// It creates the parent directory if it doesn't exist.
func SaveConfig(cfg Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
