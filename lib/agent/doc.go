// Package agent provides a client-side connection pool sharded by
// destination, for outbound transports, with optional HTTP CONNECT
// proxy tunneling.
//
// The agent supports:
//   - Per-destination capacity limits with FIFO queueing of excess demand
//   - Oldest-first reuse of pooled connections
//   - Keep-alive pooling with a capped free list and idle reaping
//   - Eager replacement dials when a connection dies with demand queued
//   - Forced eviction for protocol-upgrade takeover
//   - Metrics for pool utilization
//
// # Basic Usage
//
//	cfg := agent.DefaultConfig()
//	cfg.KeepAlive = true
//	cfg.MaxPerDestination = 6
//
//	a, err := agent.New(cfg)
//	if err != nil {
//	    return err
//	}
//	defer a.Close()
//
//	conn, err := a.Acquire(ctx, agent.Destination{Host: "example.org", Port: 80}, agent.AcquireOptions{})
//	if err != nil {
//	    return err
//	}
//
//	// Use connection, then hand it back:
//	a.Release(conn) // reusable
//	// or
//	a.Discard(conn) // broken
//
// # Proxy Tunneling
//
// Setting Config.Proxy routes every dial through an HTTP CONNECT
// tunnel. The destination key does not include the proxy, so dedicate
// one agent instance per proxy configuration.
//
//	cfg.Proxy = &agent.ProxyConfig{Host: "127.0.0.1", Port: 8080}
//
// # Metrics
//
// Pool utilization metrics are registered with the metrics package
// under the hostpool_ prefix; call UpdateMetrics(a.Stats()) to refresh
// the gauges.
package agent
