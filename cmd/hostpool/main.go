// hostpool is a pooled HTTP fetch tool built on the hostpool agent.
//
// It issues repeated HTTP/1.1 requests against one or more targets over
// a shared connection pool, optionally through an HTTP CONNECT proxy or
// an I2P SAM bridge, and reports pool statistics when done.
//
// Usage:
//
//	hostpool [flags] <host:port> [host:port ...]
//
// Flags:
//
//	-config string
//	    Path to configuration file (default "~/.hostpool/config.toml")
//	-n int
//	    Requests per target (default 10)
//	-c int
//	    Concurrent requests per target (default 4)
//	-keep-alive
//	    Pool connections between requests (overrides config)
//	-max int
//	    Max connections per destination (overrides config)
//	-proxy string
//	    HTTP CONNECT proxy address host:port (overrides config)
//	-sam string
//	    SAM bridge address for .i2p targets
//	-metrics string
//	    Listen address for Prometheus metrics (empty to disable)
//	-v
//	    Enable verbose logging
//	-version
//	    Print version and exit
//
// See https://github.com/go-i2p/hostpool for more information.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-i2p/hostpool/lib/agent"
	"github.com/go-i2p/hostpool/lib/dialer"
	"github.com/go-i2p/hostpool/lib/metrics"
	"github.com/go-i2p/hostpool/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	defaultConfigPath := filepath.Join(homeDir, ".hostpool", "config.toml")

	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	requests := flag.Int("n", 10, "Requests per target")
	concurrency := flag.Int("c", 4, "Concurrent requests per target")
	keepAlive := flag.Bool("keep-alive", false, "Pool connections between requests (overrides config)")
	maxConns := flag.Int("max", 0, "Max connections per destination (overrides config)")
	proxyAddr := flag.String("proxy", "", "HTTP CONNECT proxy address host:port (overrides config)")
	samAddr := flag.String("sam", "", "SAM bridge address for .i2p targets")
	metricsAddr := flag.String("metrics", "", "Listen address for Prometheus metrics (empty to disable)")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "hostpool - Pooled HTTP fetch tool\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  hostpool [flags] <host:port> [host:port ...]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("hostpool version %s\n", version.Full())
		return 0
	}

	if *verbose {
		os.Setenv("DEBUG_I2P", "debug")
	}

	targets := flag.Args()
	if len(targets) == 0 {
		flag.Usage()
		return 1
	}

	dests := make([]agent.Destination, 0, len(targets))
	for _, target := range targets {
		dest, err := parseTarget(target)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		dests = append(dests, dest)
	}

	cfg, err := agent.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		return 1
	}

	// Apply command-line overrides.
	if *keepAlive {
		cfg.KeepAlive = true
	}
	if *maxConns > 0 {
		cfg.MaxPerDestination = *maxConns
	}
	if *proxyAddr != "" {
		host, portStr, err := net.SplitHostPort(*proxyAddr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid proxy address %q: %v\n", *proxyAddr, err)
			return 1
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid proxy port %q\n", portStr)
			return 1
		}
		cfg.Proxy = &agent.ProxyConfig{Scheme: "http", Host: host, Port: port}
	}

	a, err := buildAgent(cfg, *samAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	metrics.RecordStartTime()
	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
			}
		}()
		fmt.Printf("Metrics at http://%s/metrics\n", *metricsAddr)
	}

	start := time.Now()
	failures := fetchAll(a, dests, *requests, *concurrency)
	elapsed := time.Since(start)

	printStats(a.Stats(), len(dests)*(*requests), failures, elapsed)
	if failures > 0 {
		return 1
	}
	return 0
}

// parseTarget splits a host:port argument into a destination. A bare
// host defaults to port 80.
func parseTarget(target string) (agent.Destination, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return agent.Destination{Host: target, Port: 80}, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return agent.Destination{}, fmt.Errorf("invalid port in target %q", target)
	}
	return agent.Destination{Host: host, Port: port}, nil
}

// buildAgent constructs the agent, selecting the I2P garlic dialer when
// a SAM bridge address is given.
func buildAgent(cfg agent.Config, samAddr string) (*agent.Agent, error) {
	if samAddr == "" {
		return agent.New(cfg)
	}
	if cfg.Proxy != nil {
		return nil, fmt.Errorf("-proxy and -sam are mutually exclusive")
	}
	g, err := dialer.NewGarlic("hostpool", samAddr, nil)
	if err != nil {
		return nil, err
	}
	return agent.NewWithDialer(cfg, g)
}

// fetchAll runs the request workload against every target and returns
// the number of failed requests.
func fetchAll(a *agent.Agent, dests []agent.Destination, requests, concurrency int) int {
	var wg sync.WaitGroup
	var mu sync.Mutex
	failures := 0

	for _, dest := range dests {
		work := make(chan int)
		for i := 0; i < concurrency; i++ {
			wg.Add(1)
			go func(dest agent.Destination) {
				defer wg.Done()
				for range work {
					if err := fetchOne(a, dest); err != nil {
						mu.Lock()
						failures++
						mu.Unlock()
						fmt.Fprintf(os.Stderr, "%s: %v\n", dest.Addr(), err)
					}
				}
			}(dest)
		}
		for i := 0; i < requests; i++ {
			work <- i
		}
		close(work)
	}
	wg.Wait()
	return failures
}

// fetchOne issues a single HTTP/1.1 GET over a pooled connection. A
// clean keep-alive response releases the connection for reuse; anything
// else discards it.
func fetchOne(a *agent.Agent, dest agent.Destination) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := a.Acquire(ctx, dest, agent.AcquireOptions{ServerName: dest.Host})
	if err != nil {
		return err
	}

	req := fmt.Sprintf("GET / HTTP/1.1\r\nHost: %s\r\nUser-Agent: hostpool/%s\r\nConnection: keep-alive\r\n\r\n",
		dest.Host, version.Version)
	conn.SetDeadline(time.Now().Add(30 * time.Second))
	if _, err := conn.Write([]byte(req)); err != nil {
		a.Discard(conn)
		return fmt.Errorf("write request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodGet})
	if err != nil {
		a.Discard(conn)
		return fmt.Errorf("read response: %w", err)
	}

	// Drain the body so the connection is clean for the next request.
	_, copyErr := io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	conn.SetDeadline(time.Time{})

	if copyErr != nil || resp.Close {
		a.Discard(conn)
	} else {
		a.Release(conn)
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

func printStats(s agent.Stats, total, failures int, elapsed time.Duration) {
	agent.UpdateMetrics(s)

	fmt.Printf("\nRequests:     %d (%d failed) in %s\n", total, failures, elapsed.Round(time.Millisecond))
	fmt.Printf("Dials:        %d (%d failed)\n", s.DialCount, s.DialFailed)
	fmt.Printf("Reused:       %d\n", s.AcquireReused)
	fmt.Printf("Dispatched:   %d\n", s.DispatchCount)
	fmt.Printf("Pooled:       %d\n", s.PooledCount)
	fmt.Printf("Reaped:       %d\n", s.ReapCount)
	fmt.Printf("Open now:     %d busy, %d free\n", s.NumBusy, s.NumFree)
}
