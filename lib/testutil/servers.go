// Package testutil provides local network fixtures for pool and dialer tests.
package testutil

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
)

// EchoServer is a TCP server that echoes everything it reads, for
// exercising pooled connections without a real origin.
type EchoServer struct {
	mu       sync.Mutex
	listener net.Listener
	accepted int
	running  bool
}

// NewEchoServer starts an echo server on a random loopback port.
func NewEchoServer() (*EchoServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &EchoServer{
		listener: ln,
		running:  true,
	}

	go s.acceptLoop()

	return s, nil
}

// Addr returns the address of the echo server.
func (s *EchoServer) Addr() string {
	return s.listener.Addr().String()
}

// Accepted returns how many connections the server has accepted.
func (s *EchoServer) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Close shuts down the echo server.
func (s *EchoServer) Close() error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return s.listener.Close()
}

func (s *EchoServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.accepted++
		s.mu.Unlock()
		go func() {
			defer conn.Close()
			io.Copy(conn, conn)
		}()
	}
}

// ConnectProxy is a minimal HTTP CONNECT proxy for tunnel tests. It
// records the targets it was asked to tunnel to, and can be told to
// refuse requests with a fixed status code.
type ConnectProxy struct {
	mu         sync.Mutex
	listener   net.Listener
	targets    []string
	refuseCode int // 0 means accept and splice
}

// NewConnectProxy starts a CONNECT proxy on a random loopback port.
func NewConnectProxy() (*ConnectProxy, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	p := &ConnectProxy{listener: ln}

	go p.acceptLoop()

	return p, nil
}

// Addr returns the address of the proxy.
func (p *ConnectProxy) Addr() string {
	return p.listener.Addr().String()
}

// Targets returns the CONNECT targets seen so far.
func (p *ConnectProxy) Targets() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.targets))
	copy(out, p.targets)
	return out
}

// Refuse makes the proxy answer every subsequent CONNECT with the
// given status code instead of establishing a tunnel.
func (p *ConnectProxy) Refuse(code int) {
	p.mu.Lock()
	p.refuseCode = code
	p.mu.Unlock()
}

// Close shuts down the proxy.
func (p *ConnectProxy) Close() error {
	return p.listener.Close()
}

func (p *ConnectProxy) acceptLoop() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			return
		}
		go p.handle(conn)
	}
}

func (p *ConnectProxy) handle(conn net.Conn) {
	defer conn.Close()

	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return
	}
	if req.Method != http.MethodConnect {
		fmt.Fprintf(conn, "HTTP/1.1 405 Method Not Allowed\r\n\r\n")
		return
	}

	p.mu.Lock()
	p.targets = append(p.targets, req.Host)
	code := p.refuseCode
	p.mu.Unlock()

	if code != 0 {
		fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\n\r\n", code, http.StatusText(code))
		return
	}

	upstream, err := net.Dial("tcp", req.Host)
	if err != nil {
		fmt.Fprintf(conn, "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n")
		return
	}
	defer upstream.Close()

	fmt.Fprintf(conn, "HTTP/1.1 200 Connection Established\r\n\r\n")

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(upstream, br)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(conn, upstream)
		done <- struct{}{}
	}()
	<-done
}
