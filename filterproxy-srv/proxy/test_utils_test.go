package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"

	"github.com/codefionn/filterproxy/filterproxy-srv/config"
	"github.com/codefionn/filterproxy/filterproxy-srv/metrics"
)

// captureSink records metrics rows in memory for assertions.
type captureSink struct {
	mu      sync.Mutex
	records []metrics.Record
}

func (s *captureSink) Record(ctx context.Context, rec metrics.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *captureSink) HealthCheck(ctx context.Context) error { return nil }

func (s *captureSink) Close() error { return nil }

func (s *captureSink) all() []metrics.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]metrics.Record, len(s.records))
	copy(out, s.records)
	return out
}

// testUpstream is a raw TCP server that answers each connection with a
// fixed payload and counts how many connections arrived.
type testUpstream struct {
	listener net.Listener
	response []byte
	echo     bool

	connCount   atomic.Int64
	mu          sync.Mutex
	lastRequest []byte
}

func newTestUpstream(t *testing.T, response []byte, echo bool) *testUpstream {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to start test upstream: %v", err)
	}

	u := &testUpstream{listener: listener, response: response, echo: echo}
	go u.serve()
	t.Cleanup(func() { _ = listener.Close() })
	return u
}

func (u *testUpstream) serve() {
	for {
		conn, err := u.listener.Accept()
		if err != nil {
			return
		}
		u.connCount.Add(1)
		go u.handle(conn)
	}
}

func (u *testUpstream) handle(conn net.Conn) {
	defer conn.Close()

	if u.echo {
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if _, werr := conn.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}

	// Read the forwarded request head, then answer and close.
	buf := make([]byte, 8192)
	var request []byte
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			request = append(request, buf[:n]...)
		}
		if err != nil || containsHeadTerminator(request) {
			break
		}
	}

	u.mu.Lock()
	u.lastRequest = request
	u.mu.Unlock()

	_, _ = conn.Write(u.response)
}

func containsHeadTerminator(data []byte) bool {
	_, _, ok := splitHead(data)
	return ok
}

func (u *testUpstream) connections() int64 {
	return u.connCount.Load()
}

func (u *testUpstream) request() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]byte, len(u.lastRequest))
	copy(out, u.lastRequest)
	return out
}

func (u *testUpstream) hostPort() (string, int) {
	addr := u.listener.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func (u *testUpstream) addr() string {
	host, port := u.hostPort()
	return fmt.Sprintf("%s:%d", host, port)
}

// testConfig returns a proxy config suitable for loopback tests.
func testConfig(t *testing.T, blocklist string) *config.Config {
	t.Helper()
	blocklistPath := createTestBlocklist(t, blocklist)
	return &config.Config{
		ListenAddress:  "127.0.0.1:0",
		BlocklistFile:  blocklistPath,
		TimeoutSeconds: 2,
		TunnelIdleSecs: 2,
		MaxHeaderBytes: 64 * 1024,
		Metrics:        config.MetricsConfig{Enabled: false},
	}
}

func createTestBlocklist(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blocked_domains.txt")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write blocklist: %v", err)
	}
	return path
}

// startTestProxy starts a proxy on a loopback listener with a capture
// sink and returns it with its bound address.
func startTestProxy(t *testing.T, cfg *config.Config) (*Proxy, *captureSink, string) {
	t.Helper()

	p, err := NewProxy(cfg)
	if err != nil {
		t.Fatalf("Failed to create proxy: %v", err)
	}
	sink := &captureSink{}
	p.sink = sink

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	go func() {
		_ = p.StartWithListener(listener)
	}()
	t.Cleanup(func() { _ = p.Close() })

	return p, sink, listener.Addr().String()
}

// readAll drains a connection until EOF or deadline. A reset counts as
// end of stream; the proxy may close with client bytes still in flight.
func readAll(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	data, err := io.ReadAll(conn)
	if err != nil && !isTimeoutError(err) && !isClosedConnError(err) && !errors.Is(err, syscall.ECONNRESET) {
		t.Fatalf("Failed to read from connection: %v", err)
	}
	return data
}
