package proxy

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/filterproxy/filterproxy-srv/logger"
	"github.com/codefionn/filterproxy/filterproxy-srv/metrics"
)

const upstreamResponse = "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 5\r\nConnection: close\r\n\r\nhello"

func dialProxy(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitForRecords(t *testing.T, sink *captureSink, want int) []metrics.Record {
	t.Helper()
	var records []metrics.Record
	require.Eventually(t, func() bool {
		records = sink.all()
		return len(records) == want
	}, 2*time.Second, 10*time.Millisecond, "expected %d metrics records, got %d", want, len(records))
	return records
}

func TestForwardHTTPRequest(t *testing.T) {
	upstream := newTestUpstream(t, []byte(upstreamResponse), false)
	_, sink, proxyAddr := startTestProxy(t, testConfig(t, "blocked.test\n"))

	conn := dialProxy(t, proxyAddr)
	request := fmt.Sprintf(
		"GET http://%s/path?q=1 HTTP/1.1\r\nHost: %s\r\nProxy-Connection: keep-alive\r\nX-Test: v\r\n\r\n",
		upstream.addr(), upstream.addr())
	_, err := conn.Write([]byte(request))
	require.NoError(t, err)

	response := readAll(t, conn)
	assert.Equal(t, upstreamResponse, string(response), "upstream bytes must be relayed verbatim")

	forwarded := string(upstream.request())
	assert.True(t, strings.HasPrefix(forwarded, "GET /path?q=1 HTTP/1.1\r\n"), "request line must be origin-form, got %q", forwarded)
	assert.NotContains(t, forwarded, "Proxy-Connection")
	assert.Contains(t, forwarded, "Connection: close\r\n")
	assert.Contains(t, forwarded, "X-Test: v\r\n")

	records := waitForRecords(t, sink, 1)
	rec := records[0]
	assert.Equal(t, "GET", rec.Method)
	assert.Equal(t, "http://"+upstream.addr()+"/path?q=1", rec.URL)
	assert.Equal(t, "127.0.0.1", rec.Host)
	assert.Equal(t, "127.0.0.1", rec.ClientIP)
	assert.False(t, rec.Blocked)
	assert.Equal(t, int64(len(upstreamResponse)), rec.ResponseBytes)
	assert.Greater(t, rec.RequestBytes, int64(0))
}

func TestForwardHTTPRequestWithBody(t *testing.T) {
	upstream := newTestUpstream(t, []byte(upstreamResponse), false)
	_, _, proxyAddr := startTestProxy(t, testConfig(t, ""))

	conn := dialProxy(t, proxyAddr)
	request := fmt.Sprintf(
		"POST http://%s/submit HTTP/1.1\r\nHost: %s\r\nContent-Length: 9\r\n\r\nfield=val",
		upstream.addr(), upstream.addr())
	_, err := conn.Write([]byte(request))
	require.NoError(t, err)

	response := readAll(t, conn)
	assert.Equal(t, upstreamResponse, string(response))

	forwarded := string(upstream.request())
	assert.True(t, strings.HasSuffix(forwarded, "\r\n\r\nfield=val"), "body must be forwarded, got %q", forwarded)
}

func TestBlockedDomainNoUpstreamDial(t *testing.T) {
	upstream := newTestUpstream(t, []byte(upstreamResponse), false)
	// 127.0.0.1 itself is on the blocklist, so the upstream must never
	// see a connection.
	_, sink, proxyAddr := startTestProxy(t, testConfig(t, "127.0.0.1\n"))

	conn := dialProxy(t, proxyAddr)
	request := fmt.Sprintf("GET http://%s/ HTTP/1.1\r\nHost: %s\r\n\r\n", upstream.addr(), upstream.addr())
	_, err := conn.Write([]byte(request))
	require.NoError(t, err)

	response := string(readAll(t, conn))
	assert.Contains(t, response, "HTTP/1.1 403 Forbidden")
	assert.Contains(t, response, "Access to 127.0.0.1 is blocked by proxy policy.")

	records := waitForRecords(t, sink, 1)
	rec := records[0]
	assert.True(t, rec.Blocked)
	assert.Equal(t, int64(0), rec.LatencyMS)
	assert.Equal(t, int64(0), rec.RequestBytes)
	assert.Equal(t, int64(0), rec.ResponseBytes)

	assert.Equal(t, int64(0), upstream.connections(), "filter must run before any upstream dial")
}

func TestBlockedKeywordNoUpstreamDial(t *testing.T) {
	upstream := newTestUpstream(t, []byte(upstreamResponse), false)
	_, sink, proxyAddr := startTestProxy(t, testConfig(t, ""))

	conn := dialProxy(t, proxyAddr)
	request := fmt.Sprintf("GET http://%s/malware/payload.bin HTTP/1.1\r\nHost: %s\r\n\r\n", upstream.addr(), upstream.addr())
	_, err := conn.Write([]byte(request))
	require.NoError(t, err)

	response := string(readAll(t, conn))
	assert.Contains(t, response, "HTTP/1.1 403 Forbidden")

	waitForRecords(t, sink, 1)
	assert.Equal(t, int64(0), upstream.connections())
}

func TestConnectTunnel(t *testing.T) {
	upstream := newTestUpstream(t, nil, true)
	_, sink, proxyAddr := startTestProxy(t, testConfig(t, "blocked.test\n"))

	conn := dialProxy(t, proxyAddr)
	request := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", upstream.addr(), upstream.addr())
	_, err := conn.Write([]byte(request))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	var head bytes.Buffer
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		head.WriteString(line)
		if line == "\r\n" {
			break
		}
	}
	assert.Equal(t, "HTTP/1.1 200 Connection Established\r\n\r\n", head.String())

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	echo := make([]byte, 4)
	_, err = reader.Read(echo)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(echo))

	require.NoError(t, conn.Close())

	records := waitForRecords(t, sink, 1)
	rec := records[0]
	assert.Equal(t, "CONNECT", rec.Method)
	assert.Equal(t, upstream.addr(), rec.URL)
	assert.Equal(t, "127.0.0.1", rec.Host)
	assert.False(t, rec.Blocked)
	assert.Equal(t, int64(len(request)), rec.RequestBytes, "request bytes count the CONNECT request as received")
	assert.Equal(t, int64(4), rec.ResponseBytes, "tunnel counts upstream to client bytes")
}

func TestConnectBlocked(t *testing.T) {
	_, sink, proxyAddr := startTestProxy(t, testConfig(t, "blocked.test\n"))

	conn := dialProxy(t, proxyAddr)
	_, err := conn.Write([]byte("CONNECT sub.blocked.test:443 HTTP/1.1\r\nHost: sub.blocked.test:443\r\n\r\n"))
	require.NoError(t, err)

	response := string(readAll(t, conn))
	assert.Contains(t, response, "HTTP/1.1 403 Forbidden")
	assert.Contains(t, response, "Access to sub.blocked.test is blocked by proxy policy.")

	records := waitForRecords(t, sink, 1)
	rec := records[0]
	assert.Equal(t, "CONNECT", rec.Method)
	assert.True(t, rec.Blocked)
	assert.Equal(t, int64(0), rec.LatencyMS)
}

func TestMalformedRequestLine(t *testing.T) {
	_, sink, proxyAddr := startTestProxy(t, testConfig(t, ""))

	conn := dialProxy(t, proxyAddr)
	_, err := conn.Write([]byte("GARBAGE\r\n\r\n"))
	require.NoError(t, err)

	response := string(readAll(t, conn))
	assert.Contains(t, response, "HTTP/1.1 400 Bad Request")
	assert.Contains(t, response, "Malformed request received by proxy.")

	// No host was resolved, so no metrics row may exist.
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, sink.all())
}

func TestInvalidConnectAuthority(t *testing.T) {
	_, sink, proxyAddr := startTestProxy(t, testConfig(t, ""))

	conn := dialProxy(t, proxyAddr)
	_, err := conn.Write([]byte("CONNECT example.com HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	require.NoError(t, err)

	response := string(readAll(t, conn))
	assert.Contains(t, response, "HTTP/1.1 400 Bad Request")

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, sink.all())
}

func TestUpstreamUnreachable(t *testing.T) {
	// Bind and immediately close a port so nothing listens on it.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := l.Addr().String()
	require.NoError(t, l.Close())

	_, sink, proxyAddr := startTestProxy(t, testConfig(t, ""))

	conn := dialProxy(t, proxyAddr)
	request := fmt.Sprintf("GET http://%s/ HTTP/1.1\r\nHost: %s\r\n\r\n", deadAddr, deadAddr)
	_, err = conn.Write([]byte(request))
	require.NoError(t, err)

	response := string(readAll(t, conn))
	assert.Contains(t, response, "HTTP/1.1 502 Bad Gateway")
	assert.Contains(t, response, "Proxy could not reach the upstream server.")

	records := waitForRecords(t, sink, 1)
	rec := records[0]
	assert.False(t, rec.Blocked)
	assert.Equal(t, int64(0), rec.ResponseBytes)
}

func TestUpstreamResetBeforeResponse(t *testing.T) {
	// Upstream accepts, reads the forwarded request, then resets the
	// connection without sending a single response byte.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 8192)
		_, _ = conn.Read(buf)
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetLinger(0)
		}
		_ = conn.Close()
	}()
	deadAddr := ln.Addr().String()

	_, sink, proxyAddr := startTestProxy(t, testConfig(t, ""))

	conn := dialProxy(t, proxyAddr)
	request := fmt.Sprintf("GET http://%s/ HTTP/1.1\r\nHost: %s\r\n\r\n", deadAddr, deadAddr)
	_, err = conn.Write([]byte(request))
	require.NoError(t, err)

	response := string(readAll(t, conn))
	assert.Contains(t, response, "HTTP/1.1 502 Bad Gateway")
	assert.Contains(t, response, "Proxy could not reach the upstream server.")

	records := waitForRecords(t, sink, 1)
	rec := records[0]
	assert.False(t, rec.Blocked)
	assert.Equal(t, int64(0), rec.ResponseBytes)
}

func TestConnectUnreachableRecordsRequestBytes(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := l.Addr().String()
	require.NoError(t, l.Close())

	_, sink, proxyAddr := startTestProxy(t, testConfig(t, ""))

	conn := dialProxy(t, proxyAddr)
	request := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", deadAddr, deadAddr)
	_, err = conn.Write([]byte(request))
	require.NoError(t, err)

	response := string(readAll(t, conn))
	assert.Contains(t, response, "HTTP/1.1 502 Bad Gateway")

	records := waitForRecords(t, sink, 1)
	rec := records[0]
	assert.Equal(t, "CONNECT", rec.Method)
	assert.Equal(t, int64(len(request)), rec.RequestBytes)
	assert.Equal(t, int64(0), rec.ResponseBytes)
}

// deadlineFailConn refuses to arm deadlines, as a closed or broken
// socket would.
type deadlineFailConn struct {
	net.Conn
	wrote bool
}

func (c *deadlineFailConn) SetWriteDeadline(time.Time) error {
	return fmt.Errorf("setsockopt: bad file descriptor")
}

func (c *deadlineFailConn) Write(b []byte) (int, error) {
	c.wrote = true
	return len(b), nil
}

func TestSendUpstreamDeadlineFailure(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	conn := &deadlineFailConn{Conn: client}
	perr := sendUpstream(conn, []byte("GET / HTTP/1.1\r\n\r\n"), time.Second)
	require.NotNil(t, perr, "deadline failure must surface as an upstream I/O failure")
	assert.Equal(t, ErrCodeUpstreamIOFailed, perr.Code)
	assert.False(t, conn.wrote, "payload must not be written after a deadline failure")
}

func TestAccessLogReportsBytesNotStatus(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "access.log")
	require.NoError(t, logger.ConfigureAccessLog(logPath))
	t.Cleanup(logger.Close)

	notFound := "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"
	upstream := newTestUpstream(t, []byte(notFound), false)
	_, sink, proxyAddr := startTestProxy(t, testConfig(t, ""))

	conn := dialProxy(t, proxyAddr)
	request := fmt.Sprintf("GET http://%s/missing HTTP/1.1\r\nHost: %s\r\n\r\n", upstream.addr(), upstream.addr())
	_, err := conn.Write([]byte(request))
	require.NoError(t, err)

	response := string(readAll(t, conn))
	assert.Contains(t, response, "404 Not Found")
	waitForRecords(t, sink, 1)

	var line string
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(logPath)
		if err != nil {
			return false
		}
		line = string(data)
		return strings.Contains(line, "/missing")
	}, 2*time.Second, 10*time.Millisecond, "access log line not written")

	assert.Contains(t, line, "relayed")
	assert.NotContains(t, line, " 200 ", "access log must not fabricate a status for relayed responses")
}

func TestOversizedHeadAbandoned(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.MaxHeaderBytes = 1024
	_, sink, proxyAddr := startTestProxy(t, cfg)

	conn := dialProxy(t, proxyAddr)
	// Keep sending header bytes without ever finishing the head.
	filler := "X-Filler: " + strings.Repeat("a", 2000) + "\r\n"
	_, err := conn.Write([]byte("GET http://example.com/ HTTP/1.1\r\n" + filler))
	require.NoError(t, err)

	// The proxy must close without writing any response bytes.
	response := readAll(t, conn)
	assert.Empty(t, response)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, sink.all())
}

func TestStopClosesListener(t *testing.T) {
	p, _, proxyAddr := startTestProxy(t, testConfig(t, ""))
	require.NoError(t, p.Stop())

	_, err := net.DialTimeout("tcp", proxyAddr, 500*time.Millisecond)
	assert.Error(t, err, "listener should be closed after Stop")
}
