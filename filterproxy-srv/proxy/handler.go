package proxy

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/codefionn/filterproxy/filterproxy-srv/logger"
	"github.com/codefionn/filterproxy/filterproxy-srv/metrics"
)

// readChunkSize is how much is requested from the client socket per read.
const readChunkSize = 4096

// connHandler owns one client connection from accept to close.
type connHandler struct {
	proxy    *Proxy
	conn     net.Conn
	clientIP string
}

// handleConnection runs the full request lifecycle for one connection.
// Errors never propagate past this point; every outcome either answers
// the client or silently closes the connection.
func (p *Proxy) handleConnection(conn net.Conn) {
	defer func() {
		if err := conn.Close(); err != nil && !isClosedConnError(err) {
			logger.Debug("Error closing client connection: %v", err)
		}
	}()
	defer p.wg.Done()

	clientIP := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(clientIP); err == nil {
		clientIP = host
	}

	h := &connHandler{proxy: p, conn: conn, clientIP: clientIP}
	h.handle()
}

func (h *connHandler) handle() {
	raw, perr := h.receiveRequest()
	if perr != nil {
		// No response for an unterminated, oversized or timed-out head;
		// the client never completed a request.
		logger.Debug("Abandoning connection from %s: %v", h.clientIP, perr)
		return
	}

	head, rest, _ := splitHead(raw)
	req, perr := ParseRequestHead(head)
	if perr != nil {
		h.rejectMalformed(perr)
		return
	}

	contentLength, perr := req.ContentLength()
	if perr != nil {
		h.rejectMalformed(perr)
		return
	}
	req.Body = h.readBody(rest, contentLength)

	if req.IsConnect() {
		h.handleConnect(req, int64(len(raw)))
	} else {
		h.handleHTTP(req)
	}
}

// rejectMalformed answers 400 and closes. The target host is unknown at
// this point, so no metrics row is written.
func (h *connHandler) rejectMalformed(perr *Error) {
	logger.Warn("Malformed request from %s: %v", h.clientIP, perr)
	if err := writeBadRequest(h.conn); err != nil {
		logger.Debug("Failed to write 400 to %s: %v", h.clientIP, err)
	}
}

// receiveRequest reads until the head terminator arrives. It fails when
// the head exceeds the configured cap or the client stalls past the
// receive timeout.
func (h *connHandler) receiveRequest() ([]byte, *Error) {
	timeout := time.Duration(h.proxy.config.TimeoutSeconds) * time.Second
	if err := h.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, NewConnectionError(ErrCodeConnectionClosed, err)
	}

	buf := make([]byte, 0, readChunkSize)
	chunk := make([]byte, readChunkSize)
	for {
		if bytes.Contains(buf, headTerminator) {
			return buf, nil
		}
		if len(buf) >= h.proxy.config.MaxHeaderBytes {
			return nil, NewHTTPError(ErrCodeHeaderTooLarge,
				fmt.Errorf("no head terminator within %d bytes", h.proxy.config.MaxHeaderBytes))
		}

		n, err := h.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if isTimeoutError(err) {
				return nil, NewConnectionError(ErrCodeConnectionTimeout, err)
			}
			return nil, NewConnectionError(ErrCodeConnectionClosed, err)
		}
	}
}

// readBody collects the declared request body. Reading is best-effort: a
// short or failed read returns what arrived so far.
func (h *connHandler) readBody(rest []byte, contentLength int64) []byte {
	if contentLength <= 0 {
		return nil
	}
	if int64(len(rest)) >= contentLength {
		return rest[:contentLength]
	}

	body := append([]byte(nil), rest...)
	remaining := contentLength - int64(len(body))
	timeout := time.Duration(h.proxy.config.TimeoutSeconds) * time.Second
	if err := h.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return body
	}

	chunk := make([]byte, readChunkSize)
	for remaining > 0 {
		limit := int64(len(chunk))
		if remaining < limit {
			limit = remaining
		}
		n, err := h.conn.Read(chunk[:limit])
		if n > 0 {
			body = append(body, chunk[:n]...)
			remaining -= int64(n)
		}
		if err != nil {
			logger.Debug("Short body read from %s: %v", h.clientIP, err)
			break
		}
	}
	return body
}

// handleHTTP forwards a plain HTTP request and relays the response.
func (h *connHandler) handleHTTP(req *Request) {
	host, port, path, perr := ResolveTarget(req)
	if perr != nil {
		h.rejectMalformed(perr)
		return
	}
	host = strings.ToLower(host)

	if h.filterBlocks(req, host, h.requestURL(req, host, path)) {
		return
	}

	payload := BuildForwardRequest(req, path)
	start := time.Now()

	upstream, derr := h.proxy.dialUpstream(context.Background(), host, port)
	if derr != nil {
		logger.Warn("Upstream dial failed for %s (client %s): %v", host, h.clientIP, derr)
		if err := writeBadGateway(h.conn); err != nil {
			logger.Debug("Failed to write 502 to %s: %v", h.clientIP, err)
		}
		h.record(req, host, time.Since(start), int64(len(payload)), 0)
		logger.Access("%s %s %s 502 upstream-unreachable", h.clientIP, req.Method, req.Target)
		return
	}
	defer func() {
		_ = upstream.Close()
	}()

	timeout := time.Duration(h.proxy.config.TimeoutSeconds) * time.Second
	if perr := sendUpstream(upstream, payload, timeout); perr != nil {
		logger.Warn("Upstream write failed for %s: %v", host, perr)
		if werr := writeBadGateway(h.conn); werr != nil {
			logger.Debug("Failed to write 502 to %s: %v", h.clientIP, werr)
		}
		h.record(req, host, time.Since(start), int64(len(payload)), 0)
		logger.Access("%s %s %s 502 upstream-write-failed", h.clientIP, req.Method, req.Target)
		return
	}

	// Upstream closes when done (Connection: close was forced), so relay
	// until EOF with the receive timeout re-armed on activity.
	responseBytes, err := copyBuffer(h.conn, &idleTimeoutConn{Conn: upstream, timeout: timeout})
	if err != nil && !isClosedConnError(err) {
		logger.Debug("Response relay for %s ended early: %v", host, err)
		if responseBytes == 0 {
			// The client has seen nothing yet, so a 502 can still be sent.
			if werr := writeBadGateway(h.conn); werr != nil {
				logger.Debug("Failed to write 502 to %s: %v", h.clientIP, werr)
			}
			h.record(req, host, time.Since(start), int64(len(payload)), 0)
			logger.Access("%s %s %s 502 upstream-read-failed", h.clientIP, req.Method, req.Target)
			return
		}
	}

	h.record(req, host, time.Since(start), int64(len(payload)), responseBytes)
	logger.Access("%s %s %s relayed %d bytes", h.clientIP, req.Method, req.Target, responseBytes)
}

// sendUpstream writes the forward payload under a write deadline. A
// failure to arm the deadline counts as an upstream I/O failure; the
// request must not be treated as sent.
func sendUpstream(upstream net.Conn, payload []byte, timeout time.Duration) *Error {
	if err := upstream.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return NewConnectionError(ErrCodeUpstreamIOFailed, err)
	}
	if _, err := upstream.Write(payload); err != nil {
		return NewConnectionError(ErrCodeUpstreamIOFailed, err)
	}
	return nil
}

// handleConnect establishes a blind tunnel for a CONNECT request.
// requestBytes is the size of the CONNECT request as received; tunneled
// client bytes are not counted.
func (h *connHandler) handleConnect(req *Request, requestBytes int64) {
	host, port, perr := ParseConnectTarget(req.Target)
	if perr != nil {
		h.rejectMalformed(perr)
		return
	}
	host = strings.ToLower(host)

	if h.filterBlocks(req, host, req.Target) {
		return
	}

	start := time.Now()
	upstream, derr := h.proxy.dialUpstream(context.Background(), host, port)
	if derr != nil {
		logger.Warn("Tunnel dial failed for %s:%d (client %s): %v", host, port, h.clientIP, derr)
		if err := writeBadGateway(h.conn); err != nil {
			logger.Debug("Failed to write 502 to %s: %v", h.clientIP, err)
		}
		h.record(req, host, time.Since(start), requestBytes, 0)
		logger.Access("%s CONNECT %s 502 upstream-unreachable", h.clientIP, req.Target)
		return
	}

	if err := writeConnectEstablished(h.conn); err != nil {
		logger.Debug("Failed to confirm tunnel to %s: %v", h.clientIP, err)
		_ = upstream.Close()
		return
	}

	responseBytes := h.proxy.tunnel(h.conn, upstream)

	h.record(req, host, time.Since(start), requestBytes, responseBytes)
	logger.Access("%s CONNECT %s 200 %d bytes", h.clientIP, req.Target, responseBytes)
}

// filterBlocks consults the filter engine before any upstream dial. When
// blocked it answers 403 and records the zeroed metrics row.
func (h *connHandler) filterBlocks(req *Request, host, url string) bool {
	decision := h.proxy.filter.Evaluate(host, url)
	if !decision.Blocked {
		return false
	}

	logger.Info("Blocked %s request for %s from %s (rule: %s)", req.Method, host, h.clientIP, decision.Rule)
	if err := writeForbidden(h.conn, host); err != nil {
		logger.Debug("Failed to write 403 to %s: %v", h.clientIP, err)
	}

	h.proxy.recordRow(metrics.Record{
		Timestamp: time.Now(),
		ClientIP:  h.clientIP,
		Method:    req.Method,
		URL:       req.Target,
		Host:      host,
		Blocked:   true,
	})
	logger.Access("%s %s %s 403 blocked (rule: %s)", h.clientIP, req.Method, req.Target, decision.Rule)
	return true
}

// requestURL yields the full URL used for keyword filtering.
func (h *connHandler) requestURL(req *Request, host, path string) string {
	lower := strings.ToLower(req.Target)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return req.Target
	}
	return "http://" + host + path
}

// record writes the metrics row for an allowed request outcome.
func (h *connHandler) record(req *Request, host string, latency time.Duration, requestBytes, responseBytes int64) {
	h.proxy.recordRow(metrics.Record{
		Timestamp:     time.Now(),
		ClientIP:      h.clientIP,
		Method:        req.Method,
		URL:           req.Target,
		Host:          host,
		LatencyMS:     latency.Milliseconds(),
		RequestBytes:  requestBytes,
		ResponseBytes: responseBytes,
	})
}
