package proxy

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// headTerminator separates the request head from the body.
var headTerminator = []byte("\r\n\r\n")

// Header is a single request header field. Order is preserved from the
// wire; duplicate names keep the position of the first occurrence with
// the last value winning.
type Header struct {
	Name  string
	Value string
}

// Request is a parsed client request.
type Request struct {
	Method  string
	Target  string // Request target exactly as received
	Version string
	Headers []Header
	Body    []byte
}

// Header returns the value of the named header, case-insensitively.
func (r *Request) Header(name string) (string, bool) {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// IsConnect reports whether this is a CONNECT tunnel request.
func (r *Request) IsConnect() bool {
	return r.Method == "CONNECT"
}

// ContentLength returns the declared body length, or 0 when the header is
// absent. A header that is not a non-negative integer is a parse error.
func (r *Request) ContentLength() (int64, *Error) {
	value, ok := r.Header("Content-Length")
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || n < 0 {
		return 0, NewHTTPError(ErrCodeMalformedRequest, fmt.Errorf("invalid Content-Length %q", value))
	}
	return n, nil
}

// ParseRequestHead parses the request line and header block. The input
// must not include the trailing head terminator or any body bytes.
func ParseRequestHead(head []byte) (*Request, *Error) {
	lines := strings.Split(string(head), "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, NewHTTPError(ErrCodeMalformedRequest, fmt.Errorf("empty request line"))
	}

	fields := strings.Fields(lines[0])
	if len(fields) != 3 {
		return nil, NewHTTPError(ErrCodeMalformedRequest, fmt.Errorf("invalid request line %q", lines[0]))
	}

	req := &Request{
		Method:  fields[0],
		Target:  fields[1],
		Version: fields[2],
	}

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			return nil, NewHTTPError(ErrCodeMalformedRequest, fmt.Errorf("invalid header line %q", line))
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if name == "" {
			return nil, NewHTTPError(ErrCodeMalformedRequest, fmt.Errorf("empty header name in %q", line))
		}

		// Duplicate names keep their first position, last value wins.
		replaced := false
		for i := range req.Headers {
			if strings.EqualFold(req.Headers[i].Name, name) {
				req.Headers[i].Value = value
				replaced = true
				break
			}
		}
		if !replaced {
			req.Headers = append(req.Headers, Header{Name: name, Value: value})
		}
	}

	return req, nil
}

// splitHead separates the request head from any body bytes already read.
// ok is false when the head terminator has not arrived yet.
func splitHead(data []byte) (head, rest []byte, ok bool) {
	idx := bytes.Index(data, headTerminator)
	if idx < 0 {
		return nil, nil, false
	}
	return data[:idx], data[idx+len(headTerminator):], true
}

// ResolveTarget derives the upstream host, port and origin-form path from
// a non-CONNECT request. Absolute-form targets are rewritten to
// origin-form; origin-form targets take the host from the Host header.
func ResolveTarget(req *Request) (host string, port int, path string, perr *Error) {
	lower := strings.ToLower(req.Target)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		u, err := url.Parse(req.Target)
		if err != nil || u.Hostname() == "" {
			return "", 0, "", NewHTTPError(ErrCodeUnresolvableTarget, fmt.Errorf("invalid absolute-form target %q", req.Target))
		}
		port = 80
		if u.Scheme == "https" {
			port = 443
		}
		if p := u.Port(); p != "" {
			port, err = parsePort(p)
			if err != nil {
				return "", 0, "", NewHTTPError(ErrCodeUnresolvableTarget, err)
			}
		}
		path = u.RequestURI()
		if path == "" {
			path = "/"
		}
		return u.Hostname(), port, path, nil
	}

	hostHeader, ok := req.Header("Host")
	if !ok || hostHeader == "" {
		return "", 0, "", NewHTTPError(ErrCodeUnresolvableTarget, fmt.Errorf("origin-form target %q without Host header", req.Target))
	}

	host, port, err := splitHostOptionalPort(hostHeader, 80)
	if err != nil {
		return "", 0, "", NewHTTPError(ErrCodeUnresolvableTarget, err)
	}
	return host, port, req.Target, nil
}

// ParseConnectTarget parses a CONNECT authority of the form host:port,
// including bracketed IPv6 literals like [::1]:443. The port is required.
func ParseConnectTarget(authority string) (host string, port int, perr *Error) {
	if strings.HasPrefix(authority, "[") {
		end := strings.Index(authority, "]")
		if end < 0 {
			return "", 0, NewHTTPError(ErrCodeInvalidConnectForm, fmt.Errorf("unterminated IPv6 literal in %q", authority))
		}
		host = authority[1:end]
		rest := authority[end+1:]
		if host == "" || !strings.HasPrefix(rest, ":") {
			return "", 0, NewHTTPError(ErrCodeInvalidConnectForm, fmt.Errorf("invalid authority %q", authority))
		}
		port, err := parsePort(rest[1:])
		if err != nil {
			return "", 0, NewHTTPError(ErrCodeInvalidConnectForm, err)
		}
		return host, port, nil
	}

	if strings.Count(authority, ":") != 1 {
		return "", 0, NewHTTPError(ErrCodeInvalidConnectForm, fmt.Errorf("authority %q must be host:port", authority))
	}
	host, portStr, _ := strings.Cut(authority, ":")
	if host == "" {
		return "", 0, NewHTTPError(ErrCodeInvalidConnectForm, fmt.Errorf("missing host in %q", authority))
	}
	port, err := parsePort(portStr)
	if err != nil {
		return "", 0, NewHTTPError(ErrCodeInvalidConnectForm, err)
	}
	return host, port, nil
}

// splitHostOptionalPort splits host[:port], tolerating bracketed IPv6
// literals and falling back to defaultPort when no port is present.
func splitHostOptionalPort(hostport string, defaultPort int) (string, int, error) {
	if strings.HasPrefix(hostport, "[") {
		end := strings.Index(hostport, "]")
		if end < 0 {
			return "", 0, fmt.Errorf("unterminated IPv6 literal in %q", hostport)
		}
		host := hostport[1:end]
		rest := hostport[end+1:]
		if host == "" {
			return "", 0, fmt.Errorf("empty host in %q", hostport)
		}
		if rest == "" {
			return host, defaultPort, nil
		}
		if !strings.HasPrefix(rest, ":") {
			return "", 0, fmt.Errorf("invalid host %q", hostport)
		}
		port, err := parsePort(rest[1:])
		if err != nil {
			return "", 0, err
		}
		return host, port, nil
	}

	switch strings.Count(hostport, ":") {
	case 0:
		if hostport == "" {
			return "", 0, fmt.Errorf("empty host")
		}
		return hostport, defaultPort, nil
	case 1:
		host, portStr, _ := strings.Cut(hostport, ":")
		if host == "" {
			return "", 0, fmt.Errorf("empty host in %q", hostport)
		}
		port, err := parsePort(portStr)
		if err != nil {
			return "", 0, err
		}
		return host, port, nil
	default:
		return "", 0, fmt.Errorf("invalid host %q", hostport)
	}
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return port, nil
}

// hopByHopHeaders are consumed by the proxy and never forwarded.
var hopByHopHeaders = map[string]struct{}{
	"proxy-connection": {},
	"connection":       {},
	"keep-alive":       {},
}

// BuildForwardRequest serializes the request for the upstream server with
// an origin-form path. Hop-by-hop headers are dropped and Connection:
// close is forced so the upstream terminates the exchange cleanly.
func BuildForwardRequest(req *Request, path string) []byte {
	var buf bytes.Buffer
	buf.WriteString(req.Method)
	buf.WriteByte(' ')
	buf.WriteString(path)
	buf.WriteByte(' ')
	buf.WriteString(req.Version)
	buf.WriteString("\r\n")

	for _, h := range req.Headers {
		if _, drop := hopByHopHeaders[strings.ToLower(h.Name)]; drop {
			continue
		}
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("Connection: close\r\n\r\n")
	buf.Write(req.Body)

	return buf.Bytes()
}
