package proxy

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	netproxy "golang.org/x/net/proxy"

	"github.com/codefionn/filterproxy/filterproxy-srv/config"
	"github.com/codefionn/filterproxy/filterproxy-srv/logger"
)

// dialUpstream opens a TCP connection to host:port, honoring the
// configured forward rule. The returned error carries a proxy error code
// suitable for mapping to a client-facing 502.
func (p *Proxy) dialUpstream(ctx context.Context, host string, port int) (net.Conn, *Error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	timeout := time.Duration(p.config.TimeoutSeconds) * time.Second

	if fwd := p.config.Forward; fwd != nil && fwd.Type == config.ForwardTypeSocks5 {
		return p.dialSocks5(ctx, fwd, addr, timeout)
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if isTimeoutError(err) {
			return nil, NewConnectionError(ErrCodeConnectionTimeout, fmt.Errorf("dial %s: %w", addr, err))
		}
		return nil, NewConnectionError(ErrCodeDialFailed, fmt.Errorf("dial %s: %w", addr, err))
	}
	return conn, nil
}

// dialSocks5 establishes a connection to the target via a SOCKS5 proxy
func (p *Proxy) dialSocks5(ctx context.Context, fwd *config.ForwardConfig, targetHostPort string, timeout time.Duration) (net.Conn, *Error) {
	var auth *netproxy.Auth
	if fwd.Username != nil && fwd.Password != nil {
		auth = &netproxy.Auth{
			User:     *fwd.Username,
			Password: *fwd.Password,
		}
	} else if fwd.Username != nil {
		// Password might be optional depending on SOCKS server config
		auth = &netproxy.Auth{User: *fwd.Username}
	}

	socksDialer, err := netproxy.SOCKS5("tcp", fwd.Address, auth, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, NewConnectionError(ErrCodeSOCKS5DialerFailed, fmt.Errorf("proxy %s: %w", fwd.Address, err))
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type contextDialer interface {
		DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	}

	var conn net.Conn
	if cd, ok := socksDialer.(contextDialer); ok {
		conn, err = cd.DialContext(dialCtx, "tcp", targetHostPort)
	} else {
		logger.Debug("SOCKS5 dialer has no context support, falling back to Dial")
		conn, err = socksDialer.Dial("tcp", targetHostPort)
	}
	if err != nil {
		return nil, NewConnectionError(ErrCodeSOCKS5ConnectFailed, fmt.Errorf("proxy %s target %s: %w", fwd.Address, targetHostPort, err))
	}
	return conn, nil
}
