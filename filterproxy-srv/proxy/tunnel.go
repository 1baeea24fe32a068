package proxy

import (
	"net"
	"sync"
	"time"

	"github.com/codefionn/filterproxy/filterproxy-srv/logger"
)

// idleTimeoutConn re-arms a read deadline before every read, so the
// deadline only fires after the configured span of total inactivity.
type idleTimeoutConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleTimeoutConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

// tunnel relays bytes between client and upstream until either side
// closes or the idle timeout fires, then tears down both connections.
// Returns the number of bytes relayed from upstream to the client.
func (p *Proxy) tunnel(client, upstream net.Conn) int64 {
	idle := time.Duration(p.config.TunnelIdleSecs) * time.Second

	var once sync.Once
	closeBoth := func() {
		_ = client.Close()
		_ = upstream.Close()
	}

	var responseBytes int64
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		_, err := copyBuffer(upstream, &idleTimeoutConn{Conn: client, timeout: idle})
		if err != nil && !isClosedConnError(err) && !isTimeoutError(err) {
			logger.Debug("Tunnel client->upstream ended: %v", err)
		}
		once.Do(closeBoth)
	}()

	go func() {
		defer wg.Done()
		n, err := copyBuffer(client, &idleTimeoutConn{Conn: upstream, timeout: idle})
		if err != nil && !isClosedConnError(err) && !isTimeoutError(err) {
			logger.Debug("Tunnel upstream->client ended: %v", err)
		}
		responseBytes = n
		once.Do(closeBoth)
	}()

	wg.Wait()
	return responseBytes
}
