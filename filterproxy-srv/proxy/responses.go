package proxy

import (
	"fmt"
	"net"
)

// connectEstablishedResponse is sent verbatim once a CONNECT tunnel's
// upstream connection succeeds.
const connectEstablishedResponse = "HTTP/1.1 200 Connection Established\r\n\r\n"

// buildPlainTextResponse renders a complete, self-delimiting HTTP error
// response. The connection is closed afterwards, so Connection: close is
// always set.
func buildPlainTextResponse(statusCode int, reason, body string) []byte {
	return fmt.Appendf(nil,
		"HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		statusCode, reason, len(body), body)
}

func writeBadRequest(conn net.Conn) error {
	_, err := conn.Write(buildPlainTextResponse(400, "Bad Request", "Malformed request received by proxy."))
	return err
}

func writeForbidden(conn net.Conn, host string) error {
	body := fmt.Sprintf("Access to %s is blocked by proxy policy.", host)
	_, err := conn.Write(buildPlainTextResponse(403, "Forbidden", body))
	return err
}

func writeBadGateway(conn net.Conn) error {
	_, err := conn.Write(buildPlainTextResponse(502, "Bad Gateway", "Proxy could not reach the upstream server."))
	return err
}

func writeConnectEstablished(conn net.Conn) error {
	_, err := conn.Write([]byte(connectEstablishedResponse))
	return err
}
