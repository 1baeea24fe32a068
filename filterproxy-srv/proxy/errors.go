package proxy

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
)

// Error represents a proxy-specific error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates a new Error with the given code and description
func NewProxyError(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// Proxy Error Codes
const (
	// Configuration and Initialization Errors (E1000-E1999)
	ErrCodeListenerCreateFailed = "E1001"
	ErrCodeInvalidServerConfig  = "E1002"
	ErrCodeMetricsInitFailed    = "E1003"

	// Connection and Network Errors (E2000-E2999)
	ErrCodeConnectionTimeout     = "E2001"
	ErrCodeConnectionClosed      = "E2002"
	ErrCodeDialFailed            = "E2003"
	ErrCodeUpstreamConnectFailed = "E2004"
	ErrCodeUpstreamIOFailed      = "E2005"
	ErrCodeClientWriteFailed     = "E2006"

	// HTTP Processing Errors (E4000-E4999)
	ErrCodeRequestReadFailed   = "E4001"
	ErrCodeMalformedRequest    = "E4002"
	ErrCodeHeaderTooLarge      = "E4003"
	ErrCodeUnresolvableTarget  = "E4004"
	ErrCodeInvalidConnectForm  = "E4005"
	ErrCodeRequestForwardError = "E4006"

	// Proxy Chain and Forwarding Errors (E6000-E6999)
	ErrCodeSOCKS5DialerFailed  = "E6001"
	ErrCodeSOCKS5ConnectFailed = "E6002"

	// Access Control Errors (E7000-E7999)
	ErrCodeHostBlocked = "E7001"

	// Resource and System Errors (E9000-E9999)
	ErrCodeMetricsWriteFailed = "E9001"
	ErrCodeInternalError      = "E9901"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	// Configuration and Initialization Errors
	ErrCodeListenerCreateFailed: "Failed to create network listener",
	ErrCodeInvalidServerConfig:  "Invalid server configuration",
	ErrCodeMetricsInitFailed:    "Failed to initialize metrics sink",

	// Connection and Network Errors
	ErrCodeConnectionTimeout:     "Connection attempt timed out",
	ErrCodeConnectionClosed:      "Connection closed unexpectedly",
	ErrCodeDialFailed:            "Failed to dial target address",
	ErrCodeUpstreamConnectFailed: "Failed to connect to upstream server",
	ErrCodeUpstreamIOFailed:      "Upstream read or write failed",
	ErrCodeClientWriteFailed:     "Failed to write response to client",

	// HTTP Processing Errors
	ErrCodeRequestReadFailed:   "Failed to read HTTP request",
	ErrCodeMalformedRequest:    "Malformed HTTP request",
	ErrCodeHeaderTooLarge:      "Request head exceeds size limit",
	ErrCodeUnresolvableTarget:  "Could not resolve request target host",
	ErrCodeInvalidConnectForm:  "Invalid CONNECT authority form",
	ErrCodeRequestForwardError: "Failed to forward request upstream",

	// Proxy Chain and Forwarding Errors
	ErrCodeSOCKS5DialerFailed:  "Failed to create SOCKS5 dialer",
	ErrCodeSOCKS5ConnectFailed: "SOCKS5 connection failed",

	// Access Control Errors
	ErrCodeHostBlocked: "Host access denied by policy",

	// Resource and System Errors
	ErrCodeMetricsWriteFailed: "Failed to persist metrics row",
	ErrCodeInternalError:      "Internal proxy error",
}

// GetErrorDescription returns the description for an error code.
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error"
}

// NewConnectionError creates a connection-related error
func NewConnectionError(code string, cause error) *Error {
	return NewProxyError(code, GetErrorDescription(code), cause)
}

// NewHTTPError creates an HTTP-processing error
func NewHTTPError(code string, cause error) *Error {
	return NewProxyError(code, GetErrorDescription(code), cause)
}

// NewAccessControlError creates an access-control error
func NewAccessControlError(code string, cause error) *Error {
	return NewProxyError(code, GetErrorDescription(code), cause)
}

// isClosedConnError reports whether the error happened because the
// connection was already closed, typically during shutdown.
func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

// isTimeoutError reports whether the error is a network timeout.
func isTimeoutError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, syscall.ETIMEDOUT)
}
