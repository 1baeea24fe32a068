// Package proxy implements a filtering forward HTTP proxy. Each accepted
// connection carries exactly one request: plain HTTP requests are
// forwarded with an origin-form request line, CONNECT requests become
// blind tunnels. Filtering happens before any upstream dial.
package proxy

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/codefionn/filterproxy/filterproxy-srv/config"
	"github.com/codefionn/filterproxy/filterproxy-srv/filter"
	"github.com/codefionn/filterproxy/filterproxy-srv/logger"
	"github.com/codefionn/filterproxy/filterproxy-srv/metrics"
)

// Proxy accepts client connections and hands each to its own goroutine.
type Proxy struct {
	config *config.Config
	filter *filter.Engine
	sink   metrics.Sink

	mu       sync.Mutex
	listener net.Listener
	stopped  bool

	wg sync.WaitGroup
}

// NewProxy builds a proxy from the configuration: the blocklist is
// compiled once and the metrics sink opened. A metrics backend that
// fails to initialize degrades to the dummy sink instead of preventing
// startup.
func NewProxy(cfg *config.Config) (*Proxy, error) {
	engine, err := filter.NewEngine(cfg.BlocklistFile)
	if err != nil {
		return nil, NewProxyError(ErrCodeInvalidServerConfig, GetErrorDescription(ErrCodeInvalidServerConfig), err)
	}

	sink, err := metrics.NewSink(&cfg.Metrics)
	if err != nil {
		logger.Error("%v", NewProxyError(ErrCodeMetricsInitFailed, GetErrorDescription(ErrCodeMetricsInitFailed), err))
		sink = metrics.NewDummySink()
	}

	return &Proxy{
		config: cfg,
		filter: engine,
		sink:   sink,
	}, nil
}

// Start listens on the configured address and serves until Stop is
// called. It blocks for the lifetime of the listener.
func (p *Proxy) Start() error {
	listener, err := net.Listen("tcp", p.config.ListenAddress)
	if err != nil {
		return NewProxyError(ErrCodeListenerCreateFailed, GetErrorDescription(ErrCodeListenerCreateFailed),
			fmt.Errorf("listen %s: %w", p.config.ListenAddress, err))
	}
	return p.StartWithListener(listener)
}

// StartWithListener serves on an already-bound listener. Tests use this
// with a loopback listener on an ephemeral port.
func (p *Proxy) StartWithListener(listener net.Listener) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		_ = listener.Close()
		return nil
	}
	p.listener = listener
	p.mu.Unlock()

	logger.Info("Proxy listening on %s", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if isClosedConnError(err) {
				logger.Debug("Listener closed, stopping accept loop")
				return nil
			}
			logger.Error("Failed to accept connection: %v", err)
			continue
		}

		logger.Trace("Accepted connection from %s", conn.RemoteAddr())
		p.wg.Add(1)
		go p.handleConnection(conn)
	}
}

// Addr returns the bound listener address, or nil before Start.
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop closes the listener. In-flight connections finish on their own;
// Close waits for them.
func (p *Proxy) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.listener == nil {
		return nil
	}
	err := p.listener.Close()
	p.listener = nil
	if err != nil && !isClosedConnError(err) {
		return err
	}
	return nil
}

// Close stops the listener, waits for in-flight handlers and closes the
// metrics sink.
func (p *Proxy) Close() error {
	if err := p.Stop(); err != nil {
		return err
	}
	p.wg.Wait()
	return p.sink.Close()
}

// recordRow persists one metrics row. Failures are logged, never fatal.
func (p *Proxy) recordRow(rec metrics.Record) {
	if err := p.sink.Record(context.Background(), rec); err != nil {
		logger.Error("%v", NewProxyError(ErrCodeMetricsWriteFailed, GetErrorDescription(ErrCodeMetricsWriteFailed), err))
	}
}
