// Package listener runs the client-facing HTTP/1.1, h2c, HTTPS and HTTP/3
// listeners of the gateway.
package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/Ensembl/ensembl-thoas/internal/config"
)

// Protocol is a listener protocol.
type Protocol string

const (
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
	ProtocolH2C   Protocol = "h2c"
	ProtocolHTTP3 Protocol = "http3"
)

// Listener is one listening endpoint.
type Listener struct {
	Name      string
	Address   string
	Protocol  Protocol
	TLSConfig *tls.Config

	addr        net.Addr
	httpServer  *http.Server
	http3Server *http3.Server
}

// Options configures a Manager.
type Options struct {
	Handler http.Handler
	Logger  *slog.Logger
	// ReadTimeout and WriteTimeout bound one request. WriteTimeout must cover
	// the gateway request timeout. Default 30s and 60s.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Manager owns the configured listeners.
type Manager struct {
	handler http.Handler
	logger  *slog.Logger
	opts    Options

	mu        sync.RWMutex
	listeners []*Listener
	started   bool

	wg      sync.WaitGroup
	errors  chan error
	closing atomic.Bool
}

// NewManager creates a manager serving opts.Handler.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 60 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 120 * time.Second
	}
	return &Manager{
		handler: opts.Handler,
		logger:  opts.Logger,
		opts:    opts,
		errors:  make(chan error, 8),
	}
}

// Configure loads TLS material and records the listeners to start.
func (m *Manager) Configure(cfgs []config.ListenerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return errors.New("listeners already started")
	}

	var out []*Listener
	for _, cfg := range cfgs {
		l := &Listener{Name: cfg.Name, Address: cfg.Address, Protocol: Protocol(cfg.Protocol)}
		switch l.Protocol {
		case ProtocolHTTP, ProtocolH2C, ProtocolHTTPS, ProtocolHTTP3:
		default:
			return fmt.Errorf("listener %s: unsupported protocol %q", cfg.Name, cfg.Protocol)
		}

		if cfg.TLS != nil {
			cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
			if err != nil {
				return fmt.Errorf("loading TLS for %s: %w", cfg.Name, err)
			}
			l.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}
		if (l.Protocol == ProtocolHTTPS || l.Protocol == ProtocolHTTP3) && l.TLSConfig == nil {
			return fmt.Errorf("listener %s: %s requires tls", cfg.Name, l.Protocol)
		}
		out = append(out, l)
	}

	m.listeners = out
	return nil
}

// Start binds every listener and serves in the background. A bind failure
// closes the listeners already bound and is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return errors.New("listeners already started")
	}

	for _, l := range m.listeners {
		if err := m.start(ctx, l); err != nil {
			m.closeAll()
			return fmt.Errorf("listener %s: %w", l.Name, err)
		}
		m.logger.Info("listener started", "name", l.Name, "address", l.addr.String(), "protocol", l.Protocol)
	}
	m.started = true
	return nil
}

func (m *Manager) newServer(handler http.Handler, tlsCfg *tls.Config) *http.Server {
	return &http.Server{
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadTimeout:       m.opts.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      m.opts.WriteTimeout,
		IdleTimeout:       m.opts.IdleTimeout,
		MaxHeaderBytes:    1 << 20,
		ErrorLog:          slog.NewLogLogger(m.logger.Handler(), slog.LevelWarn),
	}
}

func (m *Manager) start(ctx context.Context, l *Listener) error {
	var lc net.ListenConfig

	switch l.Protocol {
	case ProtocolHTTP, ProtocolH2C:
		handler := m.handler
		if l.Protocol == ProtocolH2C {
			handler = h2c.NewHandler(m.handler, &http2.Server{})
		}
		ln, err := lc.Listen(ctx, "tcp", l.Address)
		if err != nil {
			return fmt.Errorf("binding to %s: %w", l.Address, err)
		}
		l.addr = ln.Addr()
		l.httpServer = m.newServer(handler, nil)
		m.serve(l, func() error { return l.httpServer.Serve(ln) })

	case ProtocolHTTPS:
		l.httpServer = m.newServer(m.handler, l.TLSConfig)
		if err := http2.ConfigureServer(l.httpServer, &http2.Server{}); err != nil {
			return fmt.Errorf("configuring HTTP/2: %w", err)
		}
		ln, err := lc.Listen(ctx, "tcp", l.Address)
		if err != nil {
			return fmt.Errorf("binding to %s: %w", l.Address, err)
		}
		l.addr = ln.Addr()
		m.serve(l, func() error { return l.httpServer.Serve(tls.NewListener(ln, l.httpServer.TLSConfig)) })

	case ProtocolHTTP3:
		conn, err := lc.ListenPacket(ctx, "udp", l.Address)
		if err != nil {
			return fmt.Errorf("binding to %s: %w", l.Address, err)
		}
		l.addr = conn.LocalAddr()
		tlsCfg := l.TLSConfig.Clone()
		tlsCfg.NextProtos = []string{"h3"}
		l.http3Server = &http3.Server{Handler: m.handler, TLSConfig: tlsCfg}
		m.serve(l, func() error {
			defer conn.Close()
			return l.http3Server.Serve(conn)
		})
	}
	return nil
}

func (m *Manager) serve(l *Listener, fn func() error) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := fn()
		if err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
			return
		}
		if m.closing.Load() {
			return
		}
		m.logger.Error("listener failed", "name", l.Name, "error", err)
		select {
		case m.errors <- fmt.Errorf("listener %s: %w", l.Name, err):
		default:
		}
	}()
}

// Errors delivers serve failures that happen after Start returned.
func (m *Manager) Errors() <-chan error {
	return m.errors
}

func (m *Manager) closeAll() {
	m.closing.Store(true)
	for _, l := range m.listeners {
		if l.httpServer != nil {
			_ = l.httpServer.Close()
		}
		if l.http3Server != nil {
			_ = l.http3Server.Close()
		}
	}
	m.wg.Wait()
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	listeners := append([]*Listener(nil), m.listeners...)
	m.mu.RUnlock()
	m.closing.Store(true)

	var wg sync.WaitGroup
	for _, l := range listeners {
		l := l
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.httpServer != nil {
				if err := l.httpServer.Shutdown(ctx); err != nil {
					_ = l.httpServer.Close()
				}
			}
			if l.http3Server != nil {
				_ = l.http3Server.Close()
			}
		}()
	}
	wg.Wait()
	m.wg.Wait()
	return ctx.Err()
}

// Addr returns the bound address of a started listener.
func (m *Manager) Addr(name string) (net.Addr, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range m.listeners {
		if l.Name == name && l.addr != nil {
			return l.addr, true
		}
	}
	return nil, false
}

// HTTP3Port returns the configured port of the first HTTP/3 listener, for
// Alt-Svc advertisement. It is zero without one.
func (m *Manager) HTTP3Port() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range m.listeners {
		if l.Protocol != ProtocolHTTP3 {
			continue
		}
		if l.addr != nil {
			if ua, ok := l.addr.(*net.UDPAddr); ok {
				return ua.Port
			}
		}
		if _, port, err := net.SplitHostPort(l.Address); err == nil {
			p, _ := strconv.Atoi(port)
			return p
		}
	}
	return 0
}

// ListenerCount returns the number of configured listeners.
func (m *Manager) ListenerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners)
}
