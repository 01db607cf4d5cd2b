package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"

	"github.com/infodancer/maild/internal/config"
	"github.com/infodancer/maild/internal/metrics"
)

// Options configures a Server for one protocol.
type Options struct {
	// Protocol is the metrics label, "smtp" or "pop3".
	Protocol string
	// Listeners are the endpoints to serve.
	Listeners []config.ListenerConfig
	// BusyLine is written to connections rejected at admission.
	BusyLine string
	// Handler runs the protocol session for each admitted connection.
	Handler ConnectionHandler
	// TLSConfig enables implicit TLS listeners and STARTTLS/STLS upgrades.
	TLSConfig *tls.Config
	Logger    *slog.Logger
	Collector metrics.Collector
}

// Server coordinates the listeners for one protocol. The connection limit
// is shared across all of its listeners.
type Server struct {
	cfg  *config.Config
	opts Options

	limiter   *ConnectionLimiter
	listeners []*Listener
	mu        sync.Mutex
}

// New creates a Server for one protocol from the shared configuration.
func New(cfg *config.Config, opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Collector == nil {
		opts.Collector = &metrics.NoopCollector{}
	}
	for _, lc := range opts.Listeners {
		if lc.Mode.ImplicitTLS() && opts.TLSConfig == nil {
			return nil, fmt.Errorf("listener %s: TLS required for mode %s but not configured", lc.Address, lc.Mode)
		}
	}

	return &Server{
		cfg:     cfg,
		opts:    opts,
		limiter: NewConnectionLimiter(cfg.Limits.MaxConnections),
	}, nil
}

// aeadCipherSuites lists the TLS 1.2 suites offering both AEAD and forward
// secrecy. TLS 1.3 suites are not configurable and already qualify.
var aeadCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
}

// LoadTLSConfig builds a tls.Config from the TLS section, or returns nil
// when no certificate is configured.
func LoadTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading TLS certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   cfg.MinTLSVersion(),
		CipherSuites: aeadCipherSuites,
	}, nil
}

// Run starts all listeners and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	for _, lc := range s.opts.Listeners {
		listener := NewListener(ListenerConfig{
			Address:        lc.Address,
			Mode:           lc.Mode,
			Protocol:       s.opts.Protocol,
			TLSConfig:      s.opts.TLSConfig,
			IdleTimeout:    s.cfg.Timeouts.ConnectionTimeout(),
			CommandTimeout: s.cfg.Timeouts.CommandTimeout(),
			SessionTimeout: s.cfg.Timeouts.SessionTimeout(),
			GracePeriod:    s.cfg.Timeouts.GracePeriod(),
			LogTransaction: s.cfg.LogLevel == "debug",
			Logger:         s.opts.Logger,
			Collector:      s.opts.Collector,
			Limiter:        s.limiter,
			BusyLine:       s.opts.BusyLine,
			Handler:        s.opts.Handler,
		})
		s.listeners = append(s.listeners, listener)
	}
	s.mu.Unlock()

	s.opts.Logger.Info("starting server",
		slog.String("protocol", s.opts.Protocol),
		slog.String("hostname", s.cfg.Hostname),
		slog.Int("listener_count", len(s.listeners)),
	)

	var wg sync.WaitGroup
	errChan := make(chan error, len(s.listeners))

	for _, l := range s.listeners {
		wg.Add(1)
		go func(listener *Listener) {
			defer wg.Done()
			if err := listener.Start(ctx); err != nil && err != context.Canceled {
				errChan <- fmt.Errorf("listener %s: %w", listener.Address(), err)
			}
		}(l)
	}

	<-ctx.Done()

	s.opts.Logger.Info("server shutting down", slog.String("protocol", s.opts.Protocol))

	wg.Wait()

	close(errChan)
	var firstErr error
	for err := range errChan {
		if firstErr == nil {
			firstErr = err
		}
		s.opts.Logger.Error("listener error", slog.String("error", err.Error()))
	}

	s.opts.Logger.Info("server stopped", slog.String("protocol", s.opts.Protocol))

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// Shutdown stops all listeners from accepting new connections.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.listeners {
		_ = l.Close()
	}
}

// Limiter returns the shared connection limiter.
func (s *Server) Limiter() *ConnectionLimiter {
	return s.limiter
}
