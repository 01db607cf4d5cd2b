package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/infodancer/maild/internal/config"
	"github.com/infodancer/maild/internal/logging"
	"github.com/infodancer/maild/internal/metrics"
)

// ConnectionHandler is called for each admitted connection. It runs the
// protocol session and returns when the session is over.
type ConnectionHandler func(ctx context.Context, conn *Connection)

// Listener manages a single TCP listener for one protocol endpoint.
type Listener struct {
	address  string
	mode     config.ListenerMode
	protocol string

	tlsConfig *tls.Config
	connCfg   ConnectionConfig
	handler   ConnectionHandler
	logger    *slog.Logger
	collector metrics.Collector
	limiter   *ConnectionLimiter

	// busyLine is written to a connection rejected at admission, before the
	// close. It is protocol specific ("421 ..." or "-ERR ...").
	busyLine       string
	sessionTimeout time.Duration
	gracePeriod    time.Duration

	listener net.Listener
	wg       sync.WaitGroup
	mu       sync.Mutex
	conns    map[*Connection]struct{}
	closed   bool
}

// ListenerConfig holds configuration for creating a new Listener.
type ListenerConfig struct {
	Address        string
	Mode           config.ListenerMode
	Protocol       string
	TLSConfig      *tls.Config
	IdleTimeout    time.Duration
	CommandTimeout time.Duration
	SessionTimeout time.Duration
	GracePeriod    time.Duration
	LogTransaction bool
	Logger         *slog.Logger
	Collector      metrics.Collector
	Limiter        *ConnectionLimiter
	BusyLine       string
	Handler        ConnectionHandler
}

// NewListener creates a new Listener with the given configuration.
func NewListener(cfg ListenerConfig) *Listener {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := cfg.Collector
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}

	return &Listener{
		address:   cfg.Address,
		mode:      cfg.Mode,
		protocol:  cfg.Protocol,
		tlsConfig: cfg.TLSConfig,
		connCfg: ConnectionConfig{
			IdleTimeout:    cfg.IdleTimeout,
			CommandTimeout: cfg.CommandTimeout,
			LogTransaction: cfg.LogTransaction,
			Logger:         logger,
		},
		handler:        cfg.Handler,
		logger:         logging.WithListener(logger, cfg.Address, string(cfg.Mode)),
		collector:      collector,
		limiter:        cfg.Limiter,
		busyLine:       cfg.BusyLine,
		sessionTimeout: cfg.SessionTimeout,
		gracePeriod:    cfg.GracePeriod,
		conns:          make(map[*Connection]struct{}),
	}
}

// Start begins listening for connections.
// It blocks until the context is cancelled or an unrecoverable error occurs.
func (l *Listener) Start(ctx context.Context) error {
	var err error
	var ln net.Listener

	// Implicit TLS modes handshake before any protocol bytes.
	if l.mode.ImplicitTLS() {
		if l.tlsConfig == nil {
			return errors.New("TLS configuration required for implicit TLS mode")
		}
		ln, err = tls.Listen("tcp", l.address, l.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", l.address)
	}

	if err != nil {
		return err
	}

	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	l.logger.Info("listener started",
		slog.String("address", l.address),
		slog.String("mode", string(l.mode)),
	)

	go l.acceptLoop(ctx)

	<-ctx.Done()

	l.logger.Info("listener shutting down")

	if err := l.Close(); err != nil {
		l.logger.Debug("error closing listener",
			slog.String("error", err.Error()),
		)
	}

	l.drain()

	l.logger.Info("listener stopped")
	return ctx.Err()
}

// drain waits for active sessions up to the grace period, then force-closes
// whatever is left and waits for their handlers to return.
func (l *Listener) drain() {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	if l.gracePeriod > 0 {
		select {
		case <-done:
			return
		case <-time.After(l.gracePeriod):
		}
	}

	l.mu.Lock()
	remaining := make([]*Connection, 0, len(l.conns))
	for c := range l.conns {
		remaining = append(remaining, c)
	}
	l.mu.Unlock()

	if len(remaining) > 0 {
		l.logger.Info("forcing close of remaining connections",
			slog.Int("count", len(remaining)),
		)
		for _, c := range remaining {
			_ = c.Close()
		}
	}
	<-done
}

// acceptLoop accepts connections until the listener is closed.
func (l *Listener) acceptLoop(ctx context.Context) {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()

			if closed {
				return
			}

			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				l.logger.Warn("temporary accept error",
					slog.String("error", err.Error()),
				)
				time.Sleep(5 * time.Millisecond)
				continue
			}

			l.logger.Error("accept error",
				slog.String("error", err.Error()),
			)
			return
		}

		// Admission gate. A connection over capacity gets the protocol's
		// busy line and an immediate close; the handler never runs.
		if l.limiter != nil && !l.limiter.TryAcquire() {
			l.rejectBusy(conn)
			continue
		}

		l.wg.Add(1)
		go l.handleConnection(ctx, conn)
	}
}

func (l *Listener) rejectBusy(conn net.Conn) {
	l.collector.ConnectionRejected(l.protocol)
	l.logger.Warn("connection rejected at capacity",
		slog.String("remote_addr", conn.RemoteAddr().String()),
	)
	if l.busyLine != "" {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_, _ = conn.Write([]byte(l.busyLine + "\r\n"))
	}
	_ = conn.Close()
}

// handleConnection wraps a connection and calls the handler.
func (l *Listener) handleConnection(ctx context.Context, netConn net.Conn) {
	defer l.wg.Done()
	if l.limiter != nil {
		defer l.limiter.Release()
	}

	conn := NewConnection(netConn, l.connCfg)

	l.collector.ConnectionOpened(l.protocol)
	defer l.collector.ConnectionClosed(l.protocol)
	if conn.IsTLS() {
		l.collector.TLSConnectionEstablished(l.protocol)
	}

	conn.Logger().Info("connection accepted")

	l.track(conn, true)
	defer l.track(conn, false)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	connCtx = logging.NewContext(connCtx, conn.Logger())

	if err := conn.ResetIdleTimeout(); err != nil {
		conn.Logger().Error("failed to set initial timeout",
			slog.String("error", err.Error()),
		)
		_ = conn.Close()
		return
	}

	go conn.IdleMonitor(connCtx)

	// Absolute session lifetime cap, independent of activity.
	if l.sessionTimeout > 0 {
		timer := time.AfterFunc(l.sessionTimeout, func() {
			conn.Logger().Info("closing connection at session lifetime cap")
			_ = conn.Close()
		})
		defer timer.Stop()
	}

	if l.handler != nil {
		l.handler(connCtx, conn)
	}

	_ = conn.Close()
	conn.Logger().Info("connection closed")
}

func (l *Listener) track(c *Connection, add bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if add {
		l.conns[c] = struct{}{}
	} else {
		delete(l.conns, c)
	}
}

// Close stops the listener from accepting new connections.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}

// Addr returns the actual listen address, which differs from the configured
// address when port 0 was requested.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Address returns the listener's configured address.
func (l *Listener) Address() string {
	return l.address
}

// Mode returns the listener's mode.
func (l *Listener) Mode() config.ListenerMode {
	return l.mode
}

// TLSConfig returns the TLS configuration, if any.
// For explicit TLS modes this is used for STARTTLS and STLS.
func (l *Listener) TLSConfig() *tls.Config {
	return l.tlsConfig
}
