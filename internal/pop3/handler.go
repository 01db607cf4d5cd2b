package pop3

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/infodancer/maild/internal/auth"
	"github.com/infodancer/maild/internal/content"
	"github.com/infodancer/maild/internal/logging"
	"github.com/infodancer/maild/internal/metrics"
	"github.com/infodancer/maild/internal/server"
	"github.com/infodancer/maild/internal/store"
)

// HandlerConfig wires the POP3 handler to its collaborators.
type HandlerConfig struct {
	Hostname          string
	Collector         metrics.Collector
	Store             *store.Store
	Content           *content.Store
	Auth              *auth.Authenticator
	TLSConfig         *tls.Config // nil disables STLS
	EnableAPOP        bool
	AllowInsecureAuth bool
}

// Handler returns a ConnectionHandler that runs POP3 sessions.
func Handler(cfg HandlerConfig) server.ConnectionHandler {
	if cfg.Collector == nil {
		cfg.Collector = &metrics.NoopCollector{}
	}

	b := &backend{
		store:         cfg.Store,
		content:       cfg.Content,
		auth:          cfg.Auth,
		collector:     cfg.Collector,
		allowInsecure: cfg.AllowInsecureAuth,
		stlsAvailable: cfg.TLSConfig != nil,
		apopEnabled:   cfg.EnableAPOP,
	}

	registry := NewRegistry()
	for _, cmd := range []Command{
		&userCommand{backend: b},
		&passCommand{backend: b},
		&apopCommand{backend: b},
		&stlsCommand{backend: b},
		&capaCommand{backend: b},
		&statCommand{},
		&listCommand{},
		&uidlCommand{},
		&retrCommand{backend: b},
		&topCommand{backend: b},
		&deleCommand{},
		&rsetCommand{},
		&noopCommand{},
		&quitCommand{backend: b, hostname: cfg.Hostname},
	} {
		registry.Register(cmd)
	}

	h := &handler{cfg: cfg, registry: registry}
	return h.serve
}

type handler struct {
	cfg      HandlerConfig
	registry *Registry
}

func (h *handler) serve(ctx context.Context, conn *server.Connection) {
	logger := logging.FromContext(ctx)

	// The APOP nonce doubles as a session identifier in the banner.
	var nonce string
	if h.cfg.EnableAPOP {
		nonce = auth.IssueAPOPNonce(h.cfg.Hostname)
	}
	sess := NewSession(nonce, conn.IsTLS())

	greeting := "+OK POP3 server ready"
	if nonce != "" {
		greeting += " " + nonce
	}
	if err := writeLine(conn, greeting); err != nil {
		logger.Debug("failed to send greeting", "error", err.Error())
		return
	}
	if err := conn.ResetIdleTimeout(); err != nil {
		return
	}

	for {
		line, err := conn.Reader().ReadString('\n')
		if err != nil {
			h.reportReadError(conn, logger, err)
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		// Shutdown in progress: answer this command with the closing
		// notice instead of executing it.
		select {
		case <-ctx.Done():
			writeLine(conn, "-ERR Server shutting down")
			return
		default:
		}

		verb, args := splitCommand(line)
		h.cfg.Collector.CommandProcessed(metrics.ProtocolPOP3, verb)

		cmd, ok := h.registry.Get(verb)
		if !ok {
			if err := writeLine(conn, "-ERR Unknown command"); err != nil {
				return
			}
			conn.ResetIdleTimeout()
			continue
		}

		resp, execErr := cmd.Execute(ctx, sess, args)
		if execErr != nil {
			logger.Debug("command execution failed", "command", verb, "error", execErr.Error())
			resp = Response{OK: false, Message: "Internal server error"}
		}

		if _, err := conn.Writer().WriteString(resp.String()); err != nil {
			logger.Debug("failed to write response", "error", err.Error())
			return
		}
		if err := conn.Flush(); err != nil {
			return
		}
		conn.ResetIdleTimeout()

		// STLS: the +OK is flushed, perform the handshake and discard
		// authentication progress made over the plaintext link.
		if _, isStls := cmd.(*stlsCommand); isStls && resp.OK {
			if err := conn.UpgradeToTLS(ctx, h.cfg.TLSConfig); err != nil {
				logger.Debug("TLS handshake failed", "error", err.Error())
				return
			}
			h.cfg.Collector.TLSConnectionEstablished(metrics.ProtocolPOP3)
			sess.ResetAuth()
			sess.SetTLSActive()
			continue
		}

		if resp.Close {
			return
		}
	}
}

// reportReadError tells the client about an idle timeout before the
// connection is dropped.
func (h *handler) reportReadError(conn *server.Connection, logger *slog.Logger, err error) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		writeLine(conn, "-ERR Connection timed out")
		return
	}
	if err != io.EOF {
		logger.Debug("failed to read command", "error", err.Error())
	}
}

func writeLine(conn *server.Connection, line string) error {
	if _, err := conn.Writer().WriteString(line + "\r\n"); err != nil {
		return err
	}
	return conn.Flush()
}

// splitCommand separates the verb from its arguments.
func splitCommand(line string) (string, []string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToUpper(fields[0]), fields[1:]
}
