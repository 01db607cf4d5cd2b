package smtp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/infodancer/maild/internal/auth"
	"github.com/infodancer/maild/internal/content"
	"github.com/infodancer/maild/internal/logging"
	"github.com/infodancer/maild/internal/message"
	"github.com/infodancer/maild/internal/metrics"
	"github.com/infodancer/maild/internal/server"
	"github.com/infodancer/maild/internal/spamcheck"
	"github.com/infodancer/maild/internal/store"
)

// HandlerConfig wires the SMTP handler to its collaborators.
type HandlerConfig struct {
	Hostname   string
	Collector  metrics.Collector
	Store      *store.Store
	Content    *content.Store
	Auth       *auth.Authenticator // nil disables AUTH
	TLSConfig  *tls.Config         // nil disables STARTTLS
	Spam       spamcheck.Checker   // nil disables spam checking
	SpamPolicy spamcheck.Policy
	Session    SessionConfig
}

// Handler returns a ConnectionHandler that runs SMTP sessions. One
// handler serves all listeners of the protocol; per-session state lives
// in the SMTPSession.
func Handler(cfg HandlerConfig) server.ConnectionHandler {
	if cfg.Collector == nil {
		cfg.Collector = &metrics.NoopCollector{}
	}
	var starttls *STARTTLSCommand
	if cfg.TLSConfig != nil {
		starttls = NewSTARTTLSCommand(cfg.TLSConfig)
	}
	var authCmd *AUTHCommand
	if cfg.Auth != nil {
		authCmd = NewAUTHCommand(cfg.Auth)
	}
	registry := NewCommandRegistry(cfg.Hostname, starttls, authCmd)

	h := &handler{
		cfg:      cfg,
		registry: registry,
		starttls: starttls,
		auth:     authCmd,
	}
	return h.serve
}

type handler struct {
	cfg      HandlerConfig
	registry *CommandRegistry
	starttls *STARTTLSCommand
	auth     *AUTHCommand
}

func (h *handler) serve(ctx context.Context, conn *server.Connection) {
	logger := logging.FromContext(ctx)

	session := NewSMTPSession(extractIP(conn.RemoteAddr()), h.cfg.Session)
	if conn.IsTLS() {
		session.SetTLSActive(true)
	}

	if err := writeResponse(conn, 220, h.cfg.Hostname+" ESMTP maild ready"); err != nil {
		logger.Debug("failed to send greeting", "error", err.Error())
		return
	}
	if err := conn.ResetIdleTimeout(); err != nil {
		return
	}

	for {
		line, err := h.readLine(conn)
		if err != nil {
			h.reportReadError(conn, logger, err)
			return
		}
		if line == "" {
			continue
		}

		// Shutdown in progress: answer this command with the closing
		// notice instead of executing it.
		select {
		case <-ctx.Done():
			writeResponse(conn, 421, "4.3.2 "+h.cfg.Hostname+" shutting down")
			return
		default:
		}

		cmd, matches, err := h.registry.Match(line)
		if err != nil {
			if err := writeResponse(conn, 500, "5.5.2 Syntax error, command unrecognized"); err != nil {
				return
			}
			conn.ResetIdleTimeout()
			continue
		}
		h.cfg.Collector.CommandProcessed(metrics.ProtocolSMTP, extractCommandName(line))

		result, execErr := cmd.Execute(ctx, session, matches)
		if execErr != nil {
			logger.Debug("command execution failed", "command", extractCommandName(line), "error", execErr.Error())
			if err := writeResponse(conn, 451, "4.3.0 Requested action aborted"); err != nil {
				return
			}
			conn.ResetIdleTimeout()
			continue
		}

		// Multi-turn AUTH: relay continuation lines until the exchange
		// concludes one way or the other.
		for result.Continue && h.auth != nil {
			if err := writeContinuation(conn, result.Challenge); err != nil {
				return
			}
			respLine, err := h.readLine(conn)
			if err != nil {
				h.reportReadError(conn, logger, err)
				return
			}
			result, execErr = h.auth.Continue(ctx, session, respLine)
			if execErr != nil {
				result = SMTPResult{Code: 451, Message: "4.3.0 Requested action aborted"}
			}
		}
		if result.Code == 235 || result.Code == 535 {
			h.cfg.Collector.AuthAttempt(metrics.ProtocolSMTP, result.Code == 235)
		}

		if err := writeResult(conn, result); err != nil {
			logger.Debug("failed to write response", "error", err.Error())
			return
		}
		conn.ResetIdleTimeout()

		// STARTTLS: the 220 has been flushed, perform the handshake and
		// discard all session state gained over the plaintext link.
		if _, ok := cmd.(*STARTTLSCommand); ok && result.Code == 220 {
			if err := conn.UpgradeToTLS(ctx, h.starttls.TLSConfig()); err != nil {
				logger.Debug("TLS handshake failed", "error", err.Error())
				return
			}
			h.cfg.Collector.TLSConnectionEstablished(metrics.ProtocolSMTP)
			session.ResetAll()
			session.SetTLSActive(true)
			continue
		}

		if session.InData() && result.Code == 354 {
			if !h.receiveMessage(ctx, conn, session, logger) {
				return
			}
			session.Reset()
			conn.ResetIdleTimeout()
			continue
		}

		if result.Code == 221 {
			return
		}
	}
}

// receiveMessage collects the DATA payload and commits it. It returns
// false when the connection is no longer usable.
func (h *handler) receiveMessage(ctx context.Context, conn *server.Connection, session *SMTPSession, logger *slog.Logger) bool {
	raw, err := collectMessageData(conn, session.Config().MaxMessageSize)
	if errors.Is(err, ErrInputTooLong) {
		// The terminating dot has been consumed; the transaction fails
		// but the session continues.
		h.cfg.Collector.MessageRejected(extractDomain(session.Recipients()), "size_exceeded")
		return writeResponse(conn, 552, "5.3.4 Message size exceeds fixed maximum") == nil
	}
	if err != nil {
		logger.Debug("failed to collect message data", "error", err.Error())
		h.reportReadError(conn, logger, err)
		return false
	}

	result := h.commit(ctx, session, raw)
	return writeResult(conn, result) == nil
}

// commit stores a completed message: content bytes first, then one
// metadata row per recipient. A Message-ID that is already present is
// accepted only when the stored bytes match exactly, so retransmitted
// messages succeed while colliding IDs are refused.
func (h *handler) commit(ctx context.Context, session *SMTPSession, raw []byte) SMTPResult {
	domain := extractDomain(session.Recipients())

	meta := h.metadata(session, raw)

	if refusal := h.checkSpam(ctx, session, raw, &meta); refusal != nil {
		return *refusal
	}

	var pending []string
	committed := 0
	for _, rcpt := range session.Recipients() {
		existing, err := h.cfg.Store.GetInbox(ctx, meta.MessageID, rcpt)
		if errors.Is(err, store.ErrNotFound) {
			pending = append(pending, rcpt)
			continue
		}
		if err != nil {
			h.cfg.Collector.MessageRejected(domain, "storage_error")
			return SMTPResult{Code: 451, Message: "4.3.0 Temporary storage failure"}
		}
		stored, err := h.cfg.Content.Get(meta.MessageID, existing.ContentPath)
		if err != nil || !bytes.Equal(stored, raw) {
			h.cfg.Collector.MessageRejected(domain, "duplicate_message_id")
			return SMTPResult{Code: 451, Message: "4.3.0 Message-ID already in use with different content"}
		}
		// Identical resubmission for this recipient, nothing to store.
		committed++
	}

	if len(pending) > 0 {
		path, err := h.cfg.Content.Put(meta.MessageID, raw)
		if err != nil {
			h.cfg.Collector.MessageRejected(domain, "content_error")
			return SMTPResult{Code: 451, Message: "4.3.0 Temporary storage failure"}
		}
		inserted := 0
		for _, rcpt := range pending {
			row := meta
			row.Recipient = rcpt
			row.ContentPath = path
			if err := h.cfg.Store.InsertInbox(ctx, &row); err != nil {
				// The content file stays while any row, from this
				// transaction or an earlier one, still references it.
				if inserted == 0 && committed == 0 {
					h.cfg.Content.Delete(meta.MessageID, path)
				}
				h.cfg.Collector.MessageRejected(domain, "storage_error")
				return SMTPResult{Code: 451, Message: "4.3.0 Temporary storage failure"}
			}
			inserted++
		}
	}

	h.cfg.Collector.MessageReceived(domain, int64(len(raw)))
	return SMTPResult{Code: 250, Message: "2.0.0 OK queued as " + meta.MessageID}
}

// checkSpam scores the message and folds the verdict into the metadata
// row or an outright refusal. A nil return means delivery proceeds.
func (h *handler) checkSpam(ctx context.Context, session *SMTPSession, raw []byte, meta *store.Email) *SMTPResult {
	if h.cfg.Spam == nil {
		return nil
	}
	domain := extractDomain(session.Recipients())

	result, err := h.cfg.Spam.Check(ctx, raw, spamcheck.Options{
		From:       session.Sender(),
		Recipients: session.Recipients(),
		ClientIP:   session.ClientIP(),
		Helo:       session.Helo(),
		Hostname:   h.cfg.Hostname,
		User:       session.AuthUser(),
	})
	if err != nil {
		logging.FromContext(ctx).Error("spam check failed", "error", err.Error())
		switch h.cfg.SpamPolicy.Mode() {
		case spamcheck.FailOpen:
			return nil
		case spamcheck.FailReject:
			h.cfg.Collector.MessageRejected(domain, "spam_check_unavailable")
			return &SMTPResult{Code: 554, Message: "5.7.1 Message rejected"}
		default:
			h.cfg.Collector.MessageRejected(domain, "spam_check_unavailable")
			return &SMTPResult{Code: 451, Message: "4.7.1 Spam check unavailable, try again later"}
		}
	}

	switch h.cfg.SpamPolicy.Decide(result) {
	case spamcheck.ActionReject:
		h.cfg.Collector.MessageRejected(domain, "spam")
		return &SMTPResult{Code: 550, Message: "5.7.1 " + refusalText(result, "Message rejected as spam")}
	case spamcheck.ActionTempFail:
		h.cfg.Collector.MessageRejected(domain, "spam_deferred")
		return &SMTPResult{Code: 451, Message: "4.7.1 " + refusalText(result, "Message deferred, please try again later")}
	case spamcheck.ActionFlag:
		meta.Spam = true
		meta.SpamScore = result.Score
	}
	return nil
}

func refusalText(result *spamcheck.Result, fallback string) string {
	if result.RejectMessage != "" {
		return result.RejectMessage
	}
	return fallback
}

// metadata derives the inbox row template from the message headers,
// falling back to the envelope when the content does not parse.
func (h *handler) metadata(session *SMTPSession, raw []byte) store.Email {
	meta := store.Email{
		From: session.Sender(),
		To:   session.Recipients(),
		Date: time.Now(),
		Size: int64(len(raw)),
	}

	if msg, err := message.Parse(raw); err == nil {
		meta.MessageID = msg.MessageID
		meta.Subject = msg.Subject
		if !msg.Date.IsZero() {
			meta.Date = msg.Date
		}
		if msg.From.Local != "" {
			meta.From = msg.From.Spec()
		}
	}
	if meta.MessageID == "" {
		meta.MessageID = message.GenerateMessageID(h.cfg.Hostname)
	}
	return meta
}

// Line length caps per RFC 5321 §4.5.3.1: command lines and DATA payload
// lines, both excluding the CRLF terminator.
const (
	maxCommandLine = 512
	maxDataLine    = 998
)

func (h *handler) readLine(conn *server.Connection) (string, error) {
	return readBoundedLine(conn.Reader(), maxCommandLine)
}

// readBoundedLine reads one line of at most max octets excluding the CRLF.
// A longer line, or one that fills the read buffer before its newline
// arrives, yields ErrLineTooLong without buffering the remainder.
func readBoundedLine(r *bufio.Reader, max int) (string, error) {
	slice, err := r.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		return "", ErrLineTooLong
	}
	if err != nil {
		return "", err
	}
	line := strings.TrimSuffix(string(slice), "\n")
	line = strings.TrimSuffix(line, "\r")
	if len(line) > max {
		return "", ErrLineTooLong
	}
	return line, nil
}

// reportReadError tells the client about an idle timeout before the
// connection is dropped. Other read errors mean the peer is gone.
func (h *handler) reportReadError(conn *server.Connection, logger *slog.Logger, err error) {
	if errors.Is(err, ErrLineTooLong) {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		writeResponse(conn, 500, "5.5.2 Line too long")
		return
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		// The idle deadline covers writes too; push it out so the
		// timeout notice can still be delivered.
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		writeResponse(conn, 421, "4.4.2 "+h.cfg.Hostname+" connection timed out")
		return
	}
	if err != io.EOF {
		logger.Debug("failed to read command", "error", err.Error())
	}
}

// writeResult writes an SMTPResult, expanding multi-line responses with
// the continuation hyphen on all but the final line.
func writeResult(conn *server.Connection, result SMTPResult) error {
	if len(result.Lines) == 0 {
		return writeResponse(conn, result.Code, result.Message)
	}
	w := conn.Writer()
	for i, line := range result.Lines {
		sep := "-"
		if i == len(result.Lines)-1 {
			sep = " "
		}
		if _, err := fmt.Fprintf(w, "%d%s%s\r\n", result.Code, sep, line); err != nil {
			return err
		}
	}
	return conn.Flush()
}

func writeResponse(conn *server.Connection, code int, msg string) error {
	if _, err := fmt.Fprintf(conn.Writer(), "%d %s\r\n", code, msg); err != nil {
		return err
	}
	return conn.Flush()
}

// writeContinuation writes a 334 server challenge. An empty challenge
// still gets the trailing space some clients require.
func writeContinuation(conn *server.Connection, challenge string) error {
	if _, err := fmt.Fprintf(conn.Writer(), "334 %s\r\n", challenge); err != nil {
		return err
	}
	return conn.Flush()
}

// collectMessageData reads message content until the terminating dot,
// undoing dot-stuffing per RFC 5321. When the size limit is exceeded it
// keeps consuming up to the dot so the session can continue, then
// returns ErrInputTooLong.
func collectMessageData(conn *server.Connection, maxSize int64) ([]byte, error) {
	var buf bytes.Buffer
	var totalSize int64
	tooLong := false

	for {
		line, err := readBoundedLine(conn.Reader(), maxDataLine)
		if err != nil {
			return nil, err
		}

		if line == "." {
			break
		}
		line = strings.TrimPrefix(line, ".")

		totalSize += int64(len(line)) + 2
		if maxSize > 0 && totalSize > maxSize {
			tooLong = true
			buf.Reset()
			continue
		}
		if !tooLong {
			buf.WriteString(line)
			buf.WriteString("\r\n")
		}
	}

	if tooLong {
		return nil, ErrInputTooLong
	}
	return buf.Bytes(), nil
}

// extractIP extracts the IP address string from a net.Addr.
func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	switch v := addr.(type) {
	case *net.TCPAddr:
		return v.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}

// extractDomain extracts the domain of the first recipient for metrics.
func extractDomain(recipients []string) string {
	if len(recipients) == 0 {
		return "unknown"
	}
	if _, domain, ok := strings.Cut(recipients[0], "@"); ok {
		return domain
	}
	return "unknown"
}

// extractCommandName extracts the command verb from an SMTP line.
func extractCommandName(line string) string {
	line = strings.ToUpper(line)
	if idx := strings.Index(line, " "); idx > 0 {
		return line[:idx]
	}
	return line
}
