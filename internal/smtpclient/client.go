// Package smtpclient submits messages to remote SMTP servers. It drives
// the full send session over emersion/go-smtp, with STARTTLS or implicit
// TLS, SASL authentication, and a retry policy that backs off on
// transient failures only.
package smtpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/infodancer/maild/internal/content"
	"github.com/infodancer/maild/internal/logging"
	"github.com/infodancer/maild/internal/message"
	"github.com/infodancer/maild/internal/metrics"
	"github.com/infodancer/maild/internal/store"
)

// Authentication mechanism selection. Auto prefers PLAIN and falls back
// to LOGIN when the server rejects it.
const (
	MechanismAuto  = "AUTO"
	MechanismPlain = "PLAIN"
	MechanismLogin = "LOGIN"
)

// Config describes one remote submission endpoint.
type Config struct {
	Host       string
	Port       int
	HeloDomain string

	Username  string
	Password  string
	Mechanism string // PLAIN, LOGIN or AUTO; empty means AUTO

	ImplicitTLS bool // TLS from the first byte (smtps, port 465)
	StartTLS    bool // upgrade via STARTTLS after EHLO
	TLSConfig   *tls.Config

	MaxRetries int           // delivery attempts before giving up
	RetryBase  time.Duration // first backoff interval, doubled per attempt

	// When SaveSent is set, Send archives a copy of each outbound
	// message through Store and Content and records the outcome.
	SaveSent bool
	Store    *store.Store
	Content  *content.Store

	Collector metrics.Collector
}

// Client submits messages to a single remote server.
type Client struct {
	cfg Config
}

// New prepares a client. Zero retry settings default to a single
// attempt with one-second backoff.
func New(cfg Config) *Client {
	if cfg.Mechanism == "" {
		cfg.Mechanism = MechanismAuto
	}
	if cfg.HeloDomain == "" {
		cfg.HeloDomain = "localhost"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.Collector == nil {
		cfg.Collector = &metrics.NoopCollector{}
	}
	return &Client{cfg: cfg}
}

// Send renders msg if it has no wire form yet and delivers it to every
// To and Cc recipient. With SaveSent configured, a sent-archive record
// is written before delivery and its status updated with the outcome.
func (c *Client) Send(ctx context.Context, msg *message.Message) error {
	raw := msg.Raw
	if len(raw) == 0 {
		var err error
		raw, err = msg.Build()
		if err != nil {
			return err
		}
	}

	recipients := append(message.SpecList(msg.To), message.SpecList(msg.Cc)...)
	if len(recipients) == 0 {
		return &Error{Kind: KindProtocol, Err: errors.New("message has no recipients")}
	}

	archived := false
	if c.cfg.SaveSent && c.cfg.Store != nil && c.cfg.Content != nil {
		if err := c.archive(ctx, msg, raw); err != nil {
			return err
		}
		archived = true
	}

	err := c.Deliver(ctx, msg.From.Spec(), recipients, raw)

	if archived {
		status := store.SentStatusSent
		if err != nil {
			status = store.SentStatusFailed
		}
		if uerr := c.cfg.Store.UpdateSentStatus(ctx, msg.MessageID, status); uerr != nil {
			logging.FromContext(ctx).Debug("failed to update sent status",
				"message_id", msg.MessageID, "error", uerr.Error())
		}
	}
	return err
}

// archive writes the sent copy with status queued. Send moves it to
// sent or failed once delivery settles.
func (c *Client) archive(ctx context.Context, msg *message.Message, raw []byte) error {
	path, err := c.cfg.Content.Put(msg.MessageID, raw)
	if err != nil {
		return fmt.Errorf("archiving sent copy: %w", err)
	}
	rec := &store.SentEmail{
		MessageID:      msg.MessageID,
		From:           msg.From.Spec(),
		To:             message.SpecList(msg.To),
		Cc:             message.SpecList(msg.Cc),
		Subject:        msg.Subject,
		Date:           msg.Date,
		Size:           int64(len(raw)),
		HasAttachments: len(msg.Attachments) > 0,
		ContentPath:    path,
		Status:         store.SentStatusQueued,
	}
	if err := c.cfg.Store.InsertSent(ctx, rec); err != nil && !errors.Is(err, store.ErrDuplicate) {
		return fmt.Errorf("archiving sent record: %w", err)
	}
	return nil
}

// Deliver submits raw message bytes with an explicit envelope, retrying
// transient failures with exponential backoff. Permanent failures
// return immediately.
func (c *Client) Deliver(ctx context.Context, from string, recipients []string, raw []byte) error {
	logger := logging.FromContext(ctx)

	var lastErr *Error
	backoff := c.cfg.RetryBase
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		err := c.deliverOnce(from, recipients, raw)
		if err == nil {
			c.cfg.Collector.DeliveryCompleted(c.cfg.Host, "success")
			return nil
		}

		lastErr = classify(KindProtocol, err)
		if !lastErr.Temporary() {
			c.cfg.Collector.DeliveryCompleted(c.cfg.Host, "perm_failure")
			return lastErr
		}
		if attempt == c.cfg.MaxRetries {
			break
		}

		logger.Debug("delivery attempt failed",
			"host", c.cfg.Host, "attempt", attempt, "error", lastErr.Error())
		select {
		case <-ctx.Done():
			c.cfg.Collector.DeliveryCompleted(c.cfg.Host, "temp_failure")
			return &Error{Kind: KindTimeout, Err: ctx.Err()}
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	c.cfg.Collector.DeliveryCompleted(c.cfg.Host, "temp_failure")
	return lastErr
}

// deliverOnce runs one complete SMTP transaction.
func (c *Client) deliverOnce(from string, recipients []string, raw []byte) error {
	client, err := c.dial()
	if err != nil {
		return err
	}
	defer client.Close()

	if helloErr := client.Hello(c.cfg.HeloDomain); helloErr != nil {
		if c.cfg.StartTLS {
			// The STARTTLS upgrade happens under the first EHLO, so a
			// handshake failure surfaces here.
			return classify(KindTLSFailed, helloErr)
		}
		return classify(KindProtocol, helloErr)
	}

	if c.cfg.Username != "" {
		if authErr := c.authenticate(client); authErr != nil {
			return authErr
		}
	}

	if mailErr := client.Mail(from, nil); mailErr != nil {
		return classify(KindRejected, mailErr)
	}

	// A 4xx on any recipient retries the whole transaction; 5xx skips
	// that recipient. Abort only when nobody is left.
	accepted := 0
	var rejection *Error
	for _, rcpt := range recipients {
		rcptErr := client.Rcpt(rcpt, nil)
		if rcptErr == nil {
			accepted++
			continue
		}
		e := classify(KindRejected, rcptErr)
		if e.Temporary() {
			return e
		}
		rejection = e
	}
	if accepted == 0 {
		if rejection == nil {
			rejection = &Error{Kind: KindRejected, Err: errors.New("no recipients accepted")}
		}
		return rejection
	}

	w, dataErr := client.Data()
	if dataErr != nil {
		return classify(KindRejected, dataErr)
	}
	if _, writeErr := w.Write(raw); writeErr != nil {
		w.Close()
		return classify(KindProtocol, writeErr)
	}
	if closeErr := w.Close(); closeErr != nil {
		return classify(KindRejected, closeErr)
	}

	// The message is accepted at this point; a failed QUIT costs nothing.
	client.Quit()
	return nil
}

// dial opens the transport according to the TLS mode.
func (c *Client) dial() (*smtp.Client, error) {
	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))

	tlsCfg := c.cfg.TLSConfig
	if tlsCfg == nil && (c.cfg.ImplicitTLS || c.cfg.StartTLS) {
		tlsCfg = &tls.Config{ServerName: c.cfg.Host}
	}

	var client *smtp.Client
	var err error
	switch {
	case c.cfg.ImplicitTLS:
		client, err = smtp.DialTLS(addr, tlsCfg)
	case c.cfg.StartTLS:
		client, err = smtp.DialStartTLS(addr, tlsCfg)
	default:
		client, err = smtp.Dial(addr)
	}
	if err == nil {
		return client, nil
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return nil, &Error{Kind: KindConnectFailed, Err: err}
	}
	if c.cfg.ImplicitTLS {
		return nil, &Error{Kind: KindTLSFailed, Err: err}
	}
	return nil, classify(KindConnectFailed, err)
}

// authenticate runs SASL according to the configured mechanism.
func (c *Client) authenticate(client *smtp.Client) *Error {
	plain := func() *Error {
		if err := client.Auth(sasl.NewPlainClient("", c.cfg.Username, c.cfg.Password)); err != nil {
			return classify(KindAuthFailed, err)
		}
		return nil
	}
	login := func() *Error {
		if err := client.Auth(sasl.NewLoginClient(c.cfg.Username, c.cfg.Password)); err != nil {
			return classify(KindAuthFailed, err)
		}
		return nil
	}

	switch strings.ToUpper(c.cfg.Mechanism) {
	case MechanismPlain:
		return plain()
	case MechanismLogin:
		return login()
	default:
		err := plain()
		if err == nil {
			return nil
		}
		// Only a server reject is worth a LOGIN fallback; connection
		// level failures would just repeat.
		if err.Code == 0 {
			return err
		}
		return login()
	}
}
