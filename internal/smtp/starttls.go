package smtp

import (
	"context"
	"crypto/tls"
	"regexp"
)

// starttlsPattern matches the STARTTLS command
var starttlsPattern = regexp.MustCompile(`(?i)^STARTTLS\s*$`)

// STARTTLSCommand implements the STARTTLS command (RFC 3207)
type STARTTLSCommand struct {
	tlsConfig *tls.Config
}

// NewSTARTTLSCommand creates the STARTTLS command with the server
// certificate configuration.
func NewSTARTTLSCommand(tlsConfig *tls.Config) *STARTTLSCommand {
	return &STARTTLSCommand{tlsConfig: tlsConfig}
}

func (c *STARTTLSCommand) Pattern() *regexp.Regexp {
	return starttlsPattern
}

func (c *STARTTLSCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	if session.State() < StateGreeted {
		return SMTPResult{Code: 503, Message: "5.5.1 Send HELO/EHLO first"}, nil
	}
	if session.IsTLSActive() {
		return SMTPResult{Code: 503, Message: "5.5.1 TLS already active"}, nil
	}
	if c.tlsConfig == nil {
		return SMTPResult{Code: 454, Message: "4.7.0 TLS not available"}, nil
	}

	// The handler performs the actual upgrade after this reply is
	// flushed; 220 tells the client to begin the handshake.
	return SMTPResult{Code: 220, Message: "2.0.0 Ready to start TLS"}, nil
}

// TLSConfig returns the TLS configuration for the upgrade
func (c *STARTTLSCommand) TLSConfig() *tls.Config {
	return c.tlsConfig
}
