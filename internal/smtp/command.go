// Package smtp implements the server side of the SMTP protocol for
// receiving mail into local mailboxes (RFC 5321, with STARTTLS per
// RFC 3207 and AUTH per RFC 4954).
package smtp

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/infodancer/maild/internal/message"
)

// Errors for SMTP command processing
var (
	ErrUnknownCommand = fmt.Errorf("unknown command")
	ErrInputTooLong   = fmt.Errorf("input exceeds maximum length")
	// ErrLineTooLong reports a wire line over the protocol cap. The line
	// boundary is lost, so the violation is connection-fatal.
	ErrLineTooLong = fmt.Errorf("line exceeds maximum length")
)

// SessionState represents the current state of an SMTP session
type SessionState int

const (
	StateInit     SessionState = iota // Initial state, waiting for HELO/EHLO
	StateGreeted                      // After successful HELO/EHLO
	StateMailFrom                     // After successful MAIL FROM
	StateRcptTo                       // After at least one successful RCPT TO
	StateData                         // In DATA mode, receiving message content
)

// String returns a human-readable representation of the session state
func (s SessionState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateGreeted:
		return "GREETED"
	case StateMailFrom:
		return "MAIL_FROM"
	case StateRcptTo:
		return "RCPT_TO"
	case StateData:
		return "DATA"
	default:
		return "UNKNOWN"
	}
}

// SessionConfig holds configurable limits and policy (reusable across sessions)
type SessionConfig struct {
	MaxRecipients     int   // Maximum number of RCPT TO recipients
	MaxMessageSize    int64 // Maximum message size in bytes (0 = unlimited)
	MaxHeloDomainLen  int   // Maximum HELO/EHLO domain length
	RequireAuth       bool  // Reject MAIL FROM until the session authenticates
	AllowInsecureAuth bool  // Permit AUTH on plaintext connections
}

// DefaultSessionConfig returns sensible defaults per RFC 5321
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxRecipients:    100,
		MaxMessageSize:   26214400,
		MaxHeloDomainLen: 255,
	}
}

// authStep tracks where a multi-turn AUTH exchange stands.
type authStep int

const (
	authNone      authStep = iota
	authPlainResp          // waiting for the PLAIN initial-response line
	authLoginUser          // waiting for the LOGIN username line
	authLoginPass          // waiting for the LOGIN password line
)

// SMTPSession represents the state of one SMTP session
type SMTPSession struct {
	config     SessionConfig
	clientIP   string
	state      SessionState
	helo       string
	ehlo       bool
	sender     string
	recipients []string

	// Authentication state
	authenticated bool
	authUser      string
	pendingStep   authStep
	pendingUser   string

	// TLS state
	tlsActive bool
}

// NewSMTPSession creates a new session for a client connection
func NewSMTPSession(clientIP string, config SessionConfig) *SMTPSession {
	return &SMTPSession{
		config:     config,
		clientIP:   clientIP,
		state:      StateInit,
		recipients: make([]string, 0),
	}
}

// Config returns the session configuration
func (s *SMTPSession) Config() SessionConfig {
	return s.config
}

// ClientIP returns the remote address of the client
func (s *SMTPSession) ClientIP() string {
	return s.clientIP
}

// State returns the current session state
func (s *SMTPSession) State() SessionState {
	return s.state
}

// SetState sets the session state
func (s *SMTPSession) SetState(state SessionState) {
	s.state = state
}

// SetHelo records the HELO/EHLO domain; ehlo distinguishes extended mode
func (s *SMTPSession) SetHelo(domain string, ehlo bool) {
	s.helo = domain
	s.ehlo = ehlo
}

// Helo returns the HELO/EHLO domain
func (s *SMTPSession) Helo() string {
	return s.helo
}

// Sender returns the envelope sender
func (s *SMTPSession) Sender() string {
	return s.sender
}

// SetSender sets the envelope sender
func (s *SMTPSession) SetSender(sender string) {
	s.sender = sender
}

// AddRecipient adds a recipient to the envelope
func (s *SMTPSession) AddRecipient(recipient string) {
	s.recipients = append(s.recipients, recipient)
}

// Recipients returns a copy of the envelope recipients
func (s *SMTPSession) Recipients() []string {
	out := make([]string, len(s.recipients))
	copy(out, s.recipients)
	return out
}

// RecipientCount returns the number of accepted recipients
func (s *SMTPSession) RecipientCount() int {
	return len(s.recipients)
}

// InData returns whether the session is in DATA mode
func (s *SMTPSession) InData() bool {
	return s.state == StateData
}

// Reset clears the mail transaction but keeps HELO, auth, and TLS state
func (s *SMTPSession) Reset() {
	s.sender = ""
	s.recipients = make([]string, 0)
	if s.state != StateInit {
		s.state = StateGreeted
	}
}

// ResetAll returns the session to its initial state. STARTTLS requires
// the client to renegotiate everything, including EHLO and AUTH.
func (s *SMTPSession) ResetAll() {
	s.state = StateInit
	s.helo = ""
	s.ehlo = false
	s.sender = ""
	s.recipients = make([]string, 0)
	s.authenticated = false
	s.authUser = ""
	s.ClearPendingAuth()
}

// SetAuthenticated marks the session as authenticated as user
func (s *SMTPSession) SetAuthenticated(user string) {
	s.authenticated = true
	s.authUser = user
	s.ClearPendingAuth()
}

// IsAuthenticated reports whether the session has authenticated
func (s *SMTPSession) IsAuthenticated() bool {
	return s.authenticated
}

// AuthUser returns the authenticated username (empty if not authenticated)
func (s *SMTPSession) AuthUser() string {
	return s.authUser
}

// PendingAuth reports whether a multi-turn AUTH exchange is in progress
func (s *SMTPSession) PendingAuth() bool {
	return s.pendingStep != authNone
}

// ClearPendingAuth abandons any in-progress AUTH exchange
func (s *SMTPSession) ClearPendingAuth() {
	s.pendingStep = authNone
	s.pendingUser = ""
}

// SetTLSActive marks the session as TLS-encrypted
func (s *SMTPSession) SetTLSActive(active bool) {
	s.tlsActive = active
}

// IsTLSActive returns whether the connection is TLS-encrypted
func (s *SMTPSession) IsTLSActive() bool {
	return s.tlsActive
}

// SMTPCommand is the contract for SMTP commands matched by regexp pattern
type SMTPCommand interface {
	// Pattern returns the compiled regexp for matching this command
	Pattern() *regexp.Regexp

	// Execute processes the command. matches[0] is the full line,
	// matches[1:] are capture groups.
	Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error)
}

// SMTPResult represents the outcome of processing an SMTP command
type SMTPResult struct {
	Code    int
	Message string   // Single-line message
	Lines   []string // Multi-line response (overrides Message if present)

	// Continue indicates a 334 continuation: the handler sends Challenge
	// and feeds the next client line back into the AUTH exchange.
	Continue  bool
	Challenge string
}

// CommandRegistry holds registered commands and matches input against them
type CommandRegistry struct {
	commands []SMTPCommand
}

// NewCommandRegistry creates a registry with the standard command set.
// starttls and auth may be nil when the capability is not offered.
func NewCommandRegistry(hostname string, starttls *STARTTLSCommand, auth *AUTHCommand) *CommandRegistry {
	commands := []SMTPCommand{
		&EHLOCommand{hostname: hostname, starttls: starttls, auth: auth},
		&HELOCommand{hostname: hostname},
		&MAILCommand{},
		&RCPTCommand{},
		&DATACommand{},
		&RSETCommand{},
		&NOOPCommand{},
		&QUITCommand{hostname: hostname},
		&VRFYCommand{},
		&EXPNCommand{},
	}
	if starttls != nil {
		commands = append([]SMTPCommand{starttls}, commands...)
	}
	if auth != nil {
		commands = append([]SMTPCommand{auth}, commands...)
	}
	return &CommandRegistry{commands: commands}
}

// Match finds the command matching the input line with its capture groups
func (r *CommandRegistry) Match(line string) (SMTPCommand, []string, error) {
	for _, cmd := range r.commands {
		if matches := cmd.Pattern().FindStringSubmatch(line); matches != nil {
			return cmd, matches, nil
		}
	}
	return nil, nil, ErrUnknownCommand
}

// Pre-compiled regexp patterns for SMTP commands
var (
	ehloPattern = regexp.MustCompile(`(?i)^EHLO\s+(\S+)\s*$`)
	heloPattern = regexp.MustCompile(`(?i)^HELO\s+(\S+)\s*$`)
	mailPattern = regexp.MustCompile(`(?i)^MAIL\s+FROM:\s*<([^>]*)>(.*)$`)
	rcptPattern = regexp.MustCompile(`(?i)^RCPT\s+TO:\s*<([^>]*)>(.*)$`)
	dataPattern = regexp.MustCompile(`(?i)^DATA\s*$`)
	rsetPattern = regexp.MustCompile(`(?i)^RSET\s*$`)
	noopPattern = regexp.MustCompile(`(?i)^NOOP(?:\s.*)?$`)
	quitPattern = regexp.MustCompile(`(?i)^QUIT\s*$`)
	vrfyPattern = regexp.MustCompile(`(?i)^VRFY(?:\s.*)?$`)
	expnPattern = regexp.MustCompile(`(?i)^EXPN(?:\s.*)?$`)
)

// EHLOCommand implements the EHLO command
type EHLOCommand struct {
	hostname string
	starttls *STARTTLSCommand
	auth     *AUTHCommand
}

func (c *EHLOCommand) Pattern() *regexp.Regexp {
	return ehloPattern
}

func (c *EHLOCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	domain := matches[1]
	if len(domain) > session.Config().MaxHeloDomainLen {
		return SMTPResult{Code: 501, Message: "5.5.4 Domain name too long"}, nil
	}

	// EHLO aborts any transaction in progress.
	session.Reset()
	session.SetHelo(domain, true)
	session.SetState(StateGreeted)

	clientIP := session.ClientIP()
	if clientIP == "" {
		clientIP = "unknown"
	}

	lines := []string{
		c.hostname + " Hello " + domain + " [" + clientIP + "]",
		"SIZE " + strconv.FormatInt(session.Config().MaxMessageSize, 10),
		"8BITMIME",
		"PIPELINING",
		"ENHANCEDSTATUSCODES",
	}

	// STARTTLS disappears once the connection is already encrypted.
	if c.starttls != nil && !session.IsTLSActive() {
		lines = append(lines, "STARTTLS")
	}

	// AUTH is advertised until the session authenticates, and only when
	// the exchange would not expose credentials on a plaintext link.
	if c.auth != nil && !session.IsAuthenticated() {
		if session.IsTLSActive() || session.Config().AllowInsecureAuth {
			lines = append(lines, "AUTH PLAIN LOGIN")
		}
	}

	return SMTPResult{Code: 250, Lines: lines}, nil
}

// HELOCommand implements the legacy HELO command
type HELOCommand struct {
	hostname string
}

func (c *HELOCommand) Pattern() *regexp.Regexp {
	return heloPattern
}

func (c *HELOCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	domain := matches[1]
	if len(domain) > session.Config().MaxHeloDomainLen {
		return SMTPResult{Code: 501, Message: "5.5.4 Domain name too long"}, nil
	}

	session.Reset()
	session.SetHelo(domain, false)
	session.SetState(StateGreeted)

	return SMTPResult{Code: 250, Message: c.hostname + " Hello " + domain}, nil
}

// MAILCommand implements MAIL FROM with SIZE and BODY parameters
type MAILCommand struct{}

func (c *MAILCommand) Pattern() *regexp.Regexp {
	return mailPattern
}

func (c *MAILCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	if session.State() < StateGreeted {
		return SMTPResult{Code: 503, Message: "5.5.1 Send HELO/EHLO first"}, nil
	}
	if session.State() >= StateMailFrom {
		return SMTPResult{Code: 503, Message: "5.5.1 Sender already specified"}, nil
	}
	if session.Config().RequireAuth && !session.IsAuthenticated() {
		return SMTPResult{Code: 530, Message: "5.7.0 Authentication required"}, nil
	}

	sender := strings.TrimSpace(matches[1])
	// The null sender <> is valid for bounces.
	if sender != "" {
		if _, err := message.ParseAddress(sender); err != nil {
			return SMTPResult{Code: 501, Message: "5.1.7 Invalid sender address"}, nil
		}
	}

	if res, ok := checkMailParams(session, matches[2]); !ok {
		return res, nil
	}

	session.SetSender(sender)
	session.SetState(StateMailFrom)
	return SMTPResult{Code: 250, Message: "2.1.0 Sender OK"}, nil
}

// checkMailParams validates ESMTP parameters on the MAIL line. The SIZE
// declaration is checked against the session limit so oversized messages
// are refused before any data is transferred.
func checkMailParams(session *SMTPSession, params string) (SMTPResult, bool) {
	for _, param := range strings.Fields(params) {
		key, value, _ := strings.Cut(param, "=")
		switch strings.ToUpper(key) {
		case "SIZE":
			declared, err := strconv.ParseInt(value, 10, 64)
			if err != nil || declared < 0 {
				return SMTPResult{Code: 501, Message: "5.5.4 Invalid SIZE parameter"}, false
			}
			if max := session.Config().MaxMessageSize; max > 0 && declared > max {
				return SMTPResult{Code: 552, Message: "5.3.4 Message size exceeds fixed maximum"}, false
			}
		case "BODY":
			body := strings.ToUpper(value)
			if body != "7BIT" && body != "8BITMIME" {
				return SMTPResult{Code: 501, Message: "5.5.4 Invalid BODY parameter"}, false
			}
		default:
			return SMTPResult{Code: 501, Message: "5.5.4 Unrecognized parameter"}, false
		}
	}
	return SMTPResult{}, true
}

// RCPTCommand implements RCPT TO
type RCPTCommand struct{}

func (c *RCPTCommand) Pattern() *regexp.Regexp {
	return rcptPattern
}

func (c *RCPTCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	if session.State() < StateMailFrom {
		return SMTPResult{Code: 503, Message: "5.5.1 Send MAIL FROM first"}, nil
	}
	if session.RecipientCount() >= session.Config().MaxRecipients {
		return SMTPResult{Code: 452, Message: "4.5.3 Too many recipients"}, nil
	}

	recipient := strings.TrimSpace(matches[1])
	addr, err := message.ParseAddress(recipient)
	if err != nil {
		return SMTPResult{Code: 501, Message: "5.1.3 Invalid recipient address"}, nil
	}

	session.AddRecipient(addr.Spec())
	session.SetState(StateRcptTo)
	return SMTPResult{Code: 250, Message: "2.1.5 Recipient OK"}, nil
}

// DATACommand implements DATA. The handler performs the actual content
// collection after the 354 intermediate reply.
type DATACommand struct{}

func (c *DATACommand) Pattern() *regexp.Regexp {
	return dataPattern
}

func (c *DATACommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	if session.State() < StateRcptTo {
		return SMTPResult{Code: 503, Message: "5.5.1 Send RCPT TO first"}, nil
	}

	session.SetState(StateData)
	return SMTPResult{Code: 354, Message: "Start mail input; end with <CRLF>.<CRLF>"}, nil
}

// RSETCommand implements RSET
type RSETCommand struct{}

func (c *RSETCommand) Pattern() *regexp.Regexp {
	return rsetPattern
}

func (c *RSETCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	session.Reset()
	return SMTPResult{Code: 250, Message: "2.0.0 OK"}, nil
}

// NOOPCommand implements NOOP
type NOOPCommand struct{}

func (c *NOOPCommand) Pattern() *regexp.Regexp {
	return noopPattern
}

func (c *NOOPCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	return SMTPResult{Code: 250, Message: "2.0.0 OK"}, nil
}

// QUITCommand implements QUIT
type QUITCommand struct {
	hostname string
}

func (c *QUITCommand) Pattern() *regexp.Regexp {
	return quitPattern
}

func (c *QUITCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	return SMTPResult{Code: 221, Message: "2.0.0 " + c.hostname + " closing connection"}, nil
}

// VRFYCommand answers VRFY without confirming or denying any address.
// A definitive answer would let clients enumerate local accounts.
type VRFYCommand struct{}

func (c *VRFYCommand) Pattern() *regexp.Regexp {
	return vrfyPattern
}

func (c *VRFYCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	return SMTPResult{Code: 252, Message: "2.1.5 Cannot verify user, but will attempt delivery"}, nil
}

// EXPNCommand rejects mailing list expansion
type EXPNCommand struct{}

func (c *EXPNCommand) Pattern() *regexp.Regexp {
	return expnPattern
}

func (c *EXPNCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	return SMTPResult{Code: 502, Message: "5.3.3 EXPN not supported"}, nil
}
