package smtpclient

import (
	"errors"
	"fmt"
	"net"

	"github.com/emersion/go-smtp"
)

// Kind classifies a delivery failure by the phase it occurred in.
type Kind string

const (
	KindConnectFailed Kind = "connect_failed"
	KindTLSFailed     Kind = "tls_failed"
	KindAuthFailed    Kind = "auth_failed"
	KindRejected      Kind = "rejected_by_server"
	KindTimeout       Kind = "timeout"
	KindProtocol      Kind = "protocol_violation"
)

// Error is a classified delivery failure. Code and EnhancedCode are set
// when the remote server replied with an SMTP status.
type Error struct {
	Kind         Kind
	Code         int
	EnhancedCode string
	Text         string
	Err          error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("smtpclient: %s: %d %s", e.Kind, e.Code, e.Text)
	}
	if e.Err != nil {
		return fmt.Sprintf("smtpclient: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("smtpclient: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Temporary reports whether the failure may clear on retry. Server
// replies follow the 4xx/5xx split; connection and handshake failures
// are assumed transient.
func (e *Error) Temporary() bool {
	if e.Code != 0 {
		return e.Code/100 == 4
	}
	switch e.Kind {
	case KindConnectFailed, KindTLSFailed, KindTimeout:
		return true
	}
	return false
}

// classify wraps err as an *Error of the given kind. Already-classified
// errors pass through; network timeouts override the kind; SMTP status
// replies carry their code and enhanced code along.
func classify(kind Kind, err error) *Error {
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return &Error{
			Kind:         kind,
			Code:         smtpErr.Code,
			EnhancedCode: formatEnhancedCode(smtpErr.EnhancedCode),
			Text:         smtpErr.Message,
			Err:          err,
		}
	}
	return &Error{Kind: kind, Err: err}
}

func formatEnhancedCode(code smtp.EnhancedCode) string {
	if code == (smtp.EnhancedCode{}) {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d", code[0], code[1], code[2])
}
