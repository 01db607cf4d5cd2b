package smtp

import (
	"context"
	"encoding/base64"
	"regexp"
	"strings"

	"github.com/infodancer/maild/internal/auth"
)

// authPattern matches AUTH commands: AUTH <mechanism> [initial-response]
var authPattern = regexp.MustCompile(`(?i)^AUTH\s+(\w+)(?:\s+(\S+))?\s*$`)

// Base64 prompts for the LOGIN mechanism ("Username:" and "Password:").
const (
	loginUserChallenge = "VXNlcm5hbWU6"
	loginPassChallenge = "UGFzc3dvcmQ6"
)

// AUTHCommand implements AUTH PLAIN and AUTH LOGIN (RFC 4954). Both
// mechanisms can span multiple lines; the handler relays continuation
// lines to Continue until the exchange concludes.
type AUTHCommand struct {
	authenticator *auth.Authenticator
}

// NewAUTHCommand creates the AUTH command backed by an authenticator.
func NewAUTHCommand(a *auth.Authenticator) *AUTHCommand {
	return &AUTHCommand{authenticator: a}
}

func (c *AUTHCommand) Pattern() *regexp.Regexp {
	return authPattern
}

func (c *AUTHCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	mechanism := strings.ToUpper(matches[1])
	initialResponse := matches[2]

	if session.IsAuthenticated() {
		return SMTPResult{Code: 503, Message: "5.5.1 Already authenticated"}, nil
	}
	if session.State() < StateGreeted {
		return SMTPResult{Code: 503, Message: "5.5.1 Send HELO/EHLO first"}, nil
	}

	// PLAIN and LOGIN carry credentials in cleartext inside the base64,
	// so they are refused on plaintext connections unless the operator
	// explicitly allows it.
	if !session.IsTLSActive() && !session.Config().AllowInsecureAuth {
		return SMTPResult{Code: 538, Message: "5.7.11 Encryption required for requested authentication mechanism"}, nil
	}

	switch mechanism {
	case "PLAIN":
		if initialResponse == "" {
			session.pendingStep = authPlainResp
			return SMTPResult{Code: 334, Continue: true}, nil
		}
		return c.verifyPlain(ctx, session, initialResponse)
	case "LOGIN":
		if initialResponse != "" {
			// LOGIN takes the username as its initial response.
			user, ok := decodeBase64(initialResponse)
			if !ok {
				return SMTPResult{Code: 501, Message: "5.5.2 Invalid base64 encoding"}, nil
			}
			session.pendingStep = authLoginPass
			session.pendingUser = user
			return SMTPResult{Code: 334, Continue: true, Challenge: loginPassChallenge}, nil
		}
		session.pendingStep = authLoginUser
		return SMTPResult{Code: 334, Continue: true, Challenge: loginUserChallenge}, nil
	default:
		return SMTPResult{Code: 504, Message: "5.5.4 Unrecognized authentication type"}, nil
	}
}

// Continue processes one continuation line of an in-progress AUTH
// exchange. A lone "*" cancels the exchange per RFC 4954.
func (c *AUTHCommand) Continue(ctx context.Context, session *SMTPSession, line string) (SMTPResult, error) {
	if line == "*" {
		session.ClearPendingAuth()
		return SMTPResult{Code: 501, Message: "5.7.0 Authentication cancelled"}, nil
	}

	switch session.pendingStep {
	case authPlainResp:
		session.ClearPendingAuth()
		return c.verifyPlain(ctx, session, line)
	case authLoginUser:
		user, ok := decodeBase64(line)
		if !ok {
			session.ClearPendingAuth()
			return SMTPResult{Code: 501, Message: "5.5.2 Invalid base64 encoding"}, nil
		}
		session.pendingStep = authLoginPass
		session.pendingUser = user
		return SMTPResult{Code: 334, Continue: true, Challenge: loginPassChallenge}, nil
	case authLoginPass:
		user := session.pendingUser
		session.ClearPendingAuth()
		password, ok := decodeBase64(line)
		if !ok {
			return SMTPResult{Code: 501, Message: "5.5.2 Invalid base64 encoding"}, nil
		}
		return c.verify(ctx, session, user, password)
	default:
		session.ClearPendingAuth()
		return SMTPResult{Code: 503, Message: "5.5.1 No authentication in progress"}, nil
	}
}

// verifyPlain decodes and checks a PLAIN response (RFC 4616):
// [authzid] \0 authcid \0 password, base64 encoded.
func (c *AUTHCommand) verifyPlain(ctx context.Context, session *SMTPSession, response string) (SMTPResult, error) {
	decoded, ok := decodeBase64(response)
	if !ok {
		return SMTPResult{Code: 501, Message: "5.5.2 Invalid base64 encoding"}, nil
	}

	parts := strings.Split(decoded, "\x00")
	if len(parts) != 3 {
		return SMTPResult{Code: 535, Message: "5.7.8 Authentication credentials invalid"}, nil
	}
	// parts[0] is the authorization identity, which is ignored.
	return c.verify(ctx, session, parts[1], parts[2])
}

func (c *AUTHCommand) verify(ctx context.Context, session *SMTPSession, username, password string) (SMTPResult, error) {
	if _, err := c.authenticator.Verify(ctx, username, password); err != nil {
		return SMTPResult{Code: 535, Message: "5.7.8 Authentication credentials invalid"}, nil
	}
	session.SetAuthenticated(username)
	return SMTPResult{Code: 235, Message: "2.7.0 Authentication successful"}, nil
}

func decodeBase64(s string) (string, bool) {
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", false
	}
	return string(decoded), true
}
