package pop3

import (
	"context"
	"fmt"

	"github.com/infodancer/maild/internal/auth"
	"github.com/infodancer/maild/internal/content"
	"github.com/infodancer/maild/internal/logging"
	"github.com/infodancer/maild/internal/metrics"
	"github.com/infodancer/maild/internal/store"
)

// backend bundles the collaborators the commands operate on.
type backend struct {
	store         *store.Store
	content       *content.Store
	auth          *auth.Authenticator
	collector     metrics.Collector
	allowInsecure bool
	stlsAvailable bool
	apopEnabled   bool
}

// requireSecureAuth rejects plaintext credentials on unencrypted links
// unless the operator allows them.
func (b *backend) requireSecureAuth(sess *Session) *Response {
	if sess.IsTLSActive() || b.allowInsecure {
		return nil
	}
	return &Response{OK: false, Message: "Plaintext authentication requires STLS"}
}

// enterTransaction freezes the mailbox snapshot for an authenticated
// user. Mail arriving after this point belongs to the next session.
func (b *backend) enterTransaction(ctx context.Context, sess *Session, user *store.User) (Response, error) {
	messages, err := b.store.ListInbox(ctx, user.Email)
	if err != nil {
		logging.FromContext(ctx).Error("failed to load mailbox", "user", user.Username, "error", err.Error())
		return Response{OK: false, Message: "Mailbox temporarily unavailable"}, nil
	}

	sess.EnterTransaction(user.Username, user.Email, messages)
	b.collector.AuthAttempt(metrics.ProtocolPOP3, true)

	var total int64
	for _, m := range messages {
		total += m.Size
	}
	return Response{OK: true, Message: fmt.Sprintf("maildrop has %d messages (%d octets)", len(messages), total)}, nil
}

func (b *backend) authFailed() Response {
	b.collector.AuthAttempt(metrics.ProtocolPOP3, false)
	return Response{OK: false, Message: "Authentication failed"}
}

// userCommand implements USER. The reply never reveals whether the
// account exists; invalid names fail later at PASS.
type userCommand struct {
	backend *backend
}

func (c *userCommand) Name() string { return "USER" }

func (c *userCommand) Execute(ctx context.Context, sess *Session, args []string) (Response, error) {
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if len(args) != 1 {
		return Response{OK: false, Message: "USER requires a name"}, nil
	}
	if resp := c.backend.requireSecureAuth(sess); resp != nil {
		return *resp, nil
	}

	sess.SetPendingUser(args[0])
	return Response{OK: true, Message: "send PASS"}, nil
}

// passCommand implements PASS.
type passCommand struct {
	backend *backend
}

func (c *passCommand) Name() string { return "PASS" }

func (c *passCommand) Execute(ctx context.Context, sess *Session, args []string) (Response, error) {
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if sess.PendingUser() == "" {
		return Response{OK: false, Message: "Send USER first"}, nil
	}
	if len(args) == 0 {
		return Response{OK: false, Message: "PASS requires a password"}, nil
	}
	if resp := c.backend.requireSecureAuth(sess); resp != nil {
		return *resp, nil
	}

	username := sess.PendingUser()
	sess.SetPendingUser("")

	// Passwords may contain spaces; everything after "PASS " counts.
	password := args[0]
	for _, extra := range args[1:] {
		password += " " + extra
	}

	user, err := c.backend.auth.Verify(ctx, username, password)
	if err != nil {
		return c.backend.authFailed(), nil
	}
	return c.backend.enterTransaction(ctx, sess, user)
}

// apopCommand implements APOP digest authentication. The digest is
// MD5(nonce + password) over the banner nonce from the greeting.
type apopCommand struct {
	backend *backend
}

func (c *apopCommand) Name() string { return "APOP" }

func (c *apopCommand) Execute(ctx context.Context, sess *Session, args []string) (Response, error) {
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if !c.backend.apopEnabled || sess.Nonce() == "" {
		return Response{OK: false, Message: "APOP not supported"}, nil
	}
	if len(args) != 2 {
		return Response{OK: false, Message: "APOP requires name and digest"}, nil
	}

	user, err := c.backend.auth.VerifyAPOP(ctx, args[0], sess.Nonce(), args[1])
	if err != nil {
		return c.backend.authFailed(), nil
	}
	return c.backend.enterTransaction(ctx, sess, user)
}

// stlsCommand implements STLS (RFC 2595). The handler performs the TLS
// upgrade after the +OK reply is flushed.
type stlsCommand struct {
	backend *backend
}

func (c *stlsCommand) Name() string { return "STLS" }

func (c *stlsCommand) Execute(ctx context.Context, sess *Session, args []string) (Response, error) {
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if sess.IsTLSActive() {
		return Response{OK: false, Message: "TLS already active"}, nil
	}
	if !c.backend.stlsAvailable {
		return Response{OK: false, Message: "STLS not available"}, nil
	}

	return Response{OK: true, Message: "Begin TLS negotiation"}, nil
}

// capaCommand implements CAPA (RFC 2449). Valid in every state.
type capaCommand struct {
	backend *backend
}

func (c *capaCommand) Name() string { return "CAPA" }

func (c *capaCommand) Execute(ctx context.Context, sess *Session, args []string) (Response, error) {
	lines := []string{
		"TOP",
		"UIDL",
		"USER",
		"RESP-CODES",
		"PIPELINING",
		"IMPLEMENTATION maild",
	}
	if c.backend.stlsAvailable && !sess.IsTLSActive() {
		lines = append(lines, "STLS")
	}
	return Response{OK: true, Message: "Capability list follows", Lines: lines}, nil
}
