package auth

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/infodancer/maild/internal/logging"
	"github.com/infodancer/maild/internal/store"
)

// Sentinel errors returned by credential checks. Protocol handlers map all
// of them to the same client-visible denial.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAccountDisabled    = errors.New("auth: account disabled")
	// ErrMechanismUnsupported is returned for APOP when the account's
	// credential scheme does not retain the plaintext password.
	ErrMechanismUnsupported = errors.New("auth: mechanism not supported for account")
)

// dummyHash is verified when the username does not exist so that lookups
// for unknown and known accounts take comparable time.
var dummyHash, _ = HashPassword(HashBcrypt, "dummy-timing-equalizer")

// Authenticator validates credentials against the user store.
type Authenticator struct {
	store *store.Store
}

// New creates an Authenticator backed by the given store.
func New(s *store.Store) *Authenticator {
	return &Authenticator{store: s}
}

// Verify checks a username/password pair. On success it records the login
// time and returns the account.
func (a *Authenticator) Verify(ctx context.Context, username, password string) (*store.User, error) {
	logger := logging.FromContext(ctx)

	user, err := a.store.GetUser(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Burn the same work as a real verification.
			_ = VerifyPassword(password, dummyHash)
			logger.Debug("authentication failed", slog.String("user", username), slog.String("reason", "unknown user"))
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("loading account: %w", err)
	}

	if err := VerifyPassword(password, user.PasswordHash); err != nil {
		logger.Debug("authentication failed", slog.String("user", username), slog.String("reason", "bad password"))
		return nil, ErrInvalidCredentials
	}

	if !user.Active {
		logger.Debug("authentication failed", slog.String("user", username), slog.String("reason", "disabled"))
		return nil, ErrAccountDisabled
	}

	if err := a.store.TouchLastLogin(ctx, username); err != nil {
		logger.Warn("failed to record login time", slog.String("user", username), slog.Any("error", err))
	}
	return user, nil
}

// IssueAPOPNonce produces the timestamp banner token for a POP3 greeting.
// The same token must be passed to VerifyAPOP for that session.
func IssueAPOPNonce(hostname string) string {
	return "<" + uuid.NewString() + "@" + hostname + ">"
}

// VerifyAPOP checks an APOP digest, which is the hex MD5 of the greeting
// nonce concatenated with the shared secret. Accounts whose credential
// scheme does not retain the plaintext cannot use APOP.
func (a *Authenticator) VerifyAPOP(ctx context.Context, username, nonce, digest string) (*store.User, error) {
	logger := logging.FromContext(ctx)

	user, err := a.store.GetUser(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Debug("apop failed", slog.String("user", username), slog.String("reason", "unknown user"))
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("loading account: %w", err)
	}

	secret, ok := storedPlaintext(user.PasswordHash)
	if !ok {
		return nil, ErrMechanismUnsupported
	}

	sum := md5.Sum([]byte(nonce + secret))
	if !strings.EqualFold(hex.EncodeToString(sum[:]), digest) {
		logger.Debug("apop failed", slog.String("user", username), slog.String("reason", "digest mismatch"))
		return nil, ErrInvalidCredentials
	}

	if !user.Active {
		return nil, ErrAccountDisabled
	}

	if err := a.store.TouchLastLogin(ctx, username); err != nil {
		logger.Warn("failed to record login time", slog.String("user", username), slog.Any("error", err))
	}
	return user, nil
}
