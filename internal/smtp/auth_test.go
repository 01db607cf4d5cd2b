package smtp

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"testing"

	"github.com/infodancer/maild/internal/auth"
	"github.com/infodancer/maild/internal/store"
)

func newTestAuthenticator(t *testing.T) *auth.Authenticator {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "maild.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	hash, err := auth.HashPassword(auth.DefaultHash, "sekret")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CreateUser(context.Background(), &store.User{
		Username:     "alice",
		Email:        "alice@example.com",
		PasswordHash: hash,
	}); err != nil {
		t.Fatal(err)
	}
	return auth.New(s)
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func authSession(allowInsecure bool) *SMTPSession {
	cfg := DefaultSessionConfig()
	cfg.AllowInsecureAuth = allowInsecure
	s := greetedSession(cfg)
	if !allowInsecure {
		s.SetTLSActive(true)
	}
	return s
}

func TestAUTHPlainInitialResponse(t *testing.T) {
	cmd := NewAUTHCommand(newTestAuthenticator(t))
	ctx := context.Background()

	tests := []struct {
		name     string
		response string
		wantCode int
	}{
		{"valid credentials", b64("\x00alice\x00sekret"), 235},
		{"wrong password", b64("\x00alice\x00wrong"), 535},
		{"unknown user", b64("\x00mallory\x00sekret"), 535},
		{"with authzid", b64("alice\x00alice\x00sekret"), 235},
		{"missing null separators", b64("alice sekret"), 535},
		{"not base64", "!!!", 501},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := authSession(false)
			matches := authPattern.FindStringSubmatch("AUTH PLAIN " + tt.response)
			if matches == nil {
				t.Fatal("AUTH line did not match pattern")
			}
			result, err := cmd.Execute(ctx, session, matches)
			if err != nil {
				t.Fatal(err)
			}
			if result.Code != tt.wantCode {
				t.Errorf("code = %d %q, want %d", result.Code, result.Message, tt.wantCode)
			}
			if tt.wantCode == 235 && session.AuthUser() != "alice" {
				t.Errorf("AuthUser = %q, want alice", session.AuthUser())
			}
		})
	}
}

func TestAUTHPlainContinuation(t *testing.T) {
	cmd := NewAUTHCommand(newTestAuthenticator(t))
	ctx := context.Background()
	session := authSession(false)

	matches := authPattern.FindStringSubmatch("AUTH PLAIN")
	result, err := cmd.Execute(ctx, session, matches)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Continue || result.Code != 334 {
		t.Fatalf("expected 334 continuation, got %d", result.Code)
	}

	result, err = cmd.Continue(ctx, session, b64("\x00alice\x00sekret"))
	if err != nil {
		t.Fatal(err)
	}
	if result.Code != 235 {
		t.Errorf("code = %d %q, want 235", result.Code, result.Message)
	}
	if !session.IsAuthenticated() {
		t.Error("session not authenticated after 235")
	}
}

func TestAUTHLoginExchange(t *testing.T) {
	cmd := NewAUTHCommand(newTestAuthenticator(t))
	ctx := context.Background()
	session := authSession(false)

	matches := authPattern.FindStringSubmatch("AUTH LOGIN")
	result, err := cmd.Execute(ctx, session, matches)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Continue || result.Challenge != loginUserChallenge {
		t.Fatalf("expected Username: challenge, got %+v", result)
	}

	result, err = cmd.Continue(ctx, session, b64("alice"))
	if err != nil {
		t.Fatal(err)
	}
	if !result.Continue || result.Challenge != loginPassChallenge {
		t.Fatalf("expected Password: challenge, got %+v", result)
	}

	result, err = cmd.Continue(ctx, session, b64("sekret"))
	if err != nil {
		t.Fatal(err)
	}
	if result.Code != 235 {
		t.Errorf("code = %d %q, want 235", result.Code, result.Message)
	}
	if session.AuthUser() != "alice" {
		t.Errorf("AuthUser = %q", session.AuthUser())
	}
}

func TestAUTHLoginInitialUsername(t *testing.T) {
	cmd := NewAUTHCommand(newTestAuthenticator(t))
	ctx := context.Background()
	session := authSession(false)

	matches := authPattern.FindStringSubmatch("AUTH LOGIN " + b64("alice"))
	result, err := cmd.Execute(ctx, session, matches)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Continue || result.Challenge != loginPassChallenge {
		t.Fatalf("expected Password: challenge, got %+v", result)
	}

	result, _ = cmd.Continue(ctx, session, b64("sekret"))
	if result.Code != 235 {
		t.Errorf("code = %d, want 235", result.Code)
	}
}

func TestAUTHCancellation(t *testing.T) {
	cmd := NewAUTHCommand(newTestAuthenticator(t))
	ctx := context.Background()
	session := authSession(false)

	matches := authPattern.FindStringSubmatch("AUTH LOGIN")
	if _, err := cmd.Execute(ctx, session, matches); err != nil {
		t.Fatal(err)
	}

	result, err := cmd.Continue(ctx, session, "*")
	if err != nil {
		t.Fatal(err)
	}
	if result.Code != 501 {
		t.Errorf("cancel code = %d, want 501", result.Code)
	}
	if session.PendingAuth() {
		t.Error("pending auth state survived cancellation")
	}
	if session.IsAuthenticated() {
		t.Error("cancelled exchange authenticated the session")
	}
}

func TestAUTHPolicy(t *testing.T) {
	cmd := NewAUTHCommand(newTestAuthenticator(t))
	ctx := context.Background()

	t.Run("plaintext refused by default", func(t *testing.T) {
		cfg := DefaultSessionConfig()
		session := greetedSession(cfg)
		matches := authPattern.FindStringSubmatch("AUTH PLAIN " + b64("\x00alice\x00sekret"))
		result, _ := cmd.Execute(ctx, session, matches)
		if result.Code != 538 {
			t.Errorf("code = %d, want 538", result.Code)
		}
	})

	t.Run("plaintext allowed when configured", func(t *testing.T) {
		session := authSession(true)
		matches := authPattern.FindStringSubmatch("AUTH PLAIN " + b64("\x00alice\x00sekret"))
		result, _ := cmd.Execute(ctx, session, matches)
		if result.Code != 235 {
			t.Errorf("code = %d, want 235", result.Code)
		}
	})

	t.Run("already authenticated", func(t *testing.T) {
		session := authSession(false)
		session.SetAuthenticated("alice")
		matches := authPattern.FindStringSubmatch("AUTH PLAIN " + b64("\x00alice\x00sekret"))
		result, _ := cmd.Execute(ctx, session, matches)
		if result.Code != 503 {
			t.Errorf("code = %d, want 503", result.Code)
		}
	})

	t.Run("before greeting", func(t *testing.T) {
		cfg := DefaultSessionConfig()
		session := newTestSession(cfg)
		session.SetTLSActive(true)
		matches := authPattern.FindStringSubmatch("AUTH PLAIN " + b64("\x00alice\x00sekret"))
		result, _ := cmd.Execute(ctx, session, matches)
		if result.Code != 503 {
			t.Errorf("code = %d, want 503", result.Code)
		}
	})

	t.Run("unsupported mechanism", func(t *testing.T) {
		session := authSession(false)
		matches := authPattern.FindStringSubmatch("AUTH GSSAPI")
		result, _ := cmd.Execute(ctx, session, matches)
		if result.Code != 504 {
			t.Errorf("code = %d, want 504", result.Code)
		}
	})
}
