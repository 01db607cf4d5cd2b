package pop3

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/infodancer/maild/internal/auth"
	"github.com/infodancer/maild/internal/content"
	"github.com/infodancer/maild/internal/metrics"
	"github.com/infodancer/maild/internal/store"
)

type fixture struct {
	store   *store.Store
	content *content.Store
	backend *backend
}

// newFixture builds a backend with one account (alice/sekret, plain
// scheme so APOP works) and two messages in her inbox.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "maild.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	cs, err := content.New(filepath.Join(dir, "emails"))
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	hash, err := auth.HashPassword(auth.HashPlain, "sekret")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CreateUser(ctx, &store.User{
		Username:     "alice",
		Email:        "alice@example.com",
		PasswordHash: hash,
	}); err != nil {
		t.Fatal(err)
	}

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 1; i <= 2; i++ {
		id := fmt.Sprintf("<m%d@example.com>", i)
		raw := []byte(fmt.Sprintf("Message-ID: %s\r\nSubject: msg %d\r\n\r\nbody %d\r\n", id, i, i))
		path, err := cs.Put(id, raw)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.InsertInbox(ctx, &store.Email{
			MessageID:   id,
			From:        "sender@example.org",
			To:          []string{"alice@example.com"},
			Recipient:   "alice@example.com",
			Subject:     fmt.Sprintf("msg %d", i),
			Date:        base.Add(time.Duration(i) * time.Minute),
			Size:        int64(len(raw)),
			ContentPath: path,
		}); err != nil {
			t.Fatal(err)
		}
	}

	return &fixture{
		store:   s,
		content: cs,
		backend: &backend{
			store:         s,
			content:       cs,
			auth:          auth.New(s),
			collector:     &metrics.NoopCollector{},
			allowInsecure: true,
			apopEnabled:   true,
		},
	}
}

func (f *fixture) authedSession(t *testing.T) *Session {
	t.Helper()
	sess := NewSession("", false)
	user := &userCommand{backend: f.backend}
	pass := &passCommand{backend: f.backend}
	ctx := context.Background()

	if resp, err := user.Execute(ctx, sess, []string{"alice"}); err != nil || !resp.OK {
		t.Fatalf("USER failed: %+v %v", resp, err)
	}
	if resp, err := pass.Execute(ctx, sess, []string{"sekret"}); err != nil || !resp.OK {
		t.Fatalf("PASS failed: %+v %v", resp, err)
	}
	return sess
}

func TestUserNeverRevealsAccounts(t *testing.T) {
	f := newFixture(t)
	cmd := &userCommand{backend: f.backend}
	ctx := context.Background()

	for _, name := range []string{"alice", "nobody-here"} {
		sess := NewSession("", false)
		resp, err := cmd.Execute(ctx, sess, []string{name})
		if err != nil {
			t.Fatal(err)
		}
		if !resp.OK {
			t.Errorf("USER %s = %+v, want +OK regardless of existence", name, resp)
		}
	}
}

func TestPassAuthentication(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := &userCommand{backend: f.backend}
	pass := &passCommand{backend: f.backend}

	t.Run("valid credentials enter transaction", func(t *testing.T) {
		sess := NewSession("", false)
		user.Execute(ctx, sess, []string{"alice"})
		resp, err := pass.Execute(ctx, sess, []string{"sekret"})
		if err != nil {
			t.Fatal(err)
		}
		if !resp.OK || !strings.Contains(resp.Message, "2 messages") {
			t.Errorf("PASS = %+v", resp)
		}
		if sess.State() != StateTransaction {
			t.Errorf("state = %v, want TRANSACTION", sess.State())
		}
		if sess.Mailbox() != "alice@example.com" {
			t.Errorf("mailbox = %q", sess.Mailbox())
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		sess := NewSession("", false)
		user.Execute(ctx, sess, []string{"alice"})
		resp, _ := pass.Execute(ctx, sess, []string{"wrong"})
		if resp.OK {
			t.Error("PASS with wrong password succeeded")
		}
		if sess.State() != StateAuthorization {
			t.Errorf("state = %v, want AUTHORIZATION", sess.State())
		}
	})

	t.Run("PASS without USER", func(t *testing.T) {
		sess := NewSession("", false)
		resp, _ := pass.Execute(ctx, sess, []string{"sekret"})
		if resp.OK {
			t.Error("PASS without USER succeeded")
		}
	})

	t.Run("plaintext refused when insecure auth disabled", func(t *testing.T) {
		secure := &backend{
			store: f.backend.store, content: f.backend.content,
			auth: f.backend.auth, collector: f.backend.collector,
		}
		sess := NewSession("", false)
		resp, _ := (&userCommand{backend: secure}).Execute(ctx, sess, []string{"alice"})
		if resp.OK {
			t.Errorf("USER on plaintext = %+v, want -ERR requiring STLS", resp)
		}
	})
}

func TestAPOPAuthentication(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cmd := &apopCommand{backend: f.backend}
	nonce := auth.IssueAPOPNonce("mail.example.com")

	digest := md5.Sum([]byte(nonce + "sekret"))
	hexDigest := hex.EncodeToString(digest[:])

	t.Run("valid digest", func(t *testing.T) {
		sess := NewSession(nonce, false)
		resp, err := cmd.Execute(ctx, sess, []string{"alice", hexDigest})
		if err != nil {
			t.Fatal(err)
		}
		if !resp.OK {
			t.Errorf("APOP = %+v", resp)
		}
		if sess.State() != StateTransaction {
			t.Errorf("state = %v", sess.State())
		}
	})

	t.Run("wrong digest", func(t *testing.T) {
		sess := NewSession(nonce, false)
		resp, _ := cmd.Execute(ctx, sess, []string{"alice", strings.Repeat("0", 32)})
		if resp.OK {
			t.Error("APOP with wrong digest succeeded")
		}
	})

	t.Run("disabled without nonce", func(t *testing.T) {
		sess := NewSession("", false)
		resp, _ := cmd.Execute(ctx, sess, []string{"alice", hexDigest})
		if resp.OK {
			t.Error("APOP without banner nonce succeeded")
		}
	})
}

func TestStatListUidl(t *testing.T) {
	f := newFixture(t)
	sess := f.authedSession(t)
	ctx := context.Background()

	resp, err := (&statCommand{}).Execute(ctx, sess, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.OK || !strings.HasPrefix(resp.Message, "2 ") {
		t.Errorf("STAT = %+v", resp)
	}

	resp, _ = (&listCommand{}).Execute(ctx, sess, nil)
	if !resp.OK || len(resp.Lines) != 2 {
		t.Errorf("LIST = %+v", resp)
	}
	if !strings.HasPrefix(resp.Lines[0], "1 ") || !strings.HasPrefix(resp.Lines[1], "2 ") {
		t.Errorf("LIST lines = %v", resp.Lines)
	}

	resp, _ = (&listCommand{}).Execute(ctx, sess, []string{"2"})
	if !resp.OK || !strings.HasPrefix(resp.Message, "2 ") {
		t.Errorf("LIST 2 = %+v", resp)
	}
	resp, _ = (&listCommand{}).Execute(ctx, sess, []string{"9"})
	if resp.OK {
		t.Errorf("LIST 9 = %+v, want -ERR", resp)
	}

	resp, _ = (&uidlCommand{}).Execute(ctx, sess, nil)
	if !resp.OK || len(resp.Lines) != 2 {
		t.Errorf("UIDL = %+v", resp)
	}
	if !strings.Contains(resp.Lines[0], "m1@example.com") {
		t.Errorf("UIDL line = %q, want token derived from Message-ID", resp.Lines[0])
	}
}

func TestRetrAndTop(t *testing.T) {
	f := newFixture(t)
	sess := f.authedSession(t)
	ctx := context.Background()

	resp, err := (&retrCommand{backend: f.backend}).Execute(ctx, sess, []string{"1"})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.OK {
		t.Fatalf("RETR = %+v", resp)
	}
	joined := strings.Join(resp.Lines, "\n")
	if !strings.Contains(joined, "body 1") {
		t.Errorf("RETR content missing body:\n%s", joined)
	}

	// Retrieval marks the message read.
	row, err := f.store.GetInbox(ctx, "<m1@example.com>", "alice@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !row.Read {
		t.Error("RETR did not mark message read")
	}

	resp, _ = (&topCommand{backend: f.backend}).Execute(ctx, sess, []string{"1", "0"})
	if !resp.OK {
		t.Fatalf("TOP = %+v", resp)
	}
	joined = strings.Join(resp.Lines, "\n")
	if !strings.Contains(joined, "Subject: msg 1") {
		t.Errorf("TOP missing headers:\n%s", joined)
	}
	if strings.Contains(joined, "body 1") {
		t.Errorf("TOP 1 0 leaked body lines:\n%s", joined)
	}
}

func TestDeleRsetQuit(t *testing.T) {
	f := newFixture(t)
	sess := f.authedSession(t)
	ctx := context.Background()
	quit := &quitCommand{backend: f.backend, hostname: "mail.example.com"}

	resp, err := (&deleCommand{}).Execute(ctx, sess, []string{"1"})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.OK {
		t.Fatalf("DELE = %+v", resp)
	}

	// RETR of a deleted message fails without shifting numbers.
	resp, _ = (&retrCommand{backend: f.backend}).Execute(ctx, sess, []string{"1"})
	if resp.OK {
		t.Error("RETR of deleted message succeeded")
	}

	resp, _ = (&rsetCommand{}).Execute(ctx, sess, nil)
	if !resp.OK || !strings.Contains(resp.Message, "2 messages") {
		t.Errorf("RSET = %+v", resp)
	}

	// Delete again and commit via QUIT.
	(&deleCommand{}).Execute(ctx, sess, []string{"1"})
	resp, err = quit.Execute(ctx, sess, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.OK || !resp.Close {
		t.Errorf("QUIT = %+v", resp)
	}

	remaining, err := f.store.ListInbox(ctx, "alice@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 || remaining[0].MessageID != "<m2@example.com>" {
		t.Errorf("inbox after QUIT = %v", remaining)
	}

	// The orphaned content file is gone.
	if _, err := f.content.Get("<m1@example.com>", ""); err == nil {
		t.Error("content of expunged message still present")
	}
}

func TestSnapshotIsFrozen(t *testing.T) {
	f := newFixture(t)
	sess := f.authedSession(t)
	ctx := context.Background()

	// A delivery after authentication does not appear in this session.
	if err := f.store.InsertInbox(ctx, &store.Email{
		MessageID: "<late@example.com>",
		From:      "sender@example.org",
		To:        []string{"alice@example.com"},
		Recipient: "alice@example.com",
		Date:      time.Now(),
		Size:      42,
	}); err != nil {
		t.Fatal(err)
	}

	resp, _ := (&statCommand{}).Execute(ctx, sess, nil)
	if !strings.HasPrefix(resp.Message, "2 ") {
		t.Errorf("STAT after late delivery = %+v, want frozen count of 2", resp)
	}
}

func TestCommandsRequireTransactionState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := NewSession("", false)

	commands := []Command{
		&statCommand{},
		&listCommand{},
		&uidlCommand{},
		&retrCommand{backend: f.backend},
		&topCommand{backend: f.backend},
		&deleCommand{},
		&rsetCommand{},
		&noopCommand{},
	}
	for _, cmd := range commands {
		resp, err := cmd.Execute(ctx, sess, []string{"1", "1"})
		if err != nil {
			t.Fatalf("%s: %v", cmd.Name(), err)
		}
		if resp.OK {
			t.Errorf("%s succeeded in AUTHORIZATION state", cmd.Name())
		}
	}
}

func TestCapaReflectsTLS(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.stlsAvailable = true
	cmd := &capaCommand{backend: f.backend}

	sess := NewSession("", false)
	resp, _ := cmd.Execute(ctx, sess, nil)
	joined := strings.Join(resp.Lines, "\n")
	if !strings.Contains(joined, "STLS") {
		t.Errorf("CAPA on plaintext missing STLS:\n%s", joined)
	}
	for _, want := range []string{"TOP", "UIDL", "USER", "PIPELINING"} {
		if !strings.Contains(joined, want) {
			t.Errorf("CAPA missing %s", want)
		}
	}

	tlsSess := NewSession("", true)
	resp, _ = cmd.Execute(ctx, tlsSess, nil)
	if strings.Contains(strings.Join(resp.Lines, "\n"), "STLS") {
		t.Error("CAPA on TLS connection still offers STLS")
	}
}
