package message

import (
	"strings"
	"testing"
	"time"
)

func TestBuildAndParseRoundTrip(t *testing.T) {
	msg := &Message{
		Subject: "Quarterly report",
		Date:    time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC),
		From:    Address{Name: "Alice", Local: "alice", Domain: "example.com"},
		To: []Address{
			{Local: "bob", Domain: "example.org"},
		},
		Cc: []Address{
			{Name: "Carol", Local: "carol", Domain: "example.net"},
		},
		TextBody: "The numbers are attached.\n",
		HTMLBody: "<p>The numbers are attached.</p>\n",
		Attachments: []Attachment{
			{Filename: "report.csv", ContentType: "text/csv", Data: []byte("q1,q2\n1,2\n")},
		},
	}

	raw, err := msg.Build()
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if msg.MessageID == "" {
		t.Error("Build() did not assign a Message-ID")
	}

	parsed, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	if parsed.Subject != msg.Subject {
		t.Errorf("Subject = %q, want %q", parsed.Subject, msg.Subject)
	}
	if parsed.From.Spec() != "alice@example.com" {
		t.Errorf("From = %q, want alice@example.com", parsed.From.Spec())
	}
	if parsed.From.Name != "Alice" {
		t.Errorf("From name = %q, want Alice", parsed.From.Name)
	}
	if len(parsed.To) != 1 || parsed.To[0].Spec() != "bob@example.org" {
		t.Errorf("To = %v, want [bob@example.org]", parsed.To)
	}
	if len(parsed.Cc) != 1 || parsed.Cc[0].Spec() != "carol@example.net" {
		t.Errorf("Cc = %v, want [carol@example.net]", parsed.Cc)
	}
	if parsed.TextBody != msg.TextBody {
		t.Errorf("TextBody = %q, want %q", parsed.TextBody, msg.TextBody)
	}
	if parsed.HTMLBody != msg.HTMLBody {
		t.Errorf("HTMLBody = %q, want %q", parsed.HTMLBody, msg.HTMLBody)
	}
	if len(parsed.Attachments) != 1 {
		t.Fatalf("got %d attachments, want 1", len(parsed.Attachments))
	}
	att := parsed.Attachments[0]
	if att.Filename != "report.csv" {
		t.Errorf("attachment filename = %q, want report.csv", att.Filename)
	}
	if string(att.Data) != "q1,q2\n1,2\n" {
		t.Errorf("attachment data = %q", att.Data)
	}
}

func TestParseSimpleMessage(t *testing.T) {
	raw := strings.Join([]string{
		"From: sender@example.com",
		"To: rcpt@example.org",
		"Subject: hello",
		"Message-ID: <123.abc@example.com>",
		"Date: Mon, 16 Mar 2026 09:00:00 +0000",
		"",
		"plain body text",
		"",
	}, "\r\n")

	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if msg.MessageID != "<123.abc@example.com>" {
		t.Errorf("MessageID = %q", msg.MessageID)
	}
	if msg.Subject != "hello" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if !strings.Contains(msg.TextBody, "plain body text") {
		t.Errorf("TextBody = %q", msg.TextBody)
	}
	if len(msg.Attachments) != 0 {
		t.Errorf("got %d attachments, want 0", len(msg.Attachments))
	}
}

func TestParseThreadingHeaders(t *testing.T) {
	raw := strings.Join([]string{
		"From: a@example.com",
		"To: b@example.com",
		"Subject: Re: thread",
		"In-Reply-To: <parent@example.com>",
		"References: <root@example.com> <parent@example.com>",
		"",
		"reply",
	}, "\r\n")

	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if msg.InReplyTo != "<parent@example.com>" {
		t.Errorf("InReplyTo = %q", msg.InReplyTo)
	}
	if len(msg.References) != 2 || msg.References[1] != "<parent@example.com>" {
		t.Errorf("References = %v", msg.References)
	}
}

func TestGenerateMessageID(t *testing.T) {
	id := GenerateMessageID("example.com")
	if !strings.HasPrefix(id, "<") || !strings.HasSuffix(id, "@example.com>") {
		t.Errorf("GenerateMessageID = %q", id)
	}
	if id2 := GenerateMessageID("example.com"); id2 == id {
		t.Error("two generated IDs are identical")
	}
	if id := GenerateMessageID(""); !strings.HasSuffix(id, "@localhost>") {
		t.Errorf("empty domain fallback = %q", id)
	}
}

func TestUIDLToken(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "angle brackets stripped", input: "<abc.def@example.com>", want: "abc.def@example.com"},
		{name: "bare id unchanged", input: "abc@example.com", want: "abc@example.com"},
		{name: "space replaced", input: "<a b@x>", want: "a_b@x"},
		{name: "empty", input: "", want: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UIDLToken(tt.input); got != tt.want {
				t.Errorf("UIDLToken(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}

	long := "<" + strings.Repeat("x", 100) + "@d>"
	if got := UIDLToken(long); len(got) != 70 {
		t.Errorf("long token length = %d, want 70", len(got))
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "passwd"},
		{`C:\temp\evil.exe`, "evil.exe"},
		{"bad<name>.txt", "bad_name_.txt"},
		{"", "attachment"},
		{"...", "attachment"},
		{"tab\there.txt", "tab_here.txt"},
	}

	for _, tt := range tests {
		if got := SanitizeFilename(tt.input); got != tt.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
