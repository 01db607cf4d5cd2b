package message

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// GenerateMessageID produces an RFC 5322 Message-ID scoped to the given
// domain. Format: <timestamp.random@domain>.
func GenerateMessageID(domain string) string {
	if domain == "" {
		domain = "localhost"
	}
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("<%d.%s@%s>", time.Now().UnixNano(), hex.EncodeToString(b), domain)
}

// UIDLToken converts a Message-ID into a POP3 UIDL argument: angle brackets
// stripped, non-printable and space characters replaced, clamped to the
// 70 octet maximum the protocol allows.
func UIDLToken(messageID string) string {
	s := strings.TrimSuffix(strings.TrimPrefix(messageID, "<"), ">")
	var b strings.Builder
	for i := 0; i < len(s) && b.Len() < 70; i++ {
		c := s[i]
		if c < 0x21 || c > 0x7e {
			b.WriteByte('_')
			continue
		}
		b.WriteByte(c)
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}
