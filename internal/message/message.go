// Package message defines the structured mail format shared by the servers
// and client engines, with parsing and building backed by go-message.
package message

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// Attachment is a decoded MIME part carried alongside the message bodies.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is the structured form of an email. Raw holds the exact bytes the
// message was parsed from or built into; metadata and bodies are decoded views.
type Message struct {
	MessageID string
	Subject   string
	Date      time.Time

	From Address
	To   []Address
	Cc   []Address

	InReplyTo  string
	References []string

	TextBody    string
	HTMLBody    string
	Attachments []Attachment

	Raw []byte
}

// Parse decodes a raw RFC 5322 message into its structured form.
// Malformed MIME structure degrades to a best-effort body rather than failing;
// only an unreadable header is a hard error.
func Parse(raw []byte) (*Message, error) {
	entity, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, fmt.Errorf("parsing message: %w", err)
	}

	msg := &Message{Raw: raw}
	h := mail.Header{Header: entity.Header}

	msg.Subject, _ = h.Subject()
	msg.Date, _ = h.Date()
	msg.MessageID = h.Get("Message-Id")
	msg.InReplyTo = h.Get("In-Reply-To")
	if refs := h.Get("References"); refs != "" {
		msg.References = strings.Fields(refs)
	}

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = fromMailAddress(from[0])
	}
	if to, err := h.AddressList("To"); err == nil {
		msg.To = fromMailAddresses(to)
	}
	if cc, err := h.AddressList("Cc"); err == nil {
		msg.Cc = fromMailAddresses(cc)
	}

	parseBody(msg, entity)
	return msg, nil
}

// parseBody walks the MIME structure collecting text/html bodies and
// attachments. The first part of each kind wins; later duplicates are
// treated as attachments of their declared type.
func parseBody(msg *Message, entity *gomessage.Entity) {
	mr := entity.MultipartReader()
	if mr == nil {
		ct, _, _ := entity.Header.ContentType()
		body, err := io.ReadAll(entity.Body)
		if err != nil {
			return
		}
		if strings.HasPrefix(ct, "text/html") {
			msg.HTMLBody = string(body)
		} else {
			msg.TextBody = string(body)
		}
		return
	}

	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		ct, _, _ := part.Header.ContentType()
		if strings.HasPrefix(ct, "multipart/") {
			parseBody(msg, part)
			continue
		}
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(ct, "text/plain") && msg.TextBody == "":
			msg.TextBody = string(body)
		case strings.HasPrefix(ct, "text/html") && msg.HTMLBody == "":
			msg.HTMLBody = string(body)
		default:
			ah := mail.AttachmentHeader{Header: part.Header}
			filename, _ := ah.Filename()
			msg.Attachments = append(msg.Attachments, Attachment{
				Filename:    SanitizeFilename(filename),
				ContentType: ct,
				Data:        body,
			})
		}
	}
}

// Build renders the message to wire form and records the bytes in Raw.
// A missing Message-ID is generated from the sender's domain; a missing
// Date is set to the current time.
func (m *Message) Build() ([]byte, error) {
	var buf bytes.Buffer

	var header mail.Header
	if m.Date.IsZero() {
		m.Date = time.Now()
	}
	header.SetDate(m.Date)
	header.SetSubject(m.Subject)
	header.SetAddressList("From", []*mail.Address{toMailAddress(m.From)})
	if len(m.To) > 0 {
		header.SetAddressList("To", toMailAddresses(m.To))
	}
	if len(m.Cc) > 0 {
		header.SetAddressList("Cc", toMailAddresses(m.Cc))
	}
	if m.InReplyTo != "" {
		header.Set("In-Reply-To", m.InReplyTo)
	}
	if len(m.References) > 0 {
		header.Set("References", strings.Join(m.References, " "))
	}
	if m.MessageID == "" {
		m.MessageID = GenerateMessageID(m.From.Domain)
	}
	header.Set("Message-ID", m.MessageID)

	var mw *mail.Writer
	var iw *mail.InlineWriter
	var err error
	if len(m.Attachments) == 0 {
		iw, err = mail.CreateInlineWriter(&buf, header)
	} else {
		mw, err = mail.CreateWriter(&buf, header)
		if err == nil {
			iw, err = mw.CreateInline()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("building message: %w", err)
	}

	if err := writeInlinePart(iw, "text/plain", m.TextBody); err != nil {
		return nil, err
	}
	if err := writeInlinePart(iw, "text/html", m.HTMLBody); err != nil {
		return nil, err
	}
	if err := iw.Close(); err != nil {
		return nil, fmt.Errorf("building message: %w", err)
	}

	if mw != nil {
		for _, att := range m.Attachments {
			var h mail.AttachmentHeader
			h.SetFilename(att.Filename)
			ct := att.ContentType
			if ct == "" {
				ct = "application/octet-stream"
			}
			h.SetContentType(ct, nil)
			w, err := mw.CreateAttachment(h)
			if err != nil {
				return nil, fmt.Errorf("building attachment %q: %w", att.Filename, err)
			}
			if _, err := w.Write(att.Data); err != nil {
				return nil, fmt.Errorf("building attachment %q: %w", att.Filename, err)
			}
			if err := w.Close(); err != nil {
				return nil, fmt.Errorf("building attachment %q: %w", att.Filename, err)
			}
		}
		if err := mw.Close(); err != nil {
			return nil, fmt.Errorf("building message: %w", err)
		}
	}

	m.Raw = buf.Bytes()
	return m.Raw, nil
}

func writeInlinePart(iw *mail.InlineWriter, contentType, body string) error {
	if body == "" {
		return nil
	}
	var h mail.InlineHeader
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := iw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("building %s part: %w", contentType, err)
	}
	if _, err := w.Write([]byte(body)); err != nil {
		return fmt.Errorf("building %s part: %w", contentType, err)
	}
	return w.Close()
}

// SanitizeFilename strips path components and characters that are unsafe in
// filesystem names. Empty or fully stripped names become "attachment".
func SanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
			b.WriteByte('_')
		case strings.ContainsRune(`<>:"/\|?*`, r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), ". ")
	if out == "" {
		return "attachment"
	}
	return out
}

func fromMailAddress(a *mail.Address) Address {
	dec := &mime.WordDecoder{}
	name := a.Name
	if decoded, err := dec.DecodeHeader(name); err == nil {
		name = decoded
	}
	addr, err := ParseAddress(a.Address)
	if err != nil {
		// Preserve what the header carried even when it fails validation.
		at := strings.LastIndex(a.Address, "@")
		if at > 0 {
			return Address{Name: name, Local: a.Address[:at], Domain: a.Address[at+1:]}
		}
		return Address{Name: name, Local: a.Address}
	}
	addr.Name = name
	return addr
}

func fromMailAddresses(addrs []*mail.Address) []Address {
	out := make([]Address, len(addrs))
	for i, a := range addrs {
		out[i] = fromMailAddress(a)
	}
	return out
}

func toMailAddress(a Address) *mail.Address {
	return &mail.Address{Name: a.Name, Address: a.Spec()}
}

func toMailAddresses(addrs []Address) []*mail.Address {
	out := make([]*mail.Address, len(addrs))
	for i, a := range addrs {
		out[i] = toMailAddress(a)
	}
	return out
}
