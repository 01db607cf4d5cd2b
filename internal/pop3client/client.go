// Package pop3client retrieves mail from remote POP3 servers over a
// hand-rolled line protocol. It supports implicit TLS and STLS, USER/PASS
// and APOP authentication, and dot-unstuffed multiline retrieval.
package pop3client

import (
	"bufio"
	"bytes"
	"context"
	"crypto/md5"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/infodancer/maild/internal/message"
)

// ErrServerResponse wraps every -ERR reply from the server.
var ErrServerResponse = errors.New("server rejected command")

// Config describes one remote maildrop.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	ImplicitTLS bool // TLS from the first byte (pop3s, port 995)
	StartTLS    bool // upgrade via STLS after the greeting
	UseAPOP     bool // prefer APOP when the greeting carries a challenge
	TLSConfig   *tls.Config

	DialTimeout time.Duration
	CmdTimeout  time.Duration
}

// MessageInfo is one entry of a LIST or UIDL response.
type MessageInfo struct {
	MsgNum int
	Size   int64
	UID    string
}

// Filter narrows RetrieveAll. MaxSize prunes on the LIST reply before
// any download; the rest match parsed headers. Seen correlates
// message-ids against local read state, since POP3 itself has no read
// flag.
type Filter struct {
	// MaxSizeBytes skips messages larger than this many octets.
	MaxSizeBytes int64
	Since        time.Time
	FromContains string
	SubjectHas   string
	Seen         func(messageID string) bool
}

// Conn is an authenticated POP3 session in the transaction state.
type Conn struct {
	conn       net.Conn
	r          *bufio.Reader
	w          *bufio.Writer
	cmdTimeout time.Duration
}

var apopChallengePattern = regexp.MustCompile(`<[^<>]+>`)

// Connect dials, optionally upgrades to TLS, and authenticates. The
// returned Conn is ready for transaction commands.
func Connect(ctx context.Context, cfg Config) (*Conn, error) {
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: dialTimeout}

	tlsCfg := cfg.TLSConfig
	if tlsCfg == nil && (cfg.ImplicitTLS || cfg.StartTLS) {
		tlsCfg = &tls.Config{ServerName: cfg.Host}
	}

	var netConn net.Conn
	var err error
	if cfg.ImplicitTLS {
		td := tls.Dialer{NetDialer: dialer, Config: tlsCfg}
		netConn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		netConn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}

	c := &Conn{
		conn:       netConn,
		r:          bufio.NewReader(netConn),
		w:          bufio.NewWriter(netConn),
		cmdTimeout: cfg.CmdTimeout,
	}

	greeting, err := c.readOne()
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("reading greeting: %w", err)
	}

	if cfg.StartTLS && !cfg.ImplicitTLS {
		if err := c.startTLS(tlsCfg); err != nil {
			netConn.Close()
			return nil, err
		}
	}

	if err := c.authenticate(cfg, greeting); err != nil {
		netConn.Close()
		return nil, err
	}
	return c, nil
}

// startTLS issues STLS and wraps the connection. The APOP challenge in
// the greeting stays valid across the upgrade.
func (c *Conn) startTLS(tlsCfg *tls.Config) error {
	if _, err := c.cmd("STLS"); err != nil {
		return fmt.Errorf("STLS refused: %w", err)
	}
	tlsConn := tls.Client(c.conn, tlsCfg)
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("TLS handshake: %w", err)
	}
	c.conn = tlsConn
	c.r = bufio.NewReader(tlsConn)
	c.w = bufio.NewWriter(tlsConn)
	return nil
}

// authenticate runs APOP when requested and the banner advertises a
// challenge, USER/PASS otherwise.
func (c *Conn) authenticate(cfg Config, greeting string) error {
	if cfg.UseAPOP {
		if challenge := apopChallengePattern.FindString(greeting); challenge != "" {
			sum := md5.Sum([]byte(challenge + cfg.Password))
			digest := hex.EncodeToString(sum[:])
			if _, err := c.cmd("APOP %s %s", cfg.Username, digest); err != nil {
				return fmt.Errorf("APOP authentication: %w", err)
			}
			return nil
		}
	}

	if _, err := c.cmd("USER %s", cfg.Username); err != nil {
		return fmt.Errorf("USER rejected: %w", err)
	}
	if _, err := c.cmd("PASS %s", cfg.Password); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	return nil
}

// Stat returns the maildrop message count and total size in octets.
func (c *Conn) Stat() (count int, size int64, err error) {
	line, err := c.cmd("STAT")
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, 0, fmt.Errorf("malformed STAT reply %q", line)
	}
	count, err = strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed STAT reply %q", line)
	}
	size, err = strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed STAT reply %q", line)
	}
	return count, size, nil
}

// List returns (number, size) pairs for the whole maildrop, or for a
// single message when msgNum > 0.
func (c *Conn) List(msgNum int) ([]MessageInfo, error) {
	if msgNum > 0 {
		line, err := c.cmd("LIST %d", msgNum)
		if err != nil {
			return nil, err
		}
		info, ok := parseListLine(line)
		if !ok {
			return nil, fmt.Errorf("malformed LIST reply %q", line)
		}
		return []MessageInfo{info}, nil
	}

	lines, err := c.cmdMulti("LIST")
	if err != nil {
		return nil, err
	}
	var out []MessageInfo
	for _, line := range lines {
		if info, ok := parseListLine(line); ok {
			out = append(out, info)
		}
	}
	return out, nil
}

// Uidl returns (number, unique-id) pairs.
func (c *Conn) Uidl(msgNum int) ([]MessageInfo, error) {
	if msgNum > 0 {
		line, err := c.cmd("UIDL %d", msgNum)
		if err != nil {
			return nil, err
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("malformed UIDL reply %q", line)
		}
		n, _ := strconv.Atoi(fields[0])
		return []MessageInfo{{MsgNum: n, UID: fields[1]}}, nil
	}

	lines, err := c.cmdMulti("UIDL")
	if err != nil {
		return nil, err
	}
	var out []MessageInfo
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		out = append(out, MessageInfo{MsgNum: n, UID: fields[1]})
	}
	return out, nil
}

// Retrieve downloads one message and parses it. With del set, a DELE
// follows the successful download; the deletion commits at Quit.
func (c *Conn) Retrieve(msgNum int, del bool) (*message.Message, error) {
	raw, err := c.RetrieveRaw(msgNum)
	if err != nil {
		return nil, err
	}
	msg, err := message.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing message %d: %w", msgNum, err)
	}
	if del {
		if err := c.Delete(msgNum); err != nil {
			return msg, err
		}
	}
	return msg, nil
}

// RetrieveRaw downloads one message as wire bytes, dot-unstuffed with
// CRLF line endings preserved.
func (c *Conn) RetrieveRaw(msgNum int) ([]byte, error) {
	if err := c.send(fmt.Sprintf("RETR %d", msgNum)); err != nil {
		return nil, err
	}
	if _, err := c.readOne(); err != nil {
		return nil, err
	}
	return c.readMulti()
}

// Top returns the headers and the first n body lines of a message.
func (c *Conn) Top(msgNum, bodyLines int) ([]byte, error) {
	if err := c.send(fmt.Sprintf("TOP %d %d", msgNum, bodyLines)); err != nil {
		return nil, err
	}
	if _, err := c.readOne(); err != nil {
		return nil, err
	}
	return c.readMulti()
}

// Delete marks a message for deletion at Quit.
func (c *Conn) Delete(msgNum int) error {
	_, err := c.cmd("DELE %d", msgNum)
	return err
}

// Reset unmarks all deletions.
func (c *Conn) Reset() error {
	_, err := c.cmd("RSET")
	return err
}

// Noop probes the connection.
func (c *Conn) Noop() error {
	_, err := c.cmd("NOOP")
	return err
}

// RetrieveAll downloads every message that passes the filter, in
// maildrop order. A nil filter downloads everything.
func (c *Conn) RetrieveAll(filter *Filter) ([]*message.Message, error) {
	listing, err := c.List(0)
	if err != nil {
		return nil, err
	}

	var out []*message.Message
	for _, info := range listing {
		if filter != nil && filter.MaxSizeBytes > 0 && info.Size > filter.MaxSizeBytes {
			continue
		}
		msg, err := c.Retrieve(info.MsgNum, false)
		if err != nil {
			return out, fmt.Errorf("retrieving message %d: %w", info.MsgNum, err)
		}
		if filter != nil && !filter.matches(msg) {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Quit ends the session. From the transaction state the server enters
// UPDATE and commits pending deletions.
func (c *Conn) Quit() error {
	_, err := c.cmd("QUIT")
	closeErr := c.conn.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// Close drops the connection without QUIT, abandoning pending
// deletions.
func (c *Conn) Close() error {
	return c.conn.Close()
}

func (f *Filter) matches(msg *message.Message) bool {
	if !f.Since.IsZero() && msg.Date.Before(f.Since) {
		return false
	}
	if f.FromContains != "" && !strings.Contains(strings.ToLower(msg.From.Spec()), strings.ToLower(f.FromContains)) {
		return false
	}
	if f.SubjectHas != "" && !strings.Contains(strings.ToLower(msg.Subject), strings.ToLower(f.SubjectHas)) {
		return false
	}
	if f.Seen != nil && f.Seen(msg.MessageID) {
		return false
	}
	return true
}

// cmd sends one command and reads the status line. Multiline payloads
// go through cmdMulti instead.
func (c *Conn) cmd(format string, args ...any) (string, error) {
	if err := c.send(fmt.Sprintf(format, args...)); err != nil {
		return "", err
	}
	return c.readOne()
}

// cmdMulti sends one command and reads a multiline payload as text
// lines, dot-unstuffed.
func (c *Conn) cmdMulti(format string, args ...any) ([]string, error) {
	if err := c.send(fmt.Sprintf(format, args...)); err != nil {
		return nil, err
	}
	if _, err := c.readOne(); err != nil {
		return nil, err
	}
	raw, err := c.readMulti()
	if err != nil {
		return nil, err
	}
	text := strings.TrimSuffix(string(raw), "\r\n")
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\r\n"), nil
}

func (c *Conn) send(line string) error {
	c.extendDeadline()
	if _, err := c.w.WriteString(line + "\r\n"); err != nil {
		return err
	}
	return c.w.Flush()
}

// readOne reads a status line, returning its text after +OK or the
// wrapped server error after -ERR.
func (c *Conn) readOne() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	switch {
	case line == "+OK":
		return "", nil
	case strings.HasPrefix(line, "+OK "):
		return line[len("+OK "):], nil
	case line == "-ERR":
		return "", ErrServerResponse
	case strings.HasPrefix(line, "-ERR "):
		return "", fmt.Errorf("%w: %s", ErrServerResponse, line[len("-ERR "):])
	default:
		return "", fmt.Errorf("malformed reply %q", line)
	}
}

// readMulti reads until the lone-dot terminator, stripping one leading
// dot from byte-stuffed lines.
func (c *Conn) readMulti() ([]byte, error) {
	var buf bytes.Buffer
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "." {
			return buf.Bytes(), nil
		}
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}
}

func (c *Conn) extendDeadline() {
	if c.cmdTimeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.cmdTimeout))
	}
}

func parseListLine(line string) (MessageInfo, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return MessageInfo{}, false
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return MessageInfo{}, false
	}
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return MessageInfo{}, false
	}
	return MessageInfo{MsgNum: n, Size: size}, true
}
