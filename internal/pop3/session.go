// Package pop3 implements the server side of the POP3 protocol
// (RFC 1939) with CAPA (RFC 2449), STLS (RFC 2595), and APOP.
package pop3

import (
	"errors"

	"github.com/infodancer/maild/internal/store"
)

// Errors for message access within a session.
var (
	ErrNoSuchMessage  = errors.New("no such message")
	ErrMessageDeleted = errors.New("message is deleted")
)

// State represents the current state in the POP3 state machine.
type State int

const (
	// StateAuthorization is the initial state where authentication is required.
	StateAuthorization State = iota

	// StateTransaction is the state after successful authentication.
	StateTransaction

	// StateUpdate is entered by QUIT from Transaction to commit deletions.
	StateUpdate
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateAuthorization:
		return "AUTHORIZATION"
	case StateTransaction:
		return "TRANSACTION"
	case StateUpdate:
		return "UPDATE"
	default:
		return "UNKNOWN"
	}
}

// Session tracks one POP3 connection through the state machine. The
// mailbox contents are frozen at authentication time; deliveries that
// arrive later belong to the next session.
type Session struct {
	state     State
	tlsActive bool

	// APOP banner nonce from the greeting. Empty when APOP is disabled.
	nonce string

	// Authentication state
	pendingUser string // username received via USER, awaiting PASS
	username    string
	mailbox     string // recipient address owning the snapshot

	// Transaction state
	messages   []*store.Email // frozen snapshot, index 0 is message 1
	deletedSet map[int]bool   // 1-based message numbers marked deleted
}

// NewSession creates a session in the Authorization state.
func NewSession(nonce string, isTLS bool) *Session {
	return &Session{
		state:      StateAuthorization,
		tlsActive:  isTLS,
		nonce:      nonce,
		deletedSet: make(map[int]bool),
	}
}

// State returns the current POP3 state.
func (s *Session) State() State {
	return s.state
}

// IsTLSActive reports whether the connection is encrypted.
func (s *Session) IsTLSActive() bool {
	return s.tlsActive
}

// Nonce returns the APOP banner nonce from the greeting.
func (s *Session) Nonce() string {
	return s.nonce
}

// SetPendingUser records the USER argument until PASS arrives.
func (s *Session) SetPendingUser(username string) {
	s.pendingUser = username
}

// PendingUser returns the username awaiting its password.
func (s *Session) PendingUser() string {
	return s.pendingUser
}

// Username returns the authenticated username.
func (s *Session) Username() string {
	return s.username
}

// Mailbox returns the recipient address whose inbox this session holds.
func (s *Session) Mailbox() string {
	return s.mailbox
}

// EnterTransaction locks in the mailbox snapshot and moves the session
// to the Transaction state.
func (s *Session) EnterTransaction(username, mailbox string, messages []*store.Email) {
	s.username = username
	s.mailbox = mailbox
	s.pendingUser = ""
	s.messages = messages
	s.deletedSet = make(map[int]bool)
	s.state = StateTransaction
}

// EnterUpdate moves the session to the Update state for QUIT processing.
func (s *Session) EnterUpdate() {
	s.state = StateUpdate
}

// ResetAuth discards authentication progress. STLS requires the client
// to start over on the encrypted link.
func (s *Session) ResetAuth() {
	s.pendingUser = ""
	s.username = ""
	s.mailbox = ""
	s.messages = nil
	s.deletedSet = make(map[int]bool)
	s.state = StateAuthorization
}

// SetTLSActive marks the connection as encrypted after STLS.
func (s *Session) SetTLSActive() {
	s.tlsActive = true
}

// MessageCount returns the number of messages not marked deleted.
func (s *Session) MessageCount() int {
	count := 0
	for i := range s.messages {
		if !s.deletedSet[i+1] {
			count++
		}
	}
	return count
}

// TotalSize returns the combined size of messages not marked deleted.
func (s *Session) TotalSize() int64 {
	var total int64
	for i, m := range s.messages {
		if !s.deletedSet[i+1] {
			total += m.Size
		}
	}
	return total
}

// GetMessage returns the snapshot entry for a 1-based message number.
func (s *Session) GetMessage(msgNum int) (*store.Email, error) {
	if msgNum < 1 || msgNum > len(s.messages) {
		return nil, ErrNoSuchMessage
	}
	if s.deletedSet[msgNum] {
		return nil, ErrMessageDeleted
	}
	return s.messages[msgNum-1], nil
}

// AllMessages returns the live (not deleted) messages with their numbers.
func (s *Session) AllMessages() []NumberedMessage {
	var out []NumberedMessage
	for i, m := range s.messages {
		if !s.deletedSet[i+1] {
			out = append(out, NumberedMessage{MsgNum: i + 1, Email: m})
		}
	}
	return out
}

// NumberedMessage pairs a snapshot entry with its 1-based number.
type NumberedMessage struct {
	MsgNum int
	Email  *store.Email
}

// MarkDeleted flags a message for deletion at UPDATE time.
func (s *Session) MarkDeleted(msgNum int) error {
	if _, err := s.GetMessage(msgNum); err != nil {
		return err
	}
	s.deletedSet[msgNum] = true
	return nil
}

// ResetDeleted clears all deletion marks (RSET).
func (s *Session) ResetDeleted() int {
	n := len(s.deletedSet)
	s.deletedSet = make(map[int]bool)
	return n
}

// DeletedMessages returns the snapshot entries marked for deletion.
func (s *Session) DeletedMessages() []*store.Email {
	var out []*store.Email
	for num := range s.deletedSet {
		out = append(out, s.messages[num-1])
	}
	return out
}
