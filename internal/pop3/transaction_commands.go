package pop3

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/infodancer/maild/internal/logging"
	"github.com/infodancer/maild/internal/message"
	"github.com/infodancer/maild/internal/store"
)

// statCommand implements STAT: message count and total octets.
type statCommand struct{}

func (c *statCommand) Name() string { return "STAT" }

func (c *statCommand) Execute(ctx context.Context, sess *Session, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if len(args) > 0 {
		return Response{OK: false, Message: "STAT takes no arguments"}, nil
	}
	return Response{OK: true, Message: fmt.Sprintf("%d %d", sess.MessageCount(), sess.TotalSize())}, nil
}

// listCommand implements LIST, with and without a message number.
type listCommand struct{}

func (c *listCommand) Name() string { return "LIST" }

func (c *listCommand) Execute(ctx context.Context, sess *Session, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	if len(args) == 0 {
		messages := sess.AllMessages()
		lines := make([]string, len(messages))
		for i, m := range messages {
			lines[i] = fmt.Sprintf("%d %d", m.MsgNum, m.Email.Size)
		}
		return Response{
			OK:      true,
			Message: fmt.Sprintf("%d messages (%d octets)", sess.MessageCount(), sess.TotalSize()),
			Lines:   lines,
		}, nil
	}
	if len(args) != 1 {
		return Response{OK: false, Message: "LIST takes at most one argument"}, nil
	}

	msgNum, msg, resp := lookupMessage(sess, args[0])
	if resp != nil {
		return *resp, nil
	}
	return Response{OK: true, Message: fmt.Sprintf("%d %d", msgNum, msg.Size)}, nil
}

// uidlCommand implements UIDL. The unique identifier is derived from
// the Message-ID so it survives renumbering between sessions.
type uidlCommand struct{}

func (c *uidlCommand) Name() string { return "UIDL" }

func (c *uidlCommand) Execute(ctx context.Context, sess *Session, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	if len(args) == 0 {
		messages := sess.AllMessages()
		lines := make([]string, len(messages))
		for i, m := range messages {
			lines[i] = fmt.Sprintf("%d %s", m.MsgNum, message.UIDLToken(m.Email.MessageID))
		}
		return Response{OK: true, Message: "Unique-ID listing follows", Lines: lines}, nil
	}
	if len(args) != 1 {
		return Response{OK: false, Message: "UIDL takes at most one argument"}, nil
	}

	msgNum, msg, resp := lookupMessage(sess, args[0])
	if resp != nil {
		return *resp, nil
	}
	return Response{OK: true, Message: fmt.Sprintf("%d %s", msgNum, message.UIDLToken(msg.MessageID))}, nil
}

// retrCommand implements RETR: the full message, dot-stuffed.
type retrCommand struct {
	backend *backend
}

func (c *retrCommand) Name() string { return "RETR" }

func (c *retrCommand) Execute(ctx context.Context, sess *Session, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if len(args) != 1 {
		return Response{OK: false, Message: "RETR requires a message number"}, nil
	}

	_, msg, resp := lookupMessage(sess, args[0])
	if resp != nil {
		return *resp, nil
	}

	raw, err := c.backend.content.Get(msg.MessageID, msg.ContentPath)
	if err != nil {
		logging.FromContext(ctx).Error("failed to read message content",
			"message_id", msg.MessageID, "error", err.Error())
		return Response{OK: false, Message: "Failed to retrieve message"}, nil
	}

	// Retrieval marks the message read; a failure here loses only the
	// flag, not the message.
	if err := c.backend.store.MarkRead(ctx, msg.MessageID, sess.Mailbox()); err != nil {
		logging.FromContext(ctx).Debug("failed to mark message read",
			"message_id", msg.MessageID, "error", err.Error())
	}
	c.backend.collector.MessageRetrieved(int64(len(raw)))

	return Response{
		OK:      true,
		Message: fmt.Sprintf("%d octets", len(raw)),
		Lines:   contentLines(raw),
	}, nil
}

// topCommand implements TOP: headers plus the first n body lines.
type topCommand struct {
	backend *backend
}

func (c *topCommand) Name() string { return "TOP" }

func (c *topCommand) Execute(ctx context.Context, sess *Session, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if len(args) != 2 {
		return Response{OK: false, Message: "TOP requires message number and line count"}, nil
	}
	bodyLines, err := strconv.Atoi(args[1])
	if err != nil || bodyLines < 0 {
		return Response{OK: false, Message: "Invalid line count"}, nil
	}

	_, msg, resp := lookupMessage(sess, args[0])
	if resp != nil {
		return *resp, nil
	}

	raw, err := c.backend.content.Get(msg.MessageID, msg.ContentPath)
	if err != nil {
		logging.FromContext(ctx).Error("failed to read message content",
			"message_id", msg.MessageID, "error", err.Error())
		return Response{OK: false, Message: "Failed to retrieve message"}, nil
	}

	lines := contentLines(raw)
	var out []string
	inBody := false
	remaining := bodyLines
	for _, line := range lines {
		if !inBody {
			out = append(out, line)
			if line == "" {
				inBody = true
			}
			continue
		}
		if remaining == 0 {
			break
		}
		out = append(out, line)
		remaining--
	}

	return Response{OK: true, Message: "Top of message follows", Lines: out}, nil
}

// deleCommand implements DELE: mark a message for deletion at UPDATE.
type deleCommand struct{}

func (c *deleCommand) Name() string { return "DELE" }

func (c *deleCommand) Execute(ctx context.Context, sess *Session, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if len(args) != 1 {
		return Response{OK: false, Message: "DELE requires a message number"}, nil
	}
	msgNum, err := strconv.Atoi(args[0])
	if err != nil {
		return Response{OK: false, Message: "Invalid message number"}, nil
	}

	if err := sess.MarkDeleted(msgNum); err != nil {
		if errors.Is(err, ErrMessageDeleted) {
			return Response{OK: false, Message: fmt.Sprintf("Message %d already deleted", msgNum)}, nil
		}
		return Response{OK: false, Message: "No such message"}, nil
	}
	return Response{OK: true, Message: fmt.Sprintf("Message %d deleted", msgNum)}, nil
}

// rsetCommand implements RSET: unmark all deletions.
type rsetCommand struct{}

func (c *rsetCommand) Name() string { return "RSET" }

func (c *rsetCommand) Execute(ctx context.Context, sess *Session, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	sess.ResetDeleted()
	return Response{OK: true, Message: fmt.Sprintf("maildrop has %d messages (%d octets)", sess.MessageCount(), sess.TotalSize())}, nil
}

// noopCommand implements NOOP.
type noopCommand struct{}

func (c *noopCommand) Name() string { return "NOOP" }

func (c *noopCommand) Execute(ctx context.Context, sess *Session, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	return Response{OK: true}, nil
}

// quitCommand implements QUIT. From the Transaction state it enters
// UPDATE and expunges marked messages atomically; from Authorization it
// just closes.
type quitCommand struct {
	backend  *backend
	hostname string
}

func (c *quitCommand) Name() string { return "QUIT" }

func (c *quitCommand) Execute(ctx context.Context, sess *Session, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: true, Message: c.hostname + " signing off", Close: true}, nil
	}

	sess.EnterUpdate()
	deleted := sess.DeletedMessages()
	if len(deleted) == 0 {
		return Response{OK: true, Message: c.hostname + " signing off", Close: true}, nil
	}

	ids := make([]string, len(deleted))
	for i, m := range deleted {
		ids[i] = m.MessageID
	}
	orphaned, err := c.backend.store.Expunge(ctx, sess.Mailbox(), ids)
	if err != nil {
		logging.FromContext(ctx).Error("expunge failed", "mailbox", sess.Mailbox(), "error", err.Error())
		// RFC 1939: the server replies -ERR when some messages were
		// not removed; nothing was, since the expunge is atomic.
		return Response{OK: false, Message: "Some deleted messages not removed", Close: true}, nil
	}

	// Content files without any remaining live recipient are removed.
	for _, m := range deleted {
		for _, path := range orphaned {
			if path == m.ContentPath {
				if err := c.backend.content.Delete(m.MessageID, path); err != nil {
					logging.FromContext(ctx).Debug("failed to remove content",
						"message_id", m.MessageID, "error", err.Error())
				}
				break
			}
		}
	}
	c.backend.collector.MessagesExpunged(len(deleted))

	return Response{
		OK:      true,
		Message: fmt.Sprintf("%s signing off (%d messages deleted)", c.hostname, len(deleted)),
		Close:   true,
	}, nil
}

// lookupMessage resolves a message-number argument, translating access
// errors into protocol responses.
func lookupMessage(sess *Session, arg string) (int, *store.Email, *Response) {
	msgNum, err := strconv.Atoi(arg)
	if err != nil {
		return 0, nil, &Response{OK: false, Message: "Invalid message number"}
	}
	msg, err := sess.GetMessage(msgNum)
	if err != nil {
		if errors.Is(err, ErrMessageDeleted) {
			return 0, nil, &Response{OK: false, Message: fmt.Sprintf("Message %d is deleted", msgNum)}
		}
		return 0, nil, &Response{OK: false, Message: "No such message"}
	}
	return msgNum, msg, nil
}

// contentLines splits raw message bytes into response lines. Both CRLF
// and bare LF input are tolerated.
func contentLines(raw []byte) []string {
	text := strings.TrimSuffix(string(raw), "\n")
	text = strings.TrimSuffix(text, "\r")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}
