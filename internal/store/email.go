package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Email is one inbox row: a message as delivered to a single local recipient.
// Multi-recipient messages produce one row per recipient sharing the same
// Message-ID and content file.
type Email struct {
	MessageID   string
	From        string
	To          []string
	Recipient   string
	Subject     string
	Date        time.Time
	Size        int64
	Read        bool
	Deleted     bool
	Spam        bool
	SpamScore   float64
	ContentPath string
}

// InsertInbox records a delivered message for one recipient. Inserting the
// same Message-ID for the same recipient again returns ErrDuplicate.
func (s *Store) InsertInbox(ctx context.Context, e *Email) error {
	spam := 0
	if e.Spam {
		spam = 1
	}
	_, err := s.execRetry(ctx,
		`INSERT INTO emails
			(message_id, from_addr, to_addrs, recipient, subject, date, size,
			 is_spam, spam_score, content_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.MessageID, e.From, joinAddrs(e.To), e.Recipient,
		e.Subject, formatTime(e.Date), e.Size, spam, e.SpamScore, e.ContentPath,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s for %s", ErrDuplicate, e.MessageID, e.Recipient)
	}
	if err != nil {
		return fmt.Errorf("inserting inbox row: %w", err)
	}
	return nil
}

// GetInbox returns the inbox row for a Message-ID and recipient.
func (s *Store) GetInbox(ctx context.Context, messageID, recipient string) (*Email, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT message_id, from_addr, to_addrs, recipient, subject, date, size,
			is_read, is_deleted, is_spam, spam_score, content_path
		 FROM emails WHERE message_id = ? AND recipient = ?`,
		messageID, recipient,
	)
	return scanEmail(row)
}

// ListInbox returns the non-deleted messages for a recipient, oldest first.
// This is the mailbox snapshot a POP3 session freezes at login.
func (s *Store) ListInbox(ctx context.Context, recipient string) ([]*Email, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, from_addr, to_addrs, recipient, subject, date, size,
			is_read, is_deleted, is_spam, spam_score, content_path
		 FROM emails
		 WHERE recipient = ? AND is_deleted = 0
		 ORDER BY date ASC, message_id ASC`,
		recipient,
	)
	if err != nil {
		return nil, fmt.Errorf("listing inbox: %w", err)
	}
	defer rows.Close()
	return collectEmails(rows)
}

// SearchInbox returns non-deleted messages for a recipient whose subject or
// sender contains the query string, newest first.
func (s *Store) SearchInbox(ctx context.Context, recipient, query string) ([]*Email, error) {
	pattern := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, from_addr, to_addrs, recipient, subject, date, size,
			is_read, is_deleted, is_spam, spam_score, content_path
		 FROM emails
		 WHERE recipient = ? AND is_deleted = 0
			AND (subject LIKE ? OR from_addr LIKE ?)
		 ORDER BY date DESC, message_id ASC`,
		recipient, pattern, pattern,
	)
	if err != nil {
		return nil, fmt.Errorf("searching inbox: %w", err)
	}
	defer rows.Close()
	return collectEmails(rows)
}

// MarkRead flags a message as read for a recipient.
func (s *Store) MarkRead(ctx context.Context, messageID, recipient string) error {
	return s.markFlag(ctx, "is_read", messageID, recipient)
}

// MarkSpam flags a message as spam for a recipient with a score.
func (s *Store) MarkSpam(ctx context.Context, messageID, recipient string, score float64) error {
	res, err := s.execRetry(ctx,
		`UPDATE emails SET is_spam = 1, spam_score = ? WHERE message_id = ? AND recipient = ?`,
		score, messageID, recipient,
	)
	if err != nil {
		return fmt.Errorf("updating spam flag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s for %s", ErrNotFound, messageID, recipient)
	}
	return nil
}

func (s *Store) markFlag(ctx context.Context, column, messageID, recipient string) error {
	res, err := s.execRetry(ctx,
		"UPDATE emails SET "+column+" = 1 WHERE message_id = ? AND recipient = ?",
		messageID, recipient,
	)
	if err != nil {
		return fmt.Errorf("updating %s: %w", column, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s for %s", ErrNotFound, messageID, recipient)
	}
	return nil
}

// Expunge marks the given Message-IDs deleted for a recipient in a single
// transaction. Either all deletions apply or none do. It returns the content
// paths of rows that no longer have any live recipient, so the caller can
// remove the backing files.
func (s *Store) Expunge(ctx context.Context, recipient string, messageIDs []string) ([]string, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning expunge: %w", err)
	}
	defer tx.Rollback()

	for _, id := range messageIDs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE emails SET is_deleted = 1 WHERE message_id = ? AND recipient = ?`,
			id, recipient,
		); err != nil {
			return nil, fmt.Errorf("expunging %s: %w", id, err)
		}
	}

	// Content files are shared between recipients of the same message;
	// only orphaned ones may be removed.
	var orphaned []string
	for _, id := range messageIDs {
		var path sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT content_path FROM emails
			 WHERE message_id = ?
			   AND NOT EXISTS (
				SELECT 1 FROM emails WHERE message_id = ? AND is_deleted = 0
			   )
			 LIMIT 1`,
			id, id,
		).Scan(&path)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("checking orphaned content for %s: %w", id, err)
		}
		if path.Valid && path.String != "" {
			orphaned = append(orphaned, path.String)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing expunge: %w", err)
	}
	return orphaned, nil
}

func scanEmail(row *sql.Row) (*Email, error) {
	var e Email
	var toAddrs, date string
	var read, deleted, spam int
	var subject, contentPath sql.NullString
	err := row.Scan(&e.MessageID, &e.From, &toAddrs, &e.Recipient, &subject,
		&date, &e.Size, &read, &deleted, &spam, &e.SpamScore, &contentPath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning email row: %w", err)
	}
	e.To = splitAddrs(toAddrs)
	e.Subject = subject.String
	e.Date = parseTime(date)
	e.Read = read != 0
	e.Deleted = deleted != 0
	e.Spam = spam != 0
	e.ContentPath = contentPath.String
	return &e, nil
}

func collectEmails(rows *sql.Rows) ([]*Email, error) {
	var out []*Email
	for rows.Next() {
		var e Email
		var toAddrs, date string
		var read, deleted, spam int
		var subject, contentPath sql.NullString
		if err := rows.Scan(&e.MessageID, &e.From, &toAddrs, &e.Recipient, &subject,
			&date, &e.Size, &read, &deleted, &spam, &e.SpamScore, &contentPath); err != nil {
			return nil, fmt.Errorf("scanning email row: %w", err)
		}
		e.To = splitAddrs(toAddrs)
		e.Subject = subject.String
		e.Date = parseTime(date)
		e.Read = read != 0
		e.Deleted = deleted != 0
		e.Spam = spam != 0
		e.ContentPath = contentPath.String
		out = append(out, &e)
	}
	return out, rows.Err()
}
