package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Delivery status values for sent messages.
const (
	SentStatusQueued = "queued"
	SentStatusSent   = "sent"
	SentStatusFailed = "failed"
)

// SentEmail is one row in the sent-message archive kept by the SMTP
// client engine.
type SentEmail struct {
	MessageID      string
	From           string
	To             []string
	Cc             []string
	Bcc            []string
	Subject        string
	Date           time.Time
	Size           int64
	HasAttachments bool
	ContentPath    string
	Status         string
}

// InsertSent archives an outbound message. Re-inserting the same Message-ID
// returns ErrDuplicate.
func (s *Store) InsertSent(ctx context.Context, e *SentEmail) error {
	hasAtt := 0
	if e.HasAttachments {
		hasAtt = 1
	}
	_, err := s.execRetry(ctx,
		`INSERT INTO sent_emails
			(message_id, from_addr, to_addrs, cc_addrs, bcc_addrs, subject,
			 date, size, has_attachments, content_path, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.MessageID, e.From, joinAddrs(e.To), joinAddrs(e.Cc), joinAddrs(e.Bcc),
		e.Subject, formatTime(e.Date), e.Size, hasAtt, e.ContentPath, e.Status,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicate, e.MessageID)
	}
	if err != nil {
		return fmt.Errorf("inserting sent row: %w", err)
	}
	return nil
}

// UpdateSentStatus records the delivery outcome for a sent message.
func (s *Store) UpdateSentStatus(ctx context.Context, messageID, status string) error {
	res, err := s.execRetry(ctx,
		`UPDATE sent_emails SET status = ? WHERE message_id = ?`,
		status, messageID,
	)
	if err != nil {
		return fmt.Errorf("updating sent status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, messageID)
	}
	return nil
}

// GetSent returns the archived sent message with the given Message-ID.
func (s *Store) GetSent(ctx context.Context, messageID string) (*SentEmail, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT message_id, from_addr, to_addrs, cc_addrs, bcc_addrs, subject,
			date, size, has_attachments, content_path, status
		 FROM sent_emails WHERE message_id = ?`,
		messageID,
	)
	return scanSent(row)
}

// ListSent returns archived sent messages for a sender, newest first.
func (s *Store) ListSent(ctx context.Context, from string) ([]*SentEmail, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, from_addr, to_addrs, cc_addrs, bcc_addrs, subject,
			date, size, has_attachments, content_path, status
		 FROM sent_emails
		 WHERE from_addr = ?
		 ORDER BY date DESC, message_id ASC`,
		from,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sent: %w", err)
	}
	defer rows.Close()

	var out []*SentEmail
	for rows.Next() {
		e, err := scanSentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanSent(row *sql.Row) (*SentEmail, error) {
	var e SentEmail
	var to, date string
	var cc, bcc, subject, contentPath, status sql.NullString
	var hasAtt int
	err := row.Scan(&e.MessageID, &e.From, &to, &cc, &bcc, &subject,
		&date, &e.Size, &hasAtt, &contentPath, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning sent row: %w", err)
	}
	fillSent(&e, to, cc, bcc, subject, date, hasAtt, contentPath, status)
	return &e, nil
}

func scanSentRows(rows *sql.Rows) (*SentEmail, error) {
	var e SentEmail
	var to, date string
	var cc, bcc, subject, contentPath, status sql.NullString
	var hasAtt int
	if err := rows.Scan(&e.MessageID, &e.From, &to, &cc, &bcc, &subject,
		&date, &e.Size, &hasAtt, &contentPath, &status); err != nil {
		return nil, fmt.Errorf("scanning sent row: %w", err)
	}
	fillSent(&e, to, cc, bcc, subject, date, hasAtt, contentPath, status)
	return &e, nil
}

func fillSent(e *SentEmail, to string, cc, bcc, subject sql.NullString, date string, hasAtt int, contentPath, status sql.NullString) {
	e.To = splitAddrs(to)
	e.Cc = splitAddrs(cc.String)
	e.Bcc = splitAddrs(bcc.String)
	e.Subject = subject.String
	e.Date = parseTime(date)
	e.HasAttachments = hasAtt != 0
	e.ContentPath = contentPath.String
	e.Status = status.String
}
