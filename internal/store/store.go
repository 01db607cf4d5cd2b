// Package store persists message metadata and user accounts in SQLite.
// Raw message bytes live in the content store; rows here carry the
// filename pointing at them.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors returned by store operations.
var (
	ErrNotFound   = errors.New("store: not found")
	ErrDuplicate  = errors.New("store: duplicate message")
	ErrUserExists = errors.New("store: user already exists")
)

// busyRetries bounds how many times a busy database is retried before the
// error is surfaced. The driver-level busy_timeout handles short contention;
// this loop covers writers that hold the lock longer.
const busyRetries = 5

// Store wraps the SQLite database holding mailbox metadata and users.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	dsn := "file:" + path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(5000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids lock churn
	// between the two protocol servers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			email TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			full_name TEXT,
			is_active INTEGER DEFAULT 1,
			created_at TEXT NOT NULL,
			last_login TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS emails (
			message_id TEXT NOT NULL,
			from_addr TEXT NOT NULL,
			to_addrs TEXT NOT NULL,
			recipient TEXT NOT NULL,
			subject TEXT,
			date TEXT NOT NULL,
			size INTEGER NOT NULL,
			is_read INTEGER DEFAULT 0,
			is_deleted INTEGER DEFAULT 0,
			is_spam INTEGER DEFAULT 0,
			spam_score REAL DEFAULT 0.0,
			content_path TEXT,
			PRIMARY KEY (message_id, recipient)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_emails_recipient
			ON emails (recipient, is_deleted, date)`,
		`CREATE TABLE IF NOT EXISTS sent_emails (
			message_id TEXT PRIMARY KEY,
			from_addr TEXT NOT NULL,
			to_addrs TEXT NOT NULL,
			cc_addrs TEXT,
			bcc_addrs TEXT,
			subject TEXT,
			date TEXT NOT NULL,
			size INTEGER NOT NULL,
			has_attachments INTEGER DEFAULT 0,
			content_path TEXT,
			status TEXT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}

// execRetry runs a statement, retrying with backoff while the database
// reports it is busy or locked.
func (s *Store) execRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	var err error
	for attempt := 0; attempt <= busyRetries; attempt++ {
		res, err = s.db.ExecContext(ctx, query, args...)
		if err == nil || !isBusy(err) {
			return res, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return res, err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// timeFormat is how timestamps are stored. RFC 3339 in UTC sorts
// lexicographically in chronological order.
const timeFormat = time.RFC3339

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func joinAddrs(addrs []string) string {
	return strings.Join(addrs, ",")
}

func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
