package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// User is one account row. PasswordHash carries the encoded credential
// produced by the auth package.
type User struct {
	Username     string
	Email        string
	PasswordHash string
	FullName     string
	Active       bool
	CreatedAt    time.Time
	LastLogin    time.Time
}

// CreateUser inserts a new account. Returns ErrUserExists when the
// username is taken.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := s.execRetry(ctx,
		`INSERT INTO users (username, email, password_hash, full_name, is_active, created_at)
		 VALUES (?, ?, ?, ?, 1, ?)`,
		u.Username, u.Email, u.PasswordHash, u.FullName, formatTime(u.CreatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrUserExists, u.Username)
	}
	if err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	return nil
}

// GetUser returns the account with the given username.
func (s *Store) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	var created string
	var lastLogin, fullName sql.NullString
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT username, email, password_hash, full_name, is_active, created_at, last_login
		 FROM users WHERE username = ?`,
		username,
	).Scan(&u.Username, &u.Email, &u.PasswordHash, &fullName, &active, &created, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, username)
	}
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}
	u.FullName = fullName.String
	u.Active = active != 0
	u.CreatedAt = parseTime(created)
	if lastLogin.Valid {
		u.LastLogin = parseTime(lastLogin.String)
	}
	return &u, nil
}

// SetPassword replaces the stored credential for an account.
func (s *Store) SetPassword(ctx context.Context, username, passwordHash string) error {
	res, err := s.execRetry(ctx,
		`UPDATE users SET password_hash = ? WHERE username = ?`,
		passwordHash, username,
	)
	if err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: user %s", ErrNotFound, username)
	}
	return nil
}

// TouchLastLogin records a successful authentication time for an account.
func (s *Store) TouchLastLogin(ctx context.Context, username string) error {
	_, err := s.execRetry(ctx,
		`UPDATE users SET last_login = ? WHERE username = ?`,
		formatTime(time.Now()), username,
	)
	if err != nil {
		return fmt.Errorf("updating last login: %w", err)
	}
	return nil
}
