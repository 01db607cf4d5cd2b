// Package content stores raw message bodies as files on disk, keyed by
// Message-ID. Metadata lives in the database; this package only handles
// the bytes.
package content

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// maxNameLen bounds the derived filename before the extension. Longer names
// are truncated and suffixed with a hash of the full Message-ID so distinct
// IDs cannot collide after truncation.
const maxNameLen = 100

const fileExt = ".eml"

var unsafeChars = regexp.MustCompile(`[\\/*?:"<>|]`)

// ErrNotFound is returned when no content file exists for a Message-ID.
var ErrNotFound = errors.New("content: message not found")

// Store writes and reads raw message files under a single directory.
type Store struct {
	dir string
}

// New creates a Store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating content directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory the store writes into.
func (s *Store) Dir() string {
	return s.dir
}

// SafeFilename derives a filesystem-safe filename from a Message-ID.
// Angle brackets are stripped, the @ separator becomes "_at_", and
// characters unsafe on common filesystems become underscores.
func SafeFilename(messageID string) string {
	name := strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(messageID), "<"), ">")
	name = strings.ReplaceAll(name, "@", "_at_")
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return '_'
		}
		return r
	}, name)
	if name == "" {
		name = "message"
	}
	if len(name) > maxNameLen {
		sum := sha256.Sum256([]byte(messageID))
		name = name[:maxNameLen-17] + "-" + hex.EncodeToString(sum[:8])
	}
	return name + fileExt
}

// Put writes the raw message atomically and returns the filename it was
// stored under. An existing file for the same Message-ID is replaced.
func (s *Store) Put(messageID string, raw []byte) (string, error) {
	name := SafeFilename(messageID)
	path := filepath.Join(s.dir, name)

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing content: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("syncing content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("publishing content: %w", err)
	}
	return name, nil
}

// Get reads the raw message for a Message-ID. When the stored filename is
// known (from the metadata row) pass it as hint; the canonical derived name
// is tried next, then a bounded directory scan for files containing the
// safe name, which tolerates historical filename schemes.
func (s *Store) Get(messageID, hint string) ([]byte, error) {
	for _, name := range s.candidates(messageID, hint) {
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading content %s: %w", name, err)
		}
	}
	if name, ok := s.scan(messageID); ok {
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading content %s: %w", name, err)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, messageID)
}

// Delete removes the content file for a Message-ID. Deleting content that
// is already gone is not an error.
func (s *Store) Delete(messageID, hint string) error {
	for _, name := range s.candidates(messageID, hint) {
		err := os.Remove(filepath.Join(s.dir, name))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("deleting content %s: %w", name, err)
		}
	}
	return nil
}

// scanLimit caps how many directory entries the fallback scan examines so
// a huge spool cannot stall a single lookup.
const scanLimit = 4096

// scan looks through the content directory for a filename containing the
// safe name derived from the Message-ID.
func (s *Store) scan(messageID string) (string, bool) {
	stem := strings.TrimSuffix(SafeFilename(messageID), fileExt)
	dir, err := os.Open(s.dir)
	if err != nil {
		return "", false
	}
	defer dir.Close()

	for examined := 0; examined < scanLimit; {
		entries, err := dir.ReadDir(256)
		for _, e := range entries {
			examined++
			if e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") {
				continue
			}
			if strings.Contains(e.Name(), stem) {
				return e.Name(), true
			}
		}
		if err != nil {
			return "", false
		}
	}
	return "", false
}

// candidates returns the filenames to try for a Message-ID, hint first.
func (s *Store) candidates(messageID, hint string) []string {
	canonical := SafeFilename(messageID)
	if hint == "" || hint == canonical {
		return []string{canonical}
	}
	// A hint from the database must stay inside the content directory.
	if hint != filepath.Base(hint) {
		return []string{canonical}
	}
	return []string{hint, canonical}
}
