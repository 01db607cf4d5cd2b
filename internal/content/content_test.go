package content

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "emails"))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return s
}

func TestSafeFilename(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "angle brackets and at sign",
			input: "<123.abc@example.com>",
			want:  "123.abc_at_example.com.eml",
		},
		{
			name:  "bare id",
			input: "123@example.com",
			want:  "123_at_example.com.eml",
		},
		{
			name:  "unsafe characters",
			input: `<a/b\c*d?e:f"g>`,
			want:  "a_b_c_d_e_f_g.eml",
		},
		{
			name:  "empty",
			input: "",
			want:  "message.eml",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeFilename(tt.input); got != tt.want {
				t.Errorf("SafeFilename(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSafeFilenameLongIDsDoNotCollide(t *testing.T) {
	base := strings.Repeat("x", 150)
	a := SafeFilename("<" + base + "a@example.com>")
	b := SafeFilename("<" + base + "b@example.com>")
	if a == b {
		t.Errorf("distinct long IDs produced the same filename %q", a)
	}
	if len(a) > maxNameLen+len(fileExt) {
		t.Errorf("filename length %d exceeds cap", len(a))
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	raw := []byte("From: a@example.com\r\n\r\nbody\r\n")

	name, err := s.Put("<id1@example.com>", raw)
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if name != "id1_at_example.com.eml" {
		t.Errorf("Put() returned name %q", name)
	}

	got, err := s.Get("<id1@example.com>", name)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if string(got) != string(raw) {
		t.Errorf("Get() = %q, want %q", got, raw)
	}

	// Canonical lookup without a hint also works.
	got, err = s.Get("<id1@example.com>", "")
	if err != nil {
		t.Fatalf("Get() without hint error: %v", err)
	}
	if string(got) != string(raw) {
		t.Errorf("Get() without hint = %q", got)
	}
}

func TestPutReplacesExisting(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Put("<id@example.com>", []byte("first")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put("<id@example.com>", []byte("second")); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get("<id@example.com>", "")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "second" {
		t.Errorf("Get() = %q, want second", got)
	}
}

func TestPutLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Put("<id@example.com>", []byte("data")); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("temp file %q left behind", e.Name())
		}
	}
}

func TestGetFallsBackToDirectoryScan(t *testing.T) {
	s := newTestStore(t)
	raw := []byte("From: a@example.com\r\n\r\nbody\r\n")

	// A file written under an older naming scheme: the safe name is
	// embedded but neither the hint nor the canonical name match.
	legacy := "legacy-" + SafeFilename("<old@example.com>")
	if err := os.WriteFile(filepath.Join(s.Dir(), legacy), raw, 0600); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get("<old@example.com>", "")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if string(got) != string(raw) {
		t.Errorf("Get() = %q, want %q", got, raw)
	}

	// A stale hint still finds the legacy file.
	got, err = s.Get("<old@example.com>", "gone.eml")
	if err != nil {
		t.Fatalf("Get() with stale hint error: %v", err)
	}
	if string(got) != string(raw) {
		t.Errorf("Get() with stale hint = %q", got)
	}
}

func TestGetScanIgnoresUnrelatedFiles(t *testing.T) {
	s := newTestStore(t)
	if err := os.WriteFile(filepath.Join(s.Dir(), "other_at_example.com.eml"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("<nope@example.com>", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("<nope@example.com>", "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	s := newTestStore(t)
	name, err := s.Put("<id@example.com>", []byte("data"))
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Delete("<id@example.com>", name); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := s.Get("<id@example.com>", name); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete = %v, want ErrNotFound", err)
	}

	// Second delete of the same ID succeeds.
	if err := s.Delete("<id@example.com>", name); err != nil {
		t.Errorf("repeated Delete() error: %v", err)
	}
}

func TestHintCannotEscapeDirectory(t *testing.T) {
	s := newTestStore(t)

	outside := filepath.Join(filepath.Dir(s.Dir()), "outside.eml")
	if err := os.WriteFile(outside, []byte("secret"), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := s.Get("<id@example.com>", "../outside.eml")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() with traversal hint = %v, want ErrNotFound", err)
	}
}
