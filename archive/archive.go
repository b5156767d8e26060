package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dhcgn/mail-archiver/decompose"
)

const (
	RawFileName  = "email.eml"
	BodyFileName = "email_body.txt"

	labelTimeLayout = "2006-01-02_15-04-05"
	maxSubjectRunes = 50
	defaultSubject  = "no-subject"
)

var (
	ErrEntryNotFound = errors.New("archive entry not found")
	// ErrPartialWrite means email.eml was written but some other file was not.
	ErrPartialWrite = errors.New("archive entry partially written")
)

// Store is a directory tree of archived messages:
// <root>/<folder>/<label>/{email.eml,email_body.txt,attachments...}.
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("archive root is empty")
	}
	return &Store{root: filepath.Clean(root)}, nil
}

func (s *Store) Root() string {
	return s.root
}

// Label builds the entry directory name from the message timestamp and the
// first 50 characters of its subject, keeping only [A-Za-z0-9_-].
func Label(date time.Time, subject string) string {
	if subject == "" {
		subject = defaultSubject
	}
	if runes := []rune(subject); len(runes) > maxSubjectRunes {
		subject = string(runes[:maxSubjectRunes])
	}

	label := date.Format(labelTimeLayout) + "_" + subject
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return -1
		}
	}, label)
}

func (s *Store) EntryPath(folder, label string) string {
	return filepath.Join(s.root, folder, label)
}

// Write creates the entry directory if needed and writes every file of the
// entry. An existing entry with the same label is overwritten file by file.
// email.eml is written last so it survives an attachment of the same name.
func (s *Store) Write(folder, label string, raw []byte, body string, hasBody bool, attachments []decompose.Attachment) (string, error) {
	dir := s.EntryPath(folder, label)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return dir, fmt.Errorf("create entry directory: %w", err)
	}

	var errs []error
	for _, a := range attachments {
		path := filepath.Join(dir, a.Filename)
		if err := os.WriteFile(path, a.Data, 0o644); err != nil {
			errs = append(errs, fmt.Errorf("write attachment %s: %w", a.Filename, err))
		}
	}

	if hasBody {
		if err := os.WriteFile(filepath.Join(dir, BodyFileName), []byte(body), 0o644); err != nil {
			errs = append(errs, fmt.Errorf("write body: %w", err))
		}
	}

	if err := os.WriteFile(filepath.Join(dir, RawFileName), raw, 0o644); err != nil {
		return dir, fmt.Errorf("write raw message: %w", err)
	}

	if len(errs) > 0 {
		return dir, fmt.Errorf("%w: %w", ErrPartialWrite, errors.Join(errs...))
	}
	return dir, nil
}

// ListFolders returns the top-level folder directories in directory order.
func (s *Store) ListFolders() ([]string, error) {
	return listDirs(s.root)
}

// ListEntries returns the entry directories of folder, sorted lexicographically.
func (s *Store) ListEntries(folder string) ([]string, error) {
	entries, err := listDirs(filepath.Join(s.root, folder))
	if err != nil {
		return nil, err
	}
	sort.Strings(entries)
	return entries, nil
}

// ReadRaw returns the archived wire-format message of one entry.
func (s *Store) ReadRaw(folder, label string) ([]byte, error) {
	path := filepath.Join(s.EntryPath(folder, label), RawFileName)
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return raw, nil
}

func listDirs(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	dirs := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		}
	}
	return dirs, nil
}
