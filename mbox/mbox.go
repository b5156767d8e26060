// Package mbox exports an archived folder as a single mbox file.
package mbox

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/dhcgn/mail-archiver/archive"
)

const unknownSender = "MAILER-DAEMON"

type Options struct {
	Folder string
	// Now dates messages without a usable Date header. Defaults to time.Now.
	Now func() time.Time
}

// Export writes every entry of one archive folder to w in lexicographic entry
// order and returns the number of messages written. Entries without
// email.eml are skipped.
func Export(store *archive.Store, opts Options, w io.Writer, logger *slog.Logger) (int, error) {
	if opts.Folder == "" {
		return 0, fmt.Errorf("mbox export folder is empty")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	entries, err := store.ListEntries(opts.Folder)
	if err != nil {
		return 0, fmt.Errorf("list archive folder: %w", err)
	}

	writer := mboxlib.NewWriter(w)
	count := 0
	for _, entry := range entries {
		raw, err := store.ReadRaw(opts.Folder, entry)
		if errors.Is(err, archive.ErrEntryNotFound) {
			if logger != nil {
				logger.Warn("missing email.eml, skipping", "folder", opts.Folder, "entry", entry)
			}
			continue
		}
		if err != nil {
			return count, err
		}

		from, date := envelope(raw)
		if date.IsZero() {
			date = opts.Now()
		}

		mw, err := writer.CreateMessage(from, date)
		if err != nil {
			return count, fmt.Errorf("entry %s: %w", entry, err)
		}
		if _, err := mw.Write(raw); err != nil {
			return count, fmt.Errorf("entry %s: %w", entry, err)
		}
		count++
	}

	if err := writer.Close(); err != nil {
		return count, fmt.Errorf("close mbox: %w", err)
	}
	if logger != nil {
		logger.Info("mbox export completed", "folder", opts.Folder, "messages", count)
	}
	return count, nil
}

// ExportFile creates path and exports the folder into it.
func ExportFile(store *archive.Store, opts Options, path string, logger *slog.Logger) (int, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create mbox: %w", err)
	}

	buf := bufio.NewWriter(file)
	count, err := Export(store, opts, buf, logger)
	if err != nil {
		file.Close()
		return count, err
	}
	if err := buf.Flush(); err != nil {
		file.Close()
		return count, err
	}
	return count, file.Close()
}

// envelope returns the sender address and Date of raw for the mbox "From "
// line. Missing values are empty or zero.
func envelope(raw []byte) (string, time.Time) {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return unknownSender, time.Time{}
	}
	mh := mail.Header{}
	mh.Header.Header = h

	from := unknownSender
	if addrs, err := mh.AddressList("From"); err == nil && len(addrs) > 0 && addrs[0].Address != "" {
		from = addrs[0].Address
	}

	date, err := mh.Date()
	if err != nil {
		return from, time.Time{}
	}
	return from, date
}
