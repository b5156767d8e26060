package mbox

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-archiver/archive"
)

func message(from, subject, date string) []byte {
	lines := []string{"From: " + from, "Subject: " + subject}
	if date != "" {
		lines = append(lines, "Date: "+date)
	}
	lines = append(lines, "", "body of "+subject, "")
	return []byte(strings.Join(lines, "\r\n"))
}

func readMessages(t *testing.T, r io.Reader) []string {
	t.Helper()
	reader := mboxlib.NewReader(r)
	var out []string
	for {
		msg, err := reader.NextMessage()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		data, err := io.ReadAll(msg)
		require.NoError(t, err)
		out = append(out, string(data))
	}
}

func newStore(t *testing.T) *archive.Store {
	t.Helper()
	store, err := archive.NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestExport_WritesEntriesInOrder(t *testing.T) {
	store := newStore(t)
	_, err := store.Write("INBOX", "2023-02-01_second", message("Bob <bob@example.com>", "second", "Wed, 01 Feb 2023 09:00:00 +0000"), "", false, nil)
	require.NoError(t, err)
	_, err = store.Write("INBOX", "2023-01-01_first", message("alice@example.com", "first", "Sun, 01 Jan 2023 09:00:00 +0000"), "", false, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	count, err := Export(store, Options{Folder: "INBOX"}, &buf, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "From alice@example.com "), "unexpected mbox start: %q", out)
	assert.Contains(t, out, "From bob@example.com ")

	msgs := readMessages(t, strings.NewReader(out))
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0], "Subject: first")
	assert.Contains(t, msgs[1], "Subject: second")
	assert.Contains(t, msgs[1], "body of second")
}

func TestExport_SkipsEntriesWithoutRaw(t *testing.T) {
	store := newStore(t)
	require.NoError(t, os.MkdirAll(store.EntryPath("INBOX", "a_empty"), 0o755))
	_, err := store.Write("INBOX", "b_full", message("alice@example.com", "kept", ""), "", false, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	count, err := Export(store, Options{Folder: "INBOX", Now: func() time.Time {
		return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	}}, &buf, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Len(t, readMessages(t, &buf), 1)
}

func TestExport_Errors(t *testing.T) {
	store := newStore(t)

	_, err := Export(store, Options{}, io.Discard, nil)
	assert.Error(t, err)

	_, err = Export(store, Options{Folder: "Missing"}, io.Discard, nil)
	assert.Error(t, err)
}

func TestExportFile(t *testing.T) {
	store := newStore(t)
	_, err := store.Write("Sent", "x", message("alice@example.com", "sent item", "Sun, 01 Jan 2023 09:00:00 +0000"), "", false, nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "out", "sent.mbox")
	count, err := ExportFile(store, Options{Folder: "Sent"}, path, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	msgs := readMessages(t, file)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "Subject: sent item")
}

func TestEnvelope(t *testing.T) {
	from, date := envelope(message("Alice <alice@example.com>", "x", "Sun, 01 Jan 2023 09:00:00 +0100"))
	assert.Equal(t, "alice@example.com", from)
	assert.True(t, date.Equal(time.Date(2023, 1, 1, 8, 0, 0, 0, time.UTC)))

	from, date = envelope([]byte("Subject: no sender\r\n\r\nbody"))
	assert.Equal(t, unknownSender, from)
	assert.True(t, date.IsZero())
}
