package cmd

import (
	"bytes"
	"encoding/csv"
	"mime"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-archiver/archive"
	"github.com/dhcgn/mail-archiver/config"
	"github.com/dhcgn/mail-archiver/filter"
)

func rawMessage(from, subject string) []byte {
	return []byte("From: " + from + "\r\nTo: me@example.com\r\nSubject: " + subject + "\r\n\r\nbody\r\n")
}

func seedStore(t *testing.T) *archive.Store {
	t.Helper()
	store, err := archive.NewStore(t.TempDir())
	require.NoError(t, err)

	seed := []struct {
		folder, label, from, subject string
	}{
		{"INBOX", "a", "alice@example.com", "hello"},
		{"INBOX", "b", "alice@example.com", mime.QEncoding.Encode("utf-8", "Zażółć")},
		{"INBOX", "c", "bob@example.com", "hello"},
		{"Sent", "d", "me@example.com", "reply"},
	}
	for _, s := range seed {
		_, err := store.Write(s.folder, s.label, rawMessage(s.from, s.subject), "", false, nil)
		require.NoError(t, err)
	}
	require.NoError(t, os.MkdirAll(store.EntryPath("Sent", "e_broken"), 0o755))
	return store
}

func TestCollect_AllFolders(t *testing.T) {
	store := seedStore(t)

	report, err := Collect(store, "", nil)
	require.NoError(t, err)

	assert.Equal(t, 4, report.Messages)
	assert.Equal(t, 1, report.Missing)
	assert.Equal(t, map[string]int{"INBOX": 3, "Sent": 1}, report.Folders)
	assert.Equal(t, 2, report.Counter["From"]["alice@example.com"])
	assert.Equal(t, 2, report.Counter["Subject"]["hello"])
	assert.Equal(t, 1, report.Counter["Subject"]["Zażółć"])
	assert.Equal(t, 4, report.Counter["To"]["me@example.com"])
}

func TestCollect_SingleFolderWithFilter(t *testing.T) {
	store := seedStore(t)
	f, err := filter.New(filter.Options{ExcludeHeader: []string{"From: bob@"}})
	require.NoError(t, err)

	report, err := Collect(store, "INBOX", f)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Messages)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, f.GetStats().ExcludeHeaderHits["From: bob@"])
}

func TestCollect_MissingFolder(t *testing.T) {
	store := seedStore(t)
	_, err := Collect(store, "Nope", nil)
	assert.Error(t, err)
}

func TestReport_Print(t *testing.T) {
	store := seedStore(t)
	f, err := filter.New(filter.Options{IncludeHeader: []string{"alice", "nobody"}})
	require.NoError(t, err)
	report, err := Collect(store, "", f)
	require.NoError(t, err)

	var buf bytes.Buffer
	report.Print(&buf, 1, f.GetStats())
	out := buf.String()

	assert.Contains(t, out, "Processed 2 messages (skipped 2 by filters, 50.00%")
	assert.Contains(t, out, "✓ alice: 2 hits")
	assert.Contains(t, out, "✗ nobody: 0 hits")
	assert.Contains(t, out, "Top 1 From:\n1. alice@example.com (2)\n")
}

func TestSaveCSVReports(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	counter := map[string]map[string]int{
		"Delivered-To": {},
		"From":         {"a@example.com": 3, "b@example.com": 5, "c@example.com": 1},
	}

	require.NoError(t, SaveCSVReports(counter, []string{"Delivered-To", "From"}, dir, 2))

	file, err := os.Open(filepath.Join(dir, "report_from.csv"))
	require.NoError(t, err)
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"Value", "Count"},
		{"b@example.com", "5"},
		{"a@example.com", "3"},
	}, records)

	_, err = os.Stat(filepath.Join(dir, "report_delivered_to.csv"))
	assert.NoError(t, err)
}

func TestArchiveStatsCommand(t *testing.T) {
	store := seedStore(t)
	reports := t.TempDir()

	root := &cobra.Command{Use: "mail-archiver", SilenceUsage: true, SilenceErrors: true}
	config.RegisterPersistentFlags(root)
	root.AddCommand(NewArchiveStatsCommand())

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"archive-stats", "--env-file", "", "--archive-dir", store.Root(), "--output", reports, "--top", "2"})
	require.NoError(t, root.Execute())

	assert.Contains(t, out.String(), "Processed 4 messages")
	assert.Contains(t, out.String(), "Reports saved to directory: "+reports)
	for _, name := range []string{"report_delivered_to.csv", "report_subject.csv", "report_from.csv", "report_to.csv"} {
		_, err := os.Stat(filepath.Join(reports, name))
		assert.NoError(t, err, name)
	}
}

func TestNormalizeHeaderName(t *testing.T) {
	assert.Equal(t, "delivered_to", normalizeHeaderName("Delivered-To"))
	assert.Equal(t, "x_my_header", normalizeHeaderName("X-My Header"))
}
