package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-archiver/config"
)

func TestNewRootCommand_Subcommands(t *testing.T) {
	root := newRootCommand()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"archive", "restore", "export-mbox", "archive-stats"})
	assert.NotNil(t, root.PersistentFlags().Lookup("archive-dir"))
}

func TestRestoreCommand_MissingCredentials(t *testing.T) {
	for _, key := range []string{config.EnvDestAddress, config.EnvDestUser, config.EnvDestPassword} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}

	root := newRootCommand()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"restore", "--env-file", ""})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--dest-address")
}

func TestSetupLogger_LogDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	logger, cleanup, err := setupLogger(config.Common{LogLevel: "debug", LogDir: dir})
	require.NoError(t, err)
	logger.Debug("hello from test")
	require.NoError(t, cleanup())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "mail-archiver-"))

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from test")
}
