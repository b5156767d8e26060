package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-archiver/archive"
	"github.com/dhcgn/mail-archiver/cmd"
	"github.com/dhcgn/mail-archiver/config"
	"github.com/dhcgn/mail-archiver/filter"
	"github.com/dhcgn/mail-archiver/folders"
	"github.com/dhcgn/mail-archiver/imap"
	"github.com/dhcgn/mail-archiver/mbox"
	"github.com/dhcgn/mail-archiver/runner"
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "mail-archiver",
		Short:         "Archive an IMAP mailbox to the filesystem and restore it into another mailbox",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.RegisterPersistentFlags(rootCmd)

	archiveCmd := &cobra.Command{
		Use:   "archive",
		Short: "Download messages from the source mailbox into the archive",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := config.LoadArchiveConfig(c)
			if err != nil {
				return err
			}
			return withLogger(cfg.Common, func(logger *slog.Logger) error {
				logger.Info("starting archive", "source", cfg.Source.Address, "folders", cfg.Folders, "archiveDir", cfg.ArchiveDir)
				return runArchive(c.Context(), cfg, logger)
			})
		},
	}
	config.RegisterArchiveFlags(archiveCmd)

	restoreCmd := &cobra.Command{
		Use:   "restore",
		Short: "Upload the archive into the destination mailbox",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := config.LoadRestoreConfig(c)
			if err != nil {
				return err
			}
			return withLogger(cfg.Common, func(logger *slog.Logger) error {
				logger.Info("starting restore", "destination", cfg.Dest.Address, "archiveDir", cfg.ArchiveDir)
				return runRestore(c.Context(), cfg, logger)
			})
		},
	}
	config.RegisterRestoreFlags(restoreCmd)

	exportCmd := &cobra.Command{
		Use:   "export-mbox",
		Short: "Write one archive folder as an mbox file",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := config.LoadExportConfig(c)
			if err != nil {
				return err
			}
			return withLogger(cfg.Common, func(logger *slog.Logger) error {
				store, err := archive.NewStore(cfg.ArchiveDir)
				if err != nil {
					return err
				}
				count, err := mbox.ExportFile(store, mbox.Options{Folder: cfg.Folder}, cfg.Output, logger)
				if err != nil {
					return fmt.Errorf("export %s: %w", cfg.Folder, err)
				}
				logger.Info("mbox written", "path", cfg.Output, "messages", count)
				return nil
			})
		},
	}
	config.RegisterExportFlags(exportCmd)

	rootCmd.AddCommand(archiveCmd, restoreCmd, exportCmd, cmd.NewArchiveStatsCommand())
	return rootCmd
}

func runArchive(ctx context.Context, cfg config.ArchiveConfig, logger *slog.Logger) error {
	store, err := archive.NewStore(cfg.ArchiveDir)
	if err != nil {
		return err
	}
	f, err := filter.New(cfg.Filter)
	if err != nil {
		return fmt.Errorf("filter.New: %w", err)
	}
	r, err := runner.New(store, nil, f, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}

	session, err := imap.Connect(cfg.Source.IMAPOptions(), logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = session.Logout()
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	return r.Archive(ctx, session, cfg.Folders, cfg.Window)
}

func runRestore(ctx context.Context, cfg config.RestoreConfig, logger *slog.Logger) error {
	store, err := archive.NewStore(cfg.ArchiveDir)
	if err != nil {
		return err
	}
	folderMap, err := folders.Load(cfg.FolderMapPath)
	if err != nil {
		return err
	}
	r, err := runner.New(store, folderMap, nil, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}

	session, err := imap.Connect(cfg.Dest.IMAPOptions(), logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = session.Logout()
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	return r.Restore(ctx, session)
}

func withLogger(common config.Common, fn func(*slog.Logger) error) error {
	logger, cleanup, err := setupLogger(common)
	if err != nil {
		return err
	}
	defer func() {
		_ = cleanup()
	}()

	slog.SetDefault(logger)
	return fn(logger)
}

func setupLogger(cfg config.Common) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("mail-archiver-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
