// Package runner drives the two transfer phases: archiving a source mailbox
// to the filesystem and restoring the archive into a destination mailbox.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/emersion/go-message/textproto"

	"github.com/dhcgn/mail-archiver/archive"
	"github.com/dhcgn/mail-archiver/decompose"
	"github.com/dhcgn/mail-archiver/filter"
	"github.com/dhcgn/mail-archiver/folders"
	"github.com/dhcgn/mail-archiver/imap"
	"github.com/dhcgn/mail-archiver/model"
	"github.com/dhcgn/mail-archiver/stats"
)

// Session is the part of an IMAP session the pipeline needs.
// *imap.Session implements it.
type Session interface {
	SelectFolder(name string) (uint32, error)
	SearchByDateRange(window model.DateRange) ([]uint32, error)
	FetchRaw(seqNum uint32) ([]byte, error)
	Append(folder string, flags []string, date time.Time, raw []byte) error
}

type Option func(*Runner)

// WithClock replaces the time source used for fallback timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

type Runner struct {
	store    *archive.Store
	folders  *folders.Map
	filter   *filter.Filter
	logger   *slog.Logger
	reporter *stats.Reporter
	now      func() time.Time
}

// New builds a pipeline over store. A nil folder map uses the defaults and a
// nil filter allows every message.
func New(store *archive.Store, folderMap *folders.Map, f *filter.Filter, logger *slog.Logger, opts ...Option) (*Runner, error) {
	if store == nil {
		return nil, fmt.Errorf("archive store is nil")
	}
	if folderMap == nil {
		folderMap = folders.Default()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	r := &Runner{
		store:    store,
		folders:  folderMap,
		filter:   f,
		logger:   logger,
		reporter: stats.NewReporter(logger),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Runner) Summary() stats.Summary {
	return r.reporter.Summary()
}

// Archive copies every message of folders inside window into the store.
// Only a lost session or a cancelled context stops the run early.
func (r *Runner) Archive(ctx context.Context, session Session, folderNames []string, window model.DateRange) (err error) {
	r.reporter.Start()
	defer func() {
		r.reporter.Finish(stats.StageArchive, err)
	}()

	r.logger.Info("archive started", "folders", len(folderNames), "since", window.Since.Format(time.DateOnly), "before", window.Before.Format(time.DateOnly), "root", r.store.Root())

	for _, folder := range folderNames {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.archiveFolder(ctx, session, folder, window); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) archiveFolder(ctx context.Context, session Session, folder string, window model.DateRange) error {
	logger := r.logger.With("folder", folder)

	if _, err := session.SelectFolder(folder); err != nil {
		if fatal(err) {
			return err
		}
		logger.Warn("cannot select folder, skipping", "err", err)
		r.record(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeFolderSkipped, Folder: folder, Err: err})
		return nil
	}

	seqNums, err := session.SearchByDateRange(window)
	if err != nil {
		if fatal(err) {
			return err
		}
		logger.Warn("search failed, skipping folder", "err", err)
		r.record(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeFolderSkipped, Folder: folder, Err: err})
		return nil
	}
	logger.Info("messages found", "count", len(seqNums))

	for _, seqNum := range seqNums {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.archiveMessage(session, folder, seqNum); err != nil {
			return err
		}
	}
	return nil
}

// archiveMessage returns an error only when the run must stop.
func (r *Runner) archiveMessage(session Session, folder string, seqNum uint32) error {
	ref := strconv.FormatUint(uint64(seqNum), 10)
	logger := r.logger.With("folder", folder, "seq", seqNum)

	raw, err := session.FetchRaw(seqNum)
	if err != nil {
		if fatal(err) {
			return err
		}
		logger.Error("fetch failed", "err", err)
		r.record(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeError, Folder: folder, Ref: ref, Err: err})
		return nil
	}

	if !r.filter.Allows(raw) {
		logger.Debug("message filtered out")
		r.record(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeFiltered, Folder: folder, Ref: ref})
		return nil
	}

	res, err := decompose.Decompose(raw, logger)
	if err != nil {
		logger.Error("cannot parse message", "err", err)
		r.record(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeError, Folder: folder, Ref: ref, Err: err})
		return nil
	}

	msg := model.Message{Folder: folder, SeqNum: seqNum, Subject: res.Subject, Date: res.Date, Raw: raw}
	labelDate := msg.Date
	if labelDate.IsZero() {
		labelDate = r.now()
		logger.Debug("no usable Date header, labelling with processing time")
	}
	label := archive.Label(labelDate, msg.Subject)

	path, err := r.store.Write(msg.Folder, label, msg.Raw, res.Body, res.HasBody, res.Attachments)
	if err != nil {
		logger.Error("cannot write archive entry", "path", path, "err", err)
		r.record(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeError, Folder: folder, Ref: ref, Err: err})
		if !errors.Is(err, archive.ErrPartialWrite) {
			return nil
		}
	}

	logger.Info("message archived", "path", path, "attachments", len(res.Attachments), "body", res.HasBody)
	r.record(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeArchived, Folder: folder, Ref: label})
	return nil
}

// Restore appends every archived message to the destination mailbox, each
// folder translated through the folder map.
func (r *Runner) Restore(ctx context.Context, session Session) (err error) {
	r.reporter.Start()
	defer func() {
		r.reporter.Finish(stats.StageRestore, err)
	}()

	folderNames, err := r.store.ListFolders()
	if err != nil {
		return fmt.Errorf("list archive folders: %w", err)
	}
	r.logger.Info("restore started", "folders", len(folderNames), "root", r.store.Root())

	for _, folder := range folderNames {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.restoreFolder(ctx, session, folder); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) restoreFolder(ctx context.Context, session Session, folder string) error {
	dest := r.folders.Resolve(folder)
	logger := r.logger.With("folder", folder, "destination", dest)

	// Append names its folder explicitly, so a failed select is only reported.
	if _, err := session.SelectFolder(dest); err != nil {
		if fatal(err) {
			return err
		}
		logger.Warn("cannot select destination folder", "err", err)
	}

	entries, err := r.store.ListEntries(folder)
	if err != nil {
		logger.Warn("cannot read archive folder, skipping", "err", err)
		r.record(stats.Event{Stage: stats.StageRestore, Type: stats.EventTypeFolderSkipped, Folder: folder, Err: err})
		return nil
	}
	logger.Info("entries found", "count", len(entries))

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.restoreEntry(session, folder, dest, entry); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) restoreEntry(session Session, folder, dest, entry string) error {
	logger := r.logger.With("folder", folder, "entry", entry)

	raw, err := r.store.ReadRaw(folder, entry)
	if err != nil {
		if errors.Is(err, archive.ErrEntryNotFound) {
			logger.Warn("missing email.eml, skipping", "path", r.store.EntryPath(folder, entry))
		} else {
			logger.Error("cannot read archive entry", "err", err)
		}
		r.record(stats.Event{Stage: stats.StageRestore, Type: stats.EventTypeError, Folder: folder, Ref: entry, Err: err})
		return nil
	}

	date := r.internalDate(raw, logger)
	if err := session.Append(dest, []string{imap.SeenFlag}, date, raw); err != nil {
		if fatal(err) {
			return err
		}
		logger.Error("append failed", "destination", dest, "err", err)
		r.record(stats.Event{Stage: stats.StageRestore, Type: stats.EventTypeError, Folder: folder, Ref: entry, Err: err})
		return nil
	}

	logger.Info("message restored", "destination", dest, "date", date)
	r.record(stats.Event{Stage: stats.StageRestore, Type: stats.EventTypeAppended, Folder: dest, Ref: entry})
	return nil
}

// internalDate is the Date header instant, or the current time when the
// header is missing or unparsable.
func (r *Runner) internalDate(raw []byte, logger *slog.Logger) time.Time {
	_, date, err := decompose.ParseHeader(raw)
	if err == nil && !date.IsZero() {
		return date
	}

	now := r.now()
	switch {
	case err != nil:
		logger.Warn("unreadable header, using current time", "err", err)
	case hasHeader(raw, "Date"):
		logger.Warn("unparsable Date header, using current time")
	default:
		logger.Debug("no Date header, using current time")
	}
	return now
}

func (r *Runner) record(evt stats.Event) {
	r.reporter.Record(evt)
}

func hasHeader(raw []byte, key string) bool {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return false
	}
	return h.Has(key)
}

func fatal(err error) bool {
	return errors.Is(err, imap.ErrSessionLost) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
