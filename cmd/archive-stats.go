// Package cmd holds subcommands that work on an existing archive.
package cmd

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-archiver/archive"
	"github.com/dhcgn/mail-archiver/config"
	"github.com/dhcgn/mail-archiver/decompose"
	"github.com/dhcgn/mail-archiver/filter"
	"github.com/dhcgn/mail-archiver/stats"
)

const csvReportLimit = 1000

// headersToTrack are counted per distinct decoded value.
var headersToTrack = []string{"Delivered-To", "Subject", "From", "To"}

// Report is the result of one pass over the archive.
type Report struct {
	Counter  map[string]map[string]int
	Folders  map[string]int
	Messages int
	Skipped  int
	Missing  int
}

func newReport() *Report {
	r := &Report{
		Counter: make(map[string]map[string]int),
		Folders: make(map[string]int),
	}
	for _, h := range headersToTrack {
		r.Counter[h] = make(map[string]int)
	}
	return r
}

func NewArchiveStatsCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "archive-stats",
		Short: "Analyse the archive and show header statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadStatsConfig(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			store, err := archive.NewStore(cfg.ArchiveDir)
			if err != nil {
				return err
			}
			f, err := filter.New(cfg.Filter)
			if err != nil {
				return fmt.Errorf("create filter: %w", err)
			}

			fmt.Fprintln(out, "Analyzing archive:", store.Root())

			report, err := Collect(store, cfg.Folder, f)
			if err != nil {
				return fmt.Errorf("error reading archive: %w", err)
			}
			report.Print(out, cfg.Top, f.GetStats())

			if err := SaveCSVReports(report.Counter, headersToTrack, cfg.Output, csvReportLimit); err != nil {
				return fmt.Errorf("error saving CSV reports: %w", err)
			}
			fmt.Fprintf(out, "\nReports saved to directory: %s\n", cfg.Output)
			return nil
		},
	}
	config.RegisterStatsFlags(c)
	return c
}

// Collect reads every entry of folder, or of all folders when folder is
// empty, and counts the tracked header values of messages the filter allows.
func Collect(store *archive.Store, folder string, f *filter.Filter) (*Report, error) {
	folderNames := []string{folder}
	if folder == "" {
		var err error
		folderNames, err = store.ListFolders()
		if err != nil {
			return nil, err
		}
	}

	report := newReport()
	for _, name := range folderNames {
		entries, err := store.ListEntries(name)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			raw, err := store.ReadRaw(name, entry)
			if errors.Is(err, archive.ErrEntryNotFound) {
				report.Missing++
				continue
			}
			if err != nil {
				return nil, err
			}
			if !f.Allows(raw) {
				report.Skipped++
				continue
			}

			report.Messages++
			report.Folders[name]++

			header, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
			if err != nil {
				// try to continue
				continue
			}
			for _, headerName := range headersToTrack {
				if value := decompose.DecodeHeader(header.Get(headerName)); value != "" {
					report.Counter[headerName][value]++
				}
			}
		}
	}
	return report, nil
}

// Print writes the filter hits and the top values of every tracked header.
func (r *Report) Print(w io.Writer, topN int, filterStats filter.Stats) {
	total := r.Messages + r.Skipped
	var filterPercent float64
	if total > 0 {
		filterPercent = float64(r.Skipped) / float64(total) * 100
	}
	fmt.Fprintf(w, "Processed %d messages (skipped %d by filters, %.2f%%, %d entries without email.eml)...\n\n", r.Messages, r.Skipped, filterPercent, r.Missing)

	sections := []struct {
		title    string
		patterns []string
		hits     map[string]int
	}{
		{"Include Header Filters:", filterStats.IncludeHeaderPatterns, filterStats.IncludeHeaderHits},
		{"Include Body Filters:", filterStats.IncludeBodyPatterns, filterStats.IncludeBodyHits},
		{"Exclude Header Filters:", filterStats.ExcludeHeaderPatterns, filterStats.ExcludeHeaderHits},
		{"Exclude Body Filters:", filterStats.ExcludeBodyPatterns, filterStats.ExcludeBodyHits},
	}
	hasFilterStats := false
	for _, s := range sections {
		if len(s.patterns) == 0 {
			continue
		}
		hasFilterStats = true
		fmt.Fprintln(w, s.title)
		printFilterHits(w, s.patterns, s.hits)
		fmt.Fprintln(w)
	}
	if hasFilterStats {
		fmt.Fprintln(w, "---")
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "Messages per folder:")
	stats.PrettyPrintTop(w, r.Folders, 0)
	fmt.Fprintln(w)

	for _, header := range headersToTrack {
		fmt.Fprintf(w, "Top %d %s:\n", topN, header)
		stats.PrettyPrintTop(w, r.Counter[header], topN)
		fmt.Fprintln(w)
	}
}

// SaveCSVReports writes one report_<header>.csv per header with at most limit
// rows, most frequent first.
func SaveCSVReports(counter map[string]map[string]int, headers []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, header := range headers {
		filename := fmt.Sprintf("report_%s.csv", normalizeHeaderName(header))
		if err := writeCSV(filepath.Join(dir, filename), stats.Top(counter[header], limit)); err != nil {
			return err
		}
	}
	return nil
}

func writeCSV(path string, pairs []stats.Pair) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		file.Close()
		return err
	}
	for _, p := range pairs {
		if err := writer.Write([]string{p.Key, strconv.Itoa(p.Value)}); err != nil {
			file.Close()
			return err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func normalizeHeaderName(header string) string {
	name := strings.ToLower(header)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}

func printFilterHits(w io.Writer, patterns []string, hits map[string]int) {
	counts := make(map[string]int, len(patterns))
	for _, pattern := range patterns {
		counts[pattern] = hits[pattern]
	}

	for _, p := range stats.Top(counts, 0) {
		if p.Value > 0 {
			fmt.Fprintf(w, "  ✓ %s: %d hits\n", p.Key, p.Value)
		} else {
			fmt.Fprintf(w, "  ✗ %s: 0 hits\n", p.Key)
		}
	}
}
