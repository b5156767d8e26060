package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-archiver/filter"
	"github.com/dhcgn/mail-archiver/imap"
	"github.com/dhcgn/mail-archiver/model"
)

const (
	DefaultArchiveDir = "downloaded-emails"
	DefaultEnvFile    = ".env"
	DefaultSince      = "2023-01-01"
	DefaultBefore     = "2024-01-01"

	dateLayout = "2006-01-02"
)

// DefaultFolders are archived when no --folder flag is given.
var DefaultFolders = []string{"INBOX.INBOX.Sent", "Inbox"}

// Environment variables read when the matching flag is not set.
const (
	EnvSourceAddress  = "IMAP_URL"
	EnvSourceUser     = "EMAIL_USER"
	EnvSourcePassword = "EMAIL_PASSWORD"
	EnvDestAddress    = "IMAP_URL_2"
	EnvDestUser       = "EMAIL_USER_2"
	EnvDestPassword   = "EMAIL_PASSWORD_2"
)

// Common holds the options shared by every subcommand.
type Common struct {
	ArchiveDir string
	EnvFile    string
	LogLevel   string
	LogDir     string
}

// Endpoint is one IMAP account.
type Endpoint struct {
	Address            string
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
}

func (e Endpoint) IMAPOptions() imap.Options {
	return imap.Options{
		Address:            e.Address,
		Username:           e.Username,
		Password:           e.Password,
		UseTLS:             e.UseTLS,
		InsecureSkipVerify: e.InsecureSkipVerify,
	}
}

type ArchiveConfig struct {
	Common
	Source  Endpoint
	Folders []string
	Window  model.DateRange
	Filter  filter.Options
}

type RestoreConfig struct {
	Common
	Dest          Endpoint
	FolderMapPath string
}

type ExportConfig struct {
	Common
	Folder string
	Output string
}

type StatsConfig struct {
	Common
	Folder string
	Top    int
	Output string
	Filter filter.Options
}

// RegisterPersistentFlags attaches the flags shared by all subcommands.
func RegisterPersistentFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("archive-dir", DefaultArchiveDir, "Root directory of the filesystem archive")
	flags.String("env-file", DefaultEnvFile, "Environment file with credentials, loaded before flags are resolved")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files (stdout only when empty)")
}

// RegisterArchiveFlags attaches the source mailbox and selection flags.
func RegisterArchiveFlags(cmd *cobra.Command) {
	registerEndpointFlags(cmd, "source", EnvSourceAddress, EnvSourceUser, EnvSourcePassword)
	flags := cmd.Flags()
	flags.StringArray("folder", DefaultFolders, "Source folder to archive (repeatable)")
	flags.String("since", DefaultSince, "Archive messages on or after this date (YYYY-MM-DD)")
	flags.String("before", DefaultBefore, "Archive messages before this date (YYYY-MM-DD)")
	RegisterFilterFlags(cmd)
}

// RegisterRestoreFlags attaches the destination mailbox flags.
func RegisterRestoreFlags(cmd *cobra.Command) {
	registerEndpointFlags(cmd, "dest", EnvDestAddress, EnvDestUser, EnvDestPassword)
	cmd.Flags().String("folder-map", "", "YAML file with source/destination folder pairs merged over the defaults")
}

func RegisterExportFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("folder", "", "Archive folder to export")
	flags.StringP("output", "o", "", "Output mbox file (defaults to <folder>.mbox)")
}

func RegisterStatsFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("folder", "", "Archive folder to analyse (all folders when empty)")
	flags.IntP("top", "t", 10, "Number of top items to display in statistics")
	flags.StringP("output", "o", ".", "Output directory for CSV reports")
	RegisterFilterFlags(cmd)
}

func RegisterFilterFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")
}

func registerEndpointFlags(cmd *cobra.Command, prefix, envAddress, envUser, envPassword string) {
	flags := cmd.Flags()
	flags.String(prefix+"-address", "", fmt.Sprintf("IMAP server host or host:port (falls back to %s env var)", envAddress))
	flags.String(prefix+"-user", "", fmt.Sprintf("IMAP username (falls back to %s env var)", envUser))
	flags.String(prefix+"-pass", "", fmt.Sprintf("IMAP password (falls back to %s env var)", envPassword))
	flags.Bool(prefix+"-tls", true, "Use TLS for the IMAP connection")
	flags.Bool(prefix+"-insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
}

// LoadCommon reads the shared flags and loads the env file. Variables already
// present in the environment are not overridden. A missing default env file
// is ignored.
func LoadCommon(cmd *cobra.Command) (Common, error) {
	flags := cmd.Flags()

	archiveDir, err := flags.GetString("archive-dir")
	if err != nil {
		return Common{}, err
	}
	envFile, err := flags.GetString("env-file")
	if err != nil {
		return Common{}, err
	}
	logLevel, err := flags.GetString("log-level")
	if err != nil {
		return Common{}, err
	}
	logDir, err := flags.GetString("log-dir")
	if err != nil {
		return Common{}, err
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !errors.Is(err, fs.ErrNotExist) || flags.Changed("env-file") {
				return Common{}, fmt.Errorf("load --env-file %s: %w", envFile, err)
			}
		}
	}

	logLevel = strings.ToLower(logLevel)
	if logLevel == "warning" {
		logLevel = "warn"
	}

	common := Common{
		ArchiveDir: filepath.Clean(strings.TrimSpace(archiveDir)),
		EnvFile:    envFile,
		LogLevel:   logLevel,
		LogDir:     logDir,
	}
	if strings.TrimSpace(archiveDir) == "" {
		return Common{}, fmt.Errorf("--archive-dir must not be empty")
	}

	switch common.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Common{}, fmt.Errorf("invalid --log-level: %s", common.LogLevel)
	}
	return common, nil
}

// LoadArchiveConfig converts the parsed archive flags into an ArchiveConfig.
func LoadArchiveConfig(cmd *cobra.Command) (ArchiveConfig, error) {
	common, err := LoadCommon(cmd)
	if err != nil {
		return ArchiveConfig{}, err
	}
	source, err := loadEndpoint(cmd, "source", EnvSourceAddress, EnvSourceUser, EnvSourcePassword)
	if err != nil {
		return ArchiveConfig{}, err
	}

	flags := cmd.Flags()
	folders, err := flags.GetStringArray("folder")
	if err != nil {
		return ArchiveConfig{}, err
	}
	sinceText, err := flags.GetString("since")
	if err != nil {
		return ArchiveConfig{}, err
	}
	beforeText, err := flags.GetString("before")
	if err != nil {
		return ArchiveConfig{}, err
	}
	filterOpts, err := loadFilter(cmd)
	if err != nil {
		return ArchiveConfig{}, err
	}

	window, err := ParseWindow(sinceText, beforeText)
	if err != nil {
		return ArchiveConfig{}, err
	}

	cleaned := make([]string, 0, len(folders))
	for _, folder := range folders {
		if folder = strings.TrimSpace(folder); folder != "" {
			cleaned = append(cleaned, folder)
		}
	}
	if len(cleaned) == 0 {
		return ArchiveConfig{}, fmt.Errorf("--folder needs at least one folder name")
	}

	return ArchiveConfig{
		Common:  common,
		Source:  source,
		Folders: cleaned,
		Window:  window,
		Filter:  filterOpts,
	}, nil
}

// LoadRestoreConfig converts the parsed restore flags into a RestoreConfig.
func LoadRestoreConfig(cmd *cobra.Command) (RestoreConfig, error) {
	common, err := LoadCommon(cmd)
	if err != nil {
		return RestoreConfig{}, err
	}
	dest, err := loadEndpoint(cmd, "dest", EnvDestAddress, EnvDestUser, EnvDestPassword)
	if err != nil {
		return RestoreConfig{}, err
	}
	folderMap, err := cmd.Flags().GetString("folder-map")
	if err != nil {
		return RestoreConfig{}, err
	}
	return RestoreConfig{Common: common, Dest: dest, FolderMapPath: folderMap}, nil
}

func LoadExportConfig(cmd *cobra.Command) (ExportConfig, error) {
	common, err := LoadCommon(cmd)
	if err != nil {
		return ExportConfig{}, err
	}
	flags := cmd.Flags()
	folder, err := flags.GetString("folder")
	if err != nil {
		return ExportConfig{}, err
	}
	output, err := flags.GetString("output")
	if err != nil {
		return ExportConfig{}, err
	}

	folder = strings.TrimSpace(folder)
	if folder == "" {
		return ExportConfig{}, fmt.Errorf("--folder is required")
	}
	if output == "" {
		output = folder + ".mbox"
	}
	return ExportConfig{Common: common, Folder: folder, Output: output}, nil
}

func LoadStatsConfig(cmd *cobra.Command) (StatsConfig, error) {
	common, err := LoadCommon(cmd)
	if err != nil {
		return StatsConfig{}, err
	}
	flags := cmd.Flags()
	folder, err := flags.GetString("folder")
	if err != nil {
		return StatsConfig{}, err
	}
	top, err := flags.GetInt("top")
	if err != nil {
		return StatsConfig{}, err
	}
	output, err := flags.GetString("output")
	if err != nil {
		return StatsConfig{}, err
	}
	filterOpts, err := loadFilter(cmd)
	if err != nil {
		return StatsConfig{}, err
	}
	if top <= 0 {
		return StatsConfig{}, fmt.Errorf("--top must be positive")
	}
	return StatsConfig{Common: common, Folder: strings.TrimSpace(folder), Top: top, Output: output, Filter: filterOpts}, nil
}

// ParseWindow parses the --since and --before dates as UTC days.
func ParseWindow(since, before string) (model.DateRange, error) {
	sinceDate, err := time.Parse(dateLayout, strings.TrimSpace(since))
	if err != nil {
		return model.DateRange{}, fmt.Errorf("invalid --since %q: expected YYYY-MM-DD", since)
	}
	beforeDate, err := time.Parse(dateLayout, strings.TrimSpace(before))
	if err != nil {
		return model.DateRange{}, fmt.Errorf("invalid --before %q: expected YYYY-MM-DD", before)
	}
	if !sinceDate.Before(beforeDate) {
		return model.DateRange{}, fmt.Errorf("--since must be before --before")
	}
	return model.DateRange{Since: sinceDate, Before: beforeDate}, nil
}

func loadEndpoint(cmd *cobra.Command, prefix, envAddress, envUser, envPassword string) (Endpoint, error) {
	flags := cmd.Flags()

	address, err := flags.GetString(prefix + "-address")
	if err != nil {
		return Endpoint{}, err
	}
	user, err := flags.GetString(prefix + "-user")
	if err != nil {
		return Endpoint{}, err
	}
	pass, err := flags.GetString(prefix + "-pass")
	if err != nil {
		return Endpoint{}, err
	}
	useTLS, err := flags.GetBool(prefix + "-tls")
	if err != nil {
		return Endpoint{}, err
	}
	insecureSkipVerify, err := flags.GetBool(prefix + "-insecure-skip-verify")
	if err != nil {
		return Endpoint{}, err
	}

	if address == "" {
		address = os.Getenv(envAddress)
	}
	if user == "" {
		user = os.Getenv(envUser)
	}
	if pass == "" {
		pass = os.Getenv(envPassword)
	}

	endpoint := Endpoint{
		Address:            strings.TrimSpace(address),
		Username:           strings.TrimSpace(user),
		Password:           pass,
		UseTLS:             useTLS,
		InsecureSkipVerify: insecureSkipVerify,
	}

	if endpoint.Address == "" {
		return Endpoint{}, fmt.Errorf("--%s-address is required (or set %s)", prefix, envAddress)
	}
	if endpoint.Username == "" {
		return Endpoint{}, fmt.Errorf("--%s-user is required (or set %s)", prefix, envUser)
	}
	if endpoint.Password == "" {
		return Endpoint{}, fmt.Errorf("IMAP password must be provided via --%s-pass or %s env var", prefix, envPassword)
	}
	return endpoint, nil
}

func loadFilter(cmd *cobra.Command) (filter.Options, error) {
	flags := cmd.Flags()

	includeHeader, err := flags.GetStringArray("include-header")
	if err != nil {
		return filter.Options{}, err
	}
	includeBody, err := flags.GetStringArray("include-body")
	if err != nil {
		return filter.Options{}, err
	}
	excludeHeader, err := flags.GetStringArray("exclude-header")
	if err != nil {
		return filter.Options{}, err
	}
	excludeBody, err := flags.GetStringArray("exclude-body")
	if err != nil {
		return filter.Options{}, err
	}

	includeActive := len(includeHeader) > 0 || len(includeBody) > 0
	excludeActive := len(excludeHeader) > 0 || len(excludeBody) > 0
	if includeActive && excludeActive {
		return filter.Options{}, fmt.Errorf("include and exclude flags are mutually exclusive")
	}

	return filter.Options{
		IncludeHeader: includeHeader,
		IncludeBody:   includeBody,
		ExcludeHeader: excludeHeader,
		ExcludeBody:   excludeBody,
	}, nil
}
