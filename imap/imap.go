package imap

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mail-archiver/model"
)

// SeenFlag is the system flag set on every restored message.
const SeenFlag = string(imapv2.FlagSeen)

var (
	ErrAuthFailed      = errors.New("imap authentication failed")
	ErrFolderNotFound  = errors.New("imap folder not found")
	ErrMessageNotFound = errors.New("imap message not found")
	// ErrSessionLost marks transport failures after which the session is unusable.
	ErrSessionLost = errors.New("imap session lost")
)

type Options struct {
	Address            string
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	DialTimeout        time.Duration
}

// Session is a logged-in connection to one IMAP endpoint.
type Session struct {
	opts     Options
	client   *imapclient.Client
	logger   *slog.Logger
	selected string
}

// Connect dials the endpoint and logs in. Any failure here is fatal for a run.
func Connect(opts Options, logger *slog.Logger) (*Session, error) {
	if strings.TrimSpace(opts.Address) == "" {
		return nil, fmt.Errorf("imap address is empty")
	}
	address := opts.address()
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("imap address %q: %w", opts.Address, err)
	}

	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	options := &imapclient.Options{
		Dialer: &net.Dialer{Timeout: timeout},
	}
	if opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}
	}

	var client *imapclient.Client
	if opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(opts.Username, opts.Password).Wait(); err != nil {
		_ = client.Close()
		var respErr *imapv2.Error
		if errors.As(err, &respErr) {
			return nil, fmt.Errorf("%w for %s: %w", ErrAuthFailed, opts.Username, err)
		}
		return nil, fmt.Errorf("imap login %s: %w", address, err)
	}

	if logger != nil {
		logger.Info("logged in", "address", address, "user", opts.Username, "tls", opts.UseTLS)
	}

	return &Session{opts: opts, client: client, logger: logger}, nil
}

// SelectFolder opens a folder and returns its message count.
func (s *Session) SelectFolder(name string) (uint32, error) {
	data, err := s.client.Select(name, nil).Wait()
	if err != nil {
		s.selected = ""
		var respErr *imapv2.Error
		if errors.As(err, &respErr) {
			return 0, fmt.Errorf("select %q: %w: %w", name, ErrFolderNotFound, err)
		}
		return 0, lost("select "+name, err)
	}
	s.selected = name
	if s.logger != nil {
		s.logger.Debug("folder selected", "folder", name, "messages", data.NumMessages)
	}
	return data.NumMessages, nil
}

// SearchByDateRange returns the sequence numbers of the selected folder that
// match SINCE/BEFORE, in ascending order.
func (s *Session) SearchByDateRange(window model.DateRange) ([]uint32, error) {
	criteria := &imapv2.SearchCriteria{
		Since:  window.Since,
		Before: window.Before,
	}
	data, err := s.client.Search(criteria, nil).Wait()
	if err != nil {
		return nil, s.classify("search "+s.selected, err)
	}
	nums := data.AllSeqNums()
	if s.logger != nil {
		s.logger.Debug("search completed", "folder", s.selected, "matches", len(nums))
	}
	return nums, nil
}

// FetchRaw returns the full wire-format message for one sequence number.
func (s *Session) FetchRaw(seqNum uint32) ([]byte, error) {
	section := &imapv2.FetchItemBodySection{}
	opts := &imapv2.FetchOptions{
		BodySection: []*imapv2.FetchItemBodySection{section},
	}

	msgs, err := s.client.Fetch(imapv2.SeqSetNum(seqNum), opts).Collect()
	if err != nil {
		return nil, s.classify(fmt.Sprintf("fetch %d", seqNum), err)
	}
	for _, msg := range msgs {
		if msg.SeqNum != seqNum {
			continue
		}
		if raw := msg.FindBodySection(section); raw != nil {
			return raw, nil
		}
	}
	return nil, fmt.Errorf("fetch %d: %w", seqNum, ErrMessageNotFound)
}

// Append stores raw in folder with the given flags and internal date.
func (s *Session) Append(folder string, flags []string, date time.Time, raw []byte) error {
	opts := &imapv2.AppendOptions{Time: date}
	for _, flag := range flags {
		opts.Flags = append(opts.Flags, imapv2.Flag(flag))
	}

	cmd := s.client.Append(folder, int64(len(raw)), opts)

	remaining := raw
	for len(remaining) > 0 {
		n, err := cmd.Write(remaining)
		if err != nil {
			_ = cmd.Close()
			return s.classify("append write", err)
		}
		if n == 0 {
			_ = cmd.Close()
			return fmt.Errorf("append write: wrote 0 bytes")
		}
		remaining = remaining[n:]
	}

	if err := cmd.Close(); err != nil {
		return s.classify("append close", err)
	}
	if _, err := cmd.Wait(); err != nil {
		return s.classify("append "+folder, err)
	}
	return nil
}

// Logout ends the session and closes the connection.
func (s *Session) Logout() error {
	err := s.client.Logout().Wait()
	if s.logger != nil {
		if err != nil {
			s.logger.Warn("imap logout failed", "address", s.opts.address(), "user", s.opts.Username, "err", err)
		} else {
			s.logger.Info("logged out", "address", s.opts.address(), "user", s.opts.Username)
		}
	}
	if closeErr := s.client.Close(); closeErr != nil && s.logger != nil {
		s.logger.Debug("imap connection closed", "err", closeErr)
	}
	return err
}

func (s *Session) classify(op string, err error) error {
	var respErr *imapv2.Error
	if errors.As(err, &respErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return lost(op, err)
}

func lost(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrSessionLost, err)
}

func (o Options) address() string {
	if _, _, err := net.SplitHostPort(o.Address); err == nil {
		return o.Address
	}
	port := "993"
	if !o.UseTLS {
		port = "143"
	}
	return net.JoinHostPort(o.Address, port)
}
