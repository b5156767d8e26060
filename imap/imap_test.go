package imap

import (
	"bytes"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-archiver/model"
)

const (
	testUser     = "archiver"
	testPassword = "secret"
)

// startServer runs an in-memory IMAP server with INBOX and Archive folders.
func startServer(t *testing.T) (string, *imapmemserver.User) {
	t.Helper()

	memServer := imapmemserver.New()
	user := imapmemserver.NewUser(testUser, testPassword)
	require.NoError(t, user.Create("INBOX", nil))
	require.NoError(t, user.Create("Archive", nil))
	memServer.AddUser(user)

	server := imapserver.New(&imapserver.Options{
		NewSession: func(conn *imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return memServer.NewSession(), nil, nil
		},
		Caps: imapv2.CapSet{
			imapv2.CapIMAP4rev1: {},
			imapv2.CapIMAP4rev2: {},
		},
		InsecureAuth: true,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = server.Serve(ln)
	}()
	t.Cleanup(func() {
		_ = server.Close()
	})

	return ln.Addr().String(), user
}

func connect(t *testing.T, address string) *Session {
	t.Helper()
	session, err := Connect(Options{
		Address:  address,
		Username: testUser,
		Password: testPassword,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = session.Logout()
	})
	return session
}

func rawMessage(subject string, date time.Time) []byte {
	return []byte("From: alice@example.com\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: " + date.Format(time.RFC1123Z) + "\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"body of " + subject + "\r\n")
}

func TestConnect_WrongPassword(t *testing.T) {
	address, _ := startServer(t)

	_, err := Connect(Options{Address: address, Username: testUser, Password: "nope"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestConnect_EmptyAddress(t *testing.T) {
	_, err := Connect(Options{Address: "  "}, nil)
	assert.Error(t, err)
}

func TestSelectFolder_Missing(t *testing.T) {
	address, _ := startServer(t)
	session := connect(t, address)

	_, err := session.SelectFolder("Does Not Exist")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFolderNotFound)
	assert.NotErrorIs(t, err, ErrSessionLost)
}

func TestAppendSearchFetch(t *testing.T) {
	address, _ := startServer(t)
	session := connect(t, address)

	inRange := time.Date(2023, 6, 15, 10, 30, 0, 0, time.UTC)
	outOfRange := time.Date(2022, 3, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, session.Append("Archive", []string{SeenFlag}, outOfRange, rawMessage("old", outOfRange)))
	require.NoError(t, session.Append("Archive", []string{SeenFlag}, inRange, rawMessage("current", inRange)))

	count, err := session.SelectFolder("Archive")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), count)

	window := model.DateRange{
		Since:  time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		Before: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	nums, err := session.SearchByDateRange(window)
	require.NoError(t, err)
	require.Equal(t, []uint32{2}, nums)

	raw, err := session.FetchRaw(nums[0])
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(raw), "Subject: current"), "unexpected message: %s", raw)
	assert.Equal(t, string(rawMessage("current", inRange)), string(raw))
}

func TestAddress_DefaultPorts(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want string
	}{
		{name: "tls default", opts: Options{Address: "imap.example.com", UseTLS: true}, want: "imap.example.com:993"},
		{name: "plain default", opts: Options{Address: "imap.example.com"}, want: "imap.example.com:143"},
		{name: "explicit port", opts: Options{Address: "imap.example.com:1143", UseTLS: true}, want: "imap.example.com:1143"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.opts.address())
		})
	}
}

func TestLogout_LogsEndpoint(t *testing.T) {
	address, _ := startServer(t)
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	session, err := Connect(Options{Address: address, Username: testUser, Password: testPassword}, logger)
	require.NoError(t, err)
	require.NoError(t, session.Logout())

	out := logs.String()
	assert.Contains(t, out, "msg=\"logged out\"")
	assert.Contains(t, out, "user="+testUser)
	assert.Contains(t, out, "address="+address)
}
