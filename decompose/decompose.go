// Package decompose turns a raw RFC 822 message into its plaintext body and
// the image and attachment files worth keeping next to it.
package decompose

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

func init() {
	charset.RegisterEncoding("windows-1250", charmap.Windows1250)
	charset.RegisterEncoding("cp1250", charmap.Windows1250)
	charset.RegisterEncoding("windows-1252", charmap.Windows1252)
	charset.RegisterEncoding("cp1252", charmap.Windows1252)
	charset.RegisterEncoding("iso-8859-2", charmap.ISO8859_2)
	charset.RegisterEncoding("latin2", charmap.ISO8859_2)
	charset.RegisterEncoding("iso-8859-1", charmap.ISO8859_1)
	charset.RegisterEncoding("latin1", charmap.ISO8859_1)
}

// Attachment is a file extracted from a message.
type Attachment struct {
	Filename string
	Data     []byte
	// Binary is set for images picked up by the body walk.
	Binary bool
}

// Result is everything extracted from one message.
type Result struct {
	Subject     string
	Date        time.Time
	Body        string
	HasBody     bool
	Attachments []Attachment
}

var wordDecoder = &mime.WordDecoder{
	CharsetReader: func(label string, input io.Reader) (io.Reader, error) {
		r, err := charset.Reader(label, input)
		if err != nil {
			// unknown charset: keep the bytes, invalid UTF-8 is dropped later
			return input, nil
		}
		return r, nil
	},
}

// Decompose parses raw and walks its MIME tree. Only an unreadable top-level
// header is an error; broken parts are logged and skipped.
func Decompose(raw []byte, logger *slog.Logger) (Result, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return Result{}, fmt.Errorf("read message: %w", err)
	}

	res := Result{}
	res.Subject, res.Date = headerFields(message.Header{Header: h})

	root := buildTree(h, br, logger)
	w := walker{logger: logger, result: &res}
	w.visit(root)

	return res, nil
}

// ParseHeader reads only the header of raw and returns its decoded Subject and
// parsed Date. The date is zero when absent or unparsable.
func ParseHeader(raw []byte) (string, time.Time, error) {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("read message header: %w", err)
	}
	subject, date := headerFields(message.Header{Header: h})
	return subject, date, nil
}

func headerFields(h message.Header) (string, time.Time) {
	subject := DecodeHeader(h.Get("Subject"))
	mh := mail.Header{Header: h}
	date, err := mh.Date()
	if err != nil {
		date = time.Time{}
	}
	return subject, date
}

// DecodeHeader decodes every MIME encoded-word in value and concatenates the
// segments. Bytes that are not valid UTF-8 after decoding are dropped.
func DecodeHeader(value string) string {
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		decoded = value
	}
	return strings.ToValidUTF8(decoded, "")
}

// SanitizeFilename decodes name and strips path separators so the result is
// always a single path element.
func SanitizeFilename(name string) string {
	name = DecodeHeader(name)
	name = strings.TrimLeft(name, "/")
	name = strings.ReplaceAll(name, "/", "_")
	if filepath.Separator != '/' {
		name = strings.ReplaceAll(name, string(filepath.Separator), "_")
	}
	return name
}

// decodeText converts a body payload from its declared charset to UTF-8.
// Unknown charsets keep their bytes; invalid UTF-8 is replaced.
func decodeText(payload []byte, label string, logger *slog.Logger) string {
	if label != "" {
		r, err := charset.Reader(label, bytes.NewReader(payload))
		if err == nil {
			converted, readErr := io.ReadAll(r)
			if readErr == nil {
				payload = converted
			}
		} else if logger != nil {
			logger.Warn("body charset not supported, decoding raw bytes", "charset", label, "err", err)
		}
	}

	text, err := unicode.UTF8.NewDecoder().Bytes(payload)
	if err != nil {
		return strings.ToValidUTF8(string(payload), "\uFFFD")
	}
	return string(text)
}

type walker struct {
	logger *slog.Logger
	result *Result
}

func (w *walker) visit(p *Part) {
	category := Classify(p)
	if category == CategoryMultipart {
		for _, child := range p.Children {
			w.visit(child)
		}
		return
	}

	if p.Err != nil {
		if w.logger != nil {
			w.logger.Warn("skipping undecodable part", "category", category.String(), "type", p.MediaType, "filename", p.Filename, "err", p.Err)
		}
		return
	}

	switch category {
	case CategoryPlainText:
		if !w.result.HasBody && len(p.Payload) > 0 {
			w.result.Body = decodeText(p.Payload, p.Charset, w.logger)
			w.result.HasBody = true
		}
		if p.isAttachment() {
			w.add(p, category, false)
		}
	case CategoryImage:
		w.add(p, category, true)
	case CategoryAttachment:
		w.add(p, category, false)
	}
}

func (w *walker) add(p *Part, category Category, binary bool) {
	name := SanitizeFilename(p.Filename)
	if name == "" {
		if w.logger != nil {
			w.logger.Warn("skipping part with empty filename", "category", category.String(), "type", p.MediaType)
		}
		return
	}
	w.result.Attachments = append(w.result.Attachments, Attachment{
		Filename: name,
		Data:     p.Payload,
		Binary:   binary,
	})
}
