package decompose

import (
	"io"
	"log/slog"
	"mime"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
)

// Category is the role a MIME part plays during decomposition.
type Category int

const (
	CategoryOther Category = iota
	CategoryMultipart
	CategoryPlainText
	CategoryImage
	CategoryAttachment
)

func (c Category) String() string {
	switch c {
	case CategoryMultipart:
		return "multipart"
	case CategoryPlainText:
		return "plain-text"
	case CategoryImage:
		return "image"
	case CategoryAttachment:
		return "attachment"
	default:
		return "other"
	}
}

// Part is one node of a message's MIME tree. Containers have children and no
// payload; leaves carry their payload with only the transfer encoding undone.
type Part struct {
	MediaType string
	// Charset is the Content-Type charset parameter, applied only when the
	// payload becomes the message body.
	Charset     string
	Disposition string
	// Filename is the raw parameter value, encoded-words still in place.
	Filename string
	Payload  []byte
	Children []*Part
	// Err is set when the payload could not be read.
	Err error
}

func (p *Part) isAttachment() bool {
	return p.Disposition != "" && p.Filename != ""
}

// Classify maps a part to its category. A text/plain leaf is always plain
// text, even when it also carries an attachment disposition.
func Classify(p *Part) Category {
	switch {
	case strings.HasPrefix(p.MediaType, "multipart/"):
		return CategoryMultipart
	case p.MediaType == "text/plain":
		return CategoryPlainText
	case strings.HasPrefix(p.MediaType, "image/") && p.Filename != "":
		return CategoryImage
	case p.isAttachment():
		return CategoryAttachment
	default:
		return CategoryOther
	}
}

// buildTree reads body fully into an owned Part tree. Leaf bodies are consumed
// in order, which the multipart reader requires.
func buildTree(h textproto.Header, body io.Reader, logger *slog.Logger) *Part {
	mh := message.Header{Header: h}
	p := &Part{}
	var params map[string]string
	p.MediaType, params = contentType(mh)
	p.Charset = params["charset"]
	p.Disposition, p.Filename = dispositionAndFilename(mh)

	if strings.HasPrefix(p.MediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			if logger != nil {
				logger.Warn("multipart container without boundary", "type", p.MediaType)
			}
			return p
		}
		mr := textproto.NewMultipartReader(body, boundary)
		for {
			child, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				if logger != nil {
					logger.Warn("stopped reading multipart container", "type", p.MediaType, "parts", len(p.Children), "err", err)
				}
				break
			}
			p.Children = append(p.Children, buildTree(child.Header, child, logger))
		}
		return p
	}

	decoded, err := leafBody(h, body)
	if err != nil && logger != nil {
		logger.Warn("unknown transfer encoding, keeping raw bytes", "type", p.MediaType, "err", err)
	}
	payload, err := io.ReadAll(decoded)
	if err != nil {
		p.Err = err
		return p
	}
	p.Payload = payload
	return p
}

// leafBody undoes the Content-Transfer-Encoding of a leaf. The entity is built
// without a Content-Type so go-message leaves the charset untouched. An
// unknown encoding returns the body as is along with the error.
func leafBody(h textproto.Header, body io.Reader) (io.Reader, error) {
	th := message.Header{Header: h.Copy()}
	th.Del("Content-Type")

	e, err := message.New(th, body)
	if err != nil {
		if message.IsUnknownEncoding(err) && e != nil {
			return e.Body, err
		}
		return body, err
	}
	return e.Body, nil
}

func contentType(h message.Header) (string, map[string]string) {
	value := h.Get("Content-Type")
	if strings.TrimSpace(value) == "" {
		return "text/plain", map[string]string{}
	}
	t, params, err := h.ContentType()
	if err != nil {
		return strings.ToLower(firstToken(value)), map[string]string{
			"charset":  rawParam(value, "charset"),
			"boundary": rawParam(value, "boundary"),
		}
	}
	return strings.ToLower(t), params
}

func dispositionAndFilename(h message.Header) (string, string) {
	var disposition, filename string

	if value := h.Get("Content-Disposition"); strings.TrimSpace(value) != "" {
		disp, params, err := h.ContentDisposition()
		if err != nil {
			disposition = strings.ToLower(firstToken(value))
			filename = rawParam(value, "filename")
		} else {
			disposition = disp
			filename = params["filename"]
		}
	}

	if filename == "" {
		if value := h.Get("Content-Type"); value != "" {
			if _, params, err := mime.ParseMediaType(value); err == nil {
				filename = params["name"]
			} else {
				filename = rawParam(value, "name")
			}
		}
	}

	return disposition, filename
}

func firstToken(value string) string {
	if idx := strings.IndexByte(value, ';'); idx >= 0 {
		value = value[:idx]
	}
	return strings.TrimSpace(value)
}

// rawParam extracts key=value from a header that mime.ParseMediaType rejects,
// typically an unquoted encoded-word filename.
func rawParam(value, key string) string {
	for _, field := range strings.Split(value, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(field), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), key) {
			continue
		}
		return strings.Trim(strings.TrimSpace(v), `"`)
	}
	return ""
}
