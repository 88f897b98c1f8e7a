// MHTML archive parsing.
// Splits a MIME multipart/related web archive into its root HTML document
// and the resources saved alongside it.
package repub

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/araddon/dateparse"
	"github.com/gogs/chardet"
	"golang.org/x/text/encoding/htmlindex"
)

// Part is one decoded body part of an archive.
type Part struct {
	Location  string // Content-Location header
	ContentID string // Content-ID without angle brackets
	MediaType string // lower-cased media type without parameters
	Charset   string
	Data      []byte
}

// Archive is a parsed MHTML file. It is not modified after ParseArchive
// returns.
type Archive struct {
	// Source is the Snapshot-Content-Location header: the page the archive
	// was saved from.
	Source  string
	Subject string
	// Date is the archive Date header, zero when absent or unparseable.
	Date time.Time

	Root *Part
	// Parts holds every resource part in archive order. The root is not
	// included.
	Parts []*Part
	// Skipped describes resource parts that could not be decoded.
	Skipped []error

	byKey map[string]*Part
}

// Lookup returns the resource stored under a Content-Location or a
// "cid:" Content-ID key.
func (a *Archive) Lookup(key string) *Part {
	return a.byKey[key]
}

// BaseURL is the location relative references in the root document are
// resolved against.
func (a *Archive) BaseURL() string {
	if a.Root != nil && a.Root.Location != "" {
		return a.Root.Location
	}
	return a.Source
}

// ParseArchive decodes an MHTML archive held in memory.
func ParseArchive(data []byte) (*Archive, error) {
	if !utf8.Valid(data) {
		return nil, invalidUTF8Error(data)
	}

	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: reading headers: %v", ErrMalformedArchive, err)
	}

	a := &Archive{
		Source:  strings.TrimSpace(msg.Header.Get("Snapshot-Content-Location")),
		Subject: decodeHeaderWords(msg.Header.Get("Subject")),
		Date:    parseArchiveDate(msg.Header.Get("Date")),
		byKey:   map[string]*Part{},
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("%w: content type: %v", ErrMalformedArchive, err)
	}

	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("%w: multipart archive without boundary", ErrMalformedArchive)
		}
		if err := a.readParts(multipart.NewReader(msg.Body, boundary)); err != nil {
			return nil, err
		}
	case mediaType == "text/html":
		// Single-part archive: the message body is the document.
		raw, err := io.ReadAll(msg.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: reading body: %v", ErrMalformedArchive, err)
		}
		part, err := decodePart(textproto.MIMEHeader(msg.Header), raw)
		if err != nil {
			return nil, fmt.Errorf("%w: root document: %v", ErrInvalidEncoding, err)
		}
		if part.Location == "" {
			part.Location = a.Source
		}
		a.Root = part
	default:
		return nil, fmt.Errorf("%w: unexpected archive content type %q", ErrMalformedArchive, mediaType)
	}

	if a.Root == nil {
		return nil, missingRootError{}
	}
	if err := checkRootEncoding(a.Root); err != nil {
		return nil, err
	}
	a.Root.Data = bytes.TrimPrefix(a.Root.Data, []byte("\xef\xbb\xbf"))
	return a, nil
}

func (a *Archive) readParts(mr *multipart.Reader) error {
	for {
		p, err := mr.NextRawPart()
		// The reader signals a clean end with a bare io.EOF. A wrapped EOF
		// means the stream ended before any boundary was found.
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if a.Root != nil {
				a.Skipped = append(a.Skipped, fmt.Errorf("truncated archive: %v", err))
				return nil
			}
			return fmt.Errorf("%w: %v", ErrMalformedArchive, err)
		}

		raw, err := io.ReadAll(p)
		if err != nil {
			if a.Root != nil {
				a.Skipped = append(a.Skipped, fmt.Errorf("truncated part %q: %v", p.Header.Get("Content-Location"), err))
				return nil
			}
			return fmt.Errorf("%w: reading part: %v", ErrMalformedArchive, err)
		}

		part, err := decodePart(p.Header, raw)
		isRoot := a.Root == nil && part.MediaType == "text/html"
		if err != nil {
			if isRoot {
				return fmt.Errorf("%w: root document: %v", ErrInvalidEncoding, err)
			}
			a.Skipped = append(a.Skipped, fmt.Errorf("%w: part %q: %v", ErrInvalidEncoding, part.Location, err))
			continue
		}
		if isRoot {
			a.Root = part
			continue
		}
		a.add(part)
	}
}

// add indexes a resource. The first part claiming a key wins.
func (a *Archive) add(p *Part) {
	a.Parts = append(a.Parts, p)
	if p.Location != "" {
		if _, dup := a.byKey[p.Location]; !dup {
			a.byKey[p.Location] = p
		}
	}
	if p.ContentID != "" {
		key := "cid:" + p.ContentID
		if _, dup := a.byKey[key]; !dup {
			a.byKey[key] = p
		}
	}
}

// decodePart reads the part headers and undoes the transfer encoding.
// The returned Part carries its headers even when decoding fails.
func decodePart(h textproto.MIMEHeader, raw []byte) (*Part, error) {
	p := &Part{
		Location:  strings.TrimSpace(h.Get("Content-Location")),
		ContentID: strings.Trim(strings.TrimSpace(h.Get("Content-Id")), "<>"),
	}
	if ct := h.Get("Content-Type"); ct != "" {
		if mt, params, err := mime.ParseMediaType(ct); err == nil {
			p.MediaType = mt
			p.Charset = params["charset"]
		} else {
			// Keep the bare type from a header with broken parameters.
			p.MediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(ct, ";", 2)[0]))
		}
	}

	data, err := decodeTransfer(h.Get("Content-Transfer-Encoding"), raw)
	if err != nil {
		return p, err
	}
	p.Data = data
	return p, nil
}

func decodeTransfer(encoding string, raw []byte) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "7bit", "8bit", "binary":
		return raw, nil
	case "base64":
		return decodeBase64(strings.Join(strings.Fields(string(raw)), ""))
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(bytes.NewReader(raw)))
	}
	return nil, fmt.Errorf("unsupported transfer encoding %q", encoding)
}

// decodeBase64 tries standard then raw (no-padding) base64.
func decodeBase64(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(s)
	}
	return raw, err
}

// checkRootEncoding accepts a root document only if its bytes are UTF-8
// and its declared charset reads them the same way.
func checkRootEncoding(p *Part) error {
	if p.Charset != "" {
		enc, err := htmlindex.Get(p.Charset)
		if err != nil {
			return fmt.Errorf("%w: unknown charset %q", ErrInvalidEncoding, p.Charset)
		}
		name, _ := htmlindex.Name(enc)
		if name != "utf-8" && !isASCII(p.Data) {
			return fmt.Errorf("%w: root document is %s, only utf-8 is supported", ErrInvalidEncoding, name)
		}
		if strings.HasPrefix(name, "utf-16") {
			return fmt.Errorf("%w: root document is %s, only utf-8 is supported", ErrInvalidEncoding, name)
		}
	}
	if !utf8.Valid(p.Data) {
		return fmt.Errorf("%w: root document is not valid utf-8", ErrInvalidEncoding)
	}
	return nil
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func invalidUTF8Error(data []byte) error {
	if r, err := chardet.NewTextDetector().DetectBest(data); err == nil && r.Charset != "" {
		return fmt.Errorf("%w: input is not valid utf-8 (looks like %s)", ErrInvalidEncoding, r.Charset)
	}
	return fmt.Errorf("%w: input is not valid utf-8", ErrInvalidEncoding)
}

func decodeHeaderWords(s string) string {
	dec := new(mime.WordDecoder)
	if out, err := dec.DecodeHeader(s); err == nil {
		return strings.TrimSpace(out)
	}
	return strings.TrimSpace(s)
}

func parseArchiveDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if t, err := mail.ParseDate(s); err == nil {
		return t.UTC()
	}
	if t, err := dateparse.ParseAny(s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
