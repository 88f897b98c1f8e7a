package repub

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"strings"
	"testing"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const testBoundary = "----MultipartBoundary--repubtest"

// mhtmlPart is one body part of a test archive.
type mhtmlPart struct {
	contentType string
	location    string
	contentID   string
	encoding    string // defaults to 8bit for text, base64 otherwise
	body        []byte
}

func htmlPart(location, doc string) mhtmlPart {
	return mhtmlPart{contentType: "text/html; charset=utf-8", location: location, body: []byte(doc)}
}

func imagePart(location, mimeType string, data []byte) mhtmlPart {
	return mhtmlPart{contentType: mimeType, location: location, body: data}
}

// buildMHTML assembles an archive the way Chromium saves pages.
func buildMHTML(source string, parts ...mhtmlPart) []byte {
	var b strings.Builder
	b.WriteString("From: <Saved by Blink>\r\n")
	if source != "" {
		fmt.Fprintf(&b, "Snapshot-Content-Location: %s\r\n", source)
	}
	b.WriteString("Subject: Test page\r\n")
	b.WriteString("Date: Wed, 14 Oct 2026 10:00:00 -0000\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/related;\r\n\ttype=\"text/html\";\r\n\tboundary=\"%s\"\r\n\r\n", testBoundary)

	for _, p := range parts {
		fmt.Fprintf(&b, "--%s\r\n", testBoundary)
		fmt.Fprintf(&b, "Content-Type: %s\r\n", p.contentType)
		if p.contentID != "" {
			fmt.Fprintf(&b, "Content-ID: <%s>\r\n", p.contentID)
		}
		enc := p.encoding
		if enc == "" {
			enc = "base64"
			if strings.HasPrefix(p.contentType, "text/") {
				enc = "8bit"
			}
		}
		fmt.Fprintf(&b, "Content-Transfer-Encoding: %s\r\n", enc)
		if p.location != "" {
			fmt.Fprintf(&b, "Content-Location: %s\r\n", p.location)
		}
		b.WriteString("\r\n")
		if enc == "base64" {
			s := base64.StdEncoding.EncodeToString(p.body)
			for len(s) > 76 {
				b.WriteString(s[:76] + "\r\n")
				s = s[76:]
			}
			b.WriteString(s)
		} else {
			b.Write(p.body)
		}
		b.WriteString("\r\n")
	}
	fmt.Fprintf(&b, "--%s--\r\n", testBoundary)
	return []byte(b.String())
}

// makePNG creates a solid-color PNG image at the given dimensions.
func makePNG(w, h int, c color.Color) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	png.Encode(&buf, img)
	return buf.Bytes()
}

// makeJPEG creates a solid-color JPEG image at the given dimensions.
func makeJPEG(w, h int, c color.Color) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	return buf.Bytes()
}

// gradientPNG creates an opaque image whose pixels all differ, so it is
// never mistaken for a spacer.
func gradientPNG(w, h int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{uint8(x * 7), uint8(y * 13), uint8((x + y) * 3), 255})
		}
	}
	var buf bytes.Buffer
	png.Encode(&buf, img)
	return buf.Bytes()
}

func dataURI(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func decodeDimensions(t *testing.T, data []byte) (w, h int) {
	t.Helper()
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decoding image: %v", err)
	}
	return cfg.Width, cfg.Height
}

// epubFile is the decoded content of one container entry.
type epubFile struct {
	name   string
	method uint16
	data   []byte
}

// readEPUB lists the container entries in order.
func readEPUB(t *testing.T, data []byte) []epubFile {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("opening epub: %v", err)
	}
	var files []epubFile
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("opening %s: %v", f.Name, err)
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("reading %s: %v", f.Name, err)
		}
		files = append(files, epubFile{name: f.Name, method: f.Method, data: b})
	}
	return files
}

func findEPUBFile(files []epubFile, name string) *epubFile {
	for i := range files {
		if files[i].name == name {
			return &files[i]
		}
	}
	return nil
}

func imageEntries(files []epubFile) []epubFile {
	var out []epubFile
	for _, f := range files {
		if strings.HasPrefix(f.name, "OEBPS/images/") {
			out = append(out, f)
		}
	}
	return out
}

// parseBody parses an HTML document for the DOM-level tests.
func parseBody(t *testing.T, doc string) *html.Node {
	t.Helper()
	n, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return n
}

// renderBody renders the body element of doc as XHTML.
func renderBody(doc *html.Node) string {
	var buf bytes.Buffer
	for _, n := range elements(doc, atom.Body) {
		renderXHTML(&buf, n)
	}
	return buf.String()
}

// newTestRegistry parses data and returns a registry for its archive.
func newTestRegistry(t *testing.T, data []byte) (*registry, *html.Node) {
	t.Helper()
	a, err := ParseArchive(data)
	if err != nil {
		t.Fatalf("ParseArchive: %v", err)
	}
	doc, err := html.Parse(bytes.NewReader(a.Root.Data))
	if err != nil {
		t.Fatalf("parse root: %v", err)
	}
	return newRegistry(a), doc
}
