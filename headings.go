package repub

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var headingLevels = []atom.Atom{atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6}

// shiftHeadings shifts all headings down one level (h1->h2, h2->h3, ..., clamped at h6).
func shiftHeadings(n *html.Node) {
	for _, h := range elements(n, headingLevels...) {
		for i, a := range headingLevels {
			if h.DataAtom == a && i < len(headingLevels)-1 {
				h.DataAtom = headingLevels[i+1]
				h.Data = h.DataAtom.String()
				break
			}
		}
	}
}

// sourceInfo holds what the header block may show.
type sourceInfo struct {
	URL    string
	Title  *string
	Byline string
	Cover  *asset
}

// displayURL is a compact form of a URL for link text: no scheme, no
// trailing slash.
func displayURL(raw string) string {
	d := raw
	for _, prefix := range []string{"https://", "http://"} {
		d = strings.TrimPrefix(d, prefix)
	}
	return strings.TrimSuffix(d, "/")
}

// insertHeader prepends the source link, title heading, byline and cover
// to the body, in that order, as enabled by cfg. With a title heading the
// page's own headings move down one level so the book title is the only h1.
func insertHeader(doc *html.Node, src sourceInfo, cfg Config) {
	body := findElement(doc, atom.Body)
	if body == nil {
		return
	}

	var blocks []*html.Node
	if cfg.IncludeURL && src.URL != "" {
		a := newElement(atom.A, html.Attribute{Key: "href", Val: src.URL})
		a.AppendChild(newText(displayURL(src.URL)))
		p := newElement(atom.P, html.Attribute{Key: "class", Val: "source"})
		p.AppendChild(a)
		blocks = append(blocks, p)
	}
	if cfg.IncludeTitle && src.Title != nil && *src.Title != "" {
		shiftHeadings(body)
		h1 := newElement(atom.H1)
		h1.AppendChild(newText(*src.Title))
		blocks = append(blocks, h1)
	}
	if cfg.IncludeByline && src.Byline != "" {
		addr := newElement(atom.Address, html.Attribute{Key: "style", Val: "font-style: italic"})
		addr.AppendChild(newText(src.Byline))
		blocks = append(blocks, addr)
	}
	if cfg.IncludeCover && src.Cover != nil {
		img := newElement(atom.Img,
			html.Attribute{Key: "src", Val: src.Cover.key},
			html.Attribute{Key: "alt", Val: ""})
		div := newElement(atom.Div, html.Attribute{Key: "style", Val: "margin-top: 1em"})
		div.AppendChild(img)
		blocks = append(blocks, div)
	}
	if len(blocks) == 0 {
		return
	}

	header := newElement(atom.Div, html.Attribute{Key: "class", Val: "repub-header"})
	for _, b := range blocks {
		header.AppendChild(b)
	}
	body.InsertBefore(header, body.FirstChild)
}
