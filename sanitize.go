// HTML to XHTML sanitization for EPUB compliance.
// Converts an archived web page into a valid XHTML content document
// for EPUB 3, or the stricter XHTML 1.1 subset EPUB 2 expects.
package repub

import (
	"bytes"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// stripInvalidXMLChars removes characters not allowed in XML 1.0 content.
// Valid XML chars: #x9 | #xA | #xD | [#x20-#xD7FF] | [#xE000-#xFFFD] | [#x10000-#x10FFFF]
func stripInvalidXMLChars(s string) string {
	return strings.Map(func(r rune) rune {
		if r == 0x9 || r == 0xA || r == 0xD ||
			(r >= 0x20 && r <= 0xD7FF) ||
			(r >= 0xE000 && r <= 0xFFFD) ||
			(r >= 0x10000 && r <= 0x10FFFF) {
			return r
		}
		return -1 // strip
	}, s)
}

// sanitizeDimensionAttr cleans width/height attribute values to be valid
// EPUB integers (no decimals, no units).
func sanitizeDimensionAttr(val string) string {
	// Strip common CSS units
	val = strings.TrimSpace(val)
	for _, suffix := range []string{"px", "em", "rem", "%", "pt"} {
		val = strings.TrimSuffix(val, suffix)
	}
	// Try parsing as float and round to integer
	f, err := strconv.ParseFloat(val, 64)
	if err != nil || f < 0 {
		return ""
	}
	return strconv.Itoa(int(math.Round(f)))
}

// sanitizeID cleans an id attribute value to be valid in XHTML
// (must not contain whitespace, must not be empty).
func sanitizeID(val string) string {
	val = strings.TrimSpace(val)
	if val == "" {
		return ""
	}
	// Replace whitespace with hyphens
	var b strings.Builder
	for _, r := range val {
		if unicode.IsSpace(r) {
			b.WriteByte('-')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// isPhrasingElement returns true if the tag is a phrasing content element
// that cannot contain block-level elements in EPUB XHTML.
func isPhrasingElement(tag string) bool {
	switch tag {
	case "h1", "h2", "h3", "h4", "h5", "h6", "p",
		"span", "b", "strong", "i", "em", "a",
		"code", "samp", "kbd", "var", "sub", "sup",
		"small", "s", "u", "mark", "abbr", "dfn",
		"cite", "del", "ins", "bdi", "bdo", "time", "data":
		return true
	}
	return false
}

// isStructuralBlock returns true if the block element has significant
// internal structure that must be preserved (e.g., table, pre).
// These should be moved out of inline parents intact rather than unwrapped.
func isStructuralBlock(tag string) bool {
	switch tag {
	case "table", "pre", "ul", "ol", "dl", "blockquote", "figure":
		return true
	}
	return false
}

// isBlockElement returns true if the tag is a block-level element
// that cannot be nested inside phrasing content.
func isBlockElement(tag string) bool {
	switch tag {
	case "p", "div", "h1", "h2", "h3", "h4", "h5", "h6",
		"ul", "ol", "li", "dl", "dt", "dd",
		"blockquote", "section", "article", "aside",
		"header", "footer", "main", "figure", "figcaption", "nav",
		"table", "pre", "hr", "address":
		return true
	}
	return false
}

// elemAllowsDimensions returns true if the element may have width/height attributes.
func elemAllowsDimensions(tag string) bool {
	switch tag {
	case "img", "td", "th", "col", "colgroup", "table":
		return true
	}
	return false
}

// isAllowedAttr defines which attributes are safe for XHTML epub content.
// Returns true if the attribute should be kept.
func isAllowedAttr(a html.Attribute, v EpubVersion) bool {
	switch a.Key {
	case "id", "class", "style", "title", "lang", "dir",
		"href", "src", "alt", "width", "height",
		"colspan", "rowspan", "scope", "headers",
		"cite", "datetime", "value", "type",
		"rel", "media", "start", "reversed", "xml:lang":
		return true
	}
	// epub:type is allowed and encouraged for semantic inflection
	return a.Key == "epub:type" && v == Epub3
}

// isAllowedElement returns true if the tag is allowed in EPUB 3 XHTML.
func isAllowedElement(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return true
	}
	switch n.Data {
	case "div", "p", "h1", "h2", "h3", "h4", "h5", "h6", "ul", "ol", "li", "dl", "dt", "dd",
		"address", "hr", "pre", "blockquote", "cite", "em", "strong", "small", "s", "dfn",
		"abbr", "data", "time", "code", "var", "samp", "kbd", "sub", "sup", "i", "b", "u",
		"mark", "ruby", "rt", "rp", "bdi", "bdo", "span", "br", "wbr", "ins", "del", "img",
		"table", "caption", "colgroup", "col", "tbody", "thead", "tfoot", "tr", "td", "th",
		"section", "article", "aside", "header", "footer", "main", "figure", "figcaption", "nav",
		"a":
		return true
	}
	return false
}

// isDroppedElement returns true for elements removed together with their
// content. Any other disallowed element is unwrapped.
func isDroppedElement(tag string) bool {
	switch tag {
	case "script", "noscript", "template", "style", "iframe", "frame", "frameset",
		"object", "embed", "applet", "param", "svg", "math", "canvas", "map", "area",
		"button", "input", "select", "textarea", "option", "optgroup", "datalist",
		"output", "progress", "meter", "dialog", "track", "source",
		"meta", "link", "title", "base", "head":
		return true
	}
	return false
}

// xhtml11Names maps HTML5 elements onto their nearest XHTML 1.1
// equivalent for EPUB 2 content documents.
var xhtml11Names = map[string]atom.Atom{
	"section":    atom.Div,
	"article":    atom.Div,
	"aside":      atom.Div,
	"header":     atom.Div,
	"footer":     atom.Div,
	"main":       atom.Div,
	"nav":        atom.Div,
	"figure":     atom.Div,
	"figcaption": atom.P,
	"time":       atom.Span,
	"mark":       atom.Span,
	"data":       atom.Span,
	"bdi":        atom.Span,
	"u":          atom.Span,
	"s":          atom.Del,
}

// voidElements are HTML elements that must be self-closing in XHTML.
var voidElements = map[atom.Atom]bool{
	atom.Area: true, atom.Base: true, atom.Br: true, atom.Col: true,
	atom.Embed: true, atom.Hr: true, atom.Img: true, atom.Input: true,
	atom.Link: true, atom.Meta: true, atom.Source: true, atom.Wbr: true,
}

// isLocalRef reports whether a reference stays inside the package.
func isLocalRef(ref string) bool {
	ref = strings.ToLower(strings.TrimSpace(ref))
	return ref != "" && !strings.Contains(ref, ":") && !strings.HasPrefix(ref, "//")
}

// sanitizeBody cleans the body of doc in place so it renders as valid
// XHTML for the given EPUB version: strips non-standard attributes,
// removes broken fragment links, and eliminates disallowed tags and nesting.
func sanitizeBody(doc *html.Node, v EpubVersion) {
	body := findElement(doc, atom.Body)
	if body == nil {
		return
	}

	// Collect all IDs in the document (after sanitizing them)
	ids := map[string]bool{}
	var collectIDs func(*html.Node)
	collectIDs = func(n *html.Node) {
		if n.Type == html.ElementNode {
			for _, a := range n.Attr {
				if a.Key == "id" {
					cleaned := sanitizeID(a.Val)
					if cleaned != "" {
						ids[cleaned] = true
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collectIDs(c)
		}
	}
	collectIDs(body)

	// Track used IDs for deduplication
	usedIDs := map[string]bool{}

	// Walk and clean the tree
	var clean func(*html.Node) *html.Node
	clean = func(n *html.Node) *html.Node {
		if n.Type == html.CommentNode || n.Type == html.DoctypeNode {
			return nil
		}
		if n.Type == html.ElementNode && n != body {
			// Special handling for media tags: convert to links
			if n.Data == "video" || n.Data == "audio" {
				src := getAttr(n, "src")
				if src == "" {
					for c := n.FirstChild; c != nil; c = c.NextSibling {
						if c.Type == html.ElementNode && c.Data == "source" {
							src = getAttr(c, "src")
						}
						if src != "" {
							break
						}
					}
				}
				if src != "" && !isLocalRef(src) {
					link := newElement(atom.A, html.Attribute{Key: "href", Val: src})
					link.AppendChild(newText("[Media: " + src + "]"))
					return link
				}
				return nil
			}

			if n.Namespace != "" || isDroppedElement(n.Data) {
				return nil
			}

			// Images must point into the package (remote resources are
			// not allowed in EPUB) and carry alt text.
			if n.DataAtom == atom.Img {
				if !isLocalRef(getAttr(n, "src")) {
					return nil
				}
				if !hasAttr(n, "alt") {
					setAttr(n, "alt", "")
				}
			}

			if v == Epub2 {
				if a, ok := xhtml11Names[n.Data]; ok {
					n.DataAtom = a
					n.Data = a.String()
				}
				if n.DataAtom == atom.Wbr {
					return nil
				}
			}

			// Filter attributes
			var filtered []html.Attribute
			for _, a := range n.Attr {
				if a.Namespace != "" || !isAllowedAttr(a, v) {
					continue
				}
				if v == Epub2 && a.Key == "lang" {
					if hasAttr(n, "xml:lang") {
						continue
					}
					a.Key = "xml:lang"
				}
				// Fix broken fragment links
				if a.Key == "href" && strings.HasPrefix(a.Val, "#") {
					frag := a.Val[1:]
					if u, err := url.PathUnescape(frag); err == nil {
						frag = u
					}
					if frag = sanitizeID(frag); frag != "" {
						if !ids[frag] {
							continue // drop href to non-existent ID
						}
						a.Val = "#" + frag
					}
				}
				if a.Key == "href" && isJavascriptURL(a.Val) {
					continue
				}
				// Sanitize and deduplicate IDs
				if a.Key == "id" {
					cleaned := sanitizeID(a.Val)
					if cleaned == "" {
						continue // drop empty IDs
					}
					if usedIDs[cleaned] {
						// Deduplicate: append suffix
						for i := 2; ; i++ {
							candidate := fmt.Sprintf("%s-%d", cleaned, i)
							if !usedIDs[candidate] {
								cleaned = candidate
								break
							}
						}
					}
					usedIDs[cleaned] = true
					a.Val = cleaned
				}
				// Sanitize width/height: must be integers, only on elements that allow them
				if a.Key == "width" || a.Key == "height" {
					if !elemAllowsDimensions(n.Data) {
						continue // strip dimension attrs on non-dimension elements
					}
					cleaned := sanitizeDimensionAttr(a.Val)
					if cleaned == "" || cleaned == "0" {
						continue // drop invalid dimensions
					}
					a.Val = cleaned
				}
				filtered = append(filtered, a)
			}
			n.Attr = filtered

			// Fix nesting: phrasing elements that cannot contain block elements.
			if isPhrasingElement(n.Data) {
				fixPhrasingNesting(n)
			}

			if n.Data == "dl" {
				fixDefinitionList(n)
			}

			// Fix <figcaption> outside <figure>: convert to <p>
			if n.Data == "figcaption" {
				if n.Parent == nil || n.Parent.Data != "figure" {
					n.Data = "p"
					n.DataAtom = atom.P
				}
			}
		}
		if n.Type == html.TextNode {
			n.Data = stripInvalidXMLChars(n.Data)
		}

		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			if c.Type == html.ElementNode && !isAllowedElement(c) && !isDroppedElement(c.Data) &&
				c.Namespace == "" && c.Data != "video" && c.Data != "audio" {
				// Unknown wrappers (font, center, form, custom elements)
				// give way to their content, which is cleaned in turn.
				if first := c.FirstChild; first != nil {
					next = first
				}
				unwrap(c)
				c = next
				continue
			}
			if result := clean(c); result == nil {
				n.RemoveChild(c)
			} else if result != c {
				n.InsertBefore(result, c)
				n.RemoveChild(c)
			}
			c = next
		}
		return n
	}
	clean(body)
	if v == Epub2 {
		wrapInlineRuns(body)
	}

	kept := body.Attr[:0]
	for _, a := range body.Attr {
		if a.Key == "class" || a.Key == "id" || a.Key == "dir" {
			kept = append(kept, a)
		}
	}
	body.Attr = kept
}

// wrapInlineRuns puts each run of text and inline elements sitting
// directly in body into a div, as XHTML 1.1 allows only blocks there.
// Whitespace between blocks is left alone.
func wrapInlineRuns(body *html.Node) {
	var run *html.Node
	for c := body.FirstChild; c != nil; {
		next := c.NextSibling
		switch {
		case c.Type == html.ElementNode && isBlockElement(c.Data):
			run = nil
		case c.Type != html.TextNode && c.Type != html.ElementNode:
		case run == nil && c.Type == html.TextNode && strings.TrimSpace(c.Data) == "":
		default:
			if run == nil {
				run = newElement(atom.Div)
				body.InsertBefore(run, c)
			}
			body.RemoveChild(c)
			run.AppendChild(c)
		}
		c = next
	}
}

// fixPhrasingNesting moves block children out of a phrasing element.
func fixPhrasingNesting(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.ElementNode && isBlockElement(c.Data) {
			if isStructuralBlock(c.Data) && n.Parent != nil {
				// Structural blocks (table, pre, etc.) must keep their
				// internal structure. Move them above all phrasing ancestors.
				n.RemoveChild(c)
				target := n
				for target.Parent != nil && target.Parent.Type == html.ElementNode && isPhrasingElement(target.Parent.Data) {
					target = target.Parent
				}
				if target.Parent != nil {
					target.Parent.InsertBefore(c, target)
				}
			} else {
				// Simple wrappers (p, div, etc.): unwrap children inline
				for cc := c.FirstChild; cc != nil; {
					cnext := cc.NextSibling
					c.RemoveChild(cc)
					n.InsertBefore(cc, c)
					cc = cnext
				}
				n.RemoveChild(c)
			}
		}
		c = next
	}
}

// fixDefinitionList enforces the <dl> content model: dt/dd pairs.
// - <dd> before any <dt> needs a <dt> inserted before it
// - <dt> at end without following <dd> needs a <dd> appended
// - Bare text and disallowed children are wrapped appropriately
func fixDefinitionList(n *html.Node) {
	// First pass: wrap bare text and disallowed elements
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.TextNode {
			if strings.TrimSpace(c.Data) != "" {
				dt := newElement(atom.Dt)
				n.InsertBefore(dt, c)
				n.RemoveChild(c)
				dt.AppendChild(c)
			}
		} else if c.Type == html.ElementNode {
			if c.Data != "dt" && c.Data != "dd" && c.Data != "div" {
				dd := newElement(atom.Dd)
				n.InsertBefore(dd, c)
				n.RemoveChild(c)
				dd.AppendChild(c)
			}
		}
		c = next
	}
	// Second pass: ensure dd comes after dt (not before)
	seenDt := false
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			if c.Data == "dt" {
				seenDt = true
			} else if c.Data == "dd" && !seenDt {
				n.InsertBefore(newElement(atom.Dt), c)
				seenDt = true
			}
		}
	}
	// Third pass: ensure last dt has a following dd
	var lastDt *html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			if c.Data == "dt" {
				lastDt = c
			} else if c.Data == "dd" || c.Data == "div" {
				lastDt = nil
			}
		}
	}
	if lastDt != nil {
		dd := newElement(atom.Dd)
		if lastDt.NextSibling != nil {
			n.InsertBefore(dd, lastDt.NextSibling)
		} else {
			n.AppendChild(dd)
		}
	}
	// Ensure <dl> has at least one dt/dd pair
	hasDt := false
	hasDd := false
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			if c.Data == "dt" {
				hasDt = true
			}
			if c.Data == "dd" || c.Data == "div" {
				hasDd = true
			}
		}
	}
	if !hasDt {
		n.InsertBefore(newElement(atom.Dt), n.FirstChild)
	}
	if !hasDd {
		n.AppendChild(newElement(atom.Dd))
	}
}

// headNodes returns the stylesheet links and style elements of the
// document head that may go into the content document.
func headNodes(doc *html.Node) []*html.Node {
	head := findElement(doc, atom.Head)
	if head == nil {
		return nil
	}
	var out []*html.Node
	for c := head.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		switch c.DataAtom {
		case atom.Style:
			c.Attr = nil
			out = append(out, c)
		case atom.Link:
			href := getAttr(c, "href")
			if isStylesheetLink(c) && isLocalRef(href) {
				c.Attr = []html.Attribute{
					{Key: "rel", Val: "stylesheet"},
					{Key: "type", Val: "text/css"},
					{Key: "href", Val: href},
				}
				out = append(out, c)
			}
		}
	}
	return out
}

func isStylesheetLink(n *html.Node) bool {
	for _, r := range strings.Fields(strings.ToLower(getAttr(n, "rel"))) {
		if r == "stylesheet" {
			return true
		}
	}
	return false
}

const (
	xhtmlNS = "http://www.w3.org/1999/xhtml"
	opsNS   = "http://www.idpf.org/2007/ops"
)

// renderContentDocument serialises the sanitised document as a complete
// XHTML file.
func renderContentDocument(doc *html.Node, title, lang string, v EpubVersion) []byte {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	lang = html.EscapeString(lang)
	if v == Epub2 {
		buf.WriteString(`<!DOCTYPE html PUBLIC "-//W3C//DTD XHTML 1.1//EN" "http://www.w3.org/TR/xhtml11/DTD/xhtml11.dtd">` + "\n")
		fmt.Fprintf(&buf, `<html xmlns="%s" xml:lang="%s">`+"\n", xhtmlNS, lang)
		buf.WriteString(`<head>` + "\n" + `<meta http-equiv="Content-Type" content="text/html; charset=utf-8"/>` + "\n")
	} else {
		buf.WriteString("<!DOCTYPE html>\n")
		fmt.Fprintf(&buf, `<html xmlns="%s" xmlns:epub="%s" lang="%s" xml:lang="%s">`+"\n", xhtmlNS, opsNS, lang, lang)
		buf.WriteString(`<head>` + "\n" + `<meta charset="utf-8"/>` + "\n")
	}
	buf.WriteString("<title>")
	buf.WriteString(html.EscapeString(stripInvalidXMLChars(title)))
	buf.WriteString("</title>\n")
	for _, n := range headNodes(doc) {
		if n.DataAtom == atom.Style {
			n.Attr = []html.Attribute{{Key: "type", Val: "text/css"}}
		}
		renderXHTML(&buf, n)
		buf.WriteByte('\n')
	}
	buf.WriteString("</head>\n")

	if body := findElement(doc, atom.Body); body != nil {
		renderXHTML(&buf, body)
	} else {
		buf.WriteString("<body></body>")
	}
	buf.WriteString("\n</html>\n")
	return buf.Bytes()
}

// renderXHTML renders an html.Node tree as XHTML (self-closing void elements).
func renderXHTML(buf *bytes.Buffer, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		buf.WriteString(html.EscapeString(stripInvalidXMLChars(n.Data)))
	case html.ElementNode:
		buf.WriteByte('<')
		buf.WriteString(n.Data)
		for _, a := range n.Attr {
			buf.WriteByte(' ')
			buf.WriteString(a.Key)
			buf.WriteString(`="`)
			buf.WriteString(html.EscapeString(stripInvalidXMLChars(a.Val)))
			buf.WriteByte('"')
		}
		if voidElements[n.DataAtom] && n.FirstChild == nil {
			buf.WriteString("/>")
			return
		}
		buf.WriteByte('>')
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			renderXHTML(buf, c)
		}
		buf.WriteString("</")
		buf.WriteString(n.Data)
		buf.WriteByte('>')
	case html.DocumentNode:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			renderXHTML(buf, c)
		}
	case html.CommentNode:
		// skip comments
	case html.RawNode:
		buf.WriteString(n.Data)
	}
}

// referencedHrefs lists the package paths the sanitised document points
// at through images and stylesheet links.
func referencedHrefs(doc *html.Node) map[string]bool {
	refs := map[string]bool{}
	for _, n := range elements(doc, atom.Img, atom.Link) {
		attr := "src"
		if n.DataAtom == atom.Link {
			attr = "href"
		}
		if v := getAttr(n, attr); isLocalRef(v) {
			refs[v] = true
		}
	}
	return refs
}
