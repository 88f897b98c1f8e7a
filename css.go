package repub

import (
	"regexp"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// DefaultCSS is a stylesheet tuned for e-ink readers: generous paragraph
// spacing, indented lists and small italic captions.
const DefaultCSS = `p {
  margin-top: 1em;
  margin-bottom: 1em;
}

ul, ol {
  padding: 1em;
}

ul li, ol li {
  margin-left: 1.5em;
  padding-left: 0.5em;
}

figcaption {
  font-size: 0.5rem;
  font-style: italic;
}
`

// CodeCSS sets code blocks in a small monospace face on a light grey
// ground and wraps long lines.
const CodeCSS = `pre, code {
  font-family: "Noto Mono", monospace;
  font-size: 0.8em;
  background-color: #f2f2f2;
}

pre {
  white-space: pre-wrap;
  text-align: left !important;
}
`

// TableCSS draws ruled, collapsed table borders and keeps tables within
// the page width.
const TableCSS = `table, th, td {
  border: 1px solid;
}

th {
  border-top: 3px solid;
  border-bottom: 3px solid;
}

th, td {
  padding: 0.25rem;
}

table {
  max-width: 100%;
  border-bottom: 3px solid;
  border-collapse: collapse;
}
`

var (
	cssURLRe    = regexp.MustCompile(`(?i)url\(\s*(?:"([^"]*)"|'([^']*)'|([^)"'\s]*))\s*\)`)
	cssImportRe = regexp.MustCompile(`@import\s+[^;]*;?`)
)

// rewriteCSS replaces every url() in css with the result of fn. References
// fn maps to "" become none. @import rules are removed; imported sheets
// are not followed.
func rewriteCSS(css string, fn func(ref string) string) string {
	css = cssImportRe.ReplaceAllString(css, "")
	return cssURLRe.ReplaceAllStringFunc(css, func(m string) string {
		sub := cssURLRe.FindStringSubmatch(m)
		ref := sub[1] + sub[2] + sub[3]
		if strings.HasPrefix(strings.ToLower(ref), "data:") {
			return m
		}
		if out := fn(ref); out != "" {
			return `url("` + out + `")`
		}
		return "none"
	})
}

// applyStyles settles which styles the book carries. Non-empty custom CSS
// replaces every page style with a single <style> in the head. Otherwise
// stylesheets the archive holds are added to man, <style> elements are
// moved into the head, and url() references to archived fonts are kept.
// Everything else a stylesheet points at is dropped.
func applyStyles(doc *html.Node, reg *registry, cfg Config, man *manifest) {
	head := findElement(doc, atom.Head)
	if head == nil {
		head = newElement(atom.Head)
		if root := findElement(doc, atom.Html); root != nil {
			root.InsertBefore(head, root.FirstChild)
		}
	}

	styleNodes := elements(doc, atom.Style, atom.Link)

	if cfg.CSS != "" {
		for _, n := range styleNodes {
			if n.DataAtom == atom.Style || isStylesheetLink(n) {
				detach(n)
			}
		}
		style := newElement(atom.Style)
		style.AppendChild(newText(cfg.CSS))
		head.AppendChild(style)
		rewriteInlineStyles(doc, func(string) string { return "" })
		return
	}

	log := cfg.logger()
	fontHref := func(base string, prefix string) func(string) string {
		return func(ref string) string {
			var a *asset
			if base == "" {
				a = reg.resolve(ref)
			} else {
				a = reg.resolveFrom(base, ref)
			}
			if a == nil || a.kind != kindFont {
				return ""
			}
			man.add(a)
			return prefix + a.href
		}
	}

	for _, n := range styleNodes {
		if n.Namespace != "" {
			continue
		}
		switch {
		case n.DataAtom == atom.Style:
			css := rewriteCSS(textContent(n), fontHref("", ""))
			for c := n.FirstChild; c != nil; {
				next := c.NextSibling
				n.RemoveChild(c)
				c = next
			}
			n.AppendChild(newText(css))
			if n.Parent != head {
				detach(n)
				head.AppendChild(n)
			}
		case isStylesheetLink(n):
			a := reg.resolve(getAttr(n, "href"))
			if a == nil || a.kind != kindStyle {
				detach(n)
				continue
			}
			if a.href == "" {
				// Stylesheets live one directory down; fonts are reached via "..".
				a.data = []byte(rewriteCSS(string(a.data), fontHref(a.key, "../")))
				man.add(a)
			}
			setAttr(n, "href", a.href)
			if n.Parent != head {
				detach(n)
				head.AppendChild(n)
			}
		}
	}

	rewriteInlineStyles(doc, fontHref("", ""))
	log.Debug("applied page styles", zap.Int("stylesheets", len(styleNodes)))
}

// rewriteInlineStyles applies fn to every url() in the style attributes
// of the body, so inline styles cannot reach the network either.
func rewriteInlineStyles(doc *html.Node, fn func(ref string) string) {
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if s := getAttr(n, "style"); strings.Contains(strings.ToLower(s), "url(") {
				setAttr(n, "style", rewriteCSS(s, fn))
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	if body := findElement(doc, atom.Body); body != nil {
		walk(body)
	}
}
