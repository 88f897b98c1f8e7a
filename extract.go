// Metadata extraction and unconditional cleanup of the archived page.
package repub

import (
	"bytes"
	"image"
	"net/url"
	"strings"
	"unicode/utf8"

	readability "codeberg.org/readeck/go-readability"
	"github.com/PuerkitoBio/goquery"
	"github.com/vincent-petithory/dataurl"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Minimum size of an inline image picked as the cover when the page
// declares none.
const (
	coverMinWidth  = 200
	coverMinHeight = 200
)

// placeholderMaxSide is the largest side of an inline image that only
// holds the place of a lazily loaded one.
const placeholderMaxSide = 2

// pageMeta is what the extractor learns about the page.
type pageMeta struct {
	title  *string
	byline string
	lang   string
	source string
	cover  *asset
}

// extractContent reads metadata from the document and strips everything
// that must never reach the book. It edits doc in place.
func extractContent(doc *html.Node, reg *registry, cfg Config) pageMeta {
	log := cfg.logger()
	gq := goquery.NewDocumentFromNode(doc)

	if href, ok := gq.Find("base[href]").First().Attr("href"); ok {
		reg.setBase(href)
	}
	gq.Find("base").Remove()

	meta := pageMeta{
		title:  documentTitle(gq),
		byline: findByline(gq),
		lang:   documentLang(gq),
		source: reg.archive.Source,
	}
	if meta.source == "" {
		meta.source = reg.archive.BaseURL()
	}

	removeUnsafe(gq, reg)
	promoteLazySrc(doc)

	// Readability fills in a missing byline and, on request, the body.
	if meta.byline == "" || cfg.Summarize {
		if article, ok := runReadability(doc, reg, log); ok {
			if meta.byline == "" {
				meta.byline = cleanByline(article.Byline)
			}
			if cfg.Summarize {
				replaceBody(doc, article.Content, log)
			}
		}
	}

	if cfg.IncludeCover {
		meta.cover = findCover(gq, reg)
	}

	log.Debug("extracted page metadata",
		zap.Stringp("title", meta.title),
		zap.String("byline", meta.byline),
		zap.String("lang", meta.lang),
		zap.Bool("cover", meta.cover != nil))
	return meta
}

// documentTitle returns the text of the first <title>, whitespace
// collapsed, or nil when the page has none.
func documentTitle(gq *goquery.Document) *string {
	sel := gq.Find("head > title").First()
	if sel.Length() == 0 {
		sel = gq.Find("title").First()
	}
	if sel.Length() == 0 {
		return nil
	}
	title := collapseSpace(sel.Text())
	return &title
}

func documentLang(gq *goquery.Document) string {
	h := gq.Find("html").First()
	for _, key := range []string{"lang", "xml:lang"} {
		if v := strings.TrimSpace(h.AttrOr(key, "")); v != "" {
			return v
		}
	}
	return ""
}

// bylineMeta lists <meta> names and properties carrying an author, in
// order of preference.
var bylineMeta = []string{
	"author",
	"article:author",
	"byl",
	"dc.creator",
	"dcterms.creator",
	"parsely-author",
	"sailthru.author",
}

var bylineSelectors = []string{
	`[itemprop~="author"]`,
	`[rel~="author"]`,
	`.byline`,
	`.author`,
	`[class*="byline"]`,
}

// findByline looks for an author name in metadata, then in the body.
func findByline(gq *goquery.Document) string {
	metas := map[string]string{}
	gq.Find("meta[content]").Each(func(_ int, s *goquery.Selection) {
		content := strings.TrimSpace(s.AttrOr("content", ""))
		if content == "" {
			return
		}
		for _, attr := range []string{"name", "property"} {
			key := strings.ToLower(strings.TrimSpace(s.AttrOr(attr, "")))
			if _, seen := metas[key]; key != "" && !seen {
				metas[key] = content
			}
		}
	})
	for _, key := range bylineMeta {
		v := metas[key]
		// article:author is often a profile URL.
		if v == "" || strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") {
			continue
		}
		if b := cleanByline(v); b != "" {
			return b
		}
	}

	for _, sel := range bylineSelectors {
		var found string
		gq.Find("body " + sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			text := s.AttrOr("content", "")
			if text == "" {
				if name := s.Find(`[itemprop~="name"]`).First(); name.Length() > 0 {
					text = name.Text()
				} else {
					text = s.Text()
				}
			}
			found = cleanByline(text)
			return found == ""
		})
		if found != "" {
			return found
		}
	}
	return ""
}

// cleanByline normalises an author string. Implausibly long text is not
// a byline.
func cleanByline(s string) string {
	s = collapseSpace(s)
	if len(s) > 3 && strings.EqualFold(s[:3], "by ") {
		s = strings.TrimSpace(s[3:])
	}
	if utf8.RuneCountInString(s) > 100 {
		return ""
	}
	return s
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// findCover returns the page's declared social image if the archive has
// it, otherwise the first body image at least coverMinWidth x
// coverMinHeight pixels.
func findCover(gq *goquery.Document, reg *registry) *asset {
	for _, sel := range []string{
		`meta[property="og:image"]`,
		`meta[property="og:image:url"]`,
		`meta[name="twitter:image"]`,
		`meta[property="twitter:image"]`,
	} {
		if ref := gq.Find(sel).First().AttrOr("content", ""); ref != "" {
			if a := reg.resolveImage(ref); a != nil {
				return a
			}
		}
	}
	if ref := gq.Find(`link[rel="image_src"]`).First().AttrOr("href", ""); ref != "" {
		if a := reg.resolveImage(ref); a != nil {
			return a
		}
	}

	var cover *asset
	gq.Find("body img").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		a := reg.resolveImage(s.AttrOr("src", ""))
		if a == nil {
			return true
		}
		cfg, _, err := image.DecodeConfig(bytes.NewReader(a.data))
		if err == nil && cfg.Width >= coverMinWidth && cfg.Height >= coverMinHeight {
			cover = a
			return false
		}
		return true
	})
	return cover
}

// unsafeElements never survive into the book, content included.
const unsafeElements = "script, noscript, template, iframe, frame, frameset, object, embed, applet, " +
	`link[rel~="preload"], link[rel~="prefetch"], link[rel~="preconnect"], ` +
	`link[rel~="dns-prefetch"], link[rel~="modulepreload"], link[rel~="manifest"], ` +
	`meta[http-equiv]`

// trackerHosts are analytics hosts whose images are beacons.
var trackerHosts = []string{
	"google-analytics.com",
	"googletagmanager.com",
	"doubleclick.net",
	"facebook.com",
	"facebook.net",
	"scorecardresearch.com",
	"quantserve.com",
	"bat.bing.com",
	"pixel.wp.com",
	"stats.wp.com",
	"analytics.twitter.com",
	"ads.linkedin.com",
	"chartbeat.net",
	"hotjar.com",
	"mc.yandex.ru",
}

func isTrackerURL(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, t := range trackerHosts {
		if host == t || strings.HasSuffix(host, "."+t) {
			return true
		}
	}
	return false
}

// removeUnsafe drops scripts, embedded browsing contexts, resource hints,
// refresh directives, tracking beacons, event handlers and javascript:
// URLs.
func removeUnsafe(gq *goquery.Document, reg *registry) {
	gq.Find(unsafeElements).Remove()

	gq.Find("img").Each(func(_ int, s *goquery.Selection) {
		if src := s.AttrOr("src", ""); src != "" && isTrackerURL(reg.absolute(src)) {
			s.Remove()
		}
	})

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			kept := n.Attr[:0]
			for _, a := range n.Attr {
				key := strings.ToLower(a.Key)
				if strings.HasPrefix(key, "on") {
					continue
				}
				if (key == "href" || key == "src" || key == "action" || key == "formaction") && isJavascriptURL(a.Val) {
					continue
				}
				kept = append(kept, a)
			}
			n.Attr = kept
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range gq.Nodes {
		walk(n)
	}
}

func isJavascriptURL(v string) bool {
	v = strings.ToLower(strings.Map(func(r rune) rune {
		// Browsers ignore whitespace and control characters in schemes.
		if r <= ' ' {
			return -1
		}
		return r
	}, v))
	return strings.HasPrefix(v, "javascript:") || strings.HasPrefix(v, "vbscript:")
}

// isPlaceholderSrc reports whether src stands in for a lazily loaded
// image: empty, blank, an inline SVG, or an inline raster no more than
// placeholderMaxSide pixels on some side.
func isPlaceholderSrc(src string) bool {
	src = strings.TrimSpace(src)
	lower := strings.ToLower(src)
	switch {
	case src == "", lower == "about:blank", strings.HasPrefix(lower, "data:image/svg+xml"):
		return true
	case !strings.HasPrefix(lower, "data:"):
		return false
	}
	du, err := dataurl.DecodeString(src)
	if err != nil {
		return true
	}
	c, _, err := image.DecodeConfig(bytes.NewReader(du.Data))
	return err != nil || c.Width <= placeholderMaxSide || c.Height <= placeholderMaxSide
}

// promoteLazySrc copies data-src style attributes onto src and srcset
// for lazily loaded images whose real attribute is a placeholder.
func promoteLazySrc(n *html.Node) {
	if n.Type == html.ElementNode && (n.DataAtom == atom.Img || n.DataAtom == atom.Source) {
		lazy := ""
		for _, key := range []string{"data-src", "data-original", "data-lazy-src"} {
			if v := strings.TrimSpace(getAttr(n, key)); v != "" {
				lazy = v
				break
			}
		}
		if lazy != "" && isPlaceholderSrc(getAttr(n, "src")) {
			setAttr(n, "src", lazy)
		}
		if v := strings.TrimSpace(getAttr(n, "data-srcset")); v != "" && strings.TrimSpace(getAttr(n, "srcset")) == "" {
			setAttr(n, "srcset", v)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		promoteLazySrc(c)
	}
}

func runReadability(doc *html.Node, reg *registry, log *zap.Logger) (readability.Article, bool) {
	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		log.Warn("rendering document for readability", zap.Error(err))
		return readability.Article{}, false
	}
	pageURL := reg.base
	if pageURL == nil {
		pageURL = &url.URL{}
	}
	article, err := readability.FromReader(&buf, pageURL)
	if err != nil {
		log.Warn("readability extraction failed", zap.Error(err))
		return readability.Article{}, false
	}
	return article, true
}

// replaceBody swaps the body's children for the given fragment.
func replaceBody(doc *html.Node, fragment string, log *zap.Logger) {
	body := findElement(doc, atom.Body)
	if body == nil || strings.TrimSpace(fragment) == "" {
		log.Warn("summarize produced no content, keeping full page")
		return
	}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), body)
	if err != nil {
		log.Warn("parsing summarized content", zap.Error(err))
		return
	}
	for c := body.FirstChild; c != nil; {
		next := c.NextSibling
		body.RemoveChild(c)
		c = next
	}
	for _, n := range nodes {
		body.AppendChild(n)
	}
	promoteLazySrc(body)
}
