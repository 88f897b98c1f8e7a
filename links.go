// Boilerplate link removal.
// Navigation menus, tag clouds and "related" lists repeat near-identical
// anchors. Anchors that closely resemble a neighbour lose their href and
// become plain text.
package repub

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/unicode/norm"
)

// maxCompareRunes caps the strings fed to the edit distance.
const maxCompareRunes = 256

// linkCandidate is an anchor under consideration.
type linkCandidate struct {
	node  *html.Node
	href  string
	text  string
	group *html.Node
	nav   bool
}

// listContainers group the anchors they contain.
var listContainers = map[atom.Atom]bool{
	atom.Nav: true, atom.Ul: true, atom.Ol: true, atom.Menu: true, atom.Dl: true,
	atom.Table: true, atom.Header: true, atom.Footer: true, atom.Aside: true,
}

// navContexts mark anchors as site navigation.
var navContexts = map[atom.Atom]bool{
	atom.Nav: true, atom.Header: true, atom.Footer: true, atom.Aside: true,
}

var navRoles = map[string]bool{
	"navigation": true, "banner": true, "contentinfo": true, "menu": true, "menubar": true,
}

var blockContainers = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true, atom.Main: true,
	atom.Blockquote: true, atom.Figure: true, atom.Li: true, atom.Td: true, atom.Th: true,
	atom.Dd: true, atom.Dt: true, atom.Body: true, atom.Address: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
}

// filterLinks removes the href of every anchor whose similarity to another
// anchor in the same group is at least thresh. It returns the number of
// anchors rewritten. Nothing changes unless strip is set.
func filterLinks(doc *html.Node, strip bool, thresh float64) int {
	if !strip {
		return 0
	}

	var (
		groups   = map[*html.Node][]*linkCandidate{}
		order    []*html.Node
		navGroup []*linkCandidate
	)
	for _, a := range elements(doc, atom.A) {
		if !hasAttr(a, "href") {
			continue
		}
		c := newLinkCandidate(a)
		if _, ok := groups[c.group]; !ok {
			order = append(order, c.group)
		}
		groups[c.group] = append(groups[c.group], c)
		if c.nav {
			navGroup = append(navGroup, c)
		}
	}

	boilerplate := map[*html.Node]bool{}
	mark := func(cands []*linkCandidate) {
		for i := 0; i < len(cands); i++ {
			for j := i + 1; j < len(cands); j++ {
				if boilerplate[cands[i].node] && boilerplate[cands[j].node] {
					continue
				}
				if linkSimilarity(cands[i], cands[j]) >= thresh {
					boilerplate[cands[i].node] = true
					boilerplate[cands[j].node] = true
				}
			}
		}
	}
	for _, g := range order {
		mark(groups[g])
	}
	mark(navGroup)

	for n := range boilerplate {
		removeAttr(n, "href", "target", "rel", "hreflang", "download", "ping")
	}
	return len(boilerplate)
}

func newLinkCandidate(a *html.Node) *linkCandidate {
	c := &linkCandidate{
		node: a,
		href: strings.TrimSpace(getAttr(a, "href")),
		text: normalizeLinkText(textContent(a)),
	}
	var nearestBlock *html.Node
	for p := a.Parent; p != nil; p = p.Parent {
		if p.Type != html.ElementNode {
			continue
		}
		if navContexts[p.DataAtom] || navRoles[strings.ToLower(getAttr(p, "role"))] {
			c.nav = true
		}
		if c.group == nil && listContainers[p.DataAtom] {
			c.group = p
		}
		if nearestBlock == nil && blockContainers[p.DataAtom] {
			nearestBlock = p
		}
	}
	if c.group == nil {
		c.group = nearestBlock
	}
	if c.group == nil {
		c.group = a.Parent
	}
	return c
}

func normalizeLinkText(s string) string {
	return collapseSpace(norm.NFKC.String(s))
}

// linkSimilarity is the mean of the href and text similarities. It is
// symmetric, 1 for identical anchors and 0 for anchors sharing no rune.
func linkSimilarity(a, b *linkCandidate) float64 {
	return (stringSimilarity(a.href, b.href) + stringSimilarity(a.text, b.text)) / 2
}

// stringSimilarity is 1 - levenshtein(a, b) / max(len(a), len(b)) over
// runes. Two empty strings are identical.
func stringSimilarity(a, b string) float64 {
	ra, rb := truncRunes(a), truncRunes(b)
	longest := max(len(ra), len(rb))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

func truncRunes(s string) []rune {
	if utf8.RuneCountInString(s) <= maxCompareRunes {
		return []rune(s)
	}
	return []rune(s)[:maxCompareRunes]
}

// levenshtein is the edit distance with unit costs, using two rows.
func levenshtein(a, b []rune) int {
	if len(a) < len(b) {
		a, b = b, a
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
