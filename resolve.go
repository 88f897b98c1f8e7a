package repub

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/vincent-petithory/dataurl"
)

type assetKind int

const (
	kindOther assetKind = iota
	kindImage
	kindStyle
	kindFont
)

// asset is a resource that may end up in the package manifest.
type asset struct {
	key  string
	mime string
	data []byte
	kind assetKind

	// Set while packaging.
	id   string
	href string
}

// registry maps references found in the document onto archive parts.
// Each part yields at most one asset no matter how many references
// point at it.
type registry struct {
	archive *Archive
	base    *url.URL
	byPart  map[*Part]*asset
	inline  map[string]*asset

	// imageSimThresh enables closestImage when positive.
	imageSimThresh float64
}

func newRegistry(a *Archive) *registry {
	r := &registry{
		archive: a,
		byPart:  map[*Part]*asset{},
		inline:  map[string]*asset{},
	}
	if u, err := url.Parse(a.BaseURL()); err == nil && a.BaseURL() != "" {
		r.base = u
	}
	return r
}

// setBase applies a <base href> from the document.
func (r *registry) setBase(href string) {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return
	}
	if r.base != nil {
		u = r.base.ResolveReference(u)
	}
	r.base = u
}

// absolute resolves ref against the document location. It returns ref
// unchanged when it cannot be resolved.
func (r *registry) absolute(ref string) string {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil || r.base == nil {
		return ref
	}
	return r.base.ResolveReference(u).String()
}

// candidates lists the keys a reference may be stored under, most
// specific first.
func (r *registry) candidates(ref string) []string {
	keys := []string{ref}
	if u, err := url.Parse(ref); err == nil {
		if r.base != nil {
			u = r.base.ResolveReference(u)
		}
		abs := u.String()
		keys = append(keys, abs)
		if u.Fragment != "" {
			u.Fragment = ""
			keys = append(keys, u.String())
		}
		if unesc, err := url.PathUnescape(abs); err == nil && unesc != abs {
			keys = append(keys, unesc)
		}
	}
	return keys
}

// part finds the archive part a reference points at.
func (r *registry) part(ref string) *Part {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return nil
	}
	if len(ref) > 4 && strings.EqualFold(ref[:4], "cid:") {
		id := ref[4:]
		if unesc, err := url.PathUnescape(id); err == nil {
			id = unesc
		}
		return r.archive.Lookup("cid:" + strings.Trim(id, "<>"))
	}
	for _, key := range r.candidates(ref) {
		if p := r.archive.Lookup(key); p != nil {
			return p
		}
	}
	return nil
}

// resolve returns the asset behind a reference, or nil when the archive
// does not hold it. Inline data: URIs become assets of their own.
func (r *registry) resolve(ref string) *asset {
	ref = strings.TrimSpace(ref)
	if a, ok := r.inline[ref]; ok {
		return a
	}
	if strings.HasPrefix(strings.ToLower(ref), "data:") {
		return r.resolveDataURI(ref)
	}
	return r.assetFor(r.part(ref))
}

func (r *registry) assetFor(p *Part) *asset {
	if p == nil || len(p.Data) == 0 {
		return nil
	}
	if a, ok := r.byPart[p]; ok {
		return a
	}
	key := p.Location
	if key == "" {
		key = "cid:" + p.ContentID
	}
	a := newAsset(key, p.MediaType, p.Data)
	r.byPart[p] = a
	return a
}

func (r *registry) resolveDataURI(ref string) *asset {
	sum := sha1.Sum([]byte(ref))
	key := "data:" + hex.EncodeToString(sum[:])
	if a, ok := r.inline[key]; ok {
		return a
	}
	du, err := dataurl.DecodeString(ref)
	if err != nil || len(du.Data) == 0 {
		return nil
	}
	a := newAsset(key, du.ContentType(), du.Data)
	r.inline[key] = a
	return a
}

// resolveFrom resolves ref relative to another resource, as url() inside
// a stylesheet must be.
func (r *registry) resolveFrom(baseKey, ref string) *asset {
	ref = strings.TrimSpace(ref)
	b, err := url.Parse(baseKey)
	if err != nil || strings.HasPrefix(baseKey, "data:") {
		return r.resolve(ref)
	}
	u, err := url.Parse(ref)
	if err != nil {
		return nil
	}
	return r.resolve(b.ResolveReference(u).String())
}

// resolveImage is resolve restricted to raster or vector images. A
// reference without an exact match falls back to closestImage.
func (r *registry) resolveImage(ref string) *asset {
	a := r.resolve(ref)
	if a == nil && r.imageSimThresh > 0 {
		a = r.closestImage(ref)
	}
	if a == nil || a.kind != kindImage {
		return nil
	}
	return a
}

// closestImage returns the archived image whose location is most similar
// to ref, provided the similarity reaches imageSimThresh. Ties go to the
// part that comes first in the archive.
func (r *registry) closestImage(ref string) *asset {
	ref = strings.TrimSpace(ref)
	lower := strings.ToLower(ref)
	if ref == "" || strings.HasPrefix(ref, "#") ||
		strings.HasPrefix(lower, "data:") || strings.HasPrefix(lower, "cid:") {
		return nil
	}
	target := r.absolute(ref)
	var best *Part
	bestSim := r.imageSimThresh
	for _, p := range r.archive.Parts {
		if p.Location == "" {
			continue
		}
		if !strings.HasPrefix(p.MediaType, "image/") {
			if a := r.assetFor(p); a == nil || a.kind != kindImage {
				continue
			}
		}
		if sim := stringSimilarity(target, p.Location); sim > bestSim || (best == nil && sim == bestSim) {
			best, bestSim = p, sim
		}
	}
	return r.assetFor(best)
}

func newAsset(key, declared string, data []byte) *asset {
	a := &asset{key: key, data: data, mime: strings.ToLower(declared)}
	sniffed := mimetype.Detect(data).String()
	if i := strings.IndexByte(sniffed, ';'); i >= 0 {
		sniffed = sniffed[:i]
	}
	switch {
	case strings.HasPrefix(sniffed, "image/"):
		// Archives often mislabel images; trust the bytes.
		a.mime = sniffed
		a.kind = kindImage
	case strings.HasPrefix(a.mime, "image/"):
		a.kind = kindImage
	case a.mime == "text/css":
		a.kind = kindStyle
	case isFontType(a.mime) || strings.HasPrefix(sniffed, "font/"):
		a.kind = kindFont
		if !isFontType(a.mime) {
			a.mime = sniffed
		}
	}
	if a.mime == "" {
		a.mime = sniffed
	}
	return a
}

func isFontType(mt string) bool {
	switch {
	case strings.HasPrefix(mt, "font/"),
		strings.HasPrefix(mt, "application/font-"),
		strings.HasPrefix(mt, "application/x-font-"),
		mt == "application/vnd.ms-opentype",
		mt == "application/vnd.ms-fontobject":
		return true
	}
	return false
}
