// Package repub converts MHTML web archives into EPUB books sized for
// e-readers.
//
// A conversion is one synchronous call: Convert parses the archive,
// cleans the page, removes boilerplate links, transcodes images under the
// configured policy and packages the result. The engine performs no I/O.
package repub

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// Result is the outcome of a successful conversion.
type Result struct {
	EPUB []byte
	// Title is the page's <title> text, nil when the page has none.
	Title *string
	// Warnings lists resources that were dropped along the way. Images
	// that failed to decode match ErrImageDecode.
	Warnings []error
}

// Convert turns an MHTML archive into an EPUB. It fails with
// ErrInvalidConfig, ErrMalformedArchive, ErrInvalidEncoding or
// ErrPackaging; a failed call returns no output.
func Convert(data []byte, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := cfg.logger()

	archive, err := ParseArchive(data)
	if err != nil {
		return nil, err
	}
	var warnings []error
	for _, e := range archive.Skipped {
		log.Warn("skipping archive part", zap.Error(e))
		warnings = append(warnings, e)
	}
	log.Debug("parsed archive",
		zap.String("source", archive.Source),
		zap.Int("resources", len(archive.Parts)))

	doc, err := html.Parse(bytes.NewReader(archive.Root.Data))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing root document: %v", ErrMalformedArchive, err)
	}

	reg := newRegistry(archive)
	reg.imageSimThresh = cfg.ImageSimThresh
	meta := extractContent(doc, reg, cfg)
	insertHeader(doc, sourceInfo{
		URL:    meta.source,
		Title:  meta.title,
		Byline: meta.byline,
		Cover:  meta.cover,
	}, cfg)

	if n := filterLinks(doc, cfg.StripLinks, cfg.HrefSimThresh); n > 0 {
		log.Debug("stripped boilerplate links", zap.Int("count", n))
	}

	man := newManifest()
	warnings = append(warnings, transcodeImages(doc, reg, cfg, man)...)
	applyStyles(doc, reg, cfg, man)
	sanitizeBody(doc, cfg.EpubVersion)

	title := defaultTitle
	if meta.title != nil && *meta.title != "" {
		title = *meta.title
	}

	cover := meta.cover
	if cover != nil && cover.href == "" {
		// The cover did not survive the image policy.
		cover = nil
	}
	if cover == nil && cfg.GenerateCover && cfg.ImageHandling != ImageStrip {
		gen, err := generatedCoverAsset(title, meta.byline, meta.source, cfg)
		if err != nil {
			log.Warn("generating cover", zap.Error(err))
		} else {
			man.add(gen)
			cover = gen
		}
	}

	lang := strings.TrimSpace(meta.lang)
	if lang == "" {
		lang = strings.TrimSpace(cfg.Language)
	}
	if lang == "" {
		lang = defaultLanguage
	}

	pkg := &epubPackage{
		version: cfg.EpubVersion,
		meta: bookMeta{
			title:      title,
			identifier: bookIdentifier(meta.source, archive.Root.Data),
			language:   lang,
			creator:    meta.byline,
			source:     meta.source,
			modified:   modifiedTime(archive.Date),
		},
		content: renderContentDocument(doc, title, lang, cfg.EpubVersion),
		items:   pruneManifest(man.items, referencedHrefs(doc), cover),
		cover:   cover,
	}
	out, err := assemble(pkg)
	if err != nil {
		return nil, err
	}

	log.Info("converted archive",
		zap.String("title", title),
		zap.Int("resources", len(pkg.items)),
		zap.String("size", humanSize(int64(len(out)))))
	return &Result{EPUB: out, Title: meta.title, Warnings: warnings}, nil
}

// pruneManifest keeps the resources the final document still uses.
// Fonts are reached only through stylesheets and the cover need not
// appear in the text.
func pruneManifest(items []*asset, refs map[string]bool, cover *asset) []*asset {
	var kept []*asset
	for _, it := range items {
		if it == cover || it.kind == kindFont || refs[it.href] {
			kept = append(kept, it)
		}
	}
	return kept
}

// bookIdentifier derives a stable name-based UUID from the source URL, or
// from the document itself when the source is unknown.
func bookIdentifier(source string, root []byte) string {
	name := source
	if name == "" {
		sum := sha1.Sum(root)
		name = "urn:sha1:" + hex.EncodeToString(sum[:])
	}
	return "urn:uuid:" + uuid.NewV5(uuid.NamespaceURL, name).String()
}

func modifiedTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Unix(0, 0).UTC()
	}
	return t.UTC().Truncate(time.Second)
}
