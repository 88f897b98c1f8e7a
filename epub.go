// EPUB packaging.
// Writes the OCF container directly so that the output bytes depend only
// on the book content: fixed entry order, fixed timestamps, no data
// descriptors.
package repub

import (
	"archive/zip"
	"bytes"
	"fmt"
	"hash/crc32"
	"path"
	"time"

	"github.com/beevik/etree"
	"github.com/klauspost/compress/flate"
)

const (
	oebpsDir    = "OEBPS"
	opfFile     = "content.opf"
	contentFile = "content.xhtml"
	navFile     = "nav.xhtml"
	ncxFile     = "toc.ncx"

	epubMimetype = "application/epub+zip"
	xhtmlType    = "application/xhtml+xml"
	ncxType      = "application/x-dtbncx+xml"

	defaultTitle    = "Untitled"
	defaultLanguage = "en"
)

// dosEpochDate is 1980-01-01 in MS-DOS date format, the earliest time a
// zip entry can carry.
const dosEpochDate = 1<<5 | 1

// manifest assigns package ids and paths to resources in the order they
// are added.
type manifest struct {
	items []*asset
	seq   map[assetKind]int
}

func newManifest() *manifest {
	return &manifest{seq: map[assetKind]int{}}
}

var kindLayout = map[assetKind]struct{ prefix, dir string }{
	kindImage: {"img", "images"},
	kindStyle: {"style", "styles"},
	kindFont:  {"font", "fonts"},
	kindOther: {"res", "misc"},
}

// add gives a an id and href unless it already has them.
func (m *manifest) add(a *asset) {
	if a.href != "" {
		return
	}
	l := kindLayout[a.kind]
	m.seq[a.kind]++
	a.id = fmt.Sprintf("%s%03d", l.prefix, m.seq[a.kind])
	a.href = l.dir + "/" + a.id + extensionFor(a.mime)
	m.items = append(m.items, a)
}

var extensions = map[string]string{
	"image/jpeg":                    ".jpg",
	"image/png":                     ".png",
	"image/gif":                     ".gif",
	"image/webp":                    ".webp",
	"image/svg+xml":                 ".svg",
	"text/css":                      ".css",
	"font/woff":                     ".woff",
	"font/woff2":                    ".woff2",
	"font/ttf":                      ".ttf",
	"font/otf":                      ".otf",
	"font/sfnt":                     ".ttf",
	"application/font-woff":         ".woff",
	"application/font-woff2":        ".woff2",
	"application/x-font-ttf":        ".ttf",
	"application/x-font-otf":        ".otf",
	"application/x-font-opentype":   ".otf",
	"application/vnd.ms-opentype":   ".otf",
	"application/vnd.ms-fontobject": ".eot",
}

func extensionFor(mimeType string) string {
	if ext, ok := extensions[mimeType]; ok {
		return ext
	}
	return ".bin"
}

// bookMeta is the package metadata.
type bookMeta struct {
	title      string
	identifier string
	language   string
	creator    string
	source     string
	modified   time.Time
}

// epubPackage is everything assemble needs for one book.
type epubPackage struct {
	version EpubVersion
	meta    bookMeta
	content []byte // XHTML content document
	items   []*asset
	cover   *asset
}

// assemble writes the package as an EPUB container.
func assemble(p *epubPackage) ([]byte, error) {
	if p.meta.title == "" {
		p.meta.title = defaultTitle
	}
	if p.meta.language == "" {
		p.meta.language = defaultLanguage
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	// The mimetype entry must come first, stored, with no extra field.
	if err := writeDataToZip(zw, "mimetype", []byte(epubMimetype), zip.Store); err != nil {
		return nil, packagingError("mimetype", err)
	}
	if err := writeXMLToZip(zw, "META-INF/container.xml", buildContainer()); err != nil {
		return nil, packagingError("container", err)
	}
	if err := writeXMLToZip(zw, path.Join(oebpsDir, opfFile), buildOPF(p)); err != nil {
		return nil, packagingError("package document", err)
	}
	if p.version == Epub2 {
		if err := writeXMLToZip(zw, path.Join(oebpsDir, ncxFile), buildNCX(p)); err != nil {
			return nil, packagingError("ncx", err)
		}
	} else {
		if err := writeXMLToZip(zw, path.Join(oebpsDir, navFile), buildNav(p)); err != nil {
			return nil, packagingError("nav", err)
		}
	}
	if err := writeDataToZip(zw, path.Join(oebpsDir, contentFile), p.content, zip.Deflate); err != nil {
		return nil, packagingError("content document", err)
	}
	for _, it := range p.items {
		// Already-compressed formats gain nothing from deflate.
		method := uint16(zip.Deflate)
		switch it.mime {
		case "image/jpeg", "image/png", "image/gif", "image/webp", "font/woff", "font/woff2", "application/font-woff", "application/font-woff2":
			method = zip.Store
		}
		if err := writeDataToZip(zw, path.Join(oebpsDir, it.href), it.data, method); err != nil {
			return nil, packagingError(it.href, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, packagingError("zip directory", err)
	}
	return buf.Bytes(), nil
}

func packagingError(what string, err error) error {
	return fmt.Errorf("%w: writing %s: %v", ErrPackaging, what, err)
}

func buildContainer() *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	container := doc.CreateElement("container")
	container.CreateAttr("version", "1.0")
	container.CreateAttr("xmlns", "urn:oasis:names:tc:opendocument:xmlns:container")

	rootfiles := container.CreateElement("rootfiles")
	rootfile := rootfiles.CreateElement("rootfile")
	rootfile.CreateAttr("full-path", path.Join(oebpsDir, opfFile))
	rootfile.CreateAttr("media-type", "application/oebps-package+xml")
	return doc
}

func buildOPF(p *epubPackage) *etree.Document {
	v2 := p.version == Epub2

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	pkg := doc.CreateElement("package")
	pkg.CreateAttr("xmlns", "http://www.idpf.org/2007/opf")
	pkg.CreateAttr("unique-identifier", "BookId")
	pkg.CreateAttr("version", p.version.String())

	metadata := pkg.CreateElement("metadata")
	metadata.CreateAttr("xmlns:dc", "http://purl.org/dc/elements/1.1/")
	if v2 {
		metadata.CreateAttr("xmlns:opf", "http://www.idpf.org/2007/opf")
	}

	dcIdentifier := metadata.CreateElement("dc:identifier")
	dcIdentifier.CreateAttr("id", "BookId")
	if v2 {
		dcIdentifier.CreateAttr("opf:scheme", "UUID")
	}
	dcIdentifier.SetText(p.meta.identifier)

	dcTitle := metadata.CreateElement("dc:title")
	dcTitle.SetText(stripInvalidXMLChars(p.meta.title))

	dcLang := metadata.CreateElement("dc:language")
	dcLang.SetText(p.meta.language)

	if p.meta.creator != "" {
		dcCreator := metadata.CreateElement("dc:creator")
		if v2 {
			dcCreator.CreateAttr("opf:role", "aut")
		}
		dcCreator.SetText(stripInvalidXMLChars(p.meta.creator))
	}
	if p.meta.source != "" {
		dcSource := metadata.CreateElement("dc:source")
		dcSource.SetText(stripInvalidXMLChars(p.meta.source))
	}

	modified := p.meta.modified.UTC()
	if v2 {
		dcDate := metadata.CreateElement("dc:date")
		dcDate.CreateAttr("opf:event", "modification")
		dcDate.SetText(modified.Format("2006-01-02"))
		if p.cover != nil {
			meta := metadata.CreateElement("meta")
			meta.CreateAttr("name", "cover")
			meta.CreateAttr("content", p.cover.id)
		}
	} else {
		meta := metadata.CreateElement("meta")
		meta.CreateAttr("property", "dcterms:modified")
		meta.SetText(modified.Format("2006-01-02T15:04:05Z"))
	}

	manifestEl := pkg.CreateElement("manifest")
	if v2 {
		addManifestItem(manifestEl, "ncx", ncxFile, ncxType, "")
	} else {
		addManifestItem(manifestEl, "nav", navFile, xhtmlType, "nav")
	}
	addManifestItem(manifestEl, "content", contentFile, xhtmlType, "")
	for _, it := range p.items {
		props := ""
		if !v2 && it == p.cover {
			props = "cover-image"
		}
		addManifestItem(manifestEl, it.id, it.href, it.mime, props)
	}

	spine := pkg.CreateElement("spine")
	if v2 {
		spine.CreateAttr("toc", "ncx")
	}
	itemref := spine.CreateElement("itemref")
	itemref.CreateAttr("idref", "content")

	doc.Indent(2)
	return doc
}

func addManifestItem(parent *etree.Element, id, href, mediaType, properties string) {
	item := parent.CreateElement("item")
	item.CreateAttr("id", id)
	item.CreateAttr("href", href)
	item.CreateAttr("media-type", mediaType)
	if properties != "" {
		item.CreateAttr("properties", properties)
	}
}

func buildNCX(p *epubPackage) *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	ncx := doc.CreateElement("ncx")
	ncx.CreateAttr("xmlns", "http://www.daisy.org/z3986/2005/ncx/")
	ncx.CreateAttr("version", "2005-1")

	head := ncx.CreateElement("head")
	for _, m := range [][2]string{
		{"dtb:uid", p.meta.identifier},
		{"dtb:depth", "1"},
		{"dtb:totalPageCount", "0"},
		{"dtb:maxPageNumber", "0"},
	} {
		meta := head.CreateElement("meta")
		meta.CreateAttr("name", m[0])
		meta.CreateAttr("content", m[1])
	}

	title := stripInvalidXMLChars(p.meta.title)
	docTitle := ncx.CreateElement("docTitle")
	text := docTitle.CreateElement("text")
	text.SetText(title)

	navMap := ncx.CreateElement("navMap")
	navPoint := navMap.CreateElement("navPoint")
	navPoint.CreateAttr("id", "navPoint-1")
	navPoint.CreateAttr("playOrder", "1")
	navLabel := navPoint.CreateElement("navLabel")
	labelText := navLabel.CreateElement("text")
	labelText.SetText(title)
	content := navPoint.CreateElement("content")
	content.CreateAttr("src", contentFile)

	doc.Indent(2)
	return doc
}

func buildNav(p *epubPackage) *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	title := stripInvalidXMLChars(p.meta.title)

	html := doc.CreateElement("html")
	html.CreateAttr("xmlns", xhtmlNS)
	html.CreateAttr("xmlns:epub", opsNS)
	html.CreateAttr("lang", p.meta.language)
	html.CreateAttr("xml:lang", p.meta.language)

	head := html.CreateElement("head")
	titleElem := head.CreateElement("title")
	titleElem.SetText(title)

	body := html.CreateElement("body")
	nav := body.CreateElement("nav")
	nav.CreateAttr("epub:type", "toc")
	nav.CreateAttr("id", "toc")

	ol := nav.CreateElement("ol")
	li := ol.CreateElement("li")
	a := li.CreateElement("a")
	a.CreateAttr("href", contentFile)
	a.SetText(title)

	doc.Indent(2)
	return doc
}

func writeXMLToZip(zw *zip.Writer, name string, doc *etree.Document) error {
	var buf bytes.Buffer
	if _, err := doc.WriteTo(&buf); err != nil {
		return err
	}
	return writeDataToZip(zw, name, buf.Bytes(), zip.Deflate)
}

// writeDataToZip writes one entry with precomputed sizes and checksum, so
// the local header is complete and no data descriptor follows.
func writeDataToZip(zw *zip.Writer, name string, data []byte, method uint16) error {
	body := data
	if method == zip.Deflate {
		var cbuf bytes.Buffer
		fw, err := flate.NewWriter(&cbuf, flate.BestCompression)
		if err != nil {
			return err
		}
		if _, err := fw.Write(data); err != nil {
			return err
		}
		if err := fw.Close(); err != nil {
			return err
		}
		body = cbuf.Bytes()
	}

	fh := &zip.FileHeader{
		Name:               name,
		Method:             method,
		CRC32:              crc32.ChecksumIEEE(data),
		CompressedSize64:   uint64(len(body)),
		UncompressedSize64: uint64(len(data)),
		ModifiedDate:       dosEpochDate,
	}
	w, err := zw.CreateRaw(fh)
	if err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}
