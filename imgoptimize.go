// Image transcoding for e-readers.
// Applies the image policy to every image the document references, then
// decodes, downscales, brightens and re-encodes the survivors.
package repub

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"math"
	"runtime"
	"strconv"
	"strings"

	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/sync/errgroup"
)

// Images declaring a side at most this many pixels are spacers or beacons.
const decorativeMaxSide = 2

// Single-colour images up to this many pixels are decorative.
const decorativeMaxFlatArea = 64 * 64

func humanSize(n int64) string {
	units := []string{"B", "KB", "MB", "GB", "TB"}
	f := float64(n)
	for _, u := range units {
		if math.Abs(f) < 1024 {
			return fmt.Sprintf("%.1f%s", f, u)
		}
		f /= 1024
	}
	return fmt.Sprintf("%.1f%s", f, units[len(units)-1])
}

func toGrayscale(src image.Image) *image.Gray {
	b := src.Bounds()
	gray := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			gray.Set(x, y, color.GrayModel.Convert(src.At(x, y)))
		}
	}
	return gray
}

// flattenAlpha composites src onto a white background.
func flattenAlpha(src image.Image) *image.NRGBA {
	b := src.Bounds()
	dst := image.NewNRGBA(b)
	white := image.NewUniform(color.White)
	draw.Draw(dst, b, white, image.Point{}, draw.Src)
	draw.Draw(dst, b, src, b.Min, draw.Over)
	return dst
}

// brighten multiplies the colour channels of an opaque image by f,
// clamping to the valid range.
func brighten(img *image.NRGBA, f float64) {
	for i := 0; i < len(img.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			v := math.Round(float64(img.Pix[i+c]) * f)
			switch {
			case v < 0 || math.IsNaN(v):
				v = 0
			case v > 255:
				v = 255
			}
			img.Pix[i+c] = uint8(v)
		}
	}
}

// isSingleColor reports whether every pixel equals the first one.
func isSingleColor(img image.Image) bool {
	b := img.Bounds()
	if b.Empty() {
		return true
	}
	r0, g0, b0, a0 := img.At(b.Min.X, b.Min.Y).RGBA()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bb, a := img.At(x, y).RGBA()
			if r != r0 || g != g0 || bb != b0 || a != a0 {
				return false
			}
		}
	}
	return true
}

// isDecorative applies the filter heuristic to decoded pixels.
func isDecorative(img image.Image) bool {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= decorativeMaxSide || h <= decorativeMaxSide {
		return true
	}
	return w*h <= decorativeMaxFlatArea && isSingleColor(img)
}

// declaresTinySize reports whether an <img> asks to be drawn no larger
// than a spacer.
func declaresTinySize(n *html.Node) bool {
	for _, key := range []string{"width", "height"} {
		v := strings.TrimSpace(getAttr(n, key))
		if v == "" {
			continue
		}
		if d := sanitizeDimensionAttr(v); d != "" {
			if px, err := strconv.Atoi(d); err == nil && px <= decorativeMaxSide {
				return true
			}
		}
	}
	return false
}

type imageResult struct {
	data       []byte
	mime       string
	width      int
	height     int
	decorative bool
	err        error
}

// processImage transcodes one image according to cfg. SVG is returned
// unchanged. A result with decorative set must be dropped.
func processImage(data []byte, mimeType string, cfg Config) imageResult {
	if mimeType == "image/svg+xml" {
		return imageResult{data: data, mime: mimeType}
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return imageResult{err: err}
	}
	if cfg.ImageHandling == ImageFilter && isDecorative(img) {
		return imageResult{decorative: true}
	}

	// Flatten alpha onto white; JPEG has no alpha and e-ink has no use for it.
	flat := flattenAlpha(img)

	b := flat.Bounds()
	w, h := b.Dx(), b.Dy()
	if nw, nh := fitWithin(w, h, cfg.MaxWidth, cfg.MaxHeight); nw != w || nh != h {
		flat = resize(flat, nw, nh, cfg.Filter)
	}
	if cfg.Brighten != 1 {
		brighten(flat, cfg.Brighten)
	}

	var encImg image.Image = flat
	if cfg.Grayscale {
		encImg = toGrayscale(flat)
	}

	out, err := encodeImage(encImg, cfg.ImageFormat)
	if err != nil {
		return imageResult{err: err}
	}
	ob := encImg.Bounds()
	return imageResult{data: out, mime: cfg.ImageFormat.mime(), width: ob.Dx(), height: ob.Dy()}
}

func encodeImage(img image.Image, f ImageFormat) ([]byte, error) {
	var buf bytes.Buffer
	switch f.Codec {
	case CodecPNG:
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("png encode: %w", err)
		}
	default:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: f.Quality}); err != nil {
			return nil, fmt.Errorf("jpeg encode: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// imageRef is one element in the document showing an asset.
type imageRef struct {
	node  *html.Node
	asset *asset
}

// collectImageRefs collapses <picture> elements, picks the first source
// of every <img> the archive can satisfy, and removes images it cannot.
func collectImageRefs(doc *html.Node, reg *registry) []imageRef {
	for _, pic := range elements(doc, atom.Picture) {
		collapsePicture(pic, reg)
	}

	var refs []imageRef
	for _, img := range elements(doc, atom.Img) {
		var cands []string
		if src := strings.TrimSpace(getAttr(img, "src")); src != "" {
			cands = append(cands, src)
		}
		cands = append(cands, parseSrcset(getAttr(img, "srcset"))...)
		ref, a := firstImage(reg, cands)
		if a == nil {
			detach(img)
			continue
		}
		setAttr(img, "src", ref)
		refs = append(refs, imageRef{node: img, asset: a})
	}
	return refs
}

// collapsePicture replaces a <picture> with a single <img> using the first
// source the archive holds.
func collapsePicture(pic *html.Node, reg *registry) {
	if pic.Parent == nil {
		return
	}
	var cands []string
	var inner *html.Node
	for c := pic.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		switch c.DataAtom {
		case atom.Source:
			cands = append(cands, parseSrcset(getAttr(c, "srcset"))...)
			if src := strings.TrimSpace(getAttr(c, "src")); src != "" {
				cands = append(cands, src)
			}
		case atom.Img:
			if inner == nil {
				inner = c
			}
		}
	}
	if inner != nil {
		if src := strings.TrimSpace(getAttr(inner, "src")); src != "" {
			cands = append(cands, src)
		}
		cands = append(cands, parseSrcset(getAttr(inner, "srcset"))...)
	}

	ref, a := firstImage(reg, cands)
	if a == nil {
		detach(pic)
		return
	}
	if inner == nil {
		inner = newElement(atom.Img, html.Attribute{Key: "alt", Val: ""})
	} else {
		pic.RemoveChild(inner)
	}
	setAttr(inner, "src", ref)
	removeAttr(inner, "srcset", "sizes")
	pic.Parent.InsertBefore(inner, pic)
	detach(pic)
}

func firstImage(reg *registry, cands []string) (string, *asset) {
	for _, c := range cands {
		if a := reg.resolveImage(c); a != nil {
			return c, a
		}
	}
	return "", nil
}

// parseSrcset returns the URLs of a srcset attribute in order. Data URIs
// may contain commas, so candidates are split on whitespace first.
func parseSrcset(s string) []string {
	var urls []string
	i := 0
	for i < len(s) {
		for i < len(s) && (s[i] == ',' || isSpaceByte(s[i])) {
			i++
		}
		start := i
		for i < len(s) && !isSpaceByte(s[i]) {
			i++
		}
		u := s[start:i]
		trailingComma := strings.HasSuffix(u, ",")
		u = strings.TrimRight(u, ",")
		if u != "" {
			urls = append(urls, u)
		}
		if trailingComma {
			continue
		}
		// Skip the descriptors up to the next comma.
		depth := 0
		for i < len(s) {
			switch s[i] {
			case '(':
				depth++
			case ')':
				depth--
			}
			if s[i] == ',' && depth <= 0 {
				break
			}
			i++
		}
	}
	return urls
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\f'
}

// transcodeStats summarises a transcode pass for logging.
type transcodeStats struct {
	count          int
	originalTotal  int64
	optimizedTotal int64
}

// transcodeImages applies cfg.ImageHandling to every image in doc. Kept
// images are re-encoded and added to man in first-reference order, and
// their elements point at the manifest href. Images that fail to decode
// are removed and reported in the returned warnings.
func transcodeImages(doc *html.Node, reg *registry, cfg Config, man *manifest) []error {
	log := cfg.logger()
	refs := collectImageRefs(doc, reg)

	if cfg.ImageHandling == ImageStrip {
		for _, r := range refs {
			detach(r.node)
		}
		log.Debug("stripped images", zap.Int("count", len(refs)))
		return nil
	}

	var (
		uniq  []*asset
		index = map[*asset]int{}
		nodes [][]*html.Node
	)
	for _, r := range refs {
		i, ok := index[r.asset]
		if !ok {
			i = len(uniq)
			index[r.asset] = i
			uniq = append(uniq, r.asset)
			nodes = append(nodes, nil)
		}
		nodes[i] = append(nodes[i], r.node)
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	// Each worker writes only its own slot; the merge below is the single
	// writer for the tree and the manifest.
	results := make([]imageResult, len(uniq))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, a := range uniq {
		if cfg.ImageHandling == ImageFilter && declaresTinySize(nodes[i][0]) {
			results[i] = imageResult{decorative: true}
			continue
		}
		g.Go(func() error {
			results[i] = processImage(a.data, a.mime, cfg)
			return nil
		})
	}
	_ = g.Wait()

	var (
		st       transcodeStats
		warnings []error
	)
	for i, a := range uniq {
		res := results[i]
		switch {
		case res.err != nil:
			err := fmt.Errorf("%w: %s: %v", ErrImageDecode, a.key, res.err)
			log.Warn("dropping undecodable image", zap.String("resource", a.key), zap.Error(res.err))
			warnings = append(warnings, err)
			for _, n := range nodes[i] {
				detach(n)
			}
			continue
		case res.decorative:
			log.Debug("dropping decorative image", zap.String("resource", a.key))
			for _, n := range nodes[i] {
				detach(n)
			}
			continue
		}

		st.count++
		st.originalTotal += int64(len(a.data))
		st.optimizedTotal += int64(len(res.data))
		a.data, a.mime = res.data, res.mime
		man.add(a)

		for k, n := range nodes[i] {
			if cfg.ImageHandling == ImageFilter && k > 0 {
				detach(n)
				continue
			}
			setAttr(n, "src", a.href)
			removeAttr(n, "srcset", "sizes", "width", "height", "loading", "decoding",
				"data-src", "data-srcset", "data-original", "data-lazy-src")
		}
	}

	if st.count > 0 {
		log.Info(fmt.Sprintf("Optimized %d images: %s → %s",
			st.count, humanSize(st.originalTotal), humanSize(st.optimizedTotal)))
	} else {
		log.Info("No optimizable images found.")
	}
	return warnings
}
