// Cover image generation for pages without a usable cover.
// Lays out the source host, title and byline on a grey page, over a bar
// pattern seeded from the title so every book gets its own cover.
package repub

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/url"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

const (
	coverWidth  = 1200
	coverHeight = 1800
)

// Cover layout, in pixels of the full-size cover.
const (
	coverPadX      = 110
	mastheadHeight = 200
	titleTop       = 380
	maxTitleLines  = 6
	barsTop        = 1360
	barsBottom     = 1700
	barCount       = 32
	barGap         = 6
)

var (
	coverInk   = color.Gray{Y: 0x10}
	coverPaper = color.Gray{Y: 0xFF}
	coverRule  = color.Gray{Y: 0x50}
)

// generateCover renders a PNG cover. The source host heads the page when
// the URL has one; the byline follows the title when non-empty.
func generateCover(title, byline, source string) ([]byte, error) {
	titleFace, err := loadFace(gobold.TTF, 76)
	if err != nil {
		return nil, fmt.Errorf("loading title font: %w", err)
	}
	metaFace, err := loadFace(goregular.TTF, 38)
	if err != nil {
		return nil, fmt.Errorf("loading byline font: %w", err)
	}

	img := image.NewGray(image.Rect(0, 0, coverWidth, coverHeight))
	draw.Draw(img, img.Bounds(), image.NewUniform(coverPaper), image.Point{}, draw.Src)

	if u, err := url.Parse(source); err == nil && u.Hostname() != "" {
		drawMasthead(img, strings.TrimPrefix(u.Hostname(), "www."), metaFace)
	}
	drawBars(img, sha256.Sum256([]byte(title)))
	drawTitleBlock(img, title, byline, titleFace, metaFace)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding cover PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// drawMasthead fills the top strip with ink and prints host on it in
// paper colour.
func drawMasthead(img *image.Gray, host string, face font.Face) {
	draw.Draw(img, image.Rect(0, 0, coverWidth, mastheadHeight), image.NewUniform(coverInk), image.Point{}, draw.Src)
	m := face.Metrics()
	y := (mastheadHeight + m.Ascent.Ceil() - m.Descent.Ceil()) / 2
	host = clampLines([]string{host}, 1, face, coverWidth-2*coverPadX)[0]
	drawText(img, host, face, coverPadX, y, coverPaper)
}

// drawBars draws one bottom-aligned bar per hash byte. Heights come from
// the byte, shades from the byte of the opposite bar.
func drawBars(img *image.Gray, hash [32]byte) {
	span := coverWidth - 2*coverPadX
	w := span/barCount - barGap
	for i := 0; i < barCount; i++ {
		b := hash[i%len(hash)]
		h := 40 + int(b)*(barsBottom-barsTop-40)/255
		shade := uint8(0x28 + int(hash[len(hash)-1-i%len(hash)])*(0xB0-0x28)/255)
		x := coverPadX + i*(w+barGap)
		r := image.Rect(x, barsBottom-h, x+w, barsBottom)
		draw.Draw(img, r, image.NewUniform(color.Gray{Y: shade}), image.Point{}, draw.Src)
	}
	for x := coverPadX; x < coverWidth-coverPadX; x++ {
		for y := barsBottom + 10; y < barsBottom+14; y++ {
			img.SetGray(x, y, coverRule)
		}
	}
}

// drawTitleBlock prints the wrapped title, then the byline, left aligned
// beside a vertical accent rule spanning both.
func drawTitleBlock(img *image.Gray, title, byline string, titleFace, metaFace font.Face) {
	maxWidth := coverWidth - 2*coverPadX
	lines := clampLines(wrapText(title, titleFace, maxWidth), maxTitleLines, titleFace, maxWidth)
	step := titleFace.Metrics().Height.Ceil() + 10

	y := titleTop + titleFace.Metrics().Ascent.Ceil()
	for _, line := range lines {
		drawText(img, line, titleFace, coverPadX, y, coverInk)
		y += step
	}
	bottom := y - step + titleFace.Metrics().Descent.Ceil()

	if byline != "" {
		y += 20
		metaStep := metaFace.Metrics().Height.Ceil()
		for _, line := range clampLines(wrapText(byline, metaFace, maxWidth), 2, metaFace, maxWidth) {
			drawText(img, line, metaFace, coverPadX, y, coverRule)
			bottom = y + metaFace.Metrics().Descent.Ceil()
			y += metaStep
		}
	}

	rule := image.Rect(coverPadX-44, titleTop, coverPadX-34, bottom)
	draw.Draw(img, rule, image.NewUniform(coverInk), image.Point{}, draw.Src)
}

func drawText(img *image.Gray, s string, face font.Face, x, y int, c color.Gray) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

// wrapText breaks text into lines no wider than maxWidth pixels. A word
// wider than a whole line is split between runes.
func wrapText(text string, face font.Face, maxWidth int) []string {
	fits := func(s string) bool { return font.MeasureString(face, s).Ceil() <= maxWidth }
	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{""}
	}

	var lines []string
	current := ""
	for _, word := range words {
		for !fits(word) {
			head, tail := splitToFit(word, fits)
			if current != "" {
				lines = append(lines, current)
				current = ""
			}
			lines = append(lines, head)
			word = tail
		}
		if word == "" {
			continue
		}
		switch trial := current + " " + word; {
		case current == "":
			current = word
		case fits(trial):
			current = trial
		default:
			lines = append(lines, current)
			current = word
		}
	}
	if current != "" {
		lines = append(lines, current)
	}
	return lines
}

// splitToFit returns the longest prefix of word that fits, never less
// than one rune, and the rest.
func splitToFit(word string, fits func(string) bool) (string, string) {
	r := []rune(word)
	n := len(r)
	for n > 1 && !fits(string(r[:n])) {
		n--
	}
	return string(r[:n]), string(r[n:])
}

// clampLines keeps at most n lines, ending the last kept line with an
// ellipsis when text was cut.
func clampLines(lines []string, n int, face font.Face, maxWidth int) []string {
	cut := len(lines) > n
	if cut {
		lines = append([]string(nil), lines[:n]...)
	}
	last := []rune(lines[len(lines)-1])
	if !cut && font.MeasureString(face, string(last)).Ceil() <= maxWidth {
		return lines
	}
	for len(last) > 0 && font.MeasureString(face, string(last)+"…").Ceil() > maxWidth {
		last = last[:len(last)-1]
	}
	lines[len(lines)-1] = strings.TrimRight(string(last), " ") + "…"
	return lines
}

// generatedCoverAsset renders a cover for the book and transcodes it like
// any other kept image.
func generatedCoverAsset(title, byline, source string, cfg Config) (*asset, error) {
	raw, err := generateCover(title, byline, source)
	if err != nil {
		return nil, err
	}
	cfg.ImageHandling = ImageKeep
	res := processImage(raw, "image/png", cfg)
	if res.err != nil {
		return nil, res.err
	}
	return &asset{key: "generated:cover", mime: res.mime, data: res.data, kind: kindImage}, nil
}

// loadFace parses an OpenType font and returns a Face at the given size in points.
func loadFace(ttf []byte, sizePt float64) (font.Face, error) {
	f, err := opentype.Parse(ttf)
	if err != nil {
		return nil, err
	}
	return opentype.NewFace(f, &opentype.FaceOptions{
		Size:    sizePt,
		DPI:     72,
		Hinting: font.HintingFull,
	})
}
