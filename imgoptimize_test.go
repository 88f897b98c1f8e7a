package repub

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"reflect"
	"strings"
	"testing"

	"golang.org/x/net/html/atom"
)

func TestFitWithin(t *testing.T) {
	tests := []struct {
		w, h, maxW, maxH int
		wantW, wantH     int
	}{
		{2000, 3000, 1404, 1872, 1248, 1872},
		{1200, 900, 800, 1000, 800, 600},
		{400, 1200, 800, 800, 266, 800},
		{200, 150, 800, 800, 200, 150},
		{800, 800, 800, 800, 800, 800},
		{10000, 1, 100, 100, 100, 1},
		{1, 10000, 100, 100, 1, 100},
	}
	for _, tt := range tests {
		w, h := fitWithin(tt.w, tt.h, tt.maxW, tt.maxH)
		if w != tt.wantW || h != tt.wantH {
			t.Errorf("fitWithin(%d, %d, %d, %d) = %dx%d, want %dx%d",
				tt.w, tt.h, tt.maxW, tt.maxH, w, h, tt.wantW, tt.wantH)
		}
	}
}

func TestResize_EveryFilter(t *testing.T) {
	src, err := png.Decode(bytes.NewReader(gradientPNG(40, 20)))
	if err != nil {
		t.Fatal(err)
	}
	for f := range interpolators {
		t.Run(f.String(), func(t *testing.T) {
			dst := resize(src, 20, 10, f)
			if b := dst.Bounds(); b.Dx() != 20 || b.Dy() != 10 {
				t.Errorf("got %dx%d, want 20x10", b.Dx(), b.Dy())
			}
		})
	}
}

func TestProcessImage_DownscalesPreservingAspect(t *testing.T) {
	cfg := DefaultConfig()
	res := processImage(makePNG(2000, 3000, color.NRGBA{90, 120, 200, 255}), "image/png", cfg)
	if res.err != nil {
		t.Fatal(res.err)
	}
	if res.mime != "image/jpeg" {
		t.Errorf("mime = %q", res.mime)
	}
	w, h := decodeDimensions(t, res.data)
	if w != 1248 || h != 1872 || res.width != w || res.height != h {
		t.Errorf("got %dx%d (reported %dx%d), want 1248x1872", w, h, res.width, res.height)
	}
}

func TestProcessImage_NeverUpscales(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ImageHandling = ImageKeep
	res := processImage(gradientPNG(30, 20), "image/png", cfg)
	if res.err != nil {
		t.Fatal(res.err)
	}
	if w, h := decodeDimensions(t, res.data); w != 30 || h != 20 {
		t.Errorf("got %dx%d, want 30x20", w, h)
	}
}

func TestProcessImage_Decorative(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		handling ImageHandling
		want     bool
	}{
		{"1x1 pixel filtered", makePNG(1, 1, color.Black), ImageFilter, true},
		{"1x1 pixel kept", makePNG(1, 1, color.Black), ImageKeep, false},
		{"2px rule filtered", gradientPNG(300, 2), ImageFilter, true},
		{"flat 32x32 filtered", makePNG(32, 32, color.White), ImageFilter, true},
		{"flat 100x100 filtered", makePNG(100, 100, color.White), ImageFilter, false},
		{"gradient 32x32 filtered", gradientPNG(32, 32), ImageFilter, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.ImageHandling = tt.handling
			res := processImage(tt.data, "image/png", cfg)
			if res.err != nil {
				t.Fatal(res.err)
			}
			if res.decorative != tt.want {
				t.Errorf("decorative = %v, want %v", res.decorative, tt.want)
			}
		})
	}
}

func TestProcessImage_BrightenIdentity(t *testing.T) {
	orig := gradientPNG(24, 16)
	cfg := DefaultConfig()
	cfg.ImageFormat = PNG()
	res := processImage(orig, "image/png", cfg)
	if res.err != nil {
		t.Fatal(res.err)
	}
	a, _ := png.Decode(bytes.NewReader(orig))
	b, err := png.Decode(bytes.NewReader(res.data))
	if err != nil {
		t.Fatal(err)
	}
	for y := 0; y < 16; y++ {
		for x := 0; x < 24; x++ {
			ar, ag, ab, aa := a.At(x, y).RGBA()
			br, bg, bb, ba := b.At(x, y).RGBA()
			if ar != br || ag != bg || ab != bb || aa != ba {
				t.Fatalf("pixel (%d,%d) changed", x, y)
			}
		}
	}
}

func TestBrighten_Clamps(t *testing.T) {
	tests := []struct {
		factor float64
		in     uint8
		want   uint8
	}{
		{2, 100, 200},
		{2, 200, 255},
		{0.5, 101, 51},
		{0, 200, 0},
		{-1, 200, 0},
	}
	for _, tt := range tests {
		img := image.NewNRGBA(image.Rect(0, 0, 1, 1))
		img.Pix = []uint8{tt.in, tt.in, tt.in, 255}
		brighten(img, tt.factor)
		if img.Pix[0] != tt.want || img.Pix[3] != 255 {
			t.Errorf("brighten(%d, %v) = %v, want %d", tt.in, tt.factor, img.Pix, tt.want)
		}
	}
}

func TestProcessImage_Grayscale(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Grayscale = true
	cfg.ImageFormat = PNG()
	res := processImage(gradientPNG(20, 20), "image/png", cfg)
	if res.err != nil {
		t.Fatal(res.err)
	}
	img, err := png.Decode(bytes.NewReader(res.data))
	if err != nil {
		t.Fatal(err)
	}
	if img.ColorModel() != color.GrayModel {
		t.Errorf("color model = %T, want gray", img.ColorModel())
	}
}

func TestProcessImage_FlattensAlpha(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ImageHandling = ImageKeep
	cfg.ImageFormat = PNG()
	res := processImage(makePNG(10, 10, color.NRGBA{0, 0, 0, 0}), "image/png", cfg)
	if res.err != nil {
		t.Fatal(res.err)
	}
	img, _ := png.Decode(bytes.NewReader(res.data))
	r, g, b, a := img.At(5, 5).RGBA()
	if r != 0xffff || g != 0xffff || b != 0xffff || a != 0xffff {
		t.Errorf("transparent pixel = %v %v %v %v, want opaque white", r, g, b, a)
	}
}

func TestProcessImage_SVGPassthrough(t *testing.T) {
	svg := []byte(`<svg xmlns="http://www.w3.org/2000/svg" width="10" height="10"/>`)
	res := processImage(svg, "image/svg+xml", DefaultConfig())
	if res.err != nil || !bytes.Equal(res.data, svg) || res.mime != "image/svg+xml" {
		t.Errorf("svg not passed through: %+v", res)
	}
}

func TestProcessImage_InvalidData(t *testing.T) {
	res := processImage([]byte("not an image"), "image/png", DefaultConfig())
	if res.err == nil {
		t.Error("expected decode error")
	}
}

func TestParseSrcset(t *testing.T) {
	uri := dataURI("image/png", makePNG(1, 1, color.White))
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a.jpg", []string{"a.jpg"}},
		{"a.jpg 1x, b.jpg 2x", []string{"a.jpg", "b.jpg"}},
		{"a.jpg 480w,b.jpg 800w", []string{"a.jpg", "b.jpg"}},
		{"  a.jpg,  b.jpg  ", []string{"a.jpg", "b.jpg"}},
		{uri + " 1x, c.png 2x", []string{uri, "c.png"}},
		{"data:image/png;base64,AAAA,BBBB 1x", []string{"data:image/png;base64,AAAA,BBBB"}},
	}
	for _, tt := range tests {
		if got := parseSrcset(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("parseSrcset(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDeclaresTinySize(t *testing.T) {
	tests := []struct {
		tag  string
		want bool
	}{
		{`<img src="a.png" width="1" height="1">`, true},
		{`<img src="a.png" width="2px">`, true},
		{`<img src="a.png" height="0">`, true},
		{`<img src="a.png" width="100" height="50">`, false},
		{`<img src="a.png" width="auto">`, false},
		{`<img src="a.png">`, false},
	}
	for _, tt := range tests {
		doc := parseBody(t, "<body>"+tt.tag+"</body>")
		img := findElement(doc, atom.Img)
		if got := declaresTinySize(img); got != tt.want {
			t.Errorf("declaresTinySize(%s) = %v, want %v", tt.tag, got, tt.want)
		}
	}
}

func TestHumanSize(t *testing.T) {
	tests := []struct {
		input int64
		want  string
	}{
		{0, "0.0B"},
		{1023, "1023.0B"},
		{1024, "1.0KB"},
		{1048576, "1.0MB"},
		{1073741824, "1.0GB"},
	}
	for _, tt := range tests {
		if got := humanSize(tt.input); got != tt.want {
			t.Errorf("humanSize(%d) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

// transcodeFixture is a page with a photo used twice, a spacer, a
// broken image and a remote image the archive lacks.
func transcodeFixture(t *testing.T) (*registry, []byte) {
	t.Helper()
	page := `<html><head><title>Photos</title></head><body>
<p><img src="photo.png" width="600" srcset="photo.png 1x" loading="lazy"></p>
<p><img src="https://example.com/photo.png" alt="again"></p>
<p><img src="spacer.gif" width="1" height="1"></p>
<p><img src="broken.jpg"></p>
<p><img src="https://elsewhere.example/remote.jpg"></p>
</body></html>`
	data := buildMHTML("https://example.com/",
		htmlPart("https://example.com/", page),
		imagePart("https://example.com/photo.png", "image/png", gradientPNG(64, 48)),
		imagePart("https://example.com/spacer.gif", "image/gif", makePNG(1, 1, color.White)),
		imagePart("https://example.com/broken.jpg", "image/jpeg", []byte("\xff\xd8 truncated jpeg")),
	)
	reg, _ := newTestRegistry(t, data)
	return reg, data
}

func runTranscode(t *testing.T, handling ImageHandling) (*manifest, []error, []string) {
	t.Helper()
	reg, data := transcodeFixture(t)
	_, doc := newTestRegistry(t, data)
	cfg := DefaultConfig()
	cfg.ImageHandling = handling
	man := newManifest()
	warnings := transcodeImages(doc, reg, cfg, man)
	var srcs []string
	for _, img := range elements(doc, atom.Img) {
		srcs = append(srcs, getAttr(img, "src"))
	}
	return man, warnings, srcs
}

func TestTranscodeImages_Strip(t *testing.T) {
	man, warnings, srcs := runTranscode(t, ImageStrip)
	if len(man.items) != 0 || len(srcs) != 0 || len(warnings) != 0 {
		t.Errorf("strip left items=%d srcs=%v warnings=%v", len(man.items), srcs, warnings)
	}
}

func TestTranscodeImages_Keep(t *testing.T) {
	man, warnings, srcs := runTranscode(t, ImageKeep)
	// photo (shared by two references) and the spacer; broken and remote
	// images are gone.
	if len(man.items) != 2 {
		t.Fatalf("manifest has %d items, want 2", len(man.items))
	}
	if man.items[0].href != "images/img001.jpg" || man.items[1].href != "images/img002.jpg" {
		t.Errorf("hrefs = %q, %q", man.items[0].href, man.items[1].href)
	}
	want := []string{"images/img001.jpg", "images/img001.jpg", "images/img002.jpg"}
	if !reflect.DeepEqual(srcs, want) {
		t.Errorf("srcs = %v, want %v", srcs, want)
	}
	if len(warnings) != 1 || !errors.Is(warnings[0], ErrImageDecode) {
		t.Fatalf("warnings = %v, want one image decode error", warnings)
	}
	if !strings.Contains(warnings[0].Error(), "broken.jpg") {
		t.Errorf("warning does not name the resource: %v", warnings[0])
	}
}

func TestTranscodeImages_Filter(t *testing.T) {
	man, _, srcs := runTranscode(t, ImageFilter)
	if len(man.items) != 1 {
		t.Fatalf("manifest has %d items, want only the photo", len(man.items))
	}
	if !reflect.DeepEqual(srcs, []string{"images/img001.jpg"}) {
		t.Errorf("srcs = %v, want a single photo reference", srcs)
	}
}

func TestTranscodeImages_CleansAttributes(t *testing.T) {
	reg, data := transcodeFixture(t)
	_, doc := newTestRegistry(t, data)
	transcodeImages(doc, reg, DefaultConfig(), newManifest())
	img := findElement(doc, atom.Img)
	for _, key := range []string{"srcset", "width", "loading"} {
		if hasAttr(img, key) {
			t.Errorf("kept %s attribute", key)
		}
	}
}

func TestTranscodeImages_PictureAndDataURI(t *testing.T) {
	inline := dataURI("image/png", gradientPNG(16, 16))
	page := `<html><body>
<picture><source srcset="missing.webp" type="image/webp"><source srcset="big.png 2x"><img src="missing.jpg"></picture>
<img src="` + inline + `">
</body></html>`
	data := buildMHTML("https://example.com/",
		htmlPart("https://example.com/", page),
		imagePart("https://example.com/big.png", "image/png", gradientPNG(40, 40)),
	)
	reg, doc := newTestRegistry(t, data)
	cfg := DefaultConfig()
	cfg.ImageFormat = PNG()
	man := newManifest()
	if w := transcodeImages(doc, reg, cfg, man); len(w) != 0 {
		t.Fatalf("warnings: %v", w)
	}
	if len(elements(doc, atom.Picture)) != 0 {
		t.Error("picture element not collapsed")
	}
	if len(man.items) != 2 {
		t.Fatalf("manifest has %d items, want 2", len(man.items))
	}
	if man.items[0].key != "https://example.com/big.png" || !strings.HasPrefix(man.items[1].key, "data:") {
		t.Errorf("keys = %q, %q", man.items[0].key, man.items[1].key)
	}
	for _, it := range man.items {
		if it.mime != "image/png" || !strings.HasSuffix(it.href, ".png") {
			t.Errorf("item %s: mime %s", it.href, it.mime)
		}
	}
}

func TestTranscodeImages_Deterministic(t *testing.T) {
	first, _, _ := runTranscode(t, ImageKeep)
	for i := 0; i < 3; i++ {
		again, _, _ := runTranscode(t, ImageKeep)
		for j := range first.items {
			if !bytes.Equal(first.items[j].data, again.items[j].data) {
				t.Fatalf("run %d: item %d differs", i, j)
			}
		}
	}
}
