package repub

import (
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"
)

// ImageHandling selects what happens to images found in the archive.
type ImageHandling int

const (
	// ImageStrip removes every image.
	ImageStrip ImageHandling = iota + 1
	// ImageFilter drops decorative and tracking images, keeps the rest.
	ImageFilter
	// ImageKeep keeps every decodable image.
	ImageKeep
)

// ParseImageHandling maps "strip", "filter" or "keep" to an ImageHandling.
func ParseImageHandling(s string) (ImageHandling, error) {
	switch s {
	case "strip":
		return ImageStrip, nil
	case "filter":
		return ImageFilter, nil
	case "keep":
		return ImageKeep, nil
	}
	return 0, fmt.Errorf("%w: unknown image handling %q (want strip, filter or keep)", ErrInvalidConfig, s)
}

func (h ImageHandling) String() string {
	switch h {
	case ImageStrip:
		return "strip"
	case ImageFilter:
		return "filter"
	case ImageKeep:
		return "keep"
	}
	return fmt.Sprintf("ImageHandling(%d)", int(h))
}

func (h ImageHandling) valid() bool { return h >= ImageStrip && h <= ImageKeep }

// EpubVersion is the EPUB revision the package targets.
type EpubVersion int

const (
	Epub2 EpubVersion = iota + 2
	Epub3
)

// ParseEpubVersion accepts "2", "2.0", "3" and "3.0".
func ParseEpubVersion(s string) (EpubVersion, error) {
	switch strings.TrimSpace(s) {
	case "2", "2.0":
		return Epub2, nil
	case "3", "3.0":
		return Epub3, nil
	}
	return 0, fmt.Errorf("%w: unknown epub version %q (want 2.0 or 3.0)", ErrInvalidConfig, s)
}

func (v EpubVersion) String() string {
	switch v {
	case Epub2:
		return "2.0"
	case Epub3:
		return "3.0"
	}
	return fmt.Sprintf("EpubVersion(%d)", int(v))
}

// FilterType is the resampling kernel used when an image is downscaled.
type FilterType int

const (
	FilterNearest FilterType = iota + 1
	FilterTriangle
	FilterCatmullRom
	FilterGaussian
	FilterLanczos3
)

var filterNames = map[string]FilterType{
	"nearest":    FilterNearest,
	"triangle":   FilterTriangle,
	"catmullrom": FilterCatmullRom,
	"gaussian":   FilterGaussian,
	"lanczos3":   FilterLanczos3,
}

// ParseFilterType maps a kernel name (nearest, triangle, catmullrom,
// gaussian, lanczos3) to a FilterType. Matching ignores case.
func ParseFilterType(s string) (FilterType, error) {
	if f, ok := filterNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return f, nil
	}
	return 0, fmt.Errorf("%w: unknown resampling filter %q", ErrInvalidConfig, s)
}

func (f FilterType) String() string {
	for name, v := range filterNames {
		if v == f {
			return name
		}
	}
	return fmt.Sprintf("FilterType(%d)", int(f))
}

// ImageCodec is the output encoding for transcoded raster images.
type ImageCodec int

const (
	CodecJPEG ImageCodec = iota + 1
	CodecPNG
)

// ImageFormat is an output codec plus its parameters. Quality applies to
// JPEG only.
type ImageFormat struct {
	Codec   ImageCodec
	Quality int
}

// JPEG returns a JPEG output format at the given quality (1-100).
func JPEG(quality int) ImageFormat { return ImageFormat{Codec: CodecJPEG, Quality: quality} }

// PNG returns a lossless PNG output format.
func PNG() ImageFormat { return ImageFormat{Codec: CodecPNG} }

// ParseImageFormat accepts "jpeg" (or "jpg") and "png". quality is used for JPEG.
func ParseImageFormat(s string, quality int) (ImageFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "jpeg", "jpg":
		return JPEG(quality), nil
	case "png":
		return PNG(), nil
	}
	return ImageFormat{}, fmt.Errorf("%w: unknown image format %q (want jpeg or png)", ErrInvalidConfig, s)
}

func (f ImageFormat) mime() string {
	if f.Codec == CodecPNG {
		return "image/png"
	}
	return "image/jpeg"
}

// Config holds every option of one conversion. It is passed by value and
// never modified by the engine.
type Config struct {
	ImageHandling ImageHandling
	ImageFormat   ImageFormat
	MaxWidth      int
	MaxHeight     int
	Filter        FilterType
	// ImageSimThresh, when positive, lets an image reference the archive
	// holds no exact match for fall back to the most similar archived
	// image URL scoring at least this much. Browsers often save an image
	// under a URL whose query differs from the one in the page.
	ImageSimThresh float64
	// Brighten multiplies every colour channel after resizing; 1 leaves
	// pixels untouched. Results are clamped per pixel.
	Brighten  float64
	Grayscale bool

	// StripLinks turns on boilerplate link removal. Anchors whose
	// similarity to a neighbour reaches HrefSimThresh lose their href.
	StripLinks    bool
	HrefSimThresh float64

	IncludeURL    bool
	IncludeTitle  bool
	IncludeByline bool
	IncludeCover  bool

	// CSS, when non-empty, replaces the page's own styles.
	CSS string

	EpubVersion EpubVersion

	// Summarize replaces the body with the readability article content.
	Summarize bool
	// GenerateCover renders a typographic cover when the page offers none.
	// It has no effect with ImageStrip.
	GenerateCover bool
	// Language is used when the document does not declare one.
	Language string

	// Workers bounds parallel image transcoding; 0 means GOMAXPROCS.
	Workers int
	Logger  *zap.Logger
}

// DefaultConfig returns the defaults: filtered images re-encoded as JPEG 90
// and fitted to 1404x1872 with a triangle filter, an EPUB 3 package with
// a title heading, and boilerplate link stripping.
func DefaultConfig() Config {
	return Config{
		ImageHandling:  ImageFilter,
		ImageFormat:    JPEG(90),
		MaxWidth:       1404,
		MaxHeight:      1872,
		Filter:         FilterTriangle,
		ImageSimThresh: 0.9,
		Brighten:       1,
		StripLinks:     true,
		HrefSimThresh:  0.75,
		IncludeTitle:   true,
		EpubVersion:    Epub3,
	}
}

// Validate reports the first invalid field, wrapped in ErrInvalidConfig.
func (c Config) Validate() error {
	if !c.ImageHandling.valid() {
		return fmt.Errorf("%w: image handling not set", ErrInvalidConfig)
	}
	switch c.ImageFormat.Codec {
	case CodecJPEG:
		if c.ImageFormat.Quality < 1 || c.ImageFormat.Quality > 100 {
			return fmt.Errorf("%w: jpeg quality %d out of range 1-100", ErrInvalidConfig, c.ImageFormat.Quality)
		}
	case CodecPNG:
	default:
		return fmt.Errorf("%w: image format not set", ErrInvalidConfig)
	}
	if c.MaxWidth <= 0 || c.MaxHeight <= 0 {
		return fmt.Errorf("%w: max dimensions must be positive, got %dx%d", ErrInvalidConfig, c.MaxWidth, c.MaxHeight)
	}
	if _, ok := interpolators[c.Filter]; !ok {
		return fmt.Errorf("%w: resampling filter not set", ErrInvalidConfig)
	}
	if math.IsNaN(c.Brighten) || math.IsInf(c.Brighten, 0) {
		return fmt.Errorf("%w: brightness %v is not finite", ErrInvalidConfig, c.Brighten)
	}
	if math.IsNaN(c.ImageSimThresh) || c.ImageSimThresh < 0 || c.ImageSimThresh > 1 {
		return fmt.Errorf("%w: image similarity threshold %v out of range 0-1", ErrInvalidConfig, c.ImageSimThresh)
	}
	if math.IsNaN(c.HrefSimThresh) || c.HrefSimThresh < 0 || c.HrefSimThresh > 1 {
		return fmt.Errorf("%w: href similarity threshold %v out of range 0-1", ErrInvalidConfig, c.HrefSimThresh)
	}
	if c.EpubVersion != Epub2 && c.EpubVersion != Epub3 {
		return fmt.Errorf("%w: epub version not set", ErrInvalidConfig)
	}
	if c.Workers < 0 {
		return fmt.Errorf("%w: negative worker count %d", ErrInvalidConfig, c.Workers)
	}
	return nil
}

func (c Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
