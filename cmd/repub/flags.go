package main

import (
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/adammathes/repub"
)

// cliFlags holds parsed command-line options. Conversion options are
// applied over the option file only when set explicitly.
type cliFlags struct {
	fs *pflag.FlagSet

	output     string
	configFile string
	cssFile    string
	rmCSS      bool
	codeCSS    bool
	tableCSS   bool
	silent     bool
	verbose    bool
	jobs       int

	images        string
	format        string
	quality       int
	maxWidth      int
	maxHeight     int
	filter        string
	imgSimThresh  float64
	brighten      float64
	grayscale     bool
	stripLinks    bool
	hrefSimThresh float64
	includeURL    bool
	includeTitle  bool
	includeByline bool
	includeCover  bool
	epubVersion   string
	summarize     bool
	generateCover bool
	language      string
	workers       int

	inputs []string
}

func parseFlags(args []string, stderr io.Writer) (*cliFlags, error) {
	def := repub.DefaultConfig()
	f := &cliFlags{fs: pflag.NewFlagSet("repub", pflag.ContinueOnError)}
	fs := f.fs
	fs.SortFlags = false
	fs.SetOutput(stderr)

	fs.StringVarP(&f.output, "output", "o", "", "Output file, - for stdout (default: <title>.epub)")
	fs.StringVar(&f.configFile, "config", "", "YAML option file")
	fs.StringVar(&f.cssFile, "css", "", "Stylesheet file replacing the page styles")
	fs.BoolVar(&f.rmCSS, "rm-css", true, "Use the built-in e-reader stylesheet")
	fs.BoolVar(&f.codeCSS, "code-css", false, "Add monospace rules for code blocks")
	fs.BoolVar(&f.tableCSS, "table-css", false, "Add ruled borders for tables")
	fs.IntVarP(&f.jobs, "jobs", "j", 5, "Archives converted concurrently")
	fs.BoolVar(&f.silent, "silent", false, "Suppress all output except errors")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "Log every pipeline stage")

	fs.StringVar(&f.images, "images", def.ImageHandling.String(), "Image handling: strip, filter or keep")
	fs.StringVar(&f.format, "format", "jpeg", "Image output format: jpeg or png")
	fs.IntVar(&f.quality, "quality", def.ImageFormat.Quality, "JPEG quality 1-100")
	fs.IntVar(&f.maxWidth, "max-width", def.MaxWidth, "Max image width in pixels")
	fs.IntVar(&f.maxHeight, "max-height", def.MaxHeight, "Max image height in pixels")
	fs.StringVar(&f.filter, "filter", def.Filter.String(), "Resampling filter: nearest, triangle, catmullrom, gaussian, lanczos3")
	fs.Float64Var(&f.imgSimThresh, "img-sim-thresh", def.ImageSimThresh, "Similarity at which a missing image URL falls back to the closest archived one (0 disables)")
	fs.Float64Var(&f.brighten, "brighten", def.Brighten, "Brightness multiplier applied to images")
	fs.BoolVar(&f.grayscale, "grayscale", def.Grayscale, "Convert images to grayscale")
	fs.BoolVar(&f.stripLinks, "strip-links", def.StripLinks, "Remove boilerplate links")
	fs.Float64Var(&f.hrefSimThresh, "href-sim-thresh", def.HrefSimThresh, "Similarity at which neighbouring links count as boilerplate")
	fs.BoolVar(&f.includeURL, "include-url", def.IncludeURL, "Add a header with the source URL")
	fs.BoolVar(&f.includeTitle, "include-title", def.IncludeTitle, "Add a header with the title")
	fs.BoolVar(&f.includeByline, "include-byline", def.IncludeByline, "Add a header with the byline")
	fs.BoolVar(&f.includeCover, "include-cover", def.IncludeCover, "Add a header with the cover image")
	fs.StringVar(&f.epubVersion, "epub-version", def.EpubVersion.String(), "EPUB version: 2.0 or 3.0")
	fs.BoolVar(&f.summarize, "summarize", def.Summarize, "Keep only the main article content")
	fs.BoolVar(&f.generateCover, "generate-cover", def.GenerateCover, "Render a cover when the page has none")
	fs.StringVar(&f.language, "lang", def.Language, "Language used when the page declares none")
	fs.IntVar(&f.workers, "workers", def.Workers, "Parallel image transcoders per archive (0: one per CPU)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: repub [options] <page.mhtml> [<page.mhtml>...]\n\n")
		fmt.Fprintf(stderr, "Convert saved web pages (MHTML) into EPUB books for e-readers.\n\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", errUsage, err)
	}
	f.inputs = fs.Args()
	return f, nil
}
