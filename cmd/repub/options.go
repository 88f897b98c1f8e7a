package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/adammathes/repub"
	"github.com/adammathes/repub/internal/yamlutil"
)

// fileOptions mirrors the conversion flags. Absent keys leave the
// defaults alone.
type fileOptions struct {
	Images        *string  `yaml:"images"`
	Format        *string  `yaml:"format"`
	Quality       *int     `yaml:"quality"`
	MaxWidth      *int     `yaml:"max-width"`
	MaxHeight     *int     `yaml:"max-height"`
	Filter        *string  `yaml:"filter"`
	ImgSimThresh  *float64 `yaml:"img-sim-thresh"`
	Brighten      *float64 `yaml:"brighten"`
	Grayscale     *bool    `yaml:"grayscale"`
	StripLinks    *bool    `yaml:"strip-links"`
	HrefSimThresh *float64 `yaml:"href-sim-thresh"`
	IncludeURL    *bool    `yaml:"include-url"`
	IncludeTitle  *bool    `yaml:"include-title"`
	IncludeByline *bool    `yaml:"include-byline"`
	IncludeCover  *bool    `yaml:"include-cover"`
	RmCSS         *bool    `yaml:"rm-css"`
	CodeCSS       *bool    `yaml:"code-css"`
	TableCSS      *bool    `yaml:"table-css"`
	CSS           *string  `yaml:"css"`
	EpubVersion   *string  `yaml:"epub-version"`
	Summarize     *bool    `yaml:"summarize"`
	GenerateCover *bool    `yaml:"generate-cover"`
	Language      *string  `yaml:"lang"`
	Workers       *int     `yaml:"workers"`
}

// imageFormat tracks format and quality separately until both layers are
// applied.
type imageFormat struct {
	name    string
	quality int
}

// presets records which extra stylesheets follow the base CSS.
type presets struct {
	code  bool
	table bool
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func (o *fileOptions) apply(cfg *repub.Config, format *imageFormat, extra *presets) error {
	if o.Images != nil {
		h, err := repub.ParseImageHandling(*o.Images)
		if err != nil {
			return err
		}
		cfg.ImageHandling = h
	}
	if o.Filter != nil {
		ft, err := repub.ParseFilterType(*o.Filter)
		if err != nil {
			return err
		}
		cfg.Filter = ft
	}
	if o.EpubVersion != nil {
		v, err := repub.ParseEpubVersion(*o.EpubVersion)
		if err != nil {
			return err
		}
		cfg.EpubVersion = v
	}
	setIf(&format.name, o.Format)
	setIf(&format.quality, o.Quality)
	setIf(&cfg.MaxWidth, o.MaxWidth)
	setIf(&cfg.ImageSimThresh, o.ImgSimThresh)
	setIf(&cfg.MaxHeight, o.MaxHeight)
	setIf(&cfg.Brighten, o.Brighten)
	setIf(&cfg.Grayscale, o.Grayscale)
	setIf(&cfg.StripLinks, o.StripLinks)
	setIf(&cfg.HrefSimThresh, o.HrefSimThresh)
	setIf(&cfg.IncludeURL, o.IncludeURL)
	setIf(&cfg.IncludeTitle, o.IncludeTitle)
	setIf(&cfg.IncludeByline, o.IncludeByline)
	setIf(&cfg.IncludeCover, o.IncludeCover)
	setIf(&cfg.Summarize, o.Summarize)
	setIf(&cfg.GenerateCover, o.GenerateCover)
	setIf(&cfg.Language, o.Language)
	setIf(&cfg.Workers, o.Workers)
	if o.RmCSS != nil {
		cfg.CSS = ""
		if *o.RmCSS {
			cfg.CSS = repub.DefaultCSS
		}
	}
	setIf(&cfg.CSS, o.CSS)
	setIf(&extra.code, o.CodeCSS)
	setIf(&extra.table, o.TableCSS)
	return nil
}

// buildConfig layers defaults, the option file and explicitly set flags,
// in that order.
func buildConfig(f *cliFlags, log *zap.Logger) (repub.Config, error) {
	cfg := repub.DefaultConfig()
	cfg.CSS = repub.DefaultCSS
	format := imageFormat{name: "jpeg", quality: cfg.ImageFormat.Quality}
	var extra presets

	if f.configFile != "" {
		data, err := os.ReadFile(f.configFile)
		if err != nil {
			return cfg, fmt.Errorf("%w: %w", errReadConfig, err)
		}
		var opts fileOptions
		if err := yamlutil.Decode(data, &opts); err != nil {
			return cfg, fmt.Errorf("%w: %s: %w", errConfigParse, f.configFile, err)
		}
		if err := opts.apply(&cfg, &format, &extra); err != nil {
			return cfg, fmt.Errorf("%s: %w", f.configFile, err)
		}
		log.Debug("loaded option file", zap.String("path", f.configFile))
	}

	changed := f.fs.Changed
	if changed("images") {
		h, err := repub.ParseImageHandling(f.images)
		if err != nil {
			return cfg, err
		}
		cfg.ImageHandling = h
	}
	if changed("filter") {
		ft, err := repub.ParseFilterType(f.filter)
		if err != nil {
			return cfg, err
		}
		cfg.Filter = ft
	}
	if changed("epub-version") {
		v, err := repub.ParseEpubVersion(f.epubVersion)
		if err != nil {
			return cfg, err
		}
		cfg.EpubVersion = v
	}
	if changed("format") {
		format.name = f.format
	}
	if changed("quality") {
		format.quality = f.quality
	}
	imgFormat, err := repub.ParseImageFormat(format.name, format.quality)
	if err != nil {
		return cfg, err
	}
	cfg.ImageFormat = imgFormat

	for name, apply := range map[string]func(){
		"max-width":       func() { cfg.MaxWidth = f.maxWidth },
		"img-sim-thresh":  func() { cfg.ImageSimThresh = f.imgSimThresh },
		"code-css":        func() { extra.code = f.codeCSS },
		"table-css":       func() { extra.table = f.tableCSS },
		"max-height":      func() { cfg.MaxHeight = f.maxHeight },
		"brighten":        func() { cfg.Brighten = f.brighten },
		"grayscale":       func() { cfg.Grayscale = f.grayscale },
		"strip-links":     func() { cfg.StripLinks = f.stripLinks },
		"href-sim-thresh": func() { cfg.HrefSimThresh = f.hrefSimThresh },
		"include-url":     func() { cfg.IncludeURL = f.includeURL },
		"include-title":   func() { cfg.IncludeTitle = f.includeTitle },
		"include-byline":  func() { cfg.IncludeByline = f.includeByline },
		"include-cover":   func() { cfg.IncludeCover = f.includeCover },
		"summarize":       func() { cfg.Summarize = f.summarize },
		"generate-cover":  func() { cfg.GenerateCover = f.generateCover },
		"lang":            func() { cfg.Language = f.language },
		"workers":         func() { cfg.Workers = f.workers },
	} {
		if changed(name) {
			apply()
		}
	}

	if changed("rm-css") {
		cfg.CSS = ""
		if f.rmCSS {
			cfg.CSS = repub.DefaultCSS
		}
	}
	if f.cssFile != "" {
		data, err := os.ReadFile(f.cssFile)
		if err != nil {
			return cfg, fmt.Errorf("%w: %w", errReadConfig, err)
		}
		cfg.CSS = string(data)
	}
	if extra.code {
		cfg.CSS += repub.CodeCSS
	}
	if extra.table {
		cfg.CSS += repub.TableCSS
	}

	cfg.Logger = log
	return cfg, cfg.Validate()
}
