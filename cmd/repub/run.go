package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gosimple/slug"
	"go.uber.org/zap"

	"github.com/adammathes/repub"
)

// maxInputBytes bounds a single archive read.
var maxInputBytes int64 = 512 << 20

type env struct {
	stdin  io.Reader
	stdout io.Writer
}

// run converts every input, at most f.jobs at a time. A failing archive
// does not stop the others; their errors are joined.
func run(f *cliFlags, cfg repub.Config, log *zap.Logger, e env) error {
	if len(f.inputs) == 0 {
		return fmt.Errorf("%w: no input archives", errUsage)
	}
	if f.output != "" && len(f.inputs) > 1 {
		return fmt.Errorf("%w: -o accepts a single input", errUsage)
	}
	jobs := f.jobs
	if jobs < 1 {
		jobs = 1
	}

	errs := make([]error, len(f.inputs))
	names := &outputNames{}
	var wg sync.WaitGroup
	sem := make(chan struct{}, jobs)
	for i, in := range f.inputs {
		wg.Add(1)
		go func(i int, in string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			pprintf("[%d/%d] %s\n", i+1, len(f.inputs), shortPath(in))
			if err := convertFile(in, f.output, names, cfg, log.With(zap.String("input", in)), e); err != nil {
				errs[i] = fmt.Errorf("%s: %w", in, err)
			}
		}(i, in)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func convertFile(in, out string, names *outputNames, cfg repub.Config, log *zap.Logger, e env) error {
	data, err := readInput(in, e.stdin)
	if err != nil {
		return err
	}

	cfg.Logger = log
	res, err := repub.Convert(data, cfg)
	if err != nil {
		return err
	}

	if out == "-" {
		if _, err := e.stdout.Write(res.EPUB); err != nil {
			return fmt.Errorf("%w: %w", errWriteOutput, err)
		}
		return nil
	}
	if out == "" {
		out = names.claim(outputName(in, res.Title))
	}
	if err := os.WriteFile(out, res.EPUB, 0o644); err != nil {
		return fmt.Errorf("%w: %w", errWriteOutput, err)
	}
	pprintf("  ✓ %s (%s, %d warnings)\n", out, sizeLabel(len(res.EPUB)), len(res.Warnings))
	return nil
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	var r io.Reader = stdin
	if path != "-" {
		fh, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errReadInput, err)
		}
		defer fh.Close()
		r = fh
	}
	data, err := readLimited(r, maxInputBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errReadInput, err)
	}
	return data, nil
}

// readLimited reads at most limit bytes from r and fails if there are
// more. A limit of 0 reads everything.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("archive exceeds maximum allowed size (%s)", sizeLabel(int(limit)))
	}
	return data, nil
}

// outputName derives the book file name from the title, falling back to
// the input's base name.
func outputName(in string, title *string) string {
	if title != nil {
		if s := slug.Make(*title); s != "" {
			return s + ".epub"
		}
	}
	base := filepath.Base(in)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if in == "-" || base == "" || base == "." || base == string(filepath.Separator) {
		base = "book"
	}
	return base + ".epub"
}

// outputNames hands out default output names so that concurrent inputs
// never write the same file. A name already handed out gets a -2, -3, ...
// suffix before its extension.
type outputNames struct {
	mu    sync.Mutex
	taken map[string]bool
}

func (o *outputNames) claim(name string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.taken == nil {
		o.taken = map[string]bool{}
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 2; o.taken[name]; i++ {
		name = fmt.Sprintf("%s-%d%s", stem, i, ext)
	}
	o.taken[name] = true
	return name
}
