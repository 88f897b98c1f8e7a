// repub: convert saved web pages into EPUB books for e-readers.
//
//	repub [options] <page.mhtml> [<page.mhtml>...]
//	repub [options] -o book.epub <page.mhtml>
//	repub [options] -o - - < page.mhtml > book.epub
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	os.Exit(realMain(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func realMain(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	f, err := parseFlags(args, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return ExitSuccess
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCodeFor(err)
	}

	log := newLogger(stderr, f.silent, f.verbose)
	defer func() { _ = log.Sync() }()

	// maxprocs.Set only fails on an invalid GOMAXPROCS, and the runtime
	// default is fine then.
	_, _ = maxprocs.Set(maxprocs.Logger(log.Sugar().Debugf))

	progressOut = io.Discard
	if !f.silent && f.output != "-" {
		progressOut = stdout
	}

	cfg, err := buildConfig(f, log)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCodeFor(err)
	}

	if err := run(f, cfg, log, env{stdin: stdin, stdout: stdout}); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCodeFor(err)
	}
	return ExitSuccess
}

// newLogger writes console-formatted logs to w. silent discards
// everything; verbose enables debug lines.
func newLogger(w io.Writer, silent, verbose bool) *zap.Logger {
	if silent {
		return zap.NewNop()
	}
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	enc := zap.NewDevelopmentEncoderConfig()
	enc.TimeKey = ""
	enc.CallerKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), level)
	return zap.New(core)
}
