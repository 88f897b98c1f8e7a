package main

import (
	"errors"
	"os"

	"github.com/adammathes/repub"
)

const (
	ExitSuccess  = 0 // every input converted
	ExitGeneral  = 1 // unexpected failure
	ExitUsage    = 2 // bad flags, option file or configuration
	ExitIO       = 3 // input, option or output file could not be read or written
	ExitBadInput = 4 // the archive itself is unusable
)

var (
	errUsage       = errors.New("usage")
	errReadInput   = errors.New("reading input")
	errWriteOutput = errors.New("writing output")
	errReadConfig  = errors.New("reading option file")
	errConfigParse = errors.New("parsing option file")
)

// exitCodeFor maps err to a process exit code. Errors from several inputs
// are joined; the first matching class wins.
func exitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}

	if errors.Is(err, errReadInput) ||
		errors.Is(err, errWriteOutput) ||
		errors.Is(err, errReadConfig) ||
		errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, os.ErrPermission) {
		return ExitIO
	}

	if errors.Is(err, errUsage) ||
		errors.Is(err, errConfigParse) ||
		errors.Is(err, repub.ErrInvalidConfig) {
		return ExitUsage
	}

	if errors.Is(err, repub.ErrMalformedArchive) ||
		errors.Is(err, repub.ErrInvalidEncoding) {
		return ExitBadInput
	}

	return ExitGeneral
}
