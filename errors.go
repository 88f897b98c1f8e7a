package repub

import "errors"

// Sentinel errors. Callers classify failures with errors.Is; the wrapped
// message carries the detail.
var (
	ErrInvalidConfig       = errors.New("invalid config")
	ErrMalformedArchive    = errors.New("malformed archive")
	ErrMissingRootDocument = errors.New("missing root html document")
	ErrInvalidEncoding     = errors.New("invalid encoding")
	ErrImageDecode         = errors.New("image decode failed")
	ErrPackaging           = errors.New("packaging failed")
)

// missingRootError reports an archive without a text/html part. It matches
// both ErrMissingRootDocument and ErrMalformedArchive.
type missingRootError struct{}

func (missingRootError) Error() string {
	return ErrMalformedArchive.Error() + ": " + ErrMissingRootDocument.Error()
}

func (missingRootError) Is(target error) bool {
	return target == ErrMissingRootDocument || target == ErrMalformedArchive
}
