// Package yamlutil decodes the repub option file.
package yamlutil

import (
	"errors"
	"fmt"

	"github.com/goccy/go-yaml"
)

// MaxInputSize caps option files at 256 KiB.
var MaxInputSize = 256 << 10

var (
	ErrEmpty         = errors.New("yamlutil: empty document")
	ErrNoDestination = errors.New("yamlutil: nil destination")
	ErrTooLarge      = errors.New("yamlutil: document too large")
)

// Decode parses data into v. Keys that do not map to a field of v are
// errors, so a misspelled option never passes silently.
func Decode(data []byte, v any) error {
	switch {
	case len(data) == 0:
		return ErrEmpty
	case v == nil:
		return ErrNoDestination
	case len(data) > MaxInputSize:
		return fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(data), MaxInputSize)
	}
	if err := yaml.UnmarshalWithOptions(data, v, yaml.Strict()); err != nil {
		return fmt.Errorf("yamlutil: %w", err)
	}
	return nil
}
