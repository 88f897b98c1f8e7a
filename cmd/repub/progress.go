// Progress lines on stdout while books are written to files.
package main

import (
	"fmt"
	"io"
	"path/filepath"
	"sync"
)

// progressOut receives one line per archive. It is os.Stdout unless the
// book itself goes to stdout or --silent is set.
var progressOut io.Writer = io.Discard

// progressMu keeps lines from concurrent conversions whole.
var progressMu sync.Mutex

func pprintf(format string, args ...any) {
	progressMu.Lock()
	defer progressMu.Unlock()
	fmt.Fprintf(progressOut, format, args...)
}

// shortPath returns the file name of path, truncated to 60 characters.
func shortPath(path string) string {
	display := filepath.Base(path)
	if path == "-" {
		display = "<stdin>"
	}
	if r := []rune(display); len(r) > 60 {
		display = string(r[:57]) + "..."
	}
	return display
}

// sizeLabel formats a byte count as B, KB or MB.
func sizeLabel(n int) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}
