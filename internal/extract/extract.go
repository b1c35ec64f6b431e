// Package extract turns source files into documented code units.
// Extractors are pure: malformed input yields no units, never an error.
package extract

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/kurihiro0119/docstring-harvester/internal/domain"
	apperrors "github.com/kurihiro0119/docstring-harvester/internal/errors"
)

// Unit is one documented function or class found in a file
type Unit struct {
	Kind      domain.UnitKind
	Name      string // qualified name, e.g. Class.method
	Code      string
	CodeNoDoc string
	Doc       string
	Span      domain.Span
}

// Func extracts the documented units of one file
type Func func(path string, src []byte) []Unit

var registry = map[string]Func{
	".py": Python,
	".go": Go,
}

// For returns the extractor registered for a file extension
func For(ext string) (Func, bool) {
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	fn, ok := registry[strings.ToLower(ext)]
	return fn, ok
}

// Extensions lists the supported file extensions
func Extensions() []string {
	exts := make([]string, 0, len(registry))
	for ext := range registry {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Safe wraps fn so that a panic yields an empty result
func Safe(fn Func, logger *slog.Logger) Func {
	if logger == nil {
		logger = slog.Default()
	}
	return func(path string, src []byte) (units []Unit) {
		defer func() {
			if r := recover(); r != nil {
				err := apperrors.NewExtractionError(path, fmt.Errorf("panic: %v", r))
				logger.Warn("extractor panicked", "path", path, "error", err)
				units = nil
			}
		}()
		return fn(path, src)
	}
}

// dedent removes prefix from the start of every line that carries it
func dedent(text, prefix string) string {
	if prefix == "" {
		return text
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimPrefix(line, prefix)
	}
	return strings.Join(lines, "\n")
}

// cleanDoc strips the indentation of every documentation line
func cleanDoc(doc string) string {
	lines := strings.Split(doc, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
