// Package dataset exports stored code units as JSONL training rows.
package dataset

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/kurihiro0119/docstring-harvester/internal/domain"
)

// DefaultPageSize is the number of units read per storage query
const DefaultPageSize = 500

var prompts = []string{
	"write a docstring for this",
	"can you generate documentation for this code",
	"provide documentation for this",
	"please write a docstring explaining this code",
	"create documentation for this code snippet",
	"explain the purpose of this code with a docstring",
	"help me understand this code with a docstring",
	"add a docstring to explain this code",
	"write a docstring to describe this function",
	"help me document this piece of code",
	"generate documentation to explain the logic of this code",
	"provide details about this code with a docstring",
}

// Row is one line of the exported dataset
type Row struct {
	Title  string `json:"title"`
	Code   string `json:"code"`
	Source string `json:"source"`
	Kind   string `json:"kind"`
	Name   string `json:"name"`
	Path   string `json:"path"`
}

// Summary counts what an export wrote
type Summary struct {
	Units int
	Rows  int
}

// Source pages through stored units
type Source interface {
	ListCodeUnits(ctx context.Context, afterID int64, limit int) ([]*domain.CodeUnit, error)
}

// Exporter streams units from storage as dataset rows
type Exporter struct {
	src      Source
	pageSize int
	logger   *slog.Logger
}

// Option configures an Exporter
type Option func(*Exporter)

// WithPageSize sets how many units are read per query
func WithPageSize(n int) Option {
	return func(e *Exporter) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Exporter) { e.logger = logger }
}

// NewExporter creates an exporter reading from src
func NewExporter(src Source, opts ...Option) *Exporter {
	e := &Exporter{src: src, pageSize: DefaultPageSize, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Export writes two rows per unit to w, one line each
func (e *Exporter) Export(ctx context.Context, w io.Writer) (Summary, error) {
	var sum Summary
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)

	var after int64
	for {
		units, err := e.src.ListCodeUnits(ctx, after, e.pageSize)
		if err != nil {
			return sum, fmt.Errorf("failed to list code units after %d: %w", after, err)
		}
		if len(units) == 0 {
			break
		}

		for _, u := range units {
			rows := Rows(u)
			for _, r := range rows {
				if err := enc.Encode(r); err != nil {
					return sum, fmt.Errorf("failed to write row: %w", err)
				}
			}
			sum.Units++
			sum.Rows += len(rows)
		}
		after = units[len(units)-1].ID
		e.logger.Debug("exported page", "units", len(units), "after", after)

		if len(units) < e.pageSize {
			break
		}
	}

	if err := bw.Flush(); err != nil {
		return sum, fmt.Errorf("failed to flush export: %w", err)
	}
	return sum, nil
}

// Rows builds the dataset rows for a unit: the docstring as title for the
// undocumented code, and an instruction prompt plus the undocumented code as
// title for the documented code. Units without a docstring yield nothing.
func Rows(u *domain.CodeUnit) []Row {
	doc := strings.TrimSpace(u.Doc)
	if doc == "" {
		return nil
	}
	bare := strings.TrimSpace(u.CodeNoDoc)
	base := Row{Source: u.Source, Kind: string(u.Kind), Name: u.QualifiedName, Path: u.Path}

	titled := base
	titled.Title = doc
	titled.Code = wrap(bare)

	prompted := base
	prompted.Title = Prompt(u.Key) + "\n" + bare
	prompted.Code = wrap(strings.TrimSpace(u.Code))

	return []Row{titled, prompted}
}

// Prompt picks an instruction for a unit. The same key always gets the
// same prompt, so repeated exports are identical.
func Prompt(key string) string {
	id, err := uuid.Parse(key)
	if err != nil {
		return prompts[0]
	}
	return prompts[binary.BigEndian.Uint32(id[:4])%uint32(len(prompts))]
}

func wrap(code string) string {
	return "<code>\n" + code + "\n</code>"
}
