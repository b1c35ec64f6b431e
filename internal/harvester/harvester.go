// Package harvester turns one repository into code units.
package harvester

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/kurihiro0119/docstring-harvester/internal/domain"
	apperrors "github.com/kurihiro0119/docstring-harvester/internal/errors"
	"github.com/kurihiro0119/docstring-harvester/internal/extract"
)

// API is the part of the GitHub client the harvester needs
type API interface {
	ListTree(ctx context.Context, repo domain.RepositoryRef) ([]string, error)
	FetchContent(ctx context.Context, repo domain.RepositoryRef, path string) ([]byte, error)
}

// Sink receives units and completion markers
type Sink interface {
	Add(ctx context.Context, unit *domain.CodeUnit) error
	Complete(ctx context.Context, repo domain.ProcessedRepository) error
}

// Result summarizes one processed repository
type Result struct {
	Files        int // files fetched and extracted
	SkippedFiles int // files that vanished between listing and fetching
	Units        int
	Vanished     bool // the repository itself was gone or empty
}

// Harvester processes repositories one at a time; it is safe for concurrent use
type Harvester struct {
	api       API
	sink      Sink
	extract   extract.Func
	extension string
	maxFiles  int
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Harvester
type Option func(*Harvester)

// WithMaxFiles caps the number of files harvested per repository
func WithMaxFiles(n int) Option {
	return func(h *Harvester) { h.maxFiles = n }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(h *Harvester) { h.logger = logger }
}

// New creates a harvester for files with the given extension
func New(api API, sink Sink, fn extract.Func, extension string, opts ...Option) *Harvester {
	h := &Harvester{
		api:       api,
		sink:      sink,
		extract:   fn,
		extension: strings.ToLower(extension),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.extract = extract.Safe(h.extract, h.logger)
	return h
}

// Process harvests every matching file of repo and queues its completion
// marker. Any error other than a vanished file aborts the repository
// without a marker, so a later run picks it up again.
func (h *Harvester) Process(ctx context.Context, repo domain.RepositoryRef) (Result, error) {
	var res Result

	paths, err := h.api.ListTree(ctx, repo)
	if apperrors.IsNotFound(err) {
		h.logger.Info("repository vanished or empty", "repo", repo.FullName)
		res.Vanished = true
		return res, h.sink.Complete(ctx, repo.Completed(0, h.now()))
	}
	if err != nil {
		return res, fmt.Errorf("failed to list %s: %w", repo.FullName, err)
	}

	files := h.selectFiles(paths)
	for _, p := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		content, err := h.api.FetchContent(ctx, repo, p)
		if apperrors.IsNotFound(err) {
			h.logger.Debug("file vanished", "repo", repo.FullName, "path", p)
			res.SkippedFiles++
			continue
		}
		if err != nil {
			return res, fmt.Errorf("failed to fetch %s/%s: %w", repo.FullName, p, err)
		}
		res.Files++

		for _, u := range h.extract(p, content) {
			unit := &domain.CodeUnit{
				Key:           domain.UnitKey(repo.ID, p, u.Kind, u.Name, u.Span.Start),
				RepoID:        repo.ID,
				RepoFullName:  repo.FullName,
				Source:        repo.HTMLURL,
				Path:          p,
				Kind:          u.Kind,
				QualifiedName: u.Name,
				Code:          u.Code,
				CodeNoDoc:     u.CodeNoDoc,
				Doc:           u.Doc,
				Span:          u.Span,
				CreatedAt:     h.now(),
			}
			if err := h.sink.Add(ctx, unit); err != nil {
				return res, err
			}
			res.Units++
		}
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}
	if err := h.sink.Complete(ctx, repo.Completed(res.Units, h.now())); err != nil {
		return res, err
	}
	return res, nil
}

// selectFiles keeps files with the target extension outside hidden
// directories, skipping setup scripts.
func (h *Harvester) selectFiles(paths []string) []string {
	var files []string
	for _, p := range paths {
		if strings.ToLower(path.Ext(p)) != h.extension {
			continue
		}
		if strings.HasPrefix(path.Base(p), "setup") || inHiddenDir(p) {
			continue
		}
		files = append(files, p)
		if h.maxFiles > 0 && len(files) == h.maxFiles {
			break
		}
	}
	return files
}

func inHiddenDir(p string) bool {
	dirs := strings.Split(path.Dir(p), "/")
	for _, d := range dirs {
		if strings.HasPrefix(d, ".") && d != "." {
			return true
		}
	}
	return false
}
