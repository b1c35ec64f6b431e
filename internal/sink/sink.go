// Package sink buffers harvested units and commits them in batches.
package sink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kurihiro0119/docstring-harvester/internal/domain"
	apperrors "github.com/kurihiro0119/docstring-harvester/internal/errors"
	"github.com/kurihiro0119/docstring-harvester/internal/storage"
)

// Batch describes one committed batch
type Batch struct {
	Number       int
	Units        int
	Repositories int
	CommittedAt  time.Time
}

func (b Batch) String() string {
	if b.Number == 0 {
		return "no batch committed"
	}
	return fmt.Sprintf("batch #%d (%d units, %d repositories) at %s",
		b.Number, b.Units, b.Repositories, b.CommittedAt.Format(time.RFC3339))
}

// Stats counts what the sink has committed
type Stats struct {
	Batches      int
	Units        int
	Repositories int
}

// Sink is the pending batch shared by all workers. A failed commit poisons
// it: every later call returns the same error and the buffer is kept.
type Sink struct {
	mu        sync.Mutex
	store     storage.Committer
	batchSize int
	units     []*domain.CodeUnit
	markers   []domain.ProcessedRepository
	onCommit  func([]domain.ProcessedRepository)
	logger    *slog.Logger
	stats     Stats
	last      Batch
	err       error
}

// Option configures a Sink
type Option func(*Sink)

// WithCommitHook registers fn to receive the completion markers of every
// successful commit
func WithCommitHook(fn func([]domain.ProcessedRepository)) Option {
	return func(s *Sink) { s.onCommit = fn }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sink) { s.logger = logger }
}

// New creates a sink committing every batchSize units
func New(store storage.Committer, batchSize int, opts ...Option) *Sink {
	if batchSize < 1 {
		batchSize = 1
	}
	s := &Sink{
		store:     store,
		batchSize: batchSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add buffers a unit, committing when the batch is full
func (s *Sink) Add(ctx context.Context, unit *domain.CodeUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	s.units = append(s.units, unit)
	if len(s.units) >= s.batchSize {
		return s.commitLocked(ctx)
	}
	return nil
}

// Complete queues the completion marker of a repository whose units have
// all been added. It is committed with or after those units.
func (s *Sink) Complete(ctx context.Context, repo domain.ProcessedRepository) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	s.markers = append(s.markers, repo)
	if len(s.markers) >= s.batchSize {
		return s.commitLocked(ctx)
	}
	return nil
}

// Flush commits whatever is buffered
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	if len(s.units) == 0 && len(s.markers) == 0 {
		return nil
	}
	return s.commitLocked(ctx)
}

// Stats returns the committed totals
func (s *Sink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// LastBatch returns the most recent successful commit
func (s *Sink) LastBatch() Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Pending returns the number of buffered units and markers
func (s *Sink) Pending() (units, repositories int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.units), len(s.markers)
}

func (s *Sink) commitLocked(ctx context.Context) error {
	// A started commit runs to completion even if the caller is cancelled.
	ctx = context.WithoutCancel(ctx)

	if err := s.store.CommitBatch(ctx, s.units, s.markers); err != nil {
		s.err = apperrors.NewStorageCommitError(
			fmt.Sprintf("failed to commit %d units and %d repositories; last successful: %s",
				len(s.units), len(s.markers), s.last), err)
		s.logger.Error("batch commit failed", "error", err, "pending_units", len(s.units))
		return s.err
	}

	s.stats.Batches++
	s.stats.Units += len(s.units)
	s.stats.Repositories += len(s.markers)
	s.last = Batch{
		Number:       s.stats.Batches,
		Units:        len(s.units),
		Repositories: len(s.markers),
		CommittedAt:  time.Now(),
	}
	s.logger.Info("batch committed", "batch", s.last.Number, "units", s.last.Units, "repositories", s.last.Repositories)

	if s.onCommit != nil && len(s.markers) > 0 {
		s.onCommit(s.markers)
	}
	s.units = nil
	s.markers = nil
	return nil
}
