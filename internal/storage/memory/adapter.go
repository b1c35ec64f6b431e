// Package memory is a volatile Storage used for dry runs and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kurihiro0119/docstring-harvester/internal/domain"
	apperrors "github.com/kurihiro0119/docstring-harvester/internal/errors"
	"github.com/kurihiro0119/docstring-harvester/internal/storage"
)

// Storage keeps everything in process memory
type Storage struct {
	mu        sync.Mutex
	units     []*domain.CodeUnit
	keys      map[string]bool
	repos     map[int64]domain.ProcessedRepository
	runs      map[string]domain.HarvestRun
}

var _ storage.Storage = (*Storage)(nil)

// New creates an empty in-memory storage
func New() *Storage {
	return &Storage{
		keys:      make(map[string]bool),
		repos:     make(map[int64]domain.ProcessedRepository),
		runs:      make(map[string]domain.HarvestRun),
	}
}

// Migrate is a no-op
func (s *Storage) Migrate(context.Context) error {
	return nil
}

// CommitBatch applies units and markers atomically
func (s *Storage) CommitBatch(ctx context.Context, units []*domain.CodeUnit, completed []domain.ProcessedRepository) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range units {
		if s.keys[u.Key] {
			continue
		}
		s.keys[u.Key] = true
		stored := *u
		stored.ID = int64(len(s.units) + 1)
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = time.Now().UTC()
		}
		s.units = append(s.units, &stored)
	}
	for _, r := range completed {
		if _, ok := s.repos[r.ID]; ok {
			continue
		}
		s.repos[r.ID] = r
	}
	return nil
}

// ProcessedRepositoryIDs returns the ID of every processed repository
func (s *Storage) ProcessedRepositoryIDs(context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.repos))
	for id := range s.repos {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// GetProcessedRepositories lists processed repositories, most recent first
func (s *Storage) GetProcessedRepositories(_ context.Context, limit, offset int) ([]*domain.ProcessedRepository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repos := make([]*domain.ProcessedRepository, 0, len(s.repos))
	for _, r := range s.repos {
		r := r
		repos = append(repos, &r)
	}
	sort.Slice(repos, func(i, j int) bool {
		if !repos[i].ProcessedAt.Equal(repos[j].ProcessedAt) {
			return repos[i].ProcessedAt.After(repos[j].ProcessedAt)
		}
		return repos[i].ID < repos[j].ID
	})
	return page(repos, limit, offset), nil
}

// GetProcessedRepository retrieves one processed repository
func (s *Storage) GetProcessedRepository(_ context.Context, id int64) (*domain.ProcessedRepository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.repos[id]
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("repository %d", id))
	}
	return &r, nil
}

// GetCodeUnits retrieves the units of one repository
func (s *Storage) GetCodeUnits(_ context.Context, repoID int64, limit, offset int) ([]*domain.CodeUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var units []*domain.CodeUnit
	for _, u := range s.units {
		if u.RepoID == repoID {
			c := *u
			units = append(units, &c)
		}
	}
	sort.SliceStable(units, func(i, j int) bool {
		if units[i].Path != units[j].Path {
			return units[i].Path < units[j].Path
		}
		return units[i].Span.Start < units[j].Span.Start
	})
	return page(units, limit, offset), nil
}

// ListCodeUnits pages through all units by ID
func (s *Storage) ListCodeUnits(_ context.Context, afterID int64, limit int) ([]*domain.CodeUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var units []*domain.CodeUnit
	for _, u := range s.units {
		if u.ID <= afterID {
			continue
		}
		c := *u
		units = append(units, &c)
		if len(units) == limit {
			break
		}
	}
	return units, nil
}

// SaveRun inserts or updates a harvest run
func (s *Storage) SaveRun(_ context.Context, run *domain.HarvestRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = *run
	return nil
}

// GetRuns lists the most recent harvest runs
func (s *Storage) GetRuns(_ context.Context, limit int) ([]*domain.HarvestRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs := make([]*domain.HarvestRun, 0, len(s.runs))
	for _, r := range s.runs {
		r := r
		runs = append(runs, &r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	return page(runs, limit, 0), nil
}

// GetStats summarizes the stored data
func (s *Storage) GetStats(context.Context) (*domain.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &domain.Stats{
		Repositories: int64(len(s.repos)),
		Units:        int64(len(s.units)),
		Runs:         int64(len(s.runs)),
	}
	for _, u := range s.units {
		switch u.Kind {
		case domain.UnitKindFunction:
			stats.Functions++
		case domain.UnitKindClass:
			stats.Classes++
		}
	}
	return stats, nil
}

// Close is a no-op
func (s *Storage) Close() error {
	return nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
